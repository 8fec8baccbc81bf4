package validation

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"encoding/csv"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

// Short type names for content we recognise but never accept.
const (
	typeEmpty  = "empty"
	typeExe    = "exe"
	typeELF    = "elf"
	typeMachO  = "macho"
	typeScript = "script"
	typeHDF5   = "hdf5"
	typeZip    = "zip"
	typeText   = "txt"
	typeBinary = "bin"
)

// executableTypes are detections that are rejected as a security threat.
var executableTypes = map[string]bool{
	typeExe:    true,
	typeELF:    true,
	typeMachO:  true,
	typeScript: true,
}

// Detection is the file type derived from content bytes alone.
type Detection struct {
	Type string `json:"type"`
	MIME string `json:"mime"`
}

type signature struct {
	magic []byte
	det   Detection
	// when, if set, must also hold for the signature to match
	when func(content []byte) bool
}

// signatures are checked before mimetype so instrument formats and
// executables are classified the same way regardless of library version.
var signatures = []signature{
	{magic: []byte("MZ"), det: Detection{typeExe, "application/vnd.microsoft.portable-executable"}, when: isPortableExecutable},
	{magic: []byte("\x7fELF"), det: Detection{typeELF, "application/x-elf"}},
	{magic: []byte{0xfe, 0xed, 0xfa, 0xce}, det: Detection{typeMachO, "application/x-mach-binary"}},
	{magic: []byte{0xfe, 0xed, 0xfa, 0xcf}, det: Detection{typeMachO, "application/x-mach-binary"}},
	{magic: []byte{0xce, 0xfa, 0xed, 0xfe}, det: Detection{typeMachO, "application/x-mach-binary"}},
	{magic: []byte{0xcf, 0xfa, 0xed, 0xfe}, det: Detection{typeMachO, "application/x-mach-binary"}},
	{magic: []byte("#!"), det: Detection{typeScript, "text/x-shellscript"}, when: isScriptText},
	{magic: []byte("CDF\x01"), det: Detection{TypeNetCDF.Name, TypeNetCDF.MIME}},
	{magic: []byte("CDF\x02"), det: Detection{TypeNetCDF.Name, TypeNetCDF.MIME}},
	{magic: []byte("\x89HDF\r\n\x1a\n"), det: Detection{typeHDF5, "application/x-hdf5"}},
}

// peHeaderOffset is where a DOS header stores the offset of the PE header.
const peHeaderOffset = 0x3c

// isPortableExecutable tells a DOS/PE image apart from text that merely
// starts with "MZ", such as a mass spectrum table with an m/z column.
func isPortableExecutable(content []byte) bool {
	if len(content) >= peHeaderOffset+4 {
		off := int(binary.LittleEndian.Uint32(content[peHeaderOffset:]))
		if off > 0 && off <= len(content)-4 && bytes.Equal(content[off:off+4], []byte("PE\x00\x00")) {
			return true
		}
	}
	return !isText(content)
}

// isScriptText keeps shebang detection for script-like text while letting
// delimited tables whose first cell starts with "#!" through.
func isScriptText(content []byte) bool {
	return !isText(content) || !looksDelimited(content)
}

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// Sniff determines the true type of content independent of any filename.
func Sniff(content []byte) Detection {
	if len(bytes.TrimSpace(content)) == 0 {
		return Detection{Type: typeEmpty, MIME: "application/x-empty"}
	}

	for _, sig := range signatures {
		if bytes.HasPrefix(content, sig.magic) && (sig.when == nil || sig.when(content)) {
			return sig.det
		}
	}

	if bytes.HasPrefix(content, []byte("PK\x03\x04")) {
		return sniffZip(content)
	}

	text := bytes.TrimPrefix(content, utf8BOM)
	if isText(text) {
		return sniffText(text)
	}

	m := mimetype.Detect(content)
	return fromMIME(m, typeBinary)
}

// sniffZip tells spreadsheets apart from other OOXML/zip containers by
// looking at the archive entries.
func sniffZip(content []byte) Detection {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return Detection{Type: typeZip, MIME: "application/zip"}
	}
	for _, f := range zr.File {
		if f.Name == "xl/workbook.xml" {
			return Detection{Type: TypeXLSX.Name, MIME: TypeXLSX.MIME}
		}
	}
	return fromMIME(mimetype.Detect(content), typeZip)
}

func sniffText(text []byte) Detection {
	if isJCAMP(text) {
		return Detection{Type: TypeJCAMP.Name, MIME: TypeJCAMP.MIME}
	}

	m := mimetype.Detect(text)
	switch {
	case m.Is("text/csv"):
		return Detection{Type: TypeCSV.Name, MIME: TypeCSV.MIME}
	case m.Is("text/plain") || m.Is("text/tab-separated-values"):
		if looksDelimited(text) {
			return Detection{Type: TypeCSV.Name, MIME: TypeCSV.MIME}
		}
		return Detection{Type: typeText, MIME: "text/plain"}
	}
	return fromMIME(m, typeText)
}

func fromMIME(m *mimetype.MIME, fallback string) Detection {
	ext := strings.TrimPrefix(m.Extension(), ".")
	if ext == "" {
		ext = fallback
	}
	return Detection{Type: ext, MIME: m.String()}
}

// isText reports whether b is valid UTF-8 without NUL or stray control bytes.
func isText(b []byte) bool {
	sample := b
	if len(sample) > 64*1024 {
		sample = sample[:64*1024]
		// avoid judging a rune cut in half at the sample boundary
		for i := 0; i < utf8.UTFMax && !utf8.Valid(sample); i++ {
			sample = sample[:len(sample)-1]
		}
	}
	if !utf8.Valid(sample) {
		return false
	}
	for _, c := range sample {
		if c == 0 || (c < 0x20 && c != '\n' && c != '\r' && c != '\t' && c != '\f') {
			return false
		}
	}
	return true
}

func isJCAMP(text []byte) bool {
	head := text
	if len(head) > 4096 {
		head = head[:4096]
	}
	trimmed := bytes.TrimLeft(head, " \t\r\n")
	upper := bytes.ToUpper(head)
	return bytes.HasPrefix(bytes.ToUpper(trimmed), []byte("##TITLE=")) ||
		bytes.Contains(upper, []byte("##JCAMP-DX="))
}

// looksDelimited reports whether text parses as a table with a consistent
// column count of at least two.
func looksDelimited(text []byte) bool {
	delim := DetectDelimiter(text)
	r := csv.NewReader(bytes.NewReader(text))
	r.Comma = delim
	r.FieldsPerRecord = 0
	r.ReuseRecord = true

	records := 0
	for records < 20 {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false
		}
		if len(rec) < 2 {
			return false
		}
		records++
	}
	return records > 0
}

// DetectDelimiter picks ',', ';' or tab from the first line of a table.
func DetectDelimiter(text []byte) rune {
	line := text
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	best, bestCount := ',', bytes.Count(line, []byte{','})
	for _, d := range []rune{';', '\t'} {
		if n := bytes.Count(line, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}
