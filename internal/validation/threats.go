package validation

import (
	"archive/zip"
	"bytes"
	"html"
	"io"
	"regexp"
)

// Threat is a category of malicious content. Only the category is ever
// reported, never the matched bytes.
type Threat string

const (
	ThreatExecutable         Threat = "executable"
	ThreatEmbeddedExecutable Threat = "embedded_executable"
	ThreatScript             Threat = "script"
	ThreatServerScript       Threat = "server_script"
	ThreatMacro              Threat = "macro"
	ThreatPathTraversal      Threat = "path_traversal"
)

type contentPattern struct {
	threat Threat
	re     *regexp.Regexp
	// textOnly patterns are short enough to occur by chance in numeric
	// binary payloads, so they only run against text.
	textOnly bool
}

var contentPatterns = []contentPattern{
	{threat: ThreatEmbeddedExecutable, re: regexp.MustCompile(`This program cannot be run in DOS mode`)},
	{threat: ThreatScript, re: regexp.MustCompile(`(?i)<\s*script\b`)},
	{threat: ThreatScript, re: regexp.MustCompile(`(?i)\bjavascript\s*:`)},
	{threat: ThreatScript, re: regexp.MustCompile(`(?i)<[a-z][^<>\n]*\son[a-z]+\s*=`), textOnly: true},
	{threat: ThreatServerScript, re: regexp.MustCompile(`(?i)<\?(php|=)`)},
	{threat: ThreatServerScript, re: regexp.MustCompile(`<%`), textOnly: true},
	{threat: ThreatServerScript, re: regexp.MustCompile(`(?i)<!--\s*#\s*(exec|include)`)},
}

// ScannedCategories lists every category Scan looks for, in report order.
var ScannedCategories = []string{
	string(ThreatExecutable),
	string(ThreatEmbeddedExecutable),
	string(ThreatScript),
	string(ThreatServerScript),
	string(ThreatMacro),
}

// maxSharedStrings caps how much decompressed workbook text is scanned.
const maxSharedStrings = 16 << 20

// Scan returns the distinct threat categories found in content.
func Scan(content []byte, det Detection) []Threat {
	var found []Threat
	seen := make(map[Threat]bool)
	add := func(t Threat) {
		if !seen[t] {
			seen[t] = true
			found = append(found, t)
		}
	}
	match := func(b []byte, text bool) {
		for _, p := range contentPatterns {
			if seen[p.threat] || (p.textOnly && !text) {
				continue
			}
			if p.re.Match(b) {
				add(p.threat)
			}
		}
	}

	if executableTypes[det.Type] {
		add(ThreatExecutable)
	}

	switch det.Type {
	case TypeXLSX.Name:
		match(content, false)
		zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
		if err != nil {
			break
		}
		for _, f := range zr.File {
			switch f.Name {
			case "xl/vbaProject.bin":
				add(ThreatMacro)
			case "xl/sharedStrings.xml":
				if text := readEntry(f, maxSharedStrings); text != nil {
					// cell text is XML escaped on disk
					match([]byte(html.UnescapeString(string(text))), true)
				}
			}
		}
	case TypeNetCDF.Name, typeHDF5, typeBinary, typeZip:
		match(content, false)
	default:
		match(content, isText(bytes.TrimPrefix(content, utf8BOM)))
	}
	return found
}

func readEntry(f *zip.File, limit int64) []byte {
	rc, err := f.Open()
	if err != nil {
		return nil
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return nil
	}
	return b
}
