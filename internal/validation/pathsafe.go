package validation

import (
	"strings"
	"unicode"
)

const maxFilenameBytes = 255

var reservedDeviceNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// CheckFilename applies the path-safety rules to a client supplied name.
// It must be called before anything is written to disk. A nil return means
// the name is safe to keep as metadata; it is never used as a path.
func CheckFilename(name string) *Rejection {
	traversal := func(reason string) *Rejection {
		return &Rejection{Kind: RejectSecurity, Reason: reason, Threat: ThreatPathTraversal}
	}
	invalid := func(reason string) *Rejection {
		return &Rejection{Kind: RejectValidation, Reason: reason}
	}

	switch {
	case name == "":
		return invalid("filename is empty")
	case len(name) > maxFilenameBytes:
		return invalid("filename is too long")
	case name == "..":
		return traversal("filename is a parent directory segment")
	case strings.ContainsAny(name, `/\`):
		return traversal("filename contains a path separator")
	case strings.ContainsRune(name, 0):
		return traversal("filename contains a null byte")
	}

	for _, r := range name {
		if unicode.IsControl(r) {
			return invalid("filename contains control characters")
		}
	}
	if len(name) >= 2 && name[1] == ':' && isASCIILetter(name[0]) {
		return traversal("filename has a drive letter prefix")
	}
	if strings.ContainsAny(name, `<>:"|?*`) {
		return invalid("filename contains reserved characters")
	}
	if strings.HasPrefix(name, ".") {
		return invalid("filename must not start with a dot")
	}
	if strings.HasSuffix(name, ".") || strings.HasSuffix(name, " ") {
		return invalid("filename must not end with a dot or space")
	}

	stem := name
	if i := strings.IndexByte(stem, '.'); i >= 0 {
		stem = stem[:i]
	}
	if reservedDeviceNames[strings.ToUpper(strings.TrimSpace(stem))] {
		return invalid("filename uses a reserved device name")
	}
	return nil
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
