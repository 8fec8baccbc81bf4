// Package validation decides whether an uploaded file is safe and really is
// what its name claims. Nothing here touches the filesystem.
package validation

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/lab-analyzer/backend/internal/models"
)

// FileType is an accepted lab data format.
type FileType struct {
	Name       string
	Category   models.Category
	Extensions []string
	MIME       string
}

// HasExtension reports whether ext (without dot, any case) belongs to t.
func (t FileType) HasExtension(ext string) bool {
	return slices.Contains(t.Extensions, strings.ToLower(ext))
}

var (
	TypeCSV = FileType{
		Name:       "csv",
		Category:   models.CategoryTabularCSV,
		Extensions: []string{"csv"},
		MIME:       "text/csv",
	}
	TypeXLSX = FileType{
		Name:       "xlsx",
		Category:   models.CategoryTabularSpreadsheet,
		Extensions: []string{"xlsx"},
		MIME:       "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}
	// TypeNetCDF covers ANDI/AIA chromatography exports.
	TypeNetCDF = FileType{
		Name:       "cdf",
		Category:   models.CategoryChromatography,
		Extensions: []string{"cdf", "nc"},
		MIME:       "application/x-netcdf",
	}
	TypeJCAMP = FileType{
		Name:       "jdx",
		Category:   models.CategorySpectroscopy,
		Extensions: []string{"jdx", "dx", "jcamp"},
		MIME:       "chemical/x-jcamp-dx",
	}
)

var knownTypes = []FileType{TypeCSV, TypeXLSX, TypeNetCDF, TypeJCAMP}

// LookupType returns the known type with the given short name.
func LookupType(name string) (FileType, bool) {
	for _, t := range knownTypes {
		if t.Name == name {
			return t, true
		}
	}
	return FileType{}, false
}

// TypeForExtension returns the known type owning ext (".csv" or "csv").
func TypeForExtension(ext string) (FileType, bool) {
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	for _, t := range knownTypes {
		if t.HasExtension(ext) {
			return t, true
		}
	}
	return FileType{}, false
}

// ParseAllowList turns a config value like ".csv,.xlsx,.cdf" into the set
// of accepted types keyed by type name.
func ParseAllowList(spec string) (map[string]FileType, error) {
	allowed := make(map[string]FileType)
	for _, raw := range strings.Split(spec, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		t, ok := TypeForExtension(raw)
		if !ok {
			return nil, fmt.Errorf("unsupported file type in allow-list: %s", raw)
		}
		allowed[t.Name] = t
	}
	if len(allowed) == 0 {
		return nil, fmt.Errorf("allow-list is empty")
	}
	return allowed, nil
}

// DeclaredExtension returns the lower-cased extension of name without the dot.
func DeclaredExtension(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}
