// validator_test.go - Tests for content sniffing, threat scan and filename safety
package validation

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/lab-analyzer/backend/internal/models"
)

const allowAll = ".csv,.xlsx,.cdf,.jdx,.dx"

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(allowAll)
	require.NoError(t, err)
	return v
}

func buildXLSX(t *testing.T) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "id"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "ph"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "S1"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", 7.1))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func buildZip(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("<x/>"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// ============ Sniffing ============

func TestSniff(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		want    string
	}{
		{"csv", []byte("id,ph\nS1,7.0\nS2,13.5\n"), "csv"},
		{"semicolon csv", []byte("id;ph\nS1;7,0\n"), "csv"},
		{"tab separated", []byte("time\tsignal\n0.1\t3\n0.2\t4\n"), "csv"},
		{"jcamp", []byte("##TITLE=ethanol\n##JCAMP-DX=4.24\n##XYDATA=(X++(Y..Y))\n1 2 3\n##END=\n"), "jdx"},
		{"netcdf classic", []byte("CDF\x01\x00\x00\x00\x00"), "cdf"},
		{"netcdf 64-bit offset", []byte("CDF\x02\x00\x00\x00\x00"), "cdf"},
		{"pe executable", []byte("MZ\x90\x00\x03\x00\x00\x00"), "exe"},
		{"elf", []byte("\x7fELF\x02\x01\x01"), "elf"},
		{"mach-o", []byte{0xcf, 0xfa, 0xed, 0xfe, 0x07, 0x00}, "macho"},
		{"shebang", []byte("#!/bin/sh\nrm -rf /\n"), "script"},
		{"mass spectrum with m/z column", []byte("MZ,intensity\n100.1,5\n200.2,7\n"), "csv"},
		{"table with shebang-like first cell", []byte("#!run,signal\n1,5\n2,7\n"), "csv"},
		{"pe header without dos padding", peWithHeader(), "exe"},
		{"plain prose", []byte("just a note without any columns\n"), "txt"},
		{"empty", []byte("  \n"), "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sniff(tt.content).Type)
		})
	}
}

// peWithHeader builds a DOS header whose e_lfanew points at a PE signature.
func peWithHeader() []byte {
	b := make([]byte, 0x80)
	copy(b, "MZ")
	binary.LittleEndian.PutUint32(b[0x3c:], 0x40)
	copy(b[0x40:], "PE\x00\x00")
	return b
}

func TestSniff_ZipContainers(t *testing.T) {
	assert.Equal(t, "xlsx", Sniff(buildXLSX(t)).Type)
	assert.Equal(t, "xlsx", Sniff(buildZip(t, "[Content_Types].xml", "xl/workbook.xml")).Type)
	assert.NotEqual(t, "xlsx", Sniff(buildZip(t, "readme.txt")).Type)
}

// ============ Validate ============

func TestValidate_AcceptsSampleCSV(t *testing.T) {
	v := newTestValidator(t)

	res, err := v.Validate([]byte("id,ph\nS1,7.0\nS2,13.5"), "sample.csv")
	require.NoError(t, err)
	require.True(t, res.Accepted, "unexpected rejection: %v", res.Rejection)
	assert.Equal(t, "csv", res.Type.Name)
	assert.Equal(t, models.CategoryTabularCSV, res.Type.Category)
	assert.Equal(t, "csv", res.Declared)
	assert.True(t, res.Scan.Passed)
	assert.Len(t, res.SHA256, 64)
}

func TestValidate_AcceptsEachFormat(t *testing.T) {
	v := newTestValidator(t)

	cases := map[string][]byte{
		"run.xlsx":  buildXLSX(t),
		"run.cdf":   []byte("CDF\x01\x00\x00\x00\x00\x00\x00\x00\x00"),
		"ir.jdx":    []byte("##TITLE=sample\n##XYDATA=(XY..XY)\n1,2\n##END=\n"),
		"ir.dx":     []byte("##TITLE=sample\n##XYDATA=(XY..XY)\n1,2\n##END=\n"),
		"Batch.CSV": []byte("a,b\n1,2\n"),
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := v.Validate(content, name)
			require.NoError(t, err)
			assert.True(t, res.Accepted, "unexpected rejection: %v", res.Rejection)
		})
	}
}

func TestValidate_MassSpectrumTable(t *testing.T) {
	v := newTestValidator(t)

	res, err := v.Validate([]byte("MZ,intensity\n100.1,5\n200.2,7\n"), "ms_peaks.csv")
	require.NoError(t, err)
	require.True(t, res.Accepted, "unexpected rejection: %v", res.Rejection)
	assert.Equal(t, "csv", res.Detected.Type)
}

func TestValidate_ExecutableRenamedToCSV(t *testing.T) {
	v := newTestValidator(t)

	content := append([]byte("MZ\x90\x00"), bytes.Repeat([]byte{0}, 60)...)
	res, err := v.Validate(content, "data.csv")
	require.NoError(t, err)
	require.False(t, res.Accepted)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, RejectSecurity, res.Rejection.Kind)
	assert.Equal(t, ThreatExecutable, res.Rejection.Threat)
	assert.Contains(t, res.Rejection.Reason, "mismatch")
	assert.Equal(t, "exe", res.Detected.Type)
}

func TestValidate_Rejections(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name     string
		content  []byte
		filename string
		kind     RejectionKind
		threat   Threat
		contains string
	}{
		{
			name:     "netcdf declared as csv",
			content:  []byte("CDF\x01\x00\x00\x00\x00"),
			filename: "data.csv",
			kind:     RejectValidation,
			contains: "extension mismatch",
		},
		{
			name:     "csv declared as spectroscopy",
			content:  []byte("a,b\n1,2\n"),
			filename: "spectrum.jdx",
			kind:     RejectValidation,
			contains: "extension mismatch",
		},
		{
			name:     "plain text",
			content:  []byte("hello there\n"),
			filename: "notes.csv",
			kind:     RejectValidation,
			contains: "not an accepted type",
		},
		{
			name:     "empty",
			content:  nil,
			filename: "empty.csv",
			kind:     RejectValidation,
			contains: "empty",
		},
		{
			name:     "elf with matching name",
			content:  []byte("\x7fELF\x02\x01\x01\x00"),
			filename: "tool.elf",
			kind:     RejectSecurity,
			threat:   ThreatExecutable,
			contains: "not accepted",
		},
		{
			name:     "script tag in csv",
			content:  []byte("id,note\n1,<script>alert(1)</script>\n"),
			filename: "notes.csv",
			kind:     RejectSecurity,
			threat:   ThreatScript,
		},
		{
			name:     "event handler markup",
			content:  []byte("id,note\n1,<img src=x onerror=alert(1)>\n"),
			filename: "notes.csv",
			kind:     RejectSecurity,
			threat:   ThreatScript,
		},
		{
			name:     "javascript url",
			content:  []byte("id,link\n1,javascript:alert(1)\n"),
			filename: "links.csv",
			kind:     RejectSecurity,
			threat:   ThreatScript,
		},
		{
			name:     "php delimiter",
			content:  []byte("id,cmd\n1,<?php system($_GET['c']); ?>\n"),
			filename: "cmd.csv",
			kind:     RejectSecurity,
			threat:   ThreatServerScript,
		},
		{
			name:     "asp delimiter",
			content:  []byte("id,cmd\n1,<% Response.Write(1) %>\n"),
			filename: "cmd.csv",
			kind:     RejectSecurity,
			threat:   ThreatServerScript,
		},
		{
			name:     "dos stub inside jcamp",
			content:  []byte("##TITLE=x\n##COMMENT=This program cannot be run in DOS mode\n##XYDATA=(XY..XY)\n1,2\n##END=\n"),
			filename: "x.jdx",
			kind:     RejectSecurity,
			threat:   ThreatEmbeddedExecutable,
		},
		{
			name:     "macro enabled workbook",
			content:  buildZip(t, "[Content_Types].xml", "xl/workbook.xml", "xl/vbaProject.bin"),
			filename: "book.xlsx",
			kind:     RejectSecurity,
			threat:   ThreatMacro,
		},
		{
			name:     "path traversal",
			content:  []byte("a,b\n1,2\n"),
			filename: "../../etc/passwd.csv",
			kind:     RejectSecurity,
			threat:   ThreatPathTraversal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.Validate(tt.content, tt.filename)
			require.NoError(t, err)
			require.False(t, res.Accepted)
			require.NotNil(t, res.Rejection)
			assert.Equal(t, tt.kind, res.Rejection.Kind)
			assert.Equal(t, tt.threat, res.Rejection.Threat)
			if tt.contains != "" {
				assert.Contains(t, res.Rejection.Reason, tt.contains)
			}
		})
	}
}

func TestValidate_ReasonNeverEchoesPayload(t *testing.T) {
	v := newTestValidator(t)

	res, err := v.Validate([]byte("id,note\n1,<script>steal()</script>\n"), "x.csv")
	require.NoError(t, err)
	require.NotNil(t, res.Rejection)
	assert.NotContains(t, res.Rejection.Reason, "steal")
	assert.NotContains(t, res.Rejection.Error(), "<script>")
}

func TestValidate_RespectsAllowList(t *testing.T) {
	v, err := New(".csv")
	require.NoError(t, err)

	res, err := v.Validate([]byte("##TITLE=x\n##XYDATA=(XY..XY)\n1,2\n##END=\n"), "x.jdx")
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.True(t, res.Rejection.Unsupported)
	assert.Equal(t, []string{"csv"}, v.AllowedTypes())
}

func TestValidate_Misconfigured(t *testing.T) {
	var v *Validator
	_, err := v.Validate([]byte("a,b\n1,2\n"), "x.csv")
	assert.ErrorIs(t, err, ErrNoAllowedTypes)

	_, err = New(".exe")
	assert.Error(t, err)
	_, err = New("")
	assert.Error(t, err)
}

// ============ Filename safety ============

func TestCheckFilename(t *testing.T) {
	safe := []string{"sample.csv", "run 12 (final).xlsx", "Spectrum_01.jdx", "résultats.csv", "run..2.csv"}
	for _, name := range safe {
		assert.Nil(t, CheckFilename(name), name)
	}

	unsafe := map[string]Threat{
		"":                  "",
		"../secret.csv":     ThreatPathTraversal,
		"..":                ThreatPathTraversal,
		"dir/file.csv":      ThreatPathTraversal,
		`dir\file.csv`:      ThreatPathTraversal,
		"file\x00.csv":      ThreatPathTraversal,
		"C:evil.csv":        ThreatPathTraversal,
		"file\n.csv":        "",
		"what?.csv":         "",
		"a|b.csv":           "",
		".hidden.csv":       "",
		"trailing.csv.":     "",
		"trailing.csv ":     "",
		"CON.csv":           "",
		"lpt1.csv":          "",
		strings.Repeat("a", 300) + ".csv": "",
	}
	for name, threat := range unsafe {
		r := CheckFilename(name)
		if assert.NotNil(t, r, "%q should be rejected", name) {
			assert.Equal(t, threat, r.Threat, "%q", name)
		}
	}
}

func TestScan_ScriptInsideWorkbookCell(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "note"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", `<img src=x onerror="alert(1)">`))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	content := buf.Bytes()
	threats := Scan(content, Sniff(content))
	assert.Contains(t, threats, ThreatScript)
}

func TestScan_CleanWorkbook(t *testing.T) {
	content := buildXLSX(t)
	assert.Empty(t, Scan(content, Sniff(content)))
}
