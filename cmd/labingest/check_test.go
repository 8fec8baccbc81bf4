package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lab-analyzer/backend/internal/config"
	"github.com/lab-analyzer/backend/internal/testutil"
)

func writeFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestRunCheck_Accepted(t *testing.T) {
	var out bytes.Buffer
	err := runCheck(&out, config.DefaultConfig(), writeFile(t, "sample.csv", []byte(testutil.SampleCSV)))
	require.NoError(t, err)

	var got checkReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.True(t, got.Accepted)
	assert.Equal(t, "csv", got.Detected.Type)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, 2, got.Metadata.RowCount)
	assert.Len(t, got.SHA256, 64)
}

func TestRunCheck_Rejected(t *testing.T) {
	var out bytes.Buffer
	err := runCheck(&out, config.DefaultConfig(), writeFile(t, "data.csv", testutil.PEExecutable()))
	assert.ErrorIs(t, err, errCheckFailed)

	var got checkReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.False(t, got.Accepted)
	require.NotNil(t, got.Rejection)
	assert.Equal(t, "executable", string(got.Rejection.Threat))
	assert.Nil(t, got.Metadata)
}

func TestRunCheck_ParseFailure(t *testing.T) {
	var out bytes.Buffer
	err := runCheck(&out, config.DefaultConfig(), writeFile(t, "empty.csv", []byte(testutil.HeaderOnlyCSV)))
	assert.ErrorIs(t, err, errCheckFailed)
	assert.Contains(t, out.String(), "empty data")
}

func TestRunCheck_TooLarge(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.MaxUploadSize = "10B"

	err := runCheck(&bytes.Buffer{}, cfg, writeFile(t, "sample.csv", []byte(testutil.SampleCSV)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload limit")
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "labingest dev")
}

func TestSplitOrigins(t *testing.T) {
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, splitOrigins(" https://a.example, ,https://b.example "))
	assert.Nil(t, splitOrigins(""))
}
