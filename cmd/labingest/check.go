package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lab-analyzer/backend/internal/config"
	"github.com/lab-analyzer/backend/internal/models"
	"github.com/lab-analyzer/backend/internal/parser"
	"github.com/lab-analyzer/backend/internal/validation"
)

// errCheckFailed makes the command exit non-zero after printing its verdict.
var errCheckFailed = errors.New("check failed")

type checkReport struct {
	File      string                `json:"file"`
	Size      string                `json:"size"`
	Accepted  bool                  `json:"accepted"`
	Detected  validation.Detection  `json:"detected"`
	Category  models.Category       `json:"analysisCategory,omitempty"`
	SHA256    string                `json:"sha256"`
	Rejection *validation.Rejection `json:"rejection,omitempty"`
	Metadata  *models.ParseMetadata `json:"metadata,omitempty"`
	Peaks     []models.Peak         `json:"peaks,omitempty"`
	ParseErr  string                `json:"parseError,omitempty"`
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>",
		Short: "Validate and parse a local file without storing or analyzing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := checkConfig()
			if err != nil {
				return err
			}
			return runCheck(cmd.OutOrStdout(), cfg, args[0])
		},
	}
}

// checkConfig uses the config file when one exists and defaults otherwise,
// so check never writes a config file as a side effect.
func checkConfig() (*config.AppConfig, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func runCheck(out io.Writer, cfg *config.AppConfig, path string) error {
	limit, err := cfg.MaxUploadBytes()
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > limit {
		return fmt.Errorf("%s is %s, over the %s upload limit", path,
			humanize.Bytes(uint64(info.Size())), humanize.Bytes(uint64(limit)))
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	v, err := validation.New(cfg.Security.AllowedFileTypes)
	if err != nil {
		return err
	}
	name := filepath.Base(path)
	res, err := v.Validate(content, name)
	if err != nil {
		return err
	}

	report := checkReport{
		File:      name,
		Size:      humanize.Bytes(uint64(len(content))),
		Accepted:  res.Accepted,
		Detected:  res.Detected,
		SHA256:    res.SHA256,
		Rejection: res.Rejection,
	}
	failed := !res.Accepted
	if res.Accepted {
		report.Category = res.Type.Category
		registry := parser.NewRegistry(parser.Options{
			PeakThreshold: cfg.Processing.PeakThreshold,
			MaxPeaks:      cfg.Processing.MaxPeaks,
		})
		data, err := registry.Parse(res.Type.Name, content, name, int64(len(content)))
		if err != nil {
			report.ParseErr = err.Error()
			failed = true
		} else {
			report.Metadata = &data.Metadata
			report.Peaks = data.Peaks
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if failed {
		return errCheckFailed
	}
	return nil
}
