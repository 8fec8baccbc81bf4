// Package config provides XML-based configuration management for the lab ingestion service.
package config

import (
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
)

// configValidate checks struct tags on AppConfig.
var configValidate = validator.New()

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"LabIngest"`

	// Server configuration
	Server ServerConfig `xml:"Server"`

	// Storage configuration
	Storage StorageConfig `xml:"Storage"`

	// Processing configuration
	Processing ProcessingConfig `xml:"Processing"`

	// Security configuration
	Security SecurityConfig `xml:"Security"`

	// Analysis capability
	Analysis AnalysisConfig `xml:"Analysis"`

	// Advanced options
	Advanced AdvancedConfig `xml:"Advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `xml:"Port" validate:"min=1,max=65535"`
	BindAddress  string `xml:"BindAddress" validate:"required"`
	EnableCORS   bool   `xml:"EnableCORS"`
	AllowOrigins string `xml:"AllowOrigins"`
	ReadTimeout  int    `xml:"ReadTimeoutSeconds" validate:"min=1"`
	WriteTimeout int    `xml:"WriteTimeoutSeconds" validate:"min=1"`
	IdleTimeout  int    `xml:"IdleTimeoutSeconds" validate:"min=1"`
}

// StorageConfig contains file storage settings
type StorageConfig struct {
	DataDirectory    string `xml:"DataDirectory" validate:"required"`
	UploadsDirectory string `xml:"UploadsDirectory" validate:"required"`
	DatabasePath     string `xml:"DatabasePath"`
	MaxUploadSize    string `xml:"MaxUploadSize" validate:"required"`
	// SecureDeletePasses is the number of random overwrite passes before the zero pass.
	SecureDeletePasses int `xml:"SecureDeletePasses" validate:"min=0,max=35"`
}

// ProcessingConfig contains pipeline settings
type ProcessingConfig struct {
	Workers                 int     `xml:"Workers" validate:"min=1,max=64"`
	QueueSize               int     `xml:"QueueSize" validate:"min=1"`
	SweepIntervalMinutes    int     `xml:"SweepIntervalMinutes" validate:"min=1"`
	StagedFileMaxAgeMinutes int     `xml:"StagedFileMaxAgeMinutes" validate:"min=1"`
	PeakThreshold           float64 `xml:"PeakThreshold" validate:"gte=0"`
	MaxPeaks                int     `xml:"MaxPeaks" validate:"min=1"`
	ShutdownGraceSeconds    int     `xml:"ShutdownGraceSeconds" validate:"min=0"`
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	RequireAuth      bool   `xml:"RequireAuthentication"`
	AuthToken        string `xml:"AuthToken" validate:"required_if=RequireAuth true"`
	AllowedFileTypes string `xml:"AllowedFileTypes" validate:"required"`
	// ExposeErrorDetails adds internal error text to API error bodies. Development only.
	ExposeErrorDetails bool `xml:"ExposeErrorDetails"`
}

// AnalysisConfig selects and tunes the analysis capability
type AnalysisConfig struct {
	Provider       string `xml:"Provider" validate:"oneof=rules openai"`
	Model          string `xml:"Model"`
	APIKey         string `xml:"APIKey" validate:"required_if=Provider openai"`
	BaseURL        string `xml:"BaseURL" validate:"omitempty,url"`
	TimeoutSeconds int    `xml:"TimeoutSeconds" validate:"min=1"`
	RequestsPerMin int    `xml:"RequestsPerMinute" validate:"min=0"`
	RangesFile     string `xml:"RangesFile"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel             string `xml:"LogLevel" validate:"oneof=debug info warn error"`
	LogFormat            string `xml:"LogFormat" validate:"oneof=text json"`
	EnableRequestLogging bool   `xml:"EnableRequestLogging"`
	DuckDBThreads        int    `xml:"DuckDBThreads" validate:"min=1"`
	DuckDBMemoryLimit    string `xml:"DuckDBMemoryLimit"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8089,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
		},
		Storage: StorageConfig{
			DataDirectory:      "./data",
			UploadsDirectory:   "./data/uploads",
			DatabasePath:       "./data/labingest.duckdb",
			MaxUploadSize:      "50MB",
			SecureDeletePasses: 3,
		},
		Processing: ProcessingConfig{
			Workers:                 3,
			QueueSize:               32,
			SweepIntervalMinutes:    5,
			StagedFileMaxAgeMinutes: 60,
			PeakThreshold:           0.1,
			MaxPeaks:                10,
			ShutdownGraceSeconds:    30,
		},
		Security: SecurityConfig{
			RequireAuth:      false,
			AuthToken:        "",
			AllowedFileTypes: ".csv,.xlsx,.cdf,.jdx",
		},
		Analysis: AnalysisConfig{
			Provider:       "rules",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 60,
			RequestsPerMin: 30,
		},
		Advanced: AdvancedConfig{
			LogLevel:             "info",
			LogFormat:            "text",
			EnableRequestLogging: true,
			DuckDBThreads:        4,
			DuckDBMemoryLimit:    "1GB",
		},
	}
}

// LoadConfig loads configuration from XML file
func LoadConfig(configPath string) (*AppConfig, error) {
	var config *AppConfig

	// If file doesn't exist, create default
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		config = DefaultConfig()
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		config = DefaultConfig()
		if err := xml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	// Resolve relative paths
	config.resolvePaths(filepath.Dir(configPath))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(xml.Header + "\n<!-- Lab Ingest Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	// may hold the API key and auth token
	if err := os.WriteFile(configPath, content, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks field constraints and derived values.
func (c *AppConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.MaxUploadBytes(); err != nil {
		return fmt.Errorf("invalid config: MaxUploadSize: %w", err)
	}
	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	// PORT override
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	// DATA_DIR moves everything that still lives under the default data dir
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
		c.Storage.UploadsDirectory = filepath.Join(dataDir, "uploads")
		c.Storage.DatabasePath = filepath.Join(dataDir, "labingest.duckdb")
	}

	if dbPath, ok := os.LookupEnv("LABINGEST_DB_PATH"); ok {
		c.Storage.DatabasePath = dbPath
	}

	// Secrets are better kept out of the file
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Analysis.APIKey = key
	}
	if token := os.Getenv("LABINGEST_AUTH_TOKEN"); token != "" {
		c.Security.AuthToken = token
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
	resolve(&c.Storage.DataDirectory)
	resolve(&c.Storage.UploadsDirectory)
	resolve(&c.Storage.DatabasePath)
	resolve(&c.Analysis.RangesFile)
}

// MaxUploadBytes parses Storage.MaxUploadSize ("50MB", "2 GiB", ...).
func (c *AppConfig) MaxUploadBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.Storage.MaxUploadSize)
	if err != nil {
		return 0, err
	}
	if n == 0 || n > 1<<40 {
		return 0, fmt.Errorf("size %q out of range", c.Storage.MaxUploadSize)
	}
	return int64(n), nil
}

// AnalysisTimeout returns the per-call analysis timeout.
func (c *AppConfig) AnalysisTimeout() time.Duration {
	return time.Duration(c.Analysis.TimeoutSeconds) * time.Second
}

// SweepInterval returns how often orphaned staged files are swept.
func (c *AppConfig) SweepInterval() time.Duration {
	return time.Duration(c.Processing.SweepIntervalMinutes) * time.Minute
}

// StagedFileMaxAge returns the age after which an unheld staged file is an orphan.
func (c *AppConfig) StagedFileMaxAge() time.Duration {
	return time.Duration(c.Processing.StagedFileMaxAgeMinutes) * time.Minute
}

// LogLevel maps Advanced.LogLevel onto slog.
func (c *AppConfig) LogLevel() slog.Level {
	switch strings.ToLower(c.Advanced.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// GetDataDir returns the absolute data directory path
func (c *AppConfig) GetDataDir() string {
	return c.Storage.DataDirectory
}

// GetUploadDir returns the absolute uploads directory path
func (c *AppConfig) GetUploadDir() string {
	return c.Storage.UploadsDirectory
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	if err := os.MkdirAll(c.Storage.DataDirectory, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.Storage.DataDirectory, err)
	}
	// staged uploads are never world readable
	if err := os.MkdirAll(c.Storage.UploadsDirectory, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.Storage.UploadsDirectory, err)
	}
	return nil
}
