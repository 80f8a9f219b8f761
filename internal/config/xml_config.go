// Package config provides XML-based configuration management.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/tsviz/backend/internal/parser"
)

// FileName is the config file looked up next to the executable.
const FileName = "SeriesIngest.config"

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"SeriesIngest"`

	// Server configuration
	Server ServerConfig `xml:"Server"`

	// Storage configuration
	Storage StorageConfig `xml:"Storage"`

	// Processing configuration
	Processing ProcessingConfig `xml:"Processing"`

	// Advanced options
	Advanced AdvancedConfig `xml:"Advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `xml:"Port"`
	BindAddress  string `xml:"BindAddress"`
	EnableCORS   bool   `xml:"EnableCORS"`
	AllowOrigins string `xml:"AllowOrigins"`
	ReadTimeout  int    `xml:"ReadTimeoutSeconds"`
	WriteTimeout int    `xml:"WriteTimeoutSeconds"`
	IdleTimeout  int    `xml:"IdleTimeoutSeconds"`
	BodyLimit    string `xml:"BodyLimit"`
}

// StorageConfig contains file storage settings
type StorageConfig struct {
	DataDirectory    string `xml:"DataDirectory"`
	UploadsDirectory string `xml:"UploadsDirectory"`
}

// ProcessingConfig contains ingestion settings
type ProcessingConfig struct {
	SampleRows             int    `xml:"SampleRows"`
	MaxPoints              int    `xml:"MaxPoints"`
	DefaultChunkSizeBytes  int64  `xml:"DefaultChunkSizeBytes"`
	MaxChunksPerUpload     int    `xml:"MaxChunksPerUpload"`
	WatchdogTimeoutSeconds int    `xml:"WatchdogTimeoutSeconds"`
	WatchdogCheckSeconds   int    `xml:"WatchdogCheckSeconds"`
	PushIntervalMillis     int    `xml:"PushIntervalMillis"`
	JobRetentionMinutes    int    `xml:"JobRetentionMinutes"`
	InferenceProfile       string `xml:"InferenceProfile"`
	TimeZone               string `xml:"TimeZone"`
	EnableCompression      bool   `xml:"EnableCompression"`
	CompressionLevel       int    `xml:"CompressionLevel"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel             string `xml:"LogLevel"`
	EnableRequestLogging bool   `xml:"EnableRequestLogging"`
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
			WriteTimeout: 0,
			IdleTimeout:  120,
			BodyLimit:    "2G",
		},
		Storage: StorageConfig{
			DataDirectory:    "./data",
			UploadsDirectory: "./data/uploads",
		},
		Processing: ProcessingConfig{
			SampleRows:             1000,
			MaxPoints:              200000,
			DefaultChunkSizeBytes:  5 * 1024 * 1024,
			MaxChunksPerUpload:     100000,
			WatchdogTimeoutSeconds: 60,
			WatchdogCheckSeconds:   10,
			PushIntervalMillis:     500,
			JobRetentionMinutes:    0,
			InferenceProfile:       "",
			TimeZone:               "UTC",
			EnableCompression:      true,
			CompressionLevel:       5,
		},
		Advanced: AdvancedConfig{
			LogLevel:             "info",
			EnableRequestLogging: true,
		},
	}
}

// LoadConfig loads configuration from XML file
func LoadConfig(configPath string) (*AppConfig, error) {
	configDir := filepath.Dir(configPath)

	// If file doesn't exist, create default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config := DefaultConfig()
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		config.applyEnvironmentOverrides()
		config.resolvePaths(configDir)
		if err := config.Validate(); err != nil {
			return nil, err
		}
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Sections missing from the file keep their defaults
	config := DefaultConfig()
	if err := xml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	// Resolve relative paths
	config.resolvePaths(configDir)

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

	header := []byte(xml.Header + "\n<!-- Series Ingest Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
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

	// DATA_DIR override also moves the uploads directory
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
		c.Storage.UploadsDirectory = filepath.Join(dataDir, "uploads")
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Advanced.LogLevel = level
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.DataDirectory) {
		c.Storage.DataDirectory = filepath.Join(configDir, c.Storage.DataDirectory)
	}
	if !filepath.IsAbs(c.Storage.UploadsDirectory) {
		c.Storage.UploadsDirectory = filepath.Join(configDir, c.Storage.UploadsDirectory)
	}
	if p := c.Processing.InferenceProfile; p != "" && !filepath.IsAbs(p) {
		c.Processing.InferenceProfile = filepath.Join(configDir, p)
	}
}

// Validate rejects settings the server cannot run with.
func (c *AppConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, ok := parseLogLevel(c.Advanced.LogLevel); !ok {
		return fmt.Errorf("invalid log level %q", c.Advanced.LogLevel)
	}
	return nil
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

// GetAllowOrigins splits the comma separated origin list.
func (c *AppConfig) GetAllowOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.Server.AllowOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Location returns the zone for naive dates; empty means UTC.
func (c *AppConfig) Location() (*time.Location, error) {
	if c.Processing.TimeZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Processing.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %w", c.Processing.TimeZone, err)
	}
	return loc, nil
}

// LogLevel maps Advanced/LogLevel onto a gommon level, defaulting to INFO.
func (c *AppConfig) LogLevel() log.Lvl {
	lvl, ok := parseLogLevel(c.Advanced.LogLevel)
	if !ok {
		return log.INFO
	}
	return lvl
}

func parseLogLevel(s string) (log.Lvl, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return log.DEBUG, true
	case "", "info":
		return log.INFO, true
	case "warn", "warning":
		return log.WARN, true
	case "error":
		return log.ERROR, true
	case "off":
		return log.OFF, true
	}
	return 0, false
}

// Profile loads the inference profile, or the defaults when none is set.
func (c *AppConfig) Profile() (*parser.Profile, error) {
	if c.Processing.InferenceProfile == "" {
		return parser.DefaultProfile(), nil
	}
	profile, err := parser.LoadProfile(c.Processing.InferenceProfile)
	if err != nil {
		return nil, fmt.Errorf("failed to load inference profile: %w", err)
	}
	return profile, nil
}

// WatchdogTimeout is the no-progress window after which processing fails.
func (c *AppConfig) WatchdogTimeout() time.Duration {
	return time.Duration(c.Processing.WatchdogTimeoutSeconds) * time.Second
}

// WatchdogInterval is how often stalled jobs are checked.
func (c *AppConfig) WatchdogInterval() time.Duration {
	return time.Duration(c.Processing.WatchdogCheckSeconds) * time.Second
}

// PushInterval is the SSE and WebSocket snapshot cadence.
func (c *AppConfig) PushInterval() time.Duration {
	return time.Duration(c.Processing.PushIntervalMillis) * time.Millisecond
}

// JobRetention is how long finished jobs are kept; zero keeps them forever.
func (c *AppConfig) JobRetention() time.Duration {
	return time.Duration(c.Processing.JobRetentionMinutes) * time.Minute
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.UploadsDirectory,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
