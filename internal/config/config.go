package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for formkeep.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Storage    StorageConfig    `toml:"storage"`
	Database   DatabaseConfig   `toml:"database"`
	Cache      CacheConfig      `toml:"cache"`
	Media      MediaConfig      `toml:"media"`
	Intake     IntakeConfig     `toml:"intake"`
	Export     ExportConfig     `toml:"export"`
	Encryption EncryptionConfig `toml:"encryption"`
	Server     ServerConfig     `toml:"server"`
}

// StorageConfig represents configuration for the object storage backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StorageConfig struct {
	Type string `toml:"type"` // "memory", "filesystem", or "s3"

	// Bucket is the logical container named in object URLs.
	Bucket string `toml:"bucket"`
	// PublicBaseURL is the storage API root object URLs are built on,
	// e.g. "http://127.0.0.1:8080/storage/v1".
	PublicBaseURL string `toml:"public_base_url"`

	// SigningSecret signs object/sign URLs (memory and filesystem only).
	SigningSecret string `toml:"signing_secret,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
	S3UsePathStyle    bool   `toml:"s3_use_path_style,omitempty"`
}

// DatabaseConfig represents configuration for the submission database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// CacheConfig tunes the signed-URL cache.
type CacheConfig struct {
	Capacity            int `toml:"capacity"`
	SafetyMarginSeconds int `toml:"safety_margin_seconds"`
}

// MediaConfig tunes media display and conversion.
type MediaConfig struct {
	DisplayTTLSeconds int `toml:"display_ttl_seconds"`
	// LoadImmediately opens the load gate as soon as media is mounted.
	LoadImmediately bool `toml:"load_immediately"`
	// PoolSize bounds how many media references the server keeps mounted.
	PoolSize    int    `toml:"pool_size"`
	FFmpegPath  string `toml:"ffmpeg_path,omitempty"`
	JPEGQuality int    `toml:"jpeg_quality"`
}

// IntakeConfig tunes submission intake.
type IntakeConfig struct {
	AnonymizePaths bool   `toml:"anonymize_paths"`
	CacheControl   string `toml:"cache_control"`
}

// ExportConfig tunes bulk exports.
type ExportConfig struct {
	LinkTTLSeconds         int    `toml:"link_ttl_seconds"`
	MinLinkValiditySeconds int    `toml:"min_link_validity_seconds,omitempty"`
	Concurrency            int    `toml:"concurrency"`
	GeneratedBy            string `toml:"generated_by"`
	OutputDir              string `toml:"output_dir"`
}

// EncryptionConfig holds paths to the age key pair used to encrypt exports.
type EncryptionConfig struct {
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// NewConfig creates a new Config with the provided values and defaults for
// everything else. The storage backend is the local filesystem under baseDir.
func NewConfig(hostID, baseDir, signingSecret string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Storage: StorageConfig{
			Type:          "filesystem",
			Bucket:        "forms",
			PublicBaseURL: "http://127.0.0.1:8080/storage/v1",
			SigningSecret: signingSecret,
			FSRoot:        filepath.Join(baseDir, "objects"),
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Cache:    CacheConfig{Capacity: 4096, SafetyMarginSeconds: 60},
		Media:    MediaConfig{DisplayTTLSeconds: 3600, PoolSize: 256, FFmpegPath: "ffmpeg", JPEGQuality: 80},
		Intake:   IntakeConfig{CacheControl: "3600"},
		Export: ExportConfig{
			LinkTTLSeconds: 5 * 24 * 3600,
			Concurrency:    8,
			GeneratedBy:    "Data Collection System",
			OutputDir:      filepath.Join(baseDir, "exports"),
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "formkeep.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "formkeep.key"),
		},
		Server: ServerConfig{Listen: "127.0.0.1:8080"},
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory":
	case "filesystem":
		if c.Storage.FSRoot == "" {
			return fmt.Errorf("storage: fs_root required for filesystem storage")
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("storage: s3_bucket required for s3 storage")
		}
	default:
		return fmt.Errorf("storage: unknown type %q", c.Storage.Type)
	}
	if (c.Storage.Type == "memory" || c.Storage.Type == "filesystem") && c.Storage.SigningSecret == "" {
		return fmt.Errorf("storage: signing_secret required for %s storage", c.Storage.Type)
	}
	if c.Storage.PublicBaseURL == "" {
		return fmt.Errorf("storage: public_base_url required")
	}

	switch c.Database.Type {
	case "memory":
	case "sqlite":
		if c.Database.DataDir == "" {
			return fmt.Errorf("database: data_dir required for sqlite database")
		}
	default:
		return fmt.Errorf("database: unknown type %q", c.Database.Type)
	}

	if c.Cache.Capacity < 0 || c.Cache.SafetyMarginSeconds < 0 {
		return fmt.Errorf("cache: capacity and safety_margin_seconds must not be negative")
	}
	if c.Media.JPEGQuality < 0 || c.Media.JPEGQuality > 100 {
		return fmt.Errorf("media: jpeg_quality must be between 1 and 100, got %d", c.Media.JPEGQuality)
	}
	if c.Media.PoolSize < 0 {
		return fmt.Errorf("media: pool_size must not be negative")
	}
	if c.Export.LinkTTLSeconds < 0 || c.Export.MinLinkValiditySeconds < 0 {
		return fmt.Errorf("export: link lifetimes must not be negative")
	}
	if c.Export.MinLinkValiditySeconds > c.Export.LinkTTLSeconds && c.Export.LinkTTLSeconds > 0 {
		return fmt.Errorf("export: min_link_validity_seconds (%d) exceeds link_ttl_seconds (%d)",
			c.Export.MinLinkValiditySeconds, c.Export.LinkTTLSeconds)
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// SafetyMargin returns the cache safety margin.
func (c CacheConfig) SafetyMargin() time.Duration { return seconds(c.SafetyMarginSeconds) }

// DisplayTTL returns the lifetime of URLs issued for display.
func (c MediaConfig) DisplayTTL() time.Duration { return seconds(c.DisplayTTLSeconds) }

// LinkTTL returns the lifetime of URLs written into tabular exports.
func (c ExportConfig) LinkTTL() time.Duration { return seconds(c.LinkTTLSeconds) }

// MinLinkValidity returns the validity a cached URL needs to be reused in an export.
func (c ExportConfig) MinLinkValidity() time.Duration { return seconds(c.MinLinkValiditySeconds) }

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file carries the signing secret and possibly S3 credentials.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
