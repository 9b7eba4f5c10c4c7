package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for kpvault.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	CacheDir   string           `toml:"cache_dir"`
	Storage    StorageConfig    `toml:"storage"`
	Backends   []BackendConfig  `toml:"backends"`
	Encryption EncryptionConfig `toml:"encryption"`
	Database   DatabaseConfig   `toml:"database"`
	Sync       SyncConfig       `toml:"sync"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// StorageConfig describes the device-local storage backends.
type StorageConfig struct {
	AppDir        string   `toml:"app_dir"`        // app-private directory, always accessible
	ExternalRoots []string `toml:"external_roots"` // ordered external storage mount points
	// ExternalGranted records that the user granted access to external storage.
	ExternalGranted bool `toml:"external_granted"`
	// BroadGrant selects the interactive broad storage grant over a system permission.
	BroadGrant bool `toml:"broad_grant"`
}

// EncryptionConfig holds paths to the age key pair used to protect stored credentials.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// BackendConfig represents a configured remote backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
// Secrets are never stored here; they live encrypted in the ledger.
type BackendConfig struct {
	Type string `toml:"type"` // "webdav", "git", "s3" or "fake"
	Name string `toml:"name"`

	// WebDAV and Git
	URL      string `toml:"url,omitempty"`
	Username string `toml:"username,omitempty"`

	// Git-specific fields (only used when Type == "git"). With SecretURL the
	// URL is entered at login and kept with the other secrets.
	Branch      string `toml:"branch,omitempty"`
	SecretURL   bool   `toml:"secret_url,omitempty"`
	Salt        string `toml:"salt,omitempty"`
	AuthorName  string `toml:"author_name,omitempty"`
	AuthorEmail string `toml:"author_email,omitempty"`

	// S3-specific fields (only used when Type == "s3"); Username holds the access key id
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`
}

// DatabaseConfig represents configuration for the ledger database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// SyncConfig controls background synchronization. Durations use time.ParseDuration syntax.
type SyncConfig struct {
	Interval string `toml:"interval"`
	Jitter   string `toml:"jitter"`
	Debounce string `toml:"debounce"`
	Timeout  string `toml:"timeout"`
	// Strategy is "manual" (default) or "newest".
	Strategy string `toml:"strategy"`
}

// MetricsConfig controls the prometheus endpoint served by `kpvault watch`.
type MetricsConfig struct {
	Listen string `toml:"listen"` // empty disables the endpoint
}

// Durations holds SyncConfig parsed into time.Duration values.
type Durations struct {
	Interval time.Duration
	Jitter   time.Duration
	Debounce time.Duration
	Timeout  time.Duration
}

// Durations parses the sync durations, substituting defaults for empty values.
func (s SyncConfig) Durations() (Durations, error) {
	d := Durations{
		Interval: 5 * time.Minute,
		Jitter:   30 * time.Second,
		Debounce: 2 * time.Second,
		Timeout:  time.Minute,
	}
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"interval", s.Interval, &d.Interval},
		{"jitter", s.Jitter, &d.Jitter},
		{"debounce", s.Debounce, &d.Debounce},
		{"timeout", s.Timeout, &d.Timeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		v, err := time.ParseDuration(f.raw)
		if err != nil {
			return Durations{}, fmt.Errorf("parsing sync.%s: %w", f.name, err)
		}
		if v < 0 {
			return Durations{}, fmt.Errorf("sync.%s must not be negative", f.name)
		}
		*f.dst = v
	}
	if d.Interval == 0 {
		return Durations{}, fmt.Errorf("sync.interval must be positive")
	}
	return d, nil
}

// FindBackend returns the backend with the given name.
func (c *Config) FindBackend(name string) (*BackendConfig, bool) {
	for i := range c.Backends {
		if c.Backends[i].Name == name {
			return &c.Backends[i], true
		}
	}
	return nil, false
}

// Validate checks the configuration for errors that would prevent startup.
func (c *Config) Validate() error {
	if c.Storage.AppDir == "" {
		return fmt.Errorf("storage.app_dir is required")
	}
	seen := map[string]bool{"internal": true, "external": true, "tree": true}
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d]: name is required", i)
		}
		if strings.ContainsAny(b.Name, ":/") {
			return fmt.Errorf("backends[%d]: name %q must not contain ':' or '/'", i, b.Name)
		}
		if seen[b.Name] {
			return fmt.Errorf("backends[%d]: duplicate name %q", i, b.Name)
		}
		seen[b.Name] = true

		switch b.Type {
		case "webdav", "git":
			if b.URL == "" && !(b.Type == "git" && b.SecretURL) {
				return fmt.Errorf("backend %q: url is required for type %s", b.Name, b.Type)
			}
		case "s3":
			if b.S3Bucket == "" {
				return fmt.Errorf("backend %q: s3_bucket is required", b.Name)
			}
		case "fake":
		default:
			return fmt.Errorf("backend %q: unknown type %q", b.Name, b.Type)
		}
	}
	if _, err := c.Sync.Durations(); err != nil {
		return err
	}
	switch c.Sync.Strategy {
	case "", "manual", "newest":
	default:
		return fmt.Errorf("sync.strategy must be manual or newest, got %q", c.Sync.Strategy)
	}
	return nil
}

// NewConfig creates a new Config rooted at baseDir with default paths.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		CacheDir: filepath.Join(baseDir, "cache"),
		Storage: StorageConfig{
			AppDir: filepath.Join(baseDir, "files"),
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "kpvault.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "kpvault.key"),
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Sync: SyncConfig{
			Interval: "5m",
			Jitter:   "30s",
			Debounce: "2s",
			Timeout:  "1m",
			Strategy: "manual",
		},
	}
}

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

// Save overwrites the config file at path atomically.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".kpvault-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	m := &Manager{}
	if err := m.Write(tmp, cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing config file: %w", err)
	}
	return nil
}

// Init writes a new config file and refuses to overwrite an existing one.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := Save(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
