// Package config resolves the vault directory and loads its settings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/forest6511/locker/internal/fsutil"
)

// EnvHome overrides the vault directory.
const EnvHome = "LOCKER_HOME"

// File names inside the vault directory.
const (
	DefaultDirName   = ".locker"
	KeyFileName      = "locker.key"
	MetadataFileName = "metadata.json"
	MetadataDBName   = "metadata.db"
	LockFileName     = "metadata.lock"
	AuditDirName     = "audit"
	ConfigFileName   = "config.yaml"

	// EnvelopeExt is the extension of envelope files.
	EnvelopeExt = ".slock"
)

// Metadata backends.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// ConfigVersion is the only supported config file version.
const ConfigVersion = 1

// DefaultTTLDays is the lifetime given to new and reconciled secrets.
const DefaultTTLDays = 15

var (
	// ErrUnsupportedVersion indicates a config file version this build does not read.
	ErrUnsupportedVersion = errors.New("config: unsupported config version")

	// ErrUnknownBackend indicates an unrecognized metadata_backend value.
	ErrUnknownBackend = errors.New("config: unknown metadata backend")

	// ErrInvalidTTL indicates a negative default_ttl_days.
	ErrInvalidTTL = errors.New("config: default_ttl_days must not be negative")
)

// ResolveDir returns $LOCKER_HOME if set, otherwise ~/.locker.
func ResolveDir() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return filepath.Clean(dir), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: failed to get user home directory: %w", err)
	}
	return filepath.Join(home, DefaultDirName), nil
}

// Paths maps vault files to locations under Dir.
type Paths struct {
	Dir string
}

// NewPaths returns the layout rooted at dir.
func NewPaths(dir string) Paths {
	return Paths{Dir: dir}
}

func (p Paths) KeyFile() string      { return filepath.Join(p.Dir, KeyFileName) }
func (p Paths) MetadataFile() string { return filepath.Join(p.Dir, MetadataFileName) }
func (p Paths) MetadataDB() string   { return filepath.Join(p.Dir, MetadataDBName) }
func (p Paths) LockFile() string     { return filepath.Join(p.Dir, LockFileName) }
func (p Paths) AuditDir() string     { return filepath.Join(p.Dir, AuditDirName) }
func (p Paths) ConfigFile() string   { return filepath.Join(p.Dir, ConfigFileName) }

// Envelope returns the envelope path of the named secret.
func (p Paths) Envelope(name string) string {
	return filepath.Join(p.Dir, name+EnvelopeExt)
}

// NameFromEnvelope returns the secret name for an envelope file name, or
// false if the file is not an envelope.
func NameFromEnvelope(fileName string) (string, bool) {
	base := filepath.Base(fileName)
	if !strings.HasSuffix(base, EnvelopeExt) {
		return "", false
	}
	name := strings.TrimSuffix(base, EnvelopeExt)
	if name == "" {
		return "", false
	}
	return name, true
}

// Config is the content of config.yaml.
type Config struct {
	Version         int    `yaml:"version"`
	DefaultTTLDays  int    `yaml:"default_ttl_days"`
	MetadataBackend string `yaml:"metadata_backend"`
	Audit           *bool  `yaml:"audit,omitempty"`
}

// Default returns the settings used when no config file exists.
func Default() *Config {
	audit := true
	return &Config{
		Version:         ConfigVersion,
		DefaultTTLDays:  DefaultTTLDays,
		MetadataBackend: BackendJSON,
		Audit:           &audit,
	}
}

// AuditEnabled reports whether the audit trail is on. It defaults to true.
func (c *Config) AuditEnabled() bool {
	return c.Audit == nil || *c.Audit
}

// Load reads config.yaml from dir. A missing file yields Default().
// Fields left out of the file keep their default values.
func Load(dir string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	if c.Version != ConfigVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, c.Version)
	}
	if c.DefaultTTLDays < 0 {
		return ErrInvalidTTL
	}
	switch c.MetadataBackend {
	case BackendJSON, BackendSQLite:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.MetadataBackend)
	}
	return nil
}

// Save writes the config to dir/config.yaml with 0600 permissions.
func (c *Config) Save(dir string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: failed to marshal config: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, ConfigFileName), data, fsutil.FileMode); err != nil {
		return fmt.Errorf("config: failed to write config file: %w", err)
	}
	return nil
}
