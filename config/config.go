// Package config loads the amks configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/joncooperworks/amks/crypto/envelope"
	"github.com/joncooperworks/amks/store"
)

// EnvConfig names the environment variable that overrides the config path.
const EnvConfig = "AMKS_CONFIG"

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	// DataDir holds the container file and the preference file.
	DataDir  string   `toml:"data_dir"`
	Keystore Keystore `toml:"keystore"`
	Recovery Recovery `toml:"recovery"`
	KDF      KDF      `toml:"kdf"`
	Log      Log      `toml:"log"`
}

type Keystore struct {
	// Platform selects the OS key store backend. Empty means the running OS.
	Platform     string `toml:"platform"`
	ServiceName  string `toml:"service_name"`
	FileDir      string `toml:"file_dir"`
	KeychainName string `toml:"keychain_name"`
	// Level is the platform capability level. Below envelope.HardwareLevel
	// the master key is a wrapped local AES key.
	Level int `toml:"level"`
}

type Recovery struct {
	Timeout Duration `toml:"timeout"`
}

// KDF holds Argon2id parameters for new containers. Memory is in KiB.
type KDF struct {
	Time    uint32 `toml:"time"`
	Memory  uint32 `toml:"memory"`
	Threads uint8  `toml:"threads"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Keystore: Keystore{
			ServiceName: "amks",
			Level:       envelope.HardwareLevel,
		},
		Recovery: Recovery{Timeout: Duration{100 * time.Second}},
		KDF: KDF{
			Time:    store.DefaultKDF.Time,
			Memory:  store.DefaultKDF.Memory,
			Threads: store.DefaultKDF.Threads,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".amks"
	}
	return filepath.Join(dir, "amks")
}

// DefaultPath returns the config path: $AMKS_CONFIG if set, else
// config.toml in the default data directory.
func DefaultPath() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return filepath.Join(defaultDataDir(), "config.toml")
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	if err == nil {
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	// The cipher reads a zero level as HardwareLevel, which would hide a
	// typo here.
	if c.Keystore.Level < 1 {
		return fmt.Errorf("keystore.level %d must be at least 1", c.Keystore.Level)
	}
	if err := c.StoreKDF().Validate(); err != nil {
		return fmt.Errorf("kdf: %w", err)
	}
	if c.Recovery.Timeout.Duration <= 0 {
		return errors.New("recovery.timeout must be positive")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

// StoreKDF converts the KDF section for store.Options.
func (c *Config) StoreKDF() store.KDFParams {
	return store.KDFParams{Time: c.KDF.Time, Memory: c.KDF.Memory, Threads: c.KDF.Threads}
}

// ContainerPath is the key store container file inside DataDir.
func (c *Config) ContainerPath() string {
	return filepath.Join(c.DataDir, store.ContainerFile)
}

// PrefsPath is the preference file inside DataDir.
func (c *Config) PrefsPath() string {
	return filepath.Join(c.DataDir, store.PrefsFile)
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
