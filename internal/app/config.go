package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/maps"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"cipherfan/internal/domain"
	"cipherfan/internal/services/directory"
	"cipherfan/internal/services/fanout"
	"cipherfan/internal/store"
)

// EnvPrefix prefixes every environment override. Nested keys are separated
// by a double underscore: CIPHERFAN_RELAY__URL sets relay.url.
const EnvPrefix = "CIPHERFAN_"

// ConfigFileName is the config file looked up in the home directory.
const ConfigFileName = "config.yaml"

// Config holds runtime wiring options for building the app.
type Config struct {
	Home      string          `koanf:"home"`
	Relay     RelayConfig     `koanf:"relay"`
	Identity  IdentityConfig  `koanf:"identity"`
	Store     StoreConfig     `koanf:"store"`
	Directory DirectoryConfig `koanf:"directory"`
	Fanout    FanoutConfig    `koanf:"fanout"`
	Sessions  SessionsConfig  `koanf:"sessions"`
	PreKeys   PreKeysConfig   `koanf:"prekeys"`
	Media     MediaConfig     `koanf:"media"`
	Log       LogConfig       `koanf:"log"`
}

type RelayConfig struct {
	URL        string        `koanf:"url"`
	RateLimit  float64       `koanf:"rate_limit"`
	Burst      int           `koanf:"burst"`
	MaxRetries int           `koanf:"max_retries"`
	Timeout    time.Duration `koanf:"timeout"`
}

type IdentityConfig struct {
	UserID     string `koanf:"user_id"`
	DeviceID   uint32 `koanf:"device_id"`
	DeviceName string `koanf:"device_name"`
	DeviceType string `koanf:"device_type"`
}

type StoreConfig struct {
	// Passphrase seals the identity at rest. Prefer the environment over
	// the config file for it.
	Passphrase string        `koanf:"passphrase"`
	SyncWrites bool          `koanf:"sync_writes"`
	GCInterval time.Duration `koanf:"gc_interval"`
}

type DirectoryConfig struct {
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

type FanoutConfig struct {
	Concurrency         int  `koanf:"concurrency"`
	LargeGroupThreshold int  `koanf:"large_group_threshold"`
	StoreForOffline     bool `koanf:"store_for_offline"`
}

type SessionsConfig struct {
	MaxAge time.Duration `koanf:"max_age"`
}

type PreKeysConfig struct {
	BatchSize    int `koanf:"batch_size"`
	MinAvailable int `koanf:"min_available"`
}

type MediaConfig struct {
	Compress    bool  `koanf:"compress"`
	MaxFileSize int64 `koanf:"max_file_size"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

// Self returns the configured device address.
func (c Config) Self() domain.DeviceAddress {
	return domain.DeviceAddress{UserID: domain.UserID(c.Identity.UserID), DeviceID: domain.DeviceID(c.Identity.DeviceID)}
}

// StorePath is the Badger directory under Home.
func (c Config) StorePath() string { return filepath.Join(c.Home, "keys") }

// DefaultHome returns $HOME/.cipherfan, or .cipherfan when HOME is unknown.
func DefaultHome() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return ".cipherfan"
	}
	return filepath.Join(h, ".cipherfan")
}

func defaults() map[string]any {
	return map[string]any{
		"home":                         DefaultHome(),
		"relay.url":                    "http://127.0.0.1:8080",
		"relay.rate_limit":             50.0,
		"relay.burst":                  10,
		"relay.max_retries":            2,
		"relay.timeout":                10 * time.Second,
		"identity.device_id":           1,
		"identity.device_type":         "desktop",
		"store.gc_interval":            10 * time.Minute,
		"directory.cache_ttl":          directory.DefaultTTL,
		"fanout.concurrency":           fanout.DefaultConcurrency,
		"fanout.large_group_threshold": fanout.DefaultLargeGroupThreshold,
		"fanout.store_for_offline":     true,
		"sessions.max_age":             90 * 24 * time.Hour,
		"prekeys.batch_size":           100,
		"prekeys.min_available":        20,
		"media.compress":               true,
		"media.max_file_size":          int64(256 << 20),
		"log.level":                    "info",
	}
}

// mapProvider loads a map with dotted keys into koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("map provider: ReadBytes not supported")
}

func (m mapProvider) Read() (map[string]any, error) { return maps.Unflatten(m, "."), nil }

// LoadConfig merges, later sources winning: defaults, the YAML file at path
// (or <home>/config.yaml when path is empty), CIPHERFAN_ environment
// variables, then overrides such as explicitly set CLI flags.
func LoadConfig(path string, overrides map[string]any) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(mapProvider(defaults()), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	// home may itself come from env or flags; resolve it before the file.
	home := k.String("home")
	if v := os.Getenv(EnvPrefix + "HOME"); v != "" {
		home = v
	}
	if v, ok := overrides["home"].(string); ok && v != "" {
		home = v
	}
	if path == "" {
		path = filepath.Join(home, ConfigFileName)
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}

	envTransformer := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformer), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}
	if len(overrides) > 0 {
		if err := k.Load(mapProvider(overrides), nil); err != nil {
			return Config{}, fmt.Errorf("load overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Home == "":
		return errors.New("config: home is empty")
	case c.Relay.Timeout < 0:
		return errors.New("config: relay.timeout is negative")
	case c.Directory.CacheTTL <= 0:
		return errors.New("config: directory.cache_ttl must be positive")
	case c.PreKeys.BatchSize <= 0:
		return errors.New("config: prekeys.batch_size must be positive")
	case c.Fanout.Concurrency <= 0:
		return errors.New("config: fanout.concurrency must be positive")
	}
	return nil
}

// SaveIdentity writes the identity section to <home>/config.yaml, keeping
// whatever else the file holds.
func SaveIdentity(home string, id IdentityConfig) error {
	path := filepath.Join(home, ConfigFileName)
	k := koanf.New(".")
	if raw, err := store.ReadFileOptional(path); err != nil {
		return err
	} else if raw != nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(mapProvider{
		"identity.user_id":     id.UserID,
		"identity.device_id":   id.DeviceID,
		"identity.device_name": id.DeviceName,
		"identity.device_type": id.DeviceType,
	}, nil); err != nil {
		return err
	}
	out, err := k.Marshal(yaml.Parser())
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(path, out, 0o600)
}
