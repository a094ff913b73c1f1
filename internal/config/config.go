package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultAPIURL   = "http://127.0.0.1:7433"
	DefaultRootName = ".casvault"
	DefaultLogLevel = "info"

	DefaultChunkSize      = 256 * 1024
	DefaultTempMaxAge     = time.Hour
	DefaultMaxUploadBytes = int64(1 << 30)

	configFileName = ".casvault.toml"

	configDirEnvKey          = "CASVAULT_CONFIG_DIR"
	trustProjectConfigEnvKey = "CASVAULT_TRUST_PROJECT_CONFIG"
	rootEnvKey               = "CASVAULT_ROOT"
	dbEnvKey                 = "CASVAULT_DB"
	apiURLEnvKey             = "CASVAULT_API_URL"
	logLevelEnvKey           = "CASVAULT_LOG_LEVEL"
)

// Duration is a time.Duration that reads and writes TOML strings like "90s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// StorageConfig tunes the blob tree.
type StorageConfig struct {
	ChunkSize  int      `toml:"chunk_size"`
	TempMaxAge Duration `toml:"temp_max_age"`
}

// ServerConfig tunes the HTTP server.
type ServerConfig struct {
	MaxUploadBytes int64  `toml:"max_upload_bytes"`
	AdminTokenHash string `toml:"admin_token_hash"`
}

// MaintenanceConfig controls the server's periodic maintenance loop.
// A zero interval disables it.
type MaintenanceConfig struct {
	Interval Duration `toml:"interval"`
	Verify   bool     `toml:"verify"`
}

// Config defines runtime configuration for casvault.
type Config struct {
	Root                     string            `toml:"root"`
	DBPath                   string            `toml:"db_path"`
	APIURL                   string            `toml:"api_url"`
	LogLevel                 string            `toml:"log_level"`
	Storage                  StorageConfig     `toml:"storage"`
	Server                   ServerConfig      `toml:"server"`
	Maintenance              MaintenanceConfig `toml:"maintenance"`
	TrustedProjectConfigPath string            `toml:"-"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		APIURL:   DefaultAPIURL,
		LogLevel: DefaultLogLevel,
		Storage: StorageConfig{
			ChunkSize:  DefaultChunkSize,
			TempMaxAge: Duration{DefaultTempMaxAge},
		},
		Server: ServerConfig{
			MaxUploadBytes: DefaultMaxUploadBytes,
		},
	}
}

func loadFile(path string, cfg *Config) error {
	_, err := loadFileIfExists(path, cfg)
	return err
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return true, nil
}

func overrideConfigPath() (string, bool) {
	dir := strings.TrimSpace(os.Getenv(configDirEnvKey))
	if dir == "" {
		return "", false
	}
	return filepath.Join(dir, configFileName), true
}

func trustProjectConfig() bool {
	raw := strings.TrimSpace(os.Getenv(trustProjectConfigEnvKey))
	if raw == "" {
		return false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return value
}

var allowedKeys = []string{
	"root",
	"db_path",
	"api_url",
	"log_level",
	"storage.chunk_size",
	"storage.temp_max_age",
	"server.max_upload_bytes",
	"server.admin_token_hash",
	"maintenance.interval",
	"maintenance.verify",
}

// AllowedKeys returns the set of valid config keys.
func AllowedKeys() []string {
	return allowedKeys
}

// IsAllowedKey checks if a key is a valid config key.
func IsAllowedKey(key string) bool {
	for _, k := range allowedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Get returns the value of a config key.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "root":
		return c.Root, nil
	case "db_path":
		return c.DBPath, nil
	case "api_url":
		return c.APIURL, nil
	case "log_level":
		return c.LogLevel, nil
	case "storage.chunk_size":
		return strconv.Itoa(c.Storage.ChunkSize), nil
	case "storage.temp_max_age":
		return c.Storage.TempMaxAge.String(), nil
	case "server.max_upload_bytes":
		return strconv.FormatInt(c.Server.MaxUploadBytes, 10), nil
	case "server.admin_token_hash":
		return c.Server.AdminTokenHash, nil
	case "maintenance.interval":
		return c.Maintenance.Interval.String(), nil
	case "maintenance.verify":
		return strconv.FormatBool(c.Maintenance.Verify), nil
	default:
		return "", fmt.Errorf("unknown key: %s", key)
	}
}

// GlobalPath returns the path to the global config file.
func GlobalPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configFileName), nil
}

// ProjectPath returns the path to the project config file.
func ProjectPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, configFileName), nil
}

// SetKey reads the TOML file at path, sets key=value, and writes it back.
func SetKey(path, key, value string) error {
	if !IsAllowedKey(key) {
		return fmt.Errorf("unknown key: %s", key)
	}

	data := make(map[string]any)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &data); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	parsedValue, err := parseSetValue(key, value)
	if err != nil {
		return err
	}
	if err := setNestedKey(data, strings.Split(key, "."), parsedValue); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(data)
}

// Load reads config from trusted files and applies env overrides.
func Load() (*Config, error) {
	cfg := Default()

	if overridePath, ok := overrideConfigPath(); ok {
		if err := loadFile(overridePath, &cfg); err != nil {
			return nil, err
		}
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			if err := loadFile(filepath.Join(home, configFileName), &cfg); err != nil {
				return nil, err
			}
		}

		if trustProjectConfig() {
			if cwd, err := os.Getwd(); err == nil {
				projectPath := filepath.Join(cwd, configFileName)
				info, statErr := os.Stat(projectPath)
				switch {
				case statErr == nil && !info.IsDir():
					if err := loadFile(projectPath, &cfg); err != nil {
						return nil, err
					}
					cfg.TrustedProjectConfigPath = projectPath
				case statErr != nil && !os.IsNotExist(statErr):
					return nil, statErr
				}
			}
		}
	}

	if root := strings.TrimSpace(os.Getenv(rootEnvKey)); root != "" {
		cfg.Root = root
	}
	if dbPath := strings.TrimSpace(os.Getenv(dbEnvKey)); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if apiURL := strings.TrimSpace(os.Getenv(apiURLEnvKey)); apiURL != "" {
		cfg.APIURL = apiURL
	}
	if level := strings.TrimSpace(os.Getenv(logLevelEnvKey)); level != "" {
		cfg.LogLevel = level
	}

	if cfg.Root == "" {
		if cwd, err := os.Getwd(); err == nil {
			cfg.Root = filepath.Join(cwd, DefaultRootName)
		}
	}

	cfg.normalizeDefaults()

	return &cfg, nil
}

func parseSetValue(key, value string) (any, error) {
	value = strings.TrimSpace(value)
	switch key {
	case "server.max_upload_bytes":
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	case "storage.chunk_size":
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	case "storage.temp_max_age", "maintenance.interval":
		parsed, err := time.ParseDuration(value)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("%s must be a duration such as 30m", key)
		}
		return parsed.String(), nil
	case "maintenance.verify":
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%s must be true or false", key)
		}
		return parsed, nil
	case "log_level":
		switch strings.ToLower(value) {
		case "debug", "info", "warn", "warning", "error":
			return strings.ToLower(value), nil
		}
		return nil, fmt.Errorf("%s must be one of debug, info, warn, error", key)
	default:
		return value, nil
	}
}

func setNestedKey(data map[string]any, parts []string, value any) error {
	if len(parts) == 0 {
		return fmt.Errorf("invalid config key")
	}
	if len(parts) == 1 {
		data[parts[0]] = value
		return nil
	}
	childRaw, ok := data[parts[0]]
	if !ok {
		child := map[string]any{}
		data[parts[0]] = child
		return setNestedKey(child, parts[1:], value)
	}
	child, ok := childRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot set nested key %q", strings.Join(parts, "."))
	}
	return setNestedKey(child, parts[1:], value)
}

func (c *Config) normalizeDefaults() {
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Storage.ChunkSize <= 0 {
		c.Storage.ChunkSize = DefaultChunkSize
	}
	if c.Storage.TempMaxAge.Duration <= 0 {
		c.Storage.TempMaxAge = Duration{DefaultTempMaxAge}
	}
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.Maintenance.Interval.Duration < 0 {
		c.Maintenance.Interval = Duration{}
	}
}
