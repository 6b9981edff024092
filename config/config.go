package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "clipnotes"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "CLIPNOTES"
	// DefaultListeningPort is the TCP port used when fixed mode has no value.
	DefaultListeningPort = 8765
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// DefaultClipboardTextColor is opaque black.
	DefaultClipboardTextColor int32 = -16777216
	// DefaultUserInputTextColor is opaque blue.
	DefaultUserInputTextColor int32 = -16776961
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// databaseFileName is the notes database under the data directory.
	databaseFileName = "notes.db"
)

// Duration is a time.Duration persisted as a Go duration string.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.Decode(text)
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	if value == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DeviceConfig contains persistent local-device settings.
//
// A zero timeout means wait without bound.
type DeviceConfig struct {
	DeviceID      string `json:"device_id" envconfig:"DEVICE_ID"`
	DeviceName    string `json:"device_name" envconfig:"DEVICE_NAME"`
	PortMode      string `json:"port_mode" envconfig:"PORT_MODE"`
	ListeningPort int    `json:"listening_port" envconfig:"LISTENING_PORT"`

	DialTimeout     Duration `json:"dial_timeout" envconfig:"DIAL_TIMEOUT"`
	ReplyTimeout    Duration `json:"reply_timeout" envconfig:"REPLY_TIMEOUT"`
	DecisionTimeout Duration `json:"decision_timeout" envconfig:"DECISION_TIMEOUT"`
	ResolveTimeout  Duration `json:"resolve_timeout" envconfig:"RESOLVE_TIMEOUT"`

	BrowseInterval Duration `json:"browse_interval" envconfig:"BROWSE_INTERVAL"`
	ScanWindow     Duration `json:"scan_window" envconfig:"SCAN_WINDOW"`
	PeerStaleAfter Duration `json:"peer_stale_after" envconfig:"PEER_STALE_AFTER"`

	ClipboardTextColor int32 `json:"clipboard_text_color" envconfig:"CLIPBOARD_TEXT_COLOR"`
	UserInputTextColor int32 `json:"user_input_text_color" envconfig:"USER_INPUT_TEXT_COLOR"`

	LogLevel    string `json:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat   string `json:"log_format" envconfig:"LOG_FORMAT"`
	MetricsAddr string `json:"metrics_addr" envconfig:"METRICS_ADDR"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CLIPNOTES_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvPrefix + "_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// DatabasePath returns the notes database path for a data directory.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, databaseFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// Environment overrides are applied to the returned value but never saved.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = Default()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

// ApplyEnv overlays CLIPNOTES_* environment variables onto cfg. A .env file
// in the working directory is read first when present; variables already set
// in the process environment win over it.
func ApplyEnv(cfg *DeviceConfig) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("read environment overrides: %w", err)
	}
	normalizeDefaults(cfg)
	return cfg.Validate()
}

// Validate reports the first invalid setting.
func (c *DeviceConfig) Validate() error {
	if c.PortMode == PortModeFixed && (c.ListeningPort <= 0 || c.ListeningPort > 65535) {
		return fmt.Errorf("listening port %d out of range", c.ListeningPort)
	}
	for name, d := range map[string]Duration{
		"dial_timeout":     c.DialTimeout,
		"reply_timeout":    c.ReplyTimeout,
		"decision_timeout": c.DecisionTimeout,
		"resolve_timeout":  c.ResolveTimeout,
		"browse_interval":  c.BrowseInterval,
		"scan_window":      c.ScanWindow,
		"peer_stale_after": c.PeerStaleAfter,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// ListenAddress returns the TCP address the sync server should bind.
func (c *DeviceConfig) ListenAddress() string {
	if c.PortMode == PortModeFixed {
		return fmt.Sprintf(":%d", c.ListeningPort)
	}
	return ":0"
}

// Default returns a normalized configuration with a fresh device id.
func Default() *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Clipboard Notes Device"
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = Duration(10 * time.Second)
		updated = true
	}
	if cfg.ResolveTimeout == 0 {
		cfg.ResolveTimeout = Duration(5 * time.Second)
		updated = true
	}
	if cfg.BrowseInterval == 0 {
		cfg.BrowseInterval = Duration(10 * time.Second)
		updated = true
	}
	if cfg.ScanWindow == 0 {
		cfg.ScanWindow = Duration(3 * time.Second)
		updated = true
	}
	if cfg.PeerStaleAfter == 0 {
		// Three browse cycles.
		cfg.PeerStaleAfter = 3 * (cfg.BrowseInterval + cfg.ScanWindow)
		updated = true
	}

	if cfg.ClipboardTextColor == 0 {
		cfg.ClipboardTextColor = DefaultClipboardTextColor
		updated = true
	}
	if cfg.UserInputTextColor == 0 {
		cfg.UserInputTextColor = DefaultUserInputTextColor
		updated = true
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
		updated = true
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
