// Package config loads and persists the player's identity and tuning file.
// The file is JSON, written once by the operator (or by `setup`) and read
// on every boot; environment variables prefixed SCREEN_PLAYER_ override it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "SCREEN_PLAYER"

// EnvKeyReplacer maps nested keys onto environment variable names.
var EnvKeyReplacer = strings.NewReplacer(".", "_")

// Config holds all player configuration.
type Config struct {
	ScreenID   string `mapstructure:"screen_id"`
	PlayerKey  string `mapstructure:"player_key"`
	ServerURL  string `mapstructure:"server_url"`
	SocketPath string `mapstructure:"socket_path"`
	MediaDir   string `mapstructure:"media_dir"`

	Cache   CacheConfig   `mapstructure:"cache"`
	Network NetworkConfig `mapstructure:"network"`
	Fault   FaultConfig   `mapstructure:"fault"`
	Player  PlayerConfig  `mapstructure:"player"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CacheConfig bounds the content store.
type CacheConfig struct {
	Dir           string  `mapstructure:"dir"`
	MaxBytes      int64   `mapstructure:"max_bytes"`
	LowWaterRatio float64 `mapstructure:"low_water_ratio"`
}

// NetworkConfig holds timeouts and intervals for server traffic.
type NetworkConfig struct {
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
}

// FaultConfig controls escalation.
type FaultConfig struct {
	Threshold int `mapstructure:"threshold"`
}

// PlayerConfig selects the renderer and display geometry.
type PlayerConfig struct {
	Renderer         string        `mapstructure:"renderer"` // "vlc" or "headless"
	DefaultDuration  int           `mapstructure:"default_duration"`
	MaxVideoDuration time.Duration `mapstructure:"max_video_duration"`
	ScreenWidth      int           `mapstructure:"screen_width"`
	ScreenHeight     int           `mapstructure:"screen_height"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Defaults lists every key with its factory value. Keys missing here are
// invisible to environment overrides.
func Defaults() map[string]any {
	base := dataDir()
	return map[string]any{
		"screen_id":                  "",
		"player_key":                 "",
		"server_url":                 "http://localhost:3000",
		"socket_path":                "/player",
		"media_dir":                  filepath.Join(base, "media"),
		"cache.dir":                  filepath.Join(base, "cache"),
		"cache.max_bytes":            int64(500 << 20),
		"cache.low_water_ratio":      0.8,
		"network.fetch_timeout":      "15s",
		"network.reconnect_delay":    "5s",
		"network.heartbeat_interval": "30s",
		"network.handshake_timeout":  "10s",
		"fault.threshold":            3,
		"player.renderer":            "vlc",
		"player.default_duration":    10,
		"player.max_video_duration":  "15m",
		"player.screen_width":        1920,
		"player.screen_height":       1080,
		"logging.file":               "",
		"logging.level":              "info",
		"logging.json":               false,
	}
}

// DefaultPath is the standard location for the config file.
func DefaultPath() string {
	if runtime.GOOS == "windows" {
		exe, _ := os.Executable()
		return filepath.Join(filepath.Dir(exe), "config.json")
	}
	return "/etc/screen-player/config.json"
}

func dataDir() string {
	if runtime.GOOS == "windows" {
		exe, _ := os.Executable()
		return filepath.Join(filepath.Dir(exe), "data")
	}
	return "/var/lib/screen-player"
}

func newViper(fsys afero.Fs) *viper.Viper {
	v := viper.New()
	v.SetFs(fsys)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(EnvKeyReplacer)
	v.AutomaticEnv()
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}
	return v
}

// Load reads the config file at path. A missing file is not an error: the
// defaults (plus environment overrides) are returned and IsConfigured
// reports false.
func Load(fsys afero.Fs, path string) (*Config, error) {
	v := newViper(fsys)
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	return cfg, nil
}

// Save writes cfg to path, creating the parent directory.
func Save(fsys afero.Fs, path string, cfg *Config) error {
	if err := fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetFs(fsys)
	v.SetConfigType("json")

	v.Set("screen_id", cfg.ScreenID)
	v.Set("player_key", cfg.PlayerKey)
	v.Set("server_url", cfg.ServerURL)
	v.Set("socket_path", cfg.SocketPath)
	v.Set("media_dir", cfg.MediaDir)

	v.Set("cache.dir", cfg.Cache.Dir)
	v.Set("cache.max_bytes", cfg.Cache.MaxBytes)
	v.Set("cache.low_water_ratio", cfg.Cache.LowWaterRatio)

	v.Set("network.fetch_timeout", cfg.Network.FetchTimeout.String())
	v.Set("network.reconnect_delay", cfg.Network.ReconnectDelay.String())
	v.Set("network.heartbeat_interval", cfg.Network.HeartbeatInterval.String())
	v.Set("network.handshake_timeout", cfg.Network.HandshakeTimeout.String())

	v.Set("fault.threshold", cfg.Fault.Threshold)

	v.Set("player.renderer", cfg.Player.Renderer)
	v.Set("player.default_duration", cfg.Player.DefaultDuration)
	v.Set("player.max_video_duration", cfg.Player.MaxVideoDuration.String())
	v.Set("player.screen_width", cfg.Player.ScreenWidth)
	v.Set("player.screen_height", cfg.Player.ScreenHeight)

	v.Set("logging.file", cfg.Logging.File)
	v.Set("logging.level", cfg.Logging.Level)
	v.Set("logging.json", cfg.Logging.JSON)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// IsConfigured returns true once the screen identity has been entered.
func (c *Config) IsConfigured() bool {
	return c.ScreenID != "" && c.PlayerKey != ""
}

// Validate checks the values the player cannot run without.
func (c *Config) Validate() error {
	if !c.IsConfigured() {
		return errors.New("screen_id and player_key are required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("server_url %q must be an absolute http(s) URL", c.ServerURL)
	}
	if c.Fault.Threshold <= 0 {
		return fmt.Errorf("fault.threshold must be positive, got %d", c.Fault.Threshold)
	}
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache.max_bytes must be positive, got %d", c.Cache.MaxBytes)
	}
	return nil
}

// Identity is the subset of settings that requires a full re-initialization
// when it changes on disk.
type Identity struct {
	ScreenID   string
	PlayerKey  string
	ServerURL  string
	SocketPath string
}

// Identity returns the screen's identity settings.
func (c *Config) Identity() Identity {
	return Identity{
		ScreenID:   c.ScreenID,
		PlayerKey:  c.PlayerKey,
		ServerURL:  c.ServerURL,
		SocketPath: c.SocketPath,
	}
}
