// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Typed runtime configuration, viper-backed loading and a thread-safe store
// with reload propagation.

package control

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the root configuration, mapped from the `vox:` key.
type Config struct {
	Backend   BackendConfig   `mapstructure:"backend"`
	Arena     ArenaConfig     `mapstructure:"arena"`
	UDP       UDPConfig       `mapstructure:"udp"`
	DTLS      DTLSConfig      `mapstructure:"dtls"`
	Multipart MultipartConfig `mapstructure:"multipart"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// BackendConfig selects the event notification backend.
type BackendConfig struct {
	Type      string `mapstructure:"type"` // auto | epoll | io_uring | kqueue | iocp | select
	MaxEvents int    `mapstructure:"max_events"`
}

// ArenaConfig bounds the per-loop allocator.
type ArenaConfig struct {
	LimitBytes int64 `mapstructure:"limit_bytes"` // 0 = unlimited
}

// UDPConfig holds UDP handle defaults.
type UDPConfig struct {
	RecvBufferSize int  `mapstructure:"recv_buffer_size"`
	ReuseAddr      bool `mapstructure:"reuse_addr"`
	ReusePort      bool `mapstructure:"reuse_port"`
	Broadcast      bool `mapstructure:"broadcast"`
}

// DTLSConfig holds DTLS handle defaults.
type DTLSConfig struct {
	MaxReadIterations int `mapstructure:"max_read_iterations"`
	ReadBufferSize    int `mapstructure:"read_buffer_size"`
}

// MultipartConfig holds parser limits.
type MultipartConfig struct {
	MaxHeaders         int `mapstructure:"max_headers"`
	MaxHeaderSize      int `mapstructure:"max_header_size"`
	MaxTotalHeaderSize int `mapstructure:"max_total_header_size"`
	MaxBufferSize      int `mapstructure:"max_buffer_size"` // 0 = unlimited
}

// LogConfig configures the logrus standard logger.
type LogConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"` // text | json
	File   LogFileConfig `mapstructure:"file"`
}

// LogFileConfig enables rotating file output.
type LogFileConfig struct {
	Path       string `mapstructure:"path"` // empty = disabled
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig toggles Prometheus recording.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type configRoot struct {
	Vox Config `mapstructure:"vox"`
}

// Load reads configuration from path. The file uses `vox:` as root key;
// environment variables override keys with the VOX_ prefix
// (e.g. VOX_BACKEND_TYPE).
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(v)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// defaults are static and always decode
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Vox
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("vox.backend.type", "auto")
	v.SetDefault("vox.backend.max_events", 128)

	v.SetDefault("vox.arena.limit_bytes", 0)

	v.SetDefault("vox.udp.recv_buffer_size", 65536)
	v.SetDefault("vox.udp.reuse_addr", false)
	v.SetDefault("vox.udp.reuse_port", false)
	v.SetDefault("vox.udp.broadcast", false)

	v.SetDefault("vox.dtls.max_read_iterations", 100)
	v.SetDefault("vox.dtls.read_buffer_size", 16384)

	v.SetDefault("vox.multipart.max_headers", 32)
	v.SetDefault("vox.multipart.max_header_size", 8192)
	v.SetDefault("vox.multipart.max_total_header_size", 65536)
	v.SetDefault("vox.multipart.max_buffer_size", 0)

	v.SetDefault("vox.log.level", "info")
	v.SetDefault("vox.log.format", "text")
	v.SetDefault("vox.log.file.max_size_mb", 100)
	v.SetDefault("vox.log.file.max_backups", 5)
	v.SetDefault("vox.log.file.max_age_days", 30)
	v.SetDefault("vox.log.file.compress", true)

	v.SetDefault("vox.metrics.enabled", true)
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Backend.Type) {
	case "auto", "epoll", "io_uring", "iouring", "kqueue", "iocp", "select":
	default:
		return fmt.Errorf("backend.type: unknown backend %q", c.Backend.Type)
	}
	if c.Backend.MaxEvents < 0 {
		return fmt.Errorf("backend.max_events: must be >= 0")
	}
	if c.Arena.LimitBytes < 0 {
		return fmt.Errorf("arena.limit_bytes: must be >= 0")
	}
	if c.UDP.RecvBufferSize <= 0 || c.UDP.RecvBufferSize > 65536 {
		return fmt.Errorf("udp.recv_buffer_size: must be in 1..65536")
	}
	if c.DTLS.MaxReadIterations <= 0 {
		return fmt.Errorf("dtls.max_read_iterations: must be > 0")
	}
	if c.DTLS.ReadBufferSize <= 0 {
		return fmt.Errorf("dtls.read_buffer_size: must be > 0")
	}
	if c.Multipart.MaxHeaders <= 0 || c.Multipart.MaxHeaderSize <= 0 || c.Multipart.MaxTotalHeaderSize <= 0 {
		return fmt.Errorf("multipart: header limits must be > 0")
	}
	if c.Multipart.MaxBufferSize < 0 {
		return fmt.Errorf("multipart.max_buffer_size: must be >= 0")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}

// ConfigStore holds the current typed configuration with atomic snapshot
// reads and listener support.
type ConfigStore struct {
	mu        sync.RWMutex
	config    *Config
	listeners []func(*Config)
}

// NewConfigStore initializes a store with cfg (Default() if nil).
func NewConfigStore(cfg *Config) *ConfigStore {
	if cfg == nil {
		cfg = Default()
	}
	return &ConfigStore{config: cfg}
}

// GetSnapshot returns a copy of the current config.
func (cs *ConfigStore) GetSnapshot() Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return *cs.config
}

// SetConfig replaces the config after validation and notifies listeners.
func (cs *ConfigStore) SetConfig(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.config = cfg
	listeners := append([]func(*Config){}, cs.listeners...)
	cs.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// OnReload registers a listener called after every successful SetConfig, on
// the goroutine that made the change. Changes picked up by Watch arrive on the
// file watcher's goroutine, so a listener must not touch loop-owned handles
// directly; it should hand the snapshot over to the loop thread and call
// Wakeup.
func (cs *ConfigStore) OnReload(fn func(*Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}

// Watch loads path into the store, then reloads it whenever the file
// changes. Reloads run on a background goroutine owned by viper; invalid
// files are logged and ignored.
func (cs *ConfigStore) Watch(path string) error {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return err
	}
	if err := cs.SetConfig(cfg); err != nil {
		return err
	}
	v.OnConfigChange(func(ev fsnotify.Event) {
		cfg, err := decode(v)
		if err == nil {
			err = cs.SetConfig(cfg)
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ConfigStore.Watch",
				"file":     ev.Name,
				"error":    err.Error(),
			}).Warn("Ignoring invalid configuration change")
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "ConfigStore.Watch",
			"file":     ev.Name,
		}).Info("Configuration reloaded")
	})
	v.WatchConfig()
	return nil
}
