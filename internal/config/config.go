// Package config loads and hot-reloads the relay's configuration, layering
// file, environment, and flag sources through viper and watching the file
// for changes with fsnotify; the relay runs unattended and subscribers
// receive every freshly parsed Config. The relay applies the discovery
// wsUrl and notify secret live; the verifier URL and all other settings
// take effect only on restart.
package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Log holds log sink settings: level, path, retention in days.
type Log struct {
	Level string `mapstructure:"level"`
	Path  string `mapstructure:"path"`
	Days  uint   `mapstructure:"days"`
}

// Discovery holds the settings for the HTTP discovery surface.
type Discovery struct {
	WSUrl        string `mapstructure:"ws_url"`
	NotifySecret string `mapstructure:"notify_secret"`
}

// Verifier holds the settings for the external token verifier oracle.
type Verifier struct {
	URL        string `mapstructure:"url"`
	CacheTTL   int    `mapstructure:"cache_ttl_seconds"`
	CacheLimit int    `mapstructure:"cache_limit"`
}

// Heartbeat holds the liveness policy knobs. Defaults are 25s/10s; exposed
// so tests can shrink them.
type Heartbeat struct {
	PingIntervalSeconds int `mapstructure:"ping_interval_seconds"`
	PongTimeoutSeconds  int `mapstructure:"pong_timeout_seconds"`
}

// Resume holds the replay buffer's size, a policy knob rather than a
// correctness parameter.
type Resume struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// Config is the relay's full settings tree.
type Config struct {
	Listen    string    `mapstructure:"listen"`
	Log       Log       `mapstructure:"log"`
	Discovery Discovery `mapstructure:"discovery"`
	Verifier  Verifier  `mapstructure:"verifier"`
	Heartbeat Heartbeat `mapstructure:"heartbeat"`
	Resume    Resume    `mapstructure:"resume"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("listen", ":8000")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "./logs")
	v.SetDefault("log.days", 7)
	v.SetDefault("discovery.ws_url", "ws://localhost:8000/ws")
	v.SetDefault("discovery.notify_secret", "")
	v.SetDefault("verifier.url", "")
	v.SetDefault("verifier.cache_ttl_seconds", 60)
	v.SetDefault("verifier.cache_limit", 1024)
	v.SetDefault("heartbeat.ping_interval_seconds", 25)
	v.SetDefault("heartbeat.pong_timeout_seconds", 10)
	v.SetDefault("resume.buffer_size", 256)
}

// Loader owns the viper instance, the parsed Config, and the hot-reload
// subscription list.
type Loader struct {
	v    *viper.Viper
	path string

	mu   sync.RWMutex
	cur  Config
	subs []func(Config)
}

// NewLoader builds a Loader reading from the given config file path (may be
// empty to rely on defaults/env/flags only) and environment variables
// prefixed SCREENMCP_RELAY_.
func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("screenmcp_relay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	l := &Loader{v: v, path: path}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// WatchReload wires fsnotify (via viper.WatchConfig) so edits to the config
// file take effect live; subscribers registered with OnReload are notified
// with the freshly parsed Config. A no-op when no config file is in use.
func (l *Loader) WatchReload() {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if err := l.reload(); err != nil {
			return
		}
		l.mu.RLock()
		cur := l.cur
		subs := append([]func(Config){}, l.subs...)
		l.mu.RUnlock()
		for _, fn := range subs {
			fn(cur)
		}
	})
	l.v.WatchConfig()
}

// OnReload registers a callback invoked after every successful hot reload.
func (l *Loader) OnReload(fn func(Config)) {
	l.mu.Lock()
	l.subs = append(l.subs, fn)
	l.mu.Unlock()
}

func (l *Loader) reload() error {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: reading %s: %w", l.path, err)
		}
	}
	var c Config
	if err := l.v.Unmarshal(&c); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	l.mu.Lock()
	l.cur = c
	l.mu.Unlock()
	return nil
}

// Current returns a snapshot of the presently loaded configuration.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}
