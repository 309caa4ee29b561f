package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var validate = validator.New()

// Load reads Config from configPath or, when configPath is empty, from
// ./configs/config.yaml then ./config.yaml. Environment variables prefixed
// CP_ override keys the file sets; they do not add keys on their own, so
// with no file found the record holds only the defaults() fallbacks.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	switch {
	case configPath != "":
		v.SetConfigFile(configPath)
	default:
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.defaults()

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// FileStore is the viper-backed ConfigStore implementation: Load reads
// from Path, Save rewrites it, Subscribe watches it for external edits
// via viper's fsnotify watcher.
type FileStore struct {
	Path string

	mu          sync.Mutex
	subscribers []func(*Config)
	watcher     *viper.Viper
}

// NewFileStore creates a FileStore rooted at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (s *FileStore) Load() (*Config, error) {
	return Load(s.Path)
}

func (s *FileStore) Save(cfg *Config) error {
	v := viper.New()
	v.SetConfigFile(s.Path)
	v.SetConfigType("yaml")

	settings := map[string]interface{}{
		"cpId":             cfg.CpID,
		"connectorNumber":  cfg.ConnectorNumber,
		"wsUrl":            cfg.WsURL,
		"ocppVersion":      cfg.OcppVersion,
		"basicAuth":        cfg.BasicAuth,
		"autoMeterValue":   cfg.AutoMeterValue,
		"bootNotification": cfg.BootNotification,
		"tagIds":           cfg.TagIds,
	}
	for key, value := range settings {
		v.Set(key, value)
	}

	if err := v.WriteConfigAs(s.Path); err != nil {
		return fmt.Errorf("write config %s: %w", s.Path, err)
	}
	s.notify(cfg)
	return nil
}

// Subscribe registers fn for config changes, from Save or from an
// external edit to the file (observed via fsnotify). The watcher is
// started lazily on the first subscription.
func (s *FileStore) Subscribe(fn func(*Config)) func() {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	idx := len(s.subscribers) - 1
	if s.watcher == nil {
		s.watcher = viper.New()
		s.watcher.SetConfigFile(s.Path)
		s.watcher.OnConfigChange(func(fsnotify.Event) {
			if cfg, err := Load(s.Path); err == nil {
				s.notify(cfg)
			}
		})
		s.watcher.WatchConfig()
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subscribers[idx] = func(*Config) {}
	}
}

func (s *FileStore) notify(cfg *Config) {
	s.mu.Lock()
	subs := append([]func(*Config){}, s.subscribers...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
}
