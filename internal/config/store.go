package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/craigderington/realmtunnel/pkg/types"
)

const (
	// DefaultFileName is the configuration file looked up when no path is given
	DefaultFileName = "araxiatrinity.yml"
	// CurrentVersion is the configuration schema version written by Save
	CurrentVersion = 2
)

// Store loads, migrates and saves the YAML configuration file and serves
// the loaded servers to the tunnel manager.
type Store struct {
	path string
	log  zerolog.Logger

	mu  sync.RWMutex
	cfg *types.AppConfig

	watchOnce sync.Once
}

// NewStore creates a store for the file at path. An empty path selects
// DefaultPath.
func NewStore(path string, log zerolog.Logger) *Store {
	if path == "" {
		path = DefaultPath()
	}
	return &Store{
		path: path,
		log:  log.With().Str("component", "config").Logger(),
	}
}

// DefaultPath returns the first existing candidate: next to the executable,
// then the working directory. If none exists the executable's directory wins.
func DefaultPath() string {
	var candidates []string
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), DefaultFileName))
	}
	if wd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(wd, DefaultFileName))
	}
	if len(candidates) == 0 {
		return DefaultFileName
	}

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return candidates[0]
}

// Path returns the configuration file path
func (s *Store) Path() string {
	return s.path
}

// DefaultConfig returns the configuration written when no file exists
func DefaultConfig() *types.AppConfig {
	autoConnect := false
	return &types.AppConfig{
		Version:     CurrentVersion,
		AutoConnect: &autoConnect,
		Servers: []types.ServerConfig{
			{
				Name:       "BattleNet Server",
				Host:       "your.server.com",
				ServerType: types.ServerTypeAuth,
				Tunnels: []types.TunnelConfig{
					{LocalPort: 1119, RemotePort: 1119, Name: "BattleNet Auth"},
					{LocalPort: 8081, RemotePort: 8081, Name: "BattleNet Realm"},
				},
			},
			{
				Name:       "WorldServer 1",
				Host:       "your.server.com",
				ServerType: types.ServerTypeWorld,
				Tunnels: []types.TunnelConfig{
					{LocalPort: 8085, RemotePort: 8085, Name: "WorldServer"},
				},
			},
		},
	}
}

// Load reads the configuration file, creating a default one when it does not
// exist and migrating older schema versions in place.
func (s *Store) Load() (*types.AppConfig, error) {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		s.log.Info().Str("path", s.path).Msg("config file not found, creating default config")
		cfg := DefaultConfig()
		if err := s.Save(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return s.Config(), nil
	}

	cfg, err := s.read()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Version < CurrentVersion {
		from := cfg.Version
		if from == 0 {
			from = 1
		}
		s.log.Info().Int("from", from).Int("to", CurrentVersion).Msg("migrating config")
		Migrate(cfg, s.log)
		if err := s.Save(cfg); err != nil {
			return nil, fmt.Errorf("failed to save migrated config: %w", err)
		}
	} else {
		s.set(cfg)
	}

	return s.Config(), nil
}

// read parses the file with a fresh viper instance
func (s *Store) read() (*types.AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	if _, ok := v.Get("servers").([]interface{}); !ok {
		return nil, errors.New("invalid config: missing or invalid servers array")
	}

	var cfg types.AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg to the configuration file and makes it current
func (s *Store) Save(cfg *types.AppConfig) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".realmtunnel-*.yml")
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	s.set(cfg)
	return nil
}

func (s *Store) set(cfg *types.AppConfig) {
	s.mu.Lock()
	s.cfg = clone(cfg)
	s.mu.Unlock()
}

// Config returns a copy of the current configuration, or nil before Load
func (s *Store) Config() *types.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil
	}
	return clone(s.cfg)
}

// Server looks up a configured server by name
func (s *Store) Server(name string) (types.ServerConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return types.ServerConfig{}, false
	}
	return s.cfg.Server(name)
}

// Servers returns every configured server
func (s *Store) Servers() []types.ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return []types.ServerConfig{}
	}
	return clone(s.cfg).Servers
}

// Reload re-reads the file; the current configuration is kept on error
func (s *Store) Reload() (*types.AppConfig, error) {
	return s.Load()
}

// Watch calls onChange after every change to the configuration file has
// been reloaded. It may only be started once per store.
func (s *Store) Watch(onChange func(*types.AppConfig, error)) {
	s.watchOnce.Do(func() {
		w := viper.New()
		w.SetConfigFile(s.path)
		w.SetConfigType("yaml")
		w.OnConfigChange(func(e fsnotify.Event) {
			s.log.Info().Str("path", e.Name).Str("op", e.Op.String()).Msg("config file changed")
			cfg, err := s.Reload()
			if err != nil {
				s.log.Error().Err(err).Msg("config reload failed")
			}
			onChange(cfg, err)
		})
		w.WatchConfig()
	})
}

// Migrate upgrades cfg to CurrentVersion in place
func Migrate(cfg *types.AppConfig, log zerolog.Logger) {
	if cfg.Version < 2 {
		for i := range cfg.Servers {
			if cfg.Servers[i].ServerType == "" {
				cfg.Servers[i].ServerType = DetectServerType(cfg.Servers[i])
				log.Info().Str("server", cfg.Servers[i].Name).
					Str("server_type", string(cfg.Servers[i].ServerType)).
					Msg("detected server type")
			}
		}
	}

	if cfg.AutoConnect == nil {
		autoConnect := true
		cfg.AutoConnect = &autoConnect
	}
	cfg.Version = CurrentVersion
}

// DetectServerType guesses the type of a server from its name, then its ports
func DetectServerType(srv types.ServerConfig) types.ServerType {
	name := strings.ToLower(srv.Name)

	for _, kw := range []string{"battlenet", "auth", "bnet"} {
		if strings.Contains(name, kw) {
			return types.ServerTypeAuth
		}
	}
	for _, kw := range []string{"world", "realm"} {
		if strings.Contains(name, kw) {
			return types.ServerTypeWorld
		}
	}

	// Auth servers listen on 1119 and 8081
	for _, t := range srv.Tunnels {
		if t.LocalPort == 1119 || t.LocalPort == 8081 || t.RemotePort == 1119 || t.RemotePort == 8081 {
			return types.ServerTypeAuth
		}
	}
	return types.ServerTypeWorld
}

func clone(cfg *types.AppConfig) *types.AppConfig {
	out := *cfg
	if cfg.AutoConnect != nil {
		v := *cfg.AutoConnect
		out.AutoConnect = &v
	}
	out.Servers = make([]types.ServerConfig, len(cfg.Servers))
	for i, srv := range cfg.Servers {
		srv.Tunnels = append([]types.TunnelConfig(nil), srv.Tunnels...)
		out.Servers[i] = srv
	}
	return &out
}
