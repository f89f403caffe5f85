package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/multiboxer/internal/logger"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrUnknownKey is returned for keys that are not part of the config.
var ErrUnknownKey = errors.New("unknown config key")

// Config is the application configuration.
type Config struct {
	ServerPort    int                 `mapstructure:"server_port" yaml:"server_port" json:"server_port"`
	LogLevel      string              `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	LogPretty     bool                `mapstructure:"log_pretty" yaml:"log_pretty" json:"log_pretty"`
	DataDir       string              `mapstructure:"data_dir" yaml:"data_dir" json:"data_dir"`
	Game          GameConfig          `mapstructure:"game" yaml:"game" json:"game"`
	Helpers       HelpersConfig       `mapstructure:"helpers" yaml:"helpers" json:"helpers"`
	Timeouts      TimeoutsConfig      `mapstructure:"timeouts" yaml:"timeouts" json:"timeouts"`
	Monitor       MonitorConfig       `mapstructure:"monitor" yaml:"monitor" json:"monitor"`
	Window        WindowConfig        `mapstructure:"window" yaml:"window" json:"window"`
	Hotkeys       HotkeysConfig       `mapstructure:"hotkeys" yaml:"hotkeys" json:"hotkeys"`
	Notifications NotificationsConfig `mapstructure:"notifications" yaml:"notifications" json:"notifications"`
}

// GameConfig describes the game client.
type GameConfig struct {
	ProcessName       string `mapstructure:"process_name" yaml:"process_name" json:"process_name"`
	WatchdogName      string `mapstructure:"watchdog_name" yaml:"watchdog_name" json:"watchdog_name"`
	AcceptedExitCodes []int  `mapstructure:"accepted_exit_codes" yaml:"accepted_exit_codes" json:"accepted_exit_codes"`
}

// HelpersConfig locates the helper executables. Relative paths resolve
// against Dir.
type HelpersConfig struct {
	Dir                  string `mapstructure:"dir" yaml:"dir" json:"dir"`
	CycleFocus           string `mapstructure:"cycle_focus" yaml:"cycle_focus" json:"cycle_focus"`
	BatchFocus           string `mapstructure:"batch_focus" yaml:"batch_focus" json:"batch_focus"`
	BackgroundBatchFocus string `mapstructure:"background_batch_focus" yaml:"background_batch_focus" json:"background_batch_focus"`
	KeyListener          string `mapstructure:"key_listener" yaml:"key_listener" json:"key_listener"`
	ClickListener        string `mapstructure:"click_listener" yaml:"click_listener" json:"click_listener"`
	Launcher             string `mapstructure:"launcher" yaml:"launcher" json:"launcher"`
	Enumerator           string `mapstructure:"enumerator" yaml:"enumerator" json:"enumerator"`
}

// TimeoutsConfig bounds helper round trips.
type TimeoutsConfig struct {
	Launch    time.Duration `mapstructure:"launch" yaml:"launch" json:"launch"`
	Request   time.Duration `mapstructure:"request" yaml:"request" json:"request"`
	StopGrace time.Duration `mapstructure:"stop_grace" yaml:"stop_grace" json:"stop_grace"`
}

// MarshalYAML writes durations as "60s" rather than nanoseconds.
func (t TimeoutsConfig) MarshalYAML() (interface{}, error) {
	return map[string]string{
		"launch":     t.Launch.String(),
		"request":    t.Request.String(),
		"stop_grace": t.StopGrace.String(),
	}, nil
}

// MonitorConfig controls session liveness polling.
type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
}

// MarshalYAML writes the interval as a duration string.
func (m MonitorConfig) MarshalYAML() (interface{}, error) {
	return map[string]string{"interval": m.Interval.String()}, nil
}

// WindowConfig selects the window backend.
type WindowConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend" json:"backend"`
}

// HotkeysConfig binds chords to focus actions.
type HotkeysConfig struct {
	Cycle  string  `mapstructure:"cycle" yaml:"cycle" json:"cycle"`
	Toggle string  `mapstructure:"toggle" yaml:"toggle" json:"toggle"`
	Rate   float64 `mapstructure:"rate" yaml:"rate" json:"rate"`
}

// NotificationsConfig toggles desktop notifications.
type NotificationsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// defaults doubles as the list of known keys.
var defaults = map[string]any{
	"server_port":                    8080,
	"log_level":                      "info",
	"log_pretty":                     true,
	"data_dir":                       "",
	"game.process_name":              "Game.exe",
	"game.watchdog_name":             "BugReport.exe",
	"game.accepted_exit_codes":       []int{0, 1},
	"helpers.dir":                    "helpers",
	"helpers.cycle_focus":            "cycle-focus.exe",
	"helpers.batch_focus":            "batch-focus.exe",
	"helpers.background_batch_focus": "background-batch-focus.exe",
	"helpers.key_listener":           "key-listener.exe",
	"helpers.click_listener":         "click-listener.exe",
	"helpers.launcher":               "launcher.exe",
	"helpers.enumerator":             "enumerate-windows.exe",
	"timeouts.launch":                "60s",
	"timeouts.request":               "10s",
	"timeouts.stop_grace":            "1s",
	"monitor.interval":               "2s",
	"window.backend":                 "auto",
	"hotkeys.cycle":                  "ctrl+tab",
	"hotkeys.toggle":                 "alt+vk:192",
	"hotkeys.rate":                   10.0,
	"notifications.enabled":          true,
}

// Keys returns every known key in order.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Manager handles configuration
type Manager struct {
	configPath string
	// v is the effective view: file, environment and bound flags.
	v *viper.Viper
	// file holds only what belongs in the config file and is what Save
	// writes, so overrides never leak to disk.
	file   *viper.Viper
	config *Config
	mu     sync.RWMutex
}

// logLevels are the names logger.ParseLevel understands.
var logLevels = []string{"trace", "debug", "info", "warn", "warning", "error"}

// DefaultPath returns $HOME/.config/multiboxer/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "multiboxer", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty. A missing
// file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	v := newViper(path)
	v.SetEnvPrefix("MULTIBOXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	file := newViper(path)

	m := &Manager{configPath: path, v: v, file: file}

	if err := file.ReadInConfig(); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := m.reload(); err != nil {
			return nil, err
		}
	} else {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", path).
			Msg("Config file not found, creating new config")
		if err := m.reload(); err != nil {
			return nil, err
		}
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", path).
		Msg("Config loaded")
	return m, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	return v
}

// reload decodes viper's merged view into m.config.
func (m *Manager) reload() error {
	cfg, err := decode(m.v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// BindFlag lets a command-line flag override key.
func (m *Manager) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return nil
	}
	if _, ok := defaults[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if err := m.v.BindPFlag(key, flag); err != nil {
		return err
	}
	return m.reload()
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg := *m.config
	cfg.Game.AcceptedExitCodes = append([]int(nil), m.config.Game.AcceptedExitCodes...)
	return cfg
}

// GetViper exposes the underlying viper instance.
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// Value returns the value of a dotted key.
func (m *Manager) Value(key string) (any, error) {
	if _, ok := defaults[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.Get(key), nil
}

// Set parses value according to key's type, validates the result and saves.
func (m *Manager) Set(key, value string) error {
	def, ok := defaults[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	parsed, err := convert(def, value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if key == "log_level" {
		level := strings.ToLower(strings.TrimSpace(value))
		if !slices.Contains(logLevels, level) {
			return fmt.Errorf("invalid log level: %s (use: %s)", value, strings.Join(logLevels, ", "))
		}
		parsed = level
	}

	m.mu.Lock()
	old, oldFile := m.v.Get(key), m.file.Get(key)
	m.v.Set(key, parsed)
	m.file.Set(key, parsed)
	cfg, err := decode(m.v)
	if err != nil {
		m.v.Set(key, old)
		m.file.Set(key, oldFile)
		m.mu.Unlock()
		return err
	}
	m.config = cfg
	m.mu.Unlock()

	return m.Save()
}

// convert parses value into the type of def.
func convert(def any, value string) (any, error) {
	switch def.(type) {
	case int:
		return cast.ToIntE(value)
	case bool:
		return cast.ToBoolE(value)
	case float64:
		return cast.ToFloat64E(value)
	case []int:
		parts := strings.Split(value, ",")
		out := make([]int, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p == "" {
				continue
			}
			n, err := cast.ToIntE(p)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	case string:
		return value, nil
	}
	return nil, fmt.Errorf("unsupported type %s", reflect.TypeOf(def))
}

// Save writes the file-backed configuration to disk. Environment and flag
// overrides are left out.
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg, err := decode(m.file)
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}
	return nil
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}

// DataDir returns the configured data directory, defaulting to the config
// directory.
func (m *Manager) DataDir() string {
	if dir := m.Get().DataDir; dir != "" {
		return dir
	}
	return m.GetConfigDir()
}

// HelperPath resolves a helper executable path against helpers.dir, which
// itself resolves against the data directory.
func (m *Manager) HelperPath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	dir := m.Get().Helpers.Dir
	if dir == "" {
		return name
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(m.DataDir(), dir)
	}
	return filepath.Join(dir, name)
}
