// Package config owns the persisted settings file. The same file is also
// read by viper at the CLI layer for flag/env/file precedence; this
// package is the writer side and the typed schema.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// Duration wraps time.Duration so settings read and write as "5s" or
// "200ms" instead of nanosecond counts.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the settings schema.
type Config struct {
	Capture CaptureConfig `json:"capture" yaml:"capture"`
	Server  ServerConfig  `json:"server" yaml:"server"`
	Output  OutputConfig  `json:"output" yaml:"output"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// CaptureConfig tunes engine selection and frame acquisition.
type CaptureConfig struct {
	// Engine is the selection token: auto, modern, legacy, or one of the
	// historic boolean-ish values.
	Engine        string   `json:"engine" yaml:"engine"`
	DisableLegacy bool     `json:"disable_legacy" yaml:"disable_legacy"`
	FrameTimeout  Duration `json:"frame_timeout" yaml:"frame_timeout"`
	RetryAttempts int      `json:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay    Duration `json:"retry_delay" yaml:"retry_delay"`
	MaxFrameAge   Duration `json:"max_frame_age" yaml:"max_frame_age"`
}

// ServerConfig covers the HTTP API.
type ServerConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	StreamFPS int    `json:"stream_fps" yaml:"stream_fps"`
}

// OutputConfig covers where one-shot captures land.
type OutputConfig struct {
	// Dir is the default output directory; empty means the working
	// directory.
	Dir    string `json:"dir" yaml:"dir"`
	Format string `json:"format" yaml:"format"`
}

// LogConfig covers the logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
}

// Defaults returns the settings used when no file exists yet.
func Defaults() *Config {
	return &Config{
		Capture: CaptureConfig{
			Engine:        "auto",
			DisableLegacy: false,
			FrameTimeout:  Duration(5 * time.Second),
			RetryAttempts: 3,
			RetryDelay:    Duration(200 * time.Millisecond),
			MaxFrameAge:   Duration(500 * time.Millisecond),
		},
		Server: ServerConfig{
			Addr:      ":8080",
			StreamFPS: 10,
		},
		Output: OutputConfig{
			Format: "png",
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// DefaultPath resolves the settings file location. os.UserConfigDir
// honors XDG_CONFIG_HOME on Linux.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve config directory: %w", err)
	}
	return filepath.Join(base, "framegrab", "config.yaml"), nil
}

// Manager handles the settings file.
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// NewManager loads the settings at configFile, or at the default path
// when configFile is empty. A missing file is created with defaults; a
// file missing keys gets defaults for just those keys.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	m := &Manager{configPath: path}
	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Settings file not found, creating defaults")
		m.config = Defaults()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}
	return m, nil
}

// load reads the settings from disk over a defaults struct, so absent
// keys keep their default values.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Str("engine", cfg.Capture.Engine).
		Msg("Settings loaded")
	return nil
}

// Get returns a copy of the current settings.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// Update replaces the settings and persists them.
func (m *Manager) Update(cfg *Config) error {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// Reset restores defaults and persists them.
func (m *Manager) Reset() error {
	return m.Update(Defaults())
}

// Save writes the current settings to disk.
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()
	if cfg == nil {
		cfg = Defaults()
	}

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Settings saved")
	return nil
}

// Path returns the settings file location.
func (m *Manager) Path() string {
	return m.configPath
}

// Dir returns the settings directory.
func (m *Manager) Dir() string {
	return filepath.Dir(m.configPath)
}
