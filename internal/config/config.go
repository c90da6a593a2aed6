// ABOUTME: Configuration schema and YAML loader for the audio client
// ABOUTME: Persists resolved device profiles so startup skips re-detection
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Openhalo-Project/halo-go/internal/device"
	"github.com/Openhalo-Project/halo-go/pkg/audio/effects"
)

// Config is the root configuration, typically loaded from a YAML file with
// [Load]. Zero values fall back to [Default] semantics.
type Config struct {
	Devices  DevicesConfig  `yaml:"devices"`
	WakeWord WakeWordConfig `yaml:"wake_word"`
	Music    MusicConfig    `yaml:"music"`
	Effects  EffectsConfig  `yaml:"effects"`
	App      AppConfig      `yaml:"app"`
}

// EffectsConfig controls optional voice effects on the playback path.
type EffectsConfig struct {
	RobotVoiceEnabled bool                     `yaml:"robot_voice_enabled"`
	RobotVoice        effects.RobotVoiceConfig `yaml:"robot_voice"`
}

// DevicesConfig pins the capture and render devices. Empty profiles are
// auto-detected at startup and written back here.
type DevicesConfig struct {
	Input  device.Profile `yaml:"input"`
	Output device.Profile `yaml:"output"`
}

// WakeWordConfig controls the keyword spotter.
type WakeWordConfig struct {
	Enabled bool `yaml:"enabled"`

	// ModelPath points at the classifier model directory.
	ModelPath string `yaml:"model_path"`

	// Keywords lists the phrases the model should spot.
	Keywords []string `yaml:"keywords"`

	// Threshold is the detection confidence cutoff in (0, 1].
	Threshold float64 `yaml:"threshold"`
}

// MusicConfig controls local music playback.
type MusicConfig struct {
	// CacheDir is where downloaded tracks live.
	CacheDir string `yaml:"cache_dir"`
}

// AppConfig holds application-layer tuning knobs.
type AppConfig struct {
	// SilenceWindow delays outbound capture after entering listening so
	// the tail of assistant speech is not echoed back.
	SilenceWindow Duration `yaml:"silence_window"`

	// MaxConcurrentSends bounds in-flight encoded frame handoffs.
	MaxConcurrentSends int `yaml:"max_concurrent_sends"`
}

// Duration wraps time.Duration so YAML accepts human-readable values like
// "200ms" or "2s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"200ms\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cacheDir := "music-cache"
	if home, err := os.UserHomeDir(); err == nil {
		cacheDir = filepath.Join(home, ".halo", "music")
	}
	return &Config{
		WakeWord: WakeWordConfig{
			Enabled:   false,
			Threshold: 0.5,
		},
		Music: MusicConfig{CacheDir: cacheDir},
		App: AppConfig{
			SilenceWindow:      Duration(200 * time.Millisecond),
			MaxConcurrentSends: 4,
		},
	}
}

// Load reads the YAML file at path and returns a validated Config. A missing
// file is not an error: defaults are returned so first run works unconfigured.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("No config at %s, using defaults", path)
			return Default(), nil
		}
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs come from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg is coherent, returning a joined error listing
// every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.WakeWord.Threshold <= 0 || cfg.WakeWord.Threshold > 1 {
		errs = append(errs, fmt.Errorf("wake_word.threshold %.2f is out of range (0, 1]", cfg.WakeWord.Threshold))
	}
	if cfg.WakeWord.Enabled && cfg.WakeWord.ModelPath == "" {
		errs = append(errs, fmt.Errorf("wake_word.model_path is required when wake_word.enabled is true"))
	}
	if cfg.App.SilenceWindow < 0 {
		errs = append(errs, fmt.Errorf("app.silence_window must not be negative"))
	}
	if cfg.App.MaxConcurrentSends < 1 {
		errs = append(errs, fmt.Errorf("app.max_concurrent_sends must be at least 1"))
	}

	warnPartialProfile("devices.input", cfg.Devices.Input)
	warnPartialProfile("devices.output", cfg.Devices.Output)

	return errors.Join(errs...)
}

// warnPartialProfile flags a profile that is neither empty (auto-detect)
// nor complete; it will be re-detected, which may surprise the user.
func warnPartialProfile(key string, p device.Profile) {
	empty := p == device.Profile{}
	if !empty && !p.Valid() {
		log.Printf("Warning: %s is incomplete and will be auto-detected (%+v)", key, p)
	}
}

// Save writes cfg to path, creating parent directories as needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir for %q: %w", path, err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	return nil
}
