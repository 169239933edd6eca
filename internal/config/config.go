// internal/config/config.go
// Package config loads and validates organvoice's runtime settings via viper.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	AppName       = "organvoice"
	ConfigType    = "yaml"
	DefaultConfig = `# organvoice engine configuration

# Audio device settings
device_index: -1        # -1 for default output device
sample_rate: 48000       # validated only; playback always tries 48000, then 44100, then the device default
channels: 2              # output channel count (1 or 2)
buffer_size: 1024        # validated only; the device callback buffer size is left to the audio backend

# Playback behavior
global_gain_db: 0        # global output gain in dB, converted to linear via 10^(db/20)
release_mode: "authentic" # "authentic" crossfades a dedicated release sample on note-off; anything else is synthetic envelope release
loading_mode: "none"      # "none" unloads a voice's sample as soon as it stops sounding; anything else keeps it resident

# Envelope timing (seconds)
attack_time: 0.005            # attack ramp applied to a freshly struck voice
release_time: 0.2             # synthetic release fade duration
restrike_fade_time: 0.01      # fade applied to a voice cut off by a restrike of the same pipe
authentic_crossfade_time: 0.05 # crossfade duration between the decaying sustain and the authentic release voice

# Open-question behaviors (spec.md Section 9), off by default to match the simpler variant
root_note_heuristic: false   # recover a missing root note from a trailing _NN in the sample filename
harmonic_stops_enabled: false # allow pitch_offset to be derived from a harmonicNumber drawbar value

# Reporting
report_interval_frames: 240000 # ~5s at 48kHz; emits a memory/voice-count log line

# Output
debug: false             # print the config summary and output device list at startup
`
)

// Settings holds all validated engine configuration.
type Settings struct {
	// Audio device settings
	DeviceIndex int     `mapstructure:"device_index"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Channels    int     `mapstructure:"channels"`
	BufferSize  int     `mapstructure:"buffer_size"`

	// Playback behavior
	GlobalGainDB float64 `mapstructure:"global_gain_db"`
	ReleaseMode  string  `mapstructure:"release_mode"`
	LoadingMode  string  `mapstructure:"loading_mode"`

	// Envelope timing (seconds)
	AttackTime             float64 `mapstructure:"attack_time"`
	ReleaseTime            float64 `mapstructure:"release_time"`
	RestrikeFadeTime       float64 `mapstructure:"restrike_fade_time"`
	AuthenticCrossfadeTime float64 `mapstructure:"authentic_crossfade_time"`

	// Open-question behaviors
	RootNoteHeuristic    bool `mapstructure:"root_note_heuristic"`
	HarmonicStopsEnabled bool `mapstructure:"harmonic_stops_enabled"`

	// Reporting
	ReportIntervalFrames int `mapstructure:"report_interval_frames"`

	// Output
	Debug bool `mapstructure:"debug"`
}

var (
	changeHandlersMu sync.Mutex
	changeHandlers   []func(*Settings)
)

// OnChange registers fn to run with the freshly reloaded, validated
// Settings every time the config file changes on disk. cmd/root.go uses
// this to push live-reloadable fields (global gain, release/loading mode,
// harmonic stops) into the running engine and controller; fn runs on the
// fsnotify watcher's goroutine and must not block.
func OnChange(fn func(*Settings)) {
	changeHandlersMu.Lock()
	defer changeHandlersMu.Unlock()
	changeHandlers = append(changeHandlers, fn)
}

// Init initializes Viper with defaults and a config file, watching it for
// live edits to playback-affecting fields (global gain, release/loading mode).
// Config file search order: current directory, then ~/.config/organvoice/.
func Init() error {
	viper.SetDefault("device_index", -1)
	viper.SetDefault("sample_rate", 48000)
	viper.SetDefault("channels", 2)
	viper.SetDefault("buffer_size", 1024)
	viper.SetDefault("global_gain_db", 0)
	viper.SetDefault("release_mode", "authentic")
	viper.SetDefault("loading_mode", "none")
	viper.SetDefault("attack_time", 0.005)
	viper.SetDefault("release_time", 0.2)
	viper.SetDefault("restrike_fade_time", 0.01)
	viper.SetDefault("authentic_crossfade_time", 0.05)
	viper.SetDefault("root_note_heuristic", false)
	viper.SetDefault("harmonic_stops_enabled", false)
	viper.SetDefault("report_interval_frames", 240000)
	viper.SetDefault("debug", false)

	viper.SetConfigType(ConfigType)
	viper.AddConfigPath(".")

	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	viper.AddConfigPath(filepath.Join(configDir, AppName))

	viper.SetConfigName(".config")
	if err = viper.ReadInConfig(); err != nil {
		viper.SetConfigName("config")
		err = viper.ReadInConfig()
	}

	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			xdgConfigPath := filepath.Join(configDir, AppName)
			if err = ensureConfigExists(xdgConfigPath); err != nil {
				return err
			}
			if err = viper.ReadInConfig(); err != nil {
				return fmt.Errorf("read config: %w", err)
			}
		} else {
			return fmt.Errorf("read config: %w", err)
		}
	}

	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		settings, err := Get()
		if err != nil {
			log.Printf("config: reload after change to %s failed: %v", e.Name, err)
			return
		}
		changeHandlersMu.Lock()
		handlers := append([]func(*Settings){}, changeHandlers...)
		changeHandlersMu.Unlock()
		for _, fn := range handlers {
			fn(settings)
		}
	})

	return nil
}

func ensureConfigExists(configPath string) error {
	configFile := filepath.Join(configPath, "config.yaml")

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if err = os.MkdirAll(configPath, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
		if err = os.WriteFile(configFile, []byte(DefaultConfig), 0644); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
	}
	return nil
}

// Get returns the current, validated settings.
func Get() (*Settings, error) {
	var s Settings
	if err := viper.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &s, nil
}

// Validate checks that all settings are within acceptable ranges.
func (s *Settings) Validate() error {
	var errs []error

	if s.SampleRate < 8000 || s.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %v", s.SampleRate))
	}
	if s.Channels < 1 || s.Channels > 2 {
		errs = append(errs, fmt.Errorf("channels must be 1 or 2, got %d", s.Channels))
	}
	if s.BufferSize < 64 || s.BufferSize > 8192 {
		errs = append(errs, fmt.Errorf("buffer_size must be between 64 and 8192, got %d", s.BufferSize))
	}
	if s.BufferSize&(s.BufferSize-1) != 0 {
		errs = append(errs, fmt.Errorf("buffer_size should be a power of 2, got %d", s.BufferSize))
	}

	if s.GlobalGainDB < -60 || s.GlobalGainDB > 24 {
		errs = append(errs, fmt.Errorf("global_gain_db must be between -60 and 24, got %v", s.GlobalGainDB))
	}

	if s.AttackTime < 0 {
		errs = append(errs, fmt.Errorf("attack_time must be non-negative, got %v", s.AttackTime))
	}
	if s.ReleaseTime <= 0 {
		errs = append(errs, fmt.Errorf("release_time must be positive, got %v", s.ReleaseTime))
	}
	if s.RestrikeFadeTime < 0 {
		errs = append(errs, fmt.Errorf("restrike_fade_time must be non-negative, got %v", s.RestrikeFadeTime))
	}
	if s.AuthenticCrossfadeTime <= 0 {
		errs = append(errs, fmt.Errorf("authentic_crossfade_time must be positive, got %v", s.AuthenticCrossfadeTime))
	}

	if s.ReportIntervalFrames <= 0 {
		errs = append(errs, fmt.Errorf("report_interval_frames must be positive, got %d", s.ReportIntervalFrames))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
