package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultDeviceID is the sentinel that selects the system default endpoint
// for the configured direction.
const DefaultDeviceID = "default"

// Direction selects which kind of endpoint the engine captures from.
type Direction string

const (
	// DirectionCapture reads from a microphone/input endpoint.
	DirectionCapture Direction = "capture"
	// DirectionLoopback reads what is currently being rendered on an
	// output endpoint.
	DirectionLoopback Direction = "loopback"
)

// Config is the full configuration of one capture engine. It is treated as
// immutable once an initialization pass starts; Update replaces it wholesale.
type Config struct {
	DeviceID                string    `json:"device_id"`
	Direction               Direction `json:"direction"`
	UseDeviceTiming         bool      `json:"use_device_timing"`
	DisableEchoCancellation bool      `json:"disable_echo_cancellation"`
	InputFormatMode         int       `json:"input_format_mode"`
	AECInputDelay           int       `json:"aec_input_delay"` // in 10 ms blocks
	AECDumpFileDir          string    `json:"aec_dump_file_dir,omitempty"`

	// LogLevel is cosmetic: changing it never restarts the pipeline.
	LogLevel string `json:"log_level"`
}

// Default returns the defaults for the given direction. Loopback engines
// default to device timing, input engines to software timing.
func Default(dir Direction) Config {
	return Config{
		DeviceID:        DefaultDeviceID,
		Direction:       dir,
		UseDeviceTiming: dir == DirectionLoopback,
		AECInputDelay:   2,
		LogLevel:        "info",
	}
}

// Load reads a config file from disk, applying defaults for absent fields.
func Load(path string) (*Config, error) {
	cfg := Default(DirectionCapture)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to disk.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks the ranged options.
func (c Config) Validate() error {
	switch c.Direction {
	case DirectionCapture, DirectionLoopback:
	default:
		return fmt.Errorf("invalid direction %q", c.Direction)
	}
	if c.InputFormatMode < 0 || c.InputFormatMode > 3 {
		return fmt.Errorf("input_format_mode %d out of range 0..3", c.InputFormatMode)
	}
	if c.AECInputDelay < 0 || c.AECInputDelay > 9 {
		return fmt.Errorf("aec_input_delay %d out of range 0..9", c.AECInputDelay)
	}
	return nil
}

// IsDefaultDevice reports whether the device id selects the system default.
// The comparison is case-insensitive.
func (c Config) IsDefaultDevice() bool {
	return strings.EqualFold(c.DeviceID, DefaultDeviceID)
}

// AECEnabled reports whether the engine should open a reference stream and
// run echo cancellation. Loopback engines never cancel their own echo.
func (c Config) AECEnabled() bool {
	return c.Direction == DirectionCapture && !c.DisableEchoCancellation
}

// RequiresRestart reports whether switching from old to new needs the
// pipeline stopped and rebuilt. Cosmetic options (log level) do not.
func RequiresRestart(old, new Config) bool {
	return old.DeviceID != new.DeviceID ||
		old.Direction != new.Direction ||
		old.DisableEchoCancellation != new.DisableEchoCancellation ||
		old.InputFormatMode != new.InputFormatMode ||
		old.AECInputDelay != new.AECInputDelay ||
		old.AECDumpFileDir != new.AECDumpFileDir
}
