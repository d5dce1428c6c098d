package robot

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const DefaultConfigFile = "armctl.json"

// Actuator kinds.
const (
	ActuatorSim       = "sim"
	ActuatorWebsocket = "websocket"
	ActuatorServo     = "servo"
)

// Store kinds.
const (
	StoreJSON   = "json"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config holds the coordinator configuration
type Config struct {
	Listen      string          `json:"listen"`
	Actuator    ActuatorConfig  `json:"actuator"`
	Store       StoreConfig     `json:"store"`
	Timeouts    TimeoutConfig   `json:"timeouts"`
	Objects     []TrackedObject `json:"objects,omitempty"`
	DanceFrames []JointVector   `json:"dance_frames,omitempty"` // preset poses when empty
}

// ActuatorConfig selects and configures the actuator link
type ActuatorConfig struct {
	Kind        string        `json:"kind"`
	Port        string        `json:"port,omitempty"`
	Calibration Calibration   `json:"calibration,omitempty"`
	Gripper     GripperConfig `json:"gripper,omitempty"`
}

// GripperConfig holds normalized [-100, 100] gripper positions
type GripperConfig struct {
	Open  float64 `json:"open"`
	Close float64 `json:"close"`
}

// StoreConfig selects where arm state snapshots are persisted
type StoreConfig struct {
	Kind string `json:"kind"`
	Path string `json:"path,omitempty"`
}

// TimeoutConfig holds the per-wait bounds in milliseconds
type TimeoutConfig struct {
	CommandMs int `json:"command_ms"`
	MotionMs  int `json:"motion_ms"`
	AttachMs  int `json:"attach_ms"`
	SettleMs  int `json:"settle_ms"`
}

func (t TimeoutConfig) Command() time.Duration { return time.Duration(t.CommandMs) * time.Millisecond }
func (t TimeoutConfig) Motion() time.Duration  { return time.Duration(t.MotionMs) * time.Millisecond }
func (t TimeoutConfig) Attach() time.Duration  { return time.Duration(t.AttachMs) * time.Millisecond }
func (t TimeoutConfig) Settle() time.Duration  { return time.Duration(t.SettleMs) * time.Millisecond }

// IsCalibrated returns true if the actuator has calibration data
func (a *ActuatorConfig) IsCalibrated() bool {
	return len(a.Calibration) > 0
}

// DefaultConfig returns a configuration that runs against the built-in simulator
func DefaultConfig() *Config {
	return (&Config{}).WithDefaults()
}

// WithDefaults fills zero values with defaults and returns c
func (c *Config) WithDefaults() *Config {
	if c.Listen == "" {
		c.Listen = ":8765"
	}
	if c.Actuator.Kind == "" {
		c.Actuator.Kind = ActuatorSim
	}
	if c.Actuator.Gripper == (GripperConfig{}) {
		c.Actuator.Gripper = GripperConfig{Open: 80, Close: -60}
	}
	if c.Store.Kind == "" {
		c.Store.Kind = StoreJSON
	}
	if c.Store.Path == "" && c.Store.Kind != StoreMemory {
		c.Store.Path = "armctl-state." + c.Store.Kind
		if c.Store.Kind == StoreSQLite {
			c.Store.Path = "armctl-state.db"
		}
	}
	if c.Timeouts.CommandMs <= 0 {
		c.Timeouts.CommandMs = 5000
	}
	if c.Timeouts.MotionMs <= 0 {
		c.Timeouts.MotionMs = 10000
	}
	if c.Timeouts.AttachMs <= 0 {
		c.Timeouts.AttachMs = 3000
	}
	if c.Timeouts.SettleMs <= 0 {
		c.Timeouts.SettleMs = 500
	}
	return c
}

// Validate checks that the selected actuator and store kinds are usable
func (c *Config) Validate() error {
	switch c.Actuator.Kind {
	case ActuatorSim, ActuatorWebsocket:
	case ActuatorServo:
		if c.Actuator.Port == "" {
			return fmt.Errorf("actuator.port is required for the %s actuator", ActuatorServo)
		}
		if !c.Actuator.IsCalibrated() {
			return fmt.Errorf("actuator is not calibrated, run 'armctl setup' first")
		}
	default:
		return fmt.Errorf("unknown actuator kind %q", c.Actuator.Kind)
	}
	switch c.Store.Kind {
	case StoreJSON, StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
	return nil
}

// LoadConfig loads configuration from the default config file
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(DefaultConfigFile)
}

// LoadConfigFrom loads configuration from a specific file
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg.WithDefaults(), nil
}

// Save saves configuration to the default config file
func (c *Config) Save() error {
	return c.SaveTo(DefaultConfigFile)
}

// SaveTo saves configuration to a specific file
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ConfigExists returns true if the default config file exists
func ConfigExists() bool {
	_, err := os.Stat(DefaultConfigFile)
	return err == nil
}
