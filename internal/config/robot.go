package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RobotConfig holds the tunable parameters of the drive modes and the update
// loops. Every field is optional; the Get* accessors supply defaults for
// anything left unset so partial files are safe.
type RobotConfig struct {
	// Ratio drive
	RatioDriveMaxTransVel *float64 `json:"ratio_drive_max_trans_vel,omitempty" yaml:"ratio_drive_max_trans_vel,omitempty"` // mm/s
	RatioDriveMaxRotVel   *float64 `json:"ratio_drive_max_rot_vel,omitempty" yaml:"ratio_drive_max_rot_vel,omitempty"`     // deg/s
	RatioDriveTimeout     *string  `json:"ratio_drive_timeout,omitempty" yaml:"ratio_drive_timeout,omitempty"`             // duration string like "2s"

	// Jog position
	JogMaxDistance *float64 `json:"jog_max_distance,omitempty" yaml:"jog_max_distance,omitempty"` // mm
	JogMaxHeading  *float64 `json:"jog_max_heading,omitempty" yaml:"jog_max_heading,omitempty"`   // deg
	JogTransVel    *float64 `json:"jog_trans_vel,omitempty" yaml:"jog_trans_vel,omitempty"`       // mm/s
	JogRotVel      *float64 `json:"jog_rot_vel,omitempty" yaml:"jog_rot_vel,omitempty"`           // deg/s

	// Loops
	UpdateInterval *string `json:"update_interval,omitempty" yaml:"update_interval,omitempty"`
	SampleInterval *string `json:"sample_interval,omitempty" yaml:"sample_interval,omitempty"`
}

// maxConfigFileSize caps parameter files at 1MB.
const maxConfigFileSize = 1 * 1024 * 1024

// EmptyRobotConfig returns a RobotConfig with all fields unset.
func EmptyRobotConfig() *RobotConfig {
	return &RobotConfig{}
}

// LoadRobotConfig loads a RobotConfig from a .json, .yaml or .yml file.
func LoadRobotConfig(path string) (*RobotConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRobotConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", ext, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *RobotConfig) Validate() error {
	nonNegative := map[string]*float64{
		"ratio_drive_max_trans_vel": c.RatioDriveMaxTransVel,
		"ratio_drive_max_rot_vel":   c.RatioDriveMaxRotVel,
		"jog_max_distance":          c.JogMaxDistance,
		"jog_max_heading":           c.JogMaxHeading,
		"jog_trans_vel":             c.JogTransVel,
		"jog_rot_vel":               c.JogRotVel,
	}
	for name, v := range nonNegative {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *v)
		}
	}

	durations := map[string]*string{
		"ratio_drive_timeout": c.RatioDriveTimeout,
		"update_interval":     c.UpdateInterval,
		"sample_interval":     c.SampleInterval,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// GetRatioDriveMaxTransVel returns the translational velocity at 100% ratio.
func (c *RobotConfig) GetRatioDriveMaxTransVel() float64 {
	return floatOr(c.RatioDriveMaxTransVel, 400)
}

// GetRatioDriveMaxRotVel returns the rotational velocity at 100% ratio.
func (c *RobotConfig) GetRatioDriveMaxRotVel() float64 {
	return floatOr(c.RatioDriveMaxRotVel, 50)
}

// GetRatioDriveTimeout returns how long ratio drive keeps moving without a
// fresh command.
func (c *RobotConfig) GetRatioDriveTimeout() time.Duration {
	return durationOr(c.RatioDriveTimeout, 2*time.Second)
}

func (c *RobotConfig) GetJogMaxDistance() float64 { return floatOr(c.JogMaxDistance, 1000) }
func (c *RobotConfig) GetJogMaxHeading() float64  { return floatOr(c.JogMaxHeading, 180) }
func (c *RobotConfig) GetJogTransVel() float64    { return floatOr(c.JogTransVel, 200) }
func (c *RobotConfig) GetJogRotVel() float64      { return floatOr(c.JogRotVel, 30) }

// GetUpdateInterval returns the robot info broadcast period.
func (c *RobotConfig) GetUpdateInterval() time.Duration {
	return durationOr(c.UpdateInterval, 100*time.Millisecond)
}

// GetSampleInterval returns the telemetry recording period.
func (c *RobotConfig) GetSampleInterval() time.Duration {
	return durationOr(c.SampleInterval, time.Second)
}
