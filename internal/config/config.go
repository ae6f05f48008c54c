// Package config holds the orbitd configuration file.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gogpu/orbit"
	"github.com/gogpu/orbit/backend"
)

const (
	DefaultFrameRate   = 60
	DefaultAddr        = ":8080"
	DefaultCatalog     = "catalog.json"
	DefaultFallback    = FallbackSoftware
	DefaultScale       = 1 / 6378.137 // kilometres to Earth radii
	DefaultSpeed       = 1.0
	DefaultMaxFailures = orbit.DefaultMaxConsecutiveFailures
)

// Fallback modes used when the configured backend is unavailable.
const (
	// FallbackSoftware rebuilds the session on the software backend.
	FallbackSoftware = "software"
	// FallbackStatic keeps the initial positions.
	FallbackStatic = "static"
)

type Config struct {
	FrameRate       int     `yaml:"frame_rate"`
	Backend         string  `yaml:"backend"`
	Fallback        string  `yaml:"fallback"`
	Scale           float64 `yaml:"scale"`
	SpeedMultiplier float64 `yaml:"speed_multiplier"`
	StagingSlots    int     `yaml:"staging_slots"`
	Feedback        string  `yaml:"feedback"`
	MaxFailures     int     `yaml:"max_failures"`
	Addr            string  `yaml:"addr"`
	Catalog         string  `yaml:"catalog"`
	// TLE names a three-line element file read instead of Catalog. It is
	// propagated with SGP4 to the time it is loaded.
	TLE             string  `yaml:"tle"`
	Watch           bool    `yaml:"watch"`
}

func DefaultConfig() *Config {
	return &Config{
		FrameRate:       DefaultFrameRate,
		Backend:         backend.Auto,
		Fallback:        DefaultFallback,
		Scale:           DefaultScale,
		SpeedMultiplier: DefaultSpeed,
		StagingSlots:    orbit.DefaultStagingSlots,
		Feedback:        orbit.FeedbackMonotonic.String(),
		MaxFailures:     DefaultMaxFailures,
		Addr:            DefaultAddr,
		Catalog:         DefaultCatalog,
		Watch:           true,
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if c.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("frame_rate must be positive, got %d", c.FrameRate))
	}
	switch c.Fallback {
	case FallbackSoftware, FallbackStatic:
	default:
		errs = append(errs, fmt.Errorf("fallback must be %q or %q, got %q", FallbackSoftware, FallbackStatic, c.Fallback))
	}
	if !(c.Scale > 0) || math.IsInf(c.Scale, 0) {
		errs = append(errs, fmt.Errorf("scale must be finite and positive, got %v", c.Scale))
	}
	if math.IsNaN(c.SpeedMultiplier) || math.IsInf(c.SpeedMultiplier, 0) {
		errs = append(errs, fmt.Errorf("speed_multiplier must be finite, got %v", c.SpeedMultiplier))
	}
	if c.StagingSlots < 1 || c.StagingSlots > orbit.MaxStagingSlots {
		errs = append(errs, fmt.Errorf("staging_slots must be in [1, %d], got %d", orbit.MaxStagingSlots, c.StagingSlots))
	}
	if _, err := orbit.ParseFeedbackPolicy(c.Feedback); err != nil {
		errs = append(errs, err)
	}
	if c.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("max_failures must be positive, got %d", c.MaxFailures))
	}
	if c.Catalog == "" && c.TLE == "" {
		errs = append(errs, errors.New("catalog path is empty"))
	}
	return errors.Join(errs...)
}

// FrameInterval returns the tick period for FrameRate.
func (c *Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.FrameRate)
}

// SessionOptions returns the session options the config selects.
func (c *Config) SessionOptions() []orbit.SessionOption {
	return []orbit.SessionOption{
		orbit.WithStagingSlots(c.StagingSlots),
		orbit.WithSpeedMultiplier(c.SpeedMultiplier),
	}
}

// StepperOptions returns the stepper options the config selects. The
// config must be valid.
func (c *Config) StepperOptions() []orbit.StepperOption {
	policy, _ := orbit.ParseFeedbackPolicy(c.Feedback)
	return []orbit.StepperOption{
		orbit.WithScale(c.Scale),
		orbit.WithFeedbackPolicy(policy),
		orbit.WithMaxConsecutiveFailures(c.MaxFailures),
	}
}
