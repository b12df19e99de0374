// Package config loads the daemon configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the complete daemon configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Rider     RiderConfig     `yaml:"rider"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// ListenConfig holds the TCP fan-out settings.
type ListenConfig struct {
	Port int `yaml:"port"`
}

// RiderConfig holds the parameters pushed to the trainer as the user
// configuration page.
type RiderConfig struct {
	WeightKg       float64 `yaml:"weightKg"`
	BikeWeightKg   float64 `yaml:"bikeWeightKg"`
	WheelDiameterM float64 `yaml:"wheelDiameterM"`
}

// TelemetryConfig holds the sampling settings of the fan-out.
type TelemetryConfig struct {
	SampleIntervalMs int `yaml:"sampleIntervalMs"`
}

// LogConfig holds the log file settings.  An empty file name logs to
// stderr.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
}

// SampleInterval returns the sampling interval as a duration.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Telemetry.SampleIntervalMs) * time.Millisecond
}

// Load builds the configuration from defaults, the given YAML file and
// environment overrides.  With an empty path only defaults and environment
// apply.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{Port: 7500},
		Rider: RiderConfig{
			WeightKg:       75.0,
			BikeWeightKg:   10.0,
			WheelDiameterM: 0.668,
		},
		Telemetry: TelemetryConfig{SampleIntervalMs: 500},
		Log: LogConfig{
			File:       "",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("TRAINER_CONTROL_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Listen.Port = p
		}
	}
	if file := os.Getenv("TRAINER_CONTROL_LOG"); file != "" {
		cfg.Log.File = file
	}
}

func validate(cfg *Config) error {
	if cfg.Listen.Port < 1 || cfg.Listen.Port > 65535 {
		return fmt.Errorf("listen port %d out of range", cfg.Listen.Port)
	}
	if cfg.Rider.WeightKg <= 0 || cfg.Rider.WeightKg > 655 {
		return fmt.Errorf("rider weight %g kg out of range", cfg.Rider.WeightKg)
	}
	if cfg.Rider.BikeWeightKg <= 0 || cfg.Rider.BikeWeightKg > 200 {
		return fmt.Errorf("bike weight %g kg out of range", cfg.Rider.BikeWeightKg)
	}
	if cfg.Rider.WheelDiameterM < 0.1 || cfg.Rider.WheelDiameterM > 2.5 {
		return fmt.Errorf("wheel diameter %g m out of range", cfg.Rider.WheelDiameterM)
	}
	if cfg.Telemetry.SampleIntervalMs < 50 || cfg.Telemetry.SampleIntervalMs > 10000 {
		return fmt.Errorf("sample interval %d ms out of range", cfg.Telemetry.SampleIntervalMs)
	}
	return nil
}
