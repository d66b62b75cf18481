// Package config provides configuration loading and validation for the
// scrubber daemon. Supports YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dray-io/sysscrub/internal/device"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds all configuration for a scrubber daemon.
type Config struct {
	Device        DeviceConfig        `yaml:"device"`
	Scrub         ScrubConfig         `yaml:"scrub"`
	Engine        EngineConfig        `yaml:"engine"`
	WorkQueue     WorkQueueConfig     `yaml:"workqueue"`
	Workload      WorkloadConfig      `yaml:"workload"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type DeviceConfig struct {
	ID          string `yaml:"id" env:"SCRUB_DEVICE_ID"`
	SysmemScrub bool   `yaml:"sysmemScrub" env:"SCRUB_DEVICE_SYSMEM_SCRUB"`
}

type ScrubConfig struct {
	// DisableAsync maps to the RmDisableAsyncSysmemScrub registry key.
	// Unset leaves the key absent, which means async.
	DisableAsync *bool `yaml:"disableAsync" env:"SCRUB_DISABLE_ASYNC"`
	MaxPending   int   `yaml:"maxPending" env:"SCRUB_MAX_PENDING"`
}

type EngineConfig struct {
	QueueDepth int `yaml:"queueDepth" env:"SCRUB_ENGINE_QUEUE_DEPTH"`
}

type WorkQueueConfig struct {
	Workers int `yaml:"workers" env:"SCRUB_WORKQUEUE_WORKERS"`
	Depth   int `yaml:"depth" env:"SCRUB_WORKQUEUE_DEPTH"`
}

type WorkloadConfig struct {
	Producers  int   `yaml:"producers" env:"SCRUB_WORKLOAD_PRODUCERS"`
	RegionSize int64 `yaml:"regionSize" env:"SCRUB_WORKLOAD_REGION_SIZE"`
	DurationMs int64 `yaml:"durationMs" env:"SCRUB_WORKLOAD_DURATION_MS"`
	IntervalMs int64 `yaml:"intervalMs" env:"SCRUB_WORKLOAD_INTERVAL_MS"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"SCRUB_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"SCRUB_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"SCRUB_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			SysmemScrub: true,
		},
		Engine: EngineConfig{
			QueueDepth: 64,
		},
		WorkQueue: WorkQueueConfig{
			Workers: 1,
			Depth:   16,
		},
		Workload: WorkloadConfig{
			Producers:  4,
			RegionSize: 64 * 1024, // 64KB
			DurationMs: 10000,
			IntervalMs: 1,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load returns the defaults with environment overrides applied.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads a YAML file over the defaults, then applies
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without validating.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Engine.QueueDepth <= 0:
		return fmt.Errorf("%w: engine.queueDepth must be positive", ErrInvalidConfig)
	case c.WorkQueue.Workers <= 0:
		return fmt.Errorf("%w: workqueue.workers must be positive", ErrInvalidConfig)
	case c.WorkQueue.Depth <= 0:
		return fmt.Errorf("%w: workqueue.depth must be positive", ErrInvalidConfig)
	case c.Scrub.MaxPending < 0:
		return fmt.Errorf("%w: scrub.maxPending must not be negative", ErrInvalidConfig)
	case c.Workload.Producers < 0:
		return fmt.Errorf("%w: workload.producers must not be negative", ErrInvalidConfig)
	case c.Workload.RegionSize <= 0:
		return fmt.Errorf("%w: workload.regionSize must be positive", ErrInvalidConfig)
	}
	return nil
}

// Registry returns the registry view consumed by the device.
func (c *Config) Registry() device.MapRegistry {
	reg := device.MapRegistry{}
	if c.Scrub.DisableAsync != nil {
		reg[device.RegDisableAsyncSysmemScrub] = *c.Scrub.DisableAsync
	}
	return reg
}

// WorkloadDuration returns the configured workload duration.
func (c *Config) WorkloadDuration() time.Duration {
	return time.Duration(c.Workload.DurationMs) * time.Millisecond
}

// WorkloadInterval returns the pause between submissions of one producer.
func (c *Config) WorkloadInterval() time.Duration {
	return time.Duration(c.Workload.IntervalMs) * time.Millisecond
}

// applyEnv walks every `env`-tagged field and overrides it when the
// variable is set.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	return applyEnvStruct(reflect.ValueOf(c).Elem(), lookup)
}

func applyEnvStruct(v reflect.Value, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)
		if sf.Type.Kind() == reflect.Struct {
			if err := applyEnvStruct(field, lookup); err != nil {
				return err
			}
			continue
		}
		name := sf.Tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := lookup(name)
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, name, raw, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Pointer:
		if field.Type().Elem().Kind() != reflect.Bool {
			return fmt.Errorf("unsupported pointer type %s", field.Type())
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(&b))
	default:
		return fmt.Errorf("unsupported kind %s", field.Kind())
	}
	return nil
}
