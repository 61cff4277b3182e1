package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"

	"github.com/shiftbot/shiftbot/internal/hw/gpio"
)

// MaxConfigFileBytes bounds the size of a config file read by Load.
const MaxConfigFileBytes = 64 << 10

// PinsConfig holds the BCM numbers of the four shift-register lines.
type PinsConfig struct {
	Data         int `yaml:"data"`
	Clock        int `yaml:"clock"`
	Latch        int `yaml:"latch"`
	OutputEnable int `yaml:"output_enable"` // active LOW
}

// ShiftRegisterConfig describes the register wiring and timing.
type ShiftRegisterConfig struct {
	Pins     PinsConfig `yaml:"pins"`
	SettleUs int        `yaml:"settle_us"` // delay after every line change (µs)
}

// ServerConfig configures the remote command service.
type ServerConfig struct {
	Listen            string `yaml:"listen" env:"SHIFTBOT_LISTEN"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"`
}

// DefaultsConfig contains generic runtime switches.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level" env:"SHIFTBOT_DEBUG_LEVEL"` // 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio" env:"SHIFTBOT_MOCK_GPIO"`     // true=dev/test, false=real Raspberry Pi
}

// InfluxConfig is optional: points are written only when URL is set.
type InfluxConfig struct {
	URL    string `yaml:"url" env:"INFLUX_SERVER"`
	Token  string `yaml:"token" env:"INFLUX_TOKEN"`
	Org    string `yaml:"org" env:"INFLUX_ORG"`
	Bucket string `yaml:"bucket" env:"INFLUX_BUCKET"`
}

type TelemetryConfig struct {
	Influx InfluxConfig `yaml:"influx"`
}

// Config aggregates all application configuration.
type Config struct {
	ShiftRegister ShiftRegisterConfig `yaml:"shift_register"`
	Server        ServerConfig        `yaml:"server"`
	Defaults      DefaultsConfig      `yaml:"defaults"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// Default returns the configuration of the reference wiring.
func Default() Config {
	return Config{
		ShiftRegister: ShiftRegisterConfig{
			Pins:     PinsConfig{Data: 17, Clock: 27, Latch: 22, OutputEnable: 23},
			SettleUs: 1000,
		},
		Server: ServerConfig{
			Listen:            ":50051",
			ShutdownTimeoutMs: 5000,
		},
	}
}

// ValidateConfigPath accepts only .yaml files placed directly in a configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config file %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config file %q must be in a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file on top of Default, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the wiring and timing values.
func (c *Config) Validate() error {
	p := c.ShiftRegister.Pins
	pins := map[string]int{"data": p.Data, "clock": p.Clock, "latch": p.Latch, "output_enable": p.OutputEnable}
	seen := make(map[int]string, len(pins))
	for _, name := range []string{"data", "clock", "latch", "output_enable"} {
		pin := pins[name]
		if pin < 0 || pin > gpio.MaxBCMPin {
			return fmt.Errorf("shift_register.pins.%s must be between 0 and %d, got %d", name, gpio.MaxBCMPin, pin)
		}
		if other, dup := seen[pin]; dup {
			return fmt.Errorf("shift_register.pins.%s and %s share GPIO %d", other, name, pin)
		}
		seen[pin] = name
	}

	if c.ShiftRegister.SettleUs < 1 || c.ShiftRegister.SettleUs > 100000 {
		return fmt.Errorf("shift_register.settle_us must be between 1 and 100000, got %d", c.ShiftRegister.SettleUs)
	}
	if strings.TrimSpace(c.Server.Listen) == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.ShutdownTimeoutMs <= 0 {
		c.Server.ShutdownTimeoutMs = 5000
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	if c.Telemetry.Influx.URL != "" && c.Telemetry.Influx.Bucket == "" {
		return fmt.Errorf("telemetry.influx.bucket is required when telemetry.influx.url is set")
	}
	return nil
}

// Settle returns the delay applied after every line change.
func (c *Config) Settle() time.Duration {
	return time.Duration(c.ShiftRegister.SettleUs) * time.Microsecond
}

// ShutdownTimeout bounds the graceful stop of the remote service.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutMs) * time.Millisecond
}

// InfluxEnabled reports whether telemetry points should be written to InfluxDB.
func (c *Config) InfluxEnabled() bool {
	return c.Telemetry.Influx.URL != ""
}
