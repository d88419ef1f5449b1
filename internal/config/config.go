package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// These have to match the values compiled into the telescope firmware.
const (
	DefaultAddr = "192.168.99.99:1033"
	DefaultBaud = 115200
)

// Duration is a time.Duration that reads and writes JSON duration strings
// like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Device struct {
	// Addr is the host:port of the telescope's TCP command server.
	Addr string `json:"addr"`
	// Serial, when set, selects a serial link instead of TCP.
	Serial  string   `json:"serial,omitempty"`
	Baud    int      `json:"baud,omitempty"`
	Timeout Duration `json:"timeout"`
}

type Measurement struct {
	MaxDuration   Duration `json:"max_duration"`
	MaxTriggers   int      `json:"max_triggers"`
	ReadInterval  Duration `json:"read_interval"`
	ReadThreshold int      `json:"read_threshold"`
}

// Influx configures result publishing. Publishing is disabled while Server
// is empty.
type Influx struct {
	Server string `json:"server,omitempty"`
	Token  string `json:"token,omitempty"`
	Org    string `json:"org,omitempty"`
	Bucket string `json:"bucket,omitempty"`
}

type Config struct {
	Device      Device      `json:"device"`
	Measurement Measurement `json:"measurement"`
	Influx      Influx      `json:"influx"`
	LogLevel    string      `json:"log_level,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Device: Device{
			Addr:    DefaultAddr,
			Baud:    DefaultBaud,
			Timeout: Duration{60 * time.Second},
		},
		Measurement: Measurement{
			MaxDuration:   Duration{3600 * time.Second},
			MaxTriggers:   1000,
			ReadInterval:  Duration{10 * time.Second},
			ReadThreshold: 100,
		},
		Influx: Influx{
			Org:    "mumasp",
			Bucket: "mumasp",
		},
	}
}

// Load reads a JSON config file on top of the defaults, then applies
// environment overrides. Fields omitted from the file keep their defaults.
// An empty path yields the defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		cleanPath := filepath.Clean(path)
		if ext := filepath.Ext(cleanPath); ext != ".json" {
			return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
		}
		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from MUMASP_* and INFLUX_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Device.Addr, "MUMASP_ADDR")
	set(&c.Device.Serial, "MUMASP_SERIAL")
	set(&c.LogLevel, "MUMASP_LOGLEVEL")
	set(&c.Influx.Server, "INFLUX_SERVER")
	set(&c.Influx.Token, "INFLUX_TOKEN")
	set(&c.Influx.Org, "INFLUX_ORG")
	set(&c.Influx.Bucket, "INFLUX_BUCKET")
	if v := getenv("MUMASP_BAUD"); v != "" {
		if baud, err := strconv.Atoi(v); err == nil {
			c.Device.Baud = baud
		}
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Device.Addr == "" && c.Device.Serial == "" {
		errs = append(errs, errors.New("device.addr or device.serial is required"))
	}
	if c.Device.Timeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("device.timeout must be positive, got %v", c.Device.Timeout))
	}
	if c.Device.Serial != "" && c.Device.Baud <= 0 {
		errs = append(errs, fmt.Errorf("device.baud must be positive, got %d", c.Device.Baud))
	}
	m := c.Measurement
	if m.MaxDuration.Duration <= 0 {
		errs = append(errs, fmt.Errorf("measurement.max_duration must be positive, got %v", m.MaxDuration))
	}
	if m.MaxTriggers <= 0 {
		errs = append(errs, fmt.Errorf("measurement.max_triggers must be positive, got %d", m.MaxTriggers))
	}
	if m.ReadInterval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("measurement.read_interval must be positive, got %v", m.ReadInterval))
	}
	if m.ReadThreshold <= 0 {
		errs = append(errs, fmt.Errorf("measurement.read_threshold must be positive, got %d", m.ReadThreshold))
	}
	if c.Influx.Server != "" && c.Influx.Bucket == "" {
		errs = append(errs, errors.New("influx.bucket is required when influx.server is set"))
	}
	return errors.Join(errs...)
}
