// Package config handles YAML suite configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tagcheck/internal/broker"
	"tagcheck/internal/collector"
	"tagcheck/internal/core"
	"tagcheck/internal/harness"
)

// Environment variables that override file settings.
const (
	EnvServer   = "HN_MACHINE"
	EnvTraceLog = "TAGCHECK_TRACE_LOG"
)

// DefaultRequests is the per-client batch size of the built-in suite.
const DefaultRequests = 500

// Config is the root configuration structure.
type Config struct {
	Server       string                `yaml:"server"`
	Service      string                `yaml:"service"`
	TraceLog     string                `yaml:"traceLog,omitempty"`
	DrainTimeout time.Duration         `yaml:"drainTimeout,omitempty"`
	SendRate     int                   `yaml:"sendRate,omitempty"`
	Broker       BrokerConfig          `yaml:"broker,omitempty"`
	Thresholds   *collector.Thresholds `yaml:"thresholds,omitempty"`
	Scenarios    []ScenarioConfig      `yaml:"scenarios"`
}

// BrokerConfig selects and tunes the broker scenarios run against. An empty
// URL runs the in-process broker.
type BrokerConfig struct {
	URL      string      `yaml:"url,omitempty"`
	Capacity int         `yaml:"capacity,omitempty"`
	Faults   FaultConfig `yaml:"faults,omitempty"`
}

// FaultConfig injects delivery faults into the in-process broker.
type FaultConfig struct {
	DropEvery    int  `yaml:"dropEvery,omitempty"`
	CorruptEvery int  `yaml:"corruptEvery,omitempty"`
	Stall        bool `yaml:"stall,omitempty"`
	FailSendAt   int  `yaml:"failSendAt,omitempty"`
	Jitter       bool `yaml:"jitter,omitempty"`
}

// ScenarioConfig describes one end-to-end case.
type ScenarioConfig struct {
	Name        string `yaml:"name"`
	Clients     int    `yaml:"clients"`
	Requests    int    `yaml:"requests"`
	Sessions    string `yaml:"sessions,omitempty"` // shared | per-client
	Mode        string `yaml:"mode,omitempty"`     // batch | direct
	Attach      bool   `yaml:"attach,omitempty"`
	UnitType    string `yaml:"unitType,omitempty"`
	MinUnits    *int   `yaml:"minUnits,omitempty"`
	MaxUnits    *int   `yaml:"maxUnits,omitempty"`
	Secure      bool   `yaml:"secure,omitempty"`
	ExpectFault bool   `yaml:"expectFault,omitempty"`
}

// LoadConfig reads and parses a YAML configuration file, then applies
// defaults and environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyDefaults()
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in suite with environment overrides applied.
func Default() *Config {
	cfg := &Config{Scenarios: DefaultScenarios()}
	cfg.applyDefaults()
	cfg.ApplyEnv(os.LookupEnv)
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server == "" {
		c.Server = "localhost"
	}
	if c.Service == "" {
		c.Service = "echo"
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = harness.DefaultDrainTimeout
	}
}

// ApplyEnv overrides the server and trace log from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvServer); ok && v != "" {
		c.Server = v
	}
	if v, ok := lookup(EnvTraceLog); ok && v != "" {
		c.TraceLog = v
	}
}

// Validate reports every problem in the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.DrainTimeout < 0 {
		errs = append(errs, errors.New("drainTimeout must not be negative"))
	}
	if c.SendRate < 0 {
		errs = append(errs, errors.New("sendRate must not be negative"))
	}
	if c.Broker.Capacity < 0 {
		errs = append(errs, errors.New("broker.capacity must not be negative"))
	}
	if err := c.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Scenarios) == 0 {
		errs = append(errs, errors.New("no scenarios configured"))
	}

	seen := make(map[string]bool, len(c.Scenarios))
	for i, sc := range c.Scenarios {
		if sc.Name == "" {
			errs = append(errs, fmt.Errorf("scenarios[%d]: name is required", i))
		} else if seen[sc.Name] {
			errs = append(errs, fmt.Errorf("scenarios[%d]: duplicate name %q", i, sc.Name))
		}
		seen[sc.Name] = true
		if _, err := core.ParseUnitType(sc.UnitType); err != nil {
			errs = append(errs, fmt.Errorf("scenarios[%d]: %w", i, err))
		}
		if err := c.Scenario(sc).Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Scenario converts a configured case into a runnable scenario.
func (c *Config) Scenario(sc ScenarioConfig) harness.Scenario {
	unit, _ := core.ParseUnitType(sc.UnitType)
	return harness.Scenario{
		Name:     sc.Name,
		Clients:  sc.Clients,
		Requests: sc.Requests,
		Sessions: harness.SessionMode(sc.Sessions),
		Mode:     harness.Mode(sc.Mode),
		Attach:   sc.Attach,
		StartInfo: core.StartInfo{
			Server:   c.Server,
			Service:  c.Service,
			UnitType: unit,
			MinUnits: sc.MinUnits,
			MaxUnits: sc.MaxUnits,
			Secure:   sc.Secure,
		},
	}
}

// BrokerFaults converts the configured faults for the in-process broker.
func (b BrokerConfig) BrokerFaults() broker.Faults {
	return broker.Faults{
		DropEvery:    b.Faults.DropEvery,
		CorruptEvery: b.Faults.CorruptEvery,
		Stall:        b.Faults.Stall,
		FailSendAt:   b.Faults.FailSendAt,
		Jitter:       b.Faults.Jitter,
	}
}

// Select returns the named scenarios in configuration order, or all of
// them when names is empty.
func (c *Config) Select(names []string) ([]ScenarioConfig, error) {
	if len(names) == 0 {
		return c.Scenarios, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []ScenarioConfig
	for _, sc := range c.Scenarios {
		if want[sc.Name] {
			out = append(out, sc)
			delete(want, sc.Name)
		}
	}
	for n := range want {
		return nil, fmt.Errorf("unknown scenario %q", n)
	}
	return out, nil
}

// DefaultScenarios is the built-in verification suite.
func DefaultScenarios() []ScenarioConfig {
	return []ScenarioConfig{
		{Name: "DirectCalls", Clients: 1, Requests: DefaultRequests, Mode: string(harness.ModeDirect)},
		{Name: "TwoClientsOneSession", Clients: 2, Requests: DefaultRequests},
		{Name: "TwoClientsAttachedSession", Clients: 2, Requests: DefaultRequests, Attach: true},
		{Name: "ZeroMaxUnits", Clients: 1, Requests: DefaultRequests, MaxUnits: core.IntPtr(0), ExpectFault: true},
		{Name: "ThreeMaxUnits", Clients: 2, Requests: DefaultRequests, MaxUnits: core.IntPtr(3)},
		{Name: "ZeroMaxUnitsPerClient", Clients: 1, Requests: DefaultRequests, Sessions: string(harness.SessionPerClient), MaxUnits: core.IntPtr(0), ExpectFault: true},
		{Name: "SixSessionsThreeUnits", Clients: 6, Requests: DefaultRequests, Sessions: string(harness.SessionPerClient), MaxUnits: core.IntPtr(3)},
		{Name: "TwoSessionsFifteenUnits", Clients: 2, Requests: DefaultRequests, Sessions: string(harness.SessionPerClient), MaxUnits: core.IntPtr(15)},
		{Name: "TwoSessionsThirtyUnits", Clients: 2, Requests: DefaultRequests, Sessions: string(harness.SessionPerClient), MaxUnits: core.IntPtr(30)},
	}
}
