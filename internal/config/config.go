// Package config defines the service configuration, loaded from HCL (or
// JSON) files.
package config

import (
	"fmt"
	"time"
)

// CurrentSchemaVersion is written into generated configs.
const CurrentSchemaVersion = "1.0"

// Config is the top-level service configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// DatabasePath is the SQLite file holding node records and rules.
	DatabasePath string `hcl:"database_path,optional" json:"database_path,omitempty"`

	// Listen is the ingest endpoint agents post hardware facts to.
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`

	Introspection *Introspection `hcl:"introspection,block" json:"introspection,omitempty"`
	Filter        *Filter        `hcl:"filter,block" json:"filter,omitempty"`
	Metrics       *Metrics       `hcl:"metrics,block" json:"metrics,omitempty"`
	Log           *Log           `hcl:"log,block" json:"log,omitempty"`
}

// Introspection controls the lifecycle state machine and pipeline.
type Introspection struct {
	// Timeout reaps attempts stuck in waiting or processing.
	Timeout string `hcl:"timeout,optional" json:"timeout,omitempty"`
	// KeepTime prunes terminal records after this long.
	KeepTime string `hcl:"keep_time,optional" json:"keep_time,omitempty"`
	// SweepInterval is how often the timeout sweeper runs.
	SweepInterval string `hcl:"sweep_interval,optional" json:"sweep_interval,omitempty"`
	// Hooks is the pipeline order; empty means the default order.
	Hooks []string `hcl:"hooks,optional" json:"hooks,omitempty"`
	// RulesFile, when set, is imported into the rule store at startup.
	RulesFile string `hcl:"rules_file,optional" json:"rules_file,omitempty"`
	// Enroll enables auto-enrollment of unknown hardware.
	Enroll bool `hcl:"enroll,optional" json:"enroll,omitempty"`
}

// Filter selects and tunes the PXE whitelist backend.
type Filter struct {
	// Backend is one of noop, nftables, dnsmasq.
	Backend string `hcl:"backend,optional" json:"backend,omitempty"`
	// Interface restricts nftables DHCP matching to one NIC.
	Interface string `hcl:"interface,optional" json:"interface,omitempty"`
	// HostsDir is the dnsmasq dhcp-hostsdir path.
	HostsDir string `hcl:"hosts_dir,optional" json:"hosts_dir,omitempty"`
	// SyncInterval is the periodic reconciliation cadence.
	SyncInterval string `hcl:"sync_interval,optional" json:"sync_interval,omitempty"`

	Retry *Retry `hcl:"retry,block" json:"retry,omitempty"`
}

// Retry bounds backend call retries within one sync cycle.
type Retry struct {
	MaxAttempts int     `hcl:"max_attempts,optional" json:"max_attempts,omitempty"`
	BaseDelay   string  `hcl:"base_delay,optional" json:"base_delay,omitempty"`
	Multiplier  float64 `hcl:"multiplier,optional" json:"multiplier,omitempty"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`
}

// Log configures the service logger.
type Log struct {
	Level string `hcl:"level,optional" json:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		SchemaVersion: CurrentSchemaVersion,
		DatabasePath:  "/var/lib/ferric/ferric.db",
		Listen:        "127.0.0.1:5050",
		Introspection: &Introspection{
			Timeout:       "1h",
			KeepTime:      "168h",
			SweepInterval: "1m",
		},
		Filter: &Filter{
			Backend:      "noop",
			SyncInterval: "15s",
		},
		Metrics: &Metrics{Listen: "127.0.0.1:9610"},
		Log:     &Log{Level: "info"},
	}
}

// applyDefaults fills unset blocks and fields from Default.
func (c *Config) applyDefaults() {
	def := Default()
	if c.SchemaVersion == "" {
		c.SchemaVersion = def.SchemaVersion
	}
	if c.DatabasePath == "" {
		c.DatabasePath = def.DatabasePath
	}
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Introspection == nil {
		c.Introspection = def.Introspection
	}
	if c.Introspection.Timeout == "" {
		c.Introspection.Timeout = def.Introspection.Timeout
	}
	if c.Introspection.KeepTime == "" {
		c.Introspection.KeepTime = def.Introspection.KeepTime
	}
	if c.Introspection.SweepInterval == "" {
		c.Introspection.SweepInterval = def.Introspection.SweepInterval
	}
	if c.Filter == nil {
		c.Filter = def.Filter
	}
	if c.Filter.Backend == "" {
		c.Filter.Backend = def.Filter.Backend
	}
	if c.Filter.SyncInterval == "" {
		c.Filter.SyncInterval = def.Filter.SyncInterval
	}
	if c.Metrics == nil {
		c.Metrics = def.Metrics
	}
	if c.Log == nil {
		c.Log = def.Log
	}
}

// Validate checks semantic constraints the HCL schema cannot express.
func (c *Config) Validate() error {
	switch c.Filter.Backend {
	case "noop", "nftables", "dnsmasq":
	default:
		return fmt.Errorf("unknown filter backend %q", c.Filter.Backend)
	}
	if c.Filter.Backend == "dnsmasq" && c.Filter.HostsDir == "" {
		return fmt.Errorf("filter backend dnsmasq requires hosts_dir")
	}

	for name, value := range map[string]string{
		"introspection.timeout":        c.Introspection.Timeout,
		"introspection.keep_time":      c.Introspection.KeepTime,
		"introspection.sweep_interval": c.Introspection.SweepInterval,
		"filter.sync_interval":         c.Filter.SyncInterval,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: bad duration %q", name, value)
		}
	}
	if c.Filter.Retry != nil && c.Filter.Retry.BaseDelay != "" {
		if _, err := time.ParseDuration(c.Filter.Retry.BaseDelay); err != nil {
			return fmt.Errorf("filter.retry.base_delay: bad duration %q", c.Filter.Retry.BaseDelay)
		}
	}
	return nil
}

// Duration returns an already-validated duration string.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}
