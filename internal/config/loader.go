package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// LoadFile loads a config file. HCL is the native format; .json files (or
// files that fail HCL parsing but decode as JSON) are accepted for
// machine-generated configs. Defaults are applied and the result validated.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return LoadJSON(data)
	case ".hcl":
		return LoadHCL(data, path)
	default:
		cfg, hclErr := LoadHCL(data, path)
		if hclErr == nil {
			return cfg, nil
		}
		if cfg, jsonErr := LoadJSON(data); jsonErr == nil {
			return cfg, nil
		}
		return nil, hclErr
	}
}

// LoadHCL decodes HCL bytes into a validated Config.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("config decode error: %s", diags.Error())
	}
	return finish(&cfg)
}

// evalContext exposes process environment variables as env.NAME so paths
// and listen addresses can vary per deployment without templating.
func evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, entry := range os.Environ() {
		if k, v, ok := strings.Cut(entry, "="); ok && k != "" {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(env)},
	}
}

// LoadJSON decodes JSON bytes into a validated Config.
func LoadJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config decode error: %w", err)
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExampleHCL is a commented starting-point configuration.
const ExampleHCL = `schema_version = "1.0"

database_path = "/var/lib/ferric/ferric.db"
listen        = "127.0.0.1:5050"

introspection {
  timeout        = "1h"
  keep_time      = "168h"
  sweep_interval = "1m"
  # hooks      = ["ramdisk-error", "validate-interfaces", "root-disk", "scheduler-facts"]
  # rules_file = "/etc/ferric/rules.yaml"
  # enroll     = true
}

filter {
  backend       = "nftables"
  interface     = "eth1"
  sync_interval = "15s"

  retry {
    max_attempts = 3
    base_delay   = "200ms"
    multiplier   = 2.0
  }
}

metrics {
  listen = "127.0.0.1:9610"
}

log {
  level = "info"
}
`
