// Package factory loads, defaults and validates the DMCF configuration file.
package factory

import (
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// DmcfDefaultConfigPath is used when no -c flag is given.
const DmcfDefaultConfigPath = "./config/dmcfcfg.yaml"

// Loader provides methods to load and validate the configuration.
type Loader interface {
	Load(path string) (*Config, error)
}

// DefaultLoader is a simple YAML file loader/validator with defaults.
type DefaultLoader struct{}

// Load reads YAML from the given path, applies defaults, and validates.
func (loader *DefaultLoader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal yaml")
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return &cfg, nil
}

// ReadConfig is a shortcut for (&DefaultLoader{}).Load(path).
func ReadConfig(path string) (*Config, error) {
	loader := &DefaultLoader{}
	return loader.Load(path)
}

// Dump renders the effective configuration for debug logs. Secrets are
// redacted on a copy; cfg itself is not modified.
func Dump(cfg *Config) string {
	if cfg == nil {
		return "<nil>"
	}
	redacted := *cfg
	if redacted.Reputation.APIKey != "" {
		redacted.Reputation.APIKey = "<redacted>"
	}
	dumper := spew.ConfigState{
		Indent:                  "  ",
		DisablePointerAddresses: true,
		DisableCapacities:       true,
		SortKeys:                true,
	}
	return dumper.Sdump(redacted)
}
