package flowconfig

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/illmade-knight/go-interflow/pkg/flowerr"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix lets deployment environments override file settings, e.g.
// INTERFLOW_BROKER__PROJECT_ID overrides broker.project_id.
const envPrefix = "INTERFLOW_"

// Load reads the YAML configuration file, applies environment overrides,
// fills defaults and validates the result.
func Load(path string) (*Config, error) {
	const op = "flowconfig.Load"
	if path == "" {
		return nil, flowerr.New(flowerr.KindArgument, op, "configuration path cannot be empty")
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, flowerr.Wrap(err, flowerr.KindConfiguration, op, "failed to read configuration file")
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, flowerr.Wrap(err, flowerr.KindConfiguration, op, "failed to read environment overrides")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, flowerr.Wrap(err, flowerr.KindConfiguration, op, "configuration does not match the expected shape")
	}
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = ":8080"
	}
}

// Validate checks the structural rules and the cross-entry invariants the
// struct tags cannot express: unique interface names, unique instance IDs
// within one interface, and backend-specific required fields.
func Validate(cfg *Config) error {
	const op = "flowconfig.Validate"
	if cfg == nil {
		return flowerr.New(flowerr.KindArgument, op, "configuration cannot be nil")
	}

	if err := validator.New().Struct(cfg); err != nil {
		return flowerr.Wrap(err, flowerr.KindConfiguration, op, "configuration is invalid")
	}

	switch cfg.Broker.Kind {
	case "pubsub":
		if cfg.Broker.ProjectID == "" {
			return flowerr.New(flowerr.KindConfiguration, op, "broker.project_id is required for the pubsub backend")
		}
	case "staging":
		if cfg.Broker.DatabaseURL == "" {
			return flowerr.New(flowerr.KindConfiguration, op, "broker.database_url is required for the staging backend")
		}
	}

	names := make(map[string]struct{}, len(cfg.Interfaces))
	for _, iface := range cfg.Interfaces {
		if _, dup := names[iface.Name]; dup {
			return flowerr.Newf(flowerr.KindConfiguration, op, "duplicate interface name %q", iface.Name)
		}
		names[iface.Name] = struct{}{}

		instances := map[string]struct{}{iface.Source.InstanceID: {}}
		for _, dest := range iface.Destinations {
			if _, dup := instances[dest.InstanceID]; dup {
				return flowerr.Newf(flowerr.KindConfiguration, op,
					"duplicate instance ID %q on interface %q", dest.InstanceID, iface.Name)
			}
			instances[dest.InstanceID] = struct{}{}
		}
	}
	return nil
}
