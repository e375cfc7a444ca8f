package adapter

import (
	"sync"

	"github.com/illmade-knight/go-interflow/pkg/broker"
	"github.com/illmade-knight/go-interflow/pkg/flowerr"
	"github.com/illmade-knight/go-interflow/pkg/messaging"
	"github.com/illmade-knight/go-interflow/pkg/transform"
	"github.com/rs/zerolog"
)

// ConnectorBuilder constructs a connector for one role from the adapter's
// opaque settings. One type name serves both roles through role-specific
// settings subsets; a builder must only read the keys belonging to the
// requested role so source-only fields never leak into a destination instance.
type ConnectorBuilder func(role messaging.AdapterRole, settings map[string]string) (Connector, error)

// Factory builds wired adapter instances by dispatching on adapter-type name.
// Registering a new adapter type means registering exactly one builder; the
// state machine is untouched.
type Factory struct {
	broker broker.MessageBroker
	logger zerolog.Logger

	mu       sync.RWMutex
	builders map[string]ConnectorBuilder
}

// NewFactory creates a factory with the built-in adapter types registered:
// "csv-file" (folder-based CSV exchange) and "inmemory" (in-process, for
// tests and local wiring).
func NewFactory(mb broker.MessageBroker, logger zerolog.Logger) *Factory {
	f := &Factory{
		broker:   mb,
		logger:   logger.With().Str("component", "AdapterFactory").Logger(),
		builders: make(map[string]ConnectorBuilder),
	}
	_ = f.Register("csv-file", NewFileConnector)
	_ = f.Register("inmemory", func(_ messaging.AdapterRole, _ map[string]string) (Connector, error) {
		return NewMemoryConnector(), nil
	})
	return f
}

// Register adds an adapter type. Registration is validated up front so
// misconfigured deployments fail at startup rather than on first use.
func (f *Factory) Register(typeName string, builder ConnectorBuilder) error {
	const op = "Factory.Register"
	if typeName == "" || builder == nil {
		return flowerr.New(flowerr.KindArgument, op, "type name and builder are required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.builders[typeName]; exists {
		return flowerr.Newf(flowerr.KindConfiguration, op, "adapter type %q is already registered", typeName)
	}
	f.builders[typeName] = builder
	f.logger.Debug().Str("adapter_type", typeName).Msg("Adapter type registered.")
	return nil
}

// Supports reports whether a type name is registered.
func (f *Factory) Supports(typeName string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.builders[typeName]
	return ok
}

// NewAdapter builds the wired adapter instance for one configuration entry.
func (f *Factory) NewAdapter(cfg *Config) (*Adapter, error) {
	const op = "Factory.NewAdapter"
	if cfg == nil {
		return nil, flowerr.New(flowerr.KindArgument, op, "configuration cannot be nil")
	}

	f.mu.RLock()
	builder, ok := f.builders[cfg.TypeName]
	f.mu.RUnlock()
	if !ok {
		return nil, flowerr.Newf(flowerr.KindNotSupported, op, "adapter type %q is not registered", cfg.TypeName)
	}

	connector, err := builder(cfg.Role, cfg.Settings)
	if err != nil {
		return nil, err
	}

	var transformer transform.RecordTransformer
	if len(cfg.TransformMapping) > 0 {
		if cfg.Role != messaging.RoleDestination {
			return nil, flowerr.New(flowerr.KindConfiguration, op, "record transforms apply to destination instances only")
		}
		transformer, err = transform.NewFieldMapTransformer(cfg.TransformMapping)
		if err != nil {
			return nil, err
		}
	}

	return New(*cfg, f.broker, connector, transformer, f.logger)
}
