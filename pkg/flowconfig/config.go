// Package flowconfig loads and validates the interface configuration that
// drives the whole system: which adapter types run, in which role, against
// which interface. The configuration store itself (UI, database) is an
// external collaborator; this package only consumes its YAML export.
package flowconfig

import (
	"time"
)

// BrokerConfig selects and parameterises the broker backend.
type BrokerConfig struct {
	// Kind selects the backend: the managed queue or the staging table.
	Kind string `koanf:"kind" validate:"required,oneof=pubsub staging"`
	// ProjectID is required for the pubsub backend.
	ProjectID string `koanf:"project_id"`
	// DatabaseURL is required for the staging backend.
	DatabaseURL string `koanf:"database_url"`
	// LeaseSeconds overrides the default message lease.
	LeaseSeconds int `koanf:"lease_seconds"`
}

// AdapterDescriptor configures one adapter instance. The same shape serves
// both roles; Settings carries the role-specific subset for the adapter type.
type AdapterDescriptor struct {
	AdapterType  string            `koanf:"adapter_type" validate:"required"`
	InstanceID   string            `koanf:"instance_id" validate:"required"`
	Enabled      bool              `koanf:"enabled"`
	BatchSize    int               `koanf:"batch_size"`
	PollInterval time.Duration     `koanf:"poll_interval"`
	Settings     map[string]string `koanf:"settings"`
	// Transform optionally maps output columns to gjson paths into the wire
	// payload. Destination instances only.
	Transform map[string]string `koanf:"transform"`
}

// InterfaceConfiguration pairs one source with its ordered destinations.
type InterfaceConfiguration struct {
	Name         string              `koanf:"name" validate:"required"`
	Source       AdapterDescriptor   `koanf:"source"`
	Destinations []AdapterDescriptor `koanf:"destinations" validate:"min=1,dive"`
}

// Config is the root of the loaded configuration.
type Config struct {
	LogLevel   string                   `koanf:"log_level"`
	HTTPPort   string                   `koanf:"http_port"`
	Broker     BrokerConfig             `koanf:"broker"`
	Interfaces []InterfaceConfiguration `koanf:"interfaces" validate:"min=1,dive"`
}
