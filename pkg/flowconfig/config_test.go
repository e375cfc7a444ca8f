package flowconfig_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/illmade-knight/go-interflow/pkg/flowconfig"
	"github.com/illmade-knight/go-interflow/pkg/flowerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
log_level: debug
broker:
  kind: staging
  database_url: postgres://localhost:5432/interflow
interfaces:
  - name: orders
    source:
      adapter_type: csv-file
      instance_id: src-1
      enabled: true
      poll_interval: 5s
      settings:
        read_folder: /var/data/in
    destinations:
      - adapter_type: csv-file
        instance_id: dest-1
        enabled: true
        batch_size: 25
        settings:
          write_folder: /var/data/out
        transform:
          customer: record.cust_name
      - adapter_type: inmemory
        instance_id: dest-2
        enabled: false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "interflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Sample(t *testing.T) {
	cfg, err := flowconfig.Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.HTTPPort, "default applied")
	assert.Equal(t, "staging", cfg.Broker.Kind)

	require.Len(t, cfg.Interfaces, 1)
	iface := cfg.Interfaces[0]
	assert.Equal(t, "orders", iface.Name)
	assert.Equal(t, "csv-file", iface.Source.AdapterType)
	assert.Equal(t, 5*time.Second, iface.Source.PollInterval)
	assert.Equal(t, "/var/data/in", iface.Source.Settings["read_folder"])

	require.Len(t, iface.Destinations, 2)
	assert.Equal(t, 25, iface.Destinations[0].BatchSize)
	assert.Equal(t, map[string]string{"customer": "record.cust_name"}, iface.Destinations[0].Transform)
	assert.False(t, iface.Destinations[1].Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := flowconfig.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, flowerr.IsConfiguration(err))
}

func TestLoad_EmptyPath(t *testing.T) {
	_, err := flowconfig.Load("")
	require.Error(t, err)
	assert.Equal(t, flowerr.KindArgument, flowerr.KindOf(err))
}

func TestValidate_BackendRequirements(t *testing.T) {
	_, err := flowconfig.Load(writeConfig(t, `
broker:
  kind: pubsub
interfaces:
  - name: orders
    source: {adapter_type: inmemory, instance_id: src-1, enabled: true}
    destinations:
      - {adapter_type: inmemory, instance_id: dest-1, enabled: true}
`))
	require.Error(t, err)
	assert.True(t, flowerr.IsConfiguration(err))
	assert.Contains(t, err.Error(), "project_id")
}

func TestValidate_UnknownBrokerKind(t *testing.T) {
	_, err := flowconfig.Load(writeConfig(t, `
broker:
  kind: carrier-pigeon
interfaces:
  - name: orders
    source: {adapter_type: inmemory, instance_id: src-1, enabled: true}
    destinations:
      - {adapter_type: inmemory, instance_id: dest-1, enabled: true}
`))
	require.Error(t, err)
	assert.True(t, flowerr.IsConfiguration(err))
}

func TestValidate_DuplicateInterfaceNames(t *testing.T) {
	cfg := &flowconfig.Config{
		Broker: flowconfig.BrokerConfig{Kind: "staging", DatabaseURL: "postgres://x"},
		Interfaces: []flowconfig.InterfaceConfiguration{
			{
				Name:         "orders",
				Source:       flowconfig.AdapterDescriptor{AdapterType: "inmemory", InstanceID: "s1"},
				Destinations: []flowconfig.AdapterDescriptor{{AdapterType: "inmemory", InstanceID: "d1"}},
			},
			{
				Name:         "orders",
				Source:       flowconfig.AdapterDescriptor{AdapterType: "inmemory", InstanceID: "s2"},
				Destinations: []flowconfig.AdapterDescriptor{{AdapterType: "inmemory", InstanceID: "d2"}},
			},
		},
	}
	err := flowconfig.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate interface name")
}

func TestValidate_DuplicateInstanceIDs(t *testing.T) {
	cfg := &flowconfig.Config{
		Broker: flowconfig.BrokerConfig{Kind: "staging", DatabaseURL: "postgres://x"},
		Interfaces: []flowconfig.InterfaceConfiguration{
			{
				Name:   "orders",
				Source: flowconfig.AdapterDescriptor{AdapterType: "inmemory", InstanceID: "a"},
				Destinations: []flowconfig.AdapterDescriptor{
					{AdapterType: "inmemory", InstanceID: "a"},
				},
			},
		},
	}
	err := flowconfig.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate instance ID")
}

func TestValidate_RequiresDestinations(t *testing.T) {
	cfg := &flowconfig.Config{
		Broker: flowconfig.BrokerConfig{Kind: "staging", DatabaseURL: "postgres://x"},
		Interfaces: []flowconfig.InterfaceConfiguration{
			{
				Name:   "orders",
				Source: flowconfig.AdapterDescriptor{AdapterType: "inmemory", InstanceID: "a"},
			},
		},
	}
	err := flowconfig.Validate(cfg)
	require.Error(t, err)
	assert.True(t, flowerr.IsConfiguration(err))
}
