package adapter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/illmade-knight/go-interflow/pkg/adapter"
	"github.com/illmade-knight/go-interflow/pkg/flowerr"
	"github.com/illmade-knight/go-interflow/pkg/messaging"
	"github.com/illmade-knight/go-interflow/pkg/transform"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sourceConfig() adapter.Config {
	return adapter.Config{
		InterfaceName: "orders",
		InstanceID:    "src-1",
		Role:          messaging.RoleSource,
		TypeName:      "inmemory",
	}
}

func destinationConfig() adapter.Config {
	return adapter.Config{
		InterfaceName: "orders",
		InstanceID:    "dest-1",
		Role:          messaging.RoleDestination,
		TypeName:      "inmemory",
		BatchSize:     10,
	}
}

// seedSubscription publishes records to the mock broker for one destination.
func seedSubscription(t *testing.T, mb *MockBroker, headers []string, records []map[string]string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mb.EnsureSubscriptionExists(ctx, "orders", "dest-1"))
	_, err := mb.SendMessages(ctx, "orders", "csv-file", messaging.RoleSource, "src-1", headers, records)
	require.NoError(t, err)
}

// --- Source cycle ---

func TestSourceCycle_DebatchesWholeBatchInOneSend(t *testing.T) {
	mb := NewMockBroker()
	require.NoError(t, mb.EnsureSubscriptionExists(context.Background(), "orders", "dest-1"))

	connector := adapter.NewMemoryConnector()
	connector.Seed([]string{"name"}, []map[string]string{{"name": "A"}, {"name": "B"}, {"name": "C"}})

	a, err := adapter.New(sourceConfig(), mb, connector, nil, zerolog.Nop())
	require.NoError(t, err)

	sent, err := a.RunSourceCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sent, "record count in must equal message count out")
	assert.Equal(t, 1, mb.SendCalls(), "the whole batch goes out in one send")
	assert.Equal(t, 3, mb.PendingCount("orders", "dest-1"))
}

func TestSourceCycle_EmptyBatchIsSilentSkip(t *testing.T) {
	mb := NewMockBroker()
	a, err := adapter.New(sourceConfig(), mb, adapter.NewMemoryConnector(), nil, zerolog.Nop())
	require.NoError(t, err)

	sent, err := a.RunSourceCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Zero(t, mb.SendCalls())
}

func TestSourceCycle_WrongRoleIsNoOp(t *testing.T) {
	mb := NewMockBroker()
	a, err := adapter.New(destinationConfig(), mb, adapter.NewMemoryConnector(), nil, zerolog.Nop())
	require.NoError(t, err)

	sent, err := a.RunSourceCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestSourceCycle_MissingBrokerIsFatal(t *testing.T) {
	a, err := adapter.New(sourceConfig(), nil, adapter.NewMemoryConnector(), nil, zerolog.Nop())
	require.NoError(t, err)

	_, err = a.RunSourceCycle(context.Background())
	require.Error(t, err)
	assert.True(t, flowerr.IsConfiguration(err), "broker unavailability has no fallback path")
}

func TestSourceCycle_UnwiredInterfaceIsSilentSkip(t *testing.T) {
	cfg := sourceConfig()
	cfg.InterfaceName = ""
	connector := adapter.NewMemoryConnector()
	connector.Seed([]string{"name"}, []map[string]string{{"name": "A"}})

	a, err := adapter.New(cfg, NewMockBroker(), connector, nil, zerolog.Nop())
	require.NoError(t, err)

	sent, err := a.RunSourceCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestSourceCycle_BrokerFailurePropagates(t *testing.T) {
	mb := NewMockBroker()
	mb.SendErr = errors.New("broker down")

	connector := adapter.NewMemoryConnector()
	connector.Seed([]string{"name"}, []map[string]string{{"name": "A"}})

	a, err := adapter.New(sourceConfig(), mb, connector, nil, zerolog.Nop())
	require.NoError(t, err)

	_, err = a.RunSourceCycle(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "broker down")
}

// --- Destination cycle ---

func TestDestinationCycle_WritesOnceAndCompletesAll(t *testing.T) {
	mb := NewMockBroker()
	records := []map[string]string{{"name": "A"}, {"name": "B"}, {"name": "C"}}
	seedSubscription(t, mb, []string{"name"}, records)

	connector := adapter.NewMemoryConnector()
	a, err := adapter.New(destinationConfig(), mb, connector, nil, zerolog.Nop())
	require.NoError(t, err)

	written, err := a.RunDestinationCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, written)

	assert.Equal(t, 1, connector.WriteCount(), "exactly one write per receive batch")
	headers, got := connector.Written()
	assert.Equal(t, []string{"name"}, headers)
	assert.Equal(t, records, got)

	assert.Zero(t, mb.PendingCount("orders", "dest-1"), "all contributing messages completed")
	assert.Empty(t, mb.DeadLettered())
}

func TestDestinationCycle_EmptyReceiveIsNotAnError(t *testing.T) {
	mb := NewMockBroker()
	require.NoError(t, mb.EnsureSubscriptionExists(context.Background(), "orders", "dest-1"))

	a, err := adapter.New(destinationConfig(), mb, adapter.NewMemoryConnector(), nil, zerolog.Nop())
	require.NoError(t, err)

	written, err := a.RunDestinationCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, written)
}

func TestDestinationCycle_TransformFailureDeadLettersOnlyThatMessage(t *testing.T) {
	mb := NewMockBroker()
	records := []map[string]string{
		{"n": "1"}, {"n": "2"}, {"n": "poison"}, {"n": "4"}, {"n": "5"},
	}
	seedSubscription(t, mb, []string{"n"}, records)

	poison := transform.Func(func(_ context.Context, payload []byte) ([]byte, error) {
		decoded, err := messaging.DecodePayload(payload)
		if err != nil {
			return nil, err
		}
		if decoded.Record["n"] == "poison" {
			return nil, errors.New("cannot transform poison")
		}
		return payload, nil
	})

	connector := adapter.NewMemoryConnector()
	a, err := adapter.New(destinationConfig(), mb, connector, poison, zerolog.Nop())
	require.NoError(t, err)

	written, err := a.RunDestinationCycle(context.Background())
	require.NoError(t, err, "one bad message never aborts the batch")
	assert.Equal(t, 4, written)

	_, got := connector.Written()
	assert.Len(t, got, 4)

	dead := mb.DeadLettered()
	require.Len(t, dead, 1)
	assert.Equal(t, "poison", dead[0].Record["n"])
	assert.Equal(t, messaging.StatusError, dead[0].Status)
	assert.Zero(t, mb.PendingCount("orders", "dest-1"))
}

func TestDestinationCycle_WriteFailureAbandonsWholeBatch(t *testing.T) {
	mb := NewMockBroker()
	seedSubscription(t, mb, []string{"n"}, []map[string]string{{"n": "1"}, {"n": "2"}})

	a, err := adapter.New(destinationConfig(), mb, &failingWriteConnector{}, nil, zerolog.Nop())
	require.NoError(t, err)

	_, err = a.RunDestinationCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, flowerr.KindConnector, flowerr.KindOf(err))

	// Abandoned, not dead-lettered: the messages are immediately
	// redeliverable for the next cycle.
	assert.Empty(t, mb.DeadLettered())
	assert.Equal(t, 2, mb.PendingCount("orders", "dest-1"))
	assert.Zero(t, mb.LeasedCount("orders", "dest-1"))
}

func TestDestinationCycle_CancelledWriteLeavesLeasesAlone(t *testing.T) {
	mb := NewMockBroker()
	seedSubscription(t, mb, []string{"n"}, []map[string]string{{"n": "1"}})

	ctx, cancel := context.WithCancel(context.Background())
	a, err := adapter.New(destinationConfig(), mb, &cancellingWriteConnector{cancel: cancel}, nil, zerolog.Nop())
	require.NoError(t, err)

	_, err = a.RunDestinationCycle(ctx)
	require.Error(t, err)

	// Neither completed nor abandoned: the lease is left for natural expiry.
	assert.Equal(t, 1, mb.LeasedCount("orders", "dest-1"))
}

func TestDestinationCycle_CompletionFailuresAreIsolated(t *testing.T) {
	mb := NewMockBroker()
	seedSubscription(t, mb, []string{"n"}, []map[string]string{{"n": "1"}, {"n": "2"}})
	mb.CompleteErr = flowerr.New(flowerr.KindLockLost, "MockBroker.CompleteMessage", "stale")

	connector := adapter.NewMemoryConnector()
	a, err := adapter.New(destinationConfig(), mb, connector, nil, zerolog.Nop())
	require.NoError(t, err)

	// The write still succeeds and the cycle does not fail; redelivery to an
	// idempotent consumer covers the unsettled leases.
	written, err := a.RunDestinationCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, written)
	assert.Equal(t, 1, connector.WriteCount())
}

func TestDestinationCycle_MissingBrokerIsFatal(t *testing.T) {
	a, err := adapter.New(destinationConfig(), nil, adapter.NewMemoryConnector(), nil, zerolog.Nop())
	require.NoError(t, err)

	_, err = a.RunDestinationCycle(context.Background())
	require.Error(t, err)
	assert.True(t, flowerr.IsConfiguration(err))
}

// --- Construction guards ---

func TestNew_Validation(t *testing.T) {
	mb := NewMockBroker()

	_, err := adapter.New(adapter.Config{Role: messaging.RoleSource}, mb, adapter.NewMemoryConnector(), nil, zerolog.Nop())
	assert.True(t, flowerr.IsConfiguration(err), "missing identity")

	cfg := sourceConfig()
	_, err = adapter.New(cfg, mb, nil, nil, zerolog.Nop())
	assert.True(t, flowerr.IsConfiguration(err), "nil connector")

	cfg.Role = "Sideways"
	_, err = adapter.New(cfg, mb, adapter.NewMemoryConnector(), nil, zerolog.Nop())
	assert.True(t, flowerr.IsConfiguration(err), "unknown role")

	identity := transform.Func(func(_ context.Context, p []byte) ([]byte, error) { return p, nil })
	_, err = adapter.New(sourceConfig(), mb, adapter.NewMemoryConnector(), identity, zerolog.Nop())
	assert.True(t, flowerr.IsConfiguration(err), "transform on a source instance")
}

// --- Runner ---

func TestRunner_RunsCyclesUntilStopped(t *testing.T) {
	mb := NewMockBroker()
	require.NoError(t, mb.EnsureSubscriptionExists(context.Background(), "orders", "dest-1"))

	connector := adapter.NewMemoryConnector()
	connector.Seed([]string{"n"}, []map[string]string{{"n": "1"}})

	cfg := sourceConfig()
	cfg.PollInterval = 20 * time.Millisecond
	a, err := adapter.New(cfg, mb, connector, nil, zerolog.Nop())
	require.NoError(t, err)

	runner, err := adapter.NewRunner(a, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, runner.Start(context.Background()))

	require.Eventually(t, func() bool {
		return mb.PendingCount("orders", "dest-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(stopCancel)
	require.NoError(t, runner.Stop(stopCtx))

	select {
	case <-runner.Done():
	default:
		t.Fatal("runner done channel not closed after Stop")
	}
}

func TestRunner_StopsOnFatalConfigurationError(t *testing.T) {
	// No broker wired: the first cycle fails fatally and the loop exits
	// instead of hammering a broken wiring.
	cfg := sourceConfig()
	cfg.PollInterval = 10 * time.Millisecond
	a, err := adapter.New(cfg, nil, adapter.NewMemoryConnector(), nil, zerolog.Nop())
	require.NoError(t, err)

	runner, err := adapter.NewRunner(a, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, runner.Start(context.Background()))

	select {
	case <-runner.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after fatal configuration error")
	}
}

// --- failure-injection connectors ---

type failingWriteConnector struct{}

func (c *failingWriteConnector) Read(_ context.Context) ([]string, []map[string]string, error) {
	return nil, nil, nil
}

func (c *failingWriteConnector) Write(_ context.Context, _ []string, _ []map[string]string) error {
	return errors.New("disk full")
}

// cancellingWriteConnector cancels the cycle context mid-write, simulating a
// shutdown racing an in-flight write.
type cancellingWriteConnector struct {
	cancel context.CancelFunc
}

func (c *cancellingWriteConnector) Read(_ context.Context) ([]string, []map[string]string, error) {
	return nil, nil, nil
}

func (c *cancellingWriteConnector) Write(_ context.Context, _ []string, _ []map[string]string) error {
	c.cancel()
	return context.Canceled
}
