package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-interflow/pkg/broker"
	"github.com/illmade-knight/go-interflow/pkg/flowerr"
	"github.com/illmade-knight/go-interflow/pkg/messaging"
	"github.com/illmade-knight/go-interflow/pkg/transform"
	"github.com/rs/zerolog"
)

// Config identifies one adapter instance and how it is scheduled. The identity
// (InterfaceName, InstanceID, Role, TypeName) is stable across restarts.
type Config struct {
	InterfaceName string
	InstanceID    string
	Role          messaging.AdapterRole
	TypeName      string

	// BatchSize bounds one destination receive. Ignored on the source side,
	// where the connector decides the batch.
	BatchSize int
	// PollInterval is the runner's cycle cadence.
	PollInterval time.Duration
	// Settings is the opaque per-type configuration handed to the connector
	// builder.
	Settings map[string]string
	// TransformMapping optionally configures a field-map record transform.
	// Valid on destination instances only.
	TransformMapping map[string]string
}

// Adapter is one wired instance of the role state machine. A source instance
// cycles read→debatch→publish; a destination instance cycles
// receive→transform→write→ack. Instances share no mutable state with each
// other except the broker backend.
type Adapter struct {
	cfg         Config
	broker      broker.MessageBroker
	connector   Connector
	transformer transform.RecordTransformer
	logger      zerolog.Logger
}

// New wires an adapter instance. The broker is deliberately allowed to be nil
// here — its absence is reported as a fatal configuration failure on the first
// cycle, mirroring how a broker outage at runtime is handled.
func New(cfg Config, mb broker.MessageBroker, connector Connector, transformer transform.RecordTransformer, logger zerolog.Logger) (*Adapter, error) {
	const op = "adapter.New"
	if cfg.InstanceID == "" || cfg.TypeName == "" {
		return nil, flowerr.New(flowerr.KindConfiguration, op, "instance ID and type name are required")
	}
	if cfg.Role != messaging.RoleSource && cfg.Role != messaging.RoleDestination {
		return nil, flowerr.Newf(flowerr.KindConfiguration, op, "unknown role %q", cfg.Role)
	}
	if connector == nil {
		return nil, flowerr.New(flowerr.KindConfiguration, op, "connector cannot be nil")
	}
	if transformer != nil && cfg.Role != messaging.RoleDestination {
		return nil, flowerr.New(flowerr.KindConfiguration, op, "record transforms apply to destination instances only")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Adapter{
		cfg:         cfg,
		broker:      mb,
		connector:   connector,
		transformer: transformer,
		logger: logger.With().
			Str("component", "Adapter").
			Str("interface", cfg.InterfaceName).
			Str("instance_id", cfg.InstanceID).
			Str("role", string(cfg.Role)).
			Logger(),
	}, nil
}

// Config returns a copy of the instance configuration.
func (a *Adapter) Config() Config { return a.cfg }

// CanRead reports whether the instance runs the source path.
func (a *Adapter) CanRead() bool { return a.cfg.Role == messaging.RoleSource }

// CanWrite reports whether the instance runs the destination path.
func (a *Adapter) CanWrite() bool { return a.cfg.Role == messaging.RoleDestination }

// RunSourceCycle reads one batch from the connector, debatches it into one
// message per record and publishes the whole batch with a single send. It
// returns the number of messages published.
//
// A wrong-role call is a logged no-op. A missing broker is fatal: the
// guaranteed-delivery contract leaves no degraded bypass. An adapter not yet
// wired to an interface, or an empty batch, is silently skipped.
func (a *Adapter) RunSourceCycle(ctx context.Context) (int, error) {
	const op = "Adapter.RunSourceCycle"
	if a.cfg.Role != messaging.RoleSource {
		a.logger.Warn().Msg("Source cycle requested on a non-source adapter, ignoring.")
		return 0, nil
	}
	if a.broker == nil {
		return 0, flowerr.New(flowerr.KindConfiguration, op, "no message broker is wired; there is no fallback path")
	}
	if a.cfg.InterfaceName == "" {
		a.logger.Debug().Msg("Adapter not wired to an interface yet, skipping cycle.")
		return 0, nil
	}

	headers, records, err := a.connector.Read(ctx)
	if err != nil {
		return 0, flowerr.Wrap(err, flowerr.KindConnector, op, "connector read failed")
	}
	if len(records) == 0 {
		a.logger.Debug().Msg("Connector returned an empty batch, skipping cycle.")
		return 0, nil
	}

	ids, err := a.broker.SendMessages(ctx, a.cfg.InterfaceName, a.cfg.TypeName, a.cfg.Role, a.cfg.InstanceID, headers, records)
	if err != nil {
		return 0, fmt.Errorf("%s: publish failed: %w", op, err)
	}
	a.logger.Info().Int("sent", len(ids)).Msg("Batch debatched and published.")
	return len(ids), nil
}

// RunDestinationCycle receives up to BatchSize messages, transforms each one
// independently, performs exactly one connector write for the accumulated
// batch and then settles every contributing lease. It returns the number of
// records written.
//
// A transform failure dead-letters only that message; one bad message never
// aborts the batch. A write failure abandons every contributing message —
// write failures are presumed transient and are never dead-lettered.
func (a *Adapter) RunDestinationCycle(ctx context.Context) (int, error) {
	const op = "Adapter.RunDestinationCycle"
	if a.cfg.Role != messaging.RoleDestination {
		a.logger.Warn().Msg("Destination cycle requested on a non-destination adapter, ignoring.")
		return 0, nil
	}
	if a.broker == nil {
		return 0, flowerr.New(flowerr.KindConfiguration, op, "no message broker is wired; there is no fallback path")
	}
	if a.cfg.InterfaceName == "" {
		a.logger.Debug().Msg("Adapter not wired to an interface yet, skipping cycle.")
		return 0, nil
	}

	msgs, err := a.broker.ReceiveMessages(ctx, a.cfg.InterfaceName, a.cfg.InstanceID, a.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("%s: receive failed: %w", op, err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	// Headers for the write are taken from the first successfully transformed
	// message; one receive batch is assumed schema-uniform.
	var headers []string
	records := make([]map[string]string, 0, len(msgs))
	contributing := make([]messaging.Message, 0, len(msgs))

	for _, msg := range msgs {
		h, record, transformErr := transform.Apply(ctx, a.transformer, messaging.Payload{
			Headers: msg.Headers,
			Record:  msg.Record,
		})
		if transformErr != nil {
			a.logger.Error().Err(transformErr).Str("msg_id", msg.MessageID).
				Msg("Transform failed, dead-lettering message.")
			if dlErr := a.broker.DeadLetterMessage(ctx, msg, transformErr.Error()); dlErr != nil {
				a.logger.Error().Err(dlErr).Str("msg_id", msg.MessageID).
					Msg("Failed to dead-letter message; lease left to expire.")
			}
			continue
		}
		if headers == nil {
			headers = h
		} else if len(h) != len(headers) {
			a.logger.Debug().Str("msg_id", msg.MessageID).
				Msg("Message headers differ from the batch headers; batch headers win.")
		}
		records = append(records, record)
		contributing = append(contributing, msg)
	}

	if len(contributing) == 0 {
		return 0, nil
	}

	if writeErr := a.connector.Write(ctx, headers, records); writeErr != nil {
		// A cancelled write must not settle anything: the leases stay live and
		// either expire server-side or get abandoned on a later healthy cycle.
		if ctx.Err() != nil || errors.Is(writeErr, context.Canceled) || errors.Is(writeErr, context.DeadlineExceeded) {
			return 0, flowerr.Wrap(writeErr, flowerr.KindConnector, op, "write cancelled, leases left to expire")
		}
		a.logger.Warn().Err(writeErr).Int("count", len(contributing)).
			Msg("Connector write failed, abandoning contributing messages.")
		for _, msg := range contributing {
			if abandonErr := a.broker.AbandonMessage(ctx, msg, "connector write failed"); abandonErr != nil {
				a.logger.Error().Err(abandonErr).Str("msg_id", msg.MessageID).
					Msg("Failed to abandon message; lease left to expire.")
			}
		}
		return 0, flowerr.Wrap(writeErr, flowerr.KindConnector, op, "connector write failed")
	}

	completed := 0
	for _, msg := range contributing {
		if completeErr := a.broker.CompleteMessage(ctx, msg); completeErr != nil {
			// Completion failures are isolated: the rest of the batch still
			// settles, and the failed one redelivers to an idempotent consumer.
			a.logger.Error().Err(completeErr).Str("msg_id", msg.MessageID).
				Msg("Failed to complete message after successful write.")
			continue
		}
		completed++
	}
	a.logger.Info().Int("written", len(records)).Int("completed", completed).
		Msg("Destination batch written.")
	return len(records), nil
}

// RunCycle dispatches one cycle for the instance's role.
func (a *Adapter) RunCycle(ctx context.Context) (int, error) {
	if a.CanRead() {
		return a.RunSourceCycle(ctx)
	}
	return a.RunDestinationCycle(ctx)
}
