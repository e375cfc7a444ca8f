// Package broker defines the guaranteed-delivery message channel between
// source and destination adapters, with two interchangeable backends: a
// managed Pub/Sub queue for production and a Postgres staging table as the
// fallback for environments without a queue service.
package broker

import (
	"context"
	"time"

	"github.com/illmade-knight/go-interflow/pkg/messaging"
)

// MessageBroker is the single contract the adapter state machine depends on.
// All implementations must support concurrent calls from many adapters.
//
// The delivery contract is at-least-once: consumers are expected to be
// idempotent. Within one subscription messages are received oldest-first; no
// ordering is guaranteed across different subscriptions of one topic.
type MessageBroker interface {
	// EnsureTopicExists idempotently provisions the channel for an interface.
	EnsureTopicExists(ctx context.Context, interfaceName string) error

	// EnsureSubscriptionExists idempotently provisions one destination's view
	// over the interface topic. The subscription name is derived
	// deterministically from the two inputs so a restarted destination resumes
	// the same backlog.
	EnsureSubscriptionExists(ctx context.Context, interfaceName, destinationID string) error

	// SendMessages debatches one read batch: it publishes exactly one message
	// per record, in input order, and returns the assigned message IDs. An
	// empty records slice is valid and returns an empty list. A nil record
	// fails the whole call with an argument error and commits nothing.
	SendMessages(ctx context.Context, interfaceName, adapterName string, role messaging.AdapterRole, sourceInstanceID string, headers []string, records []map[string]string) ([]string, error)

	// ReceiveMessages leases up to maxCount unprocessed messages, oldest
	// first, from the destination's subscription. It returns promptly with an
	// empty slice when nothing is available. Two concurrent calls on one
	// subscription never return overlapping messages while both leases are
	// active.
	ReceiveMessages(ctx context.Context, interfaceName, destinationID string, maxCount int) ([]messaging.Message, error)

	// CompleteMessage permanently removes a leased message from its
	// subscription. Fails with a lock-lost error when the token is stale.
	CompleteMessage(ctx context.Context, msg messaging.Message) error

	// AbandonMessage releases the lease early so the message becomes
	// immediately redeliverable. Used for retryable failures.
	AbandonMessage(ctx context.Context, msg messaging.Message, reason string) error

	// DeadLetterMessage removes a message from normal delivery terminally
	// after a non-retryable failure.
	DeadLetterMessage(ctx context.Context, msg messaging.Message, reason string) error

	// RenewLock extends an active lease for long-running processing and
	// returns the new expiry.
	RenewLock(ctx context.Context, interfaceName, destinationID, lockToken string) (time.Time, error)
}
