package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-interflow/pkg/flowerr"
	"github.com/illmade-knight/go-interflow/pkg/messaging"
	"github.com/illmade-knight/go-interflow/pkg/receivercache"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// stagingSchema holds the staging tables. Messages are written once; each
// subscription gets its own delivery row per message, which is what makes the
// fan-out independent: completing a delivery on one subscription never touches
// another subscription's copy.
const stagingSchema = `
CREATE TABLE IF NOT EXISTS flow_subscriptions (
	subscription_name text PRIMARY KEY,
	interface_name    text NOT NULL,
	destination_id    text NOT NULL,
	created_at        timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS flow_messages (
	message_id         uuid PRIMARY KEY,
	seq                bigint GENERATED ALWAYS AS IDENTITY,
	interface_name     text NOT NULL,
	adapter_name       text NOT NULL,
	role               text NOT NULL,
	source_instance_id text NOT NULL,
	payload            jsonb NOT NULL,
	created_at         timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS flow_messages_interface_seq
	ON flow_messages (interface_name, seq);

CREATE TABLE IF NOT EXISTS flow_deliveries (
	message_id         uuid NOT NULL REFERENCES flow_messages (message_id),
	subscription_name  text NOT NULL REFERENCES flow_subscriptions (subscription_name),
	status             text NOT NULL DEFAULT 'Pending',
	lock_token         uuid,
	locked_until       timestamptz,
	processed_at       timestamptz,
	error_message      text,
	processing_details text,
	PRIMARY KEY (message_id, subscription_name)
);

CREATE INDEX IF NOT EXISTS flow_deliveries_backlog
	ON flow_deliveries (subscription_name, status);
`

// StagingBrokerConfig holds the settings for the staging-table backend.
type StagingBrokerConfig struct {
	// LeaseDuration is how long a received message stays invisible to other
	// receivers before it expires server-side and becomes redeliverable.
	LeaseDuration time.Duration
}

// NewStagingBrokerDefaults provides a config with sensible defaults.
func NewStagingBrokerDefaults() *StagingBrokerConfig {
	return &StagingBrokerConfig{LeaseDuration: 60 * time.Second}
}

// StagingBroker is the fallback MessageBroker for environments without a
// managed queue: a Postgres staging table polled by (interface, status) with
// row-level status updates. Leasing uses FOR UPDATE SKIP LOCKED plus a
// lock_token/locked_until pair, so two concurrent receivers never lease the
// same delivery row and an unrenewed lease expires on its own.
type StagingBroker struct {
	cfg       StagingBrokerConfig
	pool      *pgxpool.Pool
	receivers *receivercache.ReceiverCache
	logger    zerolog.Logger
}

// NewStagingBroker wires the backend around an open connection pool and
// provisions the staging tables.
func NewStagingBroker(ctx context.Context, cfg *StagingBrokerConfig, pool *pgxpool.Pool, logger zerolog.Logger) (*StagingBroker, error) {
	const op = "broker.NewStagingBroker"
	if pool == nil {
		return nil, flowerr.New(flowerr.KindConfiguration, op, "connection pool cannot be nil")
	}
	if cfg == nil {
		cfg = NewStagingBrokerDefaults()
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 60 * time.Second
	}
	if _, err := pool.Exec(ctx, stagingSchema); err != nil {
		return nil, fmt.Errorf("%s: failed to provision staging tables: %w", op, err)
	}

	b := &StagingBroker{
		cfg:    *cfg,
		pool:   pool,
		logger: logger.With().Str("component", "StagingBroker").Logger(),
	}
	receivers, err := receivercache.New(b.newReceiver, logger)
	if err != nil {
		return nil, err
	}
	b.receivers = receivers
	return b, nil
}

// EnsureTopicExists is satisfied by the shared staging tables; the call only
// validates its input so misconfigured adapters still fail fast.
func (b *StagingBroker) EnsureTopicExists(_ context.Context, interfaceName string) error {
	const op = "StagingBroker.EnsureTopicExists"
	if interfaceName == "" {
		return flowerr.New(flowerr.KindArgument, op, "interface name cannot be empty")
	}
	return nil
}

// EnsureSubscriptionExists registers the destination's subscription row so
// subsequent sends fan out a delivery to it. Idempotent.
func (b *StagingBroker) EnsureSubscriptionExists(ctx context.Context, interfaceName, destinationID string) error {
	const op = "StagingBroker.EnsureSubscriptionExists"
	if interfaceName == "" || destinationID == "" {
		return flowerr.New(flowerr.KindArgument, op, "interface name and destination ID cannot be empty")
	}
	subscription := messaging.SubscriptionName(interfaceName, destinationID)
	_, err := b.pool.Exec(ctx, `
		INSERT INTO flow_subscriptions (subscription_name, interface_name, destination_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (subscription_name) DO NOTHING`,
		subscription, interfaceName, destinationID)
	if err != nil {
		return fmt.Errorf("%s: failed to register subscription %s: %w", op, subscription, err)
	}
	return nil
}

// SendMessages inserts one message row per record plus one delivery row per
// (record, registered subscription), all in a single transaction so a
// malformed record commits nothing.
func (b *StagingBroker) SendMessages(
	ctx context.Context,
	interfaceName, adapterName string,
	role messaging.AdapterRole,
	sourceInstanceID string,
	headers []string,
	records []map[string]string,
) ([]string, error) {
	const op = "StagingBroker.SendMessages"
	if interfaceName == "" {
		return nil, flowerr.New(flowerr.KindArgument, op, "interface name cannot be empty")
	}
	if len(records) == 0 {
		return []string{}, nil
	}

	// Validate every record before touching the database.
	payloads := make([][]byte, 0, len(records))
	for i, record := range records {
		payload, err := messaging.EncodePayload(headers, record)
		if err != nil {
			return nil, flowerr.Wrap(err, flowerr.KindArgument, op, fmt.Sprintf("record %d is invalid", i))
		}
		payloads = append(payloads, payload)
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to begin transaction: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]string, 0, len(records))
	for _, payload := range payloads {
		id := uuid.NewString()
		ids = append(ids, id)
		if _, err = tx.Exec(ctx, `
			INSERT INTO flow_messages (message_id, interface_name, adapter_name, role, source_instance_id, payload)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			id, interfaceName, adapterName, string(role), sourceInstanceID, payload); err != nil {
			return nil, fmt.Errorf("%s: failed to insert message: %w", op, err)
		}
		if _, err = tx.Exec(ctx, `
			INSERT INTO flow_deliveries (message_id, subscription_name)
			SELECT $1, subscription_name FROM flow_subscriptions WHERE interface_name = $2`,
			id, interfaceName); err != nil {
			return nil, fmt.Errorf("%s: failed to fan out deliveries: %w", op, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%s: failed to commit batch: %w", op, err)
	}
	b.logger.Debug().Str("interface", interfaceName).Int("count", len(ids)).Msg("Batch staged.")
	return ids, nil
}

// ReceiveMessages leases up to maxCount pending deliveries, oldest first.
// Rows whose lease has expired are redelivered with a fresh lock token.
func (b *StagingBroker) ReceiveMessages(ctx context.Context, interfaceName, destinationID string, maxCount int) ([]messaging.Message, error) {
	const op = "StagingBroker.ReceiveMessages"
	if interfaceName == "" || destinationID == "" {
		return nil, flowerr.New(flowerr.KindArgument, op, "interface name and destination ID cannot be empty")
	}
	if maxCount <= 0 {
		return []messaging.Message{}, nil
	}
	if err := b.EnsureSubscriptionExists(ctx, interfaceName, destinationID); err != nil {
		return nil, err
	}
	subscription := messaging.SubscriptionName(interfaceName, destinationID)

	rows, err := b.pool.Query(ctx, `
		WITH leased AS (
			SELECT d.message_id
			FROM flow_deliveries d
			JOIN flow_messages m USING (message_id)
			WHERE d.subscription_name = $1
			  AND d.status = 'Pending'
			  AND (d.lock_token IS NULL OR d.locked_until < now())
			ORDER BY m.seq
			LIMIT $2
			FOR UPDATE OF d SKIP LOCKED
		)
		UPDATE flow_deliveries d
		SET lock_token = gen_random_uuid(), locked_until = now() + $3
		FROM leased
		JOIN flow_messages m USING (message_id)
		WHERE d.message_id = leased.message_id AND d.subscription_name = $1
		RETURNING d.message_id, d.lock_token, m.seq, m.interface_name, m.adapter_name,
		          m.role, m.source_instance_id, m.payload, m.created_at`,
		subscription, maxCount, b.cfg.LeaseDuration)
	if err != nil {
		return nil, fmt.Errorf("%s: lease query failed: %w", op, err)
	}
	defer rows.Close()

	type leasedRow struct {
		msg messaging.Message
		seq int64
	}
	var leased []leasedRow
	for rows.Next() {
		var (
			r       leasedRow
			token   uuid.UUID
			payload []byte
			role    string
		)
		if err = rows.Scan(&r.msg.MessageID, &token, &r.seq, &r.msg.InterfaceName, &r.msg.AdapterName,
			&role, &r.msg.SourceInstanceID, &payload, &r.msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: failed to scan leased row: %w", op, err)
		}
		decoded, decodeErr := messaging.DecodePayload(payload)
		if decodeErr != nil {
			return nil, fmt.Errorf("%s: stored payload is corrupt for message %s: %w", op, r.msg.MessageID, decodeErr)
		}
		r.msg.Role = messaging.AdapterRole(role)
		r.msg.Headers = decoded.Headers
		r.msg.Record = decoded.Record
		r.msg.Status = messaging.StatusPending
		r.msg.Subscription = subscription
		r.msg.LockToken = token.String()
		leased = append(leased, r)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: lease query failed: %w", op, err)
	}

	// UPDATE ... RETURNING does not guarantee row order; restore oldest-first.
	for i := 1; i < len(leased); i++ {
		for j := i; j > 0 && leased[j].seq < leased[j-1].seq; j-- {
			leased[j], leased[j-1] = leased[j-1], leased[j]
		}
	}
	out := make([]messaging.Message, 0, len(leased))
	for _, r := range leased {
		out = append(out, r.msg)
	}
	return out, nil
}

// CompleteMessage marks the delivery processed, removing it from the pending
// backlog. A stale token updates no rows and reports a lock-lost failure.
func (b *StagingBroker) CompleteMessage(ctx context.Context, msg messaging.Message) error {
	const op = "StagingBroker.CompleteMessage"
	if err := requireLease(op, msg); err != nil {
		return err
	}
	tag, err := b.pool.Exec(ctx, `
		UPDATE flow_deliveries
		SET status = 'Processed', processed_at = now(), lock_token = NULL, locked_until = NULL
		WHERE message_id = $1 AND subscription_name = $2 AND lock_token = $3 AND status = 'Pending'
		  AND locked_until >= now()`,
		msg.MessageID, msg.Subscription, msg.LockToken)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return flowerr.Newf(flowerr.KindLockLost, op, "lock token for message %q is no longer valid", msg.MessageID)
	}
	return nil
}

// AbandonMessage clears the lease so the delivery is immediately
// redeliverable.
func (b *StagingBroker) AbandonMessage(ctx context.Context, msg messaging.Message, reason string) error {
	const op = "StagingBroker.AbandonMessage"
	if err := requireLease(op, msg); err != nil {
		return err
	}
	tag, err := b.pool.Exec(ctx, `
		UPDATE flow_deliveries
		SET lock_token = NULL, locked_until = NULL,
		    processing_details = concat_ws(E'\n', processing_details, $4::text)
		WHERE message_id = $1 AND subscription_name = $2 AND lock_token = $3 AND status = 'Pending'`,
		msg.MessageID, msg.Subscription, msg.LockToken, abandonDetail(reason))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return flowerr.Newf(flowerr.KindLockLost, op, "lock token for message %q is no longer valid", msg.MessageID)
	}
	return nil
}

func abandonDetail(reason string) *string {
	if reason == "" {
		return nil
	}
	detail := fmt.Sprintf("abandoned at %s: %s", time.Now().UTC().Format(time.RFC3339), reason)
	return &detail
}

// DeadLetterMessage marks the delivery as a terminal error with the reason.
func (b *StagingBroker) DeadLetterMessage(ctx context.Context, msg messaging.Message, reason string) error {
	const op = "StagingBroker.DeadLetterMessage"
	if err := requireLease(op, msg); err != nil {
		return err
	}
	tag, err := b.pool.Exec(ctx, `
		UPDATE flow_deliveries
		SET status = 'Error', processed_at = now(), error_message = $4,
		    lock_token = NULL, locked_until = NULL
		WHERE message_id = $1 AND subscription_name = $2 AND lock_token = $3 AND status = 'Pending'`,
		msg.MessageID, msg.Subscription, msg.LockToken, reason)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return flowerr.Newf(flowerr.KindLockLost, op, "lock token for message %q is no longer valid", msg.MessageID)
	}
	b.logger.Warn().Str("msg_id", msg.MessageID).Str("reason", reason).Msg("Message dead-lettered.")
	return nil
}

// RenewLock extends an active lease through the receiver cache.
func (b *StagingBroker) RenewLock(ctx context.Context, interfaceName, destinationID, lockToken string) (time.Time, error) {
	const op = "StagingBroker.RenewLock"
	if lockToken == "" {
		return time.Time{}, flowerr.New(flowerr.KindArgument, op, "lock token cannot be empty")
	}
	topic := messaging.TopicName(interfaceName)
	subscription := messaging.SubscriptionName(interfaceName, destinationID)
	return b.receivers.RenewMessageLock(ctx, topic, subscription, lockToken)
}

// Receivers exposes the cache for diagnostics.
func (b *StagingBroker) Receivers() *receivercache.ReceiverCache {
	return b.receivers
}

func (b *StagingBroker) newReceiver(_ context.Context, _ string, subscription string) (receivercache.Receiver, error) {
	return &stagingReceiver{
		pool:         b.pool,
		subscription: subscription,
		lease:        b.cfg.LeaseDuration,
	}, nil
}

type stagingReceiver struct {
	pool         *pgxpool.Pool
	subscription string
	lease        time.Duration
}

func (r *stagingReceiver) RenewMessageLock(ctx context.Context, lockToken string) (time.Time, error) {
	const op = "stagingReceiver.RenewMessageLock"
	var until time.Time
	err := r.pool.QueryRow(ctx, `
		UPDATE flow_deliveries
		SET locked_until = now() + $3
		WHERE subscription_name = $1 AND lock_token = $2 AND status = 'Pending'
		RETURNING locked_until`,
		r.subscription, lockToken, r.lease).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, flowerr.New(flowerr.KindLockLost, op, "lock token is no longer valid")
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", op, err)
	}
	return until, nil
}

func (r *stagingReceiver) Close() error {
	// The pool is owned by the broker; the handle holds nothing of its own.
	return nil
}
