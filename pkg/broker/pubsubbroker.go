package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	pubsubapi "cloud.google.com/go/pubsub/v2/apiv1"
	pubsubpb "cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-interflow/pkg/flowerr"
	"github.com/illmade-knight/go-interflow/pkg/messaging"
	"github.com/illmade-knight/go-interflow/pkg/receivercache"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Attribute keys carried on every published Pub/Sub message. The payload data
// itself stays on the stable wire shape; everything else travels as attributes.
const (
	attrMessageID      = "message-id"
	attrInterfaceName  = "interface-name"
	attrAdapterName    = "adapter-name"
	attrRole           = "role"
	attrSourceInstance = "source-instance-id"
	attrCreatedAt      = "created-at"
	attrDeadLetter     = "deadletter-reason"
)

// PubsubBrokerConfig holds the settings for the managed-queue backend.
type PubsubBrokerConfig struct {
	ProjectID string
	// LeaseSeconds is the ack deadline applied to new subscriptions and the
	// extension granted by RenewLock.
	LeaseSeconds int32
	// ReceiveWait bounds how long one ReceiveMessages call waits for the
	// service before reporting an empty result.
	ReceiveWait time.Duration
}

// NewPubsubBrokerDefaults provides a config with sensible defaults.
func NewPubsubBrokerDefaults(projectID string) *PubsubBrokerConfig {
	return &PubsubBrokerConfig{
		ProjectID:    projectID,
		LeaseSeconds: 60,
		ReceiveWait:  2 * time.Second,
	}
}

// PubsubBroker is the production MessageBroker backed by Google Cloud Pub/Sub.
// It uses the low-level apiv1 clients so each pulled message exposes an ack ID,
// which serves as the lease lock token: Acknowledge completes the lease,
// ModifyAckDeadline(0) abandons it and ModifyAckDeadline(n) renews it.
type PubsubBroker struct {
	cfg        PubsubBrokerConfig
	publisher  *pubsubapi.TopicAdminClient
	subscriber *pubsubapi.SubscriptionAdminClient
	receivers  *receivercache.ReceiverCache
	logger     zerolog.Logger

	// provisioning is idempotent server-side; these just skip the round trip
	// after the first success.
	ensuredTopics sync.Map
	ensuredSubs   sync.Map
}

// NewPubsubBroker wires the backend around injected API clients.
func NewPubsubBroker(
	cfg *PubsubBrokerConfig,
	publisher *pubsubapi.TopicAdminClient,
	subscriber *pubsubapi.SubscriptionAdminClient,
	logger zerolog.Logger,
) (*PubsubBroker, error) {
	const op = "broker.NewPubsubBroker"
	if cfg == nil || cfg.ProjectID == "" {
		return nil, flowerr.New(flowerr.KindConfiguration, op, "project ID is required")
	}
	if publisher == nil || subscriber == nil {
		return nil, flowerr.New(flowerr.KindConfiguration, op, "publisher and subscriber clients cannot be nil")
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 60
	}
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = 2 * time.Second
	}

	b := &PubsubBroker{
		cfg:        *cfg,
		publisher:  publisher,
		subscriber: subscriber,
		logger:     logger.With().Str("component", "PubsubBroker").Logger(),
	}
	receivers, err := receivercache.New(b.newReceiver, logger)
	if err != nil {
		return nil, err
	}
	b.receivers = receivers
	return b, nil
}

func (b *PubsubBroker) topicPath(topic string) string {
	return fmt.Sprintf("projects/%s/topics/%s", b.cfg.ProjectID, topic)
}

func (b *PubsubBroker) subscriptionPath(subscription string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", b.cfg.ProjectID, subscription)
}

// EnsureTopicExists provisions the interface topic and its dead-letter
// companion. Safe to call repeatedly.
func (b *PubsubBroker) EnsureTopicExists(ctx context.Context, interfaceName string) error {
	const op = "PubsubBroker.EnsureTopicExists"
	if interfaceName == "" {
		return flowerr.New(flowerr.KindArgument, op, "interface name cannot be empty")
	}
	if _, done := b.ensuredTopics.Load(interfaceName); done {
		return nil
	}
	for _, topic := range []string{messaging.TopicName(interfaceName), messaging.DeadLetterTopicName(interfaceName)} {
		_, err := b.publisher.CreateTopic(ctx, &pubsubpb.Topic{Name: b.topicPath(topic)})
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return fmt.Errorf("%s: failed to create topic %s: %w", op, topic, err)
		}
	}
	b.ensuredTopics.Store(interfaceName, struct{}{})
	b.logger.Debug().Str("interface", interfaceName).Msg("Topic provisioned.")
	return nil
}

// EnsureSubscriptionExists provisions one destination's subscription with
// message ordering enabled, so the backlog replays oldest-first.
func (b *PubsubBroker) EnsureSubscriptionExists(ctx context.Context, interfaceName, destinationID string) error {
	const op = "PubsubBroker.EnsureSubscriptionExists"
	if interfaceName == "" || destinationID == "" {
		return flowerr.New(flowerr.KindArgument, op, "interface name and destination ID cannot be empty")
	}
	subscription := messaging.SubscriptionName(interfaceName, destinationID)
	if _, done := b.ensuredSubs.Load(subscription); done {
		return nil
	}
	if err := b.EnsureTopicExists(ctx, interfaceName); err != nil {
		return err
	}
	_, err := b.subscriber.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:                  b.subscriptionPath(subscription),
		Topic:                 b.topicPath(messaging.TopicName(interfaceName)),
		AckDeadlineSeconds:    b.cfg.LeaseSeconds,
		EnableMessageOrdering: true,
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("%s: failed to create subscription %s: %w", op, subscription, err)
	}
	b.ensuredSubs.Store(subscription, struct{}{})
	b.logger.Debug().Str("subscription", subscription).Msg("Subscription provisioned.")
	return nil
}

// SendMessages publishes one message per record, in input order, on a single
// publish request. Records are validated before anything is published so a
// malformed record commits nothing.
func (b *PubsubBroker) SendMessages(
	ctx context.Context,
	interfaceName, adapterName string,
	role messaging.AdapterRole,
	sourceInstanceID string,
	headers []string,
	records []map[string]string,
) ([]string, error) {
	const op = "PubsubBroker.SendMessages"
	if interfaceName == "" {
		return nil, flowerr.New(flowerr.KindArgument, op, "interface name cannot be empty")
	}
	if len(records) == 0 {
		return []string{}, nil
	}

	if err := b.EnsureTopicExists(ctx, interfaceName); err != nil {
		return nil, err
	}

	createdAt := time.Now().UTC().Format(time.RFC3339Nano)
	ids := make([]string, 0, len(records))
	pubsubMessages := make([]*pubsubpb.PubsubMessage, 0, len(records))
	for i, record := range records {
		payload, err := messaging.EncodePayload(headers, record)
		if err != nil {
			return nil, flowerr.Wrap(err, flowerr.KindArgument, op, fmt.Sprintf("record %d is invalid", i))
		}
		id := uuid.NewString()
		ids = append(ids, id)
		pubsubMessages = append(pubsubMessages, &pubsubpb.PubsubMessage{
			Data:        payload,
			OrderingKey: interfaceName,
			Attributes: map[string]string{
				attrMessageID:      id,
				attrInterfaceName:  interfaceName,
				attrAdapterName:    adapterName,
				attrRole:           string(role),
				attrSourceInstance: sourceInstanceID,
				attrCreatedAt:      createdAt,
			},
		})
	}

	_, err := b.publisher.Publish(ctx, &pubsubpb.PublishRequest{
		Topic:    b.topicPath(messaging.TopicName(interfaceName)),
		Messages: pubsubMessages,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: publish failed for interface %s: %w", op, interfaceName, err)
	}
	b.logger.Debug().Str("interface", interfaceName).Int("count", len(ids)).Msg("Batch published.")
	return ids, nil
}

// ReceiveMessages pulls up to maxCount leased messages. The ack ID of each
// pulled message becomes its lock token. An exhausted wait reports an empty
// result, not an error.
func (b *PubsubBroker) ReceiveMessages(ctx context.Context, interfaceName, destinationID string, maxCount int) ([]messaging.Message, error) {
	const op = "PubsubBroker.ReceiveMessages"
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
	pullCtx, cancel := context.WithTimeout(ctx, b.cfg.ReceiveWait)
	defer cancel()

	resp, err := b.subscriber.Pull(pullCtx, &pubsubpb.PullRequest{
		Subscription: b.subscriptionPath(subscription),
		MaxMessages:  int32(maxCount),
	})
	if err != nil {
		// An empty backlog surfaces as an exhausted wait; that is "nothing to
		// do", not a failure.
		if status.Code(err) == codes.DeadlineExceeded || pullCtx.Err() != nil {
			return []messaging.Message{}, nil
		}
		return nil, fmt.Errorf("%s: pull failed for subscription %s: %w", op, subscription, err)
	}

	out := make([]messaging.Message, 0, len(resp.ReceivedMessages))
	for _, received := range resp.ReceivedMessages {
		msg, decodeErr := b.decodeReceived(subscription, received)
		if decodeErr != nil {
			// A message that cannot be decoded can never be processed; park it
			// on the dead-letter topic instead of redelivering it forever.
			b.logger.Error().Err(decodeErr).Str("subscription", subscription).
				Msg("Received undecodable message, dead-lettering.")
			_ = b.DeadLetterMessage(ctx, messaging.Message{
				InterfaceName: interfaceName,
				Subscription:  subscription,
				LockToken:     received.AckId,
			}, fmt.Sprintf("undecodable payload: %v", decodeErr))
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (b *PubsubBroker) decodeReceived(subscription string, received *pubsubpb.ReceivedMessage) (messaging.Message, error) {
	payload, err := messaging.DecodePayload(received.Message.Data)
	if err != nil {
		return messaging.Message{}, err
	}
	attrs := received.Message.Attributes
	createdAt, err := time.Parse(time.RFC3339Nano, attrs[attrCreatedAt])
	if err != nil {
		createdAt = received.Message.PublishTime.AsTime()
	}
	return messaging.Message{
		MessageID:        attrs[attrMessageID],
		InterfaceName:    attrs[attrInterfaceName],
		AdapterName:      attrs[attrAdapterName],
		Role:             messaging.AdapterRole(attrs[attrRole]),
		SourceInstanceID: attrs[attrSourceInstance],
		Headers:          payload.Headers,
		Record:           payload.Record,
		Status:           messaging.StatusPending,
		CreatedAt:        createdAt,
		Subscription:     subscription,
		LockToken:        received.AckId,
	}, nil
}

// CompleteMessage acknowledges the lease, permanently removing the message
// from its subscription.
func (b *PubsubBroker) CompleteMessage(ctx context.Context, msg messaging.Message) error {
	const op = "PubsubBroker.CompleteMessage"
	if err := requireLease(op, msg); err != nil {
		return err
	}
	err := b.subscriber.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: b.subscriptionPath(msg.Subscription),
		AckIds:       []string{msg.LockToken},
	})
	if err != nil {
		return classifyLeaseError(err, op, msg.MessageID)
	}
	return nil
}

// AbandonMessage zeroes the ack deadline so the message is immediately
// redeliverable.
func (b *PubsubBroker) AbandonMessage(ctx context.Context, msg messaging.Message, reason string) error {
	const op = "PubsubBroker.AbandonMessage"
	if err := requireLease(op, msg); err != nil {
		return err
	}
	if reason != "" {
		b.logger.Info().Str("msg_id", msg.MessageID).Str("reason", reason).Msg("Abandoning message.")
	}
	err := b.subscriber.ModifyAckDeadline(ctx, &pubsubpb.ModifyAckDeadlineRequest{
		Subscription:       b.subscriptionPath(msg.Subscription),
		AckIds:             []string{msg.LockToken},
		AckDeadlineSeconds: 0,
	})
	if err != nil {
		return classifyLeaseError(err, op, msg.MessageID)
	}
	return nil
}

// DeadLetterMessage republishes the message to the interface's dead-letter
// topic with the failure reason, then acknowledges the original so it leaves
// normal delivery terminally.
func (b *PubsubBroker) DeadLetterMessage(ctx context.Context, msg messaging.Message, reason string) error {
	const op = "PubsubBroker.DeadLetterMessage"
	if err := requireLease(op, msg); err != nil {
		return err
	}
	if err := b.EnsureTopicExists(ctx, msg.InterfaceName); err != nil {
		return err
	}

	payload, err := messaging.EncodePayload(msg.Headers, msg.Record)
	if err != nil {
		// Undecodable originals still get parked, with an empty body.
		payload = []byte(`{"headers":[],"record":{}}`)
	}
	_, err = b.publisher.Publish(ctx, &pubsubpb.PublishRequest{
		Topic: b.topicPath(messaging.DeadLetterTopicName(msg.InterfaceName)),
		Messages: []*pubsubpb.PubsubMessage{{
			Data: payload,
			Attributes: map[string]string{
				attrMessageID:      msg.MessageID,
				attrInterfaceName:  msg.InterfaceName,
				attrAdapterName:    msg.AdapterName,
				attrRole:           string(msg.Role),
				attrSourceInstance: msg.SourceInstanceID,
				attrDeadLetter:     reason,
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("%s: failed to publish to dead-letter topic: %w", op, err)
	}

	err = b.subscriber.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: b.subscriptionPath(msg.Subscription),
		AckIds:       []string{msg.LockToken},
	})
	if err != nil {
		return classifyLeaseError(err, op, msg.MessageID)
	}
	b.logger.Warn().Str("msg_id", msg.MessageID).Str("reason", reason).Msg("Message dead-lettered.")
	return nil
}

// RenewLock extends an active lease through the receiver cache.
func (b *PubsubBroker) RenewLock(ctx context.Context, interfaceName, destinationID, lockToken string) (time.Time, error) {
	const op = "PubsubBroker.RenewLock"
	if lockToken == "" {
		return time.Time{}, flowerr.New(flowerr.KindArgument, op, "lock token cannot be empty")
	}
	topic := messaging.TopicName(interfaceName)
	subscription := messaging.SubscriptionName(interfaceName, destinationID)
	return b.receivers.RenewMessageLock(ctx, topic, subscription, lockToken)
}

// Receivers exposes the cache for diagnostics.
func (b *PubsubBroker) Receivers() *receivercache.ReceiverCache {
	return b.receivers
}

// newReceiver is the receivercache.Factory for this backend. The handle
// borrows the broker's shared subscriber client, so disposing it is free.
func (b *PubsubBroker) newReceiver(_ context.Context, _ string, subscription string) (receivercache.Receiver, error) {
	return &pubsubReceiver{
		subscriber:   b.subscriber,
		subscription: b.subscriptionPath(subscription),
		leaseSeconds: b.cfg.LeaseSeconds,
	}, nil
}

type pubsubReceiver struct {
	subscriber   *pubsubapi.SubscriptionAdminClient
	subscription string
	leaseSeconds int32
}

func (r *pubsubReceiver) RenewMessageLock(ctx context.Context, lockToken string) (time.Time, error) {
	const op = "pubsubReceiver.RenewMessageLock"
	err := r.subscriber.ModifyAckDeadline(ctx, &pubsubpb.ModifyAckDeadlineRequest{
		Subscription:       r.subscription,
		AckIds:             []string{lockToken},
		AckDeadlineSeconds: r.leaseSeconds,
	})
	if err != nil {
		return time.Time{}, classifyLeaseError(err, op, "")
	}
	return time.Now().Add(time.Duration(r.leaseSeconds) * time.Second), nil
}

func (r *pubsubReceiver) Close() error {
	return nil
}

func requireLease(op string, msg messaging.Message) error {
	if msg.Subscription == "" || msg.LockToken == "" {
		return flowerr.New(flowerr.KindArgument, op, "message carries no active lease")
	}
	return nil
}

// classifyLeaseError maps service rejections of an ack ID to the lock-lost
// kind so callers know the prior outcome is unknown and the message should be
// re-fetched.
func classifyLeaseError(err error, op, messageID string) error {
	switch status.Code(err) {
	case codes.NotFound, codes.InvalidArgument, codes.FailedPrecondition:
		return flowerr.Wrap(err, flowerr.KindLockLost, op, fmt.Sprintf("lock token for message %q is no longer valid", messageID))
	}
	return fmt.Errorf("%s: %w", op, err)
}
