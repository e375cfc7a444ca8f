package adapter_test

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-interflow/pkg/flowerr"
	"github.com/illmade-knight/go-interflow/pkg/messaging"
)

// ====================================================================================
// An in-memory MessageBroker mock for unit tests of the adapter state machine.
// It models the parts of the contract the state machine relies on: fan-out
// deliveries per subscription, lease tokens and the settle operations.
// ====================================================================================

type mockDelivery struct {
	msg       messaging.Message
	status    messaging.MessageStatus
	lockToken string
}

type MockBroker struct {
	mu            sync.Mutex
	subscriptions map[string][]*mockDelivery
	deadLettered  []messaging.Message
	sendCalls     int

	// failure injection
	SendErr     error
	ReceiveErr  error
	CompleteErr error
}

func NewMockBroker() *MockBroker {
	return &MockBroker{subscriptions: make(map[string][]*mockDelivery)}
}

func (b *MockBroker) EnsureTopicExists(_ context.Context, interfaceName string) error {
	if interfaceName == "" {
		return flowerr.New(flowerr.KindArgument, "MockBroker.EnsureTopicExists", "interface name cannot be empty")
	}
	return nil
}

func (b *MockBroker) EnsureSubscriptionExists(_ context.Context, interfaceName, destinationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := messaging.SubscriptionName(interfaceName, destinationID)
	if _, ok := b.subscriptions[name]; !ok {
		b.subscriptions[name] = nil
	}
	return nil
}

func (b *MockBroker) SendMessages(_ context.Context, interfaceName, adapterName string, role messaging.AdapterRole, sourceInstanceID string, headers []string, records []map[string]string) ([]string, error) {
	if b.SendErr != nil {
		return nil, b.SendErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendCalls++

	for _, record := range records {
		if record == nil {
			return nil, flowerr.New(flowerr.KindArgument, "MockBroker.SendMessages", "record cannot be nil")
		}
	}
	ids := make([]string, 0, len(records))
	for _, record := range records {
		id := uuid.NewString()
		ids = append(ids, id)
		for name := range b.subscriptions {
			if !strings.HasPrefix(name, messaging.TopicName(interfaceName)+"-dest-") {
				continue
			}
			b.subscriptions[name] = append(b.subscriptions[name], &mockDelivery{
				msg: messaging.Message{
					MessageID:        id,
					InterfaceName:    interfaceName,
					AdapterName:      adapterName,
					Role:             role,
					SourceInstanceID: sourceInstanceID,
					Headers:          headers,
					Record:           record,
					Status:           messaging.StatusPending,
					CreatedAt:        time.Now().UTC(),
					Subscription:     name,
				},
				status: messaging.StatusPending,
			})
		}
	}
	return ids, nil
}

func (b *MockBroker) ReceiveMessages(_ context.Context, interfaceName, destinationID string, maxCount int) ([]messaging.Message, error) {
	if b.ReceiveErr != nil {
		return nil, b.ReceiveErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	name := messaging.SubscriptionName(interfaceName, destinationID)
	var out []messaging.Message
	for _, delivery := range b.subscriptions[name] {
		if len(out) >= maxCount {
			break
		}
		if delivery.status != messaging.StatusPending || delivery.lockToken != "" {
			continue
		}
		delivery.lockToken = uuid.NewString()
		msg := delivery.msg
		msg.LockToken = delivery.lockToken
		out = append(out, msg)
	}
	return out, nil
}

func (b *MockBroker) findLeased(msg messaging.Message) *mockDelivery {
	for _, delivery := range b.subscriptions[msg.Subscription] {
		if delivery.msg.MessageID == msg.MessageID && delivery.lockToken == msg.LockToken && delivery.lockToken != "" {
			return delivery
		}
	}
	return nil
}

func (b *MockBroker) CompleteMessage(_ context.Context, msg messaging.Message) error {
	if b.CompleteErr != nil {
		return b.CompleteErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delivery := b.findLeased(msg)
	if delivery == nil {
		return flowerr.New(flowerr.KindLockLost, "MockBroker.CompleteMessage", "stale token")
	}
	delivery.status = messaging.StatusProcessed
	delivery.lockToken = ""
	return nil
}

func (b *MockBroker) AbandonMessage(_ context.Context, msg messaging.Message, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delivery := b.findLeased(msg)
	if delivery == nil {
		return flowerr.New(flowerr.KindLockLost, "MockBroker.AbandonMessage", "stale token")
	}
	delivery.lockToken = ""
	return nil
}

func (b *MockBroker) DeadLetterMessage(_ context.Context, msg messaging.Message, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delivery := b.findLeased(msg)
	if delivery == nil {
		return flowerr.New(flowerr.KindLockLost, "MockBroker.DeadLetterMessage", "stale token")
	}
	delivery.status = messaging.StatusError
	delivery.lockToken = ""
	delivery.msg.MarkError(time.Now().UTC(), reason, "")
	b.deadLettered = append(b.deadLettered, delivery.msg)
	return nil
}

func (b *MockBroker) RenewLock(_ context.Context, _, _ string, lockToken string) (time.Time, error) {
	if lockToken == "" {
		return time.Time{}, flowerr.New(flowerr.KindArgument, "MockBroker.RenewLock", "lock token cannot be empty")
	}
	return time.Now().Add(time.Minute), nil
}

// --- inspection helpers ---

func (b *MockBroker) PendingCount(interfaceName, destinationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := messaging.SubscriptionName(interfaceName, destinationID)
	count := 0
	for _, delivery := range b.subscriptions[name] {
		if delivery.status == messaging.StatusPending {
			count++
		}
	}
	return count
}

func (b *MockBroker) LeasedCount(interfaceName, destinationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := messaging.SubscriptionName(interfaceName, destinationID)
	count := 0
	for _, delivery := range b.subscriptions[name] {
		if delivery.lockToken != "" {
			count++
		}
	}
	return count
}

func (b *MockBroker) DeadLettered() []messaging.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]messaging.Message, len(b.deadLettered))
	copy(out, b.deadLettered)
	return out
}

func (b *MockBroker) SendCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sendCalls
}
