// Package receivercache caches long-lived receive handles per
// (topic, subscription) pair so lock renewal during long processing does not
// pay the handle creation cost on every call.
package receivercache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Receiver is one live receive handle. Handles are exclusively owned by the
// cache; callers borrow references and must not close them.
type Receiver interface {
	// RenewMessageLock extends an active lease and returns the new expiry.
	RenewMessageLock(ctx context.Context, lockToken string) (time.Time, error)
	// Close disposes the handle. Called only by the cache on eviction.
	Close() error
}

// Factory creates the underlying handle for a (topic, subscription) pair.
type Factory func(ctx context.Context, topic, subscription string) (Receiver, error)

type cacheKey struct {
	topic        string
	subscription string
}

// entry carries a once so concurrent first access for one key creates exactly
// one handle, while creation for different keys proceeds in parallel.
type entry struct {
	once     sync.Once
	receiver Receiver
	err      error
}

// ReceiverCache is the one explicitly shared mutable structure in the system.
// All methods are safe for concurrent use.
type ReceiverCache struct {
	factory Factory
	logger  zerolog.Logger

	mu      sync.Mutex
	entries map[cacheKey]*entry
}

// New creates an empty cache around the given handle factory.
func New(factory Factory, logger zerolog.Logger) (*ReceiverCache, error) {
	if factory == nil {
		return nil, fmt.Errorf("receiver factory cannot be nil")
	}
	return &ReceiverCache{
		factory: factory,
		logger:  logger.With().Str("component", "ReceiverCache").Logger(),
		entries: make(map[cacheKey]*entry),
	}, nil
}

// GetOrCreateReceiver returns the cached handle for the pair, creating it on
// first access. Under a concurrent creation race at most one handle is
// created; losers of the race wait for the winner's result.
func (c *ReceiverCache) GetOrCreateReceiver(ctx context.Context, topic, subscription string) (Receiver, error) {
	key := cacheKey{topic: topic, subscription: subscription}

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	c.mu.Unlock()

	// Creation runs outside the map lock so other keys are not blocked.
	e.once.Do(func() {
		e.receiver, e.err = c.factory(ctx, topic, subscription)
		if e.err != nil {
			c.logger.Error().Err(e.err).
				Str("topic", topic).Str("subscription", subscription).
				Msg("Failed to create receiver handle.")
			return
		}
		c.logger.Debug().Str("topic", topic).Str("subscription", subscription).
			Msg("Created receiver handle.")
	})

	if e.err != nil {
		// Drop the failed entry so a later call can retry the creation.
		c.mu.Lock()
		if c.entries[key] == e {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, e.err
	}
	return e.receiver, nil
}

// RenewMessageLock renews a lease through the cached handle. A renewal failure
// evicts the broken handle so the next caller gets a fresh one instead of a
// dead reference; the error is still returned.
func (c *ReceiverCache) RenewMessageLock(ctx context.Context, topic, subscription, lockToken string) (time.Time, error) {
	receiver, err := c.GetOrCreateReceiver(ctx, topic, subscription)
	if err != nil {
		return time.Time{}, err
	}
	expiry, err := receiver.RenewMessageLock(ctx, lockToken)
	if err != nil {
		c.logger.Warn().Err(err).
			Str("topic", topic).Str("subscription", subscription).
			Msg("Lock renewal failed, evicting receiver handle.")
		c.RemoveReceiver(topic, subscription)
		return time.Time{}, err
	}
	return expiry, nil
}

// RemoveReceiver evicts and disposes one handle. Removing an absent pair is a
// no-op.
func (c *ReceiverCache) RemoveReceiver(topic, subscription string) {
	key := cacheKey{topic: topic, subscription: subscription}

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if ok {
		c.dispose(e)
	}
}

// Clear evicts and disposes every handle.
func (c *ReceiverCache) Clear() {
	c.mu.Lock()
	evicted := c.entries
	c.entries = make(map[cacheKey]*entry)
	c.mu.Unlock()

	for _, e := range evicted {
		c.dispose(e)
	}
}

// Count reports the number of cached handles, for diagnostics.
func (c *ReceiverCache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ReceiverCache) dispose(e *entry) {
	// An entry whose creation never ran or failed has nothing to close.
	if e.receiver == nil {
		return
	}
	if err := e.receiver.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Error closing evicted receiver handle.")
	}
}
