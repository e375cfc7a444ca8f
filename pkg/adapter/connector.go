// Package adapter implements the role state machine that moves batches between
// connectors and the message broker, the poll-driven runner that schedules it,
// and the factory that builds wired adapter instances from configuration.
package adapter

import (
	"context"
	"sync"

	"github.com/illmade-knight/go-interflow/pkg/flowerr"
)

// Connector is the per-adapter-type I/O collaborator. The locator (folder,
// table, endpoint) is baked in at construction from the adapter's settings.
//
// Headers is an ordered column-name list; records an ordered list of row
// mappings. Empty input is always valid for both directions.
type Connector interface {
	// Read fetches one batch from the external system. An empty batch means
	// "nothing to do" and is not an error.
	Read(ctx context.Context) (headers []string, records []map[string]string, err error)
	// Write persists one accumulated batch to the external system.
	Write(ctx context.Context, headers []string, records []map[string]string) error
}

// MemoryConnector is an in-process Connector for tests and local wiring. Reads
// drain batches in the order they were seeded; writes are retained for
// inspection.
type MemoryConnector struct {
	mu      sync.Mutex
	batches []memoryBatch
	written []memoryBatch
}

type memoryBatch struct {
	headers []string
	records []map[string]string
}

// NewMemoryConnector creates an empty in-memory connector.
func NewMemoryConnector() *MemoryConnector {
	return &MemoryConnector{}
}

// Seed queues one batch for a later Read.
func (c *MemoryConnector) Seed(headers []string, records []map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, memoryBatch{headers: headers, records: records})
}

// Read pops the oldest seeded batch, or an empty batch when drained.
func (c *MemoryConnector) Read(ctx context.Context) ([]string, []map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, flowerr.Wrap(err, flowerr.KindConnector, "MemoryConnector.Read", "read cancelled")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) == 0 {
		return nil, nil, nil
	}
	batch := c.batches[0]
	c.batches = c.batches[1:]
	return batch.headers, batch.records, nil
}

// Write retains the batch for inspection.
func (c *MemoryConnector) Write(ctx context.Context, headers []string, records []map[string]string) error {
	if err := ctx.Err(); err != nil {
		return flowerr.Wrap(err, flowerr.KindConnector, "MemoryConnector.Write", "write cancelled")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, memoryBatch{headers: headers, records: records})
	return nil
}

// Written returns every record written so far, flattened in write order.
func (c *MemoryConnector) Written() (headers []string, records []map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, batch := range c.written {
		if headers == nil {
			headers = batch.headers
		}
		records = append(records, batch.records...)
	}
	return headers, records
}

// WriteCount reports the number of Write calls, not records.
func (c *MemoryConnector) WriteCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}
