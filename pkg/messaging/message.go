// Package messaging defines the canonical message, topic and subscription model
// shared by every broker backend and by the adapter state machine.
package messaging

import (
	"time"
)

// AdapterRole distinguishes the two sides of an interface.
type AdapterRole string

const (
	RoleSource      AdapterRole = "Source"
	RoleDestination AdapterRole = "Destination"
)

// MessageStatus is the delivery state of a message on one subscription.
type MessageStatus string

const (
	StatusPending   MessageStatus = "Pending"
	StatusProcessed MessageStatus = "Processed"
	StatusError     MessageStatus = "Error"
)

// Message is one debatched record in flight. A batch of N records published by
// a source always yields exactly N messages; each message carries exactly one
// record.
//
// Messages are created only by a source-role send and mutated only by the
// destination-role acknowledgment operations.
type Message struct {
	// MessageID is an opaque unique identifier assigned at send time.
	MessageID string

	InterfaceName    string
	AdapterName      string
	Role             AdapterRole
	SourceInstanceID string

	// Headers is the ordered list of column names for Record.
	Headers []string
	// Record is the single row carried by this message.
	Record map[string]string

	Status            MessageStatus
	CreatedAt         time.Time
	ProcessedAt       *time.Time
	ErrorMessage      string
	ProcessingDetails string

	// Subscription names the subscription this message was leased from. It is
	// populated by ReceiveMessages so the acknowledgment operations know which
	// backlog the lease belongs to.
	Subscription string
	// LockToken is present only while the message is leased.
	LockToken string
}

// MarkProcessed records a successful delivery.
func (m *Message) MarkProcessed(at time.Time) {
	m.Status = StatusProcessed
	m.ProcessedAt = &at
}

// MarkError records a terminal failure with the reason and any processing
// detail worth keeping for diagnosis.
func (m *Message) MarkError(at time.Time, errorMessage, details string) {
	m.Status = StatusError
	m.ProcessedAt = &at
	m.ErrorMessage = errorMessage
	m.ProcessingDetails = details
}

// Leased reports whether the message currently carries a lock token.
func (m *Message) Leased() bool {
	return m.LockToken != ""
}
