package event

import (
	"time"
)

// EventType discriminator for command and outbound event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota

	// Inbound commands
	EventTypeDepositRequested
	EventTypeSettleRequested
	EventTypePoolRegistration
	EventTypeSweepRequested

	// Outbound events
	EventTypeDeposited
	EventTypeSettled
	EventTypePoolRegistered
)

// Envelope wraps every outbound event in the audit log
type Envelope struct {
	// Global monotonic sequence assigned by the settlement core
	Sequence int64

	// Stable idempotency key from upstream (nonce-derived for
	// interaction events, pool-derived for registrations)
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte
}

// Command is the interface all inbound command payloads implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType
}

func (et EventType) String() string {
	switch et {
	case EventTypeDepositRequested:
		return "DepositRequested"
	case EventTypeSettleRequested:
		return "SettleRequested"
	case EventTypePoolRegistration:
		return "PoolRegistration"
	case EventTypeSweepRequested:
		return "SweepRequested"
	case EventTypeDeposited:
		return "Deposited"
	case EventTypeSettled:
		return "Settled"
	case EventTypePoolRegistered:
		return "PoolRegistered"
	default:
		return "Unknown"
	}
}
