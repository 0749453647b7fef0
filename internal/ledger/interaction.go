package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Nonce is the caller-supplied identifier for a single deposit interaction.
// Nonces are assigned upstream and are unique for the lifetime of the system.
type Nonce uint64

// TrancheID identifies a fixed-expiry pooled position. It is the address of
// the tranche token at the holding venue.
type TrancheID = common.Address

// FailureKind classifies why an interaction failed. The kind is recorded on
// the interaction and surfaced in the Settled event so downstream consumers
// can distinguish a time-bounded condition from a permanent one.
type FailureKind int32

const (
	FailureNone FailureKind = iota

	// FailureInternal: the owning tranche ledger had zero held units.
	FailureInternal

	// FailureProvider: the position source returned an error on redemption.
	FailureProvider

	// FailurePostponed: an active maturity delay extends past current time.
	FailurePostponed

	// FailureIlliquid: observed underlying at the venue is below the
	// tranche's held quantity.
	FailureIlliquid
)

func (fk FailureKind) String() string {
	switch fk {
	case FailureNone:
		return "none"
	case FailureInternal:
		return "internal_error"
	case FailureProvider:
		return "provider_error"
	case FailurePostponed:
		return "maturity_delay"
	case FailureIlliquid:
		return "insufficient_liquidity"
	default:
		return "unknown"
	}
}

// ParseFailureKind is the inverse of String, used when loading projections.
func ParseFailureKind(s string) FailureKind {
	switch s {
	case "internal_error":
		return FailureInternal
	case "provider_error":
		return FailureProvider
	case "maturity_delay":
		return FailurePostponed
	case "insufficient_liquidity":
		return FailureIlliquid
	default:
		return FailureNone
	}
}

// Interaction is the permanent audit record for one deposit. Created exactly
// once, never deleted, mutated only by the settle path. Pending → Finalised
// and Pending → Failed are the only transitions; both are terminal.
type Interaction struct {
	Nonce     Nonce
	TrancheID TrancheID

	// Pooled position units owned by this interaction.
	Units int64

	// Unix seconds. Always nonzero for a created interaction — a zero
	// expiry means "never created".
	Expiry int64

	Finalised bool
	Failed    bool

	// Amount of underlying allocated on finalisation.
	Allocated int64

	FailureKind   FailureKind
	FailureReason string
}

// Pending reports whether the interaction still awaits settlement.
func (i *Interaction) Pending() bool {
	return !i.Finalised && !i.Failed
}

// InteractionStore holds every interaction ever created, keyed by nonce.
// Not thread-safe — only accessed from the single-threaded settlement core.
type InteractionStore struct {
	byNonce map[Nonce]*Interaction
}

func NewInteractionStore() *InteractionStore {
	return &InteractionStore{
		byNonce: make(map[Nonce]*Interaction),
	}
}

// Create records a new pending interaction. A nonce may only ever be used
// once; reuse is rejected even after the original interaction terminated.
func (s *InteractionStore) Create(nonce Nonce, tranche TrancheID, units, expiry int64) (*Interaction, error) {
	if _, exists := s.byNonce[nonce]; exists {
		return nil, fmt.Errorf("nonce %d already used", nonce)
	}
	if expiry == 0 {
		return nil, fmt.Errorf("nonce %d: zero expiry", nonce)
	}

	in := &Interaction{
		Nonce:     nonce,
		TrancheID: tranche,
		Units:     units,
		Expiry:    expiry,
	}
	s.byNonce[nonce] = in
	return in, nil
}

// Get returns the interaction for nonce, or nil if the nonce was never used.
func (s *InteractionStore) Get(nonce Nonce) *Interaction {
	return s.byNonce[nonce]
}

// Exists reports whether the nonce has ever been used.
func (s *InteractionStore) Exists(nonce Nonce) bool {
	_, ok := s.byNonce[nonce]
	return ok
}

// MarkFinalised transitions Pending → Finalised and records the allocation.
func (s *InteractionStore) MarkFinalised(nonce Nonce, allocated int64) error {
	in := s.byNonce[nonce]
	if in == nil {
		return fmt.Errorf("unknown nonce %d", nonce)
	}
	if in.Finalised || in.Failed {
		return fmt.Errorf("nonce %d already terminal", nonce)
	}
	in.Finalised = true
	in.Allocated = allocated
	return nil
}

// MarkFailed transitions Pending → Failed with a structured reason.
func (s *InteractionStore) MarkFailed(nonce Nonce, kind FailureKind, reason string) error {
	in := s.byNonce[nonce]
	if in == nil {
		return fmt.Errorf("unknown nonce %d", nonce)
	}
	if in.Finalised || in.Failed {
		return fmt.Errorf("nonce %d already terminal", nonce)
	}
	in.Failed = true
	in.FailureKind = kind
	in.FailureReason = reason
	return nil
}

// Restore inserts an interaction loaded from the audit store during startup.
func (s *InteractionStore) Restore(in *Interaction) {
	s.byNonce[in.Nonce] = in
}

// Count returns the number of interactions ever created.
func (s *InteractionStore) Count() int {
	return len(s.byNonce)
}

// AllPending returns the pending interactions, in no particular order.
// Used to rebuild the expiry schedule on startup.
func (s *InteractionStore) AllPending() []*Interaction {
	pending := make([]*Interaction, 0)
	for _, in := range s.byNonce {
		if in.Pending() {
			pending = append(pending, in)
		}
	}
	return pending
}
