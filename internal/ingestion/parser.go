package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"TrancheVault/internal/event"
	"TrancheVault/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// ParseRawCommand converts a RawCommand (JSON bytes + command type string)
// into a typed event.Command. The ingestion shell validates and parses
// before anything reaches the settlement core.
func ParseRawCommand(raw RawCommand, commandType string) (event.Command, error) {
	switch commandType {
	case "DepositRequested":
		return parseDepositRequested(raw.Data)
	case "SettleRequested":
		return parseSettleRequested(raw.Data)
	case "PoolRegistration":
		return parsePoolRegistration(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type depositRequestedJSON struct {
	Nonce         uint64 `json:"nonce"`
	InputAsset    string `json:"input_asset"`
	InputAmount   int64  `json:"input_amount"`
	PositionAsset string `json:"position_asset"`
	Expiry        int64  `json:"expiry"`
	CallerKey     string `json:"caller_key"`
	WorkBudget    int64  `json:"work_budget"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseDepositRequested(data []byte) (*event.DepositRequested, error) {
	var j depositRequestedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositRequested: %w", err)
	}

	if j.Nonce == 0 {
		return nil, fmt.Errorf("parse DepositRequested: missing nonce")
	}
	if j.InputAmount <= 0 {
		return nil, fmt.Errorf("parse DepositRequested: non-positive input_amount %d", j.InputAmount)
	}
	if j.Expiry <= 0 {
		return nil, fmt.Errorf("parse DepositRequested: missing expiry")
	}
	inputAsset, err := parseAddress(j.InputAsset, "input_asset")
	if err != nil {
		return nil, fmt.Errorf("parse DepositRequested: %w", err)
	}
	positionAsset, err := parseAddress(j.PositionAsset, "position_asset")
	if err != nil {
		return nil, fmt.Errorf("parse DepositRequested: %w", err)
	}

	return &event.DepositRequested{
		Nonce:       ledger.Nonce(j.Nonce),
		InputAsset:  inputAsset,
		InputAmount: j.InputAmount,
		Tranche: event.TrancheDescriptor{
			PositionAsset: positionAsset,
			Expiry:        j.Expiry,
		},
		CallerKey:  j.CallerKey,
		WorkBudget: j.WorkBudget,
		Timestamp:  tsFromMicros(j.TimestampUs),
	}, nil
}

type settleRequestedJSON struct {
	Nonce       uint64 `json:"nonce"`
	Recipient   string `json:"recipient"`
	CallerKey   string `json:"caller_key"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSettleRequested(data []byte) (*event.SettleRequested, error) {
	var j settleRequestedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettleRequested: %w", err)
	}

	if j.Nonce == 0 {
		return nil, fmt.Errorf("parse SettleRequested: missing nonce")
	}
	recipient, err := parseAddress(j.Recipient, "recipient")
	if err != nil {
		return nil, fmt.Errorf("parse SettleRequested: %w", err)
	}

	return &event.SettleRequested{
		Nonce:     ledger.Nonce(j.Nonce),
		Recipient: recipient,
		CallerKey: j.CallerKey,
		Timestamp: tsFromMicros(j.TimestampUs),
	}, nil
}

type poolRegistrationJSON struct {
	PositionAsset string `json:"position_asset"`
	Expiry        int64  `json:"expiry"`
	VenueAddress  string `json:"venue_address"`
	CallerKey     string `json:"caller_key"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parsePoolRegistration(data []byte) (*event.PoolRegistration, error) {
	var j poolRegistrationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PoolRegistration: %w", err)
	}

	if j.Expiry <= 0 {
		return nil, fmt.Errorf("parse PoolRegistration: missing expiry")
	}
	positionAsset, err := parseAddress(j.PositionAsset, "position_asset")
	if err != nil {
		return nil, fmt.Errorf("parse PoolRegistration: %w", err)
	}
	venueAddress, err := parseAddress(j.VenueAddress, "venue_address")
	if err != nil {
		return nil, fmt.Errorf("parse PoolRegistration: %w", err)
	}

	return &event.PoolRegistration{
		PositionAsset: positionAsset,
		Expiry:        j.Expiry,
		VenueAddress:  venueAddress,
		CallerKey:     j.CallerKey,
		Timestamp:     tsFromMicros(j.TimestampUs),
	}, nil
}

// tsFromMicros keeps an absent timestamp zero so the shell can stamp it.
func tsFromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us)
}

func parseAddress(s, field string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid %s address %q", field, s)
	}
	return common.HexToAddress(s), nil
}
