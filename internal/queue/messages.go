package queue

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// PaymentStream is the Redis stream carrying raw feed frames.
	PaymentStream = "payments"

	// PaymentGroup is the pipeline's consumer group on PaymentStream.
	PaymentGroup = "pipeline"
)

// PaymentEvent is one frame from the zap feed, relayed verbatim through the
// payments stream. Amounts inside Payment are millisats; WalletBalance is
// sats and reflects the wallet after this payment when the feed includes it.
type PaymentEvent struct {
	Payment       Payment `json:"payment"`
	WalletBalance *int64  `json:"wallet_balance,omitempty"`
}

// Payment is the payment record inside a feed frame. Amount is negative for
// outgoing payments.
type Payment struct {
	PaymentHash string        `json:"payment_hash"`
	Amount      int64         `json:"amount"`
	Description string        `json:"description,omitempty"`
	Extra       *PaymentExtra `json:"extra,omitempty"`
}

// PaymentExtra carries wallet-specific extras. Nostr holds the zap request
// either as a JSON object or as a JSON-encoded string, so it stays raw until
// the pipeline parses it.
type PaymentExtra struct {
	Nostr json.RawMessage `json:"nostr,omitempty"`
}

// SatsReceived converts the millisat amount to whole sats, truncating
// toward zero.
func (e *PaymentEvent) SatsReceived() int64 {
	return e.Payment.Amount / 1000
}

// ToJSON serializes the PaymentEvent to JSON bytes.
func (e *PaymentEvent) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment event: %w", err)
	}
	return data, nil
}

// FromJSONPayment deserializes JSON bytes into a PaymentEvent and validates it.
func FromJSONPayment(data []byte) (*PaymentEvent, error) {
	event := &PaymentEvent{}
	if err := json.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment event: %w", err)
	}

	if err := event.Validate(); err != nil {
		return nil, err
	}

	return event, nil
}

// Validate checks if the PaymentEvent has all required fields with valid values.
func (e *PaymentEvent) Validate() error {
	if e.Payment.PaymentHash == "" {
		return errors.New("payment_hash is required")
	}
	if len(e.Payment.PaymentHash) != 64 {
		return fmt.Errorf("payment_hash must be 64 characters (got %d)", len(e.Payment.PaymentHash))
	}
	if _, err := hex.DecodeString(e.Payment.PaymentHash); err != nil {
		return fmt.Errorf("payment_hash must be valid hexadecimal: %w", err)
	}
	return nil
}
