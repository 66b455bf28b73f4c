package pipeline

import (
	"sync"

	"cyberherd/internal/queue"
)

// Balance tracks the wallet balance in sats as seen by the feed. The feed's
// own balance snapshot wins over local arithmetic whenever it is present,
// which also makes replayed frames harmless.
type Balance struct {
	mu   sync.Mutex
	sats int64
}

// NewBalance starts tracking from the given snapshot.
func NewBalance(sats int64) *Balance {
	if sats < 0 {
		sats = 0
	}
	return &Balance{sats: sats}
}

// Current returns the tracked balance.
func (b *Balance) Current() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sats
}

// Set overwrites the balance; the payout orchestrator resets it to zero
// after a settled trigger.
func (b *Balance) Set(sats int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sats < 0 {
		sats = 0
	}
	b.sats = sats
}

// Apply folds one payment into the balance and returns the new value.
// With a wallet snapshot the balance is set outright; without one it moves
// by the payment amount (negative for outgoing), floored at zero.
func (b *Balance) Apply(event *queue.PaymentEvent) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if event.WalletBalance != nil && *event.WalletBalance >= 0 {
		b.sats = *event.WalletBalance
		return b.sats
	}

	b.sats += event.SatsReceived()
	if b.sats < 0 {
		b.sats = 0
	}
	return b.sats
}
