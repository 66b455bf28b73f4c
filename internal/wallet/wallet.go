// Package wallet talks to the Lightning wallet service and its
// split-payments extension. The rest of the codebase depends on Service,
// not on the wallet's REST shapes.
package wallet

import (
	"context"
	"errors"
)

// Target is one split-payment recipient. Percent values are integers >= 1
// and a full target set sums to exactly 100.
type Target struct {
	Wallet  string `json:"wallet"`
	Alias   string `json:"alias"`
	Percent int    `json:"percent"`
}

var (
	// ErrPaymentFailed is returned when the wallet rejects or cannot
	// complete a payment
	ErrPaymentFailed = errors.New("wallet payment failed")
)

// Service is the wallet capability surface. The main wallet holds the
// feeder balance; the split wallet fans payouts out to the herd.
type Service interface {
	// Balance returns the main wallet balance in sats.
	Balance(ctx context.Context) (int64, error)

	// CreateSplitInvoice creates an invoice on the split wallet for the
	// given amount, returning its bolt11 string.
	CreateSplitInvoice(ctx context.Context, amountSats int64, memo string) (string, error)

	// PayInvoice pays a bolt11 invoice from the main wallet.
	PayInvoice(ctx context.Context, bolt11 string) error

	// GetTargets reads the current split-payment target set.
	GetTargets(ctx context.Context) ([]Target, error)

	// SetTargets replaces the split-payment target set.
	SetTargets(ctx context.Context, targets []Target) error
}
