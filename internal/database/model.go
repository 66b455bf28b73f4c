package database

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// ZapStatus is the processing state of a zap receipt.
type ZapStatus int

const (
	ZapProcessing ZapStatus = iota
	ZapCompleted
	ZapFailed
)

// String converts ZapStatus to its database string value.
func (s ZapStatus) String() string {
	switch s {
	case ZapProcessing:
		return "processing"
	case ZapCompleted:
		return "completed"
	case ZapFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseZapStatus converts a database string to a ZapStatus.
func ParseZapStatus(s string) ZapStatus {
	switch s {
	case "processing":
		return ZapProcessing
	case "completed":
		return ZapCompleted
	case "failed":
		return ZapFailed
	default:
		return ZapFailed // Treat unknown as terminal
	}
}

// HerdMember is one row of the cyber_herd table, keyed by the member's
// hex pubkey. Active members participate in the next payout split.
type HerdMember struct {
	PubKey      string    `json:"pubkey" db:"pubkey"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Lud16       string    `json:"lud16" db:"lud16"`
	Nprofile    string    `json:"nprofile" db:"nprofile"`
	Picture     *string   `json:"picture,omitempty" db:"picture"`
	Relays      []string  `json:"relays" db:"relays"`
	EventID     string    `json:"event_id" db:"event_id"`   // event first used to admit them
	Note        string    `json:"note" db:"note"`           // zap receipt id that admitted them
	Kinds       string    `json:"kinds" db:"kinds"`         // canonical: unique, sorted, comma-separated
	Amount      int64     `json:"amount" db:"amount"`       // cumulative sats credited today
	Payouts     float64   `json:"payouts" db:"payouts"`     // cumulative payout-share units, capped at 1.0
	IsActive    bool      `json:"is_active" db:"is_active"`
	Notified    *string   `json:"notified,omitempty" db:"notified"` // opaque id of the last notification
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// KindList decodes the canonical kinds column into integers.
func (m *HerdMember) KindList() []int {
	return DecodeKinds(m.Kinds)
}

// ProcessedZap is one row of the processed_zap_events table, keyed by the
// zap receipt id. It is the idempotence record for the ingest pipeline.
type ProcessedZap struct {
	ZapEventID      string    `json:"zap_event_id" db:"zap_event_id"`
	PubKey          string    `json:"pubkey" db:"pubkey"`
	OriginalEventID string    `json:"original_event_id" db:"original_event_id"`
	Amount          int64     `json:"amount" db:"amount"`
	ProcessedAt     time.Time `json:"processed_at" db:"processed_at"`
	Status          ZapStatus `json:"status" db:"status"`
}

// CacheEntry is one row of the cache table. Expired entries read as misses
// and are purged by the daily job.
type CacheEntry struct {
	Key       string    `json:"key" db:"key"`
	Value     string    `json:"value" db:"value"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// PaymentMetrics is the singleton counters row. All counters are lifetime
// monotonic; only SessionStart resets at daily midnight.
type PaymentMetrics struct {
	TotalPayments             int64     `json:"total_payments" db:"total_payments"`
	CyberHerdPaymentsDetected int64     `json:"cyberherd_payments_detected" db:"cyberherd_payments_detected"`
	RegularPaymentsProcessed  int64     `json:"regular_payments_processed" db:"regular_payments_processed"`
	FeederTriggers            int64     `json:"feeder_triggers" db:"feeder_triggers"`
	FailedPayments            int64     `json:"failed_payments" db:"failed_payments"`
	SessionStart              time.Time `json:"session_start" db:"session_start"`
}

// EncodeKinds renders Nostr kind numbers in canonical column form:
// unique, ascending, comma-separated (e.g. "6,7,9735").
func EncodeKinds(kinds []int) string {
	if len(kinds) == 0 {
		return ""
	}

	seen := make(map[int]struct{}, len(kinds))
	uniq := make([]int, 0, len(kinds))
	for _, k := range kinds {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		uniq = append(uniq, k)
	}
	sort.Ints(uniq)

	parts := make([]string, len(uniq))
	for i, k := range uniq {
		parts[i] = strconv.Itoa(k)
	}
	return strings.Join(parts, ",")
}

// DecodeKinds parses the canonical kinds column. Malformed entries are
// dropped rather than failing the row.
func DecodeKinds(s string) []int {
	if s == "" {
		return nil
	}

	var kinds []int
	for _, part := range strings.Split(s, ",") {
		k, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		kinds = append(kinds, k)
	}
	return kinds
}

// MergeKinds unions new kinds into an existing canonical column value.
func MergeKinds(existing string, add []int) string {
	return EncodeKinds(append(DecodeKinds(existing), add...))
}
