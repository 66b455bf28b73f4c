// Package recovery reconciles state at startup: it looks up today's
// herd-tagged notes on the relays and replays any zap receipts the pipeline
// never processed, typically because the process was down when they arrived.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cyberherd/internal/database"
	"cyberherd/internal/pipeline"
	"cyberherd/pkg/logger"

	"github.com/jonboulle/clockwork"
	gonostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

const (
	// the whole reconciliation pass gets this much wall clock
	totalBudget = 2 * time.Minute

	// each note's receipt search is individually bounded
	perNoteBudget = 8 * time.Second

	maxNotes        = 10
	maxReceiptsEach = 20

	claimStuckAfter = 10 * time.Minute
)

// NoteSource lists today's herd notes and the receipts zapping them.
type NoteSource interface {
	FetchHerdNotes(ctx context.Context, since time.Time, limit int) ([]string, error)
	FetchZapReceipts(ctx context.Context, noteID string, limit int) ([]*gonostr.Event, error)
}

// Replayer runs the regular admission flow for a reconstructed zap.
type Replayer interface {
	ReplayZap(ctx context.Context, req *pipeline.ZapRequest, amountSats int64) error
	PrimeHerdTag(ctx context.Context, eventID string)
}

// MemberDirectory snapshots which zappers already hold a herd row.
type MemberDirectory interface {
	AllPubkeys(ctx context.Context) (map[string]struct{}, error)
}

// ZapLedger is the receipt duplicate guard.
type ZapLedger interface {
	Claim(ctx context.Context, zap *database.ProcessedZap, stuckAfter time.Duration) error
	MarkCompleted(ctx context.Context, zapEventID string) error
}

// Cache stores today's note ids between restarts.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	SetUntil(ctx context.Context, key, value string, expiresAt time.Time) error
}

// Runner is the startup reconciliation job.
type Runner struct {
	nostr    NoteSource
	pipeline Replayer
	members  MemberDirectory
	zaps     ZapLedger
	cache    Cache
	clock    clockwork.Clock
}

// NewRunner wires a recovery runner. A nil clock selects the real one.
func NewRunner(nostr NoteSource, replayer Replayer, members MemberDirectory, zaps ZapLedger, cache Cache, clock clockwork.Clock) *Runner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Runner{
		nostr:    nostr,
		pipeline: replayer,
		members:  members,
		zaps:     zaps,
		cache:    cache,
		clock:    clock,
	}
}

// Run replays missed receipts for today's herd notes. Members who already
// held a herd row when Run started are never cumulatively updated; their
// receipts are settled as completed. Relay and replay failures are logged
// and skipped; Run only fails when the member snapshot cannot be taken.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, totalBudget)
	defer cancel()

	midnight := midnightUTC(r.clock.Now())

	existing, err := r.members.AllPubkeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot herd pubkeys: %w", err)
	}

	noteIDs, err := r.todaysNotes(ctx, midnight)
	if err != nil {
		logger.Warn("Recovery could not list today's herd notes", zap.Error(err))
		return nil
	}
	if len(noteIDs) == 0 {
		logger.Info("Recovery found no herd notes today")
		return nil
	}

	var replayed, settled, skipped int
	for _, noteID := range noteIDs {
		if ctx.Err() != nil {
			logger.Warn("Recovery budget exhausted",
				zap.Int("replayed", replayed),
				zap.Int("settled", settled))
			break
		}

		r.pipeline.PrimeHerdTag(ctx, noteID)

		a, b, c := r.recoverNote(ctx, noteID, existing)
		replayed += a
		settled += b
		skipped += c
	}

	logger.Info("Recovery finished",
		zap.Int("notes", len(noteIDs)),
		zap.Int("replayed", replayed),
		zap.Int("settled", settled),
		zap.Int("skipped", skipped))
	return nil
}

// todaysNotes returns today's herd-tagged note ids, reusing the cached set
// when an earlier run this day already looked them up.
func (r *Runner) todaysNotes(ctx context.Context, midnight time.Time) ([]string, error) {
	key := notesCacheKey(midnight)

	cached, err := r.cache.Get(ctx, key)
	if err == nil && cached != "" {
		return strings.Split(cached, ","), nil
	}
	if err != nil && !errors.Is(err, database.ErrCacheMiss) {
		logger.Warn("Herd note cache read failed", zap.Error(err))
	}

	notes, err := r.nostr.FetchHerdNotes(ctx, midnight, maxNotes)
	if err != nil {
		return nil, err
	}

	// An empty day is not cached; the note may simply not be posted yet.
	if len(notes) > 0 {
		if err := r.cache.SetUntil(ctx, key, strings.Join(notes, ","), midnight.AddDate(0, 0, 1)); err != nil {
			logger.Warn("Failed to cache herd note ids", zap.Error(err))
		}
	}
	return notes, nil
}

func (r *Runner) recoverNote(ctx context.Context, noteID string, existing map[string]struct{}) (replayed, settled, skipped int) {
	noteCtx, cancel := context.WithTimeout(ctx, perNoteBudget)
	defer cancel()

	receipts, err := r.nostr.FetchZapReceipts(noteCtx, noteID, maxReceiptsEach)
	if err != nil {
		logger.Warn("Failed to fetch zap receipts",
			zap.String("note", noteID), zap.Error(err))
		return 0, 0, 0
	}

	for _, receipt := range receipts {
		if noteCtx.Err() != nil {
			return replayed, settled, skipped
		}

		req := pipeline.ExtractFromReceipt(receipt)
		if req == nil {
			logger.Debug("Receipt carries no parsable zap request",
				zap.String("receipt", receipt.ID))
			skipped++
			continue
		}

		if _, inHerd := existing[req.PubKey]; inHerd {
			r.settleExisting(noteCtx, receipt, req)
			settled++
			continue
		}

		if err := r.pipeline.ReplayZap(noteCtx, req, pipeline.ReceiptAmountSats(receipt)); err != nil {
			logger.Warn("Failed to replay receipt",
				zap.String("receipt", receipt.ID), zap.Error(err))
			skipped++
			continue
		}
		replayed++
	}
	return replayed, settled, skipped
}

// settleExisting claims and completes a receipt for a member who already had
// a herd row when recovery started. Recovery only admits new members; it
// never rewrites standing earned through live traffic.
func (r *Runner) settleExisting(ctx context.Context, receipt *gonostr.Event, req *pipeline.ZapRequest) {
	claim := &database.ProcessedZap{
		ZapEventID:      receipt.ID,
		PubKey:          req.PubKey,
		OriginalEventID: req.EventID,
		Amount:          pipeline.ReceiptAmountSats(receipt),
	}

	err := r.zaps.Claim(ctx, claim, claimStuckAfter)
	if errors.Is(err, database.ErrZapAlreadyProcessed) {
		return
	}
	if err != nil {
		logger.Warn("Failed to claim receipt",
			zap.String("receipt", receipt.ID), zap.Error(err))
		return
	}

	if err := r.zaps.MarkCompleted(ctx, receipt.ID); err != nil {
		logger.Warn("Failed to complete receipt",
			zap.String("receipt", receipt.ID), zap.Error(err))
	}
}

func notesCacheKey(midnight time.Time) string {
	return "herd_notes:" + midnight.Format("2006-01-02")
}

func midnightUTC(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}
