// Package pipeline consumes payment events from the stream and drives
// everything downstream: balance tracking, the feeder trigger, payouts and
// herd admissions. One failing payment never blocks the next.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cyberherd/internal/database"
	"cyberherd/internal/herd"
	nostrclient "cyberherd/internal/nostr"
	"cyberherd/internal/queue"
	"cyberherd/pkg/logger"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// messageMinSats is the floor under which plain payments do not get a
	// sats_received announcement.
	messageMinSats = 10

	// herdTagKeyPrefix namespaces the daily herd-tag lookup cache.
	herdTagKeyPrefix = "herdtag:"
)

// HerdEngine is the slice of the herd engine the pipeline drives.
type HerdEngine interface {
	ProcessCandidate(ctx context.Context, c *herd.Candidate, skipDuplicateCheck bool) (herd.Outcome, error)
	ProcessHeadbuttAttempts(ctx context.Context, candidates []*herd.Candidate) (int, error)
}

// NostrClient resolves events and profiles for candidate composition.
type NostrClient interface {
	HasHerdTag(ctx context.Context, eventID string) (bool, error)
	FetchProfile(ctx context.Context, pubkey string) (*nostrclient.Profile, error)
	FetchRelays(ctx context.Context, pubkey string) ([]string, error)
	EncodeNprofile(pubkey string, relays []string) (string, error)
}

// MemberReader looks up existing herd rows.
type MemberReader interface {
	Get(ctx context.Context, pubkey string) (*database.HerdMember, error)
}

// Cache stores daily-scoped lookup results.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	SetUntil(ctx context.Context, key, value string, expiresAt time.Time) error
}

// Feeder is the physical feeder control surface.
type Feeder interface {
	OverrideEnabled(ctx context.Context) (bool, error)
	Trigger(ctx context.Context) error
}

// Payout settles a trigger.
type Payout interface {
	Send(ctx context.Context, amountSats int64) error
}

// Notifier announces plain payments.
type Notifier interface {
	SatsReceived(ctx context.Context, sats, difference int64)
}

// Metrics tracks payment counters.
type Metrics interface {
	IncrTotalPayments(ctx context.Context) error
	IncrCyberHerdDetected(ctx context.Context) error
	IncrRegularProcessed(ctx context.Context) error
}

// Pipeline handles one payment event end to end.
type Pipeline struct {
	balance     *Balance
	engine      HerdEngine
	nostr       NostrClient
	members     MemberReader
	cache       Cache
	feeder      Feeder
	payout      Payout
	notifier    Notifier
	metrics     Metrics
	clock       clockwork.Clock
	triggerSats int64

	// triggerMu serializes the check-and-fire sequence so one threshold
	// crossing fires the feeder exactly once.
	triggerMu sync.Mutex
}

// NewPipeline wires the payment pipeline.
func NewPipeline(
	balance *Balance,
	engine HerdEngine,
	nostr NostrClient,
	members MemberReader,
	cache Cache,
	feeder Feeder,
	payout Payout,
	notifier Notifier,
	metrics Metrics,
	triggerSats int64,
	clock clockwork.Clock,
) *Pipeline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pipeline{
		balance:     balance,
		engine:      engine,
		nostr:       nostr,
		members:     members,
		cache:       cache,
		feeder:      feeder,
		payout:      payout,
		notifier:    notifier,
		metrics:     metrics,
		clock:       clock,
		triggerSats: triggerSats,
	}
}

// HandlePayment processes one raw payment frame from the stream. A nil
// return acknowledges the message; an error leaves it pending for
// redelivery, which the zap duplicate guard absorbs. Malformed frames are
// acknowledged and dropped.
func (p *Pipeline) HandlePayment(ctx context.Context, data []byte) error {
	event, err := queue.FromJSONPayment(data)
	if err != nil {
		logger.Warn("dropping malformed payment event", zap.Error(err))
		return nil
	}

	if err := p.metrics.IncrTotalPayments(ctx); err != nil {
		logger.Warn("failed to count payment", zap.Error(err))
	}

	balance := p.balance.Apply(event)
	sats := event.SatsReceived()
	zapReq := ExtractZapRequest(&event.Payment)

	logger.Debug("payment received",
		zap.String("payment_hash", event.Payment.PaymentHash),
		zap.Int64("sats", sats),
		zap.Int64("balance_sats", balance),
		zap.Bool("zap", zapReq != nil))

	// The herd task runs alongside the generic path; its failure defers
	// the ack so the zap is redelivered, without blocking the trigger.
	g, gctx := errgroup.WithContext(ctx)
	if zapReq != nil {
		g.Go(func() error {
			return p.runHerdTask(gctx, zapReq, sats)
		})
	}

	triggered := false
	if sats > 0 {
		triggered = p.maybeTrigger(ctx)
	}

	if zapReq == nil && sats > 0 {
		if err := p.metrics.IncrRegularProcessed(ctx); err != nil {
			logger.Warn("failed to count regular payment", zap.Error(err))
		}
		if sats >= messageMinSats && !triggered {
			p.notifier.SatsReceived(ctx, sats, p.remainingToTrigger())
		}
	}

	return g.Wait()
}

// maybeTrigger fires the feeder when the balance crosses the threshold and
// the physical override switch is off, then hands the full balance to the
// payout orchestrator. Returns whether the feeder fired. Errors are logged;
// the next payment re-evaluates from scratch.
func (p *Pipeline) maybeTrigger(ctx context.Context) bool {
	p.triggerMu.Lock()
	defer p.triggerMu.Unlock()

	balance := p.balance.Current()
	if balance < p.triggerSats {
		return false
	}

	overridden, err := p.feeder.OverrideEnabled(ctx)
	if err != nil {
		logger.Error("failed to read feeder override", zap.Error(err))
		return false
	}
	if overridden {
		logger.Info("feeder override on, holding trigger", zap.Int64("balance_sats", balance))
		return false
	}

	if err := p.feeder.Trigger(ctx); err != nil {
		logger.Error("feeder trigger failed", zap.Error(err))
		return false
	}
	logger.Info("feeder triggered", zap.Int64("balance_sats", balance))

	if err := p.payout.Send(ctx, balance); err != nil {
		// The goats were fed either way; the balance stays for a retry.
		logger.Error("payout after trigger failed", zap.Error(err))
	}
	return true
}

// runHerdTask resolves a zap request into a herd candidate and hands it to
// the engine. Permanent defects (no usable profile, invalid candidate) are
// logged and dropped; transient failures propagate for redelivery.
func (p *Pipeline) runHerdTask(ctx context.Context, req *ZapRequest, sats int64) error {
	if req.PubKey == "" || req.EventID == "" {
		logger.Debug("zap request missing pubkey or zapped event, skipping")
		return nil
	}

	member, err := p.members.Get(ctx, req.PubKey)
	if err != nil && !errors.Is(err, database.ErrMemberNotFound) {
		return fmt.Errorf("failed to load member %.16s: %w", req.PubKey, err)
	}

	// Active members accumulate from zaps to any note; everyone else must
	// have zapped a herd-tagged note.
	admissible := member != nil && member.IsActive
	if !admissible {
		tagged, err := p.eventHasHerdTag(ctx, req.EventID)
		if err != nil {
			return err
		}
		admissible = tagged
	}

	if !admissible {
		if err := p.metrics.IncrRegularProcessed(ctx); err != nil {
			logger.Warn("failed to count regular payment", zap.Error(err))
		}
		if sats >= messageMinSats {
			p.notifier.SatsReceived(ctx, sats, p.remainingToTrigger())
		}
		return nil
	}

	if err := p.metrics.IncrCyberHerdDetected(ctx); err != nil {
		logger.Warn("failed to count cyberherd payment", zap.Error(err))
	}

	candidate, err := p.composeCandidate(ctx, req, member, sats)
	if err != nil {
		logger.Warn("rejecting herd candidate",
			zap.String("pubkey", req.PubKey),
			zap.Error(err))
		return nil
	}

	outcome, err := p.engine.ProcessCandidate(ctx, candidate, false)
	if errors.Is(err, herd.ErrInvalidCandidate) {
		logger.Warn("engine rejected candidate", zap.String("pubkey", req.PubKey), zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	if outcome == herd.OutcomeHeadbuttRequired {
		if _, err := p.engine.ProcessHeadbuttAttempts(ctx, []*herd.Candidate{candidate}); err != nil {
			return err
		}
	}
	return nil
}

// ReplayZap runs the admission flow for a zap request reconstructed from a
// relay-fetched receipt, as if its payment had just arrived. The duplicate
// guard inside the engine still applies.
func (p *Pipeline) ReplayZap(ctx context.Context, req *ZapRequest, amountSats int64) error {
	if amountSats <= 0 {
		logger.Debug("replayed receipt has no recoverable amount, skipping",
			zap.String("receipt_id", req.ReceiptID))
		return nil
	}
	return p.runHerdTask(ctx, req, amountSats)
}

// PrimeHerdTag records that an event carries the herd tag without a relay
// lookup, valid until the next UTC midnight. Recovery primes the notes it
// already fetched by tag.
func (p *Pipeline) PrimeHerdTag(ctx context.Context, eventID string) {
	key := herdTagKeyPrefix + eventID
	if err := p.cache.SetUntil(ctx, key, "1", nextUTCMidnight(p.clock.Now())); err != nil {
		logger.Warn("failed to cache herd tag result", zap.Error(err))
	}
}

// eventHasHerdTag resolves whether a note carries the herd tag, caching
// definitive answers until the next UTC midnight. Events no relay can find
// count as untagged but are not cached; they may still propagate.
func (p *Pipeline) eventHasHerdTag(ctx context.Context, eventID string) (bool, error) {
	key := herdTagKeyPrefix + eventID
	cached, err := p.cache.Get(ctx, key)
	if err == nil {
		return cached == "1", nil
	}
	if !errors.Is(err, database.ErrCacheMiss) {
		logger.Warn("herd tag cache read failed", zap.Error(err))
	}

	tagged, err := p.nostr.HasHerdTag(ctx, eventID)
	if errors.Is(err, nostrclient.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to resolve herd tag for %s: %w", eventID, err)
	}

	value := "0"
	if tagged {
		value = "1"
	}
	if err := p.cache.SetUntil(ctx, key, value, nextUTCMidnight(p.clock.Now())); err != nil {
		logger.Warn("failed to cache herd tag result", zap.Error(err))
	}
	return tagged, nil
}

// composeCandidate builds the engine candidate, preferring the stored herd
// row over relay lookups. Zappers without a resolvable lightning address
// cannot receive a split and are rejected.
func (p *Pipeline) composeCandidate(ctx context.Context, req *ZapRequest, member *database.HerdMember, sats int64) (*herd.Candidate, error) {
	c := &herd.Candidate{
		PubKey:     req.PubKey,
		EventID:    req.EventID,
		Note:       req.ReceiptID,
		Kinds:      []int{9735},
		AmountSats: sats,
	}

	if member != nil {
		c.DisplayName = member.DisplayName
		c.Lud16 = member.Lud16
		c.Nprofile = member.Nprofile
		c.Picture = member.Picture
		c.Relays = member.Relays
		return c, nil
	}

	profile, err := p.nostr.FetchProfile(ctx, req.PubKey)
	if err != nil {
		return nil, fmt.Errorf("no profile resolvable: %w", err)
	}
	if profile.Lud16 == "" {
		return nil, errors.New("profile has no lightning address")
	}

	relays, err := p.nostr.FetchRelays(ctx, req.PubKey)
	if err != nil {
		logger.Debug("relay list lookup failed, using defaults",
			zap.String("pubkey", req.PubKey), zap.Error(err))
		relays = nil
	}

	nprofile, err := p.nostr.EncodeNprofile(req.PubKey, relays)
	if err != nil {
		return nil, fmt.Errorf("failed to encode nprofile: %w", err)
	}

	c.DisplayName = profile.BestName()
	c.Lud16 = profile.Lud16
	c.Nprofile = nprofile
	c.Relays = relays
	if profile.Picture != "" {
		picture := profile.Picture
		c.Picture = &picture
	}
	return c, nil
}

func (p *Pipeline) remainingToTrigger() int64 {
	remaining := p.triggerSats - p.balance.Current()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// nextUTCMidnight returns the first midnight after t, in UTC.
func nextUTCMidnight(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
