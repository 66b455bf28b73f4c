// Package herd implements admission, accumulation and displacement for the
// bounded active herd. All decisions run inside a single database
// transaction under a process-wide mutex, so concurrent zaps cannot
// oversubscribe the herd or double-credit a member.
package herd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cyberherd/internal/database"
	"cyberherd/pkg/logger"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	// headbuttCooldown is the minimum wall-clock gap between successful
	// displacements. It keeps a burst of large zaps from emptying the
	// herd in one pass.
	headbuttCooldown = 5 * time.Second

	// claimStuckAfter is how long a zap may sit in processing before
	// another worker is allowed to reclaim it.
	claimStuckAfter = 10 * time.Minute
)

// Outcome reports what the engine did with a candidate.
type Outcome int

const (
	OutcomeDropped          Outcome = iota // duplicate receipt, or full herd with a sub-minimum zap
	OutcomeAdmitted                        // new or reactivated member entered the herd
	OutcomeAccumulated                     // already-active member credited
	OutcomeHeadbuttRequired                // herd full; caller must run a headbutt attempt
)

// String renders Outcome for logs.
func (o Outcome) String() string {
	switch o {
	case OutcomeDropped:
		return "dropped"
	case OutcomeAdmitted:
		return "admitted"
	case OutcomeAccumulated:
		return "accumulated"
	case OutcomeHeadbuttRequired:
		return "headbutt_required"
	default:
		return "unknown"
	}
}

// Notifier publishes herd lifecycle messages. Implementations are
// best-effort; the engine never fails an admission over a notification.
type Notifier interface {
	MemberJoined(ctx context.Context, member *database.HerdMember, spotsRemaining int)
	HeadbuttSuccess(ctx context.Context, attacker, victim *database.HerdMember)
	HeadbuttFailure(ctx context.Context, attacker *Candidate, requiredSats int64)
}

// Syncer pushes the current herd state to the payment splitter.
type Syncer interface {
	Sync(ctx context.Context, force bool) error
}

// Config bounds the herd.
type Config struct {
	MaxSize         int
	HeadbuttMinSats int64
}

// Engine owns every mutation of the cyber_herd table.
type Engine struct {
	db       *database.DB
	members  *database.HerdRepository
	zaps     *database.ZapRepository
	notifier Notifier
	syncer   Syncer
	validate *validator.Validate
	clock    clockwork.Clock
	cfg      Config

	mu           sync.Mutex // serializes admissions, headbutts and resets
	lastHeadbutt time.Time  // guarded by mu; zero means never
}

// NewEngine creates the herd engine.
func NewEngine(
	db *database.DB,
	members *database.HerdRepository,
	zaps *database.ZapRepository,
	notifier Notifier,
	syncer Syncer,
	cfg Config,
	clock clockwork.Clock,
) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		db:       db,
		members:  members,
		zaps:     zaps,
		notifier: notifier,
		syncer:   syncer,
		validate: newValidator(),
		clock:    clock,
		cfg:      cfg,
	}
}

// ProcessCandidate runs one zap sender through the admission table:
//
//	already active            -> accumulate amount, payouts and kinds
//	known or new, herd open   -> admit (reactivating a previous member)
//	herd full, zap < minimum  -> drop silently
//	herd full otherwise       -> OutcomeHeadbuttRequired; caller decides
//
// When the candidate carries a zap receipt id it is claimed first, so a
// replayed receipt returns OutcomeDropped without touching the herd. The
// claim is marked completed here for every outcome except
// OutcomeHeadbuttRequired, whose resolution belongs to
// ProcessHeadbuttAttempts.
func (e *Engine) ProcessCandidate(ctx context.Context, c *Candidate, skipDuplicateCheck bool) (Outcome, error) {
	if err := e.validateCandidate(c); err != nil {
		return OutcomeDropped, err
	}

	claimed := false
	if c.Note != "" && !skipDuplicateCheck {
		claim := &database.ProcessedZap{
			ZapEventID:      c.Note,
			PubKey:          c.PubKey,
			OriginalEventID: c.EventID,
			Amount:          c.AmountSats,
		}
		err := e.zaps.Claim(ctx, claim, claimStuckAfter)
		if errors.Is(err, database.ErrZapAlreadyProcessed) {
			logger.Debug("zap receipt already processed",
				zap.String("zap_event_id", c.Note),
				zap.String("pubkey", c.PubKey))
			return OutcomeDropped, nil
		}
		if err != nil {
			return OutcomeDropped, fmt.Errorf("failed to claim zap %s: %w", c.Note, err)
		}
		claimed = true
	}

	outcome, err := e.admit(ctx, c)
	if err != nil {
		if claimed {
			e.finishClaim(ctx, c.Note, true)
		}
		return OutcomeDropped, err
	}

	// A pending headbutt keeps its claim in processing until the attempt
	// resolves; every other outcome is terminal.
	if claimed && outcome != OutcomeHeadbuttRequired {
		e.finishClaim(ctx, c.Note, false)
	}

	if outcome == OutcomeAdmitted || outcome == OutcomeAccumulated {
		e.syncSplits(ctx)
	}
	return outcome, nil
}

// admit applies the decision table inside one transaction. The member row
// is read under FOR UPDATE every time; a copy the caller loaded earlier may
// already be stale, and accumulation must never lose an update.
func (e *Engine) admit(ctx context.Context, c *Candidate) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		outcome Outcome
		joined  *database.HerdMember
		spots   int
	)
	err := e.db.InTx(ctx, func(tx pgx.Tx) error {
		member, err := e.members.GetForUpdate(ctx, tx, c.PubKey)
		if err != nil && !errors.Is(err, database.ErrMemberNotFound) {
			return err
		}

		active, err := e.members.CountActive(ctx, tx)
		if err != nil {
			return err
		}

		switch {
		case member != nil && member.IsActive:
			outcome = OutcomeAccumulated
			return e.members.Upsert(ctx, tx, accumulate(member, c))

		case active < e.cfg.MaxSize:
			outcome = OutcomeAdmitted
			updated := accumulate(member, c)
			updated.IsActive = true
			if err := e.members.Upsert(ctx, tx, updated); err != nil {
				return err
			}
			joined = updated
			spots = e.cfg.MaxSize - (active + 1)
			return nil

		case c.AmountSats < e.cfg.HeadbuttMinSats:
			outcome = OutcomeDropped
			return nil

		default:
			outcome = OutcomeHeadbuttRequired
			return nil
		}
	})
	if err != nil {
		return OutcomeDropped, fmt.Errorf("herd admission for %.16s failed: %w", c.PubKey, err)
	}

	logger.Info("herd candidate processed",
		zap.String("pubkey", c.PubKey),
		zap.String("outcome", outcome.String()),
		zap.Int64("amount_sats", c.AmountSats))

	if joined != nil {
		e.notifier.MemberJoined(ctx, joined, spots)
	}
	return outcome, nil
}

// ProcessHeadbuttAttempts resolves candidates rejected for a full herd,
// strongest zap first. Each attempt reloads the herd inside its own
// transaction: a slot freed by an earlier displacement admits the next
// candidate outright. At most one displacement succeeds per cooldown
// window; candidates arriving inside the window are dropped without a
// failure message, as are candidates below the configured minimum.
// Returns the number of successful displacements.
func (e *Engine) ProcessHeadbuttAttempts(ctx context.Context, candidates []*Candidate) (int, error) {
	sorted := make([]*Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].AmountSats > sorted[j].AmountSats
	})

	displaced := 0
	var firstErr error
	for _, c := range sorted {
		if err := e.validateCandidate(c); err != nil {
			logger.Warn("dropping invalid headbutt candidate", zap.Error(err))
			continue
		}
		if c.AmountSats < e.cfg.HeadbuttMinSats {
			// Not enough to even try; no failure message for these.
			e.finishClaim(ctx, c.Note, false)
			continue
		}

		res, err := e.attemptHeadbutt(ctx, c)
		if err != nil {
			e.finishClaim(ctx, c.Note, true)
			logger.Error("headbutt attempt failed",
				zap.String("pubkey", c.PubKey), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		e.finishClaim(ctx, c.Note, false)
		if res.outcome == attemptDisplaced {
			displaced++
		}
		if res.outcome == attemptDisplaced || res.outcome == attemptAdmitted {
			e.syncSplits(ctx)
		}
	}
	return displaced, firstErr
}

type attemptOutcome int

const (
	attemptCooldown  attemptOutcome = iota // inside the global cooldown window
	attemptAdmitted                        // slot free (or already active) after reload
	attemptDisplaced                       // lowest member knocked out
	attemptRejected                        // below the displacement threshold
)

type attemptResult struct {
	outcome attemptOutcome
}

// attemptHeadbutt runs a single displacement attempt under the herd mutex.
func (e *Engine) attemptHeadbutt(ctx context.Context, c *Candidate) (attemptResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.clock.Now().Sub(e.lastHeadbutt) < headbuttCooldown {
		logger.Debug("headbutt cooldown active",
			zap.String("pubkey", c.PubKey),
			zap.Time("last_headbutt", e.lastHeadbutt))
		return attemptResult{outcome: attemptCooldown}, nil
	}

	var (
		res      attemptResult
		joined   *database.HerdMember
		victim   *database.HerdMember
		spots    int
		required int64
	)
	err := e.db.InTx(ctx, func(tx pgx.Tx) error {
		member, err := e.members.GetForUpdate(ctx, tx, c.PubKey)
		if err != nil && !errors.Is(err, database.ErrMemberNotFound) {
			return err
		}

		active, err := e.members.CountActive(ctx, tx)
		if err != nil {
			return err
		}

		// An earlier displacement may have opened a slot, or an earlier
		// zap may have admitted this pubkey already.
		if (member != nil && member.IsActive) || active < e.cfg.MaxSize {
			res.outcome = attemptAdmitted
			updated := accumulate(member, c)
			updated.IsActive = true
			if err := e.members.Upsert(ctx, tx, updated); err != nil {
				return err
			}
			if member == nil || !member.IsActive {
				joined = updated
				spots = e.cfg.MaxSize - (active + 1)
			}
			return nil
		}

		lowest, err := e.members.LowestActive(ctx, tx)
		if err != nil {
			return err
		}

		required = HeadbuttThreshold(lowest.Amount, e.cfg.HeadbuttMinSats)
		if c.AmountSats < required {
			res.outcome = attemptRejected
			return nil
		}

		if err := e.members.Deactivate(ctx, tx, lowest.PubKey); err != nil {
			return err
		}
		updated := accumulate(member, c)
		updated.IsActive = true
		if err := e.members.Upsert(ctx, tx, updated); err != nil {
			return err
		}
		res.outcome = attemptDisplaced
		joined = updated
		victim = lowest
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("headbutt transaction for %.16s failed: %w", c.PubKey, err)
	}

	switch res.outcome {
	case attemptDisplaced:
		e.lastHeadbutt = e.clock.Now()
		logger.Info("headbutt succeeded",
			zap.String("attacker", c.PubKey),
			zap.String("victim", victim.PubKey),
			zap.Int64("amount_sats", c.AmountSats),
			zap.Int64("required_sats", required))
		e.notifier.HeadbuttSuccess(ctx, joined, victim)
	case attemptAdmitted:
		logger.Info("headbutt candidate admitted without displacement",
			zap.String("pubkey", c.PubKey))
		if joined != nil {
			e.notifier.MemberJoined(ctx, joined, spots)
		}
	case attemptRejected:
		logger.Info("headbutt rejected",
			zap.String("pubkey", c.PubKey),
			zap.Int64("amount_sats", c.AmountSats),
			zap.Int64("required_sats", required))
		e.notifier.HeadbuttFailure(ctx, c, required)
	}
	return res, nil
}

// DailyReset clears the whole herd table. The midnight scheduler owns the
// follow-up work (forced split sync, counters, announcement).
func (e *Engine) DailyReset(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed, err := e.members.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reset herd: %w", err)
	}
	logger.Info("daily herd reset", zap.Int64("members_removed", removed))
	return removed, nil
}

// accumulate folds a candidate into an existing row, or builds a fresh one.
// Amount adds up, payout share grows by the zap calculation plus any new
// engagement bonus (capped at 1.0), and kinds union. Profile fields refresh
// to the candidate's values; the admitting event and note are kept.
func accumulate(existing *database.HerdMember, c *Candidate) *database.HerdMember {
	if existing == nil {
		return &database.HerdMember{
			PubKey:      c.PubKey,
			DisplayName: c.DisplayName,
			Lud16:       c.Lud16,
			Nprofile:    c.Nprofile,
			Picture:     c.Picture,
			Relays:      c.Relays,
			EventID:     c.EventID,
			Note:        c.Note,
			Kinds:       database.EncodeKinds(c.Kinds),
			Amount:      c.AmountSats,
			Payouts:     capPayouts(CalcPayoutIncrement(c.AmountSats) + engagementBonus(nil, c.Kinds)),
		}
	}

	m := *existing
	m.Amount += c.AmountSats
	m.Payouts = capPayouts(m.Payouts + CalcPayoutIncrement(c.AmountSats) + engagementBonus(existing.KindList(), c.Kinds))
	m.Kinds = database.MergeKinds(existing.Kinds, c.Kinds)
	m.DisplayName = c.DisplayName
	m.Lud16 = c.Lud16
	m.Nprofile = c.Nprofile
	if c.Picture != nil {
		m.Picture = c.Picture
	}
	if len(c.Relays) > 0 {
		m.Relays = c.Relays
	}
	return &m
}

// finishClaim settles the idempotence row for a candidate, if it has one.
// A missing row just means the caller claimed nothing (recovery paths).
func (e *Engine) finishClaim(ctx context.Context, zapEventID string, failed bool) {
	if zapEventID == "" {
		return
	}
	var err error
	if failed {
		err = e.zaps.MarkFailed(ctx, zapEventID)
	} else {
		err = e.zaps.MarkCompleted(ctx, zapEventID)
	}
	if err != nil && !errors.Is(err, database.ErrZapNotFound) {
		logger.Warn("failed to settle zap claim",
			zap.String("zap_event_id", zapEventID),
			zap.Bool("failed", failed),
			zap.Error(err))
	}
}

func (e *Engine) syncSplits(ctx context.Context) {
	if err := e.syncer.Sync(ctx, false); err != nil {
		logger.Warn("split sync after herd change failed", zap.Error(err))
	}
}
