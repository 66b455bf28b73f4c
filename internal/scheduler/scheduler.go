// Package scheduler runs the recurring maintenance job at UTC midnight:
// herd reset, split reset, metrics session rollover and table hygiene.
package scheduler

import (
	"context"
	"time"

	"cyberherd/pkg/logger"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// zapRetention is how long settled processed-zap rows are kept. The
// duplicate guard only has to cover replays within the same day.
const zapRetention = 24 * time.Hour

// HerdResetter clears the herd for the new day.
type HerdResetter interface {
	DailyReset(ctx context.Context) (int64, error)
}

// SplitSyncer pushes the current herd state to the payment splitter.
type SplitSyncer interface {
	Sync(ctx context.Context, force bool) error
}

// SessionResetter stamps the start of a new metrics accounting session.
type SessionResetter interface {
	ResetSession(ctx context.Context) error
}

// CachePurger drops expired cache rows.
type CachePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// ZapPurger drops settled processed-zap rows older than the given age.
type ZapPurger interface {
	PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Notifier announces the completed reset. Best-effort.
type Notifier interface {
	DailyResetDone(ctx context.Context)
}

// DailyJob fires once per UTC midnight until its context is cancelled.
type DailyJob struct {
	herd     HerdResetter
	splits   SplitSyncer
	metrics  SessionResetter
	cache    CachePurger
	zaps     ZapPurger
	notifier Notifier
	clock    clockwork.Clock
}

// NewDailyJob wires the midnight job. A nil clock selects the real one.
func NewDailyJob(
	herd HerdResetter,
	splits SplitSyncer,
	metrics SessionResetter,
	cache CachePurger,
	zaps ZapPurger,
	notifier Notifier,
	clock clockwork.Clock,
) *DailyJob {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DailyJob{
		herd:     herd,
		splits:   splits,
		metrics:  metrics,
		cache:    cache,
		zaps:     zaps,
		notifier: notifier,
		clock:    clock,
	}
}

// Run blocks until ctx is cancelled, executing the job at every UTC
// midnight. Individual step failures are logged and never stop the loop.
func (j *DailyJob) Run(ctx context.Context) error {
	for {
		wait := untilNextMidnight(j.clock.Now())
		logger.Info("Midnight job scheduled", zap.Duration("in", wait))

		select {
		case <-ctx.Done():
			return nil
		case <-j.clock.After(wait):
		}

		j.runOnce(ctx)
	}
}

func (j *DailyJob) runOnce(ctx context.Context) {
	removed, err := j.herd.DailyReset(ctx)
	if err != nil {
		logger.Error("Daily herd reset failed", zap.Error(err))
	}
	resetOK := err == nil

	// Splits follow the herd; with the table cleared the forced sync
	// parks everything on the fallback target.
	if resetOK {
		if err := j.splits.Sync(ctx, true); err != nil {
			logger.Error("Split reset after daily reset failed", zap.Error(err))
		}
	}

	if err := j.metrics.ResetSession(ctx); err != nil {
		logger.Warn("Metrics session reset failed", zap.Error(err))
	}

	cacheRows, err := j.cache.PurgeExpired(ctx)
	if err != nil {
		logger.Warn("Cache purge failed", zap.Error(err))
	}

	zapRows, err := j.zaps.PurgeOlderThan(ctx, zapRetention)
	if err != nil {
		logger.Warn("Processed zap purge failed", zap.Error(err))
	}

	if resetOK {
		j.notifier.DailyResetDone(ctx)
	}

	logger.Info("Midnight job finished",
		zap.Int64("members_removed", removed),
		zap.Int64("cache_rows_purged", cacheRows),
		zap.Int64("zap_rows_purged", zapRows))
}

func untilNextMidnight(now time.Time) time.Duration {
	utc := now.UTC()
	next := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next.Sub(utc)
}
