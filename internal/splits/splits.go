// Package splits mirrors the active herd onto the wallet's split-payment
// router. The fallback wallet always receives the lion's share; active
// members divide the rest in proportion to their accumulated payout units.
package splits

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cyberherd/internal/database"
	"cyberherd/internal/wallet"
	"cyberherd/pkg/logger"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	fallbackOnlyPercent = 100
	fallbackPercent     = 90
	memberBudget        = 10
	minMemberPercent    = 1
	maxSplitMembers     = memberBudget / minMemberPercent

	// syncInterval is the minimum gap between non-forced pushes.
	syncInterval = 3 * time.Second

	// lastSyncKey records the last push in the cache table.
	lastSyncKey = "splits:last_sync"
)

// MemberSource lists the members participating in the next payout.
type MemberSource interface {
	ListActive(ctx context.Context) ([]*database.HerdMember, error)
}

// Router is the wallet's split-target endpoint.
type Router interface {
	SetTargets(ctx context.Context, targets []wallet.Target) error
}

// Cache stores the rate-limit stamp between pushes.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Synchronizer recomputes and pushes split targets. One push runs at a
// time; non-forced pushes are throttled through the cache stamp.
type Synchronizer struct {
	members        MemberSource
	router         Router
	cache          Cache
	clock          clockwork.Clock
	fallbackWallet string
	fallbackAlias  string

	mu sync.Mutex
}

// NewSynchronizer creates the split-target synchronizer.
func NewSynchronizer(
	members MemberSource,
	router Router,
	cache Cache,
	fallbackWallet string,
	fallbackAlias string,
	clock clockwork.Clock,
) *Synchronizer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Synchronizer{
		members:        members,
		router:         router,
		cache:          cache,
		clock:          clock,
		fallbackWallet: fallbackWallet,
		fallbackAlias:  fallbackAlias,
	}
}

// Sync recomputes the target list from the active herd and pushes it to
// the router. Non-forced calls inside the rate-limit window return nil
// without pushing. The rate-limit stamp is only written after a
// successful push, so a failed push retries on the next herd change.
func (s *Synchronizer) Sync(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force {
		_, err := s.cache.Get(ctx, lastSyncKey)
		if err == nil {
			logger.Debug("split sync rate limited")
			return nil
		}
		if !errors.Is(err, database.ErrCacheMiss) {
			// Push anyway; a broken rate limit must not stall the router.
			logger.Warn("split sync rate-limit check failed", zap.Error(err))
		}
	}

	members, err := s.members.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active members: %w", err)
	}

	targets := ComputeTargets(members, s.fallbackWallet, s.fallbackAlias)
	if err := s.router.SetTargets(ctx, targets); err != nil {
		return fmt.Errorf("failed to push split targets: %w", err)
	}

	stamp := s.clock.Now().UTC().Format(time.RFC3339Nano)
	if err := s.cache.Set(ctx, lastSyncKey, stamp, syncInterval); err != nil {
		logger.Warn("failed to record split sync stamp", zap.Error(err))
	}

	logger.Info("split targets pushed",
		zap.Int("targets", len(targets)),
		zap.Int("members", len(targets)-1),
		zap.Bool("force", force))
	return nil
}

// ComputeTargets builds the split document for the given members. The
// fallback wallet is always present; with no eligible members it takes
// everything. Members need a lightning address to participate and only
// the top earners fit the 10% member budget at 1% minimum each. The
// resulting percents always sum to 100.
func ComputeTargets(members []*database.HerdMember, fallbackWallet, fallbackAlias string) []wallet.Target {
	eligible := make([]*database.HerdMember, 0, len(members))
	for _, m := range members {
		if m.Lud16 != "" {
			eligible = append(eligible, m)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Payouts > eligible[j].Payouts
	})
	if len(eligible) > maxSplitMembers {
		eligible = eligible[:maxSplitMembers]
	}

	if len(eligible) == 0 {
		return []wallet.Target{{
			Wallet:  fallbackWallet,
			Alias:   fallbackAlias,
			Percent: fallbackOnlyPercent,
		}}
	}

	percents := distributeMemberBudget(eligible)

	targets := make([]wallet.Target, 0, len(eligible)+1)
	targets = append(targets, wallet.Target{
		Wallet:  fallbackWallet,
		Alias:   fallbackAlias,
		Percent: fallbackPercent,
	})
	for i, m := range eligible {
		targets = append(targets, wallet.Target{
			Wallet:  m.Lud16,
			Alias:   m.DisplayName,
			Percent: percents[i],
		})
	}
	return targets
}

// distributeMemberBudget splits the member budget: a 1% floor each, the
// rest proportional to payout share with floor rounding, and whatever
// integer percents remain handed out one-by-one from the top earner down.
// Members must already be sorted by payouts descending.
func distributeMemberBudget(members []*database.HerdMember) []int {
	n := len(members)
	percents := make([]int, n)
	for i := range percents {
		percents[i] = minMemberPercent
	}
	remainder := memberBudget - n*minMemberPercent

	var sum float64
	for _, m := range members {
		sum += m.Payouts
	}

	allocated := 0
	if sum > 0 {
		for i, m := range members {
			extra := int(float64(remainder) * (m.Payouts / sum))
			percents[i] += extra
			allocated += extra
		}
	}

	leftover := remainder - allocated
	for i := 0; leftover > 0; i++ {
		percents[i%n]++
		leftover--
	}
	return percents
}
