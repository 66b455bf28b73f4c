package splits

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"cyberherd/internal/database"
	"cyberherd/internal/wallet"
	"cyberherd/pkg/logger"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Initialize logger for tests
	_ = logger.Init("development")
}

const (
	testFallbackWallet = "treasury@lnbits.example.com"
	testFallbackAlias  = "Herd Treasury"
)

func member(n int, payouts float64) *database.HerdMember {
	return &database.HerdMember{
		PubKey:      fmt.Sprintf("%064x", n),
		DisplayName: fmt.Sprintf("Goat %d", n),
		Lud16:       fmt.Sprintf("goat%d@lnbits.example.com", n),
		Payouts:     payouts,
		IsActive:    true,
	}
}

func sumPercent(targets []wallet.Target) int {
	total := 0
	for _, t := range targets {
		total += t.Percent
	}
	return total
}

func TestComputeTargets_EmptyHerd(t *testing.T) {
	targets := ComputeTargets(nil, testFallbackWallet, testFallbackAlias)

	require.Len(t, targets, 1)
	assert.Equal(t, testFallbackWallet, targets[0].Wallet)
	assert.Equal(t, testFallbackAlias, targets[0].Alias)
	assert.Equal(t, 100, targets[0].Percent)
}

func TestComputeTargets_SingleMemberTakesWholeBudget(t *testing.T) {
	targets := ComputeTargets([]*database.HerdMember{member(1, 0.05)},
		testFallbackWallet, testFallbackAlias)

	require.Len(t, targets, 2)
	assert.Equal(t, 90, targets[0].Percent)
	assert.Equal(t, "goat1@lnbits.example.com", targets[1].Wallet)
	assert.Equal(t, "Goat 1", targets[1].Alias)
	assert.Equal(t, 10, targets[1].Percent)
	assert.Equal(t, 100, sumPercent(targets))
}

func TestComputeTargets_ProportionalShares(t *testing.T) {
	members := []*database.HerdMember{member(1, 0.75), member(2, 0.25)}
	targets := ComputeTargets(members, testFallbackWallet, testFallbackAlias)

	// Budget 10, floors 1+1, remainder 8: floor(8*0.75)=6 and floor(8*0.25)=2.
	require.Len(t, targets, 3)
	assert.Equal(t, 7, targets[1].Percent)
	assert.Equal(t, 3, targets[2].Percent)
	assert.Equal(t, 100, sumPercent(targets))
}

func TestComputeTargets_LeftoverGoesToTopEarner(t *testing.T) {
	members := []*database.HerdMember{member(1, 0.6), member(2, 0.3), member(3, 0.1)}
	targets := ComputeTargets(members, testFallbackWallet, testFallbackAlias)

	// Floors 3, remainder 7: proportional extras 4/2/0 leave one percent
	// over, which lands on the top earner.
	require.Len(t, targets, 4)
	assert.Equal(t, 6, targets[1].Percent)
	assert.Equal(t, 3, targets[2].Percent)
	assert.Equal(t, 1, targets[3].Percent)
	assert.Equal(t, 100, sumPercent(targets))
}

func TestComputeTargets_ZeroPayoutsSplitEvenly(t *testing.T) {
	members := []*database.HerdMember{member(1, 0), member(2, 0), member(3, 0)}
	targets := ComputeTargets(members, testFallbackWallet, testFallbackAlias)

	require.Len(t, targets, 4)
	assert.Equal(t, 4, targets[1].Percent)
	assert.Equal(t, 3, targets[2].Percent)
	assert.Equal(t, 3, targets[3].Percent)
	assert.Equal(t, 100, sumPercent(targets))
}

func TestComputeTargets_CapsAtTenMembers(t *testing.T) {
	var members []*database.HerdMember
	for i := 1; i <= 12; i++ {
		members = append(members, member(i, float64(i)/100))
	}

	targets := ComputeTargets(members, testFallbackWallet, testFallbackAlias)

	require.Len(t, targets, 11, "fallback plus at most ten members")
	assert.Equal(t, 100, sumPercent(targets))
	for _, tgt := range targets {
		assert.GreaterOrEqual(t, tgt.Percent, 1)
	}
	// The two lowest earners were cut.
	for _, tgt := range targets[1:] {
		assert.NotEqual(t, "goat1@lnbits.example.com", tgt.Wallet)
		assert.NotEqual(t, "goat2@lnbits.example.com", tgt.Wallet)
	}
}

func TestComputeTargets_SkipsMembersWithoutLud16(t *testing.T) {
	broken := member(1, 0.9)
	broken.Lud16 = ""
	members := []*database.HerdMember{broken, member(2, 0.1)}

	targets := ComputeTargets(members, testFallbackWallet, testFallbackAlias)

	require.Len(t, targets, 2)
	assert.Equal(t, "goat2@lnbits.example.com", targets[1].Wallet)
	assert.Equal(t, 10, targets[1].Percent)
}

func TestComputeTargets_SumIsAlwaysHundred(t *testing.T) {
	for n := 1; n <= 10; n++ {
		var members []*database.HerdMember
		for i := 1; i <= n; i++ {
			members = append(members, member(i, float64(i%4)*0.07))
		}
		targets := ComputeTargets(members, testFallbackWallet, testFallbackAlias)
		assert.Equal(t, 100, sumPercent(targets), "n=%d", n)
		for _, tgt := range targets {
			assert.GreaterOrEqual(t, tgt.Percent, 1, "n=%d", n)
		}
	}
}

// ---- Synchronizer ----

type fakeMemberSource struct {
	members []*database.HerdMember
	err     error
}

func (f *fakeMemberSource) ListActive(context.Context) ([]*database.HerdMember, error) {
	return f.members, f.err
}

type fakeRouter struct {
	mu     sync.Mutex
	pushes [][]wallet.Target
	err    error
}

func (f *fakeRouter) SetTargets(_ context.Context, targets []wallet.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pushes = append(f.pushes, targets)
	return nil
}

func (f *fakeRouter) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

// fakeCache expires entries against the fake clock, like the real table
// expires them against now().
type fakeCache struct {
	clock   clockwork.Clock
	entries map[string]time.Time // key -> expiry
}

func newFakeCache(clock clockwork.Clock) *fakeCache {
	return &fakeCache{clock: clock, entries: make(map[string]time.Time)}
}

func (f *fakeCache) Get(_ context.Context, key string) (string, error) {
	expiry, ok := f.entries[key]
	if !ok || !f.clock.Now().Before(expiry) {
		return "", database.ErrCacheMiss
	}
	return "cached", nil
}

func (f *fakeCache) Set(_ context.Context, key, _ string, ttl time.Duration) error {
	f.entries[key] = f.clock.Now().Add(ttl)
	return nil
}

type syncFixture struct {
	sync   *Synchronizer
	source *fakeMemberSource
	router *fakeRouter
	clock  *clockwork.FakeClock
}

func newSyncFixture(members ...*database.HerdMember) *syncFixture {
	clock := clockwork.NewFakeClock()
	source := &fakeMemberSource{members: members}
	router := &fakeRouter{}
	s := NewSynchronizer(source, router, newFakeCache(clock),
		testFallbackWallet, testFallbackAlias, clock)
	return &syncFixture{sync: s, source: source, router: router, clock: clock}
}

func TestSynchronizer_PushesTargets(t *testing.T) {
	fx := newSyncFixture(member(1, 0.2))

	err := fx.sync.Sync(context.Background(), false)
	require.NoError(t, err)

	require.Equal(t, 1, fx.router.pushCount())
	pushed := fx.router.pushes[0]
	require.Len(t, pushed, 2)
	assert.Equal(t, 100, sumPercent(pushed))
}

func TestSynchronizer_RateLimitsRepeatedPushes(t *testing.T) {
	fx := newSyncFixture(member(1, 0.2))
	ctx := context.Background()

	require.NoError(t, fx.sync.Sync(ctx, false))
	require.NoError(t, fx.sync.Sync(ctx, false))
	assert.Equal(t, 1, fx.router.pushCount(), "second push inside the window is dropped")

	fx.clock.Advance(4 * time.Second)
	require.NoError(t, fx.sync.Sync(ctx, false))
	assert.Equal(t, 2, fx.router.pushCount())
}

func TestSynchronizer_ForceBypassesRateLimit(t *testing.T) {
	fx := newSyncFixture(member(1, 0.2))
	ctx := context.Background()

	require.NoError(t, fx.sync.Sync(ctx, false))
	require.NoError(t, fx.sync.Sync(ctx, true))
	assert.Equal(t, 2, fx.router.pushCount())
}

func TestSynchronizer_EmptyHerdPushesFallbackOnly(t *testing.T) {
	fx := newSyncFixture()

	require.NoError(t, fx.sync.Sync(context.Background(), true))

	require.Equal(t, 1, fx.router.pushCount())
	pushed := fx.router.pushes[0]
	require.Len(t, pushed, 1)
	assert.Equal(t, testFallbackWallet, pushed[0].Wallet)
	assert.Equal(t, 100, pushed[0].Percent)
}

func TestSynchronizer_FailedPushRetriesImmediately(t *testing.T) {
	fx := newSyncFixture(member(1, 0.2))
	ctx := context.Background()

	fx.router.err = fmt.Errorf("router down")
	require.Error(t, fx.sync.Sync(ctx, false))

	// The stamp was not written, so the retry is not rate limited.
	fx.router.err = nil
	require.NoError(t, fx.sync.Sync(ctx, false))
	assert.Equal(t, 1, fx.router.pushCount())
}
