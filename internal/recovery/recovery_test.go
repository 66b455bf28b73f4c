package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"cyberherd/internal/database"
	"cyberherd/internal/pipeline"
	"cyberherd/pkg/logger"

	"github.com/jonboulle/clockwork"
	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Init("development")
}

var (
	recoveryNow = time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC)

	pubkeyA = strings.Repeat("a", 64)
	pubkeyB = strings.Repeat("b", 64)
	noteOne = strings.Repeat("1", 64)
	noteTwo = strings.Repeat("2", 64)
)

// receipt builds a kind-9735 receipt whose description tag embeds a request
// from zapper for noteID with the given amount.
func receipt(t *testing.T, id, zapper, noteID string, sats int64) *gonostr.Event {
	t.Helper()
	request := gonostr.Event{
		PubKey: zapper,
		Kind:   gonostr.KindZapRequest,
		Tags: gonostr.Tags{
			{"e", noteID},
			{"amount", strconv.FormatInt(sats*1000, 10)},
		},
	}
	reqJSON, err := json.Marshal(request)
	require.NoError(t, err)

	return &gonostr.Event{
		ID:   id,
		Kind: gonostr.KindZap,
		Tags: gonostr.Tags{
			{"bolt11", "lnbc1u1example"},
			{"description", string(reqJSON)},
		},
	}
}

type fakeNoteSource struct {
	notes       []string
	notesErr    error
	receipts    map[string][]*gonostr.Event
	receiptsErr map[string]error
	fetchNotes  []time.Time
	fetchZaps   []string
}

func newFakeNoteSource() *fakeNoteSource {
	return &fakeNoteSource{
		receipts:    map[string][]*gonostr.Event{},
		receiptsErr: map[string]error{},
	}
}

func (f *fakeNoteSource) FetchHerdNotes(_ context.Context, since time.Time, limit int) ([]string, error) {
	f.fetchNotes = append(f.fetchNotes, since)
	if f.notesErr != nil {
		return nil, f.notesErr
	}
	if len(f.notes) > limit {
		return f.notes[:limit], nil
	}
	return f.notes, nil
}

func (f *fakeNoteSource) FetchZapReceipts(_ context.Context, noteID string, limit int) ([]*gonostr.Event, error) {
	f.fetchZaps = append(f.fetchZaps, noteID)
	if err := f.receiptsErr[noteID]; err != nil {
		return nil, err
	}
	rs := f.receipts[noteID]
	if len(rs) > limit {
		rs = rs[:limit]
	}
	return rs, nil
}

type replayCall struct {
	req  *pipeline.ZapRequest
	sats int64
}

type fakeReplayer struct {
	failures int
	replays  []replayCall
	primed   []string
}

func (f *fakeReplayer) ReplayZap(_ context.Context, req *pipeline.ZapRequest, sats int64) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("store unavailable")
	}
	f.replays = append(f.replays, replayCall{req: req, sats: sats})
	return nil
}

func (f *fakeReplayer) PrimeHerdTag(_ context.Context, eventID string) {
	f.primed = append(f.primed, eventID)
}

type fakeMemberDir struct {
	pubkeys map[string]struct{}
	err     error
}

func (f *fakeMemberDir) AllPubkeys(context.Context) (map[string]struct{}, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pubkeys, nil
}

type fakeLedger struct {
	claims    []*database.ProcessedZap
	completed []string
	claimErr  error
}

func (f *fakeLedger) Claim(_ context.Context, zap *database.ProcessedZap, _ time.Duration) error {
	if f.claimErr != nil {
		return f.claimErr
	}
	f.claims = append(f.claims, zap)
	return nil
}

func (f *fakeLedger) MarkCompleted(_ context.Context, zapEventID string) error {
	f.completed = append(f.completed, zapEventID)
	return nil
}

type fakeRecoveryCache struct {
	entries map[string]string
	expiry  map[string]time.Time
}

func newFakeRecoveryCache() *fakeRecoveryCache {
	return &fakeRecoveryCache{
		entries: map[string]string{},
		expiry:  map[string]time.Time{},
	}
}

func (f *fakeRecoveryCache) Get(_ context.Context, key string) (string, error) {
	v, ok := f.entries[key]
	if !ok {
		return "", database.ErrCacheMiss
	}
	return v, nil
}

func (f *fakeRecoveryCache) SetUntil(_ context.Context, key, value string, expiresAt time.Time) error {
	f.entries[key] = value
	f.expiry[key] = expiresAt
	return nil
}

type recoveryFixture struct {
	runner   *Runner
	nostr    *fakeNoteSource
	replayer *fakeReplayer
	members  *fakeMemberDir
	zaps     *fakeLedger
	cache    *fakeRecoveryCache
}

func newRecoveryFixture() *recoveryFixture {
	fx := &recoveryFixture{
		nostr:    newFakeNoteSource(),
		replayer: &fakeReplayer{},
		members:  &fakeMemberDir{pubkeys: map[string]struct{}{}},
		zaps:     &fakeLedger{},
		cache:    newFakeRecoveryCache(),
	}
	fx.runner = NewRunner(fx.nostr, fx.replayer, fx.members, fx.zaps, fx.cache,
		clockwork.NewFakeClockAt(recoveryNow))
	return fx
}

func TestRunReplaysMissedReceipts(t *testing.T) {
	fx := newRecoveryFixture()
	fx.nostr.notes = []string{noteOne}
	fx.nostr.receipts[noteOne] = []*gonostr.Event{
		receipt(t, "r1", pubkeyA, noteOne, 50),
		receipt(t, "r2", pubkeyB, noteOne, 120),
	}

	err := fx.runner.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, fx.replayer.replays, 2)
	first := fx.replayer.replays[0]
	assert.Equal(t, pubkeyA, first.req.PubKey)
	assert.Equal(t, noteOne, first.req.EventID)
	assert.Equal(t, "r1", first.req.ReceiptID)
	assert.Equal(t, int64(50), first.sats)
	assert.Equal(t, int64(120), fx.replayer.replays[1].sats)

	assert.Equal(t, []string{noteOne}, fx.replayer.primed)

	midnight := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	require.Len(t, fx.nostr.fetchNotes, 1)
	assert.True(t, fx.nostr.fetchNotes[0].Equal(midnight))

	assert.Equal(t, noteOne, fx.cache.entries["herd_notes:2026-08-25"])
	assert.True(t, fx.cache.expiry["herd_notes:2026-08-25"].Equal(midnight.AddDate(0, 0, 1)))
}

func TestRunSettlesExistingMemberReceipts(t *testing.T) {
	fx := newRecoveryFixture()
	fx.members.pubkeys[pubkeyA] = struct{}{}
	fx.nostr.notes = []string{noteOne}
	fx.nostr.receipts[noteOne] = []*gonostr.Event{
		receipt(t, "r1", pubkeyA, noteOne, 50),
		receipt(t, "r2", pubkeyB, noteOne, 120),
	}

	err := fx.runner.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, fx.replayer.replays, 1)
	assert.Equal(t, pubkeyB, fx.replayer.replays[0].req.PubKey)

	require.Len(t, fx.zaps.claims, 1)
	claim := fx.zaps.claims[0]
	assert.Equal(t, "r1", claim.ZapEventID)
	assert.Equal(t, pubkeyA, claim.PubKey)
	assert.Equal(t, noteOne, claim.OriginalEventID)
	assert.Equal(t, int64(50), claim.Amount)
	assert.Equal(t, []string{"r1"}, fx.zaps.completed)
}

func TestRunLeavesSettledReceiptsAlone(t *testing.T) {
	fx := newRecoveryFixture()
	fx.members.pubkeys[pubkeyA] = struct{}{}
	fx.zaps.claimErr = database.ErrZapAlreadyProcessed
	fx.nostr.notes = []string{noteOne}
	fx.nostr.receipts[noteOne] = []*gonostr.Event{
		receipt(t, "r1", pubkeyA, noteOne, 50),
	}

	err := fx.runner.Run(context.Background())

	require.NoError(t, err)
	assert.Empty(t, fx.zaps.completed)
	assert.Empty(t, fx.replayer.replays)
}

func TestRunUsesCachedNoteIDs(t *testing.T) {
	fx := newRecoveryFixture()
	fx.cache.entries["herd_notes:2026-08-25"] = noteOne + "," + noteTwo
	fx.nostr.receipts[noteOne] = []*gonostr.Event{receipt(t, "r1", pubkeyA, noteOne, 25)}
	fx.nostr.receipts[noteTwo] = []*gonostr.Event{receipt(t, "r2", pubkeyB, noteTwo, 30)}

	err := fx.runner.Run(context.Background())

	require.NoError(t, err)
	assert.Empty(t, fx.nostr.fetchNotes)
	assert.Equal(t, []string{noteOne, noteTwo}, fx.nostr.fetchZaps)
	assert.Equal(t, []string{noteOne, noteTwo}, fx.replayer.primed)
	assert.Len(t, fx.replayer.replays, 2)
}

func TestRunToleratesReceiptFetchFailures(t *testing.T) {
	fx := newRecoveryFixture()
	fx.nostr.notes = []string{noteOne, noteTwo}
	fx.nostr.receiptsErr[noteOne] = errors.New("relay timeout")
	fx.nostr.receipts[noteTwo] = []*gonostr.Event{receipt(t, "r2", pubkeyB, noteTwo, 40)}

	err := fx.runner.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, fx.replayer.replays, 1)
	assert.Equal(t, pubkeyB, fx.replayer.replays[0].req.PubKey)
}

func TestRunAbortsWhenSnapshotFails(t *testing.T) {
	fx := newRecoveryFixture()
	fx.members.err = errors.New("database down")

	err := fx.runner.Run(context.Background())

	require.Error(t, err)
	assert.Empty(t, fx.nostr.fetchNotes)
}

func TestRunToleratesNoteQueryFailure(t *testing.T) {
	fx := newRecoveryFixture()
	fx.nostr.notesErr = errors.New("no relay reachable")

	err := fx.runner.Run(context.Background())

	require.NoError(t, err)
	assert.Empty(t, fx.nostr.fetchZaps)
}

func TestRunContinuesAfterReplayFailure(t *testing.T) {
	fx := newRecoveryFixture()
	fx.replayer.failures = 1
	fx.nostr.notes = []string{noteOne}
	fx.nostr.receipts[noteOne] = []*gonostr.Event{
		receipt(t, "r1", pubkeyA, noteOne, 50),
		receipt(t, "r2", pubkeyB, noteOne, 120),
	}

	err := fx.runner.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, fx.replayer.replays, 1)
	assert.Equal(t, pubkeyB, fx.replayer.replays[0].req.PubKey)
}

func TestRunSkipsUnparsableReceipts(t *testing.T) {
	fx := newRecoveryFixture()
	fx.nostr.notes = []string{noteOne}
	fx.nostr.receipts[noteOne] = []*gonostr.Event{
		{ID: "bare", Kind: gonostr.KindZap, Tags: gonostr.Tags{{"bolt11", "lnbc1u1example"}}},
	}

	err := fx.runner.Run(context.Background())

	require.NoError(t, err)
	assert.Empty(t, fx.replayer.replays)
	assert.Empty(t, fx.zaps.claims)
}

func TestMidnightUTC(t *testing.T) {
	local := time.Date(2026, 8, 25, 23, 45, 0, 0, time.FixedZone("UTC+5", 5*3600))

	got := midnightUTC(local)

	assert.Equal(t, time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), got)
}
