package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"cyberherd/internal/database"
	"cyberherd/internal/herd"
	"cyberherd/internal/messages"
	"cyberherd/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Initialize logger for tests
	_ = logger.Init("development")
}

type fakeBus struct {
	envelopes []Envelope
}

func (f *fakeBus) Publish(_ context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		panic(err)
	}
	f.envelopes = append(f.envelopes, env)
}

type replyCall struct {
	content string
	replyTo string
	author  string
}

type fakeReplier struct {
	calls  []replyCall
	noteID string
	err    error
}

func (f *fakeReplier) PublishReply(_ context.Context, content, replyToID, replyToAuthor string) (string, error) {
	f.calls = append(f.calls, replyCall{content: content, replyTo: replyToID, author: replyToAuthor})
	if f.err != nil {
		return "", f.err
	}
	return f.noteID, nil
}

type notifiedCall struct {
	pubkey string
	noteID string
}

type fakeMemberStore struct {
	calls []notifiedCall
}

func (f *fakeMemberStore) SetNotified(_ context.Context, pubkey, notified string) error {
	f.calls = append(f.calls, notifiedCall{pubkey: pubkey, noteID: notified})
	return nil
}

func testMember() *database.HerdMember {
	return &database.HerdMember{
		PubKey:      strings.Repeat("ab", 32),
		DisplayName: "Billy",
		EventID:     strings.Repeat("cd", 32),
		Amount:      150,
	}
}

func newTestNotifier() (*Notifier, *fakeBus, *fakeReplier, *fakeMemberStore) {
	bus := &fakeBus{}
	relay := &fakeReplier{noteID: "welcome-note-id"}
	members := &fakeMemberStore{}
	n := NewNotifier(messages.NewTemplateSelector(), bus, relay, members)
	return n, bus, relay, members
}

func TestNotifier_SatsReceived(t *testing.T) {
	n, bus, relay, _ := newTestNotifier()

	n.SatsReceived(context.Background(), 21, 979)

	require.Len(t, bus.envelopes, 1)
	env := bus.envelopes[0]
	assert.Equal(t, "sats_received", env.Type)
	assert.NotEmpty(t, env.ID)
	assert.Contains(t, env.Message, "21")
	assert.Contains(t, env.Message, "979")
	assert.Empty(t, relay.calls, "plain payments never hit nostr")
}

func TestNotifier_FeederTriggered(t *testing.T) {
	n, bus, _, _ := newTestNotifier()

	n.FeederTriggered(context.Background(), 1050)

	require.Len(t, bus.envelopes, 1)
	assert.Equal(t, "feeder_triggered", bus.envelopes[0].Type)
	assert.Contains(t, bus.envelopes[0].Message, "1050")
}

func TestNotifier_MemberJoinedRepliesAndRemembers(t *testing.T) {
	n, bus, relay, members := newTestNotifier()
	m := testMember()

	n.MemberJoined(context.Background(), m, 7)

	require.Len(t, bus.envelopes, 1)
	assert.Equal(t, "cyber_herd", bus.envelopes[0].Type)
	assert.Contains(t, bus.envelopes[0].Message, "Billy")

	require.Len(t, relay.calls, 1)
	assert.Equal(t, bus.envelopes[0].Message, relay.calls[0].content)
	assert.Equal(t, m.EventID, relay.calls[0].replyTo)
	assert.Equal(t, m.PubKey, relay.calls[0].author)

	require.Len(t, members.calls, 1)
	assert.Equal(t, m.PubKey, members.calls[0].pubkey)
	assert.Equal(t, "welcome-note-id", members.calls[0].noteID)
}

func TestNotifier_MemberJoinedSurvivesRelayFailure(t *testing.T) {
	n, bus, relay, members := newTestNotifier()
	relay.err = fmt.Errorf("all relays rejected")

	n.MemberJoined(context.Background(), testMember(), 3)

	assert.Len(t, bus.envelopes, 1, "bus delivery is independent of nostr")
	assert.Empty(t, members.calls, "no note id to remember")
}

func TestNotifier_HeadbuttSuccessNamesBothParties(t *testing.T) {
	n, bus, relay, members := newTestNotifier()
	attacker := testMember()
	victim := testMember()
	victim.DisplayName = "Gruff"

	n.HeadbuttSuccess(context.Background(), attacker, victim)

	require.Len(t, bus.envelopes, 1)
	assert.Equal(t, "headbutt_success", bus.envelopes[0].Type)
	assert.Contains(t, bus.envelopes[0].Message, "Billy")
	assert.Contains(t, bus.envelopes[0].Message, "Gruff")
	assert.Len(t, relay.calls, 1)
	assert.Len(t, members.calls, 1, "winner's welcome note is remembered")
}

func TestNotifier_HeadbuttFailureRepliesWithoutRemembering(t *testing.T) {
	n, bus, relay, members := newTestNotifier()
	attacker := &herd.Candidate{
		PubKey:      strings.Repeat("ef", 32),
		DisplayName: "Billy",
		EventID:     strings.Repeat("cd", 32),
	}

	n.HeadbuttFailure(context.Background(), attacker, 81)

	require.Len(t, bus.envelopes, 1)
	assert.Equal(t, "headbutt_failure", bus.envelopes[0].Type)
	assert.Contains(t, bus.envelopes[0].Message, "81")
	assert.Len(t, relay.calls, 1)
	assert.Empty(t, members.calls, "rejected attackers are not members")
}

func TestNotifier_NilRelaySkipsReplies(t *testing.T) {
	bus := &fakeBus{}
	members := &fakeMemberStore{}
	n := NewNotifier(messages.NewTemplateSelector(), bus, nil, members)

	n.MemberJoined(context.Background(), testMember(), 5)

	assert.Len(t, bus.envelopes, 1)
	assert.Empty(t, members.calls)
}

func TestNotifier_DailyResetAndInfo(t *testing.T) {
	n, bus, _, _ := newTestNotifier()
	ctx := context.Background()

	n.DailyResetDone(ctx)
	n.Info(ctx, "coordinator online")

	require.Len(t, bus.envelopes, 2)
	assert.Equal(t, "daily_reset", bus.envelopes[0].Type)
	assert.Equal(t, "interface_info", bus.envelopes[1].Type)
	assert.Equal(t, "coordinator online", bus.envelopes[1].Message)
}
