// Package notify composes outward-facing messages and fans them out: every
// event goes to the broadcast bus as JSON; herd lifecycle events are also
// answered on Nostr as replies to the note that caused them. All of it is
// best-effort; callers never see an error.
package notify

import (
	"context"
	"encoding/json"

	"cyberherd/internal/database"
	"cyberherd/internal/herd"
	"cyberherd/internal/messages"
	"cyberherd/pkg/logger"

	"go.uber.org/zap"
)

// Publisher is the broadcast side of the hub.
type Publisher interface {
	Publish(ctx context.Context, data []byte)
}

// Replier posts a kind-1 reply and returns the published note id.
type Replier interface {
	PublishReply(ctx context.Context, content, replyToID, replyToAuthor string) (string, error)
}

// MemberStore records which note welcomed a member.
type MemberStore interface {
	SetNotified(ctx context.Context, pubkey string, notified string) error
}

// Envelope is the JSON frame subscribers receive on the bus.
type Envelope struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Notifier renders events through the template selector and delivers them.
type Notifier struct {
	selector messages.Selector
	bus      Publisher
	relay    Replier
	members  MemberStore
}

// NewNotifier creates the notifier. relay may be nil to disable Nostr
// replies (the bus still receives everything).
func NewNotifier(selector messages.Selector, bus Publisher, relay Replier, members MemberStore) *Notifier {
	return &Notifier{
		selector: selector,
		bus:      bus,
		relay:    relay,
		members:  members,
	}
}

// SatsReceived announces a plain payment and how far the feeder still is.
func (n *Notifier) SatsReceived(ctx context.Context, sats, difference int64) {
	n.publish(ctx, messages.SatsReceived, messages.Vars{
		NewAmount:  sats,
		Difference: difference,
	})
}

// FeederTriggered announces a settled trigger payout.
func (n *Notifier) FeederTriggered(ctx context.Context, amountSats int64) {
	n.publish(ctx, messages.FeederTriggered, messages.Vars{NewAmount: amountSats})
}

// MemberJoined welcomes a member on the bus and as a Nostr reply to the
// zapped note. The reply's note id is persisted so the member is not
// welcomed twice across restarts.
func (n *Notifier) MemberJoined(ctx context.Context, member *database.HerdMember, spotsRemaining int) {
	text, _ := n.publish(ctx, messages.CyberHerd, messages.Vars{
		Name:           member.DisplayName,
		NewAmount:      member.Amount,
		SpotsRemaining: spotsRemaining,
	})
	n.reply(ctx, text, member.EventID, member.PubKey, true)
}

// HeadbuttSuccess announces a displacement, naming both parties.
func (n *Notifier) HeadbuttSuccess(ctx context.Context, attacker, victim *database.HerdMember) {
	text, _ := n.publish(ctx, messages.HeadbuttSuccess, messages.Vars{
		Name:      attacker.DisplayName,
		Victim:    victim.DisplayName,
		NewAmount: attacker.Amount,
	})
	n.reply(ctx, text, attacker.EventID, attacker.PubKey, true)
}

// HeadbuttFailure tells a rejected attacker what a displacement costs.
func (n *Notifier) HeadbuttFailure(ctx context.Context, attacker *herd.Candidate, requiredSats int64) {
	text, _ := n.publish(ctx, messages.HeadbuttFailure, messages.Vars{
		Name:       attacker.DisplayName,
		Difference: requiredSats,
	})
	n.reply(ctx, text, attacker.EventID, attacker.PubKey, false)
}

// DailyResetDone announces the midnight reset.
func (n *Notifier) DailyResetDone(ctx context.Context) {
	n.publish(ctx, messages.DailyReset, messages.Vars{})
}

// Info publishes a free-form operational note (startup, reconnects).
func (n *Notifier) Info(ctx context.Context, text string) {
	n.publish(ctx, messages.InterfaceInfo, messages.Vars{Text: text})
}

func (n *Notifier) publish(ctx context.Context, event messages.EventType, vars messages.Vars) (string, string) {
	text, id := n.selector.Select(event, vars)

	data, err := json.Marshal(Envelope{Type: string(event), ID: id, Message: text})
	if err != nil {
		logger.Error("failed to encode notification", zap.String("type", string(event)), zap.Error(err))
		return text, id
	}
	n.bus.Publish(ctx, data)
	return text, id
}

// reply posts text as a Nostr reply. When remember is set, the published
// note id is stored on the member row for recovery threading.
func (n *Notifier) reply(ctx context.Context, text, eventID, pubkey string, remember bool) {
	if n.relay == nil || eventID == "" {
		return
	}

	noteID, err := n.relay.PublishReply(ctx, text, eventID, pubkey)
	if err != nil {
		logger.Warn("failed to publish nostr reply",
			zap.String("pubkey", pubkey),
			zap.String("reply_to", eventID),
			zap.Error(err))
		return
	}
	if !remember {
		return
	}
	if err := n.members.SetNotified(ctx, pubkey, noteID); err != nil {
		logger.Warn("failed to record notification id",
			zap.String("pubkey", pubkey),
			zap.Error(err))
	}
}
