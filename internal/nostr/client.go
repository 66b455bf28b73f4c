// Package nostr wraps relay access behind a small capability interface so
// the rest of the codebase depends on Client, not on relay mechanics.
package nostr

import (
	"context"
	"errors"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
)

// HerdTag marks notes participating in herd admission. Matching on the tag
// value is case-insensitive.
const HerdTag = "CyberHerd"

var (
	// ErrNotFound is returned when no relay produced the requested event
	ErrNotFound = errors.New("nostr event not found")
)

const (
	lookupTimeout  = 8 * time.Second
	publishTimeout = 15 * time.Second

	// members keep at most this many relays on their row
	maxMemberRelays = 3
)

// Profile is the subset of kind-0 metadata the herd cares about.
type Profile struct {
	DisplayName string `json:"display_name"`
	Name        string `json:"name"`
	Lud16       string `json:"lud16"`
	Nip05       string `json:"nip05"`
	Picture     string `json:"picture"`
}

// BestName prefers display_name over name, falling back to "Anon".
func (p *Profile) BestName() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Name != "" {
		return p.Name
	}
	return "Anon"
}

// Client is the capability surface the pipeline, notifier and recovery use.
type Client interface {
	// FetchProfile returns kind-0 metadata for a pubkey.
	// Returns ErrNotFound when no relay has a profile.
	FetchProfile(ctx context.Context, pubkey string) (*Profile, error)

	// FetchRelays returns the pubkey's kind-10002 relay list, ws/wss only,
	// capped at maxMemberRelays. An empty list is not an error.
	FetchRelays(ctx context.Context, pubkey string) ([]string, error)

	// HasHerdTag reports whether the event carries the herd t-tag.
	// Returns ErrNotFound when the event cannot be fetched at all.
	HasHerdTag(ctx context.Context, eventID string) (bool, error)

	// PublishReply signs and publishes a kind-1 note replying to the given
	// event, tagged with the herd tag, and returns the new note's id.
	PublishReply(ctx context.Context, content string, replyToID string, replyToAuthor string) (string, error)

	// EncodeNprofile renders a pubkey plus relay hints as an nprofile string.
	EncodeNprofile(pubkey string, relays []string) (string, error)

	// FetchHerdNotes returns ids of up to limit self-authored herd-tagged
	// notes created at or after since.
	FetchHerdNotes(ctx context.Context, since time.Time, limit int) ([]string, error)

	// FetchZapReceipts returns up to limit kind-9735 receipts referencing
	// the given note id.
	FetchZapReceipts(ctx context.Context, noteID string, limit int) ([]*gonostr.Event, error)
}
