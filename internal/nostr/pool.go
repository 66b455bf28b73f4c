package nostr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cyberherd/pkg/logger"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"go.uber.org/zap"
)

// PoolClient implements Client over a shared relay pool.
type PoolClient struct {
	pool      *gonostr.SimplePool
	relays    []string
	pubkey    string
	secretKey string
}

// NewPoolClient creates a relay-pool backed client. ctx scopes the lifetime
// of the pool's relay connections.
func NewPoolClient(ctx context.Context, pubkey string, secretKey string, relays []string) *PoolClient {
	return &PoolClient{
		pool:      gonostr.NewSimplePool(ctx),
		relays:    relays,
		pubkey:    pubkey,
		secretKey: secretKey,
	}
}

// FetchProfile returns kind-0 metadata for a pubkey.
func (c *PoolClient) FetchProfile(ctx context.Context, pubkey string) (*Profile, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	filter := gonostr.Filter{
		Kinds:   []int{gonostr.KindProfileMetadata},
		Authors: []string{pubkey},
		Limit:   1,
	}

	for event := range c.pool.SubManyEose(fetchCtx, c.relays, gonostr.Filters{filter}) {
		var profile Profile
		if err := json.Unmarshal([]byte(event.Content), &profile); err != nil {
			logger.Debug("Skipping unparseable profile metadata", zap.String("pubkey", pubkey), zap.Error(err))
			continue
		}
		profile.Lud16 = strings.ToLower(strings.TrimSpace(profile.Lud16))
		return &profile, nil
	}

	return nil, ErrNotFound
}

// FetchRelays returns the pubkey's announced relay list (kind 10002).
func (c *PoolClient) FetchRelays(ctx context.Context, pubkey string) ([]string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	filter := gonostr.Filter{
		Kinds:   []int{gonostr.KindRelayListMetadata},
		Authors: []string{pubkey},
		Limit:   1,
	}

	var relays []string
	for event := range c.pool.SubManyEose(fetchCtx, c.relays, gonostr.Filters{filter}) {
		for _, tag := range event.Tags {
			if len(tag) < 2 || tag[0] != "r" {
				continue
			}
			url := strings.TrimSpace(tag[1])
			if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
				continue
			}
			relays = append(relays, url)
			if len(relays) == maxMemberRelays {
				return relays, nil
			}
		}
		break // one relay list is enough
	}

	return relays, nil
}

// HasHerdTag reports whether the given event carries the herd t-tag.
func (c *PoolClient) HasHerdTag(ctx context.Context, eventID string) (bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	filter := gonostr.Filter{
		IDs:   []string{eventID},
		Limit: 1,
	}

	for event := range c.pool.SubManyEose(fetchCtx, c.relays, gonostr.Filters{filter}) {
		return hasHerdTag(event.Event), nil
	}

	return false, ErrNotFound
}

// PublishReply signs and publishes a herd-tagged kind-1 reply and returns
// its id. It succeeds when at least one relay accepts the note.
func (c *PoolClient) PublishReply(ctx context.Context, content string, replyToID string, replyToAuthor string) (string, error) {
	event := gonostr.Event{
		PubKey:    c.pubkey,
		CreatedAt: gonostr.Now(),
		Kind:      gonostr.KindTextNote,
		Tags: gonostr.Tags{
			{"e", replyToID},
			{"p", replyToAuthor},
			{"t", HerdTag},
		},
		Content: content,
	}

	if err := event.Sign(c.secretKey); err != nil {
		return "", fmt.Errorf("failed to sign reply: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	var lastErr error
	accepted := 0
	for _, url := range c.relays {
		relay, err := c.pool.EnsureRelay(url)
		if err != nil {
			lastErr = err
			continue
		}
		if err := relay.Publish(publishCtx, event); err != nil {
			lastErr = err
			continue
		}
		accepted++
	}

	if accepted == 0 {
		return "", fmt.Errorf("no relay accepted reply to %s: %w", replyToID, lastErr)
	}

	logger.Info("Published herd reply",
		zap.String("noteID", event.ID),
		zap.String("replyTo", replyToID),
		zap.Int("relays", accepted))
	return event.ID, nil
}

// EncodeNprofile renders a pubkey plus relay hints as an nprofile string.
func (c *PoolClient) EncodeNprofile(pubkey string, relays []string) (string, error) {
	if len(relays) == 0 {
		relays = c.relays
	}
	if len(relays) > maxMemberRelays {
		relays = relays[:maxMemberRelays]
	}

	nprofile, err := nip19.EncodeProfile(pubkey, relays)
	if err != nil {
		return "", fmt.Errorf("failed to encode nprofile for %s: %w", pubkey, err)
	}
	return nprofile, nil
}

// FetchHerdNotes returns ids of self-authored herd-tagged notes since the
// given time, newest relays permitting, up to limit.
func (c *PoolClient) FetchHerdNotes(ctx context.Context, since time.Time, limit int) ([]string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	ts := gonostr.Timestamp(since.Unix())
	filter := gonostr.Filter{
		Kinds:   []int{gonostr.KindTextNote},
		Authors: []string{c.pubkey},
		Since:   &ts,
		Limit:   limit,
	}

	seen := make(map[string]struct{})
	var ids []string
	for event := range c.pool.SubManyEose(fetchCtx, c.relays, gonostr.Filters{filter}) {
		if !hasHerdTag(event.Event) {
			continue
		}
		if _, dup := seen[event.ID]; dup {
			continue
		}
		seen[event.ID] = struct{}{}
		ids = append(ids, event.ID)
		if len(ids) == limit {
			break
		}
	}

	return ids, nil
}

// FetchZapReceipts returns kind-9735 receipts referencing the note.
func (c *PoolClient) FetchZapReceipts(ctx context.Context, noteID string, limit int) ([]*gonostr.Event, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	filter := gonostr.Filter{
		Kinds: []int{gonostr.KindZap},
		Tags:  gonostr.TagMap{"e": []string{noteID}},
		Limit: limit,
	}

	seen := make(map[string]struct{})
	var receipts []*gonostr.Event
	for event := range c.pool.SubManyEose(fetchCtx, c.relays, gonostr.Filters{filter}) {
		if _, dup := seen[event.ID]; dup {
			continue
		}
		seen[event.ID] = struct{}{}
		receipts = append(receipts, event.Event)
		if len(receipts) == limit {
			break
		}
	}

	return receipts, nil
}

// hasHerdTag checks t-tags case-insensitively.
func hasHerdTag(event *gonostr.Event) bool {
	if event == nil {
		return false
	}
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "t" && strings.EqualFold(tag[1], HerdTag) {
			return true
		}
	}
	return false
}
