// Package messages turns pipeline events into user-facing notification text.
// Each event type has a small pool of phrasings; selection is random so the
// outward feed does not read like a log file.
package messages

import (
	"math/rand"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// EventType tags the situation a message describes.
type EventType string

const (
	SatsReceived     EventType = "sats_received"
	FeederTriggered  EventType = "feeder_triggered"
	CyberHerd        EventType = "cyber_herd"
	HeadbuttFailure  EventType = "headbutt_failure"
	HeadbuttSuccess  EventType = "headbutt_success"
	InterfaceInfo    EventType = "interface_info"
	WeatherStatus    EventType = "weather_status"
	DailyReset       EventType = "daily_reset"
	FeedingRegular   EventType = "feeding_regular"
	FeedingBonus     EventType = "feeding_bonus"
	FeedingRemainder EventType = "feeding_remainder"
	FeedingFallback  EventType = "feeding_fallback"
)

// Vars carries the substitutions templates may reference. Unused fields are
// ignored by templates that do not mention them.
type Vars struct {
	Name           string // display name of the member involved
	Victim         string // display name of a displaced member
	NewAmount      int64  // sats credited by this event
	Difference     int64  // sats required or still missing, per event
	SpotsRemaining int    // open herd slots after this event
	Text           string // free-form payload (interface_info, weather_status)
}

// Selector produces notification text for an event. The returned id is
// opaque and unique per call; callers persist it where threading matters.
type Selector interface {
	Select(event EventType, vars Vars) (text string, id string)
}

// TemplateSelector picks a random phrasing from a fixed pool per event type.
type TemplateSelector struct {
	rng *rand.Rand
}

// NewTemplateSelector creates a selector with the default random source.
func NewTemplateSelector() *TemplateSelector {
	return &TemplateSelector{}
}

// newSeededSelector pins the variant choice, for tests.
func newSeededSelector(seed int64) *TemplateSelector {
	return &TemplateSelector{rng: rand.New(rand.NewSource(seed))}
}

var templates = map[EventType][]string{
	SatsReceived: {
		"Received {new_amount} sats! {difference} more to go until feeding time.",
		"{new_amount} sats just arrived. The goats need {difference} more.",
		"Someone sent {new_amount} sats. {difference} sats to the next feeding.",
	},
	FeederTriggered: {
		"Feeding time! {new_amount} sats released to the herd.",
		"The feeder fired! {new_amount} sats are on their way out.",
	},
	CyberHerd: {
		"{name} zapped {new_amount} sats and joined the CyberHerd! {spots_remaining} spots left.",
		"Welcome to the CyberHerd, {name}! {spots_remaining} spots remaining.",
		"{name} is in the herd with {new_amount} sats. {spots_remaining} spots open.",
	},
	HeadbuttFailure: {
		"{name} tried to headbutt into the herd but needs at least {difference} sats.",
		"Not enough, {name}! Zap at least {difference} sats to push your way in.",
	},
	HeadbuttSuccess: {
		"{name} headbutted {victim} out of the herd with {new_amount} sats!",
		"Make way! {name} shoved {victim} aside and joined the CyberHerd.",
	},
	InterfaceInfo: {
		"{text}",
	},
	WeatherStatus: {
		"{text}",
	},
	DailyReset: {
		"A new day dawns on the pasture. The CyberHerd has been reset.",
		"Midnight reset complete. The herd starts fresh today.",
	},
	FeedingRegular: {
		"{name} earned a {new_amount} sat share of the feeding.",
	},
	FeedingBonus: {
		"Bonus feed! {name} picked up an extra {new_amount} sats.",
	},
	FeedingRemainder: {
		"{name} swept up the remaining {new_amount} sats.",
	},
	FeedingFallback: {
		"No herd today; {new_amount} sats went to the treasury.",
	},
}

// Select renders a message for the event and returns it with a fresh id.
// Unknown event types fall back to the raw Vars text so a miswired caller
// still produces something visible.
func (s *TemplateSelector) Select(event EventType, vars Vars) (string, string) {
	id := uuid.New().String()

	pool, ok := templates[event]
	if !ok || len(pool) == 0 {
		return vars.Text, id
	}

	var idx int
	if s.rng != nil {
		idx = s.rng.Intn(len(pool))
	} else {
		idx = rand.Intn(len(pool))
	}

	return render(pool[idx], vars), id
}

func render(template string, vars Vars) string {
	r := strings.NewReplacer(
		"{name}", vars.Name,
		"{victim}", vars.Victim,
		"{new_amount}", strconv.FormatInt(vars.NewAmount, 10),
		"{difference}", strconv.FormatInt(vars.Difference, 10),
		"{spots_remaining}", strconv.Itoa(vars.SpotsRemaining),
		"{text}", vars.Text,
	)
	return r.Replace(template)
}
