// Package broadcast fans notification payloads out to connected subscribers.
// Delivery is best-effort: no persistence, no replay, and a subscriber that
// errors or stalls past the send timeout is dropped.
package broadcast

import (
	"context"
	"sync"
	"time"

	"cyberherd/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	sendTimeout    = 2 * time.Second
	closeGrace     = 2 * time.Second
	maxConcurrency = 6
)

// Subscriber receives published payloads. Send must respect ctx; Close
// releases the underlying connection.
type Subscriber interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Hub is the subscriber registry. All methods are safe for concurrent use.
type Hub struct {
	mu   sync.RWMutex
	subs map[Subscriber]struct{}
	sem  *semaphore.Weighted
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[Subscriber]struct{}),
		sem:  semaphore.NewWeighted(maxConcurrency),
	}
}

// Register adds a subscriber to the broadcast set.
func (h *Hub) Register(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
	logger.Info("Subscriber registered", zap.Int("subscribers", len(h.subs)))
}

// Unregister removes a subscriber without closing it.
func (h *Hub) Unregister(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}

// Count returns the current number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers data to every current subscriber. It snapshots the set,
// returns immediately when it is empty, bounds each send to the send timeout
// and the whole batch to maxConcurrency in flight, and drops subscribers
// whose send fails.
func (h *Hub) Publish(ctx context.Context, data []byte) {
	h.mu.RLock()
	snapshot := make([]Subscriber, 0, len(h.subs))
	for s := range h.subs {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	if len(snapshot) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, s := range snapshot {
		if err := h.sem.Acquire(ctx, 1); err != nil {
			return // cancelled while waiting for a slot
		}
		wg.Add(1)
		go func(s Subscriber) {
			defer wg.Done()
			defer h.sem.Release(1)

			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()

			if err := s.Send(sendCtx, data); err != nil {
				logger.Warn("Dropping subscriber after failed send", zap.Error(err))
				h.Unregister(s)
				_ = s.Close()
			}
		}(s)
	}
	wg.Wait()
}

// Shutdown closes every subscriber, giving each a short grace period, and
// empties the set. Publish calls racing a shutdown deliver to whatever
// subscribers remain.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	snapshot := make([]Subscriber, 0, len(h.subs))
	for s := range h.subs {
		snapshot = append(snapshot, s)
	}
	h.subs = make(map[Subscriber]struct{})
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range snapshot {
		wg.Add(1)
		go func(s Subscriber) {
			defer wg.Done()

			done := make(chan struct{})
			go func() {
				_ = s.Close()
				close(done)
			}()

			select {
			case <-done:
			case <-time.After(closeGrace):
				logger.Warn("Subscriber close timed out")
			case <-ctx.Done():
			}
		}(s)
	}
	wg.Wait()

	logger.Info("Broadcast hub shut down", zap.Int("closed", len(snapshot)))
}
