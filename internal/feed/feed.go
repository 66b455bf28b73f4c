// Package feed keeps a WebSocket connection to the wallet's payment feed and
// relays each frame into the payments stream, at most once per payment hash.
package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"cyberherd/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval = 20 * time.Second
	pongGrace    = 15 * time.Second
	writeTimeout = 10 * time.Second

	// reconnect backoff never waits longer than this
	maxReconnectWait = 64 * time.Second

	// recently seen payment hashes kept for duplicate filtering
	dedupSize = 1000
)

// Publisher is the dispatch side of the payments stream.
type Publisher interface {
	Publish(ctx context.Context, stream string, data []byte) (string, error)
}

// Consumer owns the feed connection and its duplicate filter.
type Consumer struct {
	url    string
	stream string
	queue  Publisher
	dedup  *dedupRing
	dialer *websocket.Dialer
}

// NewConsumer creates a feed consumer publishing raw frames to stream.
func NewConsumer(url string, stream string, queue Publisher) *Consumer {
	return &Consumer{
		url:    url,
		stream: stream,
		queue:  queue,
		dedup:  newDedupRing(dedupSize),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Run keeps the feed connection alive until ctx is cancelled, reconnecting
// with exponential backoff. A successful connect resets the backoff.
func (c *Consumer) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = maxReconnectWait
	policy.MaxElapsedTime = 0 // retry forever

	for {
		conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			if ctx.Err() != nil {
				return nil
			}
			wait := policy.NextBackOff()
			logger.Warn("Feed connect failed",
				zap.String("url", c.url),
				zap.Duration("retry_in", wait),
				zap.Error(err))
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		policy.Reset()
		logger.Info("Feed connected", zap.String("url", c.url))

		err = c.consume(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}

		wait := policy.NextBackOff()
		logger.Warn("Feed connection lost",
			zap.Duration("retry_in", wait),
			zap.Error(err))
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// consume reads frames until the connection breaks. A ping goes out every
// pingInterval; missing the pong past its grace window fails the read.
func (c *Consumer) consume(ctx context.Context, conn *websocket.Conn) error {
	deadline := func() time.Time { return time.Now().Add(pingInterval + pongGrace) }

	if err := conn.SetReadDeadline(deadline()); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(deadline())
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					conn.Close() // unblocks the read loop
					return
				}
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(ctx, frame)
	}
}

// dispatch publishes one frame unless its payment hash was already seen.
func (c *Consumer) dispatch(ctx context.Context, frame []byte) {
	hash := paymentHash(frame)
	if hash == "" {
		logger.Debug("Feed frame without payment hash, skipping")
		return
	}

	if !c.dedup.Remember(hash) {
		logger.Debug("Duplicate payment frame filtered", zap.String("payment_hash", hash))
		return
	}

	if _, err := c.queue.Publish(ctx, c.stream, frame); err != nil {
		// forget the hash so a wallet resend still gets through
		c.dedup.Forget(hash)
		logger.Error("Failed to enqueue payment frame",
			zap.String("payment_hash", hash),
			zap.Error(err))
	}
}

// paymentHash pulls payment.payment_hash out of a raw frame without decoding
// the rest.
func paymentHash(frame []byte) string {
	var peek struct {
		Payment struct {
			PaymentHash string `json:"payment_hash"`
		} `json:"payment"`
	}
	if err := json.Unmarshal(frame, &peek); err != nil {
		return ""
	}
	return peek.Payment.PaymentHash
}

// sleep waits for d or until ctx is cancelled, reporting whether the full
// wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// dedupRing remembers the most recent dedupSize payment hashes, evicting the
// oldest once full.
type dedupRing struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

func newDedupRing(size int) *dedupRing {
	return &dedupRing{
		seen: make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// Remember records hash and reports whether it was new.
func (r *dedupRing) Remember(hash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.seen[hash]; dup {
		return false
	}

	if old := r.ring[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.ring[r.next] = hash
	r.next = (r.next + 1) % len(r.ring)
	r.seen[hash] = struct{}{}
	return true
}

// Forget drops hash from the filter. The ring slot stays occupied; it ages
// out with the normal rotation.
func (r *dedupRing) Forget(hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seen, hash)
}
