// Package observer implements the observer bridge: the single reader of
// the broadcast socket, fanning state-change and activity records out to
// external subscribers. WebSocket (github.com/coder/websocket) is the
// reference transport; HandleWS is the only transport-specific surface,
// playing the same role a ConnectionManager.HandleConnection would.
package observer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/machinist-run/machinist/pkg/broadcast"
	"github.com/machinist-run/machinist/pkg/wire"
)

// defaultSendTimeout is the reference per-send deadline from the slow-observer
// eviction scenario: a subscriber that hasn't drained a write within this
// window is presumed dead and dropped.
const defaultSendTimeout = 2 * time.Second

// defaultRateLimit/defaultRateBurst bound how many broadcast records a single
// subscriber is fed per second — a supplemental guard against a fast firehose
// overwhelming a slow HTTP client even before the per-send timeout would
// trip; excess records are dropped for that subscriber rather than queued.
const (
	defaultRateLimit = rate.Limit(50)
	defaultRateBurst = 100
)

// watchdogInterval is how often the bridge pings every subscriber to catch a
// connection that is alive at the TCP level but no longer reading —
// ordinary broadcast traffic may be infrequent enough that such a
// connection would otherwise go undetected for a long time.
const watchdogInterval = 30 * time.Second

// subscriber is one connected observer.
type subscriber struct {
	id      string
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
}

// Bridge owns the set of connected subscribers and the single broadcast
// reader. One Bridge runs per process: a single consumer fans broadcast
// records out to every connected subscriber.
type Bridge struct {
	mu          sync.RWMutex
	subs        map[string]*subscriber
	sendTimeout time.Duration
	log         *slog.Logger
}

// NewBridge returns a Bridge with no subscribers yet. sendTimeout of zero
// uses defaultSendTimeout.
func NewBridge(sendTimeout time.Duration) *Bridge {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Bridge{
		subs:        make(map[string]*subscriber),
		sendTimeout: sendTimeout,
		log:         slog.With("component", "observer_bridge"),
	}
}

// HandleWS upgrades r to a WebSocket connection and registers it as a
// subscriber until the client disconnects. Subscribers are read-only from
// the bridge's perspective — the read loop exists only to detect closure
// and to respond to the browser's own ping/pong, never to accept commands.
func (b *Bridge) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sub := &subscriber{
		id:      uuid.New().String(),
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		limiter: rate.NewLimiter(defaultRateLimit, defaultRateBurst),
	}

	b.register(sub)
	defer b.unregister(sub)

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Run is the single reader of the broadcast socket. It blocks until
// listener.Close (from the caller's shutdown path) unblocks the
// underlying read with an error, or ctx is cancelled first.
func (b *Bridge) Run(ctx context.Context, listener *broadcast.Listener) error {
	stopWatchdog := b.startWatchdog(ctx)
	defer stopWatchdog()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		env, err := listener.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		b.fanOut(env)
	}
}

// fanOut delivers env to every subscriber concurrently via errgroup, so one
// slow subscriber's send (up to sendTimeout) never delays delivery to the
// rest — a plain sequential loop would let N slow subscribers add up to
// N*sendTimeout of delay before the fastest one even got its copy.
func (b *Bridge) fanOut(env wire.BroadcastEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		b.log.Warn("failed to marshal broadcast envelope for subscribers", "error", err)
		return
	}

	var g errgroup.Group
	for _, sub := range b.snapshot() {
		sub := sub
		if !sub.limiter.Allow() {
			b.log.Debug("dropping broadcast for rate-limited subscriber", "subscriber_id", sub.id)
			continue
		}
		g.Go(func() error {
			if err := b.sendWithTimeout(sub, data); err != nil {
				b.log.Warn("evicting slow or dead subscriber", "subscriber_id", sub.id, "error", err)
				b.unregister(sub)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Bridge) sendWithTimeout(sub *subscriber, data []byte) error {
	writeCtx, cancel := context.WithTimeout(sub.ctx, b.sendTimeout)
	defer cancel()
	return sub.conn.Write(writeCtx, websocket.MessageText, data)
}

// startWatchdog periodically pings every subscriber on the same
// timeout/eviction path fanOut uses, catching a connection that has gone
// quiet at the application level without a TCP-level close. It returns a
// function that stops the ticker.
func (b *Bridge) startWatchdog(ctx context.Context) func() {
	ticker := time.NewTicker(watchdogInterval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				b.pingAll()
			}
		}
	}()

	return func() { close(done) }
}

func (b *Bridge) pingAll() {
	for _, sub := range b.snapshot() {
		pingCtx, cancel := context.WithTimeout(sub.ctx, b.sendTimeout)
		err := sub.conn.Ping(pingCtx)
		cancel()
		if err != nil {
			b.log.Warn("evicting unresponsive subscriber", "subscriber_id", sub.id, "error", err)
			b.unregister(sub)
		}
	}
}

func (b *Bridge) register(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.id] = sub
}

func (b *Bridge) unregister(sub *subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.cancel()
	_ = sub.conn.Close(websocket.StatusNormalClosure, "")
}

// snapshot copies the subscriber set under lock so fan-out and the
// watchdog never hold the lock during a (potentially slow) send.
func (b *Bridge) snapshot() []*subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		out = append(out, sub)
	}
	return out
}

// SubscriberCount reports the number of currently connected subscribers.
func (b *Bridge) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
