package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ems-cad-core/shared/logx"
	"ems-cad-core/shared/metricsx"
)

// ErrBridgeUnavailable is returned when a critical message cannot be
// enqueued within the send ceiling. Callers surface it to the operator
// instead of silently losing a dispatch order.
var ErrBridgeUnavailable = errors.New("bridge unavailable")

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// Handler receives inbound traffic and connection lifecycle changes. The
// epoch increments on every successful connect so the router can scope its
// duplicate detection to one bridge session.
type Handler interface {
	OnMessage(ctx context.Context, epoch uint64, msg Message)
	OnStateChange(state State)
}

type ClientParams struct {
	URL            string
	Token          string
	QueueSize      int
	SendCeiling    time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	HeartbeatEvery time.Duration
	DeadAfter      time.Duration
}

// Client maintains the persistent websocket session to the regional bridge:
// one connection at a time, exponential backoff between attempts, and a
// bounded outbound queue that survives reconnects.
type Client struct {
	params  ClientParams
	handler Handler
	log     logx.Logger
	dialer  *websocket.Dialer
	rng     *rand.Rand

	mu      sync.Mutex
	full    *sync.Cond
	notify  chan struct{}
	queue   []Message
	state   State
	epoch   uint64
	stopped bool
}

func NewClient(params ClientParams, handler Handler, log logx.Logger) *Client {
	if params.QueueSize <= 0 {
		params.QueueSize = 1000
	}
	if params.SendCeiling <= 0 {
		params.SendCeiling = 5 * time.Second
	}
	if params.BackoffBase <= 0 {
		params.BackoffBase = time.Second
	}
	if params.BackoffCap <= 0 {
		params.BackoffCap = 30 * time.Second
	}
	if params.HeartbeatEvery <= 0 {
		params.HeartbeatEvery = 10 * time.Second
	}
	if params.DeadAfter <= 0 {
		params.DeadAfter = 25 * time.Second
	}
	c := &Client{
		params:  params,
		handler: handler,
		log:     log,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.full = sync.NewCond(&c.mu)
	c.notify = make(chan struct{}, 1)
	return c
}

// Send enqueues an outbound message. A full queue evicts its oldest
// non-critical message to make room. When the backlog is entirely critical,
// a non-critical message is dropped and a critical one blocks for space up
// to the send ceiling before failing with ErrBridgeUnavailable.
func (c *Client) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrBridgeUnavailable
	}

	if len(c.queue) >= c.params.QueueSize {
		if !c.evictOldestLocked() {
			// Queue is all critical traffic. Non-critical messages drop;
			// critical ones wait for space up to the send ceiling.
			if !msg.Critical {
				metricsx.IncBridgeDropped("queue_full")
				return nil
			}
			deadline := time.Now().Add(c.params.SendCeiling)
			for len(c.queue) >= c.params.QueueSize && !c.stopped {
				if !c.waitFullUntil(deadline) {
					metricsx.IncBridgeDropped("critical_timeout")
					return ErrBridgeUnavailable
				}
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			if c.stopped {
				return ErrBridgeUnavailable
			}
		}
	}

	msg.SentAt = time.Now().UTC()
	c.queue = append(c.queue, msg)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// evictOldestLocked drops the oldest non-critical queued message. Returns
// false when the queue is all critical traffic.
func (c *Client) evictOldestLocked() bool {
	for i, m := range c.queue {
		if !m.Critical {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			metricsx.IncBridgeDropped("evicted")
			return true
		}
	}
	return false
}

// waitFullUntil waits for queue space with a deadline. sync.Cond has no
// timed wait, so a timer broadcasts on expiry.
func (c *Client) waitFullUntil(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(remaining, func() {
		c.mu.Lock()
		c.full.Broadcast()
		c.mu.Unlock()
	})
	c.full.Wait()
	timer.Stop()
	return time.Now().Before(deadline)
}

func (c *Client) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	metricsx.SetBridgeState(int(s))
	if c.handler != nil {
		c.handler.OnStateChange(s)
	}
}

// Run drives the connect/serve/backoff loop until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.stopped = true
		c.full.Broadcast()
		c.mu.Unlock()
		c.setState(StateDisconnected)
	}()

	attempt := 0
	everConnected := false
	for {
		if ctx.Err() != nil {
			return
		}
		if everConnected {
			c.setState(StateDegraded)
		} else {
			c.setState(StateConnecting)
		}
		var header http.Header
		if c.params.Token != "" {
			header = http.Header{"Authorization": []string{"Bearer " + c.params.Token}}
		}
		conn, _, err := c.dialer.DialContext(ctx, c.params.URL, header)
		if err != nil {
			attempt++
			metricsx.IncBridgeReconnect()
			delay := c.backoff(attempt)
			c.log.Warn(ctx, "bridge_dial_failed", "bridge dial failed, backing off",
				slog.String("url", c.params.URL),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		everConnected = true
		c.mu.Lock()
		c.epoch++
		epoch := c.epoch
		c.mu.Unlock()
		c.setState(StateConnected)
		c.log.Info(ctx, "bridge_connected", "bridge session established",
			slog.String("url", c.params.URL),
			slog.Uint64("epoch", epoch),
		)

		c.serve(ctx, conn, epoch)
		conn.Close()
		metricsx.IncBridgeReconnect()
	}
}

// serve runs the read and write pumps for one connection and returns when
// either fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, epoch uint64) {
	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	conn.SetReadDeadline(time.Now().Add(c.params.DeadAfter))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.params.DeadAfter))
	})

	go func() {
		defer finish()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.log.Warn(ctx, "bridge_read_failed", "bridge read failed",
					slog.String("error", err.Error()),
				)
				return
			}
			conn.SetReadDeadline(time.Now().Add(c.params.DeadAfter))
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				c.log.Warn(ctx, "bridge_decode_failed", "discarding undecodable bridge frame",
					slog.String("error", err.Error()),
				)
				continue
			}
			if msg.Type == MsgHeartbeat {
				continue
			}
			if c.handler != nil {
				c.handler.OnMessage(ctx, epoch, msg)
			}
		}
	}()

	go func() {
		defer finish()
		ticker := time.NewTicker(c.params.HeartbeatEvery)
		defer ticker.Stop()
		lastWrite := time.Now()
		for {
			for {
				msg, ok := c.nextOutbound(done)
				if !ok {
					break
				}
				data, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(c.params.HeartbeatEvery))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					c.requeueFront(msg)
					c.log.Warn(ctx, "bridge_write_failed", "bridge write failed, message requeued",
						slog.String("type", msg.Type),
						slog.String("error", err.Error()),
					)
					return
				}
				lastWrite = time.Now()
			}
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-c.notify:
			case <-ticker.C:
				// Data frames already prove liveness; ping only after a
				// quiet interval.
				if time.Since(lastWrite) < c.params.HeartbeatEvery {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(c.params.HeartbeatEvery))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				lastWrite = time.Now()
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
}

// nextOutbound pops the head of the queue without blocking. ok is false when
// the queue is empty.
func (c *Client) nextOutbound(done <-chan struct{}) (Message, bool) {
	select {
	case <-done:
		return Message{}, false
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return Message{}, false
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	c.full.Signal()
	return msg, true
}

func (c *Client) requeueFront(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) < c.params.QueueSize || msg.Critical {
		c.queue = append([]Message{msg}, c.queue...)
	} else {
		metricsx.IncBridgeDropped("requeue_full")
	}
}

// backoff is exponential from the base with a ±20% jitter, capped.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.params.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.params.BackoffCap {
			d = c.params.BackoffCap
			break
		}
	}
	if d > c.params.BackoffCap {
		d = c.params.BackoffCap
	}
	c.mu.Lock()
	factor := 0.8 + 0.4*c.rng.Float64()
	c.mu.Unlock()
	return time.Duration(float64(d) * factor)
}
