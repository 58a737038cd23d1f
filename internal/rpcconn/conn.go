// Package rpcconn implements the reconnecting session (component C):
// a Framer wrapped with reconnect-with-backoff, liveness probing, and a
// monotonic reconfiguration sequence number.
package rpcconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dantte-lp/ovsdb-server/internal/jsonrpc"
)

// State is one of the four reconnecting-session states (spec.md §4.C).
type State int

const (
	// StateBackoff is waiting out a reconnect delay before dialing again.
	StateBackoff State = iota
	// StateConnecting is attempting to establish the underlying stream.
	StateConnecting
	// StateActive has a live, framed connection.
	StateActive
	// StateDead is permanently disconnected; reconnection is not configured.
	StateDead
)

// String renders the state for logging.
func (s State) String() string {
	switch s {
	case StateBackoff:
		return "backoff"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

const (
	defaultMaxBackoff  = 8 * time.Second
	initialBackoff     = 200 * time.Millisecond
	probeMissedFactor  = 2 // a probe is "missed" after this many probe intervals with no reply
	probeIDPrefix      = "__probe__"
)

// Dialer opens a fresh underlying stream for an active (outbound) remote.
// A nil Dialer means the Conn wraps a single already-accepted stream and
// never reconnects (an inbound session): on transport loss it goes DEAD.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// Conn is one reconnecting session atop a stream.
type Conn struct {
	name   string
	dial   Dialer
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	framer       *jsonrpc.Framer
	maxBackoff   time.Duration
	curBackoff   time.Duration
	probeEvery   time.Duration
	lastSendAt   time.Time
	lastProbeAt  time.Time
	pendingProbe string
	probeSeq     uint64
	reconnect    chan struct{} // signaled to force an immediate reconnect
	cancelConn   context.CancelFunc

	seqno atomic.Int64

	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}
}

// New creates a Conn. dial is nil for an already-accepted stream (no
// reconnection); otherwise Run dials through it whenever BACKOFF expires.
func New(name string, dial Dialer, logger *slog.Logger) *Conn {
	return &Conn{
		name:       name,
		dial:       dial,
		logger:     logger.With(slog.String("conn", name)),
		maxBackoff: defaultMaxBackoff,
		curBackoff: initialBackoff,
		reconnect:  make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Attach supplies an already-established stream for a Conn created with a
// nil Dialer (the inbound/accepted case): it starts directly in ACTIVE.
func (c *Conn) Attach(stream io.ReadWriteCloser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.installFramer(stream)
	c.state = StateActive
}

func (c *Conn) installFramer(stream io.ReadWriteCloser) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelConn = cancel
	f := jsonrpc.NewFramer(stream, func(err error) {
		c.logger.Warn("transport decode error", slog.Any("err", err))
		c.ForceReconnect()
	})
	c.framer = f
	c.seqno.Add(1)
	go f.Run(ctx)
}

// Run drives the reconnect/backoff/probe loop until ctx is canceled. For a
// Conn created via Attach (no Dialer), Run only drives probing and death
// detection — it never dials.
func (c *Conn) Run(ctx context.Context) {
	c.runCtx, c.runCancel = context.WithCancel(ctx)
	defer close(c.done)

	for {
		select {
		case <-c.runCtx.Done():
			return
		default:
		}

		c.mu.Lock()
		st := c.state
		c.mu.Unlock()

		switch st {
		case StateBackoff:
			if c.dial == nil {
				c.setState(StateDead)
				return
			}
			select {
			case <-time.After(c.curBackoff):
			case <-c.reconnect:
			case <-c.runCtx.Done():
				return
			}
			c.setState(StateConnecting)
		case StateConnecting:
			stream, err := c.dial(c.runCtx)
			if err != nil {
				c.logger.Debug("dial failed", slog.Any("err", err))
				c.bumpBackoff()
				c.setState(StateBackoff)
				continue
			}
			c.mu.Lock()
			c.installFramer(stream)
			c.curBackoff = initialBackoff
			c.state = StateActive
			c.mu.Unlock()
		case StateActive:
			c.pollActive()
		case StateDead:
			return
		}
	}
}

// pollActive waits briefly for inbound traffic, a forced-reconnect signal,
// or a probe deadline, then returns so Run can re-check state. This keeps
// the loop responsive to ForceReconnect without busy-spinning.
func (c *Conn) pollActive() {
	const pollInterval = 50 * time.Millisecond
	select {
	case <-c.reconnect:
		c.teardown(true)
		return
	case <-time.After(pollInterval):
	case <-c.runCtx.Done():
		return
	}
	c.checkProbe()
}

// checkProbe injects an echo probe when idle for ProbeInterval, and forces
// a reconnect if a previously sent probe has gone unanswered for too long.
func (c *Conn) checkProbe() {
	c.mu.Lock()
	probeEvery := c.probeEvery
	f := c.framer
	c.mu.Unlock()
	if probeEvery <= 0 || f == nil {
		return
	}

	now := time.Now()
	c.mu.Lock()
	idle := now.Sub(c.lastSendAt) >= probeEvery
	pending := c.pendingProbe
	overdue := pending != "" && now.Sub(c.lastProbeAt) >= time.Duration(probeMissedFactor)*probeEvery
	c.mu.Unlock()

	if overdue {
		c.logger.Warn("missed liveness probe, forcing reconnect")
		c.ForceReconnect()
		return
	}
	if idle && pending == "" {
		c.sendProbe(f)
	}
}

func (c *Conn) sendProbe(f *jsonrpc.Framer) {
	c.mu.Lock()
	c.probeSeq++
	id := fmt.Sprintf("%s%d", probeIDPrefix, c.probeSeq)
	c.pendingProbe = id
	c.lastProbeAt = time.Now()
	c.mu.Unlock()

	idJSON, _ := json.Marshal(id)
	_ = f.Send(jsonrpc.NewRequest(idJSON, "echo", nil))
}

// bumpBackoff doubles the backoff delay with jitter, capped at maxBackoff.
func (c *Conn) bumpBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.curBackoff * 2
	if next > c.maxBackoff {
		next = c.maxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(next/4 + 1)))
	c.curBackoff = next + jitter
	if c.curBackoff > c.maxBackoff {
		c.curBackoff = c.maxBackoff
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// teardown closes the current framer. If toBackoff is true and a Dialer is
// configured, the state becomes BACKOFF so Run redials; otherwise DEAD.
func (c *Conn) teardown(toBackoff bool) {
	c.mu.Lock()
	if c.framer != nil {
		_ = c.framer.Close()
		c.framer = nil
	}
	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}
	c.pendingProbe = ""
	if toBackoff && c.dial != nil {
		c.state = StateBackoff
	} else {
		c.state = StateDead
	}
	c.mu.Unlock()
}

// ForceReconnect tears down the current connection immediately. If
// reconnection is configured the Conn re-enters BACKOFF (with a minimal
// delay); otherwise it becomes DEAD.
func (c *Conn) ForceReconnect() {
	c.teardown(true)
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// Send enqueues msg on the current framer. Returns an error if no framer
// is currently attached (BACKOFF/CONNECTING/DEAD).
func (c *Conn) Send(msg jsonrpc.Message) error {
	c.mu.Lock()
	f := c.framer
	c.mu.Unlock()
	if f == nil {
		return errors.New("rpcconn: not connected")
	}
	c.mu.Lock()
	c.lastSendAt = time.Now()
	c.mu.Unlock()
	return f.Send(msg)
}

// Recv returns the next inbound message not consumed by probe handling.
// Replies to our own echo probes are swallowed here per spec.md §4.G
// ("REPLY inbound ... is consumed by component C and never surfaces").
func (c *Conn) Recv() (jsonrpc.Message, bool) {
	c.mu.Lock()
	f := c.framer
	c.mu.Unlock()
	if f == nil {
		return jsonrpc.Message{}, false
	}
	for {
		msg, ok := f.Recv()
		if !ok {
			return jsonrpc.Message{}, false
		}
		if c.consumeProbeReply(msg) {
			continue
		}
		return msg, true
	}
}

func (c *Conn) consumeProbeReply(msg jsonrpc.Message) bool {
	if msg.Kind != jsonrpc.KindReply && msg.Kind != jsonrpc.KindError {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingProbe == "" {
		return false
	}
	var id string
	if err := json.Unmarshal(msg.ID, &id); err != nil || id != c.pendingProbe {
		return false
	}
	c.pendingProbe = ""
	return true
}

// Backlog returns bytes queued outbound but not yet written.
func (c *Conn) Backlog() int {
	c.mu.Lock()
	f := c.framer
	c.mu.Unlock()
	if f == nil {
		return 0
	}
	return f.Backlog()
}

// Seqno returns the monotonic counter bumped on every (re)connection.
func (c *Conn) Seqno() int64 { return c.seqno.Load() }

// IsAlive reports whether the Conn currently has a live framed connection.
func (c *Conn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateActive
}

// State returns the current reconnect state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetMaxBackoff bounds the exponential backoff delay.
func (c *Conn) SetMaxBackoff(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxBackoff = d
}

// SetProbeInterval sets the idle-probe period; zero disables probing.
func (c *Conn) SetProbeInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeEvery = d
}

// SetDscp is a no-op: Conn stores no DSCP byte. The IP_TOS syscall
// happens in internal/remote (Remote.SetDscp) at accept/dial time, and
// sockets already accepted are never retroactively updated (spec.md §9
// open question).
func (c *Conn) SetDscp(_ byte) {}

// Close tears the Conn down permanently.
func (c *Conn) Close() {
	if c.runCancel != nil {
		c.runCancel()
	}
	c.teardown(false)
}
