// Package session implements the per-connection server-side state for
// one client (component G): it owns a reconnecting RPC connection, the
// session's lock waiters, trigger table, and monitor subscriptions, and
// parses and dispatches inbound requests.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dantte-lp/ovsdb-server/internal/jsonrpc"
	"github.com/dantte-lp/ovsdb-server/internal/lockmgr"
	ovsdbmetrics "github.com/dantte-lp/ovsdb-server/internal/metrics"
	"github.com/dantte-lp/ovsdb-server/internal/monitor"
	"github.com/dantte-lp/ovsdb-server/internal/rpcconn"
	"github.com/dantte-lp/ovsdb-server/internal/trigger"
	"github.com/dantte-lp/ovsdb-server/internal/txn"
)

// initialBacklogThreshold is the starting backlog watermark before the
// backpressure heuristic (spec.md §4.G step 4) begins doubling it.
const initialBacklogThreshold = 16 * 1024

// assumedBytesPerCell is a rough per-column-value size for estimating the
// byte cost of a full replica of a session's subscribed data, since this
// module's reference Database does not track serialized row sizes.
// replicaEstimate does not use it; it returns a fixed value.
const assumedBytesPerCell = 32

// ErrUnknownDatabase is a syntax error: a request named a database the
// server does not have open.
var ErrUnknownDatabase = errors.New("unknown database")

// Notifier delivers a best-effort server-initiated notification to an
// arbitrary session by id — used for cross-session lock notifications
// (`locked`, `stolen`), which may target a session other than the one
// that triggered them. Delivery to a disconnected session is silently
// dropped (spec.md §4.D "Notifications are best-effort").
type Notifier interface {
	Notify(sessionID string, method string, params []any)
}

// CommitWatermark reports, for a database, the highest commit sequence
// number whose monitor update fan-out has finished — every session
// subscribed to that commit already has its Update enqueued. Session.Tick
// uses this to withhold a transact reply until its own commit has cleared
// (spec.md §8: "the reply ... is always preceded on the same session by
// monitor updates for every commit <= n that it subscribed to").
type CommitWatermark interface {
	Watermark(db string) uint64
}

// pendingReply is a trigger reply that has completed but is withheld
// until its commit (if any) has cleared the monitor fan-out.
type pendingReply struct {
	db     string
	seq    uint64
	method string
	msg    jsonrpc.Message
}

// Session is the per-connection server-side state for one client.
type Session struct {
	ID         string
	RemoteName string

	conn      *rpcconn.Conn
	registry  txn.Registry
	locks     *lockmgr.Manager
	monitors  *monitor.Engine
	triggers  *trigger.Table
	notifier  Notifier
	watermark CommitWatermark
	metrics   *ovsdbmetrics.Collector
	logger    *slog.Logger

	waiters map[string]*lockmgr.Waiter // lock name -> this session's waiter

	lastSeqno           int64
	backlogThreshold    int
	lastObservedBacklog int

	updates chan monitor.Update
	pending []pendingReply
}

// New creates a Session bound to conn. notifier is used to deliver
// cross-session lock notifications; watermark lets Tick order transact
// replies against monitor update delivery. metrics may be nil.
func New(id, remoteName string, conn *rpcconn.Conn, registry txn.Registry, locks *lockmgr.Manager, monitors *monitor.Engine, notifier Notifier, watermark CommitWatermark, metrics *ovsdbmetrics.Collector, logger *slog.Logger) *Session {
	return &Session{
		ID:               id,
		RemoteName:       remoteName,
		conn:             conn,
		registry:         registry,
		locks:            locks,
		monitors:         monitors,
		triggers:         trigger.NewTable(),
		notifier:         notifier,
		watermark:        watermark,
		metrics:          metrics,
		logger:           logger.With(slog.String("session", id)),
		waiters:          make(map[string]*lockmgr.Waiter),
		backlogThreshold: initialBacklogThreshold,
		updates:          make(chan monitor.Update, 256),
	}
}

// send sends msg on the connection and, if metrics are configured, counts
// it against method for this session's remote (spec.md §4.H metrics).
func (s *Session) send(method string, msg jsonrpc.Message) {
	if s.metrics != nil {
		s.metrics.IncMessagesSent(s.RemoteName, method)
	}
	_ = s.conn.Send(msg)
}

// Deliver sends a server-initiated NOTIFY on this session's connection —
// the mechanism a Notifier uses to reach a specific target session
// (`locked`, `stolen`; spec.md §4.D). Best-effort: if the session is
// mid-reconnect the message is simply dropped, matching "notifications
// are best-effort".
func (s *Session) Deliver(method string, params []any) {
	s.send(method, jsonrpc.NewNotify(method, params))
}

// ForceReconnect tears down this session's underlying connection and, for
// an active remote, begins reconnecting — used by the `<svc>/reconnect`
// control command (spec.md §6).
func (s *Session) ForceReconnect() {
	s.conn.ForceReconnect()
}

// lockID returns this session's identity as seen by lockmgr.
func (s *Session) lockID() lockmgr.SessionID { return lockmgr.SessionID(s.ID) }

// monitorID returns this session's identity as seen by monitor.Engine.
func (s *Session) monitorID() monitor.SessionID { return monitor.SessionID(s.ID) }

// DeliverUpdate enqueues a monitor update for this session to forward on
// its next Tick. Never blocks indefinitely: if the session's update queue
// is saturated the oldest update is dropped, since the session is almost
// certainly about to be force-reconnected by the backlog heuristic.
func (s *Session) DeliverUpdate(u monitor.Update) {
	select {
	case s.updates <- u:
	default:
		select {
		case <-s.updates:
		default:
		}
		select {
		case s.updates <- u:
		default:
		}
	}
}

// Tick runs one iteration of the session's per-connection logic (spec.md
// §4.G): detect reconnection, deliver completed triggers and queued
// monitor updates, then either dispatch the next inbound message or apply
// the backpressure heuristic.
func (s *Session) Tick(ctx context.Context) {
	if seq := s.conn.Seqno(); seq != s.lastSeqno {
		s.lastSeqno = seq
		s.resetPerConnectionState()
	}

	s.drainMonitorUpdates()
	s.collectTriggerReplies()
	s.flushTriggerReplies()

	backlog := s.conn.Backlog()
	if backlog == 0 {
		s.lastObservedBacklog = 0
		s.backlogThreshold = initialBacklogThreshold
		if msg, ok := s.conn.Recv(); ok {
			s.dispatch(ctx, msg)
		}
		return
	}

	excess := backlog - s.lastObservedBacklog
	if excess > s.backlogThreshold {
		estimate := s.replicaEstimate()
		if excess > 2*estimate {
			s.logger.Warn("backlog exceeds twice the replica estimate, forcing reconnect",
				slog.Int("backlog", backlog), slog.Int("estimate", estimate))
			s.conn.ForceReconnect()
			return
		}
		s.backlogThreshold *= 2
		if cap := 2 * estimate; s.backlogThreshold > cap {
			s.backlogThreshold = cap
		}
		s.lastObservedBacklog = backlog
	}
}

// resetPerConnectionState tears down everything tied to the prior
// underlying connection: pending triggers, monitor subscriptions, and
// lock waiters (spec.md §4.G step 1).
func (s *Session) resetPerConnectionState() {
	s.triggers.TeardownAll()
	s.monitors.TeardownSession(s.monitorID())
	s.releaseAllLocks()
	s.pending = nil
}

func (s *Session) releaseAllLocks() {
	for name, w := range s.waiters {
		delete(s.waiters, name)
		if newOwner := s.locks.Unlock(w); newOwner != nil {
			s.notifier.Notify(string(newOwner.Session), "locked", []any{name})
		}
	}
}

// replicaEstimate returns the replica-size figure used to bound the
// backlog heuristic (spec.md §4.G step 4, §9 "Backpressure heuristic").
// It is a fixed initialBacklogThreshold bytes for every session: the
// session's monitors and the rows they cover are not measured.
func (s *Session) replicaEstimate() int {
	// A nonzero floor keeps the doubling bound meaningful instead of
	// degenerating to "always force reconnect".
	return initialBacklogThreshold
}

// collectTriggerReplies moves every Trigger the executor has completed
// since the last Tick into the session's reply queue, building its
// REPLY/ERROR message up front. Sending is deferred to
// flushTriggerReplies, which withholds delivery until every monitor
// update for commits up to and including the trigger's own commit has
// gone out on this session (spec.md §8 ordering invariant).
func (s *Session) collectTriggerReplies() {
	for _, c := range s.triggers.Drain() {
		var msg jsonrpc.Message
		if c.Result.Err != nil {
			msg = jsonrpc.NewError(c.Trigger.ReqID, c.Result.Err.Error())
		} else {
			msg = jsonrpc.NewReply(c.Trigger.ReqID, c.Result.Value)
		}
		s.pending = append(s.pending, pendingReply{db: c.Trigger.DB, seq: c.CommitSeq, method: "transact", msg: msg})
	}
}

// flushTriggerReplies sends every pending reply whose commit has fully
// cleared the monitor fan-out, in arrival order, stopping at the first
// one still waiting so replies are never reordered relative to requests.
// A reply with seq 0 produced no commit and is never gated.
func (s *Session) flushTriggerReplies() {
	for len(s.pending) > 0 {
		pr := s.pending[0]
		if pr.seq != 0 && s.watermark.Watermark(pr.db) < pr.seq {
			break
		}
		// Flush whatever the commit pump has already queued for this
		// commit before acking it, closing the race where the watermark
		// advances between this check and the reply actually going out.
		s.drainMonitorUpdates()
		s.send(pr.method, pr.msg)
		s.pending = s.pending[1:]
	}
}

// drainMonitorUpdates forwards every queued monitor Update as an `update`
// NOTIFY (spec.md §4.F "Update delivery").
func (s *Session) drainMonitorUpdates() {
	for {
		select {
		case u := <-s.updates:
			s.send("update", jsonrpc.NewNotify("update", []any{json.RawMessage(u.RawID), u.TableDiff}))
		default:
			return
		}
	}
}

// dispatch classifies and handles one inbound message (spec.md §4.G
// dispatch tables).
func (s *Session) dispatch(ctx context.Context, msg jsonrpc.Message) {
	if s.metrics != nil && msg.Method != "" {
		s.metrics.IncMessagesReceived(s.RemoteName, msg.Method)
	}
	switch msg.Kind {
	case jsonrpc.KindRequest:
		s.handleRequest(ctx, msg)
	case jsonrpc.KindNotify:
		s.handleNotify(msg)
	case jsonrpc.KindReply, jsonrpc.KindError:
		// Only echo probes produce inbound replies, and rpcconn consumes
		// those before Recv ever returns them here; anything else is a
		// protocol error (spec.md §4.G).
		s.logger.Warn("unexpected reply on session, forcing reconnect")
		s.conn.ForceReconnect()
	default:
		s.logger.Warn("unclassified message, forcing reconnect")
		s.conn.ForceReconnect()
	}
}

func (s *Session) handleRequest(ctx context.Context, msg jsonrpc.Message) {
	switch msg.Method {
	case "transact":
		s.handleTransact(ctx, msg)
	case "monitor":
		s.handleMonitor(msg)
	case "monitor_cancel":
		s.handleMonitorCancel(msg)
	case "get_schema":
		s.handleGetSchema(msg)
	case "list_dbs":
		s.handleListDBs(msg)
	case "lock":
		s.handleLock(msg, lockmgr.ModeWait)
	case "steal":
		s.handleLock(msg, lockmgr.ModeSteal)
	case "unlock":
		s.handleUnlock(msg)
	case "echo":
		s.send("echo", jsonrpc.NewReply(msg.ID, msg.Params))
	default:
		s.send(msg.Method, jsonrpc.NewError(msg.ID, "unknown method"))
	}
}

func (s *Session) handleNotify(msg jsonrpc.Message) {
	if msg.Method != "cancel" {
		return
	}
	if len(msg.Params) != 1 {
		return
	}
	idRaw, err := json.Marshal(msg.Params[0])
	if err != nil {
		return
	}
	trig, ok := s.triggers.Cancel(idRaw)
	if !ok {
		return
	}
	s.send("transact", jsonrpc.NewError(trig.ReqID, trigger.Canceled))
}

func paramString(params []any, idx int) (string, bool) {
	if idx >= len(params) {
		return "", false
	}
	v, ok := params[idx].(string)
	return v, ok
}

func (s *Session) handleTransact(ctx context.Context, msg jsonrpc.Message) {
	dbName, ok := paramString(msg.Params, 0)
	if !ok {
		s.send("transact", jsonrpc.NewError(msg.ID, "transact: missing database name"))
		return
	}
	db, ok := s.registry.Lookup(dbName)
	if !ok {
		s.send("transact", jsonrpc.NewError(msg.ID, fmt.Sprintf("%s: %s", ErrUnknownDatabase, dbName)))
		return
	}

	ops := msg.Params[1:]
	_, err := s.triggers.Submit(ctx, db, ops, msg.ID, time.Now())
	if err != nil {
		if errors.Is(err, trigger.ErrDuplicateRequestID) {
			s.send("transact", jsonrpc.NewError(msg.ID, trigger.ErrDuplicateRequestID.Error()))
			return
		}
		s.send("transact", jsonrpc.NewError(msg.ID, err.Error()))
		return
	}
	// Success: the reply is sent later from flushTriggerReplies once the
	// executor reports completion and the commit (if any) has cleared the
	// monitor fan-out (spec.md §4.E, §8 ordering invariant).
}

func (s *Session) handleMonitor(msg jsonrpc.Message) {
	dbName, ok := paramString(msg.Params, 0)
	if !ok || len(msg.Params) < 3 {
		s.send("monitor", jsonrpc.NewError(msg.ID, "monitor: malformed params"))
		return
	}
	db, ok := s.registry.Lookup(dbName)
	if !ok {
		s.send("monitor", jsonrpc.NewError(msg.ID, fmt.Sprintf("%s: %s", ErrUnknownDatabase, dbName)))
		return
	}
	monIDRaw, err := json.Marshal(msg.Params[1])
	if err != nil {
		s.send("monitor", jsonrpc.NewError(msg.ID, "monitor: malformed monitor id"))
		return
	}
	tablesRaw, err := decodeTablesParam(msg.Params[2])
	if err != nil {
		s.send("monitor", jsonrpc.NewError(msg.ID, err.Error()))
		return
	}

	snapshot, err := s.monitors.Subscribe(s.monitorID(), monIDRaw, dbName, db, tablesRaw)
	if err != nil {
		s.send("monitor", jsonrpc.NewError(msg.ID, err.Error()))
		return
	}
	s.send("monitor", jsonrpc.NewReply(msg.ID, snapshot))
}

// decodeTablesParam re-marshals the third `monitor` param (already
// decoded into `any` values by encoding/json) back into per-table
// json.RawMessage so the monitor package can normalize each table's
// heterogeneous object-or-array shape independently.
func decodeTablesParam(v any) (map[string]json.RawMessage, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("monitor: params[2] must be an object")
	}
	out := make(map[string]json.RawMessage, len(obj))
	for table, raw := range obj {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("monitor: %q: %w", table, err)
		}
		out[table] = b
	}
	return out, nil
}

func (s *Session) handleMonitorCancel(msg jsonrpc.Message) {
	if len(msg.Params) != 1 {
		s.send("monitor_cancel", jsonrpc.NewError(msg.ID, "monitor_cancel: malformed params"))
		return
	}
	idRaw, err := json.Marshal(msg.Params[0])
	if err != nil {
		s.send("monitor_cancel", jsonrpc.NewError(msg.ID, "monitor_cancel: malformed monitor id"))
		return
	}
	if err := s.monitors.Cancel(s.monitorID(), idRaw); err != nil {
		s.send("monitor_cancel", jsonrpc.NewError(msg.ID, "unknown monitor"))
		return
	}
	s.send("monitor_cancel", jsonrpc.NewReply(msg.ID, map[string]any{}))
}

func (s *Session) handleGetSchema(msg jsonrpc.Message) {
	dbName, ok := paramString(msg.Params, 0)
	if !ok {
		s.send("get_schema", jsonrpc.NewError(msg.ID, "get_schema: missing database name"))
		return
	}
	db, ok := s.registry.Lookup(dbName)
	if !ok {
		s.send("get_schema", jsonrpc.NewError(msg.ID, fmt.Sprintf("%s: %s", ErrUnknownDatabase, dbName)))
		return
	}
	s.send("get_schema", jsonrpc.NewReply(msg.ID, db.Schema()))
}

func (s *Session) handleListDBs(msg jsonrpc.Message) {
	s.send("list_dbs", jsonrpc.NewReply(msg.ID, s.registry.Names()))
}

func (s *Session) handleLock(msg jsonrpc.Message, mode lockmgr.Mode) {
	name, ok := paramString(msg.Params, 0)
	if !ok {
		s.send(msg.Method, jsonrpc.NewError(msg.ID, "lock: missing name"))
		return
	}
	w, victim, err := s.locks.Lock(s.lockID(), name, mode)
	if err != nil {
		s.send(msg.Method, jsonrpc.NewError(msg.ID, err.Error()))
		return
	}
	s.waiters[name] = w
	if victim != nil {
		s.notifier.Notify(string(victim.Session), "stolen", []any{name})
	}
	s.send(msg.Method, jsonrpc.NewReply(msg.ID, map[string]any{"locked": w.State == lockmgr.StateOwner}))
}

func (s *Session) handleUnlock(msg jsonrpc.Message) {
	name, ok := paramString(msg.Params, 0)
	if !ok {
		s.send("unlock", jsonrpc.NewError(msg.ID, "unlock: missing name"))
		return
	}
	w, held := s.waiters[name]
	if held {
		delete(s.waiters, name)
		if newOwner := s.locks.Unlock(w); newOwner != nil {
			s.notifier.Notify(string(newOwner.Session), "locked", []any{name})
		}
	}
	s.send("unlock", jsonrpc.NewReply(msg.ID, map[string]any{}))
}

// Close releases every resource the session owns: locks, monitors, and
// triggers, then closes the underlying connection (spec.md §3 Session
// lifecycle: "destroyed on transport error, policy disconnect, or remote
// removal. On destruction every held/waiting lock is released and every
// pending trigger and monitor is torn down").
func (s *Session) Close() {
	s.triggers.TeardownAll()
	s.monitors.TeardownSession(s.monitorID())
	s.releaseAllLocks()
	s.conn.Close()
}
