// Package ovsdbsrv implements component H, the server: the database
// registry, the remote set, the process-wide lock manager and monitor
// engine, max_sessions enforcement, and periodic status publication
// (spec.md §4.H). It is the only package that spawns sessions and wires
// them to their collaborators — every other core package (session,
// trigger, monitor, lockmgr, rpcconn, remote) is collaborator-agnostic
// and gets its dependencies injected here.
package ovsdbsrv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dantte-lp/ovsdb-server/internal/lockmgr"
	ovsdbmetrics "github.com/dantte-lp/ovsdb-server/internal/metrics"
	"github.com/dantte-lp/ovsdb-server/internal/monitor"
	"github.com/dantte-lp/ovsdb-server/internal/remote"
	"github.com/dantte-lp/ovsdb-server/internal/rpcconn"
	"github.com/dantte-lp/ovsdb-server/internal/session"
	"github.com/dantte-lp/ovsdb-server/internal/trigger"
	"github.com/dantte-lp/ovsdb-server/internal/txn"
)

// ErrUnknownRemote is returned by RemoveRemote/Reconnect for a name that
// was never added.
var ErrUnknownRemote = errors.New("ovsdbsrv: unknown remote")

// ErrSessionCapReached is returned when an accepted connection would push
// the server past its configured max_sessions (spec.md §4.H).
var ErrSessionCapReached = errors.New("ovsdbsrv: session cap reached")

// sessionTickInterval is how often each live session's Tick runs.
// spec.md's single-threaded event loop polls continuously; this module's
// one-goroutine-per-remote relaxation (spec.md §5) still needs a pace, so
// each session goroutine sleeps this long between Tick calls rather than
// busy-spinning.
const sessionTickInterval = 5 * time.Millisecond

// commitPumpInterval is how often committed changes are drained from
// every open database and fanned out through the monitor engine.
const commitPumpInterval = 10 * time.Millisecond

// Server owns everything spec.md §3 assigns to "Server": the database
// set, the remote set, the lock manager, the monitor engine, and the
// global session cap.
type Server struct {
	logger      *slog.Logger
	metrics     *ovsdbmetrics.Collector
	locks       *lockmgr.Manager
	monitors    *monitor.Engine
	registry    *registry
	tlsConfig   remote.TLSConfig
	maxSessions int

	statusInterval time.Duration
	statusTriggers *trigger.Table

	mu          sync.Mutex
	remotes     map[string]*remoteEntry // concrete remote name -> entry
	parents     map[string][]string     // configured name -> concrete names (db: fan-out)
	sessions    map[string]*session.Session
	sessionSeq  atomic.Uint64
	liveCount   int
	wg          sync.WaitGroup

	seqMu     sync.Mutex
	commitSeq map[string]uint64 // db name -> highest commit seq whose monitor fan-out has finished
}

// remoteEntry is one concrete (non-db:) remote this server currently has
// open, plus the bookkeeping needed to report status and tear it down.
type remoteEntry struct {
	name string
	cfg  remote.Config
	r    *remote.Remote

	cancel context.CancelFunc

	mu          sync.Mutex
	connectedAt time.Time
	disconnAt   time.Time
	connected   bool
	lastErr     string
	boundPort   uint16
	nConns      int

	// statusTarget is set only when this remote was resolved from a
	// `db:DATABASE,TABLE,COLUMN` self-reference; status is written back
	// into that row (spec.md §4.H).
	statusTarget *statusTarget
}

type statusTarget struct {
	db    txn.Database
	table string
	rowID string
}

// New creates a Server. tlsConfig may be nil if no ssl/pssl remotes will
// ever be configured.
func New(maxSessions int, statusInterval time.Duration, tlsConfig remote.TLSConfig, metrics *ovsdbmetrics.Collector, logger *slog.Logger) *Server {
	if statusInterval <= 0 {
		statusInterval = 5 * time.Second
	}
	return &Server{
		logger:         logger,
		metrics:        metrics,
		locks:          lockmgr.New(),
		monitors:       monitor.NewEngine(),
		registry:       newRegistry(),
		tlsConfig:      tlsConfig,
		maxSessions:    maxSessions,
		statusInterval: statusInterval,
		statusTriggers: trigger.NewTable(),
		remotes:        make(map[string]*remoteEntry),
		parents:        make(map[string][]string),
		sessions:       make(map[string]*session.Session),
		commitSeq:      make(map[string]uint64),
	}
}

// -------------------------------------------------------------------------
// Databases
// -------------------------------------------------------------------------

// AddDB opens db under its own name.
func (srv *Server) AddDB(db txn.Database) error {
	return srv.registry.Add(db)
}

// RemoveDB closes the named database. Any monitor subscription or pending
// trigger against it is left to fail naturally the next time it is used;
// the real executor (out of scope per spec.md §1) would drain and
// compact before removal.
func (srv *Server) RemoveDB(name string) {
	srv.registry.Remove(name)
}

// ListDBs returns every open database's name.
func (srv *Server) ListDBs() []string {
	return srv.registry.Names()
}

// -------------------------------------------------------------------------
// Remotes
// -------------------------------------------------------------------------

// AddRemote parses name and opens it: a concrete ptcp/punix/pssl/tcp/
// unix/ssl remote opens directly; a `db:DATABASE,TABLE,COLUMN`
// self-reference is resolved by reading that column off every row of
// TABLE in DATABASE and opening one concrete remote per value found
// (spec.md §4.A, §4.H "Reconfiguration protocol").
func (srv *Server) AddRemote(ctx context.Context, name string) error {
	cfg, err := remote.Parse(name)
	if err != nil {
		return err
	}

	if cfg.Kind == remote.KindDB {
		return srv.addDBReference(ctx, name, cfg)
	}
	return srv.addConcreteRemote(ctx, name, name, cfg, nil)
}

func (srv *Server) addDBReference(ctx context.Context, name string, cfg remote.Config) error {
	db, ok := srv.registry.Lookup(cfg.DB)
	if !ok {
		return fmt.Errorf("ovsdbsrv: db self-reference %q: %w: %q", name, txnErrUnknownDatabase, cfg.DB)
	}
	rows, err := db.Snapshot(cfg.Table)
	if err != nil {
		return fmt.Errorf("ovsdbsrv: db self-reference %q: %w", name, err)
	}

	var concrete []string
	for rowID, row := range rows {
		targets := stringSet(row[cfg.Column])
		for _, target := range targets {
			targetCfg, perr := remote.Parse(target)
			if perr != nil || targetCfg.Kind == remote.KindDB {
				srv.logger.Warn("db self-reference produced unusable target",
					slog.String("remote", name), slog.String("target", target))
				continue
			}
			if err := srv.addConcreteRemote(ctx, name, target, targetCfg, &statusTarget{db: db, table: cfg.Table, rowID: rowID}); err != nil {
				return err
			}
			concrete = append(concrete, target)
		}
	}

	srv.mu.Lock()
	srv.parents[name] = append(srv.parents[name], concrete...)
	srv.mu.Unlock()
	return nil
}

// stringSet normalizes an OVSDB set-typed column value (a bare scalar or
// a JSON array of scalars) into a string slice.
func stringSet(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, e := range val {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (srv *Server) addConcreteRemote(ctx context.Context, parent, name string, cfg remote.Config, st *statusTarget) error {
	srv.mu.Lock()
	if _, exists := srv.remotes[name]; exists {
		srv.mu.Unlock()
		return nil
	}
	srv.mu.Unlock()

	r := remote.New(name, cfg, srv.maxSessions, srv.tlsConfig, srv.logger)
	runCtx, cancel := context.WithCancel(ctx)
	entry := &remoteEntry{name: name, cfg: cfg, r: r, cancel: cancel, statusTarget: st}

	if cfg.Kind.Passive() {
		if err := r.Open(runCtx, func(conn net.Conn) { srv.acceptPassive(runCtx, entry, conn) }); err != nil {
			if !errors.Is(err, remote.ErrUnsupportedAddressFamily) {
				cancel()
				return err
			}
			// spec.md §4.A/§7: an address family the listener can't bind
			// (pssl with no TLS config, or an unrecognized passive kind)
			// still registers the remote, just without a running listener
			// — it stays outbound-dial-only until reconfigured.
			entry.mu.Lock()
			entry.lastErr = err.Error()
			entry.mu.Unlock()
		}
	} else {
		dial, err := r.Dial()
		if err != nil {
			cancel()
			return err
		}
		srv.spawnActive(runCtx, entry, dial)
	}

	srv.mu.Lock()
	srv.remotes[name] = entry
	if parent != name {
		srv.parents[parent] = append(srv.parents[parent], name)
	}
	srv.mu.Unlock()

	if srv.metrics != nil {
		srv.metrics.RegisterSession(name)
		srv.metrics.UnregisterSession(name) // establishes the series at zero
	}
	return nil
}

// RemoveRemote closes name (and, for a db: self-reference, every concrete
// remote it resolved to), tearing down every session spawned from it.
func (srv *Server) RemoveRemote(name string) error {
	srv.mu.Lock()
	concrete, isParent := srv.parents[name]
	if !isParent {
		if _, ok := srv.remotes[name]; !ok {
			srv.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrUnknownRemote, name)
		}
		concrete = []string{name}
	}
	delete(srv.parents, name)
	srv.mu.Unlock()

	for _, n := range concrete {
		srv.closeRemote(n)
	}
	return nil
}

func (srv *Server) closeRemote(name string) {
	srv.mu.Lock()
	entry, ok := srv.remotes[name]
	delete(srv.remotes, name)
	srv.mu.Unlock()
	if !ok {
		return
	}
	entry.cancel()
	_ = entry.r.Close()

	srv.mu.Lock()
	for id, sess := range srv.sessions {
		if sess.RemoteName == name {
			delete(srv.sessions, id)
			srv.liveCount--
		}
	}
	srv.mu.Unlock()
}

// ListRemotes returns every configured remote name (including db:
// self-references, listed once rather than per resolved target).
func (srv *Server) ListRemotes() []string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	seen := make(map[string]bool)
	resolved := make(map[string]bool)
	var out []string
	for parent, children := range srv.parents {
		if !seen[parent] {
			seen[parent] = true
			out = append(out, parent)
		}
		for _, child := range children {
			resolved[child] = true
		}
	}
	for name := range srv.remotes {
		if !seen[name] && !resolved[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// Reconnect force-reconnects every session belonging to name (or every
// session, if name is empty), per the `<svc>/reconnect` control command.
func (srv *Server) Reconnect(name string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, sess := range srv.sessions {
		if name == "" || sess.RemoteName == name {
			sess.ForceReconnect()
		}
	}
}

// Compact is a best-effort no-op: the log-structured database file and
// its compaction are out of scope (spec.md §1); this only exists so the
// `<svc>/compact` control command has somewhere to land without erroring
// on a client that still issues it out of habit.
func (srv *Server) Compact(db string) error {
	if db == "" {
		return nil
	}
	if _, ok := srv.registry.Lookup(db); !ok {
		return fmt.Errorf("%w: %q", txnErrUnknownDatabase, db)
	}
	srv.logger.Info("compact requested (no-op: executor-owned, out of scope)", slog.String("db", db))
	return nil
}

// -------------------------------------------------------------------------
// Session lifecycle
// -------------------------------------------------------------------------

func (srv *Server) acceptPassive(ctx context.Context, entry *remoteEntry, conn net.Conn) {
	srv.mu.Lock()
	if srv.maxSessions > 0 && srv.liveCount >= srv.maxSessions {
		srv.mu.Unlock()
		srv.logger.Warn("session cap reached, rejecting connection", slog.String("remote", entry.name))
		_ = conn.Close()
		return
	}
	srv.liveCount++
	srv.mu.Unlock()

	id := fmt.Sprintf("%s-%d", entry.name, srv.sessionSeq.Add(1))
	rc := rpcconn.New(entry.name, nil, srv.logger)
	rc.Attach(conn)

	sess := session.New(id, entry.name, rc, srv.registry, srv.locks, srv.monitors, srv, srv, srv.metrics, srv.logger)

	srv.mu.Lock()
	srv.sessions[id] = sess
	srv.mu.Unlock()

	entry.mu.Lock()
	entry.connected = true
	entry.connectedAt = time.Now()
	entry.nConns++
	entry.mu.Unlock()

	if srv.metrics != nil {
		srv.metrics.RegisterSession(entry.name)
	}

	srv.wg.Add(1)
	go srv.runSession(ctx, entry, sess, rc)
}

func (srv *Server) spawnActive(ctx context.Context, entry *remoteEntry, dial rpcconn.Dialer) {
	id := fmt.Sprintf("%s-%d", entry.name, srv.sessionSeq.Add(1))
	rc := rpcconn.New(entry.name, dial, srv.logger)
	sess := session.New(id, entry.name, rc, srv.registry, srv.locks, srv.monitors, srv, srv, srv.metrics, srv.logger)

	srv.mu.Lock()
	srv.sessions[id] = sess
	srv.liveCount++
	srv.mu.Unlock()

	if srv.metrics != nil {
		srv.metrics.RegisterSession(entry.name)
	}

	srv.wg.Add(1)
	go srv.runSession(ctx, entry, sess, rc)
}

// runSession drives one session's reconnecting connection and its Tick
// loop until the connection dies for good (passive remotes: the peer
// disconnected and rpcconn.Conn never reconnects an Attach()-ed
// connection) or ctx is canceled (server shutdown, or the remote was
// removed).
func (srv *Server) runSession(ctx context.Context, entry *remoteEntry, sess *session.Session, rc *rpcconn.Conn) {
	defer srv.wg.Done()

	connDone := make(chan struct{})
	go func() {
		rc.Run(ctx)
		close(connDone)
	}()

	ticker := time.NewTicker(sessionTickInterval)
	defer ticker.Stop()

	lastState := rc.State()
	for {
		select {
		case <-connDone:
			sess.Close()
			srv.teardownSession(entry, sess)
			return
		case <-ctx.Done():
			sess.Close()
			srv.teardownSession(entry, sess)
			return
		case <-ticker.C:
			sess.Tick(ctx)
			srv.trackConnState(entry, rc, &lastState)
			if srv.metrics != nil {
				srv.metrics.SetBacklog(entry.name, rc.Backlog())
			}
		}
	}
}

func (srv *Server) trackConnState(entry *remoteEntry, rc *rpcconn.Conn, last *rpcconn.State) {
	cur := rc.State()
	if cur == *last {
		return
	}
	*last = cur
	entry.mu.Lock()
	switch cur {
	case rpcconn.StateActive:
		entry.connected = true
		entry.connectedAt = time.Now()
	case rpcconn.StateBackoff, rpcconn.StateConnecting, rpcconn.StateDead:
		if entry.connected {
			entry.connected = false
			entry.disconnAt = time.Now()
		}
	}
	entry.mu.Unlock()
	if cur == rpcconn.StateBackoff && srv.metrics != nil {
		srv.metrics.IncReconnects(entry.name)
	}
}

func (srv *Server) teardownSession(entry *remoteEntry, sess *session.Session) {
	srv.mu.Lock()
	if _, ok := srv.sessions[sess.ID]; ok {
		delete(srv.sessions, sess.ID)
		srv.liveCount--
	}
	srv.mu.Unlock()
	if srv.metrics != nil {
		srv.metrics.UnregisterSession(entry.name)
	}
}

// -------------------------------------------------------------------------
// session.Notifier
// -------------------------------------------------------------------------

// Notify implements session.Notifier, routing a `locked`/`stolen`
// notification to an arbitrary session by id (spec.md §4.D).
func (srv *Server) Notify(sessionID string, method string, params []any) {
	srv.mu.Lock()
	sess, ok := srv.sessions[sessionID]
	srv.mu.Unlock()
	if !ok {
		return
	}
	sess.Deliver(method, params)
}

// -------------------------------------------------------------------------
// Commit pump and status publication
// -------------------------------------------------------------------------

// pumpCommits periodically drains every open database's committed
// changes and fans them out through the monitor engine to subscribed
// sessions (spec.md §2 "Data flow", §4.F "Update delivery").
func (srv *Server) pumpCommits(ctx context.Context) {
	ticker := time.NewTicker(commitPumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range srv.registry.Names() {
				db, ok := srv.registry.Lookup(name)
				if !ok {
					continue
				}
				for _, commit := range db.DrainCommits() {
					updates := srv.monitors.ProcessCommit(commit)
					srv.deliverUpdates(updates, name)
					srv.markCommitProcessed(name, commit.Seq)
				}
			}
		}
	}
}

// markCommitProcessed records that db's commit seq has cleared the
// monitor fan-out — every session subscribed to it already has the
// corresponding Update enqueued (deliverUpdates runs strictly before this
// call within the same pumpCommits iteration). Watermark reads this under
// the same mutex, giving Session.Tick a safe point past which it can
// release a trigger reply for that commit (spec.md §8 ordering
// invariant).
func (srv *Server) markCommitProcessed(db string, seq uint64) {
	srv.seqMu.Lock()
	if seq > srv.commitSeq[db] {
		srv.commitSeq[db] = seq
	}
	srv.seqMu.Unlock()
}

// Watermark implements session.CommitWatermark.
func (srv *Server) Watermark(db string) uint64 {
	srv.seqMu.Lock()
	defer srv.seqMu.Unlock()
	return srv.commitSeq[db]
}

func (srv *Server) deliverUpdates(updates []monitor.Update, db string) {
	if len(updates) == 0 {
		return
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, u := range updates {
		if sess, ok := srv.sessions[string(u.Session)]; ok {
			sess.DeliverUpdate(u)
			if srv.metrics != nil {
				srv.metrics.IncMonitorUpdates(db)
			}
		}
	}
}

// publishStatus periodically writes each db:-configured remote's status
// back into its source row, and mirrors lock status into Prometheus
// (spec.md §4.H "publish each remote's status").
func (srv *Server) publishStatus(ctx context.Context) {
	ticker := time.NewTicker(srv.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			srv.publishOnce()
		}
	}
}

func (srv *Server) publishOnce() {
	held, waiting, lost := srv.locks.Status()
	if srv.metrics != nil {
		srv.metrics.SetLockStatus(held, waiting, lost)
	}

	srv.mu.Lock()
	entries := make([]*remoteEntry, 0, len(srv.remotes))
	for _, e := range srv.remotes {
		entries = append(entries, e)
	}
	srv.mu.Unlock()

	for _, entry := range entries {
		if entry.statusTarget == nil {
			continue
		}
		srv.writeStatusRow(entry, held, waiting, lost)
	}

	for _, c := range srv.statusTriggers.Drain() {
		if c.Result.Err != nil {
			srv.logger.Warn("status publish failed", slog.String("err", c.Result.Err.Error()))
		}
	}
}

func (srv *Server) writeStatusRow(entry *remoteEntry, held, waiting, lost int) {
	entry.mu.Lock()
	row := map[string]any{
		"is_connected": entry.connected,
		"state":        entry.r.Name, // overwritten below with entry.name
	}
	var secConnect, secDisconnect float64
	if entry.connected && !entry.connectedAt.IsZero() {
		secConnect = time.Since(entry.connectedAt).Seconds()
	}
	if !entry.connected && !entry.disconnAt.IsZero() {
		secDisconnect = time.Since(entry.disconnAt).Seconds()
	}
	row["sec_since_connect"] = secConnect
	row["sec_since_disconnect"] = secDisconnect
	row["last_error"] = entry.lastErr
	row["n_connections"] = entry.nConns
	row["bound_port"] = entry.boundPort
	st := entry.statusTarget
	entry.mu.Unlock()

	row["locks_held"] = held
	row["locks_waiting"] = waiting
	row["locks_lost"] = lost
	// state carries the remote's name; the connection state
	// (rpcconn.State) is not written to the row.
	row["state"] = entry.name

	op := map[string]any{"op": "update", "table": st.table, "uuid": st.rowID, "row": row}
	reqID := []byte(`"` + uuid.NewString() + `"`)
	if _, err := srv.statusTriggers.Submit(context.Background(), st.db, []any{op}, reqID, time.Now()); err != nil {
		srv.logger.Warn("status row submit failed", slog.String("remote", entry.name), slog.String("err", err.Error()))
	}
}

// -------------------------------------------------------------------------
// Run / Close
// -------------------------------------------------------------------------

// Run starts the commit pump and status publisher and blocks until ctx is
// canceled, then waits for every spawned session goroutine to exit.
func (srv *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); srv.pumpCommits(ctx) }()
	go func() { defer wg.Done(); srv.publishStatus(ctx) }()

	<-ctx.Done()
	wg.Wait()
	srv.wg.Wait()
	return nil
}

// Close closes every remote (cascading to their sessions). Safe to call
// after Run's context is already canceled.
func (srv *Server) Close() {
	srv.mu.Lock()
	names := make([]string, 0, len(srv.remotes))
	for n := range srv.remotes {
		names = append(names, n)
	}
	srv.mu.Unlock()
	for _, n := range names {
		srv.closeRemote(n)
	}
}

// txnErrUnknownDatabase mirrors session.ErrUnknownDatabase for error
// messages originating in this package rather than a live session.
var txnErrUnknownDatabase = errors.New("unknown database")
