package session_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	ovsdbmetrics "github.com/dantte-lp/ovsdb-server/internal/metrics"
	"github.com/dantte-lp/ovsdb-server/internal/lockmgr"
	"github.com/dantte-lp/ovsdb-server/internal/monitor"
	"github.com/dantte-lp/ovsdb-server/internal/rpcconn"
	"github.com/dantte-lp/ovsdb-server/internal/session"
	"github.com/dantte-lp/ovsdb-server/internal/txn"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// -------------------------------------------------------------------------
// Test doubles
// -------------------------------------------------------------------------

// router is a Notifier that delivers cross-session notifications directly
// to the target Session by id, standing in for ovsdbsrv.Server's real
// session lookup.
type router struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newRouter() *router { return &router{sessions: make(map[string]*session.Session)} }

func (r *router) register(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *router) Notify(sessionID, method string, params []any) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if ok {
		s.Deliver(method, params)
	}
}

// fakeWatermark is a CommitWatermark whose per-db value the test advances
// explicitly, standing in for ovsdbsrv.Server's real commit pump.
type fakeWatermark struct {
	mu  sync.Mutex
	seq map[string]uint64
}

func newFakeWatermark() *fakeWatermark { return &fakeWatermark{seq: make(map[string]uint64)} }

func (w *fakeWatermark) Watermark(db string) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq[db]
}

// advance raises db's watermark to seq if seq is higher than the current
// value, mirroring ovsdbsrv.Server.markCommitProcessed.
func (w *fakeWatermark) advance(db string, seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq[db] {
		w.seq[db] = seq
	}
}

// fakeAsyncDB is a txn.Database whose Submit never completes on its own —
// Poll only returns what the test explicitly queues via complete. This lets
// tests observe a Trigger while it is still genuinely pending, which
// txn.MemDB's synchronous Submit cannot (spec.md §8 scenario 6 requires
// canceling before the transaction commits).
type fakeAsyncDB struct {
	name string

	mu          sync.Mutex
	completions []txn.Completion
	canceled    []txn.Handle
}

func newFakeAsyncDB(name string) *fakeAsyncDB {
	return &fakeAsyncDB{name: name}
}

type fakeHandle struct{ n int }

func (d *fakeAsyncDB) Submit(context.Context, string, []any, time.Time) (txn.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &fakeHandle{n: len(d.canceled) + len(d.completions) + 1}, nil
}

func (d *fakeAsyncDB) Poll() []txn.Completion {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.completions
	d.completions = nil
	return out
}

func (d *fakeAsyncDB) Cancel(h txn.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.canceled = append(d.canceled, h)
}

func (d *fakeAsyncDB) DrainCommits() []txn.Commit { return nil }
func (d *fakeAsyncDB) Name() string               { return d.name }
func (d *fakeAsyncDB) Schema() map[string]any     { return map[string]any{"name": d.name} }
func (d *fakeAsyncDB) Tables() []string           { return nil }
func (d *fakeAsyncDB) Columns(string) ([]string, error) {
	return nil, nil
}
func (d *fakeAsyncDB) Snapshot(string) (map[string]map[string]any, error) {
	return map[string]map[string]any{}, nil
}

func (d *fakeAsyncDB) canceledCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.canceled)
}

// fakeRegistry is a txn.Registry over an explicit set of databases, used
// where txn.MemRegistry's *MemDB-only constructor doesn't fit (fakeAsyncDB).
type fakeRegistry struct {
	dbs map[string]txn.Database
}

func (r *fakeRegistry) Lookup(name string) (txn.Database, bool) {
	db, ok := r.dbs[name]
	return db, ok
}

func (r *fakeRegistry) Names() []string {
	out := make([]string, 0, len(r.dbs))
	for n := range r.dbs {
		out = append(out, n)
	}
	return out
}

// rpcClient is a minimal test-only JSON-RPC client speaking the same wire
// shape as internal/jsonrpc, driving a Session directly over a net.Pipe.
type rpcClient struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

func newRPCClient(conn net.Conn) *rpcClient {
	return &rpcClient{conn: conn, enc: json.NewEncoder(conn), dec: json.NewDecoder(conn)}
}

func (c *rpcClient) request(t *testing.T, id, method string, params []any) {
	t.Helper()
	require.NoError(t, c.enc.Encode(map[string]any{"id": id, "method": method, "params": params}))
}

func (c *rpcClient) requestNumericID(t *testing.T, id int, method string, params []any) {
	t.Helper()
	require.NoError(t, c.enc.Encode(map[string]any{"id": id, "method": method, "params": params}))
}

func (c *rpcClient) notify(t *testing.T, method string, params []any) {
	t.Helper()
	require.NoError(t, c.enc.Encode(map[string]any{"id": nil, "method": method, "params": params}))
}

func (c *rpcClient) read(t *testing.T) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, c.dec.Decode(&m))
	return m
}

// -------------------------------------------------------------------------
// Harness
// -------------------------------------------------------------------------

type harness struct {
	sess   *session.Session
	client *rpcClient
}

func newHarness(
	t *testing.T, id string, registry txn.Registry, locks *lockmgr.Manager,
	monitors *monitor.Engine, notifier session.Notifier, watermark session.CommitWatermark,
) *harness {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })

	conn := rpcconn.New(id, nil, testLogger())
	conn.Attach(serverSide)

	metrics := ovsdbmetrics.NewCollector(prometheus.NewRegistry())
	sess := session.New(id, "remote0", conn, registry, locks, monitors, notifier, watermark, metrics, testLogger())
	t.Cleanup(sess.Close)

	return &harness{sess: sess, client: newRPCClient(clientSide)}
}

// drainTicks calls Tick n times with a short pause between each, giving the
// framer's background reader goroutine time to decode and enqueue whatever
// was just written to the pipe before Tick's Recv call looks for it, and
// giving multiple queued messages a chance to each get their own dispatch.
func drainTicks(ctx context.Context, sess *session.Session, n int) {
	for i := 0; i < n; i++ {
		sess.Tick(ctx)
		time.Sleep(2 * time.Millisecond)
	}
}

// runTicker drives Tick in the background, standing in for the server's
// per-session tick loop, until ctx is canceled.
func runTicker(ctx context.Context, sess *session.Session) {
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sess.Tick(ctx)
			}
		}
	}()
}

// -------------------------------------------------------------------------
// Ordering invariant (spec.md §8 "the reply to a transact ... is always
// preceded on the same session by monitor updates for every commit <= n
// that it subscribed to")
// -------------------------------------------------------------------------

func TestOrderingInvariantReplyWithheldUntilWatermarkAdvances(t *testing.T) {
	db := txn.NewMemDB("a", "T").SetColumns("T", []string{"c"})
	registry := txn.NewMemRegistry(db)
	monitors := monitor.NewEngine()
	locks := lockmgr.New()
	notifier := newRouter()
	watermark := newFakeWatermark()

	h := newHarness(t, "s1", registry, locks, monitors, notifier, watermark)
	notifier.register(h.sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runTicker(ctx, h.sess)

	h.client.request(t, "tx1", "transact", []any{"a", map[string]any{"op": "insert", "table": "T", "row": map[string]any{"c": "x"}}})

	// No watermark advance yet: the reply must not arrive.
	require.NoError(t, h.client.conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, err := h.client.conn.Read(make([]byte, 1))
	require.Error(t, err)
	require.NoError(t, h.client.conn.SetReadDeadline(time.Time{}))

	commits := db.DrainCommits()
	require.Len(t, commits, 1)
	watermark.advance("a", commits[0].Seq)

	var reply map[string]any
	require.Eventually(t, func() bool {
		if err := h.client.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
			return false
		}
		var m map[string]any
		if err := h.client.dec.Decode(&m); err != nil {
			return false
		}
		reply = m
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.NotContains(t, reply, "method")
	require.Equal(t, "tx1", reply["id"])
	require.Contains(t, reply, "result")
}

func TestOrderingInvariantUpdateArrivesBeforeReply(t *testing.T) {
	db := txn.NewMemDB("a", "T").SetColumns("T", []string{"c"})
	registry := txn.NewMemRegistry(db)
	monitors := monitor.NewEngine()
	locks := lockmgr.New()
	notifier := newRouter()
	watermark := newFakeWatermark()

	h := newHarness(t, "s1", registry, locks, monitors, notifier, watermark)
	notifier.register(h.sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runTicker(ctx, h.sess)

	h.client.request(t, "m1", "monitor", []any{"a", "M1", map[string]any{
		"T": map[string]any{"columns": []any{"c"}, "select": map[string]any{"initial": false, "insert": true, "delete": false, "modify": false}},
	}})
	monitorReply := h.client.read(t)
	require.Equal(t, "m1", monitorReply["id"])

	// The commit pump runs on its own schedule, independent of Session.Tick,
	// exactly as ovsdbsrv.Server.pumpCommits and Session.Tick do in
	// production — this is what the ordering invariant has to survive.
	go func() {
		ticker := time.NewTicker(3 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, c := range db.DrainCommits() {
					for _, u := range monitors.ProcessCommit(c) {
						h.sess.DeliverUpdate(u)
					}
					watermark.advance("a", c.Seq)
				}
			}
		}
	}()

	h.client.request(t, "tx1", "transact", []any{"a", map[string]any{"op": "insert", "table": "T", "row": map[string]any{"c": "x"}}})

	first := h.client.read(t)
	require.Equal(t, "update", first["method"])

	second := h.client.read(t)
	require.NotContains(t, second, "method")
	require.Equal(t, "tx1", second["id"])
}

// -------------------------------------------------------------------------
// spec.md §8 scenario 6: cancel racing a still-pending transact
// -------------------------------------------------------------------------

func TestScenario6CancelStillPendingTransact(t *testing.T) {
	db := newFakeAsyncDB("a")
	registry := &fakeRegistry{dbs: map[string]txn.Database{"a": db}}
	monitors := monitor.NewEngine()
	locks := lockmgr.New()
	notifier := newRouter()
	watermark := newFakeWatermark()

	h := newHarness(t, "s1", registry, locks, monitors, notifier, watermark)
	notifier.register(h.sess)

	ctx := context.Background()
	h.client.requestNumericID(t, 1, "transact", []any{"a", map[string]any{"op": "insert", "table": "T", "row": map[string]any{}}})
	drainTicks(ctx, h.sess, 5) // dispatches the transact; fakeAsyncDB never completes it on its own

	h.client.notify(t, "cancel", []any{1})
	drainTicks(ctx, h.sess, 5) // dispatches the cancel

	reply := h.client.read(t)
	require.Equal(t, float64(1), reply["id"])
	require.Equal(t, "canceled", reply["error"])
	require.Equal(t, 1, db.canceledCount())
}

// -------------------------------------------------------------------------
// spec.md §8 scenario 2: lock FIFO + unlock notifies the new owner
// -------------------------------------------------------------------------

func TestScenario2LockFIFOAndUnlockNotify(t *testing.T) {
	registry := txn.NewMemRegistry(txn.NewMemDB("a"))
	monitors := monitor.NewEngine()
	locks := lockmgr.New()
	notifier := newRouter()
	watermark := newFakeWatermark()

	a := newHarness(t, "A", registry, locks, monitors, notifier, watermark)
	b := newHarness(t, "B", registry, locks, monitors, notifier, watermark)
	notifier.register(a.sess)
	notifier.register(b.sess)

	ctx := context.Background()

	a.client.request(t, "1", "lock", []any{"L"})
	drainTicks(ctx, a.sess, 5)
	replyA := a.client.read(t)
	require.Equal(t, map[string]any{"locked": true}, replyA["result"])

	b.client.request(t, "1", "lock", []any{"L"})
	drainTicks(ctx, b.sess, 5)
	replyB := b.client.read(t)
	require.Equal(t, map[string]any{"locked": false}, replyB["result"])

	a.client.request(t, "2", "unlock", []any{"L"})
	drainTicks(ctx, a.sess, 5)
	unlockReply := a.client.read(t)
	require.Equal(t, map[string]any{}, unlockReply["result"])

	notify := b.client.read(t)
	require.Equal(t, "locked", notify["method"])
	require.Equal(t, []any{"L"}, notify["params"])
}

// -------------------------------------------------------------------------
// spec.md §8 scenario 3: steal demotes the current owner and notifies it
// -------------------------------------------------------------------------

func TestScenario3StealNotifiesVictim(t *testing.T) {
	registry := txn.NewMemRegistry(txn.NewMemDB("a"))
	monitors := monitor.NewEngine()
	locks := lockmgr.New()
	notifier := newRouter()
	watermark := newFakeWatermark()

	a := newHarness(t, "A", registry, locks, monitors, notifier, watermark)
	b := newHarness(t, "B", registry, locks, monitors, notifier, watermark)
	notifier.register(a.sess)
	notifier.register(b.sess)

	ctx := context.Background()

	a.client.request(t, "1", "lock", []any{"L"})
	drainTicks(ctx, a.sess, 5)
	require.Equal(t, map[string]any{"locked": true}, a.client.read(t)["result"])

	b.client.request(t, "1", "steal", []any{"L"})
	drainTicks(ctx, b.sess, 5)
	require.Equal(t, map[string]any{"locked": true}, b.client.read(t)["result"])

	notify := a.client.read(t)
	require.Equal(t, "stolen", notify["method"])
	require.Equal(t, []any{"L"}, notify["params"])
}

// -------------------------------------------------------------------------
// monitor subscribe / cancel over the wire
// -------------------------------------------------------------------------

func TestMonitorSubscribeAndCancelOverWire(t *testing.T) {
	db := txn.NewMemDB("a", "T").SetColumns("T", []string{"c"})
	registry := txn.NewMemRegistry(db)
	monitors := monitor.NewEngine()
	locks := lockmgr.New()
	notifier := newRouter()
	watermark := newFakeWatermark()

	h := newHarness(t, "s1", registry, locks, monitors, notifier, watermark)
	notifier.register(h.sess)
	ctx := context.Background()

	h.client.request(t, "m1", "monitor", []any{"a", "M1", map[string]any{
		"T": map[string]any{"columns": []any{"c"}, "select": map[string]any{"initial": true, "insert": true, "delete": false, "modify": false}},
	}})
	drainTicks(ctx, h.sess, 5)
	subReply := h.client.read(t)
	require.Equal(t, "m1", subReply["id"])
	require.Equal(t, map[string]any{}, subReply["result"])

	h.client.request(t, "c1", "monitor_cancel", []any{"M1"})
	drainTicks(ctx, h.sess, 5)
	cancelReply := h.client.read(t)
	require.Equal(t, "c1", cancelReply["id"])
	require.Equal(t, map[string]any{}, cancelReply["result"])

	h.client.request(t, "c2", "monitor_cancel", []any{"M1"})
	drainTicks(ctx, h.sess, 5)
	unknownReply := h.client.read(t)
	require.Equal(t, "c2", unknownReply["id"])
	require.Equal(t, "unknown monitor", unknownReply["error"])
}
