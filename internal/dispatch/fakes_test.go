package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wa-dispatch/internal/authz"
	"wa-dispatch/internal/ledger"
	"wa-dispatch/internal/repo"
	"wa-dispatch/migrations"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock only moves when Advance is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	ch       chan time.Time
	done     bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		t.done = true
		t.ch <- c.now
		return t
	}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	pending := c.timers[:0]
	for _, t := range c.timers {
		if t.done {
			continue
		}
		if !t.deadline.After(c.now) {
			t.done = true
			t.ch <- c.now
			continue
		}
		pending = append(pending, t)
	}
	c.timers = pending
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.done
	t.done = true
	return active
}

// fakeConn records sends and replays scripted login events.
type fakeConn struct {
	events chan LoginEvent

	mu        sync.Mutex
	sent      []Outbound
	sendErr   func(n int, msg Outbound) error
	loggedOut bool
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan LoginEvent, 8)}
}

func newPairedConn() *fakeConn {
	c := newFakeConn()
	c.events <- LoginEvent{Kind: LoginSuccess}
	return c
}

func (c *fakeConn) Login(context.Context) (<-chan LoginEvent, error) {
	return c.events, nil
}

func (c *fakeConn) Send(_ context.Context, msg Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	if c.sendErr != nil {
		return c.sendErr(len(c.sent), msg)
	}
	return nil
}

func (c *fakeConn) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) sends() []Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outbound(nil), c.sent...)
}

func (c *fakeConn) state() (loggedOut, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut, c.closed
}

// fakeConnector hands out queued conns in order. With a gate set, Open
// blocks until the gate is closed or ctx is cancelled.
type fakeConnector struct {
	mu    sync.Mutex
	conns []*fakeConn
	gate  chan struct{}
	opens int
	// entered receives one value per Open call when set.
	entered chan struct{}
}

func (f *fakeConnector) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeConnector) push(c *fakeConn) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns = append(f.conns, c)
	return c
}

func (f *fakeConnector) Open(ctx context.Context, _ repo.Source) (Conn, error) {
	f.mu.Lock()
	f.opens++
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return newPairedConn(), nil
	}
	c := f.conns[0]
	f.conns = f.conns[1:]
	return c, nil
}

type transition struct {
	source string
	state  State
}

type stateRecorder struct {
	ch chan transition
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{ch: make(chan transition, 256)}
}

func (r *stateRecorder) observe(sourceID string, st State) {
	r.ch <- transition{source: sourceID, state: st}
}

// waitFor consumes transitions until want is seen.
func (r *stateRecorder) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case tr := <-r.ch:
			if tr.state == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

// expectQuiet fails if any transition happens within a short window.
func (r *stateRecorder) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case tr := <-r.ch:
		t.Fatalf("unexpected transition to %s", tr.state)
	case <-time.After(50 * time.Millisecond):
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	sources []string
}

func (n *recordingNotifier) Notify(_ context.Context, sourceID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sources = append(n.sources, sourceID)
	return nil
}

// testEnv is a seeded SQLite store with one company, source and template.
type testEnv struct {
	store      *repo.SQLiteStore
	company    *repo.Company
	source     *repo.Source
	template   *repo.Template
	recipients []*repo.Recipient
}

func newTestEnv(t *testing.T, credits int64, recipients int) *testEnv {
	t.Helper()
	ctx := context.Background()
	store, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "dispatch.db"), discardLogger())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := store.EnsureUser(ctx, repo.User{Subject: "admin", Email: "admin@example.com"}); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	company, err := store.CreateCompany(ctx, repo.Company{Name: "Acme", Credits: credits, AdminSubject: "admin"})
	if err != nil {
		t.Fatalf("create company: %v", err)
	}
	source, err := store.CreateSource(ctx, repo.Source{CompanyID: company.ID, Transport: repo.MediumWhatsApp, ConnectionValue: "9800000000"})
	if err != nil {
		t.Fatalf("create source: %v", err)
	}
	tmpl, err := store.CreateTemplate(ctx, repo.Template{CompanyID: company.ID, Name: "greeting", Body: "Hello from Acme"})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	env := &testEnv{store: store, company: company, source: source, template: tmpl}
	for i := 0; i < recipients; i++ {
		env.addRecipient(t, repo.MediumWhatsApp, fmt.Sprintf("98765 432%02d", i))
	}
	return env
}

func (e *testEnv) addRecipient(t *testing.T, medium, contact string) *repo.Recipient {
	t.Helper()
	rc, err := e.store.CreateRecipient(context.Background(), repo.Recipient{
		CompanyID:          e.company.ID,
		Name:               "recipient",
		ContactMedium:      medium,
		ContactInformation: contact,
	})
	if err != nil {
		t.Fatalf("create recipient: %v", err)
	}
	e.recipients = append(e.recipients, rc)
	return rc
}

func (e *testEnv) recipientIDs() []string {
	ids := make([]string, 0, len(e.recipients))
	for _, r := range e.recipients {
		ids = append(ids, r.ID)
	}
	return ids
}

func (e *testEnv) enqueue(t *testing.T, ids ...string) []repo.QueuedMessage {
	t.Helper()
	msgs, err := e.store.EnqueueMessages(context.Background(), repo.EnqueueBatch{
		CompanyID:    e.company.ID,
		SourceID:     e.source.ID,
		TemplateID:   e.template.ID,
		RecipientIDs: ids,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return msgs
}

func (e *testEnv) status(t *testing.T, id string) *repo.QueuedMessage {
	t.Helper()
	msg, err := e.store.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	return msg
}

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		IdleGrace:       10 * time.Second,
		MaxPairAttempts: 1,
		PairTimeout:     time.Minute,
		PollInterval:    time.Hour,
		LogoutOnIdle:    true,
	}
}

type managerHarness struct {
	env       *testEnv
	clock     *fakeClock
	connector *fakeConnector
	recorder  *stateRecorder
	manager   *Manager
}

func newHarness(t *testing.T, env *testEnv, cfg ManagerConfig, loopCfg LoopConfig) *managerHarness {
	t.Helper()
	h := &managerHarness{
		env:       env,
		clock:     newFakeClock(),
		connector: &fakeConnector{},
		recorder:  newStateRecorder(),
	}
	if loopCfg.CountryCode == "" {
		loopCfg.CountryCode = "91"
	}
	loop := NewLoop(env.store, nil, loopCfg, nil, discardLogger())
	h.manager = NewManager(cfg, env.store, h.connector, loop, nil, discardLogger(),
		WithClock(h.clock), WithObserver(h.recorder.observe))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = h.manager.Shutdown(ctx)
	})
	return h
}

func newTestService(t *testing.T, env *testEnv, h *managerHarness, notifier Notifier) (*Service, *Directory) {
	t.Helper()
	guard := authz.NewGuard(env.store)
	l := ledger.New(env.store, nil, discardLogger())
	svc := NewService(env.store, guard, l, h.manager, notifier, nil, discardLogger())
	dir := NewDirectory(env.store, guard, 100, discardLogger())
	return svc, dir
}
