package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wa-dispatch/internal/metrics"
	"wa-dispatch/internal/repo"
)

// ManagerConfig tunes session lifecycles.
type ManagerConfig struct {
	IdleGrace       time.Duration
	MaxPairAttempts int
	PairTimeout     time.Duration
	PollInterval    time.Duration
	SendRate        rate.Limit
	SendBurst       int
	LogoutOnIdle    bool
}

// Observer is called from the session goroutine after every state change.
type Observer func(sourceID string, state State)

// StartResult is what a session start request yields: the pairing code when
// the transport needs one, or StateReady when the stored device was reused.
type StartResult struct {
	State       State
	PairingCode string
}

// Snapshot describes a source's session at one point in time.
type Snapshot struct {
	SourceID     string
	State        State
	PairAttempts int
	LastError    string
	Sent         int
	Failed       int
	Since        time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock used for grace, poll and pairing timers.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithObserver registers a state change callback.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// Manager owns at most one transport session per source. Each session is
// served by its own goroutine; the registry lock only guards the map.
type Manager struct {
	cfg       ManagerConfig
	store     QueueStore
	connector Connector
	loop      *Loop
	clock     Clock
	observer  Observer
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// NewManager builds a Manager. m may be nil.
func NewManager(cfg ManagerConfig, store QueueStore, connector Connector, loop *Loop, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = 10 * time.Second
	}
	if cfg.MaxPairAttempts < 1 {
		cfg.MaxPairAttempts = 1
	}
	if cfg.PairTimeout <= 0 {
		cfg.PairTimeout = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = rate.Inf
	}
	if cfg.SendBurst < 1 {
		cfg.SendBurst = 1
	}
	mgr := &Manager{
		cfg:       cfg,
		store:     store,
		connector: connector,
		loop:      loop,
		clock:     SystemClock{},
		metrics:   m,
		logger:    logger.With("component", "session"),
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

type startOutcome struct {
	result StartResult
	err    error
}

type session struct {
	source repo.Source
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	// first receives the outcome of the start request exactly once.
	first     chan startOutcome
	delivered bool

	stopOnce sync.Once

	mu       sync.Mutex
	state    State
	attempts int
	lastErr  string
	sent     int
	failed   int
	since    time.Time
}

func newSession(source repo.Source, now time.Time) *session {
	return &session{
		source: source,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		first:  make(chan startOutcome, 1),
		state:  StateConnecting,
		since:  now,
	}
}

// deliver is only called from the session goroutine.
func (s *session) deliver(o startOutcome) {
	if s.delivered {
		return
	}
	s.delivered = true
	s.first <- o
}

func (s *session) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *session) current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SourceID:     s.source.ID,
		State:        s.state,
		PairAttempts: s.attempts,
		LastError:    s.lastErr,
		Sent:         s.sent,
		Failed:       s.failed,
		Since:        s.since,
	}
}

func (s *session) nextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

func (s *session) record(stats DrainStats, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent += stats.Sent
	s.failed += stats.Failed
	if err != nil {
		s.lastErr = err.Error()
	}
}

// Start opens a session for source. It returns once the transport produced
// a pairing code or authenticated with a stored device. The pairing code is
// handed to this caller only.
func (m *Manager) Start(ctx context.Context, source repo.Source) (StartResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return StartResult{}, errors.New("session manager stopped")
	}
	if existing, ok := m.sessions[source.ID]; ok {
		if st := existing.current(); st.Active() {
			m.mu.Unlock()
			return StartResult{State: st}, ErrAlreadyActive
		}
	}
	s := newSession(source, m.clock.Now())
	m.sessions[source.ID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(s)

	select {
	case o := <-s.first:
		return o.result, o.err
	case <-ctx.Done():
		return StartResult{}, ctx.Err()
	}
}

// Stop terminates the session for sourceID and waits until it is released.
// In-flight sends complete first. A failed session is cleared.
func (m *Manager) Stop(ctx context.Context, sourceID string) error {
	s := m.lookup(sourceID)
	if s == nil {
		return nil
	}
	if s.current() == StateFailed {
		m.remove(s)
		return nil
	}
	s.requestStop()
	select {
	case <-s.done:
		m.remove(s)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current snapshot for sourceID.
func (m *Manager) Status(sourceID string) Snapshot {
	s := m.lookup(sourceID)
	if s == nil {
		return Snapshot{SourceID: sourceID, State: StateIdle}
	}
	return s.snapshot()
}

// Wake tells the session for sourceID that new work was enqueued. It never
// blocks and is a no-op without a session.
func (m *Manager) Wake(sourceID string) {
	s := m.lookup(sourceID)
	if s == nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops every session and waits for them to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.requestStop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) lookup(sourceID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sourceID]
}

func (m *Manager) remove(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.source.ID] == s {
		delete(m.sessions, s.source.ID)
	}
}

func (m *Manager) run(s *session) {
	defer m.wg.Done()
	defer close(s.done)

	log := m.logger.With("source_id", s.source.ID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := m.connector.Open(ctx, s.source)
	if ctx.Err() != nil {
		if conn != nil {
			conn.Close()
		}
		m.abandon(s, log)
		return
	}
	if err != nil {
		m.fail(s, log, fmt.Errorf("%w: open transport: %v", ErrPairingFailed, err))
		return
	}
	if !m.login(ctx, s, conn, log) {
		return
	}

	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
		defer m.metrics.ActiveSessions.Dec()
	}
	m.serve(ctx, s, conn, log)
}

// login drives the pairing handshake. It returns false when the session
// ended; conn is closed in that case.
func (m *Manager) login(ctx context.Context, s *session, conn Conn, log *slog.Logger) bool {
	events, err := conn.Login(ctx)
	if err != nil {
		conn.Close()
		m.fail(s, log, fmt.Errorf("%w: %v", ErrPairingFailed, err))
		return false
	}
	m.setState(s, StatePairing, log)

	timeout := m.clock.NewTimer(m.cfg.PairTimeout)
	defer timeout.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				conn.Close()
				m.fail(s, log, fmt.Errorf("%w: login ended without authentication", ErrPairingFailed))
				return false
			}
			switch evt.Kind {
			case LoginCode:
				attempt := s.nextAttempt()
				if attempt > m.cfg.MaxPairAttempts {
					conn.Close()
					m.fail(s, log, fmt.Errorf("%w: no successful pairing after %d attempts", ErrPairingFailed, m.cfg.MaxPairAttempts))
					return false
				}
				if m.metrics != nil {
					m.metrics.PairingCodes.Inc()
				}
				log.Info("pairing code issued", "attempt", attempt, "code", evt.Code)
				s.deliver(startOutcome{result: StartResult{State: StatePairing, PairingCode: evt.Code}})
			case LoginSuccess:
				log.Info("transport authenticated")
				m.setState(s, StateReady, log)
				s.deliver(startOutcome{result: StartResult{State: StateReady}})
				return true
			case LoginError:
				conn.Close()
				m.fail(s, log, fmt.Errorf("%w: %v", ErrPairingFailed, evt.Err))
				return false
			}
		case <-timeout.C():
			conn.Close()
			m.fail(s, log, fmt.Errorf("%w: timed out after %s", ErrPairingFailed, m.cfg.PairTimeout))
			return false
		case <-ctx.Done():
			m.setState(s, StateTerminating, log)
			conn.Close()
			m.abandon(s, log)
			return false
		}
	}
}

// serve alternates between draining the queue and waiting out the idle
// grace until the grace expires, a stop is requested or auth is lost.
func (m *Manager) serve(ctx context.Context, s *session, conn Conn, log *slog.Logger) {
	limiter := rate.NewLimiter(m.cfg.SendRate, m.cfg.SendBurst)
	for {
		select {
		case <-s.wake:
		default:
		}

		m.setState(s, StateDraining, log)
		stats, err := m.loop.Drain(ctx, conn, s.source, limiter)
		s.record(stats, err)
		if errors.Is(err, ErrTransportAuthLost) {
			conn.Close()
			m.fail(s, log, err)
			return
		}
		if err != nil {
			log.Error("drain queue", "error", err)
			if m.metrics != nil {
				m.metrics.Errors.WithLabelValues("dispatch").Inc()
			}
		}
		if stats.Sent+stats.Failed > 0 {
			log.Info("queue drained", "sent", stats.Sent, "failed", stats.Failed)
		}

		if ctx.Err() != nil || !m.idle(ctx, s, log) {
			m.terminate(s, conn, log)
			return
		}
	}
}

// idle arms the grace timer and reports whether new work arrived before it
// expired. Work is noticed through Wake or the fallback poll.
func (m *Manager) idle(ctx context.Context, s *session, log *slog.Logger) bool {
	grace := m.clock.NewTimer(m.cfg.IdleGrace)
	defer grace.Stop()
	poll := m.clock.NewTimer(m.cfg.PollInterval)
	defer func() { poll.Stop() }()

	m.setState(s, StateIdlePendingTeardown, log)
	for {
		select {
		case <-s.wake:
			return true
		case <-poll.C():
			n, err := m.store.CountQueued(ctx, s.source.ID)
			switch {
			case err != nil && ctx.Err() == nil:
				log.Warn("poll queue", "error", err)
				if m.metrics != nil {
					m.metrics.Errors.WithLabelValues("session").Inc()
				}
			case err == nil && n > 0:
				return true
			}
			poll = m.clock.NewTimer(m.cfg.PollInterval)
		case <-grace.C():
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (m *Manager) terminate(s *session, conn Conn, log *slog.Logger) {
	m.setState(s, StateTerminating, log)
	if m.cfg.LogoutOnIdle {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := conn.Logout(ctx); err != nil {
			log.Warn("transport logout", "error", err)
		}
		cancel()
	}
	conn.Close()
	m.setState(s, StateIdle, log)
	m.remove(s)
}

// abandon ends a session stopped before it became ready.
func (m *Manager) abandon(s *session, log *slog.Logger) {
	s.deliver(startOutcome{err: errors.New("session stopped during pairing")})
	m.setState(s, StateIdle, log)
	m.remove(s)
}

func (m *Manager) fail(s *session, log *slog.Logger, err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()

	log.Warn("session failed", "error", err)
	if m.metrics != nil {
		m.metrics.Errors.WithLabelValues("session").Inc()
	}
	m.setState(s, StateFailed, log)
	s.deliver(startOutcome{result: StartResult{State: StateFailed}, err: err})
}

func (m *Manager) setState(s *session, st State, log *slog.Logger) {
	s.mu.Lock()
	s.state = st
	s.since = m.clock.Now()
	s.mu.Unlock()

	log.Info("session state", "state", st.String())
	if m.metrics != nil {
		m.metrics.SessionStates.WithLabelValues(st.String()).Inc()
	}
	if m.observer != nil {
		m.observer(s.source.ID, st)
	}
}
