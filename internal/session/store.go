package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Store caches the remote session and fans out its changes.
// Listeners run synchronously and must not trigger another auth change
// from inside the callback.
type Store struct {
	auth     AuthClient
	presence PresenceRecorder
	logger   *slog.Logger
	now      func() time.Time
	events   metric.Int64Counter

	mu           sync.RWMutex
	sess         *Session
	loading      bool
	bootstrapped bool
	eventSeq     uint64
	listeners    map[int]Listener
	nextID       int

	// emitMu serializes delivery so listeners see events in arrival order
	emitMu sync.Mutex

	initOnce     sync.Once
	teardownOnce sync.Once
	unsubscribe  func()
}

// Option configures a Store
type Option func(*Store)

// WithPresence keeps r updated with session presence
func WithPresence(r PresenceRecorder) Option {
	return func(s *Store) { s.presence = r }
}

// WithMeter records event counts on m
func WithMeter(m metric.Meter) Option {
	return func(s *Store) {
		if c, err := m.Int64Counter("session.events", metric.WithDescription("Auth change events by kind")); err == nil {
			s.events = c
		}
	}
}

// WithClock overrides the time source used for expiry checks
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store in the loading state
func NewStore(auth AuthClient, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	events, _ := noop.NewMeterProvider().Meter("session").Int64Counter("session.events")
	s := &Store{
		auth:      auth,
		logger:    logger,
		now:       time.Now,
		events:    events,
		loading:   true,
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init subscribes to remote changes, then fetches the current session.
// It runs once; later calls return immediately. A failed fetch degrades to
// "no session" and is not returned as an error.
func (s *Store) Init(ctx context.Context) error {
	s.initOnce.Do(func() {
		// Subscribe first so a change during the fetch is not lost
		unsubscribe := s.auth.OnChange(s.handleChange)
		s.mu.Lock()
		s.unsubscribe = unsubscribe
		seqBefore := s.eventSeq
		s.mu.Unlock()

		sess, err := s.auth.GetSession(ctx)
		if err != nil {
			s.logger.Warn("failed to fetch initial session, continuing signed out", "error", err)
			sess = nil
		}
		if sess != nil && sess.Expired(s.now()) {
			s.logger.Info("initial session expired", "user_id", sess.UserID)
			sess = nil
		}

		s.emitMu.Lock()
		defer s.emitMu.Unlock()

		s.mu.Lock()
		if s.eventSeq == seqBefore {
			s.sess = sess.Clone()
		} else {
			s.logger.Debug("auth change arrived during bootstrap, keeping it over fetched session")
		}
		s.loading = false
		s.bootstrapped = true
		current := s.sess.Clone()
		s.mu.Unlock()

		s.deliver(EventInitialSession, current)
	})
	return nil
}

// handleChange is the callback registered with the auth service
func (s *Store) handleChange(kind EventKind, sess *Session) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	s.eventSeq++
	if kind == EventSessionCleared {
		s.sess = nil
	} else {
		s.sess = sess.Clone()
	}
	current := s.sess.Clone()
	s.mu.Unlock()

	s.deliver(kind, current)
}

// apply replaces the cached session from a locally initiated call and publishes
// kind. If the auth service already reported an identical session, nothing is
// published twice.
func (s *Store) apply(kind EventKind, sess *Session) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if sameSession(s.sess, sess) {
		s.mu.Unlock()
		return
	}
	s.eventSeq++
	s.sess = sess.Clone()
	current := s.sess.Clone()
	s.mu.Unlock()

	s.deliver(kind, current)
}

// deliver must be called with emitMu held
func (s *Store) deliver(kind EventKind, sess *Session) {
	s.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))

	if s.presence != nil {
		if err := s.presence.SetSessionPresent(sess != nil); err != nil {
			s.logger.Warn("failed to record session presence", "error", err)
		}
	}

	s.mu.RLock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)

	s.logger.Debug("auth change", "kind", string(kind), "signed_in", sess != nil)
	for _, id := range ids {
		s.mu.RLock()
		l, ok := s.listeners[id]
		s.mu.RUnlock()
		if ok {
			l(kind, sess.Clone())
		}
	}
}

// Subscribe registers l for every subsequent change. The returned func is
// safe to call more than once.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Session returns a copy of the cached session, or nil
func (s *Store) Session() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess.Clone()
}

// Loading is true until Init has resolved
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Refresh re-validates the session with the auth service and republishes it.
// On failure the cached session is left untouched.
func (s *Store) Refresh(ctx context.Context) error {
	sess, err := s.auth.RefreshSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}

	prev := s.Session()
	switch {
	case sess == nil:
		if prev != nil {
			s.apply(EventSessionCleared, nil)
		}
	case prev == nil || prev.UserID != sess.UserID:
		s.apply(EventSessionEstablished, sess)
	default:
		s.apply(EventTokenRenewed, sess)
	}
	return nil
}

// SignOut invalidates the remote session and clears the cached copy even if
// the remote call fails. The remote error is returned for reporting only.
func (s *Store) SignOut(ctx context.Context) error {
	err := s.auth.SignOut(ctx)
	if err != nil {
		s.logger.Warn("remote sign-out failed, clearing local session anyway", "error", err)
		err = fmt.Errorf("failed to sign out: %w", err)
	}
	if s.Session() != nil {
		s.apply(EventSessionCleared, nil)
	}
	return err
}

// Teardown unregisters from the auth service and drops all listeners.
// Repeated calls are no-ops.
func (s *Store) Teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		unsubscribe := s.unsubscribe
		s.unsubscribe = nil
		s.listeners = make(map[int]Listener)
		s.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
	})
}

func sameSession(a, b *Session) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.AccessToken == b.AccessToken &&
		a.RefreshToken == b.RefreshToken &&
		a.UserID == b.UserID &&
		a.Email == b.Email &&
		a.ExpiresAt.Equal(b.ExpiresAt)
}
