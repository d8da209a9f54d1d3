// Package gate decides whether protected content is shown straight away or,
// after a grace period with nobody signed in, behind a blocking sign-in
// prompt. Content stays rendered either way; the gate is presentational.
package gate

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"AssistChat/internal/identity"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
)

// DefaultGracePeriod is how long an unauthenticated user sees content before
// the prompt appears
const DefaultGracePeriod = 2 * time.Second

// State of the gate
type State int

const (
	StateUnknown State = iota
	StateGranted
	StatePrompting
)

func (s State) String() string {
	switch s {
	case StateGranted:
		return "granted"
	case StatePrompting:
		return "prompting"
	default:
		return "unknown"
	}
}

// Timer is a cancellable scheduled task
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallClock struct{}

func (wallClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// IdentitySource is what the gate follows
type IdentitySource interface {
	Current() identity.Identity
	Subscribe(l identity.Listener) func()
}

// Listener is called with the previous and new state on every transition
type Listener func(prev, next State)

// Gate is the access state machine. The zero value is not usable; call New.
type Gate struct {
	logger  *slog.Logger
	sched   Scheduler
	grace   time.Duration
	prompts metric.Int64Counter

	mu        sync.Mutex
	state     State
	current   identity.Identity
	timer     Timer
	timerSeq  uint64
	dismissed bool
	shown     int
	stopped   bool
	listeners map[int]Listener
	nextID    int
	unwatch   func()

	// notifyMu keeps transitions and their delivery in the same order
	notifyMu sync.Mutex
}

// Option configures a Gate
type Option func(*Gate)

// WithScheduler replaces the wall clock
func WithScheduler(s Scheduler) Option {
	return func(g *Gate) { g.sched = s }
}

// WithGracePeriod sets the delay before prompting
func WithGracePeriod(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.grace = d
		}
	}
}

// WithMeter counts prompts shown
func WithMeter(m metric.Meter) Option {
	return func(g *Gate) {
		if c, err := m.Int64Counter("gate.prompts",
			metric.WithDescription("Sign-in prompts shown after the grace period")); err == nil {
			g.prompts = c
		}
	}
}

// New creates a gate in StateUnknown
func New(logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	prompts, _ := metricnoop.NewMeterProvider().Meter("gate").Int64Counter("gate.prompts")
	g := &Gate{
		logger:    logger,
		sched:     wallClock{},
		grace:     DefaultGracePeriod,
		prompts:   prompts,
		current:   identity.Identity{Loading: true},
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Watch evaluates src now and on every identity change until Stop
func (g *Gate) Watch(src IdentitySource) {
	unsubscribe := src.Subscribe(func(_, next identity.Identity) {
		g.Evaluate(next)
	})
	g.mu.Lock()
	g.unwatch = unsubscribe
	g.mu.Unlock()
	g.Evaluate(src.Current())
}

// Stop cancels any pending timer and stops following the identity source.
// The gate keeps its last state.
func (g *Gate) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.cancelTimerLocked()
	unwatch := g.unwatch
	g.unwatch = nil
	g.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
}

// Evaluate is the single transition function. It may be called any number of
// times with the same identity; at most one timer is ever pending.
func (g *Gate) Evaluate(id identity.Identity) {
	g.notifyMu.Lock()
	defer g.notifyMu.Unlock()

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.current = id
	prev := g.state

	switch {
	case id.Loading:
		// keep whatever was decided before
	case id.Authenticated():
		g.cancelTimerLocked()
		g.dismissed = false
		g.state = StateGranted
	case g.state == StatePrompting:
		// sticky until someone signs in
	case g.timer == nil:
		g.timerSeq++
		seq := g.timerSeq
		g.timer = g.sched.AfterFunc(g.grace, func() { g.expire(seq) })
		g.logger.Debug("access gate grace period started", "grace", g.grace)
	}

	next := g.state
	listeners := g.listenersLocked()
	g.mu.Unlock()

	g.publish(listeners, prev, next)
}

// expire runs when the grace timer fires
func (g *Gate) expire(seq uint64) {
	g.notifyMu.Lock()
	defer g.notifyMu.Unlock()

	g.mu.Lock()
	if g.stopped || seq != g.timerSeq || g.timer == nil {
		// cancelled after it had already started
		g.mu.Unlock()
		return
	}
	g.timer = nil
	prev := g.state
	if g.current.Kind == identity.KindNone && !g.current.Loading {
		g.state = StatePrompting
		g.shown++
	}
	next := g.state
	listeners := g.listenersLocked()
	g.mu.Unlock()

	if next == StatePrompting && prev != StatePrompting {
		g.prompts.Add(context.Background(), 1)
		g.logger.Info("access gate prompting for sign-in")
	}
	g.publish(listeners, prev, next)
}

func (g *Gate) cancelTimerLocked() {
	if g.timer == nil {
		return
	}
	g.timer.Stop()
	g.timer = nil
	g.timerSeq++
}

func (g *Gate) publish(listeners []Listener, prev, next State) {
	if prev == next {
		return
	}
	for _, l := range listeners {
		l(prev, next)
	}
}

func (g *Gate) listenersLocked() []Listener {
	ids := make([]int, 0, len(g.listeners))
	for id := range g.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Listener, len(ids))
	for i, id := range ids {
		out[i] = g.listeners[id]
	}
	return out
}

// Subscribe registers l for state transitions
func (g *Gate) Subscribe(l Listener) func() {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = l
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.listeners, id)
			g.mu.Unlock()
		})
	}
}

// State returns the current state
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Prompting reports whether the sign-in prompt should be shown
func (g *Gate) Prompting() bool {
	return g.State() == StatePrompting
}

// Dismiss records that the prompt was closed. It never grants access.
func (g *Gate) Dismiss() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StatePrompting {
		g.dismissed = true
	}
}

// Dismissed reports whether the current prompt was closed without signing in
func (g *Gate) Dismissed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dismissed
}

// PromptsShown counts transitions into StatePrompting
func (g *Gate) PromptsShown() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shown
}

// Pending reports whether a grace timer is scheduled
func (g *Gate) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timer != nil
}
