package conversation

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"AssistChat/internal/identity"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// State is one observable snapshot of the store
type State struct {
	// Owner is the real user the cache belongs to; empty for guests and nobody
	Owner         string
	Conversations []Conversation
	CurrentID     string
	Messages      []Message
	Loading       bool
	// Err is the soft error flag left by the last failed operation
	Err error
}

// Current returns the selected conversation, or nil
func (st State) Current() *Conversation {
	if st.CurrentID == "" {
		return nil
	}
	for i := range st.Conversations {
		if st.Conversations[i].ID == st.CurrentID {
			c := st.Conversations[i]
			return &c
		}
	}
	return nil
}

func (st State) clone() State {
	c := st
	c.Conversations = slices.Clone(st.Conversations)
	c.Messages = slices.Clone(st.Messages)
	return c
}

func (st *State) indexOf(id string) int {
	return slices.IndexFunc(st.Conversations, func(c Conversation) bool { return c.ID == id })
}

// remove drops a conversation and, if it was selected, the pointer and the
// message cache with it
func (st *State) remove(id string) {
	if i := st.indexOf(id); i >= 0 {
		st.Conversations = slices.Delete(st.Conversations, i, i+1)
	}
	if st.CurrentID == id {
		st.CurrentID = ""
		st.Messages = nil
	}
}

func (st *State) sortConversations() {
	sort.SliceStable(st.Conversations, func(i, j int) bool {
		return st.Conversations[i].UpdatedAt.After(st.Conversations[j].UpdatedAt)
	})
}

// IdentitySource is what the store follows to scope its cache
type IdentitySource interface {
	Current() identity.Identity
	Subscribe(l identity.Listener) func()
}

// Store is the client-side conversation and message cache
type Store struct {
	data        DataService
	logger      *slog.Logger
	tracer      trace.Tracer
	rollbacks   metric.Int64Counter
	staleDrops  metric.Int64Counter
	titleMaxLen int
	now         func() time.Time

	mu            sync.Mutex
	state         State
	generation    uint64
	kind          identity.Kind
	// per-conversation title request sequence, so responses apply in request order
	titleIssued   map[string]uint64
	titleApplied  map[string]uint64
	// title writes awaiting a response
	titleInFlight map[string]int
	selectSeq     uint64
	// conversations whose first user message already claimed auto-titling
	titleClaimed  map[string]bool
	pendingSeq    uint64
	listeners     map[int]func(State)
	nextID        int

	// notifyMu keeps mutation and delivery in one order across goroutines
	notifyMu sync.Mutex

	bg sync.WaitGroup
}

// Option configures a Store
type Option func(*Store)

// WithTracer opens a span per remote call
func WithTracer(t trace.Tracer) Option {
	return func(s *Store) { s.tracer = t }
}

// WithMeter counts rollbacks and dropped stale responses
func WithMeter(m metric.Meter) Option {
	return func(s *Store) {
		if c, err := m.Int64Counter("conversation.rollbacks",
			metric.WithDescription("Optimistic message appends rolled back")); err == nil {
			s.rollbacks = c
		}
		if c, err := m.Int64Counter("conversation.stale_responses",
			metric.WithDescription("Responses dropped because the identity changed")); err == nil {
			s.staleDrops = c
		}
	}
}

// WithTitleMaxLen bounds auto-generated titles
func WithTitleMaxLen(n int) Option {
	return func(s *Store) { s.titleMaxLen = n }
}

// WithClock overrides the clock used for provisional messages
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store scoped to nobody
func NewStore(data DataService, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	meter := metricnoop.NewMeterProvider().Meter("conversation")
	rollbacks, _ := meter.Int64Counter("conversation.rollbacks")
	staleDrops, _ := meter.Int64Counter("conversation.stale_responses")

	s := &Store{
		data:          data,
		logger:        logger,
		tracer:        tracenoop.NewTracerProvider().Tracer("conversation"),
		rollbacks:     rollbacks,
		staleDrops:    staleDrops,
		titleMaxLen:   DefaultTitleMaxLen,
		now:           time.Now,
		titleIssued:   make(map[string]uint64),
		titleApplied:  make(map[string]uint64),
		titleInFlight: make(map[string]int),
		titleClaimed:  make(map[string]bool),
		listeners:     make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns a copy of the current state
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe registers l for every observable update. Listeners run
// synchronously and must not call mutating Store methods.
func (s *Store) Subscribe(l func(State)) func() {
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

// Watch follows src: the cache is invalidated and reloaded whenever the
// identity's kind or id changes. The returned func stops following.
func (s *Store) Watch(ctx context.Context, src IdentitySource) func() {
	unsubscribe := src.Subscribe(func(_, next identity.Identity) {
		s.SetIdentity(ctx, next)
	})
	s.SetIdentity(ctx, src.Current())
	return unsubscribe
}

// Wait blocks until background reloads have finished
func (s *Store) Wait() {
	s.bg.Wait()
}

// SetIdentity scopes the store to id. On a change of kind or user the whole
// cache is dropped in one update, then reloaded in the background for a real
// user.
func (s *Store) SetIdentity(ctx context.Context, id identity.Identity) {
	owner := ""
	if id.Kind == identity.KindReal {
		owner = id.ID
	}

	s.notifyMu.Lock()
	s.mu.Lock()
	if s.kind == id.Kind && s.state.Owner == owner {
		s.mu.Unlock()
		s.notifyMu.Unlock()
		return
	}
	s.generation++
	s.kind = id.Kind
	s.state = State{Owner: owner, Loading: owner != ""}
	s.titleIssued = make(map[string]uint64)
	s.titleApplied = make(map[string]uint64)
	s.titleInFlight = make(map[string]int)
	s.titleClaimed = make(map[string]bool)
	snap, listeners := s.state.clone(), s.listenersLocked()
	s.mu.Unlock()

	s.logger.Info("conversation cache invalidated", "kind", id.Kind.String(), "owner", owner)
	for _, l := range listeners {
		l(snap)
	}
	s.notifyMu.Unlock()

	if owner == "" {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := s.LoadAll(ctx); err != nil {
			s.logger.Warn("failed to reload conversations after identity change", "error", err)
		}
	}()
}

// begin captures the scope an operation runs in
func (s *Store) begin() (gen uint64, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation, s.state.Owner
}

// commit applies mutate if gen is still current and publishes the result.
// mutate returns false when it changed nothing. commit returns false only
// for a stale generation.
func (s *Store) commit(gen uint64, mutate func(st *State) bool) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.staleDrops.Add(context.Background(), 1)
		s.logger.Debug("dropping stale response", "generation", gen)
		return false
	}
	if !mutate(&s.state) {
		s.mu.Unlock()
		return true
	}
	snap, listeners := s.state.clone(), s.listenersLocked()
	s.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
	return true
}

func (s *Store) listenersLocked() []func(State) {
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(State), len(ids))
	for i, id := range ids {
		out[i] = s.listeners[id]
	}
	return out
}

// fail records err as the soft error flag
func (s *Store) fail(gen uint64, err error) bool {
	return s.commit(gen, func(st *State) bool {
		st.Loading = false
		st.Err = err
		return true
	})
}

// startSpan opens a span for a remote call
func (s *Store) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "conversation."+name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
