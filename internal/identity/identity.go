// Package identity merges the remote session and the local guest record into
// the single identity the rest of the client reacts to.
//
// Precedence, evaluated top-down on the latest inputs:
//
//  1. a remote session is present: Real(userID)
//  2. a guest record is stored locally: Guest(guestID)
//  3. otherwise: None
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"AssistChat/internal/localstore"
	"AssistChat/internal/session"

	"github.com/google/uuid"
)

// ErrAlreadySignedIn is returned when guest entry is requested for a real user
var ErrAlreadySignedIn = errors.New("already signed in")

// Kind is the identity category
type Kind int

const (
	KindNone Kind = iota
	KindGuest
	KindReal
)

func (k Kind) String() string {
	switch k {
	case KindGuest:
		return "guest"
	case KindReal:
		return "real"
	default:
		return "none"
	}
}

// Identity is the derived "who is using the app" value
type Identity struct {
	Kind    Kind
	ID      string
	Loading bool
}

// Authenticated reports whether the identity is Real or Guest
func (i Identity) Authenticated() bool {
	return i.Kind != KindNone
}

// SameUser reports whether a and b name the same kind and id, ignoring Loading
func (i Identity) SameUser(other Identity) bool {
	return i.Kind == other.Kind && i.ID == other.ID
}

// Listener is notified with the previous and new identity on every change
type Listener func(prev, next Identity)

// SessionSource is the session store as seen by the facade
type SessionSource interface {
	Session() *session.Session
	Loading() bool
	Subscribe(l session.Listener) func()
	SignOut(ctx context.Context) error
}

// GuestStore persists the guest record
type GuestStore interface {
	LoadGuest() (*localstore.GuestRecord, error)
	SaveGuest(rec localstore.GuestRecord) error
	DeleteGuest() error
}

// Facade is the single authority on the current identity
type Facade struct {
	sessions SessionSource
	guests   GuestStore
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	current   Identity
	listeners map[int]Listener
	nextID    int

	// deriveMu serializes derive-and-notify so listeners see changes in order
	deriveMu sync.Mutex

	stopOnce    sync.Once
	unsubscribe func()
}

// New creates a facade. Call Start to begin following the session store.
func New(sessions SessionSource, guests GuestStore, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		sessions:  sessions,
		guests:    guests,
		logger:    logger,
		now:       time.Now,
		current:   Identity{Kind: KindNone, Loading: true},
		listeners: make(map[int]Listener),
	}
}

// Start subscribes to the session store and derives the initial identity
func (f *Facade) Start() {
	unsubscribe := f.sessions.Subscribe(func(kind session.EventKind, _ *session.Session) {
		f.logger.Debug("re-deriving identity", "event", string(kind))
		f.derive()
	})
	f.mu.Lock()
	f.unsubscribe = unsubscribe
	f.mu.Unlock()
	f.derive()
}

// Stop unsubscribes from the session store. Safe to call more than once.
func (f *Facade) Stop() {
	f.stopOnce.Do(func() {
		f.mu.Lock()
		unsubscribe := f.unsubscribe
		f.unsubscribe = nil
		f.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
	})
}

// Current returns the identity derived from the latest inputs
func (f *Facade) Current() Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Subscribe registers l for identity changes
func (f *Facade) Subscribe(l Listener) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = l
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.listeners, id)
			f.mu.Unlock()
		})
	}
}

// Reload re-reads the guest record, picking up changes made by another
// process, and re-derives.
func (f *Facade) Reload() Identity {
	return f.derive()
}

// BecomeGuest creates a guest record when nobody is signed in. If a guest
// already exists it is returned unchanged; a real session is never replaced.
func (f *Facade) BecomeGuest() (Identity, error) {
	current := f.derive()
	switch current.Kind {
	case KindReal:
		return current, ErrAlreadySignedIn
	case KindGuest:
		return current, nil
	}

	rec := localstore.GuestRecord{ID: uuid.NewString(), CreatedAt: f.now().UTC()}
	if err := f.guests.SaveGuest(rec); err != nil {
		return current, fmt.Errorf("failed to create guest: %w", err)
	}
	f.logger.Info("guest identity created", "guest_id", rec.ID)
	return f.derive(), nil
}

// SignOut clears the guest record and the remote session together, whatever
// the current kind, then re-derives. The identity is None afterwards even if
// a remote call failed; the failure is still returned.
//
// The guest record goes first: the session store's cleared event re-derives,
// and a record still on disk would surface as a Guest identity in between.
func (f *Facade) SignOut(ctx context.Context) error {
	var errs []error
	if err := f.guests.DeleteGuest(); err != nil {
		errs = append(errs, err)
	}
	if err := f.sessions.SignOut(ctx); err != nil {
		errs = append(errs, err)
	}
	next := f.derive()
	f.logger.Info("signed out", "kind", next.Kind.String())
	return errors.Join(errs...)
}

// derive computes the identity and notifies listeners if it changed
func (f *Facade) derive() Identity {
	f.deriveMu.Lock()
	defer f.deriveMu.Unlock()

	next := f.compute()

	f.mu.Lock()
	prev := f.current
	f.current = next
	ids := make([]int, 0, len(f.listeners))
	for id := range f.listeners {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	if prev == next {
		return next
	}
	slices.Sort(ids)

	f.logger.Info("identity changed",
		"from", prev.Kind.String(), "to", next.Kind.String(), "loading", next.Loading)
	for _, id := range ids {
		f.mu.Lock()
		l, ok := f.listeners[id]
		f.mu.Unlock()
		if ok {
			l(prev, next)
		}
	}
	return next
}

func (f *Facade) compute() Identity {
	loading := f.sessions.Loading()

	if sess := f.sessions.Session(); sess != nil && sess.UserID != "" {
		return Identity{Kind: KindReal, ID: sess.UserID, Loading: loading}
	}

	rec, err := f.guests.LoadGuest()
	if err != nil {
		f.logger.Warn("failed to read guest record", "error", err)
	}
	if rec != nil {
		return Identity{Kind: KindGuest, ID: rec.ID, Loading: loading}
	}
	return Identity{Kind: KindNone, Loading: loading}
}
