package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct {
	mu           sync.Mutex
	cb           Listener
	unsubscribes int
	getCalls     int

	session    *Session
	getErr     error
	refreshed  *Session
	refreshErr error
	signOutErr error

	// duringGet runs inside GetSession, before it returns
	duringGet func(a *fakeAuth)
	// subscribedAtGet records whether OnChange happened before GetSession
	subscribedAtGet bool
}

func (f *fakeAuth) GetSession(ctx context.Context) (*Session, error) {
	f.mu.Lock()
	f.getCalls++
	f.subscribedAtGet = f.cb != nil
	hook := f.duringGet
	sess, err := f.session, f.getErr
	f.mu.Unlock()

	if hook != nil {
		hook(f)
	}
	return sess, err
}

func (f *fakeAuth) OnChange(cb Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubscribes++
		f.cb = nil
	}
}

func (f *fakeAuth) RefreshSession(ctx context.Context) (*Session, error) {
	return f.refreshed, f.refreshErr
}

func (f *fakeAuth) SignOut(ctx context.Context) error {
	return f.signOutErr
}

func (f *fakeAuth) fire(kind EventKind, sess *Session) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(kind, sess)
	}
}

type recordedEvent struct {
	kind   EventKind
	userID string
}

type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recorder) listen(kind EventKind, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := recordedEvent{kind: kind}
	if sess != nil {
		ev.userID = sess.UserID
	}
	r.events = append(r.events, ev)
}

func (r *recorder) all() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedEvent(nil), r.events...)
}

type presenceLog struct {
	values []bool
}

func (p *presenceLog) SetSessionPresent(present bool) error {
	p.values = append(p.values, present)
	return nil
}

func userSession(id string) *Session {
	return &Session{AccessToken: "tok-" + id, UserID: id, Email: id + "@example.com"}
}

func TestInit_SubscribesBeforeFetch(t *testing.T) {
	auth := &fakeAuth{session: userSession("u1")}
	store := NewStore(auth, nil)
	require.True(t, store.Loading())

	require.NoError(t, store.Init(context.Background()))

	assert.True(t, auth.subscribedAtGet, "change subscription must exist before the fetch")
	assert.False(t, store.Loading())
	require.NotNil(t, store.Session())
	assert.Equal(t, "u1", store.Session().UserID)
}

func TestInit_RunsOnce(t *testing.T) {
	auth := &fakeAuth{}
	store := NewStore(auth, nil)
	rec := &recorder{}
	store.Subscribe(rec.listen)

	require.NoError(t, store.Init(context.Background()))
	require.NoError(t, store.Init(context.Background()))

	assert.Equal(t, 1, auth.getCalls)
	assert.Equal(t, []recordedEvent{{kind: EventInitialSession}}, rec.all())
}

func TestInit_FetchFailureDegradesToNoSession(t *testing.T) {
	auth := &fakeAuth{getErr: errors.New("dial tcp: connection refused")}
	store := NewStore(auth, nil)
	rec := &recorder{}
	store.Subscribe(rec.listen)

	require.NoError(t, store.Init(context.Background()))

	assert.False(t, store.Loading())
	assert.Nil(t, store.Session())
	assert.Equal(t, []recordedEvent{{kind: EventInitialSession}}, rec.all())
}

func TestInit_ExpiredSessionIsAbsent(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sess := userSession("u1")
	sess.ExpiresAt = now.Add(-time.Minute)

	store := NewStore(&fakeAuth{session: sess}, nil, WithClock(func() time.Time { return now }))
	require.NoError(t, store.Init(context.Background()))

	assert.Nil(t, store.Session())
}

func TestInit_ChangeDuringBootstrapIsKept(t *testing.T) {
	auth := &fakeAuth{session: nil}
	auth.duringGet = func(a *fakeAuth) {
		a.fire(EventSessionEstablished, userSession("u2"))
	}
	store := NewStore(auth, nil)
	rec := &recorder{}
	store.Subscribe(rec.listen)

	require.NoError(t, store.Init(context.Background()))

	require.NotNil(t, store.Session(), "stale fetch result must not overwrite the change")
	assert.Equal(t, "u2", store.Session().UserID)
	assert.Equal(t, []recordedEvent{
		{kind: EventSessionEstablished, userID: "u2"},
		{kind: EventInitialSession, userID: "u2"},
	}, rec.all())
}

func TestChangesPropagateInOrder(t *testing.T) {
	auth := &fakeAuth{}
	store := NewStore(auth, nil)
	rec := &recorder{}
	store.Subscribe(rec.listen)
	require.NoError(t, store.Init(context.Background()))

	auth.fire(EventSessionEstablished, userSession("u1"))
	auth.fire(EventTokenRenewed, userSession("u1"))
	auth.fire(EventProfileUpdated, userSession("u1"))
	auth.fire(EventSessionCleared, nil)

	assert.Equal(t, []recordedEvent{
		{kind: EventInitialSession},
		{kind: EventSessionEstablished, userID: "u1"},
		{kind: EventTokenRenewed, userID: "u1"},
		{kind: EventProfileUpdated, userID: "u1"},
		{kind: EventSessionCleared},
	}, rec.all())
	assert.Nil(t, store.Session())
}

func TestSessionClearedIgnoresPayload(t *testing.T) {
	auth := &fakeAuth{session: userSession("u1")}
	store := NewStore(auth, nil)
	require.NoError(t, store.Init(context.Background()))

	auth.fire(EventSessionCleared, userSession("u1"))
	assert.Nil(t, store.Session())
}

func TestSubscribe_UnsubscribeIdempotent(t *testing.T) {
	auth := &fakeAuth{}
	store := NewStore(auth, nil)
	rec := &recorder{}
	unsubscribe := store.Subscribe(rec.listen)
	other := &recorder{}
	store.Subscribe(other.listen)

	unsubscribe()
	unsubscribe()
	require.NoError(t, store.Init(context.Background()))

	assert.Empty(t, rec.all())
	assert.Len(t, other.all(), 1)
}

func TestTeardown_UnregistersOnce(t *testing.T) {
	auth := &fakeAuth{}
	store := NewStore(auth, nil)
	rec := &recorder{}
	store.Subscribe(rec.listen)
	require.NoError(t, store.Init(context.Background()))

	store.Teardown()
	store.Teardown()

	assert.Equal(t, 1, auth.unsubscribes)
	auth.fire(EventSessionEstablished, userSession("u1"))
	assert.Len(t, rec.all(), 1, "no delivery after teardown")
}

func TestTeardownBeforeInit(t *testing.T) {
	auth := &fakeAuth{}
	store := NewStore(auth, nil)
	store.Teardown()
	assert.Equal(t, 0, auth.unsubscribes)
}

func TestRefresh(t *testing.T) {
	renewed := userSession("u1")
	renewed.AccessToken = "tok-u1-2"

	tests := []struct {
		name      string
		refreshed *Session
		wantKind  EventKind
		wantUser  string
	}{
		{"same user renews token", renewed, EventTokenRenewed, "u1"},
		{"different user re-establishes", userSession("u2"), EventSessionEstablished, "u2"},
		{"no session clears", nil, EventSessionCleared, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := &fakeAuth{session: userSession("u1"), refreshed: tt.refreshed}
			store := NewStore(auth, nil)
			require.NoError(t, store.Init(context.Background()))
			rec := &recorder{}
			store.Subscribe(rec.listen)

			require.NoError(t, store.Refresh(context.Background()))

			assert.Equal(t, []recordedEvent{{kind: tt.wantKind, userID: tt.wantUser}}, rec.all())
			if tt.wantUser == "" {
				assert.Nil(t, store.Session())
			} else {
				assert.Equal(t, tt.wantUser, store.Session().UserID)
			}
		})
	}
}

func TestRefresh_DoesNotRepublishWhatTheServiceReported(t *testing.T) {
	renewed := userSession("u1")
	renewed.AccessToken = "tok-u1-2"
	auth := &fakeAuth{session: userSession("u1"), refreshed: renewed}
	store := NewStore(auth, nil)
	require.NoError(t, store.Init(context.Background()))
	rec := &recorder{}
	store.Subscribe(rec.listen)

	auth.fire(EventTokenRenewed, renewed)
	require.NoError(t, store.Refresh(context.Background()))

	assert.Len(t, rec.all(), 1)
}

func TestRefresh_FailureKeepsSession(t *testing.T) {
	auth := &fakeAuth{session: userSession("u1"), refreshErr: errors.New("timeout")}
	store := NewStore(auth, nil)
	require.NoError(t, store.Init(context.Background()))

	err := store.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, "u1", store.Session().UserID)
}

func TestSignOut_ClearsEvenWhenRemoteFails(t *testing.T) {
	auth := &fakeAuth{session: userSession("u1"), signOutErr: errors.New("network down")}
	store := NewStore(auth, nil)
	require.NoError(t, store.Init(context.Background()))
	rec := &recorder{}
	store.Subscribe(rec.listen)

	err := store.SignOut(context.Background())
	assert.Error(t, err)
	assert.Nil(t, store.Session())
	assert.Equal(t, []recordedEvent{{kind: EventSessionCleared}}, rec.all())

	// Second sign-out has nothing left to clear
	auth.signOutErr = nil
	require.NoError(t, store.SignOut(context.Background()))
	assert.Len(t, rec.all(), 1)
}

func TestPresenceFollowsSession(t *testing.T) {
	auth := &fakeAuth{}
	presence := &presenceLog{}
	store := NewStore(auth, nil, WithPresence(presence))
	require.NoError(t, store.Init(context.Background()))

	auth.fire(EventSessionEstablished, userSession("u1"))
	auth.fire(EventSessionCleared, nil)

	assert.Equal(t, []bool{false, true, false}, presence.values)
}

func TestAffectsIdentity(t *testing.T) {
	assert.True(t, EventSessionEstablished.AffectsIdentity())
	assert.True(t, EventSessionCleared.AffectsIdentity())
	assert.False(t, EventTokenRenewed.AffectsIdentity())
	assert.False(t, EventProfileUpdated.AffectsIdentity())
	assert.False(t, EventInitialSession.AffectsIdentity())
}

func TestListenerGetsCopy(t *testing.T) {
	auth := &fakeAuth{}
	store := NewStore(auth, nil)
	store.Subscribe(func(kind EventKind, sess *Session) {
		if sess != nil {
			sess.UserID = "tampered"
		}
	})
	require.NoError(t, store.Init(context.Background()))

	auth.fire(EventSessionEstablished, userSession("u1"))
	assert.Equal(t, "u1", store.Session().UserID)
}
