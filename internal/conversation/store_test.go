package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"AssistChat/internal/apperr"
	"AssistChat/internal/identity"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var ctx = context.Background()

func TestLoadAll_GuestAndNoneAreEmpty(t *testing.T) {
	for _, id := range []identity.Identity{
		{Kind: identity.KindNone},
		{Kind: identity.KindGuest, ID: "g1"},
	} {
		t.Run(id.Kind.String(), func(t *testing.T) {
			data := newFakeData("")
			s := NewStore(data, nil)
			s.SetIdentity(ctx, id)

			require.NoError(t, s.LoadAll(ctx))
			st := s.Snapshot()
			assert.Empty(t, st.Conversations)
			assert.Empty(t, st.Owner)
			assert.Empty(t, data.calls, "guest conversations are never fetched")
		})
	}
}

func TestLoadAll_SortsAndFiltersForeignRows(t *testing.T) {
	data := newFakeData("u1")
	older := data.seed("u1", "a", "Older")
	newer := data.seed("u1", "b", "Newer")
	data.leaked = []Conversation{{ID: "x", OwnerID: "u2", Title: "Not yours", UpdatedAt: time.Now()}}

	s := NewStore(data, nil)
	observe(t, s)
	signIn(t, s, "u1")

	st := s.Snapshot()
	require.Len(t, st.Conversations, 2)
	assert.Equal(t, newer.ID, st.Conversations[0].ID)
	assert.Equal(t, older.ID, st.Conversations[1].ID)
	assert.False(t, st.Loading)
	assert.NoError(t, st.Err)
}

func TestLoadAll_NetworkErrorSetsFlag(t *testing.T) {
	data := newFakeData("u1")
	s := NewStore(data, nil)
	signIn(t, s, "u1")

	data.failWith("list:u1", apperr.NewNetworkError(errors.New("connection refused")))
	err := s.LoadAll(ctx)
	require.Error(t, err)
	assert.True(t, apperr.IsNetwork(err))

	st := s.Snapshot()
	assert.True(t, apperr.IsNetwork(st.Err))
	assert.False(t, st.Loading)
}

func TestCreate_RequiresRealIdentity(t *testing.T) {
	for _, id := range []identity.Identity{
		{Kind: identity.KindNone},
		{Kind: identity.KindGuest, ID: "g1"},
	} {
		t.Run(id.Kind.String(), func(t *testing.T) {
			data := newFakeData("")
			s := NewStore(data, nil)
			s.SetIdentity(ctx, id)
			before := s.Snapshot()
			o := observe(t, s)

			conv, err := s.Create(ctx, "Hello")
			assert.Nil(t, conv)
			assert.ErrorIs(t, err, apperr.ErrNoRealIdentity)
			assert.Equal(t, before, s.Snapshot())
			assert.Zero(t, o.count(), "no update published")
			assert.Zero(t, data.callCount("create:Hello"))
		})
	}
}

func TestCreate_SelectsNewConversation(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "old", "Old")
	s := NewStore(data, nil)
	observe(t, s)
	signIn(t, s, "u1")

	conv, err := s.Create(ctx, "  ")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, DefaultTitle, conv.Title)
	assert.Equal(t, "u1", conv.OwnerID)

	st := s.Snapshot()
	assert.Equal(t, conv.ID, st.CurrentID)
	assert.Equal(t, conv.ID, st.Conversations[0].ID)
	assert.Empty(t, st.Messages)
}

func TestSelect_LoadsMessagesInOrder(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "c", "Chat")
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	data.msgs["c"] = []Message{
		{ID: "m2", ConversationID: "c", Role: RoleAssistant, Content: "second", CreatedAt: t0.Add(time.Minute)},
		{ID: "m1", ConversationID: "c", Role: RoleUser, Content: "first", CreatedAt: t0},
		{ID: "m3", ConversationID: "c", Role: RoleUser, Content: "third (tie)", CreatedAt: t0.Add(time.Minute)},
		{ID: "zz", ConversationID: "other", Role: RoleUser, Content: "wrong thread", CreatedAt: t0},
	}
	s := NewStore(data, nil)
	observe(t, s)
	signIn(t, s, "u1")

	require.NoError(t, s.Select(ctx, "c"))

	st := s.Snapshot()
	assert.Equal(t, "c", st.CurrentID)
	assert.Equal(t, []string{"first", "second", "third (tie)"}, contents(st.Messages))
	require.NotNil(t, st.Current())
	assert.Equal(t, "Chat", st.Current().Title)
}

func TestSelect_VanishedConversationIsSoftNotFound(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "a", "A")
	data.seed("u1", "gone", "Gone")
	s := NewStore(data, nil)
	observe(t, s)
	signIn(t, s, "u1")
	require.NoError(t, s.Select(ctx, "a"))

	// deleted elsewhere after our list was loaded
	data.mu.Lock()
	delete(data.convs, "gone")
	data.mu.Unlock()

	require.NoError(t, s.Select(ctx, "gone"), "not-found is not surfaced as an error")

	st := s.Snapshot()
	assert.Equal(t, -1, st.indexOf("gone"))
	assert.Empty(t, st.CurrentID)
	assert.Empty(t, st.Messages)
	assert.True(t, apperr.IsNotFound(st.Err))
}

func TestSelect_UnknownLocallyResyncsFirst(t *testing.T) {
	data := newFakeData("u1")
	s := NewStore(data, nil)
	observe(t, s)
	signIn(t, s, "u1")

	// created by another client after our load
	data.seed("u1", "late", "Late")
	require.NoError(t, s.Select(ctx, "late"))
	assert.Equal(t, "late", s.Snapshot().CurrentID)

	require.NoError(t, s.Select(ctx, "never-existed"))
	st := s.Snapshot()
	assert.Empty(t, st.CurrentID)
	assert.True(t, apperr.IsNotFound(st.Err))
}

func TestSelect_LatestSelectionWins(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "a", "A")
	data.seed("u1", "b", "B")
	data.msgs["a"] = []Message{{ID: "ma", ConversationID: "a", Role: RoleUser, Content: "in a"}}
	data.msgs["b"] = []Message{{ID: "mb", ConversationID: "b", Role: RoleUser, Content: "in b"}}
	s := NewStore(data, nil)
	observe(t, s)
	signIn(t, s, "u1")

	started, release := data.block("messages:a")
	done := make(chan error, 1)
	go func() { done <- s.Select(ctx, "a") }()
	<-started

	require.NoError(t, s.Select(ctx, "b"))
	release()
	require.NoError(t, <-done)

	st := s.Snapshot()
	assert.Equal(t, "b", st.CurrentID)
	assert.Equal(t, []string{"in b"}, contents(st.Messages))
}

func TestRename(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "a", "A")
	data.seed("u1", "b", "B")
	s := NewStore(data, nil)
	observe(t, s)
	signIn(t, s, "u1")

	require.NoError(t, s.Rename(ctx, "a", "  Renamed  "))

	st := s.Snapshot()
	assert.Equal(t, "a", st.Conversations[0].ID, "rename bumps updated_at")
	assert.Equal(t, "Renamed", st.Conversations[0].Title)
}

func TestRename_EmptyTitleRejectedBeforeNetwork(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "a", "A")
	s := NewStore(data, nil)
	signIn(t, s, "u1")

	err := s.Rename(ctx, "a", "   ")
	assert.True(t, apperr.IsValidation(err))
	assert.Zero(t, data.callCount("rename:"))
}

func TestRename_ConcurrentlyDeletedIsNoOp(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "a", "A")
	data.seed("u1", "b", "B")
	s := NewStore(data, nil)
	observe(t, s)
	signIn(t, s, "u1")
	require.NoError(t, s.Select(ctx, "a"))

	data.mu.Lock()
	delete(data.convs, "a")
	data.mu.Unlock()

	require.NoError(t, s.Rename(ctx, "a", "Too late"))

	st := s.Snapshot()
	assert.Equal(t, []string{"b"}, conversationIDs(st))
	assert.Empty(t, st.CurrentID)
	assert.Equal(t, 2, data.callCount("list:u1"), "list resynced")
}

func TestRename_ResponsesApplyInRequestOrder(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "a", "A")
	s := NewStore(data, nil)
	observe(t, s)
	signIn(t, s, "u1")

	started, release := data.block("rename:First")
	done := make(chan error, 1)
	go func() { done <- s.Rename(ctx, "a", "First") }()
	<-started

	require.NoError(t, s.Rename(ctx, "a", "Second"))
	release()
	require.NoError(t, <-done)

	assert.Equal(t, "Second", s.Snapshot().Conversations[0].Title)
}

func TestDelete_CurrentClearsPointerInOneUpdate(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "a", "A")
	data.seed("u1", "b", "B")
	s := NewStore(data, nil)
	o := observe(t, s)
	signIn(t, s, "u1")
	require.NoError(t, s.Select(ctx, "a"))
	_, err := s.AddMessage(ctx, "a", RoleUser, "hello")
	require.NoError(t, err)

	mark := o.count()
	require.NoError(t, s.Delete(ctx, "a"))

	updates := o.since(mark)
	require.Len(t, updates, 1, "removal, pointer and messages change together")
	assert.Equal(t, []string{"b"}, conversationIDs(updates[0]))
	assert.Empty(t, updates[0].CurrentID)
	assert.Empty(t, updates[0].Messages)
}

func TestDeleteAll_ClearsEverythingInOneUpdate(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "a", "A")
	data.seed("u1", "b", "B")
	data.seed("u2", "x", "Other user's")
	s := NewStore(data, nil)
	o := observe(t, s)
	signIn(t, s, "u1")
	require.NoError(t, s.Select(ctx, "a"))
	_, err := s.AddMessage(ctx, "a", RoleUser, "hello")
	require.NoError(t, err)

	mark := o.count()
	n, err := s.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	updates := o.since(mark)
	require.Len(t, updates, 1)
	assert.Empty(t, updates[0].Conversations)
	assert.Empty(t, updates[0].CurrentID)
	assert.Empty(t, updates[0].Messages)

	data.mu.Lock()
	assert.Len(t, data.convs, 1, "only the caller's conversations go")
	data.mu.Unlock()
}

func TestDeleteAll_FailureLeavesCacheUntouched(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "a", "A")
	s := NewStore(data, nil)
	observe(t, s)
	signIn(t, s, "u1")
	require.NoError(t, s.Select(ctx, "a"))

	data.failWith("delete-all:u1", apperr.NewNetworkError(errors.New("timeout")))
	_, err := s.DeleteAll(ctx)
	require.Error(t, err)

	st := s.Snapshot()
	assert.Equal(t, []string{"a"}, conversationIDs(st))
	assert.Equal(t, "a", st.CurrentID)
	assert.True(t, apperr.IsNetwork(st.Err))
}

func TestDeleteAll_RequiresRealIdentity(t *testing.T) {
	data := newFakeData("")
	s := NewStore(data, nil)
	s.SetIdentity(ctx, identity.Identity{Kind: identity.KindGuest, ID: "g1"})

	_, err := s.DeleteAll(ctx)
	assert.ErrorIs(t, err, apperr.ErrNoRealIdentity)
	assert.Zero(t, data.callCount("delete-all:"))
}

func TestDeleteAll_StaleResponseIsDropped(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "a", "A")
	s := NewStore(data, nil)
	observe(t, s)
	signIn(t, s, "u1")

	started, release := data.block("delete-all:u1")
	done := make(chan error, 1)
	go func() {
		_, err := s.DeleteAll(ctx)
		done <- err
	}()
	<-started

	data.setUser("u2")
	data.seed("u2", "b", "B")
	signIn(t, s, "u2")
	release()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"b"}, conversationIDs(s.Snapshot()))
}

func TestDelete_NonCurrentKeepsSelection(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "a", "A")
	data.seed("u1", "b", "B")
	s := NewStore(data, nil)
	observe(t, s)
	signIn(t, s, "u1")
	require.NoError(t, s.Select(ctx, "a"))

	require.NoError(t, s.Delete(ctx, "b"))
	st := s.Snapshot()
	assert.Equal(t, "a", st.CurrentID)
	assert.Equal(t, []string{"a"}, conversationIDs(st))
}

func TestDelete_FailureLeavesListUntouched(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "a", "A")
	s := NewStore(data, nil)
	observe(t, s)
	signIn(t, s, "u1")
	require.NoError(t, s.Select(ctx, "a"))

	data.failWith("delete:a", apperr.NewNetworkError(errors.New("timeout")))
	err := s.Delete(ctx, "a")
	require.Error(t, err)

	st := s.Snapshot()
	assert.Equal(t, []string{"a"}, conversationIDs(st))
	assert.Equal(t, "a", st.CurrentID)
	assert.True(t, apperr.IsNetwork(st.Err))
}

func TestDelete_AlreadyGoneIsIdempotent(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "a", "A")
	s := NewStore(data, nil)
	observe(t, s)
	signIn(t, s, "u1")

	data.mu.Lock()
	delete(data.convs, "a")
	data.mu.Unlock()

	require.NoError(t, s.Delete(ctx, "a"))
	assert.Empty(t, s.Snapshot().Conversations)
}

func TestIdentityChange_InvalidatesBeforeReload(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "a", "A")
	data.seed("u2", "z", "Z")
	s := NewStore(data, nil)
	o := observe(t, s)
	signIn(t, s, "u1")
	require.NoError(t, s.Select(ctx, "a"))

	mark := o.count()
	data.setUser("u2")
	s.SetIdentity(ctx, realUser("u2"))
	s.Wait()

	updates := o.since(mark)
	require.NotEmpty(t, updates)
	first := updates[0]
	assert.Equal(t, "u2", first.Owner)
	assert.Empty(t, first.Conversations, "cache is dropped before any reload")
	assert.Empty(t, first.CurrentID)
	assert.Empty(t, first.Messages)

	assert.Equal(t, []string{"z"}, conversationIDs(s.Snapshot()))
}

func TestIdentityChange_StaleListIsDropped(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "a", "A")
	data.seed("u2", "z", "Z")
	s := NewStore(data, nil)
	observe(t, s)

	started, release := data.block("list:u1")
	s.SetIdentity(ctx, realUser("u1"))
	<-started

	data.setUser("u2")
	s.SetIdentity(ctx, realUser("u2"))
	require.Eventually(t, func() bool {
		return len(s.Snapshot().Conversations) == 1
	}, time.Second, 5*time.Millisecond)

	release()
	s.Wait()

	st := s.Snapshot()
	assert.Equal(t, "u2", st.Owner)
	assert.Equal(t, []string{"z"}, conversationIDs(st), "u1's late response must not be applied")
}

func TestIdentityChange_SignOutClearsEverything(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "a", "A")
	s := NewStore(data, nil)
	observe(t, s)
	signIn(t, s, "u1")
	require.NoError(t, s.Select(ctx, "a"))

	s.SetIdentity(ctx, identity.Identity{Kind: identity.KindNone})
	s.Wait()

	want := State{}
	if diff := cmp.Diff(want, s.Snapshot(), cmpopts.EquateEmpty(), cmpopts.EquateErrors()); diff != "" {
		t.Errorf("state after sign-out mismatch (-want +got):\n%s", diff)
	}
}

func TestIdentityChange_SameUserIsNotAChange(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "a", "A")
	s := NewStore(data, nil)
	signIn(t, s, "u1")

	s.SetIdentity(ctx, identity.Identity{Kind: identity.KindReal, ID: "u1", Loading: true})
	s.Wait()
	assert.Equal(t, 1, data.callCount("list:u1"))
}

type fakeIdentities struct {
	mu        sync.Mutex
	current   identity.Identity
	listeners []identity.Listener
}

func (f *fakeIdentities) Current() identity.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeIdentities) Subscribe(l identity.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
	return func() {}
}

func (f *fakeIdentities) set(next identity.Identity) {
	f.mu.Lock()
	prev := f.current
	f.current = next
	ls := append([]identity.Listener(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range ls {
		l(prev, next)
	}
}

func TestWatch(t *testing.T) {
	data := newFakeData("u1")
	data.seed("u1", "a", "A")
	ids := &fakeIdentities{current: realUser("u1")}
	s := NewStore(data, nil)
	observe(t, s)

	stop := s.Watch(ctx, ids)
	defer stop()
	s.Wait()
	assert.Equal(t, []string{"a"}, conversationIDs(s.Snapshot()))

	ids.set(identity.Identity{Kind: identity.KindGuest, ID: "g1"})
	s.Wait()
	assert.Empty(t, s.Snapshot().Conversations)
	assert.Empty(t, s.Snapshot().Owner)
}

func conversationIDs(st State) []string {
	out := make([]string, len(st.Conversations))
	for i, c := range st.Conversations {
		out[i] = c.ID
	}
	return out
}
