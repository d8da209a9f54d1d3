package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"AssistChat/internal/apperr"
	"AssistChat/internal/identity"

	"github.com/stretchr/testify/require"
)

// fakeData is an in-memory DataService scoped to whichever user is set.
// Calls can be held at entry with block to control response order.
type fakeData struct {
	mu      sync.Mutex
	user    string
	clock   time.Time
	nextID  int
	convs   map[string]Conversation
	msgs    map[string][]Message
	leaked  []Conversation
	gates   map[string]chan struct{}
	started map[string]chan struct{}
	errs    map[string]error
	calls   []string
}

func newFakeData(user string) *fakeData {
	return &fakeData{
		user:    user,
		clock:   time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		convs:   make(map[string]Conversation),
		msgs:    make(map[string][]Message),
		gates:   make(map[string]chan struct{}),
		started: make(map[string]chan struct{}),
		errs:    make(map[string]error),
	}
}

func (f *fakeData) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeData) setUser(user string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user = user
}

func (f *fakeData) failWith(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[key] = err
}

// block holds the next call for key until release is called. started is
// closed once the call has entered.
func (f *fakeData) block(key string) (started <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	st := make(chan struct{})
	f.gates[key] = gate
	f.started[key] = st
	var once sync.Once
	return st, func() { once.Do(func() { close(gate) }) }
}

func (f *fakeData) enter(key string) error {
	f.mu.Lock()
	f.calls = append(f.calls, key)
	gate := f.gates[key]
	delete(f.gates, key)
	st := f.started[key]
	delete(f.started, key)
	err := f.errs[key]
	f.mu.Unlock()

	if st != nil {
		close(st)
	}
	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeData) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == key {
			n++
		}
	}
	return n
}

func (f *fakeData) seed(owner, id, title string) Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.tick()
	c := Conversation{ID: id, OwnerID: owner, Title: title, CreatedAt: now, UpdatedAt: now}
	f.convs[id] = c
	return c
}

func (f *fakeData) ListConversations(ctx context.Context) ([]Conversation, error) {
	f.mu.Lock()
	user := f.user
	f.mu.Unlock()
	if err := f.enter("list:" + user); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Conversation
	for _, c := range f.convs {
		if c.OwnerID == user {
			out = append(out, c)
		}
	}
	out = append(out, f.leaked...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeData) CreateConversation(ctx context.Context, title string) (Conversation, error) {
	if err := f.enter("create:" + title); err != nil {
		return Conversation{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	now := f.tick()
	c := Conversation{ID: fmt.Sprintf("c%d", f.nextID), OwnerID: f.user, Title: title, CreatedAt: now, UpdatedAt: now}
	f.convs[c.ID] = c
	return c, nil
}

func (f *fakeData) UpdateConversationTitle(ctx context.Context, id, title string) (Conversation, error) {
	if err := f.enter("rename:" + title); err != nil {
		return Conversation{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok || c.OwnerID != f.user {
		return Conversation{}, apperr.ErrNotFound
	}
	c.Title = title
	c.UpdatedAt = f.tick()
	f.convs[id] = c
	return c, nil
}

func (f *fakeData) DeleteConversation(ctx context.Context, id string) error {
	if err := f.enter("delete:" + id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok || c.OwnerID != f.user {
		return apperr.ErrNotFound
	}
	delete(f.convs, id)
	delete(f.msgs, id)
	return nil
}

func (f *fakeData) DeleteAllConversations(ctx context.Context) (int, error) {
	f.mu.Lock()
	user := f.user
	f.mu.Unlock()
	if err := f.enter("delete-all:" + user); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, c := range f.convs {
		if c.OwnerID == user {
			delete(f.convs, id)
			delete(f.msgs, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeData) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if err := f.enter("messages:" + conversationID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.convs[conversationID]; !ok || c.OwnerID != f.user {
		return nil, apperr.ErrNotFound
	}
	return append([]Message(nil), f.msgs[conversationID]...), nil
}

func (f *fakeData) CreateMessage(ctx context.Context, conversationID string, role Role, content string) (Message, error) {
	if err := f.enter("message:" + content); err != nil {
		return Message{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[conversationID]
	if !ok || c.OwnerID != f.user {
		return Message{}, apperr.ErrNotFound
	}
	f.nextID++
	m := Message{
		ID:             fmt.Sprintf("m%d", f.nextID),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      f.tick(),
	}
	f.msgs[conversationID] = append(f.msgs[conversationID], m)
	c.MessageCount++
	c.UpdatedAt = m.CreatedAt
	f.convs[conversationID] = c
	return m, nil
}

// observer records every published state and checks the cache invariants
type observer struct {
	mu     sync.Mutex
	states []State
}

func observe(t *testing.T, s *Store) *observer {
	t.Helper()
	o := &observer{}
	s.Subscribe(func(st State) {
		if st.CurrentID != "" && st.indexOf(st.CurrentID) < 0 {
			t.Errorf("current pointer %q references a conversation not in the list", st.CurrentID)
		}
		for _, c := range st.Conversations {
			if c.OwnerID != st.Owner {
				t.Errorf("conversation %s of %s visible to %q", c.ID, c.OwnerID, st.Owner)
			}
		}
		if st.CurrentID == "" && len(st.Messages) > 0 {
			t.Errorf("messages cached without a current conversation")
		}
		o.mu.Lock()
		o.states = append(o.states, st)
		o.mu.Unlock()
	})
	return o
}

func (o *observer) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.states)
}

func (o *observer) since(n int) []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.states[n:]...)
}

func realUser(id string) identity.Identity {
	return identity.Identity{Kind: identity.KindReal, ID: id}
}

func signIn(t *testing.T, s *Store, user string) {
	t.Helper()
	s.SetIdentity(context.Background(), realUser(user))
	s.Wait()
	require.Equal(t, user, s.Snapshot().Owner)
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
