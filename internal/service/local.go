package service

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"AssistChat/internal/apperr"
	"AssistChat/internal/conversation"
	"AssistChat/internal/session"
)

var errNotSignedIn = apperr.NewAuthError("Not signed in")

// Local is an in-process client of a Service. It holds the caller's session
// and reports auth changes the way a remote client library would.
type Local struct {
	svc    *Service
	logger *slog.Logger

	mu        sync.Mutex
	sess      *session.Session
	listeners map[int]session.Listener
	nextID    int

	// emitMu keeps events in the order they happened
	emitMu sync.Mutex

	unsubscribe func()
	closeOnce   sync.Once
}

// NewLocal creates a signed-out client of svc
func NewLocal(svc *Service, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Local{
		svc:       svc,
		logger:    logger,
		listeners: make(map[int]session.Listener),
	}
	l.unsubscribe = svc.SubscribeAccounts(l.accountChanged)
	return l
}

// Close stops following account changes
func (l *Local) Close() {
	l.closeOnce.Do(l.unsubscribe)
}

// accountChanged handles changes made to our account by someone else
func (l *Local) accountChanged(ev AccountEvent) {
	l.mu.Lock()
	sess := l.sess.Clone()
	l.mu.Unlock()
	if sess == nil || sess.UserID != ev.UserID || ev.Origin == sess.AccessToken {
		return
	}
	switch ev.Kind {
	case session.EventSessionCleared:
		l.set(session.EventSessionCleared, nil)
	default:
		l.emit(ev.Kind, sess)
	}
}

func (l *Local) set(kind session.EventKind, sess *session.Session) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	l.mu.Lock()
	l.sess = sess.Clone()
	l.mu.Unlock()
	l.deliverLocked(kind, sess)
}

func (l *Local) emit(kind session.EventKind, sess *session.Session) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	l.deliverLocked(kind, sess)
}

func (l *Local) deliverLocked(kind session.EventKind, sess *session.Session) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.listeners))
	for id := range l.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ls := make([]session.Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, l.listeners[id])
	}
	l.mu.Unlock()

	for _, cb := range ls {
		cb(kind, sess.Clone())
	}
}

func (l *Local) token() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sess == nil {
		return ""
	}
	return l.sess.AccessToken
}

// GetSession returns the current session if the service still honours it
func (l *Local) GetSession(ctx context.Context) (*session.Session, error) {
	tok := l.token()
	if tok == "" {
		return nil, nil
	}
	return l.svc.GetSession(ctx, tok)
}

// OnChange registers cb for auth changes
func (l *Local) OnChange(cb session.Listener) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = cb
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.listeners, id)
			l.mu.Unlock()
		})
	}
}

// RefreshSession exchanges the refresh token for a new session
func (l *Local) RefreshSession(ctx context.Context) (*session.Session, error) {
	l.mu.Lock()
	cur := l.sess.Clone()
	l.mu.Unlock()
	if cur == nil {
		return nil, nil
	}
	sess, err := l.svc.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		return nil, err
	}
	l.set(session.EventTokenRenewed, sess)
	return sess.Clone(), nil
}

// SignOut revokes the session. The local copy is dropped even when the
// service call fails.
func (l *Local) SignOut(ctx context.Context) error {
	tok := l.token()
	if tok == "" {
		return nil
	}
	err := l.svc.SignOut(ctx, tok)
	l.set(session.EventSessionCleared, nil)
	return err
}

// SignInWithPassword opens a session
func (l *Local) SignInWithPassword(ctx context.Context, email, password string) (*session.Session, error) {
	sess, err := l.svc.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	l.set(session.EventSessionEstablished, sess)
	return sess.Clone(), nil
}

// SignUp registers and signs in
func (l *Local) SignUp(ctx context.Context, email, password string) (*session.Session, error) {
	sess, err := l.svc.SignUp(ctx, email, password)
	if err != nil {
		return nil, err
	}
	l.set(session.EventSessionEstablished, sess)
	return sess.Clone(), nil
}

// UpdateUser changes the password of the signed-in user
func (l *Local) UpdateUser(ctx context.Context, password string) error {
	sess, err := l.svc.UpdatePassword(ctx, l.token(), password)
	if err != nil {
		return err
	}
	l.emit(session.EventProfileUpdated, sess)
	return nil
}

// SendPasswordReset asks the service to issue a reset link
func (l *Local) SendPasswordReset(ctx context.Context, email, redirectURL string) error {
	_, err := l.svc.SendPasswordReset(ctx, email, redirectURL)
	return err
}

// DeleteAccount removes the signed-in user and everything they own
func (l *Local) DeleteAccount(ctx context.Context) error {
	tok := l.token()
	if tok == "" {
		return errNotSignedIn
	}
	if err := l.svc.DeleteAccount(ctx, tok); err != nil {
		return err
	}
	l.set(session.EventSessionCleared, nil)
	return nil
}

// Data scopes data calls to the signed-in user
func (l *Local) Data() conversation.DataService {
	return localData{l}
}

type localData struct{ l *Local }

func (d localData) user(ctx context.Context) (string, error) {
	tok := d.l.token()
	if tok == "" {
		return "", errNotSignedIn
	}
	return d.l.svc.Authenticate(ctx, tok)
}

func (d localData) ListConversations(ctx context.Context) ([]conversation.Conversation, error) {
	uid, err := d.user(ctx)
	if err != nil {
		return nil, err
	}
	return d.l.svc.ListConversations(ctx, uid)
}

func (d localData) CreateConversation(ctx context.Context, title string) (conversation.Conversation, error) {
	uid, err := d.user(ctx)
	if err != nil {
		return conversation.Conversation{}, err
	}
	return d.l.svc.CreateConversation(ctx, uid, title)
}

func (d localData) UpdateConversationTitle(ctx context.Context, id, title string) (conversation.Conversation, error) {
	uid, err := d.user(ctx)
	if err != nil {
		return conversation.Conversation{}, err
	}
	return d.l.svc.UpdateConversationTitle(ctx, uid, id, title)
}

func (d localData) DeleteConversation(ctx context.Context, id string) error {
	uid, err := d.user(ctx)
	if err != nil {
		return err
	}
	return d.l.svc.DeleteConversation(ctx, uid, id)
}

func (d localData) DeleteAllConversations(ctx context.Context) (int, error) {
	uid, err := d.user(ctx)
	if err != nil {
		return 0, err
	}
	return d.l.svc.DeleteAllConversations(ctx, uid)
}

func (d localData) ListMessages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	uid, err := d.user(ctx)
	if err != nil {
		return nil, err
	}
	return d.l.svc.ListMessages(ctx, uid, conversationID)
}

func (d localData) CreateMessage(ctx context.Context, conversationID string, role conversation.Role, content string) (conversation.Message, error) {
	uid, err := d.user(ctx)
	if err != nil {
		return conversation.Message{}, err
	}
	return d.l.svc.CreateMessage(ctx, uid, conversationID, role, content)
}
