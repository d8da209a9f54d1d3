package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"AssistChat/internal/apperr"
	"AssistChat/internal/conversation"
	"AssistChat/internal/session"

	"github.com/gorilla/websocket"
)

var errNotSignedIn = apperr.NewAuthError("Not signed in")

// Client talks to an assistchat-server. It holds the caller's session,
// reports auth changes to OnChange listeners and, while signed in, listens
// on the server's event stream for changes made elsewhere.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	reqID      int32
	logger     *slog.Logger

	mu        sync.Mutex
	sess      *session.Session
	listeners map[int]session.Listener
	nextID    int

	// emitMu keeps events in the order they happened
	emitMu sync.Mutex

	streamMu sync.Mutex
	stream   *websocket.Conn
	streamOf string
	closed   bool
	streams  sync.WaitGroup
}

// NewClient creates a signed-out client for the server at baseURL
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		logger:     logger,
		listeners:  make(map[int]session.Listener),
	}
	logger.Info("created remote client", "url", c.baseURL)
	return c
}

// Close drops the event stream. The session is kept.
func (c *Client) Close() error {
	c.streamMu.Lock()
	c.closed = true
	c.closeStreamLocked()
	c.streamMu.Unlock()
	c.streams.Wait()
	c.httpClient.CloseIdleConnections()
	return nil
}

// call sends a JSON-RPC request
func (c *Client) call(ctx context.Context, method, token string, params, result interface{}) error {
	reqID := int(atomic.AddInt32(&c.reqID, 1))

	request := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		request.Params = raw
	}

	requestJSON, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/rpc", bytes.NewBuffer(requestJSON))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return apperr.NewNetworkError(fmt.Errorf("failed to send HTTP request: %w", err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return apperr.NewNetworkError(fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, string(body)))
	}

	var response JSONRPCResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return apperr.NewNetworkError(fmt.Errorf("failed to read response: %w", err))
	}
	if response.Error != nil {
		return fromRPCError(response.Error)
	}
	if result != nil && len(response.Result) > 0 {
		if err := json.Unmarshal(response.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return nil
}

func (c *Client) current() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Clone()
}

func (c *Client) token() string {
	if s := c.current(); s != nil {
		return s.AccessToken
	}
	return ""
}

// set replaces the held session, publishes kind and follows the new token's
// event stream
func (c *Client) set(kind session.EventKind, sess *session.Session) {
	c.emitMu.Lock()
	c.mu.Lock()
	c.sess = sess.Clone()
	c.mu.Unlock()
	c.deliverLocked(kind, sess)
	c.emitMu.Unlock()

	c.follow(sess)
}

func (c *Client) emit(kind session.EventKind, sess *session.Session) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.deliverLocked(kind, sess)
}

func (c *Client) deliverLocked(kind session.EventKind, sess *session.Session) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ls := make([]session.Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, c.listeners[id])
	}
	c.mu.Unlock()

	for _, cb := range ls {
		cb(kind, sess.Clone())
	}
}

// follow makes the event stream match sess
func (c *Client) follow(sess *session.Session) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	token := ""
	if sess != nil {
		token = sess.AccessToken
	}
	if token == c.streamOf {
		return
	}
	c.closeStreamLocked()
	if token == "" || c.closed {
		return
	}

	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/events"
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := c.dialer.Dial(wsURL, header)
	if err != nil {
		c.logger.Warn("failed to open event stream, changes made elsewhere will not be seen", "error", err)
		return
	}
	c.stream = conn
	c.streamOf = token

	c.streams.Add(1)
	go c.readEvents(conn, token)
}

func (c *Client) closeStreamLocked() {
	if c.stream == nil {
		return
	}
	c.stream.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.stream.Close()
	c.stream = nil
	c.streamOf = ""
}

func (c *Client) readEvents(conn *websocket.Conn, token string) {
	defer c.streams.Done()
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		sess := c.current()
		if sess == nil || sess.AccessToken != token || sess.UserID != ev.UserID {
			continue
		}
		c.logger.Info("account changed elsewhere", "kind", string(ev.Kind))
		if ev.Kind == session.EventSessionCleared {
			c.set(session.EventSessionCleared, nil)
			return
		}
		c.emit(ev.Kind, sess)
	}
}

// GetSession asks the server whether the held session is still valid
func (c *Client) GetSession(ctx context.Context) (*session.Session, error) {
	tok := c.token()
	if tok == "" {
		return nil, nil
	}
	var res SessionResult
	if err := c.call(ctx, MethodGetSession, tok, nil, &res); err != nil {
		return nil, err
	}
	if res.Session != nil {
		c.follow(res.Session)
	}
	return res.Session, nil
}

// OnChange registers cb for auth changes
func (c *Client) OnChange(cb session.Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = cb
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// RefreshSession exchanges the refresh token for a new session
func (c *Client) RefreshSession(ctx context.Context) (*session.Session, error) {
	cur := c.current()
	if cur == nil {
		return nil, nil
	}
	var res SessionResult
	if err := c.call(ctx, MethodRefresh, "", RefreshParams{RefreshToken: cur.RefreshToken}, &res); err != nil {
		return nil, err
	}
	if res.Session == nil {
		c.set(session.EventSessionCleared, nil)
		return nil, nil
	}
	c.set(session.EventTokenRenewed, res.Session)
	return res.Session.Clone(), nil
}

// SignOut revokes the session. The local copy is dropped even when the
// request fails.
func (c *Client) SignOut(ctx context.Context) error {
	tok := c.token()
	if tok == "" {
		return nil
	}
	err := c.call(ctx, MethodSignOut, tok, nil, nil)
	c.set(session.EventSessionCleared, nil)
	return err
}

// SignInWithPassword opens a session
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*session.Session, error) {
	return c.open(ctx, MethodSignIn, email, password)
}

// SignUp registers and signs in
func (c *Client) SignUp(ctx context.Context, email, password string) (*session.Session, error) {
	return c.open(ctx, MethodSignUp, email, password)
}

func (c *Client) open(ctx context.Context, method, email, password string) (*session.Session, error) {
	var res SessionResult
	if err := c.call(ctx, method, "", CredentialsParams{Email: email, Password: password}, &res); err != nil {
		return nil, err
	}
	if res.Session == nil {
		return nil, fmt.Errorf("server returned no session")
	}
	c.set(session.EventSessionEstablished, res.Session)
	return res.Session.Clone(), nil
}

// UpdateUser changes the signed-in user's password
func (c *Client) UpdateUser(ctx context.Context, password string) error {
	var res SessionResult
	if err := c.call(ctx, MethodUpdateUser, c.token(), UpdateUserParams{Password: password}, &res); err != nil {
		return err
	}
	c.emit(session.EventProfileUpdated, c.current())
	return nil
}

// SendPasswordReset asks the server to issue a reset link
func (c *Client) SendPasswordReset(ctx context.Context, email, redirectURL string) error {
	return c.call(ctx, MethodPasswordReset, "", PasswordResetParams{Email: email, RedirectTo: redirectURL}, nil)
}

// DeleteAccount removes the signed-in user and everything they own
func (c *Client) DeleteAccount(ctx context.Context) error {
	tok := c.token()
	if tok == "" {
		return errNotSignedIn
	}
	if err := c.call(ctx, MethodDeleteAccount, tok, nil, nil); err != nil {
		return err
	}
	c.set(session.EventSessionCleared, nil)
	return nil
}

// Data scopes data calls to the signed-in user
func (c *Client) Data() conversation.DataService {
	return remoteData{c}
}

type remoteData struct{ c *Client }

func (d remoteData) do(ctx context.Context, method string, params, result interface{}) error {
	tok := d.c.token()
	if tok == "" {
		return errNotSignedIn
	}
	return d.c.call(ctx, method, tok, params, result)
}

func (d remoteData) ListConversations(ctx context.Context) ([]conversation.Conversation, error) {
	var out []conversation.Conversation
	err := d.do(ctx, MethodListConversations, nil, &out)
	return out, err
}

func (d remoteData) CreateConversation(ctx context.Context, title string) (conversation.Conversation, error) {
	var out conversation.Conversation
	err := d.do(ctx, MethodCreateConversation, ConversationParams{Title: title}, &out)
	return out, err
}

func (d remoteData) UpdateConversationTitle(ctx context.Context, id, title string) (conversation.Conversation, error) {
	var out conversation.Conversation
	err := d.do(ctx, MethodRenameConversation, ConversationParams{ID: id, Title: title}, &out)
	return out, err
}

func (d remoteData) DeleteConversation(ctx context.Context, id string) error {
	return d.do(ctx, MethodDeleteConversation, ConversationParams{ID: id}, nil)
}

func (d remoteData) DeleteAllConversations(ctx context.Context) (int, error) {
	var out DeleteAllResult
	err := d.do(ctx, MethodDeleteAll, nil, &out)
	return out.Deleted, err
}

func (d remoteData) ListMessages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	var out []conversation.Message
	err := d.do(ctx, MethodListMessages, MessageParams{ConversationID: conversationID}, &out)
	return out, err
}

func (d remoteData) CreateMessage(ctx context.Context, conversationID string, role conversation.Role, content string) (conversation.Message, error) {
	var out conversation.Message
	err := d.do(ctx, MethodCreateMessage, MessageParams{ConversationID: conversationID, Role: role, Content: content}, &out)
	return out, err
}
