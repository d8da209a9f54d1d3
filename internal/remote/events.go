package remote

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"AssistChat/internal/service"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 16
)

// hub pushes account events to the websocket connections of their user
type hub struct {
	logger      *slog.Logger
	svc         *service.Service
	upgrader    websocket.Upgrader
	connected   prometheus.Gauge
	unsubscribe func()

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

type wsConn struct {
	conn   *websocket.Conn
	userID string
	token  string
	send   chan Event
	done   chan struct{}
	once   sync.Once
}

func (c *wsConn) stop() {
	c.once.Do(func() { close(c.done) })
}

func newHub(svc *service.Service, logger *slog.Logger) *hub {
	h := &hub{
		logger: logger,
		svc:    svc,
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assistchat_event_streams",
			Help: "Open websocket event streams.",
		}),
		conns: make(map[*wsConn]struct{}),
	}
	h.unsubscribe = svc.SubscribeAccounts(h.broadcast)
	return h
}

// serveWS authenticates the caller and streams their account events until
// either side closes
func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	userID, err := h.svc.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade event stream", "error", err)
		return
	}

	c := &wsConn{
		conn:   conn,
		userID: userID,
		token:  token,
		send:   make(chan Event, sendBuffer),
		done:   make(chan struct{}),
	}
	if !h.add(c) {
		conn.Close()
		return
	}
	h.logger.Info("event stream opened", "user_id", userID)
	go h.writeLoop(c)

	// reads only detect the peer going away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
	h.logger.Info("event stream closed", "user_id", userID)
}

func (h *hub) writeLoop(c *wsConn) {
	defer h.wg.Done()
	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				h.logger.Warn("failed to push event", "user_id", c.userID, "error", err)
				c.conn.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.conn.Close()
			return
		}
	}
}

func (h *hub) add(c *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	h.connected.Inc()
	h.wg.Add(1)
	return true
}

func (h *hub) remove(c *wsConn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		h.connected.Dec()
	}
	h.mu.Unlock()
	c.stop()
}

// broadcast queues ev for the user's streams, except the one that caused it
func (h *hub) broadcast(ev service.AccountEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if c.userID != ev.UserID || (ev.Origin != "" && c.token == ev.Origin) {
			continue
		}
		select {
		case c.send <- Event{Kind: ev.Kind, UserID: ev.UserID}:
		default:
			h.logger.Warn("event stream full, dropping event", "user_id", c.userID, "kind", string(ev.Kind))
		}
	}
}

// close ends every stream and waits for the writers
func (h *hub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.unsubscribe()
	for _, c := range conns {
		c.stop()
	}
	h.wg.Wait()
}
