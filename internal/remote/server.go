package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"AssistChat/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxRequestBody caps a JSON-RPC request
const maxRequestBody = 1 << 20

type handlerFunc func(ctx context.Context, token string, params json.RawMessage) (interface{}, error)

// Server exposes a service.Service over HTTP
type Server struct {
	svc    *service.Service
	logger *slog.Logger
	hub    *hub

	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	methods map[string]handlerFunc
}

// NewServer creates a server for svc. Metrics go to a private registry served
// on /metrics.
func NewServer(svc *service.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:      svc,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assistchat_rpc_requests_total",
			Help: "JSON-RPC requests by method and result code.",
		}, []string{"method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assistchat_rpc_request_duration_seconds",
			Help:    "JSON-RPC request latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	s.hub = newHub(svc, logger)
	s.registry.MustRegister(s.requests, s.latency, s.hub.connected)
	s.methods = s.routes()
	return s
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", s.handleRPC)
	mux.HandleFunc("GET /v1/events", s.hub.serveWS)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return mux
}

// Close disconnects every event stream
func (s *Server) Close() {
	s.hub.close()
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req JSONRPCRequest
	resp := JSONRPCResponse{JSONRPC: "2.0"}

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		resp.Error = &RPCError{Code: CodeParse, Message: "invalid JSON"}
		s.write(w, resp)
		return
	}
	resp.ID = req.ID
	if req.JSONRPC != "2.0" || req.Method == "" {
		resp.Error = &RPCError{Code: CodeInvalidRequest, Message: "invalid request"}
		s.write(w, resp)
		return
	}

	h, ok := s.methods[req.Method]
	if !ok {
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
		s.requests.WithLabelValues("unknown", fmt.Sprint(CodeMethodNotFound)).Inc()
		s.write(w, resp)
		return
	}

	start := time.Now()
	result, err := h(r.Context(), bearerToken(r), req.Params)
	s.latency.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())

	code := 0
	if err != nil {
		resp.Error = toRPCError(err)
		code = resp.Error.Code
		if code == CodeInternal {
			s.logger.Error("rpc failed", "method", req.Method, "error", err)
		}
	} else {
		data, err := json.Marshal(result)
		if err != nil {
			resp.Error = &RPCError{Code: CodeInternal, Message: "failed to marshal result"}
			code = CodeInternal
		} else {
			resp.Result = data
		}
	}
	s.requests.WithLabelValues(req.Method, fmt.Sprint(code)).Inc()
	s.write(w, resp)
}

func (s *Server) write(w http.ResponseWriter, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

var errInvalidParams = errors.New("invalid params")

func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

func (s *Server) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		MethodGetSession: func(ctx context.Context, token string, _ json.RawMessage) (interface{}, error) {
			sess, err := s.svc.GetSession(ctx, token)
			return SessionResult{Session: sess}, err
		},
		MethodSignIn: func(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p CredentialsParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			sess, err := s.svc.SignIn(ctx, p.Email, p.Password)
			return SessionResult{Session: sess}, err
		},
		MethodSignUp: func(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p CredentialsParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			sess, err := s.svc.SignUp(ctx, p.Email, p.Password)
			return SessionResult{Session: sess}, err
		},
		MethodSignOut: func(ctx context.Context, token string, _ json.RawMessage) (interface{}, error) {
			return struct{}{}, s.svc.SignOut(ctx, token)
		},
		MethodRefresh: func(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p RefreshParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			sess, err := s.svc.Refresh(ctx, p.RefreshToken)
			return SessionResult{Session: sess}, err
		},
		MethodUpdateUser: func(ctx context.Context, token string, params json.RawMessage) (interface{}, error) {
			var p UpdateUserParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			sess, err := s.svc.UpdatePassword(ctx, token, p.Password)
			return SessionResult{Session: sess}, err
		},
		MethodPasswordReset: func(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p PasswordResetParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			// the token itself only goes out through the reset link
			_, err := s.svc.SendPasswordReset(ctx, p.Email, p.RedirectTo)
			return struct{}{}, err
		},
		MethodDeleteAccount: func(ctx context.Context, token string, _ json.RawMessage) (interface{}, error) {
			return struct{}{}, s.svc.DeleteAccount(ctx, token)
		},

		MethodListConversations: s.authed(func(ctx context.Context, uid string, _ json.RawMessage) (interface{}, error) {
			return s.svc.ListConversations(ctx, uid)
		}),
		MethodCreateConversation: s.authed(func(ctx context.Context, uid string, params json.RawMessage) (interface{}, error) {
			var p ConversationParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			return s.svc.CreateConversation(ctx, uid, p.Title)
		}),
		MethodRenameConversation: s.authed(func(ctx context.Context, uid string, params json.RawMessage) (interface{}, error) {
			var p ConversationParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			return s.svc.UpdateConversationTitle(ctx, uid, p.ID, p.Title)
		}),
		MethodDeleteConversation: s.authed(func(ctx context.Context, uid string, params json.RawMessage) (interface{}, error) {
			var p ConversationParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			return struct{}{}, s.svc.DeleteConversation(ctx, uid, p.ID)
		}),
		MethodDeleteAll: s.authed(func(ctx context.Context, uid string, _ json.RawMessage) (interface{}, error) {
			n, err := s.svc.DeleteAllConversations(ctx, uid)
			return DeleteAllResult{Deleted: n}, err
		}),
		MethodListMessages: s.authed(func(ctx context.Context, uid string, params json.RawMessage) (interface{}, error) {
			var p MessageParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			return s.svc.ListMessages(ctx, uid, p.ConversationID)
		}),
		MethodCreateMessage: s.authed(func(ctx context.Context, uid string, params json.RawMessage) (interface{}, error) {
			var p MessageParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			return s.svc.CreateMessage(ctx, uid, p.ConversationID, p.Role, p.Content)
		}),
	}
}

// authed resolves the access token to a user before calling h
func (s *Server) authed(h handlerFunc) handlerFunc {
	return func(ctx context.Context, token string, params json.RawMessage) (interface{}, error) {
		uid, err := s.svc.Authenticate(ctx, token)
		if err != nil {
			return nil, err
		}
		return h(ctx, uid, params)
	}
}
