// Package app is the terminal client: a line-oriented REPL over the session,
// identity, conversation and access-gate components.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"AssistChat/internal/apperr"
	"AssistChat/internal/assistant"
	"AssistChat/internal/backend"
	"AssistChat/internal/config"
	"AssistChat/internal/conversation"
	"AssistChat/internal/gate"
	"AssistChat/internal/identity"
	"AssistChat/internal/localstore"
	"AssistChat/internal/session"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// AccountClient is the auth and data service as the client uses it. Both
// service.Local and remote.Client satisfy it.
type AccountClient interface {
	session.AuthClient
	SignInWithPassword(ctx context.Context, email, password string) (*session.Session, error)
	SignUp(ctx context.Context, email, password string) (*session.Session, error)
	UpdateUser(ctx context.Context, password string) error
	SendPasswordReset(ctx context.Context, email, redirectURL string) error
	DeleteAccount(ctx context.Context) error
	Data() conversation.DataService
}

// Deps are the collaborators the app is assembled from
type Deps struct {
	Accounts  AccountClient
	Local     *localstore.Store
	Assistant *assistant.Assistant

	// Optional
	Scheduler gate.Scheduler
	Tracer    trace.Tracer
	Meter     metric.Meter
}

// App represents the main application
type App struct {
	config   config.Config
	accounts AccountClient
	logger   *slog.Logger
	in       *bufio.Scanner
	out      io.Writer

	sessions  *session.Store
	ids       *identity.Facade
	convs     *conversation.Store
	gate      *gate.Gate
	assistant *assistant.Assistant

	mu sync.Mutex
	// guest chats are never persisted
	guestTurns []backend.Turn
	notices    []string
}

// New assembles an App reading commands from in and writing to out
func New(cfg config.Config, deps Deps, in io.Reader, out io.Writer, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}

	sessOpts := []session.Option{session.WithPresence(deps.Local)}
	convOpts := []conversation.Option{conversation.WithTitleMaxLen(cfg.TitleMaxLen)}
	gateOpts := []gate.Option{gate.WithGracePeriod(cfg.GracePeriod)}
	if deps.Meter != nil {
		sessOpts = append(sessOpts, session.WithMeter(deps.Meter))
		convOpts = append(convOpts, conversation.WithMeter(deps.Meter))
		gateOpts = append(gateOpts, gate.WithMeter(deps.Meter))
	}
	if deps.Tracer != nil {
		convOpts = append(convOpts, conversation.WithTracer(deps.Tracer))
	}
	if deps.Scheduler != nil {
		gateOpts = append(gateOpts, gate.WithScheduler(deps.Scheduler))
	}

	sessions := session.NewStore(deps.Accounts, logger, sessOpts...)
	return &App{
		config:    cfg,
		accounts:  deps.Accounts,
		logger:    logger,
		in:        bufio.NewScanner(in),
		out:       out,
		sessions:  sessions,
		ids:       identity.New(sessions, deps.Local, logger),
		convs:     conversation.NewStore(deps.Accounts.Data(), logger, convOpts...),
		gate:      gate.New(logger, gateOpts...),
		assistant: deps.Assistant,
	}
}

// Run starts the REPL and returns when input ends or /quit is entered
func (a *App) Run(ctx context.Context) error {
	a.ids.Start()
	stopConvs := a.convs.Watch(ctx, a.ids)
	a.gate.Watch(a.ids)
	unwatch := a.ids.Subscribe(a.identityChanged)
	defer func() {
		unwatch()
		a.gate.Stop()
		stopConvs()
		a.convs.Wait()
		a.ids.Stop()
		a.sessions.Teardown()
	}()

	if err := a.sessions.Init(ctx); err != nil {
		return fmt.Errorf("failed to restore session: %w", err)
	}

	a.printf("=== AssistChat ===\n")
	a.printf("Signed in as: %s\n", a.describe(a.ids.Current()))
	a.printf("Backend: %s\n", a.assistant.Provider().Name())
	a.printf("Type /help for commands, /quit to exit\n\n")

	for {
		a.flushNotices()
		if a.gate.Prompting() && !a.gate.Dismissed() {
			a.printf("Sign in to continue: /login <email>, /signup <email>, or /guest to chat without saving. (/dismiss to hide)\n")
		}
		a.printf("You: ")
		if !a.in.Scan() {
			break
		}

		input := strings.TrimSpace(a.in.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := a.handleCommand(ctx, input)
			if err != nil {
				a.printf("Error: %s\n", describeError(err))
				a.logger.Error("command error", "command", strings.Fields(input)[0], "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		response, err := a.sendMessage(ctx, input)
		if err != nil {
			a.printf("Error: %s\n", describeError(err))
			a.logger.Error("failed to send message", "error", err)
			continue
		}
		a.printf("Bot: %s\n\n", response)
	}

	a.printf("Goodbye!\n")
	return a.in.Err()
}

func (a *App) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.out, format, args...)
}

// identityChanged may run on another goroutine (a remote sign-out), so it
// only queues a notice for the next prompt
func (a *App) identityChanged(prev, next identity.Identity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !prev.SameUser(next) {
		a.guestTurns = nil
	}
	if prev.Kind == identity.KindReal && next.Kind == identity.KindNone && !prev.Loading {
		a.notices = append(a.notices, "You have been signed out.")
	}
}

func (a *App) flushNotices() {
	a.mu.Lock()
	notices := a.notices
	a.notices = nil
	a.mu.Unlock()
	for _, n := range notices {
		a.printf("%s\n", n)
	}
}

// dropNotices discards notices caused by the user's own command
func (a *App) dropNotices() {
	a.mu.Lock()
	a.notices = nil
	a.mu.Unlock()
}

func (a *App) describe(id identity.Identity) string {
	switch id.Kind {
	case identity.KindReal:
		if sess := a.sessions.Session(); sess != nil && sess.Email != "" {
			return sess.Email
		}
		return id.ID
	case identity.KindGuest:
		return "guest"
	default:
		return "nobody"
	}
}

// sendMessage records the user's message, asks the assistant and records the
// reply. Real users write through the conversation store; guests keep an
// in-memory transcript.
func (a *App) sendMessage(ctx context.Context, text string) (string, error) {
	id := a.ids.Current()
	switch id.Kind {
	case identity.KindGuest:
		return a.guestMessage(ctx, text)
	case identity.KindReal:
	default:
		return "", errors.New("sign in or continue as a guest first (/login, /signup, /guest)")
	}

	a.convs.Wait()
	convID := a.convs.Snapshot().CurrentID
	if convID == "" {
		c, err := a.convs.Create(ctx, "")
		if err != nil {
			return "", err
		}
		if c == nil {
			return "", errors.New("sign-in changed while sending")
		}
		convID = c.ID
	}

	if _, err := a.convs.AddMessage(ctx, convID, conversation.RoleUser, text); err != nil {
		return "", err
	}

	st := a.convs.Snapshot()
	if st.CurrentID != convID {
		return "", errors.New("conversation changed while sending")
	}
	reply, err := a.assistant.Reply(ctx, assistant.Turns(st.Messages))
	if err != nil {
		return "", err
	}
	if _, err := a.convs.AddMessage(ctx, convID, conversation.RoleAssistant, reply); err != nil {
		return "", err
	}
	return reply, nil
}

func (a *App) guestMessage(ctx context.Context, text string) (string, error) {
	a.mu.Lock()
	turns := append(append([]backend.Turn(nil), a.guestTurns...), backend.Turn{Role: string(conversation.RoleUser), Content: text})
	a.mu.Unlock()

	reply, err := a.assistant.Reply(ctx, turns)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.guestTurns = append(turns, backend.Turn{Role: string(conversation.RoleAssistant), Content: reply})
	a.mu.Unlock()
	return reply, nil
}

// describeError renders errors for the terminal
func describeError(err error) string {
	var ve *apperr.ValidationError
	var ae *apperr.AuthError
	switch {
	case errors.As(err, &ve):
		return fmt.Sprintf("%s %s", ve.Field, ve.Reason)
	case errors.As(err, &ae):
		return ae.Message
	case apperr.IsNetwork(err):
		return "could not reach the server, please try again"
	case errors.Is(err, apperr.ErrNoRealIdentity):
		return "sign in to save conversations"
	case apperr.IsNotFound(err):
		return "not found"
	default:
		return err.Error()
	}
}
