package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"AssistChat/internal/auth"
	"AssistChat/internal/backend"
	"AssistChat/internal/config"
	"AssistChat/internal/identity"
)

var errInputClosed = errors.New("input closed")

// readLine prompts and reads one line. Passwords are read the same way; the
// terminal echoes them.
func (a *App) readLine(prompt string) (string, error) {
	a.printf("%s", prompt)
	if !a.in.Scan() {
		if err := a.in.Err(); err != nil {
			return "", err
		}
		return "", errInputClosed
	}
	return strings.TrimSpace(a.in.Text()), nil
}

// resolve turns a list number or conversation id into an id
func (a *App) resolve(ref string) string {
	st := a.convs.Snapshot()
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(st.Conversations) {
		return st.Conversations[n-1].ID
	}
	return ref
}

// handleCommand handles special commands
func (a *App) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/signup":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /signup <email>")
		}
		creds := auth.Credentials{Email: auth.NormalizeEmail(parts[1])}
		var err error
		if creds.Password, err = a.readLine("Password: "); err != nil {
			return false, err
		}
		if creds.Confirm, err = a.readLine("Confirm password: "); err != nil {
			return false, err
		}
		if err := auth.ValidateSignUp(creds); err != nil {
			return false, err
		}
		sess, err := a.accounts.SignUp(ctx, creds.Email, creds.Password)
		if err != nil {
			return false, err
		}
		a.printf("Welcome, %s!\n", sess.Email)
		return false, nil

	case "/login":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /login <email>")
		}
		creds := auth.Credentials{Email: auth.NormalizeEmail(parts[1])}
		var err error
		if creds.Password, err = a.readLine("Password: "); err != nil {
			return false, err
		}
		if err := auth.ValidateSignIn(creds); err != nil {
			return false, err
		}
		sess, err := a.accounts.SignInWithPassword(ctx, creds.Email, creds.Password)
		if err != nil {
			return false, err
		}
		a.printf("Signed in as %s\n", sess.Email)
		return false, nil

	case "/logout":
		err := a.ids.SignOut(ctx)
		a.dropNotices()
		a.printf("Signed out\n")
		return false, err

	case "/guest":
		id, err := a.ids.BecomeGuest()
		if errors.Is(err, identity.ErrAlreadySignedIn) {
			return false, fmt.Errorf("already signed in, /logout first")
		}
		if err != nil {
			return false, err
		}
		a.printf("Chatting as guest %s. Messages are not saved.\n", id.ID)
		return false, nil

	case "/dismiss":
		a.gate.Dismiss()
		return false, nil

	case "/whoami":
		id := a.ids.Current()
		a.printf("Identity: %s (%s)\n", a.describe(id), id.Kind)
		a.printf("Access: %s\n", a.gate.State())
		return false, nil

	case "/refresh":
		if err := a.sessions.Refresh(ctx); err != nil {
			return false, fmt.Errorf("failed to refresh session: %w", err)
		}
		a.printf("Session refreshed\n")
		return false, nil

	case "/password":
		if a.ids.Current().Kind != identity.KindReal {
			return false, fmt.Errorf("sign in to change your password")
		}
		password, err := a.readLine("New password: ")
		if err != nil {
			return false, err
		}
		confirm, err := a.readLine("Confirm password: ")
		if err != nil {
			return false, err
		}
		if err := auth.ValidateNewPassword(password, confirm); err != nil {
			return false, err
		}
		if err := a.accounts.UpdateUser(ctx, password); err != nil {
			return false, err
		}
		a.printf("Password updated\n")
		return false, nil

	case "/reset":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /reset <email>")
		}
		email := auth.NormalizeEmail(parts[1])
		if err := auth.ValidateEmail(email); err != nil {
			return false, err
		}
		if err := a.accounts.SendPasswordReset(ctx, email, a.config.ResetRedirect); err != nil {
			return false, err
		}
		a.printf("If an account exists for %s, a reset link is on its way.\n", email)
		return false, nil

	case "/list":
		if a.ids.Current().Kind != identity.KindReal {
			a.printf("Sign in to see saved conversations.\n")
			return false, nil
		}
		a.convs.Wait()
		if err := a.convs.LoadAll(ctx); err != nil {
			return false, err
		}
		st := a.convs.Snapshot()
		if len(st.Conversations) == 0 {
			a.printf("No conversations yet.\n")
			return false, nil
		}
		a.printf("\nConversations:\n")
		for i, c := range st.Conversations {
			marker := " "
			if c.ID == st.CurrentID {
				marker = "*"
			}
			a.printf("%s%d. %s (%d messages)\n", marker, i+1, c.Title, c.MessageCount)
		}
		a.printf("\n")
		return false, nil

	case "/new":
		a.convs.Wait()
		c, err := a.convs.Create(ctx, strings.Join(parts[1:], " "))
		if err != nil {
			return false, err
		}
		if c != nil {
			a.printf("Started conversation: %s\n", c.Title)
		}
		return false, nil

	case "/open":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /open <n|id>")
		}
		a.convs.Wait()
		if err := a.convs.Select(ctx, a.resolve(parts[1])); err != nil {
			return false, err
		}
		st := a.convs.Snapshot()
		if st.CurrentID == "" && st.Err != nil {
			return false, st.Err
		}
		if cur := st.Current(); cur != nil {
			a.printf("--- %s ---\n", cur.Title)
		}
		for _, m := range st.Messages {
			a.printf("%s: %s\n", speaker(string(m.Role)), m.Content)
		}
		return false, nil

	case "/rename":
		if len(parts) < 3 {
			return false, fmt.Errorf("usage: /rename <n|id> <title>")
		}
		a.convs.Wait()
		if err := a.convs.Rename(ctx, a.resolve(parts[1]), strings.Join(parts[2:], " ")); err != nil {
			return false, err
		}
		a.printf("Renamed\n")
		return false, nil

	case "/delete":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /delete <n|id>")
		}
		a.convs.Wait()
		if err := a.convs.Delete(ctx, a.resolve(parts[1])); err != nil {
			return false, err
		}
		a.printf("Deleted\n")
		return false, nil

	case "/delete-all":
		if a.ids.Current().Kind != identity.KindReal {
			return false, fmt.Errorf("sign in to manage saved conversations")
		}
		a.convs.Wait()
		answer, err := a.readLine("Delete all conversations? Type yes to confirm: ")
		if err != nil {
			return false, err
		}
		if answer != "yes" {
			a.printf("Cancelled\n")
			return false, nil
		}
		n, err := a.convs.DeleteAll(ctx)
		if err != nil {
			return false, err
		}
		a.printf("Deleted %d conversations\n", n)
		return false, nil

	case "/delete-account":
		if a.ids.Current().Kind != identity.KindReal {
			return false, fmt.Errorf("sign in to delete your account")
		}
		answer, err := a.readLine("Type DELETE to remove your account and all conversations: ")
		if err != nil {
			return false, err
		}
		if answer != "DELETE" {
			a.printf("Cancelled\n")
			return false, nil
		}
		if err := a.accounts.DeleteAccount(ctx); err != nil {
			return false, err
		}
		a.dropNotices()
		a.printf("Account deleted\n")
		return false, nil

	case "/switch":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /switch <backend> (ollama|anthropic|grok|openai)")
		}
		p, err := backend.New(parts[1], a.config.OllamaModel, nil)
		if err != nil {
			return false, err
		}
		a.assistant.SetProvider(p)
		a.printf("Switched to %s backend\n", p.Name())
		return false, nil

	case "/list-ollama-models":
		ollama, ok := a.assistant.Provider().(*backend.Ollama)
		if !ok {
			return false, fmt.Errorf("current backend is not ollama")
		}
		models, err := ollama.ListModels(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to list Ollama models: %w", err)
		}
		a.printf("\nAvailable Ollama models:\n")
		for i, model := range models {
			sizeGB := float64(model.Size) / (1024 * 1024 * 1024)
			current := ""
			if model.Name == ollama.Model {
				current = " (current)"
			}
			a.printf("%d. %s - %.2f GB%s\n", i+1, model.Name, sizeGB, current)
		}
		a.printf("\n")
		return false, nil

	case "/set-ollama-model":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /set-ollama-model <model:version>")
		}
		a.config.OllamaModel = parts[1]
		p, err := backend.New(config.BackendOllama, parts[1], nil)
		if err != nil {
			return false, err
		}
		a.assistant.SetProvider(p)
		a.printf("Ollama model set to: %s\n", parts[1])
		return false, nil

	case "/help":
		a.printf("Available commands:\n")
		a.printf("  /signup <email>           - Create an account\n")
		a.printf("  /login <email>            - Sign in\n")
		a.printf("  /logout                   - Sign out (also ends a guest session)\n")
		a.printf("  /guest                    - Chat without an account\n")
		a.printf("  /whoami                   - Show who is signed in\n")
		a.printf("  /refresh                  - Renew the session\n")
		a.printf("  /password                 - Change your password\n")
		a.printf("  /reset <email>            - Send a password reset link\n")
		a.printf("  /list                     - List saved conversations\n")
		a.printf("  /new [title]              - Start a conversation\n")
		a.printf("  /open <n|id>              - Open a conversation\n")
		a.printf("  /rename <n|id> <title>    - Rename a conversation\n")
		a.printf("  /delete <n|id>            - Delete a conversation\n")
		a.printf("  /delete-all               - Delete all conversations\n")
		a.printf("  /delete-account           - Delete your account\n")
		a.printf("  /dismiss                  - Hide the sign-in prompt\n")
		a.printf("  /switch <backend>         - Switch LLM backend (ollama|anthropic|grok|openai)\n")
		a.printf("  /list-ollama-models       - List available Ollama models\n")
		a.printf("  /set-ollama-model <model> - Set Ollama model (e.g., llama3:latest)\n")
		a.printf("  /help                     - Show this help message\n")
		a.printf("  /quit, /exit              - Exit\n")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s, try /help", parts[0])
	}
}

func speaker(role string) string {
	if role == "assistant" {
		return "Bot"
	}
	return "You"
}
