package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"agentbridge/internal/chat"
	"agentbridge/internal/config"
	"agentbridge/internal/permission"
	"agentbridge/internal/rpc"
	"agentbridge/internal/security"
	"agentbridge/internal/translate"
	"agentbridge/internal/transport"
)

// codexNotifications are the app-server methods the translator consumes.
// Registered individually; anything outside the list is dropped by the rpc
// layer.
var codexNotifications = []string{
	"thread/started",
	"turn/started",
	"turn/completed",
	"turn/failed",
	"item/started",
	"item/updated",
	"item/completed",
	"item/agentMessage/delta",
	"item/reasoning/delta",
}

// codexBackend speaks the Codex app-server dialect: thread/start and
// turn/start outbound, thread/turn/item notifications inbound, approval
// requests via item/commandExecution/requestApproval and
// item/fileChange/requestApproval.
type codexBackend struct {
	tr     *translate.Codex
	logger *slog.Logger
	hooks  Hooks

	mu       sync.Mutex
	turnDone chan struct{}
}

func newCodexBackend(conversationID string, sink chat.Sink, logger *slog.Logger) *codexBackend {
	return &codexBackend{
		tr:     translate.NewCodex(conversationID, sink, logger),
		logger: logger,
	}
}

func (b *codexBackend) Family() string { return "codex" }

func (b *codexBackend) Translator() TranslatorCore { return b.tr }

func (b *codexBackend) SpawnSpec(opts StartOptions, cfg config.BackendConfig) transport.Spec {
	command := cfg.Command
	if strings.TrimSpace(opts.CLIPath) != "" {
		command = opts.CLIPath
	}
	args := cfg.Args
	if len(args) == 0 {
		args = []string{"app-server"}
	}
	return transport.Spec{
		Command: command,
		Args:    append(append([]string(nil), args...), opts.ExtraArgs...),
		Env:     append(append([]string(nil), cfg.Env...), opts.ExtraEnv...),
		Dir:     opts.WorkingDir,
	}
}

func (b *codexBackend) Register(conn *rpc.Conn, hooks Hooks) {
	b.hooks = hooks
	b.tr.OnTokenCount = hooks.TokenCount
	for _, method := range codexNotifications {
		m := method
		conn.OnNotification(m, func(params json.RawMessage) {
			b.tr.HandleNotification(m, params)
			// Turn completion is signalled out of band, not in the
			// turn/start response; wake the waiting Prompt call.
			if m == "turn/completed" || m == "turn/failed" {
				b.signalTurnDone()
			}
		})
	}
	conn.OnRequest("item/commandExecution/requestApproval", func(id, params json.RawMessage) {
		b.handleCommandApproval(conn, id, params)
	})
	conn.OnRequest("item/fileChange/requestApproval", func(id, params json.RawMessage) {
		b.handleFileChangeApproval(conn, id, params)
	})
}

func (b *codexBackend) Initialize(ctx context.Context, conn *rpc.Conn, cfg config.BackendConfig) (bool, error) {
	params := map[string]any{
		"clientInfo": map[string]any{"name": "agentbridge", "version": "1"},
	}
	if _, err := conn.Request(ctx, "initialize", params, cfg.RequestTimeout()); err != nil {
		return false, fmt.Errorf("initialize: %w", err)
	}

	// account/read tells us whether a login exists. Method-not-found from
	// an older server means no account surface at all; assume logged in
	// rather than fail the handshake.
	raw, err := conn.Request(ctx, "account/read", nil, cfg.RequestTimeout())
	if err != nil {
		var rpcErr *rpc.Error
		if errors.As(err, &rpcErr) && rpcErr.Code == rpc.CodeMethodNotFound {
			return false, nil
		}
		return false, fmt.Errorf("account/read: %w", err)
	}
	var account struct {
		Account *struct {
			Type string `json:"type"`
		} `json:"account"`
	}
	if err := json.Unmarshal(raw, &account); err != nil {
		return false, &Error{Kind: KindProtocolViolation, Err: fmt.Errorf("account/read result: %w", err)}
	}
	return account.Account == nil, nil
}

// Authenticate cannot complete a Codex browser login over stdio. It asks
// the server to start one so the auth URL reaches the collaborator, then
// surfaces a typed auth failure and lets the controller fall back to the
// configured login command.
func (b *codexBackend) Authenticate(ctx context.Context, conn *rpc.Conn, cfg config.BackendConfig) error {
	raw, err := conn.Request(ctx, "account/login/start", map[string]any{"type": "chatgpt"}, cfg.RequestTimeout())
	if err == nil {
		var login struct {
			AuthURL string `json:"authUrl"`
		}
		if json.Unmarshal(raw, &login) == nil && login.AuthURL != "" {
			return &Error{
				Kind: KindAuthenticationFailed,
				Err:  fmt.Errorf("codex login required; open %s or run the login command", login.AuthURL),
			}
		}
	}
	return &Error{
		Kind: KindAuthenticationFailed,
		Err:  fmt.Errorf("codex has no stored login; run the login command"),
	}
}

func (b *codexBackend) CreateSession(ctx context.Context, conn *rpc.Conn, cfg config.BackendConfig, opts StartOptions) (string, error) {
	method := "thread/start"
	params := map[string]any{
		"cwd": opts.WorkingDir,
	}
	if cfg.Model != "" {
		params["model"] = cfg.Model
	}
	if opts.ResumeRemoteID != "" {
		method = "thread/resume"
		params["threadId"] = opts.ResumeRemoteID
	}
	raw, err := conn.Request(ctx, method, params, cfg.RequestTimeout())
	if err != nil {
		return "", fmt.Errorf("%s: %w", method, err)
	}
	var result struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", &Error{Kind: KindProtocolViolation, Err: fmt.Errorf("%s result: %w", method, err)}
	}
	id := result.Thread.ID
	if id == "" {
		id = result.ThreadID
	}
	if id == "" {
		return "", &Error{Kind: KindProtocolViolation, Err: fmt.Errorf("%s returned no thread id", method)}
	}
	return id, nil
}

// Prompt starts a turn and blocks until turn/completed or turn/failed
// arrives. The turn/start response itself returns quickly; completion is a
// separate notification.
func (b *codexBackend) Prompt(ctx context.Context, conn *rpc.Conn, cfg config.BackendConfig, remoteID, text string) error {
	done := b.beginTurn()
	params := map[string]any{
		"threadId": remoteID,
		"input":    []map[string]any{{"type": "text", "text": text}},
	}
	if _, err := conn.Request(ctx, "turn/start", params, cfg.RequestTimeout()); err != nil {
		return fmt.Errorf("turn/start: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(cfg.TurnTimeout()):
		b.tr.FinishTurn("", "timeout")
		return &Error{Kind: KindTimeout, Err: fmt.Errorf("turn exceeded %s: %w", cfg.TurnTimeout(), rpc.ErrTimeout)}
	}
}

func (b *codexBackend) beginTurn() chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turnDone = make(chan struct{})
	return b.turnDone
}

func (b *codexBackend) signalTurnDone() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.turnDone != nil {
		close(b.turnDone)
		b.turnDone = nil
	}
}

func (b *codexBackend) Cancel(ctx context.Context, conn *rpc.Conn, remoteID string) error {
	_, err := conn.Request(ctx, "turn/interrupt", map[string]any{"threadId": remoteID}, rpc.DefaultRequestTimeout)
	return err
}

func (b *codexBackend) PostActivate(ctx context.Context, conn *rpc.Conn, cfg config.BackendConfig, remoteID string) error {
	// Model selection rides on thread/start; nothing further to apply.
	return nil
}

type codexApprovalParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Command  string `json:"command"`
	Cwd      string `json:"cwd"`
	Reason   string `json:"reason"`
	Changes  []struct {
		Path string `json:"path"`
		Kind string `json:"kind"`
	} `json:"changes"`
}

func (b *codexBackend) handleCommandApproval(conn *rpc.Conn, id, params json.RawMessage) {
	var req codexApprovalParams
	if err := json.Unmarshal(params, &req); err != nil {
		b.logger.Warn("malformed command approval request", "error", err)
		_ = conn.RespondError(id, rpc.CodeInternalError, "malformed approval request")
		return
	}

	detail := req.Command
	risk := security.AnalyzeCommand(req.Command)
	if risk.RequireApproval {
		detail += " (" + risk.Reason + ")"
	}
	outcome := b.hooks.Permission(permission.Request{
		ID:          requestIDString(id),
		Fingerprint: permission.CommandFingerprint(req.Command, req.Cwd),
		Kind:        "execute",
		Detail:      detail,
		Risky:       risk.RequireApproval,
	})
	_ = conn.Respond(id, map[string]any{"decision": codexDecision(outcome)})
}

func (b *codexBackend) handleFileChangeApproval(conn *rpc.Conn, id, params json.RawMessage) {
	var req codexApprovalParams
	if err := json.Unmarshal(params, &req); err != nil {
		b.logger.Warn("malformed file change approval request", "error", err)
		_ = conn.RespondError(id, rpc.CodeInternalError, "malformed approval request")
		return
	}

	paths := make([]string, 0, len(req.Changes))
	display := make([]string, 0, len(req.Changes))
	for _, ch := range req.Changes {
		paths = append(paths, ch.Path)
		display = append(display, displayPath(b.hooks.Workspace, ch.Path))
	}
	outcome := b.hooks.Permission(permission.Request{
		ID:          requestIDString(id),
		Fingerprint: permission.PatchFingerprint(paths),
		Kind:        "edit",
		Detail:      "edit " + strings.Join(display, ", "),
		Risky:       true,
	})
	_ = conn.Respond(id, map[string]any{"decision": codexDecision(outcome)})
}

// codexDecision maps the broker outcome to the app-server decision
// vocabulary.
func codexDecision(outcome permission.Outcome) string {
	switch outcome.Decision {
	case permission.DecisionAllowAlways:
		return "approved_for_session"
	case permission.DecisionAllowOnce:
		return "approved"
	case permission.DecisionRejectAlways:
		return "abort"
	default:
		return "denied"
	}
}
