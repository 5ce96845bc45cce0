package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"agentbridge/internal/chat"
	"agentbridge/internal/config"
	"agentbridge/internal/permission"
	"agentbridge/internal/rpc"
	"agentbridge/internal/security"
	"agentbridge/internal/translate"
	"agentbridge/internal/transport"
)

// acpBackend speaks the ACP dialect (Claude-Code-style agents, Gemini's
// experimental ACP mode): initialize / authenticate / session/new /
// session/prompt outbound, session/update notifications and
// session/request_permission requests inbound.
type acpBackend struct {
	tr     *translate.ACP
	logger *slog.Logger
	hooks  Hooks

	authMethods []string
}

func newACPBackend(conversationID string, sink chat.Sink, logger *slog.Logger) *acpBackend {
	return &acpBackend{
		tr:     translate.NewACP(conversationID, sink, logger),
		logger: logger,
	}
}

func (b *acpBackend) Family() string { return "acp" }

func (b *acpBackend) Translator() TranslatorCore { return b.tr }

func (b *acpBackend) SpawnSpec(opts StartOptions, cfg config.BackendConfig) transport.Spec {
	command := cfg.Command
	if strings.TrimSpace(opts.CLIPath) != "" {
		command = opts.CLIPath
	}
	return transport.Spec{
		Command: command,
		Args:    append(append([]string(nil), cfg.Args...), opts.ExtraArgs...),
		Env:     append(append([]string(nil), cfg.Env...), opts.ExtraEnv...),
		Dir:     opts.WorkingDir,
	}
}

func (b *acpBackend) Register(conn *rpc.Conn, hooks Hooks) {
	b.hooks = hooks
	conn.OnNotification("session/update", b.tr.HandleSessionUpdate)
	conn.OnRequest("session/request_permission", func(id, params json.RawMessage) {
		b.handlePermissionRequest(conn, id, params)
	})
}

type acpInitializeResult struct {
	ProtocolVersion int `json:"protocolVersion"`
	AuthMethods     []struct {
		ID string `json:"id"`
	} `json:"authMethods"`
}

func (b *acpBackend) Initialize(ctx context.Context, conn *rpc.Conn, cfg config.BackendConfig) (bool, error) {
	params := map[string]any{
		"protocolVersion": 1,
		"clientCapabilities": map[string]any{
			// File-system and terminal delegation stay with the agent; the
			// bridge only transports.
			"fs": map[string]bool{"readTextFile": false, "writeTextFile": false},
		},
	}
	raw, err := conn.Request(ctx, "initialize", params, cfg.RequestTimeout())
	if err != nil {
		return false, fmt.Errorf("initialize: %w", err)
	}
	var result acpInitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return false, &Error{Kind: KindProtocolViolation, Err: fmt.Errorf("initialize result: %w", err)}
	}
	b.authMethods = b.authMethods[:0]
	for _, m := range result.AuthMethods {
		b.authMethods = append(b.authMethods, m.ID)
	}
	return len(b.authMethods) > 0, nil
}

func (b *acpBackend) Authenticate(ctx context.Context, conn *rpc.Conn, cfg config.BackendConfig) error {
	if len(b.authMethods) == 0 {
		return nil
	}
	methodID := b.authMethods[0]
	if _, err := conn.Request(ctx, "authenticate", map[string]any{"methodId": methodID}, cfg.RequestTimeout()); err != nil {
		return &Error{Kind: KindAuthenticationFailed, Err: fmt.Errorf("authenticate via %s: %w", methodID, err)}
	}
	return nil
}

func (b *acpBackend) CreateSession(ctx context.Context, conn *rpc.Conn, cfg config.BackendConfig, opts StartOptions) (string, error) {
	params := map[string]any{
		"cwd":        opts.WorkingDir,
		"mcpServers": []any{},
	}
	raw, err := conn.Request(ctx, "session/new", params, cfg.RequestTimeout())
	if err != nil {
		return "", fmt.Errorf("session/new: %w", err)
	}
	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.SessionID == "" {
		return "", &Error{Kind: KindProtocolViolation, Err: fmt.Errorf("session/new returned no session id")}
	}
	return result.SessionID, nil
}

// Prompt blocks until the agent finishes the turn; the session/prompt
// response carries the stop reason, at which point the translator closes
// the streamed turn.
func (b *acpBackend) Prompt(ctx context.Context, conn *rpc.Conn, cfg config.BackendConfig, remoteID, text string) error {
	params := map[string]any{
		"sessionId": remoteID,
		"prompt":    []map[string]any{{"type": "text", "text": text}},
	}
	raw, err := conn.Request(ctx, "session/prompt", params, cfg.TurnTimeout())
	if err != nil {
		return fmt.Errorf("session/prompt: %w", err)
	}
	var result struct {
		StopReason string `json:"stopReason"`
	}
	_ = json.Unmarshal(raw, &result)
	b.tr.FinishTurn("", result.StopReason)
	return nil
}

func (b *acpBackend) Cancel(ctx context.Context, conn *rpc.Conn, remoteID string) error {
	return conn.Notify("session/cancel", map[string]any{"sessionId": remoteID})
}

// PostActivate selects the configured mode and model. Best effort.
func (b *acpBackend) PostActivate(ctx context.Context, conn *rpc.Conn, cfg config.BackendConfig, remoteID string) error {
	if cfg.Mode != "" {
		if _, err := conn.Request(ctx, "session/set_mode", map[string]any{
			"sessionId": remoteID,
			"modeId":    cfg.Mode,
		}, cfg.RequestTimeout()); err != nil {
			return fmt.Errorf("session/set_mode %s: %w", cfg.Mode, err)
		}
	}
	if cfg.Model != "" {
		if _, err := conn.Request(ctx, "session/set_model", map[string]any{
			"sessionId": remoteID,
			"modelId":   cfg.Model,
		}, cfg.RequestTimeout()); err != nil {
			return fmt.Errorf("session/set_model %s: %w", cfg.Model, err)
		}
	}
	return nil
}

// acpPermissionParams is the session/request_permission payload.
type acpPermissionParams struct {
	SessionID string `json:"sessionId"`
	ToolCall  struct {
		ToolCallID string          `json:"toolCallId"`
		Title      string          `json:"title"`
		Kind       string          `json:"kind"`
		RawInput   json.RawMessage `json:"rawInput"`
		Locations  []struct {
			Path string `json:"path"`
		} `json:"locations"`
	} `json:"toolCall"`
	Options []struct {
		OptionID string `json:"optionId"`
		Name     string `json:"name"`
		Kind     string `json:"kind"`
	} `json:"options"`
}

func (b *acpBackend) handlePermissionRequest(conn *rpc.Conn, id, params json.RawMessage) {
	var req acpPermissionParams
	if err := json.Unmarshal(params, &req); err != nil {
		b.logger.Warn("malformed permission request", "error", err)
		_ = conn.RespondError(id, rpc.CodeInternalError, "malformed permission request")
		return
	}

	// The permission request may be the first sighting of this tool call;
	// materialize it so the completion event has something to match.
	if req.ToolCall.ToolCallID != "" {
		b.tr.ToolCallUpdate(translate.ToolCallUpdate{
			ID:       req.ToolCall.ToolCallID,
			Title:    req.ToolCall.Title,
			Kind:     req.ToolCall.Kind,
			Status:   chat.ToolPending,
			RawInput: string(req.ToolCall.RawInput),
		})
	}

	fingerprint, detail, risky := b.describeAction(req)
	outcome := b.hooks.Permission(permission.Request{
		ID:          requestIDString(id),
		Fingerprint: fingerprint,
		Kind:        req.ToolCall.Kind,
		Detail:      detail,
		Risky:       risky,
	})

	optionID, found := pickOption(req, outcome.Decision)
	if !found {
		// Cancelled session or no matching option: tell the agent the
		// request was not granted rather than leaving it unanswered.
		_ = conn.Respond(id, map[string]any{"outcome": map[string]any{"outcome": "cancelled"}})
		return
	}
	_ = conn.Respond(id, map[string]any{
		"outcome": map[string]any{"outcome": "selected", "optionId": optionID},
	})
}

// describeAction derives the approval fingerprint, a human-readable detail
// line, and the risk flag from the requested tool call. Edits and opaque
// tools are always flagged; commands only when the analyzer says so.
func (b *acpBackend) describeAction(req acpPermissionParams) (fingerprint, detail string, risky bool) {
	kind := req.ToolCall.Kind
	detail = req.ToolCall.Title

	switch kind {
	case "execute":
		var in struct {
			Command string `json:"command"`
			Cwd     string `json:"cwd"`
		}
		_ = json.Unmarshal(req.ToolCall.RawInput, &in)
		command := in.Command
		if command == "" {
			command = req.ToolCall.Title
		}
		fingerprint = permission.CommandFingerprint(command, in.Cwd)
		detail = command
		if risk := security.AnalyzeCommand(command); risk.RequireApproval {
			detail += " (" + risk.Reason + ")"
			risky = true
		}
	case "edit", "delete", "move":
		paths := make([]string, 0, len(req.ToolCall.Locations))
		display := make([]string, 0, len(req.ToolCall.Locations))
		for _, loc := range req.ToolCall.Locations {
			paths = append(paths, loc.Path)
			display = append(display, displayPath(b.hooks.Workspace, loc.Path))
		}
		// The fingerprint stays on the raw paths so cached decisions keyed
		// before the workspace was known still match.
		fingerprint = permission.PatchFingerprint(paths)
		if len(paths) > 0 {
			detail = kind + " " + strings.Join(display, ", ")
		}
		risky = true
	default:
		fingerprint = permission.ToolFingerprint(req.ToolCall.Title, map[string]string{
			"input": string(req.ToolCall.RawInput),
		})
		risky = true
	}
	return fingerprint, detail, risky
}

// pickOption maps the broker decision onto the option ids the agent
// offered. Falls back to any option on the same allow/reject side.
func pickOption(req acpPermissionParams, decision permission.Decision) (string, bool) {
	if decision == "" {
		return "", false
	}
	for _, opt := range req.Options {
		if opt.Kind == string(decision) {
			return opt.OptionID, true
		}
	}
	for _, opt := range req.Options {
		allowSide := strings.HasPrefix(opt.Kind, "allow")
		if allowSide == decision.Allowed() {
			return opt.OptionID, true
		}
	}
	return "", false
}

func requestIDString(id json.RawMessage) string {
	return strings.Trim(string(id), `"`)
}
