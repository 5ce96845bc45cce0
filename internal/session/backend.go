package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"agentbridge/internal/chat"
	"agentbridge/internal/config"
	"agentbridge/internal/permission"
	"agentbridge/internal/rpc"
	"agentbridge/internal/security"
	"agentbridge/internal/transport"
)

// Status 会话状态机 / Status is the session state. Transitions are monotonic
// except error, which is reachable from any state and terminal until the
// next start().
type Status string

const (
	StatusIdle           Status = "idle"
	StatusConnecting     Status = "connecting"
	StatusConnected      Status = "connected"
	StatusAuthenticating Status = "authenticating"
	StatusAuthenticated  Status = "authenticated"
	StatusActive         Status = "active"
	StatusError          Status = "error"
	StatusDisconnected   Status = "disconnected"
)

// StartOptions 启动一个会话的参数 / StartOptions parameterizes start().
type StartOptions struct {
	Backend    string
	CLIPath    string
	WorkingDir string
	ExtraArgs  []string
	ExtraEnv   []string
	UserID     string

	// ConversationID reuses an existing conversation instead of minting a
	// new one; ResumeRemoteID asks the backend to resume that remote
	// session where the family supports it (Codex thread/resume).
	ConversationID string
	ResumeRemoteID string
}

// Session 一个活动会话 / Session is the logical work unit tied to one live
// subprocess connection. Exactly one per controller.
type Session struct {
	ID         string
	Backend    string
	RemoteID   string
	WorkingDir string
	UserID     string
}

// Hooks 后端回调控制器的入口 / Hooks is what a backend strategy may call
// back into the controller with.
type Hooks struct {
	// Permission routes an inbound permission request through the broker
	// and returns the final outcome. Blocks until decided.
	Permission func(req permission.Request) permission.Outcome

	// TokenCount receives usage updates for the status slot.
	TokenCount func(inputTokens, cachedTokens, outputTokens int)

	// Workspace, when set, renders approval-prompt paths relative to the
	// session's working directory and flags paths that escape it. Nil when
	// the working directory could not be anchored.
	Workspace *security.Workspace
}

// displayPath renders one file-change path for the approval prompt.
func displayPath(ws *security.Workspace, path string) string {
	if ws == nil {
		return path
	}
	display, outside := ws.Describe(path)
	if outside {
		return display + " [outside workspace]"
	}
	return display
}

// Backend 按代理家族特化的策略 / Backend is the strategy for one agent
// family. A fresh instance is constructed per start(); it owns the
// family-specific event translator. Method vocabularies are internal to
// each implementation.
type Backend interface {
	Family() string

	// SpawnSpec builds the child-process spec from the start options and
	// backend config.
	SpawnSpec(opts StartOptions, cfg config.BackendConfig) transport.Spec

	// Register wires notification and agent-request handlers onto conn.
	// Called once, before the transport starts.
	Register(conn *rpc.Conn, hooks Hooks)

	// Initialize performs the protocol handshake. needsAuth reports
	// whether the agent advertises authentication methods.
	Initialize(ctx context.Context, conn *rpc.Conn, cfg config.BackendConfig) (needsAuth bool, err error)

	// Authenticate is a no-op when the agent advertises no auth methods.
	Authenticate(ctx context.Context, conn *rpc.Conn, cfg config.BackendConfig) error

	// CreateSession creates the remote session object and returns its id.
	CreateSession(ctx context.Context, conn *rpc.Conn, cfg config.BackendConfig, opts StartOptions) (string, error)

	// Prompt forwards one user turn.
	Prompt(ctx context.Context, conn *rpc.Conn, cfg config.BackendConfig, remoteID, text string) error

	// Cancel asks the agent to interrupt the current turn.
	Cancel(ctx context.Context, conn *rpc.Conn, remoteID string) error

	// PostActivate applies optional post-activation configuration (model,
	// mode). Failures are logged by the caller, never fatal.
	PostActivate(ctx context.Context, conn *rpc.Conn, cfg config.BackendConfig, remoteID string) error

	// Translator exposes the shared translator core for reset and error
	// emission.
	Translator() TranslatorCore
}

// TranslatorCore is the subset of the translator the controller drives.
type TranslatorCore interface {
	Reset()
	FinishTurn(finalText, stopReason string)
	Error(kind, detail string)
}

// newBackend 按家族构造策略实例 / newBackend selects the strategy for a
// family. Adding a family is additive: implement Backend, extend this
// switch.
func newBackend(family, conversationID string, sink chat.Sink, logger *slog.Logger) (Backend, error) {
	switch family {
	case "acp":
		return newACPBackend(conversationID, sink, logger), nil
	case "codex":
		return newCodexBackend(conversationID, sink, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend family %q", family)
	}
}

// NewConversationID 生成会话级对话 ID / NewConversationID generates a new
// conversation id.
func NewConversationID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("conv_%d_%s", time.Now().UTC().Unix(), hex.EncodeToString(buf))
}
