package session

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"agentbridge/internal/chat"
	"agentbridge/internal/config"
	"agentbridge/internal/permission"
	"agentbridge/internal/rpc"
	"agentbridge/internal/security"
	"agentbridge/internal/transport"
)

// createSessionAttempts bounds the session-creation retry loop.
const createSessionAttempts = 3

// defaultBackoffs are the sleeps before retry attempts 2 and 3. A third
// entry exists only so schedules and attempts can be tuned independently.
var defaultBackoffs = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// Controller 驱动一个代理子进程的完整生命周期 / Controller owns one agent
// subprocess end to end: spawn, handshake, session creation with retry,
// prompt forwarding, permission brokering, teardown. At most one live
// session at a time; a new start tears down the previous one.
type Controller struct {
	cfg    config.Config
	sink   chat.Sink
	logger *slog.Logger

	// Seams for tests: transport construction, retry backoff schedule and
	// the login warm-up runner are injectable.
	newTransport func(spec transport.Spec) transport.Transport
	backoffs     []time.Duration
	runLogin     func(ctx context.Context, command []string, dir string) error

	mu         sync.Mutex
	status     Status
	sess       *Session
	backend    Backend
	conn       *rpc.Conn
	bcfg       config.BackendConfig
	store      *permission.Store
	broker     *permission.Broker
	cancel     context.CancelFunc
	sessCtx    context.Context
	loginTried bool
	gen        int

	tokensIn     int
	tokensCached int
	tokensOut    int

	promptMu sync.Mutex
}

// NewController creates an idle controller.
func NewController(cfg config.Config, sink chat.Sink, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		status: StatusIdle,
		newTransport: func(spec transport.Spec) transport.Transport {
			return transport.NewProcess(spec, logger)
		},
		backoffs: defaultBackoffs,
		runLogin: runLoginCommand,
	}
}

// Status returns the current session state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Current returns the active session, or nil.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	cp := *c.sess
	return &cp
}

// Start 启动一个新会话 / Start spawns the backend subprocess, performs the
// handshake and creates the remote session. The whole sequence is bounded
// by the backend's connect timeout. Any prior session is stopped first.
func (c *Controller) Start(ctx context.Context, opts StartOptions) error {
	c.Stop()

	bcfg, err := c.cfg.Backend(opts.Backend)
	if err != nil {
		return wrapError(err)
	}

	conversationID := opts.ConversationID
	if conversationID == "" {
		conversationID = NewConversationID()
	}
	backend, err := newBackend(bcfg.Family, conversationID, c.sink, c.logger)
	if err != nil {
		return wrapError(err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.bcfg = bcfg
	c.backend = backend
	c.sess = &Session{
		ID:         conversationID,
		Backend:    opts.Backend,
		WorkingDir: opts.WorkingDir,
		UserID:     opts.UserID,
	}
	c.store = permission.NewStore()
	c.broker = permission.NewBroker(c.store, bcfg.PermissionTimeout(), c.logger)
	c.cancel = cancel
	c.sessCtx = sessCtx
	c.loginTried = false
	c.tokensIn, c.tokensCached, c.tokensOut = 0, 0, 0
	c.mu.Unlock()

	c.setStatus(StatusConnecting)

	trans := c.newTransport(backend.SpawnSpec(opts, bcfg))
	conn := rpc.NewConn(trans, c.logger)
	ws, wsErr := security.NewWorkspace(opts.WorkingDir)
	if wsErr != nil {
		c.logger.Warn("approval prompts will show raw paths", "error", wsErr)
		ws = nil
	}
	backend.Register(conn, Hooks{
		Permission: c.handlePermission,
		TokenCount: c.handleTokenCount,
		Workspace:  ws,
	})
	conn.OnClose(func(err error) { c.onConnClosed(gen, err) })

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	connectCtx, connectCancel := context.WithTimeout(ctx, bcfg.ConnectTimeout())
	defer connectCancel()

	if err := trans.Start(sessCtx); err != nil {
		return c.failStart(gen, fmt.Errorf("spawn %s: %w", bcfg.Command, err))
	}

	needsAuth, err := backend.Initialize(connectCtx, conn, bcfg)
	if err != nil {
		return c.failStart(gen, err)
	}
	c.setStatus(StatusConnected)

	if needsAuth {
		c.setStatus(StatusAuthenticating)
		if err := backend.Authenticate(connectCtx, conn, bcfg); err != nil {
			// A failed in-band auth is not final if a login command can
			// warm up credentials; session creation retries below will
			// trigger it on the first auth-shaped failure.
			if len(bcfg.LoginCommand) == 0 {
				return c.failStart(gen, err)
			}
			c.logger.Warn("in-band auth failed, deferring to login command", "error", err)
		}
	}
	c.setStatus(StatusAuthenticated)

	remoteID, err := c.createSessionWithRetry(connectCtx, opts)
	if err != nil {
		return c.failStart(gen, err)
	}

	c.mu.Lock()
	if c.sess != nil {
		c.sess.RemoteID = remoteID
	}
	c.mu.Unlock()

	if err := backend.PostActivate(connectCtx, conn, bcfg, remoteID); err != nil {
		c.logger.Warn("post-activation config failed", "error", err)
	}

	c.setStatus(StatusActive)
	return nil
}

// createSessionWithRetry retries transient failures with the backoff
// schedule. Auth-shaped failures trigger the login warm-up at most once
// per start; fatal classifications short-circuit immediately after that.
func (c *Controller) createSessionWithRetry(ctx context.Context, opts StartOptions) (string, error) {
	c.mu.Lock()
	backend, conn, bcfg := c.backend, c.conn, c.bcfg
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= createSessionAttempts; attempt++ {
		remoteID, err := backend.CreateSession(ctx, conn, bcfg, opts)
		if err == nil {
			return remoteID, nil
		}
		lastErr = err

		if isAuthShaped(err) {
			if c.tryLoginWarmup(ctx, bcfg, opts.WorkingDir) {
				// Warm-up succeeded; retry immediately, without
				// consuming a backoff slot.
				attempt--
				continue
			}
			return "", wrapError(err)
		}
		kind := Classify(err)
		if IsFatal(kind) {
			return "", wrapError(err)
		}
		if attempt == createSessionAttempts {
			break
		}

		delay := c.backoffs[min(attempt-1, len(c.backoffs)-1)]
		c.logger.Warn("session creation failed, retrying",
			"attempt", attempt, "backoff", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", wrapError(ctx.Err())
		}
	}
	return "", wrapError(fmt.Errorf("create session after %d attempts: %w", createSessionAttempts, lastErr))
}

// tryLoginWarmup runs the configured login command once per start.
// Reports whether a retry is worthwhile.
func (c *Controller) tryLoginWarmup(ctx context.Context, bcfg config.BackendConfig, dir string) bool {
	c.mu.Lock()
	tried := c.loginTried
	c.loginTried = true
	c.mu.Unlock()
	if tried || len(bcfg.LoginCommand) == 0 {
		return false
	}

	c.logger.Info("running login warm-up", "command", bcfg.LoginCommand[0])
	if err := c.runLogin(ctx, bcfg.LoginCommand, dir); err != nil {
		c.logger.Warn("login warm-up failed", "error", err)
		return false
	}
	return true
}

// SendPrompt 转发一轮用户输入 / SendPrompt forwards one user turn and blocks
// until the agent finishes it. Prompts are serialized; a second caller
// waits for the first turn to end.
func (c *Controller) SendPrompt(ctx context.Context, text string) error {
	c.promptMu.Lock()
	defer c.promptMu.Unlock()

	c.mu.Lock()
	if c.status != StatusActive || c.sess == nil {
		c.mu.Unlock()
		return wrapError(ErrNotActive)
	}
	backend, conn, bcfg, remoteID := c.backend, c.conn, c.bcfg, c.sess.RemoteID
	c.mu.Unlock()

	if err := backend.Prompt(ctx, conn, bcfg, remoteID, text); err != nil {
		werr := wrapError(err)
		backend.Translator().Error(string(werr.Kind), werr.Err.Error())
		if werr.Kind == KindProcessExited {
			c.setStatus(StatusError)
		}
		return werr
	}
	return nil
}

// CancelTurn asks the agent to interrupt the in-flight turn.
func (c *Controller) CancelTurn(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusActive || c.sess == nil {
		c.mu.Unlock()
		return wrapError(ErrNotActive)
	}
	backend, conn, remoteID := c.backend, c.conn, c.sess.RemoteID
	c.mu.Unlock()
	return backend.Cancel(ctx, conn, remoteID)
}

// ResolvePermission 提交人工审批决策 / ResolvePermission supplies the human
// decision for a parked permission request.
func (c *Controller) ResolvePermission(requestID, decision string) error {
	d, ok := permission.ParseDecision(decision)
	if !ok {
		return fmt.Errorf("unknown decision %q", decision)
	}
	c.mu.Lock()
	broker := c.broker
	c.mu.Unlock()
	if broker == nil {
		return ErrNotActive
	}
	return broker.Resolve(requestID, d)
}

// PendingPermissions returns the number of parked permission requests.
func (c *Controller) PendingPermissions() int {
	c.mu.Lock()
	broker := c.broker
	c.mu.Unlock()
	if broker == nil {
		return 0
	}
	return broker.PendingCount()
}

// Stop 幂等地终止当前会话 / Stop tears the session down: cancels parked
// permissions, closes the subprocess, clears the approval cache and resets
// the translator. Safe to call repeatedly and in any state.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.status == StatusIdle || c.status == StatusDisconnected {
		c.mu.Unlock()
		return
	}
	// Bump the generation so the conn-close callback from our own Close
	// does not report a crash.
	c.gen++
	conn := c.conn
	broker := c.broker
	store := c.store
	backend := c.backend
	cancel := c.cancel
	c.conn = nil
	c.sess = nil
	c.mu.Unlock()

	if broker != nil {
		broker.CancelAll(ErrSessionStopped)
	}
	if conn != nil {
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	if store != nil {
		store.Clear()
	}
	if backend != nil {
		backend.Translator().Reset()
	}
	c.setStatus(StatusDisconnected)
}

// failStart tears down a partially-started session and reports err.
func (c *Controller) failStart(gen int, err error) error {
	werr := wrapError(err)

	c.mu.Lock()
	stale := gen != c.gen
	conn := c.conn
	broker := c.broker
	backend := c.backend
	cancel := c.cancel
	if !stale {
		c.gen++
		c.conn = nil
		c.sess = nil
	}
	c.mu.Unlock()
	if stale {
		return werr
	}

	if broker != nil {
		broker.CancelAll(werr)
	}
	if conn != nil {
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	if backend != nil {
		backend.Translator().Error(string(werr.Kind), werr.Err.Error())
	}
	c.setStatus(StatusError)
	return werr
}

// onConnClosed handles an unsolicited subprocess exit. A deliberate Stop
// bumps the generation first, so only crashes reach the error path.
func (c *Controller) onConnClosed(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	broker := c.broker
	backend := c.backend
	c.sess = nil
	c.conn = nil
	c.mu.Unlock()

	cause := fmt.Errorf("agent process exited: %w", rpc.ErrConnClosed)
	if err != nil {
		cause = fmt.Errorf("agent process exited: %w", err)
	}
	if broker != nil {
		broker.CancelAll(cause)
	}
	if backend != nil {
		backend.Translator().Error(string(KindProcessExited), cause.Error())
	}
	c.logger.Error("agent process exited unexpectedly", "error", err)
	c.setStatus(StatusError)
}

// handlePermission is the backend hook: applies the approval policy,
// surfaces the request to the collaborator, parks on the broker, then
// upserts the request message with the final outcome. The surfaced
// messages are ephemeral.
func (c *Controller) handlePermission(req permission.Request) permission.Outcome {
	c.mu.Lock()
	broker := c.broker
	store := c.store
	policy := c.bcfg.ApprovalPolicy
	ctx := c.sessCtx
	convID := ""
	if c.sess != nil {
		convID = c.sess.ID
	}
	c.mu.Unlock()

	if broker == nil || ctx == nil {
		return permission.Outcome{Decision: permission.DecisionRejectOnce}
	}

	switch policy {
	case "never":
		return permission.Outcome{Decision: permission.DecisionAllowOnce}
	case "untrusted":
		if !req.Risky {
			return permission.Outcome{Decision: permission.DecisionAllowOnce}
		}
	}

	// Cache hits resolve silently; only genuine questions reach the user.
	cached := req.Fingerprint != "" &&
		(store.IsApprovedForSession(req.Fingerprint) || store.IsRejectedForSession(req.Fingerprint))
	if !cached {
		c.emitPermissionMessage(convID, req, "pending", "")
	}

	outcome, err := broker.HandleIncoming(ctx, req)
	if err != nil {
		c.logger.Warn("permission request not decided", "id", req.ID, "error", err)
		c.emitPermissionMessage(convID, req, "cancelled", "")
		return permission.Outcome{Decision: permission.DecisionRejectOnce}
	}
	if !cached {
		state := "resolved"
		if outcome.TimedOut {
			state = "timed-out"
		}
		c.emitPermissionMessage(convID, req, state, string(outcome.Decision))
	}
	return outcome
}

func (c *Controller) emitPermissionMessage(convID string, req permission.Request, state, decision string) {
	c.sink.Emit(chat.Message{
		Type:           chat.TypePermissionRequest,
		ConversationID: convID,
		MsgID:          "perm-" + req.ID,
		Ephemeral:      true,
		Data: map[string]any{
			"request_id": req.ID,
			"kind":       req.Kind,
			"detail":     req.Detail,
			"state":      state,
			"decision":   decision,
		},
	})
}

func (c *Controller) handleTokenCount(in, cached, out int) {
	c.mu.Lock()
	c.tokensIn, c.tokensCached, c.tokensOut = in, cached, out
	c.mu.Unlock()
	c.emitStatus()
}

// setStatus transitions the state machine and refreshes the status slot.
func (c *Controller) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()
	c.emitStatus()
}

// emitStatus publishes the single status-slot message. The fixed MsgID
// makes every update an upsert of one slot rather than a feed of lines.
func (c *Controller) emitStatus() {
	c.mu.Lock()
	status := c.status
	backendName := ""
	convID := ""
	if c.sess != nil {
		backendName = c.sess.Backend
		convID = c.sess.ID
	}
	in, cached, out := c.tokensIn, c.tokensCached, c.tokensOut
	c.mu.Unlock()

	c.sink.Emit(chat.Message{
		Type:           chat.TypeAgentStatus,
		ConversationID: convID,
		MsgID:          "status",
		Ephemeral:      true,
		Data: map[string]any{
			"status":        string(status),
			"backend":       backendName,
			"input_tokens":  in,
			"cached_tokens": cached,
			"output_tokens": out,
		},
	})
}

func runLoginCommand(ctx context.Context, command []string, dir string) error {
	if len(command) == 0 {
		return fmt.Errorf("no login command configured")
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("login command %s: %w: %s", command[0], err, string(out))
	}
	return nil
}
