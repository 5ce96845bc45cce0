package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"agentbridge/internal/transport"
)

var (
	// ErrTimeout 请求超时 / ErrTimeout marks a request that received no
	// reply within its deadline. The connection stays usable.
	ErrTimeout = errors.New("request timed out")

	// ErrConnClosed 连接已关闭 / ErrConnClosed marks requests failed because
	// the transport ended before a reply arrived.
	ErrConnClosed = errors.New("connection closed")
)

// NotificationHandler receives an unsolicited notification's params.
// Handlers run on the read goroutine and must not block.
type NotificationHandler func(params json.RawMessage)

// RequestHandler serves a request the agent sent to us. It runs on its own
// goroutine (it may park, e.g. awaiting a human decision) and must reply
// via conn.Respond or conn.RespondError using the given id.
type RequestHandler func(id json.RawMessage, params json.RawMessage)

// pendingRequest 在途请求 / pendingRequest is one in-flight request. It is
// resolved exactly once: by a matching response, its timeout, or connection
// teardown, whichever comes first.
type pendingRequest struct {
	id       int64
	issuedAt time.Time
	timer    *time.Timer
	ch       chan result
}

type result struct {
	payload json.RawMessage
	err     error
}

// Conn 在传输之上复用并发请求 / Conn multiplexes concurrent id-keyed
// requests over one Transport. Responses may arrive in any order; each is
// routed to its own caller. Unmatched responses are logged and dropped.
type Conn struct {
	t      transport.Transport
	logger *slog.Logger

	mu            sync.Mutex
	idCounter     int64
	pending       map[int64]*pendingRequest
	notifHandlers map[string]NotificationHandler
	reqHandlers   map[string]RequestHandler
	closed        bool
	closeErr      error
	onClose       func(err error)
}

// NewConn wires a Conn onto t. Register handlers before starting the
// transport so no early frame is missed.
func NewConn(t transport.Transport, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		t:             t,
		logger:        logger,
		pending:       make(map[int64]*pendingRequest),
		notifHandlers: make(map[string]NotificationHandler),
		reqHandlers:   make(map[string]RequestHandler),
	}
	t.OnFrame(c.handleFrame)
	t.OnExit(c.handleExit)
	return c
}

// OnNotification registers a handler for a notification method. Unhandled
// methods are ignored, not errors.
func (c *Conn) OnNotification(method string, handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifHandlers[method] = handler
}

// OnRequest registers a handler for an agent-to-client request method.
func (c *Conn) OnRequest(method string, handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqHandlers[method] = handler
}

// OnClose registers a callback invoked once after teardown, after every
// pending request has been failed.
func (c *Conn) OnClose(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// Request 发送请求并等待响应 / Request sends method with params and waits
// for the matching response, at most timeout (DefaultRequestTimeout when
// zero). A timeout fails only this request; the child keeps running since
// some agents stream unrelated events during slow calls.
func (c *Conn) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		paramsJSON = data
	}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = ErrConnClosed
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	c.idCounter++
	id := c.idCounter
	pr := &pendingRequest{
		id:       id,
		issuedAt: time.Now(),
		ch:       make(chan result, 1),
	}
	c.pending[id] = pr
	pr.timer = time.AfterFunc(timeout, func() {
		c.fail(id, fmt.Errorf("%s after %s: %w", method, timeout, ErrTimeout))
	})
	c.mu.Unlock()

	req := Request{JSONRPC: JSONRPCVersion, ID: &id, Method: method, Params: paramsJSON}
	data, err := json.Marshal(req)
	if err != nil {
		c.remove(id)
		return nil, fmt.Errorf("marshal request %s: %w", method, err)
	}
	if err := c.t.Send(data); err != nil {
		c.remove(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case res := <-pr.ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-ctx.Done():
		c.remove(id)
		return nil, ctx.Err()
	}
}

// Notify 发送通知，不期待响应 / Notify sends a fire-and-forget notification.
func (c *Conn) Notify(method string, params any) error {
	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params for %s: %w", method, err)
		}
		paramsJSON = data
	}
	req := Request{JSONRPC: JSONRPCVersion, Method: method, Params: paramsJSON}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal notification %s: %w", method, err)
	}
	return c.t.Send(data)
}

// Respond answers an agent-to-client request.
func (c *Conn) Respond(id json.RawMessage, resultValue any) error {
	var resultJSON json.RawMessage
	if resultValue != nil {
		data, err := json.Marshal(resultValue)
		if err != nil {
			return fmt.Errorf("marshal response result: %w", err)
		}
		resultJSON = data
	}
	resp := Response{JSONRPC: JSONRPCVersion, ID: id, Result: resultJSON}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return c.t.Send(data)
}

// RespondError answers an agent-to-client request with an error.
func (c *Conn) RespondError(id json.RawMessage, code int, message string) error {
	resp := Response{JSONRPC: JSONRPCVersion, ID: id, Error: &Error{Code: code, Message: message}}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal error response: %w", err)
	}
	return c.t.Send(data)
}

// PendingCount 返回在途请求数（供测试与状态展示）/ PendingCount returns the
// number of in-flight requests.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close tears down the transport; every pending request fails with
// ErrConnClosed.
func (c *Conn) Close() error {
	err := c.t.Close()
	c.handleExit(nil)
	return err
}

func (c *Conn) handleFrame(data []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		// A dying child can flush buffered output after teardown; nothing
		// downstream may observe it.
		return
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	switch {
	case f.Method != "" && len(f.ID) > 0:
		c.dispatchRequest(f)
	case f.Method != "":
		c.dispatchNotification(f)
	default:
		c.dispatchResponse(f)
	}
}

func (c *Conn) dispatchRequest(f frame) {
	c.mu.Lock()
	handler := c.reqHandlers[f.Method]
	c.mu.Unlock()
	if handler == nil {
		c.logger.Warn("no handler for agent request", "method", f.Method)
		_ = c.RespondError(f.ID, CodeMethodNotFound, "method not found: "+f.Method)
		return
	}
	// Request handlers may park (e.g. awaiting a human decision); run off
	// the read goroutine so events keep flowing meanwhile.
	go handler(f.ID, f.Params)
}

func (c *Conn) dispatchNotification(f frame) {
	c.mu.Lock()
	handler := c.notifHandlers[f.Method]
	c.mu.Unlock()
	if handler == nil {
		return
	}
	// Synchronous on the read goroutine: notification order is the event
	// order downstream consumers rely on.
	handler(f.Params)
}

func (c *Conn) dispatchResponse(f frame) {
	id, ok := parseNumericID(f.ID)
	if !ok {
		c.logger.Warn("dropping response with unparseable id", "id", string(f.ID))
		return
	}

	c.mu.Lock()
	pr, exists := c.pending[id]
	if exists {
		delete(c.pending, id)
		pr.timer.Stop()
	}
	c.mu.Unlock()

	if !exists {
		// Late reply for a timed-out or unknown request. Protocol
		// violation, not fatal.
		c.logger.Warn("dropping unmatched response", "id", id)
		return
	}

	if f.Error != nil {
		pr.ch <- result{err: f.Error}
		return
	}
	pr.ch <- result{payload: f.Result}
}

// fail resolves a pending request with err if it is still in flight.
func (c *Conn) fail(id int64, err error) {
	c.mu.Lock()
	pr, exists := c.pending[id]
	if exists {
		delete(c.pending, id)
		pr.timer.Stop()
	}
	c.mu.Unlock()
	if exists {
		pr.ch <- result{err: err}
	}
}

// remove drops a pending request without completing it (the caller has
// already returned).
func (c *Conn) remove(id int64) {
	c.mu.Lock()
	if pr, exists := c.pending[id]; exists {
		delete(c.pending, id)
		pr.timer.Stop()
	}
	c.mu.Unlock()
}

func (c *Conn) handleExit(exitErr error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cause := ErrConnClosed
	if exitErr != nil {
		cause = fmt.Errorf("%w: %s", ErrConnClosed, exitErr.Error())
	}
	c.closeErr = cause
	stale := make([]*pendingRequest, 0, len(c.pending))
	for id, pr := range c.pending {
		delete(c.pending, id)
		pr.timer.Stop()
		stale = append(stale, pr)
	}
	onClose := c.onClose
	c.mu.Unlock()

	for _, pr := range stale {
		pr.ch <- result{err: cause}
	}
	if onClose != nil {
		onClose(exitErr)
	}
}

// parseNumericID 解析响应 id / parseNumericID accepts a bare number or a
// numeric string, the two shapes agents echo back.
func parseNumericID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}
