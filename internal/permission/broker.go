package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrReplaced 旧请求被同 ID 新请求顶替 / ErrReplaced marks a parked
	// request superseded by a newer one with the same request id.
	ErrReplaced = errors.New("permission request replaced")

	// ErrNoPending is returned by Resolve when the request id is unknown
	// (already resolved, timed out, or never parked).
	ErrNoPending = errors.New("no pending permission request")
)

// DefaultDecisionTimeout 无人响应时合成拒绝的等待上限 / DefaultDecisionTimeout
// bounds how long a parked request waits for a human before the broker
// synthesizes a denial, so a silent UI cannot block the agent forever.
const DefaultDecisionTimeout = 70 * time.Second

// Request 是代理发来的权限请求 / Request is one inbound permission request
// from the agent subprocess.
type Request struct {
	// ID correlates the request with the collaborator's eventual decision.
	ID string
	// Fingerprint keys the session decision cache. Empty disables caching.
	Fingerprint string
	// Kind and Detail describe the action for the human ("exec", "patch").
	Kind   string
	Detail string
	// Risky marks actions flagged by command analysis; the "untrusted"
	// approval policy only asks for these.
	Risky bool
}

// Outcome 是权限请求的最终结果 / Outcome is how a parked request ended.
type Outcome struct {
	Decision Decision
	// Cached is true when the store short-circuited the request.
	Cached bool
	// TimedOut is true when the denial was synthesized by the timer.
	TimedOut bool
}

type pendingPermission struct {
	id          string
	fingerprint string
	ch          chan outcomeOrError
	timer       *time.Timer
	done        bool
}

type outcomeOrError struct {
	outcome Outcome
	err     error
}

// Broker 拦截权限请求并挂起等待决策 / Broker intercepts permission requests,
// consults the session Store, and parks cache misses until the collaborator
// resolves them or the timeout fires. Each parked request completes exactly
// once: explicit decision, replacement, cancellation, or timeout.
type Broker struct {
	store   *Store
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingPermission
}

// NewBroker creates a broker over store. A non-positive timeout selects
// DefaultDecisionTimeout.
func NewBroker(store *Store, timeout time.Duration, logger *slog.Logger) *Broker {
	if timeout <= 0 {
		timeout = DefaultDecisionTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		store:   store,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]*pendingPermission),
	}
}

// HandleIncoming 处理一个到来的权限请求 / HandleIncoming returns the
// decision for req: from the cache when the fingerprint matches a
// for-session decision, otherwise after parking until Resolve, timeout, or
// ctx cancellation. The caller forwards the decision to the child process.
func (b *Broker) HandleIncoming(ctx context.Context, req Request) (Outcome, error) {
	if req.Fingerprint != "" {
		if b.store.IsApprovedForSession(req.Fingerprint) {
			return Outcome{Decision: DecisionAllowAlways, Cached: true}, nil
		}
		if b.store.IsRejectedForSession(req.Fingerprint) {
			return Outcome{Decision: DecisionRejectAlways, Cached: true}, nil
		}
	}

	p := &pendingPermission{
		id:          req.ID,
		fingerprint: req.Fingerprint,
		ch:          make(chan outcomeOrError, 1),
	}

	b.mu.Lock()
	if prior, exists := b.pending[req.ID]; exists {
		// A duplicate id supersedes the earlier request rather than
		// leaving it dangling.
		b.completeLocked(prior, outcomeOrError{err: fmt.Errorf("%w: id %s", ErrReplaced, req.ID)})
	}
	b.pending[req.ID] = p
	p.timer = time.AfterFunc(b.timeout, func() { b.timeoutPending(p) })
	b.mu.Unlock()

	select {
	case res := <-p.ch:
		return res.outcome, res.err
	case <-ctx.Done():
		b.mu.Lock()
		b.completeLocked(p, outcomeOrError{err: ctx.Err()})
		b.mu.Unlock()
		// completeLocked is a no-op if another source already won; drain
		// the buffered result in that case.
		res := <-p.ch
		return res.outcome, res.err
	}
}

// Resolve 由外部协作者提交人工决策 / Resolve supplies the human decision for
// a parked request. For-session decisions are written into the Store before
// the waiting caller resumes.
func (b *Broker) Resolve(requestID string, decision Decision) error {
	b.mu.Lock()
	p, exists := b.pending[requestID]
	if !exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoPending, requestID)
	}
	if decision.ForSession() && p.fingerprint != "" {
		b.store.Put(p.fingerprint, decision)
	}
	b.completeLocked(p, outcomeOrError{outcome: Outcome{Decision: decision}})
	b.mu.Unlock()
	return nil
}

// CancelAll 会话终止时取消全部挂起请求 / CancelAll fails every parked
// request with err. Called on session stop.
func (b *Broker) CancelAll(err error) {
	b.mu.Lock()
	for _, p := range b.pending {
		b.completeLocked(p, outcomeOrError{err: err})
	}
	b.mu.Unlock()
}

// PendingCount returns the number of parked requests.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) timeoutPending(p *pendingPermission) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.done {
		return
	}
	b.logger.Warn("permission request timed out, denying", "id", p.id)
	b.completeLocked(p, outcomeOrError{outcome: Outcome{Decision: DecisionRejectOnce, TimedOut: true}})
}

// completeLocked resolves p exactly once and unparks it. Caller holds b.mu.
func (b *Broker) completeLocked(p *pendingPermission, res outcomeOrError) {
	if p.done {
		return
	}
	p.done = true
	if p.timer != nil {
		p.timer.Stop()
	}
	if current, ok := b.pending[p.id]; ok && current == p {
		delete(b.pending, p.id)
	}
	p.ch <- res
}
