package permission

import (
	"strings"
	"sync"
)

// Decision 是对一次权限请求的人工决策 / Decision is the human (or cached)
// answer to one permission request. Only the "always" variants are written
// into the Store; "once" decisions are consumed and discarded.
type Decision string

const (
	DecisionAllowOnce    Decision = "allow_once"
	DecisionAllowAlways  Decision = "allow_always"
	DecisionRejectOnce   Decision = "reject_once"
	DecisionRejectAlways Decision = "reject_always"
)

// Allowed reports whether the decision permits the action.
func (d Decision) Allowed() bool {
	return d == DecisionAllowOnce || d == DecisionAllowAlways
}

// ForSession reports whether the decision should be cached for the session.
func (d Decision) ForSession() bool {
	return d == DecisionAllowAlways || d == DecisionRejectAlways
}

// ParseDecision 规范化决策字符串 / ParseDecision normalizes a decision
// string from the collaborator; ok is false for unknown values.
func ParseDecision(raw string) (Decision, bool) {
	switch Decision(strings.ToLower(strings.TrimSpace(raw))) {
	case DecisionAllowOnce:
		return DecisionAllowOnce, true
	case DecisionAllowAlways:
		return DecisionAllowAlways, true
	case DecisionRejectOnce:
		return DecisionRejectOnce, true
	case DecisionRejectAlways:
		return DecisionRejectAlways, true
	default:
		return "", false
	}
}

// Store 是会话级审批缓存 / Store caches for-session decisions keyed by
// action fingerprint. Pure in-memory, no expiry beyond Clear; entries never
// outlive the session that created them.
type Store struct {
	mu        sync.Mutex
	decisions map[string]Decision
}

func NewStore() *Store {
	return &Store{decisions: make(map[string]Decision)}
}

// Get returns the cached decision for fingerprint, if any.
func (s *Store) Get(fingerprint string) (Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[fingerprint]
	return d, ok
}

// Put caches a decision. "Once" decisions are ignored.
func (s *Store) Put(fingerprint string, decision Decision) {
	if fingerprint == "" || !decision.ForSession() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[fingerprint] = decision
}

func (s *Store) IsApprovedForSession(fingerprint string) bool {
	d, ok := s.Get(fingerprint)
	return ok && d == DecisionAllowAlways
}

func (s *Store) IsRejectedForSession(fingerprint string) bool {
	d, ok := s.Get(fingerprint)
	return ok && d == DecisionRejectAlways
}

// Clear drops every cached decision. Called unconditionally on session stop.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = make(map[string]Decision)
}

// Len 返回缓存条目数 / Len returns the number of cached decisions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.decisions)
}
