// Package approval implements the human-in-the-loop gate for flagged tool
// calls. A flagged invocation blocks until a client decides, or until the
// request expires (treated as deny). Decisions are delivered exactly once
// per request id.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/famulus-dev/famulus/internal/bus"
	"github.com/famulus-dev/famulus/pkg/protocol"
)

// Reason classifies why a tool call needs approval.
type Reason string

const (
	ReasonDestructive Reason = "destructive"
	ReasonIntrusive   Reason = "intrusive"
)

// Decision is the lifecycle state of an approval request.
type Decision string

const (
	DecisionPending     Decision = "pending"
	DecisionAllowOnce   Decision = "allow-once"
	DecisionAllowAlways Decision = "allow-always"
	DecisionDeny        Decision = "deny"
	DecisionExpired     Decision = "expired"
)

// Allowed reports whether the decision permits the tool call.
func (d Decision) Allowed() bool {
	return d == DecisionAllowOnce || d == DecisionAllowAlways
}

var (
	// ErrUnknownApproval is returned for a decision on an id that is not
	// pending (already resolved, expired, or never existed).
	ErrUnknownApproval = errors.New("approval: no pending request with that id")
	// ErrInvalidDecision rejects client decisions outside the allowed set.
	ErrInvalidDecision = errors.New("approval: invalid decision")
)

// Request describes one gated tool call.
type Request struct {
	ID          string
	SessionID   string
	ToolName    string
	Description string
	Reason      Reason
	Args        map[string]interface{}
	TTL         time.Duration
	ExpiresAtMs int64
	Decision    Decision
}

type pendingReq struct {
	req      Request
	timer    *time.Timer
	decision chan Decision
}

// Manager holds pending approvals and session-scoped allow-always grants.
type Manager struct {
	mu         sync.Mutex
	pending    map[string]*pendingReq
	remembered map[string]map[string]bool // session -> tool -> allowed
	pub        bus.Publisher
	logger     *slog.Logger
	defaultTTL time.Duration
}

func NewManager(pub bus.Publisher, defaultTTL time.Duration, logger *slog.Logger) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pending:    make(map[string]*pendingReq),
		remembered: make(map[string]map[string]bool),
		pub:        pub,
		logger:     logger,
		defaultTTL: defaultTTL,
	}
}

// RequestApproval blocks until the request is decided or expires. It
// returns true only for allow-once/allow-always. A session that previously
// answered allow-always for the same tool skips the gate entirely.
func (m *Manager) RequestApproval(ctx context.Context, req Request) (bool, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	m.mu.Lock()
	if req.SessionID != "" && m.remembered[req.SessionID][req.ToolName] {
		m.mu.Unlock()
		return true, nil
	}

	req.Decision = DecisionPending
	req.ExpiresAtMs = time.Now().Add(ttl).UnixMilli()
	p := &pendingReq{req: req, decision: make(chan Decision, 1)}
	m.pending[req.ID] = p
	id := req.ID
	p.timer = time.AfterFunc(ttl, func() { m.expire(id) })
	m.mu.Unlock()

	m.logger.Info("approval.requested",
		"id", req.ID, "tool", req.ToolName, "reason", string(req.Reason))
	m.pub.Broadcast(protocol.New(protocol.TypeApprovalRequest, protocol.ApprovalRequestPayload{
		ApprovalID:  req.ID,
		ToolName:    req.ToolName,
		Description: req.Description,
		Reason:      string(req.Reason),
		Args:        req.Args,
		ExpiresAtMs: req.ExpiresAtMs,
	}))

	select {
	case d := <-p.decision:
		return d.Allowed(), nil
	case <-ctx.Done():
		// The turn is aborting; settle the request as a deny so clients
		// see a terminal decision.
		m.finish(req.ID, DecisionDeny)
		return false, ctx.Err()
	}
}

// Resolve applies a client decision to a pending request.
func (m *Manager) Resolve(id string, d Decision) error {
	if !d.Allowed() && d != DecisionDeny {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, d)
	}
	if !m.finish(id, d) {
		return ErrUnknownApproval
	}
	return nil
}

func (m *Manager) expire(id string) {
	if m.finish(id, DecisionExpired) {
		m.logger.Warn("approval.expired", "id", id)
	}
}

// finish removes the pending entry, records allow-always grants, emits the
// resolved frame, and signals the blocked caller. Returns false when the id
// was already settled, which is what makes delivery exactly-once.
func (m *Manager) finish(id string, d Decision) bool {
	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pending, id)
	p.timer.Stop()
	p.req.Decision = d
	if d == DecisionAllowAlways && p.req.SessionID != "" {
		if m.remembered[p.req.SessionID] == nil {
			m.remembered[p.req.SessionID] = make(map[string]bool)
		}
		m.remembered[p.req.SessionID][p.req.ToolName] = true
	}
	m.mu.Unlock()

	m.pub.Broadcast(protocol.New(protocol.TypeApprovalResolved, protocol.ApprovalResolvedPayload{
		ApprovalID: id,
		Decision:   string(d),
	}))
	p.decision <- d
	return true
}

// HasPending reports whether any approval is awaiting a decision. This
// drives the BLOCKED_WAITING_USER state.
func (m *Manager) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) > 0
}

// ListPending snapshots the outstanding requests, oldest expiry first.
func (m *Manager) ListPending() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAtMs < out[j].ExpiresAtMs })
	return out
}

// ReleaseSession denies every pending approval belonging to the session and
// forgets its allow-always grants. Called on client disconnect.
func (m *Manager) ReleaseSession(sessionID string) {
	m.mu.Lock()
	var ids []string
	for id, p := range m.pending {
		if p.req.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	delete(m.remembered, sessionID)
	m.mu.Unlock()

	for _, id := range ids {
		m.finish(id, DecisionDeny)
	}
}
