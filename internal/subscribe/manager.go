// Package subscribe implements the change-notification layer: per-client
// subscriptions over node, child, subtree and working-copy scopes.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable
// state (the subscription map). Public methods communicate with this loop
// through channels, so no mutexes are required.
package subscribe

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/starford/eihwaz/internal/models"
)

// DefaultMaxIdle is how long an inactive subscription survives before the
// sweep removes it.
const DefaultMaxIdle = 5 * time.Minute

const eventBuffer = 64

// SubscribeRequest describes the scope of a new subscription. Initial, when
// non-nil, is delivered synchronously as the first event before any live
// updates (the includeInitialValue contract).
type SubscribeRequest struct {
	Type     models.SubscriptionType
	NodeID   string
	MaxDepth int
	Initial  *models.ChangeEvent
}

// Handle is returned at subscribe time. Unsubscribe marks the subscription
// inactive (idempotent, cleanup deferred to the sweep); Close tears it down
// immediately.
type Handle struct {
	ID     string
	Events <-chan models.ChangeEvent
	mgr    *Manager
}

// Unsubscribe marks the subscription inactive. The push channel stays open
// until the idle sweep collects it.
func (h *Handle) Unsubscribe() { h.mgr.Unsubscribe(h.ID) }

// Close tears the subscription down immediately.
func (h *Handle) Close() { h.mgr.CloseSubscription(h.ID) }

type subscription struct {
	info  models.SubscriptionInfo
	depth int
	ch    chan models.ChangeEvent
	swept bool
}

type subscribeReq struct {
	req   SubscribeRequest
	reply chan *Handle
}

type infoReq struct {
	reply chan []models.SubscriptionInfo
}

// Manager tracks subscriptions and fans change events out to them.
type Manager struct {
	maxIdle    time.Duration
	sweepEvery time.Duration

	subscribeCh   chan subscribeReq
	unsubscribeCh chan string
	closeSubCh    chan string
	publishCh     chan models.ChangeEvent
	countReqCh    chan chan int
	infoReqCh     chan infoReq
	cleanupCh     chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
	counter atomic.Uint64

	now func() time.Time
}

// Option adjusts a Manager at construction time.
type Option func(*Manager)

// WithClock overrides the time source used for idle tracking and id
// generation. Must be set before the event loop starts, hence an option.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a subscription manager and starts its event loop.
func NewManager(maxIdle time.Duration, opts ...Option) *Manager {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	m := &Manager{
		maxIdle:       maxIdle,
		sweepEvery:    maxIdle / 2,
		subscribeCh:   make(chan subscribeReq),
		unsubscribeCh: make(chan string),
		closeSubCh:    make(chan string),
		publishCh:     make(chan models.ChangeEvent, 256),
		countReqCh:    make(chan chan int),
		infoReqCh:     make(chan infoReq),
		cleanupCh:     make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.run()
	return m
}

// generateID returns a session-unique subscription id. The counter half
// keeps ids collision-free even when the wall clock has coarse granularity.
func (m *Manager) generateID() string {
	return fmt.Sprintf("sub-%d-%d", m.counter.Add(1), m.now().UnixNano())
}

func (m *Manager) run() {
	defer close(m.stopped)

	subs := make(map[string]*subscription)
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			for _, s := range subs {
				if !s.swept {
					s.swept = true
					close(s.ch)
				}
			}
			return

		case req := <-m.subscribeCh:
			h := m.addSubscription(subs, req.req)
			req.reply <- h

		case id := <-m.unsubscribeCh:
			if s, ok := subs[id]; ok {
				s.info.IsActive = false
				s.info.LastActivity = m.now()
			}

		case id := <-m.closeSubCh:
			if s, ok := subs[id]; ok {
				if !s.swept {
					s.swept = true
					close(s.ch)
				}
				delete(subs, id)
			}

		case ev := <-m.publishCh:
			m.broadcast(subs, ev)

		case <-ticker.C:
			m.sweep(subs)

		case reply := <-m.cleanupCh:
			reply <- m.sweep(subs)

		case reply := <-m.countReqCh:
			n := 0
			for _, s := range subs {
				if s.info.IsActive {
					n++
				}
			}
			reply <- n

		case req := <-m.infoReqCh:
			out := make([]models.SubscriptionInfo, 0, len(subs))
			for _, s := range subs {
				out = append(out, s.info)
			}
			req.reply <- out
		}
	}
}

func (m *Manager) addSubscription(subs map[string]*subscription, req SubscribeRequest) *Handle {
	now := m.now()
	s := &subscription{
		info: models.SubscriptionInfo{
			ID:           m.generateID(),
			Type:         req.Type,
			NodeID:       req.NodeID,
			MaxDepth:     req.MaxDepth,
			IsActive:     true,
			CreatedAt:    now,
			LastActivity: now,
		},
		depth: req.MaxDepth,
		ch:    make(chan models.ChangeEvent, eventBuffer),
	}
	// Initial snapshot goes into the buffer before the subscription is
	// visible to broadcast, so it is always the first event delivered.
	if req.Initial != nil {
		s.ch <- *req.Initial
	}
	subs[s.info.ID] = s
	return &Handle{ID: s.info.ID, Events: s.ch, mgr: m}
}

func (m *Manager) broadcast(subs map[string]*subscription, ev models.ChangeEvent) {
	for _, s := range subs {
		if !s.info.IsActive || !matches(s, ev) {
			continue
		}
		select {
		case s.ch <- ev:
			s.info.LastActivity = m.now()
		default:
			// Subscriber buffer full; skip to avoid blocking the loop.
		}
		// A disposal is terminal for single-node subscriptions: nothing
		// further is delivered for that id.
		if ev.Type == models.EventNodeDisposed &&
			s.info.Type == models.SubscribeNode && s.info.NodeID == ev.NodeID {
			s.info.IsActive = false
		}
	}
}

// sweep removes subscriptions that are inactive and idle beyond the max
// idle window. It is the only place (besides shutdown) that closes push
// channels; the swept flag makes a double close a no-op.
func (m *Manager) sweep(subs map[string]*subscription) int {
	cutoff := m.now().Add(-m.maxIdle)
	removed := 0
	for id, s := range subs {
		if s.info.IsActive || s.info.LastActivity.After(cutoff) {
			continue
		}
		if !s.swept {
			s.swept = true
			close(s.ch)
		}
		delete(subs, id)
		removed++
	}
	return removed
}

func isWorkingCopyEvent(ev models.ChangeEvent) bool {
	switch ev.Type {
	case models.EventWorkingCopyCreated, models.EventWorkingCopyUpdated,
		models.EventWorkingCopyCommitted, models.EventWorkingCopyDiscarded:
		return true
	}
	return false
}

// chainContains reports whether nodeID appears in a root-first ancestor
// chain within maxDepth levels of the chain's node. Depth 1 is a direct
// child; maxDepth <= 0 means unbounded.
func chainContains(chain []string, nodeID string, maxDepth int) bool {
	for i, anc := range chain {
		if anc != nodeID {
			continue
		}
		depth := len(chain) - i
		return maxDepth <= 0 || depth <= maxDepth
	}
	return false
}

func matches(s *subscription, ev models.ChangeEvent) bool {
	switch s.info.Type {
	case models.SubscribeNode:
		return !isWorkingCopyEvent(ev) && ev.NodeID == s.info.NodeID

	case models.SubscribeChildNodes:
		if isWorkingCopyEvent(ev) {
			return false
		}
		return ev.ParentID == s.info.NodeID || ev.PrevParentID == s.info.NodeID

	case models.SubscribeSubtree:
		if isWorkingCopyEvent(ev) {
			return false
		}
		if ev.NodeID == s.info.NodeID {
			return true
		}
		// The previous chain covers reparenting events: a subscriber
		// watching the old location still sees the node leave.
		return chainContains(ev.AncestorIDs, s.info.NodeID, s.depth) ||
			chainContains(ev.PrevAncestorIDs, s.info.NodeID, s.depth)

	case models.SubscribeWorkingCopies:
		if !isWorkingCopyEvent(ev) {
			return false
		}
		return s.info.NodeID == "" || ev.NodeID == s.info.NodeID
	}
	return false
}

// Subscribe registers a new subscription and returns its handle.
func (m *Manager) Subscribe(req SubscribeRequest) (*Handle, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("subscribe: unknown subscription type %q", req.Type)
	}
	if m.closed.Load() {
		return nil, fmt.Errorf("subscribe: manager is closed")
	}
	reply := make(chan *Handle, 1)
	select {
	case m.subscribeCh <- subscribeReq{req: req, reply: reply}:
	case <-m.stopped:
		return nil, fmt.Errorf("subscribe: manager is closed")
	}
	return <-reply, nil
}

// Unsubscribe marks a subscription inactive. Unknown ids and repeated calls
// are no-ops.
func (m *Manager) Unsubscribe(id string) {
	if m.closed.Load() {
		return
	}
	select {
	case m.unsubscribeCh <- id:
	case <-m.stopped:
	}
}

// CloseSubscription tears a subscription down immediately.
func (m *Manager) CloseSubscription(id string) {
	if m.closed.Load() {
		return
	}
	select {
	case m.closeSubCh <- id:
	case <-m.stopped:
	}
}

// Publish fans a change event out to all matching subscriptions. Events for
// one subscription are delivered in publish order; nothing is guaranteed
// across distinct subscriptions.
func (m *Manager) Publish(ev models.ChangeEvent) {
	if m.closed.Load() {
		return
	}
	select {
	case m.publishCh <- ev:
	case <-m.stopped:
	}
}

// ActiveCount returns the number of active subscriptions.
func (m *Manager) ActiveCount() int {
	if m.closed.Load() {
		return 0
	}
	reply := make(chan int, 1)
	select {
	case m.countReqCh <- reply:
	case <-m.stopped:
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-m.stopped:
		return 0
	}
}

// Infos returns a snapshot of all subscription records, swept or not yet
// swept.
func (m *Manager) Infos() []models.SubscriptionInfo {
	if m.closed.Load() {
		return nil
	}
	reply := make(chan []models.SubscriptionInfo, 1)
	select {
	case m.infoReqCh <- infoReq{reply: reply}:
	case <-m.stopped:
		return nil
	}
	select {
	case infos := <-reply:
		return infos
	case <-m.stopped:
		return nil
	}
}

// CleanupOrphaned sweeps inactive subscriptions past the idle window and
// returns how many were removed.
func (m *Manager) CleanupOrphaned() int {
	if m.closed.Load() {
		return 0
	}
	reply := make(chan int, 1)
	select {
	case m.cleanupCh <- reply:
	case <-m.stopped:
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-m.stopped:
		return 0
	}
}

// Close stops the event loop and closes every remaining push channel.
func (m *Manager) Close() {
	if m.closed.CompareAndSwap(false, true) {
		close(m.stopCh)
	}
	<-m.stopped
}
