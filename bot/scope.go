package bot

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Scope is an independent interaction context (one guild, or one DM
// channel). It owns a bounded FIFO lane of pending events, drained by at
// most one worker at a time, so commands within a scope never overlap.
type Scope struct {
	ID string

	// lane buffers events awaiting serialized execution
	lane chan *NormalizedEvent

	// draining is set while a worker owns the lane
	draining atomic.Bool

	// lastEventAt is the unix-milli timestamp of the most recent
	// submission or execution
	lastEventAt atomic.Int64

	createdAt time.Time
}

func newScope(id string, laneSize int) *Scope {
	if laneSize < 1 {
		laneSize = DefaultLaneSize
	}
	s := &Scope{
		ID:        id,
		lane:      make(chan *NormalizedEvent, laneSize),
		createdAt: time.Now().UTC(),
	}
	s.touch()
	return s
}

func (s *Scope) touch() {
	s.lastEventAt.Store(time.Now().UTC().UnixMilli())
}

// offer enqueues the event without blocking, reporting whether the lane
// had room.
func (s *Scope) offer(ev *NormalizedEvent) bool {
	select {
	case s.lane <- ev:
		s.touch()
		return true
	default:
		return false
	}
}

// LastEventAt returns the time of the most recent activity in this scope.
func (s *Scope) LastEventAt() time.Time {
	return time.UnixMilli(s.lastEventAt.Load()).UTC()
}

// Pending returns the number of events buffered in the lane.
func (s *Scope) Pending() int {
	return len(s.lane)
}

// Idle reports whether the scope has had no activity for at least the
// given threshold and has nothing queued or running.
func (s *Scope) Idle(threshold time.Duration) bool {
	if len(s.lane) > 0 || s.draining.Load() {
		return false
	}
	return time.Since(s.LastEventAt()) >= threshold
}

// ScopeStatus is a read-only snapshot of a scope, for the operator API.
type ScopeStatus struct {
	ID          string    `json:"id"`
	Pending     int       `json:"pending"`
	Draining    bool      `json:"draining"`
	CreatedAt   time.Time `json:"created_at"`
	LastEventAt time.Time `json:"last_event_at"`
}

// Status returns a read-only snapshot of the scope.
func (s *Scope) Status() ScopeStatus {
	return ScopeStatus{
		ID:          s.ID,
		Pending:     s.Pending(),
		Draining:    s.draining.Load(),
		CreatedAt:   s.createdAt,
		LastEventAt: s.LastEventAt(),
	}
}

// ScopeRegistry tracks live scopes. Creation is atomic: two concurrent
// first-events for the same unseen scope ID observe the same Scope
// instance. The registry is the only structure here mutated by multiple
// producers concurrently.
type ScopeRegistry struct {
	mu       sync.RWMutex
	scopes   map[string]*Scope
	laneSize int
	logger   *slog.Logger

	metricCreated atomic.Int64
	metricEvicted atomic.Int64
}

func NewScopeRegistry(laneSize int, log *slog.Logger) *ScopeRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &ScopeRegistry{
		scopes:   map[string]*Scope{},
		laneSize: laneSize,
		logger:   log.With(loggerNameKey, "scope_registry"),
	}
}

// GetOrCreate returns the scope for the given ID, creating it on first
// reference. The returned bool is true when the scope was created by this
// call.
func (r *ScopeRegistry) GetOrCreate(scopeID string) (*Scope, bool) {
	r.mu.RLock()
	scope, ok := r.scopes[scopeID]
	r.mu.RUnlock()
	if ok {
		return scope, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// another goroutine may have won the race between the read
	// and write locks
	if scope, ok = r.scopes[scopeID]; ok {
		return scope, false
	}
	scope = newScope(scopeID, r.laneSize)
	r.scopes[scopeID] = scope
	r.metricCreated.Add(1)
	r.logger.Info("created scope", "scope_id", scopeID)
	return scope, true
}

// Enqueue resolves the event's scope and offers the event to its lane in
// one step, holding the registry lock across both. The eviction sweep
// also runs under that lock, so a scope can never be evicted between
// resolution and the lane send: an enqueued event always lands on the
// registered instance. The returned bool is false when the lane is full.
func (r *ScopeRegistry) Enqueue(ev *NormalizedEvent) (*Scope, bool) {
	r.mu.RLock()
	if scope, ok := r.scopes[ev.ScopeID]; ok {
		accepted := scope.offer(ev)
		r.mu.RUnlock()
		return scope, accepted
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	scope, ok := r.scopes[ev.ScopeID]
	if !ok {
		scope = newScope(ev.ScopeID, r.laneSize)
		r.scopes[ev.ScopeID] = scope
		r.metricCreated.Add(1)
		r.logger.Info("created scope", "scope_id", ev.ScopeID)
	}
	return scope, scope.offer(ev)
}

// Get returns the scope for the given ID, or nil.
func (r *ScopeRegistry) Get(scopeID string) *Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scopes[scopeID]
}

// Remove tears down the scope for the given ID (explicit removal, e.g. the
// bot leaving a guild). Pending lane entries are abandoned.
func (r *ScopeRegistry) Remove(scopeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scopes[scopeID]; !ok {
		return false
	}
	delete(r.scopes, scopeID)
	r.logger.Info("removed scope", "scope_id", scopeID)
	return true
}

// EvictIdle removes scopes idle for at least the given threshold.
// A scope with a non-empty or draining lane is skipped; it becomes
// eligible again once the lane drains.
func (r *ScopeRegistry) EvictIdle(threshold time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, scope := range r.scopes {
		if !scope.Idle(threshold) {
			continue
		}
		delete(r.scopes, id)
		evicted = append(evicted, id)
		r.metricEvicted.Add(1)
	}
	if len(evicted) > 0 {
		r.logger.Info(
			"evicted idle scopes",
			"count", len(evicted),
			"threshold", threshold,
		)
	}
	return evicted
}

// Len returns the number of live scopes.
func (r *ScopeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scopes)
}

// Snapshot returns read-only statuses for all live scopes.
func (r *ScopeRegistry) Snapshot() []ScopeStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]ScopeStatus, 0, len(r.scopes))
	for _, scope := range r.scopes {
		statuses = append(statuses, scope.Status())
	}
	return statuses
}
