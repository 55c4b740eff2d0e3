// Package pool implements the admission-controlled, priority-ordered store of validated
// egress resources. Idle resources live in an arena keyed by identity; a separate ordering
// index is rebuilt when the arena changes, so no record is mutated while it is being sorted.
package pool

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"egress_nexus/internal/metrics"
	"egress_nexus/internal/shared/logger"
	"egress_nexus/proxypool/model"
)

// Config holds the admission thresholds and the optional size bound.
type Config struct {
	Policy  model.HealthPolicy
	MaxSize int // 0 = unbounded
}

type entry struct {
	res *model.Resource
	seq uint64 // tie-breaker inside a priority tier

	// pending holds a Put that arrived while the resource was checked out.
	pending *model.Resource
	// deferred holds Updates that arrived while the resource was checked out.
	deferred []func(*model.Resource)
}

// Pool is safe for concurrent use; every operation runs under one mutex.
type Pool struct {
	mu      sync.Mutex
	policy  model.HealthPolicy
	maxSize int

	arena map[string]*entry
	order []*entry
	dirty bool
	held  map[string]*entry
	seq   uint64

	rejected int
	evicted  int

	metrics *metrics.Metrics
}

// New creates an empty pool. m may be nil.
func New(cfg Config, m *metrics.Metrics) *Pool {
	return &Pool{
		policy:  cfg.Policy,
		maxSize: cfg.MaxSize,
		arena:   make(map[string]*entry),
		held:    make(map[string]*entry),
		metrics: m,
	}
}

// Policy returns the admission policy in force.
func (p *Pool) Policy() model.HealthPolicy { return p.policy }

// Put admits r or refreshes the record already stored under its identity.
// It returns false when r fails the health policy or the pool is full.
func (p *Pool) Put(r *model.Resource) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := logger.WithComponent("ProxyPool/Pool")

	if p.policy.Degraded(&r.Stats) {
		p.rejected++
		p.metrics.PoolRejected()
		l.Debug().Str("resource", r.ID()).
			Float64("error_rate", r.Stats.ErrorRate()).
			Dur("avg_latency", r.Stats.AverageLatency()).
			Msg("Resource rejected by health policy.")
		return false
	}

	id := r.ID()
	if e, ok := p.arena[id]; ok {
		if e.res != r {
			if e.res.Priority != r.Priority {
				p.dirty = true
			}
			refresh(e.res, r)
		}
		p.publish()
		return true
	}

	if e, ok := p.held[id]; ok {
		if e.res == r {
			// the holder handed it back through Put
			p.releaseLocked(e)
		} else {
			e.pending = r
		}
		p.publish()
		return true
	}

	if p.maxSize > 0 && len(p.arena)+len(p.held) >= p.maxSize {
		p.rejected++
		p.metrics.PoolRejected()
		l.Debug().Str("resource", id).Int("max_size", p.maxSize).Msg("Pool is full, resource rejected.")
		return false
	}

	p.seq++
	p.arena[id] = &entry{res: r, seq: p.seq}
	p.dirty = true
	p.publish()
	return true
}

// refresh copies the validation-owned fields of src into dst.
func refresh(dst, src *model.Resource) {
	dst.Stats = src.Stats
	dst.Working = src.Working
	dst.Priority = src.Priority
	dst.LastChecked = src.LastChecked
	if src.Anonymity != model.AnonymityUnknown {
		dst.Anonymity = src.Anonymity
	}
	if src.Geo != "" {
		dst.Geo = src.Geo
	}
}

// Acquire removes and returns the best eligible resource for c.
// Resources lacking c, not working, or failing the health policy are skipped and stay pooled.
func (p *Pool) Acquire(c model.Capability) (*model.Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rebuildLocked()
	for i, e := range p.order {
		if !p.eligible(e.res, c) {
			continue
		}
		p.order = slices.Delete(p.order, i, i+1)
		p.checkout(e)
		return e.res, nil
	}
	return nil, &model.NoResourceError{Capability: c, Source: "pool"}
}

// AcquireID checks out the resource with the given identity if it is idle and eligible for c.
func (p *Pool) AcquireID(id string, c model.Capability) (*model.Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.arena[id]
	if !ok || !p.eligible(e.res, c) {
		return nil, &model.NoResourceError{Capability: c, Source: "pool"}
	}
	p.dirty = true
	p.checkout(e)
	return e.res, nil
}

func (p *Pool) eligible(r *model.Resource, c model.Capability) bool {
	return r.Capabilities.Has(c) && r.Working && !p.policy.Degraded(&r.Stats)
}

func (p *Pool) checkout(e *entry) {
	id := e.res.ID()
	delete(p.arena, id)
	p.held[id] = e
	p.publish()
}

// Release returns a resource obtained from Acquire. It is not re-validated.
func (p *Pool) Release(r *model.Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.held[r.ID()]
	if !ok || e.res != r {
		l := logger.WithComponent("ProxyPool/Pool")
		l.Warn().Str("resource", r.ID()).Msg("Release of a resource that is not checked out, ignoring.")
		return
	}
	p.releaseLocked(e)
	p.publish()
}

func (p *Pool) releaseLocked(e *entry) {
	id := e.res.ID()
	delete(p.held, id)
	if e.pending != nil {
		// keep the holder's live stats, take everything else from the newer Put
		stats := e.res.Stats
		refresh(e.res, e.pending)
		e.res.Stats = stats
		e.pending = nil
	}
	for _, fn := range e.deferred {
		fn(e.res)
	}
	e.deferred = nil
	p.seq++
	e.seq = p.seq // back of its tier
	p.arena[id] = e
	p.dirty = true
}

// Cleanup evicts every idle resource that has enough history and is unhealthy or not
// working, then rebuilds the ordering index. It returns the number evicted.
func (p *Pool) Cleanup() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for id, e := range p.arena {
		if p.evictable(e.res) {
			delete(p.arena, id)
			evicted++
		}
	}
	p.dirty = true
	p.rebuildLocked()

	p.evicted += evicted
	p.metrics.PoolEvicted(evicted)
	p.publish()
	if evicted > 0 {
		l := logger.WithComponent("ProxyPool/Pool")
		l.Info().Int("evicted", evicted).Int("remaining", len(p.arena)).Msg("Pool cleanup finished.")
	}
	return evicted
}

func (p *Pool) evictable(r *model.Resource) bool {
	if r.Stats.Attempts < p.policy.MinAttempts {
		return false
	}
	return !r.Working || p.policy.Degraded(&r.Stats)
}

// Update applies fn to the stored record with identity id under the pool lock. For a
// checked-out record fn runs when the holder releases it. An idle record that fails the
// health policy afterwards is dropped. Update returns false when id is unknown or the
// record was dropped.
func (p *Pool) Update(id string, fn func(*model.Resource)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.held[id]; ok {
		e.deferred = append(e.deferred, fn)
		return true
	}
	e, ok := p.arena[id]
	if !ok {
		return false
	}
	priority := e.res.Priority
	fn(e.res)
	if p.policy.Degraded(&e.res.Stats) {
		delete(p.arena, id)
		p.evicted++
		p.metrics.PoolEvicted(1)
		p.dirty = true
		p.publish()
		return false
	}
	if e.res.Priority != priority {
		p.dirty = true
	}
	p.publish()
	return true
}

// Remove drops idle resources by identity and returns how many were removed.
func (p *Pool) Remove(ids ...string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for _, id := range ids {
		if _, ok := p.arena[id]; ok {
			delete(p.arena, id)
			removed++
		}
	}
	if removed > 0 {
		p.dirty = true
		p.publish()
	}
	return removed
}

// Contains reports whether id is pooled or checked out.
func (p *Pool) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, idle := p.arena[id]
	_, held := p.held[id]
	return idle || held
}

// Len returns the number of idle resources.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.arena)
}

// Resources returns clones of the idle resources in selection order.
func (p *Pool) Resources() []*model.Resource {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rebuildLocked()
	out := make([]*model.Resource, 0, len(p.order))
	for _, e := range p.order {
		out = append(out, e.res.Clone())
	}
	return out
}

func (p *Pool) rebuildLocked() {
	if !p.dirty {
		return
	}
	p.order = p.order[:0]
	for _, e := range p.arena {
		p.order = append(p.order, e)
	}
	slices.SortFunc(p.order, func(a, b *entry) int {
		if c := cmp.Compare(a.res.Priority, b.res.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	p.dirty = false
}

func (p *Pool) publish() {
	if p.metrics == nil {
		return
	}
	working := 0
	for _, e := range p.arena {
		if e.res.Working {
			working++
		}
	}
	p.metrics.SetPoolSizes(len(p.arena), working, len(p.held))
}

// Snapshot is an aggregate, read-only view of the idle resources.
// Checked-out resources are only counted in Held; their stats are owned by the holder.
type Snapshot struct {
	Total          int            `json:"total"`
	Working        int            `json:"working"`
	Held           int            `json:"held"`
	HealthRate     float64        `json:"health_rate"`
	AvgSuccessRate float64        `json:"avg_success_rate"`
	AvgLatency     time.Duration  `json:"avg_latency"`
	ByCapability   map[string]int `json:"by_capability"`
	ByPriority     map[int]int    `json:"by_priority"`
	ByGeo          map[string]int `json:"by_geo"`
	Rejected       int            `json:"rejected"`
	Evicted        int            `json:"evicted"`
}

// Stats computes a Snapshot. It does not mutate the pool.
func (p *Pool) Stats() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Snapshot{
		Total:        len(p.arena),
		Held:         len(p.held),
		ByCapability: make(map[string]int),
		ByPriority:   make(map[int]int),
		ByGeo:        make(map[string]int),
		Rejected:     p.rejected,
		Evicted:      p.evicted,
	}

	var rateSum float64
	var rated int
	var latencySum time.Duration
	var timed int
	for _, e := range p.arena {
		r := e.res
		if r.Working {
			s.Working++
		}
		for _, c := range r.Capabilities.List() {
			s.ByCapability[string(c)]++
		}
		s.ByPriority[r.Priority]++
		geo := r.Geo
		if geo == "" {
			geo = "unknown"
		}
		s.ByGeo[geo]++

		if r.Stats.Attempts > 0 {
			rateSum += r.Stats.SuccessRate()
			rated++
		}
		if r.Stats.Successes > 0 {
			latencySum += r.Stats.AverageLatency()
			timed++
		}
	}

	if s.Total > 0 {
		s.HealthRate = float64(s.Working) / float64(s.Total)
	}
	if rated > 0 {
		s.AvgSuccessRate = rateSum / float64(rated)
	}
	if timed > 0 {
		s.AvgLatency = latencySum / time.Duration(timed)
	}
	return s
}
