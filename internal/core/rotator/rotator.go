// Package rotator hands out rotation endpoints (local source addresses or rotating
// gateways) and deactivates the ones that keep failing.
package rotator

import (
	"context"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"egress_nexus/internal/core/health"
	"egress_nexus/internal/metrics"
	"egress_nexus/internal/shared/logger"
	"egress_nexus/proxypool/model"
)

type Selection string

const (
	RoundRobin Selection = "round_robin"
	Weighted   Selection = "weighted"
)

type Config struct {
	MaxConcurrent         int
	Selection             Selection
	FailureCooldown       time.Duration
	DeactivateSuccessRate float64
	DeactivateMinFailures int
	MinActive             int
	ReactivateSuccessRate float64
	ReactivateMax         int
	HealthCheckInterval   time.Duration // 0 disables the loop
	ProbeTarget           string
	ProbeTimeout          time.Duration
	ProbeConcurrency      int
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:         4,
		Selection:             RoundRobin,
		FailureCooldown:       30 * time.Second,
		DeactivateSuccessRate: 0.1,
		DeactivateMinFailures: 5,
		MinActive:             2,
		ReactivateSuccessRate: 0.3,
		ReactivateMax:         2,
		HealthCheckInterval:   2 * time.Minute,
		ProbeTarget:           "1.1.1.1:443",
		ProbeTimeout:          5 * time.Second,
		ProbeConcurrency:      8,
	}
}

// ProbeFunc builds the health probe for one endpoint.
type ProbeFunc func(e *model.Endpoint) health.Probe

type Option func(*Rotator)

func WithClock(c clock.Clock) Option { return func(r *Rotator) { r.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Rotator) { r.metrics = m } }

func WithProbe(p ProbeFunc) Option { return func(r *Rotator) { r.probe = p } }

// Rotator is safe for concurrent use. Endpoints it returns stay owned by the rotator;
// callers read IP and Port and hand them back through ReportOutcome.
type Rotator struct {
	mu        sync.Mutex
	cfg       Config
	endpoints []*model.Endpoint
	byID      map[string]*model.Endpoint
	cursor    int

	clock   clock.Clock
	checker *health.Checker
	probe   ProbeFunc
	metrics *metrics.Metrics

	lifeMu  sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, endpoints []*model.Endpoint, opts ...Option) *Rotator {
	if cfg.Selection == "" {
		cfg.Selection = RoundRobin
	}
	r := &Rotator{
		cfg:   cfg,
		byID:  make(map[string]*model.Endpoint),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.probe == nil {
		r.probe = r.defaultProbe
	}
	r.checker = health.New(cfg.ProbeConcurrency, cfg.ProbeTimeout)
	for _, e := range endpoints {
		r.Add(e)
	}
	return r
}

// defaultProbe dials the gateway itself, or the probe target from the source address.
func (r *Rotator) defaultProbe(e *model.Endpoint) health.Probe {
	if e.IsGateway() {
		return health.TCPProbe(nil, e.ID())
	}
	return health.TCPProbe(net.ParseIP(e.IP), r.cfg.ProbeTarget)
}

// Add registers e, or ignores it when its identity is already known.
func (r *Rotator) Add(e *model.Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[e.ID()]; ok {
		return false
	}
	if e.MaxConcurrent <= 0 {
		e.MaxConcurrent = r.cfg.MaxConcurrent
	}
	r.endpoints = append(r.endpoints, e)
	r.byID[e.ID()] = e
	r.publishLocked()
	return true
}

// NextEndpoint returns the next eligible endpoint and counts the caller as a user of it.
// It returns nil when every endpoint is inactive, saturated or cooling down.
func (r *Rotator) NextEndpoint() *model.Endpoint {
	return r.next(nil)
}

// NextSource is NextEndpoint restricted to source addresses; gateways are skipped.
func (r *Rotator) NextSource() *model.Endpoint {
	return r.next(func(e *model.Endpoint) bool { return !e.IsGateway() })
}

func (r *Rotator) next(keep func(*model.Endpoint) bool) *model.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.endpoints)
	if n == 0 {
		return nil
	}
	now := r.clock.Now()

	pick := -1
	for i := 0; i < n; i++ {
		idx := (r.cursor + i) % n
		e := r.endpoints[idx]
		if !e.Available(now) || (keep != nil && !keep(e)) {
			continue
		}
		if r.cfg.Selection != Weighted {
			pick = idx
			break
		}
		if pick < 0 || e.Score() > r.endpoints[pick].Score() {
			pick = idx
		}
	}
	if pick < 0 {
		return nil
	}
	r.cursor = (pick + 1) % n
	e := r.endpoints[pick]
	e.InUse++
	return e
}

// Endpoint checks out the endpoint with the given identity if it is eligible.
func (r *Rotator) Endpoint(id string) *model.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok || !e.Available(r.clock.Now()) {
		return nil
	}
	e.InUse++
	return e
}

// ReportOutcome releases one use of e and records its result. Failures start a cooldown;
// an endpoint whose success rate stays under DeactivateSuccessRate after more than
// DeactivateMinFailures failures is deactivated.
func (r *Rotator) ReportOutcome(e *model.Endpoint, success bool, latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := logger.WithComponent("Rotator")

	target, ok := r.byID[e.ID()]
	if !ok {
		l.Warn().Str("endpoint", e.ID()).Msg("Outcome reported for an unknown endpoint, ignoring.")
		return
	}
	if target.InUse > 0 {
		target.InUse--
	}

	now := r.clock.Now()
	if success {
		target.Stats.RecordSuccess(latency, now)
		return
	}
	target.Stats.RecordFailure(err, now)
	target.CooldownUntil = now.Add(r.cfg.FailureCooldown)

	if target.Active &&
		target.Stats.SuccessRate() < r.cfg.DeactivateSuccessRate &&
		target.Stats.Failures > r.cfg.DeactivateMinFailures {
		r.setActiveLocked(target, false, "low success rate")
	}
	if r.activeCountLocked() < r.cfg.MinActive {
		r.reactivateLocked(nil)
	}
}

// Release gives back one use of e without recording an outcome, for checkouts that were
// never used.
func (r *Rotator) Release(e *model.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if target, ok := r.byID[e.ID()]; ok && target.InUse > 0 {
		target.InUse--
	}
}

// reactivateLocked brings back up to ReactivateMax of the best-scoring inactive endpoints
// whose success rate is above ReactivateSuccessRate, skipping the ids in skip. It returns
// the ids it brought back.
func (r *Rotator) reactivateLocked(skip []string) []string {
	var candidates []*model.Endpoint
	for _, e := range r.endpoints {
		if !e.Active && e.Stats.SuccessRate() > r.cfg.ReactivateSuccessRate && !slices.Contains(skip, e.ID()) {
			candidates = append(candidates, e)
		}
	}
	slices.SortStableFunc(candidates, func(a, b *model.Endpoint) int {
		switch sa, sb := a.Score(), b.Score(); {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		}
		return 0
	})
	var ids []string
	for i, e := range candidates {
		if i >= r.cfg.ReactivateMax {
			break
		}
		r.setActiveLocked(e, true, "active endpoints below minimum")
		ids = append(ids, e.ID())
	}
	return ids
}

func (r *Rotator) setActiveLocked(e *model.Endpoint, active bool, reason string) {
	if e.Active == active {
		return
	}
	e.Active = active
	change := "deactivated"
	if active {
		change = "reactivated"
	}
	r.metrics.EndpointToggled(change)
	r.publishLocked()
	l := logger.WithComponent("Rotator")
	l.Info().
		Str("endpoint", e.ID()).
		Str("change", change).
		Str("reason", reason).
		Float64("success_rate", e.Stats.SuccessRate()).
		Int("failures", e.Stats.Failures).
		Msg("Endpoint state changed.")
}

func (r *Rotator) activeCountLocked() int {
	n := 0
	for _, e := range r.endpoints {
		if e.Active {
			n++
		}
	}
	return n
}

func (r *Rotator) publishLocked() {
	r.metrics.SetActiveEndpoints(r.activeCountLocked())
}

// Summary is the outcome of one HealthCheck pass.
type Summary struct {
	Checked     int      `json:"checked"`
	Healthy     int      `json:"healthy"`
	Deactivated []string `json:"deactivated,omitempty"`
	Reactivated []string `json:"reactivated,omitempty"`
}

// HealthCheck probes every active endpoint concurrently and deactivates the ones that fail.
// When that leaves fewer than MinActive, previously good endpoints are brought back; the
// ones that just failed their probe stay down.
func (r *Rotator) HealthCheck(ctx context.Context) Summary {
	r.mu.Lock()
	probes := make(map[string]health.Probe)
	for _, e := range r.endpoints {
		if e.Active {
			probes[e.ID()] = r.probe(e.Clone())
		}
	}
	r.mu.Unlock()

	results := r.checker.Check(ctx, probes)

	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{Checked: len(results)}
	for id, res := range results {
		if res.Healthy {
			s.Healthy++
			continue
		}
		if ctx.Err() != nil {
			continue
		}
		if e, ok := r.byID[id]; ok && e.Active {
			e.Stats.LastError = res.Err.Error()
			r.setActiveLocked(e, false, "health probe failed")
			s.Deactivated = append(s.Deactivated, id)
		}
	}
	slices.Sort(s.Deactivated)
	if r.activeCountLocked() < r.cfg.MinActive {
		s.Reactivated = r.reactivateLocked(s.Deactivated)
	}
	l := logger.WithComponent("Rotator")
	l.Info().Int("checked", s.Checked).Int("healthy", s.Healthy).
		Int("deactivated", len(s.Deactivated)).Int("reactivated", len(s.Reactivated)).
		Msg("Endpoint health check finished.")
	return s
}

// Start runs HealthCheck every HealthCheckInterval until Stop. It is a no-op when the
// interval is zero or the loop is already running.
func (r *Rotator) Start(ctx context.Context) {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.running || r.cfg.HealthCheckInterval <= 0 {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.running = true

	t := r.clock.Ticker(r.cfg.HealthCheckInterval)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.HealthCheck(ctx)
			}
		}
	}()
}

// Stop ends the health-check loop and waits for it. Safe to call repeatedly.
func (r *Rotator) Stop() {
	r.lifeMu.Lock()
	if !r.running {
		r.lifeMu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.lifeMu.Unlock()
	r.wg.Wait()
}

// Healthy reports whether at least one endpoint is active.
func (r *Rotator) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeCountLocked() > 0
}

// Stats is a read-only view for the status API.
type Stats struct {
	Total     int               `json:"total"`
	Active    int               `json:"active"`
	InUse     int               `json:"in_use"`
	Cooling   int               `json:"cooling"`
	Selection Selection         `json:"selection"`
	Endpoints []*model.Endpoint `json:"endpoints"`
}

func (r *Rotator) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	s := Stats{Total: len(r.endpoints), Selection: r.cfg.Selection}
	for _, e := range r.endpoints {
		if e.Active {
			s.Active++
		}
		s.InUse += e.InUse
		if now.Before(e.CooldownUntil) {
			s.Cooling++
		}
		s.Endpoints = append(s.Endpoints, e.Clone())
	}
	return s
}
