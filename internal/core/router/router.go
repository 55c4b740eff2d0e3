// Package router decides, per request, which egress path to use and executes the request
// through it, returning every lease to its backend exactly once.
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"egress_nexus/internal/metrics"
	"egress_nexus/internal/shared/logger"
	"egress_nexus/internal/shared/netutil"
	"egress_nexus/proxypool/model"
)

type Config struct {
	DefaultTimeout time.Duration
	AffinityTTL    time.Duration // 0 disables affinity
	AffinitySize   int
	AllowDirect    bool
	MaxBodyBytes   int64
}

func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		AffinityTTL:    10 * time.Minute,
		AffinitySize:   1024,
		AllowDirect:    true,
		MaxBodyBytes:   10 << 20,
	}
}

// Request is one outgoing call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Capability the pool resource must have; empty derives it from the URL scheme.
	Capability model.Capability
	NoPool     bool
	NoRotation bool
	// Timeout bounds the whole exchange; zero uses the router default.
	Timeout time.Duration
	// AffinityKey, when set, makes the router prefer the resource and endpoint that
	// served the previous successful request with the same key.
	AffinityKey string
}

// Result is a completed exchange. Blocked responses (403, 407, 429, 5xx) are still
// returned as results; they count as failures for the resources involved.
type Result struct {
	RequestID  string        `json:"request_id"`
	Status     int           `json:"status"`
	Header     http.Header   `json:"header"`
	Body       []byte        `json:"-"`
	Strategy   Strategy      `json:"strategy"`
	Duration   time.Duration `json:"duration"`
	ResourceID string        `json:"resource_id,omitempty"`
	EndpointID string        `json:"endpoint_id,omitempty"`
	BytesOut   uint64        `json:"bytes_out"`
	BytesIn    uint64        `json:"bytes_in"`
}

// ExecutionError is a failed or timed out network call on an acquired path.
type ExecutionError struct {
	Strategy Strategy
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("request via %s failed: %v", e.Strategy, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

type pin struct {
	resourceID string
	endpointID string
}

// Router is safe for concurrent use.
type Router struct {
	cfg      Config
	registry *Registry
	affinity *expirable.LRU[string, pin]
	metrics  *metrics.Metrics
}

func New(cfg Config, reg *Registry, m *metrics.Metrics) *Router {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	rt := &Router{cfg: cfg, registry: reg, metrics: m}
	if cfg.AffinityTTL > 0 {
		size := cfg.AffinitySize
		if size <= 0 {
			size = DefaultConfig().AffinitySize
		}
		rt.affinity = expirable.NewLRU[string, pin](size, nil, cfg.AffinityTTL)
	}
	return rt
}

// Registry returns the backends the router draws from.
func (rt *Router) Registry() *Registry { return rt.registry }

// Preview returns the strategy a request with these preferences would start with now.
func (rt *Router) Preview(noPool, noRotation bool) Strategy {
	return Decide(rt.registry.healthy(KindPool), rt.registry.healthy(KindRotation), !noPool, !noRotation)
}

// Route executes req. The strategy is decided from current backend health, degraded when
// a backend has nothing to lend, and reported in the result or the returned error.
func (rt *Router) Route(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	id := uuid.NewString()
	l := logger.WithComponent("Router").With().Str("request_id", id).Logger()

	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("invalid request URL %q", req.URL)
	}
	c := req.Capability
	if c == "" {
		c = model.CapabilityForScheme(target.Scheme)
	}

	strategy := rt.Preview(req.NoPool, req.NoRotation)
	var pinned pin
	if rt.affinity != nil && req.AffinityKey != "" {
		pinned, _ = rt.affinity.Get(req.AffinityKey)
	}

	leases, strategy, err := rt.acquire(ctx, strategy, c, pinned)
	if err != nil {
		rt.metrics.ObserveRequest(string(strategy), "no_resource", time.Since(start))
		l.Warn().Err(err).Str("strategy", string(strategy)).Msg("No egress path available.")
		return nil, err
	}

	res := &Result{RequestID: id, Strategy: strategy}
	for _, lease := range leases {
		switch lease.Kind {
		case KindPool:
			res.ResourceID = lease.ID
		case KindRotation:
			res.EndpointID = lease.ID
		}
	}

	var execErr error
	defer func() {
		o := Outcome{Err: execErr, Latency: res.Duration}
		o.Success = execErr == nil && !blocked(res.Status)
		if execErr == nil && !o.Success {
			o.Err = fmt.Errorf("blocked with status %d", res.Status)
		}
		for _, lease := range leases {
			lease.Release(o)
		}
		rt.remember(req.AffinityKey, res, o.Success)

		outcome := "ok"
		switch {
		case execErr != nil:
			outcome = "error"
		case !o.Success:
			outcome = "blocked"
		}
		rt.metrics.ObserveRequest(string(strategy), outcome, res.Duration)
	}()

	execErr = rt.execute(ctx, req, target, strategy, leases, res)
	res.Duration = time.Since(start)
	if execErr != nil {
		execErr = &ExecutionError{Strategy: strategy, Err: execErr}
		l.Debug().Err(execErr).Str("target", target.Host).Msg("Request failed.")
		return nil, execErr
	}
	l.Debug().Str("strategy", string(strategy)).Int("status", res.Status).Dur("duration", res.Duration).Msg("Request finished.")
	return res, nil
}

// acquire takes one lease from every backend s needs, degrading s while a backend reports
// exhaustion. Other errors end the attempt.
func (rt *Router) acquire(ctx context.Context, s Strategy, c model.Capability, pinned pin) ([]*Lease, Strategy, error) {
	l := logger.WithComponent("Router")
	if s == Direct && !rt.cfg.AllowDirect {
		return nil, s, fmt.Errorf("route via %s: %w", s, &model.NoResourceError{Capability: c, Source: "router"})
	}
	for {
		leases, failed, err := rt.tryAcquire(ctx, s, c, pinned)
		if err == nil {
			return leases, s, nil
		}
		wrapped := fmt.Errorf("route via %s: %w", s, err)
		if !errors.Is(err, model.ErrNoResource) {
			return nil, s, wrapped
		}
		next := degrade(s, failed, rt.cfg.AllowDirect)
		if next == "" {
			return nil, s, wrapped
		}
		rt.metrics.Fallback(string(s), string(next))
		l.Info().Str("from", string(s)).Str("to", string(next)).Str("backend", string(failed)).Msg("Backend exhausted, degrading strategy.")
		s = next
	}
}

func (rt *Router) tryAcquire(ctx context.Context, s Strategy, c model.Capability, pinned pin) ([]*Lease, Kind, error) {
	var leases []*Lease
	for _, k := range s.kinds() {
		b, ok := rt.registry.Get(k)
		if !ok {
			release(leases)
			return nil, k, &model.NoResourceError{Capability: c, Source: string(k)}
		}
		w := Want{Capability: c, Pin: pinned.resourceID}
		if k == KindRotation {
			w.Pin = pinned.endpointID
			w.BindOnly = s == Combined
		}
		lease, err := b.Acquire(ctx, w)
		if err != nil {
			release(leases)
			return nil, k, err
		}
		leases = append(leases, lease)
	}
	return leases, "", nil
}

func release(leases []*Lease) {
	for _, l := range leases {
		l.Release(Outcome{Unused: true})
	}
}

func (rt *Router) execute(ctx context.Context, req *Request, target *url.URL, s Strategy, leases []*Lease, res *Result) error {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = rt.cfg.DefaultTimeout
	}
	var traffic netutil.Traffic
	route := netutil.Route{Timeout: timeout, Traffic: &traffic}
	for _, lease := range leases {
		switch {
		case lease.Kind == KindPool:
			route.Upstream = lease.Upstream
		case lease.LocalIP != nil:
			route.LocalIP = lease.LocalIP
		case s == RotationOnly:
			route.Upstream = lease.Upstream
		}
	}

	client, err := netutil.NewClient(route)
	if err != nil {
		return err
	}
	defer client.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, rt.cfg.MaxBodyBytes))
	if err != nil {
		return err
	}
	res.Status = resp.StatusCode
	res.Header = resp.Header
	res.Body = payload
	res.BytesOut = traffic.Uplink.Load()
	res.BytesIn = traffic.Downlink.Load()
	return nil
}

// blocked reports statuses that indicate the egress path, not the request, was refused.
func blocked(status int) bool {
	switch {
	case status == http.StatusForbidden, status == http.StatusProxyAuthRequired, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	}
	return false
}

func (rt *Router) remember(key string, res *Result, success bool) {
	if rt.affinity == nil || key == "" {
		return
	}
	if !success {
		rt.affinity.Remove(key)
		return
	}
	rt.affinity.Add(key, pin{resourceID: res.ResourceID, endpointID: res.EndpointID})
}
