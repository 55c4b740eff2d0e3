package router

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"egress_nexus/internal/core/rotator"
	"egress_nexus/proxypool/broker"
	"egress_nexus/proxypool/model"
)

// Kind names a backend variant.
type Kind string

const (
	KindPool     Kind = "pool"
	KindRotation Kind = "rotation"
)

// Outcome is what happened with a lease. Unused leases are returned without touching stats.
type Outcome struct {
	Success bool
	Latency time.Duration
	Err     error
	Unused  bool
}

// Lease is one acquisition from a backend. It must be released exactly once.
type Lease struct {
	Kind     Kind
	ID       string
	Upstream *url.URL // forward proxy to dial through, if any
	LocalIP  net.IP   // source address to bind, if any

	backend  Backend
	resource *model.Resource
	endpoint *model.Endpoint
	released atomic.Bool
}

// Release hands the lease back to its backend. Calls after the first are ignored.
func (l *Lease) Release(o Outcome) bool {
	if !l.released.CompareAndSwap(false, true) {
		return false
	}
	l.backend.Release(l, o)
	return true
}

// Want is what the router asks a backend for.
type Want struct {
	Capability model.Capability
	Pin        string // preferred item identity, used while still eligible
	BindOnly   bool   // rotation leases must be source addresses, never gateways
}

// Backend is the fixed method set the router drives. PoolBackend and RotationBackend are
// the only implementations.
type Backend interface {
	Kind() Kind
	Healthy() bool
	// Acquire returns a lease for w. Exhaustion is reported as *model.NoResourceError.
	Acquire(ctx context.Context, w Want) (*Lease, error)
	Release(l *Lease, o Outcome)
	Stats() any
}

// PoolBackend draws exclusively checked-out resources from a broker.
type PoolBackend struct {
	broker *broker.Broker
}

func NewPoolBackend(b *broker.Broker) *PoolBackend { return &PoolBackend{broker: b} }

func (b *PoolBackend) Kind() Kind    { return KindPool }
func (b *PoolBackend) Healthy() bool { return b.broker.Healthy() }
func (b *PoolBackend) Stats() any    { return b.broker.Stats() }

func (b *PoolBackend) Acquire(ctx context.Context, w Want) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var r *model.Resource
	var err error
	if w.Pin != "" {
		r, err = b.broker.GetResourceID(w.Pin, w.Capability)
	}
	if r == nil {
		r, err = b.broker.GetResource(w.Capability)
	}
	if err != nil {
		return nil, err
	}
	upstream, err := r.ProxyURL()
	if err != nil {
		b.broker.ReturnResource(r, false, 0, err)
		return nil, err
	}
	return &Lease{Kind: KindPool, ID: r.ID(), Upstream: upstream, backend: b, resource: r}, nil
}

func (b *PoolBackend) Release(l *Lease, o Outcome) {
	if o.Unused {
		b.broker.Pool().Release(l.resource)
		return
	}
	b.broker.ReturnResource(l.resource, o.Success, o.Latency, o.Err)
}

// RotationBackend draws shared endpoints from a rotator.
type RotationBackend struct {
	rotator *rotator.Rotator
}

func NewRotationBackend(r *rotator.Rotator) *RotationBackend { return &RotationBackend{rotator: r} }

func (b *RotationBackend) Kind() Kind    { return KindRotation }
func (b *RotationBackend) Healthy() bool { return b.rotator.Healthy() }
func (b *RotationBackend) Stats() any    { return b.rotator.Stats() }

func (b *RotationBackend) Acquire(ctx context.Context, w Want) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var e *model.Endpoint
	if w.Pin != "" {
		e = b.rotator.Endpoint(w.Pin)
		if e != nil && w.BindOnly && e.IsGateway() {
			b.rotator.Release(e)
			e = nil
		}
	}
	if e == nil {
		if w.BindOnly {
			e = b.rotator.NextSource()
		} else {
			e = b.rotator.NextEndpoint()
		}
	}
	if e == nil {
		return nil, &model.NoResourceError{Capability: w.Capability, Source: "rotator"}
	}
	l := &Lease{Kind: KindRotation, ID: e.ID(), backend: b, endpoint: e}
	if e.IsGateway() {
		l.Upstream = &url.URL{Scheme: "http", Host: net.JoinHostPort(e.IP, strconv.Itoa(e.Port))}
	} else {
		ip := net.ParseIP(e.IP)
		if ip == nil {
			b.rotator.ReportOutcome(e, false, 0, fmt.Errorf("invalid source address %q", e.IP))
			return nil, fmt.Errorf("endpoint %s has an invalid source address", e.ID())
		}
		l.LocalIP = ip
	}
	return l, nil
}

func (b *RotationBackend) Release(l *Lease, o Outcome) {
	if o.Unused {
		b.rotator.Release(l.endpoint)
		return
	}
	b.rotator.ReportOutcome(l.endpoint, o.Success, o.Latency, o.Err)
}

// Registry holds the backends a router may use. It is built by the application and
// passed to the router; there is no package-level instance.
type Registry struct {
	backends map[Kind]Backend
}

func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[Kind]Backend, len(backends))}
	for _, b := range backends {
		if b != nil {
			r.backends[b.Kind()] = b
		}
	}
	return r
}

func (r *Registry) Get(k Kind) (Backend, bool) {
	b, ok := r.backends[k]
	return b, ok
}

func (r *Registry) healthy(k Kind) bool {
	b, ok := r.backends[k]
	return ok && b.Healthy()
}

// Stats collects each registered backend's stats keyed by kind.
func (r *Registry) Stats() map[Kind]any {
	out := make(map[Kind]any, len(r.backends))
	for k, b := range r.backends {
		out[k] = b.Stats()
	}
	return out
}
