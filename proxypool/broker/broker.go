// Package broker runs the background lifecycle around a resource pool: discovery from
// providers, validation, periodic cleanup and revalidation, and snapshot persistence.
package broker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"egress_nexus/internal/metrics"
	"egress_nexus/internal/shared/logger"
	"egress_nexus/proxypool/model"
	"egress_nexus/proxypool/pool"
	"egress_nexus/proxypool/scraper"
	"egress_nexus/proxypool/storage"
)

var (
	ErrDiscoveryRunning = errors.New("discovery cycle already running")
	ErrStopped          = errors.New("broker stopped")
)

// Validator is the slice of *validator.Validator the broker depends on.
type Validator interface {
	Validate(ctx context.Context, r *model.Resource) bool
	Close() error
}

type Config struct {
	DiscoveryInterval   time.Duration
	CleanupInterval     time.Duration
	RevalidateInterval  time.Duration // 0 disables revalidation
	RevalidateBatch     int
	LoopBackoff         time.Duration
	HealthRateThreshold float64
	RefillPerMinute     int
	// MaxInFlight bounds candidates pulled from a provider but not yet validated.
	MaxInFlight int
}

func DefaultConfig() Config {
	return Config{
		DiscoveryInterval:   10 * time.Minute,
		CleanupInterval:     2 * time.Minute,
		RevalidateInterval:  5 * time.Minute,
		RevalidateBatch:     50,
		LoopBackoff:         30 * time.Second,
		HealthRateThreshold: 0.5,
		RefillPerMinute:     2,
		MaxInFlight:         64,
	}
}

type Option func(*Broker)

func WithProviders(ps ...scraper.Provider) Option {
	return func(b *Broker) { b.providers = append(b.providers, ps...) }
}

func WithStorage(s storage.Storage) Option { return func(b *Broker) { b.storage = s } }

func WithClock(c clock.Clock) Option { return func(b *Broker) { b.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(b *Broker) { b.metrics = m } }

// Broker owns one pool and one validator.
type Broker struct {
	cfg       Config
	pool      *pool.Pool
	validator Validator
	providers []scraper.Provider
	storage   storage.Storage
	clock     clock.Clock
	metrics   *metrics.Metrics
	refill    *rate.Limiter

	mu      sync.Mutex
	running bool
	stopped bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	discovering   atomic.Bool
	lastDiscovery atomic.Int64 // unix nanos
}

func New(cfg Config, p *pool.Pool, v Validator, opts ...Option) *Broker {
	def := DefaultConfig()
	if cfg.LoopBackoff <= 0 {
		cfg.LoopBackoff = def.LoopBackoff
	}
	if cfg.RevalidateBatch <= 0 {
		cfg.RevalidateBatch = def.RevalidateBatch
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.RefillPerMinute <= 0 {
		cfg.RefillPerMinute = def.RefillPerMinute
	}
	b := &Broker{
		cfg:       cfg,
		pool:      p,
		validator: v,
		clock:     clock.New(),
		refill:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RefillPerMinute)), 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Pool exposes the underlying pool for read-only consumers such as the status API.
func (b *Broker) Pool() *pool.Pool { return b.pool }

// Start loads the snapshot, kicks off a first discovery cycle and starts the loops.
// Calling Start on a running broker is a no-op.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := logger.WithComponent("ProxyPool/Broker")

	if b.stopped {
		return ErrStopped
	}
	if b.running {
		return nil
	}
	l.Info().Int("providers", len(b.providers)).Msg("Broker starting...")

	if err := b.loadSnapshot(); err != nil {
		l.Error().Err(err).Msg("Failed to load snapshot. Starting with an empty pool.")
	}

	b.runCtx, b.cancel = context.WithCancel(ctx)
	b.running = true

	// tickers are created here so a mock clock sees them before Start returns
	b.spawn("discovery", b.clock.Ticker(b.cfg.DiscoveryInterval), func(ctx context.Context) error {
		_, err := b.RunDiscovery(ctx)
		return err
	})
	b.spawn("cleanup", b.clock.Ticker(b.cfg.CleanupInterval), func(ctx context.Context) error {
		b.pool.Cleanup()
		return nil
	})
	if b.cfg.RevalidateInterval > 0 {
		b.spawn("revalidate", b.clock.Ticker(b.cfg.RevalidateInterval), b.RunRevalidation)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if _, err := b.RunDiscovery(b.runCtx); err != nil && !errors.Is(err, ErrDiscoveryRunning) && !errors.Is(err, context.Canceled) {
			l.Warn().Err(err).Msg("Initial discovery cycle failed.")
		}
	}()

	l.Info().
		Dur("discovery_interval", b.cfg.DiscoveryInterval).
		Dur("cleanup_interval", b.cfg.CleanupInterval).
		Dur("revalidate_interval", b.cfg.RevalidateInterval).
		Msg("Schedulers initialized.")
	return nil
}

func (b *Broker) spawn(name string, t *clock.Ticker, fn func(context.Context) error) {
	ctx := b.runCtx
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer t.Stop()
		l := logger.WithComponent("ProxyPool/Broker")
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			err := safeRun(ctx, fn)
			if err == nil || errors.Is(err, ErrDiscoveryRunning) || ctx.Err() != nil {
				continue
			}
			l.Error().Err(err).Str("loop", name).Dur("backoff", b.cfg.LoopBackoff).Msg("Loop iteration failed, backing off.")
			select {
			case <-ctx.Done():
				return
			case <-b.clock.After(b.cfg.LoopBackoff):
			}
		}
	}()
}

// safeRun turns a panic in fn into an error.
func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// Stop cancels the loops, waits for them, closes the validator and saves a snapshot.
// It is safe to call more than once and on a broker that never started.
func (b *Broker) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.stopped = true
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.stopped = true
	b.cancel()
	b.mu.Unlock()

	b.wg.Wait()
	err := b.validator.Close()
	if serr := b.saveSnapshot(); serr != nil {
		err = errors.Join(err, serr)
	}
	l := logger.WithComponent("ProxyPool/Broker")
	l.Info().Msg("Broker gracefully stopped.")
	return err
}

// RunDiscovery runs one discovery cycle across every provider and returns the number of
// resources admitted. Only one cycle runs at a time.
func (b *Broker) RunDiscovery(ctx context.Context) (int, error) {
	if !b.discovering.CompareAndSwap(false, true) {
		return 0, ErrDiscoveryRunning
	}
	defer b.discovering.Store(false)
	l := logger.WithComponent("ProxyPool/Broker")
	l.Info().Msg("Starting new discovery cycle...")

	var admitted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range b.providers {
		g.Go(func() error {
			admitted.Add(int64(b.discoverFrom(gctx, p)))
			return nil
		})
	}
	_ = g.Wait()
	b.lastDiscovery.Store(b.clock.Now().UnixNano())

	n := int(admitted.Load())
	l.Info().Int("admitted", n).Int("pool_size", b.pool.Len()).Msg("Discovery cycle finished.")
	if n > 0 {
		if err := b.saveSnapshot(); err != nil {
			l.Error().Err(err).Msg("Failed to save snapshot after discovery.")
		}
	}
	return n, ctx.Err()
}

// discoverFrom pulls candidates from p, skipping identities already known, and admits the
// ones that validate. Provider and validation errors are logged and counted only.
func (b *Broker) discoverFrom(ctx context.Context, p scraper.Provider) int {
	l := logger.WithComponent("ProxyPool/Broker")
	name := p.Name()

	var admitted atomic.Int64
	seen := make(map[string]struct{})
	var g errgroup.Group
	g.SetLimit(b.cfg.MaxInFlight)

	for r, err := range p.Discover(ctx) {
		if err != nil {
			b.metrics.ProviderError(name)
			l.Debug().Err(err).Str("source", name).Msg("Provider yielded an error.")
			continue
		}
		id := r.ID()
		if _, dup := seen[id]; dup || b.pool.Contains(id) {
			b.metrics.Candidate(name, metrics.ResultKnown)
			continue
		}
		seen[id] = struct{}{}
		if r.Source == "" {
			r.Source = name
		}
		g.Go(func() error {
			if b.validator.Validate(ctx, r) && b.pool.Put(r) {
				admitted.Add(1)
				b.metrics.Candidate(name, metrics.ResultAdmitted)
			} else {
				b.metrics.Candidate(name, metrics.ResultRejected)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(admitted.Load())
	l.Info().Str("source", name).Int("candidates", len(seen)).Int("admitted", n).Msg("Provider finished.")
	return n
}

// RunRevalidation re-checks the least recently checked idle resources and writes the
// results back. Resources that now fail the health policy are removed.
func (b *Broker) RunRevalidation(ctx context.Context) error {
	l := logger.WithComponent("ProxyPool/Broker")
	rs := b.pool.Resources()
	if len(rs) == 0 {
		return nil
	}
	slices.SortFunc(rs, func(a, c *model.Resource) int { return a.LastChecked.Compare(c.LastChecked) })
	if len(rs) > b.cfg.RevalidateBatch {
		rs = rs[:b.cfg.RevalidateBatch]
	}
	l.Debug().Int("batch_size", len(rs)).Msg("Starting revalidation batch.")

	var removed, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(b.cfg.MaxInFlight)
	for _, r := range rs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			// 在无统计的副本上验证，只把本次结果合并回池中的记录
			check := r.Clone()
			check.Stats = model.Stats{}
			ok := b.validator.Validate(ctx, check)
			if check.Stats.Attempts == 0 {
				// cancelled or closed before the check ran
				return nil
			}
			if !ok {
				failed.Add(1)
			}
			if !b.pool.Update(r.ID(), func(live *model.Resource) { applyCheck(live, check) }) {
				removed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	l.Info().Int("checked", len(rs)).Int("failed", int(failed.Load())).Int("removed", int(removed.Load())).Msg("Revalidation batch finished.")
	return ctx.Err()
}

// applyCheck folds the outcome of one validation into the live record.
func applyCheck(live, check *model.Resource) {
	live.Stats.Merge(check.Stats)
	live.Working = check.Working
	live.LastChecked = check.LastChecked
	if check.Anonymity != model.AnonymityUnknown {
		live.Anonymity = check.Anonymity
	}
}

// GetResource checks out the best resource for c. When the pool is exhausted a refill
// cycle is scheduled in the background, at most RefillPerMinute times a minute.
func (b *Broker) GetResource(c model.Capability) (*model.Resource, error) {
	r, err := b.pool.Acquire(c)
	if err != nil {
		b.scheduleRefill(err)
	}
	return r, err
}

// GetResourceID checks out a specific resource, for affinity.
func (b *Broker) GetResourceID(id string, c model.Capability) (*model.Resource, error) {
	return b.pool.AcquireID(id, c)
}

func (b *Broker) scheduleRefill(cause error) {
	if !errors.Is(cause, model.ErrNoResource) || !b.refill.AllowN(b.clock.Now(), 1) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	ctx := b.runCtx
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		l := logger.WithComponent("ProxyPool/Broker")
		l.Info().Err(cause).Msg("Pool exhausted, refilling.")
		_, _ = b.RunDiscovery(ctx)
	}()
}

// ReturnResource records the outcome of one use and releases r back into the pool.
func (b *Broker) ReturnResource(r *model.Resource, success bool, latency time.Duration, err error) {
	now := b.clock.Now()
	if success {
		r.Stats.RecordSuccess(latency, now)
	} else {
		r.Stats.RecordFailure(err, now)
	}
	b.pool.Release(r)
}

// Import validates manually supplied "host:port" lines and admits the ones that pass.
// scheme narrows the capabilities ("http", "socks5"); empty keeps the provider defaults.
func (b *Broker) Import(ctx context.Context, lines []string, scheme string) (int, error) {
	d := scraper.DefaultDefaults()
	if scheme != "" {
		caps, err := scraper.ParseScheme(scheme)
		if err != nil {
			return 0, err
		}
		d.Capabilities = caps
	}
	l := logger.WithComponent("ProxyPool/Broker")
	l.Info().Int("count", len(lines)).Str("scheme", scheme).Msg("Starting manual import.")
	n := b.discoverFrom(ctx, scraper.NewStaticProvider("manual-import", lines, d))
	if n > 0 {
		if err := b.saveSnapshot(); err != nil {
			l.Error().Err(err).Msg("Failed to save snapshot after import.")
		}
	}
	return n, ctx.Err()
}

// Healthy reports whether the pool has working resources and enough of them are working.
// Checked-out resources count as working.
func (b *Broker) Healthy() bool {
	s := b.pool.Stats()
	working := s.Working + s.Held
	total := s.Total + s.Held
	if working == 0 || total == 0 {
		return false
	}
	return float64(working)/float64(total) > b.cfg.HealthRateThreshold
}

// Stats is the broker view for the status API.
type Stats struct {
	Pool          pool.Snapshot `json:"pool"`
	Healthy       bool          `json:"healthy"`
	Running       bool          `json:"running"`
	Discovering   bool          `json:"discovering"`
	Providers     []string      `json:"providers"`
	LastDiscovery time.Time     `json:"last_discovery,omitempty"`
}

func (b *Broker) Stats() Stats {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()

	s := Stats{
		Pool:        b.pool.Stats(),
		Healthy:     b.Healthy(),
		Running:     running,
		Discovering: b.discovering.Load(),
	}
	for _, p := range b.providers {
		s.Providers = append(s.Providers, p.Name())
	}
	if ns := b.lastDiscovery.Load(); ns > 0 {
		s.LastDiscovery = time.Unix(0, ns).UTC()
	}
	return s
}

func (b *Broker) loadSnapshot() error {
	if b.storage == nil {
		return nil
	}
	rs, err := b.storage.Load()
	if err != nil {
		return err
	}
	admitted := 0
	for _, r := range rs {
		if b.pool.Put(r) {
			admitted++
		}
	}
	l := logger.WithComponent("ProxyPool/Broker")
	l.Info().Int("loaded", len(rs)).Int("admitted", admitted).Msg("Snapshot restored.")
	return nil
}

// saveSnapshot persists idle resources; checked-out ones are caught by the next save.
func (b *Broker) saveSnapshot() error {
	if b.storage == nil {
		return nil
	}
	return b.storage.Save(b.pool.Resources())
}
