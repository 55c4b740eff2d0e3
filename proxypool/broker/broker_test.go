package broker

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"egress_nexus/proxypool/model"
	"egress_nexus/proxypool/pool"
	"egress_nexus/proxypool/scraper"
	"egress_nexus/proxypool/storage"
)

type fakeValidator struct {
	accept func(*model.Resource) bool
	calls  atomic.Int32
	closed atomic.Bool
}

func (v *fakeValidator) Validate(ctx context.Context, r *model.Resource) bool {
	v.calls.Add(1)
	if v.closed.Load() || ctx.Err() != nil {
		return false
	}
	ok := v.accept == nil || v.accept(r)
	now := time.Now()
	r.LastChecked = now
	if ok {
		r.Working = true
		r.Stats.RecordSuccess(20*time.Millisecond, now)
	} else {
		r.Working = false
		r.Stats.RecordFailure(errors.New("judge unreachable"), now)
	}
	return ok
}

func (v *fakeValidator) Close() error {
	v.closed.Store(true)
	return nil
}

type fakeProvider struct {
	name    string
	lines   []string
	errs    int
	calls   atomic.Int32
	started chan struct{}
	gate    chan struct{}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Discover(ctx context.Context) iter.Seq2[*model.Resource, error] {
	return func(yield func(*model.Resource, error) bool) {
		p.calls.Add(1)
		if p.started != nil {
			close(p.started)
			p.started = nil
		}
		if p.gate != nil {
			select {
			case <-p.gate:
			case <-ctx.Done():
				return
			}
		}
		for i := 0; i < p.errs; i++ {
			if !yield(nil, errors.New("page failed")) {
				return
			}
		}
		for _, line := range p.lines {
			r, err := scraper.ParseLine(line, scraper.DefaultDefaults())
			if !yield(r, err) {
				return
			}
		}
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DiscoveryInterval = 10 * time.Minute
	cfg.CleanupInterval = time.Minute
	cfg.RevalidateInterval = 0
	return cfg
}

func newTestPool() *pool.Pool {
	return pool.New(pool.Config{Policy: model.DefaultHealthPolicy()}, nil)
}

func TestRunDiscovery_AdmitsValidatedAndSkipsKnown(t *testing.T) {
	p := &fakeProvider{name: "list", lines: []string{"203.0.113.1:8080", "203.0.113.2:8080", "203.0.113.1:8080", "203.0.113.3:8080"}, errs: 2}
	v := &fakeValidator{accept: func(r *model.Resource) bool { return r.Host != "203.0.113.3" }}
	b := New(testConfig(), newTestPool(), v, WithProviders(p))

	n, err := b.RunDiscovery(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(3), v.calls.Load(), "duplicate line validated once")
	assert.Equal(t, 2, b.Pool().Len())

	rs := b.Pool().Resources()
	assert.Equal(t, "list", rs[0].Source)

	n, err = b.RunDiscovery(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int32(4), v.calls.Load(), "pooled identities are not revalidated by discovery")
}

func TestRunDiscovery_OneCycleAtATime(t *testing.T) {
	p := &fakeProvider{name: "slow", lines: []string{"203.0.113.1:8080"}, started: make(chan struct{}), gate: make(chan struct{})}
	started := p.started
	b := New(testConfig(), newTestPool(), &fakeValidator{}, WithProviders(p))

	done := make(chan int)
	go func() {
		n, _ := b.RunDiscovery(context.Background())
		done <- n
	}()
	<-started

	_, err := b.RunDiscovery(context.Background())
	assert.ErrorIs(t, err, ErrDiscoveryRunning)

	close(p.gate)
	assert.Equal(t, 1, <-done)
}

func TestGetResource_ExhaustionSchedulesThrottledRefill(t *testing.T) {
	p := &fakeProvider{name: "list", lines: []string{"203.0.113.1:8080"}}
	mock := clock.NewMock()
	b := New(testConfig(), newTestPool(), &fakeValidator{}, WithProviders(p), WithClock(mock))
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	require.Eventually(t, func() bool { return b.Pool().Len() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !b.Stats().Discovering }, time.Second, 5*time.Millisecond)

	_, err := b.GetResource(model.CapSOCKS5)
	var nre *model.NoResourceError
	require.ErrorAs(t, err, &nre)
	assert.Equal(t, model.CapSOCKS5, nre.Capability)
	require.Eventually(t, func() bool { return p.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	_, err = b.GetResource(model.CapSOCKS5)
	require.Error(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), p.calls.Load(), "refill is rate limited")
}

func TestGetResource_NotStartedDoesNotRefill(t *testing.T) {
	p := &fakeProvider{name: "list"}
	b := New(testConfig(), newTestPool(), &fakeValidator{}, WithProviders(p))

	_, err := b.GetResource(model.CapHTTP)
	assert.ErrorIs(t, err, model.ErrNoResource)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, p.calls.Load())
}

func TestReturnResource_RecordsOutcome(t *testing.T) {
	b := New(testConfig(), newTestPool(), &fakeValidator{}, WithClock(clock.NewMock()))
	r := model.NewResource("203.0.113.1", 8080, model.CapHTTP)
	r.Working = true
	require.True(t, b.Pool().Put(r))

	got, err := b.GetResource(model.CapHTTP)
	require.NoError(t, err)
	assert.Zero(t, b.Pool().Len())

	b.ReturnResource(got, false, 0, errors.New("reset by peer"))
	assert.Equal(t, 1, b.Pool().Len())
	assert.Equal(t, 1, got.Stats.Failures)
	assert.Equal(t, "reset by peer", got.Stats.LastError)

	got, err = b.GetResource(model.CapHTTP)
	require.NoError(t, err)
	b.ReturnResource(got, true, 150*time.Millisecond, nil)
	assert.Equal(t, 150*time.Millisecond, got.Stats.AverageLatency())
}

func TestStartStop_Lifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.snapshot")
	v := &fakeValidator{}
	p := &fakeProvider{name: "list", lines: []string{"203.0.113.1:8080", "203.0.113.2:8080"}}
	b := New(testConfig(), newTestPool(), v, WithProviders(p), WithStorage(storage.NewFileStorage(path)), WithClock(clock.NewMock()))

	require.NoError(t, b.Stop(), "stop before start")

	b = New(testConfig(), newTestPool(), v, WithProviders(p), WithStorage(storage.NewFileStorage(path)), WithClock(clock.NewMock()))
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()), "second start is a no-op")
	require.Eventually(t, func() bool { return b.Pool().Len() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, b.Stats().Running)

	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())
	assert.True(t, v.closed.Load())
	assert.False(t, b.Stats().Running)
	assert.ErrorIs(t, b.Start(context.Background()), ErrStopped)

	// a new broker restores the snapshot
	restored := New(testConfig(), newTestPool(), &fakeValidator{}, WithStorage(storage.NewFileStorage(path)), WithClock(clock.NewMock()))
	require.NoError(t, restored.Start(context.Background()))
	defer restored.Stop()
	assert.Equal(t, 2, restored.Pool().Len())
	assert.True(t, restored.Pool().Contains("203.0.113.2:8080"))
}

func TestCleanupLoop_EvictsOnTick(t *testing.T) {
	mock := clock.NewMock()
	b := New(testConfig(), newTestPool(), &fakeValidator{}, WithClock(mock))

	dead := model.NewResource("203.0.113.9", 8080, model.CapHTTP)
	dead.Stats = model.Stats{Attempts: 6, Successes: 6, TotalSuccessDuration: 600 * time.Millisecond}
	require.True(t, b.Pool().Put(dead))

	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()
	assert.Equal(t, 1, b.Pool().Len())

	mock.Add(time.Minute)
	assert.Eventually(t, func() bool { return b.Pool().Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRunRevalidation_UpdatesAndRemoves(t *testing.T) {
	v := &fakeValidator{accept: func(*model.Resource) bool { return false }}
	b := New(testConfig(), newTestPool(), v)

	r := model.NewResource("203.0.113.1", 8080, model.CapHTTP)
	r.Working = true
	r.Stats = model.Stats{Attempts: 5, Successes: 3, Failures: 2, TotalSuccessDuration: 300 * time.Millisecond}
	require.True(t, b.Pool().Put(r))

	require.NoError(t, b.RunRevalidation(context.Background()))
	rs := b.Pool().Resources()
	require.Len(t, rs, 1)
	assert.False(t, rs[0].Working)
	assert.Equal(t, 6, rs[0].Stats.Attempts)

	// 4 failures out of 7 crosses the error rate threshold
	require.NoError(t, b.RunRevalidation(context.Background()))
	assert.False(t, b.Pool().Contains(r.ID()))
}

func TestRunRevalidation_OldestFirst(t *testing.T) {
	var checked []string
	v := &fakeValidator{accept: func(r *model.Resource) bool {
		checked = append(checked, r.Host)
		return true
	}}
	cfg := testConfig()
	cfg.RevalidateBatch = 1
	cfg.MaxInFlight = 1
	b := New(cfg, newTestPool(), v)

	now := time.Now()
	for i, host := range []string{"203.0.113.1", "203.0.113.2"} {
		r := model.NewResource(host, 8080, model.CapHTTP)
		r.Working = true
		r.LastChecked = now.Add(-time.Duration(i+1) * time.Hour)
		require.True(t, b.Pool().Put(r))
	}

	require.NoError(t, b.RunRevalidation(context.Background()))
	assert.Equal(t, []string{"203.0.113.2"}, checked)
}

func TestRunRevalidation_KeepsOutcomesRecordedMeanwhile(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	v := &fakeValidator{accept: func(*model.Resource) bool {
		close(started)
		<-release
		return true
	}}
	b := New(testConfig(), newTestPool(), v)

	r := model.NewResource("203.0.113.1", 8080, model.CapHTTP)
	r.Working = true
	r.Stats = model.Stats{Attempts: 5, Successes: 5, TotalSuccessDuration: 500 * time.Millisecond}
	require.True(t, b.Pool().Put(r))

	done := make(chan error)
	go func() { done <- b.RunRevalidation(context.Background()) }()
	<-started

	got, err := b.GetResource(model.CapHTTP)
	require.NoError(t, err)
	b.ReturnResource(got, false, 0, errors.New("reset by peer"))

	// still checked out when the revalidation result lands
	held, err := b.GetResource(model.CapHTTP)
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-done)
	b.ReturnResource(held, true, 100*time.Millisecond, nil)

	rs := b.Pool().Resources()
	require.Len(t, rs, 1)
	assert.Equal(t, 8, rs[0].Stats.Attempts)
	assert.Equal(t, 7, rs[0].Stats.Successes)
	assert.Equal(t, 1, rs[0].Stats.Failures)
	assert.True(t, rs[0].Working)
}

func TestRunRevalidation_CancelDoesNotMarkBroken(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	v := &fakeValidator{accept: func(*model.Resource) bool {
		close(started)
		<-release
		return true
	}}
	cfg := testConfig()
	cfg.MaxInFlight = 1
	b := New(cfg, newTestPool(), v)

	now := time.Now()
	for i, host := range []string{"203.0.113.1", "203.0.113.2"} {
		r := model.NewResource(host, 8080, model.CapHTTP)
		r.Working = true
		r.LastChecked = now.Add(-time.Duration(2-i) * time.Hour)
		r.Stats = model.Stats{Attempts: 3, Successes: 3}
		require.True(t, b.Pool().Put(r))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- b.RunRevalidation(ctx) }()
	<-started
	cancel()
	close(release)
	assert.ErrorIs(t, <-done, context.Canceled)

	for _, r := range b.Pool().Resources() {
		assert.True(t, r.Working, r.Host)
		assert.Zero(t, r.Stats.Failures, r.Host)
	}
	assert.Equal(t, int32(1), v.calls.Load(), "second check never started")
}

func TestRunRevalidation_ClosedValidatorLeavesRecords(t *testing.T) {
	v := &fakeValidator{}
	b := New(testConfig(), newTestPool(), v)
	r := model.NewResource("203.0.113.1", 8080, model.CapHTTP)
	r.Working = true
	r.Stats = model.Stats{Attempts: 4, Successes: 4}
	require.True(t, b.Pool().Put(r))
	require.NoError(t, v.Close())

	require.NoError(t, b.RunRevalidation(context.Background()))
	rs := b.Pool().Resources()
	require.Len(t, rs, 1)
	assert.True(t, rs[0].Working)
	assert.Equal(t, 4, rs[0].Stats.Attempts)
}

func TestImport(t *testing.T) {
	b := New(testConfig(), newTestPool(), &fakeValidator{})

	n, err := b.Import(context.Background(), []string{"203.0.113.1:1080", "bogus", ""}, "socks5")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rs := b.Pool().Resources()
	require.Len(t, rs, 1)
	assert.Equal(t, "manual-import", rs[0].Source)
	assert.True(t, rs[0].Capabilities.Has(model.CapSOCKS5))

	_, err = b.Import(context.Background(), []string{"203.0.113.2:80"}, "gopher")
	assert.Error(t, err)
}

func TestHealthy(t *testing.T) {
	b := New(testConfig(), newTestPool(), &fakeValidator{})
	assert.False(t, b.Healthy(), "empty pool")

	up := model.NewResource("203.0.113.1", 8080, model.CapHTTP)
	up.Working = true
	down := model.NewResource("203.0.113.2", 8080, model.CapHTTP)
	require.True(t, b.Pool().Put(up))
	require.True(t, b.Pool().Put(down))
	assert.False(t, b.Healthy(), "half working is not above the threshold")

	up2 := model.NewResource("203.0.113.3", 8080, model.CapHTTP)
	up2.Working = true
	require.True(t, b.Pool().Put(up2))
	assert.True(t, b.Healthy())

	// checked-out resources still count as working
	_, err := b.GetResource(model.CapHTTP)
	require.NoError(t, err)
	assert.True(t, b.Healthy())
}

func TestSafeRun_RecoversPanic(t *testing.T) {
	err := safeRun(context.Background(), func(context.Context) error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
