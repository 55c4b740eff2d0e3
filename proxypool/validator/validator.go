package validator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"egress_nexus/internal/metrics"
	"egress_nexus/internal/shared/logger"
	"egress_nexus/internal/shared/netutil"
	"egress_nexus/proxypool/model"
)

const maxJudgeBody = 64 << 10

type Config struct {
	Judges        []string
	Timeout       time.Duration
	Concurrency   int
	JudgeAttempts int
	RealIP        string
}

// Validator checks resources against judge URLs. Concurrent checks share one gate.
type Validator struct {
	cfg     Config
	judges  []*url.URL
	sem     *semaphore.Weighted
	closed  atomic.Bool
	metrics *metrics.Metrics
}

func NewValidator(cfg Config, m *metrics.Metrics) (*Validator, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 32
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.JudgeAttempts <= 0 {
		cfg.JudgeAttempts = 1
	}
	if len(cfg.Judges) == 0 {
		return nil, errors.New("validator requires at least one judge")
	}
	judges := make([]*url.URL, 0, len(cfg.Judges))
	for _, raw := range cfg.Judges {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid judge URL %q", raw)
		}
		judges = append(judges, u)
	}
	return &Validator{
		cfg:     cfg,
		judges:  judges,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		metrics: m,
	}, nil
}

// Validate checks r through its own proxy and records the outcome on r.
// It returns false without mutating r when the validator is closed or ctx ends before a
// slot frees up. Once started, a check is bounded only by the per-judge timeout.
func (v *Validator) Validate(ctx context.Context, r *model.Resource) bool {
	l := logger.WithComponent("ProxyPool/Validator")
	if v.closed.Load() || ctx.Err() != nil {
		return false
	}
	if err := v.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer v.sem.Release(1)

	// 已开始的检查只受单次超时约束，不随 ctx 取消而中断
	start := time.Now()
	latency, anonymity, err := v.check(context.WithoutCancel(ctx), r)
	now := time.Now()
	r.LastChecked = now
	v.metrics.ObserveValidation(err == nil, time.Since(start))

	if err != nil {
		r.Working = false
		r.Stats.RecordFailure(&model.ValidationFailure{ResourceID: r.ID(), Err: err}, now)
		l.Debug().Str("resource", r.ID()).Err(err).Msg("Validation failed.")
		return false
	}
	r.Working = true
	r.Anonymity = anonymity
	r.Stats.RecordSuccess(latency, now)
	l.Debug().Str("resource", r.ID()).Dur("latency", latency).Str("anonymity", string(anonymity)).Msg("Validation passed.")
	return true
}

func (v *Validator) check(ctx context.Context, r *model.Resource) (time.Duration, model.Anonymity, error) {
	upstream, err := r.ProxyURL()
	if err != nil {
		return 0, "", err
	}
	client, err := netutil.NewClient(netutil.Route{Upstream: upstream, Timeout: v.cfg.Timeout})
	if err != nil {
		return 0, "", err
	}
	defer client.CloseIdleConnections()

	judges := v.judgesFor(r)
	if len(judges) > v.cfg.JudgeAttempts {
		judges = judges[:v.cfg.JudgeAttempts]
	}

	var errs error
	for _, judge := range judges {
		latency, body, err := v.ask(ctx, client, judge)
		if err == nil {
			return latency, DetectAnonymity(body, v.cfg.RealIP), nil
		}
		errs = multierr.Append(errs, fmt.Errorf("judge %s: %w", judge.Host, err))
		if ctx.Err() != nil {
			break
		}
	}
	return 0, "", errs
}

// judgesFor returns a shuffled copy of the judges r can reach. HTTPS judges need CONNECT
// support; a SOCKS5 resource can reach either kind.
func (v *Validator) judgesFor(r *model.Resource) []*url.URL {
	out := make([]*url.URL, 0, len(v.judges))
	socks := r.Capabilities.Has(model.CapSOCKS5)
	for _, j := range v.judges {
		if socks || r.Capabilities.Has(model.CapabilityForScheme(j.Scheme)) {
			out = append(out, j)
		}
	}
	if len(out) == 0 {
		out = append(out, v.judges...)
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func (v *Validator) ask(ctx context.Context, client *http.Client, judge *url.URL) (time.Duration, string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, judge.String(), nil)
	if err != nil {
		return 0, "", err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxJudgeBody))
	if err != nil {
		return 0, "", err
	}
	latency := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, "", fmt.Errorf("received non-successful status code: %d", resp.StatusCode)
	}
	body := string(raw)
	if _, ok := ExtractIP(body); !ok {
		return 0, "", errors.New("judge response carries no IP")
	}
	return latency, body, nil
}

// ValidateBatch validates rs concurrently and returns the ones that passed, in input order.
func (v *Validator) ValidateBatch(ctx context.Context, rs []*model.Resource) []*model.Resource {
	l := logger.WithComponent("ProxyPool/Validator")
	if len(rs) == 0 {
		return nil
	}
	l.Info().Int("count", len(rs)).Int("concurrency", v.cfg.Concurrency).Msg("Starting validation batch...")

	ok := make([]bool, len(rs))
	var wg sync.WaitGroup
	for i, r := range rs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok[i] = v.Validate(ctx, r)
		}()
	}
	wg.Wait()

	passed := make([]*model.Resource, 0, len(rs))
	for i, r := range rs {
		if ok[i] {
			passed = append(passed, r)
		}
	}
	l.Info().Int("passed", len(passed)).Int("failed", len(rs)-len(passed)).Msg("Validation batch finished.")
	return passed
}

// Close makes every later Validate return false. In-flight checks finish on their own timeouts.
func (v *Validator) Close() error {
	v.closed.Store(true)
	return nil
}
