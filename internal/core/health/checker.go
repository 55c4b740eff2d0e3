package health

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"egress_nexus/internal/shared/logger"
)

// Probe checks one target. A nil error means the target is up.
type Probe func(ctx context.Context) error

// Result 是单个目标的检查结果。
type Result struct {
	ID      string        `json:"id"`
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Err     error         `json:"-"`
}

// Checker 负责对一组目标进行并发健康检查, 并发数有上限。
type Checker struct {
	concurrency int
	timeout     time.Duration
}

// New 创建一个新的 Checker 实例。
func New(concurrency int, timeout time.Duration) *Checker {
	if concurrency <= 0 {
		concurrency = 8
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{concurrency: concurrency, timeout: timeout}
}

// Check runs every probe with its own timeout and returns one Result per id.
func (c *Checker) Check(ctx context.Context, probes map[string]Probe) map[string]Result {
	results := make(map[string]Result, len(probes))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(c.concurrency)

	for id, probe := range probes {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			start := time.Now()
			err := probe(pctx)
			res := Result{ID: id, Healthy: err == nil, Err: err}
			if err == nil {
				res.Latency = time.Since(start)
				logger.Debug().Str("target", id).Int("latency_ms", int(res.Latency.Milliseconds())).Msg("HealthCheck: Check passed.")
			} else {
				logger.Debug().Str("target", id).Err(err).Msg("HealthCheck: Check failed.")
			}

			mu.Lock()
			results[id] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// TCPProbe dials addr, optionally from localIP, and closes the connection.
func TCPProbe(localIP net.IP, addr string) Probe {
	return func(ctx context.Context) error {
		d := &net.Dialer{}
		if localIP != nil {
			d.LocalAddr = &net.TCPAddr{IP: localIP}
		}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}
