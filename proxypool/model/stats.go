package model

import "time"

// Stats 记录单个出口资源的使用统计。
// 所有派生值 (错误率、平均延迟) 都由计数器实时计算，不单独存储。
type Stats struct {
	Attempts             int           `json:"attempts"`
	Successes            int           `json:"successes"`
	Failures             int           `json:"failures"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	TotalSuccessDuration time.Duration `json:"total_success_duration"`
	LastError            string        `json:"last_error,omitempty"`
	FirstUsedAt          time.Time     `json:"first_used_at,omitempty"`
	LastUsedAt           time.Time     `json:"last_used_at,omitempty"`
}

// RecordSuccess records a successful attempt that took latency.
func (s *Stats) RecordSuccess(latency time.Duration, now time.Time) {
	s.touch(now)
	s.Attempts++
	s.Successes++
	s.ConsecutiveFailures = 0
	if latency > 0 {
		s.TotalSuccessDuration += latency
	}
}

// RecordFailure records a failed attempt. A nil err leaves LastError untouched.
func (s *Stats) RecordFailure(err error, now time.Time) {
	s.touch(now)
	s.Attempts++
	s.Failures++
	s.ConsecutiveFailures++
	if err != nil {
		s.LastError = err.Error()
	}
}

// Merge folds d, recorded on a zero Stats after everything in s, into s.
func (s *Stats) Merge(d Stats) {
	if d.Attempts == 0 {
		return
	}
	s.Attempts += d.Attempts
	s.Successes += d.Successes
	s.Failures += d.Failures
	if d.ConsecutiveFailures < d.Attempts {
		s.ConsecutiveFailures = d.ConsecutiveFailures
	} else {
		s.ConsecutiveFailures += d.ConsecutiveFailures
	}
	s.TotalSuccessDuration += d.TotalSuccessDuration
	if d.LastError != "" {
		s.LastError = d.LastError
	}
	if s.FirstUsedAt.IsZero() {
		s.FirstUsedAt = d.FirstUsedAt
	}
	if d.LastUsedAt.After(s.LastUsedAt) {
		s.LastUsedAt = d.LastUsedAt
	}
}

func (s *Stats) touch(now time.Time) {
	if s.FirstUsedAt.IsZero() {
		s.FirstUsedAt = now
	}
	s.LastUsedAt = now
}

// ErrorRate returns failures/attempts, or 0 when nothing was recorded.
func (s *Stats) ErrorRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Attempts)
}

// SuccessRate returns successes/attempts, or 0 when nothing was recorded.
func (s *Stats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// AverageLatency is the mean duration of successful attempts.
func (s *Stats) AverageLatency() time.Duration {
	if s.Successes == 0 {
		return 0
	}
	return s.TotalSuccessDuration / time.Duration(s.Successes)
}

// HealthPolicy is the admission rule shared by pool admission, acquisition and eviction.
type HealthPolicy struct {
	MinAttempts  int
	MaxErrorRate float64
	MaxLatency   time.Duration
}

// DefaultHealthPolicy returns the stock thresholds.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		MinAttempts:  5,
		MaxErrorRate: 0.5,
		MaxLatency:   5 * time.Second,
	}
}

// Degraded reports whether s has enough history to be judged and fails the thresholds.
func (p HealthPolicy) Degraded(s *Stats) bool {
	if s.Attempts < p.MinAttempts {
		return false
	}
	if s.ErrorRate() > p.MaxErrorRate {
		return true
	}
	return p.MaxLatency > 0 && s.AverageLatency() > p.MaxLatency
}
