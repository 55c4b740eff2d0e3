package types

import (
	"fmt"
	"time"
)

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// PoolConf 资源池的准入/淘汰阈值
type PoolConf struct {
	MinAttempts  int     `ini:"min_attempts"`
	MaxErrorRate float64 `ini:"max_error_rate"`
	MaxLatencyMs int     `ini:"max_latency_ms"`
	MaxSize      int     `ini:"max_size"` // 0 = unbounded
}

func (c PoolConf) MaxLatency() time.Duration {
	return time.Duration(c.MaxLatencyMs) * time.Millisecond
}

// BrokerConf 后台发现/清理/复检循环
type BrokerConf struct {
	DiscoveryIntervalSeconds  int     `ini:"discovery_interval_seconds"`
	CleanupIntervalSeconds    int     `ini:"cleanup_interval_seconds"`
	RevalidateIntervalSeconds int     `ini:"revalidate_interval_seconds"`
	RevalidateBatch           int     `ini:"revalidate_batch"`
	LoopBackoffSeconds        int     `ini:"loop_backoff_seconds"`
	HealthRateThreshold       float64 `ini:"health_rate_threshold"`
	RefillPerMinute           int     `ini:"refill_per_minute"`
	SnapshotPath              string  `ini:"snapshot_path"`
}

// ValidatorConf configures judge checks.
type ValidatorConf struct {
	Judges         string `ini:"judges"` // comma separated URLs
	TimeoutSeconds int    `ini:"timeout_seconds"`
	Concurrency    int    `ini:"concurrency"`
	JudgeAttempts  int    `ini:"judge_attempts"`
	RealIP         string `ini:"real_ip"`
}

// RotatorConf configures the endpoint rotator.
type RotatorConf struct {
	Endpoints                  string  `ini:"endpoints"` // "ip[:port][@region]", comma separated
	MaxConcurrent              int     `ini:"max_concurrent"`
	Selection                  string  `ini:"selection"` // round_robin | weighted
	FailureCooldownSeconds     int     `ini:"failure_cooldown_seconds"`
	DeactivateSuccessRate      float64 `ini:"deactivate_success_rate"`
	DeactivateMinFailures      int     `ini:"deactivate_min_failures"`
	MinActive                  int     `ini:"min_active"`
	ReactivateSuccessRate      float64 `ini:"reactivate_success_rate"`
	ReactivateMax              int     `ini:"reactivate_max"`
	HealthCheckIntervalSeconds int     `ini:"health_check_interval_seconds"`
	ProbeTarget                string  `ini:"probe_target"`
	ProbeTimeoutSeconds        int     `ini:"probe_timeout_seconds"`
	ProbeConcurrency           int     `ini:"probe_concurrency"`
}

// RouterConf configures per-request routing.
type RouterConf struct {
	DefaultTimeoutSeconds int  `ini:"default_timeout_seconds"`
	AffinityTTLSeconds    int  `ini:"affinity_ttl_seconds"`
	AffinitySize          int  `ini:"affinity_size"`
	AllowDirect           bool `ini:"allow_direct"`
}

// WebConf 状态面板; port 0 disables it.
type WebConf struct {
	Port                     int    `ini:"port"`
	User                     string `ini:"user"`
	Password                 string `ini:"password"`
	BroadcastIntervalSeconds int    `ini:"broadcast_interval_seconds"`
}

// ProvidersConf lists the discovery sources to build at startup.
type ProvidersConf struct {
	TablePages          string `ini:"table_pages"` // comma separated URLs
	TextLists           string `ini:"text_lists"`
	StaticFile          string `ini:"static_file"`
	DefaultCapabilities string `ini:"default_capabilities"`
	DefaultPriority     int    `ini:"default_priority"`
}

// Config 是项目的统一配置结构体
type Config struct {
	LogConf       `ini:"log"`
	PoolConf      `ini:"pool"`
	BrokerConf    `ini:"broker"`
	ValidatorConf `ini:"validator"`
	RotatorConf   `ini:"rotator"`
	RouterConf    `ini:"router"`
	WebConf       `ini:"web"`
	ProvidersConf `ini:"providers"`
}

// DefaultConfig returns a Config with every tunable set to its stock value.
func DefaultConfig() *Config {
	return &Config{
		LogConf: LogConf{Level: "info"},
		PoolConf: PoolConf{
			MinAttempts:  5,
			MaxErrorRate: 0.5,
			MaxLatencyMs: 5000,
		},
		BrokerConf: BrokerConf{
			DiscoveryIntervalSeconds:  600,
			CleanupIntervalSeconds:    120,
			RevalidateIntervalSeconds: 300,
			RevalidateBatch:           50,
			LoopBackoffSeconds:        30,
			HealthRateThreshold:       0.5,
			RefillPerMinute:           2,
		},
		ValidatorConf: ValidatorConf{
			Judges:         "http://httpbin.org/get?show_env,https://httpbin.org/get?show_env",
			TimeoutSeconds: 8,
			Concurrency:    32,
			JudgeAttempts:  2,
		},
		RotatorConf: RotatorConf{
			MaxConcurrent:              4,
			Selection:                  "round_robin",
			FailureCooldownSeconds:     30,
			DeactivateSuccessRate:      0.1,
			DeactivateMinFailures:      5,
			MinActive:                  2,
			ReactivateSuccessRate:      0.3,
			ReactivateMax:              2,
			HealthCheckIntervalSeconds: 120,
			ProbeTarget:                "1.1.1.1:443",
			ProbeTimeoutSeconds:        5,
			ProbeConcurrency:           8,
		},
		RouterConf: RouterConf{
			DefaultTimeoutSeconds: 30,
			AffinityTTLSeconds:    600,
			AffinitySize:          1024,
			AllowDirect:           true,
		},
		WebConf: WebConf{BroadcastIntervalSeconds: 5},
		ProvidersConf: ProvidersConf{
			DefaultCapabilities: "HTTP,HTTPS",
			DefaultPriority:     1,
		},
	}
}

// ConfigurationError reports an invalid configuration value.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}
