package app

import (
	"fmt"
	"time"

	"egress_nexus/internal/core/rotator"
	"egress_nexus/internal/core/router"
	"egress_nexus/internal/shared/config"
	"egress_nexus/internal/shared/types"
	"egress_nexus/proxypool/broker"
	"egress_nexus/proxypool/model"
	"egress_nexus/proxypool/pool"
	"egress_nexus/proxypool/scraper"
	"egress_nexus/proxypool/validator"
)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// 以下函数把 ini 配置翻译成各组件自己的 Config。

func poolConfig(cfg *types.Config) pool.Config {
	return pool.Config{
		Policy: model.HealthPolicy{
			MinAttempts:  cfg.PoolConf.MinAttempts,
			MaxErrorRate: cfg.PoolConf.MaxErrorRate,
			MaxLatency:   cfg.PoolConf.MaxLatency(),
		},
		MaxSize: cfg.PoolConf.MaxSize,
	}
}

func brokerConfig(cfg *types.Config) broker.Config {
	bc := broker.DefaultConfig()
	bc.DiscoveryInterval = seconds(cfg.BrokerConf.DiscoveryIntervalSeconds)
	bc.CleanupInterval = seconds(cfg.BrokerConf.CleanupIntervalSeconds)
	bc.RevalidateInterval = seconds(cfg.BrokerConf.RevalidateIntervalSeconds)
	bc.LoopBackoff = seconds(cfg.BrokerConf.LoopBackoffSeconds)
	bc.HealthRateThreshold = cfg.BrokerConf.HealthRateThreshold
	if cfg.BrokerConf.RevalidateBatch > 0 {
		bc.RevalidateBatch = cfg.BrokerConf.RevalidateBatch
	}
	if cfg.BrokerConf.RefillPerMinute > 0 {
		bc.RefillPerMinute = cfg.BrokerConf.RefillPerMinute
	}
	// keep at least one validation batch in flight
	if cfg.ValidatorConf.Concurrency*2 > bc.MaxInFlight {
		bc.MaxInFlight = cfg.ValidatorConf.Concurrency * 2
	}
	return bc
}

func validatorConfig(cfg *types.Config) validator.Config {
	return validator.Config{
		Judges:        config.SplitList(cfg.ValidatorConf.Judges),
		Timeout:       seconds(cfg.ValidatorConf.TimeoutSeconds),
		Concurrency:   cfg.ValidatorConf.Concurrency,
		JudgeAttempts: cfg.ValidatorConf.JudgeAttempts,
		RealIP:        cfg.ValidatorConf.RealIP,
	}
}

func rotatorConfig(cfg *types.Config) rotator.Config {
	rc := rotator.DefaultConfig()
	c := cfg.RotatorConf
	rc.MaxConcurrent = c.MaxConcurrent
	if c.Selection != "" {
		rc.Selection = rotator.Selection(c.Selection)
	}
	rc.FailureCooldown = seconds(c.FailureCooldownSeconds)
	rc.DeactivateSuccessRate = c.DeactivateSuccessRate
	rc.DeactivateMinFailures = c.DeactivateMinFailures
	rc.MinActive = c.MinActive
	rc.ReactivateSuccessRate = c.ReactivateSuccessRate
	rc.ReactivateMax = c.ReactivateMax
	rc.HealthCheckInterval = seconds(c.HealthCheckIntervalSeconds)
	if c.ProbeTarget != "" {
		rc.ProbeTarget = c.ProbeTarget
	}
	if c.ProbeTimeoutSeconds > 0 {
		rc.ProbeTimeout = seconds(c.ProbeTimeoutSeconds)
	}
	if c.ProbeConcurrency > 0 {
		rc.ProbeConcurrency = c.ProbeConcurrency
	}
	return rc
}

func routerConfig(cfg *types.Config) router.Config {
	rc := router.DefaultConfig()
	rc.DefaultTimeout = seconds(cfg.RouterConf.DefaultTimeoutSeconds)
	rc.AffinityTTL = seconds(cfg.RouterConf.AffinityTTLSeconds)
	if cfg.RouterConf.AffinitySize > 0 {
		rc.AffinitySize = cfg.RouterConf.AffinitySize
	}
	rc.AllowDirect = cfg.RouterConf.AllowDirect
	return rc
}

// buildProviders 根据 [providers] 创建发现源; 未配置任何来源时返回空列表。
func buildProviders(cfg *types.Config) ([]scraper.Provider, error) {
	caps, err := model.ParseCapabilitySet(cfg.ProvidersConf.DefaultCapabilities)
	if err != nil {
		return nil, fmt.Errorf("providers.default_capabilities: %w", err)
	}
	d := scraper.Defaults{Capabilities: caps, Priority: cfg.ProvidersConf.DefaultPriority}
	if d.Capabilities.Empty() {
		d.Capabilities = scraper.DefaultDefaults().Capabilities
	}

	var providers []scraper.Provider
	if pages := config.SplitList(cfg.ProvidersConf.TablePages); len(pages) > 0 {
		providers = append(providers, scraper.NewTableProvider("table", pages, scraper.DefaultColumns(), d))
	}
	if lists := config.SplitList(cfg.ProvidersConf.TextLists); len(lists) > 0 {
		providers = append(providers, scraper.NewTextListProvider("textlist", lists, d))
	}
	if cfg.ProvidersConf.StaticFile != "" {
		providers = append(providers, scraper.NewStaticFileProvider("static", cfg.ProvidersConf.StaticFile, d))
	}
	return providers, nil
}
