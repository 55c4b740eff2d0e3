package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"egress_nexus/internal/shared/types"
	"egress_nexus/proxypool/model"
)

// LoadIni 加载 ini 配置文件, 覆盖 cfg 中已有的默认值, 然后应用环境变量并校验。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	return apply(cfg, iniFile)
}

// LoadIniBytes is LoadIni for in-memory content.
func LoadIniBytes(cfg *types.Config, content []byte) error {
	iniFile, err := ini.Load(content)
	if err != nil {
		return err
	}
	return apply(cfg, iniFile)
}

func apply(cfg *types.Config, iniFile *ini.File) error {
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvString(&cfg.LogConf.Level, "EGRESS_LOG_LEVEL")
	overrideFromEnvInt(&cfg.WebConf.Port, "EGRESS_WEB_PORT")
	overrideFromEnvString(&cfg.ValidatorConf.RealIP, "EGRESS_REAL_IP")
	return Validate(cfg)
}

// Validate rejects thresholds the core cannot operate with.
func Validate(cfg *types.Config) error {
	var errs []error
	check := func(ok bool, field, reason string) {
		if !ok {
			errs = append(errs, &types.ConfigurationError{Field: field, Reason: reason})
		}
	}

	check(cfg.PoolConf.MinAttempts >= 0, "pool.min_attempts", "must not be negative")
	check(cfg.PoolConf.MaxErrorRate >= 0 && cfg.PoolConf.MaxErrorRate <= 1, "pool.max_error_rate", "must be within [0,1]")
	check(cfg.PoolConf.MaxLatencyMs >= 0, "pool.max_latency_ms", "must not be negative")
	check(cfg.PoolConf.MaxSize >= 0, "pool.max_size", "must not be negative")

	check(cfg.BrokerConf.DiscoveryIntervalSeconds > 0, "broker.discovery_interval_seconds", "must be positive")
	check(cfg.BrokerConf.CleanupIntervalSeconds > 0, "broker.cleanup_interval_seconds", "must be positive")
	check(cfg.BrokerConf.RevalidateIntervalSeconds >= 0, "broker.revalidate_interval_seconds", "must not be negative")
	check(cfg.BrokerConf.LoopBackoffSeconds >= 0, "broker.loop_backoff_seconds", "must not be negative")
	check(cfg.BrokerConf.HealthRateThreshold >= 0 && cfg.BrokerConf.HealthRateThreshold <= 1, "broker.health_rate_threshold", "must be within [0,1]")

	check(cfg.ValidatorConf.TimeoutSeconds > 0, "validator.timeout_seconds", "must be positive")
	check(cfg.ValidatorConf.Concurrency > 0, "validator.concurrency", "must be positive")
	check(len(SplitList(cfg.ValidatorConf.Judges)) > 0, "validator.judges", "at least one judge is required")

	check(cfg.RotatorConf.MaxConcurrent >= 0, "rotator.max_concurrent", "must not be negative")
	check(cfg.RotatorConf.FailureCooldownSeconds >= 0, "rotator.failure_cooldown_seconds", "must not be negative")
	check(cfg.RotatorConf.Selection == "" || cfg.RotatorConf.Selection == "round_robin" || cfg.RotatorConf.Selection == "weighted",
		"rotator.selection", "must be round_robin or weighted")
	if _, err := ParseEndpoints(cfg.RotatorConf.Endpoints, 0); err != nil {
		errs = append(errs, &types.ConfigurationError{Field: "rotator.endpoints", Reason: err.Error()})
	}

	check(cfg.RouterConf.DefaultTimeoutSeconds > 0, "router.default_timeout_seconds", "must be positive")
	check(cfg.RouterConf.AffinityTTLSeconds >= 0, "router.affinity_ttl_seconds", "must not be negative")

	if _, err := model.ParseCapabilitySet(cfg.ProvidersConf.DefaultCapabilities); err != nil {
		errs = append(errs, &types.ConfigurationError{Field: "providers.default_capabilities", Reason: err.Error()})
	}

	return errors.Join(errs...)
}

// SplitList splits a comma separated value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseEndpoints parses "ip[:port][@region]" entries into active endpoints.
// IPv6 gateways use the bracketed form "[2001:db8::1]:8080".
func ParseEndpoints(s string, maxConcurrent int) ([]*model.Endpoint, error) {
	var endpoints []*model.Endpoint
	for _, item := range SplitList(s) {
		addr, region, _ := strings.Cut(item, "@")
		e := &model.Endpoint{Region: region, Active: true, MaxConcurrent: maxConcurrent}
		if host, portStr, err := net.SplitHostPort(addr); err == nil {
			port, err := strconv.Atoi(portStr)
			if err != nil || port <= 0 || port > 65535 {
				return nil, fmt.Errorf("invalid endpoint port in %q", item)
			}
			e.IP, e.Port = host, port
		} else {
			e.IP = strings.Trim(addr, "[]")
		}
		if net.ParseIP(e.IP) == nil {
			return nil, fmt.Errorf("invalid endpoint address in %q", item)
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, nil
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
