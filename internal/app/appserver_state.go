package app

import (
	"context"

	"egress_nexus/internal/core/rotator"
	"egress_nexus/internal/core/router"
	"egress_nexus/internal/shared/logger"
	"egress_nexus/proxypool/broker"
)

// PoolStats 返回 broker 与资源池的当前状态。
func (s *AppServer) PoolStats() broker.Stats { return s.broker.Stats() }

// RotatorStats 返回端点轮换器的当前状态。
func (s *AppServer) RotatorStats() rotator.Stats { return s.rotator.Stats() }

// Import validates operator-supplied proxy lines and admits the working ones.
func (s *AppServer) Import(ctx context.Context, lines []string, scheme string) (int, error) {
	added, err := s.broker.Import(ctx, lines, scheme)
	logger.Debug().Int("submitted", len(lines)).Int("added", added).Str("scheme", scheme).Msg("[AppServer] Import processed.")
	return added, err
}

// Preview reports the strategy a request with these preferences would start with.
func (s *AppServer) Preview(noPool, noRotation bool) router.Strategy {
	return s.router.Preview(noPool, noRotation)
}
