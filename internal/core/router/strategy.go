package router

// Strategy is how one request reaches its target.
type Strategy string

const (
	Combined     Strategy = "combined"      // pool proxy dialed from a rotation source address
	PoolOnly     Strategy = "pool_only"     // pool proxy
	RotationOnly Strategy = "rotation_only" // rotation endpoint
	Direct       Strategy = "direct"        // neither
)

// Decide picks a strategy from backend health and the caller's preferences. It is pure.
func Decide(poolHealthy, rotationHealthy, wantPool, wantRotation bool) Strategy {
	usePool := poolHealthy && wantPool
	useRotation := rotationHealthy && wantRotation
	switch {
	case usePool && useRotation:
		return Combined
	case usePool:
		return PoolOnly
	case useRotation:
		return RotationOnly
	default:
		return Direct
	}
}

// degrade returns the strategy to try after the backend of kind failed to supply a lease
// under s, or "" when nothing is left.
func degrade(s Strategy, failed Kind, allowDirect bool) Strategy {
	switch s {
	case Combined:
		if failed == KindPool {
			return RotationOnly
		}
		return PoolOnly
	case PoolOnly, RotationOnly:
		if allowDirect {
			return Direct
		}
	}
	return ""
}

// kinds lists the backends s draws from, pool first.
func (s Strategy) kinds() []Kind {
	switch s {
	case Combined:
		return []Kind{KindPool, KindRotation}
	case PoolOnly:
		return []Kind{KindPool}
	case RotationOnly:
		return []Kind{KindRotation}
	}
	return nil
}
