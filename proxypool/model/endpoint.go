package model

import (
	"net"
	"strconv"
	"time"
)

// Endpoint is a rotation target: either a local source address (Port == 0) the dialer
// binds to, or a rotating forward-proxy gateway (Port > 0).
// Unlike Resource it is shared by up to MaxConcurrent callers at once.
type Endpoint struct {
	IP            string    `json:"ip"`
	Port          int       `json:"port,omitempty"`
	Region        string    `json:"region,omitempty"`
	Active        bool      `json:"active"`
	InUse         int       `json:"in_use"`
	MaxConcurrent int       `json:"max_concurrent"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	Stats         Stats     `json:"stats"`
}

// ID is "ip" for source addresses and "ip:port" for gateways.
func (e *Endpoint) ID() string {
	if e.Port > 0 {
		return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
	}
	return e.IP
}

// IsGateway reports whether the endpoint is a forward proxy rather than a bind address.
func (e *Endpoint) IsGateway() bool { return e.Port > 0 }

// Score ranks endpoints: success rate discounted by average latency in seconds.
func (e *Endpoint) Score() float64 {
	return e.Stats.SuccessRate() / (1 + e.Stats.AverageLatency().Seconds())
}

// Available reports whether a new user may be admitted at now.
func (e *Endpoint) Available(now time.Time) bool {
	if !e.Active {
		return false
	}
	if e.MaxConcurrent > 0 && e.InUse >= e.MaxConcurrent {
		return false
	}
	return !now.Before(e.CooldownUntil)
}

func (e *Endpoint) Clone() *Endpoint {
	c := *e
	return &c
}
