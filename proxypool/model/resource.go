package model

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Capability is a scheme a resource can carry traffic for.
type Capability string

const (
	CapHTTP   Capability = "HTTP"
	CapHTTPS  Capability = "HTTPS"
	CapSOCKS4 Capability = "SOCKS4"
	CapSOCKS5 Capability = "SOCKS5"
)

var capabilityBits = map[Capability]CapabilitySet{
	CapHTTP:   1 << 0,
	CapHTTPS:  1 << 1,
	CapSOCKS4: 1 << 2,
	CapSOCKS5: 1 << 3,
}

var capabilityOrder = []Capability{CapHTTP, CapHTTPS, CapSOCKS4, CapSOCKS5}

// ParseCapability accepts scheme names in any case ("https", "SOCKS5", "socks5h").
func ParseCapability(s string) (Capability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http":
		return CapHTTP, nil
	case "https":
		return CapHTTPS, nil
	case "socks4", "socks4a":
		return CapSOCKS4, nil
	case "socks5", "socks5h", "socks":
		return CapSOCKS5, nil
	default:
		return "", fmt.Errorf("unknown capability %q", s)
	}
}

// CapabilityForScheme maps a request URL scheme to the capability a resource needs to carry it.
func CapabilityForScheme(scheme string) Capability {
	if strings.EqualFold(scheme, "https") {
		return CapHTTPS
	}
	return CapHTTP
}

// CapabilitySet is a small bitset of Capability values.
type CapabilitySet uint8

// NewCapabilitySet builds a set from caps.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s = s.With(c)
	}
	return s
}

func (s CapabilitySet) With(c Capability) CapabilitySet { return s | capabilityBits[c] }

func (s CapabilitySet) Has(c Capability) bool {
	bit, ok := capabilityBits[c]
	return ok && s&bit != 0
}

func (s CapabilitySet) Empty() bool { return s == 0 }

// List returns the members in a stable order.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(capabilityOrder))
	for _, c := range capabilityOrder {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s CapabilitySet) String() string {
	parts := make([]string, 0, 4)
	for _, c := range s.List() {
		parts = append(parts, string(c))
	}
	return strings.Join(parts, ",")
}

// ParseCapabilitySet parses a comma separated list such as "HTTP,HTTPS".
func ParseCapabilitySet(s string) (CapabilitySet, error) {
	var set CapabilitySet
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		c, err := ParseCapability(part)
		if err != nil {
			return 0, err
		}
		set = set.With(c)
	}
	return set, nil
}

// Anonymity is the level a judge observed for a resource.
type Anonymity string

const (
	AnonymityUnknown     Anonymity = ""
	AnonymityTransparent Anonymity = "transparent"
	AnonymityAnonymous   Anonymity = "anonymous"
	AnonymityElite       Anonymity = "elite"
)

// Resource is a candidate egress proxy.
// A Resource belongs to at most one pool; callers holding one from Acquire own it until Release.
type Resource struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	Capabilities CapabilitySet `json:"capabilities"`
	Priority     int           `json:"priority"` // lower is preferred
	Geo          string        `json:"geo,omitempty"`
	Working      bool          `json:"working"`
	Anonymity    Anonymity     `json:"anonymity,omitempty"`
	Source       string        `json:"source"`
	LastChecked  time.Time     `json:"last_checked,omitempty"`
	Stats        Stats         `json:"stats"`
}

// NewResource creates an unvalidated resource.
func NewResource(host string, port int, caps ...Capability) *Resource {
	return &Resource{
		Host:         host,
		Port:         port,
		Capabilities: NewCapabilitySet(caps...),
	}
}

// ID is the unique "host:port" identity.
func (r *Resource) ID() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Address is an alias of ID for dialing.
func (r *Resource) Address() string { return r.ID() }

// ProxyURL returns the URL used to reach the resource as a forward proxy.
// HTTP(S) proxies are preferred over SOCKS5; SOCKS4-only resources cannot be dialed.
func (r *Resource) ProxyURL() (*url.URL, error) {
	switch {
	case r.Capabilities.Has(CapHTTP), r.Capabilities.Has(CapHTTPS):
		return &url.URL{Scheme: "http", Host: r.ID()}, nil
	case r.Capabilities.Has(CapSOCKS5):
		return &url.URL{Scheme: "socks5", Host: r.ID()}, nil
	default:
		return nil, fmt.Errorf("resource %s has no dialable capability (%s)", r.ID(), r.Capabilities)
	}
}

// Clone returns a deep copy; Stats is a value type so a plain copy suffices.
func (r *Resource) Clone() *Resource {
	c := *r
	return &c
}

func (r *Resource) String() string {
	return fmt.Sprintf("%s [%s] p%d", r.ID(), r.Capabilities, r.Priority)
}
