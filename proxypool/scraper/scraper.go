// Package scraper holds the discovery providers that feed candidate resources to the broker.
package scraper

import (
	"context"
	"fmt"
	"iter"
	"net"
	"strconv"
	"strings"

	"egress_nexus/proxypool/model"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

// Provider 接口定义了从代理源发现候选资源的行为。
// 实现者只负责抓取和初步解析，不进行验证。
type Provider interface {
	// Name 返回来源名称，用于日志记录和 Resource.Source。
	Name() string

	// Discover lazily yields candidates. A yielded error describes one failed page or line
	// and does not end the sequence.
	Discover(ctx context.Context) iter.Seq2[*model.Resource, error]
}

// Defaults fill in what a source does not say about its entries.
type Defaults struct {
	Capabilities model.CapabilitySet
	Priority     int
}

func DefaultDefaults() Defaults {
	return Defaults{
		Capabilities: model.NewCapabilitySet(model.CapHTTP, model.CapHTTPS),
		Priority:     1,
	}
}

// ParseLine parses "host:port" or "scheme://host:port". A scheme narrows the capabilities;
// without one the defaults apply.
func ParseLine(line string, d Defaults) (*model.Resource, error) {
	line = strings.TrimSpace(line)
	caps := d.Capabilities
	if scheme, rest, ok := strings.Cut(line, "://"); ok {
		c, err := ParseScheme(scheme)
		if err != nil {
			return nil, err
		}
		caps = c
		line = rest
	}
	line = strings.TrimSuffix(line, "/")

	host, portStr, err := net.SplitHostPort(line)
	if err != nil {
		return nil, fmt.Errorf("invalid entry %q: %w", line, err)
	}
	return newResource(host, portStr, caps, d.Priority)
}

// ParseScheme maps a protocol label as listed by sources to a capability set.
// "https" proxies are listed for CONNECT support, so they carry plain HTTP as well.
func ParseScheme(s string) (model.CapabilitySet, error) {
	c, err := model.ParseCapability(s)
	if err != nil {
		return 0, err
	}
	if c == model.CapHTTPS {
		return model.NewCapabilitySet(model.CapHTTP, model.CapHTTPS), nil
	}
	return model.NewCapabilitySet(c), nil
}

func newResource(host, portStr string, caps model.CapabilitySet, priority int) (*model.Resource, error) {
	host = strings.TrimSpace(host)
	if net.ParseIP(host) == nil && !validHostname(host) {
		return nil, fmt.Errorf("invalid host %q", host)
	}
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %q for host %s", portStr, host)
	}
	if caps.Empty() {
		return nil, fmt.Errorf("no capabilities for %s:%d", host, port)
	}
	return &model.Resource{
		Host:         host,
		Port:         port,
		Capabilities: caps,
		Priority:     priority,
	}, nil
}

func validHostname(h string) bool {
	if h == "" || len(h) > 253 {
		return false
	}
	for _, r := range h {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}
