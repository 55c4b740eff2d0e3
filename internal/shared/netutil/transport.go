// Package netutil builds the HTTP transports used to reach a target through a pooled
// proxy, a rotation endpoint, both, or neither.
package netutil

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// Route describes one egress path.
type Route struct {
	// Upstream is an http:// or socks5:// forward proxy; nil dials the target directly.
	Upstream *url.URL
	// LocalIP binds outgoing connections (to the upstream or the target) to a source address.
	LocalIP net.IP
	Timeout time.Duration
	// Traffic, when set, receives byte counts for every dialed connection.
	Traffic *Traffic
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NewTransport returns a single-use transport for r. Keep-alives are disabled so the
// caller can drop it after one exchange.
func NewTransport(r Route) (*http.Transport, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	if r.LocalIP != nil {
		base.LocalAddr = &net.TCPAddr{IP: r.LocalIP}
	}

	t := &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout:   timeout / 2,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     true,
	}
	dial := dialFunc(base.DialContext)

	if r.Upstream != nil {
		switch r.Upstream.Scheme {
		case "http", "https":
			t.Proxy = http.ProxyURL(r.Upstream)
		case "socks5", "socks5h":
			var auth *proxy.Auth
			if u := r.Upstream.User; u != nil {
				pw, _ := u.Password()
				auth = &proxy.Auth{User: u.Username(), Password: pw}
			}
			d, err := proxy.SOCKS5("tcp", r.Upstream.Host, auth, base)
			if err != nil {
				return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
			}
			cd, ok := d.(proxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", r.Upstream.Host)
			}
			dial = cd.DialContext
		default:
			return nil, fmt.Errorf("unsupported upstream scheme %q", r.Upstream.Scheme)
		}
	}

	if r.Traffic != nil {
		inner := dial
		dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := inner(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return NewCountedConn(conn, r.Traffic), nil
		}
	}
	t.DialContext = dial
	return t, nil
}

// NewClient wraps NewTransport in a client bounded by the route timeout.
func NewClient(r Route) (*http.Client, error) {
	t, err := NewTransport(r)
	if err != nil {
		return nil, err
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Transport: t, Timeout: timeout}, nil
}
