package validator

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"egress_nexus/proxypool/model"
)

// fakeProxy answers forward-proxy requests itself, standing in for proxy and judge at once.
func fakeProxy(t *testing.T, h http.HandlerFunc) (*httptest.Server, *model.Resource) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)
	return srv, model.NewResource(host, port, model.CapHTTP)
}

func newTestValidator(t *testing.T, cfg Config) *Validator {
	t.Helper()
	if len(cfg.Judges) == 0 {
		cfg.Judges = []string{"http://judge.invalid/ip"}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	v, err := NewValidator(cfg, nil)
	require.NoError(t, err)
	return v
}

func TestExtractIP(t *testing.T) {
	cases := map[string]string{
		`{"origin": "203.0.113.7"}`:                  "203.0.113.7",
		`{"origin": "203.0.113.7, 198.51.100.1"}`:    "203.0.113.7",
		`{"ip":"198.51.100.20"}`:                     "198.51.100.20",
		"REMOTE_ADDR = 192.0.2.33\nHTTP_VIA = proxy": "192.0.2.33",
		"your address is 192.0.2.1 today":            "192.0.2.1",
		`{"ip":"2001:db8::1"}`:                       "2001:db8::1",
	}
	for body, want := range cases {
		got, ok := ExtractIP(body)
		assert.True(t, ok, body)
		assert.Equal(t, want, got, body)
	}

	_, ok := ExtractIP("<html>blocked</html>")
	assert.False(t, ok)
	_, ok = ExtractIP("999.999.999.999")
	assert.False(t, ok)
}

func TestDetectAnonymity(t *testing.T) {
	assert.Equal(t, model.AnonymityTransparent, DetectAnonymity(`{"origin":"198.51.100.9"}`, "198.51.100.9"))
	assert.Equal(t, model.AnonymityAnonymous, DetectAnonymity(`{"origin":"203.0.113.7","headers":{"Via":"1.1 squid"}}`, "198.51.100.9"))
	assert.Equal(t, model.AnonymityAnonymous, DetectAnonymity("REMOTE_ADDR = 203.0.113.7\nHTTP_X_FORWARDED_FOR = 10.0.0.1", ""))
	assert.Equal(t, model.AnonymityElite, DetectAnonymity(`{"origin":"203.0.113.7"}`, "198.51.100.9"))
}

func TestValidate_Success(t *testing.T) {
	var seenURL atomic.Value
	_, r := fakeProxy(t, func(w http.ResponseWriter, req *http.Request) {
		seenURL.Store(req.URL.String())
		_, _ = io.WriteString(w, `{"origin": "203.0.113.7"}`)
	})
	v := newTestValidator(t, Config{})

	assert.True(t, v.Validate(context.Background(), r))
	assert.Equal(t, "http://judge.invalid/ip", seenURL.Load())
	assert.True(t, r.Working)
	assert.Equal(t, 1, r.Stats.Successes)
	assert.Equal(t, 1, r.Stats.Attempts)
	assert.Equal(t, model.AnonymityElite, r.Anonymity)
	assert.False(t, r.LastChecked.IsZero())
}

func TestValidate_NoIPIsFailure(t *testing.T) {
	_, r := fakeProxy(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = io.WriteString(w, "<html>captcha</html>")
	})
	r.Working = true
	v := newTestValidator(t, Config{})

	assert.False(t, v.Validate(context.Background(), r))
	assert.False(t, r.Working)
	assert.Equal(t, 1, r.Stats.Failures)
	assert.Contains(t, r.Stats.LastError, "no IP")
}

func TestValidate_BadStatusIsFailure(t *testing.T) {
	_, r := fakeProxy(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"origin": "203.0.113.7"}`)
	})
	v := newTestValidator(t, Config{})

	assert.False(t, v.Validate(context.Background(), r))
	assert.Contains(t, r.Stats.LastError, "502")
}

func TestValidate_UnreachableProxy(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	require.NoError(t, l.Close())

	r := model.NewResource("127.0.0.1", addr.Port, model.CapHTTP)
	v := newTestValidator(t, Config{})

	assert.False(t, v.Validate(context.Background(), r))
	assert.False(t, r.Working)
	assert.NotEmpty(t, r.Stats.LastError)
}

func TestValidate_TriesNextJudge(t *testing.T) {
	_, r := fakeProxy(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Host == "bad.invalid" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"ip": "203.0.113.7"}`)
	})
	v := newTestValidator(t, Config{
		Judges:        []string{"http://bad.invalid/", "http://good.invalid/"},
		JudgeAttempts: 2,
	})

	for i := 0; i < 5; i++ {
		assert.True(t, v.Validate(context.Background(), r))
	}
	assert.Equal(t, 5, r.Stats.Successes)
}

func TestValidate_SOCKS4OnlyFails(t *testing.T) {
	r := model.NewResource("127.0.0.1", 1, model.CapSOCKS4)
	v := newTestValidator(t, Config{})
	assert.False(t, v.Validate(context.Background(), r))
	assert.Contains(t, r.Stats.LastError, "no dialable capability")
}

func TestValidate_Closed(t *testing.T) {
	_, r := fakeProxy(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = io.WriteString(w, `{"origin": "203.0.113.7"}`)
	})
	v := newTestValidator(t, Config{})
	require.NoError(t, v.Close())

	assert.False(t, v.Validate(context.Background(), r))
	assert.Zero(t, r.Stats.Attempts)
}

func TestValidate_CancelledContextLeavesResourceUntouched(t *testing.T) {
	r := model.NewResource("127.0.0.1", 1, model.CapHTTP)
	v := newTestValidator(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, v.Validate(ctx, r))
	assert.Zero(t, r.Stats.Attempts)
}

func TestValidate_StartedCheckSurvivesCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	_, r := fakeProxy(t, func(w http.ResponseWriter, req *http.Request) {
		close(started)
		<-release
		_, _ = io.WriteString(w, `{"origin": "203.0.113.7"}`)
	})
	v := newTestValidator(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool)
	go func() { done <- v.Validate(ctx, r) }()

	<-started
	cancel()
	close(release)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("validation did not finish")
	}
	assert.True(t, r.Working)
	assert.Equal(t, 1, r.Stats.Successes)
	assert.Zero(t, r.Stats.Failures)
	assert.Empty(t, r.Stats.LastError)
}

func TestValidateBatch_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	handler := func(w http.ResponseWriter, req *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		_, _ = io.WriteString(w, `{"origin": "203.0.113.7"}`)
	}

	var rs []*model.Resource
	for i := 0; i < 6; i++ {
		_, r := fakeProxy(t, handler)
		rs = append(rs, r)
	}
	v := newTestValidator(t, Config{Concurrency: 2})

	passed := v.ValidateBatch(context.Background(), rs)
	assert.Len(t, passed, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestNewValidator_RejectsBadConfig(t *testing.T) {
	_, err := NewValidator(Config{}, nil)
	assert.Error(t, err)
	_, err = NewValidator(Config{Judges: []string{"not a url"}}, nil)
	assert.Error(t, err)
}
