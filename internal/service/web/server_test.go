package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"egress_nexus/internal/core/rotator"
	"egress_nexus/internal/core/router"
	"egress_nexus/internal/metrics"
	"egress_nexus/internal/shared/types"
	"egress_nexus/proxypool/broker"
	"egress_nexus/proxypool/pool"
)

type fakeController struct {
	mu       sync.Mutex
	imported []string
	scheme   string
	importFn func() (int, error)
}

func (f *fakeController) lastImport() ([]string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.imported...), f.scheme
}

func (f *fakeController) PoolStats() broker.Stats {
	return broker.Stats{Healthy: true, Running: true, Providers: []string{"static"}, Pool: pool.Snapshot{Total: 3, Working: 2}}
}

func (f *fakeController) RotatorStats() rotator.Stats {
	return rotator.Stats{Total: 2, Active: 1, Selection: rotator.RoundRobin}
}

func (f *fakeController) Import(_ context.Context, lines []string, scheme string) (int, error) {
	f.mu.Lock()
	f.imported = append(f.imported, lines...)
	f.scheme = scheme
	f.mu.Unlock()
	if f.importFn != nil {
		return f.importFn()
	}
	return len(lines), nil
}

func (f *fakeController) Preview(noPool, noRotation bool) router.Strategy {
	return router.Decide(true, true, !noPool, !noRotation)
}

func newTestServer(t *testing.T, cfg types.WebConf, ctl Controller) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics.New(reg).Fallback("combined", "pool_only")
	s := NewServer(cfg, ctl, reg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, v interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestStatsEndpoints(t *testing.T) {
	ts := newTestServer(t, types.WebConf{}, &fakeController{})

	var ps broker.Stats
	resp := getJSON(t, ts.URL+"/api/pool/stats", &ps)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, 3, ps.Pool.Total)
	assert.Equal(t, 2, ps.Pool.Working)
	assert.True(t, ps.Healthy)

	var rs rotator.Stats
	getJSON(t, ts.URL+"/api/rotator/stats", &rs)
	assert.Equal(t, 2, rs.Total)
	assert.Equal(t, rotator.RoundRobin, rs.Selection)

	var st Status
	getJSON(t, ts.URL+"/api/status", &st)
	assert.Equal(t, 3, st.Pool.Pool.Total)
	assert.Equal(t, 1, st.Rotator.Active)
	assert.False(t, st.Timestamp.IsZero())

	resp, err := http.Post(ts.URL+"/api/pool/stats", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestBasicAuth(t *testing.T) {
	ts := newTestServer(t, types.WebConf{User: "admin", Password: "secret"}, &fakeController{})

	resp := getJSON(t, ts.URL+"/api/pool/stats", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/pool/stats", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/pool/stats", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// status stays public
	resp = getJSON(t, ts.URL+"/api/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestImportJSON(t *testing.T) {
	ctl := &fakeController{}
	ts := newTestServer(t, types.WebConf{}, ctl)

	body := `{"lines":["1.2.3.4:8080","5.6.7.8:1080"],"scheme":"socks5"}`
	resp, err := http.Post(ts.URL+"/api/pool/import", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.EqualValues(t, 2, out["added"])
	assert.EqualValues(t, 2, out["submitted"])
	lines, scheme := ctl.lastImport()
	assert.Equal(t, []string{"1.2.3.4:8080", "5.6.7.8:1080"}, lines)
	assert.Equal(t, "socks5", scheme)
}

func TestImportPlainText(t *testing.T) {
	ctl := &fakeController{importFn: func() (int, error) { return 1, errors.New("validator closed") }}
	ts := newTestServer(t, types.WebConf{}, ctl)

	body := "1.2.3.4:8080\n\n  5.6.7.8:3128  \n"
	resp, err := http.Post(ts.URL+"/api/pool/import?scheme=http", "text/plain", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.EqualValues(t, 1, out["added"])
	assert.Equal(t, "validator closed", out["error"])
	lines, scheme := ctl.lastImport()
	assert.Equal(t, []string{"1.2.3.4:8080", "5.6.7.8:3128"}, lines)
	assert.Equal(t, "http", scheme)
}

func TestImportRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, types.WebConf{}, &fakeController{})

	resp, err := http.Post(ts.URL+"/api/pool/import", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/pool/import", "text/plain", strings.NewReader("\n\n"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = getJSON(t, ts.URL+"/api/pool/import", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDecide(t *testing.T) {
	ts := newTestServer(t, types.WebConf{}, &fakeController{})

	tests := []struct {
		query string
		want  router.Strategy
	}{
		{"", router.Combined},
		{"?no_pool=true", router.RotationOnly},
		{"?no_rotation=1", router.PoolOnly},
		{"?no_pool=1&no_rotation=true", router.Direct},
	}
	for _, tt := range tests {
		var out struct {
			Strategy router.Strategy `json:"strategy"`
		}
		resp := getJSON(t, ts.URL+"/api/route/decide"+tt.query, &out)
		require.Equal(t, http.StatusOK, resp.StatusCode, tt.query)
		assert.Equal(t, tt.want, out.Strategy, tt.query)
	}

	resp := getJSON(t, ts.URL+"/api/route/decide?no_pool=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, types.WebConf{}, &fakeController{})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "egress_router_fallbacks_total")
}

func TestWebSocketBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewServer(types.WebConf{}, &fakeController{}, nil)
	go s.Hub().Run(ctx)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Hub().Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.Hub().Broadcast("status_update", s.handler.status())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string `json:"type"`
		Data Status `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "status_update", msg.Type)
	assert.Equal(t, 3, msg.Data.Pool.Pool.Total)

	conn.Close()
	require.Eventually(t, func() bool { return s.Hub().Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServeAndStop(t *testing.T) {
	s := NewServer(types.WebConf{BroadcastIntervalSeconds: 1}, &fakeController{}, nil)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, s.Serve(context.Background(), l))

	l2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.Error(t, s.Serve(context.Background(), l2))

	resp := getJSON(t, "http://"+s.Addr().String()+"/api/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestStartDisabled(t *testing.T) {
	s := NewServer(types.WebConf{Port: 0}, &fakeController{}, nil)
	require.NoError(t, s.Start(context.Background()))
	assert.Nil(t, s.Addr())
	require.NoError(t, s.Stop(context.Background()))
}
