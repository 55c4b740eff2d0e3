package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"egress_nexus/internal/shared/logger"
	"egress_nexus/internal/shared/types"
)

// --- DIAGNOSTIC HELPER: A listener that logs accepted connections ---
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Msgf(" [WebServer DIAGNOSTIC] Connection accepted from: %s ", conn.RemoteAddr())
	}
	return conn, err
}

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Server serves the status API, the metrics endpoint and the websocket feed.
type Server struct {
	cfg      types.WebConf
	handler  *Handler
	hub      *Hub
	gatherer prometheus.Gatherer

	mu     sync.Mutex
	srv    *http.Server
	addr   net.Addr
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires the handlers. gatherer may be nil, in which case /metrics is not mounted.
func NewServer(cfg types.WebConf, controller Controller, gatherer prometheus.Gatherer) *Server {
	return &Server{
		cfg:      cfg,
		handler:  NewHandler(controller),
		hub:      NewHub(),
		gatherer: gatherer,
	}
}

// Hub exposes the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	user, pass := s.cfg.User, s.cfg.Password
	protect := func(f http.HandlerFunc) http.Handler { return basicAuthMiddleware(f, user, pass) }

	mux.Handle("/api/pool/stats", protect(s.handler.HandlePoolStats))
	mux.Handle("/api/pool/import", protect(s.handler.HandleImport))
	mux.Handle("/api/rotator/stats", protect(s.handler.HandleRotatorStats))
	mux.Handle("/api/route/decide", protect(s.handler.HandleDecide))

	// 公开的状态 API
	mux.HandleFunc("/api/status", s.handler.HandleStatus)

	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(s.hub, w, r)
	})
	return mux
}

// Start listens on the configured port and starts the hub and the stats broadcaster.
// A port of 0 disables the web server.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Port <= 0 {
		logger.Info().Msg("[WebServer] Status API is disabled (port is 0 or not set).")
		return nil
	}
	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("web: listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve runs the server on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		listener.Close()
		return errors.New("web: server already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.addr = listener.Addr()
	srv := s.srv
	s.mu.Unlock()

	logger.Info().Msgf("SUCCESS: Status API is listening on http://%s", listener.Addr())

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.hub.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.broadcastLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(loggingListener{Listener: listener}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
	return nil
}

// Addr is the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) broadcastLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.BroadcastIntervalSeconds) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.Clients() == 0 {
				continue
			}
			s.hub.Broadcast("status_update", s.handler.status())
		}
	}
}

// Stop shuts the HTTP server down and waits for the background goroutines.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.srv, s.cancel
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	cancel()
	err := srv.Shutdown(ctx)
	s.wg.Wait()
	return err
}
