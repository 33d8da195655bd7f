package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinyland-inc/deskbridge/pkg/config"
	"github.com/tinyland-inc/deskbridge/pkg/logger"
)

// ErrNotLoopback is returned when the configured listen host is not a
// loopback address. The bridge's trust boundary is the local machine.
var ErrNotLoopback = errors.New("bridge host must be a loopback address")

// Server exposes the hub over HTTP: the /ws upgrade endpoint plus health,
// status and metrics.
type Server struct {
	cfg      *config.Config
	hub      *Hub
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	cancel   context.CancelFunc
}

func NewServer(cfg *config.Config) *Server {
	return &Server{
		cfg: cfg,
		hub: NewHub(cfg),
		upgrader: websocket.Upgrader{
			// Local desktop apps send arbitrary Origin headers
			// (tauri://, file://); the loopback check on the remote
			// address is the actual boundary.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Hub returns the server's hub, for tests and embedding.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start runs the hub loop and serves HTTP until Stop is called.
func (s *Server) Start() error {
	ip := net.ParseIP(s.cfg.Bridge.Host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%w: %s", ErrNotLoopback, s.cfg.Bridge.Host)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.hub.Run(ctx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Bridge.Host, s.cfg.Bridge.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.InfoCF("server", "bridge listening", map[string]any{"addr": addr})
	return s.httpSrv.ListenAndServe()
}

// Stop shuts down the HTTP listener and the hub.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.hub.Close()
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !remoteIsLoopback(r.RemoteAddr) {
		logger.WarnCF("server", "rejected non-loopback connection", map[string]any{
			"remote": r.RemoteAddr,
		})
		http.Error(w, "loopback only", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("server", "upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	s.hub.Attach(conn)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	snap, err := s.hub.Snapshot(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func remoteIsLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
