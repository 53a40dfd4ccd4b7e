package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/prometheus"
)

const wsWriteTimeout = 10 * time.Second

// StatusResponse is the body of /api/status.
type StatusResponse struct {
	Time         time.Time       `json:"time"`
	Version      string          `json:"version"`
	Gateways     []GatewayStatus `json:"gateways"`
	Sets         map[string]int  `json:"sets"`
	Transactions TxStats         `json:"transactions"`
	Stalled      []uint64        `json:"stalled"`
	Alerts       int             `json:"alerts"`
}

// Server serves the monitoring snapshot read-only over HTTP.
type Server struct {
	monitor  *Monitor
	config   Config
	handler  http.Handler
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates the HTTP server of a monitor.
func NewServer(m *Monitor, config Config) *Server {
	s := &Server{monitor: m, config: config}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	router := httprouter.New()
	router.GET("/api/status", s.status)
	router.GET("/api/snapshot", s.snapshot)
	router.GET("/api/transactions", s.transactions)
	router.GET("/api/observers", s.observers)
	router.GET("/api/alerts", s.alerts)
	router.GET("/api/chains", s.chains)
	router.GET("/api/stream", s.stream)
	router.Handler(http.MethodGet, "/debug/metrics/prometheus", prometheus.Handler(metrics.DefaultRegistry))

	s.handler = cors.New(cors.Options{
		AllowedOrigins: config.CORSDomains,
		AllowedMethods: []string{http.MethodGet},
		MaxAge:         600,
	}).Handler(router)
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening on the configured endpoint.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("monitor: server already running")
	}
	listener, err := net.Listen("tcp", s.config.Endpoint())
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}
	go s.server.Serve(listener)
	log.Info("Monitoring server started", "url", "http://"+listener.Addr().String())
	return nil
}

// Addr returns the listen address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
	s.server, s.listener = nil, nil
	log.Info("Monitoring server stopped")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.CORSDomains {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	log.Debug("Rejected websocket origin", "origin", origin)
	return false
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Failed to write monitoring response", "err", err)
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snap := s.monitor.Snapshot()
	writeJSON(w, StatusResponse{
		Time:         snap.Time,
		Version:      snap.Version,
		Gateways:     snap.Gateways,
		Sets:         snap.Sets,
		Transactions: snap.Transactions,
		Stalled:      snap.Stalled(),
		Alerts:       len(snap.Alerts),
	})
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, s.monitor.Snapshot())
}

func (s *Server) transactions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, s.monitor.Snapshot().Transactions)
}

func (s *Server) observers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, s.monitor.Snapshot().Observers)
}

func (s *Server) alerts(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, s.monitor.Snapshot().Alerts)
}

func (s *Server) chains(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, s.monitor.Snapshot().Chains)
}

// stream pushes every new snapshot to a websocket client.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("Websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := s.config.Refresh
	if interval <= 0 {
		interval = DefaultConfig.Refresh
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	var (
		last time.Time
		sent bool
	)
	for {
		if snap := s.monitor.Snapshot(); !sent || !snap.Time.Equal(last) {
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
			last, sent = snap.Time, true
		}
		select {
		case <-ticker.C:
		case <-closed:
			return
		}
	}
}
