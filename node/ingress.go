package node

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/cors"
)

// ingressServer serves the aggregator JSON-RPC API to remote observers over
// HTTP and WebSocket on a single endpoint.
type ingressServer struct {
	endpoint string
	rpc      *rpc.Server
	handler  http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// newIngressServer creates the ingress. A non-nil jwtSecret makes every
// request require a token signed with it.
func newIngressServer(endpoint string, corsDomains []string, apis []rpc.API, jwtSecret []byte) (*ingressServer, error) {
	srv := rpc.NewServer()
	for _, api := range apis {
		if err := srv.RegisterName(api.Namespace, api.Service); err != nil {
			return nil, err
		}
	}
	ws := srv.WebsocketHandler(corsDomains)
	httpHandler := cors.New(cors.Options{
		AllowedOrigins: corsDomains,
		AllowedMethods: []string{http.MethodPost, http.MethodGet},
		AllowedHeaders: []string{"*"},
		MaxAge:         600,
	}).Handler(srv)

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebsocket(r) {
			ws.ServeHTTP(w, r)
			return
		}
		httpHandler.ServeHTTP(w, r)
	})
	if jwtSecret != nil {
		handler = newJWTHandler(jwtSecret, handler)
	}
	return &ingressServer{endpoint: endpoint, rpc: srv, handler: handler}, nil
}

func isWebsocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func (s *ingressServer) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("ingress server already running")
	}
	listener, err := net.Listen("tcp", s.endpoint)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}
	go s.server.Serve(listener)
	log.Info("Attestation ingress started", "url", "http://"+listener.Addr().String())
	return nil
}

func (s *ingressServer) addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *ingressServer) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
		s.server, s.listener = nil, nil
		log.Info("Attestation ingress stopped")
	}
	s.rpc.Stop()
}
