// Package server exposes sessions to clients: the realtime websocket
// endpoint, the HTTP side routes and a gRPC listener for health checks.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/AjaxZhan/devspace/internal/config"
	"github.com/AjaxZhan/devspace/internal/download"
	"github.com/AjaxZhan/devspace/internal/logging"
	"github.com/AjaxZhan/devspace/internal/metrics"
	"github.com/AjaxZhan/devspace/internal/session"
)

// ServiceName is the gRPC health service reported as serving.
const ServiceName = "devspace"

// Server represents the devspace server.
type Server struct {
	config     *config.Config
	ctrl       *session.Controller
	downloads  *download.Store
	metrics    *metrics.Metrics
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	conns      sync.WaitGroup
	mu         sync.Mutex
}

// New creates a new server.
func New(cfg *config.Config, ctrl *session.Controller, downloads *download.Store, m *metrics.Metrics) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if ctrl == nil {
		return nil, errors.New("session controller is required")
	}
	if downloads == nil {
		return nil, errors.New("download store is required")
	}

	grpcServer := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)
	reflection.Register(grpcServer)

	return &Server{
		config:     cfg,
		ctrl:       ctrl,
		downloads:  downloads,
		metrics:    m,
		grpcServer: grpcServer,
		health:     hs,
	}, nil
}

// Handler returns the HTTP routes. healthClient, when set, backs /healthz.
func (s *Server) Handler(healthClient healthpb.HealthClient) (http.Handler, error) {
	var opts []runtime.ServeMuxOption
	if healthClient != nil {
		opts = append(opts, runtime.WithHealthzEndpoint(healthClient))
	}
	mux := runtime.NewServeMux(opts...)

	routes := []struct {
		method, path string
		h            http.HandlerFunc
	}{
		{http.MethodGet, "/ws", s.handleWebsocket},
		{http.MethodGet, "/config", s.handleConfig},
		{http.MethodGet, "/health", s.handleHealth},
		{http.MethodGet, "/download", s.downloads.ServeHTTP},
		{http.MethodPost, "/set-session-cookie", s.handleSessionCookie},
		{http.MethodGet, "/metrics", s.metrics.Handler().ServeHTTP},
	}
	for _, r := range routes {
		h := r.h
		if err := mux.HandlePath(r.method, r.path, func(w http.ResponseWriter, req *http.Request, _ map[string]string) {
			h(w, req)
		}); err != nil {
			return nil, fmt.Errorf("failed to register %s %s: %w", r.method, r.path, err)
		}
	}
	return mux, nil
}

// StartWithGateway starts both the gRPC listener and the HTTP server. It
// returns when either fails.
func (s *Server) StartWithGateway() error {
	grpcLis, err := net.Listen("tcp", s.config.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := s.grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	cc, err := grpc.NewClient(dialTarget(grpcLis.Addr().String()),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create health client: %w", err)
	}

	handler, err := s.Handler(healthpb.NewHealthClient(cc))
	if err != nil {
		cc.Close()
		return err
	}

	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:    s.config.Server.HTTPAddr,
		Handler: handler,
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	go func() {
		defer cc.Close()
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	logging.Info("Server listening",
		logging.String("http", s.config.Server.HTTPAddr),
		logging.String("grpc", grpcLis.Addr().String()))

	return <-errCh
}

// Stop stops accepting connections, terminates every session and stops
// the gRPC server.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			logging.Warn("HTTP shutdown incomplete", logging.Err(err))
		}
	}

	if err := s.ctrl.Shutdown(ctx); err != nil {
		logging.Warn("Session shutdown incomplete", logging.Err(err))
	}
	s.grpcServer.GracefulStop()
}

// dialTarget turns a listen address such as "[::]:9000" into one a client
// can dial.
func dialTarget(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
