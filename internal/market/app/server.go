// Package app wires the marketplace runtime and server lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	marketapi "github.com/clawos/skillmarket/internal/market/api/http"
	"github.com/clawos/skillmarket/internal/market/grant"
	"github.com/clawos/skillmarket/internal/market/service"
	marketsqlite "github.com/clawos/skillmarket/internal/market/storage/sqlite"
	"github.com/clawos/skillmarket/internal/market/telemetry"
	"github.com/clawos/skillmarket/internal/platform/config"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownTimeout = 5 * time.Second

type serverEnv struct {
	DBPath     string `env:"SKILLMARKET_MARKET_DB_PATH"`
	HealthAddr string `env:"SKILLMARKET_MARKET_HEALTH_ADDR"`
}

// Config describes a marketplace server.
type Config struct {
	Addr       string
	HealthAddr string
	DBPath     string
	Grants     grant.Config
}

// LoadConfig reads server configuration from the environment.
func LoadConfig() (Config, error) {
	var env serverEnv
	_ = config.ParseEnv(&env)
	if strings.TrimSpace(env.DBPath) == "" {
		env.DBPath = filepath.Join("data", "market.db")
	}

	grants, err := grant.LoadConfigFromEnv(nil)
	if err != nil {
		return Config{}, err
	}
	return Config{
		HealthAddr: env.HealthAddr,
		DBPath:     env.DBPath,
		Grants:     grants,
	}, nil
}

// Server hosts the marketplace JSON API, a gRPC health endpoint and the
// storage lifecycle.
type Server struct {
	httpListener   net.Listener
	httpServer     *http.Server
	healthListener net.Listener
	grpcServer     *grpc.Server
	health         *health.Server
	store          *marketsqlite.Store
}

// New creates a configured marketplace server. The gRPC health listener is
// optional; an empty HealthAddr disables it.
func New(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("server address is required")
	}
	httpListener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	store, err := openMarketStore(cfg.DBPath)
	if err != nil {
		_ = httpListener.Close()
		return nil, err
	}

	svc := service.NewService(store, cfg.Grants, telemetry.NewEmitter(store, nil), nil)
	mux := http.NewServeMux()
	marketapi.NewServer(svc).RegisterRoutes(mux)

	server := &Server{
		httpListener: httpListener,
		httpServer:   &http.Server{Handler: mux},
		store:        store,
	}

	if strings.TrimSpace(cfg.HealthAddr) != "" {
		healthListener, err := net.Listen("tcp", cfg.HealthAddr)
		if err != nil {
			server.Close()
			return nil, fmt.Errorf("listen on %s: %w", cfg.HealthAddr, err)
		}
		grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		healthServer := health.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		healthServer.SetServingStatus("skillmarket.v1.Market", grpc_health_v1.HealthCheckResponse_SERVING)

		server.healthListener = healthListener
		server.grpcServer = grpcServer
		server.health = healthServer
	}

	return server, nil
}

// Addr returns the JSON API listener address.
func (s *Server) Addr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// HealthAddr returns the gRPC health listener address, if enabled.
func (s *Server) HealthAddr() string {
	if s == nil || s.healthListener == nil {
		return ""
	}
	return s.healthListener.Addr().String()
}

// Run creates and serves a marketplace server until context cancellation.
func Run(ctx context.Context, port int) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	cfg.Addr = fmt.Sprintf(":%d", port)
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the servers until context cancellation.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("market server listening at %v", s.httpListener.Addr())
	serveErr := make(chan error, 2)
	go func() {
		err := s.httpServer.Serve(s.httpListener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()
	if s.grpcServer != nil {
		log.Printf("market health server listening at %v", s.healthListener.Addr())
		go func() {
			err := s.grpcServer.Serve(s.healthListener)
			if errors.Is(err, grpc.ErrServerStopped) {
				err = nil
			}
			serveErr <- err
		}()
	}

	select {
	case <-ctx.Done():
		s.shutdown()
		return nil
	case err := <-serveErr:
		if err == nil {
			return nil
		}
		return fmt.Errorf("serve market: %w", err)
	}
}

func (s *Server) shutdown() {
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown market server: %v", err)
		}
	}
}

// Close releases marketplace server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.httpListener != nil {
		_ = s.httpListener.Close()
	}
	if s.healthListener != nil {
		_ = s.healthListener.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close market store: %v", err)
		}
	}
}

func openMarketStore(path string) (*marketsqlite.Store, error) {
	if strings.TrimSpace(path) == "" {
		path = filepath.Join("data", "market.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := marketsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open market sqlite store: %w", err)
	}
	return store, nil
}
