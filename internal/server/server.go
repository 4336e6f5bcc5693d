package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ppiankov/voxgate/internal/audit"
	"github.com/ppiankov/voxgate/internal/config"
	"github.com/ppiankov/voxgate/internal/dispatch"
	"github.com/ppiankov/voxgate/internal/mcp"
	"github.com/ppiankov/voxgate/internal/policy"
	"github.com/ppiankov/voxgate/internal/protocol"
)

// HealthService is the gRPC health service name that mirrors the controller connection.
const HealthService = "voxgate.controller"

const (
	minBackoff       = time.Second
	maxBackoff       = 30 * time.Second
	stableConnection = 30 * time.Second
)

// Options holds what New needs beyond the loaded config.
type Options struct {
	Config     *config.Config
	ConfigPath string
	Version    string
	Logger     *slog.Logger
	// Dialer overrides the controller transport. For testing.
	Dialer protocol.Dialer
}

// Server wires the audit trail, policy engine, protocol client, dispatcher,
// MCP tools and health service into one gateway.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	trail      *audit.Trail
	engine     *policy.Engine
	client     *protocol.Client
	dispatcher *dispatch.Dispatcher
	mcp        *mcp.Server

	health     *health.Server
	grpcServer *grpc.Server
	stateCh    chan struct{}
}

// New builds the gateway. It does not connect; call KeepConnected or Connect.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var sink *audit.Log
	if cfg.Audit.Path != "" {
		var err error
		sink, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	}
	trail := audit.NewTrail(cfg.Audit.Capacity, sink)

	policyCfg := cfg.Policy
	engine, err := policy.NewEngine(&policyCfg, trail)
	if err != nil {
		trail.Close()
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		logger:     logger.With("component", "server"),
		trail:      trail,
		engine:     engine,
		health:     health.NewServer(),
		stateCh:    make(chan struct{}, 1),
	}
	if sink != nil {
		s.logger.Info("audit log opened", "path", sink.Path(), "entries", sink.Entries())
		if last := sink.PolicyHash(); last != "" && last != engine.Hash() {
			s.logger.Warn("policy changed since the last audited decision", "previous", last, "current", engine.Hash())
		}
	}
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	s.client = protocol.New(protocol.Options{
		Endpoint:        cfg.Controller.Endpoint,
		AccessToken:     cfg.Controller.Token,
		RequestTimeout:  cfg.Controller.RequestTimeout,
		AuthTimeout:     cfg.Controller.AuthTimeout,
		SubscribeEvents: cfg.Controller.SubscribeEvents,
		Dialer:          opts.Dialer,
		Logger:          logger,
		OnStateChange:   s.mirrorState,
	})
	s.client.Subscribe(protocol.AnyEvent, func(ev protocol.Event) {
		s.logger.Debug("controller event", "event_type", ev.EventType, "bytes", len(ev.Data))
	})

	s.dispatcher, err = dispatch.New(engine, s.client, dispatch.Options{
		RequestTimeout: cfg.Controller.RequestTimeout,
		RatePerSecond:  cfg.Dispatch.RatePerSecond,
		Burst:          cfg.Dispatch.Burst,
		Recorder:       trail,
		Logger:         logger,
	})
	if err != nil {
		trail.Close()
		return nil, err
	}

	s.mcp = mcp.New(s.dispatcher, trail, opts.Version)

	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	return s, nil
}

// Dispatcher returns the command dispatcher.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Engine returns the policy engine.
func (s *Server) Engine() *policy.Engine { return s.engine }

// Client returns the controller client.
func (s *Server) Client() *protocol.Client { return s.client }

// Trail returns the audit trail.
func (s *Server) Trail() *audit.Trail { return s.trail }

// Connect opens the controller connection once.
func (s *Server) Connect(ctx context.Context) error {
	return s.client.Connect(ctx)
}

// KeepConnected connects and reconnects with exponential backoff whenever the
// connection drops. The backoff also applies after a drop and only resets once
// a connection has stayed up for stableConnection. It returns when ctx is
// cancelled or the controller rejects the access token.
func (s *Server) KeepConnected(ctx context.Context) error {
	backoff := minBackoff
	for {
		err := s.client.Connect(ctx)
		var authErr *protocol.AuthError
		switch {
		case err == nil, errors.Is(err, protocol.ErrAlreadyConnected):
			connectedAt := time.Now()
			if !s.waitForDrop(ctx) {
				return nil
			}
			if time.Since(connectedAt) >= stableConnection {
				backoff = minBackoff
			}
			s.logger.Warn("controller connection lost", "retry_in", backoff)
		case errors.As(err, &authErr):
			return err
		case ctx.Err() != nil:
			return nil
		default:
			s.logger.Warn("controller connect failed", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// waitForDrop blocks until the client leaves Ready. It returns false if ctx ends first.
func (s *Server) waitForDrop(ctx context.Context) bool {
	for {
		if !protocol.IsReady(s.client.State()) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-s.stateCh:
		}
	}
}

// mirrorState runs under the client lock on every transition.
func (s *Server) mirrorState(st protocol.ConnState) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if protocol.IsReady(st) {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthService, status)
	s.health.SetServingStatus("", status)

	select {
	case s.stateCh <- struct{}{}:
	default:
	}
}

// ReloadPolicy re-reads the policy section of the config file and swaps it in.
// Called by the hot-reloader on file change.
func (s *Server) ReloadPolicy() error {
	cfg, err := config.LoadPolicy(s.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload policy config: %w", err)
	}
	if err := s.engine.Update(cfg); err != nil {
		return err
	}
	return nil
}

// Serve starts the health service on the configured address. Blocks until stopped.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.cfg.Server.HealthAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.HealthAddr, err)
	}
	return s.grpcServer.Serve(lis)
}

// ServeOn starts the health service on the given listener. For testing.
func (s *Server) ServeOn(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// RunMCP serves the MCP tools on stdio until ctx is cancelled.
func (s *Server) RunMCP(ctx context.Context) error {
	return s.mcp.Run(ctx)
}

// GracefulStop shuts down the health service.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Close disconnects from the controller and closes the durable audit log.
func (s *Server) Close() error {
	return errors.Join(s.client.Disconnect(), s.trail.Close())
}
