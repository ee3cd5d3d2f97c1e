// ABOUTME: Gateway orchestrator that wires the broker, agents and servers
// ABOUTME: Owns the HTTP, WebSocket and gRPC health lifecycle plus shutdown order

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/coder/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/quill-gateway/internal/accounts"
	"github.com/2389/quill-gateway/internal/auth"
	"github.com/2389/quill-gateway/internal/broker"
	"github.com/2389/quill-gateway/internal/config"
	"github.com/2389/quill-gateway/internal/documents"
	"github.com/2389/quill-gateway/internal/eventbus"
	"github.com/2389/quill-gateway/internal/relay"
	"github.com/2389/quill-gateway/internal/revocation"
	"github.com/2389/quill-gateway/internal/rooms"
	"github.com/2389/quill-gateway/internal/store"
	"github.com/2389/quill-gateway/internal/versions"
)

const (
	shutdownTimeout     = 5 * time.Second
	revocationSweep     = time.Minute
	redisConnectTimeout = 5 * time.Second
)

// Gateway owns every component of a running quill-gateway.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store     store.Store
	bus       *eventbus.Bus
	broker    *broker.Broker
	rooms     *rooms.Manager
	accounts  *accounts.Agent
	documents *documents.Agent
	versions  *versions.Agent

	issuer  *auth.JWTIssuer
	authn   *auth.Authenticator
	revoked revocation.Store
	relay   *relay.NATSRelay

	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	unbridge eventbus.Unsubscribe
	started  time.Time
}

// New opens the database named in cfg and builds a gateway around it.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	gw, err := newGateway(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func newGateway(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	revoked, err := newRevocationStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:  cfg,
		logger:  logger.With("component", "gateway"),
		store:   s,
		bus:     eventbus.New(cfg.Events.HistorySize, logger),
		broker:  broker.New(logger),
		rooms:   rooms.NewManager(logger),
		issuer:  auth.NewJWTIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL),
		revoked: revoked,
		started: time.Now(),
	}
	gw.authn = auth.NewAuthenticator(gw.issuer, revoked, logger)

	gw.accounts = accounts.New(s, gw.bus, gw.issuer, revoked, logger)
	gw.documents = documents.New(s, gw.bus, logger)
	gw.versions = versions.New(s, gw.bus, logger)
	for _, a := range []broker.Agent{gw.accounts, gw.documents, gw.versions} {
		if err := gw.broker.RegisterAgent(a); err != nil {
			_ = revoked.Close()
			return nil, fmt.Errorf("registering agent: %w", err)
		}
	}

	gw.unbridge = gw.rooms.Bridge(gw.bus)

	if cfg.Relay.NATSURL != "" {
		r, err := relay.NewNATSRelay(cfg.Relay.NATSURL, cfg.Relay.SubjectPrefix, logger)
		if err != nil {
			gw.unbridge()
			_ = revoked.Close()
			return nil, err
		}
		r.Attach(gw.bus)
		gw.relay = r
	}

	gw.grpcServer, gw.health = newGRPCServer()

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

func newRevocationStore(cfg *config.Config, logger *slog.Logger) (revocation.Store, error) {
	if cfg.Revocation.RedisURL == "" {
		return revocation.NewMemoryStore(revocation.DefaultMaxEntries, revocationSweep), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()
	return revocation.NewRedisStore(ctx, cfg.Revocation.RedisURL, logger)
}

// setupTCPListeners creates standard TCP listeners. The gRPC listener is nil
// when no gRPC address is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning their error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		select {
		case more := <-errCh:
			g.logger.Error("additional server error", "error", more)
		default:
		}
		return err
	}
}

// Start launches the agents and marks the broker as serving.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.broker.StartAll(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("starting agents: %w", err)
	}
	g.syncHealth()
	g.logger.Info("agents started", "agents", len(g.broker.Agents()), "ready", g.broker.Ready())
	return nil
}

// Run starts the agents and servers and blocks until ctx is canceled or a
// server fails, then shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		g.gracefulShutdown()
		return err
	}

	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		g.gracefulShutdown()
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown runs Shutdown on a fresh context since the caller's one
// is usually already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "quill-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and serves HTTPS on :443 with
// Tailscale certificates and gRPC health on :50051.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	httpLn = tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	})
	return grpcLn, httpLn, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, then the agents, then releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	g.health.Shutdown()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.rooms.CloseAll(int(websocket.StatusGoingAway), "server shutting down")
	g.shutdownGRPCServer(ctx)

	g.broker.StopAll()

	if g.relay != nil {
		errs = appendCloseError(errs, "relay close", g.relay.Close())
	}
	errs = appendCloseError(errs, "revocation close", g.revoked.Close())
	if g.unbridge != nil {
		g.unbridge()
	}
	g.bus.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
