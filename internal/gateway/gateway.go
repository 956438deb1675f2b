// ABOUTME: Gateway orchestrator that wires sessions, routing, replies and servers
// ABOUTME: Manages the HTTP API, websocket fan-out, gRPC health and tsnet listeners

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/chorus-gateway/internal/auth"
	"github.com/2389/chorus-gateway/internal/clock"
	"github.com/2389/chorus-gateway/internal/completion"
	"github.com/2389/chorus-gateway/internal/config"
	"github.com/2389/chorus-gateway/internal/dedupe"
	"github.com/2389/chorus-gateway/internal/notify"
	"github.com/2389/chorus-gateway/internal/protocol"
	"github.com/2389/chorus-gateway/internal/realtime"
	"github.com/2389/chorus-gateway/internal/reply"
	"github.com/2389/chorus-gateway/internal/router"
	"github.com/2389/chorus-gateway/internal/session"
	"github.com/2389/chorus-gateway/internal/store"
)

// dedupeSweepInterval is how often expired inbound message keys are dropped.
const dedupeSweepInterval = time.Minute

// Deps are collaborators New cannot derive from config alone. Nil fields
// are built from config.
type Deps struct {
	Factory   protocol.Factory // required
	Store     store.Store
	Completer completion.Completer
	Mailer    notify.Mailer
	Redis     *redis.Client
	Clock     clock.Clock
	QRWriter  io.Writer
}

// Gateway orchestrates the chorus-gateway server components.
type Gateway struct {
	config     *config.Config
	store      store.Store
	hub        *realtime.Hub
	relay      *realtime.RedisRelay
	redis      *redis.Client
	ownsRedis  bool
	sessions   *session.Controller
	router     *router.Router
	dedupe     *dedupe.Cache
	health     *health.Server
	grpcServer *grpc.Server
	httpServer *http.Server
	handler    http.Handler

	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// nodeID identifies this gateway instance on the relay
	nodeID string

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the SQLite database named by config, or by CHORUS_DB_PATH when set.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CHORUS_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newGRPCServer creates the gRPC server carrying the health service.
func newGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

func buildCompleter(cfg *config.Config) completion.Completer {
	return completion.NewOpenAI(completion.Config{
		BaseURL:      cfg.AI.BaseURL,
		APIKey:       cfg.AI.APIKey,
		DefaultModel: cfg.AI.DefaultModel,
		Timeout:      cfg.AI.Timeout,
	})
}

func buildMailer(cfg *config.Config, logger *slog.Logger) notify.Mailer {
	if !cfg.Mail.Enabled {
		logger.Warn("mail disabled, advisor escalations will only be logged")
		return notify.NewLogMailer(logger)
	}
	return notify.NewSMTPMailer(notify.SMTPConfig{
		Addr:     cfg.Mail.SMTPAddr,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
		From:     cfg.Mail.From,
	})
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if deps.Factory == nil {
		return nil, errors.New("gateway requires a protocol client factory")
	}
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}

	s := deps.Store
	if s == nil {
		var err error
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	gw := &Gateway{
		config: cfg,
		store:  s,
		hub:    realtime.NewHub(logger),
		dedupe: dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize, clk),
		health: health.NewServer(),
		logger: logger.With("component", "gateway"),
		nodeID: generateNodeID(),
	}

	gw.redis = deps.Redis
	if gw.redis == nil && cfg.Realtime.RedisAddr != "" {
		gw.redis = redis.NewClient(&redis.Options{Addr: cfg.Realtime.RedisAddr})
		gw.ownsRedis = true
	}
	if gw.redis != nil {
		gw.relay = realtime.NewRedisRelay(gw.redis, gw.hub, cfg.Realtime.ChannelPrefix, gw.nodeID, logger)
		gw.hub.SetRelay(gw.relay)
	}

	gw.sessions = session.NewController(session.Options{
		Factory:   deps.Factory,
		Store:     s,
		Publisher: &statusPublisher{next: gw.hub, gw: gw},
		Clock:     clk,
		Logger:    logger,
		QRWriter:  deps.QRWriter,
		Config: session.Config{
			TeardownTimeout:     cfg.Sessions.TeardownTimeout,
			HistoryWindow:       cfg.Sessions.HistoryWindow,
			HistoryRefreshDelay: cfg.Sessions.HistoryRefreshDelay,
			LazyStart:           cfg.Sessions.LazyStart,
		},
	})

	completer := deps.Completer
	if completer == nil {
		completer = buildCompleter(cfg)
	}
	mailer := deps.Mailer
	if mailer == nil {
		mailer = buildMailer(cfg, logger)
	}
	replies := reply.New(reply.Options{
		Completer:        completer,
		Mailer:           mailer,
		Ledger:           s,
		Publisher:        gw.hub,
		Clock:            clk,
		Logger:           logger,
		DefaultModel:     cfg.AI.DefaultModel,
		DefaultMaxTokens: cfg.AI.DefaultMaxTokens,
		HandoffPhrase:    cfg.AI.HandoffPhrase,
		HistoryWindow:    cfg.Sessions.HistoryWindow,
		RefreshDelay:     cfg.Sessions.HistoryRefreshDelay,
	})
	gw.router = router.New(router.Options{
		Sessions:      gw.sessions.Registry(),
		Store:         s,
		Publisher:     gw.hub,
		Replies:       replies,
		Dedupe:        gw.dedupe,
		HistoryWindow: cfg.Sessions.HistoryWindow,
		Clock:         clk,
		Logger:        logger,
	})
	gw.sessions.SetMessageHandler(gw.router)

	gw.grpcServer = newGRPCServer()
	registerHealth(gw.grpcServer, gw.health)
	gw.refreshHealth()

	mux := http.NewServeMux()
	// Health and websocket endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	mux.Handle("GET /ws", realtime.NewWSHandler(gw.hub, logger))

	if err := gw.registerAPIRoutes(mux, logger); err != nil {
		return nil, err
	}
	gw.handler = mux
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerAPIRoutes mounts the command API, behind bearer auth when a secret is configured.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, logger *slog.Logger) error {
	api := g.apiHandler()
	if g.config.Auth.JWTSecret == "" {
		mux.Handle("/api/", api)
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
		return nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating HTTP JWT verifier: %w", err)
	}
	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier, logger)(api))
	logger.Info("HTTP auth middleware enabled")
	return nil
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Sessions returns the session controller.
func (g *Gateway) Sessions() *session.Controller { return g.sessions }

// Hub returns the realtime hub.
func (g *Gateway) Hub() *realtime.Hub { return g.hub }

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

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run starts the servers, the relay and the dedupe sweeper, and blocks until
// ctx is cancelled or one of them fails. Sessions are torn down on the way out.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	if grpcLn != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if g.relay != nil {
		eg.Go(func() error { return g.relay.Run(egCtx) })
	}

	eg.Go(func() error {
		g.sweepDedupe(egCtx)
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

func (g *Gateway) sweepDedupe(ctx context.Context) {
	ticker := time.NewTicker(dedupeSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.dedupe.Sweep(); n > 0 {
				g.logger.Debug("swept dedupe cache", "expired", n, "remaining", g.dedupe.Len())
			}
		}
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled by the time this runs.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Sessions.TeardownTimeout + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
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
	return filepath.Join(homeDir, ".local", "share", "chorus-gateway", "tailscale"), nil
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

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
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

	if tsCfg.Funnel {
		httpLn, err = g.createTailscaleFunnelListener()
	} else {
		httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// createTailscaleFunnelListener exposes the HTTP API publicly over HTTPS.
func (g *Gateway) createTailscaleFunnelListener() (net.Listener, error) {
	g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
	return g.tsnetServer.ListenFunnel("tcp", ":443")
}

// logTailscaleStatus logs info about the tailscale node status.
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

// Shutdown stops the servers, tears down every session and releases
// resources. Calls after the first return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.health.Shutdown()
	g.shutdownGRPCServer(ctx)

	g.sessions.Shutdown(ctx)
	g.hub.Close()

	if g.ownsRedis {
		errs = appendCloseError(errs, "redis close", g.redis.Close())
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one session is READY.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.sessions.ReadyCount()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no sessions ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", n)
}

// generateNodeID creates a unique identifier for this gateway instance.
func generateNodeID() string {
	return "chorus-gateway-" + uuid.New().String()[:8]
}
