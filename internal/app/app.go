// Package app assembles the relay from configuration and runs its servers.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"prjsdr.xyz/relay/internal/assign"
	"prjsdr.xyz/relay/internal/auth"
	"prjsdr.xyz/relay/internal/config"
	"prjsdr.xyz/relay/internal/events"
	"prjsdr.xyz/relay/internal/httpapi"
	"prjsdr.xyz/relay/internal/hub"
	"prjsdr.xyz/relay/internal/migrate"
	"prjsdr.xyz/relay/internal/obs"
	"prjsdr.xyz/relay/internal/registry"
	"prjsdr.xyz/relay/internal/relay"
	"prjsdr.xyz/relay/internal/store"
	"prjsdr.xyz/relay/internal/store/memstore"
	"prjsdr.xyz/relay/internal/store/sqlstore"
	"prjsdr.xyz/relay/internal/ticket"
	"prjsdr.xyz/relay/internal/wsapi"
)

const (
	shutdownTimeout = 10 * time.Second
	healthInterval  = 5 * time.Second
)

// App holds the wired components.
type App struct {
	cfg     config.Config
	version string

	db       *sql.DB
	messages store.MessageStore
	closers  []func() error

	Registry    *registry.Registry
	Hub         *hub.Hub
	Assignments *assign.Table
	Relay       *relay.Relay
	Calls       *relay.Calls
	Notifier    *relay.TicketNotifier

	api      *httpapi.API
	health   *httpapi.HealthService
	consumer *events.Consumer
}

// Option adjusts assembly.
type Option func(*options)

type options struct {
	migrate bool
	tickets relay.Tickets
}

// WithAutoMigrate applies pending migrations when a SQL store is configured.
func WithAutoMigrate() Option {
	return func(o *options) { o.migrate = true }
}

// WithTickets replaces the HTTP ticket client.
func WithTickets(t relay.Tickets) Option {
	return func(o *options) { o.tickets = t }
}

// New validates cfg and builds every component. It does not listen.
func New(ctx context.Context, cfg config.Config, version string, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, version: version}
	if err := a.openStore(ctx, o.migrate); err != nil {
		return nil, err
	}

	validator, err := auth.NewValidator(cfg.JWTSecret, auth.WithIssuer(cfg.JWTIssuer))
	if err != nil {
		a.Close()
		return nil, err
	}
	policy, err := relay.ParsePolicy(cfg.ParticipantPolicy)
	if err != nil {
		a.Close()
		return nil, err
	}
	tickets := o.tickets
	if tickets == nil {
		tickets = ticket.NewClient(cfg.TicketURL, cfg.SupportURL, ticket.WithTimeout(cfg.ExternalTimeout))
	}

	a.Hub = hub.New(hub.DefaultBuffer)
	a.Registry = registry.New(
		registry.WithPusher(a.Hub),
		registry.WithAnnounceDelay(cfg.AnnounceDelay),
	)
	a.Assignments = assign.New(a.Registry)

	deps := relay.Deps{
		Auth:        validator,
		Sessions:    a.Registry,
		Assignments: a.Assignments,
		Tickets:     tickets,
		Messages:    a.messages,
	}
	if a.Relay, err = relay.New(deps, relay.WithParticipantPolicy(policy)); err != nil {
		a.Close()
		return nil, err
	}
	if a.Calls, err = relay.NewCalls(deps,
		relay.WithRingTimeout(cfg.RingTimeout),
		relay.WithSDPValidation(cfg.ValidateSDP),
	); err != nil {
		a.Close()
		return nil, err
	}
	if a.Notifier, err = relay.NewTicketNotifier(deps); err != nil {
		a.Close()
		return nil, err
	}

	ws := wsapi.New(wsapi.Deps{
		Auth:        validator,
		Registry:    a.Registry,
		Hub:         a.Hub,
		Relay:       a.Relay,
		Calls:       a.Calls,
		Notifier:    a.Notifier,
		Assignments: a.Assignments,
	}, wsapi.Limits{FramesPerSecond: cfg.WSFramesPerSec, Burst: cfg.WSBurst})

	probe := httpapi.ReadyProbe{DB: a.db}
	a.api = httpapi.New(probe, version, httpapi.Services{
		Auth:        validator,
		Relay:       a.Relay,
		Calls:       a.Calls,
		Notifier:    a.Notifier,
		Assignments: a.Assignments,
		Registry:    a.Registry,
		WS:          ws,
	}, httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec))
	a.health = httpapi.NewHealthService(probe)

	if cfg.AMQPURL != "" {
		a.consumer, err = events.NewConsumer(events.Config{
			URL:      cfg.AMQPURL,
			Exchange: cfg.AMQPExchange,
			Queue:    cfg.AMQPQueue,
		}, a.Notifier)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context, autoMigrate bool) error {
	if a.cfg.DBDSN == "" {
		a.messages = memstore.New()
		obs.Warn("no RELAY_DB_DSN, messages are kept in memory", nil)
		return nil
	}
	st, err := sqlstore.Open(a.cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	a.db, a.messages = st.DB(), st
	a.closers = append(a.closers, st.Close)

	if !autoMigrate {
		return nil
	}
	mgr, err := Migrations(st)
	if err != nil {
		a.Close()
		return err
	}
	applied, err := mgr.Up(ctx)
	if err != nil {
		a.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	obs.Info("schema up to date", map[string]any{"dialect": st.Dialect(), "applied": len(applied)})
	return nil
}

// Migrations returns a manager for the store's dialect.
func Migrations(st *sqlstore.Store) (*migrate.Manager, error) {
	files, err := sqlstore.Migrations(st.Dialect())
	if err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return migrate.NewManager(st.DB(), files, migrate.WithRebind(st.Dialect().Rebind)), nil
}

// Handler is the full HTTP surface.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Run serves HTTP, gRPC health and the AMQP consumer until ctx ends, then
// shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracing, err := obs.SetupTracing(ctx, "relay", a.cfg.OTelEndpoint)
	if err != nil {
		obs.Warn("tracing disabled", map[string]any{"err": err})
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := httpapi.NewGRPCServer(a.health, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	lis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	errCh := make(chan error, 3)
	go func() {
		obs.Info("http listening", map[string]any{"addr": srv.Addr, "version": a.version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		obs.Info("grpc listening", map[string]any{"addr": lis.Addr().String()})
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go a.health.Poll(ctx, healthInterval)
	if a.consumer != nil {
		go func() {
			if err := a.consumer.Run(ctx); err != nil {
				errCh <- fmt.Errorf("amqp: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		obs.Error("server failed", map[string]any{"err": runErr})
	}
	cancel()
	obs.Info("shutting down", nil)

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		obs.Warn("http shutdown", map[string]any{"err": err})
	}
	grpcSrv.GracefulStop()
	if err := shutdownTracing(sctx); err != nil {
		obs.Warn("tracing shutdown", map[string]any{"err": err})
	}
	a.Close()
	obs.Info("stopped", nil)
	return runErr
}

// Close releases the store.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			obs.Warn("close", map[string]any{"err": err})
		}
	}
	a.closers = nil
}
