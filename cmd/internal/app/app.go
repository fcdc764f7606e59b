// Package app wires the Chorus server runtime: config, logging, storage, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/valkey-io/valkey-go"
	"golang.org/x/sync/errgroup"

	"chorus/cmd/internal/auth"
	"chorus/cmd/internal/chat"
	chatapi "chorus/cmd/internal/chat/api"
	"chorus/cmd/internal/realtime"
)

// App owns every process-scoped resource: the DB pool, the room hub, the
// optional Valkey client, and the HTTP server built on top of them.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry

	dbPool *pgxpool.Pool
	store  chat.Store

	chat *chat.Service
	hub  *realtime.Hub
	ws   *realtime.WSGateway
	api  *chatapi.Handler

	verifier auth.Verifier

	valkey valkey.Client
	relay  *realtime.ValkeyRelay
}

// New constructs a fully wired App. Without CHORUS_DATABASE_URL it runs on the
// in-memory store.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{cfg: cfg, log: log, registry: reg}

	profiles, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	rtMetrics := realtime.NewMetrics(reg)
	a.hub = realtime.NewHub(log, rtMetrics)

	a.chat = chat.NewService(log, a.store,
		chat.WithBroadcaster(a.hub),
		chat.WithProfiles(profiles),
		chat.WithMetrics(chat.NewMetrics(reg)),
		chat.WithRetractWindow(cfg.RetractWindow),
	)

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.verifier = verifier

	a.api, err = chatapi.NewHandler(log, a.chat, chatapi.Config{
		RequestTimeout: cfg.RequestTimeout,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	})
	if err != nil {
		a.closeResources()
		return nil, err
	}

	a.ws = realtime.NewWSGateway(log, a.hub, a.chat, verifier, rtMetrics, cfg.GatewayConfig())

	if err := a.openRelay(rtMetrics); err != nil {
		a.closeResources()
		return nil, err
	}

	return a, nil
}

// openStore decides between Postgres-backed persistence and the in-memory dev store.
func (a *App) openStore(ctx context.Context) (chat.ProfileDirectory, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = chat.NewInMemoryStore()
		return chat.StaticProfiles{}, nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, err
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	store, err := chat.NewPostgresStore(pool, chat.WithSchema(a.cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, err
	}
	profiles, err := chat.NewPostgresProfiles(pool, a.cfg.ProfilesSchema, a.cfg.ProfilesTable)
	if err != nil {
		pool.Close()
		return nil, err
	}

	registerPoolMetrics(a.registry, pool)
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	a.dbPool = pool
	a.store = store
	return profiles, nil
}

func (a *App) openRelay(metrics *realtime.Metrics) error {
	if a.cfg.ValkeyAddr == "" {
		return nil
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{a.cfg.ValkeyAddr},
		Password:    a.cfg.ValkeyPassword,
	})
	if err != nil {
		return err
	}
	relay, err := realtime.NewValkeyRelay(a.log, metrics, client, a.cfg.ValkeyChannelPrefix, "")
	if err != nil {
		client.Close()
		return err
	}
	a.valkey = client
	a.relay = relay
	a.hub.SetRelay(relay)
	a.log.Info("relay.enabled", "addr", a.cfg.ValkeyAddr, "instance_id", relay.InstanceID())
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	return a.wrap(a.router())
}

// Run starts the HTTP server (and the relay subscriber, when configured) and
// blocks until ctx is canceled or a component fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbPool != nil, "relay_enabled", a.relay != nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	if a.relay != nil {
		g.Go(func() error {
			return a.relay.Run(gctx, a.hub)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		// Hijacked websocket connections are not tracked by Shutdown.
		a.hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.closeResources()
	a.log.Info("server.stopped")
	return err
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.valkey != nil {
		a.valkey.Close()
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
