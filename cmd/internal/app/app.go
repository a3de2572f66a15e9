// Package app wires the slidehub runtime: config, logging, the HTTP surface,
// and the realtime hub with its auth and persistence backends.
package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"slidehub/cmd/internal/auth"
	"slidehub/cmd/internal/hub"
)

// App owns the HTTP server wiring and the hub subsystem lifecycles.
type App struct {
	cfg Config
	log Logger

	pool      *pgxpool.Pool
	dbEnabled bool

	promReg  *prometheus.Registry
	metrics  *hub.Metrics
	registry *hub.Registry
	docs     *hub.DocSessions
	notifier *hub.Notifier
	progress *hub.ProgressTracker
	sweeper  *hub.Sweeper
	gateway  *hub.Gateway
	intake   *hub.Intake
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	var (
		pool      *pgxpool.Pool
		dbEnabled bool
		verifier  auth.TokenVerifier
		access    auth.AccessChecker
		sink      hub.OperationSink
		err       error
	)

	if cfg.DatabaseURL != "" {
		pool, err = NewDBPool(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		dbEnabled = true
		log.Info("db.enabled.postgres")

		verifier, err = auth.NewPostgresVerifier(pool, cfg.DBSchema)
		if err != nil {
			pool.Close()
			return nil, err
		}
		access, err = auth.NewPostgresAccess(pool, cfg.DBSchema)
		if err != nil {
			pool.Close()
			return nil, err
		}
		sink, err = hub.NewPostgresSink(pool, cfg.DBSchema)
		if err != nil {
			pool.Close()
			return nil, err
		}
	} else {
		// Dev mode: tokens must still be registered, access policy is a knob.
		log.Info("db.disabled.inmemory_auth", "allow_all_access", cfg.AllowAllAccess)
		mv := auth.NewMemoryVerifier()
		for _, pair := range cfg.DevTokens {
			token, userID, ok := strings.Cut(pair, ":")
			if !ok || token == "" || userID == "" {
				log.Warn("dev_token.malformed", "entry", pair)
				continue
			}
			mv.Add(token, userID, time.Time{})
		}
		verifier = mv
		access = auth.NewMemoryAccess(cfg.AllowAllAccess)
		sink = hub.NopSink{}
	}

	promReg := prometheus.NewRegistry()
	metrics := hub.NewMetrics(promReg)

	registry := hub.NewRegistry(log, cfg.TopicGrace, metrics)
	docs := hub.NewDocSessions(log, registry, metrics, sink, hub.DocSessionsConfig{
		LockTTL:            cfg.LockTTL,
		PresenceIdle:       cfg.PresenceIdle,
		PresenceDisconnect: cfg.PresenceDisconnect,
	})
	notifier := hub.NewNotifier(log, registry, metrics, cfg.ReplayBuffer)
	progress := hub.NewProgressTracker(log, registry, metrics, cfg.JobLinger)

	sweeper := hub.NewSweeper(log, cfg.SweepInterval, docs, notifier, progress, registry)

	gateway := hub.NewGateway(log, hub.GatewayConfig{
		DevInsecure:       cfg.DevInsecure,
		OriginRequired:    cfg.OriginRequired,
		AllowedOrigins:    cfg.AllowedOrigins,
		WriteTimeout:      cfg.WriteTimeout,
		ReadIdleTimeout:   cfg.ReadIdleTimeout,
		SendQueueSize:     cfg.SendQueueSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		RateEvents:        cfg.RateEvents,
		RateWindow:        cfg.RateWindow,
		MaxConnsPerUser:   cfg.MaxConnsPerUser,
	}, hub.GatewayDeps{
		Registry: registry,
		Docs:     docs,
		Notifier: notifier,
		Progress: progress,
		Verifier: verifier,
		Access:   access,
		Metrics:  metrics,
	})

	intake := hub.NewIntake(log, notifier, progress, metrics, cfg.IngestToken)

	return &App{
		cfg:       cfg,
		log:       log,
		pool:      pool,
		dbEnabled: dbEnabled,
		promReg:   promReg,
		metrics:   metrics,
		registry:  registry,
		docs:      docs,
		notifier:  notifier,
		progress:  progress,
		sweeper:   sweeper,
		gateway:   gateway,
		intake:    intake,
	}, nil
}

// Run starts the sweeper and the HTTP server, blocking until the context is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.sweeper.Run(sweepCtx)

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.pool != nil {
		a.pool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}
