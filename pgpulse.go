package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pgpulse/pgpulse/cfg"
	"github.com/pgpulse/pgpulse/channel"
	"github.com/pgpulse/pgpulse/gateway"
	"github.com/pgpulse/pgpulse/hlc"
	"github.com/pgpulse/pgpulse/id"
	"github.com/pgpulse/pgpulse/notify"
	"github.com/pgpulse/pgpulse/publish"
	_ "github.com/pgpulse/pgpulse/publish/sink"
	_ "github.com/pgpulse/pgpulse/publish/transformer"
	"github.com/pgpulse/pgpulse/registry"
	"github.com/pgpulse/pgpulse/relay"
	"github.com/pgpulse/pgpulse/subs"
	"github.com/pgpulse/pgpulse/syncer"
	"github.com/pgpulse/pgpulse/telemetry"
)

func main() {
	flag.Parse()

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	setupLogging()

	log.Info().Msg("PgPulse - Postgres change notification and sync engine")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	db, err := openPool()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open Postgres pool")
		return
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Trigger registry: control schema, process row, heartbeat.
	reg, err := registry.New(registry.Config{
		DB:                 db,
		ProcessID:          cfg.Config.ProcessID,
		Schema:             cfg.Config.Registry.Schema,
		WatchSchema:        cfg.Config.Registry.WatchSchema,
		HeartbeatInterval:  time.Duration(cfg.Config.Registry.HeartbeatIntervalSeconds) * time.Second,
		StaleAfterMissed:   cfg.Config.Registry.StaleAfterMissed,
		DeadlockMaxRetries: cfg.Config.Registry.DeadlockMaxRetries,
		DeadlockBackoff:    time.Duration(cfg.Config.Registry.DeadlockBackoffMS) * time.Millisecond,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build trigger registry")
		return
	}
	if err := reg.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start trigger registry")
		return
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		reg.Stop(stopCtx)
	}()

	// Notification fan-out and dispatch.
	hub := notify.NewHub()
	var onSchema relay.SchemaFunc
	if cfg.Config.Registry.WatchSchema {
		onSchema = func(command, query string) {
			log.Info().Str("command", command).Str("query", query).Msg("Schema change observed")
		}
	}
	dispatcher := relay.New(reg, hub, onSchema)

	adapter := notify.NewAdapter(notify.AdapterConfig{
		DSN:                  cfg.Config.Postgres.DSN,
		Channel:              reg.Channel(),
		ReconnectDelay:       time.Duration(cfg.Config.Listener.ReconnectDelayMS) * time.Millisecond,
		MaxReconnectAttempts: cfg.Config.Listener.MaxReconnectAttempts,
		PingInterval:         time.Duration(cfg.Config.Listener.PingIntervalSeconds) * time.Second,
	}, func(payload string) {
		dispatcher.OnMessage(ctx, payload)
	}, func() {
		dispatcher.OnReconnect(ctx)
	})

	if err := adapter.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start notification listener")
		return
	}
	adapterDone := make(chan error, 1)
	go func() { adapterDone <- adapter.Run(ctx) }()

	// Consumer-facing managers.
	subMgr, err := subs.NewManager(subs.Config{
		Registry:        reg,
		Bus:             hub,
		DefaultThrottle: time.Duration(cfg.Config.Subscriptions.DefaultThrottleMS) * time.Millisecond,
		ViewCacheSize:   cfg.Config.Subscriptions.ViewCacheSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build subscription manager")
		return
	}
	defer subMgr.CloseAll()

	syncMgr, err := syncer.NewManager(syncer.Config{
		Registry:         reg,
		Bus:              hub,
		DefaultBatchSize: cfg.Config.Sync.DefaultBatchSize,
		DefaultThrottle:  time.Duration(cfg.Config.Sync.DefaultThrottleMS) * time.Millisecond,
		RoundTripTimeout: time.Duration(cfg.Config.Sync.RoundTripTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build sync manager")
		return
	}
	defer syncMgr.CloseAll()

	clock := id.NewHLCGenerator(hlc.NewClock(cfg.Config.NodeID))

	gw, err := gateway.New(gateway.Config{
		Subscriptions: subMgr,
		Syncs:         syncMgr,
		Executors:     gateway.SQLProvider{DB: db},
		Clock:         clock,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build consumer gateway")
		return
	}

	// Optional change-event sinks.
	sinks, err := publish.NewRegistry(publish.RegistryConfig{
		ProcessID:   cfg.Config.ProcessID,
		NodeID:      cfg.Config.NodeID,
		SinkConfigs: cfg.Config.Sinks,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build sink registry")
		return
	}
	if err := sinks.Start(hub); err != nil {
		log.Fatal().Err(err).Msg("Failed to start sink registry")
		return
	}
	defer sinks.Stop()

	var httpServer *http.Server
	if cfg.Config.HTTP.Enabled {
		httpServer = startHTTP(gw)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("process_id", cfg.Config.ProcessID).
		Str("channel", reg.Channel()).
		Msg("PgPulse is operational")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-adapterDone:
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Notification listener failed, shutting down")
		}
	}
}

func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}

func openPool() (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Config.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.Config.Postgres.PoolSize)
	db.SetMaxIdleConns(cfg.Config.Postgres.PoolSize)
	db.SetConnMaxIdleTime(time.Duration(cfg.Config.Postgres.MaxIdleTimeSeconds) * time.Second)
	db.SetConnMaxLifetime(time.Duration(cfg.Config.Postgres.MaxLifetimeSeconds) * time.Second)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Consumer authentication is the embedding deployment's concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

func startHTTP(gw *gateway.Gateway) *http.Server {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	if handler := telemetry.GetMetricsHandler(); handler != nil {
		router.Handle("/metrics", handler)
	}

	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("Websocket upgrade failed")
			return
		}
		conn := channel.NewWSConn(ws)
		gw.ServeConn(conn)
		log.Debug().Str("conn", conn.ID()).Msg("Consumer connected")
	})

	addr := fmt.Sprintf("%s:%d", cfg.Config.HTTP.BindAddress, cfg.Config.HTTP.Port)
	server := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP endpoint listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return server
}
