// Command presenced is the realtime presence gateway. Browsers connect over
// WebSocket, declare who they are, and receive the online view, typing
// indicators and notifications of their session.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/heartline/presence/internal/activity"
	"github.com/heartline/presence/internal/config"
	"github.com/heartline/presence/internal/favorites"
	"github.com/heartline/presence/internal/heartbeat"
	"github.com/heartline/presence/internal/logging"
	"github.com/heartline/presence/internal/messaging"
	"github.com/heartline/presence/internal/metrics"
	"github.com/heartline/presence/internal/presence"
	"github.com/heartline/presence/internal/ratelimit"
	"github.com/heartline/presence/internal/realtime"
	"github.com/heartline/presence/internal/session"
	"github.com/heartline/presence/internal/typing"
	"github.com/heartline/presence/internal/ws"
)

// connectTimeout bounds the startup retries of each backing service.
const connectTimeout = 30 * time.Second

func main() {
	opts, err := config.Parse()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	logger := logging.New(opts.LogLevel, opts.LogFormat)
	if err := opts.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = opts.NATSURL
	natsConfig.Name = opts.NATSName
	natsClient, err := retry(ctx, logger, "nats", func() (*messaging.NATSClient, error) {
		return messaging.NewNATSClient(natsConfig, logger)
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to NATS")
	}

	// --- Redis ---
	activityStore, err := retry(ctx, logger, "redis", func() (*activity.Store, error) {
		return activity.NewStore(ctx, opts.RedisAddr)
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to Redis")
	}
	limiter := ratelimit.NewLimiter(activityStore.Client(), logger)

	// --- Postgres (optional) ---
	var (
		db     *sql.DB
		loader favorites.Loader
	)
	if opts.DatabaseURL != "" {
		db, err = retry(ctx, logger, "postgres", func() (*sql.DB, error) {
			return favorites.Open(ctx, opts.DatabaseURL)
		})
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to Postgres")
		}
		if err := favorites.Migrate(db); err != nil {
			logger.WithError(err).Fatal("favorites migration failed")
		}
		loader = favorites.NewStore(db)
	} else {
		logger.Warn("no database url, favorites disabled")
	}

	// --- Sessions ---
	sessionConfig := session.Config{
		Presence: presence.Config{
			Topic:             opts.PresenceTopic,
			InitialStatus:     presence.StatusOnline,
			ResyncOnReconnect: opts.ResyncOnReconnect,
			LastActiveTimeout: presence.DefaultConfig().LastActiveTimeout,
		},
		Typing: typing.Config{
			ExpiryDelay:      opts.TypingExpiry,
			ThrottleInterval: opts.TypingThrottle,
		},
		Heartbeat: heartbeat.Config{
			Interval: opts.HeartbeatInterval,
			Timeout:  heartbeat.DefaultConfig().Timeout,
		},
	}
	sessions := session.NewRegistry(session.Deps{
		Client:    realtime.NewClient(natsClient, logger, realtime.WithPresenceTTL(opts.PresenceTTL)),
		Activity:  activityStore,
		Favorites: loader,
	}, sessionConfig, logger)

	// --- Gateway ---
	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = opts.ListenAddr
	serverConfig.MaxConnections = opts.MaxConnections
	serverConfig.ReadTimeout = opts.ReadTimeout
	serverConfig.WriteTimeout = opts.WriteTimeout

	dispatcher := ws.NewMessageDispatcher(logger)
	server := ws.NewServer(serverConfig, dispatcher.Dispatch, logger)
	newGateway(sessions, limiter, logging.Component(logger, "gateway")).attach(server, dispatcher)

	metricsServer := &http.Server{
		Addr:              opts.MetricsAddr,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"listen_addr":     opts.ListenAddr,
		"metrics_addr":    opts.MetricsAddr,
		"max_connections": opts.MaxConnections,
		"nats_url":        opts.NATSURL,
		"redis_addr":      opts.RedisAddr,
		"presence_topic":  opts.PresenceTopic,
		"favorites":       loader != nil,
	}).Info("presenced starting")

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("received signal, initiating graceful shutdown")
	case err := <-serveErr:
		if err != nil {
			logger.WithError(err).Error("server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("gateway shutdown error")
	}
	sessions.CloseAll()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("metrics shutdown error")
	}
	natsClient.Close()
	if err := activityStore.Close(); err != nil {
		logger.WithError(err).Warn("redis close error")
	}
	if db != nil {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("postgres close error")
		}
	}
	logger.Info("presenced stopped")
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// retry runs connect with exponential backoff until it succeeds, ctx ends or
// connectTimeout elapses.
func retry[T any](ctx context.Context, logger logrus.FieldLogger, name string, connect func() (T, error)) (T, error) {
	return backoff.Retry(ctx, connect,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(connectTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.WithError(err).WithField("service", name).WithField("next_retry", next.String()).Warn("connect failed, retrying")
		}),
	)
}
