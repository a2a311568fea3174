package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/emeraldrp/beacon-gateway/internal/adminwatcher"
	"github.com/emeraldrp/beacon-gateway/internal/beaconapi"
	"github.com/emeraldrp/beacon-gateway/internal/configstore/postgres"
	"github.com/emeraldrp/beacon-gateway/internal/events"
	"github.com/emeraldrp/beacon-gateway/internal/gateway"
	"github.com/emeraldrp/beacon-gateway/internal/metrics"
	"github.com/emeraldrp/beacon-gateway/internal/poller"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}

type Config struct {
	NodeID      string `envconfig:"GW_NODE_ID"`
	LoggerLevel string `envconfig:"LOGGER_LEVEL"`

	DatabaseHost     string `envconfig:"DATABASE_HOST"`
	DatabaseUser     string `envconfig:"DATABASE_USER"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD"`
	DatabasePort     uint16 `envconfig:"DATABASE_PORT"`

	QueueAddr   string `envconfig:"QUEUE_ADDR"`
	ServerTopic string `envconfig:"QUEUE_SERVER_UPDATES_TOPIC"`
	StateTopic  string `envconfig:"QUEUE_CHANNEL_STATE_TOPIC"`
	StatsdAddr  string `envconfig:"STATSD_ADDR,optional"`

	DialTimeout      time.Duration `envconfig:"BEACON_DIAL_TIMEOUT,default=5s"`
	HeartbeatPeriod  time.Duration `envconfig:"BEACON_HEARTBEAT_PERIOD,default=15s"`
	BackoffBase      time.Duration `envconfig:"BEACON_BACKOFF_BASE,default=1s"`
	BackoffCap       time.Duration `envconfig:"BEACON_BACKOFF_CAP,default=30s"`
	PollInterval     time.Duration `envconfig:"STATUS_POLL_INTERVAL,default=30s"`
	PollConcurrency  uint16        `envconfig:"STATUS_POLL_CONCURRENCY,default=4"`
	StateEventBuffer int           `envconfig:"STATE_EVENT_BUFFER,default=256"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	appCfg := Config{}
	err := envconfig.Init(&appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))

	log.Warn().Msgf("running gateway node %s", appCfg.NodeID)

	configRepo, err := postgres.NewRepo(
		ctx,
		appCfg.DatabaseUser,
		appCfg.DatabasePassword,
		appCfg.DatabaseHost,
		appCfg.DatabasePort,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init server config repository")
	}
	defer configRepo.Close()

	var mt metrics.Metrics = metrics.Noop{}
	if appCfg.StatsdAddr != "" {
		mt = metrics.NewStatsd(appCfg.NodeID, appCfg.StatsdAddr)
	}

	notifier := events.NewChanNotifier(appCfg.StateEventBuffer)
	defer notifier.Close()
	stateSender := events.NewKafkaSender(appCfg.QueueAddr, appCfg.StateTopic, notifier.GetEventChan())
	defer stateSender.Close()
	go stateSender.Run(ctx)

	pool := gateway.NewPool(gateway.PoolConfig{
		Dialer: gateway.TCPDialer{Timeout: appCfg.DialTimeout},
		Backoff: gateway.BackoffPolicy{
			Base: appCfg.BackoffBase,
			Cap:  appCfg.BackoffCap,
		},
		Metrics:           mt,
		Notifier:          notifier,
		HeartbeatInterval: appCfg.HeartbeatPeriod,
	})
	defer pool.Shutdown()

	client := beaconapi.NewClient(pool, configRepo)

	statusPoller := poller.New(client, configRepo, mt, appCfg.PollInterval, appCfg.PollConcurrency)
	go statusPoller.Run(ctx)

	watcher := adminwatcher.NewServerWatcher(appCfg.NodeID, appCfg.QueueAddr, appCfg.ServerTopic, pool)
	defer watcher.Close()
	go func() {
		err := watcher.Run(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to consume server updates")
		}
	}()

	serverClose := startProbeServer()
	defer serverClose()

	<-ctx.Done()
	log.Info().Msg("shutting down gateway")
}

func startProbeServer() func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
	srv := http.Server{
		Handler: mux,
		Addr:    "0.0.0.0:8080",
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start http server")
		}
	}()
	return func() {
		_ = srv.Close()
	}
}
