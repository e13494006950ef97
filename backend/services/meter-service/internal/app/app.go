package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	libredis "watermeter/backend/libs/redis"
	"watermeter/backend/services/meter-service/internal/config"
	"watermeter/backend/services/meter-service/internal/db"
	httpserver "watermeter/backend/services/meter-service/internal/http"
	"watermeter/backend/services/meter-service/internal/http/handlers"
	"watermeter/backend/services/meter-service/internal/ingest"
	"watermeter/backend/services/meter-service/internal/metrics"
	"watermeter/backend/services/meter-service/internal/mqtt"
	redisstore "watermeter/backend/services/meter-service/internal/redis"
	"watermeter/backend/services/meter-service/internal/repository"
	"watermeter/backend/services/meter-service/internal/service"
	"watermeter/backend/services/meter-service/internal/ws"
)

// Version is reported by the health endpoint. Overridden at build time with -ldflags.
var Version = "1.0.0"

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// App wires meter service dependencies.
type App struct {
	cfg        *config.Config
	store      repository.Store
	redis      *goredis.Client
	service    *service.MeterService
	dispatcher *ingest.Dispatcher
	mqtt       *mqtt.Client
	hub        *ws.Hub
	hubCancel  context.CancelFunc
	server     *httpserver.Server
	logger     *zap.Logger
}

// New constructs application components. The identity map is provisioned here, before
// any MQTT subscription exists.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.store, err = openStore(ctx, cfg, logger); err != nil {
		return nil, err
	}

	resolver, err := service.NewResolver(ctx, a.store, cfg.Controllers, logger)
	if err != nil {
		return nil, err
	}

	var (
		statusSink   ingest.StatusSink
		statusLister handlers.StatusLister
	)
	if cfg.RedisEnabled() {
		a.redis, err = libredis.NewRedisClient(ctx, libredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		statuses := redisstore.NewStatusStore(a.redis, cfg.Redis.StatusTTL)
		statusSink, statusLister = statuses, statuses
	} else {
		logger.Info("redis not configured, controller status is not cached")
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	a.hubCancel = hubCancel
	a.hub = ws.NewHub(hubCtx, wsWriteTimeout, wsPingInterval, logger)

	a.service = service.NewMeterService(a.store, logger, service.WithListener(a.hub))

	processor := ingest.NewProcessor(ingest.ProcessorConfig{
		Router: ingest.Router{
			PulsePrefix:  cfg.Ingest.PulseTopicPrefix,
			StatusTopic:  cfg.Ingest.StatusTopic,
			CommandRoots: nonEmpty(cfg.Ingest.CommandTopicPrefix),
		},
		MaxPulses: cfg.Ingest.MaxPulsesPerMessage,
		Status:    statusSink,
	}, resolver, a.service, logger)
	a.dispatcher = ingest.NewDispatcher(processor, cfg.Ingest.Workers, cfg.Ingest.QueueSize, logger)

	a.mqtt, err = mqtt.NewClient(mqtt.Config{
		BrokerURL:      cfg.MQTT.BrokerURL,
		ClientID:       cfg.MQTT.ClientID,
		Topics:         cfg.MQTT.Topics,
		QoS:            cfg.MQTT.QoS,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		TLSCAFile:      cfg.MQTT.TLSCAFile,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
	}, a.dispatcher, logger)
	if err != nil {
		return nil, err
	}

	routes := httpserver.Routes{
		Meter:       handlers.NewMeterHandlers(a.service, logger),
		Grafana:     handlers.NewGrafanaHandlers(a.service, cfg.Monitoring.MetricsWindow, logger),
		Health:      handlers.NewHealthHandler(a.service, Version, logger),
		Controllers: handlers.NewControllersHandler(resolver, statusLister, logger),
		WS:          http.HandlerFunc(a.hub.HandleWS),
		Metrics:     metrics.Handler(),
	}
	router := httpserver.NewRouter(routes, cfg.HTTP.CORSOrigins, logger)
	a.server = httpserver.NewServer(cfg.HTTPAddress(), router, logger)

	return a, nil
}

// Run serves HTTP, drains the ingest queue and keeps the broker connection until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return a.server.Run(gctx)
	})
	g.Go(func() error {
		return a.connectMQTT(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.mqtt.Close()
		a.hubCancel()
		a.hub.Wait()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// connectMQTT retries the initial broker connection with exponential backoff. Later
// reconnects are handled by the client.
func (a *App) connectMQTT(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	if a.cfg.MQTT.RetryMaxWait > 0 {
		b.MaxInterval = a.cfg.MQTT.RetryMaxWait
	}

	op := func() error {
		if err := a.mqtt.Connect(ctx); err != nil {
			a.mqtt.Close()
			return err
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Warn("mqtt connect failed, retrying",
			zap.String("broker", a.cfg.MQTT.BrokerURL),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("mqtt connect: %w", err)
	}
	a.logger.Info("mqtt connected", zap.String("broker", a.cfg.MQTT.BrokerURL), zap.String("client_id", a.mqtt.ClientID()))
	return nil
}

// Close releases resources. Broker first so no new work arrives, storage last.
func (a *App) Close() {
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.hubCancel != nil {
		a.hubCancel()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", zap.Error(err))
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.Store, error) {
	if cfg.Storage.Driver == config.DriverMemory {
		logger.Warn("using in-memory storage, counters are lost on restart")
		return repository.NewMemoryStore(), nil
	}

	sqlDB, err := db.NewPostgres(ctx, cfg.Storage.DSN, cfg.Storage.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.AutoMigrate {
		if err := db.Migrate(ctx, cfg.Storage.DSN); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		logger.Info("database schema up to date")
	}
	return repository.NewPostgresStore(sqlDB), nil
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
