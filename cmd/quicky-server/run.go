package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/priyanshuxkumar/quicky-server/internal/admission"
	"github.com/priyanshuxkumar/quicky-server/internal/auth"
	"github.com/priyanshuxkumar/quicky-server/internal/cache"
	"github.com/priyanshuxkumar/quicky-server/internal/chat"
	"github.com/priyanshuxkumar/quicky-server/internal/config"
	"github.com/priyanshuxkumar/quicky-server/internal/database"
	"github.com/priyanshuxkumar/quicky-server/internal/eventlog"
	"github.com/priyanshuxkumar/quicky-server/internal/logging"
	"github.com/priyanshuxkumar/quicky-server/internal/metrics"
	"github.com/priyanshuxkumar/quicky-server/internal/pipeline"
	"github.com/priyanshuxkumar/quicky-server/internal/presence"
	"github.com/priyanshuxkumar/quicky-server/internal/realtime"
	"github.com/priyanshuxkumar/quicky-server/internal/server"
	"github.com/priyanshuxkumar/quicky-server/internal/users"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const readCacheMaxCost = 64 << 20

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	collector := metrics.NewCollector()

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        appConfig.Auth.Issuer,
		Audience:      appConfig.Auth.Audience,
	})
	if err != nil {
		return err
	}

	readCache, err := openCache(appConfig.Cache, logger)
	if err != nil {
		return err
	}
	defer readCache.Close()
	readCache = cache.WithObserver(readCache, collector)

	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: chat.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	profileService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Cache:      readCache,
		ProfileTTL: appConfig.Cache.ProfileTTL,
	})
	if err != nil {
		return err
	}

	durable, err := openDurableLog(appConfig.Queue, logger)
	if err != nil {
		return err
	}
	defer durable.Close()

	producer, err := pipeline.NewProducer(pipeline.ProducerConfig{
		Open:        durable.Open,
		OrderingKey: appConfig.Queue.OrderingKey,
		Logger:      logger,
		Observer:    collector,
	})
	if err != nil {
		return err
	}
	defer producer.Close()

	registry := presence.NewRegistry()
	gateway, err := realtime.NewGateway(realtime.GatewayConfig{
		Registry:  registry,
		Publisher: producer,
		Logger:    logger,
		Observer:  collector,
	})
	if err != nil {
		return err
	}
	socketServer, err := realtime.NewSocketServer(realtime.SocketConfig{
		Gateway:      gateway,
		Tokens:       tokenIssuer,
		PingInterval: appConfig.Realtime.PingInterval,
		PingTimeout:  appConfig.Realtime.PingTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer socketServer.Close()

	bucket, err := admission.NewBucket(admission.Config{
		Capacity:      appConfig.Admission.Capacity,
		DrainInterval: appConfig.Admission.DrainInterval,
		Logger:        logger,
		Observer:      collector,
	})
	if err != nil {
		return err
	}

	collector.RegisterGauge("admission_queue_depth", "Admitted requests not yet drained.", func() float64 {
		return float64(bucket.Len())
	})
	collector.RegisterGauge("presence_users", "Users with a live identified connection.", func() float64 {
		return float64(registry.Len())
	})
	collector.RegisterGauge("realtime_connections", "Live realtime connections.", func() float64 {
		return float64(gateway.Connections())
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Admission:   bucket,
		Tokens:      tokenIssuer,
		Chats:       chatService,
		Profiles:    profileService,
		Sender:      gateway,
		Cache:       readCache,
		ChatsTTL:    appConfig.Cache.ChatsTTL,
		MessagesTTL: appConfig.Cache.MessagesTTL,
		Realtime:    socketServer.Handler(),
		Metrics:     collector.Handler(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bucket.Start(signalCtx); err != nil {
		return err
	}
	defer bucket.Stop()

	var workers sync.WaitGroup
	if appConfig.Consumer.Enabled {
		logConsumer, err := durable.NewConsumer()
		if err != nil {
			return err
		}
		consumer, err := pipeline.NewConsumer(pipeline.ConsumerConfig{
			Log:         logConsumer,
			Store:       chatService,
			Backoff:     appConfig.Consumer.Backoff,
			MaxAttempts: appConfig.Consumer.MaxAttempts,
			Logger:      logger,
			Observer:    collector,
		})
		if err != nil {
			_ = logConsumer.Close()
			return err
		}
		workers.Add(1)
		go func() {
			defer workers.Done()
			defer logConsumer.Close()
			if err := consumer.Run(signalCtx); err != nil {
				logger.Error("durable consumer exited", zap.Error(err))
			}
		}()
	}
	if durable.Trim != nil && appConfig.Queue.TrimInterval > 0 {
		workers.Add(1)
		go func() {
			defer workers.Done()
			runTrimmer(signalCtx, durable.Trim, appConfig.Queue.TrimInterval, logger)
		}()
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		workers.Wait()
		return err
	case err := <-errCh:
		stop()
		workers.Wait()
		return err
	}
}

func runTrimmer(ctx context.Context, trim func(context.Context) (int, error), interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			trimmed, err := trim(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("event log trim failed", zap.Error(err))
				}
				continue
			}
			if trimmed > 0 {
				logger.Debug("event log trimmed", zap.Int("partitions", trimmed))
			}
		}
	}
}

// durableLog is the selected log driver.
type durableLog struct {
	Open        pipeline.OpenFunc
	NewConsumer func() (eventlog.Consumer, error)
	// Trim drops committed records; nil when the driver manages retention.
	Trim  func(context.Context) (int, error)
	Close func() error
}

func openDurableLog(cfg config.QueueConfig, logger *zap.Logger) (durableLog, error) {
	switch cfg.Driver {
	case config.QueueDriverKafka:
		kafkaConfig := eventlog.KafkaConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			Group:    cfg.Group,
			ClientID: "quicky-server",
			Logger:   logger,
		}
		return durableLog{
			Open: func(context.Context) (eventlog.Producer, error) {
				return eventlog.NewKafkaProducer(kafkaConfig)
			},
			NewConsumer: func() (eventlog.Consumer, error) {
				return eventlog.NewKafkaConsumer(kafkaConfig)
			},
			Close: func() error { return nil },
		}, nil
	default:
		log, err := eventlog.OpenPebble(eventlog.PebbleConfig{
			Dir:        cfg.DataDir,
			Topic:      cfg.Topic,
			Partitions: cfg.Partitions,
			Logger:     logger,
		})
		if err != nil {
			return durableLog{}, err
		}
		return durableLog{
			Open: func(context.Context) (eventlog.Producer, error) {
				return log.Producer(), nil
			},
			NewConsumer: func() (eventlog.Consumer, error) {
				return log.NewConsumer(cfg.Group)
			},
			Trim: func(ctx context.Context) (int, error) {
				return log.Trim(ctx, cfg.Group)
			},
			Close: log.Close,
		}, nil
	}
}

func openCache(cfg config.CacheConfig, logger *zap.Logger) (cache.Cache, error) {
	if cfg.Driver == config.CacheDriverRedis {
		return cache.NewRedis(cache.RedisConfig{Address: cfg.RedisAddress, Logger: logger})
	}
	return cache.NewMemory(readCacheMaxCost)
}
