package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/leafscan/internal/classifier"
	"github.com/example/leafscan/internal/config"
	"github.com/example/leafscan/internal/grpcclient"
	"github.com/example/leafscan/internal/handlers"
	"github.com/example/leafscan/internal/logging"
	"github.com/example/leafscan/internal/preview"
	"github.com/example/leafscan/internal/repository"
	"github.com/example/leafscan/internal/upload"
)

func main() {
	cfg, err := config.Load(os.Getenv("LEAFSCAN_CONFIG"))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, closeClient := initClassifier(ctx, cfg.Inference, logger)
	defer closeClient()

	previews := preview.NewStore(initPreviewCache(ctx, cfg.Preview, logger), cfg.Preview.TTL, "/previews", logger)

	opts := upload.Options{
		Timeout:           cfg.Inference.Timeout,
		CancelOnSupersede: cfg.Inference.CancelOnSupersede,
	}
	var metrics handlers.MetricsSource
	var predictions handlers.PredictionSource
	if cfg.Database.DSN != "" {
		repo := repository.NewPredictionRepository(initDatabase(ctx, cfg.Database.DSN, logger), logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		opts.Recorder = repo
		metrics = repo
		predictions = repo
	} else {
		logger.Info("prediction journal disabled")
	}

	sessions := upload.NewManager(client, previews, opts, cfg.Session.IdleTTL, logger)
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go sessions.Run(sweepCtx, cfg.Session.SweepInterval)

	r := gin.Default()
	r.MaxMultipartMemory = cfg.HTTP.MaxUploadBytes
	r.Use(cors.New(corsConfig(cfg.HTTP.AllowedOrigins)))

	handlers.RegisterRoutes(r, handlers.Dependencies{
		Sessions:       sessions,
		Previews:       previews,
		Metrics:        metrics,
		Predictions:    predictions,
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("leafscan listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("inference_transport", cfg.Inference.Transport),
	)
	serveErr := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger)

	stopSweep()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	sessions.Close(closeCtx)
	closeCancel()

	if serveErr != nil {
		logger.Fatal("server failed", zap.Error(serveErr))
	}
}

// corsConfig allows the browser origins; with none configured any origin is
// allowed but credentials are not.
func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func initClassifier(ctx context.Context, cfg config.InferenceConfig, logger *zap.Logger) (classifier.Client, func()) {
	if cfg.Transport == config.TransportGRPC {
		client, conn, err := grpcclient.DialClassifier(ctx, cfg.GRPCAddr, logger)
		if err != nil {
			logger.Fatal("failed to connect to classifier", zap.Error(err))
		}
		return client, func() { conn.Close() }
	}
	return classifier.NewHTTPClient(cfg.URL, &http.Client{}, logger), func() {}
}

func initPreviewCache(ctx context.Context, cfg config.PreviewConfig, zapLogger *zap.Logger) preview.Cache {
	if cfg.RedisAddr == "" {
		return preview.NewMemoryCache()
	}
	redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(redisCtx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return preview.NewRedisCache(client)
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
