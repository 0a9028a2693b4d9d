package main

import (
	"context"
	"net/http"
	"time"
	_ "time/tzdata"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/slotengine/libs/config"
	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/libs/httpx"
	"github.com/md-rashed-zaman/slotengine/libs/kafkax"
	otelx "github.com/md-rashed-zaman/slotengine/libs/otel"
	"github.com/md-rashed-zaman/slotengine/libs/runtime"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/generator"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/handlers"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/outbox"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/policy"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/quota"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/scheduling"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/storage"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	defaults := policy.Policy{
		EmergencyFraction: quota.DefaultMinFraction,
		NoCancelWindow:    config.Duration("NO_CANCEL_WINDOW", 24*time.Hour),
		RequireApproval:   config.Bool("REQUIRE_APPROVAL", false),
		AllowUnslotted:    config.Bool("ALLOW_UNSLOTTED", false),
	}
	if raw := config.String("EMERGENCY_MIN_FRACTION", ""); raw != "" {
		f, err := decimal.NewFromString(raw)
		if err != nil {
			logger.Warn("invalid EMERGENCY_MIN_FRACTION, using default", "value", raw)
		} else {
			defaults.EmergencyFraction = f
		}
	}
	if err := defaults.Validate(); err != nil {
		panic(err)
	}

	var (
		store    storage.Store
		source   outbox.Source
		policies policy.Provider
		checks   []runtime.ReadyCheck
	)
	if dbURL := config.String("DATABASE_URL", ""); dbURL != "" {
		pool, err := db.Open(ctx, dbURL, db.Options{
			MaxConns:        int32(config.Int("DB_MAX_CONNS", 10)),
			ApplicationName: service,
			LockTimeout:     config.Duration("DB_LOCK_TIMEOUT", 3*time.Second),
		})
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()

		if config.Bool("MIGRATE_ON_START", true) {
			version, err := db.Migrate(ctx, pool, storage.Migrations, storage.MigrationsDir)
			if err != nil {
				logger.Error("migrations failed", "err", err)
				panic(err)
			}
			logger.Info("migrations applied", "version", version)
		}

		outboxRepo := outbox.NewRepository(pool)
		store = storage.NewPostgres(pool, outboxRepo)
		source = outboxRepo
		policies = policy.NewPostgresProvider(pool, defaults)
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		mem := storage.NewMemory()
		store = mem
		source = mem
		policies = policy.NewStaticProvider(defaults)
	}

	var rdb *redis.Client
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	svc := scheduling.NewService(store, policies, logger, scheduling.Config{
		TxTimeout:   config.Duration("TX_TIMEOUT", 5*time.Second),
		MaxAttempts: uint(config.Int("TX_MAX_ATTEMPTS", 3)),
	})

	brokers := config.List("KAFKA_BROKERS", "")
	if len(brokers) > 0 {
		writer := kafkax.NewWriter(brokers)
		defer func() { _ = writer.Close() }()
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
		go outbox.NewPublisher(source, writer, logger, outbox.PublisherConfig{
			PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
			BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
		}).Run(ctx)
	} else {
		logger.Warn("KAFKA_BROKERS not set, domain events stay in the outbox")
	}

	var lease generator.Lease = generator.NewLocalLease()
	if rdb != nil {
		lease = generator.NewRedisLease(rdb, service+":gen:")
	}
	go generator.NewWorker(svc, lease, logger, generator.WorkerConfig{
		Interval:    config.Duration("GENERATION_INTERVAL", 10*time.Minute),
		HorizonDays: config.Int("GENERATION_HORIZON_DAYS", 14),
	}).Run(ctx)

	if err := startGrpcServer(ctx, logger, svc); err != nil {
		logger.Error("grpc server failed to start", "err", err)
		panic(err)
	}

	limit := config.Int("RATE_LIMIT_PER_MINUTE", 600)
	var limiter httpx.Limiter = httpx.NewMemoryLimiter(limit, time.Minute)
	if rdb != nil {
		limiter = httpx.NewRedisLimiter(rdb, limit, time.Minute, service+":rl")
	}
	rateLimit := httpx.RateLimit(limiter, logger, true)

	router := handlers.NewRouter(svc, logger, handlers.RouterConfig{
		AllowedOrigins: config.List("CORS_ALLOWED_ORIGINS", ""),
		Ready:          checks,
		APIMiddleware: []httpx.Middleware{
			rateLimit,
			httpx.WithBodyLimit(1 << 20),
		},
	})
	httpHandler := httpx.Chain(router,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithTimeout(config.Duration("REQUEST_TIMEOUT", 15*time.Second)),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")

	runtime.ServeHTTP(ctx, &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}, logger, 10*time.Second)
}
