package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/application"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/infrastructure/history"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/infrastructure/messaging"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/infrastructure/registry"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/infrastructure/risk"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/infrastructure/venue"
	httpserver "github.com/wyfcoding/orderexecution/internal/orderexecution/interfaces/http"
	"github.com/wyfcoding/orderexecution/pkg/cache"
	"github.com/wyfcoding/orderexecution/pkg/config"
	"github.com/wyfcoding/orderexecution/pkg/logger"
	"github.com/wyfcoding/orderexecution/pkg/metrics"
	"github.com/wyfcoding/orderexecution/pkg/middleware"
	"github.com/wyfcoding/orderexecution/pkg/mq"
	"github.com/wyfcoding/orderexecution/pkg/ratelimit"
	"golang.org/x/sync/errgroup"
)

var configPath = flag.String("config", "", "config file path, defaults to $APP_CONFIG")

const historyCapacity = 10000

func main() {
	flag.Parse()
	_ = godotenv.Load()

	// 1. Config
	path := *configPath
	if path == "" {
		path = config.GetEnv("APP_CONFIG", "configs/orderexecution/config.toml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 2. Logger
	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}
	ctx := context.Background()

	// 3. Metrics
	var metricsImpl *metrics.Metrics
	if cfg.Metrics.Enabled {
		metricsImpl = metrics.New(cfg.ServiceName)
		if err := metricsImpl.Register(prometheus.DefaultRegisterer); err != nil {
			logger.Fatal(ctx, "failed to register metrics", "error", err)
		}
	}

	// 4. Redis: 历史订单与分布式限流，未启用时退回进程内实现
	var (
		orderHistory domain.OrderHistory = history.NewMemoryHistory(historyCapacity)
		limiter      ratelimit.RateLimiter = ratelimit.NewLocalRateLimiter()
		redisCache   *cache.RedisCache
	)
	if cfg.Redis.Enabled {
		redisCache, err = cache.New(cache.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			logger.Fatal(ctx, "failed to connect redis", "error", err)
		}
		orderHistory = history.NewRedisHistory(redisCache, cfg.Redis.HistoryTTL)
		limiter = ratelimit.NewRedisRateLimiter(redisCache.GetClient())
	}

	// 5. Events
	bus := messaging.NewBus()
	bus.Subscribe(func(ctx context.Context, e *domain.LifecycleEvent) {
		logger.Debug(ctx, "lifecycle event", "type", e.Type, "order_id", e.OrderID, "status", e.Order.Status)
	})
	publishers := messaging.MultiPublisher{bus}
	var producer *mq.KafkaProducer
	if cfg.Kafka.Enabled {
		producer = mq.NewProducer(mq.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			MaxRetries:   cfg.Kafka.MaxRetries,
			RetryBackoff: cfg.Kafka.RetryBackoff,
		})
		var dlq *mq.DeadLetterQueue
		if cfg.Kafka.DLQTopic != "" {
			dlq = mq.NewDeadLetterQueue(producer, cfg.Kafka.DLQTopic)
		}
		publishers = append(publishers, messaging.NewKafkaPublisher(producer, cfg.Kafka.Topic, dlq))
	}

	// 6. Venues
	gwCfg := venue.GatewayConfig{
		RateLimit:        cfg.Gateway.RateLimit,
		RateBurst:        cfg.Gateway.RateBurst,
		BreakerFailures:  cfg.Gateway.BreakerFailures,
		BreakerTimeout:   cfg.Gateway.BreakerTimeout,
		BreakerInterval:  cfg.Gateway.BreakerInterval,
		BreakerHalfOpens: cfg.Gateway.BreakerHalfOpens,
		CallTimeout:      cfg.Gateway.CallTimeout,
	}
	venues := make([]domain.VenueAdapter, 0, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		sim := venue.NewSimulatedVenue(simulatedConfig(vc))
		venues = append(venues, venue.NewGateway(sim, gwCfg, limiter, metricsImpl))
	}
	if len(venues) == 0 {
		logger.Warn(ctx, "no venues configured, every order will fail routing")
	}

	// 7. Domain services
	router := domain.NewVenueRouter(domain.RouterConfig{
		ImpactThreshold:   decimal.NewFromFloat(cfg.Router.ImpactThreshold),
		ImpactTopN:        cfg.Router.ImpactTopN,
		BookDepth:         cfg.Router.BookDepth,
		QuantityPrecision: cfg.Router.QuantityPrecision,
		FeeCacheTTL:       cfg.Router.FeeCacheTTL,
	}, venues...)
	fragmenter := domain.NewFragmenter(domain.FragmenterConfig{
		MaxFragmentSize:     decimal.NewFromFloat(cfg.Fragmenter.MaxFragmentSize),
		QuantityPrecision:   cfg.Router.QuantityPrecision,
		BaseDelay:           cfg.Fragmenter.BaseDelay,
		StyleDelays:         styleDelays(cfg.Fragmenter.StyleDelays),
		JitterRatio:         cfg.Fragmenter.JitterRatio,
		IcebergVisibleRatio: decimal.NewFromFloat(cfg.Fragmenter.IcebergVisibleRatio),
		VWAPMinFragmentSize: decimal.NewFromFloat(cfg.Fragmenter.VWAPMinFragmentSize),
	})
	validator := domain.NewValidator(domain.ValidatorConfig{
		MinQuantity: decimal.NewFromFloat(cfg.Engine.MinQuantity),
		MaxQuantity: decimal.NewFromFloat(cfg.Engine.MaxQuantity),
	})
	tracker := venue.NewPortfolioTracker(cfg.Engine.BalanceInterval, venues...)

	deps := application.Dependencies{
		Repo:       registry.NewMemoryRegistry(orderHistory),
		Router:     router,
		Validator:  validator,
		Fragmenter: fragmenter,
		Portfolio:  tracker,
		Profiles:   venue.NewCurveVolumeProfile(),
		Publisher:  publishers,
		Analytics:  application.NewAnalyticsAggregator(cfg.Engine.AnalyticsAlpha, metricsImpl),
		Metrics:    metricsImpl,
	}
	if cfg.Risk.Enabled {
		deps.Risk = risk.NewLimitChecker(riskLimits(cfg.Risk))
	}

	// 8. Application
	engine := application.NewExecutionManager(application.Config{
		PollInterval:        cfg.Engine.PollInterval,
		DefaultOrderTimeout: cfg.Engine.DefaultOrderTimeout,
		MaxLifetime:         cfg.Engine.MaxLifetime,
		CancelWait:          cfg.Engine.CancelWait,
		MaxSlippage:         decimal.NewFromFloat(cfg.Engine.MaxSlippage),
		MaxRetries:          cfg.Engine.MaxRetries,
		RetryInitial:        cfg.Engine.RetryInitial,
		RetryMax:            cfg.Engine.RetryMax,
		HealthInterval:      cfg.Engine.HealthInterval,
		VWAPBuckets:         cfg.Fragmenter.VWAPBuckets,
		ArchiveTerminal:     cfg.Engine.ArchiveTerminal,
	}, deps)

	// 9. Interfaces
	if cfg.Environment != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(
		middleware.GinRecoveryMiddleware(),
		middleware.GinLoggingMiddleware(),
		middleware.GinMetricsMiddleware(metricsImpl),
		middleware.RateLimitMiddleware(limiter, cfg.RateLimit),
	)
	httpserver.NewExecutionHandler(engine, prometheus.DefaultGatherer).RegisterRoutes(r)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	// 10. Start
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		logger.Info(gctx, "HTTP server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		engine.Start(gctx)
		return nil
	})

	g.Go(func() error {
		tracker.Run(gctx, cfg.Engine.BalanceInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info(ctx, "shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.CancelWait+10*time.Second)
		defer cancel()
		if err := engine.Shutdown(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "engine shutdown incomplete", "error", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "http server shutdown failed", "error", err)
		}
		if producer != nil {
			_ = producer.Close()
		}
		if redisCache != nil {
			_ = redisCache.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error(ctx, "server exited with error", "error", err)
		os.Exit(1)
	}
}

func simulatedConfig(vc config.VenueConfig) venue.SimulatedConfig {
	balances := make(map[string]decimal.Decimal, len(vc.Balances))
	for asset, free := range vc.Balances {
		balances[strings.ToUpper(asset)] = decimal.NewFromFloat(free)
	}
	symbols := make([]string, len(vc.Symbols))
	for i, s := range vc.Symbols {
		symbols[i] = strings.ToUpper(s)
	}
	return venue.SimulatedConfig{
		ID:         vc.ID,
		Symbols:    symbols,
		StartPrice: decimal.NewFromFloat(vc.StartPrice),
		Spread:     decimal.NewFromFloat(vc.Spread),
		Volatility: vc.Volatility,
		Liquidity:  decimal.NewFromFloat(vc.Liquidity),
		MakerFee:   decimal.NewFromFloat(vc.MakerFee),
		TakerFee:   decimal.NewFromFloat(vc.TakerFee),
		Seed:       vc.Seed,
		Balances:   balances,
	}
}

// styleDelays viper 会把键转为小写，这里还原为执行方式常量
func styleDelays(in map[string]time.Duration) map[domain.Style]time.Duration {
	out := make(map[domain.Style]time.Duration, len(in))
	for k, d := range in {
		out[domain.Style(strings.ToUpper(k))] = d
	}
	return out
}

func riskLimits(rc config.RiskConfig) risk.Limits {
	maxQty := make(map[string]decimal.Decimal, len(rc.MaxOrderQuantity))
	for symbol, q := range rc.MaxOrderQuantity {
		if symbol != "*" {
			symbol = strings.ToUpper(symbol)
		}
		maxQty[symbol] = decimal.NewFromFloat(q)
	}
	restricted := make([]string, len(rc.RestrictedSymbols))
	for i, s := range rc.RestrictedSymbols {
		restricted[i] = strings.ToUpper(s)
	}
	return risk.Limits{
		MaxOrderQuantity: maxQty,
		MaxOrderNotional: decimal.NewFromFloat(rc.MaxOrderNotional),
		Restricted:       restricted,
		CheckBalance:     rc.CheckBalance,
	}
}
