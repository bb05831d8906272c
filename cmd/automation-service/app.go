package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"concierge/internal/automation"
	"concierge/internal/clients"
	"concierge/internal/config"
	"concierge/internal/config_handler"
	"concierge/internal/configstore"
	"concierge/internal/constants"
	"concierge/internal/decision"
	"concierge/internal/executor"
	"concierge/internal/grace"
	"concierge/internal/history"
	"concierge/internal/logger"
	"concierge/internal/notification"
	"concierge/internal/rules"
	"concierge/internal/scheduler"
	"concierge/pkg/bootstrap"
	"concierge/pkg/cel"
	"concierge/pkg/health"
	"concierge/pkg/logging"
	"concierge/pkg/metrics"
	"concierge/pkg/middleware"
	"concierge/pkg/models"
	"concierge/pkg/ratelimit"
	"concierge/pkg/retry"
	"concierge/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	dbs *bootstrap.Databases

	configs       *configstore.Service
	service       *automation.Service
	eventConsumer *automation.EventConsumer
	sweeper       *scheduler.Sweeper
	analyzer      *history.Analyzer

	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceName)
	}

	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabase(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := a.InitBroker(constants.ServiceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initService(ctx); err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.Register()

	if err := a.initHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	return nil
}

func (a *App) initDatabase(ctx context.Context) error {
	dbs, err := a.dbConnector.Connect(ctx)
	if err != nil {
		return err
	}
	a.dbs = dbs
	return nil
}

func (a *App) initService(ctx context.Context) error {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	reload := time.Duration(a.Config.Automation.ConfigReloadSeconds) * time.Second
	configOpts := []configstore.ServiceOption{
		configstore.WithPublisher(configstore.NewConfigEventProducer(a.Producer, a.Config.Broker.Kafka.ConfigUpdateTopic)),
	}
	if reload > 0 {
		configOpts = append(configOpts, configstore.WithReloadInterval(reload, reload/10))
	}
	a.configs = configstore.NewService(configstore.NewMongoRepository(a.dbs.Mongo), evaluator, a.Logger, configOpts...)

	if err := a.configs.ReloadAll(ctx); err != nil {
		initCtx := logging.WithServiceName(ctx, constants.ServiceName)
		a.Logger.WarnwCtx(initCtx, "Failed to load initial property configurations",
			"error", err,
		)
	}

	histories := history.NewPostgresStore(a.dbs.Postgres)
	graces := grace.NewRedisStore(a.dbs.Redis)
	jobs := scheduler.NewPostgresStore(a.dbs.Postgres)

	deps := automation.Dependencies{
		Configs:    a.configs,
		Matcher:    rules.NewMatcher(evaluator, a.Logger),
		Engine:     decision.NewEngine(),
		Graces:     graces,
		Jobs:       jobs,
		History:    histories,
		Dispatcher: a.newDispatcher(),
		Ledger:     executor.NewRedisLedger(a.dbs.Redis, constants.ActionLedgerTTL),

		Bookings: clients.NewBookingClient(a.Config.Collaborators.Booking, a.Config.CircuitBreaker),
		Tasks:    clients.NewTaskClient(a.Config.Collaborators.Tasks, a.Config.CircuitBreaker),
		Staff:    clients.NewStaffClient(a.Config.Collaborators.Staff, a.Config.CircuitBreaker),

		Producer:        a.Producer,
		DecisionTopic:   a.Config.Broker.Kafka.OutputTopic,
		FollowUpTrigger: a.Config.Automation.FollowUpTrigger,
		Logger:          a.Logger,
	}
	if a.Config.Collaborators.Guest.BaseURL != "" {
		deps.Guests = clients.NewGuestClient(a.Config.Collaborators.Guest, a.Config.CircuitBreaker)
	}
	if a.Config.Collaborators.Property.BaseURL != "" {
		deps.Properties = clients.NewPropertyClient(a.Config.Collaborators.Property, a.Config.CircuitBreaker)
	}

	a.service = automation.NewService(deps)
	a.eventConsumer = automation.NewEventConsumer(a.service, a.Logger)
	a.analyzer = history.NewAnalyzer(histories)
	a.sweeper = scheduler.NewSweeper(graces, jobs, a.service, a.Logger,
		scheduler.WithInterval(a.Config.Automation.SweepInterval),
		scheduler.WithBatchSize(a.Config.Automation.SweepBatchSize),
		scheduler.WithMaxAttempts(a.Config.Automation.JobMaxAttempts),
	)

	return nil
}

func (a *App) newDispatcher() *notification.Dispatcher {
	senders := make(map[rules.ChannelType]notification.Sender)

	relay := notification.NewRelaySender(a.Producer, a.Config.Channels.RelayTopics)
	for _, ch := range relay.Channels() {
		senders[ch] = notification.WrapWithCircuitBreaker(relay, "relay-"+string(ch), a.Config.CircuitBreaker)
	}
	webhook := notification.NewWebhookSender(a.Config.Channels.WebhookTimeout)
	senders[rules.ChannelWebhook] = notification.WrapWithCircuitBreaker(webhook, "webhook", a.Config.CircuitBreaker)

	opts := []notification.DispatcherOption{
		notification.WithExternalLookup(notification.NewRedisLookup(a.dbs.Redis)),
	}
	if r := a.Config.Channels.Retry; r.MaxAttempts > 0 {
		opts = append(opts, notification.WithRetryPolicy(retry.DefaultPolicy().Merge(r)))
	}

	return notification.NewDispatcher(senders, a.Logger, opts...)
}

func (a *App) initHTTPServer(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(constants.ServiceName))
	}
	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.LoggerMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())

	if a.Config.Management.RateLimit.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             a.Config.Management.RateLimit.RPS,
			Burst:           a.Config.Management.RateLimit.Burst,
			CleanupInterval: time.Duration(a.Config.Management.RateLimit.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(a.Config.Management.RateLimit.MaxAge) * time.Second,
		}
		router.Use(ratelimit.RateLimitMiddleware(rateLimitConfig))
		a.Logger.InfowCtx(ctx, "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.dbs.Postgres))
	healthRegistry.Register(health.NewRedisChecker(a.dbs.Redis))
	healthRegistry.Register(health.NewMongoDBChecker(a.dbs.MongoClient))
	healthRegistry.RegisterOptional(health.NewFreshnessChecker("sweeper", 3*a.sweeper.Interval(), a.sweeper.LastSweep))

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	automation.NewHandler(a.service, a.configs, a.analyzer, a.Logger).RegisterRoutes(router)

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds * time.Second,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds * time.Second,
	}

	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if a.ConfigConsumer != nil {
		topic := a.Config.Broker.Kafka.ConfigUpdateTopic
		configEventHandler := config_handler.NewHandler(
			models.EventTypePropertyConfigUpdated,
			models.ServiceTypeAutomation,
			a.configs,
			a.Logger,
		)
		g.Go(func() error {
			configCtx := logging.WithServiceName(gCtx, constants.ServiceName)
			a.Logger.InfowCtx(configCtx, "Starting config update event consumer", "topic", topic)
			return a.ConfigConsumer.Consume(gCtx, topic, configEventHandler.HandleConfigUpdateEvent)
		})
	}

	g.Go(func() error {
		return a.configs.StartReloader(gCtx)
	})

	g.Go(func() error {
		return a.sweeper.Run(gCtx)
	})

	inputTopic := a.Config.Broker.Kafka.InputTopic
	g.Go(func() error {
		return a.Consumer.Consume(gCtx, inputTopic, a.eventConsumer.HandleMessage)
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, constants.ServiceName)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down automation service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.dbs)...)
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
