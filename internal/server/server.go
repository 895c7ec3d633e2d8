package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"autoflow/internal/config"
	"autoflow/internal/handlers"
	"autoflow/internal/middleware"
	"autoflow/internal/models"
	"autoflow/internal/observability"
	"autoflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Server 持有自动化平台的全部组件与后台循环
type Server struct {
	cfg     *config.Config
	logger  *logrus.Logger
	version string
	clock   clockwork.Clock

	db    *gorm.DB
	redis *redis.Client

	automationStore *services.AutomationStore
	webhookStore    *services.WebhookStore
	dispatcher      *services.WebhookDispatcher
	engine          *services.AutomationEngine
	automation      *services.AutomationService
	webhooks        *services.WebhookService
	scheduler       *services.Scheduler
	tasks           *services.Registry
	rules           *services.Registry
	bus             *services.EventBus
	feed            *services.ExecutionFeed
	stream          *services.RedisStreamSource

	router *gin.Engine

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option 调整 New 的装配
type Option func(*Server)

// WithClock 替换调度与投递使用的时钟（测试用）
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithRedis 使用外部创建的 Redis 客户端，优先于配置
func WithRedis(client *redis.Client) Option {
	return func(s *Server) { s.redis = client }
}

// OpenDatabase 连接 Postgres，按配置设置连接池并安装追踪插件
func OpenDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	if err := observability.InstrumentDB(db, cfg); err != nil {
		return nil, fmt.Errorf("instrument database: %w", err)
	}
	return db, nil
}

// New 装配所有组件；db 由调用方打开
func New(cfg *config.Config, db *gorm.DB, logger *logrus.Logger, version string, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{cfg: cfg, db: db, logger: logger, version: version, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Database.AutoMigrate {
		if err := models.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	if s.redis == nil && cfg.Redis.Enabled {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	}

	s.automationStore = services.NewAutomationStore(db)
	s.webhookStore = services.NewWebhookStore(db)
	s.dispatcher = services.NewWebhookDispatcher(s.webhookStore, nil, s.clock, services.WebhookDispatcherConfig{
		Timeout:          cfg.Webhook.Timeout,
		MaxResponseBytes: cfg.Webhook.MaxResponseBytes,
		MaxErrorBytes:    cfg.Webhook.MaxErrorBytes,
		MaxRetryDelay:    cfg.Webhook.MaxRetryDelay,
		RetryBatchSize:   cfg.Webhook.RetryBatchSize,
		QueueSize:        cfg.Webhook.QueueSize,
		Workers:          cfg.Webhook.Workers,
	}, logger)

	// 动作处理器：通知走 webhook 投递队列，活动写入 Redis stream（未启用时只记日志）
	var activities services.ActivityRecorder
	if s.redis != nil {
		activities = services.NewRedisActivityRecorder(s.redis, cfg.Redis.ActivityStream)
	}
	executor := services.NewActionExecutor(logger,
		services.NewNotificationHandler(s.dispatcher, logger),
		services.NewCreateActivityHandler(activities, logger),
		services.NewInvokeAPIHandler(nil, cfg.Automation.InvokeAPITimeout, cfg.Webhook.MaxResponseBytes, logger),
	)

	s.engine = services.NewAutomationEngine(s.automationStore, services.NewConditionEvaluator(logger), executor, s.clock, logger)
	s.feed = services.NewExecutionFeed(logger)
	s.engine.AddObserver(s.feed)

	s.tasks = services.NewRegistry("tasks")
	s.rules = services.NewRegistry("rules")
	if err := services.RegisterMaintenanceTasks(s.tasks, s.dispatcher, s.automationStore, s.webhookStore, s.clock, services.MaintenanceConfig{
		RetrySweepSeconds:      cfg.Webhook.RetrySweepSeconds,
		PruneIntervalSeconds:   cfg.Automation.PruneInterval,
		ExecutionRetentionDays: cfg.Automation.ExecutionRetention,
		DeliveryRetentionDays:  cfg.Webhook.DeliveryRetention,
	}, logger); err != nil {
		return nil, fmt.Errorf("register maintenance tasks: %w", err)
	}
	s.scheduler = services.NewScheduler(s.clock, logger, s.tasks, s.rules)

	s.automation = services.NewAutomationService(s.automationStore, s.engine, s.scheduler, s.rules, logger)
	s.webhooks = services.NewWebhookService(s.webhookStore, s.dispatcher, logger)
	s.bus = services.NewEventBus(s.engine, cfg.Automation.EventQueueSize, cfg.Automation.EventWorkers, cfg.Automation.ProcessTimeout, logger)
	if s.redis != nil {
		s.stream = services.NewRedisStreamSource(s.redis, services.RedisStreamConfig{
			Stream:   cfg.Redis.Stream,
			Group:    cfg.Redis.Group,
			Consumer: cfg.Redis.Consumer,
		}, s.bus, logger)
	}

	s.router = s.setupRouter()
	return s, nil
}

// Handler 返回 HTTP 路由
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	if s.cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(observability.ServiceName(s.cfg)))
	}

	health := handlers.NewEnhancedHealthHandler(s.version, handlers.HealthDeps{
		DB:        s.db,
		Redis:     s.redis,
		Scheduler: s.scheduler,
		Bus:       s.bus,
		Feed:      s.feed,
	}, s.logger)
	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)

	if s.cfg.Monitoring.Enabled {
		router.GET(s.cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api/v1")
	handlers.RegisterTaskRoutes(api, handlers.NewTaskHandler(s.scheduler, s.tasks, s.rules))

	tenant := api.Group("")
	tenant.Use(middleware.RequireTenant())
	automation := handlers.NewAutomationHandler(s.automation, s.bus, s.feed, s.logger)
	handlers.RegisterAutomationRoutes(tenant, automation)
	handlers.RegisterWebhookRoutes(tenant, handlers.NewWebhookHandler(s.webhooks))

	events := tenant.Group("")
	if s.cfg.Security.RateLimiting.Enabled {
		events.Use(middleware.RateLimitMiddleware(s.cfg))
	}
	handlers.RegisterEventRoutes(events, automation)

	return router
}

// Start 加载时间触发规则并启动后台组件
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	n, err := s.automation.LoadTimeTriggers(ctx)
	if err != nil {
		return fmt.Errorf("load time triggers: %w", err)
	}
	s.logger.Infof("loaded %d time-triggered rules", n)

	s.dispatcher.Start(ctx)
	s.bus.Start(ctx)
	s.background(func() { s.feed.Run(ctx) })
	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if s.stream != nil {
		s.background(func() {
			if err := s.stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.WithError(err).Error("redis event stream stopped")
			}
		})
	}
	return nil
}

func (s *Server) background(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Shutdown 依次停止事件入口、调度器与投递队列，每一步受 StopTimeout 约束
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.Scheduler.StopTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	step := func(name string, fn func(context.Context) error) error {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			s.logger.WithError(err).Warnf("%s did not stop cleanly", name)
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}

	// 先停事件源，再排空事件队列；通知动作仍可写入投递队列
	if s.cancel != nil {
		s.cancel()
	}
	errs := []error{
		step("event bus", s.bus.Stop),
		step("scheduler", s.scheduler.Stop),
		step("webhook dispatcher", s.dispatcher.Stop),
	}
	s.wg.Wait()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run 启动 HTTP 服务与后台组件，ctx 结束后优雅关闭
func Run(ctx context.Context, cfg *config.Config, logger *logrus.Logger, version string) error {
	if shutdown, err := observability.SetupTracing(ctx, cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		logger.Warnf("init tracing: %v", err)
	}

	db, err := OpenDatabase(cfg)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	srv, err := New(cfg, db, logger, version)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("Server exited")
	return nil
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, "+middleware.TenantHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
