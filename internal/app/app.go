package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/krishna9304/osce-central-serve-sub000/internal/config"
	"github.com/krishna9304/osce-central-serve-sub000/internal/controller"
	"github.com/krishna9304/osce-central-serve-sub000/internal/repository"
	"github.com/krishna9304/osce-central-serve-sub000/internal/service"
	"github.com/krishna9304/osce-central-serve-sub000/internal/util"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/configwatcher"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/database"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/logger"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/monitoring"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/queue"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/security"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/tracing"
)

const consumerRestartDelay = 5 * time.Second

const (
	RoleAll    = "all"
	RoleAPI    = "api"
	RoleWorker = "worker"
)

type App struct {
	Config          *config.Config
	Router          *gin.Engine
	DB              *gorm.DB
	Redis           *redis.Client
	services        *services
	tracer          *sdktrace.TracerProvider
	configCallbacks []func(*config.Config)
}

type repositories struct {
	session    *repository.SessionRepository
	station    *repository.StationRepository
	transcript *repository.TranscriptRepository
	evaluation *repository.EvaluationRepository
}

type services struct {
	hub        *service.ConnectionHub
	notifier   service.Notifier
	provider   service.CompletionProvider
	storage    *service.StorageService
	queue      queue.Queue
	dispatcher *service.JobDispatcher
	lifecycle  *service.SessionService
	relay      *service.RelayService
	sweeper    *service.ExpirySweeper
	worker     *service.EvaluationWorker
}

type controllers struct {
	session  *controller.SessionController
	realtime *controller.RealtimeController
	station  *controller.StationController
	health   *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) runsAPI() bool {
	return a.Config.Role != RoleWorker
}

func (a *App) runsWorker() bool {
	return a.Config.Role != RoleAPI
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		session:    repository.NewSessionRepository(db),
		station:    repository.NewStationRepository(db),
		transcript: repository.NewTranscriptRepository(db),
		evaluation: repository.NewEvaluationRepository(db),
	}
}

func consumerName(role string) string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%s-%d", host, role, os.Getpid())
}

func (a *App) initQueue(ctx context.Context, cfg *config.Config, opts queue.Options) (queue.Queue, error) {
	switch cfg.Queue.Type {
	case "amqp":
		return queue.NewAMQPQueue(cfg.Queue.AMQPURL, cfg.Queue.AMQPQueue, opts)
	default:
		return queue.NewRedisStreamQueue(ctx, a.Redis, cfg.Queue.Stream, cfg.Queue.Group, consumerName(cfg.Role), opts)
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config) (*services, error) {
	ctx := context.Background()
	s := &services{}

	s.hub = service.NewConnectionHub(a.Redis, cfg.Queue.EventsChannel)
	if cfg.Role == RoleWorker {
		// 独立 worker 不持有连接，进度事件经 Redis 频道交给 API 实例投递
		s.notifier = &service.RedisNotifier{Redis: a.Redis, Channel: cfg.Queue.EventsChannel}
	} else {
		s.notifier = s.hub
	}

	provider, err := service.NewCompletionProvider(ctx, cfg.AI)
	if err != nil {
		return nil, err
	}
	s.provider = provider
	a.RegisterConfigCallback(func(newCfg *config.Config) {
		if r, ok := s.provider.(interface{ UpdateConfig(config.AIConfig) }); ok {
			r.UpdateConfig(newCfg.AI)
			logger.Log.Info("AI provider config reloaded", zap.String("model", newCfg.AI.Model))
		}
	})

	s.storage, err = service.NewStorageService(cfg)
	if err != nil {
		return nil, err
	}

	s.worker = service.NewEvaluationWorker(
		repos.session,
		repos.transcript,
		repos.evaluation,
		s.provider,
		s.storage,
		s.notifier,
		cfg.AI.EvalModel,
	)

	s.queue, err = a.initQueue(ctx, cfg, queue.Options{
		MaxDeliveries: cfg.Queue.MaxDeliveries,
		RetryBackoff:  cfg.Queue.RetryBackoff(),
		Concurrency:   cfg.Queue.Concurrency,
		OnDeadLetter:  s.worker.HandleDeadLetter,
	})
	if err != nil {
		return nil, err
	}
	s.dispatcher = service.NewJobDispatcher(s.queue)

	locks := service.NewKeyedMutex()
	s.lifecycle = service.NewSessionService(
		repos.session,
		repos.station,
		repos.transcript,
		repos.evaluation,
		s.dispatcher,
		s.notifier,
		locks,
		time.Duration(cfg.Session.DefaultDurationMinutes)*time.Minute,
	)
	s.relay = service.NewRelayService(
		s.lifecycle,
		repos.station,
		repos.transcript,
		s.provider,
		s.notifier,
		locks,
		cfg.AI.Timeout(),
	)
	s.sweeper = service.NewExpirySweeper(repos.session, s.lifecycle, cfg.Session.SweepInterval())

	return s, nil
}

func (a *App) initControllers(s *services, repos *repositories) *controllers {
	return &controllers{
		session:  controller.NewSessionController(s.lifecycle, s.relay),
		realtime: controller.NewRealtimeController(s.hub, s.relay),
		station:  controller.NewStationController(repos.station),
		health:   controller.NewHealthController(a.DB, a.Redis),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())
	router.Use(security.RateLimiter(cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute, nil))

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

// startBackgroundTasks 按角色启动过期扫描、跨进程事件订阅、评估消费与配置热更新
func (a *App) startBackgroundTasks(ctx context.Context, wg *sync.WaitGroup) {
	s := a.services
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			logger.Log.Info("Background task exited", zap.String("task", name))
		}()
	}

	if a.runsAPI() {
		run("sweeper", func() { s.sweeper.Run(ctx) })
		run("events", func() { s.hub.Run(ctx) })
	}

	if a.runsWorker() {
		run("evaluation-consumer", func() {
			// 队列后端自身会重连；这里兜底，Consume 意外返回时重新订阅
			for ctx.Err() == nil {
				err := s.queue.Consume(ctx, s.worker.Handle)
				if ctx.Err() != nil {
					return
				}
				logger.Log.Error("Evaluation consumer exited, restarting", zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(consumerRestartDelay):
				}
			}
		})
	}

	run("config-watcher", func() {
		err := configwatcher.WatchConfig(ctx, "configs", func(newCfg *config.Config) {
			for _, cb := range a.configCallbacks {
				cb(newCfg)
			}
		})
		if err != nil {
			logger.Log.Warn("Config watcher disabled", zap.Error(err))
		}
	})
}

func NewApp(cfg *config.Config) *App {
	if cfg.Role == "" {
		cfg.Role = RoleAll
	}
	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	logger.Log.Info("Logger initialized successfully", zap.String("role", cfg.Role))

	// release 模式下默认不自动迁移，除非显式指定
	migrate := cfg.ForceMigrate || cfg.Server.Mode != "release"
	db, err := database.InitDB(&cfg.Database, migrate)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
		log.Fatalf("Failed to initialize database: %v", err)
	}

	app := &App{
		Config: cfg,
		DB:     db,
	}
	if cfg.MigrateOnly {
		return app
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
		log.Fatalf("Failed to initialize redis: %v", err)
	}
	app.Redis = rdb

	repos := app.initRepositories(db)
	services, err := app.initServices(repos, cfg)
	if err != nil {
		logger.Log.Fatal("Failed to initialize services", zap.Error(err))
	}
	app.services = services

	// 监控初始化
	monitoring.Init()

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer("osce-session-service", cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	app.Router = router

	app.setupMiddlewares(router, cfg)
	controllers := app.initControllers(services, repos)
	app.registerRoutes(router, controllers, cfg)

	if cfg.Storage.Type == util.StorageLocal {
		router.Static("/uploads", cfg.Storage.LocalPath)
	}

	return app
}

func (a *App) Run() {
	ctx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	a.startBackgroundTasks(ctx, &wg)

	// worker 角色同样监听端口，只用于指标与健康检查
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	// 启动服务器
	go func() {
		log.Printf("Server running on port %s (role=%s)", a.Config.Server.Port, a.Config.Role)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置10秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}

	// 停止后台任务；进行中的评估任务未确认，会由其他消费者认领
	stop()
	wg.Wait()

	if a.services != nil {
		a.services.hub.Stop()
		if err := a.services.queue.Close(); err != nil {
			logger.Log.Error("Close queue failed", zap.Error(err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}

	log.Println("Server exiting")
}
