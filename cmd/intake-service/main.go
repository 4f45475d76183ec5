package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gradelab/internal/common/cache"
	"gradelab/internal/common/db"
	commonmw "gradelab/internal/common/http/middleware"
	"gradelab/internal/common/mq"
	"gradelab/internal/common/storage"
	"gradelab/internal/grader/sandbox"
	"gradelab/internal/grader/sandbox/engine"
	"gradelab/internal/grader/sandbox/runner"
	"gradelab/internal/grader/sandbox/spec"
	gradersvc "gradelab/internal/grader/service"
	"gradelab/internal/intake/controller"
	intakeRepo "gradelab/internal/intake/repository"
	intakesvc "gradelab/internal/intake/service"
	schedRepo "gradelab/internal/scheduler/repository"
	schedsvc "gradelab/internal/scheduler/service"
	"gradelab/pkg/utils/logger"
)

const defaultConfigPath = "configs/intake_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx := context.Background()

	var redisCache cache.Cache
	var journal schedRepo.Journal
	if appCfg.Redis.Addr != "" {
		rc, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
		if err != nil {
			logger.Error(ctx, "init redis failed", zap.Error(err))
			return
		}
		defer func() {
			_ = rc.Close()
		}()
		redisCache = rc
		journal, err = schedRepo.NewRedisJournal(schedRepo.RedisJournalConfig{Cache: rc})
		if err != nil {
			logger.Error(ctx, "init journal failed", zap.Error(err))
			return
		}
	}

	var archive schedRepo.Archive
	if appCfg.Database.DSN != "" {
		mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
		if err != nil {
			logger.Error(ctx, "init database failed", zap.Error(err))
			return
		}
		defer func() {
			_ = mysqlDB.Close()
		}()
		mysqlArchive, err := schedRepo.NewMySQLArchive(mysqlDB)
		if err != nil {
			logger.Error(ctx, "init archive failed", zap.Error(err))
			return
		}
		if err := mysqlArchive.EnsureSchema(ctx); err != nil {
			logger.Error(ctx, "ensure archive schema failed", zap.Error(err))
			return
		}
		archive = mysqlArchive
	}

	var objStorage storage.ObjectStorage
	if appCfg.MinIO.Endpoint != "" {
		minioStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			logger.Error(ctx, "init minio failed", zap.Error(err))
			return
		}
		objStorage = minioStorage
	}

	var producer mq.Producer
	if len(appCfg.Kafka.Brokers) > 0 {
		kafkaProducer, err := mq.NewKafkaProducer(appCfg.Kafka)
		if err != nil {
			logger.Error(ctx, "init kafka failed", zap.Error(err))
			return
		}
		defer func() {
			_ = kafkaProducer.Close()
		}()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := kafkaProducer.Ping(pingCtx); err != nil {
			logger.Warn(ctx, "kafka broker unreachable", zap.Error(err))
		}
		cancel()
		producer = kafkaProducer
	}

	scheduler, err := schedsvc.NewScheduler(schedsvc.Config{
		MaxAttempts: appCfg.Scheduler.MaxAttempts,
		Journal:     journal,
	})
	if err != nil {
		logger.Error(ctx, "init scheduler failed", zap.Error(err))
		return
	}
	requeued, err := scheduler.Restore(ctx)
	if err != nil {
		logger.Error(ctx, "restore journal failed", zap.Error(err))
		return
	}
	if requeued > 0 {
		logger.Info(ctx, "requeued interrupted submissions", zap.Int("count", requeued))
	}

	resolver, err := schedsvc.NewResolver(schedsvc.ResolverConfig{
		Scheduler: scheduler,
		Archive:   archive,
		Cache:     redisCache,
		CacheTTL:  appCfg.Scheduler.StatusTTL,
	})
	if err != nil {
		logger.Error(ctx, "init resolver failed", zap.Error(err))
		return
	}

	sandboxEngine, err := engine.NewEngine(engine.Config{
		CgroupRoot: appCfg.Sandbox.CgroupRoot,
		HelperPath: appCfg.Sandbox.HelperPath,
		Isolation: spec.Isolation{
			RootFS:         appCfg.Sandbox.RootFS,
			SeccompProfile: appCfg.Sandbox.SeccompProfile,
			DisableNetwork: appCfg.Sandbox.DisableNetwork,
		},
		EnableSeccomp:    appCfg.Sandbox.EnableSeccomp,
		EnableCgroup:     appCfg.Sandbox.EnableCgroup,
		EnableNamespaces: appCfg.Sandbox.EnableNamespaces,
	})
	if err != nil {
		logger.Error(ctx, "init sandbox engine failed", zap.Error(err))
		return
	}
	baseline, err := runner.NewBaseline(runner.Config{
		Engine:         sandboxEngine,
		CompileCommand: appCfg.Sandbox.CompileCommand,
		CompileTimeout: appCfg.Sandbox.CompileTimeout,
		TestTimeout:    appCfg.Sandbox.TestTimeout,
		MemoryMB:       appCfg.Sandbox.MemoryMB,
		StackMB:        appCfg.Sandbox.StackMB,
		OutputMB:       appCfg.Sandbox.OutputMB,
		PIDs:           appCfg.Sandbox.PIDs,
	})
	if err != nil {
		logger.Error(ctx, "init baseline runner failed", zap.Error(err))
		return
	}

	packetStore, err := intakeRepo.NewPacketStore(appCfg.Intake.StoreRoot)
	if err != nil {
		logger.Error(ctx, "init packet store failed", zap.Error(err))
		return
	}

	interfaceHeader, err := loadInterfaceHeader(appCfg.Intake.InterfaceHeaderPath)
	if err != nil {
		logger.Error(ctx, "load interface header failed", zap.Error(err))
		return
	}

	if objStorage != nil && appCfg.Intake.RawBucket != "" {
		if err := objStorage.EnsureBucket(ctx, appCfg.Intake.RawBucket); err != nil {
			logger.Error(ctx, "ensure raw bucket failed", zap.Error(err))
			return
		}
	}

	var trialRunner sandbox.Runner
	if appCfg.Intake.TrialEnabled {
		trialRunner = baseline
	}
	intakeService, err := intakesvc.NewIntakeService(intakesvc.Config{
		Scheduler:       scheduler,
		Store:           packetStore,
		Storage:         objStorage,
		RawBucket:       appCfg.Intake.RawBucket,
		Cache:           redisCache,
		Runner:          trialRunner,
		TrialDeadline:   appCfg.Intake.TrialDeadline,
		InterfaceHeader: interfaceHeader,
		StagingDir:      appCfg.Intake.StagingDir,
	})
	if err != nil {
		logger.Error(ctx, "init intake service failed", zap.Error(err))
		return
	}

	packetSource, err := intakeRepo.NewRecoveringSource(intakeRepo.RecoveringSourceConfig{
		Store:           packetStore,
		Storage:         objStorage,
		RawBucket:       appCfg.Intake.RawBucket,
		InterfaceHeader: interfaceHeader,
		StagingDir:      appCfg.Intake.StagingDir,
	})
	if err != nil {
		logger.Error(ctx, "init packet source failed", zap.Error(err))
		return
	}

	dispatcher, err := gradersvc.NewDispatcher(gradersvc.Config{
		Scheduler:       scheduler,
		Runner:          baseline,
		Packets:         packetSource,
		Archive:         archive,
		Events:          producer,
		EventTopic:      appCfg.Dispatcher.EventTopic,
		Slots:           appCfg.Dispatcher.Slots,
		AttemptDeadline: appCfg.Dispatcher.AttemptDeadline,
		PollInterval:    appCfg.Dispatcher.PollInterval,
	})
	if err != nil {
		logger.Error(ctx, "init dispatcher failed", zap.Error(err))
		return
	}
	dispatcher.Start(ctx)

	httpServer := buildHTTPServer(appCfg.Server, intakeService, resolver)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "intake http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	dispatcher.Stop()
}

func buildHTTPServer(cfg ServerConfig, intakeService *intakesvc.IntakeService, resolver *schedsvc.Resolver) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	api := router.Group("/api/v1")
	packetController := controller.NewPacketController(intakeService, resolver)
	packetController.RegisterRoutes(api)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
