package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/apranova/lms-workspace/internal/auth"
	"github.com/apranova/lms-workspace/internal/backend"
	"github.com/apranova/lms-workspace/internal/backend/docker"
	"github.com/apranova/lms-workspace/internal/backend/kubernetes"
	"github.com/apranova/lms-workspace/internal/config"
	"github.com/apranova/lms-workspace/internal/db"
	"github.com/apranova/lms-workspace/internal/events"
	"github.com/apranova/lms-workspace/internal/handler"
	"github.com/apranova/lms-workspace/internal/lock"
	"github.com/apranova/lms-workspace/internal/metrics"
	"github.com/apranova/lms-workspace/internal/notify"
	"github.com/apranova/lms-workspace/internal/repository"
	"github.com/apranova/lms-workspace/internal/storage"
	"github.com/apranova/lms-workspace/internal/workspace"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
)

type app struct {
	manager     *workspace.Manager
	router      *gin.Engine
	backendName string
	closers     []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("failed to release resource", "error", err)
		}
	}
}

// build connects every dependency named in cfg and assembles the manager and router.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	gdb, err := db.Connect(cfg.DatabaseURL, cfg.DatabaseSchema)
	if err != nil {
		return nil, err
	}
	if sqlDB, err := gdb.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}
	if cfg.AutoMigrate {
		if err := db.Migrate(gdb); err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}
	students := repository.NewStudentRepository(gdb)
	notifications := repository.NewNotificationRepository(gdb)

	exec, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.backendName = exec.Name()

	settings := storage.DefaultEditorSettings()
	settings.AutoSaveDelaySeconds = cfg.AutoSaveSeconds
	store, err := storage.NewLocal(afero.NewOsFs(), cfg.WorkspaceBasePath, settings)
	if err != nil {
		return nil, err
	}

	var locker workspace.Locker = lock.NewMemory()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		locker = lock.NewRedis(rdb, cfg.LockTTL, logger)
	}

	publisher, err := newPublisher(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, publisher.Close)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.manager = workspace.NewManager(workspace.Deps{
		Registry: students,
		Backend:  exec,
		Storage:  store,
		Ports:    workspace.NewPortAllocator(cfg.PortMin, cfg.PortMax, students),
		Notifier: notify.New(notifications, publisher, logger),
		Locker:   locker,
		Metrics:  metrics.New(reg),
		Logger:   logger,
	}, workspace.Config{
		Image:              cfg.WorkspaceImage,
		Password:           cfg.Password,
		ReadyTimeout:       cfg.ReadyTimeout,
		ReadyInterval:      cfg.ReadyInterval,
		IdleTimeout:        cfg.IdleTimeout,
		CallTimeout:        cfg.CallTimeout,
		ToolInstallCommand: cfg.ToolInstallCommand,
	})

	verifier, err := newVerifier(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { verifier.Close(); return nil })

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handler.New(a.manager, students, logger, cfg.AllowOrigins)
	a.router = handler.NewRouter(h, handler.RouterConfig{
		AllowOrigins: cfg.AllowOrigins,
		Verifier:     verifier,
		Gatherer:     reg,
		Logger:       logger,
	})
	return a, nil
}

func newBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend.Backend, error) {
	switch cfg.ExecutionBackend {
	case "kubernetes":
		return kubernetes.New(cfg.Kubeconfig, kubernetes.Config{
			Namespace:    cfg.K8sNamespace,
			Domain:       cfg.WorkspaceDomain,
			StorageSize:  cfg.StorageSize,
			StorageClass: cfg.StorageClass,
		}, logger)
	case "docker":
		return docker.New(ctx, cfg.PublicHost, logger)
	default:
		return nil, fmt.Errorf("unknown execution backend %q", cfg.ExecutionBackend)
	}
}

func newPublisher(cfg *config.Config) (events.Publisher, error) {
	var pubs events.Multi
	if cfg.RabbitMQURL != "" {
		rmq, err := events.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, rmq)
	}
	if cfg.KafkaBrokerURL != "" {
		pubs = append(pubs, events.NewKafka(cfg.KafkaBrokerURL, cfg.KafkaTopic))
	}
	if len(pubs) == 0 {
		return events.Noop{}, nil
	}
	return pubs, nil
}

func newVerifier(cfg *config.Config) (*auth.Verifier, error) {
	if cfg.JWKSURL != "" {
		return auth.NewJWKSVerifier(cfg.JWKSURL)
	}
	if cfg.JWTSecret != "" {
		return auth.NewHMACVerifier(cfg.JWTSecret), nil
	}
	return nil, errors.New("no token verifier configured")
}
