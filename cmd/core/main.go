package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpc_adapter "github.com/JoeShih716/go-fin-ledger/internal/app/core/adapter/in/grpc"
	"github.com/JoeShih716/go-fin-ledger/internal/app/core/adapter/out/classifier"
	"github.com/JoeShih716/go-fin-ledger/internal/app/core/adapter/out/events"
	"github.com/JoeShih716/go-fin-ledger/internal/app/core/adapter/out/hasher"
	memory_adapter "github.com/JoeShih716/go-fin-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-fin-ledger/internal/app/core/adapter/out/sqldb"
	"github.com/JoeShih716/go-fin-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-fin-ledger/internal/config"
	"github.com/JoeShih716/go-fin-ledger/pkg/database"
	pkggrpc "github.com/JoeShih716/go-fin-ledger/pkg/grpc"
	"github.com/JoeShih716/go-fin-ledger/pkg/logger"
	"github.com/JoeShih716/go-fin-ledger/pkg/wal"
)

func main() {
	// 1. 載入設定
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	zl, _, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zl.Sync() //nolint:errcheck

	if err := run(cfg, zl); err != nil {
		zl.Fatal("ledger core exited", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				zl.Warn("close failed", zap.Error(err))
			}
		}
	}()

	// 2. 儲存層
	uow, err := newUnitOfWork(ctx, cfg, zl, &closers)
	if err != nil {
		return err
	}

	// 3. 分類服務
	resolver, err := newResolver(cfg, zl, &closers)
	if err != nil {
		return err
	}

	// 4. 事件發布
	opts := []usecase.Option{
		usecase.WithLogger(zl.Named("usecase")),
		usecase.WithPasswordHasher(hasher.NewArgon2(hasher.DefaultParams)),
	}
	publisher, err := newPublisher(cfg, &closers)
	if err != nil {
		return err
	}
	if publisher != nil {
		opts = append(opts, usecase.WithEventPublisher(publisher))
	}

	// 5. 初始化 UseCase
	coreUseCase := usecase.NewCoreUseCase(uow, resolver, opts...)

	// 6. 啟動 gRPC Server
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPC.Addr, err)
	}
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(pkggrpc.UnaryServerLogger(zl.Named("grpc"))))
	grpc_adapter.NewGrpcServer(coreUseCase, zl.Named("grpc")).Register(s)
	healthpb.RegisterHealthServer(s, health.NewServer())
	reflection.Register(s)

	serveErr := make(chan error, 1)
	go func() {
		zl.Info("starting gRPC server", zap.String("addr", cfg.GRPC.Addr), zap.String("storage", cfg.Storage.Driver))
		serveErr <- s.Serve(lis)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		zl.Info("shutting down server")
		s.GracefulStop()
	}
	zl.Info("server exited")
	return nil
}

func newUnitOfWork(ctx context.Context, cfg *config.Config, zl *zap.Logger, closers *[]io.Closer) (usecase.UnitOfWork, error) {
	switch cfg.Storage.Driver {
	case config.StorageMemory:
		opts := []memory_adapter.Option{
			memory_adapter.WithLockTimeout(cfg.Ledger.LockTimeout),
			memory_adapter.WithLogger(zl.Named("memory")),
		}
		if cfg.Storage.WALPath != "" {
			walFile, err := wal.NewWAL(cfg.Storage.WALPath)
			if err != nil {
				return nil, fmt.Errorf("init wal: %w", err)
			}
			*closers = append(*closers, walFile)
			opts = append(opts, memory_adapter.WithWAL(walFile))
		}
		ledger, err := memory_adapter.NewMutexLedger(opts...)
		if err != nil {
			return nil, fmt.Errorf("init memory ledger: %w", err)
		}
		return ledger, nil
	default:
		client, err := database.NewClient(ctx, cfg.Database(), zl.Named("database"))
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, client)
		store := sqldb.NewStore(client,
			sqldb.WithLockTimeout(cfg.Ledger.LockTimeout),
			sqldb.WithLogger(zl.Named("sqldb")),
		)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}
}

func newResolver(cfg *config.Config, zl *zap.Logger, closers *[]io.Closer) (*usecase.CategoryResolver, error) {
	if cfg.Classifier.Target == "" {
		zl.Info("no classifier target configured, using keyword classifier")
		return usecase.NewCategoryResolver(classifier.NewKeywordClassifier(nil), cfg.Ledger.ClassifyTimeout), nil
	}
	pool := pkggrpc.NewPool(pkggrpc.WithInterceptor(pkggrpc.UnaryClientLogger(zl.Named("classifier"))))
	*closers = append(*closers, pool)
	c := classifier.NewGRPCClassifier(pool, cfg.Classifier.Target, classifier.BreakerConfig{
		MaxFailures: cfg.Classifier.MaxFailures,
		OpenTimeout: cfg.Classifier.OpenTimeout,
	}, zl.Named("classifier"))
	return usecase.NewCategoryResolver(c, cfg.Ledger.ClassifyTimeout), nil
}

func newPublisher(cfg *config.Config, closers *[]io.Closer) (usecase.EventPublisher, error) {
	switch cfg.Events.Driver {
	case config.EventsKafka:
		p := events.NewKafkaPublisher(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic)
		*closers = append(*closers, p)
		return p, nil
	case config.EventsAMQP:
		p, err := events.NewAMQPPublisher(cfg.Events.AMQP.URL, cfg.Events.AMQP.Exchange)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, p)
		return p, nil
	default:
		return nil, nil
	}
}
