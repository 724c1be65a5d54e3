package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/app"
	"github.com/meridian-erp/meridian-erp/internal/costing"
	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/platform/cache"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/procurement"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	ledgerService := ledger.NewService(ledger.NewPgxRepository(pool), logger).
		WithMoneyPrecision(cfg.MoneyPrecision)

	costingRepo := costing.NewRepository(pool, logger)
	procurementRepo := procurement.NewRepository(pool)

	costingService := costing.NewService(costingRepo, procurementRepo, procurementRepo, ledgerService, nil, nil, logger)
	costingService.SetLocker(costing.NewRedisLocker(shared.NewKeyLocker(redisClient, cfg.LockLease, cfg.LockWait)))
	costingService.SetAudit(shared.NewAuditLogger(pool))

	// Jobs carry the company id; precisions and currency come from config.
	contexts := func(ctx context.Context, companyID int64) (costing.Context, error) {
		cctx := cfg.CostingContext()
		cctx.CompanyID = companyID
		return cctx, nil
	}
	sweeper := jobs.NewSweeper(costingService, contexts, logger)
	sweeper.SetMetrics(jobmetrics.NewMetrics(nil))

	priceRefreshTask, err := jobs.NewPriceRefreshTask(jobs.PriceRefreshPayload{
		CompanyID:   cfg.CompanyID,
		RequestedAt: time.Now(),
	})
	if err != nil {
		logger.Error("build price refresh task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Sweeper:   sweeper,
		Cron: []jobs.CronRegistration{
			{Spec: "45 1 * * *", Task: priceRefreshTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
