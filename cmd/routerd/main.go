package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"FundRouter/internal/api"
	"FundRouter/internal/auth"
	"FundRouter/internal/config"
	"FundRouter/internal/observability/alerting"
	"FundRouter/internal/observability/metrics"
	"FundRouter/internal/router"
	"FundRouter/internal/settlement"
	"FundRouter/internal/task"
	"FundRouter/internal/token"
	"FundRouter/internal/web3"
	"FundRouter/internal/web3/provider"
	"FundRouter/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// main 是 FundRouter 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("routerd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("routerd")

	routerAddr := common.HexToAddress(cfg.Router.Address)
	chainID := new(big.Int).SetUint64(cfg.Router.ChainID)

	tokens, err := buildTokens(cfg.Router.Tokens, chainID)
	if err != nil {
		return err
	}

	settlementCfg, err := settlement.LoadConfig(cfg.Settlement.Config)
	if err != nil {
		return err
	}
	exchange := settlement.NewMemoryExchange(common.HexToAddress(cfg.Settlement.Exchange), tokens, settlementCfg.Pools...)
	normalizer, err := settlement.NewNormalizer(ctx, settlementCfg, tokens, exchange, routerAddr)
	if err != nil {
		return err
	}
	if err := normalizer.ApproveExchange(ctx); err != nil {
		return err
	}

	stores, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if err := auth.ApplySeeds(ctx, stores.roles, authSeeds(cfg.Auth.Seeds)); err != nil {
		return err
	}
	access := auth.NewAccessControl(stores.roles)
	authenticator, err := auth.NewService(auth.Config{
		Mode:           auth.Mode(cfg.Auth.Mode),
		MaxSkewSeconds: cfg.Auth.MaxSkewSeconds,
	}, access)
	if err != nil {
		return err
	}

	publisher, err := buildPublisher(ctx, cfg.Events)
	if err != nil {
		return err
	}
	alerts, err := buildAlerts(cfg.Alerts)
	if err != nil {
		_ = publisher.Close()
		return err
	}

	opts := []router.Option{
		router.WithChainID(chainID),
		router.WithPublisher(publisher),
		router.WithAlerts(alerts),
	}
	if cfg.Router.StepCost > 0 {
		opts = append(opts, router.WithStepCost(cfg.Router.StepCost))
	}
	if len(cfg.Router.AllocationTypes) > 0 {
		opts = append(opts, router.WithAllocationTypes(cfg.Router.AllocationTypes...))
	}
	rt, err := router.New(routerAddr, stores.router, tokens, normalizer, access, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warn("关闭路由器失败", "error", err)
		}
	}()

	serverOpts := []api.Option{
		api.WithAuthenticator(authenticator),
		api.WithRoles(access),
		api.WithDefaultBudget(cfg.Tasks.Budget),
		api.WithMetricsEndpoint(cfg.Metrics.Address == ""),
	}

	if cfg.Web3.Enabled() {
		chains, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return err
		}
		defer chains.Close()
		client, err := chains.DefaultClient()
		if err != nil {
			return err
		}
		if cfg.Web3.Verify {
			if err := verifyChain(ctx, chains, client, chainID, tokens, normalizer); err != nil {
				return err
			}
			log.Info("链上部署校验通过", "chain", chains.DefaultChain())
		}
		serverOpts = append(serverOpts, api.WithChain(client))
	}

	if cfg.Tasks.Enabled {
		tasks, stop, err := startTasks(ctx, cfg.Tasks, stores.db, rt, alerts)
		if err != nil {
			return err
		}
		defer stop()
		serverOpts = append(serverOpts, api.WithTasks(tasks))
	}

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务异常退出", "error", err)
			}
		}()
	}

	log.Info("路由器已启动", "address", routerAddr.Hex(), "chain_id", chainID.String(), "listen", cfg.Server.Address)
	server := api.NewServer(cfg.Server.Address, rt, serverOpts...)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startTasks 启动续跑任务的处理器与调度器，返回的 stop 会关闭队列与存储。
func startTasks(ctx context.Context, cfg config.TasksConfig, db *sql.DB, rt *router.Router, alerts alerting.Dispatcher) (*task.Service, func(), error) {
	store, err := buildTaskStore(cfg, db)
	if err != nil {
		return nil, nil, err
	}
	queue, err := buildTaskQueue(ctx, cfg.Queue)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	log := logger.Named("tasks")

	service := task.NewService(store, queue, cfg.MaxRetries)
	processor := task.NewProcessor(rt, store, queue, queue,
		task.WithWorkerCount(cfg.Workers),
		task.WithProcessorLogger(log),
		task.WithCaller(common.HexToAddress(cfg.Caller)),
		task.WithBudget(cfg.Budget),
		task.WithRecoveryHandler(task.NewDistributionRecovery(rt)),
		task.WithAlertDispatcher(alerts),
	)
	scheduler := task.NewScheduler(rt, service, cfg.ScanSpec)

	taskCtx, cancel := context.WithCancel(ctx)
	go func() {
		if err := processor.Start(taskCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("任务处理器异常退出", "error", err)
		}
	}()
	if err := scheduler.Start(taskCtx); err != nil {
		cancel()
		_ = queue.Close()
		_ = store.Close()
		return nil, nil, err
	}

	stop := func() {
		cancel()
		if err := queue.Close(); err != nil {
			log.Warn("关闭任务队列失败", "error", err)
		}
		if err := store.Close(); err != nil {
			log.Warn("关闭任务存储失败", "error", err)
		}
	}
	return service, stop, nil
}

// verifyChain 校验 RPC 端点的链 ID 与结算代币精度是否与本地配置一致。
func verifyChain(ctx context.Context, chains *provider.Registry, client web3.Client, chainID *big.Int, tokens token.Resolver, normalizer *settlement.Normalizer) error {
	expected := chains.ExpectedChainID(chains.DefaultChain())
	if expected == nil || expected.Sign() == 0 {
		expected = chainID
	}
	var expectations []web3.TokenExpectation
	for _, addr := range []common.Address{normalizer.Primary(), normalizer.Secondary()} {
		tok, err := tokens.Resolve(addr)
		if err != nil {
			return err
		}
		decimals, err := tok.Decimals(ctx)
		if err != nil {
			return err
		}
		expectations = append(expectations, web3.TokenExpectation{Address: addr, Decimals: decimals})
	}
	if err := web3.VerifyDeployment(ctx, client, expected, expectations); err != nil {
		return fmt.Errorf("链上部署校验失败: %w", err)
	}
	return nil
}

func authSeeds(list []config.SeedConfig) []auth.Seed {
	seeds := make([]auth.Seed, 0, len(list))
	for _, s := range list {
		if strings.TrimSpace(s.Account) == "" {
			continue
		}
		seeds = append(seeds, auth.Seed{Account: s.Account, Roles: s.Roles})
	}
	return seeds
}
