package api

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"FundRouter/internal/auth"
	"FundRouter/internal/observability/metrics"
	"FundRouter/internal/router"
	"FundRouter/internal/task"
	"FundRouter/internal/token"
	"FundRouter/internal/web3"
	"FundRouter/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// Router 是 HTTP 层依赖的基金操作集合，*router.Router 实现了它。
type Router interface {
	RegisterAgent(ctx context.Context, caller common.Address, reg router.Registration) error
	StartTrading(ctx context.Context, caller common.Address, id router.AgentID) error
	StartWaiting(ctx context.Context, caller common.Address, id router.AgentID) error
	StartDeposit(ctx context.Context, caller common.Address, id router.AgentID) error
	SetProtocolFeeConfig(ctx context.Context, caller common.Address, id router.AgentID, cfg router.FeeConfig) error
	SetProtocolFeeReceiver(ctx context.Context, caller, receiver common.Address) error
	SetDepositConfig(ctx context.Context, caller common.Address, id router.AgentID, cfg router.DepositConfig) error
	SetAgentMetadata(ctx context.Context, caller common.Address, id router.AgentID, name, typ string) error

	Deposit(ctx context.Context, caller common.Address, id router.AgentID, shares uint64, receiver common.Address) (*router.DepositReceipt, error)
	DepositWithPermit(ctx context.Context, caller common.Address, id router.AgentID, shares uint64, receiver common.Address, permit token.Permit) (*router.DepositReceipt, error)
	DepositWithSwap(ctx context.Context, caller common.Address, id router.AgentID, shares uint64, receiver common.Address) (*router.DepositReceipt, error)
	DepositMember(ctx context.Context, caller common.Address, id router.AgentID, shares uint64, tokenID *big.Int, signature []byte) (*router.DepositReceipt, error)

	StartDistribution(ctx context.Context, caller common.Address, id router.AgentID, amount, minOut *big.Int, budget router.Budget) (*router.DistributionResult, error)
	StartPrivateDistribution(ctx context.Context, caller common.Address, id router.AgentID, req router.PrivateDistribution, budget router.Budget) (*router.DistributionResult, error)
	Distribute(ctx context.Context, caller common.Address, id router.AgentID, budget router.Budget) (*router.DistributionResult, error)

	AgentInfo(ctx context.Context, id router.AgentID) (*router.AgentInfo, error)
	RoundInfo(ctx context.Context, id router.AgentID, round uint64) (*router.Round, error)
	UserInfo(ctx context.Context, id router.AgentID, round uint64, account common.Address) (*router.UserPosition, error)
	TokenIDUsed(ctx context.Context, id router.AgentID, round uint64, tokenID *big.Int) (common.Address, error)
	ProtocolFeeConfig(ctx context.Context, id router.AgentID) (router.FeeConfig, common.Address, error)
	DistributionInfo(ctx context.Context, id router.AgentID, round uint64) (*router.Distribution, error)
	PendingDistributions(ctx context.Context) ([]router.AgentID, error)
}

// TaskService 是续跑任务接口依赖的能力。
type TaskService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// RoleManager 管理账户角色。
type RoleManager interface {
	Roles(ctx context.Context, account common.Address) ([]auth.Role, error)
	GrantRole(ctx context.Context, caller common.Address, role auth.Role, account common.Address) error
	RevokeRole(ctx context.Context, caller common.Address, role auth.Role, account common.Address) error
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr          string
	router        Router
	tasks         TaskService
	roles         RoleManager
	authenticator *auth.Service
	chain         web3.Client
	defaultBudget uint64
	serveMetrics  bool
	log           *slog.Logger
}

// Option 自定义 Server。
type Option func(*Server)

// WithTasks 挂载续跑任务接口。
func WithTasks(tasks TaskService) Option {
	return func(s *Server) { s.tasks = tasks }
}

// WithRoles 挂载角色管理接口。
func WithRoles(roles RoleManager) Option {
	return func(s *Server) { s.roles = roles }
}

// WithAuthenticator 为业务接口启用请求签名认证。
func WithAuthenticator(svc *auth.Service) Option {
	return func(s *Server) { s.authenticator = svc }
}

// WithChain 挂载链状态查询接口。
func WithChain(client web3.Client) Option {
	return func(s *Server) { s.chain = client }
}

// WithDefaultBudget 设置请求未指定预算时的派发预算，0 表示不限。
func WithDefaultBudget(units uint64) Option {
	return func(s *Server) { s.defaultBudget = units }
}

// WithMetricsEndpoint 控制是否在 API 端口暴露 /metrics。
func WithMetricsEndpoint(enabled bool) Option {
	return func(s *Server) { s.serveMetrics = enabled }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, rt Router, opts ...Option) *Server {
	s := &Server{addr: addr, router: rt, serveMetrics: true, log: logger.Named("api")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回完整的路由表，便于测试直接驱动。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	protect := func(pattern string, h http.HandlerFunc) {
		var handler http.Handler = h
		if s.authenticator != nil {
			handler = s.authenticator.Middleware()(handler)
		}
		mux.Handle(pattern, handler)
	}

	protect("POST /api/v1/agents", s.handleRegisterAgent)
	protect("GET /api/v1/agents/pending", s.handlePendingDistributions)
	protect("GET /api/v1/agents/{id}", s.handleAgentInfo)
	protect("POST /api/v1/agents/{id}/state", s.handleTransition)
	protect("GET /api/v1/agents/{id}/fee-config", s.handleGetFeeConfig)
	protect("PUT /api/v1/agents/{id}/fee-config", s.handleSetFeeConfig)
	protect("PUT /api/v1/agents/{id}/deposit-config", s.handleSetDepositConfig)
	protect("PUT /api/v1/agents/{id}/metadata", s.handleSetMetadata)
	protect("PUT /api/v1/fee-receiver", s.handleSetFeeReceiver)

	protect("POST /api/v1/agents/{id}/deposits", s.handleDeposit)

	protect("POST /api/v1/agents/{id}/distribution", s.handleStartDistribution)
	protect("POST /api/v1/agents/{id}/distribution/private", s.handleStartPrivateDistribution)
	protect("POST /api/v1/agents/{id}/distribution/resume", s.handleDistribute)

	protect("GET /api/v1/agents/{id}/rounds/{round}", s.handleRoundInfo)
	protect("GET /api/v1/agents/{id}/rounds/{round}/users/{account}", s.handleUserInfo)
	protect("GET /api/v1/agents/{id}/rounds/{round}/token-ids/{tokenID}", s.handleTokenIDUsed)
	protect("GET /api/v1/agents/{id}/rounds/{round}/distribution", s.handleDistributionInfo)

	if s.tasks != nil {
		protect("POST /api/v1/tasks", s.handleSubmitTask)
		protect("GET /api/v1/tasks", s.handleListTasks)
		protect("GET /api/v1/tasks/stats", s.handleTaskStats)
		protect("GET /api/v1/tasks/{taskID}", s.handleTaskDetail)
	}

	if s.roles != nil {
		protect("GET /api/v1/roles/{account}", s.handleListRoles)
		protect("PUT /api/v1/roles/{role}/{account}", s.handleGrantRole)
		protect("DELETE /api/v1/roles/{role}/{account}", s.handleRevokeRole)
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.chain != nil {
		mux.HandleFunc("GET /chain", s.handleChainSnapshot)
	}
	if s.serveMetrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return instrument(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChainSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.chain.FetchChainSnapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// budget 把请求中的预算转换为 router.Budget，0 回落到服务默认值。
func (s *Server) budget(units uint64) router.Budget {
	if units == 0 {
		units = s.defaultBudget
	}
	if units == 0 {
		return router.Unlimited()
	}
	return router.NewMeter(units)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// statusRecorder 捕获响应状态码。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument 记录每个请求的指标，按路由模式聚合。
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		handler := r.Pattern
		if handler == "" {
			handler = "unmatched"
		}
		metrics.ObserveHTTPRequest(handler, r.Method, rec.status, time.Since(start))
	})
}
