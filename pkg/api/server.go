// 文件: pkg/api/server.go
// REST 服务 - gin 路由装配与生命周期
//
// 【职责】
// 1. 路由: /api/v1 业务面 + /internal 管理面 + /health
// 2. 鉴权: 写操作与管理端要求 X-API-Key，读操作开放
// 3. http.Server 生命周期 (优雅关停)
//
// 【设计】
// 业务逻辑全部在各引擎/管理器里，handler 只做参数解析、调用、状态码映射。
// 依赖面收窄成接口，单测用内存桩替换。

package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"arena.com/pkg/competition"
	"arena.com/pkg/decision"
	"arena.com/pkg/portfolio"
	"arena.com/pkg/trading"
)

// =============================================================================
// 依赖接口
// =============================================================================

// CompetitionService 竞赛域操作
type CompetitionService interface {
	CreateCompetition(ctx context.Context, req *competition.CreateCompetitionRequest) (*competition.Competition, error)
	GetCompetition(ctx context.Context, id string) (*competition.Competition, error)
	ListCompetitions(ctx context.Context, status competition.CompetitionStatus) ([]*competition.Competition, error)
	StartCompetition(ctx context.Context, id string) error
	StopCompetition(ctx context.Context, id string) error
	RegisterParticipant(ctx context.Context, req *competition.RegisterParticipantRequest) (*competition.Participant, error)
	GetParticipant(ctx context.Context, id string) (*competition.Participant, error)
	ListParticipants(ctx context.Context, competitionID string) ([]*competition.Participant, error)
	ActiveParticipants(ctx context.Context, competitionID string) ([]*competition.Participant, error)
	ResetParticipants(ctx context.Context, competitionID string) error
}

// LeaderboardSource 排行榜读取与失效
type LeaderboardSource interface {
	GetLeaderboard(ctx context.Context, competitionID string) ([]*competition.LeaderboardEntry, error)
	Invalidate(ctx context.Context, competitionID string) error
}

// PortfolioReader 组合快照/权益曲线/管理端重置
type PortfolioReader interface {
	Snapshot(ctx context.Context, participantID string) (*portfolio.View, error)
	EquityHistory(ctx context.Context, participantID string, limit int) ([]*portfolio.HistoryRecord, error)
	ResetForCompetition(ctx context.Context, comp *competition.Competition) error
}

// RoundRunner 手动触发一轮决策
type RoundRunner interface {
	RunRound(ctx context.Context, competitionID, participantID string) (*decision.Record, error)
}

// 确保生产实现满足接口
var (
	_ CompetitionService = (*competition.Manager)(nil)
	_ LeaderboardSource  = (*competition.LeaderboardService)(nil)
	_ PortfolioReader    = (*portfolio.Manager)(nil)
	_ RoundRunner        = (*decision.Orchestrator)(nil)
)

// HealthCheck 组件探活函数，返回 nil 表示健康
type HealthCheck func(ctx context.Context) error

// =============================================================================
// Server
// =============================================================================

type Server struct {
	apiKey string

	competitions CompetitionService
	leaderboard  LeaderboardSource
	portfolios   PortfolioReader
	orders       trading.OrderRepository
	trades       trading.TradeRepository
	decisions    decision.Repository
	rounds       RoundRunner

	checks  map[string]HealthCheck
	httpSrv *http.Server
}

func NewServer(
	apiKey string,
	competitions CompetitionService,
	leaderboard LeaderboardSource,
	portfolios PortfolioReader,
	orders trading.OrderRepository,
	trades trading.TradeRepository,
	decisions decision.Repository,
	rounds RoundRunner,
) *Server {
	return &Server{
		apiKey:       apiKey,
		competitions: competitions,
		leaderboard:  leaderboard,
		portfolios:   portfolios,
		orders:       orders,
		trades:       trades,
		decisions:    decisions,
		rounds:       rounds,
		checks:       make(map[string]HealthCheck),
	}
}

// RegisterHealthCheck 注册组件探活 (mysql / redis / nats 等)
func (s *Server) RegisterHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// Router 装配全部路由
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	auth := s.requireAPIKey()

	v1 := r.Group("/api/v1")
	{
		v1.POST("/competitions", auth, s.createCompetition)
		v1.GET("/competitions", s.listCompetitions)
		v1.GET("/competitions/:id", s.getCompetition)
		v1.POST("/competitions/:id/start", auth, s.startCompetition)
		v1.POST("/competitions/:id/stop", auth, s.stopCompetition)
		v1.POST("/competitions/:id/participants", auth, s.registerParticipant)
		v1.GET("/competitions/:id/participants", s.listParticipants)
		v1.GET("/competitions/:id/leaderboard", s.getLeaderboard)
		v1.GET("/competitions/:id/history", s.getCompetitionHistory)

		v1.GET("/participants/:id", s.getParticipant)
		v1.GET("/participants/:id/portfolio", s.getPortfolio)
		v1.GET("/participants/:id/positions", s.getPositions)
		v1.GET("/participants/:id/trades", s.getTrades)
		v1.GET("/participants/:id/invocations", s.getInvocations)
		v1.GET("/participants/:id/performance", s.getPerformance)
	}

	internal := r.Group("/internal", auth)
	{
		internal.POST("/invoke-participants", s.invokeParticipants)
		internal.POST("/trigger-invocation/:id", s.triggerInvocation)
		internal.POST("/reset-competition/:id", s.resetCompetition)
	}

	r.GET("/health", s.health)
	return r
}

// Start 启动 HTTP 监听 (非阻塞)
func (s *Server) Start(addr string) {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[API] serve error: %v", err)
		}
	}()
	log.Printf("[API] listening on %s", addr)
}

// Stop 优雅关停，等待在途请求完成或 ctx 超时
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	log.Println("[API] shutting down")
	return s.httpSrv.Shutdown(ctx)
}

// =============================================================================
// 健康检查
// =============================================================================

// health 存活探针 + 组件状态
// 组件故障不改变 HTTP 状态码，调用方看 components 字段判断降级
func (s *Server) health(c *gin.Context) {
	status := "healthy"
	components := gin.H{}
	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		if err := check(ctx); err != nil {
			components[name] = err.Error()
			status = "degraded"
		} else {
			components[name] = "ok"
		}
		cancel()
	}

	resp := gin.H{"status": status}
	if len(components) > 0 {
		resp["components"] = components
	}
	c.JSON(http.StatusOK, resp)
}

// =============================================================================
// 错误映射
// =============================================================================

// writeError 统一错误应答 {"detail": ...}
func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"detail": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, competition.ErrCompetitionNotFound),
		errors.Is(err, competition.ErrParticipantNotFound),
		errors.Is(err, portfolio.ErrPortfolioNotFound),
		errors.Is(err, decision.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, competition.ErrInvalidRequest),
		errors.Is(err, competition.ErrInvalidWindow),
		errors.Is(err, competition.ErrInvalidTransition),
		errors.Is(err, competition.ErrCompetitionFull),
		errors.Is(err, competition.ErrCompetitionClosed),
		errors.Is(err, competition.ErrDuplicateName):
		return http.StatusBadRequest
	case errors.Is(err, decision.ErrRoundInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
