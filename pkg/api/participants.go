// 文件: pkg/api/participants.go
// 参与者面 handler: 详情/组合/持仓/成交/决策记录/业绩

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"arena.com/pkg/calc"
	"arena.com/pkg/decision"
	"arena.com/pkg/trading"
)

// getParticipant GET /api/v1/participants/:id
func (s *Server) getParticipant(c *gin.Context) {
	p, err := s.competitions.GetParticipant(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// getPortfolio GET /api/v1/participants/:id/portfolio
func (s *Server) getPortfolio(c *gin.Context) {
	view, err := s.portfolios.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPortfolioResponse(view))
}

// getPositions GET /api/v1/participants/:id/positions
func (s *Server) getPositions(c *gin.Context) {
	view, err := s.portfolios.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": toPositionDTOs(view.Positions)})
}

// getTrades GET /api/v1/participants/:id/trades?limit=&offset=
// 成交流水，时间倒序
func (s *Server) getTrades(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.competitions.GetParticipant(ctx, id); err != nil {
		writeError(c, err)
		return
	}

	limit, offset := pageParams(c, 50)
	total, err := s.trades.CountByParticipant(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	rows, err := s.trades.ListByParticipant(ctx, id, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	if rows == nil {
		rows = []*trading.Trade{}
	}

	c.JSON(http.StatusOK, gin.H{
		"trades": rows,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// getInvocations GET /api/v1/participants/:id/invocations?status=&limit=&offset=
// 决策审计记录，时间倒序，可按终态过滤
func (s *Server) getInvocations(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.competitions.GetParticipant(ctx, id); err != nil {
		writeError(c, err)
		return
	}

	status := decision.Status(c.Query("status"))
	limit, offset := pageParams(c, 50)
	total, err := s.decisions.CountByParticipant(ctx, id, status)
	if err != nil {
		writeError(c, err)
		return
	}
	rows, err := s.decisions.ListByParticipant(ctx, id, status, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	if rows == nil {
		rows = []*decision.Record{}
	}

	c.JSON(http.StatusOK, gin.H{
		"invocations": rows,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

// getPerformance GET /api/v1/participants/:id/performance?limit=
// 业绩汇总 + 权益曲线 (portfolio_history 升序采样)
func (s *Server) getPerformance(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	p, err := s.competitions.GetParticipant(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	comp, err := s.competitions.GetCompetition(ctx, p.CompetitionID)
	if err != nil {
		writeError(c, err)
		return
	}
	rows, err := s.portfolios.EquityHistory(ctx, id, historyLimit(c, "limit"))
	if err != nil {
		writeError(c, err)
		return
	}

	pnl := p.CurrentEquity.Sub(comp.InitialCapital)
	c.JSON(http.StatusOK, performanceResponse{
		ParticipantID:  p.ID,
		InitialCapital: comp.InitialCapital,
		CurrentEquity:  p.CurrentEquity,
		PeakEquity:     p.PeakEquity,
		TotalPnL:       pnl,
		TotalPnLPct:    calc.PnLPct(pnl, comp.InitialCapital),
		TotalTrades:    p.TotalTrades,
		WinningTrades:  p.WinningTrades,
		LosingTrades:   p.LosingTrades,
		WinRatePct:     calc.WinRatePct(p.WinningTrades, p.WinningTrades+p.LosingTrades),
		History:        toHistoryPoints(rows),
	})
}
