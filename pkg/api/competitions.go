// 文件: pkg/api/competitions.go
// 竞赛面 handler: 创建/查询/生命周期/报名/排行榜/权益曲线

package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"arena.com/pkg/competition"
)

// 分页上限，防止一次拉全表
const maxPageSize = 500

// createCompetition POST /api/v1/competitions
func (s *Server) createCompetition(c *gin.Context) {
	var body createCompetitionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}

	comp, err := s.competitions.CreateCompetition(c.Request.Context(), &competition.CreateCompetitionRequest{
		Name:                      body.Name,
		StartAt:                   body.StartAt,
		EndAt:                     body.EndAt,
		InitialCapital:            body.InitialCapital,
		MaxLeverage:               body.MaxLeverage,
		MaxPositionSizePct:        body.MaxPositionSizePct,
		MarginRequirementPct:      body.MarginRequirementPct,
		MaintenanceMarginPct:      body.MaintenanceMarginPct,
		InvocationIntervalMinutes: body.InvocationIntervalMinutes,
		AllowedSymbols:            body.AllowedSymbols,
		MaxParticipants:           body.MaxParticipants,
		MarketHoursOnly:           body.MarketHoursOnly,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, comp)
}

// listCompetitions GET /api/v1/competitions?status=&limit=&offset=
func (s *Server) listCompetitions(c *gin.Context) {
	status := competition.CompetitionStatus(c.Query("status"))
	all, err := s.competitions.ListCompetitions(c.Request.Context(), status)
	if err != nil {
		writeError(c, err)
		return
	}

	limit, offset := pageParams(c, 20)
	total := len(all)
	window := make([]*competition.Competition, 0, limit)
	for i := offset; i < total && len(window) < limit; i++ {
		window = append(window, all[i])
	}

	c.JSON(http.StatusOK, gin.H{
		"competitions": window,
		"total":        total,
		"limit":        limit,
		"offset":       offset,
	})
}

// getCompetition GET /api/v1/competitions/:id
func (s *Server) getCompetition(c *gin.Context) {
	comp, err := s.competitions.GetCompetition(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, comp)
}

// startCompetition POST /api/v1/competitions/:id/start
// 仅 pending → active，其余状态 400
func (s *Server) startCompetition(c *gin.Context) {
	id := c.Param("id")
	if err := s.competitions.StartCompetition(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": competition.CompetitionActive})
}

// stopCompetition POST /api/v1/competitions/:id/stop
// 仅 active → completed，其余状态 400
func (s *Server) stopCompetition(c *gin.Context) {
	id := c.Param("id")
	if err := s.competitions.StopCompetition(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": competition.CompetitionCompleted})
}

// registerParticipant POST /api/v1/competitions/:id/participants
func (s *Server) registerParticipant(c *gin.Context) {
	var body registerParticipantRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}

	p, err := s.competitions.RegisterParticipant(c.Request.Context(), &competition.RegisterParticipantRequest{
		CompetitionID:        c.Param("id"),
		Name:                 body.Name,
		Provider:             body.Provider,
		ModelID:              body.ModelID,
		ModelConfig:          body.ModelConfig,
		InvocationTimeoutSec: body.InvocationTimeoutSec,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// listParticipants GET /api/v1/competitions/:id/participants
func (s *Server) listParticipants(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.competitions.GetCompetition(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	ps, err := s.competitions.ListParticipants(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if ps == nil {
		ps = []*competition.Participant{}
	}
	c.JSON(http.StatusOK, gin.H{"participants": ps, "total": len(ps)})
}

// getLeaderboard GET /api/v1/competitions/:id/leaderboard?limit=
func (s *Server) getLeaderboard(c *gin.Context) {
	entries, err := s.leaderboard.GetLeaderboard(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	limit := queryInt(c, "limit", 10)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": entries})
}

// getCompetitionHistory GET /api/v1/competitions/:id/history?limit_per_participant=
// 全员权益曲线，供多曲线对比图
func (s *Server) getCompetitionHistory(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.competitions.GetCompetition(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	ps, err := s.competitions.ListParticipants(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}

	limit := historyLimit(c, "limit_per_participant")
	out := make([]participantHistoryDTO, 0, len(ps))
	for _, p := range ps {
		rows, err := s.portfolios.EquityHistory(ctx, p.ID, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		out = append(out, participantHistoryDTO{
			ParticipantID:   p.ID,
			ParticipantName: p.Name,
			History:         toHistoryPoints(rows),
		})
	}
	c.JSON(http.StatusOK, gin.H{"participants": out})
}

// =============================================================================
// 查询参数解析
// =============================================================================

func pageParams(c *gin.Context, defaultLimit int) (limit, offset int) {
	limit = queryInt(c, "limit", defaultLimit)
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset = queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// historyLimit 权益曲线采样点数，默认与上限同为 maxPageSize
func historyLimit(c *gin.Context, key string) int {
	n := queryInt(c, key, maxPageSize)
	if n <= 0 || n > maxPageSize {
		return maxPageSize
	}
	return n
}
