// 文件: pkg/api/internal.go
// 管理面 handler: 手动触发决策轮、竞赛重置
//
// 这些接口绕过调度器直接驱动，主要服务于联调与演示。
// 订单准入仍走交易引擎的全套校验，竞赛不在进行中时会逐单拒绝。

package api

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"arena.com/pkg/decision"
)

// invokeParticipants POST /internal/invoke-participants
// 对竞赛全部 active 参与者各触发一轮决策，后台执行，立即返回
func (s *Server) invokeParticipants(c *gin.Context) {
	var body invokeParticipantsRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.CompetitionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "competition_id is required"})
		return
	}

	ctx := c.Request.Context()
	if _, err := s.competitions.GetCompetition(ctx, body.CompetitionID); err != nil {
		writeError(c, err)
		return
	}
	parts, err := s.competitions.ActiveParticipants(ctx, body.CompetitionID)
	if err != nil {
		writeError(c, err)
		return
	}

	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.ID)
	}

	// 应答返回后请求上下文即取消，后台轮次用剥离取消的上下文
	bg := context.WithoutCancel(ctx)
	for _, pid := range ids {
		go func(participantID string) {
			_, err := s.rounds.RunRound(bg, body.CompetitionID, participantID)
			if err != nil && !errors.Is(err, decision.ErrRoundInFlight) {
				log.Printf("[API] manual round failed: participant=%s, err=%v", participantID, err)
			}
		}(pid)
	}

	c.JSON(http.StatusOK, gin.H{
		"invocations_triggered": len(ids),
		"participants":          ids,
	})
}

// triggerInvocation POST /internal/trigger-invocation/:id
// 同步跑完一轮并返回记录摘要，同参与者已有轮次在途时 409
func (s *Server) triggerInvocation(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	p, err := s.competitions.GetParticipant(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}

	rec, err := s.rounds.RunRound(ctx, p.CompetitionID, p.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"invocation_id":    rec.ID,
		"status":           rec.Status,
		"response_time_ms": rec.LatencyMs,
	})
}

// resetCompetition POST /internal/reset-competition/:id
// 清空持仓/流水/决策记录，全员恢复初始资金。非事务操作，仅限联调环境。
func (s *Server) resetCompetition(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	comp, err := s.competitions.GetCompetition(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	parts, err := s.competitions.ListParticipants(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.ID)
	}

	// 1. 清仓、恢复现金、删除权益曲线
	if err := s.portfolios.ResetForCompetition(ctx, comp); err != nil {
		writeError(c, err)
		return
	}
	// 2. 删除订单/成交/决策记录
	if err := s.orders.DeleteByParticipants(ctx, ids); err != nil {
		writeError(c, err)
		return
	}
	if err := s.trades.DeleteByParticipants(ctx, ids); err != nil {
		writeError(c, err)
		return
	}
	if err := s.decisions.DeleteByParticipants(ctx, ids); err != nil {
		writeError(c, err)
		return
	}
	// 3. 参与者统计归零并恢复 active
	if err := s.competitions.ResetParticipants(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	// 4. 排行榜缓存失效
	if err := s.leaderboard.Invalidate(ctx, id); err != nil {
		log.Printf("[API] leaderboard invalidate failed: competition=%s, err=%v", id, err)
	}

	log.Printf("[API] competition reset: id=%s participants=%d", id, len(ids))
	c.JSON(http.StatusOK, gin.H{
		"competition_id":     id,
		"participants_reset": len(ids),
	})
}
