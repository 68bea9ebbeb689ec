// 文件: pkg/competition/leaderboard.go
// 排行榜服务 - Redis 缓存
//
// 【缓存策略】Cache Aside
// - 读: 先查 Redis，miss 则从 MySQL 聚合并回填 (TTL 默认 300s)
// - 失效: 平仓/强平事件触发 Invalidate，下一次读取重建

package competition

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"arena.com/pkg/calc"
)

const leaderboardCacheKey = "arena:leaderboard:%s"

// LeaderboardService 排行榜服务
// redis 为 nil 时退化为每次从 DB 聚合 (simulation 场景)
type LeaderboardService struct {
	competitions CompetitionRepository
	participants ParticipantRepository
	redis        *redis.Client
	ttl          time.Duration
}

func NewLeaderboardService(
	competitions CompetitionRepository,
	participants ParticipantRepository,
	rds *redis.Client,
	ttl time.Duration,
) *LeaderboardService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &LeaderboardService{
		competitions: competitions,
		participants: participants,
		redis:        rds,
		ttl:          ttl,
	}
}

// GetLeaderboard 获取排行榜 (权益降序)
func (s *LeaderboardService) GetLeaderboard(ctx context.Context, competitionID string) ([]*LeaderboardEntry, error) {
	cacheKey := fmt.Sprintf(leaderboardCacheKey, competitionID)

	// 1. 查缓存
	if s.redis != nil {
		data, err := s.redis.Get(ctx, cacheKey).Bytes()
		if err == nil {
			var entries []*LeaderboardEntry
			if json.Unmarshal(data, &entries) == nil {
				return entries, nil
			}
		}
	}

	// 2. Cache miss, 从 DB 聚合
	entries, err := s.build(ctx, competitionID)
	if err != nil {
		return nil, err
	}

	// 3. 回填缓存
	if s.redis != nil {
		if data, err := json.Marshal(entries); err == nil {
			s.redis.Set(ctx, cacheKey, data, s.ttl)
		}
	}
	return entries, nil
}

// Invalidate 删除缓存 (平仓/强平事件后调用)
func (s *LeaderboardService) Invalidate(ctx context.Context, competitionID string) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Del(ctx, fmt.Sprintf(leaderboardCacheKey, competitionID)).Err()
}

// build 从参与者表聚合排行榜
func (s *LeaderboardService) build(ctx context.Context, competitionID string) ([]*LeaderboardEntry, error) {
	comp, err := s.competitions.GetByID(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	ps, err := s.participants.ListByCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}

	entries := make([]*LeaderboardEntry, 0, len(ps))
	for _, p := range ps {
		pnl := p.CurrentEquity.Sub(comp.InitialCapital)
		entries = append(entries, &LeaderboardEntry{
			ParticipantID:   p.ID,
			ParticipantName: p.Name,
			Provider:        p.Provider,
			ModelID:         p.ModelID,
			Status:          p.Status,
			Equity:          p.CurrentEquity,
			ReturnPct:       calc.PnLPct(pnl, comp.InitialCapital),
			TotalTrades:     p.TotalTrades,
			WinRatePct:      calc.WinRatePct(p.WinningTrades, p.WinningTrades+p.LosingTrades),
		})
	}

	// 权益降序，同权益按名字稳定排序
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Equity.Equal(entries[j].Equity) {
			return entries[i].ParticipantName < entries[j].ParticipantName
		}
		return entries[i].Equity.GreaterThan(entries[j].Equity)
	})
	for i, e := range entries {
		e.Rank = i + 1
	}
	return entries, nil
}
