package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	radix "github.com/mediocregopher/radix/v3"

	"github.com/example/orderflow/internal/datamodels/kpi"
)

// 取前 n 名以及与第 n 名同分的所有成员，排序在 Go 侧完成。
// KEYS: leaderboard  ARGV: n
var topScript = radix.NewEvalScript(1, `
local n = tonumber(ARGV[1])
local last = redis.call('ZREVRANGE', KEYS[1], n - 1, n - 1, 'WITHSCORES')
if #last == 0 then
  return redis.call('ZREVRANGE', KEYS[1], 0, -1, 'WITHSCORES')
end
return redis.call('ZREVRANGEBYSCORE', KEYS[1], '+inf', last[2], 'WITHSCORES')
`)

// 名次 = 分数更高的人数 + 同分且 id 更小的人数 + 1
// 同分成员由 redis 按字节序排列，与 Top 的 Go 字符串比较一致
// KEYS: leaderboard  ARGV: customer_id
var rankScript = radix.NewEvalScript(1, `
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then
  return {}
end
local higher = redis.call('ZCOUNT', KEYS[1], '(' .. score, '+inf')
local ties = redis.call('ZRANGEBYSCORE', KEYS[1], score, score)
local before = 0
for i, member in ipairs(ties) do
  if member == ARGV[1] then
    before = i - 1
    break
  end
end
return {tostring(higher + before + 1), score}
`)

type leaderboardRepo struct {
	redis radix.Client
}

// NewLeaderboardRepository 创建排行榜仓储
func NewLeaderboardRepository(client radix.Client) kpi.LeaderboardRepository {
	return &leaderboardRepo{redis: client}
}

func (r *leaderboardRepo) Top(ctx context.Context, date kpi.Date, n int) ([]kpi.LeaderboardEntry, error) {
	if n <= 0 {
		return []kpi.LeaderboardEntry{}, nil
	}
	var flat []string
	if err := r.redis.Do(topScript.Cmd(&flat, leaderboardKey(date), strconv.Itoa(n))); err != nil {
		return nil, err
	}

	entries := make([]kpi.LeaderboardEntry, 0, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		cents, err := parseScore(flat[i+1])
		if err != nil {
			return nil, err
		}
		entries = append(entries, kpi.LeaderboardEntry{CustomerID: flat[i], TotalSpent: kpi.FromCents(cents)})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if c := entries[i].TotalSpent.Cmp(entries[j].TotalSpent); c != 0 {
			return c > 0
		}
		return entries[i].CustomerID < entries[j].CustomerID
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

func (r *leaderboardRepo) Rank(ctx context.Context, date kpi.Date, customerID string) (*kpi.LeaderboardEntry, error) {
	var res []string
	if err := r.redis.Do(rankScript.Cmd(&res, leaderboardKey(date), customerID)); err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, kpi.ErrNotFound
	}
	rank, err := strconv.Atoi(res[0])
	if err != nil {
		return nil, fmt.Errorf("leaderboard rank %q: %w", res[0], err)
	}
	cents, err := parseScore(res[1])
	if err != nil {
		return nil, err
	}
	return &kpi.LeaderboardEntry{Rank: rank, CustomerID: customerID, TotalSpent: kpi.FromCents(cents)}, nil
}

// parseScore zset 分数以分为单位存储
func parseScore(s string) (int64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("leaderboard score %q: %w", s, err)
	}
	if f < 0 {
		return int64(f - 0.5), nil
	}
	return int64(f + 0.5), nil
}
