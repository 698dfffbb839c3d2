package quota

import (
	"time"

	"github.com/sx2000cn/antigravity-pool/internal/config"
)

// PoolPercentage aggregates per-model quotas into one percentage for the
// pool. Claude models on one account share a backing quota, so any member
// stands for the pool (the first one in the group table). Gemini pools
// aggregate by arithmetic mean.
func PoolPercentage(quotas map[string]ModelQuota, pool config.ModelPool) float64 {
	group, ok := config.GroupByKey(pool)
	if !ok {
		return 0
	}

	if pool == config.PoolClaude {
		for _, model := range group.Models {
			if q, ok := quotas[model]; ok {
				return q.Percentage()
			}
		}
		return 0
	}

	var sum float64
	var n int
	for _, model := range group.Models {
		if q, ok := quotas[model]; ok {
			sum += q.Percentage()
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// PoolResetTime returns the earliest known reset time among the pool's
// members, or nil when none is reported.
func PoolResetTime(quotas map[string]ModelQuota, pool config.ModelPool) *time.Time {
	group, ok := config.GroupByKey(pool)
	if !ok {
		return nil
	}

	var earliest *time.Time
	for _, model := range group.Models {
		q, ok := quotas[model]
		if !ok || q.ResetTime == nil {
			continue
		}
		if earliest == nil || q.ResetTime.Before(*earliest) {
			earliest = q.ResetTime
		}
	}
	return earliest
}
