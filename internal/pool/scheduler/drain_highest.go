package scheduler

import (
	"sort"

	"github.com/sx2000cn/antigravity-pool/internal/config"
)

// drainHighestPolicy prefers the account with the most remaining quota in
// the requested model's pool, so full accounts drain before partly used
// ones are touched.
type drainHighestPolicy struct{}

func (p *drainHighestPolicy) Name() string { return config.ModeDrainHighest }

func (p *drainHighestPolicy) Order(view *View) []int {
	result := usableIndexes(view)

	// Stable sort keeps insertion order as the tie-break.
	sort.SliceStable(result, func(a, b int) bool {
		return view.Accounts[result[a]].PoolPercent > view.Accounts[result[b]].PoolPercent
	})
	return result
}
