package scheduler

import (
	"sort"

	"github.com/sx2000cn/antigravity-pool/internal/config"
)

// refreshPriorityPolicy prefers the account whose earliest applicable
// reset is soonest, draining accounts that are about to refill anyway.
// Accounts with no known reset sort last.
type refreshPriorityPolicy struct{}

func (p *refreshPriorityPolicy) Name() string { return config.ModeRefreshPriority }

func (p *refreshPriorityPolicy) Order(view *View) []int {
	result := usableIndexes(view)

	sort.SliceStable(result, func(a, b int) bool {
		ra := view.Accounts[result[a]].NextReset
		rb := view.Accounts[result[b]].NextReset
		switch {
		case ra == nil:
			return false
		case rb == nil:
			return true
		default:
			return ra.Before(*rb)
		}
	})
	return result
}
