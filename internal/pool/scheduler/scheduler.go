// Package scheduler picks the next account for a request under a named
// policy. Policies never perform I/O: they rank a pre-fetched view of the
// pool and the caller resolves tokens and records outcomes.
package scheduler

import (
	"fmt"
	"time"

	"github.com/sx2000cn/antigravity-pool/internal/config"
)

// Candidate is one account as the scheduler sees it for a given request.
type Candidate struct {
	Email string

	// Eligible is false for non-OAuth accounts, accounts without a
	// refresh token, and accounts flagged forbidden.
	Eligible bool

	// RateLimited is true when the requested model is currently limited
	// for this account.
	RateLimited bool

	// PoolPercent is the remaining quota percentage in the pool the
	// requested model belongs to, from the last capacity fetch.
	PoolPercent float64

	// NextReset is the earliest applicable reset time for this account,
	// when one is known.
	NextReset *time.Time
}

// View is the pool state snapshot a policy ranks. Accounts appear in
// insertion order; ties always break by that order.
type View struct {
	Accounts []Candidate

	// ActiveIndex anchors the sticky policy; -1 when no account is active.
	ActiveIndex int
}

// Policy ranks the usable accounts of a view, most preferred first.
type Policy interface {
	Name() string
	Order(view *View) []int
}

// New creates the policy for the given scheduling mode name.
func New(name string) (Policy, error) {
	switch name {
	case config.ModeSticky:
		return &stickyPolicy{}, nil
	case config.ModeRefreshPriority:
		return &refreshPriorityPolicy{}, nil
	case config.ModeDrainHighest:
		return &drainHighestPolicy{}, nil
	case config.ModeRoundRobin:
		return newRoundRobinPolicy(), nil
	default:
		return nil, fmt.Errorf("unknown scheduling mode %q", name)
	}
}

func usable(c Candidate) bool {
	return c.Eligible && !c.RateLimited
}

// usableIndexes returns the usable account indexes in insertion order.
func usableIndexes(view *View) []int {
	result := make([]int, 0, len(view.Accounts))
	for i, c := range view.Accounts {
		if usable(c) {
			result = append(result, i)
		}
	}
	return result
}
