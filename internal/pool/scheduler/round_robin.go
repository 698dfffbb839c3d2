package scheduler

import (
	"sync"

	"github.com/sx2000cn/antigravity-pool/internal/config"
)

// roundRobinPolicy rotates through eligible accounts in insertion order.
// The cursor persists across requests.
type roundRobinPolicy struct {
	mu     sync.Mutex
	cursor int
}

func newRoundRobinPolicy() *roundRobinPolicy {
	return &roundRobinPolicy{cursor: -1}
}

func (p *roundRobinPolicy) Name() string { return config.ModeRoundRobin }

func (p *roundRobinPolicy) Order(view *View) []int {
	n := len(view.Accounts)
	if n == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	start := (p.cursor + 1) % n
	result := make([]int, 0, n)
	for offset := 0; offset < n; offset++ {
		i := (start + offset) % n
		if usable(view.Accounts[i]) {
			result = append(result, i)
		}
	}

	if len(result) > 0 {
		p.cursor = result[0]
	}
	return result
}
