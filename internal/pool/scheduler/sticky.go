package scheduler

import "github.com/sx2000cn/antigravity-pool/internal/config"

// stickyPolicy keeps requests on the active account until it becomes
// unusable for the requested model, then advances to the next eligible
// account in insertion order.
type stickyPolicy struct{}

func (p *stickyPolicy) Name() string { return config.ModeSticky }

func (p *stickyPolicy) Order(view *View) []int {
	n := len(view.Accounts)
	if n == 0 {
		return nil
	}

	start := view.ActiveIndex
	if start < 0 || start >= n {
		start = 0
	}

	// Walk from the active account, wrapping, so the active one stays
	// first while it is usable and its successors follow in order.
	result := make([]int, 0, n)
	for offset := 0; offset < n; offset++ {
		i := (start + offset) % n
		if usable(view.Accounts[i]) {
			result = append(result, i)
		}
	}
	return result
}
