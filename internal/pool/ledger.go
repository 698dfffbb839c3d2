package pool

import (
	"sync"
	"time"

	"github.com/sx2000cn/antigravity-pool/internal/config"
)

// RateLimitEntry flags one (account, model) as rate-limited, optionally
// until a known reset time. A nil ResetTime means "limited, reset unknown".
type RateLimitEntry struct {
	IsRateLimited bool       `json:"isRateLimited"`
	ResetTime     *time.Time `json:"resetTime,omitempty"`
}

// GroupAll sweeps every entry regardless of group.
const GroupAll = "all"

// Ledger tracks per-account per-model rate limits. Expired entries clear
// lazily on read; nothing here performs I/O.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]map[string]*RateLimitEntry // email → model → entry
	now     func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		entries: make(map[string]map[string]*RateLimitEntry),
		now:     time.Now,
	}
}

// MarkRateLimited flags (email, model) as limited until resetAt. A nil
// resetAt records the limit with an unknown reset.
func (l *Ledger) MarkRateLimited(email, model string, resetAt *time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	byModel, ok := l.entries[email]
	if !ok {
		byModel = make(map[string]*RateLimitEntry)
		l.entries[email] = byModel
	}
	byModel[model] = &RateLimitEntry{IsRateLimited: true, ResetTime: resetAt}
}

// IsRateLimited reports whether (email, model) is currently limited,
// clearing the entry if its reset time has passed.
func (l *Ledger) IsRateLimited(email, model string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLimitedLocked(email, model)
}

func (l *Ledger) isLimitedLocked(email, model string) bool {
	byModel, ok := l.entries[email]
	if !ok {
		return false
	}
	entry, ok := byModel[model]
	if !ok || !entry.IsRateLimited {
		return false
	}
	// A reset time at or before now means the limit already lifted; a
	// past timestamp reads as "available now".
	if entry.ResetTime != nil && !l.now().Before(*entry.ResetTime) {
		delete(byModel, model)
		return false
	}
	return true
}

// AvailableModels filters candidates down to those not currently limited
// for the account, preserving order.
func (l *Ledger) AvailableModels(email string, candidates []string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	available := make([]string, 0, len(candidates))
	for _, model := range candidates {
		if !l.isLimitedLocked(email, model) {
			available = append(available, model)
		}
	}
	return available
}

// ResetTime returns the recorded reset time for (email, model), or nil.
func (l *Ledger) ResetTime(email, model string) *time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isLimitedLocked(email, model) {
		return nil
	}
	return l.entries[email][model].ResetTime
}

// EarliestReset returns the soonest recorded reset among the given models
// for the account. Entries without a reset time do not contribute.
func (l *Ledger) EarliestReset(email string, models []string) *time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	var earliest *time.Time
	for _, model := range models {
		if !l.isLimitedLocked(email, model) {
			continue
		}
		rt := l.entries[email][model].ResetTime
		if rt == nil {
			continue
		}
		if earliest == nil || rt.Before(*earliest) {
			earliest = rt
		}
	}
	return earliest
}

// ClearGroup clears the account's limits for the given group key
// ("claude", "geminiPro", "geminiFlash", or "all") and returns how many
// entries actually flipped from limited to clear.
func (l *Ledger) ClearGroup(email, group string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	byModel, ok := l.entries[email]
	if !ok {
		return 0
	}

	cleared := 0
	for model, entry := range byModel {
		if group != GroupAll && string(config.PoolForModel(model)) != group {
			continue
		}
		if entry.IsRateLimited {
			cleared++
		}
		delete(byModel, model)
	}
	return cleared
}

// Entries returns a copy of the account's live entries for display.
func (l *Ledger) Entries(email string) map[string]RateLimitEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	byModel, ok := l.entries[email]
	if !ok {
		return nil
	}
	out := make(map[string]RateLimitEntry, len(byModel))
	for model, entry := range byModel {
		out[model] = *entry
	}
	return out
}
