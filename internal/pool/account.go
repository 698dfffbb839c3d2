// Package pool owns the account table, the rate-limit ledger, and request
// planning. It is the single serialization point for account mutation.
package pool

import (
	"time"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/quota"
)

// Source identifies how an account's credential was obtained.
type Source string

const (
	SourceOAuth        Source = "oauth"
	SourceRefreshToken Source = "refresh-token"
)

// Account is one Google identity with a refresh token usable against
// Cloud Code. Email is unique within a pool.
type Account struct {
	Email        string     `json:"email"`
	Source       Source     `json:"source"`
	RefreshToken string     `json:"refreshToken"`
	AddedAt      time.Time  `json:"addedAt"`
	LastUsed     *time.Time `json:"lastUsed,omitempty"`
}

// Eligible reports whether the account can serve API calls at all.
// Non-OAuth accounts and accounts without a refresh token cannot.
func (a *Account) Eligible() bool {
	return a.Source == SourceOAuth && a.RefreshToken != ""
}

// PoolCapacity is the aggregated state of one model pool on one account.
type PoolCapacity struct {
	Percentage float64         `json:"percentage"`
	ResetTime  *time.Time      `json:"resetTime,omitempty"`
	BurnRate   *quota.BurnRate `json:"burnRate,omitempty"`
}

// AccountCapacity is a point-in-time capacity snapshot for one account.
type AccountCapacity struct {
	Email           string       `json:"email"`
	Tier            quota.Tier   `json:"tier"`
	ClaudePool      PoolCapacity `json:"claudePool"`
	GeminiProPool   PoolCapacity `json:"geminiProPool"`
	GeminiFlashPool PoolCapacity `json:"geminiFlashPool"`
	ProjectID       string       `json:"projectId,omitempty"`
	LastUpdated     time.Time    `json:"lastUpdated"`
	IsForbidden     bool         `json:"isForbidden"`
}

// PoolCapacityFor returns the capacity entry for the given pool key.
func (c *AccountCapacity) PoolCapacityFor(pool config.ModelPool) PoolCapacity {
	switch pool {
	case config.PoolClaude:
		return c.ClaudePool
	case config.PoolGeminiPro:
		return c.GeminiProPool
	case config.PoolGeminiFlash:
		return c.GeminiFlashPool
	}
	return PoolCapacity{}
}
