package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/pool"
)

// Health serves GET /health with a per-account status summary.
type Health struct {
	pool *pool.Pool
}

func NewHealth(p *pool.Pool) *Health {
	return &Health{pool: p}
}

type accountHealth struct {
	Email       string                         `json:"email"`
	Status      string                         `json:"status"`
	LastUsed    *time.Time                     `json:"lastUsed,omitempty"`
	RateLimits  map[string]pool.RateLimitEntry `json:"modelRateLimits,omitempty"`
	NextResetIn *int64                         `json:"rateLimitCooldownMs,omitempty"`
}

func (h *Health) Get(c *gin.Context) {
	start := time.Now()
	accounts := h.pool.Accounts()
	ledger := h.pool.Ledger()

	details := make([]accountHealth, 0, len(accounts))
	available := 0
	limited := 0

	for _, acc := range accounts {
		detail := accountHealth{
			Email:    acc.Email,
			Status:   "ok",
			LastUsed: acc.LastUsed,
		}
		if entries := ledger.Entries(acc.Email); len(entries) > 0 {
			detail.RateLimits = entries
		}
		if earliest := ledger.EarliestReset(acc.Email, config.KnownModels()); earliest != nil {
			detail.Status = "rate-limited"
			remaining := time.Until(*earliest).Milliseconds()
			if remaining > 0 {
				detail.NextResetIn = &remaining
			}
			limited++
		} else {
			available++
		}
		details = append(details, detail)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": start.Format(time.RFC3339),
		"latencyMs": time.Since(start).Milliseconds(),
		"counts": gin.H{
			"total":       len(accounts),
			"available":   available,
			"rateLimited": limited,
		},
		"accounts": details,
	})
}
