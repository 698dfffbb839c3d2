package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/logging"
	"github.com/sx2000cn/antigravity-pool/internal/pool"
)

// Admin serves the operational endpoints: capacity inspection, forced
// token refresh, and the manual quota-reset trigger.
type Admin struct {
	pool *pool.Pool
	log  zerolog.Logger
}

func NewAdmin(p *pool.Pool) *Admin {
	return &Admin{pool: p, log: logging.For("Admin")}
}

// AccountLimits handles GET /account-limits. With ?refresh=true the
// capacity table is refetched from the quota API first.
func (a *Admin) AccountLimits(c *gin.Context) {
	if c.Query("refresh") == "true" {
		a.pool.RefreshAllCapacities(c.Request.Context())
	}
	c.JSON(http.StatusOK, gin.H{"accounts": a.pool.Capacities()})
}

// RefreshToken handles POST /refresh-token: drop the cached access token
// for one account (or all) and exchange a fresh one.
func (a *Admin) RefreshToken(c *gin.Context) {
	var body struct {
		Email string `json:"email"`
	}
	// An empty body means "refresh everything".
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		writeInvalidRequest(c, "invalid request body: "+err.Error())
		return
	}

	refreshed := make([]string, 0)
	failed := make(map[string]string)
	for _, acc := range a.pool.Accounts() {
		if body.Email != "" && acc.Email != body.Email {
			continue
		}
		a.pool.InvalidateToken(acc.Email)
		if _, err := a.pool.TokenForAccount(c.Request.Context(), acc.Email); err != nil {
			failed[acc.Email] = err.Error()
			continue
		}
		refreshed = append(refreshed, acc.Email)
	}

	if body.Email != "" && len(refreshed) == 0 && len(failed) == 0 {
		writeInvalidRequest(c, "unknown account: "+body.Email)
		return
	}

	a.log.Info().Int("refreshed", len(refreshed)).Int("failed", len(failed)).Msg("token refresh forced")
	c.JSON(http.StatusOK, gin.H{"refreshed": refreshed, "failed": failed})
}

// TriggerReset handles POST /trigger-reset: fire the quota-reset probe
// for one group, or all groups when none is named.
func (a *Admin) TriggerReset(c *gin.Context) {
	var body struct {
		Group string `json:"group"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		writeInvalidRequest(c, "invalid request body: "+err.Error())
		return
	}
	if body.Group == "" {
		body.Group = pool.GroupAll
	}
	if body.Group != pool.GroupAll {
		if _, ok := config.GroupByKey(config.ModelPool(body.Group)); !ok {
			writeInvalidRequest(c, "unknown quota group: "+body.Group)
			return
		}
	}

	summary, err := a.pool.TriggerQuotaReset(c.Request.Context(), body.Group)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
