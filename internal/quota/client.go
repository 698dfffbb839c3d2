package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/logging"
	"github.com/sx2000cn/antigravity-pool/internal/proxyerr"
)

// Tier is a subscription tier.
type Tier string

const (
	TierFree    Tier = "FREE"
	TierPro     Tier = "PRO"
	TierUltra   Tier = "ULTRA"
	TierUnknown Tier = "UNKNOWN"
)

// ModelQuota is the quota info the upstream reports for one model.
type ModelQuota struct {
	RemainingFraction *float64
	ResetTime         *time.Time
}

// Percentage converts the remaining fraction to a display percentage.
// Missing fraction means no quota left.
func (q ModelQuota) Percentage() float64 {
	if q.RemainingFraction == nil {
		return 0
	}
	return *q.RemainingFraction * 100
}

// SubscriptionInfo is the result of a tier probe.
type SubscriptionInfo struct {
	Tier      Tier
	ProjectID string
}

// Client talks to the Cloud Code quota APIs with endpoint fallback.
type Client struct {
	httpClient    *http.Client
	endpoints     []string
	loadEndpoints []string
}

// NewClient creates a quota API client using the default endpoints.
func NewClient() *Client {
	return &Client{
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		endpoints:     config.AntigravityEndpointFallbacks,
		loadEndpoints: config.LoadCodeAssistEndpoints,
	}
}

type tierInfo struct {
	ID        string `json:"id,omitempty"`
	IsDefault bool   `json:"isDefault,omitempty"`
}

type loadCodeAssistResponse struct {
	PaidTier                *tierInfo   `json:"paidTier,omitempty"`
	CurrentTier             *tierInfo   `json:"currentTier,omitempty"`
	AllowedTiers            []*tierInfo `json:"allowedTiers,omitempty"`
	CloudAICompanionProject interface{} `json:"cloudaicompanionProject,omitempty"`
}

type modelInfo struct {
	DisplayName string `json:"displayName,omitempty"`
	QuotaInfo   *struct {
		RemainingFraction *float64 `json:"remainingFraction,omitempty"`
		ResetTime         *string  `json:"resetTime,omitempty"`
	} `json:"quotaInfo,omitempty"`
}

type fetchModelsResponse struct {
	Models map[string]*modelInfo `json:"models,omitempty"`
}

func (c *Client) headers(token string) map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}
	for k, v := range config.AntigravityHeaders() {
		headers[k] = v
	}
	return headers
}

// LoadCodeAssist probes the account's subscription tier and companion
// project. Falls back across endpoints; if all fail the account defaults
// to FREE with no project.
func (c *Client) LoadCodeAssist(ctx context.Context, token string) (*SubscriptionInfo, error) {
	log := logging.For("QuotaClient")

	reqBody := map[string]interface{}{
		"metadata": map[string]string{
			"ideType": "ANTIGRAVITY",
		},
	}
	bodyBytes, _ := json.Marshal(reqBody)

	for _, endpoint := range c.loadEndpoints {
		url := endpoint + "/v1internal:loadCodeAssist"

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(bodyBytes))
		if err != nil {
			continue
		}
		for k, v := range c.headers(token) {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, proxyerr.Wrap(proxyerr.KindCanceled, ctx.Err())
			}
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("loadCodeAssist failed")
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			log.Warn().Int("status", resp.StatusCode).Str("endpoint", endpoint).Msg("loadCodeAssist error")
			continue
		}

		var data loadCodeAssistResponse
		err = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("loadCodeAssist decode error")
			continue
		}

		info := &SubscriptionInfo{
			Tier:      tierFromResponse(&data),
			ProjectID: projectFromResponse(&data),
		}
		log.Debug().Str("tier", string(info.Tier)).Str("project", info.ProjectID).Msg("subscription detected")
		return info, nil
	}

	log.Warn().Msg("tier probe failed on all endpoints, defaulting to FREE")
	return &SubscriptionInfo{Tier: TierFree}, nil
}

func projectFromResponse(data *loadCodeAssistResponse) string {
	// cloudaicompanionProject comes back as a bare string or as {id}
	switch v := data.CloudAICompanionProject.(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

// tierFromResponse resolves the tier with priority paidTier > currentTier >
// allowedTiers default entry.
func tierFromResponse(data *loadCodeAssistResponse) Tier {
	if data.PaidTier != nil && data.PaidTier.ID != "" {
		if tier := ParseTierID(data.PaidTier.ID); tier != TierUnknown {
			return tier
		}
	}
	if data.CurrentTier != nil && data.CurrentTier.ID != "" {
		if tier := ParseTierID(data.CurrentTier.ID); tier != TierUnknown {
			return tier
		}
	}
	if len(data.AllowedTiers) > 0 {
		chosen := data.AllowedTiers[0]
		for _, t := range data.AllowedTiers {
			if t != nil && t.IsDefault {
				chosen = t
				break
			}
		}
		if chosen != nil && chosen.ID != "" {
			return ParseTierID(chosen.ID)
		}
	}
	return TierUnknown
}

// ParseTierID maps an upstream tier ID to a Tier.
func ParseTierID(tierID string) Tier {
	lower := strings.ToLower(tierID)
	switch {
	case lower == "":
		return TierUnknown
	case strings.Contains(lower, "ultra"):
		return TierUltra
	case lower == "standard-tier":
		// standard-tier = Gemini Code Assist (paid, project-based)
		return TierPro
	case strings.Contains(lower, "pro"), strings.Contains(lower, "premium"):
		return TierPro
	case strings.Contains(lower, "free"):
		return TierFree
	default:
		return TierUnknown
	}
}

// FetchAvailableModels fetches per-model quota info. A 403 flags the
// account as forbidden.
func (c *Client) FetchAvailableModels(ctx context.Context, token, projectID string) (map[string]ModelQuota, error) {
	log := logging.For("QuotaClient")

	body := make(map[string]string)
	if projectID != "" {
		body["project"] = projectID
	}
	bodyBytes, _ := json.Marshal(body)

	var lastErr error
	for _, endpoint := range c.endpoints {
		url := endpoint + "/v1internal:fetchAvailableModels"

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(bodyBytes))
		if err != nil {
			continue
		}
		for k, v := range c.headers(token) {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, proxyerr.Wrap(proxyerr.KindCanceled, ctx.Err())
			}
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("fetchAvailableModels failed")
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			return nil, proxyerr.New(proxyerr.KindForbidden, "fetchAvailableModels returned 403").WithStatus(http.StatusForbidden)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			log.Warn().Int("status", resp.StatusCode).Str("endpoint", endpoint).Msg("fetchAvailableModels error")
			lastErr = proxyerr.New(proxyerr.KindUpstream5xx, "fetchAvailableModels returned %d", resp.StatusCode).WithStatus(resp.StatusCode)
			continue
		}

		var data fetchModelsResponse
		err = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("fetchAvailableModels decode error")
			lastErr = err
			continue
		}

		return parseModelQuotas(&data), nil
	}

	if lastErr == nil {
		lastErr = proxyerr.New(proxyerr.KindInternal, "fetchAvailableModels failed on all endpoints")
	}
	return nil, lastErr
}

func parseModelQuotas(data *fetchModelsResponse) map[string]ModelQuota {
	quotas := make(map[string]ModelQuota)
	for modelID, info := range data.Models {
		if config.GetModelFamily(modelID) == config.ModelFamilyUnknown {
			continue
		}
		if info == nil || info.QuotaInfo == nil {
			continue
		}

		q := ModelQuota{RemainingFraction: info.QuotaInfo.RemainingFraction}
		if info.QuotaInfo.ResetTime != nil {
			if t, err := time.Parse(time.RFC3339, *info.QuotaInfo.ResetTime); err == nil {
				utc := t.UTC()
				q.ResetTime = &utc
			}
		}
		// Missing fraction with a reset timer running means exhausted
		if q.RemainingFraction == nil && q.ResetTime != nil {
			zero := 0.0
			q.RemainingFraction = &zero
		}
		quotas[modelID] = q
	}
	return quotas
}
