package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/logging"
)

// GroupResult reports the trigger outcome for one quota group.
type GroupResult struct {
	Group  config.ModelPool `json:"group"`
	Model  string           `json:"model"`
	Status string           `json:"status"`
}

// TriggerResult aggregates the outcome of a reset-trigger run.
type TriggerResult struct {
	SuccessCount    int           `json:"successCount"`
	FailureCount    int           `json:"failureCount"`
	GroupsTriggered []GroupResult `json:"groupsTriggered"`
}

// Trigger sends near-free probe requests so the upstream 5-hour reset
// countdown starts at a known time.
type Trigger struct {
	httpClient *http.Client
	endpoints  []string
}

// NewTrigger creates a reset trigger using the default endpoints.
func NewTrigger() *Trigger {
	return &Trigger{
		httpClient: &http.Client{Timeout: config.TriggerTimeout},
		endpoints:  config.AntigravityEndpointFallbacks,
	}
}

// TriggerReset sends one minimal probe per group using the group's trigger
// model. Any upstream response, 429 included, counts as success: the reset
// timer is ticking either way. 401/403 rotates to the next endpoint.
func (t *Trigger) TriggerReset(ctx context.Context, token, projectID string, groups []config.QuotaGroup) *TriggerResult {
	log := logging.For("ResetTrigger")
	result := &TriggerResult{}

	for _, group := range groups {
		status, err := t.probeGroup(ctx, token, projectID, group)
		if err != nil {
			log.Warn().Err(err).Str("group", string(group.Key)).Msg("trigger probe failed")
			result.FailureCount++
			result.GroupsTriggered = append(result.GroupsTriggered, GroupResult{
				Group:  group.Key,
				Model:  group.TriggerModel,
				Status: "failed",
			})
			continue
		}

		result.SuccessCount++
		label := "ok"
		if status == http.StatusTooManyRequests {
			label = "ok(429)"
		}
		log.Info().Str("group", string(group.Key)).Str("model", group.TriggerModel).Int("status", status).Msg("reset triggered")
		result.GroupsTriggered = append(result.GroupsTriggered, GroupResult{
			Group:  group.Key,
			Model:  group.TriggerModel,
			Status: label,
		})
	}

	return result
}

func (t *Trigger) probeGroup(ctx context.Context, token, projectID string, group config.QuotaGroup) (int, error) {
	payload := map[string]interface{}{
		"project": projectID,
		"model":   group.TriggerModel,
		"request": map[string]interface{}{
			"contents": []map[string]interface{}{
				{
					"role":  "user",
					"parts": []map[string]string{{"text": "Hi"}},
				},
			},
			"generationConfig": map[string]int{"maxOutputTokens": 1},
		},
		"userAgent":   "antigravity",
		"requestType": "agent",
		"requestId":   "agent-" + uuid.New().String(),
	}
	bodyBytes, _ := json.Marshal(payload)

	var lastErr error
	for _, endpoint := range t.endpoints {
		probeCtx, cancel := context.WithTimeout(ctx, config.TriggerTimeout)
		req, err := http.NewRequestWithContext(probeCtx, "POST", endpoint+"/v1internal:generateContent", bytes.NewReader(bodyBytes))
		if err != nil {
			cancel()
			continue
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range config.AntigravityHeaders() {
			req.Header.Set(k, v)
		}

		resp, err := t.httpClient.Do(req)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		// Auth failures may be endpoint-specific; rotate and retry.
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			lastErr = fmt.Errorf("trigger rejected with %d at %s", resp.StatusCode, endpoint)
			continue
		}

		return resp.StatusCode, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoints configured")
	}
	return 0, lastErr
}
