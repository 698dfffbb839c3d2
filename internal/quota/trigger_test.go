package quota

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sx2000cn/antigravity-pool/internal/config"
)

func testTrigger(endpoints ...string) *Trigger {
	return &Trigger{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		endpoints:  endpoints,
	}
}

func TestTriggerResetCounts429AsSuccess(t *testing.T) {
	var probed []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &payload))
		model := payload["model"].(string)
		probed = append(probed, model)

		if model == "gemini-3-flash" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	trigger := testTrigger(srv.URL)
	result := trigger.TriggerReset(context.Background(), "tok", "proj", config.QuotaGroups)

	assert.Equal(t, 3, result.SuccessCount)
	assert.Equal(t, 0, result.FailureCount)
	require.Len(t, result.GroupsTriggered, 3)
	assert.Equal(t, "ok", result.GroupsTriggered[0].Status)
	assert.Equal(t, "ok", result.GroupsTriggered[1].Status)
	assert.Equal(t, "ok(429)", result.GroupsTriggered[2].Status)
	assert.Len(t, probed, 3)
}

func TestTriggerProbePayload(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1internal:generateContent", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	group, ok := config.GroupByKey(config.PoolClaude)
	require.True(t, ok)

	trigger := testTrigger(srv.URL)
	trigger.TriggerReset(context.Background(), "tok", "proj", []config.QuotaGroup{group})

	assert.Equal(t, "proj", captured["project"])
	assert.Equal(t, group.TriggerModel, captured["model"])

	request := captured["request"].(map[string]interface{})
	genCfg := request["generationConfig"].(map[string]interface{})
	assert.Equal(t, float64(1), genCfg["maxOutputTokens"])

	contents := request["contents"].([]interface{})
	require.Len(t, contents, 1)
	turn := contents[0].(map[string]interface{})
	assert.Equal(t, "user", turn["role"])
	parts := turn["parts"].([]interface{})
	assert.Equal(t, "Hi", parts[0].(map[string]interface{})["text"])
}

func TestTriggerRotatesEndpointOnAuthFailure(t *testing.T) {
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer rejecting.Close()

	accepting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer accepting.Close()

	group, _ := config.GroupByKey(config.PoolClaude)
	trigger := testTrigger(rejecting.URL, accepting.URL)
	result := trigger.TriggerReset(context.Background(), "tok", "proj", []config.QuotaGroup{group})

	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 0, result.FailureCount)
}

func TestTriggerReportsFailureWhenAllEndpointsReject(t *testing.T) {
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer rejecting.Close()

	group, _ := config.GroupByKey(config.PoolClaude)
	trigger := testTrigger(rejecting.URL)
	result := trigger.TriggerReset(context.Background(), "tok", "proj", []config.QuotaGroup{group})

	assert.Equal(t, 0, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)
	require.Len(t, result.GroupsTriggered, 1)
	assert.Equal(t, "failed", result.GroupsTriggered[0].Status)
}
