package cloudcode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/format"
	"github.com/sx2000cn/antigravity-pool/internal/pool"
	"github.com/sx2000cn/antigravity-pool/internal/pool/scheduler"
	"github.com/sx2000cn/antigravity-pool/internal/proxyerr"
	"github.com/sx2000cn/antigravity-pool/internal/quota"
	"github.com/sx2000cn/antigravity-pool/pkg/anthropic"
)

type upstreamStep struct {
	status   int
	body     string
	sse      bool
	headers  map[string]string
	truncate bool // declare a longer Content-Length than written, forcing an unexpected EOF
}

type recordedCall struct {
	path  string
	auth  string
	model string
}

// scriptedUpstream plays back one step per request, in order.
type scriptedUpstream struct {
	mu    sync.Mutex
	steps []upstreamStep
	calls []recordedCall
}

func (s *scriptedUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var payload Payload
	_ = json.NewDecoder(r.Body).Decode(&payload)

	s.mu.Lock()
	s.calls = append(s.calls, recordedCall{
		path:  r.URL.Path,
		auth:  r.Header.Get("Authorization"),
		model: payload.Model,
	})
	var step upstreamStep
	if len(s.steps) > 0 {
		step = s.steps[0]
		s.steps = s.steps[1:]
	} else {
		step = upstreamStep{status: http.StatusInternalServerError, body: `{"error":{"message":"script exhausted"}}`}
	}
	s.mu.Unlock()

	for k, v := range step.headers {
		w.Header().Set(k, v)
	}
	if step.sse {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	if step.truncate {
		w.Header().Set("Content-Length", strconv.Itoa(len(step.body)+64))
	}
	if step.status != 0 && step.status != http.StatusOK {
		w.WriteHeader(step.status)
	}
	_, _ = w.Write([]byte(step.body))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *scriptedUpstream) recorded() []recordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedCall(nil), s.calls...)
}

type stubBroker struct {
	mu          sync.Mutex
	invalidated []string
}

func (b *stubBroker) TokenFor(ctx context.Context, refresh string) (string, error) {
	return "tok-" + refresh, nil
}

func (b *stubBroker) Invalidate(refresh string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidated = append(b.invalidated, refresh)
}

type stubCapacity struct{}

func (stubCapacity) LoadCodeAssist(ctx context.Context, token string) (*quota.SubscriptionInfo, error) {
	return &quota.SubscriptionInfo{Tier: quota.TierPro, ProjectID: "test-project"}, nil
}

func (stubCapacity) FetchAvailableModels(ctx context.Context, token, projectID string) (map[string]quota.ModelQuota, error) {
	return nil, nil
}

type stubTrigger struct{}

func (stubTrigger) TriggerReset(ctx context.Context, token, projectID string, groups []config.QuotaGroup) *quota.TriggerResult {
	return &quota.TriggerResult{}
}

func newTestHandler(t *testing.T, steps []upstreamStep, cfg *config.Config, emails ...string) (*Handler, *scriptedUpstream, *pool.Pool, *stubBroker) {
	t.Helper()

	script := &scriptedUpstream{steps: steps}
	server := httptest.NewServer(script)
	t.Cleanup(server.Close)

	upstream := NewUpstream(server.Client())
	upstream.endpoints = []string{server.URL}

	policy, err := scheduler.New(config.ModeRoundRobin)
	require.NoError(t, err)

	broker := &stubBroker{}
	p := pool.New(pool.Options{Broker: broker, Client: stubCapacity{}, Trigger: stubTrigger{}, Policy: policy})

	accounts := make([]*pool.Account, 0, len(emails))
	for _, email := range emails {
		accounts = append(accounts, &pool.Account{Email: email, Source: pool.SourceOAuth, RefreshToken: "rt-" + email})
	}
	p.Reload(&pool.StoredState{Accounts: accounts, ActiveIndex: -1})

	if cfg == nil {
		cfg = &config.Config{MaxAttempts: config.DefaultMaxAttempts, MaxEmptyRetries: config.DefaultMaxEmptyRetries}
	}
	return NewHandler(p, format.NewConverter(nil), upstream, cfg), script, p, broker
}

func okBody(text string) string {
	return fmt.Sprintf(`{"response":{"candidates":[{"content":{"parts":[{"text":%q}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5}}}`, text)
}

func okSSE(text string) string {
	return fmt.Sprintf("data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":%q}]},\"finishReason\":\"STOP\"}]}\n\n", text)
}

const emptyBody = `{"response":{"candidates":[{"content":{"parts":[]},"finishReason":"STOP"}]}}`

func TestSendMessageSuccess(t *testing.T) {
	h, script, _, _ := newTestHandler(t, []upstreamStep{{body: okBody("ok")}}, nil, "a@example.com")

	resp, err := h.SendMessage(context.Background(), simpleRequest("claude-sonnet-4-5", "hi"))
	require.NoError(t, err)

	assert.Equal(t, "ok", resp.Content[0].Text)
	assert.Equal(t, "claude-sonnet-4-5", resp.Model)
	assert.Equal(t, "end_turn", resp.StopReason)

	calls := script.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "/v1internal:generateContent", calls[0].path)
	assert.Equal(t, "Bearer tok-rt-a@example.com", calls[0].auth)
}

func TestSendMessageRateLimitAdvancesAccount(t *testing.T) {
	h, script, p, _ := newTestHandler(t, []upstreamStep{
		{status: http.StatusTooManyRequests, body: `{"error":{"message":"quota"}}`, headers: map[string]string{"Retry-After": "60"}},
		{body: okBody("second account")},
	}, nil, "a@example.com", "b@example.com")

	resp, err := h.SendMessage(context.Background(), simpleRequest("claude-sonnet-4-5", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "second account", resp.Content[0].Text)

	calls := script.recorded()
	require.Len(t, calls, 2)
	assert.NotEqual(t, calls[0].auth, calls[1].auth)

	// The rate-limited account is on cooldown with the parsed reset time.
	limited := strings.TrimPrefix(calls[0].auth, "Bearer tok-rt-")
	assert.NotNil(t, p.Ledger().ResetTime(limited, "claude-sonnet-4-5"))
}

func TestSendMessage5xxRetriesSameAccountThenFailsOver(t *testing.T) {
	h, script, _, _ := newTestHandler(t, []upstreamStep{
		{status: http.StatusServiceUnavailable, body: `{"error":{"message":"overloaded"}}`},
		{status: http.StatusServiceUnavailable, body: `{"error":{"message":"overloaded"}}`},
		{body: okBody("recovered")},
	}, nil, "a@example.com", "b@example.com")

	resp, err := h.SendMessage(context.Background(), simpleRequest("claude-sonnet-4-5", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content[0].Text)

	calls := script.recorded()
	require.Len(t, calls, 3)
	assert.Equal(t, calls[0].auth, calls[1].auth)
	assert.NotEqual(t, calls[1].auth, calls[2].auth)
}

func TestSendMessageEmptyResponsesRetried(t *testing.T) {
	h, script, _, _ := newTestHandler(t, []upstreamStep{
		{body: emptyBody},
		{body: emptyBody},
		{body: okBody("third time lucky")},
	}, nil, "a@example.com")

	resp, err := h.SendMessage(context.Background(), simpleRequest("claude-sonnet-4-5", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", resp.Content[0].Text)

	calls := script.recorded()
	require.Len(t, calls, 3)
	assert.Equal(t, calls[0].auth, calls[2].auth)
}

func TestSendMessageEmptyRetriesExhausted(t *testing.T) {
	h, script, _, _ := newTestHandler(t, []upstreamStep{
		{body: emptyBody},
		{body: emptyBody},
		{body: emptyBody},
	}, nil, "a@example.com")

	_, err := h.SendMessage(context.Background(), simpleRequest("claude-sonnet-4-5", "hi"))

	assert.True(t, proxyerr.IsKind(err, proxyerr.KindEmptyResponse))
	assert.Len(t, script.recorded(), 3)
}

func TestSendMessageClientErrorNotRetried(t *testing.T) {
	h, script, _, _ := newTestHandler(t, []upstreamStep{
		{status: http.StatusBadRequest, body: `{"error":{"message":"invalid request"}}`},
	}, nil, "a@example.com", "b@example.com")

	_, err := h.SendMessage(context.Background(), simpleRequest("claude-sonnet-4-5", "hi"))

	assert.True(t, proxyerr.IsKind(err, proxyerr.KindUpstreamClient))
	assert.Contains(t, err.Error(), "invalid request")
	assert.Len(t, script.recorded(), 1)
}

func TestSendMessageAuthFailureRefreshesToken(t *testing.T) {
	h, script, _, broker := newTestHandler(t, []upstreamStep{
		{status: http.StatusUnauthorized, body: `{"error":{"message":"token expired"}}`},
		{body: okBody("after refresh")},
	}, nil, "a@example.com")

	resp, err := h.SendMessage(context.Background(), simpleRequest("claude-sonnet-4-5", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "after refresh", resp.Content[0].Text)

	assert.Len(t, script.recorded(), 2)
	assert.Equal(t, []string{"rt-a@example.com"}, broker.invalidated)
}

func TestSendMessagePersistentForbiddenDisablesAccount(t *testing.T) {
	h, script, p, _ := newTestHandler(t, []upstreamStep{
		{status: http.StatusForbidden, body: `{"error":{"message":"no access"}}`},
		{status: http.StatusForbidden, body: `{"error":{"message":"no access"}}`},
	}, nil, "a@example.com")

	_, err := h.SendMessage(context.Background(), simpleRequest("claude-sonnet-4-5", "hi"))

	assert.True(t, proxyerr.IsKind(err, proxyerr.KindForbidden))
	assert.Len(t, script.recorded(), 2)

	// The account is out of rotation for subsequent requests.
	plan, perr := p.NextPlan(pool.Request{ModelID: "claude-sonnet-4-5", MaxAttempts: 4}).Next(context.Background())
	require.NoError(t, perr)
	assert.Nil(t, plan)
}

func TestSendMessageFallbackAfterServerErrors(t *testing.T) {
	cfg := &config.Config{MaxAttempts: 4, MaxEmptyRetries: 2, FallbackEnabled: true}
	h, script, _, _ := newTestHandler(t, []upstreamStep{
		{status: http.StatusServiceUnavailable, body: `{"error":{"message":"overloaded"}}`},
		{status: http.StatusServiceUnavailable, body: `{"error":{"message":"overloaded"}}`},
		{sse: true, body: okSSE("from fallback")},
	}, cfg, "a@example.com")

	resp, err := h.SendMessage(context.Background(), simpleRequest("claude-sonnet-4-5", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Content[0].Text)
	// The caller still sees the model it asked for.
	assert.Equal(t, "claude-sonnet-4-5", resp.Model)

	calls := script.recorded()
	require.Len(t, calls, 3)
	assert.Equal(t, "claude-sonnet-4-5", calls[0].model)
	assert.Equal(t, "gemini-3-flash", calls[2].model)
	// The fallback model thinks, so it goes through the SSE endpoint.
	assert.Equal(t, "/v1internal:streamGenerateContent", calls[2].path)
}

func TestSendMessageNoFallbackWhenDisabled(t *testing.T) {
	h, script, _, _ := newTestHandler(t, []upstreamStep{
		{status: http.StatusServiceUnavailable, body: `{"error":{"message":"overloaded"}}`},
		{status: http.StatusServiceUnavailable, body: `{"error":{"message":"overloaded"}}`},
	}, nil, "a@example.com")

	_, err := h.SendMessage(context.Background(), simpleRequest("claude-sonnet-4-5", "hi"))

	assert.True(t, proxyerr.Is5xx(err))
	assert.Len(t, script.recorded(), 2)
}

func TestStreamMessageSuccess(t *testing.T) {
	h, _, _, _ := newTestHandler(t, []upstreamStep{
		{sse: true, body: okSSE("streamed")},
	}, nil, "a@example.com")

	var events []*anthropic.SSEEvent
	err := h.StreamMessage(context.Background(), simpleRequest("claude-sonnet-4-5", "hi"), func(e *anthropic.SSEEvent) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.Equal(t, anthropic.SSEEventMessageStart, events[0].Type)
	assert.Equal(t, anthropic.SSEEventMessageStop, events[len(events)-1].Type)
}

func TestStreamMessageEmptyStreamRetried(t *testing.T) {
	h, script, _, _ := newTestHandler(t, []upstreamStep{
		{sse: true, body: "data: {\"candidates\":[{\"content\":{\"parts\":[]}}]}\n\n"},
		{sse: true, body: okSSE("second try")},
	}, nil, "a@example.com")

	var starts int
	err := h.StreamMessage(context.Background(), simpleRequest("claude-sonnet-4-5", "hi"), func(e *anthropic.SSEEvent) error {
		if e.Type == anthropic.SSEEventMessageStart {
			starts++
		}
		return nil
	})
	require.NoError(t, err)

	// Nothing leaked from the empty first attempt.
	assert.Equal(t, 1, starts)
	assert.Len(t, script.recorded(), 2)
}

func TestStreamMessageFailsOverBeforeFirstByte(t *testing.T) {
	h, script, _, _ := newTestHandler(t, []upstreamStep{
		{status: http.StatusTooManyRequests, body: `{"error":{"message":"quota"}}`},
		{sse: true, body: okSSE("other account")},
	}, nil, "a@example.com", "b@example.com")

	var text strings.Builder
	err := h.StreamMessage(context.Background(), simpleRequest("claude-sonnet-4-5", "hi"), func(e *anthropic.SSEEvent) error {
		if e.Delta != nil {
			text.WriteString(e.Delta.Text)
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "other account", text.String())
	assert.Len(t, script.recorded(), 2)
}

func TestStreamMessageAbortsAfterPartialOutput(t *testing.T) {
	partial := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"partial\"}]}}]}\n\n"
	h, script, _, _ := newTestHandler(t, []upstreamStep{
		{sse: true, body: partial, truncate: true},
		{sse: true, body: okSSE("never used")},
	}, nil, "a@example.com", "b@example.com")

	var events []*anthropic.SSEEvent
	err := h.StreamMessage(context.Background(), simpleRequest("claude-sonnet-4-5", "hi"), func(e *anthropic.SSEEvent) error {
		events = append(events, e)
		return nil
	})

	// The stream already produced output, so the handler closes it
	// cleanly instead of retrying on the second account.
	require.NoError(t, err)
	assert.Len(t, script.recorded(), 1)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, anthropic.SSEEventMessageStop, last.Type)
	delta := events[len(events)-2]
	assert.Equal(t, anthropic.SSEEventMessageDelta, delta.Type)
	assert.Equal(t, "error", delta.Delta.StopReason)
}
