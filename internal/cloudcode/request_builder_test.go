package cloudcode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/format"
	"github.com/sx2000cn/antigravity-pool/pkg/anthropic"
)

func simpleRequest(model, text string) *anthropic.MessagesRequest {
	return &anthropic.MessagesRequest{
		Model:     model,
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: text}}},
		},
	}
}

func TestBuildPayloadEnvelope(t *testing.T) {
	conv := format.NewConverter(nil)

	payload := BuildPayload(conv, simpleRequest("claude-sonnet-4-5", "hello"), "my-project")

	assert.Equal(t, "my-project", payload.Project)
	assert.Equal(t, "claude-sonnet-4-5", payload.Model)
	assert.Equal(t, "antigravity", payload.UserAgent)
	assert.Equal(t, "agent", payload.RequestType)
	assert.True(t, strings.HasPrefix(payload.RequestID, "agent-"))
	assert.NotEmpty(t, payload.Request["contents"])
}

func TestBuildPayloadSessionIDStable(t *testing.T) {
	conv := format.NewConverter(nil)

	first := BuildPayload(conv, simpleRequest("claude-sonnet-4-5", "same opening"), "p")
	second := BuildPayload(conv, simpleRequest("claude-sonnet-4-5", "same opening"), "p")
	other := BuildPayload(conv, simpleRequest("claude-sonnet-4-5", "different opening"), "p")

	assert.Equal(t, first.Request["sessionId"], second.Request["sessionId"])
	assert.NotEqual(t, first.Request["sessionId"], other.Request["sessionId"])
}

func TestBuildPayloadSystemInstruction(t *testing.T) {
	conv := format.NewConverter(nil)

	req := simpleRequest("claude-sonnet-4-5", "hello")
	req.System = "Answer in French."
	payload := BuildPayload(conv, req, "p")

	instr, ok := payload.Request["systemInstruction"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "user", instr["role"])

	parts, ok := instr["parts"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, parts, 3)
	assert.Equal(t, config.AntigravitySystemInstruction, parts[0]["text"])
	assert.Contains(t, parts[1]["text"], "[ignore]")
	assert.Equal(t, "Answer in French.", parts[2]["text"])
}

func TestBuildHeaders(t *testing.T) {
	headers := BuildHeaders("tok123", "claude-sonnet-4-5-thinking", "text/event-stream")

	assert.Equal(t, "Bearer tok123", headers["Authorization"])
	assert.Equal(t, "interleaved-thinking-2025-05-14", headers["anthropic-beta"])
	assert.Equal(t, "text/event-stream", headers["Accept"])
	assert.Contains(t, headers["User-Agent"], "antigravity/")
	assert.NotEmpty(t, headers["Client-Metadata"])
}

func TestBuildHeadersNoThinkingBeta(t *testing.T) {
	plain := BuildHeaders("tok", "claude-sonnet-4-5", "application/json")
	gemini := BuildHeaders("tok", "gemini-3-pro-high", "text/event-stream")

	assert.NotContains(t, plain, "anthropic-beta")
	assert.NotContains(t, plain, "Accept")
	assert.NotContains(t, gemini, "anthropic-beta")
}
