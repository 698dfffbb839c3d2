package format

import (
	"encoding/json"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/pkg/anthropic"
)

// ParseResponse decodes a Cloud Code response body, wrapped or bare.
func ParseResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ToAnthropicResponse converts a Google response into an Anthropic
// Messages response for the given model.
func (c *Converter) ToAnthropicResponse(resp *Response, model string) *anthropic.MessagesResponse {
	candidates, usage := resp.Unwrap()

	var first Candidate
	if len(candidates) > 0 {
		first = candidates[0]
	}
	var parts []Part
	if first.Content != nil {
		parts = first.Content.Parts
	}

	content := make([]anthropic.ContentBlock, 0, len(parts))
	hasToolCalls := false

	for _, part := range parts {
		switch {
		case part.Text != "" && part.Thought:
			if len(part.ThoughtSignature) >= config.MinSignatureLength {
				c.cache.CacheSignatureFamily(part.ThoughtSignature, string(config.GetModelFamily(model)))
			}
			content = append(content, anthropic.ContentBlock{
				Type:      "thinking",
				Thinking:  part.Text,
				Signature: part.ThoughtSignature,
			})

		case part.Text != "":
			content = append(content, anthropic.ContentBlock{Type: "text", Text: part.Text})

		case part.FunctionCall != nil:
			block := c.toolUseBlock(part)
			content = append(content, block)
			hasToolCalls = true

		case part.InlineData != nil:
			content = append(content, anthropic.ContentBlock{
				Type: "image",
				Source: &anthropic.ImageSource{
					Type:      "base64",
					MediaType: part.InlineData.MimeType,
					Data:      part.InlineData.Data,
				},
			})
		}
	}

	if len(content) == 0 {
		content = append(content, anthropic.ContentBlock{Type: "text", Text: ""})
	}

	return &anthropic.MessagesResponse{
		ID:         anthropic.GenerateMessageID(),
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      model,
		StopReason: MapStopReason(first.FinishReason, hasToolCalls),
		Usage:      ConvertUsage(usage),
	}
}

func (c *Converter) toolUseBlock(part Part) anthropic.ContentBlock {
	toolID := part.FunctionCall.ID
	if toolID == "" {
		toolID = anthropic.GenerateToolUseID()
	}

	input := json.RawMessage("{}")
	if part.FunctionCall.Args != nil {
		if data, err := json.Marshal(part.FunctionCall.Args); err == nil {
			input = data
		}
	}

	block := anthropic.ContentBlock{
		Type:  "tool_use",
		ID:    toolID,
		Name:  part.FunctionCall.Name,
		Input: input,
	}

	// Keep the signature available for the replay even if the client
	// strips the field.
	if len(part.ThoughtSignature) >= config.MinSignatureLength {
		block.ThoughtSignature = part.ThoughtSignature
		c.cache.CacheToolSignature(toolID, part.ThoughtSignature)
	}
	return block
}

// MapStopReason maps a Google finish reason onto the Anthropic stop
// reason vocabulary.
func MapStopReason(finishReason string, hasToolCalls bool) string {
	switch {
	case finishReason == "MAX_TOKENS":
		return "max_tokens"
	case finishReason == "TOOL_USE" || hasToolCalls:
		return "tool_use"
	default:
		return "end_turn"
	}
}

// ConvertUsage maps Google usage metadata to Anthropic usage. The
// backend's promptTokenCount includes cached tokens while Anthropic's
// input_tokens excludes them.
func ConvertUsage(usage *UsageMetadata) *anthropic.Usage {
	if usage == nil {
		return &anthropic.Usage{}
	}
	return &anthropic.Usage{
		InputTokens:          usage.PromptTokenCount - usage.CachedContentTokenCount,
		OutputTokens:         usage.CandidatesTokenCount,
		CacheReadInputTokens: usage.CachedContentTokenCount,
	}
}
