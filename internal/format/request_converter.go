package format

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/logging"
	"github.com/sx2000cn/antigravity-pool/pkg/anthropic"
)

// Converter translates requests and responses for one proxy instance,
// sharing a signature cache across directions.
type Converter struct {
	cache *SignatureCache
	log   zerolog.Logger
}

// NewConverter creates a converter backed by the given signature cache.
// A nil cache falls back to a memory-only one.
func NewConverter(cache *SignatureCache) *Converter {
	if cache == nil {
		cache = NewSignatureCache(nil)
	}
	return &Converter{cache: cache, log: logging.For("Format")}
}

// Cache exposes the converter's signature cache for callers that record
// signatures outside the conversion path.
func (c *Converter) Cache() *SignatureCache { return c.cache }

// defaultGeminiThinkingBudget applies when a Gemini thinking model is
// requested without an explicit budget.
const defaultGeminiThinkingBudget = 16000

// BuildRequest converts an Anthropic Messages request into the Google
// request the Cloud Code backend expects for the request's model.
func (c *Converter) BuildRequest(req *anthropic.MessagesRequest) *Request {
	family := config.GetModelFamily(req.Model)
	isClaude := family == config.ModelFamilyClaude
	isGemini := family == config.ModelFamilyGemini
	isThinking := config.IsThinkingModel(req.Model)

	out := &Request{
		Contents:         make([]Content, 0, len(req.Messages)),
		GenerationConfig: &GenerationConfig{},
	}

	out.SystemInstruction = buildSystemInstruction(req.System)

	if isClaude && isThinking && len(req.Tools) > 0 {
		appendSystemHint(out, "Interleaved thinking is enabled. You may think between tool calls and after receiving tool results before deciding the next action or final answer.")
	}

	messages := stripCacheControl(req.Messages)

	// A history whose thinking context was lost mid-tool-loop has to be
	// closed out before the backend will accept it again.
	if isThinking && needsThinkingRecovery(messages) {
		if isGemini {
			messages = closeToolLoop(messages, config.ModelFamilyGemini, c.cache)
		} else if isClaude && (hasGeminiHistory(messages) || hasUnsignedThinking(messages)) {
			messages = closeToolLoop(messages, config.ModelFamilyClaude, c.cache)
		}
	}

	for _, msg := range messages {
		content := msg.Content
		if msg.Role == "assistant" || msg.Role == "model" {
			content = normalizeAssistantContent(content)
		}

		parts := c.blocksToParts(content, family)
		if len(parts) == 0 {
			// The backend rejects turns without parts.
			parts = []Part{{Text: "."}}
		}

		out.Contents = append(out.Contents, Content{
			Role:  googleRole(msg.Role),
			Parts: parts,
		})
	}

	if req.MaxTokens > 0 {
		out.GenerationConfig.MaxOutputTokens = req.MaxTokens
	}
	out.GenerationConfig.Temperature = req.Temperature
	out.GenerationConfig.TopP = req.TopP
	out.GenerationConfig.TopK = req.TopK
	out.GenerationConfig.StopSequences = req.StopSequences

	if isThinking {
		c.applyThinkingConfig(out, req, isClaude)
	}

	if len(req.Tools) > 0 {
		out.Tools = []Tool{{FunctionDeclarations: c.buildFunctionDeclarations(req.Tools)}}
		if isClaude {
			out.ToolConfig = &ToolConfig{
				FunctionCallingConfig: &FunctionCallingConfig{Mode: "VALIDATED"},
			}
		}
	}

	if isGemini && out.GenerationConfig.MaxOutputTokens > config.GeminiMaxOutputTokens {
		out.GenerationConfig.MaxOutputTokens = config.GeminiMaxOutputTokens
	}

	return out
}

func (c *Converter) applyThinkingConfig(out *Request, req *anthropic.MessagesRequest, isClaude bool) {
	if isClaude {
		tc := &ThinkingConfig{IncludeThoughts: true}
		if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
			tc.ThinkingBudget = req.Thinking.BudgetTokens
			// max_tokens must exceed the thinking budget.
			if out.GenerationConfig.MaxOutputTokens > 0 &&
				out.GenerationConfig.MaxOutputTokens <= tc.ThinkingBudget {
				adjusted := tc.ThinkingBudget + 8192
				c.log.Warn().
					Int("maxTokens", out.GenerationConfig.MaxOutputTokens).
					Int("thinkingBudget", tc.ThinkingBudget).
					Int("adjusted", adjusted).
					Msg("max_tokens below thinking budget, raising")
				out.GenerationConfig.MaxOutputTokens = adjusted
			}
		}
		out.GenerationConfig.ThinkingConfig = tc
		return
	}

	budget := defaultGeminiThinkingBudget
	if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
		budget = req.Thinking.BudgetTokens
	}
	out.GenerationConfig.ThinkingConfig = &ThinkingConfig{
		IncludeThoughtsCamel: true,
		ThinkingBudgetCamel:  budget,
	}
}

// buildSystemInstruction accepts the string shorthand or a block array.
func buildSystemInstruction(system anthropic.SystemContent) *Content {
	var parts []Part

	switch s := system.(type) {
	case string:
		if s != "" {
			parts = append(parts, Part{Text: s})
		}
	case []interface{}:
		for _, raw := range s {
			block, ok := raw.(map[string]interface{})
			if !ok || block["type"] != "text" {
				continue
			}
			if text, ok := block["text"].(string); ok && text != "" {
				parts = append(parts, Part{Text: text})
			}
		}
	}

	if len(parts) == 0 {
		return nil
	}
	return &Content{Parts: parts}
}

func appendSystemHint(out *Request, hint string) {
	if out.SystemInstruction == nil {
		out.SystemInstruction = &Content{Parts: []Part{{Text: hint}}}
		return
	}
	last := &out.SystemInstruction.Parts[len(out.SystemInstruction.Parts)-1]
	if last.Text != "" {
		last.Text += "\n\n" + hint
	} else {
		out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, Part{Text: hint})
	}
}

// stripCacheControl removes cache_control markers, which the Cloud Code
// API rejects as extra inputs.
func stripCacheControl(messages []anthropic.Message) []anthropic.Message {
	out := make([]anthropic.Message, len(messages))
	for i, msg := range messages {
		blocks := make([]anthropic.ContentBlock, len(msg.Content))
		for j, b := range msg.Content {
			b.CacheControl = nil
			blocks[j] = b
		}
		out[i] = anthropic.Message{Role: msg.Role, Content: blocks}
	}
	return out
}

func googleRole(role string) string {
	if role == "assistant" || role == "model" {
		return "model"
	}
	return "user"
}

func (c *Converter) buildFunctionDeclarations(tools []anthropic.Tool) []FunctionDeclaration {
	decls := make([]FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schema map[string]interface{}
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				c.log.Warn().Err(err).Str("tool", tool.Name).Msg("unparseable tool schema")
				schema = nil
			}
		}
		decls = append(decls, FunctionDeclaration{
			Name:        cleanToolName(tool.Name),
			Description: tool.Description,
			Parameters:  CleanSchema(SanitizeSchema(schema)),
		})
	}
	return decls
}

// cleanToolName maps a tool name onto the charset and length the backend
// accepts: [A-Za-z0-9_-], at most 64 runes.
func cleanToolName(name string) string {
	if name == "" {
		return "tool"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	cleaned := b.String()
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	return cleaned
}
