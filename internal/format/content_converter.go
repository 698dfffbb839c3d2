package format

import (
	"encoding/json"
	"strings"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/pkg/anthropic"
)

// blocksToParts converts Anthropic content blocks into Google parts for
// the given model family. Images found inside tool results are deferred
// to the end of the turn, where the backend tolerates them.
func (c *Converter) blocksToParts(blocks []anthropic.ContentBlock, family config.ModelFamily) []Part {
	isClaude := family == config.ModelFamilyClaude
	isGemini := family == config.ModelFamilyGemini

	parts := make([]Part, 0, len(blocks))
	var deferredMedia []Part

	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, Part{Text: block.Text})
			}

		case "image", "document":
			if p, ok := mediaPart(block); ok {
				parts = append(parts, p)
			}

		case "tool_use":
			parts = append(parts, c.toolUsePart(block, isClaude, isGemini))

		case "tool_result":
			part, media := toolResultPart(block, isClaude)
			parts = append(parts, part)
			deferredMedia = append(deferredMedia, media...)

		case "thinking", "redacted_thinking":
			if p, ok := c.thinkingPart(block, family); ok {
				parts = append(parts, p)
			}
		}
	}

	return append(parts, deferredMedia...)
}

func mediaPart(block anthropic.ContentBlock) (Part, bool) {
	src := block.Source
	if src == nil {
		return Part{}, false
	}
	switch src.Type {
	case "base64":
		return Part{InlineData: &InlineData{MimeType: src.MediaType, Data: src.Data}}, true
	case "url":
		mime := src.MediaType
		if mime == "" {
			if block.Type == "document" {
				mime = "application/pdf"
			} else {
				mime = "image/jpeg"
			}
		}
		return Part{FileData: &FileData{MimeType: mime, FileURI: src.URL}}, true
	}
	return Part{}, false
}

func (c *Converter) toolUsePart(block anthropic.ContentBlock, isClaude, isGemini bool) Part {
	call := &FunctionCall{Name: block.Name}
	if len(block.Input) > 0 {
		var args map[string]interface{}
		if err := json.Unmarshal(block.Input, &args); err == nil {
			call.Args = args
		}
	}
	if isClaude && block.ID != "" {
		call.ID = block.ID
	}

	part := Part{FunctionCall: call}

	// Gemini validates a thoughtSignature on every replayed call. Prefer
	// the one the client echoed, then the cache, then the validator
	// bypass marker.
	if isGemini {
		signature := block.ThoughtSignature
		if signature == "" && block.ID != "" {
			signature = c.cache.ToolSignature(block.ID)
		}
		if signature == "" {
			signature = config.GeminiSkipSignature
		}
		part.ThoughtSignature = signature
	}
	return part
}

func toolResultPart(block anthropic.ContentBlock, isClaude bool) (Part, []Part) {
	response := map[string]interface{}{}
	var media []Part

	switch content := block.Content.(type) {
	case string:
		response["result"] = content
	case []interface{}:
		var texts []string
		for _, raw := range content {
			item, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			switch item["type"] {
			case "text":
				if text, ok := item["text"].(string); ok {
					texts = append(texts, text)
				}
			case "image":
				if src, ok := item["source"].(map[string]interface{}); ok && src["type"] == "base64" {
					mime, _ := src["media_type"].(string)
					data, _ := src["data"].(string)
					media = append(media, Part{InlineData: &InlineData{MimeType: mime, Data: data}})
				}
			}
		}
		response["result"] = summarizeToolResult(texts, media)
	case []anthropic.ContentBlock:
		var texts []string
		for _, item := range content {
			switch {
			case item.Type == "text":
				texts = append(texts, item.Text)
			case item.Type == "image" && item.Source != nil && item.Source.Type == "base64":
				media = append(media, Part{InlineData: &InlineData{MimeType: item.Source.MediaType, Data: item.Source.Data}})
			}
		}
		response["result"] = summarizeToolResult(texts, media)
	}

	name := block.ToolUseID
	if name == "" {
		name = "unknown"
	}
	fr := &FunctionResponse{Name: name, Response: response}
	if isClaude && block.ToolUseID != "" {
		fr.ID = block.ToolUseID
	}
	return Part{FunctionResponse: fr}, media
}

func summarizeToolResult(texts []string, media []Part) string {
	if len(texts) > 0 {
		return strings.Join(texts, "\n")
	}
	if len(media) > 0 {
		return "Image attached"
	}
	return ""
}

func (c *Converter) thinkingPart(block anthropic.ContentBlock, family config.ModelFamily) (Part, bool) {
	// Unsigned thinking never goes upstream.
	if len(block.Signature) < config.MinSignatureLength {
		return Part{}, false
	}

	// Gemini rejects signatures minted by other families. An unknown
	// origin is treated as foreign, which is the safe default on a cold
	// cache.
	if family == config.ModelFamilyGemini {
		if c.cache.SignatureFamily(block.Signature) != string(config.ModelFamilyGemini) {
			return Part{}, false
		}
	}

	return Part{Text: block.Thinking, Thought: true, ThoughtSignature: block.Signature}, true
}
