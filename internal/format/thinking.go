package format

import (
	"fmt"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/logging"
	"github.com/sx2000cn/antigravity-pool/pkg/anthropic"
)

// Clients replay assistant turns containing thinking blocks, but often
// strip or mangle the signatures the backend requires. The helpers here
// repair what can be repaired and drop what cannot.

func isThinkingBlock(b anthropic.ContentBlock) bool {
	return b.Type == "thinking" || b.Type == "redacted_thinking" || b.Thinking != ""
}

func hasValidSignature(b anthropic.ContentBlock) bool {
	return len(b.Signature) >= config.MinSignatureLength
}

// hasGeminiHistory reports whether the conversation carries Gemini-style
// thought signatures on tool_use blocks.
func hasGeminiHistory(messages []anthropic.Message) bool {
	for _, msg := range messages {
		for _, b := range msg.Content {
			if b.Type == "tool_use" && b.ThoughtSignature != "" {
				return true
			}
		}
	}
	return false
}

// hasUnsignedThinking reports whether any assistant turn carries a
// thinking block the backend would reject.
func hasUnsignedThinking(messages []anthropic.Message) bool {
	for _, msg := range messages {
		if msg.Role != "assistant" && msg.Role != "model" {
			continue
		}
		for _, b := range msg.Content {
			if isThinkingBlock(b) && !hasValidSignature(b) {
				return true
			}
		}
	}
	return false
}

func sanitizeThinking(b anthropic.ContentBlock) anthropic.ContentBlock {
	return anthropic.ContentBlock{Type: b.Type, Thinking: b.Thinking, Signature: b.Signature}
}

// normalizeAssistantContent prepares a replayed assistant turn: unsigned
// thinking blocks go, trailing thinking goes, and the rest is reordered
// to thinking, then text, then tool_use, which is the order the backend
// insists on.
func normalizeAssistantContent(content []anthropic.ContentBlock) []anthropic.ContentBlock {
	var thinking, text, tools []anthropic.ContentBlock

	for _, b := range content {
		switch {
		case isThinkingBlock(b):
			if hasValidSignature(b) {
				thinking = append(thinking, sanitizeThinking(b))
			}
		case b.Type == "tool_use":
			tools = append(tools, anthropic.ContentBlock{
				Type:             "tool_use",
				ID:               b.ID,
				Name:             b.Name,
				Input:            b.Input,
				ThoughtSignature: b.ThoughtSignature,
			})
		case b.Type == "text":
			if b.Text != "" {
				text = append(text, anthropic.ContentBlock{Type: "text", Text: b.Text})
			}
		default:
			text = append(text, b)
		}
	}

	out := make([]anthropic.ContentBlock, 0, len(thinking)+len(text)+len(tools))
	out = append(out, thinking...)
	out = append(out, text...)
	out = append(out, tools...)
	return out
}

type conversationState struct {
	inToolLoop       bool
	interruptedTool  bool
	turnHasThinking  bool
	toolResultCount  int
	lastAssistantIdx int
}

func analyzeConversation(messages []anthropic.Message) conversationState {
	state := conversationState{lastAssistantIdx: -1}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" || messages[i].Role == "model" {
			state.lastAssistantIdx = i
			break
		}
	}
	if state.lastAssistantIdx == -1 {
		return state
	}

	last := messages[state.lastAssistantIdx]
	var hasToolUse bool
	for _, b := range last.Content {
		if b.Type == "tool_use" {
			hasToolUse = true
		}
		if isThinkingBlock(b) && hasValidSignature(b) {
			state.turnHasThinking = true
		}
		if b.Type == "tool_use" && len(b.ThoughtSignature) >= config.MinSignatureLength {
			state.turnHasThinking = true
		}
	}

	plainUserAfter := false
	for i := state.lastAssistantIdx + 1; i < len(messages); i++ {
		hasResult := false
		for _, b := range messages[i].Content {
			if b.Type == "tool_result" {
				hasResult = true
				state.toolResultCount++
				break
			}
		}
		if messages[i].Role == "user" && !hasResult {
			plainUserAfter = true
		}
	}

	state.inToolLoop = hasToolUse && state.toolResultCount > 0
	state.interruptedTool = hasToolUse && state.toolResultCount == 0 && plainUserAfter
	return state
}

// needsThinkingRecovery reports whether the conversation sits in a tool
// loop whose thinking context was lost, which would make the backend
// reject the next turn.
func needsThinkingRecovery(messages []anthropic.Message) bool {
	state := analyzeConversation(messages)
	if !state.inToolLoop && !state.interruptedTool {
		return false
	}
	return !state.turnHasThinking
}

// closeToolLoop rewrites a corrupted tool loop so the model can open a
// fresh turn: incompatible thinking is stripped and synthetic closing
// messages are injected.
func closeToolLoop(messages []anthropic.Message, targetFamily config.ModelFamily, cache *SignatureCache) []anthropic.Message {
	state := analyzeConversation(messages)
	if !state.inToolLoop && !state.interruptedTool {
		return messages
	}

	out := stripIncompatibleThinking(messages, targetFamily, cache)
	log := logging.For("Format")

	switch {
	case state.interruptedTool:
		insertIdx := state.lastAssistantIdx + 1
		synthetic := anthropic.Message{
			Role:    "assistant",
			Content: []anthropic.ContentBlock{{Type: "text", Text: "[Tool call was interrupted.]"}},
		}
		withInsert := make([]anthropic.Message, 0, len(out)+1)
		withInsert = append(withInsert, out[:insertIdx]...)
		withInsert = append(withInsert, synthetic)
		withInsert = append(withInsert, out[insertIdx:]...)
		out = withInsert
		log.Debug().Msg("closed interrupted tool call for thinking recovery")

	case state.inToolLoop:
		text := "[Tool execution completed.]"
		if state.toolResultCount > 1 {
			text = fmt.Sprintf("[%d tool executions completed.]", state.toolResultCount)
		}
		out = append(out,
			anthropic.Message{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "text", Text: text}}},
			anthropic.Message{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "[Continue]"}}},
		)
		log.Debug().Msg("closed tool loop for thinking recovery")
	}

	return out
}

// stripIncompatibleThinking removes thinking blocks that are unsigned or,
// for Gemini targets, signed by another model family. Claude validates
// its own signatures so only genuinely unsigned blocks are dropped there.
func stripIncompatibleThinking(messages []anthropic.Message, targetFamily config.ModelFamily, cache *SignatureCache) []anthropic.Message {
	out := make([]anthropic.Message, 0, len(messages))

	for _, msg := range messages {
		kept := make([]anthropic.ContentBlock, 0, len(msg.Content))
		for _, b := range msg.Content {
			if !isThinkingBlock(b) {
				kept = append(kept, b)
				continue
			}
			if !hasValidSignature(b) {
				continue
			}
			if targetFamily == config.ModelFamilyGemini && cache != nil {
				family := cache.SignatureFamily(b.Signature)
				if family != string(targetFamily) {
					continue
				}
			}
			kept = append(kept, b)
		}

		// Claude models reject turns with no parts at all.
		if len(kept) == 0 {
			kept = []anthropic.ContentBlock{{Type: "text", Text: "."}}
		}
		out = append(out, anthropic.Message{Role: msg.Role, Content: kept})
	}
	return out
}
