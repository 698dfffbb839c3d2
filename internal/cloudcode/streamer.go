package cloudcode

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/format"
	"github.com/sx2000cn/antigravity-pool/internal/proxyerr"
	"github.com/sx2000cn/antigravity-pool/pkg/anthropic"
)

// EmitFunc delivers one Anthropic SSE event to the client. A non-nil
// error aborts the stream.
type EmitFunc func(*anthropic.SSEEvent) error

// streamer translates Google SSE chunks into the Anthropic streaming
// event sequence. message_start is withheld until the first content
// part so that an entirely empty stream stays retryable.
type streamer struct {
	cache *format.SignatureCache
	model string
	emit  EmitFunc

	started      bool
	sent         bool
	blockIndex   int
	blockType    string
	thinkingSig  string
	hasToolCalls bool
	finishReason string
	usage        *format.UsageMetadata
}

// StreamEvents reads an SSE body and emits Anthropic events. It reports
// whether any event reached the client; once sent is true the caller
// must not retry the request on another account.
func StreamEvents(ctx context.Context, body io.Reader, model string, cache *format.SignatureCache, emit EmitFunc) (sent bool, err error) {
	s := &streamer{cache: cache, model: model, emit: emit, blockIndex: -1}

	// The reader goroutine must not outlive this call.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type chunkResult struct {
		chunk *format.Response
		err   error
	}
	chunks := make(chan chunkResult, 1)
	go func() {
		reader := newChunkReader(body)
		for {
			chunk, err := reader.Next()
			select {
			case chunks <- chunkResult{chunk, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	idle := time.NewTimer(config.StreamIdleTimeout)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			s.abort()
			return s.sent, proxyerr.Wrap(proxyerr.KindCanceled, ctx.Err())
		}
		select {
		case <-ctx.Done():
			s.abort()
			return s.sent, proxyerr.Wrap(proxyerr.KindCanceled, ctx.Err())
		case <-idle.C:
			s.abort()
			return s.sent, proxyerr.New(proxyerr.KindUpstream5xx, "stream idle for %s", config.StreamIdleTimeout)
		case result := <-chunks:
			if result.err == io.EOF {
				return s.sent, s.finish()
			}
			if result.err != nil {
				s.abort()
				return s.sent, proxyerr.Wrap(proxyerr.KindUpstream5xx, result.err)
			}
			if err := s.consume(result.chunk); err != nil {
				return s.sent, err
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(config.StreamIdleTimeout)
		}
	}
}

// abort emits the synthetic close for a stream that died after bytes
// reached the client: stop the open block, then end the message with
// stop_reason "error". Emission failures are ignored; the stream is
// already broken.
func (s *streamer) abort() {
	if !s.sent {
		return
	}
	if s.blockType != "" {
		s.blockType = ""
		_ = s.emit(&anthropic.SSEEvent{
			Type:  anthropic.SSEEventContentBlockStop,
			Index: s.blockIndex,
		})
	}
	_ = s.emit(&anthropic.SSEEvent{
		Type:  anthropic.SSEEventMessageDelta,
		Delta: &anthropic.ContentDelta{StopReason: "error"},
		Usage: &anthropic.Usage{},
	})
	_ = s.emit(&anthropic.SSEEvent{Type: anthropic.SSEEventMessageStop})
}

func (s *streamer) consume(chunk *format.Response) error {
	candidates, usage := chunk.Unwrap()
	if usage != nil {
		s.mergeUsage(usage)
	}
	if len(candidates) == 0 {
		return nil
	}
	cand := candidates[0]
	if cand.FinishReason != "" {
		s.finishReason = cand.FinishReason
	}
	if cand.Content == nil {
		return nil
	}
	for _, part := range cand.Content.Parts {
		if err := s.consumePart(part); err != nil {
			return err
		}
	}
	return nil
}

func (s *streamer) consumePart(part format.Part) error {
	switch {
	case part.Thought:
		if err := s.ensureBlock("thinking", nil); err != nil {
			return err
		}
		if part.ThoughtSignature != "" {
			s.thinkingSig = part.ThoughtSignature
		}
		if part.Text == "" {
			return nil
		}
		return s.send(&anthropic.SSEEvent{
			Type:  anthropic.SSEEventContentBlockDelta,
			Index: s.blockIndex,
			Delta: &anthropic.ContentDelta{Type: "thinking_delta", Thinking: part.Text},
		})

	case part.FunctionCall != nil:
		return s.consumeToolCall(part)

	case part.InlineData != nil:
		block := &anthropic.ContentBlock{
			Type: "image",
			Source: &anthropic.ImageSource{
				Type:      "base64",
				MediaType: part.InlineData.MimeType,
				Data:      part.InlineData.Data,
			},
		}
		if err := s.ensureBlock("image", block); err != nil {
			return err
		}
		return s.closeBlock()

	case part.Text != "":
		if err := s.ensureBlock("text", nil); err != nil {
			return err
		}
		return s.send(&anthropic.SSEEvent{
			Type:  anthropic.SSEEventContentBlockDelta,
			Index: s.blockIndex,
			Delta: &anthropic.ContentDelta{Type: "text_delta", Text: part.Text},
		})
	}
	return nil
}

func (s *streamer) consumeToolCall(part format.Part) error {
	s.hasToolCalls = true

	toolID := part.FunctionCall.ID
	if toolID == "" {
		toolID = anthropic.GenerateToolUseID()
	}
	if len(part.ThoughtSignature) >= config.MinSignatureLength {
		s.cache.CacheToolSignature(toolID, part.ThoughtSignature)
	}

	block := &anthropic.ContentBlock{
		Type:  "tool_use",
		ID:    toolID,
		Name:  part.FunctionCall.Name,
		Input: json.RawMessage("{}"),
	}
	if len(part.ThoughtSignature) >= config.MinSignatureLength {
		block.ThoughtSignature = part.ThoughtSignature
	}
	if err := s.ensureBlock("tool_use", block); err != nil {
		return err
	}

	// Tool arguments arrive complete in a single chunk, so the whole
	// object goes out as one input_json_delta.
	if part.FunctionCall.Args != nil {
		args, err := json.Marshal(part.FunctionCall.Args)
		if err == nil && string(args) != "{}" {
			if err := s.send(&anthropic.SSEEvent{
				Type:  anthropic.SSEEventContentBlockDelta,
				Index: s.blockIndex,
				Delta: &anthropic.ContentDelta{Type: "input_json_delta", PartialJSON: string(args)},
			}); err != nil {
				return err
			}
		}
	}
	return s.closeBlock()
}

// ensureBlock opens a block of the wanted type, closing the previous one
// first. tool_use and image blocks always open fresh.
func (s *streamer) ensureBlock(wanted string, block *anthropic.ContentBlock) error {
	if s.blockType == wanted && wanted != "tool_use" && wanted != "image" {
		return nil
	}
	if err := s.closeBlock(); err != nil {
		return err
	}
	if err := s.start(); err != nil {
		return err
	}

	if block == nil {
		switch wanted {
		case "thinking":
			block = &anthropic.ContentBlock{Type: "thinking", Thinking: ""}
		default:
			block = &anthropic.ContentBlock{Type: "text", Text: ""}
		}
	}

	s.blockIndex++
	s.blockType = wanted
	return s.send(&anthropic.SSEEvent{
		Type:         anthropic.SSEEventContentBlockStart,
		Index:        s.blockIndex,
		ContentBlock: block,
	})
}

func (s *streamer) closeBlock() error {
	if s.blockType == "" {
		return nil
	}
	if s.blockType == "thinking" && s.thinkingSig != "" {
		if len(s.thinkingSig) >= config.MinSignatureLength {
			s.cache.CacheSignatureFamily(s.thinkingSig, string(config.GetModelFamily(s.model)))
		}
		if err := s.send(&anthropic.SSEEvent{
			Type:  anthropic.SSEEventContentBlockDelta,
			Index: s.blockIndex,
			Delta: &anthropic.ContentDelta{Type: "signature_delta", Signature: s.thinkingSig},
		}); err != nil {
			return err
		}
		s.thinkingSig = ""
	}
	s.blockType = ""
	return s.send(&anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockStop,
		Index: s.blockIndex,
	})
}

func (s *streamer) start() error {
	if s.started {
		return nil
	}
	s.started = true
	return s.send(&anthropic.SSEEvent{
		Type: anthropic.SSEEventMessageStart,
		Message: &anthropic.MessagesResponse{
			ID:      anthropic.GenerateMessageID(),
			Type:    "message",
			Role:    "assistant",
			Model:   s.model,
			Content: []anthropic.ContentBlock{},
			Usage:   &anthropic.Usage{},
		},
	})
}

// finish closes the stream. A stream that never produced a content part
// is an empty response and stays retryable because nothing was sent.
func (s *streamer) finish() error {
	if !s.started {
		return proxyerr.New(proxyerr.KindEmptyResponse, "upstream stream carried no content")
	}
	if err := s.closeBlock(); err != nil {
		return err
	}
	if err := s.send(&anthropic.SSEEvent{
		Type:  anthropic.SSEEventMessageDelta,
		Delta: &anthropic.ContentDelta{StopReason: format.MapStopReason(s.finishReason, s.hasToolCalls)},
		Usage: format.ConvertUsage(s.usage),
	}); err != nil {
		return err
	}
	return s.send(&anthropic.SSEEvent{Type: anthropic.SSEEventMessageStop})
}

func (s *streamer) mergeUsage(usage *format.UsageMetadata) {
	if s.usage == nil {
		s.usage = &format.UsageMetadata{}
	}
	s.usage.PromptTokenCount = max(s.usage.PromptTokenCount, usage.PromptTokenCount)
	s.usage.CandidatesTokenCount = max(s.usage.CandidatesTokenCount, usage.CandidatesTokenCount)
	s.usage.CachedContentTokenCount = max(s.usage.CachedContentTokenCount, usage.CachedContentTokenCount)
}

func (s *streamer) send(event *anthropic.SSEEvent) error {
	if err := s.emit(event); err != nil {
		return proxyerr.Wrap(proxyerr.KindInternal, err)
	}
	s.sent = true
	return nil
}
