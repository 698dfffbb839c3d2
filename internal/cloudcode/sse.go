package cloudcode

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/sx2000cn/antigravity-pool/internal/format"
)

// maxSSELineSize bounds a single SSE data line. Thought signatures and
// tool arguments can run to hundreds of kilobytes.
const maxSSELineSize = 1024 * 1024

// chunkReader yields decoded response chunks from an SSE body.
type chunkReader struct {
	scanner *bufio.Scanner
}

func newChunkReader(r io.Reader) *chunkReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineSize)
	return &chunkReader{scanner: scanner}
}

// Next returns the next data chunk, io.EOF at end of stream. Non-data
// lines and undecodable chunks are skipped.
func (cr *chunkReader) Next() (*format.Response, error) {
	for cr.scanner.Scan() {
		line := cr.scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		chunk, err := format.ParseResponse(payload)
		if err != nil {
			continue
		}
		return chunk, nil
	}
	if err := cr.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// accumulator folds streamed chunks into a single response, merging
// consecutive same-kind parts so the result looks like a non-streaming
// reply.
type accumulator struct {
	parts        []format.Part
	thinking     strings.Builder
	thinkingSig  string
	text         strings.Builder
	finishReason string
	usage        *format.UsageMetadata
}

func (a *accumulator) add(chunk *format.Response) {
	candidates, usage := chunk.Unwrap()
	if usage != nil {
		a.mergeUsage(usage)
	}
	if len(candidates) == 0 {
		return
	}
	cand := candidates[0]
	if cand.FinishReason != "" {
		a.finishReason = cand.FinishReason
	}
	if cand.Content == nil {
		return
	}
	for _, part := range cand.Content.Parts {
		switch {
		case part.Thought:
			a.flushText()
			a.thinking.WriteString(part.Text)
			if part.ThoughtSignature != "" {
				a.thinkingSig = part.ThoughtSignature
			}
		case part.FunctionCall != nil:
			a.flushThinking()
			a.flushText()
			a.parts = append(a.parts, part)
		case part.Text != "":
			a.flushThinking()
			a.text.WriteString(part.Text)
		default:
			a.flushThinking()
			a.flushText()
			a.parts = append(a.parts, part)
		}
	}
}

// Streamed usage is cumulative; later chunks carry the larger totals.
func (a *accumulator) mergeUsage(usage *format.UsageMetadata) {
	if a.usage == nil {
		a.usage = &format.UsageMetadata{}
	}
	a.usage.PromptTokenCount = max(a.usage.PromptTokenCount, usage.PromptTokenCount)
	a.usage.CandidatesTokenCount = max(a.usage.CandidatesTokenCount, usage.CandidatesTokenCount)
	a.usage.CachedContentTokenCount = max(a.usage.CachedContentTokenCount, usage.CachedContentTokenCount)
}

func (a *accumulator) flushThinking() {
	if a.thinking.Len() == 0 {
		return
	}
	a.parts = append(a.parts, format.Part{
		Text:             a.thinking.String(),
		Thought:          true,
		ThoughtSignature: a.thinkingSig,
	})
	a.thinking.Reset()
	a.thinkingSig = ""
}

func (a *accumulator) flushText() {
	if a.text.Len() == 0 {
		return
	}
	a.parts = append(a.parts, format.Part{Text: a.text.String()})
	a.text.Reset()
}

func (a *accumulator) result() *format.Response {
	a.flushThinking()
	a.flushText()

	resp := &format.Response{UsageMetadata: a.usage}
	if len(a.parts) > 0 {
		resp.Candidates = []format.Candidate{{
			Content:      &format.Content{Role: "model", Parts: a.parts},
			FinishReason: a.finishReason,
		}}
	}
	return resp
}

// AccumulateSSE reads an SSE body to completion and folds it into a
// single response. Thinking models only answer on the streaming
// endpoint, so non-streaming callers go through here.
func AccumulateSSE(body io.Reader) (*format.Response, error) {
	reader := newChunkReader(body)
	var acc accumulator
	for {
		chunk, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		acc.add(chunk)
	}
	return acc.result(), nil
}
