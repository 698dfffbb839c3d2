package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/format"
	"github.com/sx2000cn/antigravity-pool/internal/proxyerr"
)

const (
	generatePath = "/v1internal:generateContent"
	streamPath   = "/v1internal:streamGenerateContent?alt=sse"
)

// Upstream issues Cloud Code API calls with endpoint fallback.
type Upstream struct {
	httpClient *http.Client
	endpoints  []string
}

// NewUpstream wraps the given HTTP client. The client must not set its
// own timeout; streaming responses stay open indefinitely and the
// non-streaming path applies its own deadline.
func NewUpstream(httpClient *http.Client) *Upstream {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Upstream{
		httpClient: httpClient,
		endpoints:  config.AntigravityEndpointFallbacks,
	}
}

// Generate performs a non-streaming call. Thinking models only answer
// on the streaming endpoint, so for them the SSE body is accumulated
// into a single response.
func (u *Upstream) Generate(ctx context.Context, token string, payload *Payload) (*format.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, config.NonStreamTimeout)
	defer cancel()

	if config.IsThinkingModel(payload.Model) {
		body, err := u.open(ctx, token, payload, streamPath, "text/event-stream")
		if err != nil {
			return nil, err
		}
		defer body.Close()
		resp, err := AccumulateSSE(body)
		if err != nil {
			return nil, proxyerr.Wrap(proxyerr.KindUpstream5xx, err)
		}
		return resp, nil
	}

	body, err := u.open(ctx, token, payload, generatePath, "application/json")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindUpstream5xx, err)
	}
	resp, err := format.ParseResponse(data)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindUpstream5xx, err)
	}
	return resp, nil
}

// Stream opens a streaming call and returns the SSE body. The caller
// owns the body and must close it.
func (u *Upstream) Stream(ctx context.Context, token string, payload *Payload) (io.ReadCloser, error) {
	return u.open(ctx, token, payload, streamPath, "text/event-stream")
}

// open posts the payload, walking the endpoint fallback chain on
// connection errors and 5xx responses.
func (u *Upstream) open(ctx context.Context, token string, payload *Payload, path, accept string) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindInternal, err)
	}

	var lastErr error
	for _, endpoint := range u.endpoints {
		body, err := u.post(ctx, endpoint+path, token, payload.Model, accept, data)
		if err == nil {
			return body, nil
		}
		lastErr = err

		// Client-side rejections and cancellation read the same on every
		// endpoint; everything else is worth one try on the next one.
		kind := proxyerr.KindOf(err)
		if kind == proxyerr.KindUpstreamClient || kind == proxyerr.KindCanceled {
			return nil, err
		}
		log.Debug().
			Str("endpoint", endpoint).
			Str("model", payload.Model).
			Err(err).
			Msg("endpoint failed, trying fallback")
	}
	return nil, lastErr
}

func (u *Upstream) post(ctx context.Context, url, token, model, accept string, data []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindInternal, err)
	}
	for k, v := range BuildHeaders(token, model, accept) {
		req.Header.Set(k, v)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, proxyerr.Wrap(proxyerr.KindCanceled, ctx.Err())
		}
		return nil, proxyerr.Wrap(proxyerr.KindUpstream5xx, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	return nil, classifyStatus(resp.StatusCode, resp.Header, body)
}

// classifyStatus maps an upstream HTTP failure onto an error kind the
// retry loop understands.
func classifyStatus(status int, headers http.Header, body []byte) error {
	msg := upstreamMessage(body)

	switch {
	case status == http.StatusTooManyRequests:
		e := proxyerr.New(proxyerr.KindQuotaExhausted, "quota exhausted: %s", msg).WithStatus(status)
		if reset := ParseResetTime(headers, body, time.Now()); reset != nil {
			e = e.WithResetAt(*reset)
		}
		return e
	case status == http.StatusUnauthorized:
		return proxyerr.New(proxyerr.KindAuthTransient, "unauthorized: %s", msg).WithStatus(status)
	case status == http.StatusForbidden:
		return proxyerr.New(proxyerr.KindForbidden, "forbidden: %s", msg).WithStatus(status)
	case status >= 500:
		return proxyerr.New(proxyerr.KindUpstream5xx, "upstream error %d: %s", status, msg).WithStatus(status)
	default:
		return proxyerr.New(proxyerr.KindUpstreamClient, "upstream rejected request (%d): %s", status, msg).WithStatus(status)
	}
}

// upstreamMessage digs the human-readable message out of a Google error
// body, falling back to the raw text.
func upstreamMessage(body []byte) string {
	var wrapper struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error.Message != "" {
		return wrapper.Error.Message
	}
	const limit = 512
	if len(body) > limit {
		return fmt.Sprintf("%s...", body[:limit])
	}
	return string(body)
}
