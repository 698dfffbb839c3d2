package cloudcode

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/format"
	"github.com/sx2000cn/antigravity-pool/internal/pool"
	"github.com/sx2000cn/antigravity-pool/internal/proxyerr"
	"github.com/sx2000cn/antigravity-pool/pkg/anthropic"
)

// Handler fulfills Anthropic Messages requests against the Cloud Code
// backend, rotating through pooled accounts on failure.
type Handler struct {
	pool     *pool.Pool
	conv     *format.Converter
	upstream *Upstream
	cfg      *config.Config
}

func NewHandler(p *pool.Pool, conv *format.Converter, upstream *Upstream, cfg *config.Config) *Handler {
	return &Handler{pool: p, conv: conv, upstream: upstream, cfg: cfg}
}

// emptyRetryBackoff returns the delay before the nth empty-response
// retry: 500ms doubling per attempt.
func emptyRetryBackoff(n int) time.Duration {
	return 500 * time.Millisecond << n
}

// SendMessage handles a non-streaming request.
func (h *Handler) SendMessage(ctx context.Context, req *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
	return h.sendWithModel(ctx, req, req.Model, h.cfg.FallbackEnabled)
}

func (h *Handler) sendWithModel(ctx context.Context, req *anthropic.MessagesRequest, model string, allowFallback bool) (*anthropic.MessagesResponse, error) {
	it := h.pool.NextPlan(pool.Request{ModelID: model, MaxAttempts: h.cfg.MaxAttempts})

	var lastErr error
	all5xx := true
	emptyRetries := 0

	for {
		plan, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if plan == nil {
			break
		}

		resp, err := h.tryPlan(ctx, req, plan, &emptyRetries)
		if err == nil {
			h.pool.RecordOutcome(plan, nil)
			return resp, nil
		}

		kind := proxyerr.KindOf(err)
		if kind == proxyerr.KindCanceled || kind == proxyerr.KindUpstreamClient {
			return nil, err
		}

		h.pool.RecordOutcome(plan, err)
		if !proxyerr.Is5xx(err) {
			all5xx = false
		}
		lastErr = err
		log.Warn().
			Str("account", plan.Email).
			Str("model", plan.ModelID).
			Int("attempt", plan.Attempt).
			Err(err).
			Msg("attempt failed, moving to next account")
	}

	if fallback, ok := h.fallbackModel(model, allowFallback, all5xx, lastErr); ok {
		log.Info().Str("from", model).Str("to", fallback).Msg("all accounts returned server errors, switching to fallback model")
		return h.sendWithModel(ctx, req, fallback, false)
	}

	if lastErr == nil {
		lastErr = proxyerr.New(proxyerr.KindQuotaExhausted, "no account currently available for %s", model)
	}
	return nil, lastErr
}

// tryPlan runs one account's attempt, including the retries that stay
// on the same account: one extra try after a 5xx, a token refresh after
// an auth failure, and backed-off retries after empty responses.
func (h *Handler) tryPlan(ctx context.Context, req *anthropic.MessagesRequest, plan *pool.RequestPlan, emptyRetries *int) (*anthropic.MessagesResponse, error) {
	wireReq := *req
	wireReq.Model = plan.ModelID

	token := plan.Token
	serverRetries := 0
	authRetried := false

	for {
		payload := BuildPayload(h.conv, &wireReq, plan.ProjectID)

		resp, err := h.upstream.Generate(ctx, token, payload)
		if err == nil {
			if isEmptyResponse(resp) {
				err = proxyerr.New(proxyerr.KindEmptyResponse, "upstream returned no content")
			} else {
				return h.conv.ToAnthropicResponse(resp, req.Model), nil
			}
		}

		retry, rerr := h.retrySameAccount(ctx, plan, err, &token, &serverRetries, &authRetried, emptyRetries)
		if rerr != nil {
			return nil, rerr
		}
		if !retry {
			return nil, err
		}
	}
}

// retrySameAccount decides whether a failure is worth another try on the
// same account, refreshing the token or sleeping as needed. It returns
// (false, nil) when the caller should give up on this account and
// surface err, or a non-nil error to replace it.
func (h *Handler) retrySameAccount(ctx context.Context, plan *pool.RequestPlan, err error, token *string, serverRetries *int, authRetried *bool, emptyRetries *int) (bool, error) {
	switch proxyerr.KindOf(err) {
	case proxyerr.KindUpstream5xx:
		if *serverRetries < config.Max5xxRetriesSameAccount {
			*serverRetries++
			log.Debug().Str("account", plan.Email).Err(err).Msg("server error, retrying on same account")
			return true, nil
		}
		return false, nil

	case proxyerr.KindEmptyResponse:
		if *emptyRetries < h.cfg.MaxEmptyRetries {
			delay := emptyRetryBackoff(*emptyRetries)
			*emptyRetries++
			log.Debug().Str("account", plan.Email).Dur("delay", delay).Msg("empty response, retrying after backoff")
			if serr := sleepCtx(ctx, delay); serr != nil {
				return false, serr
			}
			return true, nil
		}
		return false, nil

	case proxyerr.KindAuthTransient, proxyerr.KindForbidden:
		if !*authRetried {
			*authRetried = true
			h.pool.InvalidateToken(plan.Email)
			fresh, terr := h.pool.TokenForAccount(ctx, plan.Email)
			if terr != nil {
				return false, terr
			}
			*token = fresh
			log.Debug().Str("account", plan.Email).Msg("auth failure, retrying with refreshed token")
			return true, nil
		}
		// Still rejected with a fresh token: the account has lost access.
		return false, proxyerr.Wrap(proxyerr.KindForbidden, err)

	default:
		return false, nil
	}
}

// StreamMessage handles a streaming request. It returns an error only
// when nothing was emitted; once bytes have reached the client the
// stream is closed with a synthetic error tail instead of retried.
func (h *Handler) StreamMessage(ctx context.Context, req *anthropic.MessagesRequest, emit EmitFunc) error {
	return h.streamWithModel(ctx, req, req.Model, h.cfg.FallbackEnabled, emit)
}

func (h *Handler) streamWithModel(ctx context.Context, req *anthropic.MessagesRequest, model string, allowFallback bool, emit EmitFunc) error {
	it := h.pool.NextPlan(pool.Request{ModelID: model, MaxAttempts: h.cfg.MaxAttempts})

	var lastErr error
	all5xx := true
	emptyRetries := 0

	for {
		plan, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if plan == nil {
			break
		}

		sent, err := h.streamPlan(ctx, req, plan, &emptyRetries, emit)
		if err == nil {
			h.pool.RecordOutcome(plan, nil)
			return nil
		}
		if sent {
			// The client already received a partial stream and the
			// synthetic close. Nothing more can be written.
			h.pool.RecordOutcome(plan, err)
			log.Warn().Str("account", plan.Email).Err(err).Msg("stream aborted after partial output")
			return nil
		}

		kind := proxyerr.KindOf(err)
		if kind == proxyerr.KindCanceled || kind == proxyerr.KindUpstreamClient {
			return err
		}

		h.pool.RecordOutcome(plan, err)
		if !proxyerr.Is5xx(err) {
			all5xx = false
		}
		lastErr = err
		log.Warn().
			Str("account", plan.Email).
			Str("model", plan.ModelID).
			Int("attempt", plan.Attempt).
			Err(err).
			Msg("stream attempt failed, moving to next account")
	}

	if fallback, ok := h.fallbackModel(model, allowFallback, all5xx, lastErr); ok {
		log.Info().Str("from", model).Str("to", fallback).Msg("all accounts returned server errors, switching to fallback model")
		return h.streamWithModel(ctx, req, fallback, false, emit)
	}

	if lastErr == nil {
		lastErr = proxyerr.New(proxyerr.KindQuotaExhausted, "no account currently available for %s", model)
	}
	return lastErr
}

func (h *Handler) streamPlan(ctx context.Context, req *anthropic.MessagesRequest, plan *pool.RequestPlan, emptyRetries *int, emit EmitFunc) (bool, error) {
	wireReq := *req
	wireReq.Model = plan.ModelID

	token := plan.Token
	serverRetries := 0
	authRetried := false

	for {
		payload := BuildPayload(h.conv, &wireReq, plan.ProjectID)

		body, err := h.upstream.Stream(ctx, token, payload)
		if err == nil {
			var sent bool
			sent, err = StreamEvents(ctx, body, req.Model, h.conv.Cache(), emit)
			body.Close()
			if err == nil {
				return true, nil
			}
			if sent {
				return true, err
			}
		}

		retry, rerr := h.retrySameAccount(ctx, plan, err, &token, &serverRetries, &authRetried, emptyRetries)
		if rerr != nil {
			return false, rerr
		}
		if !retry {
			return false, err
		}
	}
}

// fallbackModel reports the model to restart with when every account
// failed with a server error and fallback is enabled.
func (h *Handler) fallbackModel(model string, allowFallback, all5xx bool, lastErr error) (string, bool) {
	if !allowFallback || !all5xx || lastErr == nil {
		return "", false
	}
	return config.GetFallbackModel(model)
}

func isEmptyResponse(resp *format.Response) bool {
	candidates, _ := resp.Unwrap()
	for _, cand := range candidates {
		if cand.Content != nil && len(cand.Content.Parts) > 0 {
			return false
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return proxyerr.Wrap(proxyerr.KindCanceled, ctx.Err())
	case <-timer.C:
		return nil
	}
}
