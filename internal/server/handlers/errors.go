// Package handlers implements the HTTP endpoints of the proxy.
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/sx2000cn/antigravity-pool/internal/proxyerr"
	"github.com/sx2000cn/antigravity-pool/pkg/anthropic"
)

// anthropicErrorType maps an internal error kind to the error type
// vocabulary Anthropic clients understand.
func anthropicErrorType(err error) string {
	switch proxyerr.KindOf(err) {
	case proxyerr.KindQuotaExhausted:
		return "rate_limit_error"
	case proxyerr.KindAuthInvalidGrant, proxyerr.KindAuthTransient:
		return "authentication_error"
	case proxyerr.KindForbidden:
		return "permission_error"
	case proxyerr.KindUpstreamClient:
		return "invalid_request_error"
	case proxyerr.KindUpstream5xx, proxyerr.KindEmptyResponse:
		return "api_error"
	default:
		return "api_error"
	}
}

// writeError renders err as Anthropic-shaped error JSON with the
// matching HTTP status.
func writeError(c *gin.Context, err error) {
	c.JSON(proxyerr.HTTPStatus(err), anthropic.NewErrorResponse(anthropicErrorType(err), err.Error()))
}

// writeInvalidRequest renders a 400 with the given message.
func writeInvalidRequest(c *gin.Context, message string) {
	c.JSON(400, anthropic.NewErrorResponse("invalid_request_error", message))
}
