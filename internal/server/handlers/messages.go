package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/sx2000cn/antigravity-pool/internal/cloudcode"
	"github.com/sx2000cn/antigravity-pool/internal/logging"
	"github.com/sx2000cn/antigravity-pool/internal/server/sse"
	"github.com/sx2000cn/antigravity-pool/pkg/anthropic"
)

// Messages serves POST /v1/messages.
type Messages struct {
	handler *cloudcode.Handler
	log     zerolog.Logger
}

func NewMessages(handler *cloudcode.Handler) *Messages {
	return &Messages{handler: handler, log: logging.For("Messages")}
}

// Post dispatches to the streaming or non-streaming path based on the
// request's stream flag.
func (m *Messages) Post(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeInvalidRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeInvalidRequest(c, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		writeInvalidRequest(c, "messages must not be empty")
		return
	}

	if req.Stream {
		m.stream(c, &req)
		return
	}

	resp, err := m.handler.SendMessage(c.Request.Context(), &req)
	if err != nil {
		m.log.Error().Str("model", req.Model).Err(err).Msg("request failed")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// stream keeps the response uncommitted until the first upstream event,
// so account failover and the model fallback still produce a clean JSON
// error when the whole attempt chain fails.
func (m *Messages) stream(c *gin.Context, req *anthropic.MessagesRequest) {
	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		writeError(c, err)
		return
	}

	err = m.handler.StreamMessage(c.Request.Context(), req, writer.WriteEvent)
	if err == nil {
		return
	}

	m.log.Error().Str("model", req.Model).Err(err).Msg("stream failed")
	if writer.Committed() {
		// Mid-stream failures were already terminated by the handler
		// with a synthetic message_stop; just append an error frame for
		// clients that surface it.
		_ = writer.WriteError(anthropicErrorType(err), err.Error())
		return
	}
	writeError(c, err)
}
