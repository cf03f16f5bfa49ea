// Package handlers implements the Anthropic-compatible HTTP endpoints and
// the credential management API.
package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/KiroProxyAPI/internal/api/middleware"
	apperrors "github.com/router-for-me/KiroProxyAPI/internal/errors"
)

// Engine executes one translated request against the upstream.
type Engine interface {
	Execute(ctx context.Context, rawJSON []byte) ([]byte, *apperrors.AppError)
	ExecuteStream(ctx context.Context, rawJSON []byte, w io.Writer) *apperrors.AppError
}

// MessagesHandler serves POST /v1/messages.
type MessagesHandler struct {
	engine Engine
}

// NewMessagesHandler wraps the request engine.
func NewMessagesHandler(engine Engine) *MessagesHandler {
	return &MessagesHandler{engine: engine}
}

// Messages handles both streaming and non-streaming chat requests.
func (h *MessagesHandler) Messages(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeAppError(c, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest,
			"failed to read request body", err))
		return
	}
	if !gjson.ValidBytes(body) {
		writeAppError(c, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest,
			"request body is not valid JSON", nil))
		return
	}

	parsed := gjson.ParseBytes(body)
	model := parsed.Get("model").String()
	if model == "" {
		writeAppError(c, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest,
			"model is required", nil))
		return
	}
	if !parsed.Get("messages").IsArray() {
		writeAppError(c, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest,
			"messages must be an array", nil))
		return
	}

	if parsed.Get("stream").Bool() {
		h.stream(c, body)
		return
	}

	resp, appErr := h.engine.Execute(c.Request.Context(), body)
	if appErr != nil {
		writeAppError(c, appErr)
		return
	}
	usage := gjson.GetBytes(resp, "usage")
	middleware.RecordTokenUsage(model, "input", int(usage.Get("input_tokens").Int()))
	middleware.RecordTokenUsage(model, "output", int(usage.Get("output_tokens").Int()))
	c.Data(http.StatusOK, "application/json", resp)
}

func (h *MessagesHandler) stream(c *gin.Context, body []byte) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	appErr := h.engine.ExecuteStream(c.Request.Context(), body, c.Writer)
	if appErr != nil {
		// No stream bytes were written, so a JSON error body is still valid.
		log.Debugf("stream request failed before start: %v", appErr)
		c.Header("Content-Type", "application/json")
		writeAppError(c, appErr)
	}
}

func writeAppError(c *gin.Context, appErr *apperrors.AppError) {
	c.Data(appErr.HTTPStatusCode, "application/json", appErr.ToAnthropicJSON())
}
