package handlers

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/tiktoken-go/tokenizer"

	"github.com/router-for-me/KiroProxyAPI/internal/config"
	apperrors "github.com/router-for-me/KiroProxyAPI/internal/errors"
)

// TokensHandler serves POST /v1/messages/count_tokens. When a delegate URL is
// configured the request is forwarded; otherwise the count is a local
// estimate.
type TokensHandler struct {
	cfg    *config.Config
	client *http.Client
}

// NewTokensHandler builds the handler; the client is only used for the
// delegate path.
func NewTokensHandler(cfg *config.Config) *TokensHandler {
	return &TokensHandler{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// CountTokens responds with {"input_tokens": n}.
func (h *TokensHandler) CountTokens(c *gin.Context) {
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

	if h.cfg.CountTokensAPIURL != "" {
		if h.delegate(c, body) {
			return
		}
		// Delegate failed; fall through to the local estimate.
	}

	count, err := estimateTokens(body)
	if err != nil {
		writeAppError(c, apperrors.New(http.StatusInternalServerError, apperrors.CodeAPIError,
			"token counting failed", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": count})
}

// delegate forwards the count to the configured external service. It returns
// false when the delegate is unreachable so the caller can fall back.
func (h *TokensHandler) delegate(c *gin.Context, body []byte) bool {
	// Counting endpoints reject generation-only fields.
	for _, field := range []string{"stream", "max_tokens"} {
		body, _ = sjson.DeleteBytes(body, field)
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost,
		h.cfg.CountTokensAPIURL, bytes.NewReader(body))
	if err != nil {
		log.Warnf("count_tokens delegate request build failed: %v", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", c.GetHeader("anthropic-version"))
	if h.cfg.CountTokensAPIKey != "" {
		if strings.EqualFold(h.cfg.CountTokensAuthType, "bearer") {
			req.Header.Set("Authorization", "Bearer "+h.cfg.CountTokensAPIKey)
		} else {
			req.Header.Set("x-api-key", h.cfg.CountTokensAPIKey)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		log.Warnf("count_tokens delegate unreachable: %v", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		log.Warnf("count_tokens delegate read failed: %v", err)
		return false
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, out)
	return true
}

// estimateTokens approximates the Anthropic prompt token count with the
// o200k encoding over the textual content of the request.
func estimateTokens(body []byte) (int, error) {
	enc, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		return 0, err
	}

	root := gjson.ParseBytes(body)
	var segments []string

	appendText := func(v gjson.Result) {
		switch {
		case v.Type == gjson.String:
			segments = append(segments, v.String())
		case v.IsArray():
			for _, item := range v.Array() {
				if text := item.Get("text").String(); text != "" {
					segments = append(segments, text)
				}
				if text := item.Get("content").String(); text != "" {
					segments = append(segments, text)
				}
			}
		}
	}

	appendText(root.Get("system"))
	for _, msg := range root.Get("messages").Array() {
		appendText(msg.Get("content"))
	}
	for _, tool := range root.Get("tools").Array() {
		segments = append(segments, tool.Get("name").String(), tool.Get("description").String())
		if schema := tool.Get("input_schema"); schema.Exists() {
			segments = append(segments, schema.Raw)
		}
	}

	joined := strings.TrimSpace(strings.Join(segments, "\n"))
	if joined == "" {
		return 0, nil
	}
	count, err := enc.Count(joined)
	if err != nil {
		return 0, err
	}
	// Per-message framing overhead the plain text count misses.
	count += 3 * len(root.Get("messages").Array())
	return count, nil
}
