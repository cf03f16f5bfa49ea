package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/KiroProxyAPI/internal/config"
	"github.com/router-for-me/KiroProxyAPI/internal/credential"
	apperrors "github.com/router-for-me/KiroProxyAPI/internal/errors"
)

type fakeEngine struct {
	resp   []byte
	stream string
	appErr *apperrors.AppError

	lastBody []byte
}

func (f *fakeEngine) Execute(ctx context.Context, rawJSON []byte) ([]byte, *apperrors.AppError) {
	f.lastBody = rawJSON
	if f.appErr != nil {
		return nil, f.appErr
	}
	return f.resp, nil
}

func (f *fakeEngine) ExecuteStream(ctx context.Context, rawJSON []byte, w io.Writer) *apperrors.AppError {
	f.lastBody = rawJSON
	if f.appErr != nil {
		return f.appErr
	}
	_, _ = io.WriteString(w, f.stream)
	return nil
}

type memStore struct {
	records    []credential.Record
	priorities map[int64]int
}

func (m *memStore) List(ctx context.Context) ([]credential.Record, error) { return m.records, nil }

func (m *memStore) Update(ctx context.Context, id int64, patch credential.Patch) error { return nil }

func (m *memStore) Fingerprint(ctx context.Context) (string, error) { return "mem", nil }

func (m *memStore) SetPriority(ctx context.Context, id int64, priority int) error {
	if m.priorities == nil {
		m.priorities = make(map[int64]int)
	}
	m.priorities[id] = priority
	return nil
}

type noopRefresher struct{}

func (noopRefresher) Refresh(ctx context.Context, rec credential.Record) (*credential.RefreshResult, error) {
	return &credential.RefreshResult{AccessToken: "t", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func newTestServer(t *testing.T, engine *fakeEngine) (*httptest.Server, *memStore) {
	t.Helper()
	store := &memStore{records: []credential.Record{
		{ID: 1, RefreshToken: "rt", AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour)},
	}}
	pool := credential.NewPool(store, noopRefresher{})
	require.NoError(t, pool.Load(context.Background()))

	cfg := &config.Config{
		Host:        "127.0.0.1",
		Port:        0,
		APIKey:      "secret",
		AdminAPIKey: "admin-secret",
		Region:      "us-east-1",
	}
	s := NewServer(cfg, engine, pool, store)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func doJSON(t *testing.T, method, url, apiKey, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

const validRequest = `{"model":"claude-sonnet-4-20250514","max_tokens":16,"messages":[{"role":"user","content":"ping"}]}`

func TestAuth_MissingAndWrongKey(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{})

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/messages", "", validRequest)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := readBody(t, resp)
	assert.Equal(t, "authentication_error", gjson.Get(body, "error.type").String())

	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/messages", "wrong", validRequest)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = readBody(t, resp)
}

func TestAuth_BearerAccepted(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{resp: []byte(`{"ok":true}`)})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/messages", strings.NewReader(validRequest))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = readBody(t, resp)
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{})
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Equal(t, "ok", gjson.Get(body, "status").String())
	assert.Equal(t, int64(1), gjson.Get(body, "credentials").Int())
}

func TestModels(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{})
	resp := doJSON(t, http.MethodGet, srv.URL+"/v1/models", "secret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	models := gjson.Get(body, "data").Array()
	require.Len(t, models, 3)
	assert.Equal(t, "claude-sonnet-4-5-20250929", models[0].Get("id").String())
	assert.False(t, gjson.Get(body, "has_more").Bool())
}

func TestMessages_NonStreaming(t *testing.T) {
	engine := &fakeEngine{resp: []byte(`{"type":"message","usage":{"input_tokens":1,"output_tokens":2}}`)}
	srv, _ := newTestServer(t, engine)

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/messages", "secret", validRequest)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
	body := readBody(t, resp)
	assert.Equal(t, "message", gjson.Get(body, "type").String())
	assert.JSONEq(t, validRequest, string(engine.lastBody))
}

func TestMessages_Streaming(t *testing.T) {
	engine := &fakeEngine{stream: "event: message_start\ndata: {\"type\":\"message_start\"}\n\n"}
	srv, _ := newTestServer(t, engine)

	streaming := `{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/messages", "secret", streaming)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	assert.Contains(t, readBody(t, resp), "event: message_start")
}

func TestMessages_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{})

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/messages", "secret", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = readBody(t, resp)

	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/messages", "secret", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = readBody(t, resp)

	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/messages", "secret", `{"model":"m"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := readBody(t, resp)
	assert.Equal(t, "invalid_request_error", gjson.Get(body, "error.type").String())
}

func TestMessages_UpstreamErrorRendered(t *testing.T) {
	engine := &fakeEngine{appErr: apperrors.New(http.StatusServiceUnavailable,
		apperrors.CodeUpstreamUnavailable, "all upstream credentials exhausted", nil)}
	srv, _ := newTestServer(t, engine)

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/messages", "secret", validRequest)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := readBody(t, resp)
	assert.Equal(t, "overloaded_error", gjson.Get(body, "error.type").String())
}

func TestMessages_GzipRequestBody(t *testing.T) {
	engine := &fakeEngine{resp: []byte(`{"type":"message"}`)}
	srv, _ := newTestServer(t, engine)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(validRequest))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/messages", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("x-api-key", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = readBody(t, resp)
	assert.JSONEq(t, validRequest, string(engine.lastBody))
}

func TestCountTokens_LocalEstimate(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{})

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/messages/count_tokens", "secret", validRequest)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Greater(t, gjson.Get(body, "input_tokens").Int(), int64(0))
}

func TestAdmin_RequiresOwnKey(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{})

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/admin/credentials", "secret", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "client key is not the admin key")
	_ = readBody(t, resp)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/admin/credentials", "admin-secret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	creds := gjson.Get(body, "credentials").Array()
	require.Len(t, creds, 1)
	assert.Equal(t, int64(1), creds[0].Get("id").Int())
	assert.False(t, gjson.Get(body, "credentials.0.refreshToken").Exists(), "secrets never leave the admin API")
}

func TestAdmin_DisableAndReset(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{})

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/admin/credentials/1/disabled", "admin-secret", `{"disabled":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = readBody(t, resp)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/admin/credentials", "admin-secret", "")
	body := readBody(t, resp)
	assert.True(t, gjson.Get(body, "credentials.0.disabled").Bool())

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/admin/credentials/1/reset", "admin-secret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = readBody(t, resp)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/admin/credentials", "admin-secret", "")
	body = readBody(t, resp)
	assert.False(t, gjson.Get(body, "credentials.0.disabled").Bool())
}

func TestAdmin_SetPriorityPersists(t *testing.T) {
	srv, store := newTestServer(t, &fakeEngine{})

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/admin/credentials/1/priority", "admin-secret", `{"priority":5}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = readBody(t, resp)
	assert.Equal(t, 5, store.priorities[1])
}

func TestAdmin_UnknownCredential(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{})

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/admin/credentials/99/disabled", "admin-secret", `{"disabled":true}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := readBody(t, resp)
	assert.Equal(t, "not_found_error", gjson.Get(body, "error.type").String())
}
