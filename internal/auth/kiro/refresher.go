// Package kiro performs OAuth token refresh against the two Kiro identity
// dialects: the social desktop login service and the enterprise-directory
// (IdC) OIDC endpoint.
package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/router-for-me/KiroProxyAPI/internal/config"
	"github.com/router-for-me/KiroProxyAPI/internal/credential"
	"github.com/router-for-me/KiroProxyAPI/internal/network"
)

const refreshTimeout = 15 * time.Second

// Refresher implements credential.Refresher for both auth dialects.
type Refresher struct {
	httpClient    *http.Client
	defaultRegion string

	// Test seams; empty in production.
	socialBase string
	oidcBase   string
}

// NewRefresher builds a refresher using the configured outbound proxy and
// default region.
func NewRefresher(cfg *config.Config) *Refresher {
	return &Refresher{
		httpClient:    network.NewHTTPClient(cfg, refreshTimeout),
		defaultRegion: cfg.Region,
	}
}

// Refresh exchanges the record's refresh token for a fresh access token,
// dispatching on the auth method.
func (r *Refresher) Refresh(ctx context.Context, rec credential.Record) (*credential.RefreshResult, error) {
	region := rec.Region
	if region == "" {
		region = r.defaultRegion
	}
	switch rec.AuthMethod {
	case credential.AuthMethodIdC:
		return r.refreshIdC(ctx, rec, region)
	default:
		return r.refreshSocial(ctx, rec, region)
	}
}

func (r *Refresher) socialURL(region string) string {
	if r.socialBase != "" {
		return r.socialBase + "/refreshToken"
	}
	return fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", region)
}

func (r *Refresher) oidcTokenURL(region string) string {
	if r.oidcBase != "" {
		return r.oidcBase + "/token"
	}
	return fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region)
}

// refreshSocial posts {"refreshToken": ...} to the desktop login service.
// The response carries accessToken, expiresAt (or expiresIn seconds), an
// optional profileArn, and possibly a rotated refreshToken.
func (r *Refresher) refreshSocial(ctx context.Context, rec credential.Record, region string) (*credential.RefreshResult, error) {
	started := time.Now()
	body, err := json.Marshal(map[string]string{"refreshToken": rec.RefreshToken})
	if err != nil {
		return nil, fmt.Errorf("marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.socialURL(region), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("social refresh request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read social refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyRefreshStatus(resp.StatusCode, respBody)
	}

	parsed := gjson.ParseBytes(respBody)
	accessToken := parsed.Get("accessToken").String()
	if accessToken == "" {
		return nil, fmt.Errorf("social refresh response missing accessToken")
	}

	expiresAt := parseExpiry(parsed, started)
	result := &credential.RefreshResult{
		AccessToken: accessToken,
		ExpiresAt:   expiresAt,
		ProfileArn:  parsed.Get("profileArn").String(),
	}
	if rotated := parsed.Get("refreshToken").String(); rotated != "" && rotated != rec.RefreshToken {
		result.RefreshToken = rotated
	}
	log.Debugf("social refresh for credential %d ok, expires %s", rec.ID, expiresAt.Format(time.RFC3339))
	return result, nil
}

// refreshIdC runs the OAuth2 refresh-token grant against the regional OIDC
// endpoint. Client credentials go in the form body, as the endpoint expects.
func (r *Refresher) refreshIdC(ctx context.Context, rec credential.Record, region string) (*credential.RefreshResult, error) {
	conf := &oauth2.Config{
		ClientID:     rec.ClientID,
		ClientSecret: rec.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  r.oidcTokenURL(region),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: rec.RefreshToken}).Token()
	if err != nil {
		return nil, classifyOAuthError(err)
	}

	result := &credential.RefreshResult{
		AccessToken: token.AccessToken,
		ExpiresAt:   token.Expiry,
	}
	if result.ExpiresAt.IsZero() {
		result.ExpiresAt = time.Now().Add(time.Hour)
	}
	if token.RefreshToken != "" && token.RefreshToken != rec.RefreshToken {
		result.RefreshToken = token.RefreshToken
	}
	log.Debugf("idc refresh for credential %d ok, expires %s", rec.ID, result.ExpiresAt.Format(time.RFC3339))
	return result, nil
}

func parseExpiry(parsed gjson.Result, started time.Time) time.Time {
	if raw := parsed.Get("expiresAt").String(); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	if secs := parsed.Get("expiresIn").Int(); secs > 0 {
		return started.Add(time.Duration(secs) * time.Second)
	}
	return started.Add(time.Hour)
}

func classifyRefreshStatus(status int, body []byte) error {
	msg := gjson.GetBytes(body, "message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden,
		strings.Contains(strings.ToLower(msg), "invalid_grant"):
		return fmt.Errorf("%w: status %d: %s", credential.ErrAuthInvalid, status, msg)
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: status %d: %s", credential.ErrRefreshPermanent, status, msg)
	default:
		return fmt.Errorf("social refresh failed: status %d: %s", status, msg)
	}
}

func classifyOAuthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		switch {
		case status == http.StatusUnauthorized || retrieveErr.ErrorCode == "invalid_grant":
			return fmt.Errorf("%w: %s", credential.ErrAuthInvalid, retrieveErr.ErrorCode)
		case status >= 400 && status < 500:
			return fmt.Errorf("%w: status %d: %s", credential.ErrRefreshPermanent, status, retrieveErr.ErrorCode)
		}
	}
	return fmt.Errorf("idc refresh failed: %w", err)
}
