// Package credential manages the pool of upstream Kiro accounts: live
// records, single-flight token refresh, failure accounting, and hot reload
// from the backing store.
package credential

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Auth dialects. Social accounts refresh against the desktop login service;
// IdC accounts use the enterprise-directory OIDC endpoint.
const (
	AuthMethodSocial = "social"
	AuthMethodIdC    = "idc"
)

var machineIDPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Record is one upstream account as persisted by the store. Runtime state
// (failure counters, disable windows) lives on the pool, never here.
type Record struct {
	ID           int64     `json:"id"`
	RefreshToken string    `json:"refreshToken"`
	AccessToken  string    `json:"accessToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	ProfileArn   string    `json:"profileArn,omitempty"`
	AuthMethod   string    `json:"authMethod,omitempty"`
	ClientID     string    `json:"clientId,omitempty"`
	ClientSecret string    `json:"clientSecret,omitempty"`
	Priority     int       `json:"priority,omitempty"`
	Region       string    `json:"region,omitempty"`
	MachineID    string    `json:"machineId,omitempty"`
}

// Validate checks the persisted-field invariants.
func (r Record) Validate() error {
	if r.RefreshToken == "" {
		return fmt.Errorf("credential %d: refreshToken is required", r.ID)
	}
	switch r.AuthMethod {
	case "", AuthMethodSocial:
	case AuthMethodIdC:
		if r.ClientID == "" || r.ClientSecret == "" {
			return fmt.Errorf("credential %d: clientId and clientSecret are required for idc auth", r.ID)
		}
	default:
		return fmt.Errorf("credential %d: unknown authMethod %q", r.ID, r.AuthMethod)
	}
	if r.MachineID != "" && !machineIDPattern.MatchString(r.MachineID) {
		return fmt.Errorf("credential %d: machineId must be 64 lowercase hex characters", r.ID)
	}
	return nil
}

// Expired reports whether the access token is missing or expires within the
// safety margin of now.
func (r Record) Expired(now time.Time, margin time.Duration) bool {
	if r.AccessToken == "" {
		return true
	}
	return !r.ExpiresAt.After(now.Add(margin))
}

// Patch is the set of fields a refresh may write back to the store. An empty
// RefreshToken means the stored one is unchanged.
type Patch struct {
	AccessToken  string
	ExpiresAt    time.Time
	ProfileArn   string
	RefreshToken string
}

// RefreshResult is the normalized outcome of either refresh dialect.
// RefreshToken is set only when the upstream rotated it.
type RefreshResult struct {
	AccessToken  string
	ExpiresAt    time.Time
	ProfileArn   string
	RefreshToken string
}

// Refresh error classes. Anything not matching these sentinels is treated as
// transient (network, 5xx).
var (
	// ErrAuthInvalid marks a 401 or invalid_grant: the refresh token itself
	// was rejected and the credential must be disabled.
	ErrAuthInvalid = errors.New("refresh token rejected")
	// ErrRefreshPermanent marks a non-auth 4xx: retrying will not help, but
	// the credential is not necessarily dead.
	ErrRefreshPermanent = errors.New("refresh request rejected")
)

// Refresher exchanges a refresh token for a fresh access token.
type Refresher interface {
	Refresh(ctx context.Context, rec Record) (*RefreshResult, error)
}

// Store is the persistence capability set the pool depends on.
type Store interface {
	// List returns all non-deleted credentials, priority ascending then id
	// ascending.
	List(ctx context.Context) ([]Record, error)
	// Update atomically applies a refresh patch to one credential.
	Update(ctx context.Context, id int64, patch Patch) error
	// Fingerprint returns a value that changes iff the credential set
	// changed since the previous call.
	Fingerprint(ctx context.Context) (string, error)
}
