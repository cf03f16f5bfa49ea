package credential

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Pool defaults; overridable through options.
const (
	defaultRefreshMargin    = 60 * time.Second
	defaultDisableThreshold = 3
	disableBackoffBase      = 30 * time.Second
	disableBackoffCap       = 10 * time.Minute
	// authInvalidDisable parks a credential whose refresh token was
	// rejected; only a refresh-token change in the store revives it sooner.
	authInvalidDisable = 24 * time.Hour
)

var (
	// ErrNoCredentials means the pool is empty or everything is disabled.
	ErrNoCredentials = errors.New("no usable credentials")
	// ErrNotFound means the credential left the pool (store deletion).
	ErrNotFound = errors.New("credential not found")
	// ErrDisabled means the credential is inside a disable window.
	ErrDisabled = errors.New("credential disabled")
)

// Outcome is the orchestrator's per-attempt verdict fed back to the pool.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomeAuthInvalid
	OutcomeRejected
)

// Lease is a short-lived snapshot of one credential, valid for a single
// upstream attempt.
type Lease struct {
	ID     int64
	Record Record
}

// Snapshot is the sanitized runtime view used by the management API.
type Snapshot struct {
	ID                  int64     `json:"id"`
	AuthMethod          string    `json:"authMethod"`
	Priority            int       `json:"priority"`
	Region              string    `json:"region,omitempty"`
	ProfileArn          string    `json:"profileArn,omitempty"`
	TokenValid          bool      `json:"tokenValid"`
	ExpiresAt           time.Time `json:"expiresAt,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Disabled            bool      `json:"disabled"`
	DisabledUntil       time.Time `json:"disabledUntil,omitempty"`
}

// entry wraps one live credential with its runtime state. Token writes hold
// the entry mutex, never the pool lock.
type entry struct {
	mu                  sync.Mutex
	rec                 Record
	consecutiveFailures int
	disabledUntil       time.Time
	forceRefresh        bool
}

// Pool owns the live credential map. Structural changes (sync diff, disable)
// take the write lock; acquire and list take the read lock.
type Pool struct {
	mu      sync.RWMutex
	entries map[int64]*entry

	store     Store
	refresher Refresher
	group     singleflight.Group

	refreshMargin    time.Duration
	disableThreshold int
	syncInterval     time.Duration
	now              func() time.Time

	fingerprintMu   sync.Mutex
	lastFingerprint string

	kick chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithRefreshMargin sets how close to expiry a token may get before acquire
// refreshes it.
func WithRefreshMargin(d time.Duration) Option {
	return func(p *Pool) { p.refreshMargin = d }
}

// WithDisableThreshold sets the consecutive-failure count that disables a
// credential.
func WithDisableThreshold(n int) Option {
	return func(p *Pool) { p.disableThreshold = n }
}

// WithSyncInterval sets the hot-reload poll interval; zero disables polling.
func WithSyncInterval(d time.Duration) Option {
	return func(p *Pool) { p.syncInterval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// NewPool builds an empty pool; call Load before serving.
func NewPool(store Store, refresher Refresher, opts ...Option) *Pool {
	p := &Pool{
		entries:          make(map[int64]*entry),
		store:            store,
		refresher:        refresher,
		refreshMargin:    defaultRefreshMargin,
		disableThreshold: defaultDisableThreshold,
		now:              time.Now,
		kick:             make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load populates the pool from the store.
func (p *Pool) Load(ctx context.Context) error {
	records, err := p.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	fp, err := p.store.Fingerprint(ctx)
	if err != nil {
		return fmt.Errorf("fingerprint credentials: %w", err)
	}

	p.mu.Lock()
	for _, rec := range records {
		p.entries[rec.ID] = &entry{rec: rec}
	}
	p.mu.Unlock()

	p.fingerprintMu.Lock()
	p.lastFingerprint = fp
	p.fingerprintMu.Unlock()

	log.Infof("credential pool loaded %d credential(s)", len(records))
	return nil
}

// Size returns the number of live credentials.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Candidates returns credential ids in selection order (priority ascending,
// id ascending), skipping entries inside a disable window.
func (p *Pool) Candidates() []int64 {
	now := p.now()

	p.mu.RLock()
	type cand struct {
		id       int64
		priority int
	}
	cands := make([]cand, 0, len(p.entries))
	for id, e := range p.entries {
		e.mu.Lock()
		disabled := e.disabledUntil.After(now)
		priority := e.rec.Priority
		e.mu.Unlock()
		if disabled {
			continue
		}
		cands = append(cands, cand{id: id, priority: priority})
	}
	p.mu.RUnlock()

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].priority != cands[j].priority {
			return cands[i].priority < cands[j].priority
		}
		return cands[i].id < cands[j].id
	})
	ids := make([]int64, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	return ids
}

// Acquire returns a lease on the given credential, refreshing its access
// token first when missing, near expiry, or flagged by an auth failure.
// Concurrent acquirers share a single refresh per credential.
func (p *Pool) Acquire(ctx context.Context, id int64) (*Lease, error) {
	e := p.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	now := p.now()
	e.mu.Lock()
	if e.disabledUntil.After(now) {
		until := e.disabledUntil
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %d until %s", ErrDisabled, id, until.Format(time.RFC3339))
	}
	need := e.forceRefresh || e.rec.Expired(now, p.refreshMargin)
	rec := e.rec
	e.mu.Unlock()

	if !need {
		return &Lease{ID: id, Record: rec}, nil
	}

	v, err, _ := p.group.Do(strconv.FormatInt(id, 10), func() (any, error) {
		return p.refreshEntry(ctx, e)
	})
	if err != nil {
		if errors.Is(err, ErrAuthInvalid) {
			p.disableAuthInvalid(e)
		}
		return nil, err
	}
	return &Lease{ID: id, Record: v.(Record)}, nil
}

// refreshEntry performs the actual refresh under singleflight. A double
// check catches waiters whose token was already renewed.
func (p *Pool) refreshEntry(ctx context.Context, e *entry) (Record, error) {
	e.mu.Lock()
	rec := e.rec
	need := e.forceRefresh || rec.Expired(p.now(), p.refreshMargin)
	e.mu.Unlock()
	if !need {
		return rec, nil
	}

	result, err := p.refresher.Refresh(ctx, rec)
	if err != nil {
		return Record{}, fmt.Errorf("refresh credential %d: %w", rec.ID, err)
	}

	e.mu.Lock()
	e.rec.AccessToken = result.AccessToken
	e.rec.ExpiresAt = result.ExpiresAt
	if result.ProfileArn != "" {
		e.rec.ProfileArn = result.ProfileArn
	}
	if result.RefreshToken != "" {
		e.rec.RefreshToken = result.RefreshToken
	}
	e.forceRefresh = false
	rec = e.rec
	e.mu.Unlock()

	patch := Patch{
		AccessToken:  result.AccessToken,
		ExpiresAt:    result.ExpiresAt,
		ProfileArn:   result.ProfileArn,
		RefreshToken: result.RefreshToken,
	}
	if err = p.store.Update(ctx, rec.ID, patch); err != nil {
		// The in-memory token is still good; persistence catches up on the
		// next refresh.
		log.Errorf("persist refreshed token for credential %d: %v", rec.ID, err)
	}

	log.Debugf("credential %d refreshed, expires %s", rec.ID, rec.ExpiresAt.Format(time.RFC3339))
	return rec, nil
}

func (p *Pool) disableAuthInvalid(e *entry) {
	now := p.now()
	e.mu.Lock()
	e.consecutiveFailures = p.disableThreshold
	e.disabledUntil = now.Add(authInvalidDisable)
	id := e.rec.ID
	e.mu.Unlock()
	log.Warnf("credential %d disabled: refresh token rejected", id)
}

// Report feeds one attempt outcome back into failure accounting.
func (p *Pool) Report(id int64, outcome Outcome) {
	e := p.lookup(id)
	if e == nil {
		return
	}
	now := p.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	switch outcome {
	case OutcomeSuccess:
		e.consecutiveFailures = 0
		e.disabledUntil = time.Time{}
		return
	case OutcomeAuthInvalid:
		e.forceRefresh = true
		e.consecutiveFailures++
	case OutcomeTransient, OutcomeRejected:
		e.consecutiveFailures++
	}
	if e.consecutiveFailures >= p.disableThreshold {
		backoff := disableBackoff(e.consecutiveFailures - p.disableThreshold)
		e.disabledUntil = now.Add(backoff)
		log.Warnf("credential %d disabled for %s after %d consecutive failures",
			id, backoff, e.consecutiveFailures)
	}
}

// disableBackoff grows geometrically per disable episode, capped.
func disableBackoff(episode int) time.Duration {
	d := disableBackoffBase
	for i := 0; i < episode; i++ {
		d *= 2
		if d >= disableBackoffCap {
			return disableBackoffCap
		}
	}
	return d
}

// SetDisabled manually disables or re-enables one credential.
func (p *Pool) SetDisabled(id int64, disabled bool) error {
	e := p.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if disabled {
		e.disabledUntil = p.now().Add(authInvalidDisable)
	} else {
		e.disabledUntil = time.Time{}
		e.consecutiveFailures = 0
	}
	return nil
}

// ResetFailures clears runtime failure state for one credential.
func (p *Pool) ResetFailures(id int64) error {
	e := p.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	e.mu.Lock()
	e.consecutiveFailures = 0
	e.disabledUntil = time.Time{}
	e.forceRefresh = false
	e.mu.Unlock()
	return nil
}

// Snapshots returns the sanitized pool state in selection order.
func (p *Pool) Snapshots() []Snapshot {
	now := p.now()

	p.mu.RLock()
	snaps := make([]Snapshot, 0, len(p.entries))
	for _, e := range p.entries {
		e.mu.Lock()
		snaps = append(snaps, Snapshot{
			ID:                  e.rec.ID,
			AuthMethod:          orSocial(e.rec.AuthMethod),
			Priority:            e.rec.Priority,
			Region:              e.rec.Region,
			ProfileArn:          e.rec.ProfileArn,
			TokenValid:          !e.rec.Expired(now, 0),
			ExpiresAt:           e.rec.ExpiresAt,
			ConsecutiveFailures: e.consecutiveFailures,
			Disabled:            e.disabledUntil.After(now),
			DisabledUntil:       e.disabledUntil,
		})
		e.mu.Unlock()
	}
	p.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].Priority != snaps[j].Priority {
			return snaps[i].Priority < snaps[j].Priority
		}
		return snaps[i].ID < snaps[j].ID
	})
	return snaps
}

func orSocial(method string) string {
	if method == "" {
		return AuthMethodSocial
	}
	return method
}

func (p *Pool) lookup(id int64) *entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries[id]
}

// Kick schedules an immediate sync pass (file watcher, admin edits).
func (p *Pool) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// SyncLoop reconciles the pool with the store until ctx is done. With a zero
// interval it only reacts to Kick.
func (p *Pool) SyncLoop(ctx context.Context) {
	var tick <-chan time.Time
	if p.syncInterval > 0 {
		ticker := time.NewTicker(p.syncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-p.kick:
		}
		if err := p.Sync(ctx); err != nil {
			log.Errorf("credential sync: %v", err)
		}
	}
}

// Sync applies one reconcile pass: skip when the store fingerprint is
// unchanged, otherwise diff the listing into the live map. Runtime state
// survives updates unless the refresh token changed.
func (p *Pool) Sync(ctx context.Context) error {
	fp, err := p.store.Fingerprint(ctx)
	if err != nil {
		return fmt.Errorf("fingerprint credentials: %w", err)
	}

	p.fingerprintMu.Lock()
	unchanged := fp == p.lastFingerprint
	p.fingerprintMu.Unlock()
	if unchanged {
		return nil
	}

	records, err := p.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}

	added, removed, updated := 0, 0, 0
	p.mu.Lock()
	seen := make(map[int64]bool, len(records))
	for _, rec := range records {
		seen[rec.ID] = true
		e, ok := p.entries[rec.ID]
		if !ok {
			p.entries[rec.ID] = &entry{rec: rec}
			added++
			continue
		}
		e.mu.Lock()
		tokenChanged := e.rec.RefreshToken != rec.RefreshToken
		// Keep a fresher in-memory access token over stale store data.
		if !tokenChanged && e.rec.ExpiresAt.After(rec.ExpiresAt) {
			rec.AccessToken = e.rec.AccessToken
			rec.ExpiresAt = e.rec.ExpiresAt
			if rec.ProfileArn == "" {
				rec.ProfileArn = e.rec.ProfileArn
			}
		}
		e.rec = rec
		if tokenChanged {
			e.consecutiveFailures = 0
			e.disabledUntil = time.Time{}
			e.forceRefresh = false
		}
		e.mu.Unlock()
		updated++
	}
	for id := range p.entries {
		if !seen[id] {
			delete(p.entries, id)
			removed++
		}
	}
	p.mu.Unlock()

	p.fingerprintMu.Lock()
	p.lastFingerprint = fp
	p.fingerprintMu.Unlock()

	log.Infof("credential sync applied: %d added, %d removed, %d updated", added, removed, updated)
	return nil
}
