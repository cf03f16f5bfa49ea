package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroProxyAPI/internal/config"
	"github.com/router-for-me/KiroProxyAPI/internal/credential"
)

// PostgresStore keeps credentials in one table with soft deletes. Rows with
// a non-null deleted_at are invisible to List; change detection compares the
// newest updated_at/deleted_at across polls.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore opens the database and ensures the credentials table
// exists.
func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: db, table: cfg.TableName}
	if err = store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Infof("postgres credential store ready (table %s, max connections %d)", cfg.TableName, cfg.MaxConnections)
	return store, nil
}

// Type identifies the backing for logs.
func (s *PostgresStore) Type() string { return "database" }

// Writable reports that refresh results can be persisted.
func (s *PostgresStore) Writable() bool { return true }

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// EnsureSchema creates the credentials table when absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	table := quoteIdentifier(s.table)
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id            BIGSERIAL PRIMARY KEY,
    access_token  TEXT,
    refresh_token TEXT NOT NULL,
    profile_arn   TEXT,
    expires_at    TIMESTAMPTZ,
    auth_method   VARCHAR(32) NOT NULL DEFAULT 'social',
    client_id     TEXT,
    client_secret TEXT,
    priority      INT NOT NULL DEFAULT 0,
    region        VARCHAR(32),
    machine_id    VARCHAR(64),
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    deleted_at    TIMESTAMPTZ,
    CONSTRAINT valid_auth_method CHECK (auth_method IN ('social', 'idc'))
)`, table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create credentials table: %w", err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (priority, id) WHERE deleted_at IS NULL`,
		quoteIdentifier(s.table+"_active_idx"), table)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("create credentials index: %w", err)
	}
	return nil
}

// List returns active rows ordered by priority then id.
func (s *PostgresStore) List(ctx context.Context) ([]credential.Record, error) {
	query := fmt.Sprintf(`
SELECT id, COALESCE(access_token, ''), refresh_token, COALESCE(profile_arn, ''),
       expires_at, auth_method, COALESCE(client_id, ''), COALESCE(client_secret, ''),
       priority, COALESCE(region, ''), COALESCE(machine_id, '')
FROM %s
WHERE deleted_at IS NULL
ORDER BY priority ASC, id ASC`, quoteIdentifier(s.table))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []credential.Record
	for rows.Next() {
		var rec credential.Record
		var expiresAt sql.NullTime
		if err = rows.Scan(&rec.ID, &rec.AccessToken, &rec.RefreshToken, &rec.ProfileArn,
			&expiresAt, &rec.AuthMethod, &rec.ClientID, &rec.ClientSecret,
			&rec.Priority, &rec.Region, &rec.MachineID); err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		if expiresAt.Valid {
			rec.ExpiresAt = expiresAt.Time
		}
		if err = rec.Validate(); err != nil {
			log.Warnf("skipping invalid credential row: %v", err)
			continue
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credential rows: %w", err)
	}
	return records, nil
}

// Update writes a refresh patch and bumps updated_at.
func (s *PostgresStore) Update(ctx context.Context, id int64, patch credential.Patch) error {
	query := fmt.Sprintf(`
UPDATE %s
SET access_token  = $1,
    expires_at    = $2,
    profile_arn   = COALESCE(NULLIF($3, ''), profile_arn),
    refresh_token = CASE WHEN $4 = '' THEN refresh_token ELSE $4 END,
    updated_at    = NOW()
WHERE id = $5 AND deleted_at IS NULL`, quoteIdentifier(s.table))

	result, err := s.db.ExecContext(ctx, query,
		patch.AccessToken, patch.ExpiresAt, patch.ProfileArn, patch.RefreshToken, id)
	if err != nil {
		return fmt.Errorf("update credential %d: %w", id, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("credential %d not found", id)
	}
	return nil
}

// SetPriority persists a new priority for one credential.
func (s *PostgresStore) SetPriority(ctx context.Context, id int64, priority int) error {
	query := fmt.Sprintf(`UPDATE %s SET priority = $1, updated_at = NOW() WHERE id = $2 AND deleted_at IS NULL`,
		quoteIdentifier(s.table))
	result, err := s.db.ExecContext(ctx, query, priority, id)
	if err != nil {
		return fmt.Errorf("set priority for credential %d: %w", id, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("credential %d not found", id)
	}
	return nil
}

// Delete soft-deletes one credential.
func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`UPDATE %s SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
		quoteIdentifier(s.table))
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete credential %d: %w", id, err)
	}
	return nil
}

// Fingerprint is the newest updated_at/deleted_at plus the active row count,
// so both edits and deletions are visible.
func (s *PostgresStore) Fingerprint(ctx context.Context) (string, error) {
	query := fmt.Sprintf(`
SELECT COALESCE(MAX(EXTRACT(EPOCH FROM GREATEST(updated_at, COALESCE(deleted_at, updated_at)))), 0),
       COUNT(*) FILTER (WHERE deleted_at IS NULL)
FROM %s`, quoteIdentifier(s.table))

	var maxEpoch float64
	var active int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&maxEpoch, &active); err != nil {
		return "", fmt.Errorf("fingerprint credentials: %w", err)
	}
	return fmt.Sprintf("%.6f-%d", maxEpoch, active), nil
}

// quoteIdentifier quotes a Postgres identifier, doubling embedded quotes.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
