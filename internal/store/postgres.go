package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("credential record not found")

const saltBytes = 32

// Postgres persists credential records in the credentials table.
// Upsert is atomic per user via INSERT ... ON CONFLICT; callers are
// expected to hold the engine's per-user lock so that read-modify-write
// cycles for one user never interleave.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const recordColumns = `user_id, username, status, secret, generation, failure_count, last_event_at, created_at, updated_at`

func (s *Postgres) Get(ctx context.Context, userID int64) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM credentials WHERE user_id = $1`, userID)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get credential %d: %w", userID, err)
	}
	return rec, nil
}

func (s *Postgres) Upsert(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (user_id, username, status, secret, generation, failure_count, last_event_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			username      = EXCLUDED.username,
			status        = EXCLUDED.status,
			secret        = EXCLUDED.secret,
			generation    = EXCLUDED.generation,
			failure_count = EXCLUDED.failure_count,
			last_event_at = EXCLUDED.last_event_at,
			updated_at    = now()`,
		rec.UserID, rec.Username, string(rec.Status), rec.Secret,
		rec.Generation, rec.FailureCount, rec.LastEventAt)
	if err != nil {
		return fmt.Errorf("upsert credential %d: %w", rec.UserID, err)
	}
	return nil
}

func (s *Postgres) ListByStatus(ctx context.Context, status Status) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM credentials WHERE status = $1 ORDER BY updated_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list credentials by status %s: %w", status, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials by status %s: %w", status, err)
	}
	return records, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var status string
	var secret *string
	err := row.Scan(&rec.UserID, &rec.Username, &status, &secret,
		&rec.Generation, &rec.FailureCount, &rec.LastEventAt,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if secret != nil {
		rec.Secret = *secret
	}
	return rec, nil
}

// EnsureSalt returns the installation salt, generating and persisting
// it on first run. The salt never rotates: it anchors deterministic
// secret derivation, and changing it would invalidate every issued
// credential.
func (s *Postgres) EnsureSalt(ctx context.Context) ([]byte, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	candidate := hex.EncodeToString(buf)

	// Insert our candidate; if a salt already exists the conflict
	// clause is a no-op and the RETURNING reads the stored value.
	var stored string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO settings (key, value) VALUES ('installation_salt', $1)
		ON CONFLICT (key) DO UPDATE SET value = settings.value
		RETURNING value`, candidate).Scan(&stored)
	if err != nil {
		return nil, fmt.Errorf("ensure installation salt: %w", err)
	}

	salt, err := hex.DecodeString(stored)
	if err != nil {
		return nil, fmt.Errorf("decode installation salt: %w", err)
	}
	return salt, nil
}
