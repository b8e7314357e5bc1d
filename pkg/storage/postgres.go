package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// Schema is the DDL for the sandbox registry table. Applied by
// EnsureSchema at startup and by the sandbox-migrate tool.
const Schema = `
CREATE TABLE IF NOT EXISTS sandbox_instances (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    status         TEXT NOT NULL CHECK (status IN
                     ('creating','starting','ready','running',
                      'shutting_down','stopped','failed','expired')),
    container_id   TEXT,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL,
    expires_at     TIMESTAMPTZ NOT NULL,
    last_active_at TIMESTAMPTZ NOT NULL,
    stop_reason    TEXT CHECK (stop_reason IN
                     ('user_requested','expired','error',
                      'graceful_shutdown','admin')),
    working_dir    TEXT NOT NULL DEFAULT '',
    config         JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE INDEX IF NOT EXISTS idx_sandbox_instances_user_id    ON sandbox_instances (user_id);
CREATE INDEX IF NOT EXISTS idx_sandbox_instances_status     ON sandbox_instances (status);
CREATE INDEX IF NOT EXISTS idx_sandbox_instances_expires_at ON sandbox_instances (expires_at);
`

// PostgresStore implements Store on a shared postgres database, for
// deployments where the control plane must survive host replacement.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects to databaseURL, tunes the pool, and ensures
// the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errdefs.Unavailable("database unreachable: %v", err)
	}

	s := &PostgresStore{db: sqlx.NewDb(db, "pgx")}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema applies the registry DDL. Safe to run repeatedly.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// sandboxRow is the scan target. Nullable columns and the JSONB config
// need indirection before they become a types.Sandbox.
type sandboxRow struct {
	ID           string         `db:"id"`
	UserID       string         `db:"user_id"`
	Status       string         `db:"status"`
	ContainerID  sql.NullString `db:"container_id"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	ExpiresAt    time.Time      `db:"expires_at"`
	LastActiveAt time.Time      `db:"last_active_at"`
	StopReason   sql.NullString `db:"stop_reason"`
	WorkingDir   string         `db:"working_dir"`
	Config       []byte         `db:"config"`
}

func (r *sandboxRow) toSandbox() (*types.Sandbox, error) {
	sb := &types.Sandbox{
		ID:           r.ID,
		UserID:       r.UserID,
		Status:       types.SandboxStatus(r.Status),
		ContainerID:  r.ContainerID.String,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
		ExpiresAt:    r.ExpiresAt.UTC(),
		LastActiveAt: r.LastActiveAt.UTC(),
		StopReason:   types.StopReason(r.StopReason.String),
		WorkingDir:   r.WorkingDir,
	}
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &sb.Config); err != nil {
			return nil, fmt.Errorf("failed to decode config for sandbox %s: %w", r.ID, err)
		}
	}
	return sb, nil
}

func configJSON(sb *types.Sandbox) ([]byte, error) {
	cfg := sb.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config for sandbox %s: %w", sb.ID, err)
	}
	return data, nil
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

const selectColumns = `id, user_id, status, container_id, created_at,
	updated_at, expires_at, last_active_at, stop_reason, working_dir, config`

func (s *PostgresStore) Save(ctx context.Context, sb *types.Sandbox) error {
	cfg, err := configJSON(sb)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sandbox_instances
			(id, user_id, status, container_id, created_at, updated_at,
			 expires_at, last_active_at, stop_reason, working_dir, config)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO NOTHING`,
		sb.ID, sb.UserID, string(sb.Status), nullable(sb.ContainerID),
		sb.CreatedAt, sb.UpdatedAt, sb.ExpiresAt, sb.LastActiveAt,
		nullable(string(sb.StopReason)), sb.WorkingDir, cfg)
	if err != nil {
		return fmt.Errorf("failed to save sandbox %s: %w", sb.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errdefs.Conflict("sandbox %s already exists", sb.ID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*types.Sandbox, error) {
	var row sandboxRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+selectColumns+` FROM sandbox_instances WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("sandbox %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox %s: %w", id, err)
	}
	return row.toSandbox()
}

func (s *PostgresStore) List(ctx context.Context, userID string) ([]*types.Sandbox, error) {
	var rows []sandboxRow
	var err error
	if userID == "" {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+selectColumns+` FROM sandbox_instances ORDER BY created_at, id`)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+selectColumns+` FROM sandbox_instances WHERE user_id = $1 ORDER BY created_at, id`,
			userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}

	out := make([]*types.Sandbox, 0, len(rows))
	for i := range rows {
		sb, err := rows[i].toSandbox()
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, sb *types.Sandbox) error {
	cfg, err := configJSON(sb)
	if err != nil {
		return err
	}

	// TIMESTAMPTZ stores microseconds; stamp at that granularity so the
	// value written is the value read back for the next CAS.
	updatedAt := time.Now().UTC().Truncate(time.Microsecond)
	if !updatedAt.After(sb.UpdatedAt) {
		updatedAt = sb.UpdatedAt.Add(time.Microsecond)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sandbox_instances SET
			user_id = $2, status = $3, container_id = $4, updated_at = $5,
			expires_at = $6, last_active_at = $7, stop_reason = $8,
			working_dir = $9, config = $10
		WHERE id = $1 AND updated_at = $11`,
		sb.ID, sb.UserID, string(sb.Status), nullable(sb.ContainerID),
		updatedAt, sb.ExpiresAt, sb.LastActiveAt,
		nullable(string(sb.StopReason)), sb.WorkingDir, cfg, sb.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update sandbox %s: %w", sb.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the record is gone or someone updated it first.
		var exists bool
		if err := s.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM sandbox_instances WHERE id = $1)`, sb.ID); err != nil {
			return fmt.Errorf("failed to check sandbox %s: %w", sb.ID, err)
		}
		if !exists {
			return errdefs.NotFound("sandbox %s", sb.ID)
		}
		return errdefs.Conflict("sandbox %s was modified concurrently", sb.ID)
	}

	sb.UpdatedAt = updatedAt
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sandbox_instances WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete sandbox %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]*types.Sandbox, error) {
	var rows []sandboxRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+selectColumns+` FROM sandbox_instances
		WHERE status IN ('ready','running') AND expires_at <= $1
		ORDER BY expires_at, id`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sandboxes: %w", err)
	}

	out := make([]*types.Sandbox, 0, len(rows))
	for i := range rows {
		sb, err := rows[i].toSandbox()
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, nil
}
