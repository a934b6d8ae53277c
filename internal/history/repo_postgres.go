package history

import (
	"context"
	"database/sql"
	"errors"

	"callkit-voip/pkg/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_history (
	id            UUID PRIMARY KEY,
	connection_id TEXT NOT NULL,
	call_id       TEXT NOT NULL,
	booking_id    TEXT NOT NULL DEFAULT '',
	media         TEXT NOT NULL,
	final_state   TEXT NOT NULL,
	end_reason    TEXT NOT NULL,
	last_error    TEXT NOT NULL DEFAULT '',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	started_at    TIMESTAMPTZ NOT NULL,
	ended_at      TIMESTAMPTZ NOT NULL,
	duration_ms   BIGINT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
)`

const indexEndedAt = `CREATE INDEX IF NOT EXISTS call_history_ended_at_idx ON call_history (ended_at)`

// PostgresRepo stores records in an INSERT-only call_history table.
// db must be opened with the pgx stdlib driver.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) (*PostgresRepo, error) {
	if db == nil {
		return nil, errors.New("history: db is nil")
	}
	return &PostgresRepo{db: db}, nil
}

// EnsureSchema creates the table and index if they do not exist.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, indexEndedAt)
		return err
	})
}

func (r *PostgresRepo) Append(ctx context.Context, rec Record) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO call_history (
	id, connection_id, call_id, booking_id, media, final_state, end_reason,
	last_error, retry_count, started_at, ended_at, duration_ms, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.ConnectionID, rec.CallID, rec.BookingID, rec.Media, rec.FinalState, rec.EndReason,
		rec.LastError, rec.RetryCount, rec.StartedAt, rec.EndedAt, rec.DurationMS, rec.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) List(ctx context.Context, rg Range) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, connection_id, call_id, booking_id, media, final_state, end_reason,
	last_error, retry_count, started_at, ended_at, duration_ms, created_at
FROM call_history
WHERE ended_at >= $1 AND ended_at < $2
ORDER BY ended_at`, rg.From, rg.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID, &rec.ConnectionID, &rec.CallID, &rec.BookingID, &rec.Media, &rec.FinalState, &rec.EndReason,
			&rec.LastError, &rec.RetryCount, &rec.StartedAt, &rec.EndedAt, &rec.DurationMS, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
