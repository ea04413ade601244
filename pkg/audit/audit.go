// Package audit persists one record per successful registry write. The
// table is append-only; rows are never updated or deleted.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Writer struct {
	DB auditDB
}

// Record mirrors the on-write event: which slot was filled, with what
// digest, by whom.
type Record struct {
	RegistryID  string    `json:"registry_id"`
	Name        string    `json:"name"`
	DateKey     uint64    `json:"date"`
	Fingerprint string    `json:"fingerprint"`
	Submitter   string    `json:"submitter"`
	CreatedAt   time.Time `json:"created_at"`
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(registry_id, name, date_key, fingerprint, submitter, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rec.RegistryID, rec.Name, int64(rec.DateKey), rec.Fingerprint, rec.Submitter, rec.CreatedAt)
	return err
}

// List returns the most recent audit records for a registry, newest first.
func (w *Writer) List(ctx context.Context, registryID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT registry_id, name, date_key, fingerprint, submitter, created_at
		FROM audit_records WHERE registry_id=$1
		ORDER BY id DESC LIMIT $2
	`, registryID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var dateKey int64
		if err := rows.Scan(&rec.RegistryID, &rec.Name, &dateKey, &rec.Fingerprint, &rec.Submitter, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.DateKey = uint64(dateKey)
		out = append(out, rec)
	}
	return out, rows.Err()
}
