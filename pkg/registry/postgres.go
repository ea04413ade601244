package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/audit"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/models"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/stream"
)

type registryDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres is a registry bound to one deployed instance. The database is
// the globally ordered execution environment of the design: the primary
// key on (registry_id, name, date_key) plus ON CONFLICT DO NOTHING makes
// each check-empty-then-write indivisible, so the write-once guarantee is
// provided by the store, not by application locking.
type Postgres struct {
	DB         registryDB
	RegistryID string

	// Events receives one audit event per successful submit when set.
	Events *stream.Hub
}

// Deploy creates a new registry instance owned by the given authority and
// returns its handle. The handle plays the role of a contract address:
// every subsequent call references it.
func Deploy(ctx context.Context, db registryDB, owner Identity) (string, error) {
	if owner == Nobody {
		return "", ErrInvalidIdentity
	}
	id := uuid.NewString()
	if _, err := db.Exec(ctx, `
		INSERT INTO registries (registry_id, owner, created_at)
		VALUES ($1,$2,$3)
	`, id, string(owner), time.Now().UTC()); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return id, nil
}

func (p *Postgres) owner(ctx context.Context) (Identity, error) {
	var owner string
	err := p.DB.QueryRow(ctx, `SELECT owner FROM registries WHERE registry_id=$1`, p.RegistryID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return Nobody, ErrNotFound
	}
	if err != nil {
		return Nobody, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Identity(owner), nil
}

func (p *Postgres) Submit(ctx context.Context, caller Identity, name string, dateKey uint64, fp models.Fingerprint) error {
	owner, err := p.owner(ctx)
	if err != nil {
		return err
	}
	if caller == Nobody || caller != owner {
		return ErrUnauthorized
	}

	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		INSERT INTO registry_entries (registry_id, name, date_key, fingerprint, submitted_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (registry_id, name, date_key) DO NOTHING
	`, p.RegistryID, name, int64(dateKey), fp[:], now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadySubmitted
	}

	w := &audit.Writer{DB: tx}
	if err := w.Append(ctx, audit.Record{
		RegistryID:  p.RegistryID,
		Name:        name,
		DateKey:     dateKey,
		Fingerprint: fp.Hex(),
		Submitter:   string(caller),
		CreatedAt:   now,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if p.Events != nil {
		p.Events.Publish(stream.NewEvent(EventHashSubmitted, SubmittedEvent{
			RegistryID:  p.RegistryID,
			Name:        name,
			DateKey:     dateKey,
			Fingerprint: fp.Hex(),
		}))
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, name string, dateKey uint64) (models.Fingerprint, error) {
	var raw []byte
	err := p.DB.QueryRow(ctx, `
		SELECT fingerprint FROM registry_entries
		WHERE registry_id=$1 AND name=$2 AND date_key=$3
	`, p.RegistryID, name, int64(dateKey)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ZeroFingerprint, nil
	}
	if err != nil {
		return models.ZeroFingerprint, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return models.FingerprintFromBytes(raw)
}

func (p *Postgres) TransferAuthority(ctx context.Context, caller, next Identity) error {
	if next == Nobody {
		return ErrInvalidIdentity
	}
	return p.setOwner(ctx, caller, next)
}

func (p *Postgres) RenounceAuthority(ctx context.Context, caller Identity) error {
	return p.setOwner(ctx, caller, Nobody)
}

func (p *Postgres) setOwner(ctx context.Context, caller, next Identity) error {
	if caller == Nobody {
		return ErrUnauthorized
	}
	tag, err := p.DB.Exec(ctx, `
		UPDATE registries SET owner=$3 WHERE registry_id=$1 AND owner=$2
	`, p.RegistryID, string(caller), string(next))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	// Distinguish a missing registry from a wrong caller.
	if _, err := p.owner(ctx); err != nil {
		return err
	}
	return ErrUnauthorized
}

func (p *Postgres) Authority(ctx context.Context) (Identity, error) {
	return p.owner(ctx)
}
