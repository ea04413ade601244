// Package registry implements the write-once fingerprint registry: an
// append-only mapping from (name, date) to a 32-byte digest, owned by a
// single authority identity. Filled slots are terminal; the only legal
// transition per key is empty -> filled.
package registry

import (
	"context"
	"errors"

	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/models"
)

// Identity is the opaque address-like identity of a caller. The null
// identity never holds authority.
type Identity string

// Nobody is the null identity. A registry whose authority is Nobody has
// been renounced and rejects all future writes.
const Nobody Identity = ""

var (
	// ErrUnauthorized is returned when the caller is not the current
	// authority. Fatal to a submission run.
	ErrUnauthorized = errors.New("registry: caller is not the authority")

	// ErrAlreadySubmitted is returned when the slot is already filled.
	// Expected on re-runs; never mutates state.
	ErrAlreadySubmitted = errors.New("registry: data for this date and name already submitted")

	// ErrInvalidIdentity rejects authority transfer to the null identity.
	// Renouncing is a separate, deliberate operation.
	ErrInvalidIdentity = errors.New("registry: invalid identity")

	// ErrNotFound is returned for an unknown registry handle.
	ErrNotFound = errors.New("registry: unknown registry")

	// ErrUnavailable wraps connectivity and timeout failures of the
	// backing ledger.
	ErrUnavailable = errors.New("registry: ledger unavailable")
)

// Ledger is the registry contract. Submit must be atomic per key: the
// backing store serializes the check-empty-then-write so concurrent
// submissions for the same key cannot both succeed. Get is a free read
// with no side effects and no authorization; empty slots read as the
// all-zero digest.
type Ledger interface {
	Submit(ctx context.Context, caller Identity, name string, dateKey uint64, fp models.Fingerprint) error
	Get(ctx context.Context, name string, dateKey uint64) (models.Fingerprint, error)
	TransferAuthority(ctx context.Context, caller, next Identity) error
	RenounceAuthority(ctx context.Context, caller Identity) error
	Authority(ctx context.Context) (Identity, error)
}
