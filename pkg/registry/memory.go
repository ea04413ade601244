package registry

import (
	"context"
	"sync"
	"time"

	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/models"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/stream"
)

// EventHashSubmitted is published on every successful write.
const EventHashSubmitted = "hash_submitted"

// SubmittedEvent is the audit payload observable by external listeners.
type SubmittedEvent struct {
	RegistryID  string `json:"registry_id,omitempty"`
	Name        string `json:"name"`
	DateKey     uint64 `json:"date"`
	Fingerprint string `json:"fingerprint"`
}

type slotKey struct {
	name    string
	dateKey uint64
}

type slot struct {
	fp models.Fingerprint
	at time.Time
}

// Memory is an in-process ledger for development and tests. Presence is
// tracked by map membership, not by comparing against the zero digest, so
// write-once holds even for a (theoretical) all-zero fingerprint.
type Memory struct {
	mu    sync.Mutex
	id    string
	owner Identity
	slots map[slotKey]slot

	// Events receives one audit event per successful submit when set.
	Events *stream.Hub

	now func() time.Time
}

// NewMemory creates an empty registry owned by the given authority.
func NewMemory(id string, owner Identity) *Memory {
	return &Memory{
		id:    id,
		owner: owner,
		slots: make(map[slotKey]slot),
		now:   time.Now,
	}
}

func (m *Memory) Submit(ctx context.Context, caller Identity, name string, dateKey uint64, fp models.Fingerprint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if caller == Nobody || caller != m.owner {
		m.mu.Unlock()
		return ErrUnauthorized
	}
	key := slotKey{name: name, dateKey: dateKey}
	if _, filled := m.slots[key]; filled {
		m.mu.Unlock()
		return ErrAlreadySubmitted
	}
	m.slots[key] = slot{fp: fp, at: m.now().UTC()}
	events := m.Events
	m.mu.Unlock()

	if events != nil {
		events.Publish(stream.NewEvent(EventHashSubmitted, SubmittedEvent{
			RegistryID:  m.id,
			Name:        name,
			DateKey:     dateKey,
			Fingerprint: fp.Hex(),
		}))
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, name string, dateKey uint64) (models.Fingerprint, error) {
	if err := ctx.Err(); err != nil {
		return models.ZeroFingerprint, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, filled := m.slots[slotKey{name: name, dateKey: dateKey}]
	if !filled {
		return models.ZeroFingerprint, nil
	}
	return s.fp, nil
}

func (m *Memory) TransferAuthority(ctx context.Context, caller, next Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if next == Nobody {
		return ErrInvalidIdentity
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller == Nobody || caller != m.owner {
		return ErrUnauthorized
	}
	m.owner = next
	return nil
}

// RenounceAuthority permanently abandons the registry: every future submit
// fails with ErrUnauthorized since no caller can match Nobody.
func (m *Memory) RenounceAuthority(ctx context.Context, caller Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller == Nobody || caller != m.owner {
		return ErrUnauthorized
	}
	m.owner = Nobody
	return nil
}

func (m *Memory) Authority(ctx context.Context) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Nobody, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner, nil
}

// Len reports how many slots are filled.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
