package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/models"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/stream"
)

func mustFingerprint(t *testing.T, rec models.Record) models.Fingerprint {
	t.Helper()
	fp, err := models.RecordFingerprint(rec)
	if err != nil {
		t.Fatal(err)
	}
	return fp
}

var aaplRow = models.Record{
	Date: "2023-10-25", Open: "170.65", High: "173.06", Low: "170.65",
	Close: "171.80", Volume: "57157115", Name: "AAPL",
}

func TestMemoryWriteOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := NewMemory("reg-1", "owner-1")
	fp := mustFingerprint(t, aaplRow)

	if err := ledger.Submit(ctx, "owner-1", "AAPL", 20231025, fp); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := ledger.Submit(ctx, "owner-1", "AAPL", 20231025, fp); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}

	// A different digest at the same key must also be rejected, and the
	// stored value must stay the original.
	other := fp
	other[0] ^= 0xff
	if err := ledger.Submit(ctx, "owner-1", "AAPL", 20231025, other); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted for differing digest, got %v", err)
	}
	got, err := ledger.Get(ctx, "AAPL", 20231025)
	if err != nil {
		t.Fatal(err)
	}
	if got != fp {
		t.Fatal("stored fingerprint changed after rejected overwrite")
	}
	if ledger.Len() != 1 {
		t.Fatalf("expected 1 filled slot, got %d", ledger.Len())
	}
}

func TestMemoryEmptySlotReadsAsZero(t *testing.T) {
	t.Parallel()
	ledger := NewMemory("reg-1", "owner-1")
	got, err := ledger.Get(context.Background(), "TSLA", 20231025)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsZero() {
		t.Fatalf("empty slot read as %s", got.Hex())
	}
}

func TestMemoryUnauthorized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := NewMemory("reg-1", "owner-1")
	fp := mustFingerprint(t, aaplRow)

	if err := ledger.Submit(ctx, "intruder", "AAPL", 20231025, fp); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := ledger.Submit(ctx, Nobody, "AAPL", 20231025, fp); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for null caller, got %v", err)
	}
	got, err := ledger.Get(ctx, "AAPL", 20231025)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsZero() {
		t.Fatal("unauthorized submit must not fill the slot")
	}
}

func TestMemoryTransferAndRenounce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := NewMemory("reg-1", "owner-1")
	fp := mustFingerprint(t, aaplRow)

	if err := ledger.TransferAuthority(ctx, "owner-1", Nobody); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity for null transfer, got %v", err)
	}
	if err := ledger.TransferAuthority(ctx, "intruder", "owner-2"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := ledger.TransferAuthority(ctx, "owner-1", "owner-2"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := ledger.Submit(ctx, "owner-1", "AAPL", 20231025, fp); !errors.Is(err, ErrUnauthorized) {
		t.Fatal("previous owner must lose write access after transfer")
	}
	if err := ledger.Submit(ctx, "owner-2", "AAPL", 20231025, fp); err != nil {
		t.Fatalf("new owner submit: %v", err)
	}

	if err := ledger.RenounceAuthority(ctx, "owner-2"); err != nil {
		t.Fatalf("renounce: %v", err)
	}
	owner, err := ledger.Authority(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if owner != Nobody {
		t.Fatalf("expected renounced registry, owner=%q", owner)
	}
	if err := ledger.Submit(ctx, "owner-2", "MSFT", 20231026, fp); !errors.Is(err, ErrUnauthorized) {
		t.Fatal("renounced registry must reject all submits permanently")
	}
	// Reads stay free after renouncement.
	got, err := ledger.Get(ctx, "AAPL", 20231025)
	if err != nil || got != fp {
		t.Fatalf("read after renounce: %v %s", err, got.Hex())
	}
}

func TestMemoryPublishesAuditEvent(t *testing.T) {
	t.Parallel()
	hub := stream.NewHub()
	sub := hub.Subscribe(4)
	defer hub.Unsubscribe(sub)

	ledger := NewMemory("reg-1", "owner-1")
	ledger.Events = hub
	fp := mustFingerprint(t, aaplRow)
	if err := ledger.Submit(context.Background(), "owner-1", "AAPL", 20231025, fp); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-sub:
		if evt.Type != EventHashSubmitted {
			t.Fatalf("unexpected event type %q", evt.Type)
		}
		var payload SubmittedEvent
		if err := json.Unmarshal(evt.Data, &payload); err != nil {
			t.Fatalf("decode event payload: %v", err)
		}
		if payload.Name != "AAPL" || payload.DateKey != 20231025 || payload.Fingerprint != fp.Hex() {
			t.Fatalf("unexpected event payload: %+v", payload)
		}
	default:
		t.Fatal("expected an audit event on successful submit")
	}
}

func TestMemoryCancelledContext(t *testing.T) {
	t.Parallel()
	ledger := NewMemory("reg-1", "owner-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fp := mustFingerprint(t, aaplRow)
	if err := ledger.Submit(ctx, "owner-1", "AAPL", 20231025, fp); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if _, err := ledger.Get(ctx, "AAPL", 20231025); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error from get, got %v", err)
	}
}
