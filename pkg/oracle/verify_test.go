package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/models"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/registry"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/store"
)

// countingLedger counts Get calls so cache behavior is observable.
type countingLedger struct {
	registry.Ledger
	gets int
}

func (c *countingLedger) Get(ctx context.Context, name string, dateKey uint64) (models.Fingerprint, error) {
	c.gets++
	return c.Ledger.Get(ctx, name, dateKey)
}

type brokenLedger struct {
	registry.Ledger
}

func (brokenLedger) Get(context.Context, string, uint64) (models.Fingerprint, error) {
	return models.ZeroFingerprint, registry.ErrUnavailable
}

// failingCache errors on every operation.
type failingCache struct{}

func (failingCache) Get(context.Context, string) (string, error) { return "", errors.New("down") }
func (failingCache) Set(context.Context, string, string, time.Duration) error {
	return errors.New("down")
}
func (failingCache) Del(context.Context, string) error { return errors.New("down") }

func seededRegistry(t *testing.T) *registry.Memory {
	t.Helper()
	mem := registry.NewMemory("reg-1", owner)
	sub := &Submitter{Ledger: mem, Caller: owner}
	if res := sub.SubmitAll(context.Background(), sampleRecords()); res.Aborted {
		t.Fatalf("seed: %s", res.Error)
	}
	return mem
}

func TestVerifyAllMatches(t *testing.T) {
	t.Parallel()
	v := &Verifier{Ledger: seededRegistry(t)}

	res := v.VerifyAll(context.Background(), sampleRecords())

	if !res.AllMatched {
		t.Fatalf("AllMatched = false: %+v", res)
	}
	if res.Matched != 3 || res.Mismatched != 0 || res.Missing != 0 || res.Failed != 0 {
		t.Fatalf("counts = %d/%d/%d/%d", res.Matched, res.Mismatched, res.Missing, res.Failed)
	}
	if res.Kind != "verify" || res.RunID == "" {
		t.Fatalf("kind %q run id %q", res.Kind, res.RunID)
	}
}

func TestVerifyAllReportsEveryFinding(t *testing.T) {
	t.Parallel()
	v := &Verifier{Ledger: seededRegistry(t)}

	records := sampleRecords()
	records[0].Close = "999.99" // tampered
	records = append(records, models.Record{
		Date: "2023-11-01", Open: "1", High: "1", Low: "1", Close: "1", Volume: "1", Name: "TSLA",
	})
	res := v.VerifyAll(context.Background(), records)

	if res.AllMatched {
		t.Fatal("AllMatched should be false")
	}
	if res.Aborted {
		t.Fatalf("verification must not abort on findings: %s", res.Error)
	}
	if res.Matched != 2 || res.Mismatched != 1 || res.Missing != 1 {
		t.Fatalf("counts = %d/%d/%d", res.Matched, res.Mismatched, res.Missing)
	}
	if len(res.Records) != 4 {
		t.Fatalf("records = %d", len(res.Records))
	}
	if res.Records[0].Outcome != models.OutcomeMismatch || res.Records[0].Stored == "" {
		t.Fatalf("mismatch outcome = %+v", res.Records[0])
	}
	if res.Records[3].Outcome != models.OutcomeMissing {
		t.Fatalf("missing outcome = %s", res.Records[3].Outcome)
	}
}

func TestVerifyAllContinuesPastBadRecord(t *testing.T) {
	t.Parallel()
	v := &Verifier{Ledger: seededRegistry(t)}

	records := sampleRecords()
	records[0].Volume = ""
	res := v.VerifyAll(context.Background(), records)

	if res.Aborted {
		t.Fatal("must not abort")
	}
	if res.Failed != 1 || res.Matched != 2 {
		t.Fatalf("failed=%d matched=%d", res.Failed, res.Matched)
	}
	if res.AllMatched {
		t.Fatal("AllMatched should be false with a failed record")
	}
}

func TestVerifyAllContinuesPastReadFailure(t *testing.T) {
	t.Parallel()
	v := &Verifier{Ledger: brokenLedger{}}

	res := v.VerifyAll(context.Background(), sampleRecords())

	if res.Aborted {
		t.Fatal("must not abort")
	}
	if res.Failed != 3 {
		t.Fatalf("failed = %d", res.Failed)
	}
	for _, out := range res.Records {
		if out.Outcome != models.OutcomeFailed || out.Error == "" {
			t.Fatalf("outcome = %+v", out)
		}
	}
}

func TestVerifyAllHonorsCancellation(t *testing.T) {
	t.Parallel()
	v := &Verifier{Ledger: seededRegistry(t)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := v.VerifyAll(ctx, sampleRecords())

	if !res.Aborted || len(res.Records) != 0 {
		t.Fatalf("aborted=%v records=%d", res.Aborted, len(res.Records))
	}
	if res.AllMatched {
		t.Fatal("an aborted pass never reports AllMatched")
	}
}

func TestLookupCachesPresentSlots(t *testing.T) {
	t.Parallel()
	counting := &countingLedger{Ledger: seededRegistry(t)}
	v := &Verifier{
		Ledger:   counting,
		Cache:    store.NewMemoryCache(),
		CacheKey: "reg-1",
		TTL:      time.Minute,
	}
	ctx := context.Background()

	dateKey, _ := models.DateKey("2023-10-25")
	first, err := v.Lookup(ctx, "AAPL", dateKey)
	if err != nil {
		t.Fatal(err)
	}
	second, err := v.Lookup(ctx, "AAPL", dateKey)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatal("cached read diverged")
	}
	if counting.gets != 1 {
		t.Fatalf("ledger reads = %d, want 1", counting.gets)
	}
}

func TestLookupDoesNotCacheEmptySlots(t *testing.T) {
	t.Parallel()
	counting := &countingLedger{Ledger: registry.NewMemory("reg-1", owner)}
	v := &Verifier{
		Ledger:   counting,
		Cache:    store.NewMemoryCache(),
		CacheKey: "reg-1",
		TTL:      time.Minute,
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		fp, err := v.Lookup(ctx, "AAPL", 20231025)
		if err != nil {
			t.Fatal(err)
		}
		if !fp.IsZero() {
			t.Fatalf("read %d: want zero fingerprint", i)
		}
	}
	if counting.gets != 2 {
		t.Fatalf("ledger reads = %d, want 2", counting.gets)
	}
}

func TestLookupSurvivesCacheOutage(t *testing.T) {
	t.Parallel()
	v := &Verifier{
		Ledger:   seededRegistry(t),
		Cache:    failingCache{},
		CacheKey: "reg-1",
	}

	dateKey, _ := models.DateKey("2023-10-26")
	fp, err := v.Lookup(context.Background(), "MSFT", dateKey)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := models.RecordFingerprint(sampleRecords()[1])
	if fp != want {
		t.Fatalf("fp = %s, want %s", fp.Hex(), want.Hex())
	}
}
