package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/models"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/registry"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/store"
)

// Verifier recomputes fingerprints from source records and compares them
// against what the ledger holds. Registry entries are write-once, so
// stored fingerprints are safe to cache.
type Verifier struct {
	Ledger registry.Ledger

	// Cache, when set, front-runs ledger reads. Only present slots are
	// cached; an empty slot today may be filled tomorrow.
	Cache    store.Cache
	CacheKey string // registry scope for cache keys, e.g. the registry id
	TTL      time.Duration
}

// VerifyAll checks every record and never stops on a finding: mismatches
// and missing entries are results, not errors. Per-record read failures
// are counted as failed and the pass moves on, so one bad read cannot
// mask the state of the rest of the batch. AllMatched is true only when
// every record landed on MATCH.
func (v *Verifier) VerifyAll(ctx context.Context, records []models.Record) (res models.RunResult) {
	res = models.RunResult{
		RunID:     uuid.NewString(),
		Kind:      "verify",
		StartedAt: time.Now().UTC(),
	}
	defer func() { res.FinishedAt = time.Now().UTC() }()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			res.Aborted = true
			res.Error = err.Error()
			break
		}
		out := models.RecordOutcome{Name: rec.Name, Date: rec.Date}

		dateKey, keyErr := models.DateKey(rec.Date)
		fp, fpErr := models.RecordFingerprint(rec)
		if keyErr != nil || fpErr != nil {
			err := keyErr
			if err == nil {
				err = fpErr
			}
			out.Outcome = models.OutcomeFailed
			out.Error = err.Error()
			res.Records = append(res.Records, out)
			res.Failed++
			continue
		}
		out.DateKey = dateKey
		out.Fingerprint = fp.Hex()

		stored, err := v.Lookup(ctx, rec.Name, dateKey)
		if err != nil {
			out.Outcome = models.OutcomeFailed
			out.Error = err.Error()
			res.Records = append(res.Records, out)
			res.Failed++
			continue
		}

		switch {
		case stored.IsZero():
			out.Outcome = models.OutcomeMissing
			res.Missing++
		case stored == fp:
			out.Outcome = models.OutcomeMatch
			res.Matched++
		default:
			out.Outcome = models.OutcomeMismatch
			out.Stored = stored.Hex()
			res.Mismatched++
		}
		res.Records = append(res.Records, out)
	}

	res.AllMatched = !res.Aborted &&
		res.Matched == len(records) &&
		res.Mismatched == 0 && res.Missing == 0 && res.Failed == 0
	return res
}

// Lookup reads one stored fingerprint, through the cache when one is
// configured. Cache errors degrade to a direct ledger read.
func (v *Verifier) Lookup(ctx context.Context, name string, dateKey uint64) (models.Fingerprint, error) {
	if v.Cache == nil {
		return v.Ledger.Get(ctx, name, dateKey)
	}

	key := fmt.Sprintf("fp:%s:%s:%d", v.CacheKey, name, dateKey)
	if raw, err := v.Cache.Get(ctx, key); err == nil {
		if fp, err := models.ParseFingerprint(raw); err == nil {
			return fp, nil
		}
	}

	fp, err := v.Ledger.Get(ctx, name, dateKey)
	if err != nil {
		return models.ZeroFingerprint, err
	}
	if !fp.IsZero() {
		_ = v.Cache.Set(ctx, key, fp.Hex(), v.TTL)
	}
	return fp, nil
}
