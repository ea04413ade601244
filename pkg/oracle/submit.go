// Package oracle drives batches of records through the shared
// encode+hash pipeline against a registry: the submission orchestrator
// writes, the verification engine reads back and compares. Both sides go
// through models.RecordFingerprint so the canonical payload can never
// drift between them.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/models"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/registry"
)

// Submitter writes record fingerprints to a ledger as a single authority.
type Submitter struct {
	Ledger registry.Ledger
	Caller registry.Identity
}

// SubmitAll processes records in source order. A slot that is already
// filled is counted as skipped and the run continues: re-running against
// a partially filled registry is the normal idempotent operating mode.
// Any other failure (malformed record, unauthorized caller, ledger
// outage) aborts the run immediately and the result reports partial
// progress plus the triggering error. Cancellation is honored between
// records, never mid-hash.
func (s *Submitter) SubmitAll(ctx context.Context, records []models.Record) (res models.RunResult) {
	res = models.RunResult{
		RunID:     uuid.NewString(),
		Kind:      "submit",
		StartedAt: time.Now().UTC(),
	}
	defer func() { res.FinishedAt = time.Now().UTC() }()

	fail := func(out models.RecordOutcome, err error) {
		out.Outcome = models.OutcomeFailed
		out.Error = err.Error()
		res.Records = append(res.Records, out)
		res.Failed++
		res.Aborted = true
		res.Error = err.Error()
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			res.Aborted = true
			res.Error = err.Error()
			break
		}
		out := models.RecordOutcome{Name: rec.Name, Date: rec.Date}

		dateKey, err := models.DateKey(rec.Date)
		if err != nil {
			fail(out, err)
			return res
		}
		out.DateKey = dateKey
		fp, err := models.RecordFingerprint(rec)
		if err != nil {
			fail(out, err)
			return res
		}
		out.Fingerprint = fp.Hex()

		switch err := s.Ledger.Submit(ctx, s.Caller, rec.Name, dateKey, fp); {
		case err == nil:
			out.Outcome = models.OutcomeSubmitted
			res.Submitted++
		case errors.Is(err, registry.ErrAlreadySubmitted):
			out.Outcome = models.OutcomeSkipped
			res.Skipped++
		default:
			fail(out, err)
			return res
		}
		res.Records = append(res.Records, out)
	}
	return res
}
