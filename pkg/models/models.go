package models

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Record is one row of source market data. Field values are kept in the
// exact textual form supplied by the reader; reformatting a number changes
// its fingerprint.
type Record struct {
	Date   string `json:"date"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
	Name   string `json:"Name"`
}

// FingerprintSize is the digest width in bytes.
const FingerprintSize = 32

// Fingerprint is the SHA-256 digest of a record's canonical payload.
// The zero value doubles as the registry's "empty slot" sentinel.
type Fingerprint [FingerprintSize]byte

// ZeroFingerprint is what an unfilled registry slot reads as.
var ZeroFingerprint Fingerprint

func (f Fingerprint) IsZero() bool {
	return f == ZeroFingerprint
}

func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

// ParseFingerprint decodes a 64-char hex digest.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	raw, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("invalid fingerprint hex: %w", err)
	}
	if len(raw) != FingerprintSize {
		return f, fmt.Errorf("invalid fingerprint length %d", len(raw))
	}
	copy(f[:], raw)
	return f, nil
}

// FingerprintFromBytes copies a raw 32-byte digest.
func FingerprintFromBytes(raw []byte) (Fingerprint, error) {
	var f Fingerprint
	if len(raw) != FingerprintSize {
		return f, fmt.Errorf("invalid fingerprint length %d", len(raw))
	}
	copy(f[:], raw)
	return f, nil
}

// RegistryEntry is one stored (name, date) -> fingerprint triple.
type RegistryEntry struct {
	Name        string      `json:"name"`
	DateKey     uint64      `json:"date"`
	Fingerprint Fingerprint `json:"-"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

// Outcome classifies one record's result within a run.
type Outcome string

const (
	OutcomeSubmitted Outcome = "SUBMITTED"
	OutcomeSkipped   Outcome = "SKIPPED_ALREADY_PRESENT"
	OutcomeFailed    Outcome = "FAILED"

	OutcomeMatch    Outcome = "MATCH"
	OutcomeMismatch Outcome = "MISMATCH"
	OutcomeMissing  Outcome = "MISSING"
)

// RecordOutcome is the per-record breakdown inside a RunResult.
type RecordOutcome struct {
	Name        string  `json:"name"`
	Date        string  `json:"date"`
	DateKey     uint64  `json:"date_key"`
	Outcome     Outcome `json:"outcome"`
	Fingerprint string  `json:"fingerprint,omitempty"`
	Stored      string  `json:"stored,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// RunResult aggregates one submission or verification pass. It is reported
// to the caller and discarded, never persisted.
type RunResult struct {
	RunID      string          `json:"run_id"`
	Kind       string          `json:"kind"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Records    []RecordOutcome `json:"records"`

	Submitted int `json:"submitted,omitempty"`
	Skipped   int `json:"skipped,omitempty"`
	Failed    int `json:"failed,omitempty"`

	Matched    int `json:"matched,omitempty"`
	Mismatched int `json:"mismatched,omitempty"`
	Missing    int `json:"missing,omitempty"`

	// Aborted is set when submission stopped early on a hard failure or
	// the run was cancelled; Records then reflects partial progress.
	Aborted    bool   `json:"aborted"`
	AllMatched bool   `json:"all_matched"`
	Error      string `json:"error,omitempty"`
}

// DeployResponse is returned when a new registry instance is created.
type DeployResponse struct {
	RegistryID string `json:"registry_id"`
	Owner      string `json:"owner"`
}

// HashResponse is returned by the read accessor.
type HashResponse struct {
	Name        string `json:"name"`
	DateKey     uint64 `json:"date"`
	Fingerprint string `json:"fingerprint"`
	Present     bool   `json:"present"`
}
