package models

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedRecord marks a record missing a required field or carrying an
// unparseable date. It aborts that record's processing only.
var ErrMalformedRecord = errors.New("malformed record")

// CanonicalPayload returns the exact byte string that gets hashed for a
// record: date, open, high, low, close, volume, name concatenated with no
// separators, each field in its original textual form. Any reordering,
// separator, or numeric normalization breaks every previously stored
// fingerprint, so this function is the single shared implementation for
// both the submission and verification paths.
func CanonicalPayload(r Record) ([]byte, error) {
	fields := []struct {
		column string
		value  string
	}{
		{"date", r.Date},
		{"open", r.Open},
		{"high", r.High},
		{"low", r.Low},
		{"close", r.Close},
		{"volume", r.Volume},
		{"Name", r.Name},
	}
	var b strings.Builder
	for _, f := range fields {
		if f.value == "" {
			return nil, fmt.Errorf("%w: missing field %q", ErrMalformedRecord, f.column)
		}
		b.WriteString(f.value)
	}
	return []byte(b.String()), nil
}

// FingerprintPayload hashes a canonical payload with SHA-256.
func FingerprintPayload(payload []byte) Fingerprint {
	return sha256.Sum256(payload)
}

// RecordFingerprint is the encode+hash composition used everywhere a record
// is fingerprinted.
func RecordFingerprint(r Record) (Fingerprint, error) {
	payload, err := CanonicalPayload(r)
	if err != nil {
		return ZeroFingerprint, err
	}
	return FingerprintPayload(payload), nil
}

// DateKey maps a textual date to the registry date key by removing hyphens
// and parsing the remainder as an integer: "2023-10-25" -> 20231025.
func DateKey(date string) (uint64, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(date), "-", "")
	if len(cleaned) != 8 {
		return 0, fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrMalformedRecord, date)
	}
	key, err := strconv.ParseUint(cleaned, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrMalformedRecord, date)
	}
	return key, nil
}
