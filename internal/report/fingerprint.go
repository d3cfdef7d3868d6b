package report

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON serializes v with lexicographically sorted keys and compact
// whitespace, removing any insertion-order dependence. Numbers round-trip
// through json.Number so the literal form is preserved.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling for canonical form: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decoding for canonical form: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("re-marshaling canonical form: %w", err)
	}
	return canonical, nil
}

// Fingerprint computes the SHA-256 hex digest of the report's canonical
// serialization with the fingerprint field itself zeroed, so the digest can
// be embedded into the metadata block it covers.
func Fingerprint(r *Report) (string, error) {
	clone := *r
	clone.Metadata.Fingerprint = ""
	canonical, err := CanonicalJSON(&clone)
	if err != nil {
		return "", fmt.Errorf("fingerprinting report %s: %w", r.Metadata.ReportID, err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyFingerprint recomputes the digest of a serialized report and checks
// it against the embedded value.
func VerifyFingerprint(payload []byte) (bool, error) {
	var r Report
	if err := json.Unmarshal(payload, &r); err != nil {
		return false, fmt.Errorf("unmarshaling report for verification: %w", err)
	}
	want := r.Metadata.Fingerprint
	if want == "" {
		return false, nil
	}
	got, err := Fingerprint(&r)
	if err != nil {
		return false, err
	}
	return got == want, nil
}
