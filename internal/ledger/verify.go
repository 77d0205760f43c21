package ledger

import (
	"errors"
	"fmt"

	"blockci/internal/security"
)

// ErrTampered is the kind of every chain verification failure.
var ErrTampered = errors.New("ledger tampered")

// VerifyError locates the first bad record.
type VerifyError struct {
	Index  int
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s: record %d: %s", ErrTampered, e.Index, e.Reason)
}

func (e *VerifyError) Unwrap() error { return ErrTampered }

// VerifyRecords recomputes every hash, link and signature.
func VerifyRecords(records []*Record) error {
	for i, r := range records {
		if r.Index != i {
			return &VerifyError{Index: i, Reason: fmt.Sprintf("index is %d", r.Index)}
		}
		h, err := r.ComputeHash()
		if err != nil {
			return fmt.Errorf("compute hash for record %d: %w", i, err)
		}
		if h != r.Hash {
			return &VerifyError{Index: i, Reason: "hash mismatch"}
		}
		if i > 0 && r.PrevHash != records[i-1].Hash {
			return &VerifyError{Index: i, Reason: "broken link to previous record"}
		}
		if i == 0 && r.PrevHash != "" {
			return &VerifyError{Index: i, Reason: "first record has a previous hash"}
		}
		ok, err := security.VerifyHex(r.PubKey, []byte(r.Hash), r.Signature)
		if err != nil || !ok {
			return &VerifyError{Index: i, Reason: "bad signature"}
		}
	}
	return nil
}
