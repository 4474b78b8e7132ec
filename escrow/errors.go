package escrow

import (
	"errors"
	"fmt"
	"strings"

	"escrowlane/ledger"
)

var (
	// ErrNotFound is matched by every lookup failure below.
	ErrNotFound = errors.New("escrow: not found")

	ErrPhaseNotFound         = &notFoundError{what: "phase"}
	ErrSignatureSlotNotFound = &notFoundError{what: "signature slot"}
	ErrBalanceNotFound       = &notFoundError{what: "balance"}
	ErrUserNotFound          = &notFoundError{what: "user"}
	ErrContractNotFound      = &notFoundError{what: "contract"}

	ErrTimeBoundViolation = errors.New("escrow: transaction is outside its time bounds")
	ErrKeyMismatch        = errors.New("escrow: secret does not belong to public key")
	ErrLedgerSubmission   = errors.New("escrow: ledger submission failed")
	ErrInvalidPolicy      = errors.New("escrow: invalid policy")
	ErrInvalidParams      = errors.New("escrow: invalid parameters")
	ErrUnknownPhase       = errors.New("escrow: unknown phase type")
)

type notFoundError struct {
	what string
}

func (e *notFoundError) Error() string { return "escrow: " + e.what + " not found" }

func (e *notFoundError) Is(target error) bool { return target == ErrNotFound }

// LedgerError reports a rejected submission during contract setup.
type LedgerError struct {
	Step        string
	ResultCodes []string
	Err         error
}

func (e *LedgerError) Error() string {
	msg := fmt.Sprintf("escrow: %s rejected by ledger", e.Step)
	if len(e.ResultCodes) > 0 {
		msg += " [" + strings.Join(e.ResultCodes, ",") + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LedgerError) Unwrap() error { return e.Err }

func (e *LedgerError) Is(target error) bool { return target == ErrLedgerSubmission }

func newLedgerError(step string, err error) *LedgerError {
	out := &LedgerError{Step: step, Err: err}
	var subErr *ledger.SubmissionError
	if errors.As(err, &subErr) {
		if subErr.TransactionCode != "" {
			out.ResultCodes = append(out.ResultCodes, subErr.TransactionCode)
		}
		out.ResultCodes = append(out.ResultCodes, subErr.OperationCodes...)
	}
	return out
}
