// Package ledger describes the ledger-network gateway consumed by the escrow
// engine: keypairs, signer weights, balances, operations and the
// build/sign/submit cycle of a transaction envelope.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrAccountNotFound is returned when the ledger has no record of an account,
// either because it was never created or because it has been merged away.
var ErrAccountNotFound = errors.New("ledger: account not found")

// Gateway is the subset of the ledger network used by the escrow engine.
// Implementations must be safe for concurrent use.
type Gateway interface {
	NewKeypair() (Keypair, error)
	PublicKey(secret string) (string, error)
	SequenceNumber(ctx context.Context, accountID string) (int64, error)
	AccountWeights(ctx context.Context, accountID string) (AccountWeight, error)
	Balances(ctx context.Context, accountID string) ([]Balance, error)
	// BuildTransaction returns an unsigned base64 envelope. A zero sequence
	// means "next sequence of the source account"; any other value is used
	// verbatim as the transaction's sequence number.
	BuildTransaction(ctx context.Context, source string, ops []Operation, bounds *TimeBounds, sequence int64) (string, error)
	Sign(secret, envelope string) (string, error)
	Submit(ctx context.Context, envelope string) (SubmitResult, error)
	// Executed reports whether the transaction in envelope was applied to
	// the ledger successfully. Signatures do not affect the answer.
	Executed(ctx context.Context, envelope string) (bool, error)
}

// Keypair holds an account's public address and secret seed.
type Keypair struct {
	PublicKey string
	Secret    string
}

// TimeBounds is an inclusive validity window in unix seconds.
type TimeBounds struct {
	MinTime int64
	MaxTime int64
}

// SubmitResult describes an accepted transaction.
type SubmitResult struct {
	Hash   string
	Ledger int32
}

// SubmissionError carries the result codes of a transaction the network
// rejected.
type SubmissionError struct {
	TransactionCode string
	OperationCodes  []string
}

func (e *SubmissionError) Error() string {
	if e == nil {
		return "ledger: transaction rejected"
	}
	if len(e.OperationCodes) == 0 {
		return fmt.Sprintf("ledger: transaction rejected: %s", e.TransactionCode)
	}
	return fmt.Sprintf("ledger: transaction rejected: %s [%s]", e.TransactionCode, strings.Join(e.OperationCodes, ","))
}

// ThresholdTier selects which of an account's three thresholds an operation
// is checked against.
type ThresholdTier uint8

const (
	TierLow ThresholdTier = iota + 1
	TierMedium
	TierHigh
)

func (t ThresholdTier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// Valid reports whether the tier is one of the three ledger tiers.
func (t ThresholdTier) Valid() bool {
	return t >= TierLow && t <= TierHigh
}

// SignerWeight is a single entry of an account's signer table.
type SignerWeight struct {
	Key    string
	Weight int
}

// AccountWeight is an account's signer table and threshold tiers. The master
// key is the account's own address and is tracked separately from Signers.
type AccountWeight struct {
	AccountID    string
	MasterWeight int
	Low          int
	Medium       int
	High         int
	Signers      []SignerWeight
}

// Threshold returns the threshold configured for the tier.
func (w AccountWeight) Threshold(tier ThresholdTier) int {
	switch tier {
	case TierLow:
		return w.Low
	case TierMedium:
		return w.Medium
	case TierHigh:
		return w.High
	default:
		return 0
	}
}

// WeightOf returns the weight held by key. The account's own address maps to
// the master weight. The boolean is false for keys that are not in the table.
func (w AccountWeight) WeightOf(key string) (int, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return 0, false
	}
	if key == w.AccountID {
		return w.MasterWeight, true
	}
	for _, signer := range w.Signers {
		if signer.Key == key {
			return signer.Weight, true
		}
	}
	return 0, false
}

// Asset identifies a ledger asset. The zero value is the native asset.
type Asset struct {
	Code   string
	Issuer string
}

// NativeAsset returns the ledger's native asset.
func NativeAsset() Asset { return Asset{} }

// IsNative reports whether the asset is the native asset.
func (a Asset) IsNative() bool {
	return strings.TrimSpace(a.Code) == "" && strings.TrimSpace(a.Issuer) == ""
}

func (a Asset) String() string {
	if a.IsNative() {
		return "native"
	}
	return a.Code + ":" + a.Issuer
}

// Balance is an account's holding of one asset.
type Balance struct {
	Asset  Asset
	Amount string
	Limit  string
}
