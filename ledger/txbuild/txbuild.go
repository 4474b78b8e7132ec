// Package txbuild encodes ledger operations into base64 XDR transaction
// envelopes and handles envelope hashing, signing and signature inspection.
package txbuild

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/stellar/go/amount"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/xdr"

	"escrowlane/ledger"
)

// BaseFee is charged per operation, in stroops.
const BaseFee = 100

var (
	// ErrInvalidEnvelope is returned when an envelope cannot be decoded.
	ErrInvalidEnvelope = errors.New("txbuild: invalid envelope")
	// ErrInvalidOperation is returned for operations that cannot be encoded.
	ErrInvalidOperation = errors.New("txbuild: invalid operation")
)

// Params describes a transaction to encode.
type Params struct {
	Source     string
	Sequence   int64
	Operations []ledger.Operation
	TimeBounds *ledger.TimeBounds
}

// Transaction is the decoded, ledger-level view of an envelope.
type Transaction struct {
	Source     string
	Sequence   int64
	Fee        uint32
	TimeBounds *ledger.TimeBounds
	Operations []ledger.Operation
	Signatures int
}

// Build encodes an unsigned envelope.
func Build(p Params) (string, error) {
	if len(p.Operations) == 0 {
		return "", fmt.Errorf("%w: transaction has no operations", ErrInvalidOperation)
	}
	if p.Sequence <= 0 {
		return "", fmt.Errorf("%w: sequence must be positive", ErrInvalidOperation)
	}
	var source xdr.AccountId
	if err := source.SetAddress(strings.TrimSpace(p.Source)); err != nil {
		return "", fmt.Errorf("%w: source %q: %v", ErrInvalidOperation, p.Source, err)
	}
	tx := xdr.Transaction{
		SourceAccount: source,
		Fee:           xdr.Uint32(BaseFee * len(p.Operations)),
		SeqNum:        xdr.SequenceNumber(p.Sequence),
		Memo:          xdr.Memo{Type: xdr.MemoTypeMemoNone},
	}
	if p.TimeBounds != nil {
		tx.TimeBounds = &xdr.TimeBounds{
			MinTime: xdr.TimePoint(p.TimeBounds.MinTime),
			MaxTime: xdr.TimePoint(p.TimeBounds.MaxTime),
		}
	}
	for i, op := range p.Operations {
		encoded, err := encodeOperation(p.Source, op)
		if err != nil {
			return "", fmt.Errorf("operation %d: %w", i, err)
		}
		tx.Operations = append(tx.Operations, encoded)
	}
	return Encode(xdr.TransactionEnvelope{Tx: tx})
}

// Encode marshals an envelope to base64 XDR.
func Encode(env xdr.TransactionEnvelope) (string, error) {
	out, err := xdr.MarshalBase64(env)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return out, nil
}

// Decode unmarshals a base64 XDR envelope.
func Decode(envelope string) (xdr.TransactionEnvelope, error) {
	var env xdr.TransactionEnvelope
	if strings.TrimSpace(envelope) == "" {
		return env, fmt.Errorf("%w: empty", ErrInvalidEnvelope)
	}
	if err := xdr.SafeUnmarshalBase64(envelope, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return env, nil
}

// Hash returns the network-scoped hash that signers sign.
func Hash(env xdr.TransactionEnvelope, passphrase string) ([32]byte, error) {
	return network.HashTransaction(&env.Tx, passphrase)
}

// Sign appends the signature of secret to the envelope. Signing twice with
// the same key leaves the envelope unchanged.
func Sign(envelope, secret, passphrase string) (string, error) {
	env, err := Decode(envelope)
	if err != nil {
		return "", err
	}
	kp, err := keypair.Parse(strings.TrimSpace(secret))
	if err != nil {
		return "", fmt.Errorf("txbuild: parse secret: %w", err)
	}
	hash, err := Hash(env, passphrase)
	if err != nil {
		return "", fmt.Errorf("txbuild: hash: %w", err)
	}
	sig, err := kp.SignDecorated(hash[:])
	if err != nil {
		return "", fmt.Errorf("txbuild: sign: %w", err)
	}
	for _, existing := range env.Signatures {
		if existing.Hint == sig.Hint && bytes.Equal(existing.Signature, sig.Signature) {
			return envelope, nil
		}
	}
	env.Signatures = append(env.Signatures, sig)
	return Encode(env)
}

// SignatureCount returns the number of decorated signatures on the envelope.
func SignatureCount(envelope string) (int, error) {
	env, err := Decode(envelope)
	if err != nil {
		return 0, err
	}
	return len(env.Signatures), nil
}

// SignedBy returns the subset of candidate addresses holding a valid
// signature over the envelope, in candidate order and without duplicates.
func SignedBy(env xdr.TransactionEnvelope, passphrase string, candidates []string) ([]string, error) {
	hash, err := Hash(env, passphrase)
	if err != nil {
		return nil, fmt.Errorf("txbuild: hash: %w", err)
	}
	seen := make(map[string]struct{}, len(candidates))
	var signed []string
	for _, address := range candidates {
		if _, dup := seen[address]; dup {
			continue
		}
		seen[address] = struct{}{}
		kp, err := keypair.Parse(address)
		if err != nil {
			continue
		}
		hint := kp.Hint()
		for _, sig := range env.Signatures {
			if [4]byte(sig.Hint) != hint {
				continue
			}
			if kp.Verify(hash[:], sig.Signature) == nil {
				signed = append(signed, address)
				break
			}
		}
	}
	return signed, nil
}

// Describe decodes an envelope into its ledger-level view.
func Describe(envelope string) (Transaction, error) {
	env, err := Decode(envelope)
	if err != nil {
		return Transaction{}, err
	}
	return describe(env)
}

func describe(env xdr.TransactionEnvelope) (Transaction, error) {
	tx := Transaction{
		Source:     env.Tx.SourceAccount.Address(),
		Sequence:   int64(env.Tx.SeqNum),
		Fee:        uint32(env.Tx.Fee),
		Signatures: len(env.Signatures),
	}
	if tb := env.Tx.TimeBounds; tb != nil {
		tx.TimeBounds = &ledger.TimeBounds{MinTime: int64(tb.MinTime), MaxTime: int64(tb.MaxTime)}
	}
	for i, op := range env.Tx.Operations {
		decoded, err := decodeOperation(op)
		if err != nil {
			return Transaction{}, fmt.Errorf("operation %d: %w", i, err)
		}
		tx.Operations = append(tx.Operations, decoded)
	}
	return tx, nil
}

// DescribeEnvelope is Describe for an already decoded envelope.
func DescribeEnvelope(env xdr.TransactionEnvelope) (Transaction, error) {
	return describe(env)
}

func encodeOperation(txSource string, op ledger.Operation) (xdr.Operation, error) {
	var out xdr.Operation
	if src := strings.TrimSpace(op.Source()); src != "" && src != txSource {
		var aid xdr.AccountId
		if err := aid.SetAddress(src); err != nil {
			return out, fmt.Errorf("%w: source %q: %v", ErrInvalidOperation, src, err)
		}
		out.SourceAccount = &aid
	}

	var (
		body xdr.OperationBody
		err  error
	)
	switch o := op.(type) {
	case ledger.CreateAccount:
		dest, derr := accountID(o.Destination)
		if derr != nil {
			return out, derr
		}
		balance, perr := parseAmount(o.StartingBalance)
		if perr != nil {
			return out, perr
		}
		body, err = xdr.NewOperationBody(xdr.OperationTypeCreateAccount, xdr.CreateAccountOp{
			Destination:     dest,
			StartingBalance: balance,
		})
	case ledger.Payment:
		dest, derr := accountID(o.Destination)
		if derr != nil {
			return out, derr
		}
		asset, aerr := encodeAsset(o.Asset)
		if aerr != nil {
			return out, aerr
		}
		amt, perr := parseAmount(o.Amount)
		if perr != nil {
			return out, perr
		}
		body, err = xdr.NewOperationBody(xdr.OperationTypePayment, xdr.PaymentOp{
			Destination: dest,
			Asset:       asset,
			Amount:      amt,
		})
	case ledger.SetOptions:
		setOpts := xdr.SetOptionsOp{
			MasterWeight:  uint32Ptr(o.MasterWeight),
			LowThreshold:  uint32Ptr(o.LowThreshold),
			MedThreshold:  uint32Ptr(o.MediumThreshold),
			HighThreshold: uint32Ptr(o.HighThreshold),
		}
		if o.Signer != nil {
			var key xdr.SignerKey
			if kerr := key.SetAddress(strings.TrimSpace(o.Signer.Key)); kerr != nil {
				return out, fmt.Errorf("%w: signer %q: %v", ErrInvalidOperation, o.Signer.Key, kerr)
			}
			if o.Signer.Weight < 0 || o.Signer.Weight > 255 {
				return out, fmt.Errorf("%w: signer weight %d out of range", ErrInvalidOperation, o.Signer.Weight)
			}
			setOpts.Signer = &xdr.Signer{Key: key, Weight: xdr.Uint32(o.Signer.Weight)}
		}
		body, err = xdr.NewOperationBody(xdr.OperationTypeSetOptions, setOpts)
	case ledger.AccountMerge:
		dest, derr := accountID(o.Destination)
		if derr != nil {
			return out, derr
		}
		body, err = xdr.NewOperationBody(xdr.OperationTypeAccountMerge, dest)
	case ledger.BumpSequence:
		body, err = xdr.NewOperationBody(xdr.OperationTypeBumpSequence, xdr.BumpSequenceOp{
			BumpTo: xdr.SequenceNumber(o.BumpTo),
		})
	case ledger.ChangeTrust:
		if o.Asset.IsNative() {
			return out, fmt.Errorf("%w: cannot trust the native asset", ErrInvalidOperation)
		}
		asset, aerr := encodeAsset(o.Asset)
		if aerr != nil {
			return out, aerr
		}
		limit, perr := parseLimit(o.Limit)
		if perr != nil {
			return out, perr
		}
		body, err = xdr.NewOperationBody(xdr.OperationTypeChangeTrust, xdr.ChangeTrustOp{
			Line:  asset,
			Limit: limit,
		})
	default:
		return out, fmt.Errorf("%w: unsupported operation %T", ErrInvalidOperation, op)
	}
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	out.Body = body
	return out, nil
}

func decodeOperation(op xdr.Operation) (ledger.Operation, error) {
	source := ""
	if op.SourceAccount != nil {
		source = op.SourceAccount.Address()
	}
	switch op.Body.Type {
	case xdr.OperationTypeCreateAccount:
		body := op.Body.MustCreateAccountOp()
		return ledger.CreateAccount{
			SourceAccount:   source,
			Destination:     body.Destination.Address(),
			StartingBalance: amount.String(body.StartingBalance),
		}, nil
	case xdr.OperationTypePayment:
		body := op.Body.MustPaymentOp()
		asset, err := decodeAsset(body.Asset)
		if err != nil {
			return nil, err
		}
		return ledger.Payment{
			SourceAccount: source,
			Destination:   body.Destination.Address(),
			Asset:         asset,
			Amount:        amount.String(body.Amount),
		}, nil
	case xdr.OperationTypeSetOptions:
		body := op.Body.MustSetOptionsOp()
		out := ledger.SetOptions{
			SourceAccount:   source,
			MasterWeight:    uint8Ptr(body.MasterWeight),
			LowThreshold:    uint8Ptr(body.LowThreshold),
			MediumThreshold: uint8Ptr(body.MedThreshold),
			HighThreshold:   uint8Ptr(body.HighThreshold),
		}
		if body.Signer != nil {
			out.Signer = &ledger.SignerWeight{
				Key:    body.Signer.Key.Address(),
				Weight: int(body.Signer.Weight),
			}
		}
		return out, nil
	case xdr.OperationTypeAccountMerge:
		dest := op.Body.MustDestination()
		return ledger.AccountMerge{SourceAccount: source, Destination: dest.Address()}, nil
	case xdr.OperationTypeBumpSequence:
		body := op.Body.MustBumpSequenceOp()
		return ledger.BumpSequence{SourceAccount: source, BumpTo: int64(body.BumpTo)}, nil
	case xdr.OperationTypeChangeTrust:
		body := op.Body.MustChangeTrustOp()
		asset, err := decodeAsset(body.Line)
		if err != nil {
			return nil, err
		}
		return ledger.ChangeTrust{SourceAccount: source, Asset: asset, Limit: amount.String(body.Limit)}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported operation type %d", ErrInvalidOperation, op.Body.Type)
	}
}

func accountID(address string) (xdr.AccountId, error) {
	var aid xdr.AccountId
	if err := aid.SetAddress(strings.TrimSpace(address)); err != nil {
		return aid, fmt.Errorf("%w: account %q: %v", ErrInvalidOperation, address, err)
	}
	return aid, nil
}

func parseAmount(value string) (xdr.Int64, error) {
	parsed, err := amount.Parse(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %v", ErrInvalidOperation, value, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%w: amount %q must be positive", ErrInvalidOperation, value)
	}
	return parsed, nil
}

// parseLimit accepts zero, which removes a trustline. An empty limit means
// the maximum representable amount.
func parseLimit(value string) (xdr.Int64, error) {
	if strings.TrimSpace(value) == "" {
		return xdr.Int64(1<<63 - 1), nil
	}
	parsed, err := amount.Parse(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: limit %q: %v", ErrInvalidOperation, value, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("%w: limit %q is negative", ErrInvalidOperation, value)
	}
	return parsed, nil
}

func encodeAsset(asset ledger.Asset) (xdr.Asset, error) {
	if asset.IsNative() {
		return xdr.Asset{Type: xdr.AssetTypeAssetTypeNative}, nil
	}
	issuer, err := accountID(asset.Issuer)
	if err != nil {
		return xdr.Asset{}, err
	}
	var out xdr.Asset
	if err := out.SetCredit(strings.TrimSpace(asset.Code), issuer); err != nil {
		return xdr.Asset{}, fmt.Errorf("%w: asset %s: %v", ErrInvalidOperation, asset, err)
	}
	return out, nil
}

func decodeAsset(asset xdr.Asset) (ledger.Asset, error) {
	var (
		typ          xdr.AssetType
		code, issuer string
	)
	if err := asset.Extract(&typ, &code, &issuer); err != nil {
		return ledger.Asset{}, fmt.Errorf("%w: asset: %v", ErrInvalidOperation, err)
	}
	if typ == xdr.AssetTypeAssetTypeNative {
		return ledger.NativeAsset(), nil
	}
	return ledger.Asset{Code: code, Issuer: issuer}, nil
}

func uint32Ptr(v *uint8) *xdr.Uint32 {
	if v == nil {
		return nil
	}
	out := xdr.Uint32(*v)
	return &out
}

func uint8Ptr(v *xdr.Uint32) *uint8 {
	if v == nil {
		return nil
	}
	out := uint8(*v)
	return &out
}
