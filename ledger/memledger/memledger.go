// Package memledger is a single-node ledger simulator implementing
// ledger.Gateway. It enforces sequence numbers, time bounds and signer
// weights the way the network does, which makes it suitable for tests and
// for running escrowd without network access.
package memledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stellar/go/amount"
	"github.com/stellar/go/network"

	"escrowlane/ledger"
	"escrowlane/ledger/txbuild"
	"escrowlane/storage/kv"
)

const (
	accountPrefix = "account/"
	txPrefix      = "tx/"
	ledgerKey     = "meta/ledger"
)

// Result codes reported through ledger.SubmissionError.
const (
	TxBadSeq              = "tx_bad_seq"
	TxBadAuth             = "tx_bad_auth"
	TxTooEarly            = "tx_too_early"
	TxTooLate             = "tx_too_late"
	TxNoSourceAccount     = "tx_no_source_account"
	TxInsufficientBalance = "tx_insufficient_balance"
	TxFailed              = "tx_failed"
	TxMalformed           = "tx_malformed"

	OpSuccess         = "op_success"
	OpNoSourceAccount = "op_no_source_account"
	OpAlreadyExists   = "op_already_exists"
	OpNoDestination   = "op_no_destination"
	OpUnderfunded     = "op_underfunded"
	OpNoTrust         = "op_no_trust"
	OpSrcNoTrust      = "op_src_no_trust"
	OpLineFull        = "op_line_full"
	OpNoIssuer        = "op_no_issuer"
	OpInvalidLimit    = "op_invalid_limit"
	OpHasSubEntries   = "op_has_sub_entries"
	OpMalformed       = "op_malformed"
	OpBadSigner       = "op_bad_signer"
)

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for time-bound checks.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithPassphrase sets the network passphrase transactions are hashed with.
func WithPassphrase(passphrase string) Option {
	return func(l *Ledger) {
		if strings.TrimSpace(passphrase) != "" {
			l.passphrase = passphrase
		}
	}
}

// Ledger keeps account state in a kv.Database.
type Ledger struct {
	mu         sync.Mutex
	db         kv.Database
	passphrase string
	now        func() time.Time
}

var _ ledger.Gateway = (*Ledger)(nil)

// New returns a ledger backed by db.
func New(db kv.Database, opts ...Option) *Ledger {
	l := &Ledger{
		db:         db,
		passphrase: network.TestNetworkPassphrase,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Passphrase returns the network passphrase.
func (l *Ledger) Passphrase() string { return l.passphrase }

type trustline struct {
	Code    string `json:"code"`
	Issuer  string `json:"issuer"`
	Balance int64  `json:"balance"`
	Limit   int64  `json:"limit"`
}

type account struct {
	ID           string                `json:"id"`
	Sequence     int64                 `json:"sequence"`
	Balance      int64                 `json:"balance"`
	MasterWeight int                   `json:"master_weight"`
	Low          int                   `json:"low"`
	Medium       int                   `json:"medium"`
	High         int                   `json:"high"`
	Signers      []ledger.SignerWeight `json:"signers,omitempty"`
	Trustlines   []trustline           `json:"trustlines,omitempty"`
}

func (a *account) weights() ledger.AccountWeight {
	return ledger.AccountWeight{
		AccountID:    a.ID,
		MasterWeight: a.MasterWeight,
		Low:          a.Low,
		Medium:       a.Medium,
		High:         a.High,
		Signers:      append([]ledger.SignerWeight(nil), a.Signers...),
	}
}

func (a *account) trustline(asset ledger.Asset) *trustline {
	for i := range a.Trustlines {
		if a.Trustlines[i].Code == asset.Code && a.Trustlines[i].Issuer == asset.Issuer {
			return &a.Trustlines[i]
		}
	}
	return nil
}

// Fund credits amount of the native asset to address, creating the account
// if it does not exist yet.
func (l *Ledger) Fund(address, value string) error {
	if !txbuild.ValidAddress(address) {
		return fmt.Errorf("memledger: fund: invalid address %q", address)
	}
	stroops, err := amount.Parse(value)
	if err != nil || stroops <= 0 {
		return fmt.Errorf("memledger: fund amount %q is invalid", value)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, err := l.load(address)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		seq, serr := l.ledgerSequence()
		if serr != nil {
			return serr
		}
		acct = newAccount(address, seq)
	case err != nil:
		return err
	}
	acct.Balance += int64(stroops)
	return l.store(acct)
}

// Accounts lists the addresses of every live account.
func (l *Ledger) Accounts() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys, err := l.db.Keys([]byte(accountPrefix))
	if err != nil {
		return nil, fmt.Errorf("memledger: list accounts: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, strings.TrimPrefix(string(key), accountPrefix))
	}
	return out, nil
}

func (l *Ledger) NewKeypair() (ledger.Keypair, error) {
	return txbuild.NewKeypair()
}

func (l *Ledger) PublicKey(secret string) (string, error) {
	return txbuild.PublicKey(secret)
}

func (l *Ledger) SequenceNumber(ctx context.Context, accountID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, err := l.load(accountID)
	if err != nil {
		return 0, err
	}
	return acct.Sequence, nil
}

func (l *Ledger) AccountWeights(ctx context.Context, accountID string) (ledger.AccountWeight, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, err := l.load(accountID)
	if err != nil {
		return ledger.AccountWeight{}, err
	}
	return acct.weights(), nil
}

func (l *Ledger) Balances(ctx context.Context, accountID string) ([]ledger.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, err := l.load(accountID)
	if err != nil {
		return nil, err
	}
	out := []ledger.Balance{{Asset: ledger.NativeAsset(), Amount: amount.StringFromInt64(acct.Balance)}}
	for _, line := range acct.Trustlines {
		out = append(out, ledger.Balance{
			Asset:  ledger.Asset{Code: line.Code, Issuer: line.Issuer},
			Amount: amount.StringFromInt64(line.Balance),
			Limit:  amount.StringFromInt64(line.Limit),
		})
	}
	return out, nil
}

func (l *Ledger) BuildTransaction(ctx context.Context, source string, ops []ledger.Operation, bounds *ledger.TimeBounds, sequence int64) (string, error) {
	if sequence == 0 {
		current, err := l.SequenceNumber(ctx, source)
		if err != nil {
			return "", err
		}
		sequence = current + 1
	}
	return txbuild.Build(txbuild.Params{
		Source:     source,
		Sequence:   sequence,
		Operations: ops,
		TimeBounds: bounds,
	})
}

func (l *Ledger) Sign(secret, envelope string) (string, error) {
	return txbuild.Sign(envelope, secret, l.passphrase)
}

// Submit validates and applies a signed envelope. Transactions that pass
// sequence, time-bound and signature checks consume their sequence number
// and fee even when an operation fails.
func (l *Ledger) Submit(ctx context.Context, envelope string) (ledger.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return ledger.SubmitResult{}, err
	}
	env, err := txbuild.Decode(envelope)
	if err != nil {
		return ledger.SubmitResult{}, &ledger.SubmissionError{TransactionCode: TxMalformed}
	}
	tx, err := txbuild.DescribeEnvelope(env)
	if err != nil {
		return ledger.SubmitResult{}, &ledger.SubmissionError{TransactionCode: TxMalformed}
	}
	hash, err := txbuild.Hash(env, l.passphrase)
	if err != nil {
		return ledger.SubmitResult{}, fmt.Errorf("memledger: hash: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	state := newWorkingSet(l)
	source, err := state.get(tx.Source)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return ledger.SubmitResult{}, &ledger.SubmissionError{TransactionCode: TxNoSourceAccount}
	}
	if err != nil {
		return ledger.SubmitResult{}, err
	}
	if tx.Sequence != source.Sequence+1 {
		return ledger.SubmitResult{}, &ledger.SubmissionError{TransactionCode: TxBadSeq}
	}
	if tb := tx.TimeBounds; tb != nil {
		now := l.now().Unix()
		if now < tb.MinTime {
			return ledger.SubmitResult{}, &ledger.SubmissionError{TransactionCode: TxTooEarly}
		}
		if tb.MaxTime != 0 && now > tb.MaxTime {
			return ledger.SubmitResult{}, &ledger.SubmissionError{TransactionCode: TxTooLate}
		}
	}
	if int64(tx.Fee) > source.Balance {
		return ledger.SubmitResult{}, &ledger.SubmissionError{TransactionCode: TxInsufficientBalance}
	}
	opCodes, authorized, err := state.authorize(env, tx, l.passphrase)
	if err != nil {
		return ledger.SubmitResult{}, err
	}
	if opCodes != nil {
		return ledger.SubmitResult{}, &ledger.SubmissionError{TransactionCode: TxFailed, OperationCodes: opCodes}
	}
	if !authorized {
		return ledger.SubmitResult{}, &ledger.SubmissionError{TransactionCode: TxBadAuth}
	}

	// Fee and sequence are charged against the committed state.
	source.Sequence = tx.Sequence
	source.Balance -= int64(tx.Fee)
	if err := l.store(source); err != nil {
		return ledger.SubmitResult{}, err
	}

	seq, err := l.ledgerSequence()
	if err != nil {
		return ledger.SubmitResult{}, err
	}
	ops := newWorkingSet(l)
	codes := make([]string, 0, len(tx.Operations))
	failed := false
	for _, op := range tx.Operations {
		code := ops.apply(tx.Source, op, seq)
		codes = append(codes, code)
		if code != OpSuccess {
			failed = true
			break
		}
	}
	if failed {
		return ledger.SubmitResult{}, &ledger.SubmissionError{TransactionCode: TxFailed, OperationCodes: codes}
	}
	batch := &kv.Batch{}
	if err := ops.stage(batch); err != nil {
		return ledger.SubmitResult{}, err
	}
	txHash := hex.EncodeToString(hash[:])
	batch.Put([]byte(txPrefix+txHash), []byte(strconv.FormatInt(seq, 10)))
	batch.Put([]byte(ledgerKey), []byte(strconv.FormatInt(seq+1, 10)))
	if err := l.db.Write(batch); err != nil {
		return ledger.SubmitResult{}, fmt.Errorf("memledger: close ledger: %w", err)
	}
	return ledger.SubmitResult{Hash: txHash, Ledger: int32(seq)}, nil
}

// Executed reports whether the envelope's transaction was applied with every
// operation succeeding. Failed transactions consume a sequence number but
// are not recorded.
func (l *Ledger) Executed(ctx context.Context, envelope string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	env, err := txbuild.Decode(envelope)
	if err != nil {
		return false, err
	}
	hash, err := txbuild.Hash(env, l.passphrase)
	if err != nil {
		return false, fmt.Errorf("memledger: hash: %w", err)
	}
	_, err = l.db.Get([]byte(txPrefix + hex.EncodeToString(hash[:])))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("memledger: lookup transaction: %w", err)
	}
	return true, nil
}

func newAccount(address string, ledgerSeq int64) *account {
	return &account{ID: address, Sequence: ledgerSeq << 32, MasterWeight: 1}
}

func (l *Ledger) ledgerSequence() (int64, error) {
	raw, err := l.db.Get([]byte(ledgerKey))
	if errors.Is(err, kv.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("memledger: read ledger sequence: %w", err)
	}
	seq, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memledger: decode ledger sequence: %w", err)
	}
	return seq, nil
}

func (l *Ledger) load(address string) (*account, error) {
	raw, err := l.db.Get([]byte(accountPrefix + strings.TrimSpace(address)))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, address)
	}
	if err != nil {
		return nil, fmt.Errorf("memledger: load %s: %w", address, err)
	}
	var acct account
	if err := json.Unmarshal(raw, &acct); err != nil {
		return nil, fmt.Errorf("memledger: decode %s: %w", address, err)
	}
	return &acct, nil
}

func encodeAccount(acct *account) ([]byte, error) {
	raw, err := json.Marshal(acct)
	if err != nil {
		return nil, fmt.Errorf("memledger: encode %s: %w", acct.ID, err)
	}
	return raw, nil
}

func (l *Ledger) store(acct *account) error {
	raw, err := encodeAccount(acct)
	if err != nil {
		return err
	}
	if err := l.db.Put([]byte(accountPrefix+acct.ID), raw); err != nil {
		return fmt.Errorf("memledger: store %s: %w", acct.ID, err)
	}
	return nil
}
