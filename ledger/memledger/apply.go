package memledger

import (
	"errors"
	"fmt"

	"github.com/stellar/go/amount"
	"github.com/stellar/go/xdr"

	"escrowlane/ledger"
	"escrowlane/ledger/txbuild"
	"escrowlane/storage/kv"
)

// workingSet buffers account changes until commit so that a failing
// operation leaves the stored state untouched.
type workingSet struct {
	l        *Ledger
	accounts map[string]*account
	removed  map[string]bool
	order    []string
}

func newWorkingSet(l *Ledger) *workingSet {
	return &workingSet{
		l:        l,
		accounts: make(map[string]*account),
		removed:  make(map[string]bool),
	}
}

func (w *workingSet) get(address string) (*account, error) {
	if w.removed[address] {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, address)
	}
	if acct, ok := w.accounts[address]; ok {
		return acct, nil
	}
	acct, err := w.l.load(address)
	if err != nil {
		return nil, err
	}
	w.track(acct)
	return acct, nil
}

func (w *workingSet) exists(address string) bool {
	_, err := w.get(address)
	return err == nil
}

func (w *workingSet) track(acct *account) {
	if _, ok := w.accounts[acct.ID]; !ok {
		w.order = append(w.order, acct.ID)
	}
	w.accounts[acct.ID] = acct
	delete(w.removed, acct.ID)
}

func (w *workingSet) remove(address string) {
	delete(w.accounts, address)
	w.removed[address] = true
}

// stage writes every buffered change into b.
func (w *workingSet) stage(b *kv.Batch) error {
	for _, id := range w.order {
		if w.removed[id] {
			continue
		}
		if acct, ok := w.accounts[id]; ok {
			raw, err := encodeAccount(acct)
			if err != nil {
				return err
			}
			b.Put([]byte(accountPrefix+id), raw)
		}
	}
	for id := range w.removed {
		b.Delete([]byte(accountPrefix + id))
	}
	return nil
}

// authorize checks that every account touched by the transaction gathered
// enough signing weight for the tier its operations require. Operation codes
// are returned when an operation names a source account that does not exist.
func (w *workingSet) authorize(env xdr.TransactionEnvelope, tx txbuild.Transaction, passphrase string) ([]string, bool, error) {
	involved := []string{tx.Source}
	seen := map[string]bool{tx.Source: true}
	for _, op := range tx.Operations {
		src := op.Source()
		if src == "" || seen[src] {
			continue
		}
		seen[src] = true
		involved = append(involved, src)
	}

	for _, address := range involved {
		acct, err := w.get(address)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			codes := make([]string, len(tx.Operations))
			for i, op := range tx.Operations {
				codes[i] = OpSuccess
				if op.Source() == address {
					codes[i] = OpNoSourceAccount
				}
			}
			return codes, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		weights := acct.weights()
		tier := ledger.RequiredTier(address, tx.Source, tx.Operations)
		needed := weights.Threshold(tier)
		if needed < 1 {
			needed = 1
		}
		candidates := []string{address}
		for _, signer := range weights.Signers {
			candidates = append(candidates, signer.Key)
		}
		signed, err := txbuild.SignedBy(env, passphrase, candidates)
		if err != nil {
			return nil, false, err
		}
		total := 0
		for _, key := range signed {
			weight, _ := weights.WeightOf(key)
			total += weight
		}
		if total < needed {
			return nil, false, nil
		}
	}
	return nil, true, nil
}

func (w *workingSet) apply(txSource string, op ledger.Operation, ledgerSeq int64) string {
	src := op.Source()
	if src == "" {
		src = txSource
	}
	source, err := w.get(src)
	if err != nil {
		return OpNoSourceAccount
	}

	switch o := op.(type) {
	case ledger.CreateAccount:
		if w.exists(o.Destination) {
			return OpAlreadyExists
		}
		balance, err := amount.Parse(o.StartingBalance)
		if err != nil || balance <= 0 {
			return OpMalformed
		}
		if source.Balance < int64(balance) {
			return OpUnderfunded
		}
		source.Balance -= int64(balance)
		created := newAccount(o.Destination, ledgerSeq)
		created.Balance = int64(balance)
		w.track(created)
		return OpSuccess

	case ledger.Payment:
		value, err := amount.Parse(o.Amount)
		if err != nil || value <= 0 {
			return OpMalformed
		}
		dest, err := w.get(o.Destination)
		if err != nil {
			return OpNoDestination
		}
		return transfer(source, dest, o.Asset, int64(value))

	case ledger.SetOptions:
		if o.MasterWeight != nil {
			source.MasterWeight = int(*o.MasterWeight)
		}
		if o.LowThreshold != nil {
			source.Low = int(*o.LowThreshold)
		}
		if o.MediumThreshold != nil {
			source.Medium = int(*o.MediumThreshold)
		}
		if o.HighThreshold != nil {
			source.High = int(*o.HighThreshold)
		}
		if o.Signer != nil {
			if o.Signer.Key == source.ID {
				return OpBadSigner
			}
			setSigner(source, *o.Signer)
		}
		return OpSuccess

	case ledger.AccountMerge:
		if o.Destination == source.ID {
			return OpMalformed
		}
		dest, err := w.get(o.Destination)
		if err != nil {
			return OpNoDestination
		}
		if len(source.Trustlines) > 0 {
			return OpHasSubEntries
		}
		dest.Balance += source.Balance
		w.remove(source.ID)
		return OpSuccess

	case ledger.BumpSequence:
		if o.BumpTo > source.Sequence {
			source.Sequence = o.BumpTo
		}
		return OpSuccess

	case ledger.ChangeTrust:
		if !w.exists(o.Asset.Issuer) {
			return OpNoIssuer
		}
		limit := int64(1<<63 - 1)
		if o.Limit != "" {
			parsed, err := amount.Parse(o.Limit)
			if err != nil || parsed < 0 {
				return OpMalformed
			}
			limit = int64(parsed)
		}
		line := source.trustline(o.Asset)
		if limit == 0 {
			if line == nil {
				return OpSuccess
			}
			if line.Balance > 0 {
				return OpInvalidLimit
			}
			removeTrustline(source, o.Asset)
			return OpSuccess
		}
		if line == nil {
			source.Trustlines = append(source.Trustlines, trustline{Code: o.Asset.Code, Issuer: o.Asset.Issuer, Limit: limit})
			return OpSuccess
		}
		if limit < line.Balance {
			return OpInvalidLimit
		}
		line.Limit = limit
		return OpSuccess

	default:
		return OpMalformed
	}
}

func transfer(source, dest *account, asset ledger.Asset, value int64) string {
	if asset.IsNative() {
		if source.Balance < value {
			return OpUnderfunded
		}
		source.Balance -= value
		dest.Balance += value
		return OpSuccess
	}
	if source.ID != asset.Issuer {
		line := source.trustline(asset)
		if line == nil {
			return OpSrcNoTrust
		}
		if line.Balance < value {
			return OpUnderfunded
		}
		line.Balance -= value
	}
	if dest.ID != asset.Issuer {
		line := dest.trustline(asset)
		if line == nil {
			return OpNoTrust
		}
		if line.Limit-line.Balance < value {
			return OpLineFull
		}
		line.Balance += value
	}
	return OpSuccess
}

func setSigner(acct *account, signer ledger.SignerWeight) {
	for i := range acct.Signers {
		if acct.Signers[i].Key != signer.Key {
			continue
		}
		if signer.Weight == 0 {
			acct.Signers = append(acct.Signers[:i], acct.Signers[i+1:]...)
		} else {
			acct.Signers[i].Weight = signer.Weight
		}
		return
	}
	if signer.Weight > 0 {
		acct.Signers = append(acct.Signers, signer)
	}
}

func removeTrustline(acct *account, asset ledger.Asset) {
	for i := range acct.Trustlines {
		if acct.Trustlines[i].Code == asset.Code && acct.Trustlines[i].Issuer == asset.Issuer {
			acct.Trustlines = append(acct.Trustlines[:i], acct.Trustlines[i+1:]...)
			return
		}
	}
}
