package ledger

// Operation is a single ledger operation. An empty Source means the
// operation runs against the transaction's source account.
type Operation interface {
	Source() string
	Tier() ThresholdTier
}

// CreateAccount funds a new account from the source.
type CreateAccount struct {
	SourceAccount   string
	Destination     string
	StartingBalance string
}

func (o CreateAccount) Source() string      { return o.SourceAccount }
func (o CreateAccount) Tier() ThresholdTier { return TierMedium }

// SetOptions changes the signer table and thresholds of the source account.
// Nil fields are left untouched. A signer with weight zero is removed.
type SetOptions struct {
	SourceAccount   string
	MasterWeight    *uint8
	LowThreshold    *uint8
	MediumThreshold *uint8
	HighThreshold   *uint8
	Signer          *SignerWeight
}

func (o SetOptions) Source() string { return o.SourceAccount }

// Tier is high whenever the operation touches weights, thresholds or signers.
func (o SetOptions) Tier() ThresholdTier {
	if o.MasterWeight != nil || o.LowThreshold != nil || o.MediumThreshold != nil ||
		o.HighThreshold != nil || o.Signer != nil {
		return TierHigh
	}
	return TierMedium
}

// Payment moves an amount of an asset from the source to the destination.
type Payment struct {
	SourceAccount string
	Destination   string
	Asset         Asset
	Amount        string
}

func (o Payment) Source() string      { return o.SourceAccount }
func (o Payment) Tier() ThresholdTier { return TierMedium }

// AccountMerge transfers the native balance of the source to the destination
// and removes the source account.
type AccountMerge struct {
	SourceAccount string
	Destination   string
}

func (o AccountMerge) Source() string      { return o.SourceAccount }
func (o AccountMerge) Tier() ThresholdTier { return TierHigh }

// BumpSequence raises the source's sequence number to BumpTo. Values at or
// below the current sequence are a no-op.
type BumpSequence struct {
	SourceAccount string
	BumpTo        int64
}

func (o BumpSequence) Source() string      { return o.SourceAccount }
func (o BumpSequence) Tier() ThresholdTier { return TierLow }

// ChangeTrust creates, updates or (with a zero limit) removes a trustline.
type ChangeTrust struct {
	SourceAccount string
	Asset         Asset
	Limit         string
}

func (o ChangeTrust) Source() string      { return o.SourceAccount }
func (o ChangeTrust) Tier() ThresholdTier { return TierMedium }

// Uint8 returns a pointer to v for the optional SetOptions fields.
func Uint8(v uint8) *uint8 { return &v }

// RequiredTier returns the highest tier the account must satisfy for a
// transaction sourced by txSource. Every transaction needs at least the low
// tier of its source for the fee and sequence number.
func RequiredTier(account, txSource string, ops []Operation) ThresholdTier {
	tier := ThresholdTier(0)
	if account == txSource {
		tier = TierLow
	}
	for _, op := range ops {
		source := op.Source()
		if source == "" {
			source = txSource
		}
		if source != account {
			continue
		}
		if t := op.Tier(); t > tier {
			tier = t
		}
	}
	return tier
}
