package escrow

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"escrowlane/ledger"
)

// PhaseType identifies a stage of the escrow timeline. Phases are always
// built in the order declared here.
type PhaseType string

const (
	PhaseServiceInitiation PhaseType = "SERVICE_INITIATION"
	PhaseIntermediary      PhaseType = "INTERMEDIARY"
	PhaseReceipt           PhaseType = "RECEIPT"
	PhaseDispute           PhaseType = "DISPUTE"
)

// PhaseOrder lists the phases in construction order.
var PhaseOrder = []PhaseType{
	PhaseServiceInitiation,
	PhaseIntermediary,
	PhaseReceipt,
	PhaseDispute,
}

// Valid reports whether the phase type is known.
func (p PhaseType) Valid() bool {
	for _, known := range PhaseOrder {
		if p == known {
			return true
		}
	}
	return false
}

// ParsePhaseType accepts the canonical upper-case name in any casing.
func ParsePhaseType(raw string) (PhaseType, error) {
	p := PhaseType(strings.ToUpper(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPhase, raw)
	}
	return p, nil
}

// ContractState captures the lifecycle of a contract.
type ContractState string

const (
	StateInitial   ContractState = "INITIAL"
	StateActivated ContractState = "ACTIVATED"
	StateCompleted ContractState = "COMPLETED"
	StateDisputed  ContractState = "DISPUTED"
)

// Valid reports whether the state value is one of the supported states.
func (s ContractState) Valid() bool {
	switch s {
	case StateInitial, StateActivated, StateCompleted, StateDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further phase can execute.
func (s ContractState) Terminal() bool { return s == StateCompleted }

// Signature is a signing slot of a pre-built transaction.
type Signature struct {
	PublicKey string
	Signed    bool
}

// PreTransaction is a fully encoded transaction awaiting signatures. Sibling
// pre-transactions of a phase share a sequence number.
type PreTransaction struct {
	Outcome        string
	Envelope       string
	SequenceNumber int64
	MinTime        int64
	MaxTime        int64
	Tier           ledger.ThresholdTier
	Signatures     []*Signature
}

// Slot returns the signature slot held by publicKey.
func (t *PreTransaction) Slot(publicKey string) (*Signature, bool) {
	if t == nil {
		return nil, false
	}
	for _, sig := range t.Signatures {
		if sig != nil && sig.PublicKey == publicKey {
			return sig, true
		}
	}
	return nil, false
}

// SignedCount returns the number of signed slots.
func (t *PreTransaction) SignedCount() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, sig := range t.Signatures {
		if sig != nil && sig.Signed {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the transaction.
func (t *PreTransaction) Clone() *PreTransaction {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Signatures = make([]*Signature, len(t.Signatures))
	for i, sig := range t.Signatures {
		if sig != nil {
			copied := *sig
			clone.Signatures[i] = &copied
		}
	}
	return &clone
}

// ContractPhase groups the alternative outcomes that consume one sequence
// number.
type ContractPhase struct {
	Type           PhaseType
	SequenceOffset int64
	Transactions   []*PreTransaction
}

// Transaction returns the phase transaction for outcome.
func (p *ContractPhase) Transaction(outcome string) (*PreTransaction, bool) {
	if p == nil {
		return nil, false
	}
	for _, tx := range p.Transactions {
		if tx != nil && tx.Outcome == outcome {
			return tx, true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the phase.
func (p *ContractPhase) Clone() *ContractPhase {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Transactions = make([]*PreTransaction, len(p.Transactions))
	for i, tx := range p.Transactions {
		clone.Transactions[i] = tx.Clone()
	}
	return &clone
}

// Contract is a three-party escrow agreement and its pre-built transaction
// chain.
type Contract struct {
	ID                    uuid.UUID
	EscrowAccountID       string
	SourceAccountID       string
	SellerAccountID       string
	DestAccountID         string
	BaseSequenceNumber    int64
	CurrentSequenceNumber int64
	CurrentPhaseNumber    int
	FundingAmount         string
	Obligation            string
	State                 ContractState
	Phases                []*ContractPhase
	CreatedAt             time.Time
}

// Phase returns the phase of the given type.
func (c *Contract) Phase(t PhaseType) (*ContractPhase, int, bool) {
	if c == nil {
		return nil, -1, false
	}
	for i, phase := range c.Phases {
		if phase != nil && phase.Type == t {
			return phase, i, true
		}
	}
	return nil, -1, false
}

// Clone returns a deep copy of the contract so callers can mutate the copy
// without affecting the stored instance.
func (c *Contract) Clone() *Contract {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Phases = make([]*ContractPhase, len(c.Phases))
	for i, phase := range c.Phases {
		clone.Phases[i] = phase.Clone()
	}
	return &clone
}

// User maps an application user to a ledger account.
type User struct {
	ID        int64
	PublicKey string
}

// SetupParams describes a new contract.
type SetupParams struct {
	SourceAccountID     string
	SourceAccountSecret string
	SellerUserID        int64
	// DestinationAccountID receives the released funds. Defaults to the
	// seller's account.
	DestinationAccountID string
	FundingAmount        string
	Obligation           string
}

// SignRequest asks for a signature over a pre-built transaction. An empty
// Secret means the operator signs.
type SignRequest struct {
	Transaction *PreTransaction
	PublicKey   string
	Secret      string
	// EscrowAccountID selects the signing lock. Requests without it share
	// a single lock.
	EscrowAccountID string
}
