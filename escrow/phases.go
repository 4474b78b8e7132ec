package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrowlane/ledger"
)

// Outcomes of the pre-built transaction chain.
const (
	OutcomeFund      = "fund"
	OutcomeHandoff   = "handoff"
	OutcomeRefund    = "refund"
	OutcomeRelease   = "release"
	OutcomeEscalate  = "escalate"
	OutcomeAward     = "award"
	OutcomeReimburse = "reimburse"
)

// outcomeOrder is the order outcome windows are laid on the timeline.
var outcomeOrder = []string{
	OutcomeFund,
	OutcomeHandoff,
	OutcomeRefund,
	OutcomeRelease,
	OutcomeEscalate,
	OutcomeAward,
	OutcomeReimburse,
}

func (w Windows) length(outcome string) time.Duration {
	switch outcome {
	case OutcomeFund:
		return w.Funding.Duration
	case OutcomeHandoff:
		return w.Service.Duration
	case OutcomeRefund:
		return w.Refund.Duration
	case OutcomeRelease:
		return w.Receipt.Duration
	case OutcomeEscalate:
		return w.Escalation.Duration
	case OutcomeAward:
		return w.Award.Duration
	case OutcomeReimburse:
		return w.Reimburse.Duration
	default:
		return 0
	}
}

// Timeline lays every outcome window end to end starting at start. Each
// window is inclusive and the next one opens one second after it closes.
func Timeline(start time.Time, windows Windows) map[string]ledger.TimeBounds {
	out := make(map[string]ledger.TimeBounds, len(outcomeOrder))
	cursor := start.Unix()
	for _, outcome := range outcomeOrder {
		secs := int64(windows.length(outcome) / time.Second)
		if secs < 1 {
			secs = 1
		}
		out[outcome] = ledger.TimeBounds{MinTime: cursor, MaxTime: cursor + secs - 1}
		cursor += secs
	}
	return out
}

// phaseInput is everything a builder needs to encode a phase.
type phaseInput struct {
	contract *Contract
	operator string
	policy   Policy
	timeline map[string]ledger.TimeBounds
	cursor   *sequenceCursor
	// sequence is set by buildPhase to the sequence shared by the phase.
	sequence int64
}

type outcomeBuilder struct {
	outcome    string
	operations func(in phaseInput) []ledger.Operation
}

type phaseBuilder struct {
	outcomes []outcomeBuilder
	// sellerSigns adds a seller slot. The seller only holds weight after
	// the handoff outcome has executed.
	sellerSigns bool
	// settle runs when the phase's sequence was consumed and the escrow
	// account still exists.
	settle func(c *Contract)
}

var phaseBuilders = map[PhaseType]phaseBuilder{
	PhaseServiceInitiation: {
		outcomes: []outcomeBuilder{{
			outcome: OutcomeFund,
			operations: func(in phaseInput) []ledger.Operation {
				c := in.contract
				return []ledger.Operation{ledger.Payment{
					SourceAccount: c.SourceAccountID,
					Destination:   c.EscrowAccountID,
					Asset:         ledger.NativeAsset(),
					Amount:        c.FundingAmount,
				}}
			},
		}},
	},
	PhaseIntermediary: {
		outcomes: []outcomeBuilder{
			{
				outcome: OutcomeHandoff,
				operations: func(in phaseInput) []ledger.Operation {
					return []ledger.Operation{ledger.SetOptions{
						Signer: &ledger.SignerWeight{
							Key:    in.contract.SellerAccountID,
							Weight: int(in.policy.Weights.Seller),
						},
					}}
				},
			},
			{
				outcome: OutcomeRefund,
				operations: func(in phaseInput) []ledger.Operation {
					return []ledger.Operation{ledger.AccountMerge{Destination: in.contract.SourceAccountID}}
				},
			},
		},
	},
	PhaseReceipt: {
		sellerSigns: true,
		settle: func(c *Contract) {
			c.State = StateDisputed
		},
		outcomes: []outcomeBuilder{
			{
				outcome:    OutcomeRelease,
				operations: settlementOperations,
			},
			{
				outcome: OutcomeEscalate,
				operations: func(in phaseInput) []ledger.Operation {
					// Consumes the receipt sequence so the dispute phase
					// becomes valid. The bump target equals the
					// transaction's own sequence, so it changes nothing else.
					return []ledger.Operation{ledger.BumpSequence{BumpTo: in.sequence}}
				},
			},
		},
	},
	PhaseDispute: {
		sellerSigns: true,
		outcomes: []outcomeBuilder{
			{
				outcome:    OutcomeAward,
				operations: settlementOperations,
			},
			{
				outcome: OutcomeReimburse,
				operations: func(in phaseInput) []ledger.Operation {
					return []ledger.Operation{ledger.AccountMerge{Destination: in.contract.SourceAccountID}}
				},
			},
		},
	},
}

// settlementOperations pays the funding amount to the destination and
// returns the remaining bootstrap balance to the operator.
func settlementOperations(in phaseInput) []ledger.Operation {
	c := in.contract
	return []ledger.Operation{
		ledger.Payment{
			Destination: c.DestAccountID,
			Asset:       ledger.NativeAsset(),
			Amount:      c.FundingAmount,
		},
		ledger.AccountMerge{Destination: in.operator},
	}
}

// buildPhase appends one phase of type t to the contract. Every outcome of
// the phase shares the sequence number allocated for the phase's offset.
func buildPhase(ctx context.Context, gateway ledger.Gateway, t PhaseType, in phaseInput) (*ContractPhase, error) {
	builder, ok := phaseBuilders[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPhase, t)
	}
	c := in.contract
	offset := in.cursor.take(1)
	sequence := Allocate(c.BaseSequenceNumber, offset)
	in.sequence = sequence

	phase := &ContractPhase{Type: t, SequenceOffset: offset}
	for _, ob := range builder.outcomes {
		bounds, ok := in.timeline[ob.outcome]
		if !ok {
			return nil, fmt.Errorf("escrow: no window for outcome %s", ob.outcome)
		}
		ops := ob.operations(in)
		envelope, err := gateway.BuildTransaction(ctx, c.EscrowAccountID, ops, &bounds, sequence)
		if err != nil {
			return nil, fmt.Errorf("build %s/%s: %w", t, ob.outcome, err)
		}
		tier := ledger.RequiredTier(c.EscrowAccountID, c.EscrowAccountID, ops)
		tx := &PreTransaction{
			Outcome:        ob.outcome,
			Envelope:       envelope,
			SequenceNumber: sequence,
			MinTime:        bounds.MinTime,
			MaxTime:        bounds.MaxTime,
			Tier:           tier,
			Signatures: []*Signature{
				{PublicKey: in.operator},
				{PublicKey: c.SourceAccountID},
			},
		}
		if builder.sellerSigns {
			tx.Signatures = append(tx.Signatures, &Signature{PublicKey: c.SellerAccountID})
		}
		phase.Transactions = append(phase.Transactions, tx)
	}
	c.Phases = append(c.Phases, phase)
	c.CurrentSequenceNumber = in.cursor.tip()
	return phase, nil
}

// updatePhase reconciles the contract with the escrow account's ledger
// state. It reports whether the contract changed.
func updatePhase(ctx context.Context, gateway ledger.Gateway, c *Contract, t PhaseType) (bool, error) {
	builder, ok := phaseBuilders[t]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownPhase, t)
	}
	phase, index, ok := c.Phase(t)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrPhaseNotFound, t)
	}
	if c.State.Terminal() {
		return false, nil
	}

	current, err := gateway.SequenceNumber(ctx, c.EscrowAccountID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		// A terminal outcome merged the escrow account.
		if err := attributeMerge(ctx, gateway, c); err != nil {
			return false, err
		}
		c.State = StateCompleted
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("escrow sequence: %w", err)
	}

	if current < Allocate(c.BaseSequenceNumber, phase.SequenceOffset) {
		return false, nil
	}
	changed := false
	if c.CurrentPhaseNumber < index+1 {
		c.CurrentPhaseNumber = index + 1
		changed = true
	}
	if builder.settle != nil {
		before := c.State
		builder.settle(c)
		changed = changed || c.State != before
	}
	return changed, nil
}

// attributeMerge moves CurrentPhaseNumber to the latest phase with a
// transaction the ledger applied. Once the account is merged its sequence
// is gone, so the phase that settled the contract is found by hash.
func attributeMerge(ctx context.Context, gateway ledger.Gateway, c *Contract) error {
	from := c.CurrentPhaseNumber - 1
	if from < 0 {
		from = 0
	}
	for i := len(c.Phases) - 1; i >= from; i-- {
		phase := c.Phases[i]
		if phase == nil {
			continue
		}
		for _, tx := range phase.Transactions {
			if tx == nil || tx.Envelope == "" {
				continue
			}
			landed, err := gateway.Executed(ctx, tx.Envelope)
			if err != nil {
				return fmt.Errorf("lookup %s/%s: %w", phase.Type, tx.Outcome, err)
			}
			if landed {
				if c.CurrentPhaseNumber < i+1 {
					c.CurrentPhaseNumber = i + 1
				}
				return nil
			}
		}
	}
	return nil
}
