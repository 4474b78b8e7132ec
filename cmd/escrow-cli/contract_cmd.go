package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"escrowlane/escrow"
	"escrowlane/storage"
)

const defaultDSN = "sqlite://escrowd.db"

type signatureView struct {
	PublicKey string `json:"public_key"`
	Signed    bool   `json:"signed"`
}

type transactionView struct {
	Outcome    string          `json:"outcome"`
	Sequence   int64           `json:"sequence"`
	MinTime    int64           `json:"min_time"`
	MaxTime    int64           `json:"max_time"`
	Tier       string          `json:"tier"`
	Signatures []signatureView `json:"signatures"`
}

type phaseView struct {
	Type         string            `json:"type"`
	Transactions []transactionView `json:"transactions"`
}

type contractView struct {
	ID                    string      `json:"id"`
	State                 string      `json:"state"`
	EscrowAccountID       string      `json:"escrow_account"`
	SourceAccountID       string      `json:"source_account"`
	SellerAccountID       string      `json:"seller_account"`
	FundingAmount         string      `json:"funding_amount"`
	BaseSequenceNumber    int64       `json:"base_sequence"`
	CurrentSequenceNumber int64       `json:"current_sequence"`
	CurrentPhaseNumber    int         `json:"current_phase"`
	CreatedAt             string      `json:"created_at"`
	Phases                []phaseView `json:"phases,omitempty"`
}

func runContractCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "show":
		return runContractShow(args[1:], stdout, stderr)
	case "list":
		return runContractList(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown contract subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func runContractShow(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("contract show", stderr)
	var dsn, idStr string
	fs.StringVar(&dsn, "dsn", defaultDSN, "contract database DSN")
	fs.StringVar(&idStr, "id", "", "contract id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return printError(stderr, fmt.Sprintf("invalid --id: %v", err))
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return printError(stderr, err.Error())
	}
	defer store.Close()

	c, err := store.LoadContract(context.Background(), id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return writeJSON(stdout, toContractView(c, true))
}

func runContractList(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("contract list", stderr)
	var dsn, state string
	fs.StringVar(&dsn, "dsn", defaultDSN, "contract database DSN")
	fs.StringVar(&state, "state", "", "only list contracts in this state")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var states []escrow.ContractState
	if state != "" {
		s := escrow.ContractState(state)
		if !s.Valid() {
			return printError(stderr, fmt.Sprintf("unknown state %q", state))
		}
		states = append(states, s)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return printError(stderr, err.Error())
	}
	defer store.Close()

	contracts, err := store.ListContracts(context.Background(), states...)
	if err != nil {
		return printError(stderr, err.Error())
	}
	views := make([]contractView, 0, len(contracts))
	for _, c := range contracts {
		views = append(views, toContractView(c, false))
	}
	return writeJSON(stdout, views)
}

func toContractView(c *escrow.Contract, withPhases bool) contractView {
	view := contractView{
		ID:                    c.ID.String(),
		State:                 string(c.State),
		EscrowAccountID:       c.EscrowAccountID,
		SourceAccountID:       c.SourceAccountID,
		SellerAccountID:       c.SellerAccountID,
		FundingAmount:         c.FundingAmount,
		BaseSequenceNumber:    c.BaseSequenceNumber,
		CurrentSequenceNumber: c.CurrentSequenceNumber,
		CurrentPhaseNumber:    c.CurrentPhaseNumber,
		CreatedAt:             c.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !withPhases {
		return view
	}
	for _, phase := range c.Phases {
		pv := phaseView{Type: string(phase.Type)}
		for _, tx := range phase.Transactions {
			tv := transactionView{
				Outcome:  tx.Outcome,
				Sequence: tx.SequenceNumber,
				MinTime:  tx.MinTime,
				MaxTime:  tx.MaxTime,
				Tier:     tx.Tier.String(),
			}
			for _, sig := range tx.Signatures {
				tv.Signatures = append(tv.Signatures, signatureView{PublicKey: sig.PublicKey, Signed: sig.Signed})
			}
			pv.Transactions = append(pv.Transactions, tv)
		}
		view.Phases = append(view.Phases, pv)
	}
	return view
}
