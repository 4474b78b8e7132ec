package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/stellar/go/network"

	"escrowlane/ledger"
	"escrowlane/ledger/txbuild"
)

type operationView struct {
	Type string           `json:"type"`
	Body ledger.Operation `json:"body"`
}

type envelopeView struct {
	Source     string             `json:"source"`
	Sequence   int64              `json:"sequence"`
	Fee        uint32             `json:"fee"`
	TimeBounds *ledger.TimeBounds `json:"time_bounds,omitempty"`
	Operations []operationView    `json:"operations"`
	Signatures int                `json:"signatures"`
	SignedBy   []string           `json:"signed_by,omitempty"`
}

func runEnvelopeCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "inspect" {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	fs := newFlagSet("envelope inspect", stderr)
	var (
		passphrase string
		signers    string
	)
	fs.StringVar(&passphrase, "passphrase", network.TestNetworkPassphrase, "network passphrase the envelope was signed for")
	fs.StringVar(&signers, "signers", "", "comma separated addresses to check signatures against")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		return printError(stderr, "envelope inspect takes a single base64 envelope")
	}
	envelope := strings.TrimSpace(fs.Arg(0))

	tx, err := txbuild.Describe(envelope)
	if err != nil {
		return printError(stderr, err.Error())
	}
	view := envelopeView{
		Source:     tx.Source,
		Sequence:   tx.Sequence,
		Fee:        tx.Fee,
		TimeBounds: tx.TimeBounds,
		Signatures: tx.Signatures,
	}
	for _, op := range tx.Operations {
		view.Operations = append(view.Operations, operationView{Type: operationType(op), Body: op})
	}
	if candidates := splitList(signers); len(candidates) > 0 {
		env, err := txbuild.Decode(envelope)
		if err != nil {
			return printError(stderr, err.Error())
		}
		if view.SignedBy, err = txbuild.SignedBy(env, passphrase, candidates); err != nil {
			return printError(stderr, err.Error())
		}
	}
	return writeJSON(stdout, view)
}

func operationType(op ledger.Operation) string {
	switch op.(type) {
	case ledger.CreateAccount:
		return "create_account"
	case ledger.SetOptions:
		return "set_options"
	case ledger.Payment:
		return "payment"
	case ledger.AccountMerge:
		return "account_merge"
	case ledger.BumpSequence:
		return "bump_sequence"
	case ledger.ChangeTrust:
		return "change_trust"
	default:
		return fmt.Sprintf("%T", op)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
