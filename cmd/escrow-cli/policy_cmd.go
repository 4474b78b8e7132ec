package main

import (
	"fmt"
	"io"

	"escrowlane/escrow"
)

type policyView struct {
	BootstrapFunding string            `json:"bootstrap_funding"`
	Weights          escrow.Weights    `json:"weights"`
	Thresholds       escrow.Thresholds `json:"thresholds"`
	Windows          map[string]string `json:"windows"`
}

func runPolicyCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "check" {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	fs := newFlagSet("policy check", stderr)
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	policy := escrow.DefaultPolicy()
	if fs.NArg() > 1 {
		return printError(stderr, "policy check takes a single path")
	}
	if fs.NArg() == 1 {
		loaded, err := escrow.LoadPolicy(fs.Arg(0))
		if err != nil {
			return printError(stderr, err.Error())
		}
		policy = loaded
	}
	w := policy.Windows
	return writeJSON(stdout, policyView{
		BootstrapFunding: policy.BootstrapFunding,
		Weights:          policy.Weights,
		Thresholds:       policy.Thresholds,
		Windows: map[string]string{
			"funding":    w.Funding.String(),
			"service":    w.Service.String(),
			"refund":     w.Refund.String(),
			"receipt":    w.Receipt.String(),
			"escalation": w.Escalation.String(),
			"award":      w.Award.String(),
			"reimburse":  w.Reimburse.String(),
		},
	})
}
