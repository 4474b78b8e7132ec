package main

import (
	"fmt"
	"io"

	"escrowlane/cmd/internal/secret"
	"escrowlane/ledger/txbuild"
)

const defaultSecretEnv = "ESCROW_SECRET"

var newSecretSource = func(envVar string) secretGetter {
	return secret.NewSource(envVar, "Enter escrow secret: ")
}

type secretGetter interface {
	Get() (string, error)
}

type keypairView struct {
	PublicKey string `json:"public_key"`
	Secret    string `json:"secret"`
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	kp, err := txbuild.NewKeypair()
	if err != nil {
		return printError(stderr, err.Error())
	}
	return writeJSON(stdout, keypairView{PublicKey: kp.PublicKey, Secret: kp.Secret})
}

func runPubkey(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("pubkey", stderr)
	var envVar string
	fs.StringVar(&envVar, "env", defaultSecretEnv, "environment variable holding the secret seed")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	seed, err := newSecretSource(envVar).Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	pk, err := txbuild.PublicKey(seed)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, pk)
	return 0
}
