// Command escrow-cli is an offline companion to escrowd: it generates keys,
// checks policies, inspects transaction envelopes and reads stored contracts.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "pubkey":
		return runPubkey(args[1:], stdout, stderr)
	case "policy":
		return runPolicyCommand(args[1:], stdout, stderr)
	case "envelope":
		return runEnvelopeCommand(args[1:], stdout, stderr)
	case "contract":
		return runContractCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage())
	}
	return fs
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func writeJSON(w io.Writer, v interface{}) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(w, "Error: encode output: %v\n", err)
		return 1
	}
	return 0
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli <command> [flags]

Commands:
  keygen                         Generate a new ledger keypair
  pubkey [--env VAR]             Print the public key of a secret seed
  policy check <path>            Validate a TOML escrow policy
  envelope inspect <envelope>    Decode a base64 transaction envelope
  contract show --id <uuid>      Print a stored contract
  contract list [--state STATE]  List stored contracts`)
}
