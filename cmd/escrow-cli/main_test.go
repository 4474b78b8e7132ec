package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stellar/go/network"
	"github.com/stretchr/testify/require"

	"escrowlane/escrow"
	"escrowlane/ledger"
	"escrowlane/ledger/txbuild"
	"escrowlane/storage"
)

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestArgValidation(t *testing.T) {
	cases := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "usage", args: nil, wantErr: "Usage:"},
		{name: "unknown command", args: []string{"mint"}, wantErr: "Unknown command: mint"},
		{name: "keygen positional", args: []string{"keygen", "extra"}, wantErr: "unexpected positional arguments"},
		{name: "policy without check", args: []string{"policy"}, wantErr: "Usage:"},
		{name: "policy two paths", args: []string{"policy", "check", "a", "b"}, wantErr: "single path"},
		{name: "envelope without arg", args: []string{"envelope", "inspect"}, wantErr: "single base64 envelope"},
		{name: "envelope garbage", args: []string{"envelope", "inspect", "not-xdr"}, wantErr: "invalid envelope"},
		{name: "contract unknown", args: []string{"contract", "burn"}, wantErr: "Unknown contract subcommand"},
		{name: "contract bad id", args: []string{"contract", "show", "--id", "nope"}, wantErr: "invalid --id"},
		{name: "contract bad state", args: []string{"contract", "list", "--state", "PENDING"}, wantErr: `unknown state "PENDING"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _, stderr := runCLI(tc.args...)
			require.Equal(t, 1, code)
			require.Contains(t, stderr, tc.wantErr)
		})
	}
}

func TestKeygenAndPubkey(t *testing.T) {
	code, stdout, _ := runCLI("keygen")
	require.Equal(t, 0, code)
	var kp keypairView
	require.NoError(t, json.Unmarshal([]byte(stdout), &kp))
	require.True(t, txbuild.ValidAddress(kp.PublicKey))

	t.Setenv("TEST_ESCROW_SECRET", kp.Secret)
	code, stdout, _ = runCLI("pubkey", "--env", "TEST_ESCROW_SECRET")
	require.Equal(t, 0, code)
	require.Equal(t, kp.PublicKey, strings.TrimSpace(stdout))
}

type staticSecret struct {
	value string
	err   error
}

func (s staticSecret) Get() (string, error) { return s.value, s.err }

func TestPubkeyErrors(t *testing.T) {
	original := newSecretSource
	defer func() { newSecretSource = original }()

	newSecretSource = func(string) secretGetter { return staticSecret{err: errors.New("no terminal")} }
	code, _, stderr := runCLI("pubkey")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "no terminal")

	newSecretSource = func(string) secretGetter { return staticSecret{value: "SNOTASEED"} }
	code, _, _ = runCLI("pubkey")
	require.Equal(t, 1, code)
}

func TestPolicyCheck(t *testing.T) {
	code, stdout, _ := runCLI("policy", "check")
	require.Equal(t, 0, code)
	var view policyView
	require.NoError(t, json.Unmarshal([]byte(stdout), &view))
	require.Equal(t, escrow.DefaultPolicy().BootstrapFunding, view.BootstrapFunding)
	require.Equal(t, "24h0m0s", view.Windows["funding"])

	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte("bootstrap_funding = \"7\"\n[windows]\naward = \"36h\"\n"), 0o600))
	code, stdout, _ = runCLI("policy", "check", path)
	require.Equal(t, 0, code)
	require.NoError(t, json.Unmarshal([]byte(stdout), &view))
	require.Equal(t, "7", view.BootstrapFunding)
	require.Equal(t, "36h0m0s", view.Windows["award"])

	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[thresholds]\nhigh = 1\n"), 0o600))
	code, _, stderr := runCLI("policy", "check", bad)
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Error:")
}

func TestEnvelopeInspect(t *testing.T) {
	source, err := txbuild.NewKeypair()
	require.NoError(t, err)
	dest, err := txbuild.NewKeypair()
	require.NoError(t, err)
	envelope, err := txbuild.Build(txbuild.Params{
		Source:     source.PublicKey,
		Sequence:   12,
		Operations: []ledger.Operation{ledger.Payment{Destination: dest.PublicKey, Asset: ledger.NativeAsset(), Amount: "1.5"}},
		TimeBounds: &ledger.TimeBounds{MinTime: 100, MaxTime: 200},
	})
	require.NoError(t, err)
	signed, err := txbuild.Sign(envelope, source.Secret, network.TestNetworkPassphrase)
	require.NoError(t, err)

	code, stdout, stderr := runCLI("envelope", "inspect", "--signers", source.PublicKey+","+dest.PublicKey, signed)
	require.Equal(t, 0, code, stderr)
	var view struct {
		Source     string `json:"source"`
		Sequence   int64  `json:"sequence"`
		Signatures int    `json:"signatures"`
		Operations []struct {
			Type string `json:"type"`
		} `json:"operations"`
		SignedBy []string `json:"signed_by"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &view))
	require.Equal(t, source.PublicKey, view.Source)
	require.EqualValues(t, 12, view.Sequence)
	require.Equal(t, 1, view.Signatures)
	require.Len(t, view.Operations, 1)
	require.Equal(t, "payment", view.Operations[0].Type)
	require.Equal(t, []string{source.PublicKey}, view.SignedBy)
}

func TestContractShowAndList(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := storage.Open(dsn)
	require.NoError(t, err)
	defer store.Close()

	c := &escrow.Contract{
		ID:                 uuid.New(),
		EscrowAccountID:    "GESCROW",
		SourceAccountID:    "GBUYER",
		SellerAccountID:    "GSELLER",
		FundingAmount:      "10",
		BaseSequenceNumber: 40,
		State:              escrow.StateDisputed,
		CreatedAt:          time.Unix(1_700_000_000, 0).UTC(),
		Phases: []*escrow.ContractPhase{{
			Type: escrow.PhaseServiceInitiation,
			Transactions: []*escrow.PreTransaction{{
				Outcome:        escrow.OutcomeFund,
				Envelope:       "AAAA",
				SequenceNumber: 41,
				Tier:           ledger.TierLow,
				Signatures:     []*escrow.Signature{{PublicKey: "GOPERATOR", Signed: true}},
			}},
		}},
	}
	require.NoError(t, store.SaveContract(context.Background(), c))

	code, stdout, stderr := runCLI("contract", "show", "--dsn", dsn, "--id", c.ID.String())
	require.Equal(t, 0, code, stderr)
	var shown contractView
	require.NoError(t, json.Unmarshal([]byte(stdout), &shown))
	require.Equal(t, "DISPUTED", shown.State)
	require.Equal(t, "2023-11-14T22:13:20Z", shown.CreatedAt)
	require.Len(t, shown.Phases, 1)
	require.Equal(t, "low", shown.Phases[0].Transactions[0].Tier)

	code, stdout, _ = runCLI("contract", "list", "--dsn", dsn, "--state", "DISPUTED")
	require.Equal(t, 0, code)
	var listed []contractView
	require.NoError(t, json.Unmarshal([]byte(stdout), &listed))
	require.Len(t, listed, 1)
	require.Empty(t, listed[0].Phases)

	code, stdout, _ = runCLI("contract", "list", "--dsn", dsn, "--state", "COMPLETED")
	require.Equal(t, 0, code)
	require.Equal(t, "[]\n", stdout)

	code, _, stderr = runCLI("contract", "show", "--dsn", dsn, "--id", uuid.NewString())
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "not found")
}
