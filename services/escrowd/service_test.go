package escrowd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"escrowlane/escrow"
	"escrowlane/ledger"
	"escrowlane/ledger/memledger"
	"escrowlane/ledger/txbuild"
	"escrowlane/storage/kv"
)

func newMemoryService(t *testing.T, ledgerPath string) (*Service, ledger.Keypair, ledger.Keypair) {
	t.Helper()
	operator, err := txbuild.NewKeypair()
	require.NoError(t, err)
	buyer, err := txbuild.NewKeypair()
	require.NoError(t, err)
	seller, err := txbuild.NewKeypair()
	require.NoError(t, err)

	cfg := Config{
		PollInterval: Duration{time.Second},
		Ledger: LedgerConfig{
			Mode:       LedgerModeMemory,
			MemoryPath: ledgerPath,
			Genesis: []GenesisAccount{
				{Address: buyer.PublicKey, Balance: "100"},
				{Address: seller.PublicKey, Balance: "10"},
			},
		},
		Database: DatabaseConfig{DSN: fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())},
		Operator: OperatorConfig{Secret: operator.Secret, FundBalance: "1000"},
		Users:    []UserConfig{{ID: 7, PublicKey: seller.PublicKey}},
	}
	svc, err := NewService(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, buyer, seller
}

func TestServiceSetupAndSweep(t *testing.T) {
	svc, buyer, _ := newMemoryService(t, "")
	ctx := context.Background()

	c, err := svc.Engine.SetupContract(ctx, escrow.SetupParams{
		SourceAccountID:     buyer.PublicKey,
		SourceAccountSecret: buyer.Secret,
		SellerUserID:        7,
		FundingAmount:       "10",
	})
	require.NoError(t, err)

	require.Equal(t, escrow.StateActivated, c.State)

	phase, _, ok := c.Phase(escrow.PhaseServiceInitiation)
	require.True(t, ok)
	fund, ok := phase.Transaction(escrow.OutcomeFund)
	require.True(t, ok)
	landed, err := svc.Gateway.Executed(ctx, fund.Envelope)
	require.NoError(t, err)
	require.True(t, landed)
	balances, err := svc.Gateway.Balances(ctx, buyer.PublicKey)
	require.NoError(t, err)
	require.Equal(t, "90.0000000", balances[0].Amount)

	// Setup already recorded the funding, so the sweep has nothing to do.
	advanced, err := svc.Watcher.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, advanced)

	stored, err := svc.Store.LoadContract(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.CurrentPhaseNumber)
	require.Equal(t, escrow.StateActivated, stored.State)
}

func TestServiceReadiness(t *testing.T) {
	svc, _, _ := newMemoryService(t, filepath.Join(t.TempDir(), "ledger"))
	handler := NewOpsHandler(slog.Default(), OpsConfig{Checks: svc.ReadinessChecks(svc.Engine.Operator())})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"database":"ok","ledger":"ok"}`, rec.Body.String())
}

func TestSeedAccountFundsOnlyMissingAccounts(t *testing.T) {
	l := memledger.New(kv.NewMemDB())
	kp, err := txbuild.NewKeypair()
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, seedAccount(ctx, l, GenesisAccount{Address: kp.PublicKey, Balance: "100"}))
	require.NoError(t, seedAccount(ctx, l, GenesisAccount{Address: kp.PublicKey, Balance: "100"}))
	balances, err := l.Balances(ctx, kp.PublicKey)
	require.NoError(t, err)
	require.Equal(t, "100.0000000", balances[0].Amount)
}

type fakeLister struct {
	contracts []*escrow.Contract
	err       error
}

func (f fakeLister) ListContracts(context.Context, ...escrow.ContractState) ([]*escrow.Contract, error) {
	return f.contracts, f.err
}

type fakeReconciler struct {
	calls []escrow.PhaseType
	fail  map[uuid.UUID]error
}

func (f *fakeReconciler) UpdateContract(_ context.Context, c *escrow.Contract, phase escrow.PhaseType) (bool, error) {
	f.calls = append(f.calls, phase)
	if err := f.fail[c.ID]; err != nil {
		return false, err
	}
	if phase == escrow.PhaseReceipt {
		c.State = escrow.StateCompleted
		return true, nil
	}
	return false, nil
}

func phasedContract() *escrow.Contract {
	c := &escrow.Contract{ID: uuid.New(), State: escrow.StateActivated, CurrentPhaseNumber: 2}
	for _, t := range escrow.PhaseOrder {
		c.Phases = append(c.Phases, &escrow.ContractPhase{Type: t})
	}
	return c
}

func TestWatcherSweepStartsAtCurrentPhase(t *testing.T) {
	reconciler := &fakeReconciler{}
	w := NewWatcher(reconciler, fakeLister{contracts: []*escrow.Contract{phasedContract()}}, time.Second, nil, nil)

	advanced, err := w.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, advanced)
	require.Equal(t, []escrow.PhaseType{escrow.PhaseIntermediary, escrow.PhaseReceipt}, reconciler.calls)
}

func TestWatcherSweepContinuesPastFailures(t *testing.T) {
	broken := phasedContract()
	healthy := phasedContract()
	reconciler := &fakeReconciler{fail: map[uuid.UUID]error{broken.ID: errors.New("horizon down")}}
	w := NewWatcher(reconciler, fakeLister{contracts: []*escrow.Contract{broken, healthy}}, time.Second, nil, nil)

	advanced, err := w.Sweep(context.Background())
	require.ErrorContains(t, err, "horizon down")
	require.Equal(t, 1, advanced)
	require.Equal(t, escrow.StateCompleted, healthy.State)

	w = NewWatcher(reconciler, fakeLister{err: errors.New("db gone")}, time.Second, nil, nil)
	_, err = w.Sweep(context.Background())
	require.ErrorContains(t, err, "db gone")
}

func TestWatcherRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reconciler := &fakeReconciler{}
	w := NewWatcher(reconciler, fakeLister{}, time.Hour, nil, nil)
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
