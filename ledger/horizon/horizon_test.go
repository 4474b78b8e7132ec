package horizon

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	hclient "github.com/stellar/go/clients/horizon"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"escrowlane/ledger"
	"escrowlane/ledger/txbuild"
)

type fakeAPI struct {
	accounts  map[string]hclient.Account
	submitted []string
	submitErr error
	loads     int
	landed    map[string]bool
}

func (f *fakeAPI) TransactionSucceeded(ctx context.Context, hash string) (bool, error) {
	return f.landed[hash], nil
}

func (f *fakeAPI) LoadAccount(accountID string) (hclient.Account, error) {
	f.loads++
	acct, ok := f.accounts[accountID]
	if !ok {
		return hclient.Account{}, &hclient.Error{Response: &http.Response{StatusCode: http.StatusNotFound}}
	}
	return acct, nil
}

func (f *fakeAPI) SubmitTransaction(envelope string) (hclient.TransactionSuccess, error) {
	if f.submitErr != nil {
		return hclient.TransactionSuccess{}, f.submitErr
	}
	f.submitted = append(f.submitted, envelope)
	var out hclient.TransactionSuccess
	out.Hash = "abc123"
	out.Ledger = 77
	return out, nil
}

func escrowAccount(id, operator string) hclient.Account {
	var acct hclient.Account
	acct.Sequence = "4294967301"
	acct.Thresholds.LowThreshold = 6
	acct.Thresholds.MedThreshold = 6
	acct.Thresholds.HighThreshold = 6

	var master, op hclient.Signer
	master.Key = id
	master.Weight = 0
	op.Key = operator
	op.Weight = 3
	acct.Signers = append(acct.Signers, master, op)

	var native, credit hclient.Balance
	native.Balance = "5.0000000"
	native.Type = "native"
	credit.Balance = "10.0000000"
	credit.Limit = "100.0000000"
	credit.Type = "credit_alphanum4"
	credit.Code = "USD"
	credit.Issuer = operator
	acct.Balances = append(acct.Balances, native, credit)
	return acct
}

func newGateway(t *testing.T) (*Gateway, *fakeAPI, ledger.Keypair, ledger.Keypair) {
	t.Helper()
	escrow, err := txbuild.NewKeypair()
	require.NoError(t, err)
	operator, err := txbuild.NewKeypair()
	require.NoError(t, err)
	api := &fakeAPI{accounts: map[string]hclient.Account{
		escrow.PublicKey: escrowAccount(escrow.PublicKey, operator.PublicKey),
	}}
	return NewWithAPI(api, ""), api, escrow, operator
}

func TestAccountStateMapping(t *testing.T) {
	gw, _, escrow, operator := newGateway(t)
	ctx := context.Background()

	seq, err := gw.SequenceNumber(ctx, escrow.PublicKey)
	require.NoError(t, err)
	require.EqualValues(t, 4294967301, seq)

	weights, err := gw.AccountWeights(ctx, escrow.PublicKey)
	require.NoError(t, err)
	require.Zero(t, weights.MasterWeight)
	require.Equal(t, 6, weights.High)
	require.Equal(t, []ledger.SignerWeight{{Key: operator.PublicKey, Weight: 3}}, weights.Signers)

	balances, err := gw.Balances(ctx, escrow.PublicKey)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	require.True(t, balances[0].Asset.IsNative())
	require.Equal(t, "5.0000000", balances[0].Amount)
	require.Equal(t, ledger.Asset{Code: "USD", Issuer: operator.PublicKey}, balances[1].Asset)
	require.Equal(t, "100.0000000", balances[1].Limit)
}

func TestMissingAccountMapsToNotFound(t *testing.T) {
	gw, _, _, operator := newGateway(t)
	_, err := gw.SequenceNumber(context.Background(), operator.PublicKey)
	require.True(t, errors.Is(err, ledger.ErrAccountNotFound))
}

func TestBuildSignSubmit(t *testing.T) {
	gw, api, escrow, operator := newGateway(t)
	ctx := context.Background()

	envelope, err := gw.BuildTransaction(ctx, escrow.PublicKey, []ledger.Operation{
		ledger.BumpSequence{BumpTo: 4294967310},
	}, nil, 0)
	require.NoError(t, err)
	tx, err := txbuild.Describe(envelope)
	require.NoError(t, err)
	require.EqualValues(t, 4294967302, tx.Sequence)

	envelope, err = gw.Sign(operator.Secret, envelope)
	require.NoError(t, err)
	result, err := gw.Submit(ctx, envelope)
	require.NoError(t, err)
	require.Equal(t, "abc123", result.Hash)
	require.EqualValues(t, 77, result.Ledger)
	require.Equal(t, []string{envelope}, api.submitted)

	api.submitErr = errors.New("connection reset")
	_, err = gw.Submit(ctx, envelope)
	require.ErrorContains(t, err, "connection reset")
}

func TestExplicitSequenceSkipsLookup(t *testing.T) {
	gw, api, escrow, _ := newGateway(t)
	_, err := gw.BuildTransaction(context.Background(), escrow.PublicKey, []ledger.Operation{
		ledger.BumpSequence{BumpTo: 1},
	}, &ledger.TimeBounds{MinTime: 1, MaxTime: 2}, 99)
	require.NoError(t, err)
	require.Zero(t, api.loads)
}

func TestLimiterHonoursContext(t *testing.T) {
	escrow, err := txbuild.NewKeypair()
	require.NoError(t, err)
	api := &fakeAPI{accounts: map[string]hclient.Account{}}
	gw := NewWithAPI(api, "", WithLimiter(rate.NewLimiter(rate.Limit(0.001), 1)))

	ctx := context.Background()
	_, _ = gw.SequenceNumber(ctx, escrow.PublicKey)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = gw.SequenceNumber(cancelled, escrow.PublicKey)
	require.ErrorContains(t, err, "rate limit")
	require.Equal(t, 1, api.loads)
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	gw, err := New(Config{URL: "https://horizon-testnet.stellar.org/", RequestsPerSecond: 5, Burst: 2})
	require.NoError(t, err)
	require.NotEmpty(t, gw.Passphrase())
}

func TestExecutedLooksUpEnvelopeHash(t *testing.T) {
	gw, api, escrow, operator := newGateway(t)
	ctx := context.Background()

	envelope, err := gw.BuildTransaction(ctx, escrow.PublicKey, []ledger.Operation{
		ledger.BumpSequence{BumpTo: 4294967302},
	}, nil, 4294967302)
	require.NoError(t, err)
	env, err := txbuild.Decode(envelope)
	require.NoError(t, err)
	hash, err := txbuild.Hash(env, gw.Passphrase())
	require.NoError(t, err)

	landed, err := gw.Executed(ctx, envelope)
	require.NoError(t, err)
	require.False(t, landed)

	api.landed = map[string]bool{hex.EncodeToString(hash[:]): true}
	signed, err := gw.Sign(operator.Secret, envelope)
	require.NoError(t, err)
	landed, err = gw.Executed(ctx, signed)
	require.NoError(t, err)
	require.True(t, landed)
}

func TestTransactionClientReadsHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transactions/applied":
			_, _ = w.Write([]byte(`{"hash":"applied","successful":true}`))
		case "/transactions/legacy":
			_, _ = w.Write([]byte(`{"hash":"legacy"}`))
		case "/transactions/failed":
			_, _ = w.Write([]byte(`{"hash":"failed","successful":false}`))
		case "/transactions/broken":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	client := &transactionClient{url: srv.URL, http: srv.Client()}
	ctx := context.Background()
	for hash, want := range map[string]bool{"applied": true, "legacy": true, "failed": false, "unknown": false} {
		got, err := client.TransactionSucceeded(ctx, hash)
		require.NoError(t, err, hash)
		require.Equal(t, want, got, hash)
	}
	_, err := client.TransactionSucceeded(ctx, "broken")
	require.ErrorContains(t, err, "status 500")
}

func TestExecutedWithoutLookup(t *testing.T) {
	gw := NewWithAPI(struct{ API }{&fakeAPI{}}, "")
	_, err := gw.Executed(context.Background(), "AAAA")
	require.ErrorContains(t, err, "lookup not configured")
}
