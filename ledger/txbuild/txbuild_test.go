package txbuild

import (
	"errors"
	"testing"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stretchr/testify/require"

	"escrowlane/ledger"
)

const testPassphrase = network.TestNetworkPassphrase

func randomKey(t *testing.T) *keypair.Full {
	t.Helper()
	kp, err := keypair.Random()
	require.NoError(t, err)
	return kp
}

func TestBuildDescribesEscrowOperations(t *testing.T) {
	escrow := randomKey(t)
	buyer := randomKey(t)
	operator := randomKey(t)

	envelope, err := Build(Params{
		Source:   escrow.Address(),
		Sequence: 42,
		Operations: []ledger.Operation{
			ledger.Payment{SourceAccount: buyer.Address(), Destination: escrow.Address(), Amount: "12.5"},
			ledger.SetOptions{
				MasterWeight:  ledger.Uint8(0),
				HighThreshold: ledger.Uint8(6),
				Signer:        &ledger.SignerWeight{Key: operator.Address(), Weight: 3},
			},
			ledger.AccountMerge{Destination: operator.Address()},
			ledger.BumpSequence{BumpTo: 45},
		},
		TimeBounds: &ledger.TimeBounds{MinTime: 100, MaxTime: 200},
	})
	require.NoError(t, err)

	tx, err := Describe(envelope)
	require.NoError(t, err)
	require.Equal(t, escrow.Address(), tx.Source)
	require.EqualValues(t, 42, tx.Sequence)
	require.EqualValues(t, 4*BaseFee, tx.Fee)
	require.Equal(t, &ledger.TimeBounds{MinTime: 100, MaxTime: 200}, tx.TimeBounds)
	require.Len(t, tx.Operations, 4)

	payment, ok := tx.Operations[0].(ledger.Payment)
	require.True(t, ok)
	require.Equal(t, buyer.Address(), payment.SourceAccount)
	require.True(t, payment.Asset.IsNative())
	require.Equal(t, "12.5000000", payment.Amount)

	setOpts, ok := tx.Operations[1].(ledger.SetOptions)
	require.True(t, ok)
	require.Empty(t, setOpts.SourceAccount)
	require.EqualValues(t, 0, *setOpts.MasterWeight)
	require.EqualValues(t, 6, *setOpts.HighThreshold)
	require.Nil(t, setOpts.LowThreshold)
	require.Equal(t, operator.Address(), setOpts.Signer.Key)
	require.Equal(t, 3, setOpts.Signer.Weight)

	merge, ok := tx.Operations[2].(ledger.AccountMerge)
	require.True(t, ok)
	require.Equal(t, operator.Address(), merge.Destination)

	bump, ok := tx.Operations[3].(ledger.BumpSequence)
	require.True(t, ok)
	require.EqualValues(t, 45, bump.BumpTo)
}

func TestBuildCreditAssetAndTrust(t *testing.T) {
	source := randomKey(t)
	issuer := randomKey(t)
	asset := ledger.Asset{Code: "USD", Issuer: issuer.Address()}

	envelope, err := Build(Params{
		Source:   source.Address(),
		Sequence: 7,
		Operations: []ledger.Operation{
			ledger.ChangeTrust{Asset: asset, Limit: "1000"},
			ledger.Payment{Destination: issuer.Address(), Asset: asset, Amount: "1"},
		},
	})
	require.NoError(t, err)

	tx, err := Describe(envelope)
	require.NoError(t, err)
	require.Nil(t, tx.TimeBounds)
	trust := tx.Operations[0].(ledger.ChangeTrust)
	require.Equal(t, asset, trust.Asset)
	require.Equal(t, "1000.0000000", trust.Limit)
	require.Equal(t, asset, tx.Operations[1].(ledger.Payment).Asset)
}

func TestBuildRejectsInvalidInput(t *testing.T) {
	source := randomKey(t)

	_, err := Build(Params{Source: source.Address(), Sequence: 1})
	require.True(t, errors.Is(err, ErrInvalidOperation))

	_, err = Build(Params{Source: "not-an-address", Sequence: 1, Operations: []ledger.Operation{ledger.BumpSequence{BumpTo: 2}}})
	require.True(t, errors.Is(err, ErrInvalidOperation))

	_, err = Build(Params{Source: source.Address(), Sequence: 1, Operations: []ledger.Operation{
		ledger.Payment{Destination: source.Address(), Amount: "-1"},
	}})
	require.True(t, errors.Is(err, ErrInvalidOperation))

	_, err = Build(Params{Source: source.Address(), Sequence: 1, Operations: []ledger.Operation{
		ledger.ChangeTrust{Limit: "10"},
	}})
	require.True(t, errors.Is(err, ErrInvalidOperation))

	_, err = Decode("!!not-xdr")
	require.True(t, errors.Is(err, ErrInvalidEnvelope))
}

func TestSignIsIdempotentAndVerifiable(t *testing.T) {
	source := randomKey(t)
	cosigner := randomKey(t)
	stranger := randomKey(t)

	envelope, err := Build(Params{Source: source.Address(), Sequence: 9, Operations: []ledger.Operation{
		ledger.BumpSequence{BumpTo: 10},
	}})
	require.NoError(t, err)

	count, err := SignatureCount(envelope)
	require.NoError(t, err)
	require.Zero(t, count)

	signed, err := Sign(envelope, source.Seed(), testPassphrase)
	require.NoError(t, err)
	again, err := Sign(signed, source.Seed(), testPassphrase)
	require.NoError(t, err)
	require.Equal(t, signed, again)

	signed, err = Sign(signed, cosigner.Seed(), testPassphrase)
	require.NoError(t, err)
	count, err = SignatureCount(signed)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	env, err := Decode(signed)
	require.NoError(t, err)
	who, err := SignedBy(env, testPassphrase, []string{stranger.Address(), cosigner.Address(), source.Address(), source.Address()})
	require.NoError(t, err)
	require.Equal(t, []string{cosigner.Address(), source.Address()}, who)

	// Signatures are bound to the network passphrase.
	who, err = SignedBy(env, network.PublicNetworkPassphrase, []string{source.Address()})
	require.NoError(t, err)
	require.Empty(t, who)
}

func TestSignRejectsBadSecret(t *testing.T) {
	source := randomKey(t)
	envelope, err := Build(Params{Source: source.Address(), Sequence: 1, Operations: []ledger.Operation{
		ledger.BumpSequence{BumpTo: 2},
	}})
	require.NoError(t, err)

	_, err = Sign(envelope, "garbage", testPassphrase)
	require.Error(t, err)
	// A public address cannot sign.
	_, err = Sign(envelope, source.Address(), testPassphrase)
	require.Error(t, err)
}
