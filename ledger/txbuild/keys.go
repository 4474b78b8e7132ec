package txbuild

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stellar/go/keypair"

	"escrowlane/ledger"
)

// NewKeypair generates a random account keypair.
func NewKeypair() (ledger.Keypair, error) {
	kp, err := keypair.Random()
	if err != nil {
		return ledger.Keypair{}, fmt.Errorf("txbuild: generate keypair: %w", err)
	}
	return ledger.Keypair{PublicKey: kp.Address(), Secret: kp.Seed()}, nil
}

// PublicKey derives the address of a secret seed. Addresses are rejected.
func PublicKey(secret string) (string, error) {
	kp, err := keypair.Parse(strings.TrimSpace(secret))
	if err != nil {
		return "", fmt.Errorf("txbuild: parse secret: %w", err)
	}
	full, ok := kp.(*keypair.Full)
	if !ok {
		return "", errors.New("txbuild: value is an address, not a secret seed")
	}
	return full.Address(), nil
}

// ValidAddress reports whether address is a well-formed account address.
func ValidAddress(address string) bool {
	kp, err := keypair.Parse(strings.TrimSpace(address))
	if err != nil {
		return false
	}
	_, isFull := kp.(*keypair.Full)
	return !isFull
}
