package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"escrowlane/ledger"
)

// windowGate decides whether a transaction may be signed at now.
type windowGate func(tx *PreTransaction, now int64) bool

// openGate allows signing only while the window is open.
func openGate(tx *PreTransaction, now int64) bool {
	return IsOpen(now, tx.MinTime, tx.MaxTime)
}

// presignGate allows signing any window that has not closed yet.
func presignGate(tx *PreTransaction, now int64) bool {
	return notExpired(now, tx.MaxTime)
}

// signatureCoordinator resolves the signing key, enforces the time gate and
// records signature state. Signing is serialized per escrow account.
type signatureCoordinator struct {
	locks    keyedMutex
	gateway  ledger.Gateway
	operator ledger.Keypair
	now      func() time.Time
	logger   *slog.Logger
}

// sign returns the updated envelope. On any error the transaction is left
// unchanged.
func (s *signatureCoordinator) sign(ctx context.Context, req SignRequest, gate windowGate) (string, error) {
	tx := req.Transaction
	if tx == nil {
		return "", fmt.Errorf("%w: transaction required", ErrInvalidParams)
	}
	publicKey := strings.TrimSpace(req.PublicKey)
	if publicKey == "" {
		return "", fmt.Errorf("%w: public key required", ErrInvalidParams)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	unlock := s.locks.lock(strings.TrimSpace(req.EscrowAccountID))
	defer unlock()

	if !gate(tx, s.now().Unix()) {
		s.logger.Info("signature refused outside time bounds",
			slog.String("outcome", tx.Outcome),
			slog.Int64("min_time", tx.MinTime),
			slog.Int64("max_time", tx.MaxTime))
		return "", ErrTimeBoundViolation
	}

	secret, err := s.resolveSecret(publicKey, req.Secret)
	if err != nil {
		s.logger.Warn("signature refused: key mismatch",
			slog.String("outcome", tx.Outcome),
			slog.String("public_key", publicKey))
		return "", err
	}

	slot, ok := tx.Slot(publicKey)
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrSignatureSlotNotFound, publicKey, tx.Outcome)
	}
	if slot.Signed {
		return tx.Envelope, nil
	}

	envelope, err := s.gateway.Sign(secret, tx.Envelope)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", tx.Outcome, err)
	}
	tx.Envelope = envelope
	slot.Signed = true
	return envelope, nil
}

// resolveSecret returns the secret to sign with. An empty secret selects the
// operator key and is only valid for the operator's own slot.
func (s *signatureCoordinator) resolveSecret(publicKey, secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		if publicKey != s.operator.PublicKey {
			return "", fmt.Errorf("%w: no secret supplied for %s", ErrKeyMismatch, publicKey)
		}
		return s.operator.Secret, nil
	}
	derived, err := s.gateway.PublicKey(secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyMismatch, err)
	}
	if derived != publicKey {
		return "", ErrKeyMismatch
	}
	return secret, nil
}
