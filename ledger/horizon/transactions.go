package horizon

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"escrowlane/ledger/txbuild"
)

// TransactionLookup resolves a transaction hash against the ledger history.
type TransactionLookup interface {
	TransactionSucceeded(ctx context.Context, hash string) (bool, error)
}

// WithTransactionLookup replaces the transaction history lookup.
func WithTransactionLookup(lookup TransactionLookup) Option {
	return func(g *Gateway) {
		if lookup != nil {
			g.lookup = lookup
		}
	}
}

// transactionClient reads GET /transactions/{hash}.
type transactionClient struct {
	url  string
	http *http.Client
}

type transactionRecord struct {
	Hash string `json:"hash"`
	// Successful is absent on servers that only record applied transactions.
	Successful *bool `json:"successful"`
}

func (c *transactionClient) TransactionSucceeded(ctx context.Context, hash string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/transactions/"+hash, nil)
	if err != nil {
		return false, fmt.Errorf("horizon: transaction request: %w", err)
	}
	req.Header.Set("Accept", "application/hal+json")
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("horizon: load transaction %s: %w", hash, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("horizon: load transaction %s: status %d: %s", hash, resp.StatusCode, body)
	}
	var record transactionRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return false, fmt.Errorf("horizon: decode transaction %s: %w", hash, err)
	}
	return record.Successful == nil || *record.Successful, nil
}

// Executed hashes the envelope with the gateway's passphrase and looks the
// hash up in the server's transaction history.
func (g *Gateway) Executed(ctx context.Context, envelope string) (bool, error) {
	if g.lookup == nil {
		return false, fmt.Errorf("horizon: transaction lookup not configured")
	}
	env, err := txbuild.Decode(envelope)
	if err != nil {
		return false, err
	}
	hash, err := txbuild.Hash(env, g.passphrase)
	if err != nil {
		return false, fmt.Errorf("horizon: hash: %w", err)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("horizon: rate limit: %w", err)
	}
	return g.lookup.TransactionSucceeded(ctx, hex.EncodeToString(hash[:]))
}
