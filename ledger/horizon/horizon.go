// Package horizon implements ledger.Gateway against a Horizon server.
package horizon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	hclient "github.com/stellar/go/clients/horizon"
	"github.com/stellar/go/network"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"escrowlane/ledger"
	"escrowlane/ledger/txbuild"
)

// API is the subset of the Horizon client used by the gateway.
type API interface {
	LoadAccount(accountID string) (hclient.Account, error)
	SubmitTransaction(envelope string) (hclient.TransactionSuccess, error)
}

// Config configures a Horizon-backed gateway.
type Config struct {
	URL               string
	Passphrase        string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithLimiter replaces the request limiter.
func WithLimiter(limiter *rate.Limiter) Option {
	return func(g *Gateway) {
		if limiter != nil {
			g.limiter = limiter
		}
	}
}

// Gateway talks to Horizon for account state and submission. Envelope
// construction and signing are local.
type Gateway struct {
	api        API
	passphrase string
	limiter    *rate.Limiter
	logger     *slog.Logger
	lookup     TransactionLookup
}

var _ ledger.Gateway = (*Gateway)(nil)

// New builds a gateway around a Horizon HTTP client.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	url := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if url == "" {
		return nil, errors.New("horizon: url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	client := &hclient.Client{URL: url, HTTP: httpClient}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	opts = append([]Option{
		WithLimiter(rate.NewLimiter(limit, burst)),
		WithTransactionLookup(&transactionClient{url: url, http: httpClient}),
	}, opts...)
	return NewWithAPI(client, cfg.Passphrase, opts...), nil
}

// NewWithAPI wraps an existing API implementation. An api that also
// implements TransactionLookup serves Executed.
func NewWithAPI(api API, passphrase string, opts ...Option) *Gateway {
	if strings.TrimSpace(passphrase) == "" {
		passphrase = network.TestNetworkPassphrase
	}
	g := &Gateway{
		api:        api,
		passphrase: passphrase,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		logger:     slog.Default(),
	}
	if lookup, ok := api.(TransactionLookup); ok {
		g.lookup = lookup
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Passphrase returns the network passphrase envelopes are hashed with.
func (g *Gateway) Passphrase() string { return g.passphrase }

func (g *Gateway) NewKeypair() (ledger.Keypair, error) {
	return txbuild.NewKeypair()
}

func (g *Gateway) PublicKey(secret string) (string, error) {
	return txbuild.PublicKey(secret)
}

func (g *Gateway) loadAccount(ctx context.Context, accountID string) (hclient.Account, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return hclient.Account{}, fmt.Errorf("horizon: rate limit: %w", err)
	}
	acct, err := g.api.LoadAccount(strings.TrimSpace(accountID))
	if err != nil {
		if isNotFound(err) {
			return hclient.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, accountID)
		}
		return hclient.Account{}, fmt.Errorf("horizon: load account %s: %w", accountID, err)
	}
	return acct, nil
}

func (g *Gateway) SequenceNumber(ctx context.Context, accountID string) (int64, error) {
	acct, err := g.loadAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	seq, err := strconv.ParseInt(acct.Sequence, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("horizon: parse sequence %q: %w", acct.Sequence, err)
	}
	return seq, nil
}

func (g *Gateway) AccountWeights(ctx context.Context, accountID string) (ledger.AccountWeight, error) {
	acct, err := g.loadAccount(ctx, accountID)
	if err != nil {
		return ledger.AccountWeight{}, err
	}
	out := ledger.AccountWeight{
		AccountID: accountID,
		Low:       int(acct.Thresholds.LowThreshold),
		Medium:    int(acct.Thresholds.MedThreshold),
		High:      int(acct.Thresholds.HighThreshold),
	}
	for _, signer := range acct.Signers {
		if signer.Key == accountID {
			out.MasterWeight = int(signer.Weight)
			continue
		}
		out.Signers = append(out.Signers, ledger.SignerWeight{Key: signer.Key, Weight: int(signer.Weight)})
	}
	return out, nil
}

func (g *Gateway) Balances(ctx context.Context, accountID string) ([]ledger.Balance, error) {
	acct, err := g.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Balance, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		asset := ledger.NativeAsset()
		if b.Type != "native" {
			asset = ledger.Asset{Code: b.Code, Issuer: b.Issuer}
		}
		out = append(out, ledger.Balance{Asset: asset, Amount: b.Balance, Limit: b.Limit})
	}
	return out, nil
}

func (g *Gateway) BuildTransaction(ctx context.Context, source string, ops []ledger.Operation, bounds *ledger.TimeBounds, sequence int64) (string, error) {
	if sequence == 0 {
		current, err := g.SequenceNumber(ctx, source)
		if err != nil {
			return "", err
		}
		sequence = current + 1
	}
	return txbuild.Build(txbuild.Params{
		Source:     source,
		Sequence:   sequence,
		Operations: ops,
		TimeBounds: bounds,
	})
}

func (g *Gateway) Sign(secret, envelope string) (string, error) {
	return txbuild.Sign(envelope, secret, g.passphrase)
}

func (g *Gateway) Submit(ctx context.Context, envelope string) (ledger.SubmitResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return ledger.SubmitResult{}, fmt.Errorf("horizon: rate limit: %w", err)
	}
	resp, err := g.api.SubmitTransaction(envelope)
	if err != nil {
		var herr *hclient.Error
		if errors.As(err, &herr) {
			if codes, cerr := herr.ResultCodes(); cerr == nil && codes != nil {
				g.logger.Warn("horizon rejected transaction",
					slog.String("tx_code", codes.TransactionCode),
					slog.Any("op_codes", codes.OperationCodes))
				return ledger.SubmitResult{}, &ledger.SubmissionError{
					TransactionCode: codes.TransactionCode,
					OperationCodes:  codes.OperationCodes,
				}
			}
		}
		return ledger.SubmitResult{}, fmt.Errorf("horizon: submit: %w", err)
	}
	return ledger.SubmitResult{Hash: resp.Hash, Ledger: resp.Ledger}, nil
}

func isNotFound(err error) bool {
	var herr *hclient.Error
	if !errors.As(err, &herr) || herr == nil {
		return false
	}
	if herr.Response != nil && herr.Response.StatusCode == http.StatusNotFound {
		return true
	}
	return herr.Problem.Status == http.StatusNotFound
}
