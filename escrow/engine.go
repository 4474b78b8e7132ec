package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stellar/go/amount"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"escrowlane/ledger"
)

// ContractStore persists contracts.
type ContractStore interface {
	SaveContract(ctx context.Context, c *Contract) error
	LoadContract(ctx context.Context, id uuid.UUID) (*Contract, error)
}

// UserStore resolves application users to ledger accounts.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*User, error)
}

// Metrics receives engine measurements. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ObserveSetup(result string, elapsed time.Duration)
	RecordSignature(outcome, result string)
	RecordSubmission(step, result string)
	RecordPhaseUpdate(phase string, advanced bool)
}

type noopMetrics struct{}

func (noopMetrics) ObserveSetup(string, time.Duration) {}
func (noopMetrics) RecordSignature(string, string)     {}
func (noopMetrics) RecordSubmission(string, string)    {}
func (noopMetrics) RecordPhaseUpdate(string, bool)     {}

// Config carries the operator identity and the policy contracts are built
// with.
type Config struct {
	Operator ledger.Keypair
	Policy   Policy
}

// Option customises the engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithMetrics overrides the default no-op metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithEmitter sets the contract event emitter.
func WithEmitter(emitter Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithTracer overrides the tracer obtained from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// Engine builds, signs and tracks escrow contracts.
type Engine struct {
	cfg       Config
	gateway   ledger.Gateway
	contracts ContractStore
	users     UserStore

	logger  *slog.Logger
	metrics Metrics
	emitter Emitter
	tracer  trace.Tracer
	now     func() time.Time

	signer *signatureCoordinator
	locks  keyedMutex
}

// NewEngine validates the configuration and returns an engine.
func NewEngine(cfg Config, gateway ledger.Gateway, contracts ContractStore, users UserStore, opts ...Option) (*Engine, error) {
	if gateway == nil {
		return nil, errors.New("escrow: ledger gateway required")
	}
	if contracts == nil || users == nil {
		return nil, errors.New("escrow: contract and user stores required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	operator, err := gateway.PublicKey(cfg.Operator.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: operator secret: %v", ErrInvalidParams, err)
	}
	if pk := strings.TrimSpace(cfg.Operator.PublicKey); pk != "" && pk != operator {
		return nil, fmt.Errorf("%w: operator", ErrKeyMismatch)
	}
	cfg.Operator.PublicKey = operator

	e := &Engine{
		cfg:       cfg,
		gateway:   gateway,
		contracts: contracts,
		users:     users,
		logger:    slog.Default(),
		metrics:   noopMetrics{},
		emitter:   NoopEmitter{},
		tracer:    otel.Tracer("escrowlane/escrow"),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.signer = &signatureCoordinator{
		gateway:  gateway,
		operator: cfg.Operator,
		now:      e.now,
		logger:   e.logger,
	}
	return e, nil
}

// Operator returns the operator's public key.
func (e *Engine) Operator() string { return e.cfg.Operator.PublicKey }

// Policy returns the policy contracts are built with.
func (e *Engine) Policy() Policy { return e.cfg.Policy }

func (e *Engine) validateSetup(ctx context.Context, params SetupParams) (*User, error) {
	source := strings.TrimSpace(params.SourceAccountID)
	if source == "" {
		return nil, fmt.Errorf("%w: source account required", ErrInvalidParams)
	}
	derived, err := e.gateway.PublicKey(params.SourceAccountSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: source secret: %v", ErrInvalidParams, err)
	}
	if derived != source {
		return nil, fmt.Errorf("%w: source secret does not belong to %s", ErrKeyMismatch, source)
	}
	funding, err := amount.Parse(strings.TrimSpace(params.FundingAmount))
	if err != nil || funding <= 0 {
		return nil, fmt.Errorf("%w: funding amount %q must be positive", ErrInvalidParams, params.FundingAmount)
	}
	if params.SellerUserID <= 0 {
		return nil, fmt.Errorf("%w: seller user id required", ErrInvalidParams)
	}
	seller, err := e.users.GetUser(ctx, params.SellerUserID)
	if err != nil {
		return nil, fmt.Errorf("seller %d: %w", params.SellerUserID, err)
	}
	if seller == nil || strings.TrimSpace(seller.PublicKey) == "" {
		return nil, fmt.Errorf("seller %d: %w", params.SellerUserID, ErrUserNotFound)
	}
	principals := map[string]struct{}{e.cfg.Operator.PublicKey: {}}
	for _, key := range []string{source, seller.PublicKey} {
		if _, dup := principals[key]; dup {
			return nil, fmt.Errorf("%w: operator, buyer and seller must be distinct accounts", ErrInvalidParams)
		}
		principals[key] = struct{}{}
	}
	return seller, nil
}

// SetupContract creates the escrow account, hands its control to the
// operator and buyer, builds and pre-signs every phase, submits the funding
// transaction and persists the contract. Nothing is persisted when any step
// fails.
func (e *Engine) SetupContract(ctx context.Context, params SetupParams) (contract *Contract, err error) {
	started := e.now()
	ctx, span := e.tracer.Start(ctx, "escrow.setup")
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		e.metrics.ObserveSetup(result, e.now().Sub(started))
		span.End()
	}()

	seller, err := e.validateSetup(ctx, params)
	if err != nil {
		return nil, err
	}
	policy := e.cfg.Policy
	operator := e.cfg.Operator

	escrowKP, err := e.gateway.NewKeypair()
	if err != nil {
		return nil, fmt.Errorf("escrow keypair: %w", err)
	}
	unlock := e.locks.lock(escrowKP.PublicKey)
	defer unlock()
	span.SetAttributes(attribute.String("escrow.account", escrowKP.PublicKey))

	if err := e.submit(ctx, "create_account", operator.PublicKey, []ledger.Operation{
		ledger.CreateAccount{Destination: escrowKP.PublicKey, StartingBalance: policy.BootstrapFunding},
	}, operator.Secret); err != nil {
		return nil, err
	}

	if err := e.submit(ctx, "signer_handover", escrowKP.PublicKey, []ledger.Operation{
		ledger.SetOptions{
			Signer:          &ledger.SignerWeight{Key: operator.PublicKey, Weight: int(policy.Weights.Operator)},
			MasterWeight:    ledger.Uint8(0),
			LowThreshold:    ledger.Uint8(policy.Thresholds.Low),
			MediumThreshold: ledger.Uint8(policy.Thresholds.Medium),
			HighThreshold:   ledger.Uint8(policy.Thresholds.High),
		},
		ledger.SetOptions{
			Signer: &ledger.SignerWeight{Key: params.SourceAccountID, Weight: int(policy.Weights.Buyer)},
		},
	}, escrowKP.Secret); err != nil {
		return nil, err
	}

	base, err := e.gateway.SequenceNumber(ctx, escrowKP.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("escrow sequence: %w", err)
	}

	dest := strings.TrimSpace(params.DestinationAccountID)
	if dest == "" {
		dest = seller.PublicKey
	}
	// Windows start once the account exists, so ledger latency during
	// account creation does not eat into the funding window.
	contract = &Contract{
		ID:                    uuid.New(),
		EscrowAccountID:       escrowKP.PublicKey,
		SourceAccountID:       strings.TrimSpace(params.SourceAccountID),
		SellerAccountID:       seller.PublicKey,
		DestAccountID:         dest,
		BaseSequenceNumber:    base,
		CurrentSequenceNumber: base,
		CurrentPhaseNumber:    0,
		FundingAmount:         strings.TrimSpace(params.FundingAmount),
		Obligation:            params.Obligation,
		State:                 StateInitial,
		CreatedAt:             e.now().UTC().Truncate(time.Second),
	}
	input := phaseInput{
		contract: contract,
		operator: operator.PublicKey,
		policy:   policy,
		timeline: Timeline(contract.CreatedAt, policy.Windows),
		cursor:   newSequenceCursor(base),
	}

	initiation, err := buildPhase(ctx, e.gateway, PhaseServiceInitiation, input)
	if err != nil {
		return nil, err
	}
	fund := initiation.Transactions[0]
	if _, err := e.signTx(ctx, SignRequest{
		Transaction:     fund,
		PublicKey:       operator.PublicKey,
		EscrowAccountID: contract.EscrowAccountID,
	}, openGate); err != nil {
		return nil, fmt.Errorf("operator funding signature: %w", err)
	}
	if _, err := e.signTx(ctx, SignRequest{
		Transaction:     fund,
		PublicKey:       contract.SourceAccountID,
		Secret:          params.SourceAccountSecret,
		EscrowAccountID: contract.EscrowAccountID,
	}, openGate); err != nil {
		return nil, fmt.Errorf("buyer funding signature: %w", err)
	}

	for _, t := range PhaseOrder[1:] {
		phase, err := buildPhase(ctx, e.gateway, t, input)
		if err != nil {
			return nil, err
		}
		for _, tx := range phase.Transactions {
			if _, err := e.signTx(ctx, SignRequest{
				Transaction:     tx,
				PublicKey:       operator.PublicKey,
				EscrowAccountID: contract.EscrowAccountID,
			}, presignGate); err != nil {
				return nil, fmt.Errorf("operator pre-signature %s/%s: %w", t, tx.Outcome, err)
			}
		}
	}

	// Funding goes out only once every exit from the escrow is pre-signed.
	if err := e.submitEnvelope(ctx, "fund", fund.Envelope); err != nil {
		return nil, err
	}
	contract.CurrentPhaseNumber = 1
	contract.State = StateActivated

	if err := e.contracts.SaveContract(ctx, contract); err != nil {
		e.logger.Error("funded escrow contract not saved",
			slog.String("contract_id", contract.ID.String()),
			slog.String("escrow", contract.EscrowAccountID),
			slog.Any("error", err))
		return nil, fmt.Errorf("save contract: %w", err)
	}
	e.logger.Info("escrow contract created",
		slog.String("contract_id", contract.ID.String()),
		slog.String("escrow", contract.EscrowAccountID),
		slog.Int64("base_sequence", contract.BaseSequenceNumber),
		slog.Int("phases", len(contract.Phases)))
	e.emitter.Emit(newContractEvent(EventTypeContractCreated, contract))
	e.emitter.Emit(newContractEvent(EventTypeContractActivated, contract))
	return contract, nil
}

// submit builds, signs and submits a setup transaction.
func (e *Engine) submit(ctx context.Context, step, source string, ops []ledger.Operation, secret string) error {
	envelope, err := e.gateway.BuildTransaction(ctx, source, ops, nil, 0)
	if err != nil {
		return fmt.Errorf("%s: build: %w", step, err)
	}
	envelope, err = e.gateway.Sign(secret, envelope)
	if err != nil {
		return fmt.Errorf("%s: sign: %w", step, err)
	}
	return e.submitEnvelope(ctx, step, envelope)
}

// submitEnvelope submits a signed setup envelope. Rejections come back as
// *LedgerError.
func (e *Engine) submitEnvelope(ctx context.Context, step, envelope string) error {
	if _, err := e.gateway.Submit(ctx, envelope); err != nil {
		e.metrics.RecordSubmission(step, "rejected")
		lerr := newLedgerError(step, err)
		e.logger.Error("ledger rejected setup transaction",
			slog.String("step", step),
			slog.Any("result_codes", lerr.ResultCodes),
			slog.Any("error", err))
		return lerr
	}
	e.metrics.RecordSubmission(step, "accepted")
	return nil
}

func (e *Engine) signTx(ctx context.Context, req SignRequest, gate windowGate) (string, error) {
	outcome := ""
	if req.Transaction != nil {
		outcome = req.Transaction.Outcome
	}
	envelope, err := e.signer.sign(ctx, req, gate)
	switch {
	case err == nil:
		e.metrics.RecordSignature(outcome, "signed")
	case errors.Is(err, ErrTimeBoundViolation):
		e.metrics.RecordSignature(outcome, "outside_window")
	case errors.Is(err, ErrKeyMismatch):
		e.metrics.RecordSignature(outcome, "key_mismatch")
	default:
		e.metrics.RecordSignature(outcome, "error")
	}
	return envelope, err
}

// SignContract adds a principal's signature to a pre-built transaction while
// its window is open. An empty secret signs with the operator key.
func (e *Engine) SignContract(ctx context.Context, req SignRequest) (string, error) {
	ctx, span := e.tracer.Start(ctx, "escrow.sign")
	defer span.End()
	if req.Transaction != nil {
		span.SetAttributes(attribute.String("escrow.outcome", req.Transaction.Outcome))
	}
	envelope, err := e.signTx(ctx, req, openGate)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return envelope, nil
}

// SignContractOutcome signs the named outcome of a contract phase and emits
// a signed event.
func (e *Engine) SignContractOutcome(ctx context.Context, c *Contract, phase PhaseType, outcome, publicKey, secret string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("%w: contract required", ErrInvalidParams)
	}
	p, _, ok := c.Phase(phase)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPhaseNotFound, phase)
	}
	tx, ok := p.Transaction(outcome)
	if !ok {
		return "", fmt.Errorf("%w: outcome %s", ErrPhaseNotFound, outcome)
	}
	envelope, err := e.SignContract(ctx, SignRequest{
		Transaction:     tx,
		PublicKey:       publicKey,
		Secret:          secret,
		EscrowAccountID: c.EscrowAccountID,
	})
	if err != nil {
		return "", err
	}
	e.emitter.Emit(newSignedEvent(c, tx, publicKey))
	return envelope, nil
}

// GetCurrentPhase returns the most recently executed phase.
func (e *Engine) GetCurrentPhase(c *Contract) (*ContractPhase, error) {
	if c == nil || c.CurrentPhaseNumber < 1 || c.CurrentPhaseNumber > len(c.Phases) {
		return nil, ErrPhaseNotFound
	}
	return c.Phases[c.CurrentPhaseNumber-1], nil
}

// UpdateContract reconciles the contract with the ledger for the given
// phase and persists it when it advanced.
func (e *Engine) UpdateContract(ctx context.Context, c *Contract, phase PhaseType) (advanced bool, err error) {
	if c == nil {
		return false, fmt.Errorf("%w: contract required", ErrInvalidParams)
	}
	if !phase.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownPhase, phase)
	}
	ctx, span := e.tracer.Start(ctx, "escrow.update", trace.WithAttributes(
		attribute.String("escrow.account", c.EscrowAccountID),
		attribute.String("escrow.phase", string(phase)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	unlock := e.locks.lock(c.EscrowAccountID)
	defer unlock()

	before := c.State
	advanced, err = updatePhase(ctx, e.gateway, c, phase)
	e.metrics.RecordPhaseUpdate(string(phase), advanced)
	if err != nil || !advanced {
		return advanced, err
	}
	if err := e.contracts.SaveContract(ctx, c); err != nil {
		return false, fmt.Errorf("save contract: %w", err)
	}
	e.logger.Info("escrow contract advanced",
		slog.String("contract_id", c.ID.String()),
		slog.String("phase", string(phase)),
		slog.String("state", string(c.State)),
		slog.Int("current_phase", c.CurrentPhaseNumber))
	e.emitter.Emit(newContractEvent(EventTypePhaseAdvanced, c))
	if c.State != before {
		switch c.State {
		case StateDisputed:
			e.emitter.Emit(newContractEvent(EventTypeContractDisputed, c))
		case StateCompleted:
			e.emitter.Emit(newContractEvent(EventTypeContractCompleted, c))
		}
	}
	return true, nil
}

// VerifyAuthorization evaluates a pre-built transaction against the escrow
// account's live signer table.
func (e *Engine) VerifyAuthorization(ctx context.Context, c *Contract, tx *PreTransaction) (bool, error) {
	if c == nil || tx == nil {
		return false, fmt.Errorf("%w: contract and transaction required", ErrInvalidParams)
	}
	table, err := e.gateway.AccountWeights(ctx, c.EscrowAccountID)
	if err != nil {
		return false, fmt.Errorf("escrow weights: %w", err)
	}
	return IsAuthorized(tx, table, e.now()), nil
}

// Balance returns the account's holding of asset.
func (e *Engine) Balance(ctx context.Context, accountID string, asset ledger.Asset) (ledger.Balance, error) {
	balances, err := e.gateway.Balances(ctx, accountID)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("balances %s: %w", accountID, err)
	}
	for _, b := range balances {
		if b.Asset.IsNative() && asset.IsNative() {
			return b, nil
		}
		if b.Asset.Code == asset.Code && b.Asset.Issuer == asset.Issuer {
			return b, nil
		}
	}
	return ledger.Balance{}, fmt.Errorf("%w: %s on %s", ErrBalanceNotFound, asset, accountID)
}

// keyedMutex serializes work per escrow account. Entries are reference
// counted and dropped when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
