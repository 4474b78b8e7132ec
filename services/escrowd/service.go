package escrowd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"escrowlane/escrow"
	"escrowlane/ledger"
	"escrowlane/ledger/horizon"
	"escrowlane/ledger/memledger"
	"escrowlane/ledger/txbuild"
	"escrowlane/observability"
	"escrowlane/storage"
	"escrowlane/storage/kv"
)

// Service bundles the engine with its gateway, store and watcher.
type Service struct {
	Engine  *escrow.Engine
	Store   *storage.Store
	Gateway ledger.Gateway
	Watcher *Watcher

	logger  *slog.Logger
	closers []func() error
}

// NewService wires every dependency described by cfg.
func NewService(ctx context.Context, cfg Config, logger *slog.Logger) (svc *Service, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	svc = &Service{logger: logger}
	defer func() {
		if err != nil {
			_ = svc.Close()
		}
	}()

	policy := escrow.DefaultPolicy()
	if path := strings.TrimSpace(cfg.PolicyPath); path != "" {
		if policy, err = escrow.LoadPolicy(path); err != nil {
			return nil, err
		}
	}

	operatorPK, err := txbuild.PublicKey(cfg.Operator.Secret)
	if err != nil {
		return nil, fmt.Errorf("operator secret: %w", err)
	}
	gateway, err := svc.openGateway(ctx, cfg, operatorPK)
	if err != nil {
		return nil, err
	}
	svc.Gateway = gateway

	store, err := storage.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	svc.Store = store
	svc.closers = append(svc.closers, store.Close)
	for _, user := range cfg.Users {
		if err := store.PutUser(ctx, escrow.User{ID: user.ID, PublicKey: user.PublicKey}); err != nil {
			return nil, fmt.Errorf("seed user %d: %w", user.ID, err)
		}
	}

	metrics := observability.Escrow()
	engine, err := escrow.NewEngine(
		escrow.Config{Operator: ledger.Keypair{PublicKey: operatorPK, Secret: cfg.Operator.Secret}, Policy: policy},
		gateway, store, store,
		escrow.WithLogger(logger.With(slog.String("component", "engine"))),
		escrow.WithMetrics(metrics),
		escrow.WithEmitter(observability.LogEmitter{Logger: logger, Metrics: observability.Events()}),
	)
	if err != nil {
		return nil, err
	}
	svc.Engine = engine
	svc.Watcher = NewWatcher(engine, store, cfg.PollInterval.Duration, logger.With(slog.String("component", "watcher")), metrics)

	logger.Info("escrowd configured",
		slog.String("ledger_mode", cfg.Ledger.Mode),
		slog.String("operator", operatorPK),
		slog.Int("users", len(cfg.Users)))
	return svc, nil
}

func (s *Service) openGateway(ctx context.Context, cfg Config, operatorPK string) (ledger.Gateway, error) {
	lc := cfg.Ledger
	switch lc.Mode {
	case LedgerModeHorizon:
		return horizon.New(horizon.Config{
			URL:               lc.HorizonURL,
			Passphrase:        lc.Passphrase,
			RequestsPerSecond: lc.RequestsPerSecond,
			Burst:             lc.Burst,
			Timeout:           lc.Timeout.Duration,
		}, horizon.WithLogger(s.logger.With(slog.String("component", "horizon"))))
	case LedgerModeMemory:
		var db kv.Database = kv.NewMemDB()
		if path := strings.TrimSpace(lc.MemoryPath); path != "" {
			ldb, err := kv.NewLevelDB(path)
			if err != nil {
				return nil, err
			}
			db = ldb
		}
		s.closers = append(s.closers, db.Close)
		var opts []memledger.Option
		if lc.Passphrase != "" {
			opts = append(opts, memledger.WithPassphrase(lc.Passphrase))
		}
		l := memledger.New(db, opts...)
		genesis := append([]GenesisAccount{{Address: operatorPK, Balance: cfg.Operator.FundBalance}}, lc.Genesis...)
		for _, acct := range genesis {
			if err := seedAccount(ctx, l, acct); err != nil {
				return nil, err
			}
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unsupported ledger mode %q", lc.Mode)
	}
}

// seedAccount funds acct only when it does not exist yet, so restarts over a
// persistent ledger keep their balances.
func seedAccount(ctx context.Context, l *memledger.Ledger, acct GenesisAccount) error {
	_, err := l.SequenceNumber(ctx, acct.Address)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		return err
	}
	if err := l.Fund(acct.Address, acct.Balance); err != nil {
		return fmt.Errorf("genesis %s: %w", acct.Address, err)
	}
	return nil
}

// ReadinessChecks reports the store and the operator account.
func (s *Service) ReadinessChecks(operatorPK string) []ReadinessCheck {
	return []ReadinessCheck{
		{Name: "database", Check: s.Store.Ping},
		{Name: "ledger", Check: func(ctx context.Context) error {
			_, err := s.Gateway.SequenceNumber(ctx, operatorPK)
			return err
		}},
	}
}

// Close releases resources in reverse order of acquisition.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
