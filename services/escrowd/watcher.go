package escrowd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"escrowlane/escrow"
	"escrowlane/observability"
)

// ContractLister lists stored contracts by state.
type ContractLister interface {
	ListContracts(ctx context.Context, states ...escrow.ContractState) ([]*escrow.Contract, error)
}

// Reconciler advances a contract against the ledger.
type Reconciler interface {
	UpdateContract(ctx context.Context, c *escrow.Contract, phase escrow.PhaseType) (bool, error)
}

// Watcher periodically reconciles open contracts with the ledger so phase
// progress and terminal outcomes are persisted without a caller asking.
type Watcher struct {
	engine       Reconciler
	contracts    ContractLister
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      *observability.EscrowMetrics
}

// NewWatcher constructs a watcher with sane defaults.
func NewWatcher(engine Reconciler, contracts ContractLister, pollInterval time.Duration, logger *slog.Logger, metrics *observability.EscrowMetrics) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		engine:       engine,
		contracts:    contracts,
		pollInterval: pollInterval,
		logger:       logger,
		metrics:      metrics,
	}
}

// Run sweeps until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	if w == nil || w.engine == nil || w.contracts == nil {
		return
	}
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("escrow sweep incomplete", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep reconciles every non-terminal contract once and returns how many
// advanced. Failures on one contract do not stop the sweep.
func (w *Watcher) Sweep(ctx context.Context) (int, error) {
	open, err := w.contracts.ListContracts(ctx, escrow.StateActivated, escrow.StateDisputed)
	if err != nil {
		w.metrics.RecordSweep(0, err)
		return 0, fmt.Errorf("list contracts: %w", err)
	}
	advanced := 0
	var errs []error
	for _, c := range open {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		moved, err := w.reconcile(ctx, c)
		if err != nil {
			w.logger.Warn("escrow reconcile failed",
				slog.String("contract_id", c.ID.String()),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("contract %s: %w", c.ID, err))
			continue
		}
		if moved {
			advanced++
		}
	}
	sweepErr := errors.Join(errs...)
	w.metrics.RecordSweep(len(open), sweepErr)
	return advanced, sweepErr
}

// reconcile walks the phases from the current one onward until the ledger
// shows no further progress or the contract completes.
func (w *Watcher) reconcile(ctx context.Context, c *escrow.Contract) (bool, error) {
	start := c.CurrentPhaseNumber - 1
	if start < 0 {
		start = 0
	}
	moved := false
	for _, phase := range escrow.PhaseOrder[start:] {
		if _, _, ok := c.Phase(phase); !ok {
			continue
		}
		advanced, err := w.engine.UpdateContract(ctx, c, phase)
		if err != nil {
			return moved, err
		}
		moved = moved || advanced
		if c.State.Terminal() {
			break
		}
	}
	return moved, nil
}
