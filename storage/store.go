// Package storage persists escrow contracts and user mappings with gorm.
// Postgres DSNs use the pgx driver and everything else is opened as an
// embedded SQLite database.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"escrowlane/escrow"
	"escrowlane/ledger"
)

// Store implements escrow.ContractStore and escrow.UserStore.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the schema. postgres:// and
// postgresql:// DSNs select Postgres, an optional sqlite:// prefix is
// stripped, and anything else is handed to SQLite as is.
func Open(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("storage: dsn required")
	}
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("storage: nil database")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveContract replaces the stored contract tree in one transaction.
func (s *Store) SaveContract(ctx context.Context, c *escrow.Contract) error {
	if c == nil || c.ID == uuid.Nil {
		return errors.New("storage: contract id required")
	}
	record := toRecord(c)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteContract(tx, c.ID); err != nil {
			return err
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("storage: save contract %s: %w", c.ID, err)
		}
		return nil
	})
}

func deleteContract(tx *gorm.DB, id uuid.UUID) error {
	var phaseIDs []uuid.UUID
	if err := tx.Model(&PhaseRecord{}).Where("contract_id = ?", id).Pluck("id", &phaseIDs).Error; err != nil {
		return err
	}
	if len(phaseIDs) > 0 {
		var txIDs []uuid.UUID
		if err := tx.Model(&TransactionRecord{}).Where("phase_id IN ?", phaseIDs).Pluck("id", &txIDs).Error; err != nil {
			return err
		}
		if len(txIDs) > 0 {
			if err := tx.Where("transaction_id IN ?", txIDs).Delete(&SignatureRecord{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("phase_id IN ?", phaseIDs).Delete(&TransactionRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("contract_id = ?", id).Delete(&PhaseRecord{}).Error; err != nil {
			return err
		}
	}
	return tx.Where("id = ?", id).Delete(&ContractRecord{}).Error
}

func byPosition(db *gorm.DB) *gorm.DB { return db.Order("position") }

func (s *Store) preloaded(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Preload("Phases", byPosition).
		Preload("Phases.Transactions", byPosition).
		Preload("Phases.Transactions.Signatures", byPosition)
}

// LoadContract returns the stored contract or escrow.ErrContractNotFound.
func (s *Store) LoadContract(ctx context.Context, id uuid.UUID) (*escrow.Contract, error) {
	var record ContractRecord
	err := s.preloaded(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", escrow.ErrContractNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load contract %s: %w", id, err)
	}
	return fromRecord(record), nil
}

// ListContracts returns contracts in creation order, optionally filtered by
// state.
func (s *Store) ListContracts(ctx context.Context, states ...escrow.ContractState) ([]*escrow.Contract, error) {
	query := s.preloaded(ctx).Order("created_at").Order("id")
	if len(states) > 0 {
		names := make([]string, len(states))
		for i, state := range states {
			names[i] = string(state)
		}
		query = query.Where("state IN ?", names)
	}
	var records []ContractRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("storage: list contracts: %w", err)
	}
	out := make([]*escrow.Contract, 0, len(records))
	for _, record := range records {
		out = append(out, fromRecord(record))
	}
	return out, nil
}

// GetUser returns the user or escrow.ErrUserNotFound.
func (s *Store) GetUser(ctx context.Context, id int64) (*escrow.User, error) {
	var record UserRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", escrow.ErrUserNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load user %d: %w", id, err)
	}
	return &escrow.User{ID: record.ID, PublicKey: record.PublicKey}, nil
}

// PutUser creates or updates a user mapping.
func (s *Store) PutUser(ctx context.Context, user escrow.User) error {
	if user.ID <= 0 {
		return errors.New("storage: user id must be positive")
	}
	if strings.TrimSpace(user.PublicKey) == "" {
		return errors.New("storage: user public key required")
	}
	record := UserRecord{ID: user.ID, PublicKey: strings.TrimSpace(user.PublicKey)}
	return s.db.WithContext(ctx).Save(&record).Error
}

func toRecord(c *escrow.Contract) ContractRecord {
	record := ContractRecord{
		ID:                    c.ID,
		EscrowAccountID:       c.EscrowAccountID,
		SourceAccountID:       c.SourceAccountID,
		SellerAccountID:       c.SellerAccountID,
		DestAccountID:         c.DestAccountID,
		BaseSequenceNumber:    c.BaseSequenceNumber,
		CurrentSequenceNumber: c.CurrentSequenceNumber,
		CurrentPhaseNumber:    c.CurrentPhaseNumber,
		FundingAmount:         c.FundingAmount,
		Obligation:            c.Obligation,
		State:                 string(c.State),
		CreatedAt:             c.CreatedAt,
	}
	for i, phase := range c.Phases {
		if phase == nil {
			continue
		}
		pr := PhaseRecord{
			ID:             uuid.New(),
			ContractID:     c.ID,
			Position:       i,
			Type:           string(phase.Type),
			SequenceOffset: phase.SequenceOffset,
		}
		for j, tx := range phase.Transactions {
			if tx == nil {
				continue
			}
			tr := TransactionRecord{
				ID:             uuid.New(),
				PhaseID:        pr.ID,
				Position:       j,
				Outcome:        tx.Outcome,
				Envelope:       tx.Envelope,
				SequenceNumber: tx.SequenceNumber,
				MinTime:        tx.MinTime,
				MaxTime:        tx.MaxTime,
				Tier:           int(tx.Tier),
			}
			for k, sig := range tx.Signatures {
				if sig == nil {
					continue
				}
				tr.Signatures = append(tr.Signatures, SignatureRecord{
					ID:            uuid.New(),
					TransactionID: tr.ID,
					Position:      k,
					PublicKey:     sig.PublicKey,
					Signed:        sig.Signed,
				})
			}
			pr.Transactions = append(pr.Transactions, tr)
		}
		record.Phases = append(record.Phases, pr)
	}
	return record
}

func fromRecord(record ContractRecord) *escrow.Contract {
	c := &escrow.Contract{
		ID:                    record.ID,
		EscrowAccountID:       record.EscrowAccountID,
		SourceAccountID:       record.SourceAccountID,
		SellerAccountID:       record.SellerAccountID,
		DestAccountID:         record.DestAccountID,
		BaseSequenceNumber:    record.BaseSequenceNumber,
		CurrentSequenceNumber: record.CurrentSequenceNumber,
		CurrentPhaseNumber:    record.CurrentPhaseNumber,
		FundingAmount:         record.FundingAmount,
		Obligation:            record.Obligation,
		State:                 escrow.ContractState(record.State),
		CreatedAt:             record.CreatedAt.UTC(),
	}
	for _, pr := range record.Phases {
		phase := &escrow.ContractPhase{Type: escrow.PhaseType(pr.Type), SequenceOffset: pr.SequenceOffset}
		for _, tr := range pr.Transactions {
			tx := &escrow.PreTransaction{
				Outcome:        tr.Outcome,
				Envelope:       tr.Envelope,
				SequenceNumber: tr.SequenceNumber,
				MinTime:        tr.MinTime,
				MaxTime:        tr.MaxTime,
				Tier:           ledger.ThresholdTier(tr.Tier),
			}
			for _, sr := range tr.Signatures {
				tx.Signatures = append(tx.Signatures, &escrow.Signature{PublicKey: sr.PublicKey, Signed: sr.Signed})
			}
			phase.Transactions = append(phase.Transactions, tx)
		}
		c.Phases = append(c.Phases, phase)
	}
	return c
}
