package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ContractRecord is the persisted form of an escrow contract.
type ContractRecord struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey"`
	EscrowAccountID       string    `gorm:"size:64;uniqueIndex"`
	SourceAccountID       string    `gorm:"size:64;index"`
	SellerAccountID       string    `gorm:"size:64;index"`
	DestAccountID         string    `gorm:"size:64"`
	BaseSequenceNumber    int64
	CurrentSequenceNumber int64
	CurrentPhaseNumber    int
	FundingAmount         string `gorm:"size:32"`
	Obligation            string
	State                 string `gorm:"size:16;index"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
	Phases                []PhaseRecord `gorm:"foreignKey:ContractID;constraint:OnDelete:CASCADE"`
}

// PhaseRecord stores one phase of a contract.
type PhaseRecord struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ContractID     uuid.UUID `gorm:"type:uuid;index"`
	Position       int
	Type           string `gorm:"size:32"`
	SequenceOffset int64
	Transactions   []TransactionRecord `gorm:"foreignKey:PhaseID;constraint:OnDelete:CASCADE"`
}

// TransactionRecord stores a pre-built transaction and its envelope.
type TransactionRecord struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	PhaseID        uuid.UUID `gorm:"type:uuid;index"`
	Position       int
	Outcome        string `gorm:"size:32"`
	Envelope       string `gorm:"type:text"`
	SequenceNumber int64
	MinTime        int64
	MaxTime        int64
	Tier           int
	Signatures     []SignatureRecord `gorm:"foreignKey:TransactionID;constraint:OnDelete:CASCADE"`
}

// SignatureRecord stores a signing slot.
type SignatureRecord struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	TransactionID uuid.UUID `gorm:"type:uuid;index"`
	Position      int
	PublicKey     string `gorm:"size:64"`
	Signed        bool
}

// UserRecord maps an application user to a ledger account.
type UserRecord struct {
	ID        int64  `gorm:"primaryKey;autoIncrement:false"`
	PublicKey string `gorm:"size:64;uniqueIndex"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AutoMigrate runs schema migrations for the escrow records.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ContractRecord{},
		&PhaseRecord{},
		&TransactionRecord{},
		&SignatureRecord{},
		&UserRecord{},
	)
}
