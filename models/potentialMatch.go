package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PotentialMatch caches a scored (transaction, ledger entry) pair.
// Rows are rebuilt whenever candidates are recomputed.
type PotentialMatch struct {
	ID            int                         `gorm:"primary_key" json:"id"`
	ProgramId     string                      `gorm:"size:64;not null;index" json:"program_id"`
	TransactionId int                         `gorm:"not null;index:uniq_potential_match,unique" json:"transaction_id"`
	LedgerEntryId int                         `gorm:"not null;index:uniq_potential_match,unique;index" json:"ledger_entry_id"`
	Confidence    decimal.Decimal             `gorm:"type:decimal(6,4);not null" json:"confidence"`
	MatchType     string                      `gorm:"size:16" json:"match_type"`
	Reasons       datatypes.JSONSlice[string] `json:"reasons"`
	Status        PotentialMatchStatus        `gorm:"size:16;not null;index" json:"status"`
	CreatedAt     time.Time                   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time                   `gorm:"autoUpdateTime" json:"updated_at"`
}

// RejectedMatch records who rejected a candidate and when. It exists only
// while the matching PotentialMatch is in status rejected.
type RejectedMatch struct {
	ID             int       `gorm:"primary_key" json:"id"`
	ProgramId      string    `gorm:"size:64;not null;index" json:"program_id"`
	TransactionId  int       `gorm:"not null;index:uniq_rejected_match,unique" json:"transaction_id"`
	LedgerEntryId  int       `gorm:"not null;index:uniq_rejected_match,unique" json:"ledger_entry_id"`
	RejectedBy     int       `json:"rejected_by"`
	RejectedByName string    `gorm:"size:100" json:"rejected_by_name"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func ListPotentialMatches(tx *gorm.DB, programId string, transactionId int, status PotentialMatchStatus) ([]PotentialMatch, error) {
	var rows []PotentialMatch
	err := tx.Where("program_id = ? AND transaction_id = ? AND status = ?", programId, transactionId, status).
		Order("confidence DESC, ledger_entry_id ASC").
		Find(&rows).Error
	return rows, err
}

func CountPotentialMatches(tx *gorm.DB, programId string, transactionId int) (int64, error) {
	var n int64
	err := tx.Model(&PotentialMatch{}).
		Where("program_id = ? AND transaction_id = ? AND status = ?", programId, transactionId, PotentialMatchStatusPotential).
		Count(&n).Error
	return n, err
}

// RejectedLedgerEntryIds lists entries a human has rejected for transactionId.
func RejectedLedgerEntryIds(tx *gorm.DB, programId string, transactionId int) (map[int]bool, error) {
	var ids []int
	if err := tx.Model(&RejectedMatch{}).
		Where("program_id = ? AND transaction_id = ?", programId, transactionId).
		Pluck("ledger_entry_id", &ids).Error; err != nil {
		return nil, err
	}
	out := make(map[int]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}
