package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/costledger_backend/utils"
	"gorm.io/gorm"
)

// ImportSession groups the transactions of one upload.
type ImportSession struct {
	ID                  int                 `gorm:"primary_key" json:"id"`
	ProgramId           string              `gorm:"size:64;not null;index" json:"program_id"`
	Filename            string              `gorm:"size:255" json:"filename"`
	Description         string              `gorm:"type:text" json:"description"`
	Status              ImportSessionStatus `gorm:"size:32;not null;index" json:"status"`
	TotalRecords        int                 `gorm:"not null;default:0" json:"total_records"`
	ProcessedRecords    int                 `gorm:"not null;default:0" json:"processed_records"`
	MatchedRecords      int                 `gorm:"not null;default:0" json:"matched_records"`
	UnmatchedRecords    int                 `gorm:"not null;default:0" json:"unmatched_records"`
	ErrorRecords        int                 `gorm:"not null;default:0" json:"error_records"`
	ErrorDetails        string              `gorm:"type:text" json:"error_details"`
	ReplacedBySessionId *int                `json:"replaced_by_session_id"`
	CreatedAt           time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetImportSession(ctx context.Context, id int) (*ImportSession, error) {
	programId, ok := utils.GetProgramIdFromContext(ctx)
	if !ok || programId == "" {
		return nil, errors.New("program id is required")
	}
	return utils.FetchModel[ImportSession](ctx, programId, id)
}

// RefreshImportSessionCounts recomputes matched/unmatched counts from the
// session's transactions.
func RefreshImportSessionCounts(tx *gorm.DB, session *ImportSession) error {
	type statusCount struct {
		Status TransactionStatus
		Count  int
	}
	var rows []statusCount
	if err := tx.Model(&ActualsTransaction{}).
		Select("status, COUNT(*) AS count").
		Where("program_id = ? AND import_session_id = ?", session.ProgramId, session.ID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return err
	}
	matched, unmatched := 0, 0
	for _, r := range rows {
		switch r.Status {
		case TransactionStatusUnmatched:
			unmatched += r.Count
		default:
			matched += r.Count
		}
	}
	session.MatchedRecords = matched
	session.UnmatchedRecords = unmatched
	return tx.Model(&ImportSession{}).
		Where("id = ? AND program_id = ?", session.ID, session.ProgramId).
		Updates(map[string]interface{}{
			"matched_records":   matched,
			"unmatched_records": unmatched,
		}).Error
}
