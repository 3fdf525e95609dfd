package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/mmdatafocus/costledger_backend/models"
	"github.com/mmdatafocus/costledger_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// NewActualsRow is one parsed row of an actuals upload. Amount accepts the
// formats utils.ParseAmount does.
type NewActualsRow struct {
	VendorName      string      `json:"vendor_name" validate:"required,max=255"`
	Description     string      `json:"description"`
	Amount          interface{} `json:"amount" validate:"required"`
	TransactionDate string      `json:"transaction_date" validate:"required"`
	InvoiceNumber   string      `json:"invoice_number" validate:"max=100"`
	ReferenceNumber string      `json:"reference_number" validate:"max=100"`
	Category        string      `json:"category" validate:"max=100"`
}

type NewImportSession struct {
	Filename    string          `json:"filename" validate:"required,max=255"`
	Description string          `json:"description"`
	Rows        []NewActualsRow `json:"rows" validate:"required,min=1"`
}

var transactionDateLayouts = []string{"2006-01-02", time.RFC3339, "01/02/2006", "1/2/2006", "2006/01/02"}

func parseTransactionDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range transactionDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return models.TruncateDate(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid transaction date %q", raw)
}

func (row *NewActualsRow) toModel(programId string, sessionId int) (*models.ActualsTransaction, error) {
	if err := utils.ValidateStruct(row); err != nil {
		return nil, models.ValidationFromStruct(err)
	}
	amount, err := utils.ParseAmount(row.Amount)
	if err != nil {
		return nil, err
	}
	date, err := parseTransactionDate(row.TransactionDate)
	if err != nil {
		return nil, err
	}
	return &models.ActualsTransaction{
		ProgramId:       programId,
		ImportSessionId: sessionId,
		VendorName:      strings.TrimSpace(row.VendorName),
		Description:     strings.TrimSpace(row.Description),
		Amount:          amount,
		TransactionDate: date,
		InvoiceNumber:   strings.TrimSpace(row.InvoiceNumber),
		ReferenceNumber: strings.TrimSpace(row.ReferenceNumber),
		Category:        strings.TrimSpace(row.Category),
		Status:          models.TransactionStatusUnmatched,
		DuplicateType:   models.DuplicateTypeNone,
		Version:         1,
	}, nil
}

type sessionEventPayload struct {
	SessionId        int                        `json:"session_id"`
	Status           models.ImportSessionStatus `json:"status"`
	TotalRecords     int                        `json:"total_records"`
	MatchedRecords   int                        `json:"matched_records"`
	UnmatchedRecords int                        `json:"unmatched_records"`
	ErrorRecords     int                        `json:"error_records"`
}

// CreateImportSession stores an upload and runs duplicate detection and
// candidate generation for every row. Invalid rows are counted and skipped.
func CreateImportSession(ctx context.Context, input *NewImportSession) (session *models.ImportSession, err error) {
	programId, err := requireProgramId(ctx)
	if err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, models.ValidationFromStruct(err)
	}
	ctx, span := tracer.Start(ctx, "workflow.CreateImportSession")
	defer func() { endSpan(span, err) }()

	logger := config.GetLogger()
	opts := DefaultScoringOptions()
	session = &models.ImportSession{
		ProgramId:    programId,
		Filename:     strings.TrimSpace(input.Filename),
		Description:  input.Description,
		Status:       models.ImportSessionStatusProcessing,
		TotalRecords: len(input.Rows),
	}

	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		release, err := AcquireProgramImportLock(tx, programId)
		if err != nil {
			return err
		}
		defer release()
		if err := tx.Create(session).Error; err != nil {
			return err
		}
		entries, err := loadScoringEntries(tx, programId)
		if err != nil {
			return err
		}

		var rowErrors []string
		for i := range input.Rows {
			txn, err := input.Rows[i].toModel(programId, session.ID)
			if err != nil {
				rowErrors = append(rowErrors, fmt.Sprintf("row %d: %v", i+1, err))
				continue
			}
			dup, err := DetectDuplicates(tx, txn)
			if err != nil {
				return err
			}
			txn.DuplicateType = dup.Type
			txn.DuplicateOfId = dup.DuplicateOfId
			if err := tx.Create(txn).Error; err != nil {
				return err
			}
			candidates, err := refreshCandidates(tx, txn, entries, opts)
			if err != nil {
				return err
			}
			session.ProcessedRecords++
			if len(candidates) > 0 {
				session.MatchedRecords++
			} else {
				session.UnmatchedRecords++
			}
		}

		session.ErrorRecords = len(rowErrors)
		session.ErrorDetails = strings.Join(rowErrors, "\n")
		session.Status = models.ImportSessionStatusCompleted
		if err := tx.Model(&models.ImportSession{}).
			Where("id = ? AND program_id = ?", session.ID, programId).
			Updates(map[string]interface{}{
				"status":            session.Status,
				"processed_records": session.ProcessedRecords,
				"matched_records":   session.MatchedRecords,
				"unmatched_records": session.UnmatchedRecords,
				"error_records":     session.ErrorRecords,
				"error_details":     session.ErrorDetails,
			}).Error; err != nil {
			return err
		}
		return models.EnqueueLedgerEvent(tx, models.LedgerEventSessionImported, models.LedgerEventRefImportSession, session.ID, sessionEvent(session))
	})
	if err != nil {
		config.LogError(logger, "ImportWorkflow", "CreateImportSession", "import failed", input.Filename, err)
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"field":      "ImportWorkflow",
		"program_id": programId,
		"session_id": session.ID,
		"matched":    session.MatchedRecords,
		"unmatched":  session.UnmatchedRecords,
		"errors":     session.ErrorRecords,
	}).Info("import session completed")
	return session, nil
}

func sessionEvent(s *models.ImportSession) sessionEventPayload {
	return sessionEventPayload{
		SessionId:        s.ID,
		Status:           s.Status,
		TotalRecords:     s.TotalRecords,
		MatchedRecords:   s.MatchedRecords,
		UnmatchedRecords: s.UnmatchedRecords,
		ErrorRecords:     s.ErrorRecords,
	}
}

func lockImportSession(tx *gorm.DB, programId string, sessionId int) (*models.ImportSession, error) {
	session, err := utils.FetchModelTx[models.ImportSession](tx, programId, sessionId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, &models.StaleReferenceError{Resource: "import session", Id: sessionId, Reason: "session no longer exists"}
	}
	if err != nil {
		return nil, err
	}
	if session.Status == models.ImportSessionStatusCancelled || session.Status == models.ImportSessionStatusReplaced {
		return nil, &models.StaleReferenceError{Resource: "import session", Id: sessionId, Reason: "session is " + string(session.Status)}
	}
	return session, nil
}

// RescoreImportSession recomputes candidates for every unconfirmed,
// non-terminal transaction of a session.
func RescoreImportSession(ctx context.Context, sessionId int) (session *models.ImportSession, err error) {
	programId, err := requireProgramId(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "workflow.RescoreImportSession")
	defer func() { endSpan(span, err) }()

	opts := DefaultScoringOptions()
	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if session, err = lockImportSession(tx, programId, sessionId); err != nil {
			return err
		}
		entries, err := loadScoringEntries(tx, programId)
		if err != nil {
			return err
		}
		var txns []models.ActualsTransaction
		if err := tx.Where("program_id = ? AND import_session_id = ? AND status IN ?", programId, sessionId,
			[]models.TransactionStatus{models.TransactionStatusUnmatched, models.TransactionStatusMatched}).
			Order("id ASC").
			Find(&txns).Error; err != nil {
			return err
		}
		for i := range txns {
			if _, err := refreshCandidates(tx, &txns[i], entries, opts); err != nil {
				return err
			}
		}
		return models.RefreshImportSessionCounts(tx, session)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// CancelImportSession drops the suggestions of the session's unconfirmed
// transactions. Confirmed matches are kept.
func CancelImportSession(ctx context.Context, sessionId int) (session *models.ImportSession, err error) {
	programId, err := requireProgramId(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "workflow.CancelImportSession")
	defer func() { endSpan(span, err) }()

	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if session, err = lockImportSession(tx, programId, sessionId); err != nil {
			return err
		}
		unconfirmed := tx.Model(&models.ActualsTransaction{}).
			Select("id").
			Where("program_id = ? AND import_session_id = ? AND status IN ?", programId, sessionId,
				[]models.TransactionStatus{models.TransactionStatusUnmatched, models.TransactionStatusMatched})
		if err := tx.Where("program_id = ? AND status = ? AND transaction_id IN (?)", programId, models.PotentialMatchStatusPotential, unconfirmed).
			Delete(&models.PotentialMatch{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.ActualsTransaction{}).
			Where("program_id = ? AND import_session_id = ? AND status = ?", programId, sessionId, models.TransactionStatusMatched).
			Updates(map[string]interface{}{
				"status":  models.TransactionStatusUnmatched,
				"version": gorm.Expr("version + 1"),
			}).Error; err != nil {
			return err
		}
		session.Status = models.ImportSessionStatusCancelled
		if err := tx.Model(&models.ImportSession{}).
			Where("id = ? AND program_id = ?", session.ID, programId).
			Update("status", session.Status).Error; err != nil {
			return err
		}
		return models.RefreshImportSessionCounts(tx, session)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

type AddToLedgerInput struct {
	WbsElementId   int  `json:"wbs_element_id" validate:"required,gt=0"`
	CostCategoryId *int `json:"cost_category_id" validate:"omitempty,gt=0"`
}

// AddUnmatchedToLedger records a transaction nobody planned for as a new
// ledger entry carrying only actuals.
func AddUnmatchedToLedger(ctx context.Context, transactionId int, input *AddToLedgerInput) (txn *models.ActualsTransaction, entry *models.LedgerEntry, err error) {
	programId, err := requireProgramId(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, nil, models.ValidationFromStruct(err)
	}
	ctx, span := tracer.Start(ctx, "workflow.AddUnmatchedToLedger")
	defer func() { endSpan(span, err) }()

	release, err := lockTransaction(ctx, programId, transactionId, "AddUnmatchedToLedger")
	if err != nil {
		return nil, nil, err
	}
	defer release()

	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if txn, err = models.LockMutableTransaction(tx, programId, transactionId); err != nil {
			return err
		}
		if txn.Status != models.TransactionStatusUnmatched && txn.Status != models.TransactionStatusMatched {
			return models.NewValidationError(fmt.Sprintf("only unmatched transactions can be added to the ledger (status %s)", txn.Status))
		}
		if txn.DuplicateType.IsUnresolved() {
			return models.NewValidationError(fmt.Sprintf("resolve the %s duplicate flag before adding to the ledger", txn.DuplicateType))
		}

		actualDate := txn.TransactionDate
		entry = &models.LedgerEntry{
			ProgramId:          programId,
			VendorName:         txn.VendorName,
			ExpenseDescription: txn.Description,
			WbsElementId:       input.WbsElementId,
			CostCategoryId:     input.CostCategoryId,
			ActualAmount:       decimal.NewNullDecimal(txn.Amount),
			ActualDate:         &actualDate,
			Version:            1,
		}
		if txn.InvoiceNumber != "" {
			entry.AppendNote("Invoice: " + txn.InvoiceNumber)
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}

		entryId := entry.ID
		if err := models.SaveActualsTransactionVersioned(tx, txn, map[string]interface{}{
			"status":                  models.TransactionStatusAddedToLedger,
			"matched_ledger_entry_id": entryId,
		}); err != nil {
			return err
		}
		txn.Status = models.TransactionStatusAddedToLedger
		txn.MatchedLedgerEntryId = &entryId
		if err := tx.Where("program_id = ? AND transaction_id = ? AND status = ?", programId, txn.ID, models.PotentialMatchStatusPotential).
			Delete(&models.PotentialMatch{}).Error; err != nil {
			return err
		}

		sessionId := txn.ImportSessionId
		if _, err := models.RecordAudit(tx, models.AuditInput{
			LedgerEntryId: entry.ID,
			Action:        models.AuditActionCreated,
			Source:        models.AuditSourceInvoiceMatch,
			NewValues:     entry.Snapshot(),
			SessionId:     &sessionId,
			Description:   fmt.Sprintf("Created from unmatched uploaded transaction %d", txn.ID),
		}); err != nil {
			return err
		}
		return models.EnqueueLedgerEvent(tx, models.LedgerEventAddedToLedger, models.LedgerEventRefTransaction, txn.ID, newMatchEvent(txn, entry.ID))
	})
	if err != nil {
		return nil, nil, err
	}
	return txn, entry, nil
}
