package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/mmdatafocus/costledger_backend/middlewares"
	"github.com/mmdatafocus/costledger_backend/models"
	"github.com/mmdatafocus/costledger_backend/utils"
	"github.com/mmdatafocus/costledger_backend/workflow"
	"github.com/shopspring/decimal"
)

// respondError maps engine errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	var (
		validationErr *models.ValidationError
		staleErr      *models.StaleReferenceError
		conflictErr   *models.ConflictError
		integrityErr  *models.IntegrityError
	)
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error(), "problems": validationErr.Problems})
	case errors.As(err, &staleErr):
		c.JSON(http.StatusGone, gin.H{"error": staleErr.Error()})
	case errors.As(err, &conflictErr):
		c.JSON(http.StatusConflict, gin.H{"error": conflictErr.Error()})
	case errors.Is(err, utils.ErrorLockHeld):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorRecordNotFound), errors.Is(err, models.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.As(err, &integrityErr):
		config.LogError(config.GetLogger(), "handlers.go", c.HandlerName(), integrityErr.Op, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func paramId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, dest interface{}) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

type ledgerEntryIdRequest struct {
	LedgerEntryId int `json:"ledger_entry_id" validate:"required,gt=0"`
}

func bindLedgerEntryId(c *gin.Context) (int, bool) {
	var req ledgerEntryIdRequest
	if !bindJSON(c, &req) {
		return 0, false
	}
	if err := utils.ValidateStruct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
		return 0, false
	}
	return req.LedgerEntryId, true
}

type candidateView struct {
	workflow.MatchCandidate
	LedgerEntry *models.LedgerEntry `json:"ledger_entry"`
}

func getCandidatesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		candidates, err := workflow.GetCandidates(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		sets, err := workflow.GetCandidateSets(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		ids := make([]int, 0, len(candidates))
		for _, cand := range candidates {
			ids = append(ids, cand.LedgerEntryId)
		}
		entries, errs := middlewares.GetLedgerEntries(ctx, ids)
		views := make([]candidateView, 0, len(candidates))
		for i, cand := range candidates {
			if i < len(errs) && errs[i] != nil {
				respondError(c, errs[i])
				return
			}
			views = append(views, candidateView{MatchCandidate: cand, LedgerEntry: entries[i]})
		}
		c.JSON(http.StatusOK, gin.H{
			"transaction": sets.Transaction,
			"candidates":  views,
			"rejected":    sets.Rejected,
		})
	}
}

func confirmMatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		entryId, ok := bindLedgerEntryId(c)
		if !ok {
			return
		}
		txn, entry, err := workflow.ConfirmMatch(c.Request.Context(), id, entryId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transaction": txn, "ledger_entry": entry})
	}
}

func rejectMatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		entryId, ok := bindLedgerEntryId(c)
		if !ok {
			return
		}
		sets, err := workflow.RejectMatch(c.Request.Context(), id, entryId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, sets)
	}
}

func undoRejectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		entryId, ok := bindLedgerEntryId(c)
		if !ok {
			return
		}
		sets, err := workflow.UndoReject(c.Request.Context(), id, entryId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, sets)
	}
}

func removeMatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		txn, entry, err := workflow.RemoveMatch(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transaction": txn, "ledger_entry": entry})
	}
}

func addToLedgerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		var input workflow.AddToLedgerInput
		if !bindJSON(c, &input) {
			return
		}
		txn, entry, err := workflow.AddUnmatchedToLedger(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"transaction": txn, "ledger_entry": entry})
	}
}

type duplicateResolver func(c *gin.Context, id int) (*models.ActualsTransaction, error)

func duplicateHandler(resolve duplicateResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		txn, err := resolve(c, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, txn)
	}
}

func acceptDuplicateHandler() gin.HandlerFunc {
	return duplicateHandler(func(c *gin.Context, id int) (*models.ActualsTransaction, error) {
		return workflow.AcceptDuplicate(c.Request.Context(), id)
	})
}

func rejectDuplicateHandler() gin.HandlerFunc {
	return duplicateHandler(func(c *gin.Context, id int) (*models.ActualsTransaction, error) {
		return workflow.RejectDuplicate(c.Request.Context(), id)
	})
}

func replaceOriginalHandler() gin.HandlerFunc {
	return duplicateHandler(func(c *gin.Context, id int) (*models.ActualsTransaction, error) {
		return workflow.AcceptAndReplaceOriginal(c.Request.Context(), id)
	})
}

func createImportSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.NewImportSession
		if !bindJSON(c, &input) {
			return
		}
		session, err := workflow.CreateImportSession(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, session)
	}
}

type sessionTransactionView struct {
	*models.ActualsTransaction
	MatchedEntry *models.LedgerEntry `json:"matched_entry"`
}

func importSessionTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		session, err := models.GetImportSession(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		txns, err := models.GetImportSessionTransactions(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		// resolve every matched entry in one batch
		thunks := make([]func() (*models.LedgerEntry, error), len(txns))
		loader := middlewares.For(ctx).LedgerEntryLoader
		for i, t := range txns {
			if t.MatchedLedgerEntryId != nil {
				thunks[i] = loader.Load(ctx, *t.MatchedLedgerEntryId)
			}
		}
		views := make([]sessionTransactionView, 0, len(txns))
		for i, t := range txns {
			view := sessionTransactionView{ActualsTransaction: t}
			if thunks[i] != nil {
				entry, err := thunks[i]()
				if err != nil {
					respondError(c, err)
					return
				}
				view.MatchedEntry = entry
			}
			views = append(views, view)
		}
		c.JSON(http.StatusOK, gin.H{"session": session, "transactions": views})
	}
}

func rescoreImportSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		session, err := workflow.RescoreImportSession(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

func cancelImportSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		session, err := workflow.CancelImportSession(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

func importSessionAuditTrailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		rows, err := models.GetSessionAuditTrail(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func boeAuditTrailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := models.GetBOEAuditTrail(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func createLedgerEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewLedgerEntry
		if !bindJSON(c, &input) {
			return
		}
		entry, err := models.CreateLedgerEntry(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, entry)
	}
}

func pushFromBOEHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewBOEPush
		if !bindJSON(c, &input) {
			return
		}
		entries, err := models.PushLedgerEntriesFromBOE(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, entries)
	}
}

func getLedgerEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		entry, err := middlewares.GetLedgerEntry(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		if entry == nil {
			respondError(c, utils.ErrorRecordNotFound)
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

func updateLedgerEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		var input models.UpdateLedgerEntryInput
		if !bindJSON(c, &input) {
			return
		}
		entry, err := models.UpdateLedgerEntry(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

func deleteLedgerEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		entry, err := models.DeleteLedgerEntry(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

func scenariosHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		var actualDate *time.Time
		if raw := strings.TrimSpace(c.Query("actual_date")); raw != "" {
			d, err := time.Parse("2006-01-02", raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "actual_date must be YYYY-MM-DD"})
				return
			}
			actualDate = &d
		}
		amount, err := optionalDecimalQuery(c, "actual_amount")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid actual_amount"})
			return
		}
		scenarios, err := workflow.GetAvailableScenarios(c.Request.Context(), id, amount, actualDate)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, scenarios)
	}
}

func optionalDecimalQuery(c *gin.Context, name string) (*decimal.Decimal, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, nil
	}
	d, err := utils.ParseDecimal(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func adjustmentHandler(preview bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		var input workflow.AdjustmentRequest
		if !bindJSON(c, &input) {
			return
		}
		input.LedgerEntryId = id
		ctx := c.Request.Context()
		if preview {
			impact, err := workflow.PreviewImpact(ctx, &input)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, impact)
			return
		}
		result, err := workflow.ApplyAdjustment(ctx, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func ledgerEntryAuditTrailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		rows, err := models.GetAuditTrailForLedgerEntry(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func ledgerEntryAuditSummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		summary, err := models.GetAuditSummary(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func suggestionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		splits, err := workflow.GetSplitSuggestions(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		reForecast, err := workflow.GetReForecastSuggestions(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"splits": splits, "re_forecast": reForecast})
	}
}

type outboxReplayRequest struct {
	RecordIds []int `json:"record_ids"`
}

// outboxReplayHandler moves DEAD ledger events of the program back to PENDING.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outboxReplayRequest
		if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
			return
		}
		n, err := workflow.ReplayDeadEvents(c.Request.Context(), req.RecordIds)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"replayed":       n,
			"publish_status": models.OutboxPublishStatusPending,
		})
	}
}
