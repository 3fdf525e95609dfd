package middlewares

import (
	"context"
	"errors"

	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"

	"github.com/mmdatafocus/costledger_backend/models"
	"github.com/mmdatafocus/costledger_backend/utils"
)

type ledgerEntryReader struct {
	db *gorm.DB
}

// getLedgerEntries batches by the program of the first caller's context.
// Ids that do not exist in that program resolve to nil.
func (r *ledgerEntryReader) getLedgerEntries(ctx context.Context, ids []int) []*dataloader.Result[*models.LedgerEntry] {
	programId, ok := utils.GetProgramIdFromContext(ctx)
	if !ok || programId == "" {
		return handleError[*models.LedgerEntry](len(ids), errors.New("program id is required"))
	}
	results, err := models.GetLedgerEntriesByIds(ctx, r.db, programId, ids)
	if err != nil {
		return handleError[*models.LedgerEntry](len(ids), err)
	}

	resultMap := make(map[int]*models.LedgerEntry, len(results))
	for i := range results {
		resultMap[results[i].ID] = &results[i]
	}
	loaderResults := make([]*dataloader.Result[*models.LedgerEntry], 0, len(ids))
	for _, id := range ids {
		loaderResults = append(loaderResults, &dataloader.Result[*models.LedgerEntry]{Data: resultMap[id]})
	}
	return loaderResults
}

// GetLedgerEntry returns a single entry by id through the request loader.
func GetLedgerEntry(ctx context.Context, id int) (*models.LedgerEntry, error) {
	loaders := For(ctx)
	return loaders.LedgerEntryLoader.Load(ctx, id)()
}

// GetLedgerEntries returns many entries by ids in one query.
func GetLedgerEntries(ctx context.Context, ids []int) ([]*models.LedgerEntry, []error) {
	loaders := For(ctx)
	return loaders.LedgerEntryLoader.LoadMany(ctx, ids)()
}
