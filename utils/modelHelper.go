package utils

import (
	"context"
	"errors"

	"github.com/mmdatafocus/costledger_backend/config"
	"gorm.io/gorm"
)

// fetch model from db
// (programId is used in query's WHERE, may return RecordNotFound)
func FetchModel[T any](ctx context.Context, programId string, id int, associations ...string) (*T, error) {
	return FetchModelTx[T](config.GetDB().WithContext(ctx), programId, id, associations...)
}

// FetchModelTx is FetchModel on an explicit handle, for use inside a transaction.
func FetchModelTx[T any](tx *gorm.DB, programId string, id int, associations ...string) (*T, error) {
	q := tx.Where("program_id = ?", programId)
	for _, field := range associations {
		q = q.Preload(field)
	}
	var result T
	if err := q.First(&result, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrorRecordNotFound
		}
		return nil, err
	}
	return &result, nil
}
