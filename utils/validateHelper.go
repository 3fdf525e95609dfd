package utils

import (
	"context"
	"errors"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/costledger_backend/config"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// GetValidator returns the shared validator. Field names in errors use the
// json tag so they line up with request payloads.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(jsonTagName)
	})
	return validate
}

func ValidateStruct(v any) error {
	return GetValidator().Struct(v)
}

func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return errorResponse
	}
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}

// check if id exists within the program, return RecordNotFound Error
func ValidateResourceId[T any](ctx context.Context, programId string, id interface{}) error {
	count, err := ResourceCountWhere[T](ctx, programId, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}
	return nil
}

func ResourceCountWhere[T any](ctx context.Context, programId string, condition string, values ...interface{}) (int64, error) {
	var count int64
	err := config.GetDB().WithContext(ctx).Model(new(T)).
		Where("program_id = ?", programId).
		Where(condition, values...).
		Count(&count).Error
	return count, err
}
