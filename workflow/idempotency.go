package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/costledger_backend/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// sqlite reports constraint violations as plain text
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// RequestFingerprint hashes v's JSON form. Equal requests give equal keys.
func RequestFingerprint(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns the stored
// result and skip = true.
func BeginIdempotency(tx *gorm.DB, programId, handlerName, messageId string) (skip bool, result datatypes.JSON, err error) {
	key := models.IdempotencyKey{
		ProgramId:   programId,
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err == nil {
		return false, nil, nil
	} else if !isDuplicateKeyErr(err) {
		return false, nil, err
	}

	var existing models.IdempotencyKey
	if err := tx.Where("program_id = ? AND handler_name = ? AND message_id = ?", programId, handlerName, messageId).
		First(&existing).Error; err != nil {
		return false, nil, err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, existing.Result, nil
	case models.IdempotencyStatusStarted:
		// another request holds it; a stale row is taken over
		if time.Since(existing.UpdatedAt) < 5*time.Minute {
			return false, nil, ErrIdempotencyInProgress
		}
	}
	return false, nil, tx.Model(&models.IdempotencyKey{}).
		Where("id = ? AND program_id = ?", existing.ID, programId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
}

func MarkIdempotencySucceeded(tx *gorm.DB, programId, handlerName, messageId string, result interface{}) error {
	updates := map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return err
		}
		updates["result"] = datatypes.JSON(b)
	}
	return tx.Model(&models.IdempotencyKey{}).
		Where("program_id = ? AND handler_name = ? AND message_id = ?", programId, handlerName, messageId).
		Updates(updates).Error
}

// recordIdempotencyResult stores key as SUCCEEDED with result, whether or not
// a row exists yet.
func recordIdempotencyResult(tx *gorm.DB, programId, handlerName, key string, result interface{}) error {
	if _, _, err := BeginIdempotency(tx, programId, handlerName, key); err != nil && !errors.Is(err, ErrIdempotencyInProgress) {
		return err
	}
	return MarkIdempotencySucceeded(tx, programId, handlerName, key, result)
}
