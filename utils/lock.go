package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/sirupsen/logrus"
)

const defaultLockTTL = 30 * time.Second

// ObtainLock takes a best-effort Redis lock on key. When Redis is not
// connected it returns a no-op release and no error; row versions still
// serialize writers. A lock held by someone else yields ErrorLockHeld.
func ObtainLock(ctx context.Context, key string, moduleName string, functionName string) (func(), error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		logger.WithFields(logrus.Fields{
			"module":   moduleName,
			"funcName": functionName,
			"lock":     key,
		}).Debug("redis lock not ready; proceeding without redis lock")
		return func() {}, nil
	}

	lock, err := locker.Obtain(ctx, key, defaultLockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrorLockHeld, key)
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining lock", key, err)
		return func() {}, nil
	}
	return func() {
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil && !errors.Is(releaseErr, redislock.ErrLockNotHeld) {
			config.LogError(logger, moduleName, functionName, "Error releasing lock", key, releaseErr)
		}
	}, nil
}

func LedgerEntryLockKey(programId string, entryId int) string {
	return fmt.Sprintf("lock:%s:ledger-entry:%d", programId, entryId)
}

func TransactionLockKey(programId string, transactionId int) string {
	return fmt.Sprintf("lock:%s:actuals-transaction:%d", programId, transactionId)
}
