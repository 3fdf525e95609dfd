package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireProgramImportLock serializes imports per program across instances using MySQL advisory locks,
// so duplicate detection of one upload sees every row of the previous one.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the *gorm.DB of the import transaction.
// Other dialects (the sqlite test database) rely on the transaction alone.
func AcquireProgramImportLock(tx *gorm.DB, programId string) (release func(), err error) {
	if tx.Dialector.Name() != "mysql" {
		return func() {}, nil
	}
	lockName := importLockName(programId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return nil, err
	}
	if ok != 1 {
		return nil, fmt.Errorf("could not acquire import lock for program_id=%s", programId)
	}
	return func() {
		var _ok int
		_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
	}, nil
}

func importLockName(programId string) string {
	return fmt.Sprintf("import:%s", programId)
}
