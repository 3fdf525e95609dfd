package workflow

import (
	"context"
	"errors"

	"github.com/mmdatafocus/costledger_backend/models"
	"github.com/mmdatafocus/costledger_backend/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("costledger/workflow")

func requireProgramId(ctx context.Context) (string, error) {
	programId, ok := utils.GetProgramIdFromContext(ctx)
	if !ok || programId == "" {
		return "", errors.New("program id is required")
	}
	return programId, nil
}

// lockEntry takes the per-entry redis lock. A lock held elsewhere surfaces
// as a ConflictError so callers retry like any version conflict.
func lockEntry(ctx context.Context, programId string, entryId int, funcName string) (func(), error) {
	release, err := utils.ObtainLock(ctx, utils.LedgerEntryLockKey(programId, entryId), "workflow", funcName)
	if errors.Is(err, utils.ErrorLockHeld) {
		return nil, &models.ConflictError{Resource: "ledger entry", Id: entryId}
	}
	return release, err
}

func lockTransaction(ctx context.Context, programId string, transactionId int, funcName string) (func(), error) {
	release, err := utils.ObtainLock(ctx, utils.TransactionLockKey(programId, transactionId), "workflow", funcName)
	if errors.Is(err, utils.ErrorLockHeld) {
		return nil, &models.ConflictError{Resource: "transaction", Id: transactionId}
	}
	return release, err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

func userIdFrom(ctx context.Context) int {
	id, _ := utils.GetUserIdFromContext(ctx)
	return id
}

func userNameFrom(ctx context.Context) string {
	name, _ := utils.GetUserNameFromContext(ctx)
	return name
}

func withoutProgramScope(ctx context.Context) context.Context {
	return utils.SetSkipProgramScopeInContext(ctx, true)
}
