package utils

import (
	"context"

	"github.com/mmdatafocus/costledger_backend/appctx"
)

var (
	ContextKeyProgramId        = appctx.ContextKeyProgramId
	ContextKeyUserId           = appctx.ContextKeyUserId
	ContextKeyUserName         = appctx.ContextKeyUserName
	ContextKeyCorrelationId    = appctx.ContextKeyCorrelationId
	ContextKeySkipProgramScope = appctx.ContextKeySkipProgramScope
)

func GetProgramIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyProgramId)
}

func GetUserIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyUserId)
}

func GetUserNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUserName)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetProgramIdInContext(ctx context.Context, programId string) context.Context {
	return appctx.Set(ctx, ContextKeyProgramId, programId)
}

func SetUserIdInContext(ctx context.Context, userId int) context.Context {
	return appctx.Set(ctx, ContextKeyUserId, userId)
}

func SetUserNameInContext(ctx context.Context, userName string) context.Context {
	return appctx.Set(ctx, ContextKeyUserName, userName)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetSkipProgramScopeInContext(ctx context.Context, skip bool) context.Context {
	return appctx.Set(ctx, ContextKeySkipProgramScope, skip)
}
