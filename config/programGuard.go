package config

import (
	"context"
	"strings"

	"github.com/mmdatafocus/costledger_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const programColumn = "program_id"

// ProgramGuardPlugin scopes queries/updates/deletes to the request's program_id
// when the model has a program_id column.
//
// NOTE:
// - Raw SQL is not scoped. Those queries must filter program_id themselves.
// - Internal jobs bypass the guard explicitly via appctx.ContextKeySkipProgramScope.
type ProgramGuardPlugin struct{}

func NewProgramGuardPlugin() *ProgramGuardPlugin { return &ProgramGuardPlugin{} }

func (p *ProgramGuardPlugin) Name() string { return "program_guard" }

func (p *ProgramGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Query().Before("gorm:query").Register("program_guard:query", programGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Row().Before("gorm:row").Register("program_guard:row", programGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("program_guard:update", programGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("program_guard:delete", programGuardCallback); err != nil {
		return err
	}
	return nil
}

func programGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	ctx := db.Statement.Context
	if ctx == nil || shouldBypassProgramScope(ctx) {
		return
	}
	programID := programIdFromContext(ctx)
	if programID == "" {
		return
	}
	if db.Statement.Schema == nil || db.Statement.Schema.LookUpField(programColumn) == nil {
		return
	}
	if whereHasProgramID(db.Statement.Clauses["WHERE"]) {
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: programColumn},
				Value:  programID,
			},
		},
	})
}

func programIdFromContext(ctx context.Context) string {
	if v, ok := appctx.GetString(ctx, appctx.ContextKeyProgramId); ok {
		return v
	}
	return ""
}

func shouldBypassProgramScope(ctx context.Context) bool {
	v, ok := appctx.GetBool(ctx, appctx.ContextKeySkipProgramScope)
	return ok && v
}

func whereHasProgramID(c clause.Clause) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasProgramID(e) {
			return true
		}
	}
	return false
}

func exprHasProgramID(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsProgramID(v.Column)
	case clause.Neq:
		return colIsProgramID(v.Column)
	case clause.IN:
		return colIsProgramID(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprHasProgramID(x) {
				return true
			}
		}
		return false
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprHasProgramID(x) {
				return true
			}
		}
		return false
	case clause.Expr:
		return strings.Contains(strings.ToLower(v.SQL), programColumn)
	default:
		return false
	}
}

func colIsProgramID(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, programColumn)
	case clause.Column:
		return strings.EqualFold(c.Name, programColumn)
	default:
		return false
	}
}
