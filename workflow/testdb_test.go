package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/mmdatafocus/costledger_backend/models"
	"github.com/mmdatafocus/costledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testProgramId = "program-test"

// newTestDB opens a private in-memory database, installs it as the global
// handle and returns a request context scoped to testProgramId.
func newTestDB(t *testing.T) context.Context {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	config.InstallPlugins(db)
	if err := models.AutoMigrateAll(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	prev := config.GetDB()
	config.SetDB(db)
	t.Cleanup(func() {
		config.SetDB(prev)
		_ = sqlDB.Close()
	})

	ctx := utils.SetProgramIdInContext(context.Background(), testProgramId)
	ctx = utils.SetUserIdInContext(ctx, 7)
	ctx = utils.SetUserNameInContext(ctx, "Ledger Tester")
	return ctx
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func dayPtr(y int, m time.Month, d int) *time.Time {
	v := day(y, m, d)
	return &v
}

func mustCreateEntry(t *testing.T, ctx context.Context, input models.NewLedgerEntry) *models.LedgerEntry {
	t.Helper()
	if input.WbsElementId == 0 {
		input.WbsElementId = 1
	}
	entry, err := models.CreateLedgerEntry(ctx, &input)
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	return entry
}

func plannedEntry(t *testing.T, ctx context.Context, vendor, amount string, planned time.Time) *models.LedgerEntry {
	t.Helper()
	return mustCreateEntry(t, ctx, models.NewLedgerEntry{
		VendorName:         vendor,
		ExpenseDescription: "Steel beams",
		PlannedAmount:      decPtr(amount),
		PlannedDate:        &planned,
	})
}

func mustReload(t *testing.T, ctx context.Context, id int) *models.LedgerEntry {
	t.Helper()
	entry, err := models.GetLedgerEntry(ctx, id)
	if err != nil {
		t.Fatalf("reload entry %d: %v", id, err)
	}
	return entry
}

func mustImport(t *testing.T, ctx context.Context, rows ...NewActualsRow) (*models.ImportSession, []*models.ActualsTransaction) {
	t.Helper()
	session, err := CreateImportSession(ctx, &NewImportSession{Filename: "actuals.csv", Rows: rows})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	txns, err := models.GetImportSessionTransactions(ctx, session.ID)
	if err != nil {
		t.Fatalf("session transactions: %v", err)
	}
	return session, txns
}

func countAudit(t *testing.T, ctx context.Context, entryId int, action models.AuditAction) int {
	t.Helper()
	rows, err := models.GetAuditTrailForLedgerEntry(ctx, entryId)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	n := 0
	for _, r := range rows {
		if action == "" || r.Action == action {
			n++
		}
	}
	return n
}

func assertAmount(t *testing.T, label string, got decimal.NullDecimal, want string) {
	t.Helper()
	if !got.Valid {
		t.Fatalf("%s: got NULL want %s", label, want)
	}
	if !got.Decimal.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("%s: got %s want %s", label, got.Decimal.String(), want)
	}
}
