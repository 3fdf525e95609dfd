package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/mmdatafocus/costledger_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func TestApplyAdjustment_LinearOverrunExample(t *testing.T) {
	ctx := newTestDB(t)
	original := plannedEntry(t, ctx, "Acme Corp", "1000", day(2024, 1, 15))
	f1 := plannedEntry(t, ctx, "Acme Corp", "1000", day(2024, 2, 15))
	f2 := plannedEntry(t, ctx, "Acme Corp", "1000", day(2024, 3, 15))
	// different allocation, must not move
	other := mustCreateEntry(t, ctx, models.NewLedgerEntry{WbsElementId: 2, PlannedAmount: decPtr("1000"), PlannedDate: dayPtr(2024, 2, 15)})

	req := &AdjustmentRequest{
		LedgerEntryId: original.ID,
		Scenario:      ScenarioCostOverrun,
		ActualAmount:  decPtr("1200"),
		ActualDate:    dayPtr(2024, 1, 20),
		Scope:         ScopeRemaining,
		Algorithm:     DistributionLinear,
		Reason:        "steel price increase",
	}

	impact, err := PreviewImpact(ctx, req)
	if err != nil {
		t.Fatalf("PreviewImpact: %v", err)
	}
	if !impact.TotalChange.Equal(dec("200")) || impact.EntriesAffected != 3 {
		t.Fatalf("preview: total=%s affected=%d", impact.TotalChange, impact.EntriesAffected)
	}
	assertAmount(t, "preview wrote f1", mustReload(t, ctx, f1.ID).PlannedAmount, "1000")

	result, err := ApplyAdjustment(ctx, req)
	if err != nil {
		t.Fatalf("ApplyAdjustment: %v", err)
	}
	if result.AlreadyApplied || !result.Impact.TotalChange.Equal(dec("200")) {
		t.Fatalf("result: %+v", result.Impact)
	}

	o := mustReload(t, ctx, original.ID)
	assertAmount(t, "original planned", o.PlannedAmount, "1200")
	assertAmount(t, "original actual", o.ActualAmount, "1200")
	if !strings.Contains(o.Notes, "RE-FORECAST: steel price increase") {
		t.Fatalf("original notes: %q", o.Notes)
	}
	assertAmount(t, "f1", mustReload(t, ctx, f1.ID).PlannedAmount, "900")
	assertAmount(t, "f2", mustReload(t, ctx, f2.ID).PlannedAmount, "900")
	assertAmount(t, "other allocation", mustReload(t, ctx, other.ID).PlannedAmount, "1000")

	for _, id := range []int{original.ID, f1.ID, f2.ID} {
		if got := countAudit(t, ctx, id, models.AuditActionReForecasted); got != 1 {
			t.Fatalf("entry %d re_forecasted rows: got %d", id, got)
		}
	}

	// second apply is a no-op
	again, err := ApplyAdjustment(ctx, req)
	if err != nil {
		t.Fatalf("second ApplyAdjustment: %v", err)
	}
	if !again.AlreadyApplied || again.Impact.EntriesAffected != 0 {
		t.Fatalf("second apply: %+v", again.Impact)
	}
	assertAmount(t, "f1 after repeat", mustReload(t, ctx, f1.ID).PlannedAmount, "900")
	for _, id := range []int{original.ID, f1.ID, f2.ID} {
		if got := countAudit(t, ctx, id, models.AuditActionReForecasted); got != 1 {
			t.Fatalf("repeat wrote audit rows for entry %d: got %d", id, got)
		}
	}
}

func TestApplyAdjustment_SharesSumToDelta(t *testing.T) {
	algorithms := []DistributionAlgorithm{DistributionLinear, DistributionFrontLoaded, DistributionBackLoaded}
	for _, algo := range algorithms {
		t.Run(string(algo), func(t *testing.T) {
			ctx := newTestDB(t)
			past := plannedEntry(t, ctx, "Acme Corp", "333.33", day(2024, 12, 15))
			original := plannedEntry(t, ctx, "Acme Corp", "1000", day(2025, 1, 15))
			f1 := plannedEntry(t, ctx, "Acme Corp", "500", day(2025, 2, 15))
			f2 := plannedEntry(t, ctx, "Acme Corp", "500", day(2025, 3, 15))

			intensity := 0.75
			result, err := ApplyAdjustment(ctx, &AdjustmentRequest{
				LedgerEntryId:   original.ID,
				Scenario:        ScenarioCostUnderspend,
				ActualAmount:    decPtr("700"),
				Scope:           ScopeEntire,
				Algorithm:       algo,
				WeightIntensity: &intensity,
				Reason:          "bulk discount",
			})
			if err != nil {
				t.Fatalf("ApplyAdjustment: %v", err)
			}

			before := map[int]decimal.Decimal{past.ID: dec("333.33"), f1.ID: dec("500"), f2.ID: dec("500")}
			absorbed := decimal.Zero
			for id, b := range before {
				after := mustReload(t, ctx, id).PlannedAmount.Decimal
				absorbed = absorbed.Add(b.Sub(after))
			}
			if !absorbed.Equal(dec("-300")) {
				t.Fatalf("shares sum: got %s want -300", absorbed)
			}
			if !result.Impact.TotalChange.Equal(dec("-300")) {
				t.Fatalf("total change: got %s", result.Impact.TotalChange)
			}
		})
	}
}

func TestApplyAdjustment_DirectionMismatch(t *testing.T) {
	ctx := newTestDB(t)
	original := plannedEntry(t, ctx, "Acme Corp", "1000", day(2025, 1, 15))

	_, err := ApplyAdjustment(ctx, &AdjustmentRequest{
		LedgerEntryId: original.ID,
		Scenario:      ScenarioCostOverrun,
		ActualAmount:  decPtr("800"),
		Reason:        "wrong scenario",
	})
	if !models.IsValidationError(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestApplyAdjustment_CustomDistributionMustCoverDelta(t *testing.T) {
	ctx := newTestDB(t)
	original := plannedEntry(t, ctx, "Acme Corp", "1000", day(2024, 1, 15))
	f1 := plannedEntry(t, ctx, "Acme Corp", "1000", day(2024, 2, 15))
	f2 := plannedEntry(t, ctx, "Acme Corp", "1000", day(2024, 3, 15))

	_, err := ApplyAdjustment(ctx, &AdjustmentRequest{
		LedgerEntryId: original.ID,
		Scenario:      ScenarioCostOverrun,
		ActualAmount:  decPtr("1200"),
		Scope:         ScopeRemaining,
		Algorithm:     DistributionCustom,
		CustomDistribution: map[int]decimal.Decimal{
			f1.ID: dec("75"),
			f2.ID: dec("75"),
		},
		Reason: "manual split",
	})
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(verr.Error(), "totals 150.00") {
		t.Fatalf("message: %v", verr)
	}

	assertAmount(t, "original", mustReload(t, ctx, original.ID).PlannedAmount, "1000")
	assertAmount(t, "f1", mustReload(t, ctx, f1.ID).PlannedAmount, "1000")
	if got := countAudit(t, ctx, original.ID, models.AuditActionReForecasted); got != 0 {
		t.Fatalf("audit rows written on failed validation: %d", got)
	}
}

func TestApplyAdjustment_BaselineExceedanceNeedsJustification(t *testing.T) {
	ctx := newTestDB(t)
	original := mustCreateEntry(t, ctx, models.NewLedgerEntry{
		BaselineAmount: decPtr("1000"),
		BaselineDate:   dayPtr(2025, 1, 15),
		PlannedAmount:  decPtr("1000"),
		PlannedDate:    dayPtr(2025, 1, 15),
	})
	req := &AdjustmentRequest{
		LedgerEntryId: original.ID,
		Scenario:      ScenarioCostOverrun,
		ActualAmount:  decPtr("1500"),
		Scope:         ScopeSingle,
		Reason:        "scope creep",
	}

	impact, err := PreviewImpact(ctx, req)
	if err != nil {
		t.Fatalf("PreviewImpact: %v", err)
	}
	if !impact.RequiresJustification {
		t.Fatalf("expected justification requirement")
	}
	if _, err := ApplyAdjustment(ctx, req); !models.IsValidationError(err) {
		t.Fatalf("expected ValidationError without justification, got %v", err)
	}

	req.BaselineExceedanceJustification = "approved change order 12"
	if _, err := ApplyAdjustment(ctx, req); err != nil {
		t.Fatalf("ApplyAdjustment with justification: %v", err)
	}
	assertAmount(t, "planned", mustReload(t, ctx, original.ID).PlannedAmount, "1500")
}

func TestApplyAdjustment_PartialDelivery(t *testing.T) {
	ctx := newTestDB(t)
	original := mustCreateEntry(t, ctx, models.NewLedgerEntry{
		VendorName:         "Acme Corp",
		ExpenseDescription: "Steel beams",
		CostCategoryId:     intPtr(3),
		PlannedAmount:      decPtr("1000"),
		PlannedDate:        dayPtr(2025, 1, 15),
	})
	req := &AdjustmentRequest{
		LedgerEntryId: original.ID,
		Scenario:      ScenarioPartialDelivery,
		ActualAmount:  decPtr("600"),
		Splits: []SplitInput{
			{Amount: dec("250"), Date: dayPtr(2025, 2, 15)},
			{Amount: dec("150"), Date: dayPtr(2025, 3, 15), Description: "Final batch"},
		},
		Reason: "supplier backorder",
	}

	result, err := ApplyAdjustment(ctx, req)
	if err != nil {
		t.Fatalf("ApplyAdjustment: %v", err)
	}
	if !result.Impact.TotalChange.Equal(dec("400")) {
		t.Fatalf("total change: got %s", result.Impact.TotalChange)
	}
	if len(result.CreatedEntries) != 2 {
		t.Fatalf("created entries: got %d", len(result.CreatedEntries))
	}

	o := mustReload(t, ctx, original.ID)
	assertAmount(t, "original planned", o.PlannedAmount, "600")
	splitSum := decimal.Zero
	for _, c := range result.CreatedEntries {
		e := mustReload(t, ctx, c.ID)
		splitSum = splitSum.Add(e.PlannedAmount.Decimal)
		if e.CostCategoryId == nil || *e.CostCategoryId != 3 || e.VendorName != "Acme Corp" {
			t.Fatalf("split did not inherit allocation: %+v", e)
		}
		if e.Notes != "Partial delivery split: supplier backorder" {
			t.Fatalf("split notes: %q", e.Notes)
		}
		if got := countAudit(t, ctx, e.ID, models.AuditActionSplit); got != 1 {
			t.Fatalf("split audit rows: got %d", got)
		}
	}
	if !splitSum.Equal(dec("400")) {
		t.Fatalf("split sum: got %s", splitSum)
	}
	if result.CreatedEntries[1].ExpenseDescription != "Final batch" {
		t.Fatalf("description: got %q", result.CreatedEntries[1].ExpenseDescription)
	}

	again, err := ApplyAdjustment(ctx, req)
	if err != nil {
		t.Fatalf("repeat ApplyAdjustment: %v", err)
	}
	if !again.AlreadyApplied {
		t.Fatalf("repeat was not detected")
	}
	var n int64
	if err := config.GetDB().WithContext(ctx).Model(&models.LedgerEntry{}).Where("program_id = ?", testProgramId).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("ledger entries after repeat: got %d want 3", n)
	}
	assertAmount(t, "original planned after repeat", mustReload(t, ctx, original.ID).PlannedAmount, "600")
}

func TestApplyAdjustment_PartialDeliveryCannotExceedPlanned(t *testing.T) {
	ctx := newTestDB(t)
	original := mustCreateEntry(t, ctx, models.NewLedgerEntry{
		VendorName:    "Acme Corp",
		PlannedAmount: decPtr("1000"),
		PlannedDate:   dayPtr(2025, 1, 15),
	})
	req := &AdjustmentRequest{
		LedgerEntryId: original.ID,
		Scenario:      ScenarioPartialDelivery,
		ActualAmount:  decPtr("400"),
		Splits:        []SplitInput{{Amount: dec("1200"), Date: dayPtr(2025, 2, 1)}},
		Reason:        "too much",
	}

	// preview reports the overshoot instead of failing
	impact, err := PreviewImpact(ctx, req)
	if err != nil {
		t.Fatalf("PreviewImpact: %v", err)
	}
	if !impact.TotalChange.Equal(dec("1200")) || !impact.Entries[0].NewPlanned.Equal(dec("-200")) {
		t.Fatalf("preview: total=%s new planned=%s", impact.TotalChange, impact.Entries[0].NewPlanned)
	}
	found := false
	for _, w := range impact.Warnings {
		if strings.Contains(w, "splits total 1200.00 exceeds the planned amount 1000.00") {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings: %v", impact.Warnings)
	}

	if _, err := ApplyAdjustment(ctx, req); !models.IsValidationError(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	o := mustReload(t, ctx, original.ID)
	assertAmount(t, "planned", o.PlannedAmount, "1000")
	if o.Version != original.Version {
		t.Fatalf("version moved: %d -> %d", original.Version, o.Version)
	}
}

func TestApplyAdjustment_PartialDeliveryKeyedToEntryVersion(t *testing.T) {
	ctx := newTestDB(t)
	original := plannedEntry(t, ctx, "Acme Corp", "1000", day(2025, 1, 15))
	split := &AdjustmentRequest{
		LedgerEntryId: original.ID,
		Scenario:      ScenarioPartialDelivery,
		Splits:        []SplitInput{{Amount: dec("100"), Date: dayPtr(2025, 2, 15)}},
		Reason:        "monthly drop",
	}

	if _, err := ApplyAdjustment(ctx, split); err != nil {
		t.Fatalf("first split: %v", err)
	}
	// a plain retry is still recognised
	again, err := ApplyAdjustment(ctx, split)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !again.AlreadyApplied {
		t.Fatalf("retry was applied twice")
	}
	assertAmount(t, "after retry", mustReload(t, ctx, original.ID).PlannedAmount, "900")

	if _, err := ApplyAdjustment(ctx, &AdjustmentRequest{
		LedgerEntryId:  original.ID,
		Scenario:       ScenarioScheduleChange,
		NewPlannedDate: dayPtr(2025, 1, 20),
		Reason:         "vendor delay",
	}); err != nil {
		t.Fatalf("schedule change: %v", err)
	}

	// the same split after the entry moved on is a new request
	next, err := ApplyAdjustment(ctx, split)
	if err != nil {
		t.Fatalf("second split: %v", err)
	}
	if next.AlreadyApplied || len(next.CreatedEntries) != 1 {
		t.Fatalf("second split skipped: %+v", next)
	}
	current := mustReload(t, ctx, original.ID)
	assertAmount(t, "after second split", current.PlannedAmount, "800")

	// an explicit version: replays are skipped, stale versions conflict
	pinned := *split
	pinned.Reason = "pinned drop"
	pinned.EntryVersion = current.Version
	if _, err := ApplyAdjustment(ctx, &pinned); err != nil {
		t.Fatalf("pinned split: %v", err)
	}
	replay, err := ApplyAdjustment(ctx, &pinned)
	if err != nil {
		t.Fatalf("pinned replay: %v", err)
	}
	if !replay.AlreadyApplied {
		t.Fatalf("pinned replay was applied")
	}
	stale := *split
	stale.Reason = "late drop"
	stale.EntryVersion = current.Version
	if _, err := ApplyAdjustment(ctx, &stale); !models.IsConflictError(err) {
		t.Fatalf("stale version: expected ConflictError, got %v", err)
	}
	assertAmount(t, "final planned", mustReload(t, ctx, original.ID).PlannedAmount, "700")
}

func TestApplyAdjustment_ConcurrentReForecastLoses(t *testing.T) {
	ctx := newTestDB(t)
	original := plannedEntry(t, ctx, "Acme Corp", "1000", day(2024, 1, 15))
	f1 := plannedEntry(t, ctx, "Acme Corp", "1000", day(2024, 2, 15))
	auditBefore := countAudit(t, ctx, original.ID, "")

	// another writer commits a new version between our read and our save
	db := config.GetDB()
	bumped := false
	if err := db.Callback().Update().Before("gorm:update").Register("test:concurrent_writer", func(tx *gorm.DB) {
		if bumped || tx.Statement.Table != "ledger_entries" {
			return
		}
		bumped = true
		if err := tx.Session(&gorm.Session{NewDB: true}).
			Exec("UPDATE ledger_entries SET version = version + 1 WHERE id = ?", original.ID).Error; err != nil {
			_ = tx.AddError(err)
		}
	}); err != nil {
		t.Fatalf("register callback: %v", err)
	}

	_, err := ApplyAdjustment(ctx, &AdjustmentRequest{
		LedgerEntryId: original.ID,
		Scenario:      ScenarioCostOverrun,
		ActualAmount:  decPtr("1200"),
		Reason:        "price increase",
	})
	if !bumped {
		t.Fatalf("concurrent writer never ran")
	}
	if !models.IsConflictError(err) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	o := mustReload(t, ctx, original.ID)
	assertAmount(t, "original planned", o.PlannedAmount, "1000")
	if o.ActualAmount.Valid {
		t.Fatalf("actual written by the losing apply")
	}
	assertAmount(t, "f1", mustReload(t, ctx, f1.ID).PlannedAmount, "1000")
	if got := countAudit(t, ctx, original.ID, ""); got != auditBefore {
		t.Fatalf("audit rows: got %d want %d", got, auditBefore)
	}
}

func TestAdjustmentRequest_DateLayouts(t *testing.T) {
	body := `{
		"scenario": "partial_delivery",
		"actual_date": "2025-01-20",
		"new_planned_date": "02/03/2025",
		"splits": [
			{"amount": "250", "date": "2025-02-15", "description": "first"},
			{"amount": "150", "date": "2025-03-15T00:00:00Z"},
			{"amount": "50", "date": null}
		],
		"reason": "backorder"
	}`
	var req AdjustmentRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.ActualDate == nil || !req.ActualDate.Equal(day(2025, 1, 20)) {
		t.Fatalf("actual_date: %v", req.ActualDate)
	}
	if req.NewPlannedDate == nil || !req.NewPlannedDate.Equal(day(2025, 2, 3)) {
		t.Fatalf("new_planned_date: %v", req.NewPlannedDate)
	}
	if len(req.Splits) != 3 || req.Reason != "backorder" || req.Scenario != ScenarioPartialDelivery {
		t.Fatalf("request: %+v", req)
	}
	if !req.Splits[0].Date.Equal(day(2025, 2, 15)) || req.Splits[0].Description != "first" || !req.Splits[0].Amount.Equal(dec("250")) {
		t.Fatalf("split 0: %+v", req.Splits[0])
	}
	if !req.Splits[1].Date.Equal(day(2025, 3, 15)) {
		t.Fatalf("split 1 date: %v", req.Splits[1].Date)
	}
	if req.Splits[2].Date != nil {
		t.Fatalf("split 2 date: %v", req.Splits[2].Date)
	}

	if err := json.Unmarshal([]byte(`{"actual_date": "20th January"}`), &req); err == nil {
		t.Fatalf("expected an error for an unknown layout")
	}
}


func TestApplyAdjustment_ScheduleChange(t *testing.T) {
	ctx := newTestDB(t)
	original := plannedEntry(t, ctx, "Acme Corp", "1000", day(2024, 1, 15))

	result, err := ApplyAdjustment(ctx, &AdjustmentRequest{
		LedgerEntryId:  original.ID,
		Scenario:       ScenarioScheduleChange,
		NewPlannedDate: dayPtr(2024, 1, 20),
		Reason:         "vendor delay",
	})
	if err != nil {
		t.Fatalf("ApplyAdjustment: %v", err)
	}
	if len(result.AuditIds) != 1 {
		t.Fatalf("audit ids: got %v", result.AuditIds)
	}

	o := mustReload(t, ctx, original.ID)
	assertAmount(t, "planned", o.PlannedAmount, "1000")
	if o.PlannedDate == nil || !models.SameDay(*o.PlannedDate, day(2024, 1, 20)) {
		t.Fatalf("planned date: got %v", o.PlannedDate)
	}
	if got := countAudit(t, ctx, original.ID, models.AuditActionUpdated); got != 1 {
		t.Fatalf("updated rows: got %d", got)
	}
	rows, err := models.GetAuditTrailForLedgerEntry(ctx, original.ID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	want := "Planned date changed from 2024-01-15 to 2024-01-20: vendor delay"
	if rows[0].Description != want {
		t.Fatalf("description: got %q want %q", rows[0].Description, want)
	}
}

func TestApplyAdjustment_AuditFailureRollsBack(t *testing.T) {
	ctx := newTestDB(t)
	original := plannedEntry(t, ctx, "Acme Corp", "1000", day(2024, 1, 15))
	f1 := plannedEntry(t, ctx, "Acme Corp", "1000", day(2024, 2, 15))

	restore := models.SetAuditHook(func(row *models.LedgerAuditTrail) error {
		if row.Action == models.AuditActionReForecasted {
			return errors.New("audit store unavailable")
		}
		return nil
	})
	defer restore()

	_, err := ApplyAdjustment(ctx, &AdjustmentRequest{
		LedgerEntryId: original.ID,
		Scenario:      ScenarioCostOverrun,
		ActualAmount:  decPtr("1200"),
		Reason:        "price increase",
	})
	if !models.IsIntegrityError(err) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	o := mustReload(t, ctx, original.ID)
	assertAmount(t, "original", o.PlannedAmount, "1000")
	if o.ActualAmount.Valid || o.Version != original.Version {
		t.Fatalf("original was modified: %+v", o)
	}
	assertAmount(t, "f1", mustReload(t, ctx, f1.ID).PlannedAmount, "1000")

	var events int64
	if err := config.GetDB().WithContext(ctx).Model(&models.LedgerEventRecord{}).
		Where("program_id = ? AND event_type = ?", testProgramId, models.LedgerEventAdjustmentApplied).
		Count(&events).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 0 {
		t.Fatalf("outbox event survived rollback")
	}
}

func TestRankScenarios(t *testing.T) {
	planned := dayPtr(2025, 1, 15)
	cases := []struct {
		name        string
		actual      string
		date        *time.Time
		recommended AdjustmentScenario
		available   []AdjustmentScenario
	}{
		{"overrun", "1200", nil, ScenarioCostOverrun, []AdjustmentScenario{ScenarioCostOverrun}},
		{"underspend", "800", nil, ScenarioCostUnderspend, []AdjustmentScenario{ScenarioCostUnderspend, ScenarioPartialDelivery}},
		{"late", "1000", dayPtr(2025, 2, 1), ScenarioScheduleChange, []AdjustmentScenario{ScenarioScheduleChange}},
		{"on plan", "1000", dayPtr(2025, 1, 15), ScenarioPartialDelivery, []AdjustmentScenario{ScenarioPartialDelivery}},
		{"over and late", "1100", dayPtr(2025, 2, 1), ScenarioCostOverrun, []AdjustmentScenario{ScenarioCostOverrun, ScenarioScheduleChange}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := RankScenarios(dec("1000"), planned, decPtr(tc.actual), tc.date)
			if got.Recommended != tc.recommended {
				t.Fatalf("recommended: got %s want %s", got.Recommended, tc.recommended)
			}
			if len(got.Available) != len(tc.available) {
				t.Fatalf("available: got %+v", got.Available)
			}
			for i, want := range tc.available {
				if got.Available[i].Id != want {
					t.Fatalf("available[%d]: got %s want %s", i, got.Available[i].Id, want)
				}
			}
			if !got.Available[0].Recommended {
				t.Fatalf("first option should be flagged recommended")
			}
		})
	}
}

func TestGetSplitSuggestions(t *testing.T) {
	ctx := newTestDB(t)
	entry := plannedEntry(t, ctx, "Acme Corp", "1000", day(2025, 1, 15))
	if _, _, err := ConfirmMatch(ctx, mustImportOne(t, ctx, "600"), entry.ID); err != nil {
		t.Fatalf("ConfirmMatch: %v", err)
	}

	suggestions, err := GetSplitSuggestions(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetSplitSuggestions: %v", err)
	}
	if len(suggestions) != 1 || !suggestions[0].Amount.Equal(dec("400")) {
		t.Fatalf("suggestions: %+v", suggestions)
	}
	if !models.SameDay(suggestions[0].Date, day(2025, 2, 15)) {
		t.Fatalf("date: got %v", suggestions[0].Date)
	}
}

func mustImportOne(t *testing.T, ctx context.Context, amount string) int {
	t.Helper()
	_, txns := mustImport(t, ctx, NewActualsRow{
		VendorName:      "Acme Corp",
		Description:     "Steel beams",
		Amount:          amount,
		TransactionDate: "2025-01-20",
	})
	return txns[0].ID
}

func intPtr(v int) *int { return &v }
