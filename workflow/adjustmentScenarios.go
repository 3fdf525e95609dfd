package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/costledger_backend/models"
	"github.com/shopspring/decimal"
)

type AdjustmentScenario string

const (
	ScenarioPartialDelivery AdjustmentScenario = "partial_delivery"
	ScenarioCostOverrun     AdjustmentScenario = "cost_overrun"
	ScenarioCostUnderspend  AdjustmentScenario = "cost_underspend"
	ScenarioScheduleChange  AdjustmentScenario = "schedule_change"
)

func (s AdjustmentScenario) IsValid() bool {
	switch s {
	case ScenarioPartialDelivery, ScenarioCostOverrun, ScenarioCostUnderspend, ScenarioScheduleChange:
		return true
	}
	return false
}

func (s AdjustmentScenario) isReForecast() bool {
	return s == ScenarioCostOverrun || s == ScenarioCostUnderspend
}

type AdjustmentScope string

const (
	ScopeSingle    AdjustmentScope = "single"
	ScopeRemaining AdjustmentScope = "remaining"
	ScopeEntire    AdjustmentScope = "entire"
)

func (s AdjustmentScope) IsValid() bool {
	return s == ScopeSingle || s == ScopeRemaining || s == ScopeEntire
}

type ScenarioOption struct {
	Id          AdjustmentScenario `json:"id"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Recommended bool               `json:"recommended"`
}

type AvailableScenarios struct {
	Recommended AdjustmentScenario `json:"recommended"`
	Available   []ScenarioOption   `json:"available"`
}

var scenarioCatalog = []ScenarioOption{
	{Id: ScenarioPartialDelivery, Title: "Partial Delivery", Description: "Split the ledger entry to account for partial delivery when more is expected to come"},
	{Id: ScenarioCostOverrun, Title: "Cost Overrun", Description: "Re-forecast to cover the overrun from future periods"},
	{Id: ScenarioCostUnderspend, Title: "Cost Underspend", Description: "Re-forecast to redistribute the underspent amount to future periods"},
	{Id: ScenarioScheduleChange, Title: "Schedule Change", Description: "Move the planned date of this entry"},
}

// RankScenarios decides which scenarios apply to planned vs actual values.
// Either actual may be nil when not yet known.
func RankScenarios(plannedAmount decimal.Decimal, plannedDate *time.Time, actualAmount *decimal.Decimal, actualDate *time.Time) AvailableScenarios {
	available := map[AdjustmentScenario]bool{}
	recommended := ScenarioPartialDelivery
	dateDiffers := actualDate != nil && (plannedDate == nil || !models.SameDay(*plannedDate, *actualDate))

	if actualAmount != nil {
		switch actualAmount.Cmp(plannedAmount) {
		case 1:
			available[ScenarioCostOverrun] = true
			recommended = ScenarioCostOverrun
		case -1:
			available[ScenarioPartialDelivery] = true
			available[ScenarioCostUnderspend] = true
			recommended = ScenarioCostUnderspend
		}
	}
	if dateDiffers {
		available[ScenarioScheduleChange] = true
		if recommended == ScenarioPartialDelivery {
			recommended = ScenarioScheduleChange
		}
	}
	if len(available) == 0 {
		available[ScenarioPartialDelivery] = true
	}

	out := AvailableScenarios{Recommended: recommended}
	for _, opt := range scenarioCatalog {
		if available[opt.Id] && opt.Id == recommended {
			opt.Recommended = true
			out.Available = append(out.Available, opt)
		}
	}
	for _, opt := range scenarioCatalog {
		if available[opt.Id] && opt.Id != recommended {
			out.Available = append(out.Available, opt)
		}
	}
	return out
}

// GetAvailableScenarios ranks scenarios for an entry. Missing actuals fall
// back to the ones stored on the entry.
func GetAvailableScenarios(ctx context.Context, ledgerEntryId int, actualAmount *decimal.Decimal, actualDate *time.Time) (*AvailableScenarios, error) {
	entry, err := models.GetLedgerEntry(ctx, ledgerEntryId)
	if err != nil {
		return nil, err
	}
	if actualAmount == nil && entry.ActualAmount.Valid {
		v := entry.ActualAmount.Decimal
		actualAmount = &v
	}
	if actualDate == nil {
		actualDate = entry.ActualDate
	}
	planned := decimal.Zero
	if entry.PlannedAmount.Valid {
		planned = entry.PlannedAmount.Decimal
	}
	result := RankScenarios(planned, entry.PlannedDate, actualAmount, actualDate)
	return &result, nil
}

type SplitSuggestion struct {
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
}

// GetSplitSuggestions proposes one split carrying the undelivered remainder,
// dated a month after the planned date.
func GetSplitSuggestions(ctx context.Context, ledgerEntryId int) ([]SplitSuggestion, error) {
	entry, err := models.GetLedgerEntry(ctx, ledgerEntryId)
	if err != nil {
		return nil, err
	}
	if !entry.HasPlanned() || !entry.HasActual() {
		return []SplitSuggestion{}, nil
	}
	remaining := entry.PlannedAmount.Decimal.Sub(entry.ActualAmount.Decimal)
	if !remaining.IsPositive() {
		return []SplitSuggestion{}, nil
	}
	return []SplitSuggestion{{
		Amount:      remaining,
		Date:        entry.PlannedDate.AddDate(0, 1, 0),
		Description: entry.ExpenseDescription + " (partial delivery)",
	}}, nil
}

// GetReForecastSuggestions previews the linear re-forecast over the
// remaining periods. It returns nil when planned and actual agree.
func GetReForecastSuggestions(ctx context.Context, ledgerEntryId int) (*AdjustmentImpact, error) {
	entry, err := models.GetLedgerEntry(ctx, ledgerEntryId)
	if err != nil {
		return nil, err
	}
	if !entry.HasPlanned() || !entry.HasActual() {
		return nil, nil
	}
	scenario := ScenarioCostOverrun
	switch entry.ActualAmount.Decimal.Cmp(entry.PlannedAmount.Decimal) {
	case 0:
		return nil, nil
	case -1:
		scenario = ScenarioCostUnderspend
	}
	return PreviewImpact(ctx, &AdjustmentRequest{
		LedgerEntryId: ledgerEntryId,
		Scenario:      scenario,
		Scope:         ScopeRemaining,
		Algorithm:     DistributionLinear,
		Reason:        "suggested re-forecast",
	})
}
