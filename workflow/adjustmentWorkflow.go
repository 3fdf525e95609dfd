package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/mmdatafocus/costledger_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	partialDeliveryHandler = "adjustment.partial_delivery"
	boeEntryWarning        = "This entry was created from a BOE allocation - changes will not affect the baseline"
)

var customSumTolerance = decimal.RequireFromString("0.01")

type SplitInput struct {
	Amount      decimal.Decimal `json:"amount"`
	Date        *time.Time      `json:"date"`
	Description string          `json:"description"`
}

type AdjustmentRequest struct {
	LedgerEntryId                   int                     `json:"ledger_entry_id"`
	Scenario                        AdjustmentScenario      `json:"scenario"`
	ActualAmount                    *decimal.Decimal        `json:"actual_amount"`
	ActualDate                      *time.Time              `json:"actual_date"`
	Splits                          []SplitInput            `json:"splits"`
	Scope                           AdjustmentScope         `json:"scope"`
	Algorithm                       DistributionAlgorithm   `json:"algorithm"`
	WeightIntensity                 *float64                `json:"weight_intensity"`
	CustomDistribution              map[int]decimal.Decimal `json:"custom_distribution"`
	NewPlannedDate                  *time.Time              `json:"new_planned_date"`
	BaselineExceedanceJustification string                  `json:"baseline_exceedance_justification"`
	Reason                          string                  `json:"reason"`
	SessionId                       *int                    `json:"session_id"`
	// EntryVersion is the entry version the request was made against.
	EntryVersion                    int                     `json:"entry_version,omitempty"`
}

// parseRequestDate reads a JSON date in any of the import layouts. null and
// "" leave the date unset.
func parseRequestDate(field string, raw json.RawMessage) (*time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, fmt.Errorf("%s must be a date string", field)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	t, err := parseTransactionDate(text)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", field, text)
	}
	return &t, nil
}

func (s *SplitInput) UnmarshalJSON(b []byte) error {
	type plain SplitInput
	aux := struct {
		*plain
		Date json.RawMessage `json:"date"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	d, err := parseRequestDate("date", aux.Date)
	if err != nil {
		return err
	}
	s.Date = d
	return nil
}

func (r *AdjustmentRequest) UnmarshalJSON(b []byte) error {
	type plain AdjustmentRequest
	aux := struct {
		*plain
		ActualDate     json.RawMessage `json:"actual_date"`
		NewPlannedDate json.RawMessage `json:"new_planned_date"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	var err error
	if r.ActualDate, err = parseRequestDate("actual_date", aux.ActualDate); err != nil {
		return err
	}
	r.NewPlannedDate, err = parseRequestDate("new_planned_date", aux.NewPlannedDate)
	return err
}

type ImpactRow struct {
	EntryId         int             `json:"entry_id"`
	OriginalPlanned decimal.Decimal `json:"original_planned"`
	NewPlanned      decimal.Decimal `json:"new_planned"`
	Change          decimal.Decimal `json:"change"`
	PlannedDate     *time.Time      `json:"planned_date"`
	Description     string          `json:"description"`
}

type AdjustmentImpact struct {
	Scenario              AdjustmentScenario `json:"scenario"`
	TotalChange           decimal.Decimal    `json:"total_change"`
	EntriesAffected       int                `json:"entries_affected"`
	Entries               []ImpactRow        `json:"entries"`
	Warnings              []string           `json:"warnings"`
	Notes                 []string           `json:"notes"`
	RequiresJustification bool               `json:"requires_justification"`
}

type AdjustmentResult struct {
	Impact         *AdjustmentImpact     `json:"impact"`
	UpdatedEntries []*models.LedgerEntry `json:"updated_entries"`
	CreatedEntries []*models.LedgerEntry `json:"created_entries"`
	AuditIds       []int                 `json:"audit_ids"`
	AlreadyApplied bool                  `json:"already_applied"`
}

type adjustmentPlan struct {
	impact         *AdjustmentImpact
	entry          *models.LedgerEntry
	actualAmount   decimal.Decimal
	future         []models.LedgerEntry
	shares         []decimal.Decimal
	alreadyApplied bool
	negativeFuture bool
	splitsOverPlan string
}

func normalizeRequest(input *AdjustmentRequest) AdjustmentRequest {
	req := *input
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Scenario.isReForecast() {
		if req.Scope == "" {
			req.Scope = ScopeRemaining
		}
		if req.Algorithm == "" {
			req.Algorithm = DistributionLinear
		}
	}
	if req.WeightIntensity == nil {
		v := DefaultWeightIntensity
		req.WeightIntensity = &v
	}
	req.ActualDate = models.TruncateDatePtr(req.ActualDate)
	req.NewPlannedDate = models.TruncateDatePtr(req.NewPlannedDate)
	return req
}

func effectiveActual(req *AdjustmentRequest, entry *models.LedgerEntry) *decimal.Decimal {
	if req.ActualAmount != nil {
		return req.ActualAmount
	}
	if entry.ActualAmount.Valid {
		v := entry.ActualAmount.Decimal
		return &v
	}
	return nil
}

// ValidateAdjustment checks req against entry before anything is computed.
// The returned warnings never block an apply.
func ValidateAdjustment(req *AdjustmentRequest, entry *models.LedgerEntry) ([]string, error) {
	var problems []string
	warnings := []string{}

	if req.Reason == "" {
		problems = append(problems, "reason is required")
	}
	if !req.Scenario.IsValid() {
		problems = append(problems, fmt.Sprintf("unknown scenario %q", req.Scenario))
	}
	if req.WeightIntensity != nil && (*req.WeightIntensity < 0 || *req.WeightIntensity > 1) {
		problems = append(problems, "weight_intensity must be between 0 and 1")
	}
	if !entry.HasPlanned() {
		problems = append(problems, "ledger entry has no planned amount and date")
	}

	switch req.Scenario {
	case ScenarioPartialDelivery:
		if len(req.Splits) == 0 {
			problems = append(problems, "at least one split is required")
		}
		for i, split := range req.Splits {
			if !split.Amount.IsPositive() {
				problems = append(problems, fmt.Sprintf("split %d: amount must be positive", i+1))
			}
			if split.Date == nil {
				problems = append(problems, fmt.Sprintf("split %d: date is required", i+1))
			}
		}
	case ScenarioCostOverrun, ScenarioCostUnderspend:
		if effectiveActual(req, entry) == nil {
			problems = append(problems, "actual amount is required")
		}
		if !req.Scope.IsValid() {
			problems = append(problems, fmt.Sprintf("unknown scope %q", req.Scope))
		}
		if !req.Algorithm.IsValid() {
			problems = append(problems, fmt.Sprintf("unknown algorithm %q", req.Algorithm))
		}
		if req.Algorithm == DistributionCustom && len(req.CustomDistribution) == 0 {
			problems = append(problems, "custom distribution requires at least one entry")
		}
	case ScenarioScheduleChange:
		if req.NewPlannedDate == nil {
			problems = append(problems, "new planned date is required")
		}
	}

	if entry.CreatedFromBOE {
		warnings = append(warnings, boeEntryWarning)
	}
	if len(problems) > 0 {
		return warnings, models.NewValidationError(problems...)
	}
	return warnings, nil
}

// loadFutureEntries returns the entries of entry's allocation that a
// re-forecast in scope may re-level, ordered by planned date then id.
// Only entries still carrying a plan and no actuals qualify.
func loadFutureEntries(tx *gorm.DB, entry *models.LedgerEntry, scope AdjustmentScope, lock bool) ([]models.LedgerEntry, error) {
	if scope == ScopeSingle || entry.PlannedDate == nil {
		return nil, nil
	}
	q := tx.Where("program_id = ? AND id <> ?", entry.ProgramId, entry.ID)
	if entry.BoeElementAllocationId != nil && *entry.BoeElementAllocationId != "" {
		q = q.Where("boe_element_allocation_id = ?", *entry.BoeElementAllocationId)
	} else {
		q = q.Where("wbs_element_id = ?", entry.WbsElementId)
	}
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rows []models.LedgerEntry
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	key := entry.AllocationKey()
	from := models.TruncateDate(*entry.PlannedDate)
	future := make([]models.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		if !r.HasPlanned() || r.HasActual() || r.AllocationKey() != key {
			continue
		}
		if scope == ScopeRemaining && !models.TruncateDate(*r.PlannedDate).After(from) {
			continue
		}
		future = append(future, r)
	}
	sort.SliceStable(future, func(i, j int) bool {
		di, dj := models.TruncateDate(*future[i].PlannedDate), models.TruncateDate(*future[j].PlannedDate)
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return future[i].ID < future[j].ID
	})
	return future, nil
}

func buildPlan(req *AdjustmentRequest, entry *models.LedgerEntry, future []models.LedgerEntry) (*adjustmentPlan, error) {
	plan := &adjustmentPlan{
		entry: entry,
		impact: &AdjustmentImpact{
			Scenario:    req.Scenario,
			TotalChange: decimal.Zero,
			Entries:     []ImpactRow{},
			Warnings:    []string{},
			Notes:       []string{},
		},
	}
	var err error
	switch req.Scenario {
	case ScenarioPartialDelivery:
		err = planPartialDelivery(req, plan)
	case ScenarioCostOverrun, ScenarioCostUnderspend:
		err = planReForecast(req, plan, future)
	case ScenarioScheduleChange:
		planScheduleChange(req, plan)
	}
	if err != nil {
		return nil, err
	}
	for _, row := range plan.impact.Entries {
		if !row.Change.IsZero() || req.Scenario == ScenarioScheduleChange {
			plan.impact.EntriesAffected++
		}
	}
	if plan.alreadyApplied {
		plan.impact.EntriesAffected = 0
	}
	return plan, nil
}

func planPartialDelivery(req *AdjustmentRequest, plan *adjustmentPlan) error {
	entry := plan.entry
	planned := entry.PlannedAmount.Decimal
	splitTotal := decimal.Zero
	for _, s := range req.Splits {
		splitTotal = splitTotal.Add(s.Amount)
	}
	newPlanned := planned.Sub(splitTotal)
	if newPlanned.IsNegative() {
		plan.splitsOverPlan = fmt.Sprintf("splits total %s exceeds the planned amount %s",
			splitTotal.StringFixed(2), planned.StringFixed(2))
		plan.impact.Warnings = append(plan.impact.Warnings, plan.splitsOverPlan)
	}

	actual := decimal.Zero
	if a := effectiveActual(req, entry); a != nil {
		actual = *a
		plan.actualAmount = actual
	}
	remaining := planned.Sub(actual).Sub(splitTotal)
	switch remaining.Sign() {
	case -1:
		plan.impact.Warnings = append(plan.impact.Warnings,
			fmt.Sprintf("Splits exceed the undelivered amount by %s", remaining.Neg().StringFixed(2)))
	case 1:
		plan.impact.Notes = append(plan.impact.Notes,
			fmt.Sprintf("%s of the undelivered amount is not covered by any split", remaining.StringFixed(2)))
	}

	plan.impact.Entries = append(plan.impact.Entries, ImpactRow{
		EntryId:         entry.ID,
		OriginalPlanned: planned,
		NewPlanned:      newPlanned,
		Change:          splitTotal.Neg(),
		PlannedDate:     entry.PlannedDate,
		Description:     entry.ExpenseDescription,
	})
	for _, s := range req.Splits {
		plan.impact.Entries = append(plan.impact.Entries, ImpactRow{
			OriginalPlanned: decimal.Zero,
			NewPlanned:      s.Amount,
			Change:          s.Amount,
			PlannedDate:     models.TruncateDatePtr(s.Date),
			Description:     splitDescription(entry, s),
		})
	}
	plan.impact.TotalChange = splitTotal
	plan.impact.Notes = append(plan.impact.Notes,
		fmt.Sprintf("%d new ledger entries will be created for the splits", len(req.Splits)),
		fmt.Sprintf("The original entry's planned amount will be reduced by %s", splitTotal.StringFixed(2)))
	return nil
}

func splitDescription(entry *models.LedgerEntry, s SplitInput) string {
	if d := strings.TrimSpace(s.Description); d != "" {
		return d
	}
	return entry.ExpenseDescription + " (partial delivery)"
}

func planReForecast(req *AdjustmentRequest, plan *adjustmentPlan, future []models.LedgerEntry) error {
	entry := plan.entry
	planned := entry.PlannedAmount.Decimal
	actual := *effectiveActual(req, entry)
	plan.actualAmount = actual
	delta := actual.Sub(planned)

	if delta.IsZero() {
		plan.alreadyApplied = true
		plan.impact.Notes = append(plan.impact.Notes, "Planned amount already equals the actual amount; nothing to re-forecast")
		return nil
	}
	if req.Scenario == ScenarioCostOverrun && delta.IsNegative() {
		return models.NewValidationError("actual amount is below planned; use cost_underspend")
	}
	if req.Scenario == ScenarioCostUnderspend && delta.IsPositive() {
		return models.NewValidationError("actual amount is above planned; use cost_overrun")
	}

	ids := make([]int, len(future))
	for i := range future {
		ids[i] = future[i].ID
	}
	var shares []decimal.Decimal
	if req.Algorithm == DistributionCustom {
		if err := validateCustomDistribution(req.CustomDistribution, ids, delta); err != nil {
			return err
		}
		shares = CustomShares(delta, ids, req.CustomDistribution)
	} else {
		shares = DistributeShares(delta, DistributionWeights(req.Algorithm, len(future), *req.WeightIntensity))
	}
	plan.future = future
	plan.shares = shares

	threshold := config.GetReconciliationSettings().BaselineExceedanceThreshold
	plan.impact.Entries = append(plan.impact.Entries, ImpactRow{
		EntryId:         entry.ID,
		OriginalPlanned: planned,
		NewPlanned:      actual,
		Change:          delta,
		PlannedDate:     entry.PlannedDate,
		Description:     entry.ExpenseDescription,
	})
	plan.checkBaseline(entry, actual, threshold)

	for i := range future {
		f := &future[i]
		original := f.PlannedAmount.Decimal
		newPlanned := original.Sub(shares[i])
		plan.impact.Entries = append(plan.impact.Entries, ImpactRow{
			EntryId:         f.ID,
			OriginalPlanned: original,
			NewPlanned:      newPlanned,
			Change:          shares[i].Neg(),
			PlannedDate:     f.PlannedDate,
			Description:     f.ExpenseDescription,
		})
		if newPlanned.IsNegative() {
			plan.negativeFuture = true
			plan.impact.Warnings = append(plan.impact.Warnings,
				fmt.Sprintf("Entry %d planned amount would become negative (%s)", f.ID, newPlanned.StringFixed(2)))
		}
		plan.checkBaseline(f, newPlanned, threshold)
	}

	plan.impact.TotalChange = delta
	if len(future) == 0 && req.Scope != ScopeSingle {
		plan.impact.Notes = append(plan.impact.Notes, "No future entries in scope; only this entry updated")
	}
	if req.Scenario == ScenarioCostOverrun && len(future) > 0 {
		plan.impact.Notes = append(plan.impact.Notes, "Future planned amounts are reduced to cover the overrun")
	} else if len(future) > 0 {
		plan.impact.Notes = append(plan.impact.Notes, "The underspent amount is redistributed to future planned amounts")
	}
	return nil
}

func (p *adjustmentPlan) checkBaseline(entry *models.LedgerEntry, newPlanned decimal.Decimal, threshold float64) {
	if !entry.BaselineAmount.Valid || !entry.BaselineAmount.Decimal.IsPositive() {
		return
	}
	limit := entry.BaselineAmount.Decimal.Mul(decimal.NewFromFloat(1 + threshold))
	if newPlanned.GreaterThan(limit) {
		p.impact.RequiresJustification = true
		p.impact.Warnings = append(p.impact.Warnings, fmt.Sprintf(
			"Entry %d planned amount %s exceeds baseline %s by more than %s%%",
			entry.ID, newPlanned.StringFixed(2), entry.BaselineAmount.Decimal.StringFixed(2), formatPercent(threshold)))
	}
}

func validateCustomDistribution(custom map[int]decimal.Decimal, futureIds []int, delta decimal.Decimal) error {
	inScope := make(map[int]bool, len(futureIds))
	for _, id := range futureIds {
		inScope[id] = true
	}
	var problems []string
	total := decimal.Zero
	outside := make([]int, 0)
	for id, v := range custom {
		if !inScope[id] {
			outside = append(outside, id)
		}
		total = total.Add(v)
	}
	sort.Ints(outside)
	for _, id := range outside {
		problems = append(problems, fmt.Sprintf("custom distribution entry %d is not in the re-forecast scope", id))
	}
	if total.Sub(delta).Abs().GreaterThan(customSumTolerance) {
		problems = append(problems, fmt.Sprintf("custom distribution totals %s but the difference to absorb is %s",
			total.StringFixed(2), delta.StringFixed(2)))
	}
	if len(problems) > 0 {
		return models.NewValidationError(problems...)
	}
	return nil
}

func planScheduleChange(req *AdjustmentRequest, plan *adjustmentPlan) {
	entry := plan.entry
	if models.SameDay(*entry.PlannedDate, *req.NewPlannedDate) {
		plan.alreadyApplied = true
		plan.impact.Notes = append(plan.impact.Notes, "Planned date already matches; nothing to change")
		return
	}
	planned := entry.PlannedAmount.Decimal
	plan.impact.Entries = append(plan.impact.Entries, ImpactRow{
		EntryId:         entry.ID,
		OriginalPlanned: planned,
		NewPlanned:      planned,
		Change:          decimal.Zero,
		PlannedDate:     req.NewPlannedDate,
		Description:     entry.ExpenseDescription,
	})
	plan.impact.Notes = append(plan.impact.Notes, "Only the planned date will be updated")
}

// PreviewImpact computes what ApplyAdjustment would do. Nothing is written.
func PreviewImpact(ctx context.Context, input *AdjustmentRequest) (impact *AdjustmentImpact, err error) {
	if _, err = requireProgramId(ctx); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "workflow.PreviewImpact")
	defer func() { endSpan(span, err) }()

	req := normalizeRequest(input)
	entry, err := models.GetLedgerEntry(ctx, req.LedgerEntryId)
	if err != nil {
		return nil, err
	}
	warnings, err := ValidateAdjustment(&req, entry)
	if err != nil {
		return nil, err
	}
	var future []models.LedgerEntry
	if req.Scenario.isReForecast() {
		future, err = loadFutureEntries(config.GetDB().WithContext(ctx), entry, req.Scope, false)
		if err != nil {
			return nil, err
		}
	}
	plan, err := buildPlan(&req, entry, future)
	if err != nil {
		return nil, err
	}
	plan.impact.Warnings = append(warnings, plan.impact.Warnings...)
	return plan.impact, nil
}

// ApplyAdjustment re-validates against freshly locked rows and applies the
// scenario in one DB transaction, together with its audit rows and outbox
// event.
func ApplyAdjustment(ctx context.Context, input *AdjustmentRequest) (result *AdjustmentResult, err error) {
	programId, err := requireProgramId(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "workflow.ApplyAdjustment")
	defer func() { endSpan(span, err) }()

	req := normalizeRequest(input)
	release, err := lockEntry(ctx, programId, req.LedgerEntryId, "ApplyAdjustment")
	if err != nil {
		return nil, err
	}
	defer release()

	result = &AdjustmentResult{
		UpdatedEntries: []*models.LedgerEntry{},
		CreatedEntries: []*models.LedgerEntry{},
		AuditIds:       []int{},
	}
	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := models.LockLedgerEntry(tx, programId, req.LedgerEntryId)
		if err != nil {
			return err
		}
		var fingerprint string
		if req.Scenario == ScenarioPartialDelivery {
			base := req.EntryVersion
			if base == 0 {
				base = entry.Version
			}
			if fingerprint, err = partialDeliveryFingerprint(req, base); err != nil {
				return err
			}
			skip, stored, err := BeginIdempotency(tx, programId, partialDeliveryHandler, fingerprint)
			if errors.Is(err, ErrIdempotencyInProgress) {
				return &models.ConflictError{Resource: "ledger entry", Id: entry.ID}
			}
			if err != nil {
				return err
			}
			if skip {
				result.AlreadyApplied = true
				if len(stored) > 0 {
					var impact AdjustmentImpact
					if err := json.Unmarshal(stored, &impact); err == nil {
						result.Impact = &impact
					}
				}
				return nil
			}
			if base != entry.Version {
				return &models.ConflictError{Resource: "ledger entry", Id: entry.ID}
			}
		}

		warnings, err := ValidateAdjustment(&req, entry)
		if err != nil {
			return err
		}
		var future []models.LedgerEntry
		if req.Scenario.isReForecast() {
			if future, err = loadFutureEntries(tx, entry, req.Scope, true); err != nil {
				return err
			}
		}
		plan, err := buildPlan(&req, entry, future)
		if err != nil {
			return err
		}
		plan.impact.Warnings = append(warnings, plan.impact.Warnings...)
		result.Impact = plan.impact
		if plan.alreadyApplied {
			result.AlreadyApplied = true
			return nil
		}

		switch req.Scenario {
		case ScenarioPartialDelivery:
			err = applyPartialDelivery(tx, &req, plan, result)
		case ScenarioCostOverrun, ScenarioCostUnderspend:
			err = applyReForecast(tx, &req, plan, result)
		case ScenarioScheduleChange:
			err = applyScheduleChange(tx, &req, plan, result)
		}
		if err != nil {
			return err
		}
		if fingerprint != "" {
			if err := MarkIdempotencySucceeded(tx, programId, partialDeliveryHandler, fingerprint, plan.impact); err != nil {
				return err
			}
			// a retry without entry_version arrives at the new version
			if req.EntryVersion == 0 {
				retryKey, err := partialDeliveryFingerprint(req, entry.Version)
				if err != nil {
					return err
				}
				if err := recordIdempotencyResult(tx, programId, partialDeliveryHandler, retryKey, plan.impact); err != nil {
					return err
				}
			}
		}
		return models.EnqueueLedgerEvent(tx, models.LedgerEventAdjustmentApplied, models.LedgerEventRefLedgerEntry, entry.ID, adjustmentEvent(&req, result))
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// partialDeliveryFingerprint keys a split request to the entry version it
// applies to, so the same splits requested after a later change are new.
func partialDeliveryFingerprint(req AdjustmentRequest, version int) (string, error) {
	req.EntryVersion = version
	return RequestFingerprint(req)
}

type adjustmentEventPayload struct {
	LedgerEntryId   int                `json:"ledger_entry_id"`
	Scenario        AdjustmentScenario `json:"scenario"`
	TotalChange     decimal.Decimal    `json:"total_change"`
	UpdatedEntryIds []int              `json:"updated_entry_ids"`
	CreatedEntryIds []int              `json:"created_entry_ids"`
	Reason          string             `json:"reason"`
}

func adjustmentEvent(req *AdjustmentRequest, result *AdjustmentResult) adjustmentEventPayload {
	p := adjustmentEventPayload{
		LedgerEntryId:   req.LedgerEntryId,
		Scenario:        req.Scenario,
		TotalChange:     result.Impact.TotalChange,
		UpdatedEntryIds: make([]int, 0, len(result.UpdatedEntries)),
		CreatedEntryIds: make([]int, 0, len(result.CreatedEntries)),
		Reason:          req.Reason,
	}
	for _, e := range result.UpdatedEntries {
		p.UpdatedEntryIds = append(p.UpdatedEntryIds, e.ID)
	}
	for _, e := range result.CreatedEntries {
		p.CreatedEntryIds = append(p.CreatedEntryIds, e.ID)
	}
	return p
}

func applyPartialDelivery(tx *gorm.DB, req *AdjustmentRequest, plan *adjustmentPlan, result *AdjustmentResult) error {
	entry := plan.entry
	if plan.splitsOverPlan != "" {
		return models.NewValidationError(plan.splitsOverPlan)
	}
	before := entry.Snapshot()
	splitTotal := decimal.Zero

	for _, s := range req.Splits {
		splitTotal = splitTotal.Add(s.Amount)
		created := models.LedgerEntry{
			ProgramId:              entry.ProgramId,
			VendorName:             entry.VendorName,
			ExpenseDescription:     splitDescription(entry, s),
			WbsElementId:           entry.WbsElementId,
			CostCategoryId:         entry.CostCategoryId,
			BaselineDate:           entry.BaselineDate,
			BaselineAmount:         entry.BaselineAmount,
			PlannedDate:            models.TruncateDatePtr(s.Date),
			PlannedAmount:          models.NewNullDecimal(s.Amount),
			Notes:                  "Partial delivery split: " + req.Reason,
			InvoiceLinkText:        entry.InvoiceLinkText,
			InvoiceLinkUrl:         entry.InvoiceLinkUrl,
			CreatedFromBOE:         entry.CreatedFromBOE,
			BoeElementAllocationId: entry.BoeElementAllocationId,
			BoeVersionId:           entry.BoeVersionId,
			Version:                1,
		}
		if err := tx.Create(&created).Error; err != nil {
			return err
		}
		originalId := entry.ID
		row, err := models.RecordAudit(tx, models.AuditInput{
			LedgerEntryId:        created.ID,
			Action:               models.AuditActionSplit,
			Source:               models.AuditSourceManual,
			NewValues:            created.Snapshot(),
			RelatedLedgerEntryId: &originalId,
			SessionId:            req.SessionId,
			Description:          fmt.Sprintf("Created from partial delivery of entry %d: %s", entry.ID, req.Reason),
		})
		if err != nil {
			return err
		}
		result.CreatedEntries = append(result.CreatedEntries, &created)
		result.AuditIds = append(result.AuditIds, row.ID)
	}

	entry.PlannedAmount = models.NewNullDecimal(entry.PlannedAmount.Decimal.Sub(splitTotal))
	updates := map[string]interface{}{"planned_amount": entry.PlannedAmount}
	if req.ActualAmount != nil {
		entry.ActualAmount = models.NewNullDecimal(*req.ActualAmount)
		updates["actual_amount"] = entry.ActualAmount
	}
	if req.ActualDate != nil {
		entry.ActualDate = req.ActualDate
		updates["actual_date"] = entry.ActualDate
	}
	entry.AppendNote(fmt.Sprintf("Partial delivery applied: planned amount reduced by %s", splitTotal.StringFixed(2)))
	updates["notes"] = entry.Notes
	if err := models.SaveLedgerEntryVersioned(tx, entry, updates); err != nil {
		return err
	}
	firstId := result.CreatedEntries[0].ID
	row, err := models.RecordAudit(tx, models.AuditInput{
		LedgerEntryId:        entry.ID,
		Action:               models.AuditActionUpdated,
		Source:               models.AuditSourceManual,
		PreviousValues:       before,
		NewValues:            entry.Snapshot(),
		RelatedLedgerEntryId: &firstId,
		SessionId:            req.SessionId,
		Description:          fmt.Sprintf("Partial delivery: planned amount reduced by %s: %s", splitTotal.StringFixed(2), req.Reason),
	})
	if err != nil {
		return err
	}
	result.UpdatedEntries = append(result.UpdatedEntries, entry)
	result.AuditIds = append(result.AuditIds, row.ID)
	return nil
}

func applyReForecast(tx *gorm.DB, req *AdjustmentRequest, plan *adjustmentPlan, result *AdjustmentResult) error {
	if plan.negativeFuture {
		return models.NewValidationError("re-forecast would make a future planned amount negative")
	}
	justification := strings.TrimSpace(req.BaselineExceedanceJustification)
	if plan.impact.RequiresJustification && justification == "" {
		return models.NewValidationError("baseline exceedance justification is required")
	}

	entry := plan.entry
	before := entry.Snapshot()
	entry.PlannedAmount = models.NewNullDecimal(plan.actualAmount)
	updates := map[string]interface{}{"planned_amount": entry.PlannedAmount}
	if req.ActualAmount != nil {
		entry.ActualAmount = models.NewNullDecimal(*req.ActualAmount)
		updates["actual_amount"] = entry.ActualAmount
	}
	if req.ActualDate != nil {
		entry.ActualDate = req.ActualDate
		updates["actual_date"] = entry.ActualDate
	}
	entry.AppendNote("RE-FORECAST: " + req.Reason)
	updates["notes"] = entry.Notes
	if err := models.SaveLedgerEntryVersioned(tx, entry, updates); err != nil {
		return err
	}
	desc := fmt.Sprintf("Re-forecast %s (%s, %s): %s", req.Scenario, req.Scope, req.Algorithm, req.Reason)
	if justification != "" {
		desc += "; baseline exceedance justification: " + justification
	}
	row, err := models.RecordAudit(tx, models.AuditInput{
		LedgerEntryId:  entry.ID,
		Action:         models.AuditActionReForecasted,
		Source:         models.AuditSourceReForecasted,
		PreviousValues: before,
		NewValues:      entry.Snapshot(),
		SessionId:      req.SessionId,
		Description:    desc,
	})
	if err != nil {
		return err
	}
	result.UpdatedEntries = append(result.UpdatedEntries, entry)
	result.AuditIds = append(result.AuditIds, row.ID)

	originalId := entry.ID
	for i := range plan.future {
		share := plan.shares[i]
		if share.IsZero() {
			continue
		}
		f := &plan.future[i]
		fBefore := f.Snapshot()
		f.PlannedAmount = models.NewNullDecimal(f.PlannedAmount.Decimal.Sub(share))
		f.AppendNote(fmt.Sprintf("RE-FORECAST ADJUSTMENT: %s from %s", share.StringFixed(2), req.Scenario))
		if err := models.SaveLedgerEntryVersioned(tx, f, map[string]interface{}{
			"planned_amount": f.PlannedAmount,
			"notes":          f.Notes,
		}); err != nil {
			return err
		}
		row, err := models.RecordAudit(tx, models.AuditInput{
			LedgerEntryId:        f.ID,
			Action:               models.AuditActionReForecasted,
			Source:               models.AuditSourceReForecasted,
			PreviousValues:       fBefore,
			NewValues:            f.Snapshot(),
			RelatedLedgerEntryId: &originalId,
			SessionId:            req.SessionId,
			Description:          fmt.Sprintf("Absorbed %s of the %s on entry %d", share.StringFixed(2), req.Scenario, originalId),
		})
		if err != nil {
			return err
		}
		result.UpdatedEntries = append(result.UpdatedEntries, f)
		result.AuditIds = append(result.AuditIds, row.ID)
	}
	return nil
}

func applyScheduleChange(tx *gorm.DB, req *AdjustmentRequest, plan *adjustmentPlan, result *AdjustmentResult) error {
	entry := plan.entry
	before := entry.Snapshot()
	from := entry.PlannedDate.Format("2006-01-02")
	entry.PlannedDate = req.NewPlannedDate
	entry.AppendNote("Schedule change: " + req.Reason)
	if err := models.SaveLedgerEntryVersioned(tx, entry, map[string]interface{}{
		"planned_date": entry.PlannedDate,
		"notes":        entry.Notes,
	}); err != nil {
		return err
	}
	row, err := models.RecordAudit(tx, models.AuditInput{
		LedgerEntryId:  entry.ID,
		Action:         models.AuditActionUpdated,
		Source:         models.AuditSourceManual,
		PreviousValues: before,
		NewValues:      entry.Snapshot(),
		SessionId:      req.SessionId,
		Description: fmt.Sprintf("Planned date changed from %s to %s: %s",
			from, entry.PlannedDate.Format("2006-01-02"), req.Reason),
	})
	if err != nil {
		return err
	}
	result.UpdatedEntries = append(result.UpdatedEntries, entry)
	result.AuditIds = append(result.AuditIds, row.ID)
	return nil
}
