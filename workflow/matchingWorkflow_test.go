package workflow

import (
	"strings"
	"testing"

	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/mmdatafocus/costledger_backend/models"
)

func acmeRow(invoice string) NewActualsRow {
	return NewActualsRow{
		VendorName:      "Acme Corp",
		Description:     "Steel beams",
		Amount:          "1,000.00",
		TransactionDate: "2025-03-15",
		InvoiceNumber:   invoice,
	}
}

func TestImport_GeneratesCandidates(t *testing.T) {
	ctx := newTestDB(t)
	entry := plannedEntry(t, ctx, "Acme Corp", "1000", day(2025, 3, 15))

	session, txns := mustImport(t, ctx, acmeRow("INV-1"), NewActualsRow{VendorName: "Nobody", Amount: "abc", TransactionDate: "2025-03-15"})
	if session.Status != models.ImportSessionStatusCompleted {
		t.Fatalf("status: got %s", session.Status)
	}
	if session.MatchedRecords != 1 || session.UnmatchedRecords != 0 || session.ErrorRecords != 1 {
		t.Fatalf("counts: matched=%d unmatched=%d errors=%d", session.MatchedRecords, session.UnmatchedRecords, session.ErrorRecords)
	}
	if len(txns) != 1 || txns[0].Status != models.TransactionStatusMatched {
		t.Fatalf("expected one matched transaction, got %+v", txns)
	}

	candidates, err := GetCandidates(ctx, txns[0].ID)
	if err != nil {
		t.Fatalf("GetCandidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].LedgerEntryId != entry.ID {
		t.Fatalf("candidates: %+v", candidates)
	}
	if candidates[0].MatchType != MatchTypeExact {
		t.Fatalf("match type: got %s", candidates[0].MatchType)
	}
}

func TestConfirmMatch_CopiesActuals(t *testing.T) {
	ctx := newTestDB(t)
	entry := plannedEntry(t, ctx, "Acme Corp", "1000", day(2025, 3, 15))
	_, txns := mustImport(t, ctx, acmeRow("INV-1"))

	txn, updated, err := ConfirmMatch(ctx, txns[0].ID, entry.ID)
	if err != nil {
		t.Fatalf("ConfirmMatch: %v", err)
	}
	if txn.Status != models.TransactionStatusConfirmed || txn.MatchedLedgerEntryId == nil || *txn.MatchedLedgerEntryId != entry.ID {
		t.Fatalf("transaction not confirmed: %+v", txn)
	}

	reloaded := mustReload(t, ctx, entry.ID)
	assertAmount(t, "actual", reloaded.ActualAmount, "1000")
	if reloaded.ActualDate == nil || !models.SameDay(*reloaded.ActualDate, day(2025, 3, 15)) {
		t.Fatalf("actual date: got %v", reloaded.ActualDate)
	}
	if !strings.Contains(reloaded.Notes, "Invoice: INV-1") {
		t.Fatalf("notes: got %q", reloaded.Notes)
	}
	if updated.Version != reloaded.Version {
		t.Fatalf("version: returned %d stored %d", updated.Version, reloaded.Version)
	}
	if got := countAudit(t, ctx, entry.ID, models.AuditActionMatchedToInvoice); got != 1 {
		t.Fatalf("matched_to_invoice rows: got %d", got)
	}

	sets, err := GetCandidateSets(ctx, txn.ID)
	if err != nil {
		t.Fatalf("GetCandidateSets: %v", err)
	}
	if len(sets.Potential) != 0 {
		t.Fatalf("potential rows should be cleared, got %d", len(sets.Potential))
	}

	// confirming the same pair again changes nothing
	if _, _, err := ConfirmMatch(ctx, txn.ID, entry.ID); err != nil {
		t.Fatalf("repeat ConfirmMatch: %v", err)
	}
	if got := countAudit(t, ctx, entry.ID, models.AuditActionMatchedToInvoice); got != 1 {
		t.Fatalf("repeat confirm wrote audit rows: got %d", got)
	}
}

func TestConfirmMatch_EntryAlreadyHasActuals(t *testing.T) {
	ctx := newTestDB(t)
	entry := plannedEntry(t, ctx, "Acme Corp", "1000", day(2025, 3, 15))
	_, txns := mustImport(t, ctx, acmeRow("INV-1"), NewActualsRow{
		VendorName:      "Beta Freight",
		Description:     "Shipping",
		Amount:          "75",
		TransactionDate: "2025-03-16",
		InvoiceNumber:   "B-9",
	})

	if _, _, err := ConfirmMatch(ctx, txns[0].ID, entry.ID); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	_, _, err := ConfirmMatch(ctx, txns[1].ID, entry.ID)
	if !models.IsConflictError(err) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestConfirmMatch_MissingEntryIsStale(t *testing.T) {
	ctx := newTestDB(t)
	_, txns := mustImport(t, ctx, acmeRow("INV-1"))

	_, _, err := ConfirmMatch(ctx, txns[0].ID, 9999)
	if !models.IsStaleReferenceError(err) {
		t.Fatalf("expected StaleReferenceError, got %v", err)
	}
}

func TestRejectLastCandidate_ReturnsToUnmatched(t *testing.T) {
	ctx := newTestDB(t)
	entry := plannedEntry(t, ctx, "Acme Corp", "1000", day(2025, 3, 15))
	_, txns := mustImport(t, ctx, acmeRow("INV-1"))

	sets, err := RejectMatch(ctx, txns[0].ID, entry.ID)
	if err != nil {
		t.Fatalf("RejectMatch: %v", err)
	}
	if sets.Transaction.Status != models.TransactionStatusUnmatched {
		t.Fatalf("status: got %s", sets.Transaction.Status)
	}
	if len(sets.Potential) != 0 || len(sets.Rejected) != 1 {
		t.Fatalf("sets: potential=%d rejected=%d", len(sets.Potential), len(sets.Rejected))
	}

	// a rescore must not resurrect the rejected pair
	candidates, err := GetCandidates(ctx, txns[0].ID)
	if err != nil {
		t.Fatalf("GetCandidates: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("rejected entry came back: %+v", candidates)
	}

	if _, _, err := ConfirmMatch(ctx, txns[0].ID, entry.ID); !models.IsValidationError(err) {
		t.Fatalf("confirming a rejected pair: expected ValidationError, got %v", err)
	}

	sets, err = UndoReject(ctx, txns[0].ID, entry.ID)
	if err != nil {
		t.Fatalf("UndoReject: %v", err)
	}
	if sets.Transaction.Status != models.TransactionStatusMatched || len(sets.Potential) != 1 || len(sets.Rejected) != 0 {
		t.Fatalf("after undo: status=%s potential=%d rejected=%d", sets.Transaction.Status, len(sets.Potential), len(sets.Rejected))
	}

	if _, err := UndoReject(ctx, txns[0].ID, entry.ID); !models.IsValidationError(err) {
		t.Fatalf("undo without rejection: expected ValidationError, got %v", err)
	}
}

func TestConfirmThenRemove_RoundTrip(t *testing.T) {
	ctx := newTestDB(t)
	entry := mustCreateEntry(t, ctx, models.NewLedgerEntry{
		VendorName:         "Acme Corp",
		ExpenseDescription: "Steel beams",
		PlannedAmount:      decPtr("1000"),
		PlannedDate:        dayPtr(2025, 3, 15),
		Notes:              "Deposit paid",
	})
	// nothing scores above the threshold, so the transaction starts unmatched
	_, txns := mustImport(t, ctx, NewActualsRow{
		VendorName:      "Zeta Supplies",
		Description:     "Bolts",
		Amount:          "12.50",
		TransactionDate: "2024-06-01",
		InvoiceNumber:   "Z-1",
	})
	before := txns[0]
	if before.Status != models.TransactionStatusUnmatched {
		t.Fatalf("precondition: status %s", before.Status)
	}
	auditBefore := countAudit(t, ctx, entry.ID, "")

	if _, _, err := ConfirmMatch(ctx, before.ID, entry.ID); err != nil {
		t.Fatalf("ConfirmMatch: %v", err)
	}
	txn, _, err := RemoveMatch(ctx, before.ID)
	if err != nil {
		t.Fatalf("RemoveMatch: %v", err)
	}

	if txn.Status != before.Status || txn.MatchedLedgerEntryId != nil || txn.MatchConfidence.Valid {
		t.Fatalf("transaction not restored: %+v", txn)
	}
	after := mustReload(t, ctx, entry.ID)
	if after.ActualAmount.Valid || after.ActualDate != nil {
		t.Fatalf("actuals not cleared: %+v", after)
	}
	if after.Notes != "Deposit paid" {
		t.Fatalf("notes: got %q", after.Notes)
	}
	assertAmount(t, "planned", after.PlannedAmount, "1000")

	var pairRows int64
	if err := config.GetDB().WithContext(ctx).Model(&models.PotentialMatch{}).
		Where("program_id = ? AND transaction_id = ?", testProgramId, before.ID).
		Count(&pairRows).Error; err != nil {
		t.Fatalf("count pairs: %v", err)
	}
	if pairRows != 0 {
		t.Fatalf("pair rows left behind: %d", pairRows)
	}

	if got := countAudit(t, ctx, entry.ID, ""); got != auditBefore+2 {
		t.Fatalf("audit rows: got %d want %d", got, auditBefore+2)
	}
	if countAudit(t, ctx, entry.ID, models.AuditActionMatchedToInvoice) != 1 ||
		countAudit(t, ctx, entry.ID, models.AuditActionUnmatchedFromInvoice) != 1 {
		t.Fatalf("expected one matched_to_invoice and one unmatched_from_invoice row")
	}

	if _, _, err := RemoveMatch(ctx, before.ID); !models.IsValidationError(err) {
		t.Fatalf("second RemoveMatch: expected ValidationError, got %v", err)
	}
}

func TestRejectMatch_RemovesConfirmedLink(t *testing.T) {
	ctx := newTestDB(t)
	entry := plannedEntry(t, ctx, "Acme Corp", "1000", day(2025, 3, 15))
	_, txns := mustImport(t, ctx, acmeRow("INV-1"))
	if _, _, err := ConfirmMatch(ctx, txns[0].ID, entry.ID); err != nil {
		t.Fatalf("ConfirmMatch: %v", err)
	}

	sets, err := RejectMatch(ctx, txns[0].ID, entry.ID)
	if err != nil {
		t.Fatalf("RejectMatch: %v", err)
	}
	if sets.Transaction.Status != models.TransactionStatusUnmatched {
		t.Fatalf("status: got %s", sets.Transaction.Status)
	}
	if reloaded := mustReload(t, ctx, entry.ID); reloaded.HasActual() {
		t.Fatalf("entry kept actuals after reject")
	}
}

func TestAddUnmatchedToLedger(t *testing.T) {
	ctx := newTestDB(t)
	_, txns := mustImport(t, ctx, NewActualsRow{
		VendorName:      "Zeta Supplies",
		Description:     "Bolts",
		Amount:          "12.50",
		TransactionDate: "2024-06-01",
		InvoiceNumber:   "Z-1",
	})

	txn, entry, err := AddUnmatchedToLedger(ctx, txns[0].ID, &AddToLedgerInput{WbsElementId: 4})
	if err != nil {
		t.Fatalf("AddUnmatchedToLedger: %v", err)
	}
	if txn.Status != models.TransactionStatusAddedToLedger || *txn.MatchedLedgerEntryId != entry.ID {
		t.Fatalf("transaction: %+v", txn)
	}
	if entry.PlannedAmount.Valid || entry.Notes != "Invoice: Z-1" {
		t.Fatalf("entry: %+v", entry)
	}
	assertAmount(t, "actual", entry.ActualAmount, "12.5")
	if got := countAudit(t, ctx, entry.ID, models.AuditActionCreated); got != 1 {
		t.Fatalf("created rows: got %d", got)
	}

	// added_to_ledger is terminal
	if _, _, err := AddUnmatchedToLedger(ctx, txn.ID, &AddToLedgerInput{WbsElementId: 4}); !models.IsStaleReferenceError(err) {
		t.Fatalf("expected StaleReferenceError, got %v", err)
	}
}

func TestConfirmThenRemove_RestoresSuggestions(t *testing.T) {
	ctx := newTestDB(t)
	first := plannedEntry(t, ctx, "Acme Corp", "1000", day(2025, 3, 15))
	second := plannedEntry(t, ctx, "Acme Corp", "1000", day(2025, 3, 20))
	_, txns := mustImport(t, ctx, acmeRow("INV-1"))

	before, err := GetCandidateSets(ctx, txns[0].ID)
	if err != nil {
		t.Fatalf("GetCandidateSets: %v", err)
	}
	if before.Transaction.Status != models.TransactionStatusMatched || len(before.Potential) != 2 {
		t.Fatalf("precondition: status=%s potential=%d", before.Transaction.Status, len(before.Potential))
	}
	auditFirst := countAudit(t, ctx, first.ID, "")
	auditSecond := countAudit(t, ctx, second.ID, "")

	if _, _, err := ConfirmMatch(ctx, txns[0].ID, first.ID); err != nil {
		t.Fatalf("ConfirmMatch: %v", err)
	}
	txn, _, err := RemoveMatch(ctx, txns[0].ID)
	if err != nil {
		t.Fatalf("RemoveMatch: %v", err)
	}
	if txn.Status != models.TransactionStatusMatched || txn.MatchedLedgerEntryId != nil || txn.MatchConfidence.Valid {
		t.Fatalf("transaction not restored: %+v", txn)
	}

	after, err := GetCandidateSets(ctx, txns[0].ID)
	if err != nil {
		t.Fatalf("GetCandidateSets: %v", err)
	}
	if after.Transaction.Status != models.TransactionStatusMatched || len(after.Potential) != len(before.Potential) {
		t.Fatalf("after remove: status=%s potential=%d", after.Transaction.Status, len(after.Potential))
	}
	want := map[int]string{}
	for _, p := range before.Potential {
		want[p.LedgerEntryId] = p.Confidence.String()
	}
	for _, p := range after.Potential {
		if conf, ok := want[p.LedgerEntryId]; !ok || conf != p.Confidence.String() {
			t.Fatalf("candidate %d changed: confidence %s", p.LedgerEntryId, p.Confidence)
		}
	}
	if len(after.Rejected) != 0 {
		t.Fatalf("rejected rows: %d", len(after.Rejected))
	}

	if reloaded := mustReload(t, ctx, first.ID); reloaded.HasActual() || reloaded.Notes != "" {
		t.Fatalf("entry not restored: %+v", reloaded)
	}
	if got := countAudit(t, ctx, first.ID, ""); got != auditFirst+2 {
		t.Fatalf("audit rows: got %d want %d", got, auditFirst+2)
	}
	if got := countAudit(t, ctx, second.ID, ""); got != auditSecond {
		t.Fatalf("untouched entry gained audit rows: got %d want %d", got, auditSecond)
	}
}

func TestRemoveMatch_KeepsExistingInvoiceNotes(t *testing.T) {
	cases := []struct {
		name    string
		invoice string
	}{
		{"no invoice number", ""},
		{"with invoice number", "INV-9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := newTestDB(t)
			entry := mustCreateEntry(t, ctx, models.NewLedgerEntry{
				VendorName:         "Acme Corp",
				ExpenseDescription: "Steel beams",
				PlannedAmount:      decPtr("1000"),
				PlannedDate:        dayPtr(2025, 3, 15),
				Notes:              "Invoice: PO-77 expected",
			})
			_, txns := mustImport(t, ctx, acmeRow(tc.invoice))

			if _, _, err := ConfirmMatch(ctx, txns[0].ID, entry.ID); err != nil {
				t.Fatalf("ConfirmMatch: %v", err)
			}
			if _, _, err := RemoveMatch(ctx, txns[0].ID); err != nil {
				t.Fatalf("RemoveMatch: %v", err)
			}
			if got := mustReload(t, ctx, entry.ID).Notes; got != "Invoice: PO-77 expected" {
				t.Fatalf("notes after round trip: %q", got)
			}
		})
	}
}

func TestStripInvoiceNote(t *testing.T) {
	cases := []struct {
		notes, invoice, want string
	}{
		{"Deposit paid\nInvoice: A-1", "A-1", "Deposit paid"},
		{"Invoice: A-1\nInvoice: A-1", "A-1", "Invoice: A-1"},
		{"Invoice: A-10", "A-1", "Invoice: A-10"},
		{"Invoice: A-1", "", "Invoice: A-1"},
		{"Invoice: A-1", "A-1", ""},
	}
	for _, tc := range cases {
		if got := stripInvoiceNote(tc.notes, tc.invoice); got != tc.want {
			t.Fatalf("stripInvoiceNote(%q, %q) = %q want %q", tc.notes, tc.invoice, got, tc.want)
		}
	}
}
