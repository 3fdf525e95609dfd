package workflow

import (
	"testing"
	"time"

	"github.com/mmdatafocus/costledger_backend/models"
)

func prior(id int, vendor, amount string, date [3]int, invoice, desc string, status models.TransactionStatus) DuplicateCandidate {
	return DuplicateCandidate{
		Id:            id,
		VendorName:    vendor,
		Amount:        dec(amount),
		Date:          day(date[0], time.Month(date[1]), date[2]),
		InvoiceNumber: invoice,
		Description:   desc,
		Status:        status,
	}
}

func TestClassifyDuplicate(t *testing.T) {
	jan15 := [3]int{2025, 1, 15}
	feb1 := [3]int{2025, 2, 1}
	txn := prior(10, "ACME  corp", "500", jan15, "INV-7", "Steel", models.TransactionStatusUnmatched)
	noInvoice := prior(10, "Acme Corp", "500", jan15, "", "Steel", models.TransactionStatusUnmatched)

	cases := []struct {
		name   string
		txn    DuplicateCandidate
		priors []DuplicateCandidate
		want   models.DuplicateType
		dupOf  int
	}{
		{
			name: "no priors",
			txn:  txn,
			want: models.DuplicateTypeNone,
		},
		{
			name:   "same invoice same day",
			txn:    txn,
			priors: []DuplicateCandidate{prior(3, "Acme Corp", "500", jan15, "inv-7", "", models.TransactionStatusConfirmed), prior(5, "Acme Corp", "500", jan15, "INV-7", "", models.TransactionStatusUnmatched)},
			want:   models.DuplicateTypeExactDuplicate,
			dupOf:  5,
		},
		{
			name:   "no invoices same description",
			txn:    noInvoice,
			priors: []DuplicateCandidate{prior(4, "acme corp", "500", jan15, "", "steel", models.TransactionStatusUnmatched)},
			want:   models.DuplicateTypeExactDuplicate,
			dupOf:  4,
		},
		{
			name:   "one side lacks invoice",
			txn:    noInvoice,
			priors: []DuplicateCandidate{prior(4, "Acme Corp", "500", jan15, "INV-1", "Steel", models.TransactionStatusUnmatched)},
			want:   models.DuplicateTypeNoInvoicePotential,
			dupOf:  4,
		},
		{
			name:   "single prior with different date",
			txn:    txn,
			priors: []DuplicateCandidate{prior(4, "Acme Corp", "500", feb1, "INV-7", "Steel", models.TransactionStatusMatched)},
			want:   models.DuplicateTypeDifferentInfoPending,
			dupOf:  4,
		},
		{
			name:   "single rejected prior",
			txn:    txn,
			priors: []DuplicateCandidate{prior(4, "Acme Corp", "500", feb1, "INV-2", "Steel", models.TransactionStatusRejected)},
			want:   models.DuplicateTypeOriginalRejected,
			dupOf:  4,
		},
		{
			name: "several differing priors",
			txn:  txn,
			priors: []DuplicateCandidate{
				prior(2, "Acme Corp", "500", feb1, "INV-2", "Steel", models.TransactionStatusUnmatched),
				prior(6, "Acme Corp", "500", jan15, "INV-3", "Steel", models.TransactionStatusUnmatched),
			},
			want:  models.DuplicateTypeMultiplePotential,
			dupOf: 6,
		},
		{
			name: "replaced and unrelated priors are ignored",
			txn:  txn,
			priors: []DuplicateCandidate{
				prior(2, "Acme Corp", "500", jan15, "INV-7", "Steel", models.TransactionStatusReplaced),
				prior(3, "Acme Corp", "501", jan15, "INV-7", "Steel", models.TransactionStatusUnmatched),
				prior(4, "Beta Ltd", "500", jan15, "INV-7", "Steel", models.TransactionStatusUnmatched),
			},
			want: models.DuplicateTypeNone,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyDuplicate(tc.txn, tc.priors)
			if got.Type != tc.want {
				t.Fatalf("type: got %s want %s", got.Type, tc.want)
			}
			if tc.dupOf == 0 {
				if got.DuplicateOfId != nil {
					t.Fatalf("duplicate_of_id: got %d want nil", *got.DuplicateOfId)
				}
				return
			}
			if got.DuplicateOfId == nil || *got.DuplicateOfId != tc.dupOf {
				t.Fatalf("duplicate_of_id: got %v want %d", got.DuplicateOfId, tc.dupOf)
			}
		})
	}
}

func TestImport_FlagsExactDuplicateWithinSession(t *testing.T) {
	ctx := newTestDB(t)
	entry := plannedEntry(t, ctx, "Acme Corp", "1000", day(2025, 3, 15))
	_, txns := mustImport(t, ctx, acmeRow("INV-1"), acmeRow("INV-1"))

	if txns[0].DuplicateType != models.DuplicateTypeNone {
		t.Fatalf("first row flagged: %s", txns[0].DuplicateType)
	}
	second := txns[1]
	if second.DuplicateType != models.DuplicateTypeExactDuplicate || second.DuplicateOfId == nil || *second.DuplicateOfId != txns[0].ID {
		t.Fatalf("second row: type=%s of=%v", second.DuplicateType, second.DuplicateOfId)
	}

	if _, _, err := ConfirmMatch(ctx, second.ID, entry.ID); !models.IsValidationError(err) {
		t.Fatalf("confirming an unresolved duplicate: expected ValidationError, got %v", err)
	}

	accepted, err := AcceptDuplicate(ctx, second.ID)
	if err != nil {
		t.Fatalf("AcceptDuplicate: %v", err)
	}
	if accepted.DuplicateType != models.DuplicateTypeDifferentInfoConfirmed {
		t.Fatalf("after accept: %s", accepted.DuplicateType)
	}
	if _, err := AcceptDuplicate(ctx, second.ID); !models.IsValidationError(err) {
		t.Fatalf("second accept: expected ValidationError, got %v", err)
	}
	if _, _, err := ConfirmMatch(ctx, second.ID, entry.ID); err != nil {
		t.Fatalf("ConfirmMatch after accept: %v", err)
	}
}

func TestRejectDuplicate(t *testing.T) {
	ctx := newTestDB(t)
	plannedEntry(t, ctx, "Acme Corp", "1000", day(2025, 3, 15))
	_, txns := mustImport(t, ctx, acmeRow("INV-1"), acmeRow("INV-1"))

	rejected, err := RejectDuplicate(ctx, txns[1].ID)
	if err != nil {
		t.Fatalf("RejectDuplicate: %v", err)
	}
	if rejected.Status != models.TransactionStatusRejected {
		t.Fatalf("status: got %s", rejected.Status)
	}
	sets, err := GetCandidateSets(ctx, rejected.ID)
	if err != nil {
		t.Fatalf("GetCandidateSets: %v", err)
	}
	if len(sets.Potential) != 0 {
		t.Fatalf("rejected duplicate kept candidates: %d", len(sets.Potential))
	}
	if _, err := RejectDuplicate(ctx, rejected.ID); !models.IsValidationError(err) {
		t.Fatalf("second reject: expected ValidationError, got %v", err)
	}
}

func TestAcceptAndReplaceOriginal(t *testing.T) {
	ctx := newTestDB(t)
	entry := plannedEntry(t, ctx, "Acme Corp", "1000", day(2025, 3, 15))
	_, first := mustImport(t, ctx, acmeRow("INV-1"))
	if _, _, err := ConfirmMatch(ctx, first[0].ID, entry.ID); err != nil {
		t.Fatalf("ConfirmMatch: %v", err)
	}

	corrected := acmeRow("INV-1A")
	corrected.TransactionDate = "2025-03-20"
	_, second := mustImport(t, ctx, corrected)
	if second[0].DuplicateType != models.DuplicateTypeDifferentInfoPending {
		t.Fatalf("corrected row: %s", second[0].DuplicateType)
	}

	kept, err := AcceptAndReplaceOriginal(ctx, second[0].ID)
	if err != nil {
		t.Fatalf("AcceptAndReplaceOriginal: %v", err)
	}
	if kept.DuplicateType != models.DuplicateTypeDifferentInfoConfirmed {
		t.Fatalf("kept: %s", kept.DuplicateType)
	}

	original, err := models.GetActualsTransaction(ctx, first[0].ID)
	if err != nil {
		t.Fatalf("reload original: %v", err)
	}
	if original.Status != models.TransactionStatusReplaced || original.DuplicateType != models.DuplicateTypeOriginalRejected {
		t.Fatalf("original: status=%s type=%s", original.Status, original.DuplicateType)
	}
	if reloaded := mustReload(t, ctx, entry.ID); reloaded.HasActual() {
		t.Fatalf("replaced original left actuals on the entry")
	}
	if got := countAudit(t, ctx, entry.ID, models.AuditActionUnmatchedFromInvoice); got != 1 {
		t.Fatalf("unmatched_from_invoice rows: got %d", got)
	}

	// the replacement can now take the entry
	if _, _, err := ConfirmMatch(ctx, kept.ID, entry.ID); err != nil {
		t.Fatalf("ConfirmMatch replacement: %v", err)
	}
}
