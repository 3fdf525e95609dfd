package models

import (
	"encoding/json"
	"fmt"
)

type TransactionStatus string

const (
	TransactionStatusUnmatched     TransactionStatus = "unmatched"
	TransactionStatusMatched       TransactionStatus = "matched"
	TransactionStatusConfirmed     TransactionStatus = "confirmed"
	TransactionStatusRejected      TransactionStatus = "rejected"
	TransactionStatusAddedToLedger TransactionStatus = "added_to_ledger"
	TransactionStatusReplaced      TransactionStatus = "replaced"
)

func (s TransactionStatus) IsValid() bool {
	switch s {
	case TransactionStatusUnmatched, TransactionStatusMatched, TransactionStatusConfirmed,
		TransactionStatusRejected, TransactionStatusAddedToLedger, TransactionStatusReplaced:
		return true
	}
	return false
}

// IsTerminal reports statuses that no matching operation may leave.
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusAddedToLedger || s == TransactionStatusReplaced
}

func (s *TransactionStatus) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, (*string)(s), func(v string) bool { return TransactionStatus(v).IsValid() }, "transaction status")
}

type DuplicateType string

const (
	DuplicateTypeNone                   DuplicateType = "none"
	DuplicateTypeExactDuplicate         DuplicateType = "exact_duplicate"
	DuplicateTypeDifferentInfoConfirmed DuplicateType = "different_info_confirmed"
	DuplicateTypeDifferentInfoPending   DuplicateType = "different_info_pending"
	DuplicateTypeOriginalRejected       DuplicateType = "original_rejected"
	DuplicateTypeNoInvoicePotential     DuplicateType = "no_invoice_potential"
	DuplicateTypeMultiplePotential      DuplicateType = "multiple_potential"
)

func (d DuplicateType) IsValid() bool {
	switch d {
	case DuplicateTypeNone, DuplicateTypeExactDuplicate, DuplicateTypeDifferentInfoConfirmed,
		DuplicateTypeDifferentInfoPending, DuplicateTypeOriginalRejected,
		DuplicateTypeNoInvoicePotential, DuplicateTypeMultiplePotential:
		return true
	}
	return false
}

// IsUnresolved reports flags that still need a human decision. A transaction
// carrying one cannot be confirmed.
func (d DuplicateType) IsUnresolved() bool {
	switch d {
	case DuplicateTypeExactDuplicate, DuplicateTypeDifferentInfoPending,
		DuplicateTypeNoInvoicePotential, DuplicateTypeMultiplePotential:
		return true
	}
	return false
}

func (d *DuplicateType) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, (*string)(d), func(v string) bool { return DuplicateType(v).IsValid() }, "duplicate type")
}

type PotentialMatchStatus string

const (
	PotentialMatchStatusPotential PotentialMatchStatus = "potential"
	PotentialMatchStatusConfirmed PotentialMatchStatus = "confirmed"
	PotentialMatchStatusRejected  PotentialMatchStatus = "rejected"
)

type ImportSessionStatus string

const (
	ImportSessionStatusPending    ImportSessionStatus = "pending"
	ImportSessionStatusProcessing ImportSessionStatus = "processing"
	ImportSessionStatusCompleted  ImportSessionStatus = "completed"
	ImportSessionStatusFailed     ImportSessionStatus = "failed"
	ImportSessionStatusCancelled  ImportSessionStatus = "cancelled"
	ImportSessionStatusReplaced   ImportSessionStatus = "replaced"
)

type AuditAction string

const (
	AuditActionCreated              AuditAction = "created"
	AuditActionUpdated              AuditAction = "updated"
	AuditActionDeleted              AuditAction = "deleted"
	AuditActionPushedFromBOE        AuditAction = "pushed_from_boe"
	AuditActionSplit                AuditAction = "split"
	AuditActionMerged               AuditAction = "merged"
	AuditActionReForecasted         AuditAction = "re_forecasted"
	AuditActionMatchedToInvoice     AuditAction = "matched_to_invoice"
	AuditActionUnmatchedFromInvoice AuditAction = "unmatched_from_invoice"
)

func (a AuditAction) IsValid() bool {
	switch a {
	case AuditActionCreated, AuditActionUpdated, AuditActionDeleted, AuditActionPushedFromBOE,
		AuditActionSplit, AuditActionMerged, AuditActionReForecasted,
		AuditActionMatchedToInvoice, AuditActionUnmatchedFromInvoice:
		return true
	}
	return false
}

type AuditSource string

const (
	AuditSourceManual        AuditSource = "manual"
	AuditSourceBOEAllocation AuditSource = "boe_allocation"
	AuditSourceBOEPush       AuditSource = "boe_push"
	AuditSourceInvoiceMatch  AuditSource = "invoice_match"
	AuditSourceReForecasted  AuditSource = "re_forecasted"
	AuditSourceSystem        AuditSource = "system"
)

func (s AuditSource) IsValid() bool {
	switch s {
	case AuditSourceManual, AuditSourceBOEAllocation, AuditSourceBOEPush,
		AuditSourceInvoiceMatch, AuditSourceReForecasted, AuditSourceSystem:
		return true
	}
	return false
}

func unmarshalEnum(b []byte, dst *string, valid func(string) bool, name string) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("%s must be a string", name)
	}
	if !valid(v) {
		return fmt.Errorf("invalid %s %q", name, v)
	}
	*dst = v
	return nil
}
