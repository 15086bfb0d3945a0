package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionKind distinguishes money coming in from money going out.
type TransactionKind string

const (
	KindPayin  TransactionKind = "PAYIN"
	KindPayout TransactionKind = "PAYOUT"
)

// TransactionStatus is the state machine driven by the orchestrator.
// INITIATED and PENDING are non-terminal; the rest are terminal.
type TransactionStatus string

const (
	StatusInitiated TransactionStatus = "INITIATED"
	StatusPending   TransactionStatus = "PENDING"
	StatusSuccess   TransactionStatus = "SUCCESS"
	StatusFailed    TransactionStatus = "FAILED"
	StatusReversed  TransactionStatus = "REVERSED"
)

// Terminal reports whether s admits no further transitions.
func (s TransactionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusReversed
}

// ChargeType selects flat vs. percentage pricing for a tier.
type ChargeType string

const (
	ChargeFlat       ChargeType = "FLAT"
	ChargePercentage ChargeType = "PERCENTAGE"
)

// ChargeBreakdown is the computed pricing of one transaction.
// NetAmount is informational only; TDS is never moved to a tax wallet.
type ChargeBreakdown struct {
	ChargeType   ChargeType      `json:"charge_type"`
	ChargeValue  decimal.Decimal `json:"charge_value"`
	BaseCharge   decimal.Decimal `json:"base_charge"`
	GSTAmount    decimal.Decimal `json:"gst_amount"`
	TDSAmount    decimal.Decimal `json:"tds_amount"`
	TotalCharges decimal.Decimal `json:"total_charges"`
	NetAmount    decimal.Decimal `json:"net_amount"`
}

type Transaction struct {
	ID          uuid.UUID         `json:"id"`
	Kind        TransactionKind   `json:"kind"`
	UserID      uuid.UUID         `json:"user_id"`
	SchemeID    uuid.UUID         `json:"scheme_id"`
	ApiConfigID uuid.UUID         `json:"api_config_id"`
	ExternalRef string            `json:"external_ref"`
	InternalRef string            `json:"internal_ref"`
	Amount      decimal.Decimal   `json:"amount"`
	Charges     ChargeBreakdown   `json:"charges"`
	Status      TransactionStatus `json:"status"`
	VendorRef   string            `json:"vendor_ref,omitempty"`
	VendorBody  []byte            `json:"-"`

	// Payout only.
	BeneficiaryName    string `json:"beneficiary_name,omitempty"`
	BeneficiaryAccount string `json:"beneficiary_account,omitempty"`
	BeneficiaryIFSC    string `json:"beneficiary_ifsc,omitempty"`
	TransferMode       string `json:"transfer_mode,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IdempotencyStatus tracks whether the guarded transaction has resolved.
type IdempotencyStatus string

const (
	IdemActive IdempotencyStatus = "ACTIVE"
	IdemUsed   IdempotencyStatus = "USED"
)

// IdempotencyRecord maps a caller-supplied external reference to the one
// internal reference generated for it. Never deleted.
type IdempotencyRecord struct {
	ID          uuid.UUID         `json:"id"`
	UserID      uuid.UUID         `json:"user_id"`
	ExternalRef string            `json:"external_ref"`
	InternalRef string            `json:"internal_ref"`
	Amount      decimal.Decimal   `json:"amount"`
	Status      IdempotencyStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
}

// VendorOutcome is the vendor-reported terminal disposition of a transaction.
type VendorOutcome string

const (
	VendorApproved VendorOutcome = "APPROVED"
	VendorRejected VendorOutcome = "REJECTED"
	VendorPending  VendorOutcome = "PENDING"
	VendorReversed VendorOutcome = "REVERSED"
)

// ResolvedEvent is published on the bus when a transaction reaches a
// terminal state, and consumed by the callback dispatcher.
type ResolvedEvent struct {
	TransactionID uuid.UUID         `json:"transaction_id"`
	UserID        uuid.UUID         `json:"user_id"`
	Kind          TransactionKind   `json:"kind"`
	Status        TransactionStatus `json:"status"`
	ExternalRef   string            `json:"external_ref"`
	Amount        decimal.Decimal   `json:"amount"`
	VendorRef     string            `json:"vendor_ref,omitempty"`
	ResolvedAt    time.Time         `json:"resolved_at"`
}
