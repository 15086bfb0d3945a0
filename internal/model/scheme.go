package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Scheme is a named pricing/limits policy assigned to users per product.
type Scheme struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Product   TransactionKind `json:"product"`
	MinAmount decimal.Decimal `json:"min_amount"`
	MaxAmount decimal.Decimal `json:"max_amount"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}

// SchemeCharge is one tiered fee rule. Payout rows carry an amount range;
// the payin row is unconditional (null bounds). Versioned by deactivation,
// never mutated once referenced by a settled transaction.
type SchemeCharge struct {
	ID          uuid.UUID           `json:"id"`
	SchemeID    uuid.UUID           `json:"scheme_id"`
	ApiConfigID uuid.UUID           `json:"api_config_id"`
	MinAmount   decimal.NullDecimal `json:"min_amount"`
	MaxAmount   decimal.NullDecimal `json:"max_amount"`
	ChargeType  ChargeType          `json:"charge_type"`
	ChargeValue decimal.Decimal     `json:"charge_value"`
	GSTPercent  decimal.Decimal     `json:"gst_percent"`
	TDSPercent  decimal.Decimal     `json:"tds_percent"`
	Active      bool                `json:"active"`
}

// ApiConfig is one vendor API configuration for a product. Exactly one
// active config per product is marked default.
type ApiConfig struct {
	ID        uuid.UUID       `json:"id"`
	Product   TransactionKind `json:"product"`
	Label     string          `json:"label"`
	IsDefault bool            `json:"is_default"`
	Active    bool            `json:"active"`
}

// CallbackConfig is a user's registered outbound-webhook endpoint.
type CallbackConfig struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"user_id"`
	URL    string    `json:"url"`
	Active bool      `json:"active"`
}

// CallbackStatus records the outcome of one delivery attempt.
type CallbackStatus string

const (
	CallbackSkipped   CallbackStatus = "SKIPPED"
	CallbackCompleted CallbackStatus = "COMPLETED"
	CallbackFailed    CallbackStatus = "FAILED"
)

// VerificationStatus is the outcome of a stateless account pre-check.
type VerificationStatus string

const (
	VerificationVerified VerificationStatus = "VERIFIED"
	VerificationFailed   VerificationStatus = "FAILED"
)
