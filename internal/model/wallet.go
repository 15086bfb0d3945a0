package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WalletPurpose is the closed set of per-user wallet kinds.
type WalletPurpose string

const (
	PurposeService    WalletPurpose = "SERVICE"
	PurposeCollection WalletPurpose = "COLLECTION"
	PurposePayout     WalletPurpose = "PAYOUT"
)

// Purposes lists every wallet a user owns, in provisioning order.
var Purposes = []WalletPurpose{PurposeService, PurposeCollection, PurposePayout}

type Wallet struct {
	ID             uuid.UUID           `json:"id"`
	UserID         uuid.UUID           `json:"user_id"`
	Purpose        WalletPurpose       `json:"purpose"`
	Balance        decimal.Decimal     `json:"balance"`
	MinBalance     decimal.Decimal     `json:"min_balance"`
	MaxBalance     decimal.NullDecimal `json:"max_balance,omitempty"`
	LastActivityAt time.Time           `json:"last_activity_at"`
	CreatedAt      time.Time           `json:"created_at"`
}

// EntryDirection is the ledger mutation direction.
type EntryDirection string

const (
	DirectionCredit EntryDirection = "CREDIT"
	DirectionDebit  EntryDirection = "DEBIT"
)

// ReferenceType tags what kind of transaction produced a ledger entry.
type ReferenceType string

const (
	RefPayin        ReferenceType = "PAYIN"
	RefPayout       ReferenceType = "PAYOUT"
	RefPayinRefund  ReferenceType = "PAYIN_REFUND"
	RefPayoutRefund ReferenceType = "PAYOUT_REFUND"
	RefFundRequest  ReferenceType = "FUND_REQUEST"
	RefTransfer     ReferenceType = "TRANSFER"
)

// EntryOutcome marks a ledger row as applied or rejected.
type EntryOutcome string

const (
	OutcomeSuccess EntryOutcome = "SUCCESS"
	OutcomeFailed  EntryOutcome = "FAILED"
)

// LedgerEntry is one immutable record of a balance mutation.
// balance_after = balance_before ± amount, always.
type LedgerEntry struct {
	ID            uuid.UUID       `json:"id"`
	WalletID      uuid.UUID       `json:"wallet_id"`
	Direction     EntryDirection  `json:"direction"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	ReferenceType ReferenceType   `json:"reference_type"`
	ReferenceID   string          `json:"reference_id"`
	ActorID       uuid.UUID       `json:"actor_id"`
	Outcome       EntryOutcome    `json:"outcome"`
	CreatedAt     time.Time       `json:"created_at"`
}
