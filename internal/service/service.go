// Package service holds the transaction orchestrator and the interfaces
// it depends on. Transport layers and workers depend on PaymentService,
// never on concrete repositories.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payflow/internal/model"
	"payflow/internal/repository"
	"payflow/internal/vendor"
)

// Atomic runs fn inside one database transaction.
type Atomic interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// WalletStore is the only mutator of wallet balances.
type WalletStore interface {
	ApplyEntry(ctx context.Context, p repository.EntryParams) (*model.LedgerEntry, error)
	DebitChecked(ctx context.Context, p repository.EntryParams) (*model.LedgerEntry, error)
	Transfer(ctx context.Context, fromID, toID uuid.UUID, amount decimal.Decimal, actorID uuid.UUID) (*model.LedgerEntry, *model.LedgerEntry, error)
	BalanceOf(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error)
	WalletFor(ctx context.Context, userID uuid.UUID, purpose model.WalletPurpose) (*model.Wallet, error)
	ProvisionWallets(ctx context.Context, userID uuid.UUID) error
	ListEntries(ctx context.Context, walletID uuid.UUID, limit int) ([]model.LedgerEntry, error)
}

// IdempotencyTracker deduplicates externally-submitted requests.
type IdempotencyTracker interface {
	CheckDuplicate(ctx context.Context, userID uuid.UUID, externalRef string) (*model.IdempotencyRecord, error)
	Reserve(ctx context.Context, userID uuid.UUID, externalRef string, amount decimal.Decimal) (*model.IdempotencyRecord, error)
	Consume(ctx context.Context, recordID uuid.UUID) error
	ByInternalRef(ctx context.Context, internalRef string) (*model.IdempotencyRecord, error)
}

// SchemeStore reads pricing configuration.
type SchemeStore interface {
	ActiveSchemeFor(ctx context.Context, userID uuid.UUID, product model.TransactionKind) (*model.Scheme, error)
	ChargesFor(ctx context.Context, schemeID, apiConfigID uuid.UUID) ([]model.SchemeCharge, error)
	DefaultApiConfig(ctx context.Context, product model.TransactionKind) (*model.ApiConfig, error)
}

// TransactionStore persists transactions and supporting logs.
type TransactionStore interface {
	Create(ctx context.Context, t *model.Transaction) error
	ByID(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	ByInternalRef(ctx context.Context, internalRef string) (*model.Transaction, error)
	LockByID(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	MarkResolved(ctx context.Context, id uuid.UUID, status model.TransactionStatus, vendorRef string, vendorBody []byte) error
	MarkReversed(ctx context.Context, id uuid.UUID, vendorBody []byte) error
	StalePending(ctx context.Context, cutoff time.Time, limit int) ([]model.Transaction, error)
	LogVendorResponse(ctx context.Context, internalRef, endpoint string, payload []byte) error
	LogSchemeTransaction(ctx context.Context, t *model.Transaction) error
	RecordVerification(ctx context.Context, userID uuid.UUID, account, ifsc string, status model.VerificationStatus, vendorBody []byte) error
}

// VendorGateway is the settlement provider's API surface consumed here.
type VendorGateway interface {
	CreateQR(ctx context.Context, req vendor.QRRequest) (*vendor.QRResponse, error)
	CreatePayout(ctx context.Context, req vendor.PayoutRequest) (*vendor.PayoutResponse, error)
	QueryStatus(ctx context.Context, internalRef string) (*vendor.StatusResponse, error)
	VerifyAccount(ctx context.Context, req vendor.VerifyRequest) (*vendor.VerifyResponse, error)
}

// GenerateQRRequest is a payin creation request.
type GenerateQRRequest struct {
	UserID      uuid.UUID       `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	ExternalRef string          `json:"external_unique_id"`
}

// GenerateQRResult returns the vendor-facing QR and the engine reference.
type GenerateQRResult struct {
	TransactionID uuid.UUID             `json:"transaction_id"`
	InternalRef   string                `json:"reference_id"`
	QRString      string                `json:"qr_string"`
	Charges       model.ChargeBreakdown `json:"charges"`
}

// InitiatePayoutRequest is an outbound transfer request.
type InitiatePayoutRequest struct {
	UserID             uuid.UUID       `json:"user_id"`
	Amount             decimal.Decimal `json:"amount"`
	ExternalRef        string          `json:"external_unique_id"`
	BeneficiaryName    string          `json:"beneficiary_name"`
	BeneficiaryAccount string          `json:"beneficiary_account"`
	BeneficiaryIFSC    string          `json:"beneficiary_ifsc"`
	TransferMode       string          `json:"transfer_mode"`
}

// VerifyAccountRequest is the stateless beneficiary pre-check.
type VerifyAccountRequest struct {
	UserID        uuid.UUID `json:"user_id"`
	AccountNumber string    `json:"account_number"`
	IFSC          string    `json:"ifsc"`
}

type VerifyAccountResult struct {
	Status         model.VerificationStatus `json:"status"`
	RegisteredName string                   `json:"registered_name,omitempty"`
}

// PaymentService is the engine's operation surface. HTTP, the webhook
// ingester and the reconciliation scheduler all drive transactions through
// this one interface, so state transitions cannot diverge by entry point.
type PaymentService interface {
	GenerateQR(ctx context.Context, req GenerateQRRequest) (*GenerateQRResult, error)
	InitiatePayout(ctx context.Context, req InitiatePayoutRequest) (*model.Transaction, error)
	VerifyAccount(ctx context.Context, req VerifyAccountRequest) (*VerifyAccountResult, error)
	ResolveTransaction(ctx context.Context, transactionID uuid.UUID, outcome model.VendorOutcome, vendorRef string, vendorBody []byte) error
	ResolveByInternalRef(ctx context.Context, internalRef string, outcome model.VendorOutcome, vendorRef string, vendorBody []byte) error
	TransactionStatus(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	OnboardUser(ctx context.Context, userID uuid.UUID) error
	WalletActivity(ctx context.Context, walletID uuid.UUID, limit int) ([]model.LedgerEntry, error)
}
