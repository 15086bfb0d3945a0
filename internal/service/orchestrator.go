package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payflow/internal/charge"
	"payflow/internal/model"
	"payflow/internal/payerr"
	"payflow/internal/repository"
	"payflow/internal/vendor"
)

// TopicResolved carries terminal-transition events to the callback worker.
const TopicResolved = "transactions.resolved"

// Orchestrator drives payin and payout transactions through the
// INITIATED → PENDING → {SUCCESS, FAILED} machine, pairing every terminal
// transition with exactly one settling or compensating wallet operation.
type Orchestrator struct {
	atomic  Atomic
	wallets WalletStore
	idem    IdempotencyTracker
	schemes SchemeStore
	txns    TransactionStore
	gateway VendorGateway
	bus     repository.MessageBus
}

func NewOrchestrator(
	atomic Atomic,
	wallets WalletStore,
	idem IdempotencyTracker,
	schemes SchemeStore,
	txns TransactionStore,
	gateway VendorGateway,
	bus repository.MessageBus,
) *Orchestrator {
	return &Orchestrator{
		atomic:  atomic,
		wallets: wallets,
		idem:    idem,
		schemes: schemes,
		txns:    txns,
		gateway: gateway,
		bus:     bus,
	}
}

var _ PaymentService = (*Orchestrator)(nil)

// GenerateQR creates a payin intent. The service-wallet charge is verified
// before the vendor call (the fee is pre-paid) and debited in the same
// database transaction as the PENDING insert.
func (o *Orchestrator) GenerateQR(ctx context.Context, req GenerateQRRequest) (*GenerateQRResult, error) {
	if !req.Amount.IsPositive() {
		return nil, payerr.New(payerr.CodeInvalidAmount, "amount must be positive, got %s", req.Amount)
	}

	existing, err := o.idem.CheckDuplicate(ctx, req.UserID, req.ExternalRef)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, payerr.New(payerr.CodeDuplicateRequest, "unique id %q already used", req.ExternalRef)
	}

	scheme, err := o.schemes.ActiveSchemeFor(ctx, req.UserID, model.KindPayin)
	if err != nil {
		return nil, err
	}
	if err := checkLimits(req.Amount, scheme); err != nil {
		return nil, err
	}

	apiCfg, err := o.schemes.DefaultApiConfig(ctx, model.KindPayin)
	if err != nil {
		return nil, err
	}

	tiers, err := o.schemes.ChargesFor(ctx, scheme.ID, apiCfg.ID)
	if err != nil {
		return nil, err
	}
	breakdown, err := charge.Compute(req.Amount, tiers, model.KindPayin)
	if err != nil {
		return nil, err
	}

	serviceWallet, err := o.wallets.WalletFor(ctx, req.UserID, model.PurposeService)
	if err != nil {
		return nil, err
	}
	// Early reject on the (possibly cached) balance before any vendor
	// call; the authoritative floor check is the locked debit below.
	balance, err := o.wallets.BalanceOf(ctx, serviceWallet.ID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(breakdown.TotalCharges) {
		return nil, payerr.New(payerr.CodeInsufficientBalance,
			"service wallet holds %s, charge is %s", balance, breakdown.TotalCharges)
	}

	rec, err := o.idem.Reserve(ctx, req.UserID, req.ExternalRef, req.Amount)
	if err != nil {
		return nil, err
	}

	qr, err := o.gateway.CreateQR(ctx, vendor.QRRequest{
		InternalRef: rec.InternalRef,
		Amount:      req.Amount,
		UserID:      req.UserID.String(),
	})
	if err != nil {
		return nil, o.vendorFailure(ctx, rec.InternalRef, "/v1/qr", err)
	}

	txn := &model.Transaction{
		ID:          uuid.New(),
		Kind:        model.KindPayin,
		UserID:      req.UserID,
		SchemeID:    scheme.ID,
		ApiConfigID: apiCfg.ID,
		ExternalRef: req.ExternalRef,
		InternalRef: rec.InternalRef,
		Amount:      req.Amount,
		Charges:     breakdown,
		Status:      model.StatusPending,
		VendorRef:   qr.VendorRef,
		VendorBody:  qr.Raw,
	}

	err = o.atomic.WithinTx(ctx, func(ctx context.Context) error {
		if err := o.txns.Create(ctx, txn); err != nil {
			return err
		}
		// Checked under the row lock: two concurrent payins cannot both
		// pass the pre-check and drive the wallet below its floor.
		if _, err := o.wallets.DebitChecked(ctx, repository.EntryParams{
			WalletID:      serviceWallet.ID,
			Amount:        breakdown.TotalCharges,
			ReferenceType: model.RefPayin,
			ReferenceID:   rec.InternalRef,
			ActorID:       req.UserID,
		}); err != nil {
			return err
		}
		return o.txns.LogSchemeTransaction(ctx, txn)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("payin created",
		"transaction_id", txn.ID, "internal_ref", rec.InternalRef,
		"amount", req.Amount, "total_charges", breakdown.TotalCharges)

	return &GenerateQRResult{
		TransactionID: txn.ID,
		InternalRef:   rec.InternalRef,
		QRString:      qr.QRString,
		Charges:       breakdown,
	}, nil
}

// InitiatePayout debits the payout wallet up front (amount + charges,
// checked and debited in one atomic unit), then calls the vendor and maps
// its synchronous disposition. Failure after the debit is compensated.
func (o *Orchestrator) InitiatePayout(ctx context.Context, req InitiatePayoutRequest) (*model.Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, payerr.New(payerr.CodeInvalidAmount, "amount must be positive, got %s", req.Amount)
	}

	existing, err := o.idem.CheckDuplicate(ctx, req.UserID, req.ExternalRef)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, payerr.New(payerr.CodeDuplicateRequest, "unique id %q already used", req.ExternalRef)
	}

	scheme, err := o.schemes.ActiveSchemeFor(ctx, req.UserID, model.KindPayout)
	if err != nil {
		return nil, err
	}
	if err := checkLimits(req.Amount, scheme); err != nil {
		return nil, err
	}

	apiCfg, err := o.schemes.DefaultApiConfig(ctx, model.KindPayout)
	if err != nil {
		return nil, err
	}

	tiers, err := o.schemes.ChargesFor(ctx, scheme.ID, apiCfg.ID)
	if err != nil {
		return nil, err
	}
	breakdown, err := charge.Compute(req.Amount, tiers, model.KindPayout)
	if err != nil {
		return nil, err
	}

	payoutWallet, err := o.wallets.WalletFor(ctx, req.UserID, model.PurposePayout)
	if err != nil {
		return nil, err
	}

	debitTotal := req.Amount.Add(breakdown.TotalCharges)

	// Reservation, checked debit and transaction insert are one atomic
	// unit: a rejected debit rolls the reservation back too, so the
	// caller's external ref survives for a retry.
	var txn *model.Transaction
	var rec *model.IdempotencyRecord
	err = o.atomic.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		rec, err = o.idem.Reserve(ctx, req.UserID, req.ExternalRef, req.Amount)
		if err != nil {
			return err
		}
		if _, err := o.wallets.DebitChecked(ctx, repository.EntryParams{
			WalletID:      payoutWallet.ID,
			Amount:        debitTotal,
			ReferenceType: model.RefPayout,
			ReferenceID:   rec.InternalRef,
			ActorID:       req.UserID,
		}); err != nil {
			return err
		}
		txn = &model.Transaction{
			ID:                 uuid.New(),
			Kind:               model.KindPayout,
			UserID:             req.UserID,
			SchemeID:           scheme.ID,
			ApiConfigID:        apiCfg.ID,
			ExternalRef:        req.ExternalRef,
			InternalRef:        rec.InternalRef,
			Amount:             req.Amount,
			Charges:            breakdown,
			Status:             model.StatusPending,
			BeneficiaryName:    req.BeneficiaryName,
			BeneficiaryAccount: req.BeneficiaryAccount,
			BeneficiaryIFSC:    req.BeneficiaryIFSC,
			TransferMode:       req.TransferMode,
		}
		if err := o.txns.Create(ctx, txn); err != nil {
			return err
		}
		return o.txns.LogSchemeTransaction(ctx, txn)
	})
	if err != nil {
		return nil, err
	}

	resp, err := o.gateway.CreatePayout(ctx, vendor.PayoutRequest{
		InternalRef:        rec.InternalRef,
		Amount:             req.Amount,
		BeneficiaryName:    req.BeneficiaryName,
		BeneficiaryAccount: req.BeneficiaryAccount,
		BeneficiaryIFSC:    req.BeneficiaryIFSC,
		TransferMode:       req.TransferMode,
	})
	if err != nil {
		var appErr *vendor.AppError
		if errors.As(err, &appErr) {
			// Vendor rejected outright: resolve FAILED so the up-front
			// debit is refunded, then surface the opaque code.
			if logErr := o.txns.LogVendorResponse(ctx, rec.InternalRef, appErr.Endpoint, appErr.Raw); logErr != nil {
				slog.Error("payout: vendor response log failed", "internal_ref", rec.InternalRef, "error", logErr)
			}
			if resErr := o.ResolveTransaction(ctx, txn.ID, model.VendorRejected, "", appErr.Raw); resErr != nil {
				slog.Error("payout: compensation failed", "transaction_id", txn.ID, "error", resErr)
			}
			return nil, payerr.Wrap(payerr.CodeVendorTechnical, err, "payout rejected by vendor")
		}
		// Transport-level failure: outcome unknown, leave PENDING for the
		// reconciliation scheduler to settle against vendor truth.
		slog.Warn("payout: vendor call failed, leaving pending", "transaction_id", txn.ID, "error", err)
		return o.txns.ByID(ctx, txn.ID)
	}

	switch resp.Outcome() {
	case model.VendorApproved:
		err = o.ResolveTransaction(ctx, txn.ID, model.VendorApproved, resp.VendorRef, resp.Raw)
	case model.VendorRejected:
		err = o.ResolveTransaction(ctx, txn.ID, model.VendorRejected, resp.VendorRef, resp.Raw)
	default:
		// Accepted but not settled; webhook or scheduler finishes it.
	}
	if err != nil {
		return nil, err
	}
	return o.txns.ByID(ctx, txn.ID)
}

// VerifyAccount runs the stateless beneficiary pre-check. No funds move;
// the vendor outcome is recorded either way.
func (o *Orchestrator) VerifyAccount(ctx context.Context, req VerifyAccountRequest) (*VerifyAccountResult, error) {
	resp, err := o.gateway.VerifyAccount(ctx, vendor.VerifyRequest{
		AccountNumber: req.AccountNumber,
		IFSC:          req.IFSC,
	})
	if err != nil {
		var appErr *vendor.AppError
		if errors.As(err, &appErr) {
			if recErr := o.txns.RecordVerification(ctx, req.UserID, req.AccountNumber, req.IFSC, model.VerificationFailed, appErr.Raw); recErr != nil {
				slog.Error("verify: record failed", "user_id", req.UserID, "error", recErr)
			}
			return &VerifyAccountResult{Status: model.VerificationFailed}, nil
		}
		return nil, payerr.Wrap(payerr.CodeVendorTechnical, err, "account verification unavailable")
	}

	status := model.VerificationFailed
	if resp.Verified {
		status = model.VerificationVerified
	}
	if err := o.txns.RecordVerification(ctx, req.UserID, req.AccountNumber, req.IFSC, status, resp.Raw); err != nil {
		slog.Error("verify: record failed", "user_id", req.UserID, "error", err)
	}
	return &VerifyAccountResult{Status: status, RegisteredName: resp.Name}, nil
}

// ResolveTransaction is the one authoritative terminal transition. Vendor
// webhooks, the reconciliation scheduler and synchronous payout responses
// all land here, so they cannot diverge. Re-delivery for an already
// terminal transaction is a no-op.
func (o *Orchestrator) ResolveTransaction(ctx context.Context, transactionID uuid.UUID, outcome model.VendorOutcome, vendorRef string, vendorBody []byte) error {
	if outcome == model.VendorPending {
		return nil
	}

	var event *model.ResolvedEvent
	err := o.atomic.WithinTx(ctx, func(ctx context.Context) error {
		txn, err := o.txns.LockByID(ctx, transactionID)
		if err != nil {
			return err
		}
		// Reversal of a settled payout (bank bounce) is the one transition
		// allowed out of a terminal state.
		reversal := outcome == model.VendorReversed && txn.Kind == model.KindPayout
		if txn.Status.Terminal() && !(reversal && txn.Status == model.StatusSuccess) {
			// Idempotent re-delivery: no second wallet mutation, no
			// updated_at churn.
			slog.Info("resolve: transaction already terminal",
				"transaction_id", txn.ID, "status", txn.Status, "outcome", outcome)
			return nil
		}

		var status model.TransactionStatus
		switch {
		case reversal:
			status = model.StatusReversed
			if err := o.txns.MarkReversed(ctx, txn.ID, vendorBody); err != nil {
				return err
			}
		case outcome == model.VendorApproved:
			status = model.StatusSuccess
			if err := o.txns.MarkResolved(ctx, txn.ID, status, vendorRef, vendorBody); err != nil {
				return err
			}
		default:
			status = model.StatusFailed
			if err := o.txns.MarkResolved(ctx, txn.ID, status, vendorRef, vendorBody); err != nil {
				return err
			}
		}

		if err := o.settle(ctx, txn, status); err != nil {
			return err
		}

		if rec, err := o.idem.ByInternalRef(ctx, txn.InternalRef); err != nil {
			return err
		} else if rec != nil {
			if err := o.idem.Consume(ctx, rec.ID); err != nil {
				return err
			}
		}

		event = &model.ResolvedEvent{
			TransactionID: txn.ID,
			UserID:        txn.UserID,
			Kind:          txn.Kind,
			Status:        status,
			ExternalRef:   txn.ExternalRef,
			Amount:        txn.Amount,
			VendorRef:     vendorRef,
			ResolvedAt:    time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return err
	}

	if event != nil {
		o.publishResolved(event)
	}
	return nil
}

// ResolveByInternalRef resolves using the engine reference, the form
// vendor webhooks carry.
func (o *Orchestrator) ResolveByInternalRef(ctx context.Context, internalRef string, outcome model.VendorOutcome, vendorRef string, vendorBody []byte) error {
	txn, err := o.txns.ByInternalRef(ctx, internalRef)
	if err != nil {
		return err
	}
	return o.ResolveTransaction(ctx, txn.ID, outcome, vendorRef, vendorBody)
}

// settle applies the single wallet operation paired with a terminal
// transition. Runs inside the same database transaction as the status
// update.
func (o *Orchestrator) settle(ctx context.Context, txn *model.Transaction, status model.TransactionStatus) error {
	actor := txn.UserID
	switch txn.Kind {
	case model.KindPayin:
		switch status {
		case model.StatusSuccess:
			collection, err := o.wallets.WalletFor(ctx, txn.UserID, model.PurposeCollection)
			if err != nil {
				return err
			}
			_, err = o.wallets.ApplyEntry(ctx, repository.EntryParams{
				WalletID:      collection.ID,
				Amount:        txn.Amount,
				Direction:     model.DirectionCredit,
				ReferenceType: model.RefPayin,
				ReferenceID:   txn.InternalRef,
				ActorID:       actor,
			})
			return err
		case model.StatusFailed:
			// Compensate the charge debited at creation.
			svc, err := o.wallets.WalletFor(ctx, txn.UserID, model.PurposeService)
			if err != nil {
				return err
			}
			_, err = o.wallets.ApplyEntry(ctx, repository.EntryParams{
				WalletID:      svc.ID,
				Amount:        txn.Charges.TotalCharges,
				Direction:     model.DirectionCredit,
				ReferenceType: model.RefPayinRefund,
				ReferenceID:   txn.InternalRef,
				ActorID:       actor,
			})
			return err
		}
	case model.KindPayout:
		switch status {
		case model.StatusSuccess:
			// Funds already left the wallet at initiation.
			return nil
		case model.StatusFailed, model.StatusReversed:
			payout, err := o.wallets.WalletFor(ctx, txn.UserID, model.PurposePayout)
			if err != nil {
				return err
			}
			_, err = o.wallets.ApplyEntry(ctx, repository.EntryParams{
				WalletID:      payout.ID,
				Amount:        txn.Amount.Add(txn.Charges.TotalCharges),
				Direction:     model.DirectionCredit,
				ReferenceType: model.RefPayoutRefund,
				ReferenceID:   txn.InternalRef,
				ActorID:       actor,
			})
			return err
		}
	}
	return nil
}

// TransactionStatus returns the current row for a transaction id.
func (o *Orchestrator) TransactionStatus(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	return o.txns.ByID(ctx, id)
}

// OnboardUser provisions the user's purpose wallets.
func (o *Orchestrator) OnboardUser(ctx context.Context, userID uuid.UUID) error {
	return o.wallets.ProvisionWallets(ctx, userID)
}

// WalletActivity returns the newest ledger entries for a wallet.
func (o *Orchestrator) WalletActivity(ctx context.Context, walletID uuid.UUID, limit int) ([]model.LedgerEntry, error) {
	return o.wallets.ListEntries(ctx, walletID, limit)
}

// vendorFailure logs the raw vendor payload internally and returns the
// opaque technical error the caller sees.
func (o *Orchestrator) vendorFailure(ctx context.Context, internalRef, endpoint string, err error) error {
	var appErr *vendor.AppError
	if errors.As(err, &appErr) {
		if logErr := o.txns.LogVendorResponse(ctx, internalRef, appErr.Endpoint, appErr.Raw); logErr != nil {
			slog.Error("vendor response log failed", "internal_ref", internalRef, "error", logErr)
		}
		return payerr.Wrap(payerr.CodeVendorTechnical, err, "vendor error on %s", endpoint)
	}
	return payerr.Wrap(payerr.CodeVendorTechnical, err, "vendor unreachable on %s", endpoint)
}

func (o *Orchestrator) publishResolved(event *model.ResolvedEvent) {
	if o.bus == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("resolve: event marshal failed", "transaction_id", event.TransactionID, "error", err)
		return
	}
	if err := o.bus.Publish(TopicResolved, data); err != nil {
		// Delivery is decoupled from settlement; never re-raise.
		slog.Error("resolve: event publish failed", "transaction_id", event.TransactionID, "error", err)
	}
}

func checkLimits(amount decimal.Decimal, scheme *model.Scheme) error {
	if amount.LessThan(scheme.MinAmount) {
		return payerr.New(payerr.CodeAmountBelowMin, "amount %s below scheme minimum %s", amount, scheme.MinAmount)
	}
	if scheme.MaxAmount.IsPositive() && amount.GreaterThan(scheme.MaxAmount) {
		return payerr.New(payerr.CodeAmountExceedsMax, "amount %s exceeds scheme maximum %s", amount, scheme.MaxAmount)
	}
	return nil
}
