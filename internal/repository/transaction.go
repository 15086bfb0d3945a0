package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"payflow/internal/model"
	"payflow/internal/payerr"
)

// TransactionRepo persists payin/payout transactions and their supporting
// logs (vendor responses, scheme transaction reporting rows, account
// verifications).
type TransactionRepo struct {
	db *pgxpool.Pool
}

func NewTransactionRepo(db *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{db: db}
}

const txnColumns = `id, kind, user_id, scheme_id, api_config_id, external_ref, internal_ref,
	amount, charge_type, charge_value, base_charge, gst_amount, tds_amount,
	total_charges, net_amount, status, vendor_ref, vendor_body,
	beneficiary_name, beneficiary_account, beneficiary_ifsc, transfer_mode,
	created_at, updated_at, completed_at`

// Create inserts a transaction row. Runs against the context transaction
// when one is open, so the insert commits with the paired wallet debit.
func (r *TransactionRepo) Create(ctx context.Context, t *model.Transaction) error {
	db := dbFrom(ctx, r.db)
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := db.Exec(ctx,
		`INSERT INTO transactions (`+txnColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		t.ID, t.Kind, t.UserID, t.SchemeID, t.ApiConfigID, t.ExternalRef, t.InternalRef,
		t.Amount, t.Charges.ChargeType, t.Charges.ChargeValue, t.Charges.BaseCharge,
		t.Charges.GSTAmount, t.Charges.TDSAmount, t.Charges.TotalCharges, t.Charges.NetAmount,
		t.Status, nullable(t.VendorRef), t.VendorBody,
		nullable(t.BeneficiaryName), nullable(t.BeneficiaryAccount), nullable(t.BeneficiaryIFSC), nullable(t.TransferMode),
		t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// ByID fetches one transaction.
func (r *TransactionRepo) ByID(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	return r.one(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
}

// ByInternalRef fetches one transaction by the engine-generated reference.
func (r *TransactionRepo) ByInternalRef(ctx context.Context, internalRef string) (*model.Transaction, error) {
	return r.one(ctx, `SELECT `+txnColumns+` FROM transactions WHERE internal_ref = $1`, internalRef)
}

func (r *TransactionRepo) one(ctx context.Context, query string, arg any) (*model.Transaction, error) {
	db := dbFrom(ctx, r.db)
	t, err := scanTxn(db.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payerr.Wrap(payerr.CodeTransactionNotFound, err, "transaction %v", arg)
	}
	if err != nil {
		return nil, fmt.Errorf("query transaction: %w", err)
	}
	return t, nil
}

// LockByID fetches a transaction under FOR UPDATE. Must run inside the
// context transaction; the lock is what serializes webhook vs. scheduler
// resolution of the same row.
func (r *TransactionRepo) LockByID(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	db := dbFrom(ctx, r.db)
	t, err := scanTxn(db.QueryRow(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payerr.Wrap(payerr.CodeTransactionNotFound, err, "transaction %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock transaction: %w", err)
	}
	return t, nil
}

// MarkResolved moves a non-terminal transaction into a terminal state.
// Amount and charge fields never change after this point.
func (r *TransactionRepo) MarkResolved(ctx context.Context, id uuid.UUID, status model.TransactionStatus, vendorRef string, vendorBody []byte) error {
	if !status.Terminal() {
		return fmt.Errorf("mark resolved with non-terminal status %s", status)
	}
	db := dbFrom(ctx, r.db)
	now := time.Now().UTC()
	tag, err := db.Exec(ctx,
		`UPDATE transactions
		    SET status = $1, vendor_ref = COALESCE(NULLIF($2, ''), vendor_ref),
		        vendor_body = COALESCE($3, vendor_body),
		        updated_at = $4, completed_at = $4
		  WHERE id = $5 AND status IN ($6, $7)`,
		status, vendorRef, vendorBody, now, id, model.StatusInitiated, model.StatusPending)
	if err != nil {
		return fmt.Errorf("mark transaction resolved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return payerr.New(payerr.CodeAlreadyResolved, "transaction %s is already terminal", id)
	}
	return nil
}

// MarkReversed moves a payout from PENDING or SUCCESS to REVERSED.
func (r *TransactionRepo) MarkReversed(ctx context.Context, id uuid.UUID, vendorBody []byte) error {
	db := dbFrom(ctx, r.db)
	now := time.Now().UTC()
	tag, err := db.Exec(ctx,
		`UPDATE transactions
		    SET status = $1, vendor_body = COALESCE($2, vendor_body), updated_at = $3, completed_at = $3
		  WHERE id = $4 AND kind = $5 AND status IN ($6, $7)`,
		model.StatusReversed, vendorBody, now, id, model.KindPayout, model.StatusPending, model.StatusSuccess)
	if err != nil {
		return fmt.Errorf("mark transaction reversed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return payerr.New(payerr.CodeAlreadyResolved, "transaction %s not reversible", id)
	}
	return nil
}

// StalePending returns PENDING transactions older than cutoff, oldest
// first, bounded for one reconciliation batch.
func (r *TransactionRepo) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]model.Transaction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+txnColumns+` FROM transactions
		  WHERE status = $1 AND created_at < $2
		  ORDER BY created_at ASC LIMIT $3`,
		model.StatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale pending: %w", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// LogVendorResponse stores a raw vendor payload for support. Vendor error
// detail is never surfaced to callers, only recorded here.
func (r *TransactionRepo) LogVendorResponse(ctx context.Context, internalRef, endpoint string, payload []byte) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO vendor_response_logs (id, internal_ref, endpoint, payload, created_at)
		 VALUES ($1,$2,$3,$4,now())`,
		uuid.New(), internalRef, endpoint, payload)
	if err != nil {
		return fmt.Errorf("log vendor response: %w", err)
	}
	return nil
}

// LogSchemeTransaction records the reporting row tied to a scheme.
func (r *TransactionRepo) LogSchemeTransaction(ctx context.Context, t *model.Transaction) error {
	db := dbFrom(ctx, r.db)
	_, err := db.Exec(ctx,
		`INSERT INTO scheme_transaction_logs (id, scheme_id, transaction_id, kind, amount, total_charges, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,now())`,
		uuid.New(), t.SchemeID, t.ID, t.Kind, t.Amount, t.Charges.TotalCharges)
	if err != nil {
		return fmt.Errorf("log scheme transaction: %w", err)
	}
	return nil
}

// RecordVerification stores the outcome of a stateless account pre-check.
func (r *TransactionRepo) RecordVerification(ctx context.Context, userID uuid.UUID, account, ifsc string, status model.VerificationStatus, vendorBody []byte) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO account_verifications (id, user_id, account_number, ifsc, status, vendor_body, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,now())`,
		uuid.New(), userID, account, ifsc, status, vendorBody)
	if err != nil {
		return fmt.Errorf("record verification: %w", err)
	}
	return nil
}

func scanTxn(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	var vendorRef, benName, benAccount, benIFSC, mode *string
	err := row.Scan(
		&t.ID, &t.Kind, &t.UserID, &t.SchemeID, &t.ApiConfigID, &t.ExternalRef, &t.InternalRef,
		&t.Amount, &t.Charges.ChargeType, &t.Charges.ChargeValue, &t.Charges.BaseCharge,
		&t.Charges.GSTAmount, &t.Charges.TDSAmount, &t.Charges.TotalCharges, &t.Charges.NetAmount,
		&t.Status, &vendorRef, &t.VendorBody,
		&benName, &benAccount, &benIFSC, &mode,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	t.VendorRef = deref(vendorRef)
	t.BeneficiaryName = deref(benName)
	t.BeneficiaryAccount = deref(benAccount)
	t.BeneficiaryIFSC = deref(benIFSC)
	t.TransferMode = deref(mode)
	return &t, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
