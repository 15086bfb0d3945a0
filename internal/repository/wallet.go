package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"payflow/internal/model"
	"payflow/internal/payerr"
)

// WalletRepo owns wallet rows and the append-only ledger. Every balance
// mutation goes through ApplyEntry; nothing else writes wallets.balance.
type WalletRepo struct {
	db     *pgxpool.Pool
	rdb    *redis.Client
	atomic *Atomic
}

func NewWalletRepo(db *pgxpool.Pool, rdb *redis.Client) *WalletRepo {
	return &WalletRepo{db: db, rdb: rdb, atomic: NewAtomic(db)}
}

// EntryParams describes one requested balance mutation.
type EntryParams struct {
	WalletID      uuid.UUID
	Amount        decimal.Decimal
	Direction     model.EntryDirection
	ReferenceType model.ReferenceType
	ReferenceID   string
	ActorID       uuid.UUID
}

// ApplyEntry reads the current balance under a row lock, writes the new
// balance and the ledger entry as one atomic unit. It does not enforce a
// balance floor; callers pre-check sufficiency because the check belongs to
// the surrounding workflow, which may also roll the whole unit back later.
func (r *WalletRepo) ApplyEntry(ctx context.Context, p EntryParams) (*model.LedgerEntry, error) {
	if !p.Amount.IsPositive() {
		return nil, payerr.New(payerr.CodeInvalidAmount, "entry amount must be positive, got %s", p.Amount)
	}

	var entry *model.LedgerEntry
	err := r.atomic.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		entry, err = r.applyLocked(ctx, p)
		if err == nil {
			// Invalidate only once the mutation is durable: dropping the
			// key before commit lets a concurrent read re-cache the old
			// balance.
			afterCommit(ctx, func() { r.invalidateBalance(context.Background(), p.WalletID) })
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// applyLocked does the locked read-compute-write. Must run inside a tx.
func (r *WalletRepo) applyLocked(ctx context.Context, p EntryParams) (*model.LedgerEntry, error) {
	db := dbFrom(ctx, r.db)

	var before decimal.Decimal
	err := db.QueryRow(ctx, `SELECT balance FROM wallets WHERE id = $1 FOR UPDATE`, p.WalletID).Scan(&before)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payerr.Wrap(payerr.CodeWalletNotFound, err, "wallet %s", p.WalletID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock wallet %s: %w", p.WalletID, err)
	}

	after := before.Add(p.Amount)
	if p.Direction == model.DirectionDebit {
		after = before.Sub(p.Amount)
	}

	now := time.Now().UTC()
	_, err = db.Exec(ctx,
		`UPDATE wallets SET balance = $1, last_activity_at = $2 WHERE id = $3`,
		after, now, p.WalletID)
	if err != nil {
		return nil, fmt.Errorf("update wallet balance: %w", err)
	}

	entry := &model.LedgerEntry{
		ID:            uuid.New(),
		WalletID:      p.WalletID,
		Direction:     p.Direction,
		Amount:        p.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		ReferenceType: p.ReferenceType,
		ReferenceID:   p.ReferenceID,
		ActorID:       p.ActorID,
		Outcome:       model.OutcomeSuccess,
		CreatedAt:     now,
	}
	_, err = db.Exec(ctx,
		`INSERT INTO wallet_ledger
		   (id, wallet_id, direction, amount, balance_before, balance_after,
		    reference_type, reference_id, actor_id, outcome, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		entry.ID, entry.WalletID, entry.Direction, entry.Amount,
		entry.BalanceBefore, entry.BalanceAfter, entry.ReferenceType,
		entry.ReferenceID, entry.ActorID, entry.Outcome, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	return entry, nil
}

// DebitChecked locks the wallet, verifies the debit keeps the balance at
// or above the wallet's floor, and applies it — one atomic unit, so two
// concurrent spenders cannot both pass the check.
func (r *WalletRepo) DebitChecked(ctx context.Context, p EntryParams) (*model.LedgerEntry, error) {
	if !p.Amount.IsPositive() {
		return nil, payerr.New(payerr.CodeInvalidAmount, "debit amount must be positive, got %s", p.Amount)
	}
	p.Direction = model.DirectionDebit

	var entry *model.LedgerEntry
	err := r.atomic.WithinTx(ctx, func(ctx context.Context) error {
		db := dbFrom(ctx, r.db)

		var balance, minBalance decimal.Decimal
		err := db.QueryRow(ctx, `SELECT balance, min_balance FROM wallets WHERE id = $1 FOR UPDATE`, p.WalletID).
			Scan(&balance, &minBalance)
		if errors.Is(err, pgx.ErrNoRows) {
			return payerr.Wrap(payerr.CodeWalletNotFound, err, "wallet %s", p.WalletID)
		}
		if err != nil {
			return fmt.Errorf("lock wallet %s: %w", p.WalletID, err)
		}
		if balance.Sub(p.Amount).LessThan(minBalance) {
			return payerr.New(payerr.CodeInsufficientBalance, "wallet %s holds %s, need %s", p.WalletID, balance, p.Amount)
		}

		entry, err = r.applyLocked(ctx, p)
		if err == nil {
			afterCommit(ctx, func() { r.invalidateBalance(context.Background(), p.WalletID) })
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Transfer debits from and credits to under one transaction, sharing one
// correlating reference so both entries join for audit. The sufficiency
// check runs on the locked source row, inside the same unit as the debit.
func (r *WalletRepo) Transfer(ctx context.Context, fromID, toID uuid.UUID, amount decimal.Decimal, actorID uuid.UUID) (debit, credit *model.LedgerEntry, err error) {
	if !amount.IsPositive() {
		return nil, nil, payerr.New(payerr.CodeInvalidAmount, "transfer amount must be positive, got %s", amount)
	}
	ref := uuid.NewString()

	err = r.atomic.WithinTx(ctx, func(ctx context.Context) error {
		db := dbFrom(ctx, r.db)

		var balance decimal.Decimal
		scanErr := db.QueryRow(ctx, `SELECT balance FROM wallets WHERE id = $1 FOR UPDATE`, fromID).Scan(&balance)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return payerr.Wrap(payerr.CodeWalletNotFound, scanErr, "wallet %s", fromID)
		}
		if scanErr != nil {
			return fmt.Errorf("lock source wallet: %w", scanErr)
		}
		if balance.LessThan(amount) {
			return payerr.New(payerr.CodeInsufficientBalance, "wallet %s holds %s, need %s", fromID, balance, amount)
		}

		debit, scanErr = r.applyLocked(ctx, EntryParams{
			WalletID: fromID, Amount: amount, Direction: model.DirectionDebit,
			ReferenceType: model.RefTransfer, ReferenceID: ref, ActorID: actorID,
		})
		if scanErr != nil {
			return scanErr
		}
		credit, scanErr = r.applyLocked(ctx, EntryParams{
			WalletID: toID, Amount: amount, Direction: model.DirectionCredit,
			ReferenceType: model.RefTransfer, ReferenceID: ref, ActorID: actorID,
		})
		if scanErr == nil {
			afterCommit(ctx, func() {
				r.invalidateBalance(context.Background(), fromID)
				r.invalidateBalance(context.Background(), toID)
			})
		}
		return scanErr
	})
	if err != nil {
		return nil, nil, err
	}
	return debit, credit, nil
}

// BalanceOf reads the current balance, via the Redis read cache when warm.
// Postgres stays authoritative; the cache is dropped on every mutation.
func (r *WalletRepo) BalanceOf(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	key := balanceKey(walletID)
	if r.rdb != nil {
		if cached, err := r.rdb.Get(ctx, key).Result(); err == nil {
			if d, perr := decimal.NewFromString(cached); perr == nil {
				return d, nil
			}
		}
	}

	var balance decimal.Decimal
	err := r.db.QueryRow(ctx, `SELECT balance FROM wallets WHERE id = $1`, walletID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, payerr.Wrap(payerr.CodeWalletNotFound, err, "wallet %s", walletID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("query balance: %w", err)
	}

	if r.rdb != nil {
		if err := r.rdb.Set(ctx, key, balance.String(), 5*time.Minute).Err(); err != nil {
			slog.Warn("wallet: balance cache write failed", "wallet_id", walletID, "error", err)
		}
	}
	return balance, nil
}

// WalletFor resolves the user's wallet for a purpose.
func (r *WalletRepo) WalletFor(ctx context.Context, userID uuid.UUID, purpose model.WalletPurpose) (*model.Wallet, error) {
	db := dbFrom(ctx, r.db)
	var w model.Wallet
	err := db.QueryRow(ctx,
		`SELECT id, user_id, purpose, balance, min_balance, max_balance, last_activity_at, created_at
		   FROM wallets WHERE user_id = $1 AND purpose = $2`,
		userID, purpose).Scan(
		&w.ID, &w.UserID, &w.Purpose, &w.Balance, &w.MinBalance, &w.MaxBalance,
		&w.LastActivityAt, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payerr.Wrap(payerr.CodeWalletNotFound, err, "user %s has no %s wallet", userID, purpose)
	}
	if err != nil {
		return nil, fmt.Errorf("query wallet: %w", err)
	}
	return &w, nil
}

// ProvisionWallets creates the three purpose wallets at onboarding.
// Safe to call again for the same user.
func (r *WalletRepo) ProvisionWallets(ctx context.Context, userID uuid.UUID) error {
	return r.atomic.WithinTx(ctx, func(ctx context.Context) error {
		db := dbFrom(ctx, r.db)
		for _, purpose := range model.Purposes {
			_, err := db.Exec(ctx,
				`INSERT INTO wallets (id, user_id, purpose, balance, min_balance, last_activity_at, created_at)
				 VALUES ($1, $2, $3, 0, 0, now(), now())
				 ON CONFLICT (user_id, purpose) DO NOTHING`,
				uuid.New(), userID, purpose)
			if err != nil {
				return fmt.Errorf("provision %s wallet: %w", purpose, err)
			}
		}
		return nil
	})
}

// ListEntries returns the newest ledger entries for a wallet.
func (r *WalletRepo) ListEntries(ctx context.Context, walletID uuid.UUID, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, wallet_id, direction, amount, balance_before, balance_after,
		        reference_type, reference_id, actor_id, outcome, created_at
		   FROM wallet_ledger WHERE wallet_id = $1
		  ORDER BY created_at DESC LIMIT $2`,
		walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.WalletID, &e.Direction, &e.Amount,
			&e.BalanceBefore, &e.BalanceAfter, &e.ReferenceType, &e.ReferenceID,
			&e.ActorID, &e.Outcome, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *WalletRepo) invalidateBalance(ctx context.Context, walletID uuid.UUID) {
	if r.rdb == nil {
		return
	}
	if err := r.rdb.Del(ctx, balanceKey(walletID)).Err(); err != nil {
		slog.Warn("wallet: balance cache invalidation failed", "wallet_id", walletID, "error", err)
	}
}

func balanceKey(walletID uuid.UUID) string {
	return "wallet:balance:" + walletID.String()
}
