package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"payflow/internal/model"
	"payflow/internal/payerr"
)

// IdempotencyRepo maps (user, external reference) to the single internal
// reference generated for it. The Postgres unique constraint is the
// authoritative defense against duplicate submission; Redis only short-cuts
// the common replay before it reaches the database.
type IdempotencyRepo struct {
	db  *pgxpool.Pool
	rdb *redis.Client
}

func NewIdempotencyRepo(db *pgxpool.Pool, rdb *redis.Client) *IdempotencyRepo {
	return &IdempotencyRepo{db: db, rdb: rdb}
}

// CheckDuplicate returns the existing record for (user, externalRef), or nil.
func (r *IdempotencyRepo) CheckDuplicate(ctx context.Context, userID uuid.UUID, externalRef string) (*model.IdempotencyRecord, error) {
	db := dbFrom(ctx, r.db)
	var rec model.IdempotencyRecord
	err := db.QueryRow(ctx,
		`SELECT id, user_id, external_ref, internal_ref, amount, status, created_at
		   FROM idempotency_records WHERE user_id = $1 AND external_ref = $2`,
		userID, externalRef).Scan(
		&rec.ID, &rec.UserID, &rec.ExternalRef, &rec.InternalRef,
		&rec.Amount, &rec.Status, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check idempotency: %w", err)
	}
	return &rec, nil
}

// Reserve creates an ACTIVE record with a freshly generated internal
// reference. Runs against the context transaction when one is open, so a
// rolled back workflow releases the reservation with it. A unique-constraint
// violation is the expected failure mode under concurrent duplicate
// submission and maps to DuplicateRequest.
func (r *IdempotencyRepo) Reserve(ctx context.Context, userID uuid.UUID, externalRef string, amount decimal.Decimal) (*model.IdempotencyRecord, error) {
	if r.rdb != nil {
		// Read-only fast-path: the key is written only after the record
		// is durable, so a hit here is a known replay. The unique
		// constraint stays the real guard.
		hit, err := r.rdb.Exists(ctx, idemKey(userID, externalRef)).Result()
		if err != nil {
			slog.Warn("idempotency: redis fast-path unavailable", "error", err)
		} else if hit > 0 {
			return nil, payerr.New(payerr.CodeDuplicateRequest, "external ref %q already submitted", externalRef)
		}
	}

	rec := &model.IdempotencyRecord{
		ID:          uuid.New(),
		UserID:      userID,
		ExternalRef: externalRef,
		InternalRef: newInternalRef(),
		Amount:      amount,
		Status:      model.IdemActive,
		CreatedAt:   time.Now().UTC(),
	}

	db := dbFrom(ctx, r.db)
	_, err := db.Exec(ctx,
		`INSERT INTO idempotency_records (id, user_id, external_ref, internal_ref, amount, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.ID, rec.UserID, rec.ExternalRef, rec.InternalRef, rec.Amount, rec.Status, rec.CreatedAt)
	if isUniqueViolation(err) {
		return nil, payerr.Wrap(payerr.CodeDuplicateRequest, err, "external ref %q already submitted", externalRef)
	}
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency record: %w", err)
	}

	// Populate the replay fast-path only once the insert is committed.
	// Inside a workflow transaction this runs after commit; a rollback
	// leaves no key behind and the external ref stays usable.
	afterCommit(ctx, func() { r.cacheReservation(userID, externalRef) })
	return rec, nil
}

func (r *IdempotencyRepo) cacheReservation(userID uuid.UUID, externalRef string) {
	if r.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.rdb.Set(ctx, idemKey(userID, externalRef), 1, 24*time.Hour).Err(); err != nil {
		slog.Warn("idempotency: fast-path cache write failed", "external_ref", externalRef, "error", err)
	}
}

// Consume flips the record ACTIVE → USED. Called exactly once, when the
// guarded transaction reaches a terminal outcome. Not reversible.
func (r *IdempotencyRepo) Consume(ctx context.Context, recordID uuid.UUID) error {
	db := dbFrom(ctx, r.db)
	tag, err := db.Exec(ctx,
		`UPDATE idempotency_records SET status = $1 WHERE id = $2 AND status = $3`,
		model.IdemUsed, recordID, model.IdemActive)
	if err != nil {
		return fmt.Errorf("consume idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		slog.Warn("idempotency: consume on non-active record", "record_id", recordID)
	}
	return nil
}

// ByInternalRef resolves a record from the engine-generated reference.
func (r *IdempotencyRepo) ByInternalRef(ctx context.Context, internalRef string) (*model.IdempotencyRecord, error) {
	db := dbFrom(ctx, r.db)
	var rec model.IdempotencyRecord
	err := db.QueryRow(ctx,
		`SELECT id, user_id, external_ref, internal_ref, amount, status, created_at
		   FROM idempotency_records WHERE internal_ref = $1`,
		internalRef).Scan(
		&rec.ID, &rec.UserID, &rec.ExternalRef, &rec.InternalRef,
		&rec.Amount, &rec.Status, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup by internal ref: %w", err)
	}
	return &rec, nil
}

func idemKey(userID uuid.UUID, externalRef string) string {
	return fmt.Sprintf("idem:%s:%s", userID, externalRef)
}

// newInternalRef generates the engine's transaction reference. UUIDs keep
// it unguessable; the caller-facing id stays their externalRef throughout.
func newInternalRef() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "TXN" + time.Now().UTC().Format("20060102") + strings.ToUpper(raw[:12])
}
