package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"payflow/internal/model"
	"payflow/internal/payerr"
)

// SchemeRepo reads pricing configuration: schemes, tiered charges and
// vendor API configurations. All rows are admin-managed elsewhere; this
// engine only reads them.
type SchemeRepo struct {
	db *pgxpool.Pool
}

func NewSchemeRepo(db *pgxpool.Pool) *SchemeRepo {
	return &SchemeRepo{db: db}
}

// ActiveSchemeFor returns the user's active scheme for a product.
func (r *SchemeRepo) ActiveSchemeFor(ctx context.Context, userID uuid.UUID, product model.TransactionKind) (*model.Scheme, error) {
	db := dbFrom(ctx, r.db)
	var s model.Scheme
	err := db.QueryRow(ctx,
		`SELECT s.id, s.name, s.product, s.min_amount, s.max_amount, s.active, s.created_at
		   FROM schemes s
		   JOIN user_schemes us ON us.scheme_id = s.id
		  WHERE us.user_id = $1 AND s.product = $2 AND us.active AND s.active
		  LIMIT 1`,
		userID, product).Scan(
		&s.ID, &s.Name, &s.Product, &s.MinAmount, &s.MaxAmount, &s.Active, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		code := payerr.CodeNoPayinScheme
		if product == model.KindPayout {
			code = payerr.CodeNoPayoutScheme
		}
		return nil, payerr.Wrap(code, err, "user %s has no active %s scheme", userID, product)
	}
	if err != nil {
		return nil, fmt.Errorf("query active scheme: %w", err)
	}
	return &s, nil
}

// ChargesFor returns the active charge tiers for a scheme and API config,
// ordered so the lowest tier matches first (ties break deterministically).
func (r *SchemeRepo) ChargesFor(ctx context.Context, schemeID, apiConfigID uuid.UUID) ([]model.SchemeCharge, error) {
	db := dbFrom(ctx, r.db)
	rows, err := db.Query(ctx,
		`SELECT id, scheme_id, api_config_id, min_amount, max_amount,
		        charge_type, charge_value, gst_percent, tds_percent, active
		   FROM scheme_charges
		  WHERE scheme_id = $1 AND api_config_id = $2 AND active
		  ORDER BY min_amount ASC NULLS FIRST, id ASC`,
		schemeID, apiConfigID)
	if err != nil {
		return nil, fmt.Errorf("query scheme charges: %w", err)
	}
	defer rows.Close()

	var charges []model.SchemeCharge
	for rows.Next() {
		var c model.SchemeCharge
		if err := rows.Scan(&c.ID, &c.SchemeID, &c.ApiConfigID, &c.MinAmount, &c.MaxAmount,
			&c.ChargeType, &c.ChargeValue, &c.GSTPercent, &c.TDSPercent, &c.Active); err != nil {
			return nil, err
		}
		charges = append(charges, c)
	}
	return charges, rows.Err()
}

// DefaultApiConfig returns the product's default active vendor configuration.
func (r *SchemeRepo) DefaultApiConfig(ctx context.Context, product model.TransactionKind) (*model.ApiConfig, error) {
	db := dbFrom(ctx, r.db)
	var c model.ApiConfig
	err := db.QueryRow(ctx,
		`SELECT id, product, label, is_default, active
		   FROM api_configs
		  WHERE product = $1 AND is_default AND active
		  LIMIT 1`,
		product).Scan(&c.ID, &c.Product, &c.Label, &c.IsDefault, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payerr.Wrap(payerr.CodeNoApiConfig, err, "no default active %s api config", product)
	}
	if err != nil {
		return nil, fmt.Errorf("query api config: %w", err)
	}
	return &c, nil
}
