package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"payflow/internal/model"
)

// CallbackRepo reads users' outbound-webhook configurations and records
// delivery outcomes.
type CallbackRepo struct {
	db *pgxpool.Pool
}

func NewCallbackRepo(db *pgxpool.Pool) *CallbackRepo {
	return &CallbackRepo{db: db}
}

// ActiveConfigFor returns the user's active callback endpoint, or nil when
// none is registered. No config is not an error; delivery is skipped.
func (r *CallbackRepo) ActiveConfigFor(ctx context.Context, userID uuid.UUID) (*model.CallbackConfig, error) {
	var c model.CallbackConfig
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, url, active FROM callback_configs
		  WHERE user_id = $1 AND active LIMIT 1`,
		userID).Scan(&c.ID, &c.UserID, &c.URL, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query callback config: %w", err)
	}
	return &c, nil
}

// LogDelivery records one delivery attempt and its outcome.
func (r *CallbackRepo) LogDelivery(ctx context.Context, transactionID uuid.UUID, status model.CallbackStatus, detail string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO callback_logs (id, transaction_id, status, detail, created_at)
		 VALUES ($1,$2,$3,$4,now())`,
		uuid.New(), transactionID, status, detail)
	if err != nil {
		return fmt.Errorf("log callback delivery: %w", err)
	}
	return nil
}
