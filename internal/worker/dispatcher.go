package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"payflow/internal/model"
)

// CallbackStore is the slice of persistence the dispatcher needs.
type CallbackStore interface {
	ActiveConfigFor(ctx context.Context, userID uuid.UUID) (*model.CallbackConfig, error)
	LogDelivery(ctx context.Context, transactionID uuid.UUID, status model.CallbackStatus, detail string) error
}

// Dispatcher delivers resolved-transaction notifications to the user's
// registered endpoint. Delivery failures are logged, never re-raised:
// notification is decoupled from settlement correctness.
type Dispatcher struct {
	store  CallbackStore
	client *http.Client
}

func NewDispatcher(store CallbackStore, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: timeout},
	}
}

// callbackPayload is what the user's endpoint receives. It carries the
// caller's original external reference, never engine-internal identifiers.
type callbackPayload struct {
	UniqueID  string `json:"unique_id"`
	Kind      string `json:"transaction_type"`
	Status    string `json:"status"`
	Amount    string `json:"amount"`
	VendorRef string `json:"utr,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Dispatch looks up the user's active callback endpoint and POSTs the
// outcome. A missing configuration is a SKIPPED outcome, not a failure.
func (d *Dispatcher) Dispatch(ctx context.Context, event model.ResolvedEvent) error {
	cfg, err := d.store.ActiveConfigFor(ctx, event.UserID)
	if err != nil {
		return fmt.Errorf("lookup callback config: %w", err)
	}
	if cfg == nil {
		return d.store.LogDelivery(ctx, event.TransactionID, model.CallbackSkipped, "no active callback configuration")
	}

	payload := callbackPayload{
		UniqueID:  event.ExternalRef,
		Kind:      string(event.Kind),
		Status:    string(event.Status),
		Amount:    event.Amount.StringFixed(2),
		VendorRef: event.VendorRef,
		Timestamp: event.ResolvedAt.UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return d.store.LogDelivery(ctx, event.TransactionID, model.CallbackFailed, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		slog.Warn("callback delivery failed", "transaction_id", event.TransactionID, "url", cfg.URL, "error", err)
		return d.store.LogDelivery(ctx, event.TransactionID, model.CallbackFailed, err.Error())
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		detail := fmt.Sprintf("status %d: %s", resp.StatusCode, respBody)
		slog.Warn("callback rejected by endpoint", "transaction_id", event.TransactionID, "status", resp.StatusCode)
		return d.store.LogDelivery(ctx, event.TransactionID, model.CallbackFailed, detail)
	}

	return d.store.LogDelivery(ctx, event.TransactionID, model.CallbackCompleted, string(respBody))
}
