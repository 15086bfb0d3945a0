package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"payflow/internal/model"
	"payflow/internal/service"
)

// CallbackWorker consumes resolved-transaction events off NATS and hands
// them to the dispatcher. QueueSubscribe means one delivery per event even
// when several engine instances run.
type CallbackWorker struct {
	dispatcher *Dispatcher
	natsConn   *nats.Conn
}

func NewCallbackWorker(dispatcher *Dispatcher, nc *nats.Conn) *CallbackWorker {
	return &CallbackWorker{dispatcher: dispatcher, natsConn: nc}
}

// Start subscribes to the resolved topic and blocks until ctx is cancelled.
func (w *CallbackWorker) Start(ctx context.Context) error {
	sub, err := w.natsConn.QueueSubscribe(service.TopicResolved, "callback_group", func(m *nats.Msg) {
		var event model.ResolvedEvent
		if err := json.Unmarshal(m.Data, &event); err != nil {
			slog.Error("callback worker: failed to unmarshal event", "error", err)
			return
		}

		if err := w.dispatcher.Dispatch(ctx, event); err != nil {
			slog.Error("callback worker: dispatch failed",
				"transaction_id", event.TransactionID,
				"external_ref", event.ExternalRef,
				"error", err,
			)
			return
		}

		slog.Info("callback worker: event dispatched",
			"transaction_id", event.TransactionID,
			"status", event.Status,
		)
	})
	if err != nil {
		return fmt.Errorf("callback worker: failed to subscribe: %w", err)
	}

	slog.Info("callback worker is running")

	<-ctx.Done()

	slog.Info("callback worker shutting down, draining subscription...")
	return sub.Drain()
}

// Stop implements the infrastructure.Server interface (shutdown is via ctx).
func (w *CallbackWorker) Stop(ctx context.Context) error { return nil }
