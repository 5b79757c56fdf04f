package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AfshinJalili/collateral/libs/kafka"
	"github.com/AfshinJalili/collateral/services/vault/internal/account"
	"github.com/AfshinJalili/collateral/services/vault/internal/events"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// EventConsumer reconciles the owners touched by each ledger event. Events
// can arrive before the service has refreshed its own cache, so only entries
// that already include the event's slot are compared.
type EventConsumer struct {
	reconciler *Reconciler
	logger     *slog.Logger
}

func NewEventConsumer(reconciler *Reconciler, logger *slog.Logger) *EventConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventConsumer{reconciler: reconciler, logger: logger}
}

func (c *EventConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "invalid_payload")
	}
	var event events.LedgerEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode ledger event: %w", err), "invalid_payload")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_envelope")
	}

	for _, owner := range event.Event.Owners() {
		if owner == uuid.Nil {
			continue
		}
		rec, err := c.reconciler.ReconcileAfter(ctx, owner, event.Slot, event.Event.Timestamp)
		switch {
		case err == nil:
		case errors.Is(err, ErrMismatch):
			c.logger.Warn("ledger event revealed stale cache",
				"owner", owner.String(),
				"event_id", event.EventID,
				"signature", event.Signature,
				"discrepancy", rec.Discrepancy.String(),
			)
		case errors.Is(err, account.ErrAccountNotFound):
			return kafka.DLQ(err, "unknown_vault")
		default:
			return err
		}
	}
	return nil
}
