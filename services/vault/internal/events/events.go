// Package events defines the Kafka payloads the vault service and ledger
// node exchange, and the publishers that emit them.
package events

import (
	"context"
	"fmt"
	"strconv"

	"github.com/AfshinJalili/collateral/libs/kafka"
	"github.com/AfshinJalili/collateral/services/vault/internal/ledger"
	"github.com/google/uuid"
)

const (
	LedgerEventType     = "vault.ledger.event"
	BalanceUpdatedType  = "vault.balance.updated"
	DefaultLedgerTopic  = "vault.ledger.events"
	DefaultBalanceTopic = "vault.balance.updated"
	eventVersion        = 1
)

// LedgerEvent is one committed ledger transition.
type LedgerEvent struct {
	kafka.Envelope
	Signature string       `json:"signature"`
	Slot      uint64       `json:"slot"`
	Event     ledger.Event `json:"event"`
}

// BalanceUpdated notifies subscribers of an owner's new available balance.
type BalanceUpdated struct {
	kafka.Envelope
	Owner            uuid.UUID `json:"owner"`
	AvailableBalance uint64    `json:"available_balance"`
	Signature        string    `json:"signature,omitempty"`
}

// LedgerSink publishes ledger confirmations. It satisfies ledger.EventSink.
type LedgerSink struct {
	publisher kafka.Publisher
	topic     string
}

func NewLedgerSink(publisher kafka.Publisher, topic string) *LedgerSink {
	if topic == "" {
		topic = DefaultLedgerTopic
	}
	return &LedgerSink{publisher: publisher, topic: topic}
}

func (s *LedgerSink) PublishConfirmation(ctx context.Context, conf ledger.Confirmation) error {
	env, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID(LedgerEventType, conf.Signature),
		LedgerEventType, eventVersion, conf.Signature,
	)
	if err != nil {
		return err
	}
	event := LedgerEvent{Envelope: env, Signature: conf.Signature, Slot: conf.Slot, Event: conf.Event}
	if _, _, err := s.publisher.PublishJSON(ctx, s.topic, conf.Event.Owner.String(), event); err != nil {
		return fmt.Errorf("publish ledger event: %w", err)
	}
	return nil
}

// BalancePublisher emits BalanceUpdated notifications.
type BalancePublisher struct {
	publisher kafka.Publisher
	topic     string
}

func NewBalancePublisher(publisher kafka.Publisher, topic string) *BalancePublisher {
	if topic == "" {
		topic = DefaultBalanceTopic
	}
	return &BalancePublisher{publisher: publisher, topic: topic}
}

func (p *BalancePublisher) PublishBalanceUpdated(ctx context.Context, owner uuid.UUID, available uint64, signature string) error {
	env, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID(BalanceUpdatedType, owner.String(), signature, strconv.FormatUint(available, 10)),
		BalanceUpdatedType, eventVersion, signature,
	)
	if err != nil {
		return err
	}
	msg := BalanceUpdated{Envelope: env, Owner: owner, AvailableBalance: available, Signature: signature}
	if _, _, err := p.publisher.PublishJSON(ctx, p.topic, owner.String(), msg); err != nil {
		return fmt.Errorf("publish balance update: %w", err)
	}
	return nil
}
