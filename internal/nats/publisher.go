package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/gridcredit/accounting/internal/accounting"
)

// Publisher provides typed methods for publishing events to NATS JetStream.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishProjectEvent publishes a project lifecycle event.
func (p *Publisher) PublishProjectEvent(ctx context.Context, event ProjectEvent) error {
	subject := SubjectProjectUpdated
	if event.EventType == ProjectCreated {
		subject = SubjectProjectCreated
	}
	return p.publish(ctx, subject, event)
}

// PublishProductEvent publishes a product publication.
func (p *Publisher) PublishProductEvent(ctx context.Context, event ProductEvent) error {
	return p.publish(ctx, SubjectProductPublished, event)
}

// PublishTransactions publishes one event per committed transaction. It
// stops at the first failure.
func (p *Publisher) PublishTransactions(ctx context.Context, txs []accounting.Transaction) error {
	for _, t := range txs {
		if err := p.publish(ctx, SubjectTransactionCommitted, TransactionEventFrom(t)); err != nil {
			return err
		}
	}
	return nil
}

// TransactionEventFrom converts a ledger transaction to its wire event.
func TransactionEventFrom(t accounting.Transaction) TransactionEvent {
	return TransactionEvent{
		ID:          t.ID,
		Type:        string(t.Type),
		OwnerType:   string(t.Wallet.Owner.Type),
		OwnerID:     t.Wallet.Owner.ID,
		Provider:    t.Wallet.Category.Provider,
		Category:    t.Wallet.Category.Name,
		Change:      t.Change,
		Reference:   t.Reference,
		InitiatedBy: t.InitiatedBy,
		CreatedAt:   t.CreatedAt,
	}
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	_, err = p.js.Publish(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
