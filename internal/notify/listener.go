package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/gridcredit/accounting/internal/accounting"
	inats "github.com/gridcredit/accounting/internal/nats"
)

// EventListener turns project events from NATS into session wake-ups. Every
// replica runs its own ordered consumer so all local sessions hear every
// change.
type EventListener struct {
	consumerMgr *inats.ConsumerManager
	relevance   *accounting.RelevanceIndex
	broadcaster *Broadcaster
}

func NewEventListener(consumerMgr *inats.ConsumerManager, relevance *accounting.RelevanceIndex, broadcaster *Broadcaster) *EventListener {
	return &EventListener{
		consumerMgr: consumerMgr,
		relevance:   relevance,
		broadcaster: broadcaster,
	}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (l *EventListener) Start(ctx context.Context) error {
	consumer, err := l.consumerMgr.OrderedConsumer(ctx, inats.StreamProjects, inats.SubjectProjectAll)
	if err != nil {
		return err
	}

	slog.Info("notify: project listener started")

	for {
		msgs, err := consumer.Fetch(50, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("notify: fetching project events", "error", err)
			continue
		}

		var changed []string
		for msg := range msgs.Messages() {
			var event inats.ProjectEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				slog.Error("notify: unmarshaling project event", "error", err)
				continue
			}
			changed = append(changed, event.ProjectID)
		}
		l.apply(changed...)

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (l *EventListener) apply(projectIDs ...string) {
	if len(projectIDs) == 0 {
		return
	}
	for _, id := range projectIDs {
		l.relevance.Invalidate(accounting.Owner{ID: id, Type: accounting.OwnerProject})
	}
	l.broadcaster.Publish(projectIDs...)
	slog.Debug("notify: project changes broadcast", "count", len(projectIDs))
}
