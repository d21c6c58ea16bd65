// Package filler keeps personal provider projects stocked with a baseline
// wallet for every category their provider offers.
package filler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/gridcredit/accounting/internal/config"
	"github.com/gridcredit/accounting/internal/directory"
	"github.com/gridcredit/accounting/internal/metrics"
	inats "github.com/gridcredit/accounting/internal/nats"
)

type Ledger interface {
	FillUpPersonalProviderProject(ctx context.Context, projectID, provider string, baseline int64) (int, error)
}

type Projects interface {
	ProviderProjects(ctx context.Context, provider string) ([]directory.Project, error)
	PersonalProviderProjects(ctx context.Context) ([]directory.Project, error)
}

type Filler struct {
	ledger      Ledger
	projects    Projects
	consumerMgr *inats.ConsumerManager
	cfg         config.FillerConfig
}

func New(ledger Ledger, projects Projects, consumerMgr *inats.ConsumerManager, cfg config.FillerConfig) *Filler {
	return &Filler{
		ledger:      ledger,
		projects:    projects,
		consumerMgr: consumerMgr,
		cfg:         cfg,
	}
}

// Start waits out the warm-up delay, fills every existing provider project,
// then follows project and product events. Blocks until ctx is cancelled.
func (f *Filler) Start(ctx context.Context) error {
	projectConsumer, err := f.consumerMgr.EnsureConsumer(ctx, inats.StreamProjects, "accounting-filler-projects", inats.SubjectProjectCreated)
	if err != nil {
		return err
	}
	productConsumer, err := f.consumerMgr.EnsureConsumer(ctx, inats.StreamProducts, "accounting-filler-products", inats.SubjectProductPublished)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(f.cfg.WarmupDelay):
	}

	if n, err := f.FillAll(ctx); err != nil {
		slog.Error("filler: initial fill", "error", err)
	} else {
		slog.Info("filler: initial fill done", "wallets_created", n)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.consume(ctx, productConsumer, f.handleProductMsg)
	}()
	f.consume(ctx, projectConsumer, f.handleProjectMsg)
	<-done
	return nil
}

// FillAll runs the fill for every personal provider project.
func (f *Filler) FillAll(ctx context.Context) (int, error) {
	projects, err := f.projects.PersonalProviderProjects(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing provider projects: %w", err)
	}
	total := 0
	for _, p := range projects {
		n, err := f.fill(ctx, p.ID, p.PersonalProviderFor)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// HandleProjectEvent fills a newly created provider project.
func (f *Filler) HandleProjectEvent(ctx context.Context, event inats.ProjectEvent) error {
	if event.EventType != inats.ProjectCreated || event.PersonalProviderFor == "" {
		return nil
	}
	_, err := f.fill(ctx, event.ProjectID, event.PersonalProviderFor)
	return err
}

// HandleProductEvent fills every project of the publishing provider.
func (f *Filler) HandleProductEvent(ctx context.Context, event inats.ProductEvent) error {
	projects, err := f.projects.ProviderProjects(ctx, event.Provider)
	if err != nil {
		return fmt.Errorf("listing projects of %s: %w", event.Provider, err)
	}
	for _, p := range projects {
		if _, err := f.fill(ctx, p.ID, event.Provider); err != nil {
			return err
		}
	}
	return nil
}

func (f *Filler) fill(ctx context.Context, projectID, provider string) (int, error) {
	n, err := f.ledger.FillUpPersonalProviderProject(ctx, projectID, provider, f.cfg.BaselineCredits)
	if err != nil {
		return 0, fmt.Errorf("filling %s for %s: %w", projectID, provider, err)
	}
	if n > 0 {
		metrics.FillerWalletsCreatedTotal.Add(float64(n))
		slog.Info("filler: created baseline wallets", "project_id", projectID, "provider", provider, "count", n)
	}
	return n, nil
}

func (f *Filler) consume(ctx context.Context, consumer jetstream.Consumer, handle func(context.Context, jetstream.Msg)) {
	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("filler: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			handle(ctx, msg)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (f *Filler) handleProjectMsg(ctx context.Context, msg jetstream.Msg) {
	var event inats.ProjectEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		slog.Error("filler: unmarshaling project event", "error", err)
		_ = msg.Term()
		return
	}
	if err := f.HandleProjectEvent(ctx, event); err != nil {
		slog.Error("filler: handling project event", "error", err, "project_id", event.ProjectID)
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

func (f *Filler) handleProductMsg(ctx context.Context, msg jetstream.Msg) {
	var event inats.ProductEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		slog.Error("filler: unmarshaling product event", "error", err)
		_ = msg.Term()
		return
	}
	if err := f.HandleProductEvent(ctx, event); err != nil {
		slog.Error("filler: handling product event", "error", err, "provider", event.Provider)
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}
