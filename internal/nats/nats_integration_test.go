//go:build integration

package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gridcredit/accounting/internal/accounting"
	"github.com/gridcredit/accounting/internal/config"
)

func setupNATSContainer(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	natsContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2-alpine",
			ExposedPorts: []string{"4222/tcp"},
			Cmd:          []string{"--jetstream", "--store_dir", "/data"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { natsContainer.Terminate(ctx) })

	host, _ := natsContainer.Host(ctx)
	port, _ := natsContainer.MappedPort(ctx, "4222")

	client, err := NewClient(ctx, config.NATSConfig{
		URL: fmt.Sprintf("nats://%s:%s", host, port.Port()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client
}

func TestNATSPublishConsume(t *testing.T) {
	client := setupNATSContainer(t)
	ctx := context.Background()

	publisher := NewPublisher(client.JetStream())
	consumerMgr := NewConsumerManager(client.JetStream())

	t.Run("project created reaches durable consumer", func(t *testing.T) {
		consumer, err := consumerMgr.EnsureConsumer(ctx, StreamProjects, "test-filler", SubjectProjectCreated)
		require.NoError(t, err)

		require.NoError(t, publisher.PublishProjectEvent(ctx, ProjectEvent{
			ProjectID:           "p-hippo",
			Title:               "Provider hippo",
			PersonalProviderFor: "hippo",
			EventType:           ProjectCreated,
			ModifiedAt:          time.Now().UTC(),
		}))
		require.NoError(t, publisher.PublishProjectEvent(ctx, ProjectEvent{
			ProjectID: "p-other",
			EventType: ProjectUpdated,
		}))

		msgs, err := consumer.Fetch(2, jetstream.FetchMaxWait(5*time.Second))
		require.NoError(t, err)

		var received []ProjectEvent
		for m := range msgs.Messages() {
			var e ProjectEvent
			require.NoError(t, json.Unmarshal(m.Data(), &e))
			received = append(received, e)
			_ = m.Ack()
		}
		require.Len(t, received, 1)
		assert.Equal(t, "p-hippo", received[0].ProjectID)
		assert.Equal(t, "hippo", received[0].PersonalProviderFor)
	})

	t.Run("ordered consumer sees new transactions", func(t *testing.T) {
		consumer, err := consumerMgr.OrderedConsumer(ctx, StreamTransactions, SubjectTransactionCommitted)
		require.NoError(t, err)

		err = publisher.PublishTransactions(ctx, []accounting.Transaction{{
			Type: accounting.TransactionGifted,
			Wallet: accounting.WalletKey{
				Owner:    accounting.Owner{ID: "alice", Type: accounting.OwnerUser},
				Category: accounting.CategoryID{Provider: "hippo", Name: "cpu"},
			},
			Change:      100,
			InitiatedBy: "admin",
		}})
		require.NoError(t, err)

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		require.NoError(t, err)

		var received TransactionEvent
		for m := range msgs.Messages() {
			require.NoError(t, json.Unmarshal(m.Data(), &received))
		}
		assert.Equal(t, "alice", received.OwnerID)
		assert.Equal(t, int64(100), received.Change)
	})
}
