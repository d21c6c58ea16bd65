package nats

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/gridcredit/accounting/internal/accounting"
)

func TestTransactionEventFrom(t *testing.T) {
	id := uuid.New()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tx := accounting.Transaction{
		ID:   id,
		Type: accounting.TransactionTransferredToPersonal,
		Wallet: accounting.WalletKey{
			Owner:    accounting.Owner{ID: "p1", Type: accounting.OwnerProject},
			Category: accounting.CategoryID{Provider: "hippo", Name: "cpu"},
		},
		Change:      -50,
		Reference:   "J1",
		InitiatedBy: "alice",
		CreatedAt:   created,
	}

	event := TransactionEventFrom(tx)

	assert.Equal(t, TransactionEvent{
		ID:          id,
		Type:        "TRANSFERRED_TO_PERSONAL",
		OwnerType:   "PROJECT",
		OwnerID:     "p1",
		Provider:    "hippo",
		Category:    "cpu",
		Change:      -50,
		Reference:   "J1",
		InitiatedBy: "alice",
		CreatedAt:   created,
	}, event)
}
