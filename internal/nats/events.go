package nats

import (
	"time"

	"github.com/google/uuid"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// Stream names.
const (
	StreamProjects     = "ACCOUNTING_PROJECTS"
	StreamProducts     = "ACCOUNTING_PRODUCTS"
	StreamTransactions = "ACCOUNTING_TRANSACTIONS"
)

// Subject constants.
const (
	SubjectProjectCreated       = "accounting.projects.created"
	SubjectProjectUpdated       = "accounting.projects.updated"
	SubjectProjectAll           = "accounting.projects.>"
	SubjectProductPublished     = "accounting.products.published"
	SubjectTransactionCommitted = "accounting.transactions.committed"
)

// Project event types.
const (
	ProjectCreated = "created"
	ProjectUpdated = "updated"
)

// ProjectEvent is published whenever a project is created or its metadata
// changes.
type ProjectEvent struct {
	ProjectID           string    `json:"project_id"`
	ParentID            string    `json:"parent_id,omitempty"`
	Title               string    `json:"title"`
	PersonalProviderFor string    `json:"personal_provider_for,omitempty"`
	EventType           string    `json:"event_type"`
	ModifiedAt          time.Time `json:"modified_at"`
}

// ProductEvent is published when a provider publishes a product category.
type ProductEvent struct {
	Provider    string    `json:"provider"`
	Category    string    `json:"category"`
	ProductType string    `json:"product_type"`
	Timestamp   time.Time `json:"timestamp"`
}

// TransactionEvent mirrors one committed ledger transaction.
type TransactionEvent struct {
	ID          uuid.UUID `json:"id"`
	Type        string    `json:"type"`
	OwnerType   string    `json:"owner_type"`
	OwnerID     string    `json:"owner_id"`
	Provider    string    `json:"provider"`
	Category    string    `json:"category"`
	Change      int64     `json:"change"`
	Reference   string    `json:"reference,omitempty"`
	InitiatedBy string    `json:"initiated_by"`
	CreatedAt   time.Time `json:"created_at"`
}
