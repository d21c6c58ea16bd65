// Package directory holds the project hierarchy and the product catalog the
// ledger resolves owners and categories against.
package directory

import (
	"context"
	"time"

	"github.com/gridcredit/accounting/internal/accounting"
)

type Project struct {
	ID                  string    `json:"id" validate:"required,max=128"`
	Title               string    `json:"title" validate:"required,max=256"`
	ParentID            string    `json:"parentId,omitempty" validate:"max=128"`
	PersonalProviderFor string    `json:"personalProviderFor,omitempty" validate:"max=128"`
	ModifiedAt          time.Time `json:"modifiedAt"`
}

// Store is implemented by Repository and Memory.
type Store interface {
	Category(ctx context.Context, id accounting.CategoryID) (accounting.ProductCategory, error)
	Categories(ctx context.Context, provider string) ([]accounting.ProductCategory, error)
	Descendants(ctx context.Context, projectID string) ([]string, error)
	Projects(ctx context.Context, ids []string) (map[string]Project, error)
	ProviderProjects(ctx context.Context, provider string) ([]Project, error)
	PersonalProviderProjects(ctx context.Context) ([]Project, error)
	SaveProject(ctx context.Context, p *Project) (created bool, err error)
	SaveCategory(ctx context.Context, c accounting.ProductCategory) error
}
