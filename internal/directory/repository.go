package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridcredit/accounting/internal/accounting"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Category(ctx context.Context, id accounting.CategoryID) (accounting.ProductCategory, error) {
	c := accounting.ProductCategory{Provider: id.Provider, Name: id.Name}
	err := r.pool.QueryRow(ctx, `
		SELECT product_type, unit, hidden
		FROM product_categories
		WHERE provider = $1 AND name = $2`,
		id.Provider, id.Name).Scan(&c.ProductType, &c.Unit, &c.Hidden)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return accounting.ProductCategory{}, fmt.Errorf("%w: category %s", accounting.ErrNotFound, id)
		}
		return accounting.ProductCategory{}, fmt.Errorf("querying category: %w", err)
	}
	return c, nil
}

func (r *Repository) Categories(ctx context.Context, provider string) ([]accounting.ProductCategory, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT provider, name, product_type, unit, hidden
		FROM product_categories
		WHERE provider = $1
		ORDER BY name`, provider)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	defer rows.Close()

	var out []accounting.ProductCategory
	for rows.Next() {
		var c accounting.ProductCategory
		if err := rows.Scan(&c.Provider, &c.Name, &c.ProductType, &c.Unit, &c.Hidden); err != nil {
			return nil, fmt.Errorf("scanning category: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating categories: %w", err)
	}
	return out, nil
}

// Descendants returns every project below projectID, at any depth.
func (r *Repository) Descendants(ctx context.Context, projectID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		WITH RECURSIVE tree AS (
			SELECT id FROM projects WHERE parent_id = $1
			UNION
			SELECT p.id FROM projects p JOIN tree t ON p.parent_id = t.id
		)
		SELECT id FROM tree ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying sub-projects: %w", err)
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collecting sub-projects: %w", err)
	}
	return ids, nil
}

// Projects looks up several projects at once. Unknown ids are absent from
// the result.
func (r *Repository) Projects(ctx context.Context, ids []string) (map[string]Project, error) {
	out := make(map[string]Project, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, projectSelect+` WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	projects, err := collectProjects(rows)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		out[p.ID] = p
	}
	return out, nil
}

func (r *Repository) ProviderProjects(ctx context.Context, provider string) ([]Project, error) {
	rows, err := r.pool.Query(ctx, projectSelect+` WHERE personal_provider_for = $1 ORDER BY id`, provider)
	if err != nil {
		return nil, fmt.Errorf("querying provider projects: %w", err)
	}
	return collectProjects(rows)
}

func (r *Repository) PersonalProviderProjects(ctx context.Context) ([]Project, error) {
	rows, err := r.pool.Query(ctx, projectSelect+` WHERE personal_provider_for IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying personal provider projects: %w", err)
	}
	return collectProjects(rows)
}

// SaveProject inserts or updates a project and stamps ModifiedAt.
func (r *Repository) SaveProject(ctx context.Context, p *Project) (bool, error) {
	var created bool
	err := r.pool.QueryRow(ctx, `
		INSERT INTO projects (id, title, parent_id, personal_provider_for, modified_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NOW())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			parent_id = EXCLUDED.parent_id,
			personal_provider_for = EXCLUDED.personal_provider_for,
			modified_at = NOW()
		RETURNING modified_at, (xmax = 0)`,
		p.ID, p.Title, p.ParentID, p.PersonalProviderFor).Scan(&p.ModifiedAt, &created)
	if err != nil {
		return false, fmt.Errorf("saving project: %w", err)
	}
	return created, nil
}

func (r *Repository) SaveCategory(ctx context.Context, c accounting.ProductCategory) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO product_categories (provider, name, product_type, unit, hidden)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, name) DO UPDATE SET hidden = EXCLUDED.hidden`,
		c.Provider, c.Name, c.ProductType, c.Unit, c.Hidden)
	if err != nil {
		return fmt.Errorf("saving category: %w", err)
	}
	return nil
}

const projectSelect = `
	SELECT id, title, COALESCE(parent_id, ''), COALESCE(personal_provider_for, ''), modified_at
	FROM projects`

func collectProjects(rows pgx.Rows) ([]Project, error) {
	defer rows.Close()
	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Title, &p.ParentID, &p.PersonalProviderFor, &p.ModifiedAt); err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating projects: %w", err)
	}
	return out, nil
}
