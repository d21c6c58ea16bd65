package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gridcredit/accounting/internal/accounting"
	"github.com/gridcredit/accounting/internal/api"
	inats "github.com/gridcredit/accounting/internal/nats"
)

// Events receives directory changes after they are stored.
type Events interface {
	PublishProjectEvent(ctx context.Context, event inats.ProjectEvent) error
	PublishProductEvent(ctx context.Context, event inats.ProductEvent) error
}

type Handler struct {
	store    Store
	events   Events
	validate *validator.Validate
}

func NewHandler(store Store, events Events) *Handler {
	return &Handler{
		store:    store,
		events:   events,
		validate: validator.New(),
	}
}

type publishCategoryRequest struct {
	Provider    string `json:"provider" validate:"required,max=128"`
	Name        string `json:"name" validate:"required,max=128"`
	ProductType string `json:"productType" validate:"max=64"`
	Unit        string `json:"unit" validate:"max=64"`
	Hidden      bool   `json:"hidden"`
}

// SaveProject creates the project or replaces its metadata. The path id
// wins over the body.
func (h *Handler) SaveProject(w http.ResponseWriter, r *http.Request) {
	var p Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if id := chi.URLParam(r, "projectID"); id != "" {
		p.ID = id
	}
	if err := h.validate.Struct(p); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}
	if p.ParentID == p.ID {
		api.HandleError(w, api.NewBadRequestError("project cannot be its own parent"))
		return
	}

	created, err := h.store.SaveProject(r.Context(), &p)
	if err != nil {
		slog.Error("saving project", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	event := inats.ProjectEvent{
		ProjectID:           p.ID,
		ParentID:            p.ParentID,
		Title:               p.Title,
		PersonalProviderFor: p.PersonalProviderFor,
		EventType:           inats.ProjectUpdated,
		ModifiedAt:          p.ModifiedAt,
	}
	status := http.StatusOK
	if created {
		event.EventType = inats.ProjectCreated
		status = http.StatusCreated
	}
	if err := h.events.PublishProjectEvent(r.Context(), event); err != nil {
		slog.Error("publishing project event", "error", err, "project_id", p.ID)
	}

	api.JSON(w, status, p)
}

func (h *Handler) PublishCategory(w http.ResponseWriter, r *http.Request) {
	var req publishCategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	c := accounting.ProductCategory{
		Provider:    req.Provider,
		Name:        req.Name,
		ProductType: req.ProductType,
		Unit:        req.Unit,
		Hidden:      req.Hidden,
	}
	if err := h.store.SaveCategory(r.Context(), c); err != nil {
		slog.Error("saving category", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	event := inats.ProductEvent{
		Provider:    c.Provider,
		Category:    c.Name,
		ProductType: c.ProductType,
		Timestamp:   time.Now().UTC(),
	}
	if err := h.events.PublishProductEvent(r.Context(), event); err != nil {
		slog.Error("publishing product event", "error", err, "provider", c.Provider)
	}

	api.JSON(w, http.StatusOK, c)
}
