package accounting

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/gridcredit/accounting/internal/api"
	"github.com/gridcredit/accounting/internal/auth"
)

type Handler struct {
	ledger   *Ledger
	validate *validator.Validate
}

func NewHandler(ledger *Ledger) *Handler {
	return &Handler{
		ledger:   ledger,
		validate: validator.New(),
	}
}

type bulkRequest[T any] struct {
	Items []T `json:"items" validate:"required,min=1,max=1000,dive"`
}

type retrieveWalletsRequest struct {
	ProjectIDs []string `json:"projectIds" validate:"required,max=1000,dive,required"`
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	req := RetrieveBalanceRequest{
		ID:              q.Get("id"),
		Type:            q.Get("type"),
		IncludeChildren: queryBool(q.Get("includeChildren")),
		ShowHidden:      queryBool(q.Get("showHidden")),
	}

	wallets, err := h.ledger.RetrieveBalance(r.Context(), actor, req)
	if err != nil {
		handleLedgerError(w, "retrieving balance", err)
		return
	}
	api.JSON(w, http.StatusOK, RetrieveBalanceResponse{Wallets: wallets})
}

func (h *Handler) AddCredits(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req AddToBalanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.ledger.AddToBalance(r.Context(), actor, req); err != nil {
		handleLedgerError(w, "adding credits", err)
		return
	}
	api.JSONMessage(w, http.StatusOK, "credits added")
}

func (h *Handler) AddCreditsBulk(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req bulkRequest[AddToBalanceRequest]
	if !h.decode(w, r, &req) {
		return
	}
	errs := h.ledger.AddToBalanceBulk(r.Context(), actor, req.Items)
	api.JSON(w, http.StatusOK, bulkResults(errs))
}

func (h *Handler) SetBalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req SetBalanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.ledger.SetBalance(r.Context(), actor, req); err != nil {
		handleLedgerError(w, "setting balance", err)
		return
	}
	api.JSONMessage(w, http.StatusOK, "balance updated")
}

func (h *Handler) ReserveCredits(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req ReserveCreditsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.ledger.ReserveCredits(r.Context(), actor, req); err != nil {
		handleLedgerError(w, "reserving credits", err)
		return
	}
	api.JSONMessage(w, http.StatusOK, "credits reserved")
}

func (h *Handler) ReserveCreditsBulk(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req bulkRequest[ReserveCreditsRequest]
	if !h.decode(w, r, &req) {
		return
	}
	errs := h.ledger.ReserveCreditsBulk(r.Context(), actor, req.Items)
	api.JSON(w, http.StatusOK, bulkResults(errs))
}

func (h *Handler) ChargeReservation(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req ChargeReservationRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.ledger.ChargeReservation(r.Context(), actor, req); err != nil {
		handleLedgerError(w, "charging reservation", err)
		return
	}
	api.JSONMessage(w, http.StatusOK, "reservation charged")
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req TransferToPersonalRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.ledger.TransferToPersonal(r.Context(), actor, req); err != nil {
		handleLedgerError(w, "transferring credits", err)
		return
	}
	api.JSONMessage(w, http.StatusOK, "credits transferred")
}

func (h *Handler) RetrieveWallets(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req retrieveWalletsRequest
	if !h.decode(w, r, &req) {
		return
	}
	wallets, err := h.ledger.RetrieveWalletsFromProjects(r.Context(), actor, req.ProjectIDs)
	if err != nil {
		handleLedgerError(w, "retrieving project wallets", err)
		return
	}
	api.JSON(w, http.StatusOK, RetrieveBalanceResponse{Wallets: wallets})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return false
	}
	return true
}

func actorFrom(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	claims := auth.GetClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return Actor{}, false
	}
	return Actor{Username: claims.Username, Role: claims.Role}, true
}

func queryBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

// toAppError translates a ledger error into its HTTP representation. Errors
// that wrap none of the sentinels become a generic 500.
func toAppError(err error) *api.AppError {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return api.NewBadRequestError(err.Error())
	case errors.Is(err, ErrLimitExceeded):
		return api.NewLimitExceededError(err.Error())
	case errors.Is(err, ErrNotFound):
		return api.NewNotFoundError(err.Error())
	case errors.Is(err, ErrConflict):
		return api.NewConflictError(err.Error())
	default:
		return api.ErrInternalServer
	}
}

func handleLedgerError(w http.ResponseWriter, action string, err error) {
	appErr := toAppError(err)
	if appErr.Code >= http.StatusInternalServerError {
		slog.Error(action, "error", err)
	}
	api.HandleError(w, appErr)
}

func bulkResults(errs []error) []api.BulkItemResult {
	out := make([]api.BulkItemResult, len(errs))
	for i, err := range errs {
		out[i] = api.BulkItemResult{Index: i, OK: err == nil}
		if err != nil {
			appErr := toAppError(err)
			if appErr.Code >= http.StatusInternalServerError {
				slog.Error("bulk item failed", "index", i, "error", err)
			}
			out[i].Code = appErr.Code
			out[i].Error = appErr.Message
		}
	}
	return out
}
