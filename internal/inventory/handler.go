package inventory

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/rbac"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// IdempotencyHeader carries the client's idempotency key on adjustments.
const IdempotencyHeader = "Idempotency-Key"

// ScanScheduler enqueues an asynchronous low-stock scan and returns its task id.
type ScanScheduler interface {
	EnqueueLowStockScan(ctx context.Context, storeID, requestedBy string) (string, error)
}

// Handler wires the JSON API for stock lines.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	projector *Projector
	monitor   *Monitor
	scheduler ScanScheduler
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler constructs the inventory handler. scheduler may be nil.
func NewHandler(logger *slog.Logger, service *Service, projector *Projector, monitor *Monitor, scheduler ScanScheduler, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return &Handler{
		logger:    logger,
		service:   service,
		projector: projector,
		monitor:   monitor,
		scheduler: scheduler,
		rbac:      rbac,
		validator: validate,
	}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/stores/{storeID}/products/{productID}", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(rbac.CapInventoryView))
			r.Get("/stock", h.handleStock)
			r.Get("/history", h.handleHistory)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(rbac.CapInventoryAdjust))
			r.Post("/adjustments", h.handleAdjustment)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(rbac.CapInventoryConfigure))
			r.Put("/threshold", h.handleThreshold)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(rbac.CapInventoryRepair))
			r.Post("/rebuild", h.handleRebuild)
			r.Get("/verify", h.handleVerify)
		})
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.CapInventoryView))
		r.Get("/low-stock", h.handleLowStock)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.CapInventoryRepair))
		r.Post("/jobs/low-stock-scan", h.handleEnqueueScan)
	})
}

type adjustmentRequest struct {
	Delta  int64  `json:"delta" validate:"required"`
	Reason string `json:"reason" validate:"required,oneof=SALE RESTOCK CORRECTION RETURN"`
	Note   string `json:"note" validate:"max=500"`
}

type thresholdRequest struct {
	Threshold *int64 `json:"threshold" validate:"required,gte=0"`
}

type stockResponse struct {
	StockSnapshot
	LowStock bool `json:"low_stock"`
}

type verifyResponse struct {
	StoreID   string                 `json:"store_id"`
	ProductID string                 `json:"product_id"`
	Healthy   bool                   `json:"healthy"`
	Problem   *LedgerCorruptionError `json:"problem,omitempty"`
}

type lowStockResponse struct {
	Alerts []LowStockAlert `json:"alerts"`
}

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	storeID, productID := lineParams(r)
	snap, err := h.service.GetSnapshot(r.Context(), storeID, productID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stockResponse{StockSnapshot: snap, LowStock: IsLow(snap)})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	storeID, productID := lineParams(r)
	q := r.URL.Query()
	query := HistoryQuery{Cursor: q.Get("cursor")}
	if raw := q.Get("page_size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteProblem(w, httpx.ProblemDetail{
				Title:  "Validation Failed",
				Status: http.StatusBadRequest,
				Errors: map[string]string{"page_size": "must be an integer"},
			})
			return
		}
		query.PageSize = size
	}
	page, err := h.service.GetHistory(r.Context(), storeID, productID, query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return
	}
	if !h.validate(w, req) {
		return
	}
	storeID, productID := lineParams(r)
	actor, _ := shared.ActorFromContext(r.Context())
	evt, err := h.service.ApplyAdjustment(r.Context(), AdjustmentInput{
		StoreID:        storeID,
		ProductID:      productID,
		Delta:          req.Delta,
		Reason:         Reason(req.Reason),
		ActorID:        actor.ID,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
		Note:           strings.TrimSpace(req.Note),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, evt)
}

func (h *Handler) handleThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return
	}
	if !h.validate(w, req) {
		return
	}
	storeID, productID := lineParams(r)
	actor, _ := shared.ActorFromContext(r.Context())
	snap, err := h.monitor.SetThreshold(r.Context(), storeID, productID, *req.Threshold, actor.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stockResponse{StockSnapshot: snap, LowStock: IsLow(snap)})
}

func (h *Handler) handleRebuild(w http.ResponseWriter, r *http.Request) {
	storeID, productID := lineParams(r)
	actor, _ := shared.ActorFromContext(r.Context())
	snap, err := h.projector.Rebuild(r.Context(), storeID, productID, actor.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("snapshot rebuilt",
		slog.String("store_id", storeID),
		slog.String("product_id", productID),
		slog.String("actor_id", actor.ID),
		slog.Int64("quantity", snap.Quantity))
	httpx.JSON(w, http.StatusOK, stockResponse{StockSnapshot: snap, LowStock: IsLow(snap)})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	storeID, productID := lineParams(r)
	resp := verifyResponse{StoreID: storeID, ProductID: productID, Healthy: true}
	err := h.projector.Verify(r.Context(), storeID, productID)
	var corruption *LedgerCorruptionError
	switch {
	case err == nil:
	case errors.As(err, &corruption):
		resp.Healthy = false
		resp.Problem = corruption
	default:
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLowStock(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.monitor.Scan(r.Context(), r.URL.Query().Get("store_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lowStockResponse{Alerts: alerts})
}

func (h *Handler) handleEnqueueScan(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "job queue not configured")
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	taskID, err := h.scheduler.EnqueueLowStockScan(r.Context(), strings.TrimSpace(r.URL.Query().Get("store_id")), actor.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (h *Handler) validate(w http.ResponseWriter, req any) bool {
	err := h.validator.Struct(req)
	if err == nil {
		return true
	}
	fields := map[string]string{}
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		for _, fieldErr := range validationErrs {
			fields[fieldErr.Field()] = fieldErr.Tag()
		}
	}
	httpx.WriteProblem(w, httpx.ProblemDetail{
		Title:  "Validation Failed",
		Status: http.StatusBadRequest,
		Detail: httpx.ErrValidation.Error(),
		Errors: fields,
	})
	return false
}

// writeError maps domain failures onto problem responses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invalid      *InvalidAdjustmentError
		insufficient *InsufficientStockError
		concurrent   *ConcurrentModificationError
		corruption   *LedgerCorruptionError
	)
	switch {
	case errors.As(err, &invalid):
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Invalid Adjustment",
			Status: http.StatusBadRequest,
			Detail: err.Error(),
			Errors: map[string]string{invalid.Field: invalid.Reason},
		})
	case errors.Is(err, ErrInvalidThreshold), errors.Is(err, ErrInvalidCursor):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrLineRetired):
		httpx.Problem(w, http.StatusNotFound, "Line Retired", err.Error())
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.As(err, &concurrent):
		w.Header().Set("Retry-After", "1")
		httpx.Problem(w, http.StatusConflict, "Concurrent Modification", err.Error())
	case errors.As(err, &corruption):
		h.logger.Error("ledger corruption",
			slog.String("store_id", corruption.StoreID),
			slog.String("product_id", corruption.ProductID),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Ledger Corruption", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "request did not complete in time")
	default:
		h.logger.Error("inventory request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func lineParams(r *http.Request) (string, string) {
	return strings.TrimSpace(chi.URLParam(r, "storeID")), strings.TrimSpace(chi.URLParam(r, "productID"))
}
