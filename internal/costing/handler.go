package costing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// IdempotencyGuard rejects replays of requests that carry an
// Idempotency-Key header.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Handler wires the JSON endpoints the document-posting workflow calls.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	validator   *validator.Validate
	idempotency IdempotencyGuard
}

// NewHandler constructs the costing handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// SetIdempotency attaches replay protection to the posting endpoints.
func (h *Handler) SetIdempotency(guard IdempotencyGuard) { h.idempotency = guard }

// MountRoutes registers costing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/documents/corrections", h.handlePostCorrections)
	r.Post("/documents/cancellations", h.handleCancelCorrections)
	r.Post("/documents/reconcile", h.handleReconcile)
	r.Get("/documents/{documentID}/adjustments", h.handleListAdjustments)
	r.Post("/source-lines/{sourceLineID}/sweep", h.handleSweep)
}

type contextPayload struct {
	CompanyID      int64  `json:"company_id" validate:"required"`
	Currency       string `json:"currency" validate:"required,len=3"`
	MoneyPrecision int32  `json:"money_precision" validate:"gte=0,lte=6"`
	QtyPrecision   int32  `json:"qty_precision" validate:"gte=0,lte=6"`
	AngloSaxon     bool   `json:"anglo_saxon"`
	FailOnShortage bool   `json:"fail_on_shortage"`
}

func (p contextPayload) toContext() Context {
	policy := RemainderDrop
	if p.FailOnShortage {
		policy = RemainderError
	}
	return Context{
		CompanyID:       p.CompanyID,
		Currency:        p.Currency,
		MoneyPrecision:  p.MoneyPrecision,
		QtyPrecision:    p.QtyPrecision,
		AngloSaxon:      p.AngloSaxon,
		RemainderPolicy: policy,
	}
}

type taxPayload struct {
	Name         string  `json:"name"`
	Percent      float64 `json:"percent"`
	PriceInclude bool    `json:"price_include"`
}

type linePayload struct {
	ID           int64        `json:"id" validate:"required"`
	SourceLineID int64        `json:"source_line_id"`
	ProductID    int64        `json:"product_id"`
	Label        string       `json:"label"`
	Quantity     float64      `json:"quantity"`
	UnitPrice    float64      `json:"unit_price"`
	DiscountPct  float64      `json:"discount_pct" validate:"gte=0,lte=100"`
	Taxes        []taxPayload `json:"taxes"`
	Currency     string       `json:"currency"`
	UOMFactor    float64      `json:"uom_factor"`
	Date         time.Time    `json:"date"`
}

type documentPayload struct {
	ID                 int64          `json:"id" validate:"required"`
	Ref                string         `json:"ref"`
	Type               DocumentType   `json:"type" validate:"required,oneof=IN_INVOICE IN_REFUND OUT_INVOICE OUT_REFUND"`
	PartnerID          int64          `json:"partner_id"`
	Currency           string         `json:"currency" validate:"required,len=3"`
	Date               time.Time      `json:"date"`
	FiscalPosition     string         `json:"fiscal_position"`
	ReversedDocumentID *int64         `json:"reversed_document_id"`
	Lines              []linePayload  `json:"lines" validate:"dive"`
	Context            contextPayload `json:"context" validate:"required"`
}

func (p documentPayload) toDocument() Document {
	doc := Document{
		ID:                 p.ID,
		Ref:                p.Ref,
		Type:               p.Type,
		PartnerID:          p.PartnerID,
		Currency:           p.Currency,
		Date:               p.Date,
		FiscalPosition:     p.FiscalPosition,
		ReversedDocumentID: p.ReversedDocumentID,
	}
	for _, l := range p.Lines {
		line := InvoiceLine{
			ID:           l.ID,
			DocumentID:   p.ID,
			SourceLineID: l.SourceLineID,
			ProductID:    l.ProductID,
			Label:        l.Label,
			Quantity:     l.Quantity,
			UnitPrice:    l.UnitPrice,
			DiscountPct:  l.DiscountPct,
			Currency:     l.Currency,
			UOMFactor:    l.UOMFactor,
			Date:         l.Date,
		}
		if line.Currency == "" {
			line.Currency = p.Currency
		}
		for _, t := range l.Taxes {
			line.Taxes = append(line.Taxes, Tax(t))
		}
		doc.Lines = append(doc.Lines, line)
	}
	return doc
}

type adjustmentResponse struct {
	ID               int64   `json:"id"`
	CorrectedLayerID int64   `json:"corrected_layer_id"`
	Value            float64 `json:"value"`
	PriceDiffValue   float64 `json:"price_diff_value"`
	Description      string  `json:"description"`
}

func toAdjustmentResponses(records []ValuationLayer) []adjustmentResponse {
	out := make([]adjustmentResponse, 0, len(records))
	for _, rec := range records {
		resp := adjustmentResponse{
			ID:             rec.ID,
			Value:          rec.Value,
			PriceDiffValue: rec.PriceDiffValue,
			Description:    rec.Description,
		}
		if rec.CorrectedLayerID != nil {
			resp.CorrectedLayerID = *rec.CorrectedLayerID
		}
		out = append(out, resp)
	}
	return out
}

func (h *Handler) handlePostCorrections(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decodeDocument(w, r)
	if !ok {
		return
	}
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), idemKey, "costing"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Duplicate Request", "this correction was already posted")
				return
			}
			h.respondServiceError(w, err)
			return
		}
	}
	result, err := h.service.PostDocumentCorrections(r.Context(), payload.Context.toContext(), payload.toDocument())
	if err != nil {
		if idemKey != "" && h.idempotency != nil {
			// Release the key so the caller can retry after fixing the cause.
			if delErr := h.idempotency.Delete(r.Context(), idemKey); delErr != nil {
				h.logger.Warn("costing: release idempotency key", slog.Any("error", delErr))
			}
		}
		h.respondServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"adjustments":      toAdjustmentResponses(result.Adjustments),
		"skipped_line_ids": result.SkippedLineIDs,
		"cogs_line_ids":    result.COGSLineIDs,
	})
}

func (h *Handler) handleCancelCorrections(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decodeDocument(w, r)
	if !ok {
		return
	}
	if err := h.service.CancelDocumentCorrections(r.Context(), payload.Context.toContext(), payload.toDocument()); err != nil {
		h.respondServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "reversed"})
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decodeDocument(w, r)
	if !ok {
		return
	}
	err := h.service.ReconcileInterim(r.Context(), payload.Context.toContext(), payload.toDocument())
	if err != nil {
		if errors.Is(err, ErrReconciliationMismatch) {
			httpx.Problem(w, http.StatusConflict, "Reconciliation Mismatch", err.Error())
			return
		}
		h.respondServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "reconciled"})
}

func (h *Handler) handleListAdjustments(w http.ResponseWriter, r *http.Request) {
	documentID, err := strconv.ParseInt(chi.URLParam(r, "documentID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid document id")
		return
	}
	records, err := h.service.repo.AdjustmentsForDocument(r.Context(), documentID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"adjustments": toAdjustmentResponses(records)})
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	sourceLineID, err := strconv.ParseInt(chi.URLParam(r, "sourceLineID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid source line id")
		return
	}
	var payload struct {
		Context contextPayload `json:"context" validate:"required"`
	}
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.validator.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	flagged, err := h.service.SweepSourceLine(r.Context(), payload.Context.toContext(), sourceLineID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"flagged_layer_ids": flagged})
}

func (h *Handler) decodeDocument(w http.ResponseWriter, r *http.Request) (documentPayload, bool) {
	var payload documentPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return payload, false
	}
	if err := h.validator.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return payload, false
	}
	return payload, true
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrConcurrencyConflict):
		httpx.Problem(w, http.StatusConflict, "Concurrent Correction", "retry the document posting")
	case errors.Is(err, ErrLayersExhausted):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Layers Exhausted", err.Error())
	case errors.Is(err, ErrLayerNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("costing: request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
