// Package handler содержит HTTP-обработчики API сервиса учёта квот.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/ozone-quota/internal/model"
	"github.com/mmeshcher/ozone-quota/internal/service"
	"github.com/mmeshcher/ozone-quota/internal/units"
	"github.com/mmeshcher/ozone-quota/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	GetQuotaInfo(ctx context.Context, importerID int64) (*model.QuotaInfo, error)
	CheckAdmission(ctx context.Context, importerID int64, items []model.ImportLineItem) (*model.Admission, error)
	SubmitImport(ctx context.Context, importerID int64, items []model.ImportLineItem) (*model.ImportRequest, error)
	ListImports(ctx context.Context, importerID int64) ([]model.ImportRequest, error)
	ApproveImport(ctx context.Context, requestID uuid.UUID) (*model.Settlement, error)
	RejectImport(ctx context.Context, requestID uuid.UUID) (*model.ImportRequest, error)
	SettleImport(ctx context.Context, requestID uuid.UUID) (*model.Settlement, error)
	ListSettlements(ctx context.Context, importerID int64) ([]model.Settlement, error)
	SetAllocation(ctx context.Context, importerID int64, allocated decimal.Decimal) (*model.QuotaAccount, error)
	GetRefrigerant(ctx context.Context, code string) (model.Refrigerant, error)
	ListRefrigerants(ctx context.Context) ([]model.Refrigerant, error)
	UpsertRefrigerant(ctx context.Context, r model.Refrigerant) error
}

// Handler реализует HTTP-обработчики API сервиса учёта квот.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
	}
}

type itemsRequest struct {
	Items []model.ImportLineItem `json:"items"`
}

type refrigerantRequest struct {
	ChemicalName string              `json:"chemical_name"`
	HSCode       string              `json:"hs_code"`
	GWP          decimal.NullDecimal `json:"gwp"`
}

type allocationRequest struct {
	Allocated decimal.Decimal `json:"allocated"`
}

type refrigerantResponse struct {
	Code         string              `json:"code"`
	ChemicalName string              `json:"chemical_name,omitempty"`
	HSCode       string              `json:"hs_code,omitempty"`
	GWP          decimal.NullDecimal `json:"gwp"`
	UpdatedAt    string              `json:"updated_at,omitempty"`
}

type importResponse struct {
	ID                 string                 `json:"id"`
	Status             string                 `json:"status"`
	Settled            bool                   `json:"settled"`
	TotalCO2Equivalent string                 `json:"total_co2_equivalent"`
	Items              []model.ImportLineItem `json:"items"`
	CreatedAt          string                 `json:"created_at"`
	SettledAt          string                 `json:"settled_at,omitempty"`
}

type settlementResponse struct {
	RequestID    string `json:"request_id"`
	Amount       string `json:"amount"`
	NewConsumed  string `json:"new_consumed"`
	NewRemaining string `json:"new_remaining"`
	SettledAt    string `json:"settled_at"`
}

type accountResponse struct {
	ImporterID int64  `json:"importer_id"`
	Allocated  string `json:"allocated"`
	Consumed   string `json:"consumed"`
	Remaining  string `json:"remaining"`
}

func toRefrigerantResponse(r model.Refrigerant) refrigerantResponse {
	resp := refrigerantResponse{
		Code:         r.Code,
		ChemicalName: r.ChemicalName,
		HSCode:       r.HSCode,
		GWP:          r.GWP,
	}
	if !r.UpdatedAt.IsZero() {
		resp.UpdatedAt = r.UpdatedAt.Format(time.RFC3339)
	}
	return resp
}

func toImportResponse(req model.ImportRequest) importResponse {
	resp := importResponse{
		ID:                 req.ID.String(),
		Status:             string(req.Status),
		Settled:            req.Settled,
		TotalCO2Equivalent: req.TotalCO2Equivalent.StringFixed(2),
		Items:              req.Items,
		CreatedAt:          req.CreatedAt.Format(time.RFC3339),
	}
	if req.SettledAt != nil {
		resp.SettledAt = req.SettledAt.Format(time.RFC3339)
	}
	return resp
}

func toSettlementResponse(s model.Settlement) settlementResponse {
	return settlementResponse{
		RequestID:    s.RequestID.String(),
		Amount:       s.Amount.StringFixed(2),
		NewConsumed:  s.NewConsumed.StringFixed(2),
		NewRemaining: s.NewRemaining.StringFixed(2),
		SettledAt:    s.SettledAt.Format(time.RFC3339),
	}
}

// GetQuota возвращает сводку по квоте импортёра.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	importerID, ok := importerIDParam(w, r)
	if !ok {
		return
	}

	info, err := h.service.GetQuotaInfo(r.Context(), importerID)
	if err != nil {
		h.writeError(w, err, "get quota info error", zap.Int64("importerID", importerID))
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// CheckAdmission сообщает, поместится ли пакет строк в оставшуюся квоту. Ничего не сохраняет.
func (h *Handler) CheckAdmission(w http.ResponseWriter, r *http.Request) {
	importerID, ok := importerIDParam(w, r)
	if !ok {
		return
	}

	var req itemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	admission, err := h.service.CheckAdmission(r.Context(), importerID, req.Items)
	if err != nil {
		h.writeError(w, err, "check admission error", zap.Int64("importerID", importerID))
		return
	}

	writeJSON(w, http.StatusOK, admission)
}

// SubmitImport создаёт заявку на ввоз.
func (h *Handler) SubmitImport(w http.ResponseWriter, r *http.Request) {
	importerID, ok := importerIDParam(w, r)
	if !ok {
		return
	}

	var req itemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	created, err := h.service.SubmitImport(r.Context(), importerID, req.Items)
	if err != nil {
		h.writeError(w, err, "submit import error", zap.Int64("importerID", importerID))
		return
	}

	writeJSON(w, http.StatusCreated, toImportResponse(*created))
}

// ListImports возвращает заявки импортёра.
func (h *Handler) ListImports(w http.ResponseWriter, r *http.Request) {
	importerID, ok := importerIDParam(w, r)
	if !ok {
		return
	}

	requests, err := h.service.ListImports(r.Context(), importerID)
	if err != nil {
		h.writeError(w, err, "list imports error", zap.Int64("importerID", importerID))
		return
	}

	if len(requests) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]importResponse, 0, len(requests))
	for _, req := range requests {
		resp = append(resp, toImportResponse(req))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListSettlements возвращает историю списаний импортёра.
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	importerID, ok := importerIDParam(w, r)
	if !ok {
		return
	}

	settlements, err := h.service.ListSettlements(r.Context(), importerID)
	if err != nil {
		h.writeError(w, err, "list settlements error", zap.Int64("importerID", importerID))
		return
	}

	if len(settlements) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]settlementResponse, 0, len(settlements))
	for _, s := range settlements {
		resp = append(resp, toSettlementResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ApproveImport одобряет заявку и списывает её с квоты.
func (h *Handler) ApproveImport(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, "approve import error", h.service.ApproveImport)
}

// SettleImport повторяет списание одобренной заявки.
func (h *Handler) SettleImport(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, "settle import error", h.service.SettleImport)
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request, msg string, fn func(context.Context, uuid.UUID) (*model.Settlement, error)) {
	requestID, ok := requestIDParam(w, r)
	if !ok {
		return
	}

	s, err := fn(r.Context(), requestID)
	if err != nil {
		h.writeError(w, err, msg, zap.String("requestID", requestID.String()))
		return
	}

	writeJSON(w, http.StatusOK, toSettlementResponse(*s))
}

// RejectImport отклоняет заявку.
func (h *Handler) RejectImport(w http.ResponseWriter, r *http.Request) {
	requestID, ok := requestIDParam(w, r)
	if !ok {
		return
	}

	req, err := h.service.RejectImport(r.Context(), requestID)
	if err != nil {
		h.writeError(w, err, "reject import error", zap.String("requestID", requestID.String()))
		return
	}

	writeJSON(w, http.StatusOK, toImportResponse(*req))
}

// SetAllocation назначает импортёру квоту.
func (h *Handler) SetAllocation(w http.ResponseWriter, r *http.Request) {
	importerID, ok := importerIDParam(w, r)
	if !ok {
		return
	}

	var req allocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	acc, err := h.service.SetAllocation(r.Context(), importerID, req.Allocated)
	if err != nil {
		h.writeError(w, err, "set allocation error", zap.Int64("importerID", importerID))
		return
	}

	writeJSON(w, http.StatusOK, accountResponse{
		ImporterID: acc.ImporterID,
		Allocated:  acc.Allocated.StringFixed(2),
		Consumed:   acc.Consumed.StringFixed(2),
		Remaining:  acc.Remaining.StringFixed(2),
	})
}

// ListRefrigerants возвращает каталог хладагентов.
func (h *Handler) ListRefrigerants(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListRefrigerants(r.Context())
	if err != nil {
		h.writeError(w, err, "list refrigerants error")
		return
	}

	resp := make([]refrigerantResponse, 0, len(list))
	for _, rec := range list {
		resp = append(resp, toRefrigerantResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetRefrigerant возвращает запись каталога по коду вещества.
func (h *Handler) GetRefrigerant(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	rec, err := h.service.GetRefrigerant(r.Context(), code)
	if err != nil {
		if errors.Is(err, model.ErrSubstanceNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.writeError(w, err, "get refrigerant error", zap.String("code", code))
		return
	}

	writeJSON(w, http.StatusOK, toRefrigerantResponse(rec))
}

// UpsertRefrigerant создаёт или обновляет запись каталога.
func (h *Handler) UpsertRefrigerant(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if !validation.IsValidSubstanceCode(code) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req refrigerantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rec := model.Refrigerant{
		Code:         code,
		ChemicalName: req.ChemicalName,
		HSCode:       req.HSCode,
		GWP:          req.GWP,
	}
	if err := h.service.UpsertRefrigerant(r.Context(), rec); err != nil {
		h.writeError(w, err, "upsert refrigerant error", zap.String("code", code))
		return
	}

	writeJSON(w, http.StatusOK, toRefrigerantResponse(rec))
}

func importerIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "importerID"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func requestIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor сопоставляет доменную ошибку HTTP-статусу.
func statusFor(err error) int {
	switch {
	case errors.Is(err, units.ErrInvalidUnit),
		errors.Is(err, model.ErrSubstanceNotFound),
		errors.Is(err, service.ErrQuotaExceeded),
		errors.Is(err, service.ErrNoCompleteItems),
		errors.Is(err, model.ErrInvalidLineItem):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrAccountNotFound),
		errors.Is(err, model.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadySettled),
		errors.Is(err, model.ErrInvalidStatusTransition),
		errors.Is(err, model.ErrRequestNotApproved),
		errors.Is(err, model.ErrRequestOwnership):
		return http.StatusConflict
	case errors.Is(err, service.ErrNegativeAllocation),
		errors.Is(err, service.ErrInvalidAllocation),
		errors.Is(err, service.ErrInvalidRefrigerant),
		errors.Is(err, model.ErrValueOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	status := statusFor(err)

	var qe *service.QuotaExceededError
	if errors.As(err, &qe) {
		writeJSON(w, status, qe.Admission)
		return
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(status), status)
		return
	}

	http.Error(w, err.Error(), status)
}
