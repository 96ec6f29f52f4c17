// Package handler содержит HTTP-обработчики API сервиса закупок.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/procurement-system/internal/middleware"
	"github.com/mmeshcher/procurement-system/internal/model"
	"github.com/mmeshcher/procurement-system/internal/repository"
	"github.com/mmeshcher/procurement-system/internal/service"
	"github.com/mmeshcher/procurement-system/internal/validation"
	"github.com/mmeshcher/procurement-system/internal/workflow"
)

const maxUploadSize = 32 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password, fullName string, role model.Role) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	Actor(ctx context.Context, userID int64) (model.Actor, error)
	CreateRequest(ctx context.Context, actor model.Actor, input workflow.CreateInput, proforma *service.Upload) (*model.PurchaseRequest, error)
	GetRequest(ctx context.Context, id string) (*model.PurchaseRequest, error)
	UpdateRequest(ctx context.Context, actor model.Actor, id string, patch workflow.UpdatePatch) (*model.PurchaseRequest, error)
	Decide(ctx context.Context, actor model.Actor, id string, decision model.Decision, comment string) (*model.PurchaseRequest, error)
	SubmitReceipt(ctx context.Context, actor model.Actor, id string, receipt service.Upload) (*model.PurchaseRequest, error)
	StaffRequests(ctx context.Context, actor model.Actor, status model.RequestStatus, search string) ([]*model.PurchaseRequest, error)
	ApproverRequests(ctx context.Context, actor model.Actor, search string) ([]*model.PurchaseRequest, error)
	FinanceRequests(ctx context.Context, actor model.Actor, validationState, search string) ([]*model.PurchaseRequest, error)
	GetExtraction(ctx context.Context, requestID string, slot model.DocSlot) (*model.DocumentExtraction, error)
}

// Handler реализует HTTP-обработчики API сервиса закупок.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type registerRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password, req.FullName, model.Role(req.Role))
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		if errors.Is(err, workflow.ErrValidation) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return model.Actor{}, false
	}

	actor, err := h.service.Actor(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return model.Actor{}, false
		}
		h.logger.Error("resolve actor error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return model.Actor{}, false
	}

	return actor, true
}

// writeDomainError переводит доменные ошибки в статусы HTTP.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	switch {
	case errors.Is(err, repository.ErrRequestNotFound), errors.Is(err, repository.ErrDocumentNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, workflow.ErrForbidden):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, workflow.ErrInvalidState):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, workflow.ErrValidation):
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type itemPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
}

func parseItems(raw string) ([]workflow.ItemInput, error) {
	if raw == "" {
		return nil, nil
	}

	var payload []itemPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, err
	}

	items := make([]workflow.ItemInput, 0, len(payload))
	for _, p := range payload {
		unitPrice, err := validation.ParseAmount(p.UnitPrice)
		if err != nil {
			return nil, err
		}
		items = append(items, workflow.ItemInput{
			Name:           p.Name,
			Description:    p.Description,
			Quantity:       p.Quantity,
			UnitPriceCents: unitPrice,
		})
	}
	return items, nil
}

func parseNeededBy(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, errors.New("invalid needed_by")
}

func readUpload(r *http.Request, field string) (*service.Upload, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &service.Upload{
		Filename:    header.Filename,
		ContentType: contentType,
		Content:     content,
	}, nil
}

// CreateRequest создаёт новую заявку на закупку из multipart-формы.
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	input := workflow.CreateInput{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Currency:    r.FormValue("currency"),
		VendorName:  r.FormValue("vendor_name"),
		Notes:       r.FormValue("notes"),
	}

	if raw := r.FormValue("amount_estimated"); raw != "" {
		amount, err := validation.ParseAmount(raw)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		input.AmountEstimatedCents = amount
	}

	items, err := parseItems(r.FormValue("items"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}
	input.Items = items

	neededBy, err := parseNeededBy(r.FormValue("needed_by"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	input.NeededBy = neededBy

	proforma, err := readUpload(r, "proforma_file")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	req, err := h.service.CreateRequest(r.Context(), actor, input, proforma)
	if err != nil {
		h.writeDomainError(w, err, "create request error", zap.Int64("userID", actor.ID))
		return
	}

	writeJSON(w, http.StatusCreated, toRequestResponse(req))
}

type listResponse struct {
	Results []requestResponse `json:"results"`
}

// ListRequests возвращает заявки в проекции сотрудника или согласующего.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	search := q.Get("search")

	var (
		requests []*model.PurchaseRequest
		err      error
	)
	if q.Get("pending_for_me") == "true" {
		requests, err = h.service.ApproverRequests(r.Context(), actor, search)
	} else {
		requests, err = h.service.StaffRequests(r.Context(), actor, model.RequestStatus(q.Get("status")), search)
	}
	if err != nil {
		h.writeDomainError(w, err, "list requests error", zap.Int64("userID", actor.ID))
		return
	}

	writeJSON(w, http.StatusOK, toListResponse(requests))
}

// GetRequest возвращает заявку по идентификатору.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	id := requestID(r)
	req, err := h.service.GetRequest(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "get request error", zap.String("requestID", id))
		return
	}

	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

type updateRequestPayload struct {
	Title           *string `json:"title"`
	Description     *string `json:"description"`
	AmountEstimated *string `json:"amount_estimated"`
	Currency        *string `json:"currency"`
	Notes           *string `json:"notes"`
	NeededBy        *string `json:"needed_by"`
}

// UpdateRequest применяет частичное изменение заявки в статусе PENDING.
func (h *Handler) UpdateRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var payload updateRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	patch := workflow.UpdatePatch{
		Title:       payload.Title,
		Description: payload.Description,
		Currency:    payload.Currency,
		Notes:       payload.Notes,
	}

	if payload.AmountEstimated != nil {
		amount, err := validation.ParseAmount(*payload.AmountEstimated)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		patch.AmountEstimatedCents = &amount
	}

	if payload.NeededBy != nil {
		neededBy, err := parseNeededBy(*payload.NeededBy)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		patch.NeededBy = neededBy
	}

	id := requestID(r)
	req, err := h.service.UpdateRequest(r.Context(), actor, id, patch)
	if err != nil {
		h.writeDomainError(w, err, "update request error", zap.String("requestID", id), zap.Int64("userID", actor.ID))
		return
	}

	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

type decisionPayload struct {
	Comment string `json:"comment"`
}

// Approve фиксирует одобрение заявки на текущем уровне согласования.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, model.DecisionApproved)
}

// Reject фиксирует отклонение заявки.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, model.DecisionRejected)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, decision model.Decision) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var payload decisionPayload
	if r.Body != nil {
		// тело с комментарием не обязательно
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}

	id := requestID(r)
	req, err := h.service.Decide(r.Context(), actor, id, decision, payload.Comment)
	if err != nil {
		h.writeDomainError(w, err, "decide request error",
			zap.String("requestID", id), zap.Int64("userID", actor.ID), zap.String("decision", string(decision)))
		return
	}

	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

type submitReceiptResponse struct {
	Request    requestResponse           `json:"request"`
	Extraction *model.DocumentExtraction `json:"extraction"`
	Validation *model.ValidationDetails  `json:"validation"`
}

// SubmitReceipt прикрепляет чек к согласованной заявке.
// Извлечение и сверка выполняются асинхронно, в ответе они пустые.
func (h *Handler) SubmitReceipt(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	receipt, err := readUpload(r, "receipt")
	if err != nil || receipt == nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id := requestID(r)
	req, err := h.service.SubmitReceipt(r.Context(), actor, id, *receipt)
	if err != nil {
		h.writeDomainError(w, err, "submit receipt error", zap.String("requestID", id), zap.Int64("userID", actor.ID))
		return
	}

	writeJSON(w, http.StatusOK, submitReceiptResponse{
		Request:    toRequestResponse(req),
		Extraction: req.ReceiptExtraction,
		Validation: req.LatestValidation,
	})
}

// FinanceRequests возвращает согласованные заявки для финансовой сверки.
func (h *Handler) FinanceRequests(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	requests, err := h.service.FinanceRequests(r.Context(), actor, q.Get("validation"), q.Get("search"))
	if err != nil {
		h.writeDomainError(w, err, "finance requests error", zap.Int64("userID", actor.ID))
		return
	}

	writeJSON(w, http.StatusOK, toListResponse(requests))
}

// GetExtraction возвращает сохранённое извлечение для слота документа заявки.
func (h *Handler) GetExtraction(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	id := requestID(r)
	slot := model.DocSlot(urlParam(r, "slot"))

	extraction, err := h.service.GetExtraction(r.Context(), id, slot)
	if err != nil {
		h.writeDomainError(w, err, "get extraction error", zap.String("requestID", id), zap.String("slot", string(slot)))
		return
	}

	writeJSON(w, http.StatusOK, extraction)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
