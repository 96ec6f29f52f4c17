package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/procurement-system/internal/middleware"
	"github.com/mmeshcher/procurement-system/internal/model"
	"github.com/mmeshcher/procurement-system/internal/repository"
	"github.com/mmeshcher/procurement-system/internal/service"
	"github.com/mmeshcher/procurement-system/internal/workflow"
)

type stubService struct {
	registerUserID int64
	registerErr    error

	authUserID int64
	authErr    error

	actor    model.Actor
	actorErr error

	request    *model.PurchaseRequest
	requestErr error

	list    []*model.PurchaseRequest
	listErr error

	extraction    *model.DocumentExtraction
	extractionErr error
}

func (s *stubService) RegisterUser(ctx context.Context, login, password, fullName string, role model.Role) (int64, error) {
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	return s.authUserID, s.authErr
}

func (s *stubService) Actor(ctx context.Context, userID int64) (model.Actor, error) {
	return s.actor, s.actorErr
}

func (s *stubService) CreateRequest(ctx context.Context, actor model.Actor, input workflow.CreateInput, proforma *service.Upload) (*model.PurchaseRequest, error) {
	return s.request, s.requestErr
}

func (s *stubService) GetRequest(ctx context.Context, id string) (*model.PurchaseRequest, error) {
	return s.request, s.requestErr
}

func (s *stubService) UpdateRequest(ctx context.Context, actor model.Actor, id string, patch workflow.UpdatePatch) (*model.PurchaseRequest, error) {
	return s.request, s.requestErr
}

func (s *stubService) Decide(ctx context.Context, actor model.Actor, id string, decision model.Decision, comment string) (*model.PurchaseRequest, error) {
	return s.request, s.requestErr
}

func (s *stubService) SubmitReceipt(ctx context.Context, actor model.Actor, id string, receipt service.Upload) (*model.PurchaseRequest, error) {
	return s.request, s.requestErr
}

func (s *stubService) StaffRequests(ctx context.Context, actor model.Actor, status model.RequestStatus, search string) ([]*model.PurchaseRequest, error) {
	return s.list, s.listErr
}

func (s *stubService) ApproverRequests(ctx context.Context, actor model.Actor, search string) ([]*model.PurchaseRequest, error) {
	return s.list, s.listErr
}

func (s *stubService) FinanceRequests(ctx context.Context, actor model.Actor, validationState, search string) ([]*model.PurchaseRequest, error) {
	return s.list, s.listErr
}

func (s *stubService) GetExtraction(ctx context.Context, requestID string, slot model.DocSlot) (*model.DocumentExtraction, error) {
	return s.extraction, s.extractionErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func addAuthCookie(t *testing.T, h *Handler, req *http.Request, userID int64) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, userID)
	req.AddCookie(rec.Result().Cookies()[0])
}

func sampleRequest() *model.PurchaseRequest {
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	return &model.PurchaseRequest{
		ID:                     "req-1",
		Reference:              "REQ-2026-0001",
		Title:                  "Laptops",
		Description:            "Developer laptops",
		Status:                 model.StatusPending,
		CreatedBy:              model.Actor{ID: 1, Name: "Staff User", Role: model.RoleStaff},
		Currency:               "USD",
		AmountEstimatedCents:   250000,
		CurrentApprovalLevel:   1,
		RequiredApprovalLevels: 2,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{registerUserID: 42}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(registerRequest{
		Login:    "user",
		Password: "pass",
		FullName: "Some User",
		Role:     "staff",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("auth cookie was not set")
	}
}

func TestRegister_Conflict(t *testing.T) {
	svc := &stubService{registerErr: repository.ErrUserExists}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(registerRequest{Login: "user", Password: "pass"})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{authErr: errors.New("invalid credentials")}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Login: "user", Password: "wrong"})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestListRequests_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/requests", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestListRequests_Envelope(t *testing.T) {
	svc := &stubService{
		actor: model.Actor{ID: 1, Name: "Staff User", Role: model.RoleStaff},
		list:  []*model.PurchaseRequest{sampleRequest()},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/requests?mine=true", nil)
	addAuthCookie(t, h, req, 1)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var payload listResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Results) != 1 {
		t.Fatalf("results len = %d, want 1", len(payload.Results))
	}
	if payload.Results[0].AmountEstimated != "2500.00" {
		t.Fatalf("amount_estimated = %q, want 2500.00", payload.Results[0].AmountEstimated)
	}
	if payload.Results[0].CreatedBy.FullName != "Staff User" {
		t.Fatalf("created_by = %+v", payload.Results[0].CreatedBy)
	}
}

func TestGetRequest_NotFound(t *testing.T) {
	svc := &stubService{
		actor:      model.Actor{ID: 1, Role: model.RoleStaff},
		requestErr: repository.ErrRequestNotFound,
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/requests/missing", nil)
	addAuthCookie(t, h, req, 1)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNotFound)
	}
}

func TestApprove_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "wrong level", err: workflow.ErrForbidden, want: http.StatusForbidden},
		{name: "terminal request", err: workflow.ErrInvalidState, want: http.StatusConflict},
		{name: "not found", err: repository.ErrRequestNotFound, want: http.StatusNotFound},
		{name: "success", err: nil, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				actor:      model.Actor{ID: 2, Name: "Approver", Role: model.RoleApproverL1},
				request:    sampleRequest(),
				requestErr: tt.err,
			}
			h := newTestHandler(t, svc)
			router := h.SetupRouter()

			body := bytes.NewReader([]byte(`{"comment":"ok"}`))
			req := httptest.NewRequest(http.MethodPatch, "/api/requests/req-1/approve", body)
			addAuthCookie(t, h, req, 2)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Result().StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", rec.Result().StatusCode, tt.want)
			}
		})
	}
}

func TestCreateRequest_MalformedAmount(t *testing.T) {
	svc := &stubService{
		actor:   model.Actor{ID: 1, Role: model.RoleStaff},
		request: sampleRequest(),
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("title", "Laptops")
	_ = mw.WriteField("description", "Developer laptops")
	_ = mw.WriteField("amount_estimated", "12.345")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/requests", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	addAuthCookie(t, h, req, 1)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestCreateRequest_Created(t *testing.T) {
	svc := &stubService{
		actor:   model.Actor{ID: 1, Role: model.RoleStaff},
		request: sampleRequest(),
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("title", "Laptops")
	_ = mw.WriteField("description", "Developer laptops")
	_ = mw.WriteField("amount_estimated", "2500.00")
	_ = mw.WriteField("items", `[{"name":"Laptop","quantity":2,"unit_price":"1250.00"}]`)
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/requests", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	addAuthCookie(t, h, req, 1)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var payload requestResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Reference != "REQ-2026-0001" {
		t.Fatalf("reference = %q", payload.Reference)
	}
}

func TestUpdateRequest_MalformedAmount(t *testing.T) {
	svc := &stubService{
		actor:   model.Actor{ID: 1, Role: model.RoleStaff},
		request: sampleRequest(),
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	body := bytes.NewReader([]byte(`{"amount_estimated":"abc"}`))
	req := httptest.NewRequest(http.MethodPatch, "/api/requests/req-1", body)
	addAuthCookie(t, h, req, 1)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestSubmitReceipt_MissingFile(t *testing.T) {
	svc := &stubService{
		actor:   model.Actor{ID: 1, Role: model.RoleStaff},
		request: sampleRequest(),
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("note", "no file here")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/requests/req-1/submit-receipt", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	addAuthCookie(t, h, req, 1)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestSubmitReceipt_PendingResultsInResponse(t *testing.T) {
	approved := sampleRequest()
	approved.Status = model.StatusApproved

	svc := &stubService{
		actor:   model.Actor{ID: 1, Role: model.RoleStaff},
		request: approved,
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("receipt", "receipt.pdf")
	_, _ = fw.Write([]byte("pdf bytes"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/requests/req-1/submit-receipt", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	addAuthCookie(t, h, req, 1)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var payload struct {
		Request    requestResponse `json:"request"`
		Extraction json.RawMessage `json:"extraction"`
		Validation json.RawMessage `json:"validation"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if string(payload.Extraction) != "null" || string(payload.Validation) != "null" {
		t.Fatalf("extraction/validation must be null until processing completes")
	}
}

func TestFinanceRequests_Forbidden(t *testing.T) {
	svc := &stubService{
		actor:   model.Actor{ID: 1, Role: model.RoleStaff},
		listErr: workflow.ErrForbidden,
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/finance/requests", nil)
	addAuthCookie(t, h, req, 1)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusForbidden)
	}
}

func TestGetExtraction_NotFound(t *testing.T) {
	svc := &stubService{
		actor:         model.Actor{ID: 1, Role: model.RoleFinance},
		extractionErr: repository.ErrDocumentNotFound,
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/requests/req-1/extraction/receipt", nil)
	addAuthCookie(t, h, req, 1)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNotFound)
	}
}
