// Package service реализует бизнес-логику сервиса закупок.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/procurement-system/internal/docproc"
	"github.com/mmeshcher/procurement-system/internal/model"
	"github.com/mmeshcher/procurement-system/internal/repository"
	"github.com/mmeshcher/procurement-system/internal/validation"
	"github.com/mmeshcher/procurement-system/internal/workflow"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, fullName string, role model.Role) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	CreateRequest(ctx context.Context, req *model.PurchaseRequest) (*model.PurchaseRequest, error)
	GetRequest(ctx context.Context, id string) (*model.PurchaseRequest, error)
	UpdateRequest(ctx context.Context, id string, patch workflow.UpdatePatch, actor model.Actor) (*model.PurchaseRequest, error)
	DecideRequest(ctx context.Context, id string, actor model.Actor, decision model.Decision, comment string) (*model.PurchaseRequest, error)
	AttachReceipt(ctx context.Context, id string, actor model.Actor, objectKey, documentURL string) (*model.PurchaseRequest, string, error)
	AddProformaDocument(ctx context.Context, requestID, objectKey, documentURL string) (string, error)
	ListStaffRequests(ctx context.Context, ownerID int64, status model.RequestStatus, search string) ([]*model.PurchaseRequest, error)
	ListApproverRequests(ctx context.Context, level int, search string) ([]*model.PurchaseRequest, error)
	ListFinanceRequests(ctx context.Context, validationState, search string) ([]*model.PurchaseRequest, error)
	GetExtraction(ctx context.Context, requestID string, slot model.DocSlot) (*model.DocumentExtraction, error)
	GetDocumentsForProcessing(ctx context.Context, limit int) ([]repository.DocumentJob, error)
	SetDocumentStatus(ctx context.Context, docID, status string) error
	SaveDocumentResult(ctx context.Context, docID, rawText string, confidence float64, extraction *model.ExtractionSummary) error
	ApplyProformaExtraction(ctx context.Context, requestID string, amountCents *int64, vendorName string) error
	SaveRequestValidation(ctx context.Context, requestID string, v *model.ValidationDetails) error
}

// ObjectStore описывает контракт объектного хранилища документов.
type ObjectStore interface {
	PutDocument(ctx context.Context, requestID string, slot model.DocSlot, filename, contentType string, content []byte) (string, string, error)
}

// Upload описывает загружаемый файл документа.
type Upload struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Service содержит бизнес-логику сервиса закупок.
type Service struct {
	repo      Repository
	objects   ObjectStore
	docClient *docproc.Client
}

// NewService создаёт новый сервис с указанным репозиторием, объектным хранилищем
// и клиентом системы обработки документов. Хранилище и клиент могут отсутствовать.
func NewService(repo Repository, objects ObjectStore, docClient *docproc.Client) *Service {
	return &Service{
		repo:      repo,
		objects:   objects,
		docClient: docClient,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя. Пустая роль означает staff.
func (s *Service) RegisterUser(ctx context.Context, login, password, fullName string, role model.Role) (int64, error) {
	if role == "" {
		role = model.RoleStaff
	}
	if !role.Valid() {
		return 0, fmt.Errorf("%w: unknown role %q", workflow.ErrValidation, role)
	}

	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed, fullName, role)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// Actor возвращает снимок личности пользователя для выполнения операций.
func (s *Service) Actor(ctx context.Context, userID int64) (model.Actor, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return model.Actor{}, err
	}

	name := u.FullName
	if name == "" {
		name = u.Login
	}

	return model.Actor{ID: u.ID, Name: name, Role: u.Role}, nil
}

// CreateRequest создаёт новую заявку и при наличии проформы ставит её в обработку.
func (s *Service) CreateRequest(ctx context.Context, actor model.Actor, input workflow.CreateInput, proforma *Upload) (*model.PurchaseRequest, error) {
	if proforma != nil && s.objects == nil {
		return nil, errors.New("object storage not configured")
	}

	req, err := workflow.Create(input, actor, time.Now(), uuid.NewString)
	if err != nil {
		return nil, err
	}

	created, err := s.repo.CreateRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	if proforma != nil {
		objectKey, documentURL, err := s.objects.PutDocument(ctx, created.ID, model.DocSlotProforma, proforma.Filename, proforma.ContentType, proforma.Content)
		if err != nil {
			return nil, fmt.Errorf("store proforma: %w", err)
		}
		if _, err := s.repo.AddProformaDocument(ctx, created.ID, objectKey, documentURL); err != nil {
			return nil, err
		}
		created.ProformaURL = documentURL
	}

	return created, nil
}

// GetRequest возвращает заявку по идентификатору.
func (s *Service) GetRequest(ctx context.Context, id string) (*model.PurchaseRequest, error) {
	return s.repo.GetRequest(ctx, id)
}

// UpdateRequest применяет частичное изменение заявки.
func (s *Service) UpdateRequest(ctx context.Context, actor model.Actor, id string, patch workflow.UpdatePatch) (*model.PurchaseRequest, error) {
	return s.repo.UpdateRequest(ctx, id, patch, actor)
}

// Decide применяет решение согласующего к заявке.
func (s *Service) Decide(ctx context.Context, actor model.Actor, id string, decision model.Decision, comment string) (*model.PurchaseRequest, error) {
	return s.repo.DecideRequest(ctx, id, actor, decision, comment)
}

// SubmitReceipt прикрепляет чек к согласованной заявке и ставит его в обработку.
// Результаты прежнего чека заменяются целиком.
func (s *Service) SubmitReceipt(ctx context.Context, actor model.Actor, id string, receipt Upload) (*model.PurchaseRequest, error) {
	if s.objects == nil {
		return nil, errors.New("object storage not configured")
	}

	// быстрая проверка до загрузки файла; окончательная выполняется в транзакции
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := workflow.CanAttachReceipt(req, actor); err != nil {
		return nil, err
	}

	objectKey, documentURL, err := s.objects.PutDocument(ctx, id, model.DocSlotReceipt, receipt.Filename, receipt.ContentType, receipt.Content)
	if err != nil {
		return nil, fmt.Errorf("store receipt: %w", err)
	}

	updated, _, err := s.repo.AttachReceipt(ctx, id, actor, objectKey, documentURL)
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// StaffRequests возвращает заявки, созданные актором.
func (s *Service) StaffRequests(ctx context.Context, actor model.Actor, status model.RequestStatus, search string) ([]*model.PurchaseRequest, error) {
	if status != "" {
		switch status {
		case model.StatusPending, model.StatusApproved, model.StatusRejected:
		default:
			return nil, fmt.Errorf("%w: unknown status %q", workflow.ErrValidation, status)
		}
	}
	return s.repo.ListStaffRequests(ctx, actor.ID, status, search)
}

// ApproverRequests возвращает заявки, ожидающие решения актора.
func (s *Service) ApproverRequests(ctx context.Context, actor model.Actor, search string) ([]*model.PurchaseRequest, error) {
	var level int
	switch actor.Role {
	case model.RoleSuperAdmin:
		level = 0 // все ожидающие заявки
	case model.RoleApproverL1, model.RoleApproverL2:
		level, _ = workflow.DecisionLevel(actor.Role)
	default:
		return nil, fmt.Errorf("%w: role %s has no approval queue", workflow.ErrForbidden, actor.Role)
	}

	return s.repo.ListApproverRequests(ctx, level, search)
}

// FinanceRequests возвращает согласованные заявки для финансовой сверки.
func (s *Service) FinanceRequests(ctx context.Context, actor model.Actor, validationState, search string) ([]*model.PurchaseRequest, error) {
	switch actor.Role {
	case model.RoleFinance, model.RoleSuperAdmin:
	default:
		return nil, fmt.Errorf("%w: role %s cannot access finance view", workflow.ErrForbidden, actor.Role)
	}

	switch validationState {
	case "", "matched", "mismatched", "pending":
	default:
		return nil, fmt.Errorf("%w: unknown validation state %q", workflow.ErrValidation, validationState)
	}

	return s.repo.ListFinanceRequests(ctx, validationState, search)
}

// GetExtraction возвращает сохранённое извлечение для слота документа заявки.
func (s *Service) GetExtraction(ctx context.Context, requestID string, slot model.DocSlot) (*model.DocumentExtraction, error) {
	switch slot {
	case model.DocSlotProforma, model.DocSlotReceipt:
	default:
		return nil, fmt.Errorf("%w: unknown document slot %q", workflow.ErrValidation, slot)
	}
	return s.repo.GetExtraction(ctx, requestID, slot)
}

// StartDocumentUpdates запускает фоновый процесс обмена с системой обработки документов.
func (s *Service) StartDocumentUpdates(ctx context.Context) {
	if s.docClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processDocumentBatch(ctx)
			}
		}
	}()
}

func (s *Service) processDocumentBatch(ctx context.Context) {
	jobs, err := s.repo.GetDocumentsForProcessing(ctx, 100)
	if err != nil {
		return
	}

	for _, job := range jobs {
		if job.Status == repository.DocumentStatusNew {
			s.submitDocument(ctx, job)
			continue
		}
		if stop := s.pollDocument(ctx, job); stop {
			return
		}
	}
}

func (s *Service) submitDocument(ctx context.Context, job repository.DocumentJob) {
	req, err := s.repo.GetRequest(ctx, job.RequestID)
	if err != nil {
		return
	}

	sub := docproc.SubmitDocumentRequest{
		DocumentID:       job.ID,
		RequestReference: req.Reference,
		DocType:          string(job.Slot),
		ObjectKey:        job.ObjectKey,
	}

	// для чека передаём данные заказа, с которыми внешняя система выполняет сверку
	if job.Slot == model.DocSlotReceipt && req.PurchaseOrder != nil {
		expected := &docproc.ExpectedDocument{
			VendorName:  req.PurchaseOrder.VendorName,
			TotalAmount: validation.FormatAmount(req.PurchaseOrder.TotalAmountCents),
			Currency:    req.PurchaseOrder.Currency,
		}
		for _, it := range req.Items {
			expected.Items = append(expected.Items, docproc.ExpectedItem{
				Name:      it.Name,
				Quantity:  it.Quantity,
				UnitPrice: validation.FormatAmount(it.UnitPriceCents),
			})
		}
		sub.Expected = expected
	}

	if err := s.docClient.SubmitDocument(ctx, sub); err != nil {
		return
	}

	_ = s.repo.SetDocumentStatus(ctx, job.ID, repository.DocumentStatusRegistered)
}

func (s *Service) pollDocument(ctx context.Context, job repository.DocumentJob) bool {
	res, statusCode, retryAfter, err := s.docClient.GetDocument(ctx, job.ID)
	if err != nil {
		return false
	}

	if statusCode == 429 {
		if retryAfter > 0 {
			timer := time.NewTimer(retryAfter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return true
			case <-timer.C:
			}
		}
		return false
	}

	if res == nil {
		return false
	}

	switch res.Status {
	case docproc.StatusRegistered:
	case docproc.StatusProcessing:
		if job.Status != repository.DocumentStatusProcessing {
			_ = s.repo.SetDocumentStatus(ctx, job.ID, repository.DocumentStatusProcessing)
		}
	case docproc.StatusInvalid:
		_ = s.repo.SetDocumentStatus(ctx, job.ID, repository.DocumentStatusInvalid)
	case docproc.StatusProcessed:
		s.applyDocumentResult(ctx, job, res)
	}

	return false
}

func (s *Service) applyDocumentResult(ctx context.Context, job repository.DocumentJob, res *docproc.DocumentResult) {
	if err := s.repo.SaveDocumentResult(ctx, job.ID, res.RawText, res.Confidence, res.Extraction); err != nil {
		return
	}

	switch job.Slot {
	case model.DocSlotProforma:
		if res.Extraction == nil {
			return
		}
		var amountCents *int64
		if res.Extraction.TotalAmount > 0 {
			v := int64(math.Round(res.Extraction.TotalAmount * 100))
			amountCents = &v
		}
		_ = s.repo.ApplyProformaExtraction(ctx, job.RequestID, amountCents, res.Extraction.VendorName)
	case model.DocSlotReceipt:
		if res.Validation == nil {
			return
		}
		_ = s.repo.SaveRequestValidation(ctx, job.RequestID, res.Validation)
	}
}
