// Package workflow реализует машину состояний согласования заявки на закупку.
//
// Все функции пакета чистые: они принимают текущий снимок заявки и команду
// и возвращают новый снимок либо ошибку, не обращаясь к хранилищу.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/procurement-system/internal/model"
	"github.com/mmeshcher/procurement-system/internal/validation"
)

// ErrValidation возвращается при некорректных входных данных команды.
var (
	ErrValidation = errors.New("validation error")
	// ErrForbidden возвращается, когда у актора нет прав на запрошенный переход.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState возвращается, когда операция недопустима для текущего статуса заявки.
	ErrInvalidState = errors.New("invalid request state")
)

const (
	// RequiredApprovalLevels — число уровней согласования для новой заявки.
	RequiredApprovalLevels = 2

	// VendorPlaceholder подставляется в заказ, если поставщик ещё не определён.
	VendorPlaceholder = "TBD Vendor"

	// DefaultPOTerms — условия оплаты по умолчанию для сформированного заказа.
	DefaultPOTerms = "Payment due within 30 days."
)

// ItemInput описывает позицию заявки во входных данных команды создания.
type ItemInput struct {
	Name           string
	Description    string
	Quantity       int
	UnitPriceCents int64
}

// CreateInput описывает входные данные команды создания заявки.
type CreateInput struct {
	Title                string
	Description          string
	AmountEstimatedCents int64
	Currency             string
	VendorName           string
	Notes                string
	NeededBy             *time.Time
	Items                []ItemInput
}

// UpdatePatch описывает частичное изменение заявки. Поля со значением nil не изменяются.
type UpdatePatch struct {
	Title                *string
	Description          *string
	AmountEstimatedCents *int64
	Currency             *string
	Notes                *string
	NeededBy             *time.Time
}

// DecisionLevel возвращает уровень согласования, закреплённый за ролью.
func DecisionLevel(role model.Role) (int, bool) {
	switch role {
	case model.RoleApproverL1:
		return 1, true
	case model.RoleApproverL2:
		return 2, true
	}
	return 0, false
}

// Create строит новую заявку в статусе PENDING на первом уровне согласования.
// Создавать заявки могут только staff и super_admin. Если оценочная сумма
// не задана, она выводится как сумма позиций.
func Create(input CreateInput, actor model.Actor, now time.Time, newID func() string) (*model.PurchaseRequest, error) {
	switch actor.Role {
	case model.RoleStaff, model.RoleSuperAdmin:
	default:
		return nil, fmt.Errorf("%w: role %s cannot create requests", ErrForbidden, actor.Role)
	}

	if input.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if input.Description == "" {
		return nil, fmt.Errorf("%w: description is required", ErrValidation)
	}

	items := make([]model.RequestItem, 0, len(input.Items))
	var itemsTotal int64
	for _, it := range input.Items {
		if it.Name == "" {
			return nil, fmt.Errorf("%w: item name is required", ErrValidation)
		}
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %q quantity must be positive", ErrValidation, it.Name)
		}
		if it.UnitPriceCents < 0 {
			return nil, fmt.Errorf("%w: item %q unit price must not be negative", ErrValidation, it.Name)
		}
		total := int64(it.Quantity) * it.UnitPriceCents
		itemsTotal += total
		items = append(items, model.RequestItem{
			ID:              newID(),
			Name:            it.Name,
			Description:     it.Description,
			Quantity:        it.Quantity,
			UnitPriceCents:  it.UnitPriceCents,
			TotalPriceCents: total,
		})
	}

	amount := input.AmountEstimatedCents
	if amount <= 0 {
		amount = itemsTotal
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: estimated amount must be positive or derivable from items", ErrValidation)
	}

	return &model.PurchaseRequest{
		ID:                     newID(),
		Title:                  input.Title,
		Description:            input.Description,
		Status:                 model.StatusPending,
		CreatedBy:              actor,
		VendorName:             input.VendorName,
		Currency:               validation.NormalizeCurrency(input.Currency),
		AmountEstimatedCents:   amount,
		Items:                  items,
		Approvals:              []model.ApprovalDecision{},
		CurrentApprovalLevel:   1,
		RequiredApprovalLevels: RequiredApprovalLevels,
		Notes:                  input.Notes,
		NeededBy:               input.NeededBy,
		CreatedAt:              now,
		UpdatedAt:              now,
	}, nil
}

// ApplyUpdate применяет частичное изменение к заявке.
// Изменение допустимо только в статусе PENDING и только владельцем заявки,
// super_admin может изменять чужие заявки.
func ApplyUpdate(req *model.PurchaseRequest, patch UpdatePatch, actor model.Actor, now time.Time) (*model.PurchaseRequest, error) {
	if req.Status != model.StatusPending {
		return nil, fmt.Errorf("%w: request %s is %s", ErrInvalidState, req.ID, req.Status)
	}
	if actor.Role != model.RoleSuperAdmin && actor.ID != req.CreatedBy.ID {
		return nil, fmt.Errorf("%w: only the owner may update request %s", ErrForbidden, req.ID)
	}

	updated := req.Clone()

	if patch.Title != nil {
		if *patch.Title == "" {
			return nil, fmt.Errorf("%w: title is required", ErrValidation)
		}
		updated.Title = *patch.Title
	}
	if patch.Description != nil {
		if *patch.Description == "" {
			return nil, fmt.Errorf("%w: description is required", ErrValidation)
		}
		updated.Description = *patch.Description
	}
	if patch.AmountEstimatedCents != nil {
		if *patch.AmountEstimatedCents <= 0 {
			return nil, fmt.Errorf("%w: estimated amount must be positive", ErrValidation)
		}
		updated.AmountEstimatedCents = *patch.AmountEstimatedCents
	}
	if patch.Currency != nil {
		updated.Currency = validation.NormalizeCurrency(*patch.Currency)
	}
	if patch.Notes != nil {
		updated.Notes = *patch.Notes
	}
	if patch.NeededBy != nil {
		nb := *patch.NeededBy
		updated.NeededBy = &nb
	}

	updated.UpdatedAt = now
	return updated, nil
}

// Decide применяет решение согласующего к заявке и возвращает новый снимок.
//
// Решение допустимо только в статусе PENDING. Роль актора должна
// соответствовать текущему уровню согласования заявки; super_admin может
// решать на любом уровне. Попытка решения не на своём уровне — ошибка
// ErrForbidden без изменения состояния, повторное решение по терминальной
// заявке — ErrInvalidState.
func Decide(req *model.PurchaseRequest, actor model.Actor, decision model.Decision, comment string, now time.Time, newID func() string) (*model.PurchaseRequest, error) {
	if decision != model.DecisionApproved && decision != model.DecisionRejected {
		return nil, fmt.Errorf("%w: unknown decision %q", ErrValidation, decision)
	}
	if req.Status != model.StatusPending {
		return nil, fmt.Errorf("%w: request %s is already %s", ErrInvalidState, req.ID, req.Status)
	}

	switch actor.Role {
	case model.RoleSuperAdmin:
		// super_admin решает на любом уровне
	case model.RoleApproverL1, model.RoleApproverL2:
		level, _ := DecisionLevel(actor.Role)
		if level != req.CurrentApprovalLevel {
			return nil, fmt.Errorf("%w: request %s awaits level %d approval, actor decides at level %d",
				ErrForbidden, req.ID, req.CurrentApprovalLevel, level)
		}
	case model.RoleStaff, model.RoleFinance:
		return nil, fmt.Errorf("%w: role %s cannot decide on requests", ErrForbidden, actor.Role)
	default:
		return nil, fmt.Errorf("%w: unknown role %s", ErrForbidden, actor.Role)
	}

	updated := req.Clone()
	updated.Approvals = append(updated.Approvals, model.ApprovalDecision{
		ID:           newID(),
		Level:        req.CurrentApprovalLevel,
		ApproverID:   actor.ID,
		ApproverName: actor.Name,
		Role:         actor.Role,
		Decision:     decision,
		Comment:      comment,
		CreatedAt:    now,
	})
	updated.UpdatedAt = now

	if decision == model.DecisionRejected {
		updated.Status = model.StatusRejected
		updated.RequiredApprovalLevels = 0
		return updated, nil
	}

	updated.RequiredApprovalLevels--
	if updated.RequiredApprovalLevels <= 0 {
		updated.RequiredApprovalLevels = 0
		updated.Status = model.StatusApproved
	} else {
		updated.CurrentApprovalLevel++
	}

	return updated, nil
}

// SynthesizePurchaseOrder формирует заказ на закупку для полностью согласованной заявки
// и записывает его в снимок. Повторный вызов возвращает уже сформированный заказ
// без изменений; номер заказа выделяется вызывающей стороной.
func SynthesizePurchaseOrder(req *model.PurchaseRequest, poNumber string) *model.PurchaseOrderInfo {
	if req.PurchaseOrder != nil {
		return req.PurchaseOrder
	}

	vendor := req.VendorName
	if vendor == "" {
		vendor = VendorPlaceholder
	}

	total := req.AmountEstimatedCents
	if req.AmountFromProformaCents != nil && *req.AmountFromProformaCents > 0 {
		total = *req.AmountFromProformaCents
	}

	req.PurchaseOrder = &model.PurchaseOrderInfo{
		PONumber:         poNumber,
		VendorName:       vendor,
		TotalAmountCents: total,
		Currency:         validation.NormalizeCurrency(req.Currency),
		Terms:            DefaultPOTerms,
	}

	return req.PurchaseOrder
}

// CanAttachReceipt проверяет, что к заявке можно прикрепить чек.
// Чек прикрепляется только к согласованной заявке; это разрешено владельцу,
// финансовой роли и super_admin.
func CanAttachReceipt(req *model.PurchaseRequest, actor model.Actor) error {
	if req.Status != model.StatusApproved {
		return fmt.Errorf("%w: receipt requires an approved request, %s is %s", ErrInvalidState, req.ID, req.Status)
	}

	switch actor.Role {
	case model.RoleSuperAdmin, model.RoleFinance:
		return nil
	case model.RoleStaff:
		if actor.ID == req.CreatedBy.ID {
			return nil
		}
	}

	return fmt.Errorf("%w: role %s cannot submit receipts for request %s", ErrForbidden, actor.Role, req.ID)
}
