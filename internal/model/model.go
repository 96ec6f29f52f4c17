// Package model содержит доменные сущности сервиса закупок.
package model

import (
	"encoding/json"
	"time"
)

// Role описывает роль пользователя в процессе закупок.
type Role string

const (
	RoleStaff      Role = "staff"
	RoleApproverL1 Role = "approver_lvl1"
	RoleApproverL2 Role = "approver_lvl2"
	RoleFinance    Role = "finance"
	RoleSuperAdmin Role = "super_admin"
)

// Valid проверяет, что роль входит в перечень известных.
func (r Role) Valid() bool {
	switch r {
	case RoleStaff, RoleApproverL1, RoleApproverL2, RoleFinance, RoleSuperAdmin:
		return true
	}
	return false
}

// RequestStatus описывает статус заявки на закупку.
type RequestStatus string

const (
	StatusPending  RequestStatus = "PENDING"
	StatusApproved RequestStatus = "APPROVED"
	StatusRejected RequestStatus = "REJECTED"
)

// Decision описывает решение согласующего по заявке.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// DocSlot описывает слот документа, прикреплённого к заявке.
type DocSlot string

const (
	DocSlotProforma DocSlot = "proforma"
	DocSlotReceipt  DocSlot = "receipt"
)

// User представляет зарегистрированного пользователя системы закупок.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	FullName     string
	Role         Role
	CreatedAt    time.Time
}

// Actor — снимок личности пользователя, выполняющего операцию.
// Сохраняется в заявке и в решениях согласующих без связи с таблицей пользователей.
type Actor struct {
	ID   int64
	Name string
	Role Role
}

// RequestItem описывает одну позицию заявки на закупку.
// TotalPriceCents всегда равен Quantity * UnitPriceCents и пересчитывается при изменении.
type RequestItem struct {
	ID              string
	Name            string
	Description     string
	Quantity        int
	UnitPriceCents  int64
	TotalPriceCents int64
}

// ApprovalDecision описывает зафиксированное решение согласующего одного уровня.
type ApprovalDecision struct {
	ID           string
	Level        int
	ApproverID   int64
	ApproverName string
	Role         Role
	Decision     Decision
	Comment      string
	CreatedAt    time.Time
}

// PurchaseOrderInfo описывает заказ на закупку, сформированный после полного согласования.
type PurchaseOrderInfo struct {
	PONumber         string
	VendorName       string
	TotalAmountCents int64
	Currency         string
	Terms            string
	DocumentURL      string
	StructuredData   json.RawMessage
}

// ExtractionItem описывает одну позицию, извлечённую из документа внешней системой.
type ExtractionItem struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	TotalPrice  float64 `json:"total_price"`
}

// ExtractionSummary описывает структурированный результат извлечения данных из документа.
// Суммы здесь — сырые значения внешней системы, они не участвуют в денежной арифметике сервиса.
type ExtractionSummary struct {
	VendorName   string           `json:"vendor_name,omitempty"`
	Currency     string           `json:"currency,omitempty"`
	DocumentDate string           `json:"document_date,omitempty"`
	TotalAmount  float64          `json:"total_amount,omitempty"`
	Items        []ExtractionItem `json:"items,omitempty"`
	Terms        string           `json:"terms,omitempty"`
	Confidence   float64          `json:"confidence,omitempty"`
}

// DocumentExtraction описывает сохранённый результат обработки документа.
type DocumentExtraction struct {
	ID          string            `json:"id"`
	DocType     DocSlot           `json:"doc_type"`
	DocumentURL string            `json:"document_url"`
	RawText     string            `json:"raw_text,omitempty"`
	FinalData   ExtractionSummary `json:"final_data"`
	Confidence  float64           `json:"confidence_score"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ValidationVendorMatch описывает сопоставление поставщика в чеке и в заказе.
type ValidationVendorMatch struct {
	Expected   string  `json:"expected,omitempty"`
	Found      string  `json:"found,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
}

// ValidationAmountMatch описывает сопоставление итоговых сумм.
type ValidationAmountMatch struct {
	Expected   float64 `json:"expected,omitempty"`
	Found      float64 `json:"found,omitempty"`
	Difference float64 `json:"difference,omitempty"`
}

// ValidationItemDifference описывает расхождение по одной позиции.
type ValidationItemDifference struct {
	ItemName          string  `json:"item_name,omitempty"`
	Issue             string  `json:"issue,omitempty"`
	ExpectedQuantity  float64 `json:"expected_quantity,omitempty"`
	FoundQuantity     float64 `json:"found_quantity,omitempty"`
	ExpectedUnitPrice float64 `json:"expected_unit_price,omitempty"`
	FoundUnitPrice    float64 `json:"found_unit_price,omitempty"`
}

// ValidationAnalysis содержит свободный текстовый разбор от внешней системы.
type ValidationAnalysis struct {
	Summary    string   `json:"summary,omitempty"`
	Issues     []string `json:"issues,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

// ValidationBreakdown объединяет детали сверки чека с заказом.
type ValidationBreakdown struct {
	VendorMatch      *ValidationVendorMatch     `json:"vendor_match,omitempty"`
	TotalAmountMatch *ValidationAmountMatch     `json:"total_amount_match,omitempty"`
	ItemDifferences  []ValidationItemDifference `json:"item_differences,omitempty"`
	LLMAnalysis      *ValidationAnalysis        `json:"llm_analysis,omitempty"`
}

// ValidationDetails — результат внешней сверки чека с заказом на закупку.
// Сервис хранит только последний результат по заявке и сам сверку не выполняет.
type ValidationDetails struct {
	IsMatch bool                 `json:"is_match"`
	Score   float64              `json:"score"`
	Details *ValidationBreakdown `json:"details,omitempty"`
}

// PurchaseRequest — агрегат заявки на закупку.
type PurchaseRequest struct {
	ID                      string
	Reference               string
	Title                   string
	Description             string
	Status                  RequestStatus
	CreatedBy               Actor
	VendorName              string
	Currency                string
	AmountEstimatedCents    int64
	AmountFromProformaCents *int64
	ProformaURL             string
	ReceiptURL              string
	PurchaseOrderURL        string
	Items                   []RequestItem
	Approvals               []ApprovalDecision
	PurchaseOrder           *PurchaseOrderInfo
	ProformaExtraction      *DocumentExtraction
	ReceiptExtraction       *DocumentExtraction
	LatestValidation        *ValidationDetails
	CurrentApprovalLevel    int
	RequiredApprovalLevels  int
	Notes                   string
	NeededBy                *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Clone возвращает копию заявки, не разделяющую слайсы и вложенные записи с оригиналом.
func (r *PurchaseRequest) Clone() *PurchaseRequest {
	cp := *r

	cp.Items = make([]RequestItem, len(r.Items))
	copy(cp.Items, r.Items)

	cp.Approvals = make([]ApprovalDecision, len(r.Approvals))
	copy(cp.Approvals, r.Approvals)

	if r.AmountFromProformaCents != nil {
		v := *r.AmountFromProformaCents
		cp.AmountFromProformaCents = &v
	}
	if r.PurchaseOrder != nil {
		po := *r.PurchaseOrder
		cp.PurchaseOrder = &po
	}
	if r.NeededBy != nil {
		nb := *r.NeededBy
		cp.NeededBy = &nb
	}

	return &cp
}
