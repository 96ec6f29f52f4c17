package handler

import (
	"encoding/json"
	"time"

	"github.com/mmeshcher/procurement-system/internal/model"
	"github.com/mmeshcher/procurement-system/internal/validation"
)

type actorResponse struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

type itemResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	TotalPrice  string `json:"total_price"`
}

type approvalResponse struct {
	ID           string `json:"id"`
	Level        int    `json:"level"`
	ApproverID   int64  `json:"approver_id"`
	ApproverName string `json:"approver_name"`
	Role         string `json:"role"`
	Decision     string `json:"decision"`
	Comment      string `json:"comment,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type purchaseOrderResponse struct {
	PONumber       string          `json:"po_number"`
	VendorName     string          `json:"vendor_name"`
	TotalAmount    string          `json:"total_amount"`
	Currency       string          `json:"currency"`
	Terms          string          `json:"terms,omitempty"`
	DocumentURL    string          `json:"document_url,omitempty"`
	StructuredData json.RawMessage `json:"structured_data,omitempty"`
}

type requestResponse struct {
	ID                     string                    `json:"id"`
	Reference              string                    `json:"reference"`
	Title                  string                    `json:"title"`
	Description            string                    `json:"description"`
	Status                 string                    `json:"status"`
	CreatedBy              actorResponse             `json:"created_by"`
	VendorName             string                    `json:"vendor_name,omitempty"`
	Currency               string                    `json:"currency"`
	AmountEstimated        string                    `json:"amount_estimated"`
	AmountFromProforma     *string                   `json:"amount_from_proforma,omitempty"`
	ProformaURL            string                    `json:"proforma_url,omitempty"`
	ReceiptURL             string                    `json:"receipt_url,omitempty"`
	PurchaseOrderURL       string                    `json:"purchase_order_url,omitempty"`
	Items                  []itemResponse            `json:"items"`
	Approvals              []approvalResponse        `json:"approvals"`
	PurchaseOrder          *purchaseOrderResponse    `json:"purchase_order,omitempty"`
	ProformaExtraction     *model.DocumentExtraction `json:"proforma_extraction,omitempty"`
	ReceiptExtraction      *model.DocumentExtraction `json:"receipt_extraction,omitempty"`
	LatestValidation       *model.ValidationDetails  `json:"latest_validation,omitempty"`
	CurrentApprovalLevel   int                       `json:"current_approval_level"`
	RequiredApprovalLevels int                       `json:"required_approval_levels"`
	Notes                  string                    `json:"notes,omitempty"`
	NeededBy               *string                   `json:"needed_by,omitempty"`
	CreatedAt              string                    `json:"created_at"`
	UpdatedAt              string                    `json:"updated_at"`
}

func toRequestResponse(req *model.PurchaseRequest) requestResponse {
	resp := requestResponse{
		ID:          req.ID,
		Reference:   req.Reference,
		Title:       req.Title,
		Description: req.Description,
		Status:      string(req.Status),
		CreatedBy: actorResponse{
			ID:       req.CreatedBy.ID,
			FullName: req.CreatedBy.Name,
			Role:     string(req.CreatedBy.Role),
		},
		VendorName:             req.VendorName,
		Currency:               req.Currency,
		AmountEstimated:        validation.FormatAmount(req.AmountEstimatedCents),
		ProformaURL:            req.ProformaURL,
		ReceiptURL:             req.ReceiptURL,
		PurchaseOrderURL:       req.PurchaseOrderURL,
		Items:                  make([]itemResponse, 0, len(req.Items)),
		Approvals:              make([]approvalResponse, 0, len(req.Approvals)),
		ProformaExtraction:     req.ProformaExtraction,
		ReceiptExtraction:      req.ReceiptExtraction,
		LatestValidation:       req.LatestValidation,
		CurrentApprovalLevel:   req.CurrentApprovalLevel,
		RequiredApprovalLevels: req.RequiredApprovalLevels,
		Notes:                  req.Notes,
		CreatedAt:              req.CreatedAt.Format(time.RFC3339),
		UpdatedAt:              req.UpdatedAt.Format(time.RFC3339),
	}

	if req.AmountFromProformaCents != nil {
		v := validation.FormatAmount(*req.AmountFromProformaCents)
		resp.AmountFromProforma = &v
	}
	if req.NeededBy != nil {
		v := req.NeededBy.Format(time.RFC3339)
		resp.NeededBy = &v
	}

	for _, it := range req.Items {
		resp.Items = append(resp.Items, itemResponse{
			ID:          it.ID,
			Name:        it.Name,
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   validation.FormatAmount(it.UnitPriceCents),
			TotalPrice:  validation.FormatAmount(it.TotalPriceCents),
		})
	}

	for _, a := range req.Approvals {
		resp.Approvals = append(resp.Approvals, approvalResponse{
			ID:           a.ID,
			Level:        a.Level,
			ApproverID:   a.ApproverID,
			ApproverName: a.ApproverName,
			Role:         string(a.Role),
			Decision:     string(a.Decision),
			Comment:      a.Comment,
			CreatedAt:    a.CreatedAt.Format(time.RFC3339),
		})
	}

	if req.PurchaseOrder != nil {
		resp.PurchaseOrder = &purchaseOrderResponse{
			PONumber:       req.PurchaseOrder.PONumber,
			VendorName:     req.PurchaseOrder.VendorName,
			TotalAmount:    validation.FormatAmount(req.PurchaseOrder.TotalAmountCents),
			Currency:       req.PurchaseOrder.Currency,
			Terms:          req.PurchaseOrder.Terms,
			DocumentURL:    req.PurchaseOrder.DocumentURL,
			StructuredData: req.PurchaseOrder.StructuredData,
		}
	}

	return resp
}

func toListResponse(requests []*model.PurchaseRequest) listResponse {
	resp := listResponse{Results: make([]requestResponse, 0, len(requests))}
	for _, req := range requests {
		resp.Results = append(resp.Results, toRequestResponse(req))
	}
	return resp
}
