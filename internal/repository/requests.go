package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/procurement-system/internal/model"
	"github.com/mmeshcher/procurement-system/internal/workflow"
)

const requestColumns = `id, reference, title, description, status,
	created_by_id, created_by_name, created_by_role, vendor_name, currency,
	amount_estimated, amount_from_proforma, proforma_url, receipt_url, purchase_order_url,
	current_level, required_levels, notes, needed_by,
	validation_is_match, validation_score, validation_details,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*model.PurchaseRequest, error) {
	var (
		req               model.PurchaseRequest
		createdByRole     string
		status            string
		validationIsMatch *bool
		validationScore   *float64
		validationDetails []byte
	)

	err := row.Scan(
		&req.ID, &req.Reference, &req.Title, &req.Description, &status,
		&req.CreatedBy.ID, &req.CreatedBy.Name, &createdByRole, &req.VendorName, &req.Currency,
		&req.AmountEstimatedCents, &req.AmountFromProformaCents, &req.ProformaURL, &req.ReceiptURL, &req.PurchaseOrderURL,
		&req.CurrentApprovalLevel, &req.RequiredApprovalLevels, &req.Notes, &req.NeededBy,
		&validationIsMatch, &validationScore, &validationDetails,
		&req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.Status = model.RequestStatus(status)
	req.CreatedBy.Role = model.Role(createdByRole)
	req.Items = []model.RequestItem{}
	req.Approvals = []model.ApprovalDecision{}

	if validationIsMatch != nil {
		v := &model.ValidationDetails{IsMatch: *validationIsMatch}
		if validationScore != nil {
			v.Score = *validationScore
		}
		if len(validationDetails) > 0 {
			var breakdown model.ValidationBreakdown
			if err := json.Unmarshal(validationDetails, &breakdown); err != nil {
				return nil, fmt.Errorf("unmarshal validation details: %w", err)
			}
			v.Details = &breakdown
		}
		req.LatestValidation = v
	}

	return &req, nil
}

func loadRequest(ctx context.Context, q querier, id string, forUpdate bool) (*model.PurchaseRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	req, err := scanRequest(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
		}
		return nil, fmt.Errorf("select request: %w", err)
	}

	byID := map[string]*model.PurchaseRequest{req.ID: req}
	if err := attachChildren(ctx, q, byID, []string{req.ID}); err != nil {
		return nil, err
	}

	return req, nil
}

func attachChildren(ctx context.Context, q querier, byID map[string]*model.PurchaseRequest, ids []string) error {
	rows, err := q.Query(ctx,
		`SELECT request_id, id, name, description, quantity, unit_price, total_price
		 FROM request_items
		 WHERE request_id = ANY($1)
		 ORDER BY request_id, position`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("select items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var requestID string
		var it model.RequestItem
		if err := rows.Scan(&requestID, &it.ID, &it.Name, &it.Description, &it.Quantity, &it.UnitPriceCents, &it.TotalPriceCents); err != nil {
			return fmt.Errorf("scan item: %w", err)
		}
		if req, ok := byID[requestID]; ok {
			req.Items = append(req.Items, it)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}
	rows.Close()

	rows, err = q.Query(ctx,
		`SELECT request_id, id, level, approver_id, approver_name, role, decision, comment, created_at
		 FROM approvals
		 WHERE request_id = ANY($1)
		 ORDER BY request_id, level`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("select approvals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var requestID, role, decision string
		var a model.ApprovalDecision
		if err := rows.Scan(&requestID, &a.ID, &a.Level, &a.ApproverID, &a.ApproverName, &role, &decision, &a.Comment, &a.CreatedAt); err != nil {
			return fmt.Errorf("scan approval: %w", err)
		}
		a.Role = model.Role(role)
		a.Decision = model.Decision(decision)
		if req, ok := byID[requestID]; ok {
			req.Approvals = append(req.Approvals, a)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}
	rows.Close()

	rows, err = q.Query(ctx,
		`SELECT request_id, po_number, vendor_name, total_amount, currency, terms, document_url, structured_data
		 FROM purchase_orders
		 WHERE request_id = ANY($1)`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("select purchase orders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var requestID string
		var po model.PurchaseOrderInfo
		var structured []byte
		if err := rows.Scan(&requestID, &po.PONumber, &po.VendorName, &po.TotalAmountCents, &po.Currency, &po.Terms, &po.DocumentURL, &structured); err != nil {
			return fmt.Errorf("scan purchase order: %w", err)
		}
		if len(structured) > 0 {
			po.StructuredData = json.RawMessage(structured)
		}
		if req, ok := byID[requestID]; ok {
			req.PurchaseOrder = &po
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	return nil
}

func loadExtractions(ctx context.Context, q querier, req *model.PurchaseRequest) error {
	rows, err := q.Query(ctx,
		`SELECT id, slot, document_url, raw_text, extraction, confidence, created_at
		 FROM documents
		 WHERE request_id = $1 AND status = $2 AND extraction IS NOT NULL`,
		req.ID, DocumentStatusProcessed,
	)
	if err != nil {
		return fmt.Errorf("select extractions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ext model.DocumentExtraction
		var slot string
		var payload []byte
		if err := rows.Scan(&ext.ID, &slot, &ext.DocumentURL, &ext.RawText, &payload, &ext.Confidence, &ext.CreatedAt); err != nil {
			return fmt.Errorf("scan extraction: %w", err)
		}
		ext.DocType = model.DocSlot(slot)
		if err := json.Unmarshal(payload, &ext.FinalData); err != nil {
			return fmt.Errorf("unmarshal extraction: %w", err)
		}

		switch ext.DocType {
		case model.DocSlotProforma:
			e := ext
			req.ProformaExtraction = &e
		case model.DocSlotReceipt:
			e := ext
			req.ReceiptExtraction = &e
		}
	}

	return rows.Err()
}

// CreateRequest сохраняет новую заявку и выделяет ей человекочитаемый номер.
func (r *PostgresRepository) CreateRequest(ctx context.Context, req *model.PurchaseRequest) (*model.PurchaseRequest, error) {
	req = req.Clone()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO requests (id, reference, title, description, status,
		                       created_by_id, created_by_name, created_by_role, vendor_name, currency,
		                       amount_estimated, current_level, required_levels, notes, needed_by)
		 VALUES ($1,
		         'REQ-' || to_char(now(), 'YYYY') || '-' || lpad(nextval('request_reference_seq')::text, 4, '0'),
		         $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING reference, created_at, updated_at`,
		req.ID, req.Title, req.Description, string(req.Status),
		req.CreatedBy.ID, req.CreatedBy.Name, string(req.CreatedBy.Role), req.VendorName, req.Currency,
		req.AmountEstimatedCents, req.CurrentApprovalLevel, req.RequiredApprovalLevels, req.Notes, req.NeededBy,
	).Scan(&req.Reference, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}

	for i, it := range req.Items {
		_, err := tx.Exec(ctx,
			`INSERT INTO request_items (id, request_id, position, name, description, quantity, unit_price, total_price)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			it.ID, req.ID, i, it.Name, it.Description, it.Quantity, it.UnitPriceCents, it.TotalPriceCents,
		)
		if err != nil {
			return nil, fmt.Errorf("insert item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return req, nil
}

// GetRequest возвращает заявку со всеми вложенными записями, включая извлечения документов.
func (r *PostgresRepository) GetRequest(ctx context.Context, id string) (*model.PurchaseRequest, error) {
	req, err := loadRequest(ctx, r.pool, id, false)
	if err != nil {
		return nil, err
	}
	if err := loadExtractions(ctx, r.pool, req); err != nil {
		return nil, err
	}
	return req, nil
}

// UpdateRequest применяет частичное изменение заявки атомарно.
// Строка заявки блокируется на время транзакции, правила изменения проверяет машина состояний.
func (r *PostgresRepository) UpdateRequest(ctx context.Context, id string, patch workflow.UpdatePatch, actor model.Actor) (*model.PurchaseRequest, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := loadRequest(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}

	updated, err := workflow.ApplyUpdate(req, patch, actor, time.Now())
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE requests
		 SET title = $2, description = $3, amount_estimated = $4, currency = $5, notes = $6, needed_by = $7, updated_at = $8
		 WHERE id = $1`,
		id, updated.Title, updated.Description, updated.AmountEstimatedCents, updated.Currency,
		updated.Notes, updated.NeededBy, updated.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update request: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return updated, nil
}

// DecideRequest применяет решение согласующего атомарно.
// Строка заявки блокируется для сериализации конкурирующих решений; при полном
// согласовании в той же транзакции формируется заказ на закупку.
func (r *PostgresRepository) DecideRequest(ctx context.Context, id string, actor model.Actor, decision model.Decision, comment string) (*model.PurchaseRequest, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := loadRequest(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}

	updated, err := workflow.Decide(req, actor, decision, comment, time.Now(), uuid.NewString)
	if err != nil {
		return nil, err
	}

	appended := updated.Approvals[len(updated.Approvals)-1]
	_, err = tx.Exec(ctx,
		`INSERT INTO approvals (id, request_id, level, approver_id, approver_name, role, decision, comment, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		appended.ID, id, appended.Level, appended.ApproverID, appended.ApproverName,
		string(appended.Role), string(appended.Decision), appended.Comment, appended.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert approval: %w", err)
	}

	if updated.Status == model.StatusApproved && updated.PurchaseOrder == nil {
		var poNumber string
		err = tx.QueryRow(ctx,
			`SELECT 'PO-' || to_char(now(), 'YYYY') || '-' || lpad(nextval('po_number_seq')::text, 4, '0')`,
		).Scan(&poNumber)
		if err != nil {
			return nil, fmt.Errorf("allocate po number: %w", err)
		}

		po := workflow.SynthesizePurchaseOrder(updated, poNumber)

		_, err = tx.Exec(ctx,
			`INSERT INTO purchase_orders (request_id, po_number, vendor_name, total_amount, currency, terms, document_url)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, po.PONumber, po.VendorName, po.TotalAmountCents, po.Currency, po.Terms, po.DocumentURL,
		)
		if err != nil {
			return nil, fmt.Errorf("insert purchase order: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE requests SET status = $2, current_level = $3, required_levels = $4, updated_at = $5 WHERE id = $1`,
		id, string(updated.Status), updated.CurrentApprovalLevel, updated.RequiredApprovalLevels, updated.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update request: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return updated, nil
}

// AttachReceipt регистрирует загруженный чек у согласованной заявки.
// Прежний чек и его результаты сверки заменяются целиком; статус, решения
// и заказ на закупку не затрагиваются. Возвращает обновлённый снимок
// и идентификатор документа для постановки в обработку.
func (r *PostgresRepository) AttachReceipt(ctx context.Context, id string, actor model.Actor, objectKey, documentURL string) (*model.PurchaseRequest, string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := loadRequest(ctx, tx, id, true)
	if err != nil {
		return nil, "", err
	}

	if err := workflow.CanAttachReceipt(req, actor); err != nil {
		return nil, "", err
	}

	docID := uuid.NewString()

	if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE request_id = $1 AND slot = $2`, id, string(model.DocSlotReceipt)); err != nil {
		return nil, "", fmt.Errorf("delete old receipt document: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO documents (id, request_id, slot, object_key, document_url, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		docID, id, string(model.DocSlotReceipt), objectKey, documentURL, DocumentStatusNew,
	)
	if err != nil {
		return nil, "", fmt.Errorf("insert receipt document: %w", err)
	}

	now := time.Now()
	_, err = tx.Exec(ctx,
		`UPDATE requests
		 SET receipt_url = $2, validation_is_match = NULL, validation_score = NULL, validation_details = NULL, updated_at = $3
		 WHERE id = $1`,
		id, documentURL, now,
	)
	if err != nil {
		return nil, "", fmt.Errorf("update request: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, "", fmt.Errorf("commit tx: %w", err)
	}

	updated := req.Clone()
	updated.ReceiptURL = documentURL
	updated.ReceiptExtraction = nil
	updated.LatestValidation = nil
	updated.UpdatedAt = now

	return updated, docID, nil
}

// AddProformaDocument регистрирует загруженную проформу у заявки.
func (r *PostgresRepository) AddProformaDocument(ctx context.Context, requestID, objectKey, documentURL string) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	docID := uuid.NewString()

	if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE request_id = $1 AND slot = $2`, requestID, string(model.DocSlotProforma)); err != nil {
		return "", fmt.Errorf("delete old proforma document: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO documents (id, request_id, slot, object_key, document_url, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		docID, requestID, string(model.DocSlotProforma), objectKey, documentURL, DocumentStatusNew,
	)
	if err != nil {
		return "", fmt.Errorf("insert proforma document: %w", err)
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE requests SET proforma_url = $2, updated_at = now() WHERE id = $1`,
		requestID, documentURL,
	)
	if err != nil {
		return "", fmt.Errorf("update request: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return "", fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}

	return docID, nil
}

func (r *PostgresRepository) listRequests(ctx context.Context, where string, args []any) ([]*model.PurchaseRequest, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE `+where+` ORDER BY created_at DESC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("select requests: %w", err)
	}
	defer rows.Close()

	var result []*model.PurchaseRequest
	byID := make(map[string]*model.PurchaseRequest)
	var ids []string

	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		result = append(result, req)
		byID[req.ID] = req
		ids = append(ids, req.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	rows.Close()

	if len(result) == 0 {
		return nil, nil
	}

	if err := attachChildren(ctx, r.pool, byID, ids); err != nil {
		return nil, err
	}

	return result, nil
}

// ListStaffRequests возвращает заявки, созданные указанным пользователем.
func (r *PostgresRepository) ListStaffRequests(ctx context.Context, ownerID int64, status model.RequestStatus, search string) ([]*model.PurchaseRequest, error) {
	where := `created_by_id = $1`
	args := []any{ownerID}

	if status != "" {
		args = append(args, string(status))
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if search != "" {
		args = append(args, "%"+search+"%")
		where += fmt.Sprintf(` AND (title ILIKE $%d OR description ILIKE $%d)`, len(args), len(args))
	}

	return r.listRequests(ctx, where, args)
}

// ListApproverRequests возвращает заявки, ожидающие решения на указанном уровне.
// Нулевой уровень означает все ожидающие заявки.
func (r *PostgresRepository) ListApproverRequests(ctx context.Context, level int, search string) ([]*model.PurchaseRequest, error) {
	where := `status = $1`
	args := []any{string(model.StatusPending)}

	if level > 0 {
		args = append(args, level)
		where += fmt.Sprintf(` AND current_level = $%d`, len(args))
	}
	if search != "" {
		args = append(args, "%"+search+"%")
		where += fmt.Sprintf(` AND (title ILIKE $%d OR description ILIKE $%d)`, len(args), len(args))
	}

	return r.listRequests(ctx, where, args)
}

// ListFinanceRequests возвращает согласованные заявки с фильтром по состоянию сверки.
func (r *PostgresRepository) ListFinanceRequests(ctx context.Context, validationState, search string) ([]*model.PurchaseRequest, error) {
	where := `status = $1`
	args := []any{string(model.StatusApproved)}

	switch validationState {
	case "matched":
		where += ` AND validation_is_match = TRUE`
	case "mismatched":
		where += ` AND validation_is_match = FALSE`
	case "pending":
		where += ` AND validation_is_match IS NULL`
	}

	if search != "" {
		args = append(args, "%"+search+"%")
		where += fmt.Sprintf(` AND (title ILIKE $%d OR description ILIKE $%d)`, len(args), len(args))
	}

	return r.listRequests(ctx, where, args)
}

// GetExtraction возвращает сохранённое извлечение для слота документа заявки.
func (r *PostgresRepository) GetExtraction(ctx context.Context, requestID string, slot model.DocSlot) (*model.DocumentExtraction, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, slot, document_url, raw_text, extraction, confidence, created_at
		 FROM documents
		 WHERE request_id = $1 AND slot = $2 AND status = $3 AND extraction IS NOT NULL`,
		requestID, string(slot), DocumentStatusProcessed,
	)

	var ext model.DocumentExtraction
	var slotStr string
	var payload []byte
	err := row.Scan(&ext.ID, &slotStr, &ext.DocumentURL, &ext.RawText, &payload, &ext.Confidence, &ext.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", ErrDocumentNotFound, requestID, slot)
		}
		return nil, fmt.Errorf("select extraction: %w", err)
	}

	ext.DocType = model.DocSlot(slotStr)
	if err := json.Unmarshal(payload, &ext.FinalData); err != nil {
		return nil, fmt.Errorf("unmarshal extraction: %w", err)
	}

	return &ext, nil
}
