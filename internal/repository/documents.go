package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mmeshcher/procurement-system/internal/model"
)

// Статусы документа в очереди обработки.
const (
	DocumentStatusNew        = "NEW"
	DocumentStatusRegistered = "REGISTERED"
	DocumentStatusProcessing = "PROCESSING"
	DocumentStatusProcessed  = "PROCESSED"
	DocumentStatusInvalid    = "INVALID"
)

// DocumentJob описывает документ, ожидающий отправки или результата обработки.
type DocumentJob struct {
	ID        string
	RequestID string
	Slot      model.DocSlot
	ObjectKey string
	Status    string
}

// GetDocumentsForProcessing возвращает документы, для которых нужно запросить обработку или её результат.
func (r *PostgresRepository) GetDocumentsForProcessing(ctx context.Context, limit int) ([]DocumentJob, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, request_id, slot, object_key, status
		 FROM documents
		 WHERE status IN ($1, $2, $3)
		 ORDER BY created_at
		 LIMIT $4`,
		DocumentStatusNew, DocumentStatusRegistered, DocumentStatusProcessing, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select documents: %w", err)
	}
	defer rows.Close()

	var res []DocumentJob
	for rows.Next() {
		var job DocumentJob
		var slot string
		if err := rows.Scan(&job.ID, &job.RequestID, &slot, &job.ObjectKey, &job.Status); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		job.Slot = model.DocSlot(slot)
		res = append(res, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SetDocumentStatus обновляет статус обработки документа.
func (r *PostgresRepository) SetDocumentStatus(ctx context.Context, docID, status string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE documents SET status = $2, updated_at = now() WHERE id = $1`,
		docID, status,
	)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	return nil
}

// SaveDocumentResult сохраняет завершённый результат извлечения данных из документа.
func (r *PostgresRepository) SaveDocumentResult(ctx context.Context, docID, rawText string, confidence float64, extraction *model.ExtractionSummary) error {
	payload, err := json.Marshal(extraction)
	if err != nil {
		return fmt.Errorf("marshal extraction: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`UPDATE documents
		 SET status = $2, raw_text = $3, confidence = $4, extraction = $5, updated_at = now()
		 WHERE id = $1`,
		docID, DocumentStatusProcessed, rawText, confidence, payload,
	)
	if err != nil {
		return fmt.Errorf("save document result: %w", err)
	}
	return nil
}

// ApplyProformaExtraction записывает в заявку сумму из проформы и дополняет поставщика,
// если он ещё не был указан.
func (r *PostgresRepository) ApplyProformaExtraction(ctx context.Context, requestID string, amountCents *int64, vendorName string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE requests
		 SET amount_from_proforma = COALESCE($2, amount_from_proforma),
		     vendor_name = CASE WHEN vendor_name = '' AND $3 <> '' THEN $3 ELSE vendor_name END,
		     updated_at = now()
		 WHERE id = $1`,
		requestID, amountCents, vendorName,
	)
	if err != nil {
		return fmt.Errorf("apply proforma extraction: %w", err)
	}
	return nil
}

// SaveRequestValidation сохраняет последний результат сверки чека у заявки.
// Прежний результат затирается; история сверок не ведётся.
func (r *PostgresRepository) SaveRequestValidation(ctx context.Context, requestID string, v *model.ValidationDetails) error {
	var details []byte
	if v.Details != nil {
		payload, err := json.Marshal(v.Details)
		if err != nil {
			return fmt.Errorf("marshal validation details: %w", err)
		}
		details = payload
	}

	_, err := r.pool.Exec(ctx,
		`UPDATE requests
		 SET validation_is_match = $2, validation_score = $3, validation_details = $4, updated_at = now()
		 WHERE id = $1`,
		requestID, v.IsMatch, v.Score, details,
	)
	if err != nil {
		return fmt.Errorf("save request validation: %w", err)
	}
	return nil
}
