// Package docproc предоставляет клиент для внешней системы обработки документов.
//
// Внешняя система извлекает данные из проформ и чеков и сверяет чек
// с заказом на закупку; сервис закупок только отправляет документы
// и опрашивает результат.
package docproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/procurement-system/internal/model"
)

// Статусы обработки документа во внешней системе.
const (
	StatusRegistered = "REGISTERED"
	StatusProcessing = "PROCESSING"
	StatusInvalid    = "INVALID"
	StatusProcessed  = "PROCESSED"
)

// Client инкапсулирует HTTP-взаимодействие с системой обработки документов.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ExpectedItem описывает ожидаемую позицию для сверки чека.
type ExpectedItem struct {
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

// ExpectedDocument описывает данные заказа, с которыми внешняя система сверяет чек.
type ExpectedDocument struct {
	VendorName  string         `json:"vendor_name"`
	TotalAmount string         `json:"total_amount"`
	Currency    string         `json:"currency"`
	Items       []ExpectedItem `json:"items,omitempty"`
}

// SubmitDocumentRequest описывает задание на обработку документа.
type SubmitDocumentRequest struct {
	DocumentID       string            `json:"document_id"`
	RequestReference string            `json:"request_reference"`
	DocType          string            `json:"doc_type"`
	ObjectKey        string            `json:"object_key"`
	Expected         *ExpectedDocument `json:"expected,omitempty"`
}

// DocumentResult описывает состояние обработки документа во внешней системе.
type DocumentResult struct {
	ID         string                   `json:"id"`
	Status     string                   `json:"status"`
	RawText    string                   `json:"raw_text,omitempty"`
	Confidence float64                  `json:"confidence,omitempty"`
	Extraction *model.ExtractionSummary `json:"extraction,omitempty"`
	Validation *model.ValidationDetails `json:"validation,omitempty"`
}

// NewClient создаёт HTTP-клиент для обращения к системе обработки документов по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *Client) resolveBase() string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base
}

// SubmitDocument регистрирует документ на обработку во внешней системе.
func (c *Client) SubmitDocument(ctx context.Context, sub SubmitDocumentRequest) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("docproc client not configured")
	}

	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submit request: %w", err)
	}

	url := fmt.Sprintf("%s/api/documents", c.resolveBase())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}

// GetDocument запрашивает состояние обработки документа по его идентификатору.
// Возвращает результат, HTTP-статус и задержку из заголовка Retry-After при 429.
func (c *Client) GetDocument(ctx context.Context, documentID string) (*DocumentResult, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("docproc client not configured")
	}

	url := fmt.Sprintf("%s/api/documents/%s", c.resolveBase(), documentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result DocumentResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}
