// Package invoice предоставляет клиент внешнего сервиса генерации накладных.
// Генерация артефакта не участвует в транзакции журнала: её сбой не должен
// блокировать проведение заказа.
package invoice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mmeshcher/distributor-ledger/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом накладных.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

type renderRequest struct {
	FromEmail  string            `json:"from_email"`
	FromName   string            `json:"from_name"`
	Items      []model.OrderItem `json:"items"`
	GrandTotal float64           `json:"grand_total"`
}

type renderResponse struct {
	Reference string `json:"reference"`
	URL       string `json:"url"`
}

// NewClient создаёт HTTP-клиент сервиса накладных по указанному адресу.
func NewClient(baseURL string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 1 * time.Second
	c.HTTPClient.Timeout = 5 * time.Second
	c.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: c,
	}
}

// Render запрашивает генерацию накладной по заказу и возвращает ссылку
// на созданный артефакт.
func (c *Client) Render(ctx context.Context, order *model.Order) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("invoice renderer not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	payload, err := json.Marshal(renderRequest{
		FromEmail:  order.FromEmail,
		FromName:   order.FromName,
		Items:      order.Items,
		GrandTotal: float64(order.GrandTotal) / 100,
	})
	if err != nil {
		return "", fmt.Errorf("marshal render request: %w", err)
	}

	url := base + "/api/invoices"

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if result.Reference == "" {
		return "", fmt.Errorf("renderer returned empty reference")
	}

	return result.Reference, nil
}
