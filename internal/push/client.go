// Package push: HTTP-клиент микросервиса пуш-уведомлений.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/msgcore/internal/logger"
)

// Client вызывает микросервис пуш-уведомлений. С пустым URL методы ничего не делают.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент. Пустой baseURL отключает пуши.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		return &Client{}
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient}
}

func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// NotifyRequest: запрос на отправку уведомления.
type NotifyRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// Notify отправляет пуш пользователю. Ошибки только логируются: пуш не должен влиять на отправку сообщения.
func (c *Client) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if !c.Enabled() {
		return
	}
	if err := c.notify(ctx, NotifyRequest{UserID: userID, Title: title, Body: body, Data: data}); err != nil {
		logger.Errorf("push notify user_id=%s: %v", userID, err)
	}
}

func (c *Client) notify(ctx context.Context, payload NotifyRequest) error {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/notify", bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
