// Package gateway holds the clients for billing and artifact storage.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"delogo/task"

	"go.uber.org/zap"
)

// BillingClient charges credits through the billing service over HTTP.
type BillingClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

func NewBillingClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *BillingClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BillingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type chargeBody struct {
	UserID  string `json:"userId"`
	TaskID  string `json:"taskId"`
	Credits int    `json:"credits"`
}

// Charge posts one charge. The billing service deduplicates on the
// Idempotency-Key header, so a repeated call for the same task is harmless;
// 409 means the charge already exists.
func (b *BillingClient) Charge(ctx context.Context, req task.ChargeRequest) error {
	if req.IdempotencyKey == "" {
		return errors.New("charge without idempotency key")
	}
	body, err := json.Marshal(chargeBody{UserID: req.UserID, TaskID: req.TaskID, Credits: req.Credits})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/charges", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("billing request: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		b.logger.Debug("credits charged", zap.String("task_id", req.TaskID), zap.Int("credits", req.Credits))
		return nil
	case resp.StatusCode == http.StatusConflict:
		b.logger.Info("charge already recorded", zap.String("task_id", req.TaskID))
		return nil
	}
	return fmt.Errorf("billing rejected charge for %s: status %d: %s", req.TaskID, resp.StatusCode, strings.TrimSpace(string(msg)))
}
