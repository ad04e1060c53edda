/**
 * @description
 * This package provides a client for the Operation Service, the ledger
 * that actually books money movement. It encapsulates authenticated HTTP
 * requests, request body construction, and response parsing.
 *
 * The service is idempotent per transaction id: posting the same
 * operation twice returns the operation id created the first time, which
 * is what makes handler retries safe after a crash between the ledger
 * call and the state write.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client is a client for the Operation Service API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new Operation Service client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Direction of a ledger operation relative to the customer account.
const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"
)

type postOperationRequest struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Amount        int64     `json:"amount"`
	Direction     string    `json:"direction"`
	Tag           string    `json:"tag"`
}

type operationResponse struct {
	Data struct {
		OperationID string `json:"operation_id"`
		Status      string `json:"status"`
	} `json:"data"`
}

// ErrorResponse represents an error from the Operation Service.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("operation service error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown operation service error"
}

// PostOperation books a ledger operation for the transaction and returns
// the ledger's operation id.
func (c *Client) PostOperation(ctx context.Context, transactionID uuid.UUID, amount int64, direction, tag string) (string, error) {
	payload := postOperationRequest{
		TransactionID: transactionID,
		Amount:        amount,
		Direction:     direction,
		Tag:           tag,
	}
	var resp operationResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/operations", payload, &resp); err != nil {
		return "", err
	}
	return resp.Data.OperationID, nil
}

// ReverseOperation issues a compensating reversal for a previously
// posted operation.
func (c *Client) ReverseOperation(ctx context.Context, operationID string) error {
	path := fmt.Sprintf("/api/v1/operations/%s/reverse", operationID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal operation request: %w", err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create operation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-ledger-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute operation request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read operation response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=ledger_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
			return fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		return &errResp
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode operation response: %w", err)
	}
	return nil
}
