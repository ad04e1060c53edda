/**
 * @description
 * This package provides a client for the PSP/clearing gateway that
 * forwards outbound transactions to the PIX and TED networks and answers
 * status queries for forwarded transactions.
 *
 * Errors distinguish explicit rejections (the gateway understood the
 * request and refused it; retrying is pointless) from ambiguous
 * transport failures (timeouts, 5xx; the transaction may or may not have
 * been accepted, so the record must stay in its prior state for the
 * sweep to re-drive).
 */
package pspclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"
)

// Client is a client for the PSP gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new PSP gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Receipt is the gateway's acknowledgment of an accepted transaction.
type Receipt struct {
	ExternalRef string `json:"external_ref"`
	EndToEndID  string `json:"end_to_end_id,omitempty"`
}

// Settlement statuses the gateway reports for a forwarded transaction.
const (
	StatusProcessing = "processing"
	StatusSettled    = "settled"
	StatusRejected   = "rejected"
)

// GatewayError represents an error response from the PSP gateway.
type GatewayError struct {
	StatusCode int
	Code       string `json:"code"`
	Detail     string `json:"detail"`
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("psp gateway error (status %d): %s - %s", e.StatusCode, e.Code, e.Detail)
}

// IsExplicitRejection reports whether the gateway definitively refused
// the transaction. Anything else is ambiguous and must not fail the
// record.
func (e *GatewayError) IsExplicitRejection() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Account describes one side of a transfer the way the gateway's wire
// format expects it.
type Account struct {
	BankISPB      string `json:"bank_ispb"`
	Branch        string `json:"branch"`
	AccountNumber string `json:"account_number"`
	Document      string `json:"document"`
	Name          string `json:"name"`
}

// TransferRequest is an outbound transaction to forward to the network.
// TransactionID is the caller's idempotency key: the gateway dedupes
// resubmissions on it. EndToEndID is set when returning funds for a
// settled transaction; otherwise the network assigns one.
type TransferRequest struct {
	TransactionID string  `json:"transaction_id"`
	Kind          string  `json:"kind"`
	Amount        int64   `json:"amount"`
	Origin        Account `json:"origin"`
	Destination   Account `json:"destination"`
	EndToEndID    *string `json:"end_to_end_id,omitempty"`
}

type sendResponse struct {
	Data Receipt `json:"data"`
}

type statusResponse struct {
	Data struct {
		Status         string `json:"status"`
		EndToEndID     string `json:"end_to_end_id,omitempty"`
		FailureCode    string `json:"failure_code,omitempty"`
		FailureMessage string `json:"failure_message,omitempty"`
	} `json:"data"`
}

// StatusResult is the parsed answer to a status query.
type StatusResult struct {
	Status         string
	EndToEndID     string
	FailureCode    string
	FailureMessage string
}

// Send forwards an outbound transaction to the network and returns the
// gateway's receipt.
func (c *Client) Send(ctx context.Context, req TransferRequest) (*Receipt, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/transactions", bytes.NewBuffer(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("x-psp-key", c.APIKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute send request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read send response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.decodeError(resp.StatusCode, bodyBytes, "send")
	}

	var success sendResponse
	if err := json.Unmarshal(bodyBytes, &success); err != nil {
		return nil, fmt.Errorf("failed to decode send response: %w", err)
	}
	return &success.Data, nil
}

// FetchStatus asks the gateway for the settlement status of a forwarded
// transaction.
func (c *Client) FetchStatus(ctx context.Context, externalRef string) (*StatusResult, error) {
	url := c.BaseURL + "/api/v1/transactions/" + externalRef + "/status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-psp-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute status request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read status response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.decodeError(resp.StatusCode, bodyBytes, "status")
	}

	var success statusResponse
	if err := json.Unmarshal(bodyBytes, &success); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	return &StatusResult{
		Status:         success.Data.Status,
		EndToEndID:     success.Data.EndToEndID,
		FailureCode:    success.Data.FailureCode,
		FailureMessage: success.Data.FailureMessage,
	}, nil
}

func (c *Client) decodeError(status int, body []byte, op string) error {
	gwErr := &GatewayError{StatusCode: status}
	if err := json.Unmarshal(body, gwErr); err != nil {
		log.Printf("level=warn component=psp_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, status)
		gwErr.Code = "unparsable_error"
		gwErr.Detail = "status " + strconv.Itoa(status)
	}
	return gwErr
}
