package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rmaia/crm-bridge/internal/models"
)

// HTTPClient is the JSON-over-HTTP implementation of Client. Every call
// carries its own timeout; a hung platform can never stall a worker
// indefinitely
type HTTPClient struct {
	platformBaseURL string
	platformAPIKey  string
	crmBaseURL      string
	crmAPIKey       string
	http            *http.Client
}

func NewHTTPClient(platformBaseURL, platformAPIKey, crmBaseURL, crmAPIKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		platformBaseURL: platformBaseURL,
		platformAPIKey:  platformAPIKey,
		crmBaseURL:      crmBaseURL,
		crmAPIKey:       crmAPIKey,
		http:            &http.Client{Timeout: timeout},
	}
}

type deliverRequest struct {
	CardID    int64           `json:"card_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type deliverResponse struct {
	ExternalID string `json:"external_id"`
}

func (c *HTTPClient) DeliverEvent(ctx context.Context, row *models.QueueEvent) (string, error) {
	body := deliverRequest{
		CardID:    row.CardID,
		EventType: string(row.EventType),
		Payload:   row.Payload,
	}

	url := fmt.Sprintf("%s/v1/integrations/%d/events", c.platformBaseURL, row.IntegrationID)
	var resp deliverResponse
	if err := c.postJSON(ctx, "platform.deliver", url, c.platformAPIKey, body, &resp); err != nil {
		return "", err
	}
	if resp.ExternalID == "" {
		return "", &DeliveryError{Op: "platform.deliver", Retryable: false, Err: fmt.Errorf("platform returned empty external_id")}
	}
	return resp.ExternalID, nil
}

type createRequest struct {
	DeliveryID         string         `json:"delivery_id"`
	ExternalPipelineID string         `json:"external_pipeline_id"`
	ExternalStageID    string         `json:"external_stage_id"`
	Entity             map[string]any `json:"entity"`
}

type createResponse struct {
	CardID int64 `json:"card_id"`
}

func (c *HTTPClient) CreateRecord(ctx context.Context, ev *models.InboundEvent) (int64, error) {
	body := createRequest{
		DeliveryID:         ev.DeliveryID,
		ExternalPipelineID: ev.ExternalPipelineID,
		ExternalStageID:    ev.ExternalStageID,
		Entity:             ev.Entity,
	}

	url := fmt.Sprintf("%s/v1/integrations/%d/cards", c.crmBaseURL, ev.IntegrationID)
	var resp createResponse
	if err := c.postJSON(ctx, "crm.create", url, c.crmAPIKey, body, &resp); err != nil {
		return 0, err
	}
	return resp.CardID, nil
}

func (c *HTTPClient) postJSON(ctx context.Context, op, url, apiKey string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return &DeliveryError{Op: op, Retryable: false, Err: fmt.Errorf("request marshal: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return &DeliveryError{Op: op, Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		// Network failure or timeout: the call may or may not have landed.
		// The queue-side idempotency lookup handles the ambiguity on retry
		return &DeliveryError{Op: op, Retryable: true, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return &DeliveryError{Op: op, StatusCode: res.StatusCode, Retryable: false, Err: fmt.Errorf("response decode: %w", err)}
		}
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	return &DeliveryError{
		Op:         op,
		StatusCode: res.StatusCode,
		Retryable:  retryableStatus(res.StatusCode),
		Err:        fmt.Errorf("%s", bytes.TrimSpace(snippet)),
	}
}

// retryableStatus: 5xx, timeouts and throttling are transient; every other
// 4xx means the platform rejected the payload and retrying cannot help
func retryableStatus(code int) bool {
	switch {
	case code >= 500:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	}
	return false
}
