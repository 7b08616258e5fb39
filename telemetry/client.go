package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"atlas-server/models"
)

// HTTPSubmitter posts telemetry batches to the ingestion API with a bearer
// token. Server-side rejections (including rate limits) come back as
// structured SubmitResults; only transport problems surface as errors.
type HTTPSubmitter struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPSubmitter builds a submitter for the given API base URL.
func NewHTTPSubmitter(baseURL, token string) *HTTPSubmitter {
	return &HTTPSubmitter{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// SubmitBatch implements BatchSubmitter.
func (h *HTTPSubmitter) SubmitBatch(ctx context.Context, batch models.TelemetryBatch) (*models.SubmitResult, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode telemetry batch: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/attempts/%s/telemetry", h.baseURL, batch.AttemptID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telemetry submit request failed: %w", err)
	}
	defer resp.Body.Close()

	var result models.SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode submit response (status %d): %w", resp.StatusCode, err)
	}
	return &result, nil
}
