// Package faceclient calls the external face recognition service. The
// matcher is a black box to this system: it takes an image and an
// organization scope and answers with a match decision, the matched
// subscriber and a confidence score.
package faceclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Result is the matcher's verdict for one submitted image.
type Result struct {
	Success          bool
	Matched          bool
	SubscriberID     string
	Confidence       float64
	ProcessingTimeMs int64
	ErrorMessage     string
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Skip short-circuits to a canned match for
// environments without the recognition service.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // face processing can take time
		},
	}
}

// Match submits an image for 1:N identification within an
// organization's enrolled gallery. This is a blocking, potentially
// slow call; callers must not hold ledger locks across it.
func (c *Client) Match(ctx context.Context, image []byte, entityID string) (Result, error) {
	if c.Skip {
		return Result{
			Success:          true,
			Matched:          true,
			SubscriberID:     "mock-subscriber",
			Confidence:       0.92,
			ProcessingTimeMs: 12,
		}, nil
	}
	if len(image) == 0 {
		return Result{}, fmt.Errorf("image required")
	}

	body, _ := json.Marshal(map[string]string{
		"entity_id":    entityID,
		"image_base64": base64.StdEncoding.EncodeToString(image),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/recognize", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Success          bool    `json:"success"`
		Matched          bool    `json:"matched"`
		SubscriberID     string  `json:"subscriber_id"`
		Confidence       float64 `json:"confidence"`
		ProcessingTimeMs int64   `json:"processing_time_ms"`
		Error            string  `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("failed to decode response: %w", err)
	}

	return Result{
		Success:          out.Success,
		Matched:          out.Matched,
		SubscriberID:     out.SubscriberID,
		Confidence:       out.Confidence,
		ProcessingTimeMs: out.ProcessingTimeMs,
		ErrorMessage:     out.Error,
	}, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}
