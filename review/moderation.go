package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/commercekit/commerce-workflows/workflow"
)

// ModerationClient calls the external comment-moderation provider. A
// non-2xx response or transport failure rejects the review.
type ModerationClient struct {
	URL        string
	HTTPClient *http.Client
}

// NewModerationClient creates a client for the given endpoint.
func NewModerationClient(url string) *ModerationClient {
	return &ModerationClient{URL: url, HTTPClient: http.DefaultClient}
}

// Check submits content for moderation.
func (c *ModerationClient) Check(ctx context.Context, content string) error {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("marshal moderation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build moderation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return workflow.WrapError(workflow.KindRemoteCall, err, "moderation call failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return workflow.NewError(workflow.KindRemoteCall, "moderation provider returned status %d", resp.StatusCode)
	}
	return nil
}
