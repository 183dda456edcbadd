// Package notification sends transactional emails through an external
// provider and dispatches them from domain events. A sent email cannot be
// unsent, so the send step never compensates and notification workflows
// run after every compensable write has settled.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/commercekit/commerce-workflows/workflow"
)

// ServiceName is the container key for the notification client.
const ServiceName = "notification"

// Templates the provider renders.
const (
	TemplateOrderPlaced     = "order-placed"
	TemplateCustomerCreated = "user-created"
)

// Events the dispatcher subscribes to.
const (
	EventOrderPlaced     = "order.placed"
	EventCustomerCreated = "customer.created"
)

// SendInput is one email to deliver.
type SendInput struct {
	To       string                 `json:"to"`
	Template string                 `json:"template"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// Client calls the external notification provider. From is the sender
// address the provider stamps on every email.
type Client struct {
	URL        string
	From       string
	HTTPClient *http.Client
}

// NewClient creates a client for the given endpoint and sender address.
func NewClient(url, from string) *Client {
	return &Client{URL: url, From: from, HTTPClient: http.DefaultClient}
}

// Send submits one email for delivery. Non-2xx responses and transport
// failures are remote-call errors.
func (c *Client) Send(ctx context.Context, in SendInput) error {
	if in.To == "" || in.Template == "" {
		return workflow.NewError(workflow.KindValidation, "notification requires a recipient and a template")
	}

	body, err := json.Marshal(map[string]interface{}{
		"from":     c.From,
		"to":       in.To,
		"template": in.Template,
		"data":     in.Data,
	})
	if err != nil {
		return fmt.Errorf("marshal notification request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return workflow.WrapError(workflow.KindRemoteCall, err, "notification call failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return workflow.NewError(workflow.KindRemoteCall, "notification provider returned status %d", resp.StatusCode)
	}
	return nil
}

// sendNotificationStep delivers one email. An accepted delivery has no
// undo, so the step is non-compensable.
func sendNotificationStep() workflow.Step {
	return workflow.Step{
		Name: "send-notification",
		Kind: workflow.StepNonCompensable,
		Forward: func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			client, err := workflow.Resolve[*Client](scope.Container, ServiceName)
			if err != nil {
				return nil, err
			}
			in := input.(SendInput)
			if err := client.Send(ctx, in); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}
}

// SendNotificationWorkflow delivers a single email.
func SendNotificationWorkflow() *workflow.Definition {
	return workflow.NewDefinition("send-notification-workflow").
		Then(sendNotificationStep(), nil)
}
