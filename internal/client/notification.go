package client

import (
	"context"
	"fmt"

	"github.com/tripcrew/confirmation/internal/domain"
)

// NotificationClient hands notification requests to the dispatcher service.
// Delivery is fire-and-forget from the orchestrator's point of view; the
// outbox provides the at-least-once retry.
type NotificationClient struct {
	base string
	http httpDoer
}

// NewNotificationClient constructs a client for the dispatcher at base.
// An empty base disables notifications; Send becomes a no-op.
func NewNotificationClient(base string) *NotificationClient {
	return &NotificationClient{base: base, http: newHTTPClient()}
}

// Send submits a {type, recipients, details} notification request.
func (c *NotificationClient) Send(ctx context.Context, p domain.NotifyPayload) error {
	if c.base == "" {
		return nil
	}
	if err := postJSON(ctx, c.http, c.base+"/notifications", p, nil); err != nil {
		return fmt.Errorf("client.NotificationClient.Send: %w", err)
	}
	return nil
}
