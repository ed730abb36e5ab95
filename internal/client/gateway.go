package client

import (
	"context"
	"fmt"

	"github.com/tripcrew/confirmation/internal/domain"
)

// GatewayClient talks to the payment-gateway adapter. The only contract this
// service relies on is refund initiation; payment results arrive inbound via
// the complete-payment endpoint.
type GatewayClient struct {
	base string
	http httpDoer
}

// NewGatewayClient constructs a client for the gateway adapter at base.
// An empty base disables outbound refund calls; Refund becomes a no-op, and
// refund bookkeeping is still recorded locally.
func NewGatewayClient(base string) *GatewayClient {
	return &GatewayClient{base: base, http: newHTTPClient()}
}

// Refund asks the gateway to reverse the payment behind a transaction.
func (c *GatewayClient) Refund(ctx context.Context, p domain.RefundPayload) error {
	if c.base == "" {
		return nil
	}
	if err := postJSON(ctx, c.http, c.base+"/refunds", p, nil); err != nil {
		return fmt.Errorf("client.GatewayClient.Refund: %w", err)
	}
	return nil
}
