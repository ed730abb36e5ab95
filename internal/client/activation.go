package client

import (
	"context"
	"fmt"

	"github.com/tripcrew/confirmation/internal/domain"
)

// ActivationClient asks the trip-activation service to create the downstream
// active-trip record once a group is fully confirmed (or fully paid).
type ActivationClient struct {
	base string
	http httpDoer
}

// NewActivationClient constructs a client for the activation service at base.
func NewActivationClient(base string) *ActivationClient {
	return &ActivationClient{base: base, http: newHTTPClient()}
}

// Activate submits the flattened trip summary. Callers treat failures as
// retryable: the outbox dispatcher keeps re-invoking this until it succeeds.
func (c *ActivationClient) Activate(ctx context.Context, p domain.ActivationPayload) error {
	if err := postJSON(ctx, c.http, c.base+"/trips/activate", p, nil); err != nil {
		return fmt.Errorf("client.ActivationClient.Activate: %w", err)
	}
	return nil
}
