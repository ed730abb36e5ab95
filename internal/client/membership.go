package client

import (
	"context"
	"fmt"
	"net/url"
)

// Group is the membership record the pooling service reports for a group.
// Only the fields this service consumes are modeled.
type Group struct {
	TripID        string            `json:"tripId"`
	TripName      string            `json:"tripName"`
	GroupName     string            `json:"groupName"`
	CreatorUserID string            `json:"creatorUserId"`
	UserIDs       []string          `json:"userIds"`
	Preferences   map[string]string `json:"preferences,omitempty"`
}

// MembershipClient reads group membership from the upstream pooling service,
// which owns membership lists and trip metadata.
type MembershipClient struct {
	base string
	http httpDoer
}

// NewMembershipClient constructs a client for the pooling service at base.
func NewMembershipClient(base string) *MembershipClient {
	return &MembershipClient{base: base, http: newHTTPClient()}
}

// GetGroup fetches the membership record for groupID.
// Returns domain.ErrNotFound when the pooling service has no such group.
func (c *MembershipClient) GetGroup(ctx context.Context, groupID string) (Group, error) {
	var g Group
	u := fmt.Sprintf("%s/groups/%s", c.base, url.PathEscape(groupID))
	if err := getJSON(ctx, c.http, u, &g); err != nil {
		return Group{}, fmt.Errorf("client.MembershipClient.GetGroup: %w", err)
	}
	return g, nil
}
