package service

import "github.com/tripcrew/confirmation/internal/domain"

// StatusView is the member-scoped read projection of an aggregate. The
// derived fields are computed from the aggregate on every read and never
// stored, so they cannot drift from the underlying records.
type StatusView struct {
	domain.ConfirmedTrip

	CurrentMemberCount  int  `json:"current_member_count"`
	ConfirmedCount      int  `json:"confirmed_count"`
	AllMembersConfirmed bool `json:"all_members_confirmed"`
	HasEnoughMembers    bool `json:"has_enough_members"`
}

// NewStatusView builds the projection for one aggregate.
func NewStatusView(trip domain.ConfirmedTrip) StatusView {
	return StatusView{
		ConfirmedTrip:       trip,
		CurrentMemberCount:  trip.CurrentMemberCount(),
		ConfirmedCount:      trip.ConfirmedCount(),
		AllMembersConfirmed: trip.AllMembersConfirmed(),
		HasEnoughMembers:    trip.HasEnoughMembers(),
	}
}
