package domain

import "time"

// Decision is a member's vote during a partial-payment decision period.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionCancel   Decision = "cancel"
	DecisionWaiting  Decision = "waiting"
)

// DecisionVote is one member's vote record inside a decision period.
type DecisionVote struct {
	UserID   string     `json:"user_id"`
	Decision Decision   `json:"decision"`
	VotedAt  *time.Time `json:"voted_at,omitempty"`
}

// DecisionPeriod is the short-lived nested state machine opened when a
// payment phase deadline lapses with some but not all members paid. Members
// vote continue or cancel; the group decision is conservative — a single
// cancel vote cancels the trip, and unresolved votes at the decision deadline
// default to cancel.
type DecisionPeriod struct {
	Phase      Phase          `json:"phase"` // the lapsed phase
	OpenedAt   time.Time      `json:"opened_at"`
	Deadline   time.Time      `json:"deadline"`
	Votes      []DecisionVote `json:"votes"`
	Final      Decision       `json:"final_decision,omitempty"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// NewDecisionPeriod opens a decision window over the lapsed phase, seeding
// every member's vote as waiting.
func NewDecisionPeriod(phase Phase, memberIDs []string, openedAt, deadline time.Time) *DecisionPeriod {
	votes := make([]DecisionVote, 0, len(memberIDs))
	for _, id := range memberIDs {
		votes = append(votes, DecisionVote{UserID: id, Decision: DecisionWaiting})
	}
	return &DecisionPeriod{
		Phase:    phase,
		OpenedAt: openedAt,
		Deadline: deadline,
		Votes:    votes,
	}
}

// Open reports whether the period is still collecting votes.
func (d *DecisionPeriod) Open() bool {
	return d.Final == ""
}

// VoteFor returns the vote record for userID, or nil for non-members.
func (d *DecisionPeriod) VoteFor(userID string) *DecisionVote {
	for i := range d.Votes {
		if d.Votes[i].UserID == userID {
			return &d.Votes[i]
		}
	}
	return nil
}

// Record registers a member's vote. Re-voting is not allowed once a concrete
// decision has been recorded.
func (d *DecisionPeriod) Record(userID string, decision Decision, now time.Time) bool {
	v := d.VoteFor(userID)
	if v == nil || v.Decision != DecisionWaiting {
		return false
	}
	v.Decision = decision
	t := now
	v.VotedAt = &t
	return true
}

// Outcome computes the group decision at now, returning false while the
// period cannot be resolved yet. A single cancel vote resolves immediately;
// a unanimous continue resolves once everyone has voted; at the deadline,
// outstanding waiting votes count as cancel.
func (d *DecisionPeriod) Outcome(now time.Time) (Decision, bool) {
	waiting := 0
	for _, v := range d.Votes {
		switch v.Decision {
		case DecisionCancel:
			return DecisionCancel, true
		case DecisionWaiting:
			waiting++
		}
	}
	if waiting == 0 {
		return DecisionContinue, true
	}
	if DeadlineReached(now, d.Deadline) {
		return DecisionCancel, true
	}
	return "", false
}

// Resolve stamps the final decision. Resolution happens at most once.
func (d *DecisionPeriod) Resolve(final Decision, now time.Time) {
	if !d.Open() {
		return
	}
	d.Final = final
	t := now
	d.ResolvedAt = &t
}
