package models

// ApproveRequest asks the gateway to approve a pending proposal.
// ExpectedVersion of zero means "whatever version is current".
type ApproveRequest struct {
	IncidentID      string
	Actor           string
	Note            string
	ExpectedVersion int64
}

// RejectRequest asks the gateway to reject a pending proposal.
type RejectRequest struct {
	IncidentID      string
	Actor           string
	Note            string
	ExpectedVersion int64
}

// ListFilter narrows incident listings. Zero values match everything.
type ListFilter struct {
	Service  string
	State    State
	OpenOnly bool
	Limit    int
}

// Matches reports whether inc satisfies the filter, ignoring Limit.
func (f ListFilter) Matches(inc Incident) bool {
	if f.Service != "" && inc.Service != f.Service {
		return false
	}
	if f.State != "" && inc.State != f.State {
		return false
	}
	if f.OpenOnly && !inc.Open() {
		return false
	}
	return true
}
