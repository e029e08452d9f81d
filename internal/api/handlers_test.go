package api

import (
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

func mustStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("new struct: %v", err)
	}
	return s
}

func TestFromStructApproveRequest(t *testing.T) {
	req, err := FromStructApproveRequest(mustStruct(t, map[string]any{
		"incident_id":      "inc-1",
		"actor":            " alice ",
		"note":             "looks right",
		"expected_version": 3,
	}))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if req.IncidentID != "inc-1" || req.Actor != "alice" || req.Note != "looks right" || req.ExpectedVersion != 3 {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestFromStructDecisionValidation(t *testing.T) {
	cases := map[string]map[string]any{
		"missing id":       {"actor": "alice"},
		"missing actor":    {"incident_id": "inc-1"},
		"blank actor":      {"incident_id": "inc-1", "actor": "  "},
		"actor not string": {"incident_id": "inc-1", "actor": 7},
		"negative version": {"incident_id": "inc-1", "actor": "alice", "expected_version": -1},
		"fraction version": {"incident_id": "inc-1", "actor": "alice", "expected_version": 1.5},
		"version string":   {"incident_id": "inc-1", "actor": "alice", "expected_version": "2"},
	}
	for name, fields := range cases {
		if _, err := FromStructRejectRequest(mustStruct(t, fields)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := FromStructApproveRequest(nil); err == nil {
		t.Fatalf("expected error for nil request")
	}
}

func TestFromStructListRequest(t *testing.T) {
	filter, err := FromStructListRequest(mustStruct(t, map[string]any{
		"service":   "checkout",
		"state":     "pending_approval",
		"open_only": true,
		"limit":     10,
	}))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if filter.Service != "checkout" || filter.State != models.StatePendingApproval || !filter.OpenOnly || filter.Limit != 10 {
		t.Fatalf("unexpected filter: %+v", filter)
	}

	if _, err := FromStructListRequest(mustStruct(t, map[string]any{"state": "RESOLVED"})); err == nil {
		t.Fatalf("expected unknown state error")
	}
	if _, err := FromStructListRequest(mustStruct(t, map[string]any{"open_only": "yes"})); err == nil {
		t.Fatalf("expected open_only type error")
	}
	if filter, err := FromStructListRequest(nil); err != nil || filter != (models.ListFilter{}) {
		t.Fatalf("nil request should mean no filter, got %+v, %v", filter, err)
	}
}

func TestIncidentStructRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	inc := models.Incident{
		ID:        "inc-1",
		Service:   "checkout",
		State:     models.StatePendingApproval,
		Version:   3,
		TripCount: 2,
		Diagnosis: &models.Diagnosis{
			Summary: "pool exhausted",
			Action:  &models.ProposedAction{Type: "restart", Target: "checkout", Parameters: map[string]string{"ns": "prod"}},
		},
		ApprovalDeadline: now.Add(15 * time.Minute),
		DetectedAt:       now,
	}

	s, err := ToStructIncident(inc)
	if err != nil {
		t.Fatalf("to struct: %v", err)
	}
	if got := s.GetFields()["state"].GetStringValue(); got != "PENDING_APPROVAL" {
		t.Fatalf("unexpected state field %q", got)
	}
	if got := s.GetFields()["version"].GetNumberValue(); got != 3 {
		t.Fatalf("unexpected version field %v", got)
	}

	back, err := FromStructIncident(s)
	if err != nil {
		t.Fatalf("from struct: %v", err)
	}
	if back.ID != inc.ID || back.Version != 3 || back.Diagnosis.Action.Parameters["ns"] != "prod" || !back.ApprovalDeadline.Equal(inc.ApprovalDeadline) {
		t.Fatalf("round trip lost data: %+v", back)
	}
}

func TestToStructSessions(t *testing.T) {
	s, err := ToStructSessions([]models.Incident{{ID: "a"}, {ID: "b"}})
	if err != nil {
		t.Fatalf("to struct: %v", err)
	}
	if s.GetFields()["count"].GetNumberValue() != 2 || len(s.GetFields()["sessions"].GetListValue().GetValues()) != 2 {
		t.Fatalf("unexpected listing: %v", s)
	}
}
