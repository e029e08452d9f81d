package api

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

// DecisionBody is the JSON body of approve and reject calls.
type DecisionBody struct {
	Actor           string `json:"actor"`
	Note            string `json:"note,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

// FromStructApproveRequest maps a gRPC request document into an ApproveRequest.
func FromStructApproveRequest(req *structpb.Struct) (models.ApproveRequest, error) {
	id, body, err := decisionFromStruct(req)
	if err != nil {
		return models.ApproveRequest{}, err
	}
	return models.ApproveRequest{IncidentID: id, Actor: body.Actor, Note: body.Note, ExpectedVersion: body.ExpectedVersion}, nil
}

// FromStructRejectRequest maps a gRPC request document into a RejectRequest.
func FromStructRejectRequest(req *structpb.Struct) (models.RejectRequest, error) {
	id, body, err := decisionFromStruct(req)
	if err != nil {
		return models.RejectRequest{}, err
	}
	return models.RejectRequest{IncidentID: id, Actor: body.Actor, Note: body.Note, ExpectedVersion: body.ExpectedVersion}, nil
}

func decisionFromStruct(req *structpb.Struct) (string, DecisionBody, error) {
	if req == nil {
		return "", DecisionBody{}, fmt.Errorf("request is nil")
	}
	id, err := stringField(req, "incident_id", true)
	if err != nil {
		return "", DecisionBody{}, err
	}
	actor, err := stringField(req, "actor", true)
	if err != nil {
		return "", DecisionBody{}, err
	}
	note, err := stringField(req, "note", false)
	if err != nil {
		return "", DecisionBody{}, err
	}
	version, err := intField(req, "expected_version")
	if err != nil {
		return "", DecisionBody{}, err
	}
	return id, DecisionBody{Actor: actor, Note: note, ExpectedVersion: version}, nil
}

// FromStructInspectRequest extracts the incident id.
func FromStructInspectRequest(req *structpb.Struct) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is nil")
	}
	return stringField(req, "incident_id", true)
}

// FromStructListRequest maps a gRPC request document into a ListFilter.
func FromStructListRequest(req *structpb.Struct) (models.ListFilter, error) {
	if req == nil {
		return models.ListFilter{}, nil
	}
	service, err := stringField(req, "service", false)
	if err != nil {
		return models.ListFilter{}, err
	}
	state, err := stringField(req, "state", false)
	if err != nil {
		return models.ListFilter{}, err
	}
	limit, err := intField(req, "limit")
	if err != nil {
		return models.ListFilter{}, err
	}
	filter := models.ListFilter{Service: service, Limit: int(limit)}
	if v, ok := req.GetFields()["open_only"]; ok {
		b, isBool := v.GetKind().(*structpb.Value_BoolValue)
		if !isBool {
			return models.ListFilter{}, fmt.Errorf("open_only must be a boolean")
		}
		filter.OpenOnly = b.BoolValue
	}
	return filter, ParseState(state, &filter)
}

// ParseState validates a state name and sets it on filter. Empty leaves the filter unchanged.
func ParseState(raw string, filter *models.ListFilter) error {
	if raw == "" {
		return nil
	}
	state := models.State(strings.ToUpper(raw))
	if !state.Valid() {
		return fmt.Errorf("unknown state %q", raw)
	}
	filter.State = state
	return nil
}

// ToStructIncident converts an incident into the document returned over gRPC. The field names
// match the HTTP JSON representation.
func ToStructIncident(inc models.Incident) (*structpb.Struct, error) {
	fields, err := toJSONMap(inc)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

// ToStructSessions wraps a listing as {"sessions": [...], "count": n}.
func ToStructSessions(incidents []models.Incident) (*structpb.Struct, error) {
	sessions := make([]any, 0, len(incidents))
	for _, inc := range incidents {
		fields, err := toJSONMap(inc)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, fields)
	}
	return structpb.NewStruct(map[string]any{"sessions": sessions, "count": len(incidents)})
}

// FromStructIncident decodes an incident document, the inverse of ToStructIncident.
func FromStructIncident(s *structpb.Struct) (models.Incident, error) {
	var inc models.Incident
	data, err := s.MarshalJSON()
	if err != nil {
		return inc, err
	}
	err = json.Unmarshal(data, &inc)
	return inc, err
}

func toJSONMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode incident: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("encode incident: %w", err)
	}
	return out, nil
}

func stringField(s *structpb.Struct, name string, required bool) (string, error) {
	v, ok := s.GetFields()[name]
	if !ok || v.GetKind() == nil {
		if required {
			return "", fmt.Errorf("%s is required", name)
		}
		return "", nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		if required {
			return "", fmt.Errorf("%s is required", name)
		}
		return "", nil
	}
	str, isString := v.GetKind().(*structpb.Value_StringValue)
	if !isString {
		return "", fmt.Errorf("%s must be a string", name)
	}
	value := strings.TrimSpace(str.StringValue)
	if required && value == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return value, nil
}

func intField(s *structpb.Struct, name string) (int64, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return 0, nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return 0, nil
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n < 0 || n != math.Trunc(n) || n > math.MaxInt64 {
			return 0, fmt.Errorf("%s must be a non-negative integer", name)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%s must be a number", name)
	}
}
