package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

type decisionBody struct {
	Actor           string `json:"actor"`
	Note            string `json:"note,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

func (a *app) endpoint(p string, query url.Values) string {
	u := strings.TrimRight(a.server, "/") + p
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (a *app) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &payload) == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (a *app) listSessions(ctx context.Context, filter models.ListFilter) ([]models.Incident, error) {
	q := url.Values{}
	if filter.Service != "" {
		q.Set("service", filter.Service)
	}
	if filter.State != "" {
		q.Set("state", string(filter.State))
	}
	if filter.OpenOnly {
		q.Set("open", "true")
	}
	if filter.Limit > 0 {
		q.Set("limit", fmt.Sprint(filter.Limit))
	}
	var out struct {
		Sessions []models.Incident `json:"sessions"`
	}
	if err := a.do(ctx, http.MethodGet, a.endpoint("/v1/sessions", q), nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (a *app) inspect(ctx context.Context, id string) (models.Incident, error) {
	var inc models.Incident
	err := a.do(ctx, http.MethodGet, a.endpoint("/v1/sessions/"+url.PathEscape(id), nil), nil, &inc)
	return inc, err
}

func (a *app) decide(ctx context.Context, id, verb string, body decisionBody) (models.Incident, error) {
	var inc models.Incident
	err := a.do(ctx, http.MethodPost, a.endpoint("/v1/sessions/"+url.PathEscape(id)+"/"+verb, nil), body, &inc)
	return inc, err
}
