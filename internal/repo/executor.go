package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

// WebhookExecutor hands approved actions to an external automation endpoint. The incident id
// is sent as the idempotency key so the receiver can drop replays.
type WebhookExecutor struct {
	url        string
	authToken  string
	httpClient *http.Client
}

// NewWebhookExecutor constructs an executor posting to url.
func NewWebhookExecutor(url, authToken string, timeout time.Duration) (*WebhookExecutor, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("execution webhook url not configured")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookExecutor{
		url:       url,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Execute implements incident.Executor.
func (e *WebhookExecutor) Execute(ctx context.Context, inc models.Incident, action models.ProposedAction) (string, error) {
	payload := map[string]any{
		"incident_id": inc.ID,
		"service":     inc.Service,
		"action":      action,
	}
	if inc.Decision != nil {
		payload["approved_by"] = inc.Decision.Actor
		payload["approved_at"] = inc.Decision.DecidedAt.Format(time.RFC3339)
	}
	headers := map[string]string{"Idempotency-Key": inc.ID}
	if e.authToken != "" {
		headers["Authorization"] = "Bearer " + e.authToken
	}

	var out struct {
		Result string `json:"result"`
		Status string `json:"status"`
	}
	if err := postJSON(ctx, e.httpClient, e.url, headers, payload, &out); err != nil {
		return "", fmt.Errorf("execution webhook: %w", err)
	}
	return firstNonEmpty(out.Result, out.Status, "accepted"), nil
}

// DryRunExecutor only logs what it would have done.
type DryRunExecutor struct {
	logger *slog.Logger
}

// NewDryRunExecutor returns an executor that never touches infrastructure.
func NewDryRunExecutor(logger *slog.Logger) *DryRunExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRunExecutor{logger: logger}
}

// Execute implements incident.Executor.
func (e *DryRunExecutor) Execute(ctx context.Context, inc models.Incident, action models.ProposedAction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	result := "dry-run: " + describeAction(action)
	e.logger.Info("remediation skipped in dry-run mode",
		slog.String("incident_id", inc.ID),
		slog.String("service", inc.Service),
		slog.String("action", action.Type),
		slog.String("target", action.Target),
	)
	return result, nil
}

func describeAction(action models.ProposedAction) string {
	var b strings.Builder
	b.WriteString(action.Type)
	if action.Target != "" {
		b.WriteString(" " + action.Target)
	}
	if len(action.Parameters) > 0 {
		keys := make([]string, 0, len(action.Parameters))
		for k := range action.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, action.Parameters[k])
		}
	}
	return b.String()
}
