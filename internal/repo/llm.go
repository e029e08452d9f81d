package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

const (
	ProviderOpenAI = "openai"
	ProviderGroq   = "groq"
	ProviderOllama = "ollama"
)

// ErrMissingAPIKey is returned when a hosted provider is selected without a key.
var ErrMissingAPIKey = errors.New("llm api key not configured")

var providerDefaults = map[string]struct {
	baseURL string
	model   string
	keyless bool
}{
	ProviderOpenAI: {baseURL: "https://api.openai.com/v1", model: "gpt-4o-mini"},
	ProviderGroq:   {baseURL: "https://api.groq.com/openai/v1", model: "llama-3.3-70b-versatile"},
	ProviderOllama: {baseURL: "http://localhost:11434/v1", model: "llama3.1", keyless: true},
}

const diagnosisSystemPrompt = `You are an SRE on call. You are given the error statistics of one service.
Explain the most likely cause in one or two sentences and, if a safe remediation exists, propose it.
Answer with JSON only, in this shape:
{"summary": "...", "proposed_action": {"type": "restart|rollback|scale|...", "target": "...", "parameters": {"key": "value"}}}
Use "proposed_action": null when nothing should be done automatically.`

// LLMConfig configures an LLMDiagnoser.
type LLMConfig struct {
	Provider          string
	BaseURL           string
	Model             string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute int
}

// RequiresAPIKey reports whether provider refuses requests without a key.
func RequiresAPIKey(provider string) bool {
	d, ok := providerDefaults[provider]
	return !ok || !d.keyless
}

// LLMDiagnoser asks an OpenAI-compatible chat completions endpoint to explain an incident.
type LLMDiagnoser struct {
	provider   string
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewLLMDiagnoser builds a diagnoser for one of the supported providers.
func NewLLMDiagnoser(cfg LLMConfig) (*LLMDiagnoser, error) {
	defaults, ok := providerDefaults[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
	if !defaults.keyless && strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%s: %w", cfg.Provider, ErrMissingAPIKey)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}

	return &LLMDiagnoser{
		provider: cfg.Provider,
		endpoint: resolvePath(firstNonEmpty(cfg.BaseURL, defaults.baseURL), "/chat/completions"),
		model:    firstNonEmpty(cfg.Model, defaults.model),
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		// a full minute of budget may be spent at once, then it refills evenly
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm),
	}, nil
}

// Diagnose implements incident.Diagnoser.
func (d *LLMDiagnoser) Diagnose(ctx context.Context, inc models.Incident) (models.Diagnosis, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return models.Diagnosis{}, fmt.Errorf("%s rate limit: %w", d.provider, err)
	}

	payload := map[string]any{
		"model": d.model,
		"messages": []map[string]string{
			{"role": "system", "content": diagnosisSystemPrompt},
			{"role": "user", "content": describeIncident(inc)},
		},
		"temperature": 0.1,
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	headers := map[string]string{}
	if d.apiKey != "" {
		headers["Authorization"] = "Bearer " + d.apiKey
	}
	if err := postJSON(ctx, d.httpClient, d.endpoint, headers, payload, &out); err != nil {
		return models.Diagnosis{}, fmt.Errorf("%s chat completion: %w", d.provider, err)
	}
	if len(out.Choices) == 0 {
		return models.Diagnosis{}, fmt.Errorf("%s: empty choices", d.provider)
	}

	diag, err := parseDiagnosis(out.Choices[0].Message.Content)
	if err != nil {
		return models.Diagnosis{}, fmt.Errorf("%s: %w", d.provider, err)
	}
	diag.Provider = d.provider + "/" + d.model
	return diag, nil
}

func describeIncident(inc models.Incident) string {
	ev := inc.LatestEvidence
	errRate, _ := ev.ErrorRate()
	var b strings.Builder
	fmt.Fprintf(&b, "service: %s\n", inc.Service)
	fmt.Fprintf(&b, "window: %s to %s\n", ev.WindowStart.Format(time.RFC3339), ev.WindowEnd.Format(time.RFC3339))
	fmt.Fprintf(&b, "samples: %d\nerrors: %d\nerror_rate: %.4f\n", ev.TotalCount, ev.ErrorCount, errRate)
	fmt.Fprintf(&b, "consecutive anomalous windows: %d\n", inc.TripCount)
	return b.String()
}

// parseDiagnosis decodes the model's answer, tolerating a markdown code fence around it.
func parseDiagnosis(content string) (models.Diagnosis, error) {
	raw := stripCodeFence(content)
	var parsed struct {
		Summary string                 `json:"summary"`
		Action  *models.ProposedAction `json:"proposed_action"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return models.Diagnosis{}, fmt.Errorf("non-JSON diagnosis %q: %w", truncate(raw, 200), err)
	}
	if strings.TrimSpace(parsed.Summary) == "" {
		return models.Diagnosis{}, errors.New("diagnosis has no summary")
	}
	if parsed.Action != nil && strings.TrimSpace(parsed.Action.Type) == "" {
		parsed.Action = nil
	}
	return models.Diagnosis{Summary: strings.TrimSpace(parsed.Summary), Action: parsed.Action}, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.HasPrefix(strings.TrimSpace(s[:nl]), "{") {
		// drop the language tag line, e.g. ```json
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
