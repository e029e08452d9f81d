package repo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

func testIncident() models.Incident {
	end := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ev := models.WindowAggregate{Service: "checkout", WindowStart: end.Add(-5 * time.Minute), WindowEnd: end, TotalCount: 40, ErrorCount: 12}
	return models.Incident{ID: "inc-1", Service: "checkout", TriggeringAggregate: ev, LatestEvidence: ev, TripCount: 2}
}

func TestLLMDiagnoserParsesFencedAnswer(t *testing.T) {
	d, err := NewLLMDiagnoser(LLMConfig{Provider: ProviderGroq, APIKey: "gsk-test", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.httpClient = stubClient(stubTransport(func(req *http.Request) (*http.Response, error) {
		if req.URL.Host != "api.groq.com" || req.URL.Path != "/openai/v1/chat/completions" {
			t.Fatalf("unexpected url: %s", req.URL)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer gsk-test" {
			t.Fatalf("unexpected auth header %q", got)
		}
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.Model != "llama-3.3-70b-versatile" {
			t.Fatalf("unexpected model %q", body.Model)
		}
		if len(body.Messages) != 2 || !strings.Contains(body.Messages[1].Content, "error_rate: 0.3000") {
			t.Fatalf("prompt does not describe the evidence: %+v", body.Messages)
		}
		return chatResponse(t, "```json\n{\"summary\": \"db pool exhausted\", \"proposed_action\": {\"type\": \"restart\", \"target\": \"checkout\"}}\n```"), nil
	}))

	diag, err := d.Diagnose(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if diag.Summary != "db pool exhausted" {
		t.Fatalf("unexpected summary %q", diag.Summary)
	}
	if !diag.Action.Actionable() || diag.Action.Type != "restart" || diag.Action.Target != "checkout" {
		t.Fatalf("unexpected action %+v", diag.Action)
	}
	if diag.Provider != "groq/llama-3.3-70b-versatile" {
		t.Fatalf("unexpected provider %q", diag.Provider)
	}
}

func TestLLMDiagnoserNullAction(t *testing.T) {
	d, err := NewLLMDiagnoser(LLMConfig{Provider: ProviderOllama, BaseURL: "http://ollama.local:11434/v1"})
	if err != nil {
		t.Fatalf("ollama needs no key: %v", err)
	}
	d.httpClient = stubClient(stubTransport(func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("Authorization") != "" {
			t.Fatalf("keyless provider sent an auth header")
		}
		return chatResponse(t, `{"summary": "brief blip", "proposed_action": null}`), nil
	}))

	diag, err := d.Diagnose(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if diag.Action.Actionable() {
		t.Fatalf("expected no proposal, got %+v", diag.Action)
	}
}

func TestLLMDiagnoserErrors(t *testing.T) {
	if _, err := NewLLMDiagnoser(LLMConfig{Provider: ProviderOpenAI}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if _, err := NewLLMDiagnoser(LLMConfig{Provider: "gemini", APIKey: "k"}); err == nil {
		t.Fatalf("expected unsupported provider error")
	}

	d, err := NewLLMDiagnoser(LLMConfig{Provider: ProviderOpenAI, APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := map[string]stubTransport{
		"status": func(*http.Request) (*http.Response, error) {
			return textResponse(http.StatusTooManyRequests, "slow down"), nil
		},
		"non-json": func(*http.Request) (*http.Response, error) {
			return chatResponse(t, "I think the database is down."), nil
		},
		"no summary": func(*http.Request) (*http.Response, error) {
			return chatResponse(t, `{"proposed_action": {"type": "restart"}}`), nil
		},
	}
	for name, rt := range cases {
		d.httpClient = stubClient(rt)
		if _, err := d.Diagnose(context.Background(), testIncident()); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	d.httpClient = stubClient(cases["status"])
	_, err = d.Diagnose(context.Background(), testIncident())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusTooManyRequests || statusErr.Body != "slow down" {
		t.Fatalf("expected StatusError with body, got %v", err)
	}
}

func TestLLMDiagnoserRespectsContext(t *testing.T) {
	d, err := NewLLMDiagnoser(LLMConfig{Provider: ProviderOpenAI, APIKey: "sk-test", RequestsPerMinute: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := 0
	d.httpClient = stubClient(stubTransport(func(*http.Request) (*http.Response, error) {
		calls++
		return chatResponse(t, `{"summary": "ok"}`), nil
	}))

	if _, err := d.Diagnose(context.Background(), testIncident()); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := d.Diagnose(ctx, testIncident()); err == nil {
		t.Fatalf("expected rate limiter to refuse the second call")
	}
	if calls != 1 {
		t.Fatalf("expected one upstream call, got %d", calls)
	}
}

func TestStripCodeFence(t *testing.T) {
	cases := map[string]string{
		`{"a":1}`:                 `{"a":1}`,
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		"```{\"a\":1}```":         `{"a":1}`,
		"  ```JSON\n{}\n```  ":    `{}`,
	}
	for in, want := range cases {
		if got := stripCodeFence(in); got != want {
			t.Fatalf("stripCodeFence(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolvePath(t *testing.T) {
	if got := resolvePath("https://api.openai.com/v1/", "/chat/completions"); got != "https://api.openai.com/v1/chat/completions" {
		t.Fatalf("unexpected url %q", got)
	}
	if got := resolvePath("", "/chat/completions"); got != "" {
		t.Fatalf("expected empty url, got %q", got)
	}
}
