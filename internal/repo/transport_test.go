package repo

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
)

// stubTransport answers diagnoser requests in-process.
type stubTransport func(*http.Request) (*http.Response, error)

func (f stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func stubClient(rt stubTransport) *http.Client {
	return &http.Client{Transport: rt}
}

func textResponse(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Status:     fmt.Sprintf("%d %s", code, http.StatusText(code)),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

// chatResponse wraps content in a single-choice chat completion body.
func chatResponse(t *testing.T, content string) *http.Response {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
	})
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	resp := textResponse(http.StatusOK, string(data))
	resp.Header.Set("Content-Type", "application/json")
	return resp
}
