package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type executionRequest struct {
	IncidentID string `json:"incident_id"`
	Service    string `json:"service"`
	Action     struct {
		Type   string `json:"type"`
		Target string `json:"target"`
	} `json:"action"`
	ApprovedBy string `json:"approved_by"`
}

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	failEvery := flag.Int("fail-every", 0, "fail every Nth execution request (0 disables)")
	flag.Parse()

	logger := log.New(log.Writer(), "collaborators-mock ", log.LstdFlags|log.Lmicroseconds)
	var executions atomic.Int64
	seen := newIdempotencySet()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// OpenAI-compatible chat completions. The proposal depends on the service name so the
	// no-action path can be exercised too: services containing "batch" get no proposal.
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		prompt := ""
		if n := len(req.Messages); n > 0 {
			prompt = req.Messages[n-1].Content
		}
		service := serviceFromPrompt(prompt)

		answer := map[string]any{
			"summary":         "error rate of " + service + " rose sharply; recent deploy is the likely cause",
			"proposed_action": map[string]any{"type": "rollback", "target": service, "parameters": map[string]string{"revision": "previous"}},
		}
		if strings.Contains(service, "batch") {
			answer = map[string]any{"summary": "transient failures in " + service + ", no safe automatic action", "proposed_action": nil}
		}
		content, _ := json.Marshal(answer)
		writeJSON(w, map[string]any{
			"id":      "chatcmpl-mock",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": "```json\n" + string(content) + "\n```"},
			}},
		})
	})

	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req executionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		key := r.Header.Get("Idempotency-Key")
		if key != "" && !seen.add(key) {
			writeJSON(w, map[string]string{"status": "duplicate", "result": "already executed"})
			return
		}
		n := executions.Add(1)
		if *failEvery > 0 && n%int64(*failEvery) == 0 {
			w.WriteHeader(http.StatusBadGateway)
			writeJSON(w, map[string]string{"status": "failed", "error": "target unreachable"})
			return
		}
		logger.Printf("executing %s on %s for incident %s (approved by %s)", req.Action.Type, req.Action.Target, req.IncidentID, req.ApprovedBy)
		writeJSON(w, map[string]string{"status": "ok", "result": req.Action.Type + " of " + req.Action.Target + " completed"})
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

// serviceFromPrompt pulls the value of the "service:" line the diagnoser sends.
func serviceFromPrompt(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "service:"); ok {
			return strings.TrimSpace(v)
		}
	}
	return "unknown"
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
