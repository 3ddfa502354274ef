package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/convene-ai/convene/internal/types"
)

func sseHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
	}
}

func collect(t *testing.T, ch <-chan StreamEvent) (string, StreamEvent) {
	t.Helper()
	var text strings.Builder
	var last StreamEvent
	for ev := range ch {
		last = ev
		if ev.Kind == EventDelta {
			text.WriteString(ev.Text)
		}
	}
	return text.String(), last
}

func TestOpenAIStreamDeltas(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`[DONE]`,
	))
	defer srv.Close()

	p := NewOpenAICompat("openai", srv.URL)
	ch, err := p.Stream(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
		APIKey:   "sk-test",
	})
	if err != nil {
		t.Fatal(err)
	}
	text, last := collect(t, ch)
	if text != "Hello" {
		t.Errorf("accumulated text = %q", text)
	}
	if last.Kind != EventDone {
		t.Errorf("terminal event = %v, want Done", last.Kind)
	}
}

func TestOpenAIStreamAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		sseHandler(`[DONE]`)(w, r)
	}))
	defer srv.Close()

	p := NewOpenAICompat("openai", srv.URL)
	ch, err := p.Stream(context.Background(), Request{Model: "m", APIKey: "sk-abc"})
	if err != nil {
		t.Fatal(err)
	}
	collect(t, ch)
	if gotAuth != "Bearer sk-abc" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestOpenAIStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   ErrorKind
	}{
		{401, KindAuthFailed},
		{403, KindAuthFailed},
		{429, KindRateLimited},
		{404, KindModelUnavailable},
		{400, KindInvalidRequest},
		{500, KindProviderInternal},
		{503, KindProviderInternal},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			fmt.Fprint(w, `{"error":{"message":"nope"}}`)
		}))
		p := NewOpenAICompat("openai", srv.URL)
		_, err := p.Stream(context.Background(), Request{Model: "m"})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		var pErr *Error
		if !errors.As(err, &pErr) {
			t.Fatalf("status %d: expected *Error, got %T", tc.status, err)
		}
		if pErr.Kind != tc.kind {
			t.Errorf("status %d: kind = %s, want %s", tc.status, pErr.Kind, tc.kind)
		}
		if pErr.Detail != "nope" {
			t.Errorf("status %d: detail = %q", tc.status, pErr.Detail)
		}
	}
}

func TestOpenAIRetryableKinds(t *testing.T) {
	retryable := []ErrorKind{KindTransientNetwork, KindProviderInternal}
	terminal := []ErrorKind{KindRateLimited, KindAuthFailed, KindModelUnavailable, KindInvalidRequest}
	for _, k := range retryable {
		if !(&Error{Kind: k}).Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	for _, k := range terminal {
		if (&Error{Kind: k}).Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestOpenAITruncatedStreamIsTransient(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"choices":[{"delta":{"content":"partial"}}]}`,
		// no [DONE]
	))
	defer srv.Close()

	p := NewOpenAICompat("openai", srv.URL)
	ch, err := p.Stream(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	_, last := collect(t, ch)
	if last.Kind != EventError {
		t.Fatalf("terminal event = %v, want Error", last.Kind)
	}
	if last.Err.Kind != KindTransientNetwork {
		t.Errorf("kind = %s, want transient_network", last.Err.Kind)
	}
}

func TestOpenAIFinishReasonEndsStream(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"choices":[{"delta":{"content":"done"},"finish_reason":"stop"}]}`,
	))
	defer srv.Close()

	p := NewOpenAICompat("openai", srv.URL)
	ch, err := p.Stream(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	text, last := collect(t, ch)
	if text != "done" || last.Kind != EventDone {
		t.Errorf("text=%q last=%v", text, last.Kind)
	}
}

func TestOpenAIListModelsPricing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"data":[
			{"id":"meta/llama-3-70b:free","pricing":{"prompt":"0","completion":"0"}},
			{"id":"openai/gpt-4o","pricing":{"prompt":"0.000005","completion":"0.000015"}},
			{"id":"plain-model"}
		]}`)
	}))
	defer srv.Close()

	p := NewOpenAICompat("openrouter", srv.URL)
	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 3 {
		t.Fatalf("got %d models", len(models))
	}
	if !models[0].Free() {
		t.Error("zero-priced model should be free")
	}
	if models[1].Free() {
		t.Error("priced model should not be free")
	}
	if !models[2].Free() {
		t.Error("model without pricing defaults to free (filtered later by marker)")
	}
}

func TestOllamaStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hi "},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"there"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer srv.Close()

	p := NewOllama("ollama", srv.URL)
	ch, err := p.Stream(context.Background(), Request{Model: "llama3"})
	if err != nil {
		t.Fatal(err)
	}
	text, last := collect(t, ch)
	if text != "Hi there" {
		t.Errorf("text = %q", text)
	}
	if last.Kind != EventDone {
		t.Errorf("terminal = %v", last.Kind)
	}
}

func TestOllamaListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"models":[{"name":"llama3:8b"},{"name":"qwen2:7b"}]}`)
	}))
	defer srv.Close()

	p := NewOllama("ollama", srv.URL)
	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 || models[0].ID != "llama3:8b" {
		t.Errorf("models = %+v", models)
	}
	if !models[0].Free() {
		t.Error("local models are free")
	}
}

func TestStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"delta":{"content":"x"}}]}`)
		w.(http.Flusher).Flush()
		<-release // hold the stream open
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	p := NewOpenAICompat("openai", srv.URL)
	ch, err := p.Stream(ctx, Request{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	<-ch // first delta
	cancel()
	// Channel must close promptly after cancellation.
	for range ch {
	}
}
