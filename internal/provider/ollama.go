package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama implements Provider for a local Ollama server. Ollama streams
// newline-delimited JSON rather than SSE.
type Ollama struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewOllama creates an adapter for local Ollama inference.
func NewOllama(name, baseURL string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Ollama{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		// Local inference can be slow; rely on ctx for cancellation.
		client: &http.Client{Timeout: 600 * time.Second},
	}
}

func (p *Ollama) Name() string { return p.name }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error"`
}

// Stream opens an NDJSON chat stream against /api/chat.
func (p *Ollama) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	msgs := make([]ollamaMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		// Ollama has no tool role; surface tool results as user turns.
		if role == "tool" {
			role = "user"
		}
		msgs = append(msgs, ollamaMessage{Role: role, Content: m.Content})
	}

	body := map[string]any{
		"model":    req.Model,
		"messages": msgs,
		"stream":   true,
	}
	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(options) > 0 {
		body["options"] = options
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}

	if resp.StatusCode != http.StatusOK {
		detail := readErrorBody(resp.Body)
		resp.Body.Close()
		kind := classifyStatus(resp.StatusCode)
		// Ollama reports an unknown model as 404 with "model ... not found".
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(detail, "not found") {
			kind = KindModelUnavailable
		}
		return nil, &Error{Kind: kind, Status: resp.StatusCode, Detail: detail}
	}

	ch := make(chan StreamEvent)
	go p.consumeNDJSON(ctx, resp.Body, ch)
	return ch, nil
}

func (p *Ollama) consumeNDJSON(ctx context.Context, body io.ReadCloser, ch chan<- StreamEvent) {
	defer close(ch)
	defer body.Close()

	emit := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			emit(StreamEvent{Kind: EventError, Err: &Error{
				Kind:   KindProviderInternal,
				Detail: chunk.Error,
			}})
			return
		}
		if chunk.Message.Content != "" {
			if !emit(StreamEvent{Kind: EventDelta, Text: chunk.Message.Content}) {
				return
			}
		}
		if chunk.Done {
			emit(StreamEvent{Kind: EventDone})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		emit(StreamEvent{Kind: EventError, Err: classifyTransport(err)})
		return
	}
	emit(StreamEvent{Kind: EventError, Err: &Error{
		Kind:   KindTransientNetwork,
		Detail: "stream closed before completion",
	}})
}

type ollamaTags struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels enumerates locally pulled models via /api/tags. Local models
// carry no pricing: they count as free.
func (p *Ollama) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: classifyStatus(resp.StatusCode), Status: resp.StatusCode, Detail: readErrorBody(resp.Body)}
	}

	var tags ollamaTags
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, ModelInfo{ID: m.Name})
	}
	return models, nil
}

var _ Provider = (*Ollama)(nil)
