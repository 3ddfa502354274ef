package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// OpenAICompat implements Provider for OpenAI-compatible chat APIs
// (OpenAI, OpenRouter, LM Studio and other local OpenAI-style servers).
type OpenAICompat struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewOpenAICompat creates an adapter for an OpenAI-compatible endpoint.
// baseURL should include the API root, e.g. "https://api.openai.com/v1" or
// "https://openrouter.ai/api/v1".
func NewOpenAICompat(name, baseURL string) *OpenAICompat {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAICompat{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 300 * time.Second},
	}
}

func (p *OpenAICompat) Name() string { return p.name }

type oaiMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Stream opens an SSE chat completion stream.
func (p *OpenAICompat) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	msgs := make([]oaiMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = oaiMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.Name}
	}

	body := map[string]any{
		"model":    req.Model,
		"messages": msgs,
		"stream":   true,
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	for k, v := range req.Extras {
		body[k] = v
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}

	if resp.StatusCode != http.StatusOK {
		detail := readErrorBody(resp.Body)
		resp.Body.Close()
		return nil, &Error{Kind: classifyStatus(resp.StatusCode), Status: resp.StatusCode, Detail: detail}
	}

	ch := make(chan StreamEvent)
	go p.consumeSSE(ctx, resp.Body, ch)
	return ch, nil
}

// consumeSSE reads "data:" lines until [DONE], a terminal error, or ctx
// cancellation, then closes ch. Exactly one terminal event is emitted.
func (p *OpenAICompat) consumeSSE(ctx context.Context, body io.ReadCloser, ch chan<- StreamEvent) {
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
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			emit(StreamEvent{Kind: EventDone})
			return
		}

		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // tolerate malformed keep-alive chunks
		}
		if chunk.Error != nil {
			emit(StreamEvent{Kind: EventError, Err: &Error{
				Kind:   KindProviderInternal,
				Detail: chunk.Error.Message,
			}})
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta != nil && choice.Delta.Content != "" {
			if !emit(StreamEvent{Kind: EventDelta, Text: choice.Delta.Content}) {
				return
			}
		}
		if choice.FinishReason != "" && choice.FinishReason != "null" {
			emit(StreamEvent{Kind: EventDone})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		emit(StreamEvent{Kind: EventError, Err: classifyTransport(err)})
		return
	}
	// Stream ended without [DONE]; treat the truncation as transport loss.
	emit(StreamEvent{Kind: EventError, Err: &Error{
		Kind:   KindTransientNetwork,
		Detail: "stream closed before completion",
	}})
}

type oaiModelList struct {
	Data []struct {
		ID      string `json:"id"`
		Pricing *struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
	} `json:"data"`
}

// ListModels enumerates models via GET /models. OpenRouter-style pricing
// strings are parsed when present.
func (p *OpenAICompat) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
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

	var list oaiModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}

	models := make([]ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		info := ModelInfo{ID: m.ID}
		if m.Pricing != nil {
			info.PromptPrice, _ = strconv.ParseFloat(m.Pricing.Prompt, 64)
			info.CompletionPrice, _ = strconv.ParseFloat(m.Pricing.Completion, 64)
		}
		models = append(models, info)
	}
	return models, nil
}

// readErrorBody extracts a short error detail from a non-200 response.
func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var wrapped struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Error.Message != "" {
		return wrapped.Error.Message
	}
	return truncate(string(data), 512)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Provider = (*OpenAICompat)(nil)
