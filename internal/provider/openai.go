package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultAPIBase     = "https://api.openai.com/v1"
	DefaultModelName   = "gpt-4o-mini"
	DefaultMaxAttempts = 3
	DefaultRetryBase   = time.Second

	// maxRetryAfter caps a server supplied Retry-After.
	maxRetryAfter = time.Minute
)

// OpenAIProvider talks to any server exposing the OpenAI chat completions
// API (OpenAI, OpenRouter, local gateways).
type OpenAIProvider struct {
	apiKey       string
	apiBase      string
	defaultModel string
	httpClient   *http.Client

	maxAttempts int
	retryBase   time.Duration
}

func NewOpenAIProvider(apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	if defaultModel == "" {
		defaultModel = DefaultModelName
	}
	return &OpenAIProvider{
		apiKey:       apiKey,
		apiBase:      strings.TrimSuffix(apiBase, "/"),
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		maxAttempts:  DefaultMaxAttempts,
		retryBase:    DefaultRetryBase,
	}
}

// WithRetry sets the attempt budget and the first backoff delay, which
// doubles on every retry. attempts < 1 means a single attempt.
func (p *OpenAIProvider) WithRetry(attempts int, base time.Duration) *OpenAIProvider {
	p.maxAttempts = max(attempts, 1)
	p.retryBase = base
	return p
}

func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

// APIError is a non-200 answer from the server.
type APIError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("model API status %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// Temporary reports whether repeating the call may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

// Chat runs one completion. Rate limits, 5xx answers and transport failures
// are retried with exponential backoff, or after the server's Retry-After
// when it sends one.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		resp, err := p.post(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) || attempt == p.maxAttempts {
			break
		}
		delay := p.retryBase << (attempt - 1)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			delay = apiErr.RetryAfter
		}
		slog.Warn("Model call failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (p *OpenAIProvider) buildRequest(req *ChatRequest) chatRequest {
	out := chatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages:    make([]wireMessage, 0, len(req.Messages)),
	}
	if out.Model == "" {
		out.Model = p.defaultModel
	}
	if len(req.Tools) > 0 {
		out.Tools = req.Tools
		out.ToolChoice = "auto"
	}
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			call := wireToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = string(args)
			wm.ToolCalls = append(wm.ToolCalls, call)
		}
		out.Messages = append(out.Messages, wm)
	}
	return out
}

func (p *OpenAIProvider) post(ctx context.Context, body []byte) (*ChatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Status:     resp.StatusCode,
			Body:       string(data),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return parsed.toChatResponse()
}

// parseRetryAfter reads the delay-seconds form of Retry-After.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []wireMessage    `json:"messages"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

func (r *chatResponse) toChatResponse() (*ChatResponse, error) {
	if len(r.Choices) == 0 {
		return nil, errors.New("model returned no choices")
	}
	choice := r.Choices[0]
	out := &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        r.Usage,
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				// Keep malformed arguments visible to the tool as text.
				args = map[string]any{"raw": tc.Function.Arguments}
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}
