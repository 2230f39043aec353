package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/maestro/pkg/config"
	"github.com/kadirpekel/maestro/pkg/observability"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	cfg        config.LLMConfig
	httpClient *http.Client
	metrics    *observability.Metrics
}

// NewOpenAIProvider builds a provider from config. metrics may be nil.
func NewOpenAIProvider(cfg config.LLMConfig, metrics *observability.Metrics) *OpenAIProvider {
	return &OpenAIProvider{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		metrics: metrics,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
	Stream      bool            `json:"stream"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage  `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content,omitempty"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
			Reasoning string           `json:"reasoning,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
	Error *openAIError `json:"error,omitempty"`
}

// Generate performs one blocking completion.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	model := p.model(req)

	tracer := observability.GetTracer("maestro.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, model),
			attribute.String("provider", "openai"),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	body := p.buildRequest(req, false)
	resp, err := p.post(ctx, body)
	duration := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.RecordLLMCall(model, duration, 0, 0, err)
		return nil, err
	}
	if resp.Error != nil {
		apiErr := fmt.Errorf("API error: %s", resp.Error.Message)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, resp.Error.Message)
		p.metrics.RecordLLMCall(model, duration, 0, 0, apiErr)
		return nil, apiErr
	}
	if len(resp.Choices) == 0 {
		err := fmt.Errorf("no response choices returned")
		span.RecordError(err)
		p.metrics.RecordLLMCall(model, duration, 0, 0, err)
		return nil, err
	}

	choice := resp.Choices[0]
	toolCalls, err := parseToolCalls(choice.Message.ToolCalls)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("llm.tool_calls", len(toolCalls)))
	span.SetStatus(codes.Ok, "success")
	p.metrics.RecordLLMCall(model, duration, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, nil)

	return &Response{
		Text:       choice.Message.Content,
		ToolCalls:  toolCalls,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// Stream performs one streaming completion. The returned channel is closed
// after the terminal done or error chunk.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, 100)
	go func() {
		defer close(out)
		if err := p.streamRequest(ctx, req, out); err != nil {
			sendChunk(ctx, out, StreamChunk{Type: ChunkTypeError, Err: err})
		}
	}()
	return out, nil
}

// sendChunk delivers a chunk unless the context is cancelled first, so an
// abandoned consumer never wedges the producer goroutine.
func sendChunk(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *OpenAIProvider) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.cfg.Model
}

func (p *OpenAIProvider) buildRequest(req Request, stream bool) openAIRequest {
	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		m := openAIMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Args)
			m.ToolCalls = append(m.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunctionCall{
					Name:      tc.Name,
					Arguments: string(argsJSON),
				},
			})
		}
		messages = append(messages, m)
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.cfg.Temperature
	}

	out := openAIRequest{
		Model:       p.model(req),
		Messages:    messages,
		Temperature: temperature,
		Stream:      stream,
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}
	if maxTokens > 0 {
		out.MaxTokens = &maxTokens
	}

	if len(req.Tools) > 0 {
		out.Tools = make([]openAITool, len(req.Tools))
		for i, t := range req.Tools {
			out.Tools[i] = openAITool{
				Type:     "function",
				Function: openAIToolFunction(t),
			}
		}
		out.ToolChoice = "auto"
	}
	return out
}

func parseToolCalls(calls []openAIToolCall) ([]ToolCall, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	result := make([]ToolCall, len(calls))
	for i, tc := range calls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool arguments for %s: %w", tc.Function.Name, err)
			}
		}
		result[i] = ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		}
	}
	return result, nil
}

func parseErrorBody(body []byte) *openAIError {
	var errResp struct {
		Error openAIError `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &errResp.Error
	}
	return nil
}

func (p *OpenAIProvider) newHTTPRequest(ctx context.Context, request openAIRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	return req, nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	if apiErr := parseErrorBody(body); apiErr != nil {
		return fmt.Errorf("API request failed with status %d: %s (type: %s, code: %s)",
			resp.StatusCode, apiErr.Message, apiErr.Type, apiErr.Code)
	}
	return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
}

func (p *OpenAIProvider) post(ctx context.Context, request openAIRequest) (*openAIResponse, error) {
	req, err := p.newHTTPRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &response, nil
}

func (p *OpenAIProvider) streamRequest(ctx context.Context, req Request, out chan<- StreamChunk) error {
	start := time.Now()
	model := p.model(req)

	tracer := observability.GetTracer("maestro.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, model),
			attribute.String("provider", "openai"),
			attribute.Bool("streaming", true),
		),
	)
	defer span.End()

	httpReq, err := p.newHTTPRequest(ctx, p.buildRequest(req, true))
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		p.metrics.RecordLLMCall(model, time.Since(start), 0, 0, err)
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		span.RecordError(err)
		p.metrics.RecordLLMCall(model, time.Since(start), 0, 0, err)
		return err
	}

	reader := bufio.NewReader(resp.Body)
	toolCalls := make(map[int]*openAIToolCall)
	totalTokens := 0

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			span.RecordError(err)
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp openAIStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}
		if streamResp.Error != nil {
			apiErr := fmt.Errorf("API error: %s", streamResp.Error.Message)
			span.RecordError(apiErr)
			p.metrics.RecordLLMCall(model, time.Since(start), 0, 0, apiErr)
			return apiErr
		}
		if streamResp.Usage != nil {
			totalTokens = streamResp.Usage.TotalTokens
		}
		if len(streamResp.Choices) == 0 {
			continue
		}

		choice := streamResp.Choices[0]

		if choice.Delta.Reasoning != "" {
			if !sendChunk(ctx, out, StreamChunk{Type: ChunkTypeThinking, Text: choice.Delta.Reasoning}) {
				return ctx.Err()
			}
		}
		if choice.Delta.Content != "" {
			if !sendChunk(ctx, out, StreamChunk{Type: ChunkTypeText, Text: choice.Delta.Content}) {
				return ctx.Err()
			}
		}

		for _, delta := range choice.Delta.ToolCalls {
			if delta.ID != "" {
				toolCalls[len(toolCalls)] = &openAIToolCall{
					ID:       delta.ID,
					Type:     delta.Type,
					Function: delta.Function,
				}
			} else if len(toolCalls) > 0 {
				// Argument fragments attach to the most recent call.
				toolCalls[len(toolCalls)-1].Function.Arguments += delta.Function.Arguments
			}
		}

		if choice.FinishReason == "stop" || choice.FinishReason == "tool_calls" {
			break
		}
	}

	ordered := make([]openAIToolCall, 0, len(toolCalls))
	for i := 0; i < len(toolCalls); i++ {
		if tc, ok := toolCalls[i]; ok {
			ordered = append(ordered, *tc)
		}
	}
	parsed, err := parseToolCalls(ordered)
	if err != nil {
		span.RecordError(err)
		return err
	}
	for i := range parsed {
		if !sendChunk(ctx, out, StreamChunk{Type: ChunkTypeToolCall, ToolCall: &parsed[i]}) {
			return ctx.Err()
		}
	}

	span.SetStatus(codes.Ok, "success")
	p.metrics.RecordLLMCall(model, time.Since(start), 0, totalTokens, nil)
	sendChunk(ctx, out, StreamChunk{Type: ChunkTypeDone, Tokens: totalTokens})
	return nil
}
