// Package modelopenai streams reasoning turns from an OpenAI-compatible chat
// completions endpoint.
package modelopenai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Gurpartap/agentgraph/agent"
)

const (
	defaultBaseURL  = "https://api.openai.com/v1"
	defaultEndpoint = "/chat/completions"
	defaultTimeout  = 60 * time.Second
	maxErrorBody    = 64 << 10
	maxLineBytes    = 1 << 20
)

type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature *float64
	HTTPClient  *http.Client
}

type Adapter struct {
	apiKey      string
	model       string
	endpointURL string
	temperature *float64
	httpClient  *http.Client
}

var _ agent.Reasoner = (*Adapter)(nil)

func New(cfg Config) (*Adapter, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("new model adapter: api key is required")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("new model adapter: model is required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	endpointURL := strings.TrimRight(baseURL, "/") + defaultEndpoint

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return &Adapter{
		apiKey:      apiKey,
		model:       model,
		endpointURL: endpointURL,
		temperature: cfg.Temperature,
		httpClient:  httpClient,
	}, nil
}

// Reason streams one completion. Content deltas reach onDelta as they arrive;
// tool call fragments are accumulated and returned on the final message.
func (a *Adapter) Reason(ctx context.Context, request agent.ReasonRequest, onDelta func(string)) (agent.Message, error) {
	requestPayload, err := buildRequest(a.model, a.temperature, request)
	if err != nil {
		return agent.Message{}, fmt.Errorf("provider request: %w", err)
	}

	encoded, err := json.Marshal(requestPayload)
	if err != nil {
		return agent.Message{}, fmt.Errorf("provider request encode: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpointURL, bytes.NewReader(encoded))
	if err != nil {
		return agent.Message{}, fmt.Errorf("provider request build: %w", err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "text/event-stream")

	response, err := a.httpClient.Do(httpRequest)
	if err != nil {
		return agent.Message{}, fmt.Errorf("%w: provider request execute: %w", agent.ErrUpstreamProvider, err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		return agent.Message{}, fmt.Errorf(
			"%w: provider response status=%d body=%s",
			agent.ErrUpstreamProvider,
			response.StatusCode,
			strings.TrimSpace(string(body)),
		)
	}

	message, err := readStream(response.Body, onDelta)
	if err != nil {
		return agent.Message{}, fmt.Errorf("%w: provider stream: %w", agent.ErrUpstreamProvider, err)
	}
	return message, nil
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
}

type chatTool struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolCall struct {
	ID       string               `json:"id"`
	Type     string               `json:"type"`
	Function chatToolCallFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func buildRequest(model string, temperature *float64, request agent.ReasonRequest) (chatCompletionRequest, error) {
	normalizedMessages, err := normalizeProviderMessages(request.Messages)
	if err != nil {
		return chatCompletionRequest{}, err
	}

	messages := make([]chatMessage, len(normalizedMessages))
	for i := range normalizedMessages {
		converted, err := toChatMessage(normalizedMessages[i])
		if err != nil {
			return chatCompletionRequest{}, err
		}
		messages[i] = converted
	}

	tools := make([]chatTool, len(request.Tools))
	for i := range request.Tools {
		tools[i] = chatTool{
			Type: "function",
			Function: chatToolFunction{
				Name:        string(request.Tools[i].Name),
				Description: request.Tools[i].Description,
				Parameters:  request.Tools[i].InputSchema,
			},
		}
	}

	return chatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Tools:       tools,
		Temperature: temperature,
		Stream:      true,
	}, nil
}

// normalizeProviderMessages keeps only the latest tool observation per call
// and rejects observations for calls the assistant never made.
func normalizeProviderMessages(messages []agent.Message) ([]agent.Message, error) {
	normalized := make([]agent.Message, 0, len(messages))
	assistantToolCalls := make(map[string]struct{}, len(messages))
	toolMessageIndexByCallID := make(map[string]int, len(messages))

	for i := range messages {
		message := agent.CloneMessage(messages[i])
		switch message.Role {
		case agent.RoleAssistant:
			normalized = append(normalized, message)
			for _, call := range message.ToolCalls {
				if call.ID != "" {
					assistantToolCalls[call.ID] = struct{}{}
				}
			}
		case agent.RoleTool:
			toolCallID := strings.TrimSpace(message.ToolCallID)
			if toolCallID == "" {
				return nil, fmt.Errorf("decode messages: tool message at index %d missing tool_call_id", i)
			}
			if _, ok := assistantToolCalls[toolCallID]; !ok {
				return nil, fmt.Errorf(
					"decode messages: tool message at index %d references unknown tool_call_id %q",
					i,
					toolCallID,
				)
			}
			if existingIndex, exists := toolMessageIndexByCallID[toolCallID]; exists {
				normalized[existingIndex] = message
			} else {
				normalized = append(normalized, message)
				toolMessageIndexByCallID[toolCallID] = len(normalized) - 1
			}
		default:
			normalized = append(normalized, message)
		}
	}
	return normalized, nil
}

func toChatMessage(message agent.Message) (chatMessage, error) {
	role, err := toProviderRole(message.Role)
	if err != nil {
		return chatMessage{}, err
	}

	toolCalls := make([]chatToolCall, len(message.ToolCalls))
	for i := range message.ToolCalls {
		arguments := "{}"
		if len(message.ToolCalls[i].Arguments) > 0 {
			encoded, err := json.Marshal(message.ToolCalls[i].Arguments)
			if err != nil {
				return chatMessage{}, fmt.Errorf("encode tool call arguments: %w", err)
			}
			arguments = string(encoded)
		}
		toolCalls[i] = chatToolCall{
			ID:   message.ToolCalls[i].ID,
			Type: "function",
			Function: chatToolCallFunction{
				Name:      string(message.ToolCalls[i].Name),
				Arguments: arguments,
			},
		}
	}

	return chatMessage{
		Role:       role,
		Content:    message.Content,
		Name:       message.Name,
		ToolCallID: message.ToolCallID,
		ToolCalls:  toolCalls,
	}, nil
}

func toProviderRole(role agent.Role) (string, error) {
	switch role {
	case agent.RoleSystem:
		return "system", nil
	case agent.RoleUser:
		return "user", nil
	case agent.RoleAssistant:
		return "assistant", nil
	case agent.RoleTool:
		return "tool", nil
	default:
		return "", fmt.Errorf("unsupported message role %q", role)
	}
}

type toolCallFragment struct {
	id        string
	name      string
	arguments strings.Builder
}

// readStream consumes server-sent events until [DONE] or EOF.
func readStream(body io.Reader, onDelta func(string)) (agent.Message, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	var (
		content   strings.Builder
		fragments = map[int]*toolCallFragment{}
		done      bool
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			done = true
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return agent.Message{}, fmt.Errorf("decode chunk: %w", err)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				onDelta(choice.Delta.Content)
			}
			for _, fragment := range choice.Delta.ToolCalls {
				current, ok := fragments[fragment.Index]
				if !ok {
					current = &toolCallFragment{}
					fragments[fragment.Index] = current
				}
				if fragment.ID != "" {
					current.id = fragment.ID
				}
				if fragment.Function.Name != "" {
					current.name = fragment.Function.Name
				}
				current.arguments.WriteString(fragment.Function.Arguments)
			}
			if choice.FinishReason != "" {
				done = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return agent.Message{}, fmt.Errorf("read stream: %w", err)
	}
	if !done {
		return agent.Message{}, errors.New("stream ended before completion")
	}

	indexes := make([]int, 0, len(fragments))
	for index := range fragments {
		indexes = append(indexes, index)
	}
	slices.Sort(indexes)

	message := agent.Message{Role: agent.RoleAssistant, Content: content.String()}
	for _, index := range indexes {
		fragment := fragments[index]
		arguments := map[string]any{}
		if raw := strings.TrimSpace(fragment.arguments.String()); raw != "" {
			if err := json.Unmarshal([]byte(raw), &arguments); err != nil {
				return agent.Message{}, fmt.Errorf("decode tool call arguments for %q: %w", fragment.name, err)
			}
		}
		message.ToolCalls = append(message.ToolCalls, agent.ToolCall{
			ID:        fragment.id,
			Name:      agent.ToolName(fragment.name),
			Arguments: arguments,
		})
	}
	return message, nil
}
