package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAIClient talks to the OpenAI Assistants v2 API.
type OpenAIClient struct {
	baseURL         string
	apiKey          string
	completionModel string
	httpClient      *http.Client
}

// NewOpenAIClient creates a client for the given API endpoint.
func NewOpenAIClient(baseURL, apiKey, completionModel string) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if completionModel == "" {
		completionModel = "gpt-4o-mini"
	}
	return &OpenAIClient{
		baseURL:         baseURL,
		apiKey:          apiKey,
		completionModel: completionModel,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// do performs one JSON request against the API and decodes the response
// into out (skipped when out is nil). Non-2xx statuses become errors
// carrying the response body.
func (c *OpenAIClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CreateThread creates a new conversation thread.
func (c *OpenAIClient) CreateThread(ctx context.Context) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/threads", map[string]any{}, &resp); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return resp.ID, nil
}

// PostMessage appends a message to a thread.
func (c *OpenAIClient) PostMessage(ctx context.Context, threadID, role, text string) (string, error) {
	payload := map[string]any{
		"role":    role,
		"content": text,
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/messages", payload, &resp); err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	return resp.ID, nil
}

// StartRun starts an assistant run over a thread.
func (c *OpenAIClient) StartRun(ctx context.Context, threadID, assistantID string) (string, error) {
	payload := map[string]any{
		"assistant_id": assistantID,
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs", payload, &resp); err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return resp.ID, nil
}

// wireRun is the API representation of a run.
type wireRun struct {
	ID             string `json:"id"`
	ThreadID       string `json:"thread_id"`
	Status         string `json:"status"`
	RequiredAction *struct {
		Type              string `json:"type"`
		SubmitToolOutputs struct {
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"` // JSON object as a string
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"submit_tool_outputs"`
	} `json:"required_action"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

// GetRun retrieves the current state of a run.
func (c *OpenAIClient) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var wire wireRun
	if err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, &wire); err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	run := &Run{
		ID:       wire.ID,
		ThreadID: wire.ThreadID,
		Status:   RunStatus(wire.Status),
	}

	if wire.LastError != nil {
		run.ErrorDetail = wire.LastError.Message
	}

	if wire.RequiredAction != nil {
		for _, tc := range wire.RequiredAction.SubmitToolOutputs.ToolCalls {
			call := ToolCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
			}
			// Arguments arrive as a JSON string; decode here so the
			// rest of the engine only sees structured maps. Malformed
			// arguments become an empty map rather than a dropped call,
			// since every call in the batch must be accounted for.
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments); err != nil {
					call.Arguments = map[string]any{}
				}
			}
			run.PendingToolCalls = append(run.PendingToolCalls, call)
		}
	}

	return run, nil
}

// SubmitToolOutputs submits the full batch of tool results for a run.
func (c *OpenAIClient) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) error {
	payload := map[string]any{
		"tool_outputs": outputs,
	}
	if err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs/"+runID+"/submit_tool_outputs", payload, nil); err != nil {
		return fmt.Errorf("submit tool outputs: %w", err)
	}
	return nil
}

// ListMessages returns the messages in a thread.
func (c *OpenAIClient) ListMessages(ctx context.Context, threadID string) ([]ThreadMessage, error) {
	var wire struct {
		Data []struct {
			ID        string `json:"id"`
			Role      string `json:"role"`
			CreatedAt int64  `json:"created_at"`
			Content   []struct {
				Type string `json:"type"`
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/messages", nil, &wire); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages := make([]ThreadMessage, 0, len(wire.Data))
	for _, m := range wire.Data {
		msg := ThreadMessage{
			ID:        m.ID,
			Role:      m.Role,
			CreatedAt: time.Unix(m.CreatedAt, 0),
		}
		// A message body is a list of content blocks; concatenate the
		// text blocks and ignore the rest (images etc).
		for _, block := range m.Content {
			if block.Type == "text" {
				if msg.Content != "" {
					msg.Content += " "
				}
				msg.Content += block.Text.Value
			}
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// Complete sends a single constrained chat-completion request.
func (c *OpenAIClient) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	payload := map[string]any{
		"model": c.completionModel,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	}
	if maxTokens > 0 {
		payload["max_tokens"] = maxTokens
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.do(ctx, http.MethodPost, "/chat/completions", payload, &resp); err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}
