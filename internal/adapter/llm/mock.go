package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is a deterministic Client for tests and offline runs. Scripted
// responses, when present, are consumed in order; after the script drains it
// falls back to echoing the last user message.
type MockClient struct {
	mu     sync.Mutex
	script []*ChatCompletionResponse
	calls  []*ChatCompletionRequest
	err    error
}

var _ Client = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{}
}

// Enqueue appends a scripted response.
func (m *MockClient) Enqueue(resp *ChatCompletionResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, resp)
}

// FailWith makes calls return err once the script is drained.
func (m *MockClient) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the requests seen so far.
func (m *MockClient) Calls() []*ChatCompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ChatCompletionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	if len(m.script) > 0 {
		resp := m.script[0]
		m.script = m.script[1:]
		if resp.Model == "" {
			resp.Model = req.Model
		}
		return resp, nil
	}
	if m.err != nil {
		return nil, m.err
	}

	content := m.defaultResponse(req)
	promptTokens := estimateTokens(req)
	return &ChatCompletionResponse{
		ID:      fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{
			{
				Index: 0,
				Message: &ChatMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			},
		},
		Usage: &Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: len(content) / 4,
			TotalTokens:      promptTokens + len(content)/4,
		},
	}, nil
}

func (m *MockClient) defaultResponse(req *ChatCompletionRequest) string {
	var lastUser string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			lastUser = req.Messages[i].Content
			break
		}
	}
	if lastUser == "" {
		return "[MOCK] done."
	}
	return fmt.Sprintf("[MOCK] Received: %q.", truncate(lastUser, 100))
}

func estimateTokens(req *ChatCompletionRequest) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
	}
	return total
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
