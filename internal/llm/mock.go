package llm

import (
	"context"
	"sync"
)

// MockClient is a test double for the LLM Client interface. Responses
// are served in order when Responses is set, otherwise Response repeats.
type MockClient struct {
	mu        sync.Mutex
	Response  *Response
	Responses []*Response
	Err       error
	Calls     []string // records prompts sent
}

// Complete records the call and returns the next mock response.
func (m *MockClient) Complete(ctx context.Context, prompt string) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, prompt)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) > 0 {
		next := m.Responses[0]
		m.Responses = m.Responses[1:]
		return next, nil
	}
	return m.Response, nil
}

// CallCount returns how many completions were requested.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
