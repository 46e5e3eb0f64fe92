package llm

import (
	"context"
	"strings"
	"sync"
)

type cannedResponse struct {
	match   string
	content string
}

// MockClient is the deterministic test double. Responses resolve in
// order: a queued response if any, then the first stub whose match
// substring appears in the prompt, then the default.
type MockClient struct {
	mu       sync.Mutex
	stubs    []cannedResponse
	queue    []string
	fallback string
	err      error
	calls    []Request
}

// NewMockClient returns a mock whose unmatched calls answer with an
// empty JSON object.
func NewMockClient() *MockClient {
	return &MockClient{fallback: "{}"}
}

// Stub registers a canned response for prompts containing match.
func (m *MockClient) Stub(match, content string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, cannedResponse{match: match, content: content})
	return m
}

// Enqueue pushes a response consumed by the next call regardless of
// prompt content.
func (m *MockClient) Enqueue(content string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, content)
	return m
}

// SetDefault overrides the fallback response.
func (m *MockClient) SetDefault(content string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = content
	return m
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (m *MockClient) FailWith(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Complete implements Client.
func (m *MockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if m.err != nil {
		return nil, m.err
	}
	if len(m.queue) > 0 {
		content := m.queue[0]
		m.queue = m.queue[1:]
		return m.respond(content), nil
	}
	haystack := req.System + "\n" + req.Prompt
	for _, stub := range m.stubs {
		if strings.Contains(haystack, stub.match) {
			return m.respond(stub.content), nil
		}
	}
	return m.respond(m.fallback), nil
}

// Close implements Client.
func (m *MockClient) Close() error { return nil }

// Calls returns a copy of every request seen so far.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// CallCount returns how many times Complete ran.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *MockClient) respond(content string) *Response {
	return &Response{
		Content:    content,
		Model:      "mock",
		TokensUsed: len(content) / charsPerToken,
	}
}
