package backend

import (
	"context"
	"sync"
)

// MockBackend is a test double for the Backend interface. It records
// every call and can serve canned results keyed by query.
type MockBackend struct {
	mu sync.Mutex

	Results   map[string][]Result // keyed by query; Fallback used when absent
	Fallback  []Result
	SearchErr error
	StoreErr  error

	SearchCalls []string // queries, in order
	StoreCalls  []string // contents, in order
	Users       []string // user id of every call, in order
}

// Search records the call and returns the canned results for the query.
func (m *MockBackend) Search(ctx context.Context, query, userID string) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SearchCalls = append(m.SearchCalls, query)
	m.Users = append(m.Users, userID)
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	if rs, ok := m.Results[query]; ok {
		return rs, nil
	}
	return m.Fallback, nil
}

// Store records the call.
func (m *MockBackend) Store(ctx context.Context, content, userID string) (*Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StoreCalls = append(m.StoreCalls, content)
	m.Users = append(m.Users, userID)
	if m.StoreErr != nil {
		return nil, m.StoreErr
	}
	return &Ack{ID: "mock-ack"}, nil
}

// SearchCount returns how many search calls were made.
func (m *MockBackend) SearchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SearchCalls)
}
