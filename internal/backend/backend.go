// Package backend defines the abstract memory backend the orchestrator
// consumes. The actual vector/graph retrieval engine is external; this
// package only knows how to ask it to search and store, always scoped
// to the real user id.
package backend

import "context"

// Result is one retrieved memory.
type Result struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Ack confirms a store operation.
type Ack struct {
	ID string `json:"id"`
}

// Backend is the memory engine contract: search and store, nothing else.
type Backend interface {
	Search(ctx context.Context, query, userID string) ([]Result, error)
	Store(ctx context.Context, content, userID string) (*Ack, error)
}
