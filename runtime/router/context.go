package router

import (
	"context"
	"time"
)

type (
	// Entry is one unit of retrievable business context.
	Entry struct {
		ID        string    `json:"id,omitempty"`
		Content   string    `json:"content"`
		Tags      []string  `json:"tags,omitempty"`
		CreatedAt time.Time `json:"created_at,omitzero"`
	}

	// ContextProvider retrieves business context relevant to a goal. The
	// router treats lookup failures as recoverable and routes without
	// context rather than blocking on the provider.
	ContextProvider interface {
		Query(ctx context.Context, query string) ([]Entry, error)
	}
)
