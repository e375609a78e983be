package service

import (
	"context"
	"sync"
)

// StoreTx provides a transactional boundary for tenant store mutations.
// Implementations may wrap a database transaction (stores join it through
// pkg/platform/tx) or, in-memory, a coarse lock. The in-memory boundary
// cannot roll back, so callers compensate writes made before a failure.
type StoreTx interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type inMemoryStoreTx struct {
	mu sync.Mutex
}

func newInMemoryStoreTx() *inMemoryStoreTx {
	return &inMemoryStoreTx{}
}

// NewInMemoryStoreTx returns the lock-based boundary used with in-memory stores.
func NewInMemoryStoreTx() StoreTx {
	return newInMemoryStoreTx()
}

func (t *inMemoryStoreTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(ctx)
}
