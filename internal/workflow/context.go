package workflow

import (
	"context"
	"sync"
)

// AccountContext memoizes the caller's account type. The loader runs at most
// once until Invalidate; a verified transaction invalidates it so the next
// read observes upstream changes.
type AccountContext struct {
	mu     sync.Mutex
	loaded bool
	value  string
	load   func(ctx context.Context) (string, error)
}

func NewAccountContext(load func(ctx context.Context) (string, error)) *AccountContext {
	return &AccountContext{load: load}
}

func (c *AccountContext) AccountType(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return c.value, nil
	}

	value, err := c.load(ctx)
	if err != nil {
		return "", err
	}
	c.value = value
	c.loaded = true
	return value, nil
}

func (c *AccountContext) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
	c.value = ""
}
