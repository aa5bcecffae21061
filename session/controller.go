package session

import (
	"context"
	"sync"
)

// Controller owns at most one session. Starting a new session discards the
// previous one first.
type Controller struct {
	mu      sync.Mutex
	current *Session
}

func (c *Controller) Start(ctx context.Context, opts Options) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.Close()
		c.current = nil
	}
	s, err := Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	c.current = s
	return s, nil
}

// Stop gracefully stops the current session. The session stays current so
// its outcome can be read again until the next Start.
func (c *Controller) Stop(ctx context.Context) (Outcome, error) {
	s := c.Current()
	if s == nil {
		return Outcome{}, ErrNoSession
	}
	return s.Stop(ctx)
}

func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.Close()
		c.current = nil
	}
}
