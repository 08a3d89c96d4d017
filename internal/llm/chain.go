package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pass remembers which models were rate limited during one scan pass so
// later calls in the same pass skip them. Safe for concurrent use.
type Pass struct {
	mu      sync.Mutex
	limited map[string]bool
}

// NewPass starts an empty pass.
func NewPass() *Pass {
	return &Pass{limited: make(map[string]bool)}
}

// MarkLimited records a model as rate limited.
func (p *Pass) MarkLimited(model string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.limited[model] = true
	p.mu.Unlock()
}

// Limited reports whether the model was marked in this pass.
func (p *Pass) Limited(model string) bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limited[model]
}

// ChainError is returned when every model of a chain failed.
type ChainError struct {
	Models int
	Last   error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("all %d models failed, last error: %v", e.Models, e.Last)
}

func (e *ChainError) Unwrap() error { return e.Last }

// ModelChain tries an ordered list of providers, returning the first success.
type ModelChain struct {
	providers []Provider
	timeout   time.Duration
	logger    *slog.Logger
}

// NewModelChain creates a chain. A zero timeout leaves each attempt bounded
// only by the caller's context.
func NewModelChain(providers []Provider, timeout time.Duration, logger *slog.Logger) *ModelChain {
	return &ModelChain{providers: providers, timeout: timeout, logger: logger}
}

// Len returns the number of configured models.
func (c *ModelChain) Len() int { return len(c.providers) }

// Models returns the model names in priority order.
func (c *ModelChain) Models() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Send folds over the chain. Providers marked in pass are skipped, and a
// provider that answers with ErrRateLimited is marked. A nil pass disables
// the memory. The returned string is the name of the model that answered.
func (c *ModelChain) Send(ctx context.Context, req *Request, pass *Pass) (*Response, string, error) {
	return c.SendAccepted(ctx, req, pass, nil)
}

// SendAccepted is Send with a reply check: a reply rejected by accept counts
// as a failed attempt and the next model is tried.
func (c *ModelChain) SendAccepted(ctx context.Context, req *Request, pass *Pass, accept func(*Response) error) (*Response, string, error) {
	if len(c.providers) == 0 {
		return nil, "", errors.New("no models configured")
	}

	var lastErr error
	tried := 0
	for i, p := range c.providers {
		name := p.Name()
		if pass.Limited(name) {
			continue
		}
		tried++
		resp, err := c.attempt(ctx, p, req)
		if err == nil && accept != nil {
			if aerr := accept(resp); aerr != nil {
				err = fmt.Errorf("%s: rejected reply: %w", name, aerr)
			}
		}
		if err == nil {
			if i > 0 {
				c.logger.InfoContext(ctx, "model fallback succeeded",
					slog.String("model", name),
					slog.Int("attempt", tried),
				)
			}
			return resp, name, nil
		}
		lastErr = err
		if errors.Is(err, ErrRateLimited) {
			pass.MarkLimited(name)
		}
		c.logger.WarnContext(ctx, "model failed, trying next",
			slog.String("model", name),
			slog.String("error", err.Error()),
			slog.Int("remaining", len(c.providers)-i-1),
		)
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = ErrRateLimited
	}
	return nil, "", &ChainError{Models: len(c.providers), Last: lastErr}
}

func (c *ModelChain) attempt(ctx context.Context, p Provider, req *Request) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := p.SendMessage(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Content == "" {
		return nil, ErrEmptyReply
	}
	return resp, nil
}
