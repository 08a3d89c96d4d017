package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProvider struct {
	name  string
	err   error
	reply string
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) SendMessage(ctx context.Context, _ *Request) (*Response, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Response{Content: f.reply}, nil
}

func TestModelChain_FirstSuccessShortCircuits(t *testing.T) {
	a := &fakeProvider{name: "a", reply: "ok-a"}
	b := &fakeProvider{name: "b", reply: "ok-b"}
	chain := NewModelChain([]Provider{a, b}, 0, discardLogger())

	resp, model, err := chain.Send(context.Background(), &Request{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok-a" || model != "a" {
		t.Errorf("got %q from %q, want ok-a from a", resp.Content, model)
	}
	if b.calls.Load() != 0 {
		t.Errorf("second model called %d times", b.calls.Load())
	}
}

func TestModelChain_FallsBackInOrder(t *testing.T) {
	a := &fakeProvider{name: "a", err: errors.New("boom")}
	b := &fakeProvider{name: "b", err: ErrEmptyReply}
	c := &fakeProvider{name: "c", reply: "ok"}
	chain := NewModelChain([]Provider{a, b, c}, 0, discardLogger())

	_, model, err := chain.Send(context.Background(), &Request{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if model != "c" {
		t.Errorf("model = %q, want c", model)
	}
}

func TestModelChain_AllFail(t *testing.T) {
	last := errors.New("last failure")
	chain := NewModelChain([]Provider{
		&fakeProvider{name: "a", err: errors.New("first")},
		&fakeProvider{name: "b", err: last},
	}, 0, discardLogger())

	_, _, err := chain.Send(context.Background(), &Request{}, nil)
	if !errors.Is(err, last) {
		t.Fatalf("expected last error to be wrapped, got %v", err)
	}
	if !strings.Contains(err.Error(), "all 2 models failed") {
		t.Errorf("unexpected message: %v", err)
	}
	var ce *ChainError
	if !errors.As(err, &ce) || ce.Models != 2 {
		t.Errorf("expected *ChainError with 2 models, got %#v", err)
	}
}

func TestModelChain_RateLimitedSkippedForPass(t *testing.T) {
	a := &fakeProvider{name: "a", err: &StatusError{StatusCode: 429}}
	b := &fakeProvider{name: "b", reply: "ok"}
	chain := NewModelChain([]Provider{a, b}, 0, discardLogger())
	pass := NewPass()

	for i := 0; i < 3; i++ {
		if _, _, err := chain.Send(context.Background(), &Request{}, pass); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	if got := a.calls.Load(); got != 1 {
		t.Errorf("rate-limited model called %d times, want 1", got)
	}
	if !pass.Limited("a") || pass.Limited("b") {
		t.Errorf("pass state wrong: a=%v b=%v", pass.Limited("a"), pass.Limited("b"))
	}

	// A fresh pass retries the model.
	if _, _, err := chain.Send(context.Background(), &Request{}, NewPass()); err != nil {
		t.Fatal(err)
	}
	if got := a.calls.Load(); got != 2 {
		t.Errorf("new pass should retry model a, calls = %d", got)
	}
}

func TestModelChain_AllLimitedInPass(t *testing.T) {
	a := &fakeProvider{name: "a", reply: "ok"}
	chain := NewModelChain([]Provider{a}, 0, discardLogger())
	pass := NewPass()
	pass.MarkLimited("a")

	_, _, err := chain.Send(context.Background(), &Request{}, pass)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if a.calls.Load() != 0 {
		t.Error("limited model must not be called")
	}
}

func TestModelChain_PerAttemptTimeout(t *testing.T) {
	slow := &fakeProvider{name: "slow", reply: "late", delay: time.Second}
	fast := &fakeProvider{name: "fast", reply: "ok"}
	chain := NewModelChain([]Provider{slow, fast}, 20*time.Millisecond, discardLogger())

	_, model, err := chain.Send(context.Background(), &Request{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if model != "fast" {
		t.Errorf("model = %q, want fast", model)
	}
}

func TestModelChain_EmptyContentIsFailure(t *testing.T) {
	chain := NewModelChain([]Provider{&fakeProvider{name: "a", reply: ""}}, 0, discardLogger())
	_, _, err := chain.Send(context.Background(), &Request{}, nil)
	if !errors.Is(err, ErrEmptyReply) {
		t.Fatalf("expected ErrEmptyReply, got %v", err)
	}
}

func TestModelChain_NoModels(t *testing.T) {
	chain := NewModelChain(nil, 0, discardLogger())
	if _, _, err := chain.Send(context.Background(), &Request{}, nil); err == nil {
		t.Fatal("expected error with no models")
	}
}

func TestModelChain_SendAcceptedRejectsReply(t *testing.T) {
	a := &fakeProvider{name: "a", reply: "not json"}
	b := &fakeProvider{name: "b", reply: `{"ok":true}`}
	chain := NewModelChain([]Provider{a, b}, 0, discardLogger())

	accept := func(r *Response) error {
		_, err := ExtractJSON(r.Content)
		return err
	}
	resp, model, err := chain.SendAccepted(context.Background(), &Request{}, nil, accept)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if model != "b" || resp.Content != `{"ok":true}` {
		t.Errorf("got %q from %q", resp.Content, model)
	}

	_, _, err = NewModelChain([]Provider{a}, 0, discardLogger()).SendAccepted(context.Background(), &Request{}, nil, accept)
	if !errors.Is(err, ErrNoJSON) {
		t.Errorf("err = %v, want wrapped ErrNoJSON", err)
	}
}

func TestStatusError(t *testing.T) {
	err := NewStatusError(429, []byte(strings.Repeat("x", 2000)))
	if !errors.Is(err, ErrRateLimited) {
		t.Error("429 should unwrap to ErrRateLimited")
	}
	if len(err.Body) != 512 {
		t.Errorf("body not truncated: %d", len(err.Body))
	}
	if errors.Is(NewStatusError(503, nil), ErrRateLimited) {
		t.Error("503 should not unwrap to ErrRateLimited")
	}
}
