package session

import (
	"context"
	"sync"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/domain"
)

// Pending is the single-shot future a feedback call waits on. It has exactly
// one producer (whoever removes the session from the store) and one consumer
// (the call that created the session). Only the first Resolve or Reject takes
// effect; later calls return false and change nothing.
type Pending struct {
	mu      sync.Mutex
	settled bool
	done    chan struct{}
	replies []domain.FeedbackReply
	err     error
}

// NewPending creates an unsettled future.
func NewPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Resolve settles the future with the collected replies.
func (p *Pending) Resolve(replies []domain.FeedbackReply) bool {
	return p.settle(replies, nil)
}

// Reject settles the future with an error.
func (p *Pending) Reject(err error) bool {
	if err == nil {
		err = domain.ErrSessionClosed
	}
	return p.settle(nil, err)
}

func (p *Pending) settle(replies []domain.FeedbackReply, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return false
	}
	p.settled = true
	p.replies = replies
	p.err = err
	close(p.done)
	return true
}

// Settled reports whether Resolve or Reject already ran.
func (p *Pending) Settled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled
}

// Done is closed once the future settles.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the settled value. It must only be called after Done is closed.
func (p *Pending) Result() ([]domain.FeedbackReply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replies, p.err
}

// Wait blocks until the future settles or ctx ends. A ctx error does not
// settle the future; the owner is expected to cancel the session.
func (p *Pending) Wait(ctx context.Context) ([]domain.FeedbackReply, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
