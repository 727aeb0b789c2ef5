package permissions

import (
	"context"
	"sync"
)

// Broker routes ask decisions to connected clients. The engine blocks in
// Ask while a transport delivers the client's verdict through Answer,
// keyed by the request id carried in the approval_required event.
type Broker struct {
	mu      sync.Mutex
	pending map[string]chan Answer
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{pending: make(map[string]chan Answer)}
}

// Ask blocks until Answer is called with the request id or ctx expires.
func (b *Broker) Ask(ctx context.Context, req Request, _ Result) (Answer, error) {
	ch := make(chan Answer, 1)
	b.mu.Lock()
	b.pending[req.RequestID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, req.RequestID)
		b.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return AnswerDeny, ctx.Err()
	case answer := <-ch:
		return answer, nil
	}
}

// Answer resolves a pending ask. It reports whether the request id was
// known and still waiting.
func (b *Broker) Answer(requestID string, answer Answer) bool {
	b.mu.Lock()
	ch, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- answer
	return true
}

// PendingCount returns how many asks are awaiting an answer.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
