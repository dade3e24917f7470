package llm

import (
	"context"
	"sync"
)

// StubReply is one scripted response for the StubClient.
type StubReply struct {
	Text  string
	Err   error
	Usage Usage
}

// StubClient replays scripted replies. It backs offline runs and tests:
// enqueued replies are consumed in order, then the fallback answers every
// further call. The default fallback is a negative verdict, which keeps
// keyless runs honest instead of inventing relationships.
type StubClient struct {
	mu       sync.Mutex
	queue    []StubReply
	fallback StubReply
	requests []CompletionRequest
}

// NewStubClient creates a stub with the negative-verdict fallback.
func NewStubClient() *StubClient {
	return &StubClient{
		fallback: StubReply{
			Text:  `{"related": false, "type": "", "confidence": 0.9, "rationale": "no connection evident from the records"}`,
			Usage: Usage{InputTokens: 400, OutputTokens: 40},
		},
	}
}

// Enqueue appends scripted replies consumed before the fallback.
func (c *StubClient) Enqueue(replies ...StubReply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, replies...)
}

// SetFallback replaces the reply used once the queue is drained.
func (c *StubClient) SetFallback(r StubReply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = r
}

// Requests returns a copy of every request seen, in call order.
func (c *StubClient) Requests() []CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CompletionRequest(nil), c.requests...)
}

// Calls returns the number of Complete invocations so far.
func (c *StubClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Complete pops the next scripted reply.
func (c *StubClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.requests = append(c.requests, req)
	reply := c.fallback
	if len(c.queue) > 0 {
		reply = c.queue[0]
		c.queue = c.queue[1:]
	}
	c.mu.Unlock()

	if reply.Err != nil {
		return nil, reply.Err
	}
	return &Completion{Text: reply.Text, Usage: reply.Usage}, nil
}

// Model identifies the stub.
func (c *StubClient) Model() string { return "stub" }
