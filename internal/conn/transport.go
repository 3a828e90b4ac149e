package conn

import "context"

// Transport is one live bidirectional frame stream. ReadFrame is called from
// a single goroutine; WriteFrame may be called concurrently with it. Close
// must unblock a pending ReadFrame.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dialer opens a transport for one conversation.
type Dialer interface {
	Dial(ctx context.Context, conversationID string) (Transport, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, conversationID string) (Transport, error)

func (f DialFunc) Dial(ctx context.Context, conversationID string) (Transport, error) {
	return f(ctx, conversationID)
}
