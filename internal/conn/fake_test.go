package conn

import (
	"context"
	"errors"
	"sync"
)

// fakeTransport is an in-memory Transport driven by the test.
type fakeTransport struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, errors.New("transport closed")
	}
}

func (f *fakeTransport) WriteFrame(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// drop simulates an unexpected transport loss.
func (f *fakeTransport) drop() { f.Close() }

func (f *fakeTransport) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

// fakeDialer hands out transports in order; a nil entry means "dial fails".
type fakeDialer struct {
	mu      sync.Mutex
	results []*fakeTransport
	dials   int
	dialed  chan *fakeTransport
}

func newFakeDialer(results ...*fakeTransport) *fakeDialer {
	return &fakeDialer{results: results, dialed: make(chan *fakeTransport, 32)}
}

func (d *fakeDialer) Dial(ctx context.Context, conversationID string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	t := d.results[0]
	d.results = d.results[1:]
	if t == nil {
		return nil, errors.New("connection refused")
	}
	d.dialed <- t
	return t, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
