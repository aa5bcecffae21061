package analyzer

import (
	"context"
	"errors"
	"sync"

	"callshield/protocol"
)

var errConnDropped = errors.New("analyzer: connection dropped")

// Frame is one outbound frame recorded by FakeConn.
type Frame struct {
	Chunk     []byte
	EndStream bool
}

type recvItem struct {
	msg protocol.Message
	err error
}

// FakeConn is an in-memory Conn. Tests push inbound traffic with Deliver,
// DeliverErr and Drop and inspect outbound traffic with Sent.
type FakeConn struct {
	inbox chan recvItem

	mu       sync.Mutex
	sent     []Frame
	closed   bool
	closedCh chan struct{}
	dropped  chan struct{}
	dropOnce sync.Once

	// OnEndStream, if set, runs after end_stream is recorded.
	OnEndStream func(*FakeConn)
}

func NewFakeConn() *FakeConn {
	return &FakeConn{
		inbox:    make(chan recvItem, 64),
		closedCh: make(chan struct{}),
		dropped:  make(chan struct{}),
	}
}

// Dialer returns a DialFunc that always yields f.
func (f *FakeConn) Dialer() DialFunc {
	return func(context.Context) (Conn, error) { return f, nil }
}

func (f *FakeConn) Deliver(msg protocol.Message) {
	f.inbox <- recvItem{msg: msg}
}

// DeliverErr makes one Recv return err without closing the stream.
func (f *FakeConn) DeliverErr(err error) {
	f.inbox <- recvItem{err: err}
}

// Drop simulates the analyzer going away: Recv fails and sends stop working.
func (f *FakeConn) Drop() {
	f.dropOnce.Do(func() { close(f.dropped) })
}

func (f *FakeConn) Sent() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *FakeConn) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeConn) record(fr Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrNotOpen
	}
	select {
	case <-f.dropped:
		return ErrNotOpen
	default:
	}
	f.sent = append(f.sent, fr)
	return nil
}

func (f *FakeConn) SendChunk(wav []byte) error {
	return f.record(Frame{Chunk: wav})
}

func (f *FakeConn) EndStream() error {
	if err := f.record(Frame{EndStream: true}); err != nil {
		return err
	}
	if f.OnEndStream != nil {
		f.OnEndStream(f)
	}
	return nil
}

func (f *FakeConn) Recv() (protocol.Message, error) {
	select {
	case it := <-f.inbox:
		return it.msg, it.err
	case <-f.closedCh:
		return nil, ErrNotOpen
	case <-f.dropped:
		return nil, errConnDropped
	}
}

func (f *FakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closedCh)
	}
	return nil
}
