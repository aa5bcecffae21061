// Package chunker turns the capture driver's small sample blocks into
// fixed-duration chunks for transmission.
//
// Write is called from the audio callback and Run owns the buffer on its own
// goroutine; the two sides only exchange messages. Emitted chunks are never
// touched again by the chunker.
package chunker

import (
	"context"
	"fmt"

	"callshield/encoder"
)

const (
	DefaultFirstChunk = 2 * encoder.SampleRate
	DefaultNextChunk  = 5 * encoder.SampleRate

	inboxSize = 256
)

type Config struct {
	FirstChunk int // samples before the first emission
	NextChunk  int // samples before every later emission
}

func DefaultConfig() Config {
	return Config{FirstChunk: DefaultFirstChunk, NextChunk: DefaultNextChunk}
}

func (c Config) Validate() error {
	if c.FirstChunk <= 0 || c.NextChunk <= 0 {
		return fmt.Errorf("chunk sizes must be positive, got first=%d next=%d", c.FirstChunk, c.NextChunk)
	}
	if c.FirstChunk > c.NextChunk {
		return fmt.Errorf("first chunk (%d samples) must not exceed later chunks (%d samples)", c.FirstChunk, c.NextChunk)
	}
	return nil
}

type Chunk struct {
	Samples []float32
	Flushed bool // emitted in answer to Flush
	Seq     int
}

func (c Chunk) Empty() bool { return len(c.Samples) == 0 }

type message struct {
	block []float32
	flush bool
}

type Chunker struct {
	buf   buffer
	inbox chan message
	out   chan Chunk
	done  chan struct{}
}

func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{
		buf:   buffer{cfg: cfg},
		inbox: make(chan message, inboxSize),
		out:   make(chan Chunk),
		done:  make(chan struct{}),
	}, nil
}

// Write hands one capture block to the chunker. The block is copied because
// drivers reuse their buffers between callbacks.
func (c *Chunker) Write(block []float32) {
	if len(block) == 0 {
		return
	}
	cp := make([]float32, len(block))
	copy(cp, block)
	select {
	case c.inbox <- message{block: cp}:
	case <-c.done:
	}
}

// Flush asks for whatever is buffered. The answer is the next chunk on
// Chunks() with Flushed set, possibly empty. Blocks written before Flush
// are always included.
func (c *Chunker) Flush() {
	select {
	case c.inbox <- message{flush: true}:
	case <-c.done:
	}
}

func (c *Chunker) Chunks() <-chan Chunk { return c.out }

// Run processes blocks until ctx is done, then closes Chunks(). Emission
// never waits on the consumer: chunks it has not taken yet stay queued here.
func (c *Chunker) Run(ctx context.Context) {
	defer close(c.out)
	defer close(c.done)

	var pending []Chunk
	for {
		var out chan<- Chunk
		var head Chunk
		if len(pending) > 0 {
			out = c.out
			head = pending[0]
		}

		select {
		case <-ctx.Done():
			return
		case m := <-c.inbox:
			if m.flush {
				pending = append(pending, c.buf.flush())
			} else if ch, ok := c.buf.add(m.block); ok {
				pending = append(pending, ch)
			}
		case out <- head:
			pending[0] = Chunk{}
			pending = pending[1:]
		}
	}
}

// buffer is the chunking state without any concurrency.
type buffer struct {
	cfg     Config
	blocks  [][]float32
	count   int
	emitted int
}

func (b *buffer) threshold() int {
	if b.emitted == 0 {
		return b.cfg.FirstChunk
	}
	return b.cfg.NextChunk
}

func (b *buffer) add(block []float32) (Chunk, bool) {
	if len(block) == 0 {
		return Chunk{}, false
	}
	b.blocks = append(b.blocks, block)
	b.count += len(block)
	if b.count < b.threshold() {
		return Chunk{}, false
	}
	return b.take(false), true
}

func (b *buffer) flush() Chunk {
	if b.count == 0 {
		return Chunk{Samples: []float32{}, Flushed: true, Seq: b.emitted}
	}
	return b.take(true)
}

func (b *buffer) take(flushed bool) Chunk {
	merged := make([]float32, 0, b.count)
	for _, blk := range b.blocks {
		merged = append(merged, blk...)
	}
	ch := Chunk{Samples: merged, Flushed: flushed, Seq: b.emitted}
	b.blocks = nil
	b.count = 0
	b.emitted++
	return ch
}
