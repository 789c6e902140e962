package framer

import (
	"context"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// Stream is a blocking pipe between a producer of PCM16 bytes (a socket
// reader) and a consumer of fixed-size frames (the session sender). Writes
// block while the buffer is full, and fail with ringbuffer.ErrReaderClosed
// once the consumer has stopped.
type Stream struct {
	rb        *ringbuffer.RingBuffer
	chunkSize int
	closeOnce sync.Once
}

// NewStream buffers up to capacity bytes and emits chunkSize-byte frames.
func NewStream(capacity, chunkSize int) *Stream {
	if capacity < chunkSize {
		capacity = chunkSize * 2
	}
	return &Stream{
		rb:        ringbuffer.New(capacity).SetBlocking(true),
		chunkSize: chunkSize,
	}
}

func (s *Stream) Write(p []byte) (int, error) { return s.rb.Write(p) }

// CloseWrite ends the input. Buffered bytes are still delivered, the last
// frame possibly short.
func (s *Stream) CloseWrite() {
	s.closeOnce.Do(s.rb.CloseWriter)
}

// Chunks delivers frames until the writer is closed and drained, or ctx is
// done. The channel is closed afterwards, and pending or later writes fail.
func (s *Stream) Chunks(ctx context.Context) <-chan []byte {
	out := make(chan []byte)
	stop := context.AfterFunc(ctx, s.CloseWrite)
	go func() {
		defer close(out)
		defer s.rb.CloseWithError(ringbuffer.ErrReaderClosed)
		defer stop()
		cr := NewChunkReader(s.rb, s.chunkSize)
		for {
			chunk, err := cr.Next()
			if err != nil {
				return
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
