package framer

import (
	"fmt"
	"io"
)

// ChunkReader reads fixed-size chunks from r. Every chunk except the last is
// exactly the configured size.
type ChunkReader struct {
	r         io.Reader
	buf       []byte
	chunkSize int
	eof       bool
}

func NewChunkReader(r io.Reader, chunkSize int) *ChunkReader {
	return &ChunkReader{
		r:         r,
		chunkSize: chunkSize,
		buf:       make([]byte, 0, chunkSize*2),
	}
}

// Read fills p with one chunk. p must hold at least a chunk.
func (c *ChunkReader) Read(p []byte) (int, error) {
	if len(p) < c.chunkSize {
		return 0, fmt.Errorf("buffer passed to Read must be at least %d bytes", c.chunkSize)
	}

	for len(c.buf) < c.chunkSize && !c.eof {
		tmp := make([]byte, c.chunkSize)
		n, err := c.r.Read(tmp)
		if n > 0 {
			c.buf = append(c.buf, tmp[:n]...)
		}
		if err == io.EOF {
			c.eof = true
			break
		}
		if err != nil {
			return 0, err
		}
	}

	if len(c.buf) == 0 && c.eof {
		return 0, io.EOF
	}

	n := min(c.chunkSize, len(c.buf))
	copy(p, c.buf[:n])
	c.buf = c.buf[n:]
	return n, nil
}

// Next returns a freshly allocated chunk, or io.EOF after the last one.
func (c *ChunkReader) Next() ([]byte, error) {
	p := make([]byte, c.chunkSize)
	n, err := c.Read(p)
	if err != nil {
		return nil, err
	}
	return p[:n], nil
}
