package buffer

import (
	"errors"
	"io"

	"github.com/valyala/bytebufferpool"
)

// BufferPool hands out reusable byte buffers sized for deep-probe reads, so a
// burst of concurrent probes does not allocate a fresh slice per request.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a new BufferPool whose buffers start with at least
// bufferSize bytes of capacity.
func NewBufferPool(bufferSize int) *BufferPool {
	return &BufferPool{
		bufferSize: bufferSize,
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves an empty buffer with at least the configured capacity.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, 0, bp.bufferSize)
	}
	return buf
}

// Put returns a buffer to the pool.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}

// ReadLimited reads at most limit bytes from r into a pooled buffer. The
// caller owns the buffer and must Put it back. Hitting EOF early is not an
// error; the returned buffer just holds what was available.
func (bp *BufferPool) ReadLimited(r io.Reader, limit int) (*bytebufferpool.ByteBuffer, error) {
	buf := bp.Get()
	_, err := buf.ReadFrom(io.LimitReader(r, int64(limit)))
	if err != nil && !errors.Is(err, io.EOF) {
		bp.Put(buf)
		return nil, err
	}
	return buf, nil
}
