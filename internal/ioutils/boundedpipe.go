package ioutils

import (
	"context"
	"io"
	"sync"
)

// BoundedPipe connects a producer goroutine to a consumer through a
// chunk channel with fixed capacity. Writes block once the channel is
// full, which bounds how far the producer can run ahead of a slow
// consumer. Closing the read end unblocks a pending write, closing the
// write end delivers the remaining chunks followed by EOF (or the
// error passed to CloseWithError). Context cancellation releases both
// ends.
type boundedPipe struct {
	ctx        context.Context
	chunks     chan []byte
	readerDone chan struct{}

	mu       sync.Mutex
	writeErr error

	closeReaderOnce sync.Once
	closeWriterOnce sync.Once
}

type BoundedPipeReader struct {
	pipe    *boundedPipe
	current []byte
}

type BoundedPipeWriter struct {
	pipe *boundedPipe
}

func NewBoundedPipe(ctx context.Context, chunkCapacity int) (*BoundedPipeReader, *BoundedPipeWriter) {
	pipe := &boundedPipe{
		ctx:        ctx,
		chunks:     make(chan []byte, chunkCapacity),
		readerDone: make(chan struct{}),
	}
	return &BoundedPipeReader{pipe: pipe}, &BoundedPipeWriter{pipe: pipe}
}

func (w *BoundedPipeWriter) Write(p []byte) (int, error) {
	chunk := make([]byte, len(p))
	copy(chunk, p)
	select {
	case w.pipe.chunks <- chunk:
		return len(p), nil
	case <-w.pipe.readerDone:
		return 0, io.ErrClosedPipe
	case <-w.pipe.ctx.Done():
		return 0, w.pipe.ctx.Err()
	}
}

func (w *BoundedPipeWriter) Close() error {
	return w.CloseWithError(nil)
}

// CloseWithError ends the stream. The reader drains the buffered
// chunks and then observes err, or io.EOF when err is nil.
func (w *BoundedPipeWriter) CloseWithError(err error) error {
	w.pipe.closeWriterOnce.Do(func() {
		w.pipe.mu.Lock()
		w.pipe.writeErr = err
		w.pipe.mu.Unlock()
		close(w.pipe.chunks)
	})
	return nil
}

func (r *BoundedPipeReader) Read(p []byte) (int, error) {
	if len(r.current) == 0 {
		select {
		case chunk, ok := <-r.pipe.chunks:
			if !ok {
				r.pipe.mu.Lock()
				err := r.pipe.writeErr
				r.pipe.mu.Unlock()
				if err == nil {
					err = io.EOF
				}
				return 0, err
			}
			r.current = chunk
		case <-r.pipe.readerDone:
			return 0, io.ErrClosedPipe
		case <-r.pipe.ctx.Done():
			return 0, r.pipe.ctx.Err()
		}
	}
	n := copy(p, r.current)
	r.current = r.current[n:]
	return n, nil
}

// Close releases the pipe from the consumer side. A producer blocked
// in Write observes io.ErrClosedPipe and can release its resources.
func (r *BoundedPipeReader) Close() error {
	r.pipe.closeReaderOnce.Do(func() {
		close(r.pipe.readerDone)
	})
	return nil
}
