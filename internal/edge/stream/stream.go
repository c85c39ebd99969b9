// Package stream provides the byte-level plumbing for serving media: byte
// counting for usage accounting, size capping for unbounded origin bodies,
// and a tee that keeps feeding the cache writer after the client goes away.
package stream

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// ErrSizeLimitExceeded is returned by SizeLimitedReader once the cumulative
// byte count passes the configured maximum.
var ErrSizeLimitExceeded = errors.New("stream exceeded size limit")

// CountingReader counts bytes pulled through it. Used on serving paths so
// usage reflects bytes actually delivered, including partial transfers when
// a client disconnects.
type CountingReader struct {
	r io.Reader
	n atomic.Int64
}

func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{r: r}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n.Add(int64(n))
	}
	return n, err
}

// BytesRead returns the bytes delivered so far. Safe to call concurrently
// with Read and after the stream ends.
func (c *CountingReader) BytesRead() int64 {
	return c.n.Load()
}

// SizeLimitedReader passes bytes through unchanged until the cumulative
// count would exceed max, then fails the stream.
type SizeLimitedReader struct {
	r   io.Reader
	max int64
	n   int64
}

func NewSizeLimitedReader(r io.Reader, max int64) *SizeLimitedReader {
	return &SizeLimitedReader{r: r, max: max}
}

func (s *SizeLimitedReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.n += int64(n)
		if s.n > s.max {
			return n, ErrSizeLimitExceeded
		}
	}
	return n, err
}

// BytesRead returns the bytes passed through so far.
func (s *SizeLimitedReader) BytesRead() int64 {
	return s.n
}

// Tee splits one source stream into a client branch and a store branch.
// The Tee itself is the client branch; bytes are copied into the store
// branch as the client pulls them. Closing the client branch before EOF
// does not abort the store branch: the remaining source bytes are drained
// into it in the background so a cache write still completes.
type Tee struct {
	src io.Reader

	pr *io.PipeReader
	pw *io.PipeWriter

	mu          sync.Mutex
	finished    bool
	storeFailed bool

	done chan struct{}
}

func NewTee(src io.Reader) *Tee {
	pr, pw := io.Pipe()
	return &Tee{
		src:  src,
		pr:   pr,
		pw:   pw,
		done: make(chan struct{}),
	}
}

// Store returns the cache-write branch. It sees exactly the bytes of the
// source stream and ends with the source's error, if any.
func (t *Tee) Store() io.Reader {
	return t.pr
}

// Done is closed once the store branch has received the full source stream
// (or the source failed). Shutdown waits on this before exiting.
func (t *Tee) Done() <-chan struct{} {
	return t.done
}

// AbandonStore fails the store branch. The cache writer calls this when its
// write fails before consuming the branch; closing the read end releases a
// client read blocked in the pipe hand-off, and later reads pass straight
// through to the client without copying.
func (t *Tee) AbandonStore() {
	t.mu.Lock()
	if t.storeFailed {
		t.mu.Unlock()
		return
	}
	t.storeFailed = true
	t.mu.Unlock()
	t.pr.CloseWithError(io.ErrClosedPipe)
}

func (t *Tee) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 {
		t.mu.Lock()
		failed := t.storeFailed
		t.mu.Unlock()
		if !failed {
			if _, werr := t.pw.Write(p[:n]); werr != nil {
				// The store side gave up (failed write, poison, shutdown).
				// Keep serving the client.
				t.mu.Lock()
				t.storeFailed = true
				t.mu.Unlock()
			}
		}
	}
	if err != nil {
		t.finish(err)
	}
	return n, err
}

// Close ends the client branch. If the source has not been fully consumed
// the remainder is drained into the store branch in the background.
func (t *Tee) Close() error {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return nil
	}
	t.finished = true
	storeFailed := t.storeFailed
	t.mu.Unlock()

	if storeFailed {
		t.pw.CloseWithError(io.ErrClosedPipe)
		close(t.done)
		return nil
	}

	go func() {
		_, err := io.Copy(t.pw, t.src)
		if err != nil {
			t.pw.CloseWithError(err)
		} else {
			t.pw.Close()
		}
		close(t.done)
	}()
	return nil
}

// finish completes both branches after the source ended on the client path.
func (t *Tee) finish(err error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	t.mu.Unlock()

	if err == io.EOF {
		t.pw.Close()
	} else {
		t.pw.CloseWithError(err)
	}
	close(t.done)
}
