package proxy

import (
	"io"
	"sync"

	"github.com/mediacdn/engine/internal/edge/store"
	"github.com/mediacdn/engine/internal/edge/stream"
)

// accountedBody counts bytes delivered to the client and invokes onDone
// exactly once when the response stream is closed, so usage reflects what
// actually went over the wire even on mid-transfer disconnects.
type accountedBody struct {
	counting *stream.CountingReader
	closer   io.Closer
	onDone   func(bytes int64)
	once     sync.Once
}

func newAccountedBody(rc io.ReadCloser, onDone func(int64)) *accountedBody {
	return &accountedBody{
		counting: stream.NewCountingReader(rc),
		closer:   rc,
		onDone:   onDone,
	}
}

func (b *accountedBody) Read(p []byte) (int, error) {
	return b.counting.Read(p)
}

func (b *accountedBody) Close() error {
	err := b.closer.Close()
	b.once.Do(func() {
		if b.onDone != nil {
			b.onDone(b.counting.BytesRead())
		}
	})
	return err
}

// bodyWithCloser pairs a wrapped reader with the closer that owns the
// underlying origin connection.
type bodyWithCloser struct {
	io.Reader
	io.Closer
}

func discard(objs ...*store.Object) {
	for _, o := range objs {
		if o != nil && o.Body != nil {
			o.Body.Close()
		}
	}
}

func closeBody(body io.Closer) {
	if body != nil {
		body.Close()
	}
}
