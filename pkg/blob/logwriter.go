package blob

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// DefaultFlushThreshold is the buffered size that triggers an upload.
const DefaultFlushThreshold = 64 << 10

// LogWriter buffers log lines and appends them to an object. It satisfies
// io.Writer so it can sit behind a zerolog writer.
type LogWriter struct {
	store     Store
	name      string
	threshold int
	timeout   time.Duration

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLogWriter creates a writer appending to name in store. A threshold of
// zero or less uses DefaultFlushThreshold.
func NewLogWriter(store Store, name string, threshold int) *LogWriter {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	return &LogWriter{
		store:     store,
		name:      name,
		threshold: threshold,
		timeout:   30 * time.Second,
	}
}

// Write buffers p and uploads the buffer once it reaches the threshold.
func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, _ := w.buf.Write(p)
	if w.buf.Len() < w.threshold {
		return n, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.flushLocked(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// Flush uploads whatever is buffered.
func (w *LogWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

func (w *LogWriter) flushLocked(ctx context.Context) error {
	if w.buf.Len() == 0 {
		return nil
	}
	if err := w.store.Append(ctx, w.name, w.buf.Bytes()); err != nil {
		return err
	}
	w.buf.Reset()
	return nil
}
