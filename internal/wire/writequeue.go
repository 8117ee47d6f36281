package wire

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ocslcs/sipsimple/internal/ratelimit"
)

// WriteQueue is the backpressure valve for outgoing writes: outgoing
// messages drain through a shared token-bucket limiter (the same
// internal/ratelimit construction internal/subscribe uses for per-buddy
// presence pacing) so a burst of outgoing requests cannot overwhelm a slow
// peer or trigger server-side flood protection.
type WriteQueue struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewWriteQueue builds a queue admitting at most burstPerSecond writes per
// second.
func NewWriteQueue(burstPerSecond int) *WriteQueue {
	return &WriteQueue{limiter: ratelimit.New(burstPerSecond)}
}

// Enqueue waits for a write token and then writes raw to w, followed by
// the CRLF separator required between successive messages in the buffer.
func (q *WriteQueue) Enqueue(ctx context.Context, w io.Writer, raw []byte) error {
	if err := ratelimit.Wait(ctx, q.limiter); err != nil {
		return fmt.Errorf("%w: %v", ErrWireWriteError, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrWireWriteError, err)
	}
	if _, err := w.Write([]byte("\r\n")); err != nil {
		return fmt.Errorf("%w: %v", ErrWireWriteError, err)
	}
	return nil
}
