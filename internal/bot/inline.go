package bot

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"budgetbuddy/internal/log"
)

const inlineTimeout = 30 * time.Second

var ErrSinkClosed = errors.New("update sink closed")

// Inline handles webhook updates in-process when no broker is configured.
// Each update runs in its own goroutine so the webhook answers immediately.
type Inline struct {
	handle func(ctx context.Context, update []byte) error
	logger *log.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewInline(handle func(ctx context.Context, update []byte) error, logger *log.Logger) *Inline {
	if logger == nil {
		logger = log.Discard()
	}
	return &Inline{handle: handle, logger: logger.WithComponent(log.ComponentBot)}
}

// PublishUpdate starts handling update. The request context only carries
// values into the handler; its cancellation does not stop the work.
func (in *Inline) PublishUpdate(ctx context.Context, update []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return ErrSinkClosed
	}

	data := bytes.Clone(update)
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inlineTimeout)
		defer cancel()
		if err := in.handle(ctx, data); err != nil {
			in.logger.ErrorContext(ctx, "Inline update failed", log.FieldError, err.Error())
		}
	}()
	return nil
}

// Close stops accepting updates and waits for running ones until ctx ends.
func (in *Inline) Close(ctx context.Context) error {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()

	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
