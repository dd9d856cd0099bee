package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener runs handler for every value received on in, one at a time, on
// a single background goroutine.
type Listener[T any] struct {
	name        string
	handler     func(ctx context.Context, input T) error
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel func()
}

func New[T any](
	name string,
	in <-chan T,
	handler func(context.Context, T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		name:        name,
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	l.mu.Lock()
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				// handlers own their retries; a failed input is dropped
				slog.Error("listener failed to handle input", "listener", l.name, "error", err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		err := l.handler(ctx, inp)
		if err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Stop cancels the loop, waits for the in-flight handler and then runs the
// stop handler.
func (l *Listener[T]) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
	l.stopHandler()
}
