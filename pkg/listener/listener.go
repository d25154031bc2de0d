package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

// Job is a background activity bound to a context.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener runs handler for every value received from in until stopped.
// Handler errors are logged and do not stop the listener.
type Listener[T any] struct {
	handler     func(input T) error
	stopHandler func()
	logger      *slog.Logger

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
		logger:      slog.Default(),
	}
}

// NewTicker calls handler every interval. The ticker is released on Stop.
func NewTicker(interval time.Duration, handler func(time.Time) error) *Listener[time.Time] {
	ticker := time.NewTicker(interval)
	return New(ticker.C, handler, ticker.Stop)
}

// WithLogger sets the logger used to report handler errors.
func (l *Listener[T]) WithLogger(logger *slog.Logger) *Listener[T] {
	l.logger = logger
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				l.logger.Error("listener handler failed", "error", err)
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
		if err := l.handler(inp); err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
