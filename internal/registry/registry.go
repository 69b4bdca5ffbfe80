// Package registry maps event names to the handlers that react to them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jmehdipour/outbox-engine/internal/metrics"
	"github.com/jmehdipour/outbox-engine/internal/model"
	"go.uber.org/zap"
)

var (
	ErrHandlerTimeout = errors.New("handler timed out")
	ErrHandlerPanic   = errors.New("handler panicked")
)

// Handler reacts to one delivered record. Handlers must tolerate seeing the
// same record more than once.
type Handler func(ctx context.Context, rec model.Record) error

// HandlerError wraps the failure of a single handler within a dispatch.
type HandlerError struct {
	EventName string
	Handler   string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler %q: %v", e.EventName, e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

type entry struct {
	name string
	fn   Handler
}

// Registry is safe for concurrent use. Registration normally happens at
// startup, but handlers added later are seen by the next dispatch.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]entry

	timeout time.Duration
	log     *zap.Logger
}

type Option func(*Registry)

// WithHandlerTimeout bounds every handler invocation; 0 disables the bound.
func WithHandlerTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

func New(log *zap.Logger, opts ...Option) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		handlers: make(map[string][]entry),
		log:      log,
	}
	for _, fn := range opts {
		fn(r)
	}
	return r
}

// Register appends h to the handlers of eventName under a generated name.
func (r *Registry) Register(eventName string, h Handler) {
	r.add(eventName, "", h)
}

// RegisterNamed appends h to the handlers of eventName. The name shows up
// in errors, logs and metrics and keys idempotency markers, so it should be
// stable across deploys. It panics on an empty event name or a nil handler.
func (r *Registry) RegisterNamed(eventName, handlerName string, h Handler) {
	r.add(eventName, handlerName, h)
}

func (r *Registry) add(eventName, handlerName string, h Handler) {
	if eventName == "" {
		panic("registry: empty event name")
	}
	if h == nil {
		panic("registry: nil handler for " + eventName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if handlerName == "" {
		handlerName = eventName + "#" + strconv.Itoa(len(r.handlers[eventName])+1)
	}
	r.handlers[eventName] = append(r.handlers[eventName], entry{name: handlerName, fn: h})
}

// On registers a handler that receives the record payload decoded as T.
// A payload that does not decode fails the handler, and so the dispatch.
func On[T model.Payload](r *Registry, handlerName string, fn func(ctx context.Context, rec model.Record, payload T) error) {
	var zero T
	r.RegisterNamed(zero.EventName(), handlerName, func(ctx context.Context, rec model.Record) error {
		p, err := model.Decode[T](rec)
		if err != nil {
			return err
		}
		return fn(ctx, rec, p)
	})
}

// Dispatch runs every handler registered for rec.EventName in registration
// order. All handlers run even if an earlier one fails; the returned error
// joins one *HandlerError per failure. No handlers means nothing to do and
// Dispatch returns nil.
func (r *Registry) Dispatch(ctx context.Context, rec model.Record) error {
	r.mu.RLock()
	hs := r.handlers[rec.EventName]
	r.mu.RUnlock()

	if len(hs) == 0 {
		r.log.Debug("no handlers registered",
			zap.String("event_id", rec.EventID),
			zap.String("event_name", rec.EventName),
		)
		return nil
	}

	var errs []error
	for _, h := range hs {
		if err := r.invoke(ctx, h, rec); err != nil {
			r.log.Warn("handler failed",
				zap.String("event_id", rec.EventID),
				zap.String("event_name", rec.EventName),
				zap.String("handler", h.name),
				zap.Int("retry_count", rec.RetryCount),
				zap.Error(err),
			)
			errs = append(errs, &HandlerError{EventName: rec.EventName, Handler: h.name, Err: err})
		}
	}
	return errors.Join(errs...)
}

// invoke runs one handler on its own goroutine so a handler that ignores
// its context still cannot hold the dispatch past the timeout.
func (r *Registry) invoke(ctx context.Context, h entry, rec model.Record) error {
	hctx, cancel := ctx, context.CancelFunc(func() {})
	if r.timeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, r.timeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("%w: %v", ErrHandlerPanic, p)
			}
		}()
		done <- h.fn(hctx, rec)
	}()

	var err error
	select {
	case err = <-done:
	case <-hctx.Done():
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = fmt.Errorf("%w after %s", ErrHandlerTimeout, r.timeout)
		}
	}

	metrics.HandlerDuration.WithLabelValues(rec.EventName, result(err)).Observe(time.Since(start).Seconds())
	return err
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrHandlerTimeout):
		return "timeout"
	case errors.Is(err, ErrHandlerPanic):
		return "panic"
	default:
		return "error"
	}
}

// EventNames lists the event names that have at least one handler.
func (r *Registry) EventNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) HandlerCount(eventName string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[eventName])
}
