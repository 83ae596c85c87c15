package chatcore

import (
	"sync"

	"go.uber.org/zap"
)

// listeners fans a value out to registered callbacks. A panicking callback
// is logged and does not stop delivery to the others.
type listeners[T any] struct {
	mu  sync.RWMutex
	fns []func(T)
	log *zap.Logger
}

func (l *listeners[T]) add(fn func(T)) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

func (l *listeners[T]) emit(v T) {
	l.mu.RLock()
	fns := append([]func(T){}, l.fns...)
	l.mu.RUnlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil && l.log != nil {
					l.log.Error("listener panicked", zap.Any("panic", r))
				}
			}()
			fn(v)
		}()
	}
}
