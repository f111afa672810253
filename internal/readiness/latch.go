// Package readiness holds the barrier the bootstrap waits on before starting
// transports: every module that registers handlers counts the latch down once.
package readiness

import (
	"context"
	"fmt"
	"sync"

	"github.com/sessamekesh/routebus/pkg/errors"
)

type UnknownModuleError struct {
	Name string
}

func (e *UnknownModuleError) Error() string {
	return fmt.Sprintf("Module '%s' is not expected by this latch", e.Name)
}

type Latch struct {
	mut_pending sync.Mutex
	pending     map[string]struct{}
	reported    map[string]struct{}

	ready     chan struct{}
	readyOnce sync.Once
}

// CreateLatch expects each of names to call Done exactly once. A latch with no
// names is already open.
func CreateLatch(names ...string) (*Latch, error) {
	l := &Latch{
		pending:  make(map[string]struct{}, len(names)),
		reported: make(map[string]struct{}, len(names)),
		ready:    make(chan struct{}),
	}
	for _, name := range names {
		if _, has := l.pending[name]; has {
			return nil, &errors.NameCollision{CollisionContext: "readiness", Name: name}
		}
		l.pending[name] = struct{}{}
	}
	if len(l.pending) == 0 {
		l.open()
	}
	return l, nil
}

func (l *Latch) open() {
	l.readyOnce.Do(func() { close(l.ready) })
}

func (l *Latch) Done(name string) error {
	l.mut_pending.Lock()
	defer l.mut_pending.Unlock()

	if _, done := l.reported[name]; done {
		return &errors.NameCollision{CollisionContext: "readiness", Name: name}
	}
	if _, has := l.pending[name]; !has {
		return &UnknownModuleError{Name: name}
	}
	delete(l.pending, name)
	l.reported[name] = struct{}{}
	if len(l.pending) == 0 {
		l.open()
	}
	return nil
}

// Pending lists the modules that have not reported yet, in no particular order.
func (l *Latch) Pending() []string {
	l.mut_pending.Lock()
	defer l.mut_pending.Unlock()

	names := make([]string, 0, len(l.pending))
	for name := range l.pending {
		names = append(names, name)
	}
	return names
}

func (l *Latch) Ready() <-chan struct{} { return l.ready }

// Wait blocks until every module is done or ctx ends.
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting on modules %v: %w", l.Pending(), ctx.Err())
	}
}
