// Package memory is an in-process backend for the transport contract. Every
// publish and execute loops back into the same Core through a buffered inbox.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/sessamekesh/routebus/pkg/codec"
	"github.com/sessamekesh/routebus/pkg/errors"
	"github.com/sessamekesh/routebus/pkg/message"
	"github.com/sessamekesh/routebus/pkg/metadata"
	"github.com/sessamekesh/routebus/pkg/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type MemoryTransportParams struct {
	Name              string
	InboxSize         int
	DefaultRpcTimeout time.Duration
	Codec             codec.Codec
	Pipeline          *metadata.Pipeline

	Logger *zap.Logger
}

type MemoryTransport struct {
	*transport.Core

	params MemoryTransportParams
	log    *zap.Logger

	inbox       chan *message.Item
	disposed    chan struct{}
	disposeOnce sync.Once

	mut_state   sync.Mutex
	initialized bool
	stopLoop    context.CancelFunc
	loopDone    chan struct{}
}

var _ transport.Transport = (*MemoryTransport)(nil)

func CreateMemoryTransport(params MemoryTransportParams) *MemoryTransport {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.InboxSize <= 0 {
		params.InboxSize = 256
	}
	if params.Name == "" {
		params.Name = "memory"
	}

	t := &MemoryTransport{
		params:   params,
		log:      logger.With(zap.String("handler", "MemoryTransport"), zap.String("transport", params.Name)),
		inbox:    make(chan *message.Item, params.InboxSize),
		disposed: make(chan struct{}),
	}

	t.Core = transport.CreateCore(transport.CoreParams{
		Name:              params.Name,
		Codec:             params.Codec,
		Pipeline:          params.Pipeline,
		DefaultRpcTimeout: params.DefaultRpcTimeout,
		ReplyTo:           params.Name,
		Send:              t.enqueue,
		Logger:            logger,
	})

	return t
}

func (t *MemoryTransport) enqueue(ctx context.Context, item *message.Item) error {
	select {
	case <-t.disposed:
		return &errors.DisposedError{Component: t.params.Name}
	default:
	}

	select {
	case t.inbox <- item:
		return nil
	case <-t.disposed:
		return &errors.DisposedError{Component: t.params.Name}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MemoryTransport) reply(_ context.Context, reply *message.Item) error {
	t.Core.Resolve(reply)
	return nil
}

// Init is idempotent; the in-memory backend has no resources to declare.
func (t *MemoryTransport) Init(ctx context.Context) error {
	if t.Core.IsDisposed() {
		return &errors.TransportInitError{
			Transport: t.params.Name,
			Cause:     &errors.DisposedError{Component: t.params.Name},
		}
	}

	t.mut_state.Lock()
	defer t.mut_state.Unlock()
	if !t.initialized {
		t.initialized = true
		t.log.Debug("Initialized memory transport", zap.Int("inboxSize", t.params.InboxSize))
	}
	return nil
}

// Start begins draining the inbox. Items published before Start are kept and
// delivered once it runs, so registrations made before Start never miss traffic.
func (t *MemoryTransport) Start(ctx context.Context) error {
	if t.Core.IsDisposed() {
		return &errors.DisposedError{Component: t.params.Name}
	}

	t.mut_state.Lock()
	defer t.mut_state.Unlock()

	t.initialized = true
	if t.stopLoop != nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.stopLoop = cancel
	t.loopDone = done

	go t.loop(loopCtx, done)
	t.log.Info("Started memory transport")
	return nil
}

func (t *MemoryTransport) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-t.inbox:
			t.Core.Dispatch(ctx, item, t.reply)
		}
	}
}

// Stop halts delivery. Queued items stay in the inbox for a later Start.
func (t *MemoryTransport) Stop(ctx context.Context) error {
	t.mut_state.Lock()
	cancel, done := t.stopLoop, t.loopDone
	t.stopLoop, t.loopDone = nil, nil
	t.mut_state.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		t.log.Info("Stopped memory transport")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MemoryTransport) Dispose() error {
	var err error
	t.disposeOnce.Do(func() {
		stopCtx, release := context.WithTimeout(context.Background(), 5*time.Second)
		defer release()

		err = multierr.Append(err, t.Stop(stopCtx))

		close(t.disposed)
		t.Core.Dispose()

		if dropped := len(t.inbox); dropped > 0 {
			t.log.Warn("Dropping undelivered items on dispose", zap.Int("count", dropped))
		}
	})
	return err
}
