// Package transport defines the contract every bus backend honours and the
// Core that implements the backend-independent message lifecycle on top of it.
package transport

import (
	"context"
	"time"

	"github.com/sessamekesh/routebus/pkg/codec"
	"github.com/sessamekesh/routebus/pkg/message"
)

// Handler receives a dispatched message. For an RPC on the primary handler the
// returned value becomes the reply payload and a returned error becomes a
// RemoteError on the caller side.
type Handler func(ctx context.Context, msg *message.Message) (any, error)

type Unsubscribe func()

// RawPayload is passed through without re-encoding, both as a call payload and
// as a handler result. Routers use it to relay bytes they do not understand.
type RawPayload []byte

// Transport is implemented by every concrete backend.
type Transport interface {
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Dispose() error

	On(route string, handler Handler) Unsubscribe
	OnEvery(prefixes []string, handler Handler, opts ...EveryOption) Unsubscribe

	Publish(ctx context.Context, route string, payload any, opts ...CallOption) error
	Execute(ctx context.Context, route string, payload any, opts ...CallOption) ([]byte, error)

	Codec() codec.Codec
	DefaultRpcTimeout() time.Duration
}

type callOptions struct {
	metadata message.Metadata
	referrer *message.Referrer
	timeout  time.Duration
}

// CallOption carries the optional trailing arguments of publish/execute.
type CallOption func(*callOptions)

func WithMetadata(md message.Metadata) CallOption {
	return func(o *callOptions) { o.metadata = o.metadata.Merge(md) }
}

func WithReferrer(ref *message.Referrer) CallOption {
	return func(o *callOptions) { o.referrer = ref }
}

// WithTimeout overrides the transport's default RPC timeout for one execute call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

func resolveCallOptions(opts []CallOption) callOptions {
	o := callOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type everyOptions struct {
	answerUnhandled bool
}

type EveryOption func(*everyOptions)

// AnswerUnhandled lets a prefix listener produce the reply for an RPC that has
// no exact-route handler. Among several such listeners the longest matching
// prefix wins. Exact handlers always take precedence.
func AnswerUnhandled() EveryOption {
	return func(o *everyOptions) { o.answerUnhandled = true }
}

// ExecuteAs runs an execute call and decodes the reply with the transport's codec.
func ExecuteAs[T any](ctx context.Context, t Transport, route string, payload any, opts ...CallOption) (T, error) {
	var out T
	raw, err := t.Execute(ctx, route, payload, opts...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := t.Codec().Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
