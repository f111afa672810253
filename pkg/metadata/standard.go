package metadata

import (
	"time"

	"github.com/sessamekesh/routebus/pkg/errors"
	"github.com/sessamekesh/routebus/pkg/message"
)

// CallStackReducer appends the referrer's route to the referrer's own call
// stack. A root call starts with an empty stack.
func CallStackReducer(ctx ReducerContext) message.Metadata {
	if ctx.Referrer == nil {
		if _, has := ctx.Metadata[KeyCallStack]; has {
			return nil
		}
		return message.Metadata{KeyCallStack: []string{}}
	}

	stack, _ := ctx.Referrer.Metadata.StringSlice(KeyCallStack)
	stack = append(stack, ctx.Referrer.Route)
	return message.Metadata{KeyCallStack: stack}
}

// TransactionReducer propagates the referrer's transaction, or opens a new one.
func TransactionReducer(newID func() string) Reducer {
	return func(ctx ReducerContext) message.Metadata {
		if ctx.Referrer != nil {
			if id, ok := ctx.Referrer.Metadata.StringValue(KeyTransactionID); ok && id != "" {
				out := message.Metadata{KeyTransactionID: id}
				if start, ok := ctx.Referrer.Metadata.Int64(KeyTransactionStart); ok {
					out[KeyTransactionStart] = start
				} else {
					out[KeyTransactionStart] = ctx.Now.UnixMilli()
				}
				return out
			}
		}

		if id, ok := ctx.Metadata.StringValue(KeyTransactionID); ok && id != "" {
			if _, has := ctx.Metadata[KeyTransactionStart]; has {
				return nil
			}
			return message.Metadata{KeyTransactionStart: ctx.Now.UnixMilli()}
		}

		return message.Metadata{
			KeyTransactionID:    newID(),
			KeyTransactionStart: ctx.Now.UnixMilli(),
		}
	}
}

func CreatedAtReducer(ctx ReducerContext) message.Metadata {
	return message.Metadata{KeyCreatedAt: ctx.Now.UnixMilli()}
}

// CallStackRecursionValidator rejects a message whose own route already appears
// in its call stack, which catches A -> B -> A cycles before the handler runs.
func CallStackRecursionValidator(msg *message.Message, _ time.Time) error {
	stack, ok := msg.Metadata.StringSlice(KeyCallStack)
	if !ok {
		return nil
	}
	for _, route := range stack {
		if route == msg.Route {
			return &errors.RecursionCallError{
				Route:     msg.Route,
				CallStack: stack,
			}
		}
	}
	return nil
}

func TransactionDurationValidator(max time.Duration) Validator {
	return func(msg *message.Message, now time.Time) error {
		start, ok := msg.Metadata.Time(KeyTransactionStart)
		if !ok {
			return nil
		}
		elapsed := now.Sub(start)
		if elapsed <= max {
			return nil
		}
		id, _ := msg.Metadata.StringValue(KeyTransactionID)
		return &errors.TransactionDurationError{
			Route:         msg.Route,
			TransactionID: id,
			Elapsed:       elapsed,
			MaxDuration:   max,
		}
	}
}
