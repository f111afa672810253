// Package metadata derives and validates per-message metadata. Reducers run on
// every outbound call, validators on every inbound dispatch, identically for
// every transport backend.
package metadata

import (
	"time"

	"github.com/sessamekesh/routebus/pkg/message"
)

const (
	KeyCallStack        = "callStack"
	KeyTransactionID    = "transactionId"
	KeyTransactionStart = "transactionStart"
	KeyCreatedAt        = "createdAt"
)

// ReducerContext is what a reducer sees: the call being built, the referrer
// (nil for a root call) and the metadata accumulated so far.
type ReducerContext struct {
	Route    string
	Referrer *message.Referrer
	Metadata message.Metadata
	Now      time.Time
}

// Reducer produces metadata fields to merge into a new outbound message.
type Reducer func(ctx ReducerContext) message.Metadata

// Validator rejects an inbound message by returning an error.
type Validator func(msg *message.Message, now time.Time) error

type Pipeline struct {
	Reducers   []Reducer
	Validators []Validator

	// Clock is swappable for tests.
	Clock func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

// Reduce merges reducer output into the caller supplied metadata. Reducers run
// in registration order and each one sees the fields written before it. The
// caller's map is never modified.
func (p *Pipeline) Reduce(route string, supplied message.Metadata, referrer *message.Referrer) message.Metadata {
	merged := supplied.Clone()
	now := p.now()

	for _, reduce := range p.Reducers {
		patch := reduce(ReducerContext{
			Route:    route,
			Referrer: referrer,
			Metadata: merged,
			Now:      now,
		})
		for k, v := range patch {
			merged[k] = v
		}
	}

	return merged
}

// Validate runs every validator and returns the first rejection.
func (p *Pipeline) Validate(msg *message.Message) error {
	now := p.now()
	for _, validate := range p.Validators {
		if err := validate(msg, now); err != nil {
			return err
		}
	}
	return nil
}

// DefaultPipelineParams configures the standard plug-in set.
type DefaultPipelineParams struct {
	NewTransactionID       func() string
	MaxTransactionDuration time.Duration
}

// DefaultPipeline wires call-stack, transaction and created-at reducers plus the
// recursion validator, and the transaction-duration validator when a maximum is set.
func DefaultPipeline(params DefaultPipelineParams) *Pipeline {
	p := &Pipeline{
		Reducers: []Reducer{
			CallStackReducer,
			TransactionReducer(params.NewTransactionID),
			CreatedAtReducer,
		},
		Validators: []Validator{
			CallStackRecursionValidator,
		},
	}
	if params.MaxTransactionDuration > 0 {
		p.Validators = append(p.Validators, TransactionDurationValidator(params.MaxTransactionDuration))
	}
	return p
}
