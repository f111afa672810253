// Package routecall turns chained segment accesses into route keys and issues
// the publish or execute call they address.
//
//	b := routecall.CreateBuilder(routecall.BuilderParams{Transport: t, Mode: routecall.ModeExecute})
//	raw, err := b.Get("Tenant").Var(tenantID).Get("Device").Get("reboot").Call(ctx, payload)
//
// Builders are immutable; every step returns a new one, so a shared prefix can
// be kept and extended from several places.
package routecall

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sessamekesh/routebus/pkg/errors"
	"github.com/sessamekesh/routebus/pkg/message"
	"github.com/sessamekesh/routebus/pkg/transport"
)

type Mode uint8

const (
	ModePublish Mode = iota
	ModeExecute
)

func (m Mode) String() string {
	switch m {
	case ModePublish:
		return "publish"
	case ModeExecute:
		return "execute"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

const (
	DefaultJoinSymbol       = "."
	DefaultMinSegments      = 2
	DefaultMetadataOperator = "$meta"
	DefaultVariableOperator = "$var"
)

type BuilderParams struct {
	Transport transport.Transport
	Mode      Mode

	JoinSymbol string
	Referrer   *message.Referrer
	Metadata   message.Metadata

	// MinSegments is the fewest path segments a terminal call accepts.
	// Zero means DefaultMinSegments.
	MinSegments int

	// Timeout overrides the transport's RPC timeout for execute calls.
	Timeout time.Duration

	MetadataOperator string
	VariableOperator string
}

type segmentKind uint8

const (
	segmentLiteral segmentKind = iota
	segmentMetadataOperator
	segmentVariableOperator
)

type segment struct {
	kind segmentKind
	name string
}

type Builder struct {
	params   BuilderParams
	path     []segment
	metadata message.Metadata
	err      error
}

func CreateBuilder(params BuilderParams) *Builder {
	if params.JoinSymbol == "" {
		params.JoinSymbol = DefaultJoinSymbol
	}
	if params.MinSegments <= 0 {
		params.MinSegments = DefaultMinSegments
	}
	if params.MetadataOperator == "" {
		params.MetadataOperator = DefaultMetadataOperator
	}
	if params.VariableOperator == "" {
		params.VariableOperator = DefaultVariableOperator
	}

	return &Builder{
		params:   params,
		metadata: params.Metadata.Clone(),
	}
}

func (b *Builder) clone() *Builder {
	return &Builder{
		params:   b.params,
		path:     append([]segment{}, b.path...),
		metadata: b.metadata,
		err:      b.err,
	}
}

func (b *Builder) extend(seg segment) *Builder {
	next := b.clone()
	next.path = append(next.path, seg)
	return next
}

func (b *Builder) fail(err error) *Builder {
	if b.err != nil {
		return b
	}
	next := b.clone()
	next.err = err
	return next
}

// Get appends one segment. The configured operator names produce operator
// segments that the following Apply consumes.
func (b *Builder) Get(name string) *Builder {
	switch name {
	case b.params.MetadataOperator:
		return b.extend(segment{kind: segmentMetadataOperator, name: name})
	case b.params.VariableOperator:
		return b.extend(segment{kind: segmentVariableOperator, name: name})
	}
	return b.extend(segment{kind: segmentLiteral, name: name})
}

// Apply invokes the trailing operator segment. A metadata operator merges its
// arguments into the metadata of the eventual call; a variable operator
// appends its string arguments as literal segments. The operator segment
// itself never becomes part of the route.
func (b *Builder) Apply(args ...any) *Builder {
	if b.err != nil {
		return b
	}
	if len(b.path) == 0 {
		return b.fail(&errors.InvalidRoutePathError{Reason: "Apply called on an empty path"})
	}

	last := b.path[len(b.path)-1]
	base := &Builder{
		params:   b.params,
		path:     append([]segment{}, b.path[:len(b.path)-1]...),
		metadata: b.metadata,
	}

	switch last.kind {
	case segmentMetadataOperator:
		patches := make([]message.Metadata, 0, len(args))
		for _, arg := range args {
			switch md := arg.(type) {
			case message.Metadata:
				patches = append(patches, md)
			case map[string]any:
				patches = append(patches, message.Metadata(md))
			case nil:
			default:
				return b.fail(&errors.InvalidRoutePathError{
					Path:   b.joined(),
					Reason: fmt.Sprintf("metadata operator expects maps, got %T", arg),
				})
			}
		}
		base.metadata = base.metadata.Merge(patches...)
		return base

	case segmentVariableOperator:
		for _, arg := range args {
			s, ok := arg.(string)
			if !ok {
				return b.fail(&errors.InvalidRoutePathError{
					Path:   b.joined(),
					Reason: fmt.Sprintf("route variable operator expects strings, got %T", arg),
				})
			}
			base.path = append(base.path, segment{kind: segmentLiteral, name: s})
		}
		return base
	}

	return b.fail(&errors.InvalidRoutePathError{
		Path:   b.joined(),
		Reason: fmt.Sprintf("segment '%s' is not an operator; use Call to invoke a route", last.name),
	})
}

// Meta is shorthand for Get(metadata operator).Apply(md).
func (b *Builder) Meta(md message.Metadata) *Builder {
	return b.Get(b.params.MetadataOperator).Apply(md)
}

// Var is shorthand for Get(variable operator).Apply(values...).
func (b *Builder) Var(values ...string) *Builder {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return b.Get(b.params.VariableOperator).Apply(args...)
}

// From sets the referrer of the eventual call to msg, so the call carries on
// msg's call stack and transaction.
func (b *Builder) From(msg *message.Message) *Builder {
	next := b.clone()
	next.params.Referrer = msg.Referrer()
	return next
}

func (b *Builder) joined() string {
	names := make([]string, len(b.path))
	for i, s := range b.path {
		names[i] = s.name
	}
	return strings.Join(names, b.params.JoinSymbol)
}

// Route returns the route key the builder currently addresses.
func (b *Builder) Route() (string, error) {
	if b.err != nil {
		return "", b.err
	}

	route := b.joined()
	for _, s := range b.path {
		switch {
		case s.kind != segmentLiteral:
			return "", &errors.InvalidRoutePathError{Path: route, Reason: fmt.Sprintf("operator '%s' was never applied", s.name)}
		case s.name == "":
			return "", &errors.InvalidRoutePathError{Path: route, Reason: "empty path segment"}
		}
	}
	if len(b.path) < b.params.MinSegments {
		return "", &errors.InvalidRoutePathError{Path: route, MinSegments: b.params.MinSegments}
	}
	return route, nil
}

// Metadata returns the metadata accumulated by metadata operators, merged over
// the builder's initial metadata.
func (b *Builder) Metadata() message.Metadata {
	return b.metadata.Clone()
}

// Call is the terminal step: it publishes or executes the addressed route with
// payload, depending on the builder's mode. Publish calls return a nil result.
func (b *Builder) Call(ctx context.Context, payload any) ([]byte, error) {
	route, err := b.Route()
	if err != nil {
		return nil, err
	}
	if b.params.Transport == nil {
		return nil, &errors.NotStartedError{Component: "route call builder transport"}
	}

	opts := b.callOptions()
	if b.params.Mode == ModeExecute {
		return b.params.Transport.Execute(ctx, route, payload, opts...)
	}
	return nil, b.params.Transport.Publish(ctx, route, payload, opts...)
}

func (b *Builder) callOptions() []transport.CallOption {
	opts := []transport.CallOption{}
	if len(b.metadata) > 0 {
		opts = append(opts, transport.WithMetadata(b.metadata))
	}
	if b.params.Referrer != nil {
		opts = append(opts, transport.WithReferrer(b.params.Referrer))
	}
	if b.params.Timeout > 0 {
		opts = append(opts, transport.WithTimeout(b.params.Timeout))
	}
	return opts
}

// ExecuteAs executes the addressed route regardless of the builder's mode and
// decodes the reply with the transport's codec.
func ExecuteAs[T any](ctx context.Context, b *Builder, payload any) (T, error) {
	var out T
	route, err := b.Route()
	if err != nil {
		return out, err
	}
	if b.params.Transport == nil {
		return out, &errors.NotStartedError{Component: "route call builder transport"}
	}
	return transport.ExecuteAs[T](ctx, b.params.Transport, route, payload, b.callOptions()...)
}
