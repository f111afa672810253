// Package router bridges a local Transport to remote next hops.
//
// Outbound, the router listens on the transport for every route under its local
// address, strips the address, runs the outbound filters and hands the item to
// each next hop. Inbound, items arriving from a hop either complete an RPC the
// router forwarded earlier or are re-injected into the local transport.
package router

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessamekesh/routebus/pkg/errors"
	"github.com/sessamekesh/routebus/pkg/filter"
	"github.com/sessamekesh/routebus/pkg/message"
	"github.com/sessamekesh/routebus/pkg/transport"
	"go.uber.org/zap"
)

// Receiver is the callback a next hop invokes for every item it receives.
type Receiver func(ctx context.Context, id message.Metadata, item *message.Item) error

// NextHop is one outbound channel. ExampleID describes the shape of the id
// that selects a peer on the hop: only its keys matter.
type NextHop interface {
	ExampleID() message.Metadata
	Send(id message.Metadata, item *message.Item) error
	RegisterReceiver(receiver Receiver)
}

// Broadcaster is implemented by hops that can deliver to all of their peers.
// Hops without it receive broadcasts through Send with an empty id.
type Broadcaster interface {
	Broadcast(item *message.Item) error
}

type RouterParams struct {
	LocalRouteAddress string
	Transport         transport.Transport
	NextHops          []NextHop

	// RpcTimeout bounds how long a forwarded RPC waits for a reply from any
	// hop. Zero falls back to the transport's default.
	RpcTimeout time.Duration

	// Filters is the outbound filter map, matched against routes with the
	// local address already stripped. Nil forwards everything.
	Filters    filter.Map
	JoinSymbol string

	Logger *zap.Logger
}

type Router struct {
	address    string
	prefix     string
	transport  transport.Transport
	hops       []NextHop
	filters    []filter.Entry
	rpcTimeout time.Duration

	log *zap.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe transport.Unsubscribe

	mut_pending sync.Mutex
	pending     map[string]chan *message.Item

	closed    atomic.Bool
	closeOnce sync.Once
}

func CreateRouter(params RouterParams) (*Router, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.Transport == nil {
		return nil, &errors.TransportInitError{Transport: "router", Cause: &errors.NotStartedError{Component: "router transport"}}
	}

	join := params.JoinSymbol
	if join == "" {
		join = filter.DefaultJoinSymbol
	}
	address := params.LocalRouteAddress
	if address == "" || strings.HasSuffix(address, join) {
		return nil, &errors.InvalidRoutePathError{
			Path:   address,
			Reason: "router address must be a non-empty route not ending in the join symbol",
		}
	}

	timeout := params.RpcTimeout
	if timeout <= 0 {
		timeout = params.Transport.DefaultRpcTimeout()
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Router{
		address:    address,
		prefix:     address + join,
		transport:  params.Transport,
		hops:       append([]NextHop{}, params.NextHops...),
		filters:    filter.PreprocessWithJoin(params.Filters, join),
		rpcTimeout: timeout,
		log:        logger.With(zap.String("handler", "Router"), zap.String("address", address)),
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[string]chan *message.Item),
	}

	for _, hop := range r.hops {
		hop.RegisterReceiver(r.receiverFor(hop))
	}
	r.unsubscribe = r.transport.OnEvery([]string{r.prefix}, r.onOutbound, transport.AnswerUnhandled())

	r.log.Info("Router attached", zap.Int("nextHops", len(r.hops)), zap.Int("filters", len(r.filters)))
	return r, nil
}

func (r *Router) Address() string { return r.address }

func (r *Router) onOutbound(ctx context.Context, msg *message.Message) (any, error) {
	if r.closed.Load() {
		return nil, &errors.DisposedError{Component: "router " + r.address}
	}

	route := strings.TrimPrefix(msg.Route, r.prefix)
	log := r.log.With(zap.String("route", route))

	stripped := *msg
	stripped.Route = route
	verdict := filter.Evaluate(r.filters, &stripped)
	if verdict == nil {
		log.Debug("Outbound message dropped by filters")
		if msg.ExpectsReply() {
			return nil, &errors.RouteFilteredError{Route: route}
		}
		return nil, nil
	}

	item := &message.Item{
		Route:         route,
		OriginalRoute: msg.Route,
		Payload:       msg.Payload,
		Metadata:      verdict.Metadata,
	}

	if !msg.ExpectsReply() {
		r.forward(item, verdict.IsBroadcast, log)
		return nil, nil
	}

	item.CorrelationID = msg.CorrelationID
	item.ReplyTo = r.address

	done := make(chan *message.Item, 1)
	r.mut_pending.Lock()
	r.pending[item.CorrelationID] = done
	r.mut_pending.Unlock()

	if sent := r.forward(item, verdict.IsBroadcast, log); sent == 0 {
		r.takePending(item.CorrelationID)
		return nil, &errors.MissingHopError{Tunnel: "router " + r.address, HopID: "*"}
	}

	timer := time.NewTimer(r.rpcTimeout)
	defer timer.Stop()

	var reply *message.Item
	select {
	case reply = <-done:
	case <-timer.C:
		if r.takePending(item.CorrelationID) != nil {
			log.Debug("Forwarded RPC timed out", zap.String("correlationId", item.CorrelationID))
			return nil, &errors.RouterRpcTimeoutError{
				Route:         route,
				CorrelationID: item.CorrelationID,
				Timeout:       r.rpcTimeout,
			}
		}
		reply = <-done
	case <-ctx.Done():
		if r.takePending(item.CorrelationID) != nil {
			return nil, ctx.Err()
		}
		reply = <-done
	}

	if reply == nil {
		return nil, &errors.DisposedError{Component: "router " + r.address}
	}
	if reply.Error != nil {
		return nil, errors.FromInfo(reply.Error)
	}
	return transport.RawPayload(reply.Payload), nil
}

// forward hands item to every hop that accepts it and reports how many did.
func (r *Router) forward(item *message.Item, broadcast bool, log *zap.Logger) int {
	sent := 0
	for i, hop := range r.hops {
		hopLog := log.With(zap.Int("hop", i))

		if broadcast {
			var err error
			if b, ok := hop.(Broadcaster); ok {
				err = b.Broadcast(item)
			} else {
				err = hop.Send(message.Metadata{}, item)
			}
			if err != nil {
				hopLog.Warn("Failed to broadcast to next hop", zap.Error(err))
				continue
			}
			sent++
			continue
		}

		id, ok := projectID(hop.ExampleID(), item.Metadata)
		if !ok {
			hopLog.Debug("Metadata does not carry this hop's id, skipping")
			continue
		}
		if err := hop.Send(id, item); err != nil {
			hopLog.Warn("Failed to send to next hop", zap.Any("hopId", id), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// projectID copies from md exactly the keys present in example. It fails if
// md lacks any of them.
func projectID(example, md message.Metadata) (message.Metadata, bool) {
	id := make(message.Metadata, len(example))
	for key := range example {
		v, has := md[key]
		if !has {
			return nil, false
		}
		id[key] = v
	}
	return id, true
}

func (r *Router) takePending(correlationId string) chan *message.Item {
	r.mut_pending.Lock()
	defer r.mut_pending.Unlock()

	done, has := r.pending[correlationId]
	if !has {
		return nil
	}
	delete(r.pending, correlationId)
	return done
}

func (r *Router) PendingCount() int {
	r.mut_pending.Lock()
	defer r.mut_pending.Unlock()
	return len(r.pending)
}

func (r *Router) receiverFor(hop NextHop) Receiver {
	return func(ctx context.Context, id message.Metadata, item *message.Item) error {
		return r.onInbound(ctx, hop, id, item)
	}
}

func (r *Router) onInbound(ctx context.Context, hop NextHop, id message.Metadata, item *message.Item) error {
	if r.closed.Load() {
		return &errors.DisposedError{Component: "router " + r.address}
	}

	// Correlation ids are only unique per router; a collision across hops is
	// not disambiguated.
	if item.CorrelationID != "" {
		if done := r.takePending(item.CorrelationID); done != nil {
			done <- item
			return nil
		}
	}
	if item.IsReply() {
		r.log.Debug("Dropping late or unknown reply", zap.String("correlationId", item.CorrelationID))
		return nil
	}

	md := item.Metadata.Merge(id)
	refRoute := item.OriginalRoute
	if refRoute == "" {
		refRoute = item.Route
	}
	referrer := &message.Referrer{Route: refRoute, Metadata: item.Metadata.Clone()}
	opts := []transport.CallOption{transport.WithMetadata(md), transport.WithReferrer(referrer)}

	if !item.ExpectsReply() {
		if err := r.transport.Publish(ctx, item.Route, transport.RawPayload(item.Payload), opts...); err != nil {
			r.log.Warn("Failed to re-inject inbound event", zap.String("route", item.Route), zap.Error(err))
			return err
		}
		return nil
	}

	// The reply may depend on further traffic through this same hop, so the
	// receive path must not wait for it.
	go r.answer(hop, id, item, opts)
	return nil
}

func (r *Router) answer(hop NextHop, id message.Metadata, item *message.Item, opts []transport.CallOption) {
	log := r.log.With(zap.String("route", item.Route), zap.String("correlationId", item.CorrelationID))

	opts = append(opts, transport.WithTimeout(r.rpcTimeout))
	payload, err := r.transport.Execute(r.ctx, item.Route, transport.RawPayload(item.Payload), opts...)

	reply := &message.Item{CorrelationID: item.CorrelationID}
	if err != nil {
		log.Debug("Inbound RPC failed, relaying error", zap.Error(err))
		reply.Error = errors.ToInfo(err)
	} else {
		reply.Payload = payload
	}

	if err := hop.Send(id, reply); err != nil {
		log.Warn("Failed to send reply to next hop", zap.Error(err))
	}
}

// Close detaches the router from its transport and rejects forwarded RPCs
// still waiting for a reply. The next hops stay open; their owner closes them.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.unsubscribe()
		r.cancel()

		r.mut_pending.Lock()
		pending := r.pending
		r.pending = make(map[string]chan *message.Item)
		r.mut_pending.Unlock()

		for _, done := range pending {
			done <- nil
		}

		r.log.Info("Router closed", zap.Int("rejectedRpcs", len(pending)))
	})
}
