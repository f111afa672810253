package transport

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessamekesh/routebus/pkg/codec"
	"github.com/sessamekesh/routebus/pkg/errors"
	"github.com/sessamekesh/routebus/pkg/message"
	"github.com/sessamekesh/routebus/pkg/metadata"
	utils "github.com/sessamekesh/routebus/pkg/util"
	"go.uber.org/zap"
)

const DefaultRpcTimeout = 30 * time.Second

// Sender hands an outbound request or event to the backend.
type Sender func(ctx context.Context, item *message.Item) error

// Replier sends a reply item back towards the caller of an RPC.
type Replier func(ctx context.Context, reply *message.Item) error

type CoreParams struct {
	Name              string
	Codec             codec.Codec
	Pipeline          *metadata.Pipeline
	DefaultRpcTimeout time.Duration

	// ReplyTo is stamped on every request that expects a reply.
	ReplyTo string
	Send    Sender

	Logger *zap.Logger
}

type registration struct {
	id      uint64
	route   string
	handler Handler
	box     *mailbox
}

type everyRegistration struct {
	id              uint64
	prefixes        []string
	handler         Handler
	answerUnhandled bool
	box             *mailbox
}

type callResult struct {
	payload []byte
	err     error
}

// pendingCall is one RPC correlation entry. done has room for exactly one
// result and only the goroutine that removed the entry from the table writes it.
type pendingCall struct {
	route string
	call  *message.Message
	done  chan callResult
}

// Core owns the handler registry, the RPC correlation table and dispatch.
// Concrete backends embed it and supply Send plus the inbound loop that calls
// Dispatch.
type Core struct {
	name           string
	codec          codec.Codec
	pipeline       *metadata.Pipeline
	defaultTimeout time.Duration
	replyTo        string
	send           Sender

	log *zap.Logger
	ids *utils.IdGenerator

	nextRegistrationId atomic.Uint64

	mut_handlers sync.RWMutex
	handlers     map[string][]*registration
	every        []*everyRegistration

	mut_pending sync.Mutex
	pending     map[string]*pendingCall

	disposed atomic.Bool
}

func CreateCore(params CoreParams) *Core {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	c := params.Codec
	if c == nil {
		c = codec.JSON()
	}
	timeout := params.DefaultRpcTimeout
	if timeout <= 0 {
		timeout = DefaultRpcTimeout
	}
	stringGen := utils.CreateRandomStringGenerator(time.Now().UnixNano())
	ids := utils.CreateIdGenerator(stringGen)

	pipeline := params.Pipeline
	if pipeline == nil {
		pipeline = metadata.DefaultPipeline(metadata.DefaultPipelineParams{
			NewTransactionID: utils.CreateIdGenerator(stringGen).NextId,
		})
	}

	name := params.Name
	if name == "" {
		name = "transport"
	}

	return &Core{
		name:           name,
		codec:          c,
		pipeline:       pipeline,
		defaultTimeout: timeout,
		replyTo:        params.ReplyTo,
		send:           params.Send,
		log:            logger.With(zap.String("transport", name)),
		ids:            ids,
		handlers:       make(map[string][]*registration),
		pending:        make(map[string]*pendingCall),
	}
}

func (c *Core) Codec() codec.Codec               { return c.codec }
func (c *Core) DefaultRpcTimeout() time.Duration { return c.defaultTimeout }
func (c *Core) Name() string                     { return c.name }
func (c *Core) IsDisposed() bool                 { return c.disposed.Load() }

func (c *Core) On(route string, handler Handler) Unsubscribe {
	if c.disposed.Load() {
		c.log.Warn("Ignoring handler registration on disposed transport", zap.String("route", route))
		return func() {}
	}

	reg := &registration{
		id:      c.nextRegistrationId.Add(1),
		route:   route,
		handler: handler,
		box:     newMailbox(),
	}

	c.mut_handlers.Lock()
	c.handlers[route] = append(c.handlers[route], reg)
	c.mut_handlers.Unlock()

	c.log.Debug("Registered route handler", zap.String("route", route), zap.Uint64("registrationId", reg.id))

	once := sync.Once{}
	return func() {
		once.Do(func() {
			c.mut_handlers.Lock()
			regs := c.handlers[route]
			for i, r := range regs {
				if r.id == reg.id {
					c.handlers[route] = append(regs[:i:i], regs[i+1:]...)
					break
				}
			}
			if len(c.handlers[route]) == 0 {
				delete(c.handlers, route)
			}
			c.mut_handlers.Unlock()
			reg.box.close()
		})
	}
}

func (c *Core) OnEvery(prefixes []string, handler Handler, opts ...EveryOption) Unsubscribe {
	if c.disposed.Load() {
		c.log.Warn("Ignoring prefix listener registration on disposed transport", zap.Strings("prefixes", prefixes))
		return func() {}
	}

	o := everyOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	reg := &everyRegistration{
		id:              c.nextRegistrationId.Add(1),
		prefixes:        append([]string{}, prefixes...),
		handler:         handler,
		answerUnhandled: o.answerUnhandled,
		box:             newMailbox(),
	}

	c.mut_handlers.Lock()
	c.every = append(c.every, reg)
	c.mut_handlers.Unlock()

	c.log.Debug("Registered prefix listener", zap.Strings("prefixes", prefixes), zap.Bool("answerUnhandled", o.answerUnhandled))

	once := sync.Once{}
	return func() {
		once.Do(func() {
			c.mut_handlers.Lock()
			for i, r := range c.every {
				if r.id == reg.id {
					c.every = append(c.every[:i:i], c.every[i+1:]...)
					break
				}
			}
			c.mut_handlers.Unlock()
			reg.box.close()
		})
	}
}

func (c *Core) encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case RawPayload:
		return p, nil
	}
	return c.codec.Marshal(payload)
}

func (c *Core) buildItem(route string, payload any, o callOptions) (*message.Item, error) {
	if route == "" {
		return nil, &errors.InvalidRoutePathError{Reason: "empty route"}
	}
	encoded, err := c.encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for route '%s': %w", route, err)
	}
	return &message.Item{
		Route:    route,
		Payload:  encoded,
		Metadata: c.pipeline.Reduce(route, o.metadata, o.referrer),
	}, nil
}

// Publish sends a fire-and-forget event. Having no receiver is not an error.
func (c *Core) Publish(ctx context.Context, route string, payload any, opts ...CallOption) error {
	if c.disposed.Load() {
		return &errors.DisposedError{Component: c.name}
	}

	item, err := c.buildItem(route, payload, resolveCallOptions(opts))
	if err != nil {
		return err
	}

	if c.send == nil {
		return &errors.NotStartedError{Component: c.name}
	}
	return c.send(ctx, item)
}

// Execute performs a correlated RPC. The first of reply, error-reply and
// timeout wins; the other two become no-ops.
func (c *Core) Execute(ctx context.Context, route string, payload any, opts ...CallOption) ([]byte, error) {
	if c.disposed.Load() {
		return nil, &errors.DisposedError{Component: c.name}
	}

	o := resolveCallOptions(opts)
	item, err := c.buildItem(route, payload, o)
	if err != nil {
		return nil, err
	}
	item.CorrelationID = c.ids.NextId()
	item.ReplyTo = c.replyTo
	if item.ReplyTo == "" {
		item.ReplyTo = c.name
	}

	timeout := o.timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	entry := &pendingCall{
		route: route,
		call:  message.NewMessage(item, c.codec.Unmarshal),
		done:  make(chan callResult, 1),
	}

	c.mut_pending.Lock()
	c.pending[item.CorrelationID] = entry
	c.mut_pending.Unlock()

	// Dispose may have raced the insert above.
	if c.disposed.Load() {
		c.takePending(item.CorrelationID)
		return nil, &errors.DisposedError{Component: c.name}
	}

	if c.send == nil {
		c.takePending(item.CorrelationID)
		return nil, &errors.NotStartedError{Component: c.name}
	}

	if err := c.send(ctx, item); err != nil {
		c.takePending(item.CorrelationID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-entry.done:
		return res.payload, res.err
	case <-timer.C:
		if c.takePending(item.CorrelationID) != nil {
			c.log.Debug("RPC timed out", zap.String("route", route), zap.String("correlationId", item.CorrelationID))
			return nil, &errors.RpcTimeoutError{
				Route:         route,
				CorrelationID: item.CorrelationID,
				Timeout:       timeout,
				Call:          entry.call,
			}
		}
	case <-ctx.Done():
		if c.takePending(item.CorrelationID) != nil {
			return nil, ctx.Err()
		}
	}

	// A reply won the race for the entry and is about to land in done.
	res := <-entry.done
	return res.payload, res.err
}

// takePending removes and returns a correlation entry; nil means someone else
// already removed it.
func (c *Core) takePending(correlationId string) *pendingCall {
	c.mut_pending.Lock()
	defer c.mut_pending.Unlock()

	entry, has := c.pending[correlationId]
	if !has {
		return nil
	}
	delete(c.pending, correlationId)
	return entry
}

// PendingCount reports in-flight RPCs.
func (c *Core) PendingCount() int {
	c.mut_pending.Lock()
	defer c.mut_pending.Unlock()
	return len(c.pending)
}

// Resolve completes an in-flight RPC with a reply item. Late or unknown
// replies are dropped and reported as false.
func (c *Core) Resolve(reply *message.Item) bool {
	entry := c.takePending(reply.CorrelationID)
	if entry == nil {
		c.log.Debug("Dropping reply with no matching correlation entry", zap.String("correlationId", reply.CorrelationID))
		return false
	}

	if reply.Error != nil {
		entry.done <- callResult{err: errors.FromInfo(reply.Error)}
	} else {
		entry.done <- callResult{payload: reply.Payload}
	}
	return true
}

type handlerSnapshot struct {
	primary     *registration
	secondaries []*registration
	every       []*everyRegistration
	responder   *everyRegistration
}

func (c *Core) snapshot(route string, expectsReply bool) handlerSnapshot {
	c.mut_handlers.RLock()
	defer c.mut_handlers.RUnlock()

	snap := handlerSnapshot{}
	if regs := c.handlers[route]; len(regs) > 0 {
		snap.primary = regs[0]
		snap.secondaries = append(snap.secondaries, regs[1:]...)
	}

	bestPrefixLen := -1
	for _, reg := range c.every {
		matchedLen := -1
		for _, p := range reg.prefixes {
			if strings.HasPrefix(route, p) && len(p) > matchedLen {
				matchedLen = len(p)
			}
		}
		if matchedLen < 0 {
			continue
		}
		snap.every = append(snap.every, reg)
		if snap.primary == nil && expectsReply && reg.answerUnhandled && matchedLen > bestPrefixLen {
			snap.responder = reg
			bestPrefixLen = matchedLen
		}
	}

	return snap
}

// Dispatch delivers one inbound item. Backends call it from their receive loop
// in arrival order; reply items resolve correlation entries instead.
func (c *Core) Dispatch(ctx context.Context, item *message.Item, reply Replier) {
	if item.IsReply() {
		c.Resolve(item)
		return
	}
	if c.disposed.Load() {
		return
	}

	msg := message.NewMessage(item, c.codec.Unmarshal)
	if msg.Metadata == nil {
		msg.Metadata = message.Metadata{}
	}
	log := c.log.With(zap.String("route", msg.Route))

	if err := c.pipeline.Validate(msg); err != nil {
		if msg.ExpectsReply() {
			log.Info("Rejected RPC before dispatch", zap.Error(err))
			c.sendReply(ctx, msg, nil, err, reply)
		} else {
			log.Warn("Dropped event rejected by validator", zap.Error(err))
		}
		return
	}

	snap := c.snapshot(msg.Route, msg.ExpectsReply())

	switch {
	case snap.primary != nil:
		primary := snap.primary.handler
		if !snap.primary.box.push(func() {
			c.runPrimary(ctx, msg, primary, reply, log)
		}) {
			log.Debug("Primary handler unsubscribed before dispatch")
		}
	case snap.responder != nil:
		responder := snap.responder.handler
		go c.runPrimary(ctx, msg, responder, reply, log)
	default:
		if len(snap.every) == 0 {
			log.Debug("No handler registered for route")
		}
	}

	for _, reg := range snap.secondaries {
		handler := reg.handler
		reg.box.push(func() {
			if _, err := safeInvoke(ctx, handler, msg); err != nil {
				log.Warn("Secondary handler failed", zap.Error(err))
			}
		})
	}

	for _, reg := range snap.every {
		if reg == snap.responder {
			continue
		}
		handler := reg.handler
		reg.box.push(func() {
			if _, err := safeInvoke(ctx, handler, msg); err != nil {
				log.Warn("Prefix listener failed", zap.Error(err))
			}
		})
	}
}

// runPrimary invokes the authoritative handler and replies with its outcome.
// Exact-route primaries run from their registration's mailbox, one message at
// a time in arrival order. An unhandled-RPC responder runs on its own goroutine
// because it answers for a whole subtree of routes, each of which may wait on
// a remote reply.
func (c *Core) runPrimary(ctx context.Context, msg *message.Message, handler Handler, reply Replier, log *zap.Logger) {
	result, err := safeInvoke(ctx, handler, msg)
	if !msg.ExpectsReply() {
		if err != nil {
			log.Warn("Event handler failed", zap.Error(err))
		}
		return
	}
	c.sendReply(ctx, msg, result, err, reply)
}

func (c *Core) sendReply(ctx context.Context, msg *message.Message, result any, handlerErr error, reply Replier) {
	out := &message.Item{CorrelationID: msg.CorrelationID}

	if handlerErr != nil {
		out.Error = errors.ToInfo(handlerErr)
	} else {
		encoded, err := c.encodePayload(result)
		if err != nil {
			out.Error = errors.ToInfo(fmt.Errorf("encode result for route '%s': %w", msg.Route, err))
		} else {
			out.Payload = encoded
		}
	}

	if reply == nil {
		c.log.Error("No reply path for RPC", zap.String("route", msg.Route), zap.String("correlationId", msg.CorrelationID))
		return
	}
	if err := reply(ctx, out); err != nil {
		c.log.Error("Failed to send reply", zap.String("route", msg.Route), zap.String("correlationId", msg.CorrelationID), zap.Error(err))
	}
}

type handlerPanic struct {
	value any
	stack string
}

func (p *handlerPanic) Error() string { return fmt.Sprintf("handler panicked: %v", p.value) }

func (p *handlerPanic) Format(f fmt.State, verb rune) {
	if verb == 'v' && f.Flag('+') {
		fmt.Fprintf(f, "%s\n%s", p.Error(), p.stack)
		return
	}
	fmt.Fprint(f, p.Error())
}

func safeInvoke(ctx context.Context, handler Handler, msg *message.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &handlerPanic{value: r, stack: string(debug.Stack())}
		}
	}()
	return handler(ctx, msg)
}

// Dispose rejects every in-flight RPC and makes all further calls fail.
func (c *Core) Dispose() {
	if c.disposed.Swap(true) {
		return
	}

	c.mut_pending.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mut_pending.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if entry := c.takePending(id); entry != nil {
			entry.done <- callResult{err: &errors.DisposedError{Component: c.name}}
		}
	}

	c.mut_handlers.Lock()
	for route, regs := range c.handlers {
		for _, reg := range regs {
			reg.box.close()
		}
		delete(c.handlers, route)
	}
	for _, reg := range c.every {
		reg.box.close()
	}
	c.every = nil
	c.mut_handlers.Unlock()

	c.log.Info("Transport disposed", zap.Int("rejectedRpcs", len(ids)))
}
