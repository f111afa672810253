package router

import (
	"context"
	goerrs "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sessamekesh/routebus/internal/hopstore"
	"github.com/sessamekesh/routebus/pkg/codec"
	"github.com/sessamekesh/routebus/pkg/errors"
	"github.com/sessamekesh/routebus/pkg/filter"
	"github.com/sessamekesh/routebus/pkg/message"
	"github.com/sessamekesh/routebus/pkg/metadata"
	"github.com/sessamekesh/routebus/pkg/transport"
	"github.com/sessamekesh/routebus/pkg/transport/memory"
	"go.uber.org/zap"
)

func startTransport(t *testing.T, name string, timeout time.Duration) *memory.MemoryTransport {
	t.Helper()
	tr := memory.CreateMemoryTransport(memory.MemoryTransportParams{
		Name:              name,
		DefaultRpcTimeout: timeout,
		Logger:            zap.NewNop(),
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start %s: %v", name, err)
	}
	t.Cleanup(func() { tr.Dispose() })
	return tr
}

func createRouter(t *testing.T, params RouterParams) *Router {
	t.Helper()
	params.Logger = zap.NewNop()
	r, err := CreateRouter(params)
	if err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type sentItem struct {
	id        message.Metadata
	item      *message.Item
	broadcast bool
}

// recordingHop accepts everything and never answers.
type recordingHop struct {
	example message.Metadata

	mut      sync.Mutex
	sent     []sentItem
	receiver Receiver
}

func (h *recordingHop) ExampleID() message.Metadata { return h.example }

func (h *recordingHop) Send(id message.Metadata, item *message.Item) error {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.sent = append(h.sent, sentItem{id: id, item: item})
	return nil
}

func (h *recordingHop) RegisterReceiver(receiver Receiver) {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.receiver = receiver
}

func (h *recordingHop) snapshot() []sentItem {
	h.mut.Lock()
	defer h.mut.Unlock()
	return append([]sentItem{}, h.sent...)
}

type broadcastingHop struct {
	recordingHop
}

func (h *broadcastingHop) Broadcast(item *message.Item) error {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.sent = append(h.sent, sentItem{item: item, broadcast: true})
	return nil
}

// linkedHop is one end of an in-process pipe. Items are serialized on the way
// through so both sides only share what a real wire would carry.
type linkedHop struct {
	example message.Metadata
	selfID  message.Metadata
	peer    *linkedHop

	mut      sync.Mutex
	receiver Receiver
}

func linkHops(aExample, aSelf, bExample, bSelf message.Metadata) (*linkedHop, *linkedHop) {
	a := &linkedHop{example: aExample, selfID: aSelf}
	b := &linkedHop{example: bExample, selfID: bSelf}
	a.peer, b.peer = b, a
	return a, b
}

func (h *linkedHop) ExampleID() message.Metadata { return h.example }

func (h *linkedHop) RegisterReceiver(receiver Receiver) {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.receiver = receiver
}

func (h *linkedHop) Send(id message.Metadata, item *message.Item) error {
	c := codec.JSON()
	data, err := c.Marshal(item)
	if err != nil {
		return err
	}
	wire := &message.Item{}
	if err := c.Unmarshal(data, wire); err != nil {
		return err
	}

	h.peer.mut.Lock()
	receiver := h.peer.receiver
	h.peer.mut.Unlock()
	if receiver == nil {
		return fmt.Errorf("peer has no receiver")
	}
	return receiver(context.Background(), h.selfID, wire)
}

// peerStoreHop queues routes on a hopstore.PeerStore the way socket tunnels do.
type peerStoreHop struct {
	peers *hopstore.PeerStore
}

func (h *peerStoreHop) ExampleID() message.Metadata { return message.Metadata{"peerId": ""} }
func (h *peerStoreHop) RegisterReceiver(Receiver) {}

func (h *peerStoreHop) Send(id message.Metadata, item *message.Item) error {
	peerId, _ := id.StringValue("peerId")
	return h.peers.Enqueue(peerId, []byte(item.Route), time.Now().UnixMilli())
}

func TestStalledPeerDoesNotBlockOthers(t *testing.T) {
	tr := startTransport(t, "local", time.Second)
	peers := hopstore.CreatePeerStore(0, 2)
	peers.CreatePeer("slow", 0)
	fast, _ := peers.CreatePeer("fast", 0)
	createRouter(t, RouterParams{LocalRouteAddress: "Device", Transport: tr, NextHops: []NextHop{&peerStoreHop{peers: peers}}})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		err := tr.Publish(ctx, fmt.Sprintf("Device.Tick.n%d", i), nil, transport.WithMetadata(message.Metadata{"peerId": "slow"}))
		if err != nil {
			t.Fatalf("Publish to slow peer: %v", err)
		}
	}
	if err := tr.Publish(ctx, "Device.Tick.fast", nil, transport.WithMetadata(message.Metadata{"peerId": "fast"})); err != nil {
		t.Fatalf("Publish to fast peer: %v", err)
	}

	select {
	case frame := <-fast.Outgoing:
		if string(frame) != "Tick.fast" {
			t.Errorf("fast peer got %q", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fast peer starved behind a stalled one")
	}
}

func TestPublishIsSentOnceWithProjectedId(t *testing.T) {
	tr := startTransport(t, "local", time.Second)
	hop := &recordingHop{example: message.Metadata{"deviceId": ""}}
	createRouter(t, RouterParams{LocalRouteAddress: "Device", Transport: tr, NextHops: []NextHop{hop}})

	err := tr.Publish(context.Background(), "Device.Event.create", map[string]any{"on": true},
		transport.WithMetadata(message.Metadata{"deviceId": "X", "unrelated": "y"}))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, "send", func() bool { return len(hop.snapshot()) > 0 })
	time.Sleep(50 * time.Millisecond)

	sent := hop.snapshot()
	if len(sent) != 1 {
		t.Fatalf("got %d sends, want exactly 1", len(sent))
	}
	if len(sent[0].id) != 1 || sent[0].id["deviceId"] != "X" {
		t.Errorf("hop id = %v, want {deviceId: X}", sent[0].id)
	}
	if sent[0].item.Route != "Event.create" {
		t.Errorf("route = %q, want Event.create", sent[0].item.Route)
	}
	if sent[0].item.OriginalRoute != "Device.Event.create" {
		t.Errorf("original route = %q", sent[0].item.OriginalRoute)
	}
	if sent[0].item.ExpectsReply() {
		t.Error("a published event must not expect a reply")
	}
}

func TestHopIsSkippedWhenIdIsMissing(t *testing.T) {
	tr := startTransport(t, "local", time.Second)
	hop := &recordingHop{example: message.Metadata{"deviceId": ""}}
	other := &recordingHop{example: message.Metadata{}}
	createRouter(t, RouterParams{LocalRouteAddress: "Device", Transport: tr, NextHops: []NextHop{hop, other}})

	if err := tr.Publish(context.Background(), "Device.Event.create", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, "send on the id-less hop", func() bool { return len(other.snapshot()) == 1 })
	if n := len(hop.snapshot()); n != 0 {
		t.Errorf("hop without a matching id received %d items", n)
	}
}

func TestRoutesOutsideAddressAreIgnored(t *testing.T) {
	tr := startTransport(t, "local", time.Second)
	hop := &recordingHop{example: message.Metadata{}}
	createRouter(t, RouterParams{LocalRouteAddress: "Device", Transport: tr, NextHops: []NextHop{hop}})

	for _, route := range []string{"Devices.create", "Other.create", "Device"} {
		if err := tr.Publish(context.Background(), route, nil); err != nil {
			t.Fatalf("Publish %s: %v", route, err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(hop.snapshot()); n != 0 {
		t.Errorf("router forwarded %d items outside its address", n)
	}
}

type twoSides struct {
	local, remote             *memory.MemoryTransport
	localRouter, remoteRouter *Router
}

func connect(t *testing.T) twoSides {
	t.Helper()
	local := startTransport(t, "local", 2*time.Second)
	remote := startTransport(t, "remote", 2*time.Second)

	toRemote, toLocal := linkHops(
		message.Metadata{"deviceId": ""}, message.Metadata{"gateway": "gw-1"},
		message.Metadata{"gateway": ""}, message.Metadata{"deviceId": "X"},
	)

	return twoSides{
		local:        local,
		remote:       remote,
		localRouter:  createRouter(t, RouterParams{LocalRouteAddress: "Remote", Transport: local, NextHops: []NextHop{toRemote}}),
		remoteRouter: createRouter(t, RouterParams{LocalRouteAddress: "Gateway", Transport: remote, NextHops: []NextHop{toLocal}}),
	}
}

func TestRpcThroughTwoRouters(t *testing.T) {
	sides := connect(t)

	var mut sync.Mutex
	var seen message.Metadata
	sides.remote.On("Math.double", func(ctx context.Context, msg *message.Message) (any, error) {
		var n int
		if err := msg.Decode(&n); err != nil {
			return nil, err
		}
		mut.Lock()
		seen = msg.Metadata
		mut.Unlock()
		return n * 2, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := transport.ExecuteAs[int](ctx, sides.local, "Remote.Math.double", 21,
		transport.WithMetadata(message.Metadata{"deviceId": "X"}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}

	mut.Lock()
	defer mut.Unlock()
	if v, _ := seen.StringValue("gateway"); v != "gw-1" {
		t.Errorf("hop id was not merged into metadata: %v", seen)
	}
	if v, _ := seen.StringValue("deviceId"); v != "X" {
		t.Errorf("caller metadata lost: %v", seen)
	}
	stack, _ := seen.StringSlice(metadata.KeyCallStack)
	if len(stack) == 0 || stack[len(stack)-1] != "Remote.Math.double" {
		t.Errorf("call stack = %v, want it to end with the sender-side route", stack)
	}

	waitFor(t, "pending entries to clear", func() bool {
		return sides.localRouter.PendingCount() == 0 && sides.local.PendingCount() == 0 && sides.remote.PendingCount() == 0
	})
}

func TestInboundReferrerIsTheOriginalItem(t *testing.T) {
	var mut sync.Mutex
	var referrer *message.Referrer
	pipeline := metadata.DefaultPipeline(metadata.DefaultPipelineParams{NewTransactionID: func() string { return "tx-1" }})
	pipeline.Reducers = append(pipeline.Reducers, func(ctx metadata.ReducerContext) message.Metadata {
		if ctx.Route == "Sensor.read" {
			mut.Lock()
			referrer = ctx.Referrer
			mut.Unlock()
		}
		return nil
	})

	tr := memory.CreateMemoryTransport(memory.MemoryTransportParams{Name: "local", Pipeline: pipeline, Logger: zap.NewNop()})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { tr.Dispose() })

	seen := make(chan message.Metadata, 1)
	tr.On("Sensor.read", func(ctx context.Context, msg *message.Message) (any, error) {
		seen <- msg.Metadata
		return nil, nil
	})

	hop := &recordingHop{example: message.Metadata{"deviceId": ""}}
	createRouter(t, RouterParams{LocalRouteAddress: "Device", Transport: tr, NextHops: []NextHop{hop}})

	hop.mut.Lock()
	receiver := hop.receiver
	hop.mut.Unlock()
	err := receiver(context.Background(), message.Metadata{"deviceId": "X"}, &message.Item{
		Route:         "Sensor.read",
		OriginalRoute: "Gateway.Sensor.read",
		Metadata:      message.Metadata{"tenant": "t1"},
	})
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}

	select {
	case md := <-seen:
		if md["deviceId"] != "X" || md["tenant"] != "t1" {
			t.Errorf("handler metadata = %v, want hop id merged in", md)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("inbound event never reached the handler")
	}

	mut.Lock()
	defer mut.Unlock()
	if referrer == nil || referrer.Route != "Gateway.Sensor.read" {
		t.Fatalf("referrer = %+v", referrer)
	}
	if _, has := referrer.Metadata["deviceId"]; has || referrer.Metadata["tenant"] != "t1" {
		t.Errorf("referrer metadata = %v, want the item's own metadata", referrer.Metadata)
	}
}

func TestEventThroughTwoRouters(t *testing.T) {
	sides := connect(t)

	got := make(chan string, 1)
	sides.remote.On("Event.ping", func(ctx context.Context, msg *message.Message) (any, error) {
		var body string
		if err := msg.Decode(&body); err != nil {
			return nil, err
		}
		got <- body
		return nil, nil
	})

	err := sides.local.Publish(context.Background(), "Remote.Event.ping", "hello",
		transport.WithMetadata(message.Metadata{"deviceId": "X"}))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case body := <-got:
		if body != "hello" {
			t.Errorf("got %q", body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event never reached the remote handler")
	}
}

func TestRemoteFailureIsRelayed(t *testing.T) {
	sides := connect(t)
	sides.remote.On("Math.fail", func(ctx context.Context, msg *message.Message) (any, error) {
		return nil, fmt.Errorf("boom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := sides.local.Execute(ctx, "Remote.Math.fail", nil, transport.WithMetadata(message.Metadata{"deviceId": "X"}))
	var remote *errors.RemoteError
	if !goerrs.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Message != "boom" {
		t.Errorf("message = %q, want boom", remote.Message)
	}
	if remote.RemoteCode() != errors.CodeInternal {
		t.Errorf("code = %q, want %q", remote.RemoteCode(), errors.CodeInternal)
	}
}

func TestForwardedRpcTimesOut(t *testing.T) {
	tr := startTransport(t, "local", 2*time.Second)
	hop := &recordingHop{example: message.Metadata{}}
	r := createRouter(t, RouterParams{
		LocalRouteAddress: "Device",
		Transport:         tr,
		NextHops:          []NextHop{hop},
		RpcTimeout:        50 * time.Millisecond,
	})

	_, err := tr.Execute(context.Background(), "Device.Sensor.read", nil)
	var remote *errors.RemoteError
	if !goerrs.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.RemoteCode() != errors.CodeRouterRpcTimeout {
		t.Errorf("code = %q, want %q", remote.RemoteCode(), errors.CodeRouterRpcTimeout)
	}
	if r.PendingCount() != 0 {
		t.Errorf("router still has %d pending entries", r.PendingCount())
	}

	sent := hop.snapshot()
	if len(sent) != 1 || !sent[0].item.ExpectsReply() {
		t.Fatalf("expected one forwarded RPC, got %+v", sent)
	}

	// A reply after the timeout is dropped quietly.
	hop.mut.Lock()
	receiver := hop.receiver
	hop.mut.Unlock()
	late := &message.Item{CorrelationID: sent[0].item.CorrelationID, Payload: []byte(`1`)}
	if err := receiver(context.Background(), message.Metadata{}, late); err != nil {
		t.Errorf("late reply: %v", err)
	}
}

func TestBroadcastFilter(t *testing.T) {
	tr := startTransport(t, "local", time.Second)
	plain := &recordingHop{example: message.Metadata{"deviceId": ""}}
	wide := &broadcastingHop{recordingHop{example: message.Metadata{"deviceId": ""}}}
	createRouter(t, RouterParams{
		LocalRouteAddress: "Device",
		Transport:         tr,
		NextHops:          []NextHop{plain, wide},
		Filters: filter.Map{
			"Event": filter.Branch(filter.Map{
				"announce": filter.Leaf(func(*message.Message) filter.Verdict { return filter.Broadcast }),
			}),
		},
	})

	if err := tr.Publish(context.Background(), "Device.Event.announce", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, "both hops", func() bool { return len(plain.snapshot()) == 1 && len(wide.snapshot()) == 1 })
	if got := wide.snapshot()[0]; !got.broadcast {
		t.Error("broadcasting hop should receive Broadcast, not Send")
	}
	if got := plain.snapshot()[0]; len(got.id) != 0 {
		t.Errorf("plain hop should get an empty id, got %v", got.id)
	}
}

func TestFilterDropsAndPatches(t *testing.T) {
	tr := startTransport(t, "local", time.Second)
	hop := &recordingHop{example: message.Metadata{}}
	createRouter(t, RouterParams{
		LocalRouteAddress: "Device",
		Transport:         tr,
		NextHops:          []NextHop{hop},
		Filters: filter.Map{
			"Allowed": filter.Leaf(func(*message.Message) filter.Verdict {
				return filter.PassWith(message.Metadata{"filtered": true})
			}),
		},
	})

	ctx := context.Background()
	_, err := tr.Execute(ctx, "Device.Denied.read", nil)
	var remote *errors.RemoteError
	if !goerrs.As(err, &remote) || remote.RemoteCode() != errors.CodeRouteFiltered {
		t.Fatalf("expected a ROUTE_FILTERED remote error, got %v", err)
	}

	if err := tr.Publish(ctx, "Device.Denied.event", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := tr.Publish(ctx, "Device.Allowed.event", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, "allowed event", func() bool { return len(hop.snapshot()) > 0 })
	time.Sleep(50 * time.Millisecond)
	sent := hop.snapshot()
	if len(sent) != 1 {
		t.Fatalf("got %d sends, want 1", len(sent))
	}
	if sent[0].item.Route != "Allowed.event" || sent[0].item.Metadata["filtered"] != true {
		t.Errorf("unexpected item %+v", sent[0].item)
	}
}

func TestCloseRejectsPendingRpcs(t *testing.T) {
	tr := startTransport(t, "local", 5*time.Second)
	hop := &recordingHop{example: message.Metadata{}}
	r := createRouter(t, RouterParams{LocalRouteAddress: "Device", Transport: tr, NextHops: []NextHop{hop}})

	result := make(chan error, 1)
	go func() {
		_, err := tr.Execute(context.Background(), "Device.Sensor.read", nil)
		result <- err
	}()

	waitFor(t, "forwarded RPC", func() bool { return r.PendingCount() == 1 })
	r.Close()

	select {
	case err := <-result:
		var remote *errors.RemoteError
		if !goerrs.As(err, &remote) || remote.RemoteCode() != errors.CodeDisposed {
			t.Fatalf("expected a DISPOSED remote error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not reject the pending RPC")
	}
}

func TestNoHopsFailsFast(t *testing.T) {
	tr := startTransport(t, "local", 5*time.Second)
	createRouter(t, RouterParams{LocalRouteAddress: "Device", Transport: tr})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := tr.Execute(ctx, "Device.Sensor.read", nil)
	var remote *errors.RemoteError
	if !goerrs.As(err, &remote) || remote.RemoteCode() != errors.CodeMissingHop {
		t.Fatalf("expected a MISSING_HOP remote error, got %v", err)
	}
}

func TestInvalidAddress(t *testing.T) {
	tr := startTransport(t, "local", time.Second)
	for _, addr := range []string{"", "Device."} {
		_, err := CreateRouter(RouterParams{LocalRouteAddress: addr, Transport: tr, Logger: zap.NewNop()})
		var invalid *errors.InvalidRoutePathError
		if !goerrs.As(err, &invalid) {
			t.Errorf("address %q: expected InvalidRoutePathError, got %v", addr, err)
		}
	}
}

func TestProjectID(t *testing.T) {
	md := message.Metadata{"deviceId": "X", "tenant": "t1", "noise": 1}

	id, ok := projectID(message.Metadata{"deviceId": "", "tenant": ""}, md)
	if !ok || len(id) != 2 || id["deviceId"] != "X" || id["tenant"] != "t1" {
		t.Errorf("projection = %v, %v", id, ok)
	}

	if _, ok := projectID(message.Metadata{"missing": ""}, md); ok {
		t.Error("projection should fail when a key is missing")
	}

	id, ok = projectID(message.Metadata{}, md)
	if !ok || len(id) != 0 {
		t.Errorf("empty example should give an empty id, got %v", id)
	}
}
