// Package wstunnel carries routed items over WebSocket connections. A Hub
// accepts many peers and is a next hop addressed by peer id; a Dialer is a
// single-peer next hop connected to some remote Hub.
package wstunnel

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/routebus/internal/hopstore"
	"github.com/sessamekesh/routebus/pkg/codec"
	routeerrs "github.com/sessamekesh/routebus/pkg/errors"
	"github.com/sessamekesh/routebus/pkg/message"
	"github.com/sessamekesh/routebus/pkg/router"
	"github.com/sessamekesh/routebus/pkg/tunnel"
	utils "github.com/sessamekesh/routebus/pkg/util"
	"go.uber.org/zap"
)

const (
	DefaultIdQueryParam = "id"
	DefaultExampleIDKey = "peerId"
)

type HubParams struct {
	ListenAddress    string
	ListenEndpoint   string
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	// IdQueryParam names the query parameter a connecting peer uses to
	// announce its id.
	IdQueryParam string
	// ExampleIDKey is the metadata key routers project to pick a peer.
	ExampleIDKey string

	MaxConnections     int
	MaxReadMessageSize int64
	OutgoingBuffer     int

	// IdleTimeout disconnects peers that have sent nothing for this long.
	// Zero disables the check.
	IdleTimeout time.Duration

	Codec  codec.Codec
	Logger *zap.Logger
}

type Hub struct {
	upgrader *websocket.Upgrader
	params   HubParams

	peers *hopstore.PeerStore
	inbox *tunnel.Inbox

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

var _ router.NextHop = (*Hub)(nil)
var _ router.Broadcaster = (*Hub)(nil)

func checkOrigin(r *http.Request, params HubParams) bool {
	origin := r.Header.Get("Origin")
	if utils.Contains(origin, params.DenylistedHosts) {
		return false
	}

	if params.AllowAllHosts {
		return true
	}

	return utils.Contains(origin, params.AllowlistedHosts)
}

func CreateHub(params HubParams) *Hub {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.IdQueryParam == "" {
		params.IdQueryParam = DefaultIdQueryParam
	}
	if params.ExampleIDKey == "" {
		params.ExampleIDKey = DefaultExampleIDKey
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/"
	}
	if params.Codec == nil {
		params.Codec = codec.JSON()
	}

	return &Hub{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		params:    params,
		peers:     hopstore.CreatePeerStore(params.MaxConnections, params.OutgoingBuffer),
		inbox:     tunnel.NewInbox(),
		log:       logger.With(zap.String("handler", "WebSocketHub")),
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
	}
}

func (hub *Hub) ExampleID() message.Metadata {
	return message.Metadata{hub.params.ExampleIDKey: ""}
}

func (hub *Hub) RegisterReceiver(receiver router.Receiver) {
	hub.inbox.Register(receiver)
}

func (hub *Hub) Send(id message.Metadata, item *message.Item) error {
	peerId, ok := tunnel.PeerID(id, hub.params.ExampleIDKey)
	if !ok {
		return &routeerrs.MissingHopError{Tunnel: "websocket", HopID: ""}
	}

	frame, err := tunnel.EncodeItem(hub.params.Codec, item)
	if err != nil {
		return err
	}

	err = hub.peers.Enqueue(peerId, frame, time.Now().UnixMilli())
	var missing *hopstore.MissingPeerIdError
	if errors.As(err, &missing) {
		return &routeerrs.MissingHopError{Tunnel: "websocket", HopID: peerId}
	}
	return err
}

func (hub *Hub) Broadcast(item *message.Item) error {
	frame, err := tunnel.EncodeItem(hub.params.Codec, item)
	if err != nil {
		return err
	}
	sent := hub.peers.Broadcast(frame, time.Now().UnixMilli())
	hub.log.Debug("Broadcast item", zap.String("route", item.Route), zap.Int("peers", sent))
	return nil
}

func (hub *Hub) PeerCount() int { return hub.peers.Count() }

func (hub *Hub) HasPeer(id string) bool { return hub.peers.HasPeer(id) }

// Handler serves WebSocket upgrades until ctx is done.
func (hub *Hub) Handler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.onWsRequest(ctx, w, r)
	})
}

func (hub *Hub) onWsRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	log := hub.log.With(
		zap.String("wsConnId", hub.stringGen.GetRandomString(6)),
	)

	peerId := r.URL.Query().Get(hub.params.IdQueryParam)
	if peerId == "" {
		log.Warn("Rejecting WebSocket request without a peer id")
		http.Error(w, "missing peer id", http.StatusBadRequest)
		return
	}
	log = log.With(zap.String("peerId", peerId))

	log.Info("New WebSocket request")
	c, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}
	defer c.Close()

	if hub.params.MaxReadMessageSize > 0 {
		c.SetReadLimit(hub.params.MaxReadMessageSize)
	}

	peer, err := hub.peers.CreatePeer(peerId, time.Now().UnixMilli())
	if err != nil {
		log.Error("Failed to register peer", zap.Error(err))
		c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		return
	}
	defer func() {
		hub.peers.RemovePeer(peer)
		log.Debug("Removed peer from WebSocket hub")
	}()

	id := message.Metadata{hub.params.ExampleIDKey: peerId}
	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub shutting down"))
				c.Close()
				return
			case <-peer.Done():
				c.Close()
				return
			case frame := <-peer.Outgoing:
				if err := c.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					log.Warn("Failed to write frame", zap.Error(err))
					c.Close()
					return
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer peer.RequestClose()
		readLoop(ctx, c, log, func(frame []byte) {
			hub.peers.SetRecvTimestamp(peerId, time.Now().UnixMilli())
			if err := hub.inbox.Deliver(ctx, hub.params.Codec, id, frame); err != nil {
				log.Warn("Failed to deliver inbound item", zap.Error(err))
			}
		})
	}()

	wg.Wait()
}

// readLoop reads binary frames off c until it closes.
func readLoop(ctx context.Context, c *websocket.Conn, log *zap.Logger, onFrame func(frame []byte)) {
	expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}
	for {
		msgType, payload, msgErr := c.ReadMessage()
		if msgErr != nil {
			if websocket.IsCloseError(msgErr, expectedCloseErrors...) {
				log.Info("Received close request, shutting down connection")
				return
			}

			if websocket.IsUnexpectedCloseError(msgErr, expectedCloseErrors...) {
				log.Warn("Received unexpected close from peer", zap.Error(msgErr))
				return
			}

			if errors.Is(msgErr, ctx.Err()) || strings.Contains(msgErr.Error(), "use of closed network connection") {
				log.Info("Closing connection, probably from a local close call")
				return
			}

			log.Error("Received unexpected WebSocket error on message read", zap.Error(msgErr))
			return
		}

		if msgType != websocket.BinaryMessage {
			log.Info("Received non-binary message, ignoring", zap.Int("size", len(payload)))
			continue
		}

		onFrame(payload)
	}
}

func (hub *Hub) kickIdlePeers() {
	deadline := time.Now().Add(-hub.params.IdleTimeout).UnixMilli()
	for _, peer := range hub.peers.GetIdlePeerList(deadline) {
		hub.log.Info("Disconnecting idle peer", zap.String("peerId", peer.Id))
		hub.peers.RemovePeer(peer)
	}
}

// Start serves the hub on ListenAddress until ctx is done.
func (hub *Hub) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(hub.params.ListenEndpoint, hub.Handler(ctx))

	server := &http.Server{
		Addr:    hub.params.ListenAddress,
		Handler: mux,
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		hub.log.Sugar().Infof("Starting WebSocket hub at %s%s", hub.params.ListenAddress, hub.params.ListenEndpoint)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			hub.log.Error("Unexpected WebSocket server close!", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()
		hub.log.Info("Attempting to trigger shutdown of WebSocket hub")

		if err := server.Shutdown(shutdownCtx); err != nil {
			hub.log.Error("Failed to gracefully shut down WebSocket hub", zap.Error(err))
			return
		}
		hub.log.Info("Successfully shut down WebSocket hub")
	}()

	if hub.params.IdleTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ticker := time.NewTicker(hub.params.IdleTimeout / 2)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					hub.kickIdlePeers()
				}
			}
		}()
	}

	wg.Wait()

	closed := hub.peers.CloseAll()
	hub.log.Info("All WebSocket hub goroutines finished", zap.Int("closedPeers", closed))
	return nil
}

// Close disconnects every peer. Start's context owns the listener itself.
func (hub *Hub) Close() error {
	hub.peers.CloseAll()
	return nil
}
