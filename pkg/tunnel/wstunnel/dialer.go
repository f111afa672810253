package wstunnel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/routebus/pkg/codec"
	"github.com/sessamekesh/routebus/pkg/message"
	"github.com/sessamekesh/routebus/pkg/router"
	"github.com/sessamekesh/routebus/pkg/tunnel"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type DialerParams struct {
	// URL of the remote hub, e.g. ws://gateway:9000/bus.
	URL          string
	PeerID       string
	IdQueryParam string
	Header       http.Header

	// RemoteID is merged into the metadata of everything received from the
	// hub. ExampleID is what routers project before sending; the default
	// empty shape sends every outbound item to the hub.
	RemoteID  message.Metadata
	ExampleID message.Metadata

	MaxReadMessageSize int64

	Codec  codec.Codec
	Logger *zap.Logger
}

// Dialer is a next hop over one outbound WebSocket connection.
type Dialer struct {
	params DialerParams
	conn   *websocket.Conn
	inbox  *tunnel.Inbox
	log    *zap.Logger

	mut_write sync.Mutex

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ router.NextHop = (*Dialer)(nil)

func Dial(ctx context.Context, params DialerParams) (*Dialer, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.IdQueryParam == "" {
		params.IdQueryParam = DefaultIdQueryParam
	}
	if params.Codec == nil {
		params.Codec = codec.JSON()
	}
	if params.ExampleID == nil {
		params.ExampleID = message.Metadata{}
	}
	if params.PeerID == "" {
		return nil, fmt.Errorf("dial %s: a peer id is required", params.URL)
	}

	target, err := url.Parse(params.URL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	query := target.Query()
	query.Set(params.IdQueryParam, params.PeerID)
	target.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target.String(), params.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", params.URL, err)
	}
	if params.MaxReadMessageSize > 0 {
		conn.SetReadLimit(params.MaxReadMessageSize)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	d := &Dialer{
		params: params,
		conn:   conn,
		inbox:  tunnel.NewInbox(),
		log:    logger.With(zap.String("handler", "WebSocketDialer"), zap.String("url", params.URL), zap.String("peerId", params.PeerID)),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(d.done)
		readLoop(loopCtx, conn, d.log, func(frame []byte) {
			if err := d.inbox.Deliver(loopCtx, params.Codec, params.RemoteID.Clone(), frame); err != nil {
				d.log.Warn("Failed to deliver inbound item", zap.Error(err))
			}
		})
	}()

	d.log.Info("Connected to WebSocket hub")
	return d, nil
}

func (d *Dialer) ExampleID() message.Metadata { return d.params.ExampleID }

func (d *Dialer) RegisterReceiver(receiver router.Receiver) {
	d.inbox.Register(receiver)
}

// Send ignores id; the hub on the other end is the only peer.
func (d *Dialer) Send(_ message.Metadata, item *message.Item) error {
	frame, err := tunnel.EncodeItem(d.params.Codec, item)
	if err != nil {
		return err
	}

	d.mut_write.Lock()
	defer d.mut_write.Unlock()
	return d.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Done is closed once the connection has stopped reading.
func (d *Dialer) Done() <-chan struct{} { return d.done }

func (d *Dialer) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.cancel()

		d.mut_write.Lock()
		err = multierr.Append(err, d.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
		d.mut_write.Unlock()

		err = multierr.Append(err, d.conn.Close())
		<-d.done
		d.log.Info("Disconnected from WebSocket hub")
	})
	return err
}
