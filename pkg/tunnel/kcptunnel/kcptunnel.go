// Package kcptunnel carries routed items over KCP (reliable UDP) sessions.
// Sessions run in stream mode with length-prefixed frames; the first frame a
// dialer writes is its peer id.
package kcptunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sessamekesh/routebus/internal/hopstore"
	"github.com/sessamekesh/routebus/pkg/codec"
	routeerrs "github.com/sessamekesh/routebus/pkg/errors"
	"github.com/sessamekesh/routebus/pkg/message"
	"github.com/sessamekesh/routebus/pkg/router"
	"github.com/sessamekesh/routebus/pkg/tunnel"
	"github.com/xtaci/kcp-go/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultDataShards   = 10
	DefaultParityShards = 3
	DefaultExampleIDKey = "peerId"

	helloTimeout = 10 * time.Second
)

func tune(sess *kcp.UDPSession) {
	sess.SetStreamMode(true)
	sess.SetWindowSize(512, 512)
	sess.SetNoDelay(1, 40, 2, 1)
	sess.SetACKNoDelay(false)
}

func shards(data, parity int) (int, int) {
	if data <= 0 {
		data = DefaultDataShards
	}
	if parity <= 0 {
		parity = DefaultParityShards
	}
	return data, parity
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

type ListenerParams struct {
	ListenAddress string
	DataShards    int
	ParityShards  int

	ExampleIDKey   string
	MaxConnections int
	OutgoingBuffer int
	MaxFrameSize   int

	Codec  codec.Codec
	Logger *zap.Logger
}

// Listener accepts KCP sessions from many peers and is a next hop addressed
// by peer id.
type Listener struct {
	params   ListenerParams
	listener *kcp.Listener
	peers    *hopstore.PeerStore
	inbox    *tunnel.Inbox
	log      *zap.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ router.NextHop = (*Listener)(nil)
var _ router.Broadcaster = (*Listener)(nil)

func Listen(params ListenerParams) (*Listener, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ExampleIDKey == "" {
		params.ExampleIDKey = DefaultExampleIDKey
	}
	if params.Codec == nil {
		params.Codec = codec.JSON()
	}
	params.DataShards, params.ParityShards = shards(params.DataShards, params.ParityShards)

	lis, err := kcp.ListenWithOptions(params.ListenAddress, nil, params.DataShards, params.ParityShards)
	if err != nil {
		return nil, &routeerrs.TransportInitError{Transport: "kcp", Cause: err}
	}

	return &Listener{
		params:   params,
		listener: lis,
		peers:    hopstore.CreatePeerStore(params.MaxConnections, params.OutgoingBuffer),
		inbox:    tunnel.NewInbox(),
		log:      logger.With(zap.String("handler", "KcpListener"), zap.String("address", lis.Addr().String())),
	}, nil
}

func (l *Listener) Addr() string { return l.listener.Addr().String() }

func (l *Listener) ExampleID() message.Metadata {
	return message.Metadata{l.params.ExampleIDKey: ""}
}

func (l *Listener) RegisterReceiver(receiver router.Receiver) {
	l.inbox.Register(receiver)
}

func (l *Listener) Send(id message.Metadata, item *message.Item) error {
	peerId, ok := tunnel.PeerID(id, l.params.ExampleIDKey)
	if !ok {
		return &routeerrs.MissingHopError{Tunnel: "kcp", HopID: ""}
	}
	frame, err := tunnel.EncodeItem(l.params.Codec, item)
	if err != nil {
		return err
	}
	err = l.peers.Enqueue(peerId, frame, time.Now().UnixMilli())
	var missing *hopstore.MissingPeerIdError
	if errors.As(err, &missing) {
		return &routeerrs.MissingHopError{Tunnel: "kcp", HopID: peerId}
	}
	return err
}

func (l *Listener) Broadcast(item *message.Item) error {
	frame, err := tunnel.EncodeItem(l.params.Codec, item)
	if err != nil {
		return err
	}
	sent := l.peers.Broadcast(frame, time.Now().UnixMilli())
	l.log.Debug("Broadcast item", zap.String("route", item.Route), zap.Int("peers", sent))
	return nil
}

func (l *Listener) HasPeer(id string) bool { return l.peers.HasPeer(id) }

// Serve accepts sessions until ctx is done or the listener is closed.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	l.log.Info("Accepting KCP sessions")
	for {
		sess, err := l.listener.AcceptKCP()
		if err != nil {
			if ctx.Err() != nil || isClosedErr(err) {
				l.wg.Wait()
				return nil
			}
			return err
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleSession(ctx, sess)
		}()
	}
}

func (l *Listener) handleSession(ctx context.Context, sess *kcp.UDPSession) {
	defer sess.Close()
	tune(sess)

	log := l.log.With(zap.String("remote", sess.RemoteAddr().String()))

	sess.SetReadDeadline(time.Now().Add(helloTimeout))
	hello, err := tunnel.ReadFrame(sess, 1024)
	if err != nil || len(hello) == 0 {
		log.Warn("Dropping session without a peer id", zap.Error(err))
		return
	}
	sess.SetReadDeadline(time.Time{})

	peerId := string(hello)
	log = log.With(zap.String("peerId", peerId))

	peer, err := l.peers.CreatePeer(peerId, time.Now().UnixMilli())
	if err != nil {
		log.Error("Failed to register peer", zap.Error(err))
		return
	}
	defer l.peers.RemovePeer(peer)
	log.Info("Peer connected")

	id := message.Metadata{l.params.ExampleIDKey: peerId}
	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				sess.Close()
				return
			case <-peer.Done():
				sess.Close()
				return
			case frame := <-peer.Outgoing:
				if err := tunnel.WriteFrame(sess, frame); err != nil {
					log.Warn("Failed to write frame", zap.Error(err))
					sess.Close()
					return
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer peer.RequestClose()
		for {
			frame, err := tunnel.ReadFrame(sess, l.params.MaxFrameSize)
			if err != nil {
				if !isClosedErr(err) {
					log.Warn("Session read failed", zap.Error(err))
				}
				return
			}
			l.peers.SetRecvTimestamp(peerId, time.Now().UnixMilli())
			if err := l.inbox.Deliver(ctx, l.params.Codec, id, frame); err != nil {
				log.Warn("Failed to deliver inbound item", zap.Error(err))
			}
		}
	}()

	wg.Wait()
	log.Info("Peer disconnected")
}

func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.peers.CloseAll()
		err = l.listener.Close()
	})
	return err
}

type DialerParams struct {
	Address      string
	PeerID       string
	DataShards   int
	ParityShards int
	MaxFrameSize int

	// RemoteID is merged into everything received from the listener;
	// ExampleID is what routers project before sending.
	RemoteID  message.Metadata
	ExampleID message.Metadata

	Codec  codec.Codec
	Logger *zap.Logger
}

// Dialer is a single-peer next hop over one KCP session.
type Dialer struct {
	params DialerParams
	sess   *kcp.UDPSession
	inbox  *tunnel.Inbox
	log    *zap.Logger

	mut_write sync.Mutex

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ router.NextHop = (*Dialer)(nil)

func Dial(params DialerParams) (*Dialer, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.Codec == nil {
		params.Codec = codec.JSON()
	}
	if params.ExampleID == nil {
		params.ExampleID = message.Metadata{}
	}
	if params.PeerID == "" {
		return nil, fmt.Errorf("dial %s: a peer id is required", params.Address)
	}
	dataShards, parityShards := shards(params.DataShards, params.ParityShards)

	sess, err := kcp.DialWithOptions(params.Address, nil, dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", params.Address, err)
	}
	tune(sess)

	if err := tunnel.WriteFrame(sess, []byte(params.PeerID)); err != nil {
		sess.Close()
		return nil, fmt.Errorf("send peer id to %s: %w", params.Address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dialer{
		params: params,
		sess:   sess,
		inbox:  tunnel.NewInbox(),
		log:    logger.With(zap.String("handler", "KcpDialer"), zap.String("address", params.Address), zap.String("peerId", params.PeerID)),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(d.done)
		for {
			frame, err := tunnel.ReadFrame(sess, params.MaxFrameSize)
			if err != nil {
				if ctx.Err() == nil && !isClosedErr(err) {
					d.log.Warn("Session read failed", zap.Error(err))
				}
				return
			}
			if err := d.inbox.Deliver(ctx, params.Codec, params.RemoteID.Clone(), frame); err != nil {
				d.log.Warn("Failed to deliver inbound item", zap.Error(err))
			}
		}
	}()

	d.log.Info("Connected to KCP listener")
	return d, nil
}

func (d *Dialer) ExampleID() message.Metadata { return d.params.ExampleID }

func (d *Dialer) RegisterReceiver(receiver router.Receiver) {
	d.inbox.Register(receiver)
}

// Send ignores id; the listener on the other end is the only peer.
func (d *Dialer) Send(_ message.Metadata, item *message.Item) error {
	frame, err := tunnel.EncodeItem(d.params.Codec, item)
	if err != nil {
		return err
	}

	d.mut_write.Lock()
	defer d.mut_write.Unlock()
	return tunnel.WriteFrame(d.sess, frame)
}

func (d *Dialer) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.cancel()
		err = multierr.Append(err, d.sess.Close())
		<-d.done
		d.log.Info("Disconnected from KCP listener")
	})
	return err
}
