// Package tunnel holds what the socket next hops share: item framing and the
// inbox that hands decoded items to the router.
package tunnel

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/sessamekesh/routebus/pkg/codec"
	"github.com/sessamekesh/routebus/pkg/message"
	"github.com/sessamekesh/routebus/pkg/router"
)

const DefaultMaxFrameSize = 4 << 20

type FrameTooLargeError struct {
	Size, Max int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("Frame of %d bytes exceeds the %d byte limit", e.Size, e.Max)
}

func EncodeItem(c codec.Codec, item *message.Item) ([]byte, error) {
	return c.Marshal(item)
}

func DecodeItem(c codec.Codec, frame []byte) (*message.Item, error) {
	item := &message.Item{}
	if err := c.Unmarshal(frame, item); err != nil {
		return nil, fmt.Errorf("decode item frame: %w", err)
	}
	return item, nil
}

// WriteFrame writes a 4 byte big-endian length followed by data, for stream
// transports that have no message boundaries of their own.
func WriteFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint32(header[:]))
	if size > maxSize {
		return nil, &FrameTooLargeError{Size: size, Max: maxSize}
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// PeerID reads the peer id a router projected into id under key.
func PeerID(id message.Metadata, key string) (string, bool) {
	v, has := id[key]
	if !has || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, s != ""
	}
	return fmt.Sprint(v), true
}

// Inbox holds the receiver a router registers on a next hop. Items read off
// the wire before registration wait for it.
type Inbox struct {
	once  sync.Once
	ready chan struct{}

	mut      sync.RWMutex
	receiver router.Receiver
}

func NewInbox() *Inbox {
	return &Inbox{ready: make(chan struct{})}
}

func (in *Inbox) Register(receiver router.Receiver) {
	in.mut.Lock()
	in.receiver = receiver
	in.mut.Unlock()
	in.once.Do(func() { close(in.ready) })
}

// Deliver decodes frame and passes it to the registered receiver.
func (in *Inbox) Deliver(ctx context.Context, c codec.Codec, id message.Metadata, frame []byte) error {
	item, err := DecodeItem(c, frame)
	if err != nil {
		return err
	}

	select {
	case <-in.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	in.mut.RLock()
	receiver := in.receiver
	in.mut.RUnlock()
	return receiver(ctx, id, item)
}
