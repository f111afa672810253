package tunnel

import (
	"bytes"
	"context"
	goerrs "errors"
	"io"
	"testing"
	"time"

	"github.com/sessamekesh/routebus/pkg/codec"
	"github.com/sessamekesh/routebus/pkg/message"
)

func TestFraming(t *testing.T) {
	buf := &bytes.Buffer{}
	for _, frame := range []string{"first", "", "third"} {
		if err := WriteFrame(buf, []byte(frame)); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	for _, want := range []string{"first", "", "third"} {
		got, err := ReadFrame(buf, 0)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if _, err := ReadFrame(buf, 0); err != io.EOF {
		t.Errorf("expected EOF at end of stream, got %v", err)
	}

	WriteFrame(buf, make([]byte, 64))
	var tooLarge *FrameTooLargeError
	if _, err := ReadFrame(buf, 16); !goerrs.As(err, &tooLarge) {
		t.Errorf("expected FrameTooLargeError, got %v", err)
	}
}

func TestPeerID(t *testing.T) {
	cases := []struct {
		id   message.Metadata
		want string
		ok   bool
	}{
		{message.Metadata{"peerId": "abc"}, "abc", true},
		{message.Metadata{"peerId": 42}, "42", true},
		{message.Metadata{"peerId": ""}, "", false},
		{message.Metadata{"other": "abc"}, "", false},
		{nil, "", false},
	}
	for _, c := range cases {
		got, ok := PeerID(c.id, "peerId")
		if got != c.want || ok != c.ok {
			t.Errorf("PeerID(%v) = %q, %v; want %q, %v", c.id, got, ok, c.want, c.ok)
		}
	}
}

func TestInboxWaitsForReceiver(t *testing.T) {
	c := codec.JSON()
	in := NewInbox()
	frame, err := EncodeItem(c, &message.Item{Route: "Event.create", Payload: []byte(`{"a":1}`)})
	if err != nil {
		t.Fatalf("EncodeItem: %v", err)
	}

	got := make(chan *message.Item, 1)
	delivered := make(chan error, 1)
	go func() {
		delivered <- in.Deliver(context.Background(), c, message.Metadata{"peerId": "p"}, frame)
	}()

	time.Sleep(20 * time.Millisecond)
	in.Register(func(ctx context.Context, id message.Metadata, item *message.Item) error {
		got <- item
		return nil
	})

	select {
	case item := <-got:
		if item.Route != "Event.create" || string(item.Payload) != `{"a":1}` {
			t.Errorf("unexpected item %s", item)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("item never delivered")
	}
	if err := <-delivered; err != nil {
		t.Errorf("Deliver: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewInbox().Deliver(ctx, c, nil, frame); err != context.Canceled {
		t.Errorf("expected context.Canceled without a receiver, got %v", err)
	}
}
