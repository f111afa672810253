package message

import "fmt"

// Metadata is the open, additive per-message context map.
type Metadata map[string]any

// Referrer is the route+metadata snapshot of the message that triggered a call.
type Referrer struct {
	Route    string   `json:"route" cbor:"route"`
	Metadata Metadata `json:"metadata,omitempty" cbor:"metadata,omitempty"`
}

// ErrorInfo is the structured, wire-safe form of a handler failure.
type ErrorInfo struct {
	Code      string `json:"code" cbor:"code"`
	ClassName string `json:"className" cbor:"className"`
	Message   string `json:"message" cbor:"message"`
	CallStack string `json:"callStack,omitempty" cbor:"callStack,omitempty"`
}

// Item is the unit exchanged with backends and next hops. A request expecting a
// reply carries both ReplyTo and CorrelationID; a reply carries CorrelationID
// with an empty ReplyTo. OriginalRoute is the sender-side route before a router
// stripped its address prefix.
type Item struct {
	Route         string     `json:"route,omitempty" cbor:"route,omitempty"`
	OriginalRoute string     `json:"originalRoute,omitempty" cbor:"originalRoute,omitempty"`
	Payload       []byte     `json:"payload,omitempty" cbor:"payload,omitempty"`
	Metadata      Metadata   `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	CorrelationID string     `json:"correlationId,omitempty" cbor:"correlationId,omitempty"`
	ReplyTo       string     `json:"replyTo,omitempty" cbor:"replyTo,omitempty"`
	Error         *ErrorInfo `json:"error,omitempty" cbor:"error,omitempty"`
}

func (i *Item) ExpectsReply() bool {
	return i.ReplyTo != "" && i.CorrelationID != ""
}

func (i *Item) IsReply() bool {
	return i.ReplyTo == "" && i.CorrelationID != "" && i.Route == ""
}

func (i *Item) String() string {
	return fmt.Sprintf("Item{route=%q correlationId=%q replyTo=%q payload=%dB}", i.Route, i.CorrelationID, i.ReplyTo, len(i.Payload))
}

// Message is what a handler sees once an Item has been accepted for dispatch.
type Message struct {
	Route         string
	Payload       []byte
	Metadata      Metadata
	CorrelationID string
	ReplyTo       string

	decode func(data []byte, v any) error
}

func NewMessage(item *Item, decode func(data []byte, v any) error) *Message {
	return &Message{
		Route:         item.Route,
		Payload:       item.Payload,
		Metadata:      item.Metadata,
		CorrelationID: item.CorrelationID,
		ReplyTo:       item.ReplyTo,
		decode:        decode,
	}
}

// Decode unmarshals the payload with the codec of the transport that delivered it.
func (m *Message) Decode(v any) error {
	if m.decode == nil {
		return fmt.Errorf("message on route '%s' has no decoder attached", m.Route)
	}
	if len(m.Payload) == 0 {
		return nil
	}
	return m.decode(m.Payload, v)
}

func (m *Message) ExpectsReply() bool {
	return m.ReplyTo != "" && m.CorrelationID != ""
}

// Referrer snapshots this message for use as the trailing argument of a follow-up call.
func (m *Message) Referrer() *Referrer {
	return &Referrer{
		Route:    m.Route,
		Metadata: m.Metadata.Clone(),
	}
}

func (m *Message) Item() *Item {
	return &Item{
		Route:         m.Route,
		Payload:       m.Payload,
		Metadata:      m.Metadata,
		CorrelationID: m.CorrelationID,
		ReplyTo:       m.ReplyTo,
	}
}
