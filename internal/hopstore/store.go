// Package hopstore tracks the peers connected to a socket tunnel, keyed by the
// id the router projects out of message metadata.
package hopstore

import (
	"fmt"
	"sync"
)

type DuplicatePeerIdError struct {
	Id string
}

func (e *DuplicatePeerIdError) Error() string {
	return fmt.Sprintf("Attempted to register peer with duplicate ID '%s'", e.Id)
}

type MissingPeerIdError struct {
	Id string
}

func (e *MissingPeerIdError) Error() string {
	return fmt.Sprintf("Missing peer with id='%s'", e.Id)
}

// PeerBufferFullError means the peer is not draining its outgoing queue fast
// enough; the frame was dropped.
type PeerBufferFullError struct {
	Id   string
	Size int
}

func (e *PeerBufferFullError) Error() string {
	return fmt.Sprintf("Outgoing buffer (%d frames) full for peer '%s', dropping frame", e.Size, e.Id)
}

type TooManyPeersError struct{}

func (e *TooManyPeersError) Error() string {
	return "Too many peers are connected - cannot register new peer"
}

// Peer is one live connection. Its owner drains Outgoing onto the socket
// until Done is closed.
type Peer struct {
	Id       string
	Outgoing chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mut          sync.RWMutex
	createdTime  int64
	lastRecvTime int64
	lastSendTime int64
}

// Done is closed once the peer has been asked to disconnect.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) RequestClose() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *Peer) LastRecvTime() int64 {
	p.mut.RLock()
	defer p.mut.RUnlock()
	return p.lastRecvTime
}

type PeerStore struct {
	MaxConnections int
	OutgoingBuffer int

	mut_peers sync.RWMutex
	peers     map[string]*Peer
}

// CreatePeerStore builds an empty store. maxConnections <= 0 means unlimited.
func CreatePeerStore(maxConnections, outgoingBuffer int) *PeerStore {
	if outgoingBuffer <= 0 {
		outgoingBuffer = 16
	}
	return &PeerStore{
		MaxConnections: maxConnections,
		OutgoingBuffer: outgoingBuffer,
		peers:          make(map[string]*Peer),
	}
}

func (store *PeerStore) CreatePeer(id string, timestamp int64) (*Peer, error) {
	store.mut_peers.Lock()
	defer store.mut_peers.Unlock()

	if _, has := store.peers[id]; has {
		return nil, &DuplicatePeerIdError{Id: id}
	}
	if store.MaxConnections > 0 && len(store.peers) >= store.MaxConnections {
		return nil, &TooManyPeersError{}
	}

	peer := &Peer{
		Id:           id,
		Outgoing:     make(chan []byte, store.OutgoingBuffer),
		done:         make(chan struct{}),
		createdTime:  timestamp,
		lastRecvTime: timestamp,
		lastSendTime: timestamp,
	}
	store.peers[id] = peer
	return peer, nil
}

// RemovePeer drops peer if it is still the one registered under its id, so a
// reconnect that already replaced it is left alone.
func (store *PeerStore) RemovePeer(peer *Peer) {
	store.mut_peers.Lock()
	defer store.mut_peers.Unlock()

	if current, has := store.peers[peer.Id]; has && current == peer {
		delete(store.peers, peer.Id)
	}
	peer.RequestClose()
}

func (store *PeerStore) HasPeer(id string) bool {
	store.mut_peers.RLock()
	defer store.mut_peers.RUnlock()

	_, has := store.peers[id]
	return has
}

func (store *PeerStore) Count() int {
	store.mut_peers.RLock()
	defer store.mut_peers.RUnlock()
	return len(store.peers)
}

// Enqueue queues one frame for the peer without blocking. A peer whose buffer
// is full gets PeerBufferFullError so one stalled connection never holds up
// the caller.
func (store *PeerStore) Enqueue(id string, frame []byte, timestamp int64) error {
	store.mut_peers.RLock()
	peer, has := store.peers[id]
	store.mut_peers.RUnlock()

	if !has {
		return &MissingPeerIdError{Id: id}
	}

	select {
	case <-peer.done:
		return &MissingPeerIdError{Id: id}
	default:
	}

	select {
	case peer.Outgoing <- frame:
	default:
		return &PeerBufferFullError{Id: id, Size: cap(peer.Outgoing)}
	}

	peer.mut.Lock()
	peer.lastSendTime = timestamp
	peer.mut.Unlock()
	return nil
}

// Broadcast queues frame for every connected peer and reports how many took it.
func (store *PeerStore) Broadcast(frame []byte, timestamp int64) int {
	store.mut_peers.RLock()
	ids := make([]string, 0, len(store.peers))
	for id := range store.peers {
		ids = append(ids, id)
	}
	store.mut_peers.RUnlock()

	sent := 0
	for _, id := range ids {
		if store.Enqueue(id, frame, timestamp) == nil {
			sent++
		}
	}
	return sent
}

func (store *PeerStore) SetRecvTimestamp(id string, timestamp int64) error {
	store.mut_peers.RLock()
	defer store.mut_peers.RUnlock()

	peer, has := store.peers[id]
	if !has {
		return &MissingPeerIdError{Id: id}
	}

	peer.mut.Lock()
	defer peer.mut.Unlock()

	peer.lastRecvTime = timestamp
	return nil
}

// GetIdlePeerList lists peers that have received nothing since recvDeadline.
func (store *PeerStore) GetIdlePeerList(recvDeadline int64) []*Peer {
	store.mut_peers.RLock()
	defer store.mut_peers.RUnlock()

	peersToKick := []*Peer{}

	for _, peer := range store.peers {
		peer.mut.RLock()
		shouldKick := peer.lastRecvTime < recvDeadline
		peer.mut.RUnlock()

		if shouldKick {
			peersToKick = append(peersToKick, peer)
		}
	}

	return peersToKick
}

// CloseAll asks every peer to disconnect and empties the store.
func (store *PeerStore) CloseAll() int {
	store.mut_peers.Lock()
	defer store.mut_peers.Unlock()

	count := len(store.peers)
	for id, peer := range store.peers {
		peer.RequestClose()
		delete(store.peers, id)
	}
	return count
}
