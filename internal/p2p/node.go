// Package p2p runs the network node: listeners, dialing, one upgraded
// connection per peer, and the gossip overlay on top of them.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multistream"

	"p2ptest/internal/crypto/identity"
	"p2ptest/internal/gossip"
	"p2ptest/internal/netx"
	"p2ptest/internal/proto"
	"p2ptest/internal/telemetry"
	"p2ptest/internal/transport"
)

var (
	ErrClosed          = errors.New("p2p: node closed")
	ErrDialSelf        = errors.New("p2p: refusing to dial self")
	ErrUnknownPeer     = errors.New("p2p: unknown peer")
	ErrSendQueueFull   = errors.New("p2p: peer send queue full")
	ErrDrainIncomplete = errors.New("p2p: shutdown drain incomplete")

	errReplaced = errors.New("p2p: replaced by a connection from the lower peer id")
)

type NodeConfig struct {
	Name     string              // shown in logs only
	Network  netx.Network        // raw transports
	Upgrader *transport.Upgrader // pnet, noise, muxer
	Gossip   gossip.Config
	Logger   telemetry.Logger
	Debug    bool // flag for showing hidden logs to debug

	SendBuffer  int // per-peer queued RPCs before the peer is dropped
	EventBuffer int
}

type peer struct {
	id       identity.PeerID
	addr     string
	outbound bool
	conn     *transport.Conn

	sendCh  chan *proto.RPC
	queued  atomic.Int64 // queued RPCs not yet handed to the stream
	flushed atomic.Bool  // the remote confirmed reading everything we wrote

	ctx    context.Context
	cancel context.CancelFunc
	drain  chan struct{}
	wdone  chan struct{} // closed when writeLoop exits
	once   sync.Once
}

// PeerSnapshot is a read-only view of a connected peer.
type PeerSnapshot struct {
	ID       identity.PeerID
	Addr     string
	Outbound bool
	Muxer    transport.MuxerID
}

type Node struct {
	cfg    NodeConfig
	kp     *identity.Keypair
	log    telemetry.Logger
	gossip *gossip.Overlay

	streams *multistream.MultistreamMuxer[string]

	mu        sync.RWMutex
	peers     map[identity.PeerID]*peer
	listeners []netx.Listener
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events chan Event
}

func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.Upgrader == nil {
		return nil, errors.New("p2p: NodeConfig.Upgrader is required")
	}
	if cfg.Network == nil {
		cfg.Network = netx.NewNetwork()
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewLogger("p2p")
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 128
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 128
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:     cfg,
		kp:      cfg.Upgrader.Descriptor().Keypair,
		log:     cfg.Logger,
		streams: multistream.NewMultistreamMuxer[string](),
		peers:   make(map[identity.PeerID]*peer),
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan Event, cfg.EventBuffer),
	}
	n.streams.AddHandler(proto.GossipProtocolID, nil)

	g, err := gossip.New(n.kp, n, cfg.Gossip, cfg.Logger)
	if err != nil {
		cancel()
		return nil, err
	}
	n.gossip = g
	return n, nil
}

// ID returns this node's peer ID.
func (n *Node) ID() identity.PeerID { return n.kp.ID }

// Name returns this node's name
func (n *Node) Name() string { return n.cfg.Name }

// Events returns the push stream of node events. The channel is never
// closed; use Next to observe shutdown.
func (n *Node) Events() <-chan Event { return n.events }

// Next blocks for the next event, ctx expiry or node shutdown.
func (n *Node) Next(ctx context.Context) (Event, error) {
	select {
	case e := <-n.events:
		return e, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-n.ctx.Done():
		return Event{}, ErrClosed
	}
}

// Listen starts accepting on addr and returns the bound address.
func (n *Node) Listen(ctx context.Context, addr ma.Multiaddr) (ma.Multiaddr, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, err := n.cfg.Network.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = l.Close()
		return nil, ErrClosed
	}
	n.listeners = append(n.listeners, l)
	n.wg.Add(1)
	n.mu.Unlock()

	n.Logf("listening on %s/p2p/%s", l.Multiaddr(), n.kp.ID)
	go n.acceptLoop(l)
	return l.Multiaddr(), nil
}

// ListenAddrs returns the bound address of every listener.
func (n *Node) ListenAddrs() []ma.Multiaddr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]ma.Multiaddr, 0, len(n.listeners))
	for _, l := range n.listeners {
		out = append(out, l.Multiaddr())
	}
	return out
}

func (n *Node) Subscribe(topic string) error   { return n.gossip.Subscribe(topic) }
func (n *Node) Unsubscribe(topic string) error { return n.gossip.Unsubscribe(topic) }
func (n *Node) Topics() []string               { return n.gossip.Topics() }

// Publish gossips data on topic to every subscribed peer.
func (n *Node) Publish(topic string, data []byte) (gossip.MessageID, error) {
	if n.isClosed() {
		return "", ErrClosed
	}
	return n.gossip.Publish(topic, data)
}

// PeersOf lists connected peers subscribed to topic.
func (n *Node) PeersOf(topic string) []identity.PeerID { return n.gossip.PeersOf(topic) }

func (n *Node) emit(e Event) {
	select {
	case n.events <- e:
	case <-n.ctx.Done():
	}
}

func (n *Node) isClosed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed
}

// Close stops accepting, lets every peer's queued RPCs flush until ctx
// expires, then tears all connections down. A peer counts as drained only
// once it has closed its end of our gossip stream, which it does after
// reading every frame; otherwise the error wraps ErrDrainIncomplete.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	listeners := n.listeners
	peers := make([]*peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()

	n.gossip.Close()
	for _, l := range listeners {
		_ = l.Close()
	}
	for _, p := range peers {
		close(p.drain)
	}

	var (
		undelivered int64
		unconfirmed int
	)
	for _, p := range peers {
		select {
		case <-p.wdone:
		case <-ctx.Done():
		}
		if !p.flushed.Load() {
			unconfirmed++
			undelivered += p.queued.Load()
		}
	}

	n.cancel()
	for _, p := range peers {
		n.removePeer(p, ErrClosed)
	}
	n.wg.Wait()

	if unconfirmed > 0 {
		return fmt.Errorf("%w: %d queued RPCs not delivered, %d of %d peers unconfirmed",
			ErrDrainIncomplete, undelivered, unconfirmed, len(peers))
	}
	return nil
}
