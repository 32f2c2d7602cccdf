// Package gossip implements a flooding publish/subscribe overlay on top of
// whatever per-peer message transport the caller provides.
package gossip

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"p2ptest/internal/crypto/identity"
	"p2ptest/internal/proto"
	"p2ptest/internal/telemetry"
)

// Authenticity selects whether messages carry an author signature.
type Authenticity int

const (
	Signed Authenticity = iota
	Anonymous
)

func (a Authenticity) String() string {
	if a == Anonymous {
		return "anonymous"
	}
	return "signed"
}

// ParseAuthenticity accepts "signed" and "anonymous".
func ParseAuthenticity(s string) (Authenticity, error) {
	switch s {
	case "", "signed":
		return Signed, nil
	case "anonymous":
		return Anonymous, nil
	}
	return Signed, fmt.Errorf("gossip: unknown authenticity mode %q", s)
}

const (
	DefaultSeenTTL        = 2 * time.Minute
	DefaultSeenCapacity   = 4096
	DefaultMaxMessageSize = 64 << 10
)

type Config struct {
	Authenticity   Authenticity
	SeenTTL        time.Duration
	SeenCapacity   int
	MaxMessageSize int
}

func (c *Config) setDefaults() {
	if c.SeenTTL <= 0 {
		c.SeenTTL = DefaultSeenTTL
	}
	if c.SeenCapacity <= 0 {
		c.SeenCapacity = DefaultSeenCapacity
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
}

// Sender queues an RPC for one connected peer. It must not block.
type Sender interface {
	SendRPC(to identity.PeerID, rpc *proto.RPC) error
}

type NoticeKind int

const (
	NoticeMessage NoticeKind = iota
	NoticeSubscribed
	NoticeUnsubscribed
	NoticeDropped
)

// Notice is something HandleRPC wants surfaced to the overlay's owner.
type Notice struct {
	Kind    NoticeKind
	Peer    identity.PeerID // the direct sender
	Topic   string
	ID      MessageID
	Message *proto.Message
	Err     error
}

type Overlay struct {
	cfg  Config
	self *identity.Keypair
	send Sender
	log  telemetry.Logger

	mu     sync.Mutex
	closed bool
	mine   map[string]struct{}
	peers  map[identity.PeerID]map[string]struct{}
	seqno  uint64
	seen   *seenCache
}

func New(self *identity.Keypair, send Sender, cfg Config, log telemetry.Logger) (*Overlay, error) {
	if self == nil || send == nil {
		return nil, errors.New("gossip: keypair and sender are required")
	}
	cfg.setDefaults()
	if log == nil {
		log = telemetry.NewLogger("gossip")
	}

	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("gossip: seqno seed: %w", err)
	}
	return &Overlay{
		cfg:   cfg,
		self:  self,
		send:  send,
		log:   log,
		mine:  make(map[string]struct{}),
		peers: make(map[identity.PeerID]map[string]struct{}),
		seqno: binary.BigEndian.Uint64(seed[:]),
		seen:  newSeenCache(cfg.SeenCapacity, cfg.SeenTTL),
	}, nil
}

func (o *Overlay) Config() Config { return o.cfg }

// AddPeer registers a newly connected peer and tells it our topics.
func (o *Overlay) AddPeer(p identity.PeerID) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if _, ok := o.peers[p]; !ok {
		o.peers[p] = make(map[string]struct{})
	}
	subs := make([]proto.SubOpts, 0, len(o.mine))
	for t := range o.mine {
		subs = append(subs, proto.SubOpts{Subscribe: true, Topic: t})
	}
	o.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	if err := o.send.SendRPC(p, &proto.RPC{Subscriptions: subs}); err != nil {
		o.log.Debugf("announce topics to %s: %v", p.ShortString(), err)
	}
}

// RemovePeer forgets a disconnected peer and its subscriptions.
func (o *Overlay) RemovePeer(p identity.PeerID) {
	o.mu.Lock()
	delete(o.peers, p)
	o.mu.Unlock()
}

// Subscribe is idempotent; it fails only on a malformed topic or a closed
// overlay.
func (o *Overlay) Subscribe(topic string) error {
	return o.setSubscription(topic, true)
}

func (o *Overlay) Unsubscribe(topic string) error {
	return o.setSubscription(topic, false)
}

func (o *Overlay) setSubscription(topic string, on bool) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	_, had := o.mine[topic]
	if had == on {
		o.mu.Unlock()
		return nil
	}
	if on {
		o.mine[topic] = struct{}{}
	} else {
		delete(o.mine, topic)
	}
	targets := o.allPeersLocked()
	o.mu.Unlock()

	rpc := &proto.RPC{Subscriptions: []proto.SubOpts{{Subscribe: on, Topic: topic}}}
	for _, p := range targets {
		if err := o.send.SendRPC(p, rpc); err != nil {
			o.log.Debugf("announce %q to %s: %v", topic, p.ShortString(), err)
		}
	}
	return nil
}

// Topics lists local subscriptions, sorted.
func (o *Overlay) Topics() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.mine))
	for t := range o.mine {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// PeersOf lists connected peers known to subscribe to topic, sorted.
func (o *Overlay) PeersOf(topic string) []identity.PeerID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.subscribersLocked(topic)
}

// Publish sends data to every connected peer subscribed to topic and
// returns the id the message is deduplicated under.
func (o *Overlay) Publish(topic string, data []byte) (MessageID, error) {
	if err := ValidateTopic(topic); err != nil {
		return "", err
	}
	if len(data) > o.cfg.MaxMessageSize {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(data), o.cfg.MaxMessageSize)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	o.seqno++
	msg := proto.Message{
		Data:  append([]byte(nil), data...),
		Seqno: o.seqno,
		Topic: topic,
	}
	if o.cfg.Authenticity == Signed {
		msg.From = o.self.ID.String()
		sign(o.self, &msg)
	}
	id := ComputeID(&msg)
	targets := o.subscribersLocked(topic)
	o.mu.Unlock()

	if len(targets) == 0 {
		telemetry.ObserveGossip("out", "no_peers")
		return id, fmt.Errorf("%w: topic %q", ErrInsufficientPeers, topic)
	}
	o.seen.Seen(id)

	sent := o.fanout(targets, &msg)
	if sent == 0 {
		telemetry.ObserveGossip("out", "no_peers")
		return id, fmt.Errorf("%w: every send to %d peers failed", ErrInsufficientPeers, len(targets))
	}
	telemetry.ObserveGossip("out", "published")
	return id, nil
}

// HandleRPC applies one inbound RPC from a direct peer.
func (o *Overlay) HandleRPC(from identity.PeerID, rpc *proto.RPC) []Notice {
	var notices []Notice

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	topics, ok := o.peers[from]
	if !ok {
		topics = make(map[string]struct{})
		o.peers[from] = topics
	}
	for _, sub := range rpc.Subscriptions {
		if err := ValidateTopic(sub.Topic); err != nil {
			notices = append(notices, Notice{Kind: NoticeDropped, Peer: from, Topic: sub.Topic, Err: err})
			continue
		}
		_, had := topics[sub.Topic]
		switch {
		case sub.Subscribe && !had:
			topics[sub.Topic] = struct{}{}
			notices = append(notices, Notice{Kind: NoticeSubscribed, Peer: from, Topic: sub.Topic})
		case !sub.Subscribe && had:
			delete(topics, sub.Topic)
			notices = append(notices, Notice{Kind: NoticeUnsubscribed, Peer: from, Topic: sub.Topic})
		}
	}
	o.mu.Unlock()

	for i := range rpc.Messages {
		msg := rpc.Messages[i]
		notices = append(notices, o.handleMessage(from, &msg))
	}
	return notices
}

func (o *Overlay) handleMessage(from identity.PeerID, msg *proto.Message) Notice {
	drop := func(id MessageID, err error) Notice {
		telemetry.ObserveGossip("in", "dropped")
		return Notice{Kind: NoticeDropped, Peer: from, Topic: msg.Topic, ID: id, Message: msg, Err: err}
	}

	if err := ValidateTopic(msg.Topic); err != nil {
		return drop("", err)
	}
	if len(msg.Data) > o.cfg.MaxMessageSize {
		return drop("", fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg.Data)))
	}
	if o.cfg.Authenticity == Signed {
		if err := verify(msg); err != nil {
			return drop("", err)
		}
	}
	id := ComputeID(msg)
	if o.seen.Seen(id) {
		return drop(id, ErrDuplicate)
	}

	o.mu.Lock()
	_, local := o.mine[msg.Topic]
	targets := o.subscribersLocked(msg.Topic, from, identity.PeerID(msg.From))
	o.mu.Unlock()

	if n := o.fanout(targets, msg); n > 0 {
		telemetry.ObserveGossip("out", "forwarded")
	}
	if !local {
		telemetry.ObserveGossip("in", "not_subscribed")
		return Notice{Kind: NoticeDropped, Peer: from, Topic: msg.Topic, ID: id, Message: msg,
			Err: fmt.Errorf("%w: %q", ErrNotSubscribed, msg.Topic)}
	}
	telemetry.ObserveGossip("in", "delivered")
	return Notice{Kind: NoticeMessage, Peer: from, Topic: msg.Topic, ID: id, Message: msg}
}

func (o *Overlay) fanout(targets []identity.PeerID, msg *proto.Message) int {
	rpc := &proto.RPC{Messages: []proto.Message{*msg}}
	sent := 0
	for _, p := range targets {
		if err := o.send.SendRPC(p, rpc); err != nil {
			o.log.Debugf("send to %s: %v", p.ShortString(), err)
			continue
		}
		sent++
	}
	return sent
}

// Close makes further Subscribe and Publish calls fail with ErrClosed.
func (o *Overlay) Close() {
	o.mu.Lock()
	o.closed = true
	o.peers = make(map[identity.PeerID]map[string]struct{})
	o.mu.Unlock()
}

func (o *Overlay) allPeersLocked() []identity.PeerID {
	out := make([]identity.PeerID, 0, len(o.peers))
	for p := range o.peers {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (o *Overlay) subscribersLocked(topic string, skip ...identity.PeerID) []identity.PeerID {
	var out []identity.PeerID
	for p, topics := range o.peers {
		if _, ok := topics[topic]; !ok || slices.Contains(skip, p) {
			continue
		}
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
