package p2p

import (
	"p2ptest/internal/crypto/identity"
	"p2ptest/internal/gossip"
)

type EventType string

const (
	EventMessageReceived  EventType = "message_received"
	EventPeerConnected    EventType = "peer_connected"
	EventPeerDisconnected EventType = "peer_disconnected"
	EventPeerSubscribed   EventType = "peer_subscribed"
	EventPeerUnsubscribed EventType = "peer_unsubscribed"
	EventConnectionError  EventType = "connection_error"
	EventMessageDropped   EventType = "message_dropped"
	EventListenError      EventType = "listen_error"
)

// Event is what the node reports to its owner. Only the fields relevant
// to Type are set.
type Event struct {
	Type     EventType
	PeerID   identity.PeerID // direct peer
	PeerAddr string
	Topic    string

	// message fields
	MessageID gossip.MessageID
	Author    identity.PeerID // empty for anonymous messages
	Data      []byte

	Err error
}
