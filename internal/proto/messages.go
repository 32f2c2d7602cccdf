package proto

// GossipProtocolID is negotiated on every gossip stream.
const GossipProtocolID = "/p2ptest/gossip/1.0.0"

// RPC is one frame on a gossip stream. A frame may carry subscription
// changes, messages, or both.
type RPC struct {
	Subscriptions []SubOpts `json:"subscriptions,omitempty"`
	Messages      []Message `json:"messages,omitempty"`
}

// SubOpts announces that the sender joined or left a topic.
type SubOpts struct {
	Subscribe bool   `json:"subscribe"`
	Topic     string `json:"topic"`
}

// Message is a published gossip message as it travels between peers.
// Signature and Key are empty in anonymous mode.
type Message struct {
	From      string `json:"from,omitempty"`
	Data      []byte `json:"data"`
	Seqno     uint64 `json:"seqno,omitempty"`
	Topic     string `json:"topic"`
	Signature []byte `json:"signature,omitempty"`
	Key       []byte `json:"key,omitempty"`
}

// SigningFields is the part of a Message covered by its signature.
type SigningFields struct {
	From  string `json:"from"`
	Data  []byte `json:"data"`
	Seqno uint64 `json:"seqno"`
	Topic string `json:"topic"`
}

const (
	PostKindPost   = "post"
	PostKindRename = "rename"
)

// Post is the application payload carried in Message.Data.
type Post struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	Text string `json:"text,omitempty"`
	Time int64  `json:"time"`
}
