package gossip

import "errors"

var (
	ErrInvalidTopic      = errors.New("gossip: invalid topic")
	ErrInsufficientPeers = errors.New("gossip: no subscribed peers to publish to")
	ErrMessageTooLarge   = errors.New("gossip: message too large")
	ErrClosed            = errors.New("gossip: overlay closed")

	// validation failures of inbound messages
	ErrMissingSignature = errors.New("gossip: message is not signed")
	ErrInvalidSignature = errors.New("gossip: bad message signature")
	ErrAuthorMismatch   = errors.New("gossip: signing key does not match author")
	ErrDuplicate        = errors.New("gossip: duplicate message")
	ErrNotSubscribed    = errors.New("gossip: not subscribed to topic")
)
