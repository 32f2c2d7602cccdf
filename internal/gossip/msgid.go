package gossip

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"p2ptest/internal/proto"
)

// MessageID identifies a message for duplicate suppression.
type MessageID string

// ComputeID derives the id from author, seqno and payload. Receivers
// recompute it rather than trusting anything on the wire.
func ComputeID(m *proto.Message) MessageID {
	h := sha256.New()
	h.Write([]byte(m.From))
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], m.Seqno)
	h.Write(seq[:])
	h.Write(m.Data)
	return MessageID(hex.EncodeToString(h.Sum(nil)))
}
