package gossip

import (
	"encoding/json"
	"fmt"

	"p2ptest/internal/crypto/identity"
	"p2ptest/internal/proto"
)

const signPrefix = "p2ptest-gossip:"

func signingBytes(m *proto.Message) []byte {
	body, _ := json.Marshal(proto.SigningFields{
		From:  m.From,
		Data:  m.Data,
		Seqno: m.Seqno,
		Topic: m.Topic,
	})
	return append([]byte(signPrefix), body...)
}

func sign(kp *identity.Keypair, m *proto.Message) {
	m.Key = append([]byte(nil), kp.Pub...)
	m.Signature = kp.Sign(signingBytes(m))
}

// verify checks that m was signed by the key of its declared author.
func verify(m *proto.Message) error {
	if len(m.Signature) == 0 || len(m.Key) == 0 {
		return ErrMissingSignature
	}
	author, err := identity.PeerIDFromPublicKey(m.Key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthorMismatch, err)
	}
	if author.String() != m.From {
		return fmt.Errorf("%w: key is %s, from is %s", ErrAuthorMismatch, author.ShortString(), identity.PeerID(m.From).ShortString())
	}
	if !identity.Verify(m.Key, signingBytes(m), m.Signature) {
		return ErrInvalidSignature
	}
	return nil
}
