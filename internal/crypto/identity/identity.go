// Package identity holds a node's long-term signing keypair and the peer
// identifier derived from it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	mh "github.com/multiformats/go-multihash"
)

var (
	ErrInvalidPublicKey = errors.New("identity: invalid public key")
	ErrInvalidPeerID    = errors.New("identity: invalid peer id")
)

// PeerID is the base58 encoding of the sha2-256 multihash of an ed25519
// public key.
type PeerID string

func (id PeerID) String() string { return string(id) }

// ShortString returns the last six characters, the way peers are usually
// told apart in logs.
func (id PeerID) ShortString() string {
	s := string(id)
	if len(s) <= 6 {
		return s
	}
	return "*" + s[len(s)-6:]
}

// Keypair is generated once per process and never written to disk.
type Keypair struct {
	Priv ed25519.PrivateKey
	Pub  ed25519.PublicKey
	ID   PeerID
}

// Generate creates a fresh ed25519 keypair and derives its PeerID.
func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	id, err := PeerIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Keypair{Priv: priv, Pub: pub, ID: id}, nil
}

// Sign signs msg with the private key.
func (k *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Priv, msg)
}

// PeerIDFromPublicKey derives the canonical PeerID for pub.
func PeerIDFromPublicKey(pub []byte) (PeerID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(pub))
	}
	h, err := mh.Sum(pub, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return PeerID(h.B58String()), nil
}

// DecodePeerID parses s and checks that it is a sha2-256 multihash.
func DecodePeerID(s string) (PeerID, error) {
	h, err := mh.FromB58String(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	dec, err := mh.Decode(h)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	if dec.Code != mh.SHA2_256 {
		return "", fmt.Errorf("%w: unexpected hash code %#x", ErrInvalidPeerID, dec.Code)
	}
	return PeerID(s), nil
}

// Verify reports whether sig is a valid signature of msg by pub.
func Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// MatchesKey reports whether id was derived from pub.
func (id PeerID) MatchesKey(pub []byte) bool {
	want, err := PeerIDFromPublicKey(pub)
	return err == nil && want == id
}
