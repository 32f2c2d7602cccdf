// Package noiseconn secures a byte stream with a Noise XX handshake whose
// static key is vouched for by the node's ed25519 identity.
package noiseconn

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/flynn/noise"

	"p2ptest/internal/crypto/identity"
	"p2ptest/internal/proto"
)

// ProtocolID is the multistream name of this security protocol.
const ProtocolID = "/noise"

const (
	payloadSigPrefix = "noise-libp2p-static-key:"

	maxFrameSize     = 65535
	maxPlaintextSize = maxFrameSize - 16 // poly1305 tag
)

var (
	ErrBadIdentity     = errors.New("noise: invalid identity payload")
	ErrPeerIDMismatch  = errors.New("noise: remote peer id mismatch")
	ErrInvalidFrameLen = errors.New("noise: invalid frame length")
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Transport holds the per-process static key and the identity that signs it.
type Transport struct {
	id      *identity.Keypair
	static  noise.DHKey
	payload []byte
}

// New generates a static X25519 key and signs it with id.
func New(id *identity.Keypair) (*Transport, error) {
	static, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("noise: generate static key: %w", err)
	}
	payload, err := json.Marshal(proto.NoiseIdentityPayload{
		IdentityKey: id.Pub,
		IdentitySig: id.Sign(append([]byte(payloadSigPrefix), static.Public...)),
	})
	if err != nil {
		return nil, err
	}
	return &Transport{id: id, static: static, payload: payload}, nil
}

// HandshakeResult is a secured connection plus the authenticated remote.
type HandshakeResult struct {
	Conn       *SecureConn
	RemotePeer identity.PeerID
	RemoteKey  []byte
}

// SecureConn wraps an underlying stream with Noise cipher states.
type SecureConn struct {
	net.Conn

	rmu     sync.Mutex
	readCS  *noise.CipherState
	pending []byte

	wmu     sync.Mutex
	writeCS *noise.CipherState
}

// Read returns decrypted bytes, buffering the rest of a frame for later calls.
func (c *SecureConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if len(c.pending) == 0 {
		var lenBuf [2]byte
		if _, err := io.ReadFull(c.Conn, lenBuf[:]); err != nil {
			return 0, err
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		if n == 0 {
			return 0, ErrInvalidFrameLen
		}
		ct := make([]byte, n)
		if _, err := io.ReadFull(c.Conn, ct); err != nil {
			return 0, err
		}
		pt, err := c.readCS.Decrypt(nil, nil, ct)
		if err != nil {
			return 0, err
		}
		c.pending = pt
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write encrypts p in frames of at most maxPlaintextSize bytes.
func (c *SecureConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	written := 0
	for written < len(p) {
		end := written + maxPlaintextSize
		if end > len(p) {
			end = len(p)
		}
		ct, err := c.writeCS.Encrypt(nil, nil, p[written:end])
		if err != nil {
			return written, err
		}
		frame := make([]byte, 2+len(ct))
		binary.BigEndian.PutUint16(frame, uint16(len(ct)))
		copy(frame[2:], ct)
		if _, err := c.Conn.Write(frame); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func (t *Transport) newHandshake(initiator bool) (*noise.HandshakeState, error) {
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: t.static,
	})
}

// NewSecureClient runs a Noise_XX handshake as initiator. If expected is not
// empty the responder must authenticate as that peer.
func (t *Transport) NewSecureClient(underlying net.Conn, expected identity.PeerID) (*HandshakeResult, error) {
	hs, err := t.newHandshake(true)
	if err != nil {
		return nil, err
	}

	// -> e
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(underlying, msg); err != nil {
		return nil, err
	}

	// <- e, ee, s, es
	in, err := readHandshakeMsg(underlying)
	if err != nil {
		return nil, err
	}
	remotePayload, _, _, err := hs.ReadMessage(nil, in)
	if err != nil {
		return nil, err
	}
	remote, remoteKey, err := verifyPayload(remotePayload, hs.PeerStatic())
	if err != nil {
		return nil, err
	}
	if expected != "" && remote != expected {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrPeerIDMismatch, expected, remote)
	}

	// -> s, se
	msg, cs1, cs2, err := hs.WriteMessage(nil, t.payload)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(underlying, msg); err != nil {
		return nil, err
	}

	// cs1 carries initiator -> responder traffic
	return &HandshakeResult{
		Conn:       &SecureConn{Conn: underlying, readCS: cs2, writeCS: cs1},
		RemotePeer: remote,
		RemoteKey:  remoteKey,
	}, nil
}

// NewSecureServer runs a Noise_XX handshake as responder.
func (t *Transport) NewSecureServer(underlying net.Conn) (*HandshakeResult, error) {
	hs, err := t.newHandshake(false)
	if err != nil {
		return nil, err
	}

	// <- e
	in, err := readHandshakeMsg(underlying)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, in); err != nil {
		return nil, err
	}

	// -> e, ee, s, es
	msg, _, _, err := hs.WriteMessage(nil, t.payload)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(underlying, msg); err != nil {
		return nil, err
	}

	// <- s, se
	in, err = readHandshakeMsg(underlying)
	if err != nil {
		return nil, err
	}
	remotePayload, cs1, cs2, err := hs.ReadMessage(nil, in)
	if err != nil {
		return nil, err
	}
	remote, remoteKey, err := verifyPayload(remotePayload, hs.PeerStatic())
	if err != nil {
		return nil, err
	}

	return &HandshakeResult{
		Conn:       &SecureConn{Conn: underlying, readCS: cs1, writeCS: cs2},
		RemotePeer: remote,
		RemoteKey:  remoteKey,
	}, nil
}

func verifyPayload(raw, remoteStatic []byte) (identity.PeerID, []byte, error) {
	var p proto.NoiseIdentityPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBadIdentity, err)
	}
	signed := append([]byte(payloadSigPrefix), remoteStatic...)
	if !identity.Verify(p.IdentityKey, signed, p.IdentitySig) {
		return "", nil, fmt.Errorf("%w: static key signature", ErrBadIdentity)
	}
	id, err := identity.PeerIDFromPublicKey(p.IdentityKey)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBadIdentity, err)
	}
	return id, p.IdentityKey, nil
}
