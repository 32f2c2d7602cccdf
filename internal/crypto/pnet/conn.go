package pnet

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/davidlazar/go-crypto/salsa20"
	"golang.org/x/crypto/blake2b"
)

const (
	// NonceSize is the XSalsa20 nonce each side contributes.
	NonceSize = 24
	// ConfirmSize is the length of the key confirmation tag.
	ConfirmSize = blake2b.Size256

	confirmLabel = "p2ptest/pnet/confirm/1"
)

var (
	// ErrPSKMismatch means the remote proved possession of a different key.
	ErrPSKMismatch = errors.New("pnet: pre-shared key mismatch")
	// ErrWriteBroken is returned by every write after one that failed
	// part way, since the peer's keystream no longer lines up with ours.
	ErrWriteBroken = errors.New("pnet: write side broken by an earlier failed write")
)

// Handshake exchanges nonces and key confirmations over c and returns a
// connection that encrypts each direction with XSalsa20 keyed by psk.
// On any failure c is left open; the caller owns closing it.
func Handshake(c net.Conn, psk *PSK) (net.Conn, error) {
	if psk == nil {
		return nil, errors.New("pnet: nil pre-shared key")
	}

	local := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, local); err != nil {
		return nil, fmt.Errorf("pnet: nonce: %w", err)
	}
	if _, err := c.Write(local); err != nil {
		return nil, fmt.Errorf("pnet: write nonce: %w", err)
	}
	remote := make([]byte, NonceSize)
	if _, err := io.ReadFull(c, remote); err != nil {
		return nil, fmt.Errorf("pnet: read nonce: %w", err)
	}

	mine, err := confirmTag(psk, local, remote)
	if err != nil {
		return nil, err
	}
	if _, err := c.Write(mine); err != nil {
		return nil, fmt.Errorf("pnet: write confirmation: %w", err)
	}
	theirs := make([]byte, ConfirmSize)
	if _, err := io.ReadFull(c, theirs); err != nil {
		return nil, fmt.Errorf("pnet: read confirmation: %w", err)
	}
	want, err := confirmTag(psk, remote, local)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(theirs, want) != 1 {
		return nil, ErrPSKMismatch
	}

	key := (*[KeySize]byte)(psk)
	return &pskConn{
		Conn:   c,
		readS:  salsa20.New(key, remote),
		writeS: salsa20.New(key, local),
	}, nil
}

// confirmTag binds the key to both nonces in sender, receiver order.
func confirmTag(psk *PSK, sender, receiver []byte) ([]byte, error) {
	h, err := blake2b.New256(psk[:])
	if err != nil {
		return nil, err
	}
	h.Write([]byte(confirmLabel))
	h.Write(sender)
	h.Write(receiver)
	return h.Sum(nil), nil
}

type pskConn struct {
	net.Conn

	rmu   sync.Mutex
	readS cipher.Stream

	wmu    sync.Mutex
	writeS cipher.Stream
	werr   error
}

func (c *pskConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	n, err := c.Conn.Read(p)
	if n > 0 {
		c.readS.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

func (c *pskConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.werr != nil {
		return 0, c.werr
	}
	// callers keep their buffer, so encrypt into a copy
	out := make([]byte, len(p))
	c.writeS.XORKeyStream(out, p)

	// the keystream already covers all of p; anything left unsent breaks it
	written := 0
	for written < len(out) {
		n, err := c.Conn.Write(out[written:])
		written += n
		if err == nil && n == 0 {
			err = io.ErrShortWrite
		}
		if err != nil {
			c.werr = fmt.Errorf("%w: %v", ErrWriteBroken, err)
			return written, err
		}
	}
	return written, nil
}
