// Package pnet gates connections on a pre-shared key.
//
// A PSK enables private networking: peers can only establish connections to
// other peers that are using the same PSK. The handshake in this package runs
// on the raw byte stream before any other protocol, so a peer without the key
// never sees a single byte of the layers above.
package pnet

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// KeySize is the only accepted PSK length.
const KeySize = 32

const (
	v1Header     = "/key/swarm/psk/1.0.0/"
	base16Header = "/base16/"
	base64Header = "/base64/"
)

var (
	ErrInvalidKeyLength = errors.New("pnet: pre-shared key must be 32 bytes")
	ErrBadKeyFile       = errors.New("pnet: malformed swarm key")
)

// PSK is the network-wide secret. Values are immutable once loaded; pass
// them around by pointer.
type PSK [KeySize]byte

// LoadPSK copies b into a PSK.
func LoadPSK(b []byte) (*PSK, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKeyLength, len(b))
	}
	var k PSK
	copy(k[:], b)
	return &k, nil
}

// ParseHex loads a PSK from 64 hex characters.
func ParseHex(s string) (*PSK, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyFile, err)
	}
	return LoadPSK(b)
}

// GeneratePSK returns a random key, for the keygen command.
func GeneratePSK() (*PSK, error) {
	var k PSK
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return nil, err
	}
	return &k, nil
}

// Fingerprint is safe to log; it identifies a key without revealing it.
func (k *PSK) Fingerprint() string {
	sum := blake2b.Sum256(append([]byte("p2ptest/pnet/fingerprint"), k[:]...))
	return hex.EncodeToString(sum[:8])
}

// DecodeV1PSK reads a swarm key in the go-ipfs file format:
//
//	/key/swarm/psk/1.0.0/
//	/base16/
//	<64 hex characters>
//
// /base64/ encoding is accepted as well.
func DecodeV1PSK(r io.Reader) (*PSK, error) {
	sc := bufio.NewScanner(r)
	var lines []string
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(lines) < 3 || lines[0] != v1Header {
		return nil, fmt.Errorf("%w: missing %s header", ErrBadKeyFile, v1Header)
	}

	var (
		raw []byte
		err error
	)
	switch lines[1] {
	case base16Header:
		raw, err = hex.DecodeString(lines[2])
	case base64Header:
		raw, err = base64.StdEncoding.DecodeString(lines[2])
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrBadKeyFile, lines[1])
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyFile, err)
	}
	return LoadPSK(raw)
}

// EncodeV1PSK is the inverse of DecodeV1PSK, using base16.
func EncodeV1PSK(k *PSK) []byte {
	var buf bytes.Buffer
	buf.WriteString(v1Header + "\n")
	buf.WriteString(base16Header + "\n")
	buf.WriteString(hex.EncodeToString(k[:]) + "\n")
	return buf.Bytes()
}
