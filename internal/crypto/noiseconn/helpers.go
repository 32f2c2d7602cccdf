package noiseconn

import (
	"encoding/binary"
	"fmt"
	"io"
)

// writeHandshakeMsg sends a length-prefixed handshake message.
func writeHandshakeMsg(w io.Writer, msg []byte) error {
	if len(msg) > maxFrameSize {
		return fmt.Errorf("handshake message too long")
	}
	buf := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(buf, uint16(len(msg)))
	copy(buf[2:], msg)
	_, err := w.Write(buf)
	return err
}

// readHandshakeMsg reads a single length-prefixed handshake message.
func readHandshakeMsg(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 {
		return nil, fmt.Errorf("invalid handshake message length")
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
