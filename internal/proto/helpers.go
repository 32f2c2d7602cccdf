package proto

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// MaxFrameSize bounds a single RPC frame on the wire.
const MaxFrameSize = 1 << 20

var ErrFrameTooLarge = errors.New("proto: frame too large")

func MustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// WriteFrame writes v as JSON behind a uvarint length prefix, in one write.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	buf := make([]byte, 0, varint.UvarintSize(uint64(len(body)))+len(body))
	buf = append(buf, varint.ToUvarint(uint64(len(body)))...)
	buf = append(buf, body...)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame written by WriteFrame into v.
func ReadFrame(r *bufio.Reader, v any) error {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return err
	}
	if n > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	return json.Unmarshal(body, v)
}
