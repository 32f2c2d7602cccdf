package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	mplex "github.com/libp2p/go-mplex"
	yamux "github.com/libp2p/go-yamux/v4"
)

// MuxerID names a stream multiplexer on the wire.
type MuxerID string

const (
	Yamux MuxerID = "/yamux/1.0.0"
	Mplex MuxerID = "/mplex/6.7.0"
)

// DefaultMuxers is the preference order used when none is configured.
var DefaultMuxers = []MuxerID{Yamux, Mplex}

func (m MuxerID) Valid() bool {
	return m == Yamux || m == Mplex
}

// ParseMuxer accepts the wire id or the short names "yamux" and "mplex".
func ParseMuxer(s string) (MuxerID, error) {
	switch s {
	case "yamux", string(Yamux):
		return Yamux, nil
	case "mplex", string(Mplex):
		return Mplex, nil
	}
	return "", fmt.Errorf("transport: unknown muxer %q", s)
}

// MuxedStream is one logical stream over an upgraded connection.
type MuxedStream interface {
	io.ReadWriteCloser
	// CloseWrite sends EOF to the remote and keeps the read side open.
	CloseWrite() error
	Reset() error
	SetDeadline(t time.Time) error
}

// MuxedConn opens and accepts streams over one secured connection.
type MuxedConn interface {
	OpenStream(ctx context.Context) (MuxedStream, error)
	AcceptStream() (MuxedStream, error)
	Close() error
	IsClosed() bool
}

func newMuxedConn(id MuxerID, c net.Conn, initiator bool) (MuxedConn, error) {
	switch id {
	case Yamux:
		cfg := yamux.DefaultConfig()
		cfg.LogOutput = io.Discard
		var (
			s   *yamux.Session
			err error
		)
		if initiator {
			s, err = yamux.Client(c, cfg, nil)
		} else {
			s, err = yamux.Server(c, cfg, nil)
		}
		if err != nil {
			return nil, err
		}
		return &yamuxConn{s: s}, nil
	case Mplex:
		m, err := mplex.NewMultiplex(c, initiator, noMemoryLimit{})
		if err != nil {
			return nil, err
		}
		return &mplexConn{m: m}, nil
	}
	return nil, fmt.Errorf("transport: unknown muxer %q", id)
}

type yamuxConn struct{ s *yamux.Session }

func (c *yamuxConn) OpenStream(ctx context.Context) (MuxedStream, error) {
	st, err := c.s.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (c *yamuxConn) AcceptStream() (MuxedStream, error) {
	st, err := c.s.AcceptStream()
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (c *yamuxConn) Close() error   { return c.s.Close() }
func (c *yamuxConn) IsClosed() bool { return c.s.IsClosed() }

type mplexConn struct{ m *mplex.Multiplex }

func (c *mplexConn) OpenStream(ctx context.Context) (MuxedStream, error) {
	st, err := c.m.NewStream(ctx)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (c *mplexConn) AcceptStream() (MuxedStream, error) {
	st, err := c.m.Accept()
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (c *mplexConn) Close() error   { return c.m.Close() }
func (c *mplexConn) IsClosed() bool { return c.m.IsClosed() }

// noMemoryLimit satisfies mplex.MemoryManager without accounting.
type noMemoryLimit struct{}

func (noMemoryLimit) ReserveMemory(int, uint8) error { return nil }
func (noMemoryLimit) ReleaseMemory(int)              {}
