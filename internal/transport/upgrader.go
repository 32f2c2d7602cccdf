// Package transport turns a raw byte stream into an authenticated,
// encrypted, multiplexed connection. Stages run in a fixed order under a
// single deadline: private network, Noise security, stream muxer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"time"

	"github.com/multiformats/go-multistream"

	"p2ptest/internal/crypto/identity"
	"p2ptest/internal/crypto/noiseconn"
	"p2ptest/internal/crypto/pnet"
	"p2ptest/internal/telemetry"
)

const DefaultHandshakeTimeout = 20 * time.Second

var (
	ErrHandshakeTimeout = errors.New("transport: handshake timed out")
	ErrMuxerNegotiation = errors.New("transport: no common stream muxer")
)

// Stage identifies where an upgrade failed.
type Stage string

const (
	StagePnet     Stage = "pnet"
	StageSecurity Stage = "security"
	StageMuxer    Stage = "muxer"
)

// UpgradeError is a connection-scoped upgrade failure.
type UpgradeError struct {
	Stage Stage
	Err   error
}

func (e *UpgradeError) Error() string {
	return fmt.Sprintf("upgrade %s: %v", e.Stage, e.Err)
}

func (e *UpgradeError) Unwrap() error { return e.Err }

// Descriptor fixes how every connection of this process is upgraded.
type Descriptor struct {
	PSK      *pnet.PSK
	Keypair  *identity.Keypair
	Security string
	Muxers   []MuxerID
	Timeout  time.Duration
}

// NewDescriptor validates the inputs and fills in defaults.
func NewDescriptor(psk *pnet.PSK, kp *identity.Keypair, muxers []MuxerID, timeout time.Duration) (Descriptor, error) {
	if psk == nil {
		return Descriptor{}, errors.New("transport: missing pre-shared key")
	}
	if kp == nil {
		return Descriptor{}, errors.New("transport: missing keypair")
	}
	if len(muxers) == 0 {
		muxers = DefaultMuxers
	}
	for _, m := range muxers {
		if !m.Valid() {
			return Descriptor{}, fmt.Errorf("transport: unknown muxer %q", m)
		}
	}
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	return Descriptor{
		PSK:      psk,
		Keypair:  kp,
		Security: noiseconn.ProtocolID,
		Muxers:   slices.Clone(muxers),
		Timeout:  timeout,
	}, nil
}

// Conn is a fully upgraded connection.
type Conn struct {
	MuxedConn

	Muxer      MuxerID
	RemotePeer identity.PeerID
	RemoteKey  []byte
	Outbound   bool

	local  net.Addr
	remote net.Addr
}

func (c *Conn) LocalAddr() net.Addr  { return c.local }
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

type Upgrader struct {
	desc  Descriptor
	noise *noiseconn.Transport
	log   telemetry.Logger
}

func NewUpgrader(desc Descriptor, log telemetry.Logger) (*Upgrader, error) {
	if desc.PSK == nil || desc.Keypair == nil || len(desc.Muxers) == 0 || desc.Timeout <= 0 {
		return nil, errors.New("transport: descriptor not initialised, use NewDescriptor")
	}
	nt, err := noiseconn.New(desc.Keypair)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = telemetry.NewLogger("transport")
	}
	return &Upgrader{desc: desc, noise: nt, log: log}, nil
}

func (u *Upgrader) Descriptor() Descriptor { return u.desc }

// UpgradeOutbound upgrades a dialed connection. A non-empty expected peer
// must match the identity proven during the Noise stage.
func (u *Upgrader) UpgradeOutbound(ctx context.Context, raw net.Conn, expected identity.PeerID) (*Conn, error) {
	return u.upgrade(ctx, raw, true, expected)
}

// UpgradeInbound upgrades an accepted connection.
func (u *Upgrader) UpgradeInbound(ctx context.Context, raw net.Conn) (*Conn, error) {
	return u.upgrade(ctx, raw, false, "")
}

func (u *Upgrader) upgrade(ctx context.Context, raw net.Conn, initiator bool, expected identity.PeerID) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, u.desc.Timeout)
	defer cancel()

	deadline, _ := ctx.Deadline()
	_ = raw.SetDeadline(deadline)
	// unblock any pending read as soon as the caller gives up
	stop := context.AfterFunc(ctx, func() { _ = raw.SetDeadline(time.Now()) })
	defer stop()

	pc, err := pnet.Handshake(raw, u.desc.PSK)
	if err != nil {
		return nil, u.fail(ctx, raw, StagePnet, err)
	}
	telemetry.ObserveHandshake(string(StagePnet), nil)

	if err := negotiate(pc, initiator, []string{u.desc.Security}); err != nil {
		return nil, u.fail(ctx, raw, StageSecurity, err)
	}
	var res *noiseconn.HandshakeResult
	if initiator {
		res, err = u.noise.NewSecureClient(pc, expected)
	} else {
		res, err = u.noise.NewSecureServer(pc)
	}
	if err != nil {
		return nil, u.fail(ctx, raw, StageSecurity, err)
	}
	telemetry.ObserveHandshake(string(StageSecurity), nil)

	muxer, err := u.selectMuxer(res.Conn, initiator)
	if err != nil {
		return nil, u.fail(ctx, raw, StageMuxer, err)
	}
	if !stop() {
		return nil, u.fail(ctx, raw, StageMuxer, ctx.Err())
	}
	_ = raw.SetDeadline(time.Time{})

	mc, err := newMuxedConn(muxer, res.Conn, initiator)
	if err != nil {
		return nil, u.fail(ctx, raw, StageMuxer, err)
	}
	telemetry.ObserveHandshake(string(StageMuxer), nil)
	u.log.Debugf("upgraded %s peer=%s muxer=%s outbound=%t", raw.RemoteAddr(), res.RemotePeer.ShortString(), muxer, initiator)

	return &Conn{
		MuxedConn:  mc,
		Muxer:      muxer,
		RemotePeer: res.RemotePeer,
		RemoteKey:  res.RemoteKey,
		Outbound:   initiator,
		local:      raw.LocalAddr(),
		remote:     raw.RemoteAddr(),
	}, nil
}

func (u *Upgrader) selectMuxer(c net.Conn, initiator bool) (MuxerID, error) {
	if initiator {
		m, err := multistream.SelectOneOf(u.desc.Muxers, c)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrMuxerNegotiation, err)
		}
		return m, nil
	}
	mux := multistream.NewMultistreamMuxer[MuxerID]()
	for _, m := range u.desc.Muxers {
		mux.AddHandler(m, nil)
	}
	m, _, err := mux.Negotiate(c)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMuxerNegotiation, err)
	}
	return m, nil
}

// negotiate runs multistream-select for a single-stage protocol choice.
func negotiate(c net.Conn, initiator bool, protos []string) error {
	if initiator {
		_, err := multistream.SelectOneOf(protos, c)
		return err
	}
	mux := multistream.NewMultistreamMuxer[string]()
	for _, p := range protos {
		mux.AddHandler(p, nil)
	}
	_, _, err := mux.Negotiate(c)
	return err
}

func (u *Upgrader) fail(ctx context.Context, raw net.Conn, stage Stage, err error) error {
	_ = raw.Close()

	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded), ctxErr == nil && isTimeout(err):
		err = fmt.Errorf("%w after %s: %v", ErrHandshakeTimeout, u.desc.Timeout, err)
	case ctxErr != nil:
		err = ctxErr
	}
	telemetry.ObserveHandshake(string(stage), err)
	u.log.Debugf("upgrade %s failed at %s: %v", raw.RemoteAddr(), stage, err)
	return &UpgradeError{Stage: stage, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
