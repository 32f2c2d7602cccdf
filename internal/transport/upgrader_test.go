package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"p2ptest/internal/crypto/identity"
	"p2ptest/internal/crypto/noiseconn"
	"p2ptest/internal/crypto/pnet"
	"p2ptest/internal/telemetry"
)

func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()
	client, err = net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

type upgraderOpt func(*Descriptor)

func withMuxers(m ...MuxerID) upgraderOpt {
	return func(d *Descriptor) { d.Muxers = m }
}

func withTimeout(d time.Duration) upgraderOpt {
	return func(desc *Descriptor) { desc.Timeout = d }
}

func newUpgrader(t *testing.T, psk *pnet.PSK, opts ...upgraderOpt) *Upgrader {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)
	desc, err := NewDescriptor(psk, kp, nil, 0)
	require.NoError(t, err)
	for _, o := range opts {
		o(&desc)
	}
	u, err := NewUpgrader(desc, telemetry.Nop())
	require.NoError(t, err)
	return u
}

func testPSK(t *testing.T) *pnet.PSK {
	t.Helper()
	k, err := pnet.GeneratePSK()
	require.NoError(t, err)
	return k
}

type result struct {
	conn *Conn
	err  error
}

func upgradePair(t *testing.T, dialer, listener *Upgrader, expected identity.PeerID) (out, in result) {
	t.Helper()
	c, s := tcpPair(t)
	ctx := context.Background()

	inCh := make(chan result, 1)
	go func() {
		conn, err := listener.UpgradeInbound(ctx, s)
		inCh <- result{conn, err}
	}()
	conn, err := dialer.UpgradeOutbound(ctx, c, expected)
	out = result{conn, err}

	select {
	case in = <-inCh:
	case <-time.After(10 * time.Second):
		t.Fatal("inbound upgrade never finished")
	}
	for _, r := range []result{out, in} {
		if r.conn != nil {
			conn := r.conn
			t.Cleanup(func() { _ = conn.Close() })
		}
	}
	return out, in
}

func TestUpgradeCarriesStreams(t *testing.T) {
	psk := testPSK(t)
	a := newUpgrader(t, psk)
	b := newUpgrader(t, psk)

	out, in := upgradePair(t, a, b, b.Descriptor().Keypair.ID)
	require.NoError(t, out.err)
	require.NoError(t, in.err)

	require.Equal(t, b.Descriptor().Keypair.ID, out.conn.RemotePeer)
	require.Equal(t, a.Descriptor().Keypair.ID, in.conn.RemotePeer)
	require.Equal(t, Yamux, out.conn.Muxer)
	require.True(t, out.conn.Outbound)
	require.False(t, in.conn.Outbound)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := out.conn.OpenStream(ctx)
	require.NoError(t, err)
	_, err = st.Write([]byte("over the stream"))
	require.NoError(t, err)

	acc, err := in.conn.AcceptStream()
	require.NoError(t, err)
	buf := make([]byte, len("over the stream"))
	_, err = io.ReadFull(acc, buf)
	require.NoError(t, err)
	require.Equal(t, "over the stream", string(buf))
}

func TestMuxerFollowsInitiatorPreference(t *testing.T) {
	cases := []struct {
		name     string
		dialer   []MuxerID
		listener []MuxerID
		want     MuxerID
	}{
		{"mplex first", []MuxerID{Mplex, Yamux}, []MuxerID{Yamux, Mplex}, Mplex},
		{"yamux first", []MuxerID{Yamux, Mplex}, []MuxerID{Mplex, Yamux}, Yamux},
		{"single overlap", []MuxerID{Yamux, Mplex}, []MuxerID{Mplex}, Mplex},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			psk := testPSK(t)
			a := newUpgrader(t, psk, withMuxers(tc.dialer...))
			b := newUpgrader(t, psk, withMuxers(tc.listener...))

			out, in := upgradePair(t, a, b, "")
			require.NoError(t, out.err)
			require.NoError(t, in.err)
			require.Equal(t, tc.want, out.conn.Muxer)
			require.Equal(t, tc.want, in.conn.Muxer)
		})
	}
}

func TestMplexStreams(t *testing.T) {
	psk := testPSK(t)
	a := newUpgrader(t, psk, withMuxers(Mplex))
	b := newUpgrader(t, psk, withMuxers(Mplex))

	out, in := upgradePair(t, a, b, "")
	require.NoError(t, out.err)
	require.NoError(t, in.err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := in.conn.OpenStream(ctx)
	require.NoError(t, err)
	_, err = st.Write([]byte("ping"))
	require.NoError(t, err)

	acc, err := out.conn.AcceptStream()
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(acc, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestNoCommonMuxer(t *testing.T) {
	psk := testPSK(t)
	a := newUpgrader(t, psk, withMuxers(Yamux))
	b := newUpgrader(t, psk, withMuxers(Mplex))

	out, in := upgradePair(t, a, b, "")
	require.ErrorIs(t, out.err, ErrMuxerNegotiation)
	require.Error(t, in.err)

	var ue *UpgradeError
	require.True(t, errors.As(out.err, &ue))
	require.Equal(t, StageMuxer, ue.Stage)
}

func TestPSKMismatchRejectsBothSides(t *testing.T) {
	a := newUpgrader(t, testPSK(t))
	b := newUpgrader(t, testPSK(t))

	out, in := upgradePair(t, a, b, "")
	require.ErrorIs(t, out.err, pnet.ErrPSKMismatch)
	require.ErrorIs(t, in.err, pnet.ErrPSKMismatch)

	var ue *UpgradeError
	require.True(t, errors.As(in.err, &ue))
	require.Equal(t, StagePnet, ue.Stage)
}

func TestUnexpectedPeerRejected(t *testing.T) {
	psk := testPSK(t)
	a := newUpgrader(t, psk)
	b := newUpgrader(t, psk)
	other, err := identity.Generate()
	require.NoError(t, err)

	out, in := upgradePair(t, a, b, other.ID)
	require.ErrorIs(t, out.err, noiseconn.ErrPeerIDMismatch)
	require.Error(t, in.err)

	var ue *UpgradeError
	require.True(t, errors.As(out.err, &ue))
	require.Equal(t, StageSecurity, ue.Stage)
}

func TestSilentPeerTimesOut(t *testing.T) {
	b := newUpgrader(t, testPSK(t), withTimeout(200*time.Millisecond))
	c, s := tcpPair(t)

	start := time.Now()
	_, err := b.UpgradeInbound(context.Background(), s)
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	require.Less(t, time.Since(start), 5*time.Second)

	// the listener side hung up on the silent dialer
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadAll(c)
	require.NoError(t, err)
}

func TestCallerCancelStopsUpgrade(t *testing.T) {
	b := newUpgrader(t, testPSK(t))
	_, s := tcpPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := b.UpgradeInbound(ctx, s)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewDescriptor(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	psk := testPSK(t)

	d, err := NewDescriptor(psk, kp, nil, 0)
	require.NoError(t, err)
	require.Equal(t, DefaultMuxers, d.Muxers)
	require.Equal(t, DefaultHandshakeTimeout, d.Timeout)
	require.Equal(t, noiseconn.ProtocolID, d.Security)

	_, err = NewDescriptor(nil, kp, nil, 0)
	require.Error(t, err)
	_, err = NewDescriptor(psk, kp, []MuxerID{"/spdy/3.1.0"}, 0)
	require.Error(t, err)
}

func TestParseMuxer(t *testing.T) {
	m, err := ParseMuxer("mplex")
	require.NoError(t, err)
	require.Equal(t, Mplex, m)
	m, err = ParseMuxer("/yamux/1.0.0")
	require.NoError(t, err)
	require.Equal(t, Yamux, m)
	_, err = ParseMuxer("quic")
	require.Error(t, err)
}
