package p2ptestnode

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"p2ptest/internal/bridge"
	"p2ptest/internal/crypto/identity"
	"p2ptest/internal/gossip"
	"p2ptest/internal/p2p"
	"p2ptest/internal/proto"
	"p2ptest/internal/telemetry"
)

func testConfig(name string) *Config {
	cfg := Default(ModeBridged)
	cfg.Name = name
	cfg.Listen = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.Bootstrap = []string{}
	cfg.DrainTimeout = time.Second
	return cfg
}

type testApp struct {
	*App
	br     *bridge.Bridge
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	mu     sync.Mutex
	states []State
}

func (ta *testApp) visited() []State {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	return append([]State(nil), ta.states...)
}

func (ta *testApp) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-ta.done:
		return ta.err
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

// startApp builds, starts and runs an app; cleanup cancels it and waits.
func startApp(t *testing.T, cfg *Config) *testApp {
	t.Helper()

	ta := &testApp{br: bridge.New(), done: make(chan struct{})}
	app, err := New(cfg, Options{
		Bridge: ta.br,
		Logger: telemetry.Nop(),
		OnState: func(s State) {
			ta.mu.Lock()
			ta.states = append(ta.states, s)
			ta.mu.Unlock()
		},
	})
	require.NoError(t, err)
	ta.App = app

	ctx, cancel := context.WithCancel(context.Background())
	ta.cancel = cancel
	require.NoError(t, app.Start(ctx))

	go func() {
		ta.err = app.Run(ctx)
		close(ta.done)
	}()
	t.Cleanup(func() {
		cancel()
		<-ta.done
	})
	return ta
}

func dialAddr(t *testing.T, a *App) ma.Multiaddr {
	t.Helper()
	addrs := a.Node().ListenAddrs()
	require.NotEmpty(t, addrs)
	p2pPart, err := ma.NewMultiaddr("/p2p/" + a.LocalID().String())
	require.NoError(t, err)
	return addrs[0].Encapsulate(p2pPart)
}

// link dials b from a and waits until both see each other on the topic.
func link(t *testing.T, a, b *testApp) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.Node().Dial(ctx, dialAddr(t, b.App))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return contains(a.Node().PeersOf(DefaultTopic), b.LocalID()) &&
			contains(b.Node().PeersOf(DefaultTopic), a.LocalID())
	}, 5*time.Second, 10*time.Millisecond)
}

func contains(ids []identity.PeerID, id identity.PeerID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// nextFeedback returns the first feedback of kind, skipping others.
func nextFeedback(t *testing.T, br *bridge.Bridge, kind bridge.FeedbackKind) bridge.Feedback {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-br.Feedback():
			require.True(t, ok, "feedback closed while waiting")
			if f.Kind == kind {
				return f
			}
		case <-timeout:
			t.Fatalf("no feedback of kind %d", kind)
		}
	}
}

func TestPublishReachesPeer(t *testing.T) {
	a := startApp(t, testConfig("alice"))
	b := startApp(t, testConfig("bob"))
	link(t, a, b)

	require.True(t, a.br.Send(bridge.Publish("hello")))

	f := nextFeedback(t, b.br, bridge.FeedbackMessageReceived)
	require.Equal(t, a.LocalID(), f.Peer)
	require.Equal(t, DefaultTopic, f.Topic)
	require.NotNil(t, f.Post)
	require.Equal(t, proto.PostKindPost, f.Post.Kind)
	require.Equal(t, "alice", f.Post.Name)
	require.Equal(t, "hello", f.Post.Text)

	// exactly once
	select {
	case f := <-b.br.Feedback():
		require.NotEqual(t, bridge.FeedbackMessageReceived, f.Kind, "duplicate delivery")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestExitWhilePublishingStopsCleanly(t *testing.T) {
	a := startApp(t, testConfig("alice"))
	b := startApp(t, testConfig("bob"))
	link(t, a, b)

	const burst = 50
	for i := 0; i < burst; i++ {
		a.br.Send(bridge.Publish("burst"))
	}
	a.br.Send(bridge.Exit())

	require.NoError(t, a.wait(t))
	require.Equal(t, []State{StateRunning, StateTerminating, StateStopped}, a.visited())
	require.Equal(t, StateStopped, a.State())

	drainErr := false
	for f := range a.br.Feedback() {
		if f.Kind == bridge.FeedbackError && errors.Is(f.Err, p2p.ErrDrainIncomplete) {
			drainErr = true
		}
	}

	received := 0
	idle := time.NewTimer(2 * time.Second)
	defer idle.Stop()
collect:
	for received < burst {
		select {
		case f := <-b.br.Feedback():
			if f.Kind == bridge.FeedbackMessageReceived && f.Post != nil && f.Post.Text == "burst" {
				received++
				idle.Reset(2 * time.Second)
			}
		case <-idle.C:
			break collect
		}
	}
	// a clean stop means everything queued before Exit arrived; otherwise
	// the loss has to be reported
	if !drainErr {
		require.Equal(t, burst, received, "messages lost without a drain error")
	}
}

func TestPublishWithoutPeersReportsError(t *testing.T) {
	a := startApp(t, testConfig("alone"))

	a.br.Send(bridge.Publish("anyone?"))
	f := nextFeedback(t, a.br, bridge.FeedbackError)
	require.ErrorIs(t, f.Err, gossip.ErrInsufficientPeers)

	// the loop keeps running after a dispatch error
	a.br.Send(bridge.Exit())
	require.NoError(t, a.wait(t))
}

func TestRenameWithoutPeersReportsUnannounced(t *testing.T) {
	a := startApp(t, testConfig("alone"))

	a.br.Send(bridge.Rename("solo"))
	a.br.Send(bridge.Exit())
	require.NoError(t, a.wait(t))

	var got []bridge.Feedback
	for f := range a.br.Feedback() {
		got = append(got, f)
	}
	require.Len(t, got, 2)
	require.Equal(t, bridge.FeedbackRenamed, got[0].Kind)
	require.Equal(t, "solo", got[0].Name)
	require.Equal(t, bridge.FeedbackError, got[1].Kind)
	require.ErrorIs(t, got[1].Err, gossip.ErrInsufficientPeers)

	// the rename itself sticks
	require.Equal(t, "solo", a.LocalName())
}

func TestRenameIsAnnounced(t *testing.T) {
	a := startApp(t, testConfig("alice"))
	b := startApp(t, testConfig("bob"))
	link(t, a, b)

	a.br.Send(bridge.Rename("alicia"))
	require.Equal(t, "alicia", nextFeedback(t, a.br, bridge.FeedbackRenamed).Name)

	f := nextFeedback(t, b.br, bridge.FeedbackMessageReceived)
	require.NotNil(t, f.Post)
	require.Equal(t, proto.PostKindRename, f.Post.Kind)
	require.Equal(t, "alicia", f.Post.Name)
	require.Equal(t, a.LocalID(), f.Peer)

	a.br.Send(bridge.Publish("new name"))
	f = nextFeedback(t, b.br, bridge.FeedbackMessageReceived)
	require.Equal(t, "alicia", f.Post.Name)
}

func TestPeerJoinAndLeaveFeedback(t *testing.T) {
	a := startApp(t, testConfig("alice"))
	b := startApp(t, testConfig("bob"))
	link(t, a, b)

	require.Equal(t, b.LocalID(), nextFeedback(t, a.br, bridge.FeedbackPeerJoined).Peer)

	b.br.Send(bridge.Exit())
	require.NoError(t, b.wait(t))
	require.Equal(t, b.LocalID(), nextFeedback(t, a.br, bridge.FeedbackPeerLeft).Peer)
}

func TestContextCancelStops(t *testing.T) {
	a := startApp(t, testConfig("alice"))
	a.cancel()
	require.NoError(t, a.wait(t))
	require.Equal(t, StateStopped, a.State())

	_, ok := <-a.br.Feedback()
	require.False(t, ok, "feedback closed after stop")
}

func TestStandaloneWithoutBridge(t *testing.T) {
	cfg := testConfig("headless")
	cfg.Mode = ModeStandalone

	app, err := New(cfg, Options{Logger: telemetry.Nop()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, app.Start(ctx))

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestStartFailsWhenListenAddrTaken(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig("clash")
	cfg.Listen = []string{"/ip4/127.0.0.1/tcp/" + portOf(t, l)}
	app, err := New(cfg, Options{Logger: telemetry.Nop()})
	require.NoError(t, err)

	err = app.Start(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrStartup))
}

func TestExitStopsMetricsServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	cfg := testConfig("metered")
	cfg.MetricsAddr = addr
	a := startApp(t, cfg)

	c, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err, "metrics listener up while running")
	_ = c.Close()

	a.br.Send(bridge.Exit())
	require.NoError(t, a.wait(t))

	// the run context is still live here; only shutdown can have stopped it
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return true
		}
		_ = c.Close()
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("bad")
	cfg.PSK = "abcd"
	_, err := New(cfg, Options{Logger: telemetry.Nop()})
	require.ErrorIs(t, err, ErrStartup)
}

func portOf(t *testing.T, l net.Listener) string {
	t.Helper()
	_, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	return port
}
