package p2p

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"p2ptest/internal/crypto/identity"
	"p2ptest/internal/crypto/pnet"
	"p2ptest/internal/gossip"
	"p2ptest/internal/telemetry"
	"p2ptest/internal/transport"
)

const testTopic = "p2ptest"

var sharedPSK = func() *pnet.PSK {
	k, err := pnet.GeneratePSK()
	if err != nil {
		panic(err)
	}
	return k
}()

type testNodeOptions struct {
	cfg     NodeConfig
	psk     *pnet.PSK
	muxers  []transport.MuxerID
	listen  string
	timeout time.Duration
}

type nodeTestOpt func(*testNodeOptions)

// WithPSK overrides the private network key (default is shared by all test nodes).
func WithPSK(k *pnet.PSK) nodeTestOpt {
	return func(o *testNodeOptions) { o.psk = k }
}

// WithMuxers sets the muxer preference order.
func WithMuxers(m ...transport.MuxerID) nodeTestOpt {
	return func(o *testNodeOptions) { o.muxers = m }
}

// WithListen overrides the listen address (default "/ip4/127.0.0.1/tcp/0").
func WithListen(addr string) nodeTestOpt {
	return func(o *testNodeOptions) { o.listen = addr }
}

func WithAuthenticity(a gossip.Authenticity) nodeTestOpt {
	return func(o *testNodeOptions) { o.cfg.Gossip.Authenticity = a }
}

// WithEventBuffer sizes the events channel; a full one stalls the node's readers.
func WithEventBuffer(size int) nodeTestOpt {
	return func(o *testNodeOptions) { o.cfg.EventBuffer = size }
}

func WithLogger(l telemetry.Logger) nodeTestOpt {
	return func(o *testNodeOptions) { o.cfg.Logger = l }
}

// WithDebug toggles debug mode.
func WithDebug(debug bool) nodeTestOpt {
	return func(o *testNodeOptions) { o.cfg.Debug = debug }
}

// newTestNode spins up a node bound to an ephemeral localhost port and auto-closes it.
func newTestNode(t *testing.T, name string, opts ...nodeTestOpt) *Node {
	t.Helper()

	o := testNodeOptions{
		cfg: NodeConfig{
			Name:   name,
			Logger: telemetry.Nop(),
			Debug:  true,
		},
		psk:    sharedPSK,
		listen: "/ip4/127.0.0.1/tcp/0",
	}
	for _, opt := range opts {
		opt(&o)
	}

	kp, err := identity.Generate()
	require.NoError(t, err)
	desc, err := transport.NewDescriptor(o.psk, kp, o.muxers, o.timeout)
	require.NoError(t, err)
	up, err := transport.NewUpgrader(desc, telemetry.Nop())
	require.NoError(t, err)
	o.cfg.Upgrader = up

	n, err := NewNode(o.cfg)
	require.NoErrorf(t, err, "NewNode(%s)", name)

	addr, err := ma.NewMultiaddr(o.listen)
	require.NoError(t, err)
	_, err = n.Listen(context.Background(), addr)
	require.NoErrorf(t, err, "Listen(%s)", name)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = n.Close(ctx)
	})
	return n
}

// dialAddr is the node's first listen address with its /p2p/ id appended.
func dialAddr(t *testing.T, n *Node) ma.Multiaddr {
	t.Helper()
	addrs := n.ListenAddrs()
	require.NotEmpty(t, addrs)
	suffix, err := ma.NewMultiaddr("/p2p/" + n.ID().String())
	require.NoError(t, err)
	return addrs[0].Encapsulate(suffix)
}

func connect(t *testing.T, from, to *Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := from.Dial(ctx, dialAddr(t, to))
	require.NoErrorf(t, err, "%s.Dial(%s)", from.Name(), to.Name())
	require.Equal(t, to.ID(), id)
}

func waitPeers(t *testing.T, n *Node, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n.PeerCount() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for peers: node=%s have=%d want=%d", n.Name(), n.PeerCount(), want)
}

// waitTopicPeers waits until n knows want peers subscribed to topic.
func waitTopicPeers(t *testing.T, n *Node, topic string, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(n.PeersOf(topic)) >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q subscribers: node=%s have=%d want=%d", topic, n.Name(), len(n.PeersOf(topic)), want)
}

// connectTriangle connects b->a, c->b, a->c and waits for each to have 2 peers.
func connectTriangle(t *testing.T, a, b, c *Node) {
	t.Helper()
	connect(t, b, a)
	connect(t, c, b)
	connect(t, a, c)

	waitPeers(t, a, 2, 3*time.Second)
	waitPeers(t, b, 2, 3*time.Second)
	waitPeers(t, c, 2, 3*time.Second)
}

// eventLog keeps every event a node emits so the node never blocks on a
// full events channel during a test.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func collectEvents(t *testing.T, n *Node) *eventLog {
	t.Helper()
	l := &eventLog{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			e, err := n.Next(ctx)
			if err != nil {
				return
			}
			l.mu.Lock()
			l.events = append(l.events, e)
			l.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func (l *eventLog) count(match func(Event) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := 0
	for _, e := range l.events {
		if match(e) {
			c++
		}
	}
	return c
}

func (l *eventLog) waitFor(t *testing.T, match func(Event) bool, timeout time.Duration) Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		for _, e := range l.events {
			if match(e) {
				l.mu.Unlock()
				return e
			}
		}
		l.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for event")
	return Event{}
}

// logRecorder keeps every formatted line.
type logRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *logRecorder) add(format string, args ...any) {
	r.mu.Lock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *logRecorder) Debugf(format string, args ...any) { r.add(format, args...) }
func (r *logRecorder) Infof(format string, args ...any)  { r.add(format, args...) }
func (r *logRecorder) Warnf(format string, args ...any)  { r.add(format, args...) }
func (r *logRecorder) Errorf(format string, args ...any) { r.add(format, args...) }

func (r *logRecorder) has(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// keptOutbound reports the direction of n's current connection to id.
func keptOutbound(n *Node, id identity.PeerID) (outbound, ok bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.peers[id]
	if !ok {
		return false, false
	}
	return p.outbound, true
}

func ofType(typ EventType) func(Event) bool {
	return func(e Event) bool { return e.Type == typ }
}

func receivedData(data string) func(Event) bool {
	return func(e Event) bool {
		return e.Type == EventMessageReceived && string(e.Data) == data
	}
}
