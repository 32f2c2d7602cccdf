// Package p2ptestnode wires configuration, the network node and a bridge
// into one event loop.
package p2ptestnode

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ma "github.com/multiformats/go-multiaddr"

	"p2ptest/internal/bootstrap"
	"p2ptest/internal/bridge"
	"p2ptest/internal/crypto/identity"
	"p2ptest/internal/netx"
	"p2ptest/internal/p2p"
	"p2ptest/internal/telemetry"
	"p2ptest/internal/transport"
)

// ErrStartup marks failures that must stop the process before the loop runs.
var ErrStartup = errors.New("startup failed")

type State int

const (
	StateRunning State = iota
	StateTerminating
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Options struct {
	// Bridge is optional. Without one, commands never arrive and feedback
	// is only logged.
	Bridge  *bridge.Bridge
	Network netx.Network
	Logger  telemetry.Logger

	// OnState is called on every state change, from the Run goroutine.
	OnState func(State)
}

type App struct {
	cfg  *Config
	opts Options
	log  telemetry.Logger
	node *p2p.Node

	listen []ma.Multiaddr
	seeds  bootstrap.StaticSource

	bootCancel    context.CancelFunc
	bootDone      chan struct{}
	metricsCancel context.CancelFunc

	mu    sync.RWMutex
	name  string
	state State
}

// New builds the node from cfg. Every error it returns is a startup error.
func New(cfg *Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewLogger("p2ptest")
	}

	kp, err := identity.Generate()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	psk, err := cfg.LoadPSK()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	muxers, _ := cfg.MuxerIDs()
	desc, err := transport.NewDescriptor(psk, kp, muxers, cfg.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	up, err := transport.NewUpgrader(desc, telemetry.NewLogger("transport"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}

	n, err := p2p.NewNode(p2p.NodeConfig{
		Name:     cfg.Name,
		Network:  opts.Network,
		Upgrader: up,
		Gossip:   cfg.GossipConfig(),
		Debug:    cfg.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}

	listen, _ := cfg.ListenAddrs()
	seeds, err := bootstrap.ParseStatic("config", cfg.Bootstrap)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	opts.Logger.Debugf("psk fingerprint %s, muxers %v", psk.Fingerprint(), muxers)

	return &App{
		cfg:    cfg,
		opts:   opts,
		log:    opts.Logger,
		node:   n,
		listen: listen,
		seeds:  seeds,
		name:   cfg.Name,
	}, nil
}

func (a *App) Node() *p2p.Node { return a.node }

// Start listens, joins the topic and kicks off bootstrap dialing in the
// background. Listen and subscribe failures are fatal; bootstrap failures
// are only logged.
func (a *App) Start(ctx context.Context) error {
	for _, m := range a.listen {
		bound, err := a.node.Listen(ctx, m)
		if err != nil {
			_ = a.node.Close(context.Background())
			return fmt.Errorf("%w: listen %s: %w", ErrStartup, m, err)
		}
		a.log.Infof("listening on %s/p2p/%s", bound, a.node.ID())
	}

	if err := a.node.Subscribe(a.cfg.Topic); err != nil {
		_ = a.node.Close(context.Background())
		return fmt.Errorf("%w: subscribe %q: %w", ErrStartup, a.cfg.Topic, err)
	}

	if a.cfg.MetricsAddr != "" {
		mctx, cancel := context.WithCancel(ctx)
		if err := telemetry.ServeMetrics(mctx, a.cfg.MetricsAddr, a.log); err != nil {
			cancel()
			_ = a.node.Close(context.Background())
			return fmt.Errorf("%w: metrics: %w", ErrStartup, err)
		}
		a.metricsCancel = cancel
	}

	bctx, cancel := context.WithCancel(ctx)
	a.bootCancel = cancel
	a.bootDone = make(chan struct{})
	go func() {
		defer close(a.bootDone)
		if len(a.seeds.Addrs) == 0 {
			return
		}
		res := bootstrap.RunOnce(bctx, a.node, bootstrap.DefaultConfig(), a.seeds)
		a.log.Infof("bootstrap: %d connected, %d failed", len(res.Connected), len(res.Failed))
	}()
	return nil
}

// Run is the event loop. It returns nil once the node has been shut down,
// whether by an Exit command or by ctx.
func (a *App) Run(ctx context.Context) error {
	a.setState(StateRunning)

	var cmds <-chan bridge.Command
	if a.opts.Bridge != nil {
		cmds = a.opts.Bridge.Commands()
	}
	events := a.node.Events()

	for {
		select {
		case <-ctx.Done():
			return a.shutdown("context done")
		case c, ok := <-cmds:
			if !ok {
				// front end went away; keep serving the network
				cmds = nil
				continue
			}
			if c.Kind == bridge.CommandExit {
				return a.shutdown("exit requested")
			}
			a.dispatch(c)
		case ev := <-events:
			a.handleEvent(ev)
		}
	}
}

func (a *App) shutdown(reason string) error {
	a.setState(StateTerminating)
	a.log.Infof("shutting down: %s", reason)

	if a.bootCancel != nil {
		a.bootCancel()
	}

	dctx, cancel := context.WithTimeout(context.Background(), a.cfg.DrainTimeout)
	err := a.node.Close(dctx)
	cancel()
	if err != nil {
		a.log.Warnf("close: %v", err)
		a.notify(bridge.Feedback{Kind: bridge.FeedbackError, Err: err})
	}

	if a.bootDone != nil {
		<-a.bootDone
	}
	if a.metricsCancel != nil {
		a.metricsCancel()
	}
	a.setState(StateStopped)
	if a.opts.Bridge != nil {
		a.opts.Bridge.CloseFeedback()
	}
	return nil
}

func (a *App) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	if a.opts.OnState != nil {
		a.opts.OnState(s)
	}
}

func (a *App) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *App) notify(f bridge.Feedback) {
	if a.opts.Bridge != nil {
		a.opts.Bridge.Notify(f)
	}
}

// LocalName and the methods below make App a bridge.Status.
func (a *App) LocalName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.name
}

func (a *App) LocalID() identity.PeerID { return a.node.ID() }

func (a *App) ListenAddrs() []string {
	addrs := a.node.ListenAddrs()
	out := make([]string, 0, len(addrs))
	for _, m := range addrs {
		out = append(out, m.String())
	}
	return out
}

func (a *App) ConnectedPeers() []identity.PeerID { return a.node.PeerIDs() }

var _ bridge.Status = (*App)(nil)
