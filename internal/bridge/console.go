package bridge

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"p2ptest/internal/crypto/identity"
	"p2ptest/internal/proto"
	"p2ptest/internal/uiutil"
)

// Status answers the console's local queries directly, without a round
// trip through the event loop.
type Status interface {
	LocalName() string
	LocalID() identity.PeerID
	ListenAddrs() []string
	ConnectedPeers() []identity.PeerID
}

// Console is a line-oriented terminal front end for a Bridge.
type Console struct {
	b      *Bridge
	out    uiutil.Printer
	status Status // may be nil

	mu    sync.Mutex
	names map[identity.PeerID]string // last name announced per author
}

func NewConsole(b *Bridge, out uiutil.Printer, status Status) *Console {
	return &Console{
		b:      b,
		out:    out,
		status: status,
		names:  make(map[identity.PeerID]string),
	}
}

func (c *Console) PrintBanner() {
	c.out.Println("p2ptest console")
	if c.status != nil {
		c.printSelf()
	}
	c.PrintCommands()
}

func (c *Console) PrintCommands() {
	c.out.Println("Commands:")
	c.out.Println("  <text>          post text to the topic")
	c.out.Println("  /say <text>     same as above")
	c.out.Println("  /name <name>    change your display name")
	c.out.Println("  /me             show your id and listen addresses")
	c.out.Println("  /peers          list connected peers")
	c.out.Println("  /help           show this list")
	c.out.Println("  /quit           leave")
}

// ReadCommands turns lines from r into commands until /quit, EOF or ctx.
// EOF counts as /quit.
func (c *Console) ReadCommands(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if quit := c.HandleLine(sc.Text()); quit {
			return nil
		}
	}
	c.b.Send(Exit())
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// HandleLine dispatches one line and reports whether the user asked to quit.
func (c *Console) HandleLine(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.b.Send(Publish(line))
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		c.b.Send(Exit())
		return true
	case "/say":
		if arg == "" {
			c.out.Println("usage: /say <text>")
			return false
		}
		c.b.Send(Publish(arg))
	case "/name", "/rename":
		if arg == "" {
			c.out.Println("usage: /name <name>")
			return false
		}
		c.b.Send(Rename(arg))
	case "/me":
		if c.status == nil {
			c.out.Println("no local status available")
			return false
		}
		c.printSelf()
	case "/peers":
		c.printPeers()
	case "/help":
		c.PrintCommands()
	default:
		c.out.Printf("unknown command %s, try /help\n", cmd)
	}
	return false
}

func (c *Console) printSelf() {
	id := c.status.LocalID()
	c.out.Printf("You are %s (%s)\n", uiutil.FormatName(c.status.LocalName(), id.String()), id)
	for _, a := range c.status.ListenAddrs() {
		c.out.Printf("  listening on %s/p2p/%s\n", a, id)
	}
}

func (c *Console) printPeers() {
	if c.status == nil {
		return
	}
	peers := c.status.ConnectedPeers()
	if len(peers) == 0 {
		c.out.Println("No peers connected.")
		return
	}
	c.out.Printf("%d peer(s):\n", len(peers))
	for _, p := range peers {
		c.out.Printf("  %s %s\n", uiutil.FormatName(c.nameOf(p), p.String()), p)
	}
}

// PrintFeedback renders feedback until the stream is closed or ctx ends.
func (c *Console) PrintFeedback(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-c.b.Feedback():
			if !ok {
				return
			}
			c.Render(f)
		}
	}
}

func (c *Console) Render(f Feedback) {
	switch f.Kind {
	case FeedbackRenamed:
		c.out.Printf("[NAME] you are now %q\n", f.Name)
	case FeedbackPeerJoined:
		c.out.Printf("[NET] peer connected: %s\n", uiutil.FormatName(c.nameOf(f.Peer), f.Peer.String()))
	case FeedbackPeerLeft:
		c.out.Printf("[NET] peer disconnected: %s\n", uiutil.FormatName(c.nameOf(f.Peer), f.Peer.String()))
	case FeedbackError:
		c.out.Printf("[ERR] %v\n", f.Err)
	case FeedbackMessageReceived:
		c.renderMessage(f)
	}
}

func (c *Console) renderMessage(f Feedback) {
	if f.Post == nil {
		c.out.Printf("[MSG] %s on %s: %q\n", uiutil.ShortID(f.Peer.String()), f.Topic, f.Payload)
		return
	}
	p := f.Post
	switch p.Kind {
	case proto.PostKindRename:
		old := c.nameOf(f.Peer)
		c.setName(f.Peer, p.Name)
		if old == "" {
			c.out.Printf("[NAME] %s is now known as %s\n",
				uiutil.ShortID(f.Peer.String()), uiutil.FormatName(p.Name, f.Peer.String()))
			return
		}
		c.out.Printf("[NAME] %s is now known as %s\n",
			uiutil.FormatName(old, f.Peer.String()), uiutil.FormatName(p.Name, f.Peer.String()))
	default:
		if p.Name != "" {
			c.setName(f.Peer, p.Name)
		}
		ts := time.Now()
		if p.Time > 0 {
			ts = time.Unix(p.Time, 0)
		}
		c.out.Printf("%s[%s]%s %s: %s\n",
			uiutil.AnsiDim, ts.Format("15:04"), uiutil.AnsiReset,
			uiutil.FormatName(p.Name, f.Peer.String()), p.Text)
	}
}

func (c *Console) nameOf(id identity.PeerID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.names[id]
}

func (c *Console) setName(id identity.PeerID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[id] = name
}
