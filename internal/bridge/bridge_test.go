package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"p2ptest/internal/crypto/identity"
	"p2ptest/internal/proto"
	"p2ptest/internal/uiutil"
)

func TestUnboundedSendNeverBlocksAndKeepsOrder(t *testing.T) {
	u := NewUnbounded[int]()
	const n = 10000

	done := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			u.Send(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Send blocked without a reader")
	}

	u.Close()
	require.False(t, u.Send(-1))

	want := 0
	for v := range u.Out() {
		require.Equal(t, want, v)
		want++
	}
	require.Equal(t, n, want)
}

func TestUnboundedCloseTwice(t *testing.T) {
	u := NewUnbounded[string]()
	u.Close()
	u.Close()
	_, ok := <-u.Out()
	require.False(t, ok)
}

func TestBridgeDirections(t *testing.T) {
	b := New()
	require.True(t, b.Send(Publish("hi")))
	require.True(t, b.Send(Rename("bob")))
	require.True(t, b.Send(Exit()))
	b.CloseCommands()

	var got []Command
	for c := range b.Commands() {
		got = append(got, c)
	}
	require.Equal(t, []Command{
		{Kind: CommandPublish, Arg: "hi"},
		{Kind: CommandRename, Arg: "bob"},
		{Kind: CommandExit},
	}, got)

	require.True(t, b.Notify(Feedback{Kind: FeedbackRenamed, Name: "bob"}))
	b.CloseFeedback()
	f := <-b.Feedback()
	require.Equal(t, FeedbackRenamed, f.Kind)
	_, ok := <-b.Feedback()
	require.False(t, ok)
}

type recPrinter struct{ lines []string }

func (p *recPrinter) Printf(format string, args ...any) { p.lines = append(p.lines, fmt.Sprintf(format, args...)) }
func (p *recPrinter) Println(args ...any)               { p.lines = append(p.lines, fmt.Sprintln(args...)) }

func (p *recPrinter) text() string { return strings.Join(p.lines, "") }

type fakeStatus struct{}

func (fakeStatus) LocalName() string                 { return "alice" }
func (fakeStatus) LocalID() identity.PeerID          { return "QmSelf000000000000" }
func (fakeStatus) ListenAddrs() []string             { return []string{"/ip4/127.0.0.1/tcp/4001"} }
func (fakeStatus) ConnectedPeers() []identity.PeerID { return []identity.PeerID{"QmPeer111111111111"} }

func drain(b *Bridge) []Command {
	b.CloseCommands()
	var out []Command
	for c := range b.Commands() {
		out = append(out, c)
	}
	return out
}

func TestConsoleHandleLine(t *testing.T) {
	cases := []struct {
		line string
		quit bool
		want []Command
	}{
		{line: "hello there", want: []Command{Publish("hello there")}},
		{line: "  ", want: nil},
		{line: "/say  spaced  ", want: []Command{Publish("spaced")}},
		{line: "/name bob", want: []Command{Rename("bob")}},
		{line: "/rename carol", want: []Command{Rename("carol")}},
		{line: "/name", want: nil},
		{line: "/quit", quit: true, want: []Command{Exit()}},
		{line: "/exit", quit: true, want: []Command{Exit()}},
		{line: "/bogus", want: nil},
		{line: "/peers", want: nil},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			b := New()
			c := NewConsole(b, &recPrinter{}, fakeStatus{})
			require.Equal(t, tc.quit, c.HandleLine(tc.line))
			require.Equal(t, tc.want, drain(b))
		})
	}
}

func TestConsoleReadCommandsEOFMeansExit(t *testing.T) {
	b := New()
	c := NewConsole(b, &recPrinter{}, nil)
	require.NoError(t, c.ReadCommands(context.Background(), strings.NewReader("one\n/name x\n")))
	require.Equal(t, []Command{Publish("one"), Rename("x"), Exit()}, drain(b))
}

func TestConsoleReadCommandsStopsAtQuit(t *testing.T) {
	b := New()
	c := NewConsole(b, &recPrinter{}, nil)
	require.NoError(t, c.ReadCommands(context.Background(), strings.NewReader("/quit\nnever sent\n")))
	require.Equal(t, []Command{Exit()}, drain(b))
}

func TestConsoleStatusQueries(t *testing.T) {
	p := &recPrinter{}
	c := NewConsole(New(), p, fakeStatus{})
	c.HandleLine("/me")
	c.HandleLine("/peers")
	out := p.text()
	require.Contains(t, out, "QmSelf000000000000")
	require.Contains(t, out, "/ip4/127.0.0.1/tcp/4001/p2p/QmSelf000000000000")
	require.Contains(t, out, "1 peer(s)")
	require.Contains(t, out, "QmPeer111111111111")
}

func TestConsoleRenderTracksRenames(t *testing.T) {
	p := &recPrinter{}
	c := NewConsole(New(), p, nil)
	author := identity.PeerID("QmAuthor22222222222")

	c.Render(Feedback{Kind: FeedbackMessageReceived, Peer: author, Topic: "t",
		Post: &proto.Post{Kind: proto.PostKindPost, Name: "dave", Text: "hi", Time: 1}})
	c.Render(Feedback{Kind: FeedbackMessageReceived, Peer: author, Topic: "t",
		Post: &proto.Post{Kind: proto.PostKindRename, Name: "david"}})
	c.Render(Feedback{Kind: FeedbackMessageReceived, Peer: author, Topic: "t", Payload: []byte("raw")})
	c.Render(Feedback{Kind: FeedbackError, Err: errors.New("boom")})
	c.Render(Feedback{Kind: FeedbackRenamed, Name: "me"})

	out := p.text()
	require.Contains(t, out, "dave"+uiutil.AnsiReset+": hi")
	require.Contains(t, out, "is now known as")
	require.Contains(t, out, "david")
	require.Contains(t, out, `"raw"`)
	require.Contains(t, out, "[ERR] boom")
	require.Contains(t, out, `you are now "me"`)
	require.Equal(t, "david", c.nameOf(author))
}
