// Package bridge carries commands from an external front end into the
// node's event loop and feedback back out, over unbounded queues so
// neither side ever waits on the other.
package bridge

import (
	"p2ptest/internal/crypto/identity"
	"p2ptest/internal/proto"
)

type CommandKind int

const (
	CommandPublish CommandKind = iota
	CommandRename
	CommandExit
)

func (k CommandKind) String() string {
	switch k {
	case CommandPublish:
		return "publish"
	case CommandRename:
		return "rename"
	case CommandExit:
		return "exit"
	}
	return "unknown"
}

type Command struct {
	Kind CommandKind
	// Content for publish, the new name for rename.
	Arg string
}

func Publish(content string) Command { return Command{Kind: CommandPublish, Arg: content} }
func Rename(name string) Command     { return Command{Kind: CommandRename, Arg: name} }
func Exit() Command                  { return Command{Kind: CommandExit} }

type FeedbackKind int

const (
	FeedbackRenamed FeedbackKind = iota
	FeedbackMessageReceived
	FeedbackPeerJoined
	FeedbackPeerLeft
	FeedbackError
)

// Feedback is what the loop reports back to the front end.
type Feedback struct {
	Kind FeedbackKind
	Name string // Renamed: the new local name

	Peer    identity.PeerID // direct peer, or the author of a message
	Topic   string
	Payload []byte
	Post    *proto.Post // decoded Payload, nil if it was not a Post

	Err error
}

// Bridge pairs the two directions.
type Bridge struct {
	commands *Unbounded[Command]
	feedback *Unbounded[Feedback]
}

func New() *Bridge {
	return &Bridge{
		commands: NewUnbounded[Command](),
		feedback: NewUnbounded[Feedback](),
	}
}

// Send is called by the front end.
func (b *Bridge) Send(c Command) bool { return b.commands.Send(c) }

// Commands is read by the event loop.
func (b *Bridge) Commands() <-chan Command { return b.commands.Out() }

// Notify is called by the event loop.
func (b *Bridge) Notify(f Feedback) bool { return b.feedback.Send(f) }

// Feedback is read by the front end.
func (b *Bridge) Feedback() <-chan Feedback { return b.feedback.Out() }

// CloseCommands tells the loop no more commands will come.
func (b *Bridge) CloseCommands() { b.commands.Close() }

// CloseFeedback ends the feedback stream once the loop is done.
func (b *Bridge) CloseFeedback() { b.feedback.Close() }
