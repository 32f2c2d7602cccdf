package p2ptestnode

import (
	"encoding/json"

	"p2ptest/internal/bridge"
	"p2ptest/internal/p2p"
	"p2ptest/internal/proto"
)

func (a *App) handleEvent(ev p2p.Event) {
	switch ev.Type {
	case p2p.EventMessageReceived:
		a.handleMessage(ev)
	case p2p.EventPeerConnected:
		a.log.Infof("peer connected: %s (%s)", ev.PeerID, ev.PeerAddr)
		a.notify(bridge.Feedback{Kind: bridge.FeedbackPeerJoined, Peer: ev.PeerID})
	case p2p.EventPeerDisconnected:
		a.log.Infof("peer disconnected: %s: %v", ev.PeerID, ev.Err)
		a.notify(bridge.Feedback{Kind: bridge.FeedbackPeerLeft, Peer: ev.PeerID})
	case p2p.EventPeerSubscribed:
		a.log.Debugf("%s joined %q", ev.PeerID.ShortString(), ev.Topic)
	case p2p.EventPeerUnsubscribed:
		a.log.Debugf("%s left %q", ev.PeerID.ShortString(), ev.Topic)
	case p2p.EventConnectionError, p2p.EventListenError:
		a.log.Warnf("%s %s: %v", ev.Type, ev.PeerAddr, ev.Err)
	case p2p.EventMessageDropped:
		a.log.Debugf("dropped message from %s on %q: %v", ev.PeerID.ShortString(), ev.Topic, ev.Err)
	}
}

func (a *App) handleMessage(ev p2p.Event) {
	from := ev.Author
	if from == "" {
		from = ev.PeerID
	}

	var post *proto.Post
	var p proto.Post
	if err := json.Unmarshal(ev.Data, &p); err == nil && p.Kind != "" {
		post = &p
	}

	if post != nil && a.cfg.Mode == ModeStandalone {
		a.log.Infof("[%s] %s (%s): %s", ev.Topic, post.Name, from.ShortString(), post.Text)
	} else {
		a.log.Debugf("message %s from %s on %q, %d bytes", ev.MessageID, from.ShortString(), ev.Topic, len(ev.Data))
	}

	a.notify(bridge.Feedback{
		Kind:    bridge.FeedbackMessageReceived,
		Peer:    from,
		Topic:   ev.Topic,
		Payload: ev.Data,
		Post:    post,
	})
}
