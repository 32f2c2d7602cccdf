package p2ptestnode

import (
	"errors"
	"fmt"
	"time"

	"p2ptest/internal/bridge"
	"p2ptest/internal/gossip"
	"p2ptest/internal/proto"
)

func (a *App) dispatch(c bridge.Command) {
	switch c.Kind {
	case bridge.CommandPublish:
		if err := a.publish(proto.PostKindPost, c.Arg); err != nil {
			a.log.Warnf("publish: %v", err)
			a.notify(bridge.Feedback{Kind: bridge.FeedbackError, Err: err})
		}
	case bridge.CommandRename:
		a.rename(c.Arg)
	default:
		a.log.Warnf("unhandled command %s", c.Kind)
	}
}

func (a *App) rename(name string) {
	a.mu.Lock()
	a.name = name
	a.mu.Unlock()
	a.notify(bridge.Feedback{Kind: bridge.FeedbackRenamed, Name: name})

	// the local rename stands even when nobody hears about it
	if err := a.publish(proto.PostKindRename, ""); err != nil {
		if errors.Is(err, gossip.ErrInsufficientPeers) {
			a.log.Infof("rename announcement: %v", err)
		} else {
			a.log.Warnf("rename announcement: %v", err)
		}
		a.notify(bridge.Feedback{Kind: bridge.FeedbackError, Err: fmt.Errorf("announce rename: %w", err)})
	}
}

func (a *App) publish(kind, text string) error {
	post := proto.Post{
		Kind: kind,
		Name: a.LocalName(),
		Text: text,
		Time: time.Now().Unix(),
	}
	id, err := a.node.Publish(a.cfg.Topic, proto.MustMarshal(post))
	if err != nil {
		return err
	}
	a.log.Debugf("published %s %s", kind, id)
	return nil
}
