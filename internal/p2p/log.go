package p2p

func (n *Node) Logf(format string, args ...any) {
	if !n.cfg.Debug {
		return
	}
	n.log.Debugf("[node %s] "+format, append([]any{n.kp.ID.ShortString()}, args...)...)
}
