package p2p

import (
	"io"

	"p2ptest/internal/proto"
	"p2ptest/internal/transport"
)

func (p *peer) writeLoop(n *Node, st transport.MuxedStream) {
	defer close(p.wdone)

	write := func(rpc *proto.RPC) bool {
		if err := proto.WriteFrame(st, rpc); err != nil {
			n.Logf("write to %s failed: %v", p.id.ShortString(), err)
			_ = st.Reset()
			go n.removePeer(p, err)
			return false
		}
		p.queued.Add(-1)
		return true
	}

	for {
		select {
		case <-p.ctx.Done():
			_ = st.Reset()
			return

		case rpc := <-p.sendCh:
			if !write(rpc) {
				return
			}

		case <-p.drain:
			for {
				select {
				case rpc := <-p.sendCh:
					if !write(rpc) {
						return
					}
				default:
					p.finish(n, st)
					return
				}
			}
		}
	}
}

// finish half-closes the gossip stream and waits for the remote to close
// its side, which it does after reading every frame. A returned Write only
// means the muxer has queued the frame.
func (p *peer) finish(n *Node, st transport.MuxedStream) {
	if err := st.CloseWrite(); err != nil {
		n.Logf("close write to %s: %v", p.id.ShortString(), err)
		_ = st.Reset()
		return
	}
	// the remote never writes on this stream; EOF is its close
	if _, err := io.Copy(io.Discard, st); err != nil {
		n.Logf("drain to %s unconfirmed: %v", p.id.ShortString(), err)
		return
	}
	p.flushed.Store(true)
}
