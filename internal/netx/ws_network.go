package netx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	ma "github.com/multiformats/go-multiaddr"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	// peers are authenticated by the layers above, not by origin
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsNetwork struct {
	dialer *websocket.Dialer
}

// NewWSNetwork serves /tcp/<port>/ws addresses with binary WebSocket
// messages carrying the byte stream.
func NewWSNetwork() Network {
	return &wsNetwork{dialer: &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   32 << 10,
		WriteBufferSize:  32 << 10,
	}}
}

func (w *wsNetwork) Listen(addr ma.Multiaddr) (Listener, error) {
	ep, err := ParseEndpoint(addr)
	if err != nil {
		return nil, err
	}
	if ep.Kind != KindWebSocket {
		return nil, fmt.Errorf("%w: %s is not a ws address", ErrUnsupportedAddr, addr)
	}
	l, err := net.Listen(ep.Network, ep.HostPort)
	if err != nil {
		return nil, err
	}
	bound, err := fromNetAddr(l.Addr(), KindWebSocket)
	if err != nil {
		_ = l.Close()
		return nil, err
	}

	wl := &wsListener{
		l:        l,
		addr:     bound,
		incoming: make(chan net.Conn),
		closed:   make(chan struct{}),
	}
	wl.srv = &http.Server{Handler: wl, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := wl.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			wl.fail(err)
		}
	}()
	return wl, nil
}

func (w *wsNetwork) Dial(ctx context.Context, addr ma.Multiaddr) (net.Conn, error) {
	ep, err := ParseEndpoint(addr)
	if err != nil {
		return nil, err
	}
	if ep.Kind != KindWebSocket {
		return nil, fmt.Errorf("%w: %s is not a ws address", ErrUnsupportedAddr, addr)
	}
	c, resp, err := w.dialer.DialContext(ctx, "ws://"+ep.HostPort+"/", nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newWSConn(c), nil
}

type wsListener struct {
	l    net.Listener
	srv  *http.Server
	addr ma.Multiaddr

	incoming chan net.Conn

	closeOnce sync.Once
	closed    chan struct{}
	errMu     sync.Mutex
	err       error
}

func (l *wsListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		return
	}
	select {
	case l.incoming <- newWSConn(c):
	case <-l.closed:
		_ = c.Close()
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.incoming:
		return c, nil
	case <-l.closed:
		l.errMu.Lock()
		defer l.errMu.Unlock()
		if l.err != nil {
			return nil, l.err
		}
		return nil, net.ErrClosed
	}
}

func (l *wsListener) fail(err error) {
	l.errMu.Lock()
	l.err = err
	l.errMu.Unlock()
	l.closeOnce.Do(func() { close(l.closed) })
}

func (l *wsListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return l.srv.Close()
}

func (l *wsListener) Multiaddr() ma.Multiaddr { return l.addr }

// wsConn adapts a message-oriented websocket to a byte stream.
type wsConn struct {
	*websocket.Conn

	rmu sync.Mutex
	r   io.Reader

	wmu       sync.Mutex
	closeOnce sync.Once
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{Conn: c}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		if c.r == nil {
			typ, r, err := c.Conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.Conn.Close()
	})
	return err
}
