package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

// WebSocket carries every frame as one binary message over a tcp backed
// websocket, so both channels end up reliable and ordered. Message layout:
// channel(u8) payload.

const (
	WebSocketPath = "/rmp"

	wsDialTimeout  = 5 * time.Second
	wsWriteTimeout = 5 * time.Second
	wsMaxMessage   = 1 << 20
)

type wsConn struct {
	id         ConnID
	ws         *websocket.Conn // nil while dialing
	cancelDial context.CancelFunc
	writeMu    sync.Mutex
}

type wsHost struct {
	id       HostID
	topology Topology
	listener net.Listener
	server   *http.Server
	conns    map[ConnID]*wsConn
}

type WebSocket struct {
	logger   *log.Logger
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	mu       sync.Mutex
	queue    eventQueue
	hosts    map[HostID]*wsHost
	nextHost HostID
	nextConn ConnID
	closed   bool

	wg sync.WaitGroup
}

var _ Transport = (*WebSocket)(nil)

func NewWebSocket(logger *log.Logger) *WebSocket {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &WebSocket{
		logger: logger,
		upgrader: websocket.Upgrader{
			// game clients are not browsers, there is no origin to check
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: wsDialTimeout,
		},
		hosts: make(map[HostID]*wsHost),
	}
}

func (t *WebSocket) AddHost(topology Topology, port int) (HostID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}

	listener, err := net.Listen("tcp4", ":"+strconv.Itoa(port))
	if err != nil {
		return 0, fmt.Errorf("could not listen tcp: %w", err)
	}

	if topology.MaxConnections < 1 {
		topology.MaxConnections = 1
	}

	t.nextHost += 1
	h := &wsHost{
		id:       t.nextHost,
		topology: topology,
		listener: listener,
		conns:    make(map[ConnID]*wsConn),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		t.onUpgrade(h, w, r)
	})
	h.server = &http.Server{Handler: mux}
	t.hosts[h.id] = h

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error().Msgf("websocket host %d stopped serving: %v", h.id, err)
		}
	}()

	return h.id, nil
}

// LocalAddr can be useful to retrieve a host's address when it was added
// with port 0.
func (t *WebSocket) LocalAddr(host HostID) (*net.TCPAddr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.hosts[host]
	if !ok {
		return nil, ErrUnknownHost
	}
	return h.listener.Addr().(*net.TCPAddr), nil
}

func (t *WebSocket) onUpgrade(h *wsHost, w http.ResponseWriter, r *http.Request) {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Error().Msgf("could not upgrade http request from %s: %v", r.RemoteAddr, err)
		return
	}
	ws.SetReadLimit(wsMaxMessage)

	t.mu.Lock()
	if t.closed || t.hosts[h.id] != h || len(h.conns) >= h.topology.MaxConnections {
		t.mu.Unlock()
		t.logger.Warn().
			Str("addr", r.RemoteAddr).
			Msg("rejected connection, host is full")
		closeWebSocket(ws, websocket.CloseTryAgainLater)
		return
	}
	t.nextConn += 1
	c := &wsConn{id: t.nextConn, ws: ws}
	h.conns[c.id] = c
	t.queue.push(Event{Type: EventConnect, Host: h.id, Conn: c.id})
	t.mu.Unlock()

	t.readLoop(h, c)
}

func (t *WebSocket) Connect(host HostID, remoteHost string, remotePort int) (ConnID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}
	h, ok := t.hosts[host]
	if !ok {
		return 0, ErrUnknownHost
	}
	if len(h.conns) >= h.topology.MaxConnections {
		return 0, ErrHostFull
	}

	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(remoteHost, strconv.Itoa(remotePort)),
		Path:   WebSocketPath,
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsDialTimeout)
	t.nextConn += 1
	c := &wsConn{id: t.nextConn, cancelDial: cancel}
	h.conns[c.id] = c

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		t.dial(ctx, h, c, u.String())
	}()

	return c.id, nil
}

func (t *WebSocket) dial(ctx context.Context, h *wsHost, c *wsConn, addr string) {
	ws, _, err := t.dialer.DialContext(ctx, addr, nil)

	t.mu.Lock()
	if h.conns[c.id] != c {
		// disconnected or host removed while dialing
		t.mu.Unlock()
		if ws != nil {
			closeWebSocket(ws, websocket.CloseNormalClosure)
		}
		return
	}
	if err != nil {
		delete(h.conns, c.id)
		t.queue.push(Event{
			Type: EventError,
			Host: h.id,
			Conn: c.id,
			Err:  fmt.Errorf("could not dial %s: %w", addr, err),
		})
		t.mu.Unlock()
		return
	}
	ws.SetReadLimit(wsMaxMessage)
	c.ws = ws
	t.queue.push(Event{Type: EventConnect, Host: h.id, Conn: c.id})
	t.mu.Unlock()

	t.readLoop(h, c)
}

func (t *WebSocket) readLoop(h *wsHost, c *wsConn) {
	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.BinaryMessage || len(msg) < 1 {
			t.logger.Warn().Msgf("dropped non binary message on connection %d", c.id)
			continue
		}

		t.mu.Lock()
		t.queue.push(Event{
			Type:    EventData,
			Host:    h.id,
			Conn:    c.id,
			Channel: Channel(msg[0]),
			Data:    msg[1:],
		})
		t.mu.Unlock()
	}

	t.mu.Lock()
	if h.conns[c.id] == c {
		delete(h.conns, c.id)
		t.queue.push(Event{Type: EventDisconnect, Host: h.id, Conn: c.id})
	}
	t.mu.Unlock()

	c.ws.Close()
}

func (t *WebSocket) Send(host HostID, conn ConnID, channel Channel, data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	h, ok := t.hosts[host]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownHost
	}
	c, ok := h.conns[conn]
	if !ok || c.ws == nil {
		t.mu.Unlock()
		return ErrUnknownConnection
	}
	t.mu.Unlock()

	msg := make([]byte, 0, 1+len(data))
	msg = append(msg, uint8(channel))
	msg = append(msg, data...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, msg)
}

func (t *WebSocket) Receive() (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.queue.pop()
}

// closeConn must be called with t.mu held and c already removed from its
// host.
func (t *WebSocket) closeConn(c *wsConn) {
	if c.ws == nil {
		c.cancelDial()
		return
	}
	go func(ws *websocket.Conn) {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		closeWebSocket(ws, websocket.CloseNormalClosure)
	}(c.ws)
}

func (t *WebSocket) Disconnect(host HostID, conn ConnID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	h, ok := t.hosts[host]
	if !ok {
		return ErrUnknownHost
	}
	c, ok := h.conns[conn]
	if !ok {
		return ErrUnknownConnection
	}

	delete(h.conns, c.id)
	t.closeConn(c)
	t.queue.push(Event{Type: EventDisconnect, Host: h.id, Conn: c.id})
	return nil
}

// removeHost must be called with t.mu held.
func (t *WebSocket) removeHost(h *wsHost) error {
	for id, c := range h.conns {
		delete(h.conns, id)
		t.closeConn(c)
	}
	delete(t.hosts, h.id)
	return h.server.Close()
}

func (t *WebSocket) RemoveHost(host HostID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	h, ok := t.hosts[host]
	if !ok {
		return ErrUnknownHost
	}
	return t.removeHost(h)
}

func (t *WebSocket) Shutdown() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	var errs error
	for _, h := range t.hosts {
		if err := t.removeHost(h); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	t.closed = true
	t.mu.Unlock()

	t.wg.Wait()
	return errs
}

func closeWebSocket(ws *websocket.Conn, code int) {
	_ = ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(time.Second),
	)
	ws.Close()
}
