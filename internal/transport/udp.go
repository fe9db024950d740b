package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/blukai/rmpnet/internal/byteorder"
	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

// UDP emulates connections on top of plain datagrams: a connect/accept
// exchange opens one, keepalives hold it, silence or a disconnect datagram
// closes it.
//
// Reliable data carries a sequence number. The receiver acks every one it
// keeps, holds early ones back until the gap is filled and drops
// duplicates; the sender retransmits until acked. Unreliable data is sent
// once and delivered as it comes.
//
// Datagram layout: kind(u8) channel(u8) [seq(u32) when reliable data] payload.
// An ack is kind(u8) channel(u8) seq(u32).

const (
	// MaxDatagramSize is the largest payload Send accepts.
	MaxDatagramSize = 1440

	udpHeaderSize = 2
	udpSeqSize    = 4
	udpReadBuffer = udpHeaderSize + udpSeqSize + MaxDatagramSize

	// udpWindow bounds both the unacked datagrams of a sender and how far
	// ahead of the gap a receiver buffers.
	udpWindow         = 1024
	udpResendInterval = 200 * time.Millisecond

	udpTick              = 100 * time.Millisecond
	udpKeepAliveInterval = time.Second
	udpIdleTimeout       = 10 * time.Second
	udpConnectRetry      = 500 * time.Millisecond
	udpConnectTimeout    = 5 * time.Second
)

const (
	_ uint8 = iota
	udpKindConnect
	udpKindAccept
	udpKindData
	udpKindDisconnect
	udpKindKeepAlive
	udpKindAck
)

// ErrWindowFull is returned by UDP.Send when too many reliable datagrams
// of a connection are waiting for their ack.
var ErrWindowFull = errors.New("too many unacknowledged reliable datagrams")

type addrKey uint64

func makeAddrKey(addr *net.UDPAddr) addrKey {
	return addrKey(xxhash.Sum64String(addr.String()))
}

type udpConn struct {
	id          ConnID
	addr        *net.UDPAddr
	established bool
	startedAt   time.Time
	lastSeen    time.Time
	lastSent    time.Time

	// reliable channel, sending side
	sendSeq uint32
	unacked map[uint32]*udpOutgoing

	// reliable channel, receiving side
	recvSeq uint32
	early   map[uint32][]byte
}

type udpOutgoing struct {
	payload []byte // seq followed by data
	sentAt  time.Time
}

func newUDPConn(id ConnID, addr *net.UDPAddr, now time.Time) *udpConn {
	return &udpConn{
		id:        id,
		addr:      addr,
		startedAt: now,
		lastSeen:  now,
		lastSent:  now,
		unacked:   make(map[uint32]*udpOutgoing),
		early:     make(map[uint32][]byte),
	}
}

type udpHost struct {
	id       HostID
	conn     *net.UDPConn
	topology Topology
	cancel   context.CancelFunc

	byAddr map[addrKey]*udpConn
	byID   map[ConnID]*udpConn
}

type UDP struct {
	logger *log.Logger

	mu       sync.Mutex
	queue    eventQueue
	hosts    map[HostID]*udpHost
	nextHost HostID
	nextConn ConnID
	closed   bool

	wg sync.WaitGroup
}

var _ Transport = (*UDP)(nil)

func NewUDP(logger *log.Logger) *UDP {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &UDP{
		logger: logger,
		hosts:  make(map[HostID]*udpHost),
	}
}

func (u *UDP) AddHost(topology Topology, port int) (HostID, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return 0, ErrClosed
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return 0, fmt.Errorf("could not listen udp: %w", err)
	}

	if topology.MaxConnections < 1 {
		topology.MaxConnections = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	u.nextHost += 1
	h := &udpHost{
		id:       u.nextHost,
		conn:     conn,
		topology: topology,
		cancel:   cancel,
		byAddr:   make(map[addrKey]*udpConn),
		byID:     make(map[ConnID]*udpConn),
	}
	u.hosts[h.id] = h

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.runRecv(ctx, h)
	}()
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.runMaintenance(ctx, h)
	}()

	u.logger.Debug().
		Int("host", int(h.id)).
		Str("addr", conn.LocalAddr().String()).
		Msg("udp host added")

	return h.id, nil
}

// LocalAddr can be useful to retrieve a host's address when it was added
// with port 0.
func (u *UDP) LocalAddr(host HostID) (*net.UDPAddr, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	h, ok := u.hosts[host]
	if !ok {
		return nil, ErrUnknownHost
	}
	return h.conn.LocalAddr().(*net.UDPAddr), nil
}

func (u *UDP) writeTo(h *udpHost, addr *net.UDPAddr, kind uint8, channel Channel, payload []byte) error {
	buf := make([]byte, 0, udpHeaderSize+len(payload))
	buf = append(buf, kind, uint8(channel))
	buf = append(buf, payload...)
	_, err := h.conn.WriteToUDP(buf, addr)
	return err
}

func (u *UDP) Connect(host HostID, remoteHost string, remotePort int) (ConnID, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(remoteHost, strconv.Itoa(remotePort)))
	if err != nil {
		return 0, fmt.Errorf("could not resolve udp addr: %w", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return 0, ErrClosed
	}
	h, ok := u.hosts[host]
	if !ok {
		return 0, ErrUnknownHost
	}
	if len(h.byID) >= h.topology.MaxConnections {
		return 0, ErrHostFull
	}
	if _, dup := h.byAddr[makeAddrKey(addr)]; dup {
		return 0, fmt.Errorf("already connected to %s", addr)
	}

	u.nextConn += 1
	c := newUDPConn(u.nextConn, addr, time.Now())
	h.byAddr[makeAddrKey(addr)] = c
	h.byID[c.id] = c

	if err := u.writeTo(h, addr, udpKindConnect, Reliable, nil); err != nil {
		// retried by runMaintenance until udpConnectTimeout
		u.logger.Warn().Msgf("could not send connect to %s: %v", addr, err)
	}
	return c.id, nil
}

func (u *UDP) Send(host HostID, conn ConnID, channel Channel, data []byte) error {
	if len(data) > MaxDatagramSize {
		return &DatagramTooLargeError{Size: len(data), Max: MaxDatagramSize}
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return ErrClosed
	}
	h, ok := u.hosts[host]
	if !ok {
		return ErrUnknownHost
	}
	c, ok := h.byID[conn]
	if !ok || !c.established {
		return ErrUnknownConnection
	}

	now := time.Now()
	if channel != Reliable {
		c.lastSent = now
		return u.writeTo(h, c.addr, udpKindData, channel, data)
	}

	if len(c.unacked) >= udpWindow {
		return ErrWindowFull
	}
	payload := make([]byte, 0, udpSeqSize+len(data))
	payload = byteorder.PutUint32(payload, c.sendSeq)
	payload = append(payload, data...)
	c.unacked[c.sendSeq] = &udpOutgoing{payload: payload, sentAt: now}
	c.sendSeq += 1
	c.lastSent = now

	// a failed write is retransmitted like a lost one
	if err := u.writeTo(h, c.addr, udpKindData, Reliable, payload); err != nil {
		u.logger.Warn().Msgf("could not send to %s: %v", c.addr, err)
	}
	return nil
}

// receiveReliable must be called with u.mu held.
func (u *UDP) receiveReliable(h *udpHost, c *udpConn, payload []byte) {
	if len(payload) < udpSeqSize {
		u.logger.Error().
			Msgf("reliable datagram without sequence number from %s", c.addr)
		return
	}
	seq := byteorder.GetUint32(payload)
	data := payload[udpSeqSize:]

	// distance from the gap, wrap-around safe
	ahead := int32(seq - c.recvSeq)
	if ahead >= udpWindow {
		// no ack, the sender tries again once we caught up
		return
	}
	_ = u.writeTo(h, c.addr, udpKindAck, Reliable, byteorder.PutUint32(nil, seq))

	if ahead < 0 {
		return
	}
	if _, dup := c.early[seq]; dup {
		return
	}
	c.early[seq] = append([]byte(nil), data...)

	for {
		next, ok := c.early[c.recvSeq]
		if !ok {
			return
		}
		delete(c.early, c.recvSeq)
		c.recvSeq += 1
		u.queue.push(Event{Type: EventData, Host: h.id, Conn: c.id, Channel: Reliable, Data: next})
	}
}

func (u *UDP) Receive() (Event, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.queue.pop()
}

// drop must be called with u.mu held.
func (u *UDP) drop(h *udpHost, c *udpConn) {
	delete(h.byAddr, makeAddrKey(c.addr))
	delete(h.byID, c.id)
}

func (u *UDP) Disconnect(host HostID, conn ConnID) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return ErrClosed
	}
	h, ok := u.hosts[host]
	if !ok {
		return ErrUnknownHost
	}
	c, ok := h.byID[conn]
	if !ok {
		return ErrUnknownConnection
	}

	u.drop(h, c)
	if err := u.writeTo(h, c.addr, udpKindDisconnect, Reliable, nil); err != nil {
		u.logger.Warn().Msgf("could not send disconnect to %s: %v", c.addr, err)
	}
	u.queue.push(Event{Type: EventDisconnect, Host: h.id, Conn: c.id})
	return nil
}

// removeHost must be called with u.mu held.
func (u *UDP) removeHost(h *udpHost) error {
	for _, c := range h.byID {
		if c.established {
			_ = u.writeTo(h, c.addr, udpKindDisconnect, Reliable, nil)
		}
	}
	h.cancel()
	delete(u.hosts, h.id)
	return h.conn.Close()
}

func (u *UDP) RemoveHost(host HostID) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return ErrClosed
	}
	h, ok := u.hosts[host]
	if !ok {
		return ErrUnknownHost
	}
	return u.removeHost(h)
}

func (u *UDP) Shutdown() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	var errs error
	for _, h := range u.hosts {
		if err := u.removeHost(h); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	u.closed = true
	u.mu.Unlock()

	u.wg.Wait()
	return errs
}

func (u *UDP) runRecv(ctx context.Context, h *udpHost) {
	buf := make([]byte, udpReadBuffer)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			err := h.conn.SetReadDeadline(time.Now().Add(udpTick))
			if err != nil && ctx.Err() != nil {
				return
			}

			n, addr, err := h.conn.ReadFromUDP(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}

				u.logger.Error().
					Msgf("could not read from udp: %v", err)
				continue
			}
			if n < udpHeaderSize {
				u.logger.Error().
					Msgf("invalid datagram size (got %d; want >= %d)", n, udpHeaderSize)
				continue
			}

			u.handleDatagram(h, addr, buf[0], Channel(buf[1]), buf[udpHeaderSize:n])
		}
	}
}

func (u *UDP) handleDatagram(h *udpHost, addr *net.UDPAddr, kind uint8, channel Channel, payload []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := time.Now()
	key := makeAddrKey(addr)
	c, known := h.byAddr[key]
	if known {
		c.lastSeen = now
	}

	switch kind {
	case udpKindConnect:
		if known {
			// our accept got lost, say it again
			if c.established {
				_ = u.writeTo(h, addr, udpKindAccept, Reliable, nil)
			}
			return
		}
		if len(h.byID) >= h.topology.MaxConnections {
			_ = u.writeTo(h, addr, udpKindDisconnect, Reliable, nil)
			u.logger.Warn().
				Str("addr", addr.String()).
				Msg("rejected connection, host is full")
			return
		}

		u.nextConn += 1
		c = newUDPConn(u.nextConn, addr, now)
		c.established = true
		h.byAddr[key] = c
		h.byID[c.id] = c
		_ = u.writeTo(h, addr, udpKindAccept, Reliable, nil)
		u.queue.push(Event{Type: EventConnect, Host: h.id, Conn: c.id})

	case udpKindAccept:
		if !known || c.established {
			return
		}
		c.established = true
		u.queue.push(Event{Type: EventConnect, Host: h.id, Conn: c.id})

	case udpKindData:
		if !known || !c.established {
			u.logger.Debug().
				Str("addr", addr.String()).
				Msg("dropped data from unknown peer")
			return
		}
		if channel == Reliable {
			u.receiveReliable(h, c, payload)
			return
		}
		data := make([]byte, len(payload))
		copy(data, payload)
		u.queue.push(Event{Type: EventData, Host: h.id, Conn: c.id, Channel: channel, Data: data})

	case udpKindAck:
		if !known || len(payload) < udpSeqSize {
			return
		}
		delete(c.unacked, byteorder.GetUint32(payload))

	case udpKindDisconnect:
		if !known {
			return
		}
		u.drop(h, c)
		if c.established {
			u.queue.push(Event{Type: EventDisconnect, Host: h.id, Conn: c.id})
		} else {
			u.queue.push(Event{Type: EventError, Host: h.id, Conn: c.id, Err: ErrConnectionRefused})
		}

	case udpKindKeepAlive:
		// lastSeen is maintained above

	default:
		u.logger.Error().
			Msgf("unknown datagram kind %d from %s", kind, addr)
	}
}

// runMaintenance retries pending connects, retransmits unacked reliable
// data, sends keepalives on quiet connections and evicts silent ones.
func (u *UDP) runMaintenance(ctx context.Context, h *udpHost) {
	ticker := time.NewTicker(udpTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			u.maintain(h, now)
		}
	}
}

func (u *UDP) maintain(h *udpHost, now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, c := range h.byID {
		if !c.established {
			if now.Sub(c.startedAt) > udpConnectTimeout {
				u.drop(h, c)
				u.queue.push(Event{
					Type: EventError,
					Host: h.id,
					Conn: c.id,
					Err:  fmt.Errorf("could not connect to %s: timed out: %w", c.addr, ErrConnectionRefused),
				})
				continue
			}
			if now.Sub(c.lastSent) >= udpConnectRetry {
				c.lastSent = now
				_ = u.writeTo(h, c.addr, udpKindConnect, Reliable, nil)
			}
			continue
		}

		if now.Sub(c.lastSeen) > udpIdleTimeout {
			u.drop(h, c)
			u.queue.push(Event{Type: EventDisconnect, Host: h.id, Conn: c.id})
			u.logger.Debug().
				Str("addr", c.addr.String()).
				Msg("evicted silent connection")
			continue
		}
		for _, out := range c.unacked {
			if now.Sub(out.sentAt) < udpResendInterval {
				continue
			}
			out.sentAt = now
			c.lastSent = now
			_ = u.writeTo(h, c.addr, udpKindData, Reliable, out.payload)
		}
		if now.Sub(c.lastSent) >= udpKeepAliveInterval {
			c.lastSent = now
			_ = u.writeTo(h, c.addr, udpKindKeepAlive, Reliable, nil)
		}
	}
}
