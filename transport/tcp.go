package transport

// TCP runs every peer pair over one multiplexed TCP connection.
//
//	goroutine-1 ──Send(peer 2, ch 0)──┐
//	goroutine-2 ──Send(peer 2, ch 3)──┼──→ single TCP conn ──→ peer 2
//	dispatcher  ──Send(peer 2, ch 0)──┘
//
//	recvLoop: ←── frame ──→ Receiver(peer, body), one frame at a time
//
// Each side opens with a Hello frame (peer id + protocol version). Frames carry
// the requested mode and channel; a single TCP stream already delivers every
// mode reliably and in order, which is stronger than any mode asks for.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Joy-less/RemSend-sub000/message"
	"github.com/Joy-less/RemSend-sub000/protocol"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	handshakeTimeout         = 5 * time.Second
)

// TCPConfig configures a TCP transport.
type TCPConfig struct {
	ID message.PeerID
	// HeartbeatInterval between KeepAlive frames; a connection silent for
	// three intervals is dropped. Zero means DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// TCP is a Transport over TCP connections, one per remote peer.
type TCP struct {
	id        message.PeerID
	heartbeat time.Duration
	logger    *zap.Logger

	listener net.Listener
	self     *inbox // packets addressed to ourselves

	mu    sync.RWMutex
	conns map[message.PeerID]*tcpConn
	recv  Receiver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// tcpConn is one established connection.
type tcpConn struct {
	peer    message.PeerID
	conn    net.Conn
	sending sync.Mutex // Write lock: writes must be serialized to prevent frame interleaving
}

func (c *tcpConn) write(h *protocol.Header, body []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	return protocol.Encode(c.conn, h, body)
}

func NewTCP(cfg TCPConfig) *TCP {
	t := &TCP{
		id:        cfg.ID,
		heartbeat: cfg.HeartbeatInterval,
		logger:    cfg.Logger,
		self:      newInbox(),
		conns:     make(map[message.PeerID]*tcpConn),
	}
	if t.heartbeat <= 0 {
		t.heartbeat = DefaultHeartbeatInterval
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// Listen accepts incoming peers on address. Call it before Start.
func (t *TCP) Listen(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	t.listener = listener
	return nil
}

// Addr returns the listening address, or nil when not listening.
func (t *TCP) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TCP) LocalID() message.PeerID { return t.id }

func (t *TCP) Peers() []message.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]message.PeerID, 0, len(t.conns))
	for id := range t.conns {
		peers = append(peers, id)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// Start begins accepting connections and delivering packets to recv.
func (t *TCP) Start(ctx context.Context, recv Receiver) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.mu.Lock()
	t.recv = recv
	t.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-t.ctx.Done():
		}
	}()

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.self.drain(t.ctx, recv)
	}()
	go func() {
		defer t.wg.Done()
		t.heartbeatLoop()
	}()

	if t.listener != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.acceptLoop()
		}()
	}
	return nil
}

func (t *TCP) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			// During Close, listener.Close() causes Accept to return an error.
			if !t.closed.Load() {
				t.logger.Warn("tcp accept failed", zap.Error(err))
			}
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			c, err := t.handshake(conn, false)
			if err != nil {
				t.logger.Debug("tcp handshake failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
				conn.Close()
				return
			}
			t.recvLoop(c)
		}()
	}
}

// Dial connects to the peer listening at address and returns its id.
func (t *TCP) Dial(ctx context.Context, address string) (message.PeerID, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return 0, err
	}
	c, err := t.handshake(conn, true)
	if err != nil {
		conn.Close()
		return 0, err
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.recvLoop(c)
	}()
	return c.peer, nil
}

// handshake exchanges Hello frames and registers the connection. The dialing
// side speaks first.
func (t *TCP) handshake(conn net.Conn, dialer bool) (*tcpConn, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	hello := protocol.Hello{PeerID: int32(t.id), Version: protocol.ProtocolVersion}
	if dialer {
		if err := protocol.WriteHello(conn, hello); err != nil {
			return nil, err
		}
	}
	remote, err := protocol.ReadHello(conn)
	if err != nil {
		return nil, err
	}
	if !dialer {
		if err := protocol.WriteHello(conn, hello); err != nil {
			return nil, err
		}
	}

	peer := message.PeerID(remote.PeerID)
	if peer <= message.Broadcast || peer == t.id {
		return nil, fmt.Errorf("transport: peer announced invalid id %d", peer)
	}

	c := &tcpConn{peer: peer, conn: conn}
	t.mu.Lock()
	old := t.conns[peer]
	t.conns[peer] = c
	t.mu.Unlock()
	if old != nil {
		// The newer connection wins; the old recvLoop exits on its own.
		old.conn.Close()
	}
	t.logger.Debug("tcp peer connected", zap.Int32("peer", int32(peer)), zap.Stringer("remote", conn.RemoteAddr()))
	return c, nil
}

// recvLoop reads frames sequentially; a byte stream has exactly one reader.
func (t *TCP) recvLoop(c *tcpConn) {
	defer t.drop(c)
	for {
		c.conn.SetReadDeadline(time.Now().Add(3 * t.heartbeat))
		header, body, err := protocol.Decode(c.conn)
		if err != nil {
			if !t.closed.Load() && !errors.Is(err, net.ErrClosed) {
				t.logger.Debug("tcp connection lost", zap.Int32("peer", int32(c.peer)), zap.Error(err))
			}
			return
		}

		switch header.FrameType {
		case protocol.FrameHeartbeat:
			continue
		case protocol.FrameData:
			t.mu.RLock()
			recv := t.recv
			t.mu.RUnlock()
			if recv != nil {
				recv(c.peer, body)
			}
		default:
			t.logger.Debug("unexpected frame", zap.Int32("peer", int32(c.peer)), zap.Uint8("type", uint8(header.FrameType)))
			return
		}
	}
}

func (t *TCP) drop(c *tcpConn) {
	c.conn.Close()
	t.mu.Lock()
	if t.conns[c.peer] == c {
		delete(t.conns, c.peer)
	}
	t.mu.Unlock()
}

func (t *TCP) Send(peer message.PeerID, mode Mode, channel int, data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := CheckChannel(channel); err != nil {
		return err
	}
	if peer == t.id {
		t.self.push(packet{from: message.Broadcast, data: append([]byte(nil), data...)})
		return nil
	}
	t.mu.RLock()
	c, ok := t.conns[peer]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, peer)
	}
	err := c.write(&protocol.Header{
		FrameType: protocol.FrameData,
		Mode:      byte(mode),
		Channel:   uint16(channel),
	}, data)
	if err != nil {
		t.drop(c)
	}
	return err
}

// heartbeatLoop keeps idle connections alive so the remote read deadline
// does not fire.
func (t *TCP) heartbeatLoop() {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}
		t.mu.RLock()
		conns := make([]*tcpConn, 0, len(t.conns))
		for _, c := range t.conns {
			conns = append(conns, c)
		}
		t.mu.RUnlock()

		for _, c := range conns {
			if err := c.write(&protocol.Header{FrameType: protocol.FrameHeartbeat}, nil); err != nil {
				t.drop(c)
			}
		}
	}
}

// Close stops the listener, closes every connection and waits for the
// background goroutines.
func (t *TCP) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.cancel()
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	for _, c := range t.conns {
		c.conn.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}
