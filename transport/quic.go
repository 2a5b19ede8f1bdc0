package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Joy-less/RemSend-sub000/message"
	"github.com/Joy-less/RemSend-sub000/protocol"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// QUIC maps delivery modes onto a single QUIC connection per peer:
//
//	Reliable, UnreliableOrdered → one unidirectional stream per channel
//	Unreliable                  → DATAGRAM frames (stream fallback when too large)
//
// The dialer opens a bidirectional stream for the Hello exchange and closes it
// afterwards.
type QUIC struct {
	id     message.PeerID
	logger *zap.Logger
	server *tls.Config
	client *tls.Config
	config *quic.Config

	listener *quic.Listener
	self     *inbox

	mu    sync.RWMutex
	peers map[message.PeerID]*quicPeer
	recv  Receiver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

type QUICConfig struct {
	ID message.PeerID
	// ServerTLS is required to Listen. ClientTLS defaults to InsecureClientTLS.
	ServerTLS *tls.Config
	ClientTLS *tls.Config
	// KeepAlive is the QUIC keep-alive period; zero means DefaultHeartbeatInterval.
	KeepAlive time.Duration
	Logger    *zap.Logger
}

type quicPeer struct {
	id   message.PeerID
	conn *quic.Conn

	mu      sync.Mutex
	streams map[int]*quicStream
}

type quicStream struct {
	mu     sync.Mutex
	stream *quic.SendStream
}

func NewQUIC(cfg QUICConfig) *QUIC {
	q := &QUIC{
		id:     cfg.ID,
		logger: cfg.Logger,
		server: cfg.ServerTLS,
		client: cfg.ClientTLS,
		self:   newInbox(),
		peers:  make(map[message.PeerID]*quicPeer),
	}
	if q.logger == nil {
		q.logger = zap.NewNop()
	}
	if q.client == nil {
		q.client = InsecureClientTLS()
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultHeartbeatInterval
	}
	q.config = &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: keepAlive,
		MaxIdleTimeout:  3 * keepAlive,
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Listen binds a UDP address. Call it before Start.
func (q *QUIC) Listen(address string) error {
	if q.server == nil {
		return errors.New("transport: QUIC listener needs a server TLS config")
	}
	ln, err := quic.ListenAddr(address, q.server, q.config)
	if err != nil {
		return err
	}
	q.listener = ln
	return nil
}

func (q *QUIC) Addr() net.Addr {
	if q.listener == nil {
		return nil
	}
	return q.listener.Addr()
}

func (q *QUIC) LocalID() message.PeerID { return q.id }

func (q *QUIC) Peers() []message.PeerID {
	q.mu.RLock()
	defer q.mu.RUnlock()
	peers := make([]message.PeerID, 0, len(q.peers))
	for id := range q.peers {
		peers = append(peers, id)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

func (q *QUIC) Start(ctx context.Context, recv Receiver) error {
	if q.closed.Load() {
		return ErrClosed
	}
	q.mu.Lock()
	q.recv = recv
	q.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			q.Close()
		case <-q.ctx.Done():
		}
	}()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.self.drain(q.ctx, recv)
	}()
	if q.listener != nil {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.acceptLoop()
		}()
	}
	return nil
}

func (q *QUIC) acceptLoop() {
	for {
		conn, err := q.listener.Accept(q.ctx)
		if err != nil {
			if !q.closed.Load() {
				q.logger.Warn("quic accept failed", zap.Error(err))
			}
			return
		}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			p, err := q.handshake(conn, false)
			if err != nil {
				q.logger.Debug("quic handshake failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
				conn.CloseWithError(1, "handshake failed")
				return
			}
			q.serve(p)
		}()
	}
}

// Dial connects to the peer at address and returns its id.
func (q *QUIC) Dial(ctx context.Context, address string) (message.PeerID, error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}
	conn, err := quic.DialAddr(ctx, address, q.client, q.config)
	if err != nil {
		return 0, err
	}
	p, err := q.handshake(conn, true)
	if err != nil {
		conn.CloseWithError(1, "handshake failed")
		return 0, err
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.serve(p)
	}()
	return p.id, nil
}

func (q *QUIC) handshake(conn *quic.Conn, dialer bool) (*quicPeer, error) {
	ctx, cancel := context.WithTimeout(q.ctx, handshakeTimeout)
	defer cancel()

	var (
		stream *quic.Stream
		err    error
	)
	if dialer {
		stream, err = conn.OpenStreamSync(ctx)
	} else {
		stream, err = conn.AcceptStream(ctx)
	}
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(handshakeTimeout))

	hello := protocol.Hello{PeerID: int32(q.id), Version: protocol.ProtocolVersion}
	if dialer {
		if err := protocol.WriteHello(stream, hello); err != nil {
			return nil, err
		}
	}
	remote, err := protocol.ReadHello(stream)
	if err != nil {
		return nil, err
	}
	if !dialer {
		if err := protocol.WriteHello(stream, hello); err != nil {
			return nil, err
		}
	}

	id := message.PeerID(remote.PeerID)
	if id <= message.Broadcast || id == q.id {
		return nil, fmt.Errorf("transport: peer announced invalid id %d", id)
	}
	p := &quicPeer{id: id, conn: conn, streams: make(map[int]*quicStream)}
	q.mu.Lock()
	old := q.peers[id]
	q.peers[id] = p
	q.mu.Unlock()
	if old != nil {
		old.conn.CloseWithError(0, "replaced")
	}
	q.logger.Debug("quic peer connected", zap.Int32("peer", int32(id)), zap.Stringer("remote", conn.RemoteAddr()))
	return p, nil
}

// serve reads datagrams and incoming streams until the connection ends.
func (q *QUIC) serve(p *quicPeer) {
	defer q.drop(p)
	ctx := p.conn.Context()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			data, err := p.conn.ReceiveDatagram(ctx)
			if err != nil {
				return
			}
			q.deliver(p.id, data)
		}
	}()

	for {
		stream, err := p.conn.AcceptUniStream(ctx)
		if err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.readStream(p, stream)
		}()
	}
	wg.Wait()
}

// readStream consumes one ordered channel.
func (q *QUIC) readStream(p *quicPeer, stream *quic.ReceiveStream) {
	for {
		header, body, err := protocol.Decode(stream)
		if err != nil {
			return
		}
		if header.FrameType != protocol.FrameData {
			continue
		}
		q.deliver(p.id, body)
	}
}

func (q *QUIC) deliver(from message.PeerID, data []byte) {
	q.mu.RLock()
	recv := q.recv
	q.mu.RUnlock()
	if recv != nil {
		recv(from, data)
	}
}

func (q *QUIC) drop(p *quicPeer) {
	p.conn.CloseWithError(0, "")
	q.mu.Lock()
	if q.peers[p.id] == p {
		delete(q.peers, p.id)
	}
	q.mu.Unlock()
}

func (q *QUIC) Send(peer message.PeerID, mode Mode, channel int, data []byte) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if err := CheckChannel(channel); err != nil {
		return err
	}
	if peer == q.id {
		q.self.push(packet{from: message.Broadcast, data: append([]byte(nil), data...)})
		return nil
	}
	q.mu.RLock()
	p, ok := q.peers[peer]
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, peer)
	}

	if mode == Unreliable {
		err := p.conn.SendDatagram(data)
		var tooLarge *quic.DatagramTooLargeError
		if !errors.As(err, &tooLarge) {
			return err
		}
	}

	s, err := p.stream(q.ctx, channel)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.Encode(s.stream, &protocol.Header{
		FrameType: protocol.FrameData,
		Mode:      byte(mode),
		Channel:   uint16(channel),
	}, data)
}

// stream returns the send stream for channel, opening it on first use.
func (p *quicPeer) stream(ctx context.Context, channel int) (*quicStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.streams[channel]; ok {
		return s, nil
	}
	st, err := p.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	s := &quicStream{stream: st}
	p.streams[channel] = s
	return s, nil
}

func (q *QUIC) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	q.cancel()
	if q.listener != nil {
		q.listener.Close()
	}
	q.mu.Lock()
	for _, p := range q.peers {
		p.conn.CloseWithError(0, "closing")
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}
