package transport

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/Joy-less/RemSend-sub000/message"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// AMQP relays packets through a broker. Every peer owns one queue bound to a
// direct exchange shared by the session:
//
//	exchange  <session>.remsend.exchange   (direct)
//	queue     <session>.remsend.peer.<id>  (routing key = queue name)
//
// A single publishing channel and a single consumer per peer keep packets
// between two peers in order. The broker has no notion of membership, so the
// peer list is fed through SetPeers, usually from a registry watch.
type AMQP struct {
	url      string
	session  string
	id       message.PeerID
	exchange string
	logger   *zap.Logger

	conn *amqp.Connection
	in   *amqp.Channel

	sending sync.Mutex
	out     *amqp.Channel

	self *inbox

	mu    sync.RWMutex
	peers map[message.PeerID]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

const (
	headerSender  = "remsend-sender"
	headerChannel = "remsend-channel"
)

type AMQPConfig struct {
	URL     string
	Session string
	ID      message.PeerID
	Logger  *zap.Logger
}

func NewAMQP(cfg AMQPConfig) *AMQP {
	t := &AMQP{
		url:      cfg.URL,
		session:  cfg.Session,
		id:       cfg.ID,
		exchange: cfg.Session + ".remsend.exchange",
		logger:   cfg.Logger,
		self:     newInbox(),
		peers:    make(map[message.PeerID]bool),
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	return t
}

func (t *AMQP) queue(id message.PeerID) string {
	return t.session + ".remsend.peer." + strconv.Itoa(int(id))
}

func (t *AMQP) LocalID() message.PeerID { return t.id }

// SetPeers replaces the set of reachable peers. The local id is ignored.
func (t *AMQP) SetPeers(ids []message.PeerID) {
	peers := make(map[message.PeerID]bool, len(ids))
	for _, id := range ids {
		if id > message.Broadcast && id != t.id {
			peers[id] = true
		}
	}
	t.mu.Lock()
	t.peers = peers
	t.mu.Unlock()
}

func (t *AMQP) Peers() []message.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]message.PeerID, 0, len(t.peers))
	for id := range t.peers {
		peers = append(peers, id)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// Start dials the broker, declares the topology and begins consuming.
func (t *AMQP) Start(ctx context.Context, recv Receiver) error {
	if t.closed.Load() {
		return ErrClosed
	}
	var err error
	t.conn, err = amqp.Dial(t.url)
	if err != nil {
		return err
	}
	if t.out, err = t.conn.Channel(); err != nil {
		t.conn.Close()
		return err
	}
	if err = t.out.ExchangeDeclare(t.exchange, "direct", false, true, false, false, nil); err != nil {
		t.conn.Close()
		return err
	}
	if t.in, err = t.conn.Channel(); err != nil {
		t.conn.Close()
		return err
	}

	name := t.queue(t.id)
	if _, err = t.in.QueueDeclare(name, false, true, true, false, nil); err != nil {
		t.conn.Close()
		return err
	}
	if err = t.in.QueueBind(name, name, t.exchange, false, nil); err != nil {
		t.conn.Close()
		return err
	}
	deliveries, err := t.in.Consume(name, "", false, true, false, false, nil)
	if err != nil {
		t.conn.Close()
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.self.drain(ctx, recv)
	}()
	go func() {
		defer t.wg.Done()
		t.handle(ctx, deliveries, recv)
	}()
	go func() {
		<-ctx.Done()
		t.Close()
	}()
	return nil
}

func (t *AMQP) handle(ctx context.Context, in <-chan amqp.Delivery, recv Receiver) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			sender, ok := msg.Headers[headerSender].(int32)
			if !ok || sender <= 0 {
				t.logger.Debug("amqp delivery without sender", zap.String("routing_key", msg.RoutingKey))
				msg.Nack(false, false)
				continue
			}
			t.mu.Lock()
			if !t.peers[message.PeerID(sender)] && message.PeerID(sender) != t.id {
				t.peers[message.PeerID(sender)] = true
			}
			t.mu.Unlock()
			recv(message.PeerID(sender), msg.Body)
			msg.Ack(false)
		}
	}
}

func (t *AMQP) Send(peer message.PeerID, mode Mode, channel int, data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if peer == t.id {
		t.self.push(packet{from: message.Broadcast, data: append([]byte(nil), data...)})
		return nil
	}
	t.mu.RLock()
	known := t.peers[peer]
	t.mu.RUnlock()
	if !known {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, peer)
	}
	if t.out == nil {
		return ErrClosed
	}

	publishing := amqp.Publishing{
		Headers: amqp.Table{
			headerSender:  int32(t.id),
			headerChannel: int32(channel),
		},
		DeliveryMode: amqp.Transient,
		Body:         data,
	}
	if mode == Reliable {
		publishing.DeliveryMode = amqp.Persistent
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	return t.out.Publish(t.exchange, t.queue(peer), false, false, publishing)
}

func (t *AMQP) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			t.logger.Debug("amqp close", zap.Error(err))
		}
	}
	t.wg.Wait()
	return nil
}
