package p2p

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/datacapsule/go-capsulelog/wire"
)

var (
	ErrNoHello      = errors.New("peer closed before identifying itself")
	ErrUnknownGroup = errors.New("unknown multicast group")
)

const dialTimeout = 2 * time.Second

// Comm owns this peer's listener and one outbound queue per known peer.
// Accept yields one Receiver per inbound connection; NewSender hands out
// cheap handles that enqueue into the shared queues.
type Comm struct {
	cfg      Config
	listener net.Listener
	log      zerolog.Logger

	mu      sync.Mutex
	queues  map[string]*msgQueue
	dialed  []net.Conn
}

// Listen binds this peer's address and pre-dials every other configured
// peer. Peers that are not up yet are simply skipped; they will connect to
// us instead.
func Listen(cfg Config, log zerolog.Logger) (*Comm, error) {
	addr := cfg.AddrMap[cfg.Name]
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	c := &Comm{
		cfg:      cfg,
		listener: listener,
		log:      log.With().Str("peer", cfg.Name).Logger(),
		queues:   make(map[string]*msgQueue),
	}
	for name := range cfg.AddrMap {
		if name != cfg.Name {
			c.queues[name] = newMsgQueue()
		}
	}

	for name, peerAddr := range cfg.AddrMap {
		if name == cfg.Name {
			continue
		}
		conn, err := net.DialTimeout("tcp", peerAddr, dialTimeout)
		if err != nil {
			continue
		}
		c.dialed = append(c.dialed, conn)
	}
	return c, nil
}

// Addr returns the bound listen address, useful when the configured port
// was 0.
func (c *Comm) Addr() net.Addr {
	return c.listener.Addr()
}

// Close shuts the listener and every outbound queue.
func (c *Comm) Close() error {
	c.mu.Lock()
	for _, q := range c.queues {
		q.close()
	}
	c.mu.Unlock()
	return c.listener.Close()
}

// Accept waits for the next connection, performs the hello exchange, and
// wires the peer's outbound queue to the connection. The returned Receiver
// yields that peer's inbound messages.
func (c *Comm) Accept() (*Receiver, error) {
	conn, err := c.nextConn()
	if err != nil {
		return nil, err
	}

	bw := bufio.NewWriter(conn)
	br := bufio.NewReader(conn)

	// identify ourselves, then learn who is on the other side
	hello := Message{Sender: c.cfg.Name}
	if err := wire.WriteMessage(bw, &hello); err != nil {
		conn.Close()
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		conn.Close()
		return nil, err
	}
	var peerHello Message
	if err := wire.ReadMessage(br, &peerHello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrNoHello, err)
	}
	peer := peerHello.Sender

	c.mu.Lock()
	q, ok := c.queues[peer]
	if !ok {
		// a peer outside the static map still gets a queue, so late-joining
		// clients can be answered
		q = newMsgQueue()
		c.queues[peer] = q
	}
	c.mu.Unlock()

	go writeLoop(conn, bw, q, c.log.With().Str("to", peer).Logger())

	return &Receiver{peer: peer, conn: conn, r: br}, nil
}

func (c *Comm) nextConn() (net.Conn, error) {
	c.mu.Lock()
	if n := len(c.dialed); n > 0 {
		conn := c.dialed[n-1]
		c.dialed = c.dialed[:n-1]
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()
	return c.listener.Accept()
}

// writeLoop drains one peer queue into the connection. Frames are fed
// without flushing while more are ready, so many messages share a TCP
// segment; the buffer is flushed before blocking.
func writeLoop(conn net.Conn, bw *bufio.Writer, q *msgQueue, log zerolog.Logger) {
	defer conn.Close()
	for {
		m, ok, closed := q.tryPop()
		if !ok {
			if closed {
				return
			}
			if err := bw.Flush(); err != nil {
				log.Debug().Err(err).Msg("flush failed, dropping connection")
				return
			}
			if m, ok = q.pop(); !ok {
				return
			}
		}
		if err := wire.WriteMessage(bw, &m); err != nil {
			log.Debug().Err(err).Msg("send failed, dropping connection")
			return
		}
	}
}

// NewSender returns a handle that enqueues into this Comm's queues.
func (c *Comm) NewSender() *Sender {
	return &Sender{comm: c}
}

// Sender enqueues messages for delivery. Safe for concurrent use.
type Sender struct {
	comm *Comm
}

// SendOne enqueues a message for its destination peer. Unknown
// destinations are dropped silently; a known peer's messages wait in its
// queue until a connection to it is accepted. Delivery is best-effort.
func (s *Sender) SendOne(m Message) error {
	s.comm.mu.Lock()
	q, ok := s.comm.queues[m.Dest]
	s.comm.mu.Unlock()
	if !ok {
		return nil
	}
	q.push(m)
	return nil
}

// SendMulti fans a message out to every member of the named group.
func (s *Sender) SendMulti(m Message) error {
	group, ok := s.comm.cfg.McastGroups[m.Dest]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, m.Dest)
	}
	for _, peer := range group {
		out := m
		out.Dest = peer
		if err := s.SendOne(out); err != nil {
			return err
		}
	}
	return nil
}

// Receiver yields the inbound messages of one accepted connection.
type Receiver struct {
	peer string
	conn net.Conn
	r    *bufio.Reader
}

// Peer is the name the other side identified with.
func (r *Receiver) Peer() string {
	return r.peer
}

// Receive blocks for the next message. Returns nil, nil on a clean close.
func (r *Receiver) Receive() (*Message, error) {
	var m Message
	if err := wire.ReadMessage(r.r, &m); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// Close drops the connection.
func (r *Receiver) Close() error {
	return r.conn.Close()
}
