package gossip

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gholt/ringstore/ring"
)

// TCPTransport is the stock Transport: one TCP connection per peer,
// frames of a type byte, a 3-byte big-endian length, and the payload.
// Sends are fire-and-forget; a full outbound queue or a dead connection
// drops the frame, which gossip tolerates by design of the protocol's
// periodic re-exchange.
//
// The dialing side opens each connection with a hello frame (MsgType 0)
// carrying its endpoint identifier, since the TCP peer address is an
// ephemeral port, not the peer's gossip identity.
type TCPTransport struct {
	localEndpoint ring.Endpoint
	logError      LogFunc
	logWarning    LogFunc

	handlerLock sync.RWMutex
	handlers    map[MsgType]func(source ring.Endpoint, payload []byte)

	connLock sync.Mutex
	conns    map[ring.Endpoint]*peerConn

	listener  net.Listener
	listening chan struct{}
	closing   uint32
}

const (
	msgHello MsgType = 0

	frameTypeBytes   = 1
	frameLengthBytes = 3
	maxFrameLength   = 1<<(8*frameLengthBytes) - 1

	connQueueDepth = 40
	connIODeadline = 5 * time.Second
)

type frame struct {
	msgType MsgType
	payload []byte
}

// peerConn owns one TCP connection's read and write goroutines.
type peerConn struct {
	t         *TCPTransport
	endpoint  ring.Endpoint
	conn      net.Conn
	writeChan chan frame
	closing   uint32
}

// NewTCPTransport builds a transport identified on the wire as
// localEndpoint, which must also be the host:port Listen binds.
// logError and logWarning may be nil.
func NewTCPTransport(localEndpoint ring.Endpoint, logError, logWarning LogFunc) *TCPTransport {
	if logError == nil {
		logError = discardLog
	}
	if logWarning == nil {
		logWarning = discardLog
	}
	return &TCPTransport{
		localEndpoint: localEndpoint,
		logError:      logError,
		logWarning:    logWarning,
		handlers:      make(map[MsgType]func(ring.Endpoint, []byte)),
		conns:         make(map[ring.Endpoint]*peerConn),
		listening:     make(chan struct{}),
	}
}

// Listen binds the local endpoint's address and starts accepting peer
// connections. It returns once the socket is bound; WaitUntilListening
// unblocks at the same moment.
func (t *TCPTransport) Listen() error {
	l, err := net.Listen("tcp", string(t.localEndpoint))
	if err != nil {
		return err
	}
	t.listener = l
	close(t.listening)
	go t.accepting()
	return nil
}

// WaitUntilListening implements Transport.
func (t *TCPTransport) WaitUntilListening() error {
	<-t.listening
	return nil
}

// SetMsgHandler implements Transport.
func (t *TCPTransport) SetMsgHandler(msgType MsgType, handler func(source ring.Endpoint, payload []byte)) {
	t.handlerLock.Lock()
	t.handlers[msgType] = handler
	t.handlerLock.Unlock()
}

func (t *TCPTransport) handler(msgType MsgType) func(ring.Endpoint, []byte) {
	t.handlerLock.RLock()
	h := t.handlers[msgType]
	t.handlerLock.RUnlock()
	return h
}

// SendOneWay implements Transport. The first send to a peer dials it;
// subsequent sends reuse the connection. Frames are dropped rather than
// queued without bound.
func (t *TCPTransport) SendOneWay(destination ring.Endpoint, msgType MsgType, payload []byte) {
	if atomic.LoadUint32(&t.closing) != 0 {
		return
	}
	if len(payload) > maxFrameLength {
		t.logError("transport: dropping oversized %d-byte frame to %s", len(payload), destination)
		return
	}
	pc, err := t.peer(destination)
	if err != nil {
		t.logWarning("transport: cannot reach %s: %s", destination, err)
		return
	}
	pc.send(frame{msgType: msgType, payload: payload})
}

// Close stops accepting, closes every peer connection, and marks the
// transport down for future sends.
func (t *TCPTransport) Close() {
	if !atomic.CompareAndSwapUint32(&t.closing, 0, 1) {
		return
	}
	if t.listener != nil {
		t.listener.Close()
	}
	t.connLock.Lock()
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.conns = make(map[ring.Endpoint]*peerConn)
	t.connLock.Unlock()
	for _, pc := range conns {
		pc.close()
	}
}

func (t *TCPTransport) accepting() {
	for {
		c, err := t.listener.Accept()
		if err != nil {
			if atomic.LoadUint32(&t.closing) == 0 {
				t.logError("transport: accept: %s", err)
			}
			return
		}
		go t.handshaking(c)
	}
}

// handshaking reads the peer's hello frame and registers the connection
// under the identity it announces, replacing any previous connection from
// the same peer.
func (t *TCPTransport) handshaking(c net.Conn) {
	c.SetReadDeadline(time.Now().Add(connIODeadline))
	f, err := readFrame(c)
	if err != nil || f.msgType != msgHello {
		t.logWarning("transport: rejecting connection from %s: bad hello", c.RemoteAddr())
		c.Close()
		return
	}
	c.SetReadDeadline(time.Time{})
	source := ring.Endpoint(f.payload)
	pc := &peerConn{
		t:         t,
		endpoint:  source,
		conn:      c,
		writeChan: make(chan frame, connQueueDepth),
	}
	t.connLock.Lock()
	prev := t.conns[source]
	t.conns[source] = pc
	t.connLock.Unlock()
	if prev != nil {
		prev.close()
	}
	pc.start()
}

// peer returns the registered connection for destination, dialing a new
// one if none is live.
func (t *TCPTransport) peer(destination ring.Endpoint) (*peerConn, error) {
	t.connLock.Lock()
	pc := t.conns[destination]
	t.connLock.Unlock()
	if pc != nil && atomic.LoadUint32(&pc.closing) == 0 {
		return pc, nil
	}
	c, err := net.DialTimeout("tcp", string(destination), connIODeadline)
	if err != nil {
		return nil, err
	}
	pc = &peerConn{
		t:         t,
		endpoint:  destination,
		conn:      c,
		writeChan: make(chan frame, connQueueDepth),
	}
	// The hello must be the first frame out, so it is enqueued before the
	// connection becomes visible to other senders.
	pc.writeChan <- frame{msgType: msgHello, payload: []byte(t.localEndpoint)}
	t.connLock.Lock()
	if existing := t.conns[destination]; existing != nil && atomic.LoadUint32(&existing.closing) == 0 {
		// Another goroutine won the dial race; use its connection.
		t.connLock.Unlock()
		c.Close()
		return existing, nil
	}
	t.conns[destination] = pc
	t.connLock.Unlock()
	pc.start()
	return pc, nil
}

func (pc *peerConn) start() {
	go pc.reading()
	go pc.writing()
}

func (pc *peerConn) send(f frame) {
	if atomic.LoadUint32(&pc.closing) != 0 {
		return
	}
	select {
	case pc.writeChan <- f:
	default:
	}
}

func (pc *peerConn) close() {
	if atomic.CompareAndSwapUint32(&pc.closing, 0, 1) {
		pc.conn.Close()
		// Unblock the writing goroutine if it is parked on an empty queue;
		// it notices closing and returns.
		select {
		case pc.writeChan <- frame{}:
		default:
		}
	}
}

// detach drops pc from the transport's connection table so the next send
// redials, then closes the socket.
func (pc *peerConn) detach() {
	pc.t.connLock.Lock()
	if pc.t.conns[pc.endpoint] == pc {
		delete(pc.t.conns, pc.endpoint)
	}
	pc.t.connLock.Unlock()
	pc.close()
}

func (pc *peerConn) reading() {
	for {
		f, err := readFrame(pc.conn)
		if err != nil {
			if err != io.EOF && atomic.LoadUint32(&pc.closing) == 0 {
				pc.t.logError("transport: reading from %s: %s", pc.endpoint, err)
			}
			pc.detach()
			return
		}
		if f.msgType == msgHello {
			continue
		}
		h := pc.t.handler(f.msgType)
		if h == nil {
			pc.t.logWarning("transport: unknown msg type %d from %s", f.msgType, pc.endpoint)
			continue
		}
		h(pc.endpoint, f.payload)
	}
}

func (pc *peerConn) writing() {
	header := make([]byte, frameTypeBytes+frameLengthBytes)
	for f := range pc.writeChan {
		if atomic.LoadUint32(&pc.closing) != 0 {
			return
		}
		header[0] = byte(f.msgType)
		l := len(f.payload)
		for i := frameLengthBytes - 1; i >= 0; i-- {
			header[frameTypeBytes+i] = byte(l)
			l >>= 8
		}
		pc.conn.SetWriteDeadline(time.Now().Add(connIODeadline))
		if _, err := pc.conn.Write(header); err != nil {
			pc.t.logError("transport: writing to %s: %s", pc.endpoint, err)
			pc.detach()
			return
		}
		if _, err := pc.conn.Write(f.payload); err != nil {
			pc.t.logError("transport: writing to %s: %s", pc.endpoint, err)
			pc.detach()
			return
		}
	}
}

func readFrame(c net.Conn) (frame, error) {
	header := make([]byte, frameTypeBytes+frameLengthBytes)
	if _, err := io.ReadFull(c, header); err != nil {
		return frame{}, err
	}
	var l int
	for i := 0; i < frameLengthBytes; i++ {
		l = l<<8 | int(header[frameTypeBytes+i])
	}
	payload := make([]byte, l)
	if _, err := io.ReadFull(c, payload); err != nil {
		return frame{}, err
	}
	return frame{msgType: MsgType(header[0]), payload: payload}, nil
}
