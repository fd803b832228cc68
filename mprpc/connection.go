package mprpc

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/solidoss/solidframe-sub006/internal/actor"
	"github.com/solidoss/solidframe-sub006/internal/xlog"
	"github.com/solidoss/solidframe-sub006/message"
	"github.com/solidoss/solidframe-sub006/wire"
)

// State is one of the Connection states from spec.md §3/§4.4.
type State int

const (
	StateConnecting State = iota
	StateSecureHandshaking
	StateRaw
	StatePassive
	StateActive
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateSecureHandshaking:
		return "SecureHandshaking"
	case StateRaw:
		return "Raw"
	case StatePassive:
		return "Passive"
	case StateActive:
		return "Active"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "unknown"
	}
}

var nextConnID uint64

// RecipientID identifies a logical recipient that outlives a single
// connection attempt, per spec.md §3 "Session / RecipientId".
type RecipientID struct {
	PoolIndex       int
	ConnectionIndex int
	Generation      uint64
}

// RecipientID reports the identity a sendMessage/sendRequest/cancelMessage
// call targeting this connection's pool slot would resolve, or the zero
// value if this connection is not owned by a pool (nil pool, e.g. a
// freshly accepted inbound connection).
func (c *Connection) RecipientID() RecipientID {
	if c.pool == nil {
		return RecipientID{}
	}
	return RecipientID{PoolIndex: c.poolIndex, ConnectionIndex: c.connIndex, Generation: c.connGeneration}
}

type pendingRequest struct {
	typeID uint32
	sent   interface{}
	entry  *typeEntry
}

// Connection owns one socket and drives its send/recv loops and state
// machine, per spec.md §4.4.
type Connection struct {
	svc  *Service
	pool *Pool // nil for connections not owned by a pool (e.g. raw server-accepted, pre-registration)
	cfg  Config
	log  *xlog.Logger

	id        uint64
	localAddr string
	peerAddr  string
	peerRelay uint32
	isClient  bool

	// poolIndex/connIndex/connGeneration back this connection's RecipientID,
	// per spec.md §3 "Session / RecipientId." Zero value (no pool) for
	// connections not owned by a pool.
	poolIndex      int
	connIndex      int
	connGeneration uint64

	conn net.Conn

	writeMu sync.Mutex

	mu    sync.Mutex
	state State

	writer *message.Writer
	reader *message.Reader

	wake chan struct{}

	rawMode   atomic.Bool
	rawRecvCh chan []byte

	lastSendUnix       int64
	lastRecvUnix       int64
	keepaliveRecvCount int64 // touched from recvLoop and timerLoop; atomic

	loop *actor.Loop

	pendingMu sync.Mutex
	pending   map[uint64]*pendingRequest
	nextReqID uint64

	stopOnce sync.Once
	stopped  chan struct{}
	stopErr  error
}

func newConnection(svc *Service, conn net.Conn, isClient bool, cfg Config) *Connection {
	c := &Connection{
		svc:       svc,
		cfg:       cfg,
		log:       cfg.Logger,
		id:        atomic.AddUint64(&nextConnID, 1),
		isClient:  isClient,
		conn:      conn,
		writer:    message.NewWriter(cfg.WriterMaxMultiplex, cfg.MaxMessageSize),
		reader:    message.NewReader(cfg.WriterMaxMultiplex, cfg.MaxMessageSize),
		wake:      make(chan struct{}, 1),
		rawRecvCh: make(chan []byte, 16),
		loop:      actor.NewLoop(256),
		pending:   make(map[uint64]*pendingRequest),
		stopped:   make(chan struct{}),
		state:     StateConnecting,
	}
	if conn != nil {
		c.localAddr = conn.LocalAddr().String()
		c.peerAddr = conn.RemoteAddr().String()
	}
	c.reader.OnReassemblySize = func(n int) {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.SetReassemblySize(n)
		}
	}
	return c
}

// ID returns this connection's process-unique id.
func (c *Connection) ID() uint64 { return c.id }

// State returns the current state, safe for concurrent callers.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// start begins the connection's actor loop plus its send/recv goroutines.
// Secure handshake, if configured, runs inline before the loops start.
func (c *Connection) start() error {
	go c.loop.Run()

	if c.cfg.ConnectionStartTLS && c.cfg.TLSConfig != nil {
		c.setState(StateSecureHandshaking)
		if err := c.handshakeTLS(); err != nil {
			c.fail(newErr(KindHandshake, "tls handshake failed", err))
			return err
		}
	}

	switch c.cfg.ConnectionStart {
	case StartPassive:
		c.setState(StatePassive)
	case StartActive:
		c.setState(StateActive)
	default:
		c.setState(StateRaw)
	}

	go c.recvLoop()
	go c.sendLoop()
	go c.timerLoop()

	if c.cfg.Hooks.OnConnectionStart != nil {
		c.cfg.Hooks.OnConnectionStart(Context{Service: c.svc, Connection: c})
	}

	return nil
}

func (c *Connection) handshakeTLS() error {
	var tlsConn *tls.Conn
	if c.isClient {
		tlsConn = tls.Client(c.conn, c.cfg.TLSConfig)
	} else {
		tlsConn = tls.Server(c.conn, c.cfg.TLSConfig)
	}
	ctx := c.conn
	_ = ctx
	deadline := time.Now().Add(c.cfg.SecuredTimeout)
	if c.cfg.SecuredTimeout > 0 {
		tlsConn.SetDeadline(deadline)
	}
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	if c.cfg.SecuredTimeout > 0 {
		tlsConn.SetDeadline(time.Time{})
	}
	c.conn = tlsConn
	return nil
}

// EnterPassive transitions Raw -> Passive: the writer/reader are engaged
// but no new messages are admitted from the pool.
func (c *Connection) EnterPassive() error {
	return c.transition(StateRaw, StatePassive)
}

// StartSecureHandshake upgrades a Raw connection to TLS on demand, for
// protocols that decide to secure the channel only after some plaintext
// preamble, per spec.md §4.6 "connectionNotifyStartSecureHandshake."
func (c *Connection) StartSecureHandshake() error {
	if err := c.transition(StateRaw, StateSecureHandshaking); err != nil {
		return err
	}
	if c.cfg.TLSConfig == nil {
		return newErr(KindHandshake, "no TLS config set", nil)
	}
	if err := c.handshakeTLS(); err != nil {
		c.fail(newErr(KindHandshake, "tls handshake failed", err))
		return err
	}
	c.setState(StateRaw)
	return nil
}

// SendAllRawData writes data directly to the socket, bypassing the
// message Writer, for the pre-framing exchanges spec.md §4.6's
// "connectionNotifySendAllRawData" supports while a connection is Raw.
func (c *Connection) SendAllRawData(data []byte) error {
	if c.State() != StateRaw {
		return newErr(KindBadState, "SendAllRawData requires Raw state", nil)
	}
	return c.writeRaw(data)
}

// EnableRawRecv diverts subsequent bytes read from the socket to
// RecvSomeRawData instead of the packet framer. Only meaningful in Raw
// state; call DisableRawRecv once the pre-framing exchange is complete.
// EnterActive and EnterPassive do not turn raw-receive mode off.
func (c *Connection) EnableRawRecv() { c.rawMode.Store(true) }

// DisableRawRecv resumes normal packet framing of incoming bytes.
func (c *Connection) DisableRawRecv() { c.rawMode.Store(false) }

// RecvSomeRawData returns the next chunk of raw bytes read from the
// socket while raw-receive mode is enabled, per spec.md §4.6
// "connectionNotifyRecvSomeRawData." It blocks until data arrives, the
// connection stops, or done is closed.
func (c *Connection) RecvSomeRawData(done <-chan struct{}) ([]byte, error) {
	select {
	case b := <-c.rawRecvCh:
		return b, nil
	case <-c.stopped:
		return nil, newErr(KindPeerClosed, "connection stopped", nil)
	case <-done:
		return nil, newErr(KindConnectTimeout, "RecvSomeRawData canceled", nil)
	}
}

// EnterActive transitions Raw/Passive -> Active.
func (c *Connection) EnterActive() error {
	c.mu.Lock()
	if c.state != StateRaw && c.state != StatePassive {
		c.mu.Unlock()
		return newErr(KindBadState, fmt.Sprintf("cannot enter Active from %v", c.state), nil)
	}
	c.state = StateActive
	c.mu.Unlock()
	if c.cfg.Hooks.OnConnectionEvent != nil {
		c.cfg.Hooks.OnConnectionEvent(Context{Service: c.svc, Connection: c}, "enter_active")
	}
	return nil
}

func (c *Connection) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return newErr(KindBadState, fmt.Sprintf("cannot transition %v -> %v from %v", from, to, c.state), nil)
	}
	c.state = to
	return nil
}

// Post schedules fn to run on this connection's actor loop, per spec.md
// §4.6 "connectionPost".
func (c *Connection) Post(fn func()) bool { return c.loop.Post(fn) }

// runOnLoop runs fn on the actor loop goroutine and waits for it to finish,
// serializing every touch of c.writer/c.reader through the single goroutine
// that owns them, per spec.md §5. It reports false if the loop has already
// stopped, in which case fn did not run.
func (c *Connection) runOnLoop(fn func()) bool {
	select {
	case <-c.stopped:
		return false
	default:
	}
	done := make(chan struct{})
	if !c.loop.Post(func() {
		fn()
		close(done)
	}) {
		return false
	}
	<-done
	return true
}

// Admit returns true if this connection currently accepts new outbound
// messages (Active only), per the pool admission policy in spec.md §4.5.
func (c *Connection) Admit() bool { return c.State() == StateActive }

// PendingLoad reports the number of in-flight outgoing messages, used by
// the pool's least-loaded connection selection. Routed through the actor
// loop since it reads writer state shared with the send/recv goroutines.
func (c *Connection) PendingLoad() int {
	var n int
	c.runOnLoop(func() { n = c.writer.PendingLoad() })
	return n
}

func (c *Connection) allocRequestID() uint64 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.nextReqID++
	return c.nextReqID
}

// sendOut pushes a fully-prepared outgoing message onto the writer and
// wakes the send loop. Routed through the actor loop so it serializes with
// the recv loop's reassembly and the send loop's packet production.
func (c *Connection) sendOut(out *message.Out) error {
	var err error
	if !c.runOnLoop(func() { err = c.writer.Push(out) }) {
		return newErr(KindPeerClosed, "connection stopped", nil)
	}
	if err != nil {
		return err
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Cancel cancels an in-flight outgoing message by request id, per
// spec.md §4.2/§5. Idempotent and safe at any state.
func (c *Connection) Cancel(requestID uint64) bool {
	var ok bool
	c.runOnLoop(func() { ok = c.writer.Cancel(requestID) })
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return ok
}

func (c *Connection) sendLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopped:
			return
		case <-c.wake:
		case <-ticker.C:
		}
		for {
			var p wire.Packet
			var ok bool
			if !c.runOnLoop(func() { p, ok = c.writer.ProducePacket(c.cfg.PacketCapacity) }) {
				return
			}
			if !ok {
				break
			}
			wire.CompressPacket(c.cfg.Compression, &p, c.cfg.CompressionThreshold)
			buf, err := wire.MarshalPacket(&p)
			if err != nil {
				c.log.Error("marshal packet", "conn", c.id, "err", err)
				continue
			}
			if c.conn == nil {
				continue
			}
			if err := c.writeRaw(buf); err != nil {
				c.fail(newErr(KindWriteError, "write failed", err))
				return
			}
			atomic.StoreInt64(&c.lastSendUnix, time.Now().Unix())
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.ObservePacketSent(len(buf))
			}
		}
	}
}

func (c *Connection) recvLoop() {
	capacity := c.cfg.PacketCapacity
	buf := make([]byte, 0, c.cfg.BufferStartCapacity)
	tmp := make([]byte, c.cfg.BufferStartCapacity)

	for {
		if c.conn == nil {
			return
		}
		n, err := c.conn.Read(tmp)
		if n > 0 {
			atomic.StoreInt64(&c.lastRecvUnix, time.Now().Unix())
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.ObservePacketRecv(n)
			}
			if c.rawMode.Load() {
				chunk := append([]byte(nil), tmp[:n]...)
				select {
				case c.rawRecvCh <- chunk:
				case <-c.stopped:
					return
				}
				continue
			}
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.fail(newErr(KindPeerClosed, "peer closed connection", nil))
			} else {
				c.fail(newErr(KindReadError, "read failed", err))
			}
			return
		}

		for {
			p, consumed, perr := wire.ReadPacket(buf, capacity)
			if errors.Is(perr, wire.ErrNeedMore) {
				if len(buf) >= c.cfg.BufferMaxCapacity {
					c.fail(newErr(KindFrameError, "buffer exceeded max capacity awaiting a full packet", nil))
					return
				}
				break
			}
			if perr != nil {
				c.fail(newErr(KindFrameError, "malformed packet", perr))
				return
			}
			buf = buf[consumed:]

			if handleErr := c.handlePacket(&p); handleErr != nil {
				c.fail(handleErr)
				return
			}
			if len(tmp) < c.cfg.BufferMaxCapacity && len(tmp) < 2*capacity {
				tmp = make([]byte, min(len(tmp)*2, c.cfg.BufferMaxCapacity))
			}
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (c *Connection) handlePacket(p *wire.Packet) error {
	if p.Type != wire.TypeKeepAlive {
		// Only consecutive keepalives within an inactivity window count,
		// per spec.md §4.4; any other traffic resets the streak.
		atomic.StoreInt64(&c.keepaliveRecvCount, 0)
	}
	switch p.Type {
	case wire.TypeKeepAlive:
		n := atomic.AddInt64(&c.keepaliveRecvCount, 1)
		if c.cfg.InactivityKeepaliveLimit > 0 && !c.isClient && n > int64(c.cfg.InactivityKeepaliveLimit) {
			return newErr(KindTooManyKeepalive, "too many keepalive packets received", nil)
		}
		return nil
	case wire.TypeError:
		return newErr(KindPeerClosed, "peer sent Error packet", nil)
	case wire.TypeConnect:
		return c.svc.relay.handleConnect(c, p)
	case wire.TypeAccept:
		return c.svc.relay.handleAccept(c, p)
	}

	if p.Type == wire.TypeData && p.Flags.Has(wire.FlagRelay) {
		// Relayed packets are forwarded by reference, never deserialized
		// into a Message, per spec.md §4.7 "Relay path skips Reader/Writer."
		return c.svc.relay.forwardData(c, p)
	}

	if err := wire.DecompressPacket(c.cfg.Compression, p); err != nil {
		return newErr(KindDecodeError, "decompress failed", err)
	}

	if len(p.Payload) == 0 {
		return nil // Update-only packet; acks already on p.Acks
	}

	var res message.FeedResult
	var in *message.In
	var err error
	c.runOnLoop(func() {
		res, in, err = c.reader.Feed(p.Payload)
		if err == nil {
			c.writer.QueueAck(p.ID)
		}
	})
	if err != nil {
		return newErr(KindFrameError, "reassembly error", err)
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}

	if res.Canceled || in == nil {
		return nil
	}

	c.dispatch(in)
	return nil
}

func (c *Connection) dispatch(in *message.In) {
	if c.svc == nil {
		return
	}
	entry, ok := c.svc.registry.lookup(in.Header.TypeID)
	if !ok {
		c.log.Warn("unknown type id", "conn", c.id, "typeID", in.Header.TypeID)
		return
	}

	body, err := entry.deserialize(in.Body)

	if in.Header.Flags.Has(message.Response) {
		c.pendingMu.Lock()
		pr, ok := c.pending[in.Header.RequestID]
		if ok {
			delete(c.pending, in.Header.RequestID)
		}
		c.pendingMu.Unlock()
		if !ok {
			return
		}
		if err != nil && c.cfg.Metrics != nil {
			c.cfg.Metrics.ObserveMessageFailed(KindDecodeError.String())
		}
		if pr.entry.onComplete != nil {
			ctx := Context{Service: c.svc, Connection: c, RequestID: in.Header.RequestID}
			if err != nil {
				pr.entry.onComplete(ctx, pr.sent, nil, newErr(KindDecodeError, "deserialize response", err))
			} else {
				pr.entry.onComplete(ctx, pr.sent, body, nil)
			}
		}
		return
	}

	if err != nil {
		c.log.Warn("deserialize failed", "conn", c.id, "err", err)
		return
	}
	if entry.onReceive != nil {
		entry.onReceive(Context{Service: c.svc, Connection: c, RequestID: in.Header.RequestID}, body)
	}
}

func (c *Connection) timerLoop() {
	keepalive := infiniteTickerIfZero(c.cfg.KeepaliveInterval)
	inactivity := infiniteTickerIfZero(c.cfg.InactivityTimeout)
	defer keepalive.Stop()
	defer inactivity.Stop()

	for {
		select {
		case <-c.stopped:
			return
		case <-keepalive.C:
			if c.cfg.KeepaliveInterval <= 0 {
				continue
			}
			last := atomic.LoadInt64(&c.lastSendUnix)
			if time.Since(time.Unix(last, 0)) >= c.cfg.KeepaliveInterval {
				c.sendKeepAlive()
			}
		case <-inactivity.C:
			if c.cfg.InactivityTimeout <= 0 {
				continue
			}
			last := atomic.LoadInt64(&c.lastRecvUnix)
			if last != 0 && time.Since(time.Unix(last, 0)) >= c.cfg.InactivityTimeout {
				c.fail(newErr(KindInactivityTimeout, "no data received within inactivity timeout", nil))
				return
			}
			// The window closed without triggering inactivity timeout, so the
			// keepalive streak counted against it resets, per spec.md §4.4's
			// "more than N consecutive KeepAlive messages during an
			// inactivity window."
			atomic.StoreInt64(&c.keepaliveRecvCount, 0)
		}
	}
}

func infiniteTickerIfZero(d time.Duration) *time.Ticker {
	if d <= 0 {
		d = time.Hour * 24 * 365
	}
	return time.NewTicker(d)
}

func (c *Connection) sendKeepAlive() {
	if c.conn == nil {
		return
	}
	p := wire.Packet{Type: wire.TypeKeepAlive, Capacity: c.cfg.PacketCapacity}
	buf, err := wire.MarshalPacket(&p)
	if err != nil {
		return
	}
	if err := c.writeRaw(buf); err == nil {
		atomic.StoreInt64(&c.lastSendUnix, time.Now().Unix())
	}
}

// writeRaw serializes physical socket writes against the send loop's own
// writes, since relay forwarding and keepalives both write outside of the
// normal writer/packet-production path.
func (c *Connection) writeRaw(buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return nil
	}
	_, err := c.conn.Write(buf)
	return err
}

// writeRawPacket marshals and writes p directly to the socket, bypassing
// the message Writer entirely — the path the relay engine and session
// handshake packets (Connect/Accept) use, per spec.md §4.7.
func (c *Connection) writeRawPacket(p *wire.Packet) error {
	if p.Capacity == 0 {
		p.Capacity = c.cfg.PacketCapacity
	}
	buf, err := wire.MarshalPacket(p)
	if err != nil {
		return newErr(KindFrameError, "marshal relay packet failed", err)
	}
	return c.writeRaw(buf)
}

// fail transitions to Stopping/Stopped and completes all in-flight and
// pending messages with connection_closed, per spec.md §4.4/§7.
func (c *Connection) fail(err error) {
	c.stopOnce.Do(func() {
		c.setState(StateStopping)
		c.stopErr = err
		close(c.stopped)

		c.pendingMu.Lock()
		pending := c.pending
		c.pending = make(map[uint64]*pendingRequest)
		c.pendingMu.Unlock()
		for id, pr := range pending {
			if pr.entry.onComplete != nil {
				pr.entry.onComplete(Context{Service: c.svc, Connection: c, RequestID: id}, pr.sent, nil, err)
			}
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.ObserveMessageFailed(failureKind(err))
			}
		}

		// Drain whatever is still queued/in-flight/sync-active in the writer
		// while the loop can still accept posts, so one-way messages admitted
		// just before the connection died still complete exactly once, per
		// spec.md §4.4/§8.
		c.runOnLoop(func() {
			c.writer.FailAll(err)
		})

		if c.conn != nil {
			c.conn.Close()
		}
		c.loop.Stop()
		c.setState(StateStopped)

		if c.cfg.Hooks.OnConnectionStop != nil {
			c.cfg.Hooks.OnConnectionStop(Context{Service: c.svc, Connection: c}, err)
		}
		if c.pool != nil {
			c.pool.onConnectionFailed(c, err)
		}
	})
}

// Close performs a graceful Stopping -> Stopped transition, draining
// in-flight sends first (best-effort, bounded by gracePeriod).
func (c *Connection) Close(gracePeriod time.Duration) {
	c.mu.Lock()
	if c.state == StateStopped || c.state == StateStopping {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	c.mu.Unlock()

	deadline := time.Now().Add(gracePeriod)
	for gracePeriod > 0 && time.Now().Before(deadline) {
		var pending bool
		c.runOnLoop(func() { pending = c.writer.HasPending() })
		if !pending {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.fail(newErr(KindPeerClosed, "connection closed", nil))
}
