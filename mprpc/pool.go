package mprpc

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/solidoss/solidframe-sub006/internal/xlog"
	"github.com/solidoss/solidframe-sub006/message"
)

// queuedMessage is a message admitted to the pool but not yet assigned to
// a connection, per spec.md §3 "Connection Pool".
type queuedMessage struct {
	out        *message.Out
	body       interface{} // original application-level value, for onComplete's "sent" argument
	typeID     uint32
	entry      *typeEntry
	requestID  uint64
	respondsTo *Connection // non-nil for responses, which must go back on the same connection
	sync       bool
}

// connSlot is a RecipientId-addressable connection slot: it outlives any
// one underlying connection, per spec.md §3 "Session / RecipientId." A
// slot's conn is nil while unoccupied; generation increments each time a
// new connection takes the slot, so a RecipientID captured before a
// reconnect resolves to "stale" rather than silently pointing at an
// unrelated connection.
type connSlot struct {
	conn       *Connection
	generation uint64
}

// Pool is the per-recipient collection of connections and the admission
// queue from spec.md §4.5.
type Pool struct {
	svc   *Service
	index int    // stable index into the service's pool list, for RecipientID
	name  string // canonical recipient URL
	cfg   Config
	log   *xlog.Logger

	mu sync.Mutex

	connections []*Connection
	syncConn    *Connection // the pool's designated synchronous connection
	slots       []*connSlot

	pending    []*queuedMessage
	resolved   []string
	resolvedAt time.Time

	nextReqID   uint64
	closing     bool
	forceClosed bool
}

func newPool(svc *Service, index int, name string, cfg Config) *Pool {
	return &Pool{svc: svc, index: index, name: name, cfg: cfg, log: cfg.Logger}
}

// occupySlot assigns c to a free slot (or a newly appended one), bumping
// that slot's generation, and records the assignment on c for RecipientID.
// Caller holds p.mu.
func (p *Pool) occupySlot(c *Connection) {
	for i, s := range p.slots {
		if s.conn == nil {
			s.conn = c
			s.generation++
			c.poolIndex, c.connIndex, c.connGeneration = p.index, i, s.generation
			return
		}
	}
	s := &connSlot{conn: c, generation: 1}
	p.slots = append(p.slots, s)
	c.poolIndex, c.connIndex, c.connGeneration = p.index, len(p.slots)-1, s.generation
}

// vacateSlot frees c's slot without forgetting its generation, so the slot
// can be reused while stale RecipientIDs keep failing to resolve.
func (p *Pool) vacateSlot(c *Connection) {
	if c.connIndex < 0 || c.connIndex >= len(p.slots) {
		return
	}
	if s := p.slots[c.connIndex]; s.conn == c {
		s.conn = nil
	}
}

// connectionBySlot resolves a RecipientID's (ConnectionIndex, Generation)
// pair within this pool. Caller must not hold p.mu.
func (p *Pool) connectionBySlot(idx int, generation uint64) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.slots) {
		return nil, newErr(KindNoConnection, "recipient id has no such connection slot", nil)
	}
	s := p.slots[idx]
	if s.conn == nil || s.generation != generation {
		return nil, newErr(KindNoConnection, "recipient id is stale", nil)
	}
	return s.conn, nil
}

// SendMessage admits a message for this pool's recipient, per spec.md
// §4.5's five-step admission policy. Completion is reported through the
// type's registered CompleteHandler (spec.md §4.6 "on_complete"), not a
// per-call callback: a response arrives asynchronously via
// Connection.dispatch. pool_stopping, type_unknown, a serializer failure
// and queue_full are returned from this call and never reach onComplete;
// too_large is passed to onComplete and, when the message goes straight
// to a connection, also returned; canceled and connection failures are
// reported through onComplete.
func (p *Pool) SendMessage(typeID uint32, body interface{}, flags message.Flags) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing || p.forceClosed {
		return 0, newErr(KindPoolStopping, "pool is stopping", nil)
	}

	entry, ok := p.svc.registry.lookup(typeID)
	if !ok {
		return 0, newErr(KindTypeUnknown, fmt.Sprintf("type %d not registered", typeID), nil)
	}

	p.nextReqID++
	reqID := p.nextReqID
	ctx := Context{Service: p.svc, RequestID: reqID}

	if entry.onPrepare != nil {
		flags |= entry.onPrepare(ctx, body)
	}

	payload, err := entry.serialize(body)
	if err != nil {
		return 0, newErr(KindDecodeError, "serialize failed", err)
	}

	out := &message.Out{
		Header: message.Header{TypeID: typeID, RequestID: reqID, Flags: flags},
		Body:   payload,
	}
	qm := &queuedMessage{out: out, body: body, typeID: typeID, entry: entry, requestID: reqID, sync: flags.Has(message.Synchronous)}

	out.OnComplete = func(err error) {
		if flags.Has(message.AwaitingResponse) && err == nil {
			return // response arrives asynchronously via Connection.dispatch
		}
		if err != nil && p.cfg.Metrics != nil {
			p.cfg.Metrics.ObserveMessageFailed(failureKind(err))
		}
		if entry.onComplete != nil {
			entry.onComplete(ctx, body, nil, err)
		}
	}

	if err := p.admit(qm); err != nil {
		return 0, err
	}
	return reqID, nil
}

// nextRequestID draws from the pool-wide request id counter, so a
// RecipientId-targeted send (which bypasses admit) and a pool-admitted
// send on the same connection never collide in that connection's pending
// map.
func (p *Pool) nextRequestID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextReqID++
	return p.nextReqID
}

// admit implements the ordered policy from spec.md §4.5. Caller holds p.mu.
func (p *Pool) admit(qm *queuedMessage) error {
	// 2. synchronous messages go to the pool's designated sync connection
	if qm.sync {
		conn, err := p.ensureSyncConnection()
		if err != nil {
			return p.queue(qm)
		}
		return p.sendOn(conn, qm)
	}

	// 3. smallest in-flight-multiplex count among Active connections
	if c := p.pickLeastLoaded(); c != nil {
		return p.sendOn(c, qm)
	}

	// 4. create a new connection if under cap
	if p.activeCount()+p.pendingCount() < p.cfg.PoolMaxActiveConnections {
		c, err := p.dialNext()
		if err == nil {
			return p.sendOn(c, qm)
		}
	}

	// 5. enqueue
	return p.queue(qm)
}

func (p *Pool) queue(qm *queuedMessage) error {
	if len(p.pending) >= p.cfg.PoolMaxMessageQueueSize {
		return newErr(KindQueueFull, "pool pending queue is full", nil)
	}
	p.pending = append(p.pending, qm)
	return nil
}

func (p *Pool) sendOn(c *Connection, qm *queuedMessage) error {
	if qm.out.Header.Flags.Has(message.AwaitingResponse) {
		c.pendingMu.Lock()
		c.pending[qm.requestID] = &pendingRequest{typeID: qm.typeID, sent: qm.body, entry: qm.entry}
		c.pendingMu.Unlock()
	}
	return c.sendOut(qm.out)
}

func (p *Pool) pickLeastLoaded() *Connection {
	var best *Connection
	bestLoad := -1
	for _, c := range p.connections {
		if !c.Admit() {
			continue
		}
		load := c.PendingLoad()
		if bestLoad == -1 || load < bestLoad {
			best = c
			bestLoad = load
		}
	}
	return best
}

func (p *Pool) activeCount() int {
	n := 0
	for _, c := range p.connections {
		if c.State() == StateActive || c.State() == StateConnecting {
			n++
		}
	}
	return n
}

func (p *Pool) pendingCount() int {
	n := 0
	for _, c := range p.connections {
		if c.State() == StateConnecting {
			n++
		}
	}
	return n
}

func (p *Pool) ensureSyncConnection() (*Connection, error) {
	if p.syncConn != nil && p.syncConn.Admit() {
		return p.syncConn, nil
	}
	c, err := p.dialNext()
	if err != nil {
		return nil, err
	}
	p.syncConn = c
	return c, nil
}

// dialNext resolves the next address (using the cache when fresh) and
// dials a new client connection for this pool. Caller holds p.mu.
func (p *Pool) dialNext() (*Connection, error) {
	addr, err := p.nextAddress()
	if err != nil {
		return nil, newErr(KindResolver, "name resolution failed", err)
	}

	netConn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, newErr(KindConnectRefused, "dial failed", err)
	}

	c := newConnection(p.svc, netConn, true, p.cfg)
	c.pool = p
	if err := c.start(); err != nil {
		return nil, err
	}
	// A client connection that starts Raw is promoted to Active once any
	// configured handshake completes, so it is admissible by the policy
	// above; one configured to start Passive stays Passive.
	if c.State() == StateRaw {
		c.EnterActive()
	}
	p.connections = append(p.connections, c)
	p.occupySlot(c)
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.SetConnectionsOpen(len(p.connections))
	}
	return c, nil
}

func (p *Pool) nextAddress() (string, error) {
	if p.cfg.ResolveCacheTTL > 0 && len(p.resolved) > 0 && time.Since(p.resolvedAt) < p.cfg.ResolveCacheTTL {
		return p.resolved[0], nil
	}
	if p.cfg.Resolver == nil {
		return p.name, nil
	}
	addrs, err := p.cfg.Resolver.Resolve(p.name)
	if err != nil || len(addrs) == 0 {
		if err == nil {
			err = fmt.Errorf("no addresses for %q", p.name)
		}
		return "", err
	}
	sort.Strings(addrs)
	p.resolved = addrs
	p.resolvedAt = time.Now()
	return addrs[0], nil
}

// onConnectionFailed is called by a Connection on fail(); it drops that
// connection from the pool and its slot, then re-runs admission for the
// pool's queued messages. The failed connection's own outstanding requests
// are not requeued: fail() has already completed them with its error.
func (p *Pool) onConnectionFailed(c *Connection, err error) {
	p.mu.Lock()
	for i, cc := range p.connections {
		if cc == c {
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			break
		}
	}
	p.vacateSlot(c)
	if p.syncConn == c {
		p.syncConn = nil
	}
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	if p.cfg.Metrics != nil {
		p.mu.Lock()
		p.cfg.Metrics.SetConnectionsOpen(len(p.connections))
		p.mu.Unlock()
	}

	for _, qm := range pending {
		p.mu.Lock()
		admitErr := p.admit(qm)
		p.mu.Unlock()
		if admitErr != nil && qm.out.OnComplete != nil {
			qm.out.OnComplete(admitErr)
		}
	}
}

// ForceClose completes every queued message with pool_stopping and
// transitions all connections to Stopping with no grace, per spec.md
// §4.5.
func (p *Pool) ForceClose() {
	p.mu.Lock()
	p.forceClosed = true
	pending := p.pending
	p.pending = nil
	conns := append([]*Connection(nil), p.connections...)
	p.mu.Unlock()

	for _, qm := range pending {
		if qm.out.OnComplete != nil {
			qm.out.OnComplete(newErr(KindPoolStopping, "pool force-closed", nil))
		}
	}
	for _, c := range conns {
		c.Close(0)
	}
}

// DelayClose stops admitting new messages and lets in-flight drain.
func (p *Pool) DelayClose(grace time.Duration) {
	p.mu.Lock()
	p.closing = true
	conns := append([]*Connection(nil), p.connections...)
	p.mu.Unlock()

	for _, c := range conns {
		go c.Close(grace)
	}
}
