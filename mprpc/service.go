package mprpc

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/solidoss/solidframe-sub006/internal/xlog"
	"github.com/solidoss/solidframe-sub006/message"
)

// Service is the public surface of the MPRPC core: it owns the pools, the
// optional listener, the type registry, and the configuration, per
// spec.md §4.6.
type Service struct {
	cfg      Config
	registry *Registry
	log      *xlog.Logger
	relay    *Relay

	mu       sync.RWMutex
	pools    map[string]*Pool
	poolList []*Pool // stable pool index -> Pool, for RecipientID resolution

	listener net.Listener
	stopAcc  chan struct{}
}

// NewService constructs a Service. Registration of types should happen
// before Listen/any sends, per spec.md §5 "registration is done at setup
// time and then the registry is effectively read-only."
func NewService(cfg Config) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:      cfg,
		registry: NewRegistry(),
		log:      cfg.Logger,
		pools:    make(map[string]*Pool),
	}
	s.relay = newRelay(s)
	return s
}

// RegisterType registers a message type with the service's registry, per
// spec.md §4.6. It returns an error if the registry has already been
// sealed by a prior Listen/send, per spec.md §5.
func (s *Service) RegisterType(typeID uint32, ser Serializer, de Deserializer, onReceive ReceiveHandler, onComplete CompleteHandler, onPrepare PrepareHandler) error {
	return s.registry.Register(typeID, ser, de, onReceive, onComplete, onPrepare)
}

// CreateConnectionPool explicitly preallocates a pool for recipientURL,
// per spec.md §4.6.
func (s *Service) CreateConnectionPool(recipientURL string) *Pool {
	s.registry.Seal()
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pools[recipientURL]; ok {
		return p
	}
	p := newPool(s, len(s.poolList), recipientURL, s.cfg)
	s.pools[recipientURL] = p
	s.poolList = append(s.poolList, p)
	return p
}

func (s *Service) poolFor(recipientURL string) *Pool {
	return s.CreateConnectionPool(recipientURL)
}

// SendMessage sends a one-way message to recipientURL.
func (s *Service) SendMessage(recipientURL string, typeID uint32, body interface{}) error {
	_, err := s.poolFor(recipientURL).SendMessage(typeID, body, 0)
	return err
}

// SendRequest sends a message expecting a reply. The type's registered
// CompleteHandler (spec.md §4.6 "on_complete") fires exactly once with the
// response body or an error, keyed by the returned request id — matching
// spec.md §8's round-trip law, not a per-call callback.
func (s *Service) SendRequest(recipientURL string, typeID uint32, body interface{}) (uint64, error) {
	return s.poolFor(recipientURL).SendMessage(typeID, body, message.AwaitingResponse)
}

// SendResponse sends a reply on the same connection that delivered the
// original request, satisfying spec.md §4.5's routing invariant by never
// going through pool admission at all.
func (s *Service) SendResponse(ctx Context, typeID uint32, body interface{}) error {
	if ctx.Connection == nil {
		return newErr(KindNoConnection, "SendResponse requires a connection context", nil)
	}
	entry, ok := s.registry.lookup(typeID)
	if !ok {
		return newErr(KindTypeUnknown, fmt.Sprintf("type %d not registered", typeID), nil)
	}
	flags := message.Response
	if entry.onPrepare != nil {
		flags |= entry.onPrepare(ctx, body)
	}
	payload, err := entry.serialize(body)
	if err != nil {
		return newErr(KindDecodeError, "serialize failed", err)
	}
	out := &message.Out{
		Header: message.Header{TypeID: typeID, RequestID: ctx.RequestID, Flags: flags},
		Body:   payload,
	}
	out.OnComplete = func(err error) {
		if err != nil && s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveMessageFailed(failureKind(err))
		}
	}
	return ctx.Connection.sendOut(out)
}

// CancelMessage cancels a previously sent message, idempotent per
// spec.md §5.
func (s *Service) CancelMessage(conn *Connection, requestID uint64) bool {
	if conn == nil {
		return false
	}
	return conn.Cancel(requestID)
}

// resolveRecipient turns a RecipientID back into the connection presently
// occupying its slot, per spec.md §3 "Session / RecipientId." It returns
// KindNoConnection if the id never resolved or its generation is stale.
func (s *Service) resolveRecipient(id RecipientID) (*Connection, error) {
	s.mu.RLock()
	if id.PoolIndex < 0 || id.PoolIndex >= len(s.poolList) {
		s.mu.RUnlock()
		return nil, newErr(KindNoConnection, "recipient id has no such pool", nil)
	}
	p := s.poolList[id.PoolIndex]
	s.mu.RUnlock()
	return p.connectionBySlot(id.ConnectionIndex, id.Generation)
}

// sendOnConnection serializes and writes directly to conn, bypassing pool
// admission, for the ConnectionContext and RecipientId targeting modes of
// spec.md §4.6's sendMessage/sendRequest.
func (s *Service) sendOnConnection(conn *Connection, typeID uint32, body interface{}, flags message.Flags) (uint64, error) {
	entry, ok := s.registry.lookup(typeID)
	if !ok {
		return 0, newErr(KindTypeUnknown, fmt.Sprintf("type %d not registered", typeID), nil)
	}
	var reqID uint64
	if conn.pool != nil {
		reqID = conn.pool.nextRequestID()
	} else {
		reqID = conn.allocRequestID()
	}
	ctx := Context{Service: s, Connection: conn, RequestID: reqID}
	if entry.onPrepare != nil {
		flags |= entry.onPrepare(ctx, body)
	}
	payload, err := entry.serialize(body)
	if err != nil {
		return 0, newErr(KindDecodeError, "serialize failed", err)
	}
	out := &message.Out{Header: message.Header{TypeID: typeID, RequestID: reqID, Flags: flags}, Body: payload}
	if flags.Has(message.AwaitingResponse) {
		conn.pendingMu.Lock()
		conn.pending[reqID] = &pendingRequest{typeID: typeID, sent: body, entry: entry}
		conn.pendingMu.Unlock()
	}
	out.OnComplete = func(err error) {
		if flags.Has(message.AwaitingResponse) && err == nil {
			return // response arrives asynchronously via Connection.dispatch
		}
		if err != nil && s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveMessageFailed(failureKind(err))
		}
		if entry.onComplete != nil {
			entry.onComplete(ctx, body, nil, err)
		}
	}
	return reqID, conn.sendOut(out)
}

// SendMessageToRecipient sends a one-way message directly to the
// connection a RecipientID resolves to, per spec.md §4.6's
// "(RecipientUrl | RecipientId | ConnectionContext) target" addressing.
func (s *Service) SendMessageToRecipient(id RecipientID, typeID uint32, body interface{}) error {
	conn, err := s.resolveRecipient(id)
	if err != nil {
		return err
	}
	_, err = s.sendOnConnection(conn, typeID, body, 0)
	return err
}

// SendRequestToRecipient sends a request directly to the connection a
// RecipientID resolves to.
func (s *Service) SendRequestToRecipient(id RecipientID, typeID uint32, body interface{}) (uint64, error) {
	conn, err := s.resolveRecipient(id)
	if err != nil {
		return 0, err
	}
	return s.sendOnConnection(conn, typeID, body, message.AwaitingResponse)
}

// CancelMessageByRecipient cancels requestID on the connection a
// RecipientID resolves to; it reports false (rather than erroring) for a
// stale id, matching CancelMessage's idempotent-false-on-miss behavior.
func (s *Service) CancelMessageByRecipient(id RecipientID, requestID uint64) bool {
	conn, err := s.resolveRecipient(id)
	if err != nil {
		return false
	}
	return conn.Cancel(requestID)
}

// ForceCloseConnectionPool drops everything outstanding for recipientURL.
func (s *Service) ForceCloseConnectionPool(recipientURL string) {
	s.mu.RLock()
	p, ok := s.pools[recipientURL]
	s.mu.RUnlock()
	if ok {
		p.ForceClose()
	}
}

// DelayCloseConnectionPool drains recipientURL gracefully over grace.
func (s *Service) DelayCloseConnectionPool(recipientURL string, grace time.Duration) {
	s.mu.RLock()
	p, ok := s.pools[recipientURL]
	s.mu.RUnlock()
	if ok {
		p.DelayClose(grace)
	}
}

// ConnectionNotifyEnterActiveState requests that conn transition to
// Active, per spec.md §4.6.
func (s *Service) ConnectionNotifyEnterActiveState(conn *Connection) error { return conn.EnterActive() }

// ConnectionNotifyEnterPassiveState requests that conn transition to
// Passive.
func (s *Service) ConnectionNotifyEnterPassiveState(conn *Connection) error {
	return conn.EnterPassive()
}

// ConnectionNotifyStartSecureHandshake requests that conn upgrade to TLS
// from Raw state.
func (s *Service) ConnectionNotifyStartSecureHandshake(conn *Connection) error {
	return conn.StartSecureHandshake()
}

// ConnectionNotifySendAllRawData writes data directly to conn's socket
// while it is in Raw state, bypassing the message Writer.
func (s *Service) ConnectionNotifySendAllRawData(conn *Connection, data []byte) error {
	return conn.SendAllRawData(data)
}

// ConnectionNotifyRecvSomeRawData returns the next chunk of raw bytes
// received on conn while raw-receive mode is enabled.
func (s *Service) ConnectionNotifyRecvSomeRawData(conn *Connection, done <-chan struct{}) ([]byte, error) {
	return conn.RecvSomeRawData(done)
}

// ConnectionPost schedules fn on conn's actor loop.
func (s *Service) ConnectionPost(conn *Connection, fn func()) bool { return conn.Post(fn) }

// Listen starts accepting inbound connections on cfg.ListenAddr,
// upgrading each symmetrically with the configured start state/handshake,
// per spec.md §2 "a listener/server that accepts and upgrades inbound
// connections symmetrically."
func (s *Service) Listen() error {
	s.registry.Seal()
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return newErr(KindResolver, "listen failed", err)
	}
	s.listener = ln
	s.stopAcc = make(chan struct{})
	go s.acceptLoop()
	return nil
}

func (s *Service) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopAcc:
				return
			default:
				s.log.Error("accept failed", "err", err)
				return
			}
		}
		c := newConnection(s, conn, false, s.cfg)
		if err := c.start(); err != nil {
			s.log.Warn("connection start failed", "err", err)
			continue
		}
	}
}

// Addr returns the listener's bound address, valid after Listen.
func (s *Service) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// StopListening closes the listener without touching existing
// connections/pools.
func (s *Service) StopListening() error {
	if s.stopAcc != nil {
		close(s.stopAcc)
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Relay returns the service's relay engine (spec.md §4.7).
func (s *Service) Relay() *Relay { return s.relay }
