package mprpc

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/solidoss/solidframe-sub006/wire"
)

// RelayRouter resolves a local relay id, assigned during this node's own
// Connect/Accept handshake, to the Connection that owns the other half of
// that session — the destination a relayed Data packet forwards to, per
// spec.md §4.7. Embedders supply this; without one, relaying is disabled.
type RelayRouter interface {
	RouteConnection(localRelayID uint32) (*Connection, error)
}

// ConnectData is the payload of a ConnectType packet, used to set up or
// confirm a relay session, per spec.md §6.
type ConnectData struct {
	ProtocolVersion   uint32
	SenderNetworkID   uint32
	ReceiverNetworkID uint32
	TimestampSec      uint64
	TimestampNsec     uint64
	RelayID           uint32
}

const connectDataWireSize = 4 + 4 + 4 + 8 + 8 + 4

func encodeConnectData(d ConnectData) []byte {
	buf := make([]byte, connectDataWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], d.ProtocolVersion)
	binary.LittleEndian.PutUint32(buf[4:8], d.SenderNetworkID)
	binary.LittleEndian.PutUint32(buf[8:12], d.ReceiverNetworkID)
	binary.LittleEndian.PutUint64(buf[12:20], d.TimestampSec)
	binary.LittleEndian.PutUint64(buf[20:28], d.TimestampNsec)
	binary.LittleEndian.PutUint32(buf[28:32], d.RelayID)
	return buf
}

func decodeConnectData(buf []byte) (ConnectData, error) {
	if len(buf) < connectDataWireSize {
		return ConnectData{}, newErr(KindFrameError, "truncated ConnectData", nil)
	}
	return ConnectData{
		ProtocolVersion:   binary.LittleEndian.Uint32(buf[0:4]),
		SenderNetworkID:   binary.LittleEndian.Uint32(buf[4:8]),
		ReceiverNetworkID: binary.LittleEndian.Uint32(buf[8:12]),
		TimestampSec:      binary.LittleEndian.Uint64(buf[12:20]),
		TimestampNsec:     binary.LittleEndian.Uint64(buf[20:28]),
		RelayID:           binary.LittleEndian.Uint32(buf[28:32]),
	}, nil
}

// AcceptData is the payload of an AcceptType packet: the accepted relay id
// plus the echoed ConnectData timestamp, per spec.md §6.
type AcceptData struct {
	AcceptedRelayID uint32
	TimestampSec    uint64
	TimestampNsec   uint64
}

const acceptDataWireSize = 4 + 8 + 8

func encodeAcceptData(d AcceptData) []byte {
	buf := make([]byte, acceptDataWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], d.AcceptedRelayID)
	binary.LittleEndian.PutUint64(buf[4:12], d.TimestampSec)
	binary.LittleEndian.PutUint64(buf[12:20], d.TimestampNsec)
	return buf
}

func decodeAcceptData(buf []byte) (AcceptData, error) {
	if len(buf) < acceptDataWireSize {
		return AcceptData{}, newErr(KindFrameError, "truncated AcceptData", nil)
	}
	return AcceptData{
		AcceptedRelayID: binary.LittleEndian.Uint32(buf[0:4]),
		TimestampSec:    binary.LittleEndian.Uint64(buf[4:12]),
		TimestampNsec:   binary.LittleEndian.Uint64(buf[12:20]),
	}, nil
}

// relayDupWindow bounds the sliding window of packet ids a relaySession
// remembers for duplicate detection, per spec.md §3 "a relay packet is
// dropped at most once."
const relayDupWindow = 4096

// relayKey identifies a relay session by the connection the ConnectType
// packet arrived on plus the peer's own relay id, per spec.md §3 "Relay
// session ... keyed by a tuple of (peer-socket, remote-relay-id)."
type relayKey struct {
	connID        uint64
	remoteRelayID uint32
}

type relaySession struct {
	mu            sync.Mutex
	localRelayID  uint32
	remoteRelayID uint32
	peer          *Connection
	lastActivity  time.Time
	seen          map[uint32]struct{}
	seenOrder     []uint32
}

// markSeen reports whether packetID is new to this session, recording it
// if so. Forwarding a packet a second time under the same id is a no-op.
func (s *relaySession) markSeen(packetID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[packetID]; ok {
		return false
	}
	s.seen[packetID] = struct{}{}
	s.seenOrder = append(s.seenOrder, packetID)
	if len(s.seenOrder) > relayDupWindow {
		old := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, old)
	}
	s.lastActivity = time.Now()
	return true
}

// Relay is the pluggable forwarder from spec.md §4.7: it moves Data
// packets between connections by reference, never parsing message bodies,
// and tracks per-session remote-to-local relay id mappings.
type Relay struct {
	svc *Service

	mu          sync.Mutex
	sessions    map[relayKey]*relaySession
	byLocalID   map[uint32]*relaySession
	nextLocalID uint32
}

func newRelay(svc *Service) *Relay {
	return &Relay{
		svc:       svc,
		sessions:  make(map[relayKey]*relaySession),
		byLocalID: make(map[uint32]*relaySession),
	}
}

func (r *Relay) allocLocalID() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextLocalID++
	return r.nextLocalID
}

// handleConnect processes an inbound ConnectType packet: it allocates a
// local relay id, records the session, and replies with AcceptType,
// per spec.md §4.7.
func (r *Relay) handleConnect(conn *Connection, p *wire.Packet) error {
	data, err := decodeConnectData(p.Payload)
	if err != nil {
		return newErr(KindFrameError, "malformed ConnectType payload", err)
	}

	local := r.allocLocalID()
	sess := &relaySession{
		localRelayID:  local,
		remoteRelayID: data.RelayID,
		peer:          conn,
		seen:          make(map[uint32]struct{}),
		lastActivity:  time.Now(),
	}
	key := relayKey{connID: conn.ID(), remoteRelayID: data.RelayID}

	r.mu.Lock()
	r.sessions[key] = sess
	r.byLocalID[local] = sess
	r.mu.Unlock()

	accept := AcceptData{AcceptedRelayID: local, TimestampSec: data.TimestampSec, TimestampNsec: data.TimestampNsec}
	resp := &wire.Packet{Type: wire.TypeAccept, ID: p.ID, Payload: encodeAcceptData(accept)}
	return conn.writeRawPacket(resp)
}

// handleAccept checks that an AcceptType reply is well formed. It records
// no session state: the accepted relay id is not stored, and Connect,
// which issues the ConnectType packet, records no pairing either.
func (r *Relay) handleAccept(_ *Connection, p *wire.Packet) error {
	if _, err := decodeAcceptData(p.Payload); err != nil {
		return newErr(KindFrameError, "malformed AcceptType payload", err)
	}
	return nil
}

// forwardData forwards a Relay-flagged Data packet without deserializing
// its payload: it looks up the session by the packet's relay id, drops a
// duplicate packet id, rewrites the relay id to the destination side's
// local id, and writes the packet through by reference, per spec.md §4.7.
func (r *Relay) forwardData(_ *Connection, p *wire.Packet) error {
	r.mu.Lock()
	sess, ok := r.byLocalID[p.RelayID]
	r.mu.Unlock()
	if !ok {
		return newErr(KindUnknownSession, "no relay session for relay id", nil)
	}

	if !sess.markSeen(p.ID) {
		r.svc.cfg.Metrics.ObserveRelayDrop()
		return nil // duplicate: dropped silently, never re-forwarded
	}

	if r.svc.cfg.RelayRouter == nil {
		r.svc.cfg.Metrics.ObserveRelayDrop()
		return newErr(KindForwardFailed, "no relay router configured", nil)
	}
	dest, err := r.svc.cfg.RelayRouter.RouteConnection(sess.remoteRelayID)
	if err != nil || dest == nil {
		r.svc.cfg.Metrics.ObserveRelayDrop()
		return newErr(KindForwardFailed, "relay route lookup failed", err)
	}

	fwd := *p
	fwd.RelayID = sess.localRelayID
	if err := dest.writeRawPacket(&fwd); err != nil {
		r.svc.cfg.Metrics.ObserveRelayDrop()
		return newErr(KindForwardFailed, "forward write failed", err)
	}
	r.svc.cfg.Metrics.ObserveRelayForward()
	return nil
}

// Connect issues a ConnectType packet on conn to establish a relay
// session for relayID, per spec.md §4.7.
func (r *Relay) Connect(conn *Connection, relayID uint32) error {
	now := time.Now()
	data := ConnectData{
		ProtocolVersion: 1,
		RelayID:         relayID,
		TimestampSec:    uint64(now.Unix()),
		TimestampNsec:   uint64(now.Nanosecond()),
	}
	p := &wire.Packet{Type: wire.TypeConnect, Payload: encodeConnectData(data)}
	return conn.writeRawPacket(p)
}
