package message

import (
	"encoding/binary"

	"github.com/solidoss/solidframe-sub006/wire"
)

// requestIDWireSize is carried on *every* fragment, New/Continued/Old/
// Cancel alike. spec.md §6 only spells the request id out as part of the
// NewMessage header; demultiplexing a Continued fragment against its
// partial message on a connection that interleaves many in-flight
// messages requires knowing which request it continues, so this
// implementation carries the request id on every fragment rather than
// only the first. This is recorded as a resolved Open Question in
// DESIGN.md, in the spirit of spec.md §9's "choose explicitly, don't
// guess" guidance.
const requestIDWireSize = 8

// extraHeaderWireSize is the remainder of the NewMessage envelope beyond
// the request id: type id, flag bits, and the relay-header presence byte.
const extraHeaderWireSize = 4 + 2 + 1 // typeID + flags + relayPresent
const relayHeaderWireSize = 4 + 4

func encodeRequestID(id uint64) []byte {
	buf := make([]byte, requestIDWireSize)
	binary.LittleEndian.PutUint64(buf, id)
	return buf
}

func decodeRequestID(buf []byte) (uint64, error) {
	if len(buf) < requestIDWireSize {
		return 0, errShortHeader
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func encodeExtraHeader(h Header) []byte {
	size := extraHeaderWireSize
	if h.Relay != nil {
		size += relayHeaderWireSize
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], h.TypeID)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(h.Flags))
	if h.Relay != nil {
		buf[6] = 1
		binary.LittleEndian.PutUint32(buf[7:11], h.Relay.DestinationRelayID)
		binary.LittleEndian.PutUint32(buf[11:15], h.Relay.SourceRelayID)
	}
	return buf
}

func decodeExtraHeader(buf []byte) (typeID uint32, flags Flags, relay *RelayHeader, consumed int, err error) {
	if len(buf) < extraHeaderWireSize {
		return 0, 0, nil, 0, errShortHeader
	}
	typeID = binary.LittleEndian.Uint32(buf[0:4])
	flags = Flags(binary.LittleEndian.Uint16(buf[4:6]))
	off := extraHeaderWireSize
	if buf[6] == 1 {
		if len(buf) < off+relayHeaderWireSize {
			return 0, 0, nil, 0, errShortHeader
		}
		relay = &RelayHeader{
			DestinationRelayID: binary.LittleEndian.Uint32(buf[off : off+4]),
			SourceRelayID:      binary.LittleEndian.Uint32(buf[off+4 : off+8]),
		}
		off += relayHeaderWireSize
	}
	return typeID, flags, relay, off, nil
}

var errShortHeader = &HeaderError{"truncated message header"}

// HeaderError reports a malformed message envelope.
type HeaderError struct{ Reason string }

func (e *HeaderError) Error() string { return "message: " + e.Reason }

type outState struct {
	msg      *Out
	sent     int
	canceled bool
	started  bool // header for first fragment already written
}

func (s *outState) remaining() int { return len(s.msg.Body) - s.sent }

// Writer multiplexes outgoing messages across packet fragments, per
// spec.md §4.2.
type Writer struct {
	MaxMultiplex   int
	MaxMessageSize int

	queue     []*Out // async messages waiting for a multiplex slot
	syncQueue []*Out // synchronous messages waiting for the sync lane

	inflight map[uint64]*outState
	order    []uint64 // round-robin schedule over inflight keys
	cursor   int

	syncActive *outState

	pendingAcks  []uint32
	nextPacketID uint32
}

// NewWriter builds a Writer. maxMultiplex bounds concurrent async in-flight
// messages; maxMessageSize bounds a single message's serialized size.
func NewWriter(maxMultiplex, maxMessageSize int) *Writer {
	return &Writer{
		MaxMultiplex:   maxMultiplex,
		MaxMessageSize: maxMessageSize,
		inflight:       make(map[uint64]*outState),
	}
}

// Push enqueues an outgoing message. Push itself never blocks; admission
// into the in-flight ring happens lazily as ProducePacket drains it.
func (w *Writer) Push(m *Out) error {
	if w.MaxMessageSize > 0 && len(m.Body) > w.MaxMessageSize {
		if m.OnComplete != nil {
			m.OnComplete(ErrTooLarge)
		}
		return ErrTooLarge
	}

	if m.Header.Flags.Has(Synchronous) {
		w.syncQueue = append(w.syncQueue, m)
		w.fillSyncLane()
		return nil
	}

	w.queue = append(w.queue, m)
	w.fillMultiplex()
	return nil
}

func (w *Writer) fillSyncLane() {
	if w.syncActive != nil || len(w.syncQueue) == 0 {
		return
	}
	next := w.syncQueue[0]
	w.syncQueue = w.syncQueue[1:]
	w.syncActive = &outState{msg: next}
}

func (w *Writer) fillMultiplex() {
	for len(w.inflight) < w.maxMultiplex() && len(w.queue) > 0 {
		next := w.queue[0]
		w.queue = w.queue[1:]
		w.inflight[next.Header.RequestID] = &outState{msg: next}
		w.order = append(w.order, next.Header.RequestID)
	}
}

func (w *Writer) maxMultiplex() int {
	if w.MaxMultiplex <= 0 {
		return 1
	}
	return w.MaxMultiplex
}

// Cancel removes a not-yet-fully-sent message identified by requestID.
// If nothing has been serialized yet, the message is simply dropped and
// completed with ErrCanceled. If serialization is in progress, the next
// ProducePacket call for that message emits a cancel terminator fragment
// instead of more data, per spec.md §4.2 and §5.
func (w *Writer) Cancel(requestID uint64) bool {
	for i, m := range w.queue {
		if m.Header.RequestID == requestID {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			complete(m, ErrCanceled)
			return true
		}
	}
	for i, m := range w.syncQueue {
		if m.Header.RequestID == requestID {
			w.syncQueue = append(w.syncQueue[:i], w.syncQueue[i+1:]...)
			complete(m, ErrCanceled)
			return true
		}
	}
	if s, ok := w.inflight[requestID]; ok {
		if s.sent == 0 {
			delete(w.inflight, requestID)
			w.removeFromOrder(requestID)
			complete(s.msg, ErrCanceled)
		} else {
			s.canceled = true
		}
		return true
	}
	if w.syncActive != nil && w.syncActive.msg.Header.RequestID == requestID {
		if w.syncActive.sent == 0 {
			complete(w.syncActive.msg, ErrCanceled)
			w.syncActive = nil
			w.fillSyncLane()
		} else {
			w.syncActive.canceled = true
		}
		return true
	}
	return false
}

func complete(m *Out, err error) {
	if m.OnComplete != nil {
		m.OnComplete(err)
	}
}

func (w *Writer) removeFromOrder(requestID uint64) {
	for i, id := range w.order {
		if id == requestID {
			w.order = append(w.order[:i], w.order[i+1:]...)
			if w.cursor > i {
				w.cursor--
			}
			return
		}
	}
}

// QueueAck records that packetID was received and should be piggybacked
// on the next outgoing packet(s), draining up to wire.MaxUpdateCount per
// packet per spec.md §4.2.
func (w *Writer) QueueAck(packetID uint32) {
	w.pendingAcks = append(w.pendingAcks, packetID)
}

func (w *Writer) drainAcks() []uint32 {
	if len(w.pendingAcks) == 0 {
		return nil
	}
	n := len(w.pendingAcks)
	if n > wire.MaxUpdateCount {
		n = wire.MaxUpdateCount
	}
	acks := w.pendingAcks[:n]
	w.pendingAcks = w.pendingAcks[n:]
	return acks
}

func (w *Writer) nextCandidate() (uint64, *outState) {
	if w.syncActive != nil {
		return w.syncActive.msg.Header.RequestID, w.syncActive
	}
	n := len(w.order)
	for i := 0; i < n; i++ {
		idx := (w.cursor + i) % n
		id := w.order[idx]
		s := w.inflight[id]
		if s == nil {
			continue
		}
		if s.canceled || s.remaining() > 0 {
			w.cursor = (idx + 1) % n
			return id, s
		}
	}
	return 0, nil
}

// ProducePacket returns the next packet ready to send, or ok=false if the
// writer currently has nothing to emit (no data, no pending acks).
func (w *Writer) ProducePacket(capacity int) (p wire.Packet, ok bool) {
	id, s := w.nextCandidate()
	if s == nil {
		acks := w.drainAcks()
		if len(acks) == 0 {
			return wire.Packet{}, false
		}
		return wire.Packet{
			Type:     wire.TypeUpdate,
			Flags:    wire.FlagUpdate,
			ID:       w.allocPacketID(),
			Acks:     acks,
			Capacity: capacity,
		}, true
	}

	if s.canceled {
		w.finish(id, s, ErrCanceled)
		payload := append([]byte{FragCancel}, encodeRequestID(id)...)
		return wire.Packet{
			Type:     wire.TypeData,
			ID:       w.allocPacketID(),
			Payload:  payload,
			Flags:    w.flagsWithAcks(),
			Acks:     w.drainAcks(),
			Capacity: capacity,
		}, true
	}

	overhead := 1 + requestIDWireSize + 1 // fragment marker byte + request id + final flag
	var headerBytes []byte
	if !s.started {
		headerBytes = encodeExtraHeader(s.msg.Header)
		overhead += len(headerBytes)
	}
	acks := w.drainAcks()
	flags := wire.Flags(0)
	if len(acks) > 0 {
		flags |= wire.FlagUpdate
	}
	ackOverhead := 0
	if len(acks) > 0 {
		ackOverhead = 1 + 4*len(acks)
	}

	// 2: the frame length the codec writes after the fixed header.
	avail := capacity - wire.HeaderSize - 2 - ackOverhead - overhead
	if avail < 0 {
		avail = 0
	}
	n := s.remaining()
	if n > avail {
		n = avail
	}

	marker := FragContinued
	if !s.started {
		marker = FragNew
		if s.msg.Header.Flags.Has(Response) {
			marker = FragOld
		}
	}
	final := byte(0)
	if n == s.remaining() {
		final = 1
	}
	payload := make([]byte, 0, overhead+n+1)
	payload = append(payload, marker)
	payload = append(payload, encodeRequestID(id)...)
	payload = append(payload, final)
	payload = append(payload, headerBytes...)
	payload = append(payload, s.msg.Body[s.sent:s.sent+n]...)

	s.sent += n
	s.started = true

	packet := wire.Packet{
		Type:     wire.TypeData,
		ID:       w.allocPacketID(),
		Payload:  payload,
		Flags:    flags,
		Acks:     acks,
		Capacity: capacity,
	}

	if s.remaining() == 0 {
		w.finish(id, s, nil)
	}

	return packet, true
}

func (w *Writer) flagsWithAcks() wire.Flags {
	if len(w.pendingAcks) > 0 {
		return wire.FlagUpdate
	}
	return 0
}

func (w *Writer) finish(id uint64, s *outState, err error) {
	if w.syncActive == s {
		w.syncActive = nil
		w.fillSyncLane()
	} else {
		delete(w.inflight, id)
		w.removeFromOrder(id)
		w.fillMultiplex()
	}
	complete(s.msg, err)
}

func (w *Writer) allocPacketID() uint32 {
	w.nextPacketID++
	return w.nextPacketID
}

// HasPending reports whether the writer has data or acks it would emit
// right now, without actually producing a packet.
func (w *Writer) HasPending() bool {
	if len(w.pendingAcks) > 0 {
		return true
	}
	if w.syncActive != nil {
		return true
	}
	for _, id := range w.order {
		if s := w.inflight[id]; s != nil && (s.canceled || s.remaining() > 0) {
			return true
		}
	}
	return false
}

// PendingLoad returns the number of async messages currently admitted
// into the in-flight ring, used by the pool's "smallest in-flight-
// multiplex count among Active connections" admission policy (spec.md
// §4.5).
func (w *Writer) PendingLoad() int { return len(w.inflight) }

// FailAll completes every message currently queued, admitted, or on the
// sync lane with err and empties the writer. Used when the owning
// connection is closing and none of them will ever be sent, so each still
// gets exactly one OnComplete call per spec.md §4.4/§8.
func (w *Writer) FailAll(err error) {
	for _, m := range w.queue {
		complete(m, err)
	}
	w.queue = nil
	for _, m := range w.syncQueue {
		complete(m, err)
	}
	w.syncQueue = nil
	for _, id := range w.order {
		if s := w.inflight[id]; s != nil {
			complete(s.msg, err)
		}
	}
	w.inflight = make(map[uint64]*outState)
	w.order = nil
	w.cursor = 0
	w.pendingAcks = nil
	if w.syncActive != nil {
		complete(w.syncActive.msg, err)
		w.syncActive = nil
	}
}
