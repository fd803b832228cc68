// Package message implements the application-level Message type and the
// Writer/Reader pair that multiplexes messages across packet fragments,
// per spec.md §3 and §4.2-4.3.
package message

import "fmt"

// Flags is the per-message attribute bitset from spec.md §3.
type Flags uint16

const (
	Synchronous Flags = 1 << iota
	Response
	AwaitingResponse
	OnPeer
	BackOnSender
	Canceled
	ResponsePart
	Relayed
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// RelayHeader describes the desired forwarding path for a relayed
// message, per spec.md §3 and §4.7.
type RelayHeader struct {
	DestinationRelayID uint32
	SourceRelayID      uint32
}

// Header is the envelope carried with the first fragment of a message
// (the NewMessage framing byte in spec.md §6).
type Header struct {
	TypeID    uint32
	RequestID uint64
	Flags     Flags
	Relay     *RelayHeader
}

// Out is a fully-serialized outgoing message handed to a Writer. Body is
// the already-serialized payload bytes; serialization itself is the
// caller's (the type registry's) responsibility so this package stays
// independent of any particular wire encoding for application types.
type Out struct {
	Header Header
	Body   []byte

	// OnComplete is invoked exactly once: when the message has been fully
	// sent (err == nil), fails to serialize/fit (err != nil), or is
	// canceled (err == ErrCanceled).
	OnComplete func(err error)

	sent int // unused: the Writer tracks emitted bytes in its own outState
}

// In is a fully reassembled incoming message, ready for type-registry
// deserialization and dispatch.
type In struct {
	Header Header
	Body   []byte
}

// Fragment marker bytes, the first payload byte of a DataType packet
// belonging to a message (spec.md §6).
const (
	FragContinued byte = 1
	FragNew       byte = 2
	FragOld       byte = 3
	// FragCancel is an additive marker (SPEC_FULL.md §4.2): a short
	// terminator fragment telling the reader to discard the partial
	// message bound to this request id, emitted when a message in flight
	// is canceled after partial serialization.
	FragCancel byte = 4
)

// ErrCanceled is passed to Out.OnComplete when cancelMessage pre-empted
// transmission, per spec.md §4.2 and §5.
var ErrCanceled = fmt.Errorf("message: canceled")

// ErrTooLarge is passed to Out.OnComplete when Body exceeds the writer's
// configured per-message cap.
var ErrTooLarge = fmt.Errorf("message: too large")
