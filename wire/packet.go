// Package wire implements the on-wire packet framing used by the MPRPC
// transport: fixed-width little-endian headers, optional relay framing,
// optional piggybacked acknowledgments, and an optional compressed
// payload.
package wire

import "fmt"

// Type is the one-byte packet type.
type Type byte

const (
	TypeData Type = iota + 1
	TypeConnect
	TypeAccept
	TypeKeepAlive
	TypeUpdate
	TypeError
	TypeUnknown
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "Data"
	case TypeConnect:
		return "Connect"
	case TypeAccept:
		return "Accept"
	case TypeKeepAlive:
		return "KeepAlive"
	case TypeUpdate:
		return "Update"
	case TypeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Flags is the two-byte packet flag bitset.
type Flags uint16

const (
	FlagCompressed Flags = 1 << iota
	FlagRelay
	FlagUpdate
	FlagDebug
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

const (
	// HeaderSize is the fixed portion present on every packet: type,
	// resend counter, flags, packet id.
	HeaderSize = 1 + 1 + 2 + 4

	// RelayHeaderSize is the additional bytes present when FlagRelay is set:
	// relay id (4) plus relay-framed packet size (2).
	RelayHeaderSize = 4 + 2

	// MinRelayReadSize is the minimum bufferSize a relay-flagged packet must
	// declare to be well formed.
	MinRelayReadSize = HeaderSize + RelayHeaderSize

	// MaxUpdateCount bounds how many acknowledged packet ids a single
	// packet may piggyback.
	MaxUpdateCount = 255

	// DefaultCapacity is the default maximum packet size in bytes.
	DefaultCapacity = 4096
)

// Packet is the in-memory view of one on-wire frame.
type Packet struct {
	Type     Type
	Resend   byte
	Flags    Flags
	ID       uint32
	RelayID  uint32 // valid iff Flags&FlagRelay
	Acks     []uint32
	Payload  []byte
	Capacity int // negotiated max frame size for this connection, used by writers/readers
}

// FrameError reports a malformed packet per the edge cases in the packet
// codec's responsibility (declared size over capacity, headerSize over
// bufferSize, relay framing under MinRelayReadSize, and so on).
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string { return "wire: malformed packet: " + e.Reason }

// ErrNeedMore is returned by ReadPacket when the supplied buffer does not
// yet hold a complete packet. It is not a fatal error: the caller should
// read more bytes and retry.
var ErrNeedMore = fmt.Errorf("wire: need more data")

func malformed(reason string) error { return &FrameError{Reason: reason} }
