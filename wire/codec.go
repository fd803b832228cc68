package wire

import (
	"encoding/binary"
	"io"
)

// frameLenSize is the width of the total-frame-length field that follows
// the packet id on every packet, regardless of the Relay flag. spec.md §6
// only spells out a length field under the Relay branch ("relay id (4)
// plus payload length in packet (2)"); recovering packet boundaries from a
// byte stream at all requires a length somewhere, so this implementation
// carries it unconditionally and treats the Relay-flagged "relay-framed
// packet size" as the very same field (the two must be equal, see
// Packet's documented invariant). This resolves one of the "Open
// questions" in spec.md §9 in favor of a single, always-present field
// rather than guessing a specific deployed peer's layout.
const frameLenSize = 2

// headerFixedSize is HeaderSize plus the always-present frame length.
const headerFixedSize = HeaderSize + frameLenSize

// ReadPacket attempts to decode one packet from buf. It returns the
// decoded packet, the number of bytes consumed from buf, and an error.
// ErrNeedMore means buf does not yet hold a complete packet; the caller
// should accumulate more bytes and retry. Any other error is a malformed
// packet (*FrameError) and the connection should be failed.
func ReadPacket(buf []byte, capacity int) (Packet, int, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if len(buf) < headerFixedSize {
		return Packet{}, 0, ErrNeedMore
	}

	p := Packet{
		Type:   Type(buf[0]),
		Resend: buf[1],
		Flags:  Flags(binary.LittleEndian.Uint16(buf[2:4])),
		ID:     binary.LittleEndian.Uint32(buf[4:8]),
	}
	bufferSize := int(binary.LittleEndian.Uint16(buf[8:10]))

	if bufferSize > capacity {
		return Packet{}, 0, malformed("declared size exceeds capacity")
	}
	if bufferSize < headerFixedSize {
		return Packet{}, 0, malformed("headerSize exceeds bufferSize")
	}
	if p.Flags.Has(FlagRelay) && bufferSize < MinRelayReadSize {
		return Packet{}, 0, malformed("relay packet below MinRelayReadSize")
	}

	if len(buf) < bufferSize {
		return Packet{}, 0, ErrNeedMore
	}

	off := headerFixedSize
	if p.Flags.Has(FlagRelay) {
		if off+RelayHeaderSize > bufferSize {
			return Packet{}, 0, malformed("truncated relay header")
		}
		p.RelayID = binary.LittleEndian.Uint32(buf[off : off+4])
		relayFramedSize := int(binary.LittleEndian.Uint16(buf[off+4 : off+6]))
		if relayFramedSize != bufferSize {
			return Packet{}, 0, malformed("relay-framed size does not match bufferSize")
		}
		off += RelayHeaderSize
	}

	if p.Flags.Has(FlagUpdate) {
		if off+1 > bufferSize {
			return Packet{}, 0, malformed("truncated update header")
		}
		count := int(buf[off])
		off++
		if count > MaxUpdateCount {
			count = MaxUpdateCount
		}
		need := off + count*4
		if need > bufferSize {
			return Packet{}, 0, malformed("truncated update list")
		}
		p.Acks = make([]uint32, count)
		for i := 0; i < count; i++ {
			p.Acks[i] = binary.LittleEndian.Uint32(buf[off : off+4])
			off += 4
		}
	}

	if off > bufferSize {
		return Packet{}, 0, malformed("header overruns bufferSize")
	}
	if off < bufferSize {
		payload := make([]byte, bufferSize-off)
		copy(payload, buf[off:bufferSize])
		p.Payload = payload
	}

	return p, bufferSize, nil
}

// WritePacket encodes p and writes it to w, returning the number of bytes
// written. Acks beyond MaxUpdateCount are silently truncated, mirroring
// spec.md §4.1's "acknowledged-packet ids beyond updateCount are ignored".
func WritePacket(w io.Writer, p *Packet) (int, error) {
	buf, err := MarshalPacket(p)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	return n, err
}

// MarshalPacket renders p to its on-wire byte representation.
func MarshalPacket(p *Packet) ([]byte, error) {
	acks := p.Acks
	if len(acks) > MaxUpdateCount {
		acks = acks[:MaxUpdateCount]
	}

	size := headerFixedSize
	if p.Flags.Has(FlagRelay) {
		size += RelayHeaderSize
	}
	if p.Flags.Has(FlagUpdate) {
		size += 1 + 4*len(acks)
	}
	size += len(p.Payload)

	capacity := p.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if size > capacity {
		return nil, malformed("encoded packet exceeds capacity")
	}

	buf := make([]byte, size)
	buf[0] = byte(p.Type)
	buf[1] = p.Resend
	binary.LittleEndian.PutUint16(buf[2:4], uint16(p.Flags))
	binary.LittleEndian.PutUint32(buf[4:8], p.ID)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(size))

	off := headerFixedSize
	if p.Flags.Has(FlagRelay) {
		binary.LittleEndian.PutUint32(buf[off:off+4], p.RelayID)
		binary.LittleEndian.PutUint16(buf[off+4:off+6], uint16(size))
		off += RelayHeaderSize
	}
	if p.Flags.Has(FlagUpdate) {
		buf[off] = byte(len(acks))
		off++
		for _, a := range acks {
			binary.LittleEndian.PutUint32(buf[off:off+4], a)
			off += 4
		}
	}
	copy(buf[off:], p.Payload)

	return buf, nil
}
