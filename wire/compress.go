package wire

// Compressor is the pluggable compression hook spec.md §4.1 requires. On
// write, the codec calls Compress on a packet's payload when compression
// is configured and the payload is at or above the configured threshold;
// a Compress failure is non-fatal and leaves the packet uncompressed. On
// read, Decompress is called whenever FlagCompressed is set.
type Compressor interface {
	Compress(payload []byte) ([]byte, error)
	Decompress(payload []byte) ([]byte, error)
}

// CompressPacket applies c to p.Payload in place, setting FlagCompressed on
// success. Failures are swallowed per spec.md §4.1: the packet is left
// uncompressed and no error is returned to the caller.
func CompressPacket(c Compressor, p *Packet, threshold int) {
	if c == nil || len(p.Payload) < threshold {
		return
	}
	out, err := c.Compress(p.Payload)
	if err != nil {
		return
	}
	p.Payload = out
	p.Flags |= FlagCompressed
}

// DecompressPacket reverses CompressPacket. It is an error to fail
// decompression of a packet that declares FlagCompressed: unlike the write
// path, there is no "leave it as-is" fallback once the peer has committed
// to having compressed the bytes.
func DecompressPacket(c Compressor, p *Packet) error {
	if !p.Flags.Has(FlagCompressed) {
		return nil
	}
	if c == nil {
		return malformed("compressed packet received with no compressor configured")
	}
	out, err := c.Decompress(p.Payload)
	if err != nil {
		return malformed("decompress: " + err.Error())
	}
	p.Payload = out
	p.Flags &^= FlagCompressed
	return nil
}
