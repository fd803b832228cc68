package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	cases := []*Packet{
		{Type: TypeData, ID: 1, Payload: []byte("hello"), Capacity: DefaultCapacity},
		{Type: TypeKeepAlive, ID: 2, Capacity: DefaultCapacity},
		{Type: TypeData, ID: 3, Flags: FlagUpdate, Acks: []uint32{1, 2, 3}, Payload: []byte("x"), Capacity: DefaultCapacity},
		{Type: TypeData, ID: 4, Flags: FlagRelay, RelayID: 77, Payload: []byte("relayed"), Capacity: DefaultCapacity},
	}

	for _, p := range cases {
		var buf bytes.Buffer
		n, err := WritePacket(&buf, p)
		require.NoError(t, err)
		require.Equal(t, buf.Len(), n)

		got, consumed, err := ReadPacket(buf.Bytes(), DefaultCapacity)
		require.NoError(t, err)
		require.Equal(t, buf.Len(), consumed)
		require.Equal(t, p.Type, got.Type)
		require.Equal(t, p.ID, got.ID)
		require.Equal(t, p.Flags&^FlagCompressed, got.Flags&^FlagCompressed)
		if len(p.Payload) == 0 {
			require.Empty(t, got.Payload)
		} else {
			require.Equal(t, p.Payload, got.Payload)
		}
		if p.Flags.Has(FlagRelay) {
			require.Equal(t, p.RelayID, got.RelayID)
		}
		if p.Flags.Has(FlagUpdate) {
			require.Equal(t, p.Acks, got.Acks)
		}
	}
}

func TestReadPacketNeedMore(t *testing.T) {
	p := &Packet{Type: TypeData, ID: 1, Payload: []byte("hello world"), Capacity: DefaultCapacity}
	buf, err := MarshalPacket(p)
	require.NoError(t, err)

	for n := 0; n < len(buf); n++ {
		_, consumed, err := ReadPacket(buf[:n], DefaultCapacity)
		require.ErrorIs(t, err, ErrNeedMore)
		require.Zero(t, consumed)
	}

	_, consumed, err := ReadPacket(buf, DefaultCapacity)
	require.NoError(t, err)
	require.Equal(t, len(buf), consumed)
}

func TestReadPacketMalformed(t *testing.T) {
	t.Run("declared size over capacity", func(t *testing.T) {
		p := &Packet{Type: TypeData, ID: 1, Payload: make([]byte, 100), Capacity: 4096}
		buf, err := MarshalPacket(p)
		require.NoError(t, err)
		_, _, err = ReadPacket(buf, 32)
		require.Error(t, err)
		var fe *FrameError
		require.ErrorAs(t, err, &fe)
	})

	t.Run("headerSize over bufferSize", func(t *testing.T) {
		buf := make([]byte, headerFixedSize)
		buf[8] = 2 // bufferSize declared smaller than the fixed header itself
		_, _, err := ReadPacket(buf, DefaultCapacity)
		require.Error(t, err)
	})

	t.Run("relay packet below MinRelayReadSize", func(t *testing.T) {
		buf := make([]byte, headerFixedSize)
		buf[2] = byte(FlagRelay)
		buf[8] = byte(headerFixedSize)
		_, _, err := ReadPacket(buf, DefaultCapacity)
		require.Error(t, err)
	})
}

func TestUpdateAcksTruncatedAtMax(t *testing.T) {
	acks := make([]uint32, MaxUpdateCount+50)
	for i := range acks {
		acks[i] = uint32(i)
	}
	p := &Packet{Type: TypeUpdate, ID: 5, Flags: FlagUpdate, Acks: acks, Capacity: 1 << 16}
	buf, err := MarshalPacket(p)
	require.NoError(t, err)

	got, _, err := ReadPacket(buf, 1<<16)
	require.NoError(t, err)
	require.Len(t, got.Acks, MaxUpdateCount)
}

func TestCompressRoundTrip(t *testing.T) {
	z, err := NewZstdCompressor(0)
	require.NoError(t, err)
	defer z.Close()

	p := &Packet{Type: TypeData, ID: 9, Payload: bytes.Repeat([]byte("payload-data"), 64), Capacity: 1 << 16}
	orig := append([]byte(nil), p.Payload...)

	CompressPacket(z, p, 10)
	require.True(t, p.Flags.Has(FlagCompressed))

	require.NoError(t, DecompressPacket(z, p))
	require.Equal(t, orig, p.Payload)
	require.False(t, p.Flags.Has(FlagCompressed))
}

func TestCompressFailureIsNonFatal(t *testing.T) {
	p := &Packet{Type: TypeData, ID: 1, Payload: bytes.Repeat([]byte("a"), 100), Capacity: DefaultCapacity}
	CompressPacket(&failingCompressor{}, p, 10)
	require.False(t, p.Flags.Has(FlagCompressed))
	require.Equal(t, 100, len(p.Payload))
}

type failingCompressor struct{}

func (failingCompressor) Compress([]byte) ([]byte, error)   { return nil, errBoom }
func (failingCompressor) Decompress([]byte) ([]byte, error) { return nil, errBoom }

var errBoom = &FrameError{Reason: "boom"}
