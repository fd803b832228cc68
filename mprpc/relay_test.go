package mprpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/solidoss/solidframe-sub006/wire"
)

func TestConnectDataRoundTrip(t *testing.T) {
	d := ConnectData{
		ProtocolVersion:   3,
		SenderNetworkID:   10,
		ReceiverNetworkID: 20,
		TimestampSec:      1700000000,
		TimestampNsec:     123456,
		RelayID:           77,
	}
	got, err := decodeConnectData(encodeConnectData(d))
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestConnectDataTruncated(t *testing.T) {
	_, err := decodeConnectData(make([]byte, connectDataWireSize-1))
	require.Error(t, err)
}

func TestAcceptDataRoundTrip(t *testing.T) {
	d := AcceptData{AcceptedRelayID: 9, TimestampSec: 42, TimestampNsec: 7}
	got, err := decodeAcceptData(encodeAcceptData(d))
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestRelaySessionDuplicateDetection(t *testing.T) {
	s := &relaySession{seen: make(map[uint32]struct{})}
	require.True(t, s.markSeen(1))
	require.True(t, s.markSeen(2))
	require.False(t, s.markSeen(1), "packet id 1 already forwarded once")
	require.True(t, s.markSeen(3))
}

func TestRelaySessionWindowEviction(t *testing.T) {
	s := &relaySession{seen: make(map[uint32]struct{})}
	for i := uint32(0); i < relayDupWindow+10; i++ {
		require.True(t, s.markSeen(i))
	}
	require.Len(t, s.seen, relayDupWindow)
	// The earliest ids fell out of the window and would be treated as new
	// again if resent, which is an accepted tradeoff of a bounded window.
	require.True(t, s.markSeen(0))
}

func TestForwardDataUnknownSession(t *testing.T) {
	svc := NewService(Config{})
	r := newRelay(svc)
	p := &wire.Packet{Type: wire.TypeData, Flags: wire.FlagRelay, RelayID: 55}
	err := r.forwardData(nil, p)
	require.Error(t, err)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, KindUnknownSession, merr.Kind)
}
