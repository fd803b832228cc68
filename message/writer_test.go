package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func drain(w *Writer, capacity int) []wirePacketView {
	var out []wirePacketView
	for {
		p, ok := w.ProducePacket(capacity)
		if !ok {
			break
		}
		out = append(out, wirePacketView{payload: p.Payload, acks: p.Acks})
	}
	return out
}

type wirePacketView struct {
	payload []byte
	acks    []uint32
}

func TestWriterSingleMessageRoundTrip(t *testing.T) {
	w := NewWriter(8, 1<<20)
	r := NewReader(8, 1<<20)

	body := []byte("hello, world")
	done := false
	var completeErr error
	require.NoError(t, w.Push(&Out{
		Header:     Header{TypeID: 42, RequestID: 1},
		Body:       body,
		OnComplete: func(err error) { done = true; completeErr = err },
	}))

	var got *In
	for {
		p, ok := w.ProducePacket(128)
		if !ok {
			break
		}
		_, in, err := r.Feed(p.Payload)
		require.NoError(t, err)
		if in != nil {
			got = in
		}
	}

	require.True(t, done)
	require.NoError(t, completeErr)
	require.NotNil(t, got)
	require.Equal(t, body, got.Body)
	require.Equal(t, uint32(42), got.Header.TypeID)
}

func TestWriterFragmentsLargeMessage(t *testing.T) {
	w := NewWriter(8, 1<<20)
	r := NewReader(8, 1<<20)

	body := make([]byte, 10000)
	for i := range body {
		body[i] = byte(i)
	}
	var got *In
	require.NoError(t, w.Push(&Out{
		Header: Header{TypeID: 1, RequestID: 7},
		Body:   body,
	}))

	packets := 0
	for {
		p, ok := w.ProducePacket(128) // small capacity forces many fragments
		if !ok {
			break
		}
		packets++
		_, in, err := r.Feed(p.Payload)
		require.NoError(t, err)
		if in != nil {
			got = in
		}
	}

	require.Greater(t, packets, 1)
	require.NotNil(t, got)
	require.Equal(t, body, got.Body)
}

func TestWriterTooLarge(t *testing.T) {
	w := NewWriter(8, 10)
	var gotErr error
	err := w.Push(&Out{
		Header:     Header{RequestID: 1},
		Body:       make([]byte, 11),
		OnComplete: func(e error) { gotErr = e },
	})
	require.ErrorIs(t, err, ErrTooLarge)
	require.ErrorIs(t, gotErr, ErrTooLarge)
}

func TestWriterCancelBeforeSerialization(t *testing.T) {
	w := NewWriter(1, 1<<20)
	var gotErr error
	// MaxMultiplex==1: the first message takes the only in-flight slot, so
	// the second one sits un-admitted in the queue when it is canceled
	require.NoError(t, w.Push(&Out{Header: Header{RequestID: 1}, Body: []byte("other")}))
	require.NoError(t, w.Push(&Out{
		Header:     Header{RequestID: 2},
		Body:       []byte("data"),
		OnComplete: func(e error) { gotErr = e },
	}))

	ok := w.Cancel(2)
	require.True(t, ok)
	require.ErrorIs(t, gotErr, ErrCanceled)
}

func TestWriterCancelMidStream(t *testing.T) {
	w := NewWriter(4, 1<<20)
	r := NewReader(4, 1<<20)

	body := make([]byte, 10000)
	var gotErr error
	done := false
	require.NoError(t, w.Push(&Out{
		Header:     Header{RequestID: 3},
		Body:       body,
		OnComplete: func(e error) { done = true; gotErr = e },
	}))

	// produce one fragment, then cancel mid-stream
	p, ok := w.ProducePacket(128)
	require.True(t, ok)
	_, in, err := r.Feed(p.Payload)
	require.NoError(t, err)
	require.Nil(t, in, "large message should not complete in one small packet")

	require.True(t, w.Cancel(3))

	sawCancel := false
	for {
		p, ok := w.ProducePacket(128)
		if !ok {
			break
		}
		res, in, err := r.Feed(p.Payload)
		require.NoError(t, err)
		require.Nil(t, in)
		if res.Canceled {
			sawCancel = true
		}
	}

	require.True(t, done)
	require.ErrorIs(t, gotErr, ErrCanceled)
	require.True(t, sawCancel)
}

func TestWriterSynchronousOrdering(t *testing.T) {
	w := NewWriter(8, 1<<20)
	r := NewReader(8, 1<<20)

	var order []uint64
	push := func(id uint64, size int) {
		require.NoError(t, w.Push(&Out{
			Header: Header{RequestID: id, Flags: Synchronous},
			Body:   make([]byte, size),
		}))
	}
	push(1, 500_000)
	push(2, 100_000)
	push(3, 10_000)

	for {
		p, ok := w.ProducePacket(4096)
		if !ok {
			break
		}
		res, in, err := r.Feed(p.Payload)
		require.NoError(t, err)
		if in != nil {
			order = append(order, res.RequestID)
		}
	}

	require.Equal(t, []uint64{1, 2, 3}, order)
}

func TestWriterAckPiggyback(t *testing.T) {
	w := NewWriter(8, 1<<20)
	w.QueueAck(10)
	w.QueueAck(11)

	p, ok := w.ProducePacket(4096)
	require.True(t, ok)
	require.Equal(t, []uint32{10, 11}, p.Acks)

	_, ok = w.ProducePacket(4096)
	require.False(t, ok, "nothing left to send once acks are drained")
}
