package mprpc

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solidoss/solidframe-sub006/message"
	"github.com/solidoss/solidframe-sub006/wire"
)

const typeGreeting uint32 = 1

type greeting struct {
	Text string `json:"text"`
}

func jsonSerializer(v interface{}) ([]byte, error) { return json.Marshal(v) }

func jsonGreetingDeserializer(b []byte) (interface{}, error) {
	var g greeting
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, err
	}
	return g, nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		ListenAddr:         "127.0.0.1:0",
		ConnectionStart:    StartActive,
		WriterMaxMultiplex: 8,
		MaxMessageSize:     1 << 20,
		PacketCapacity:     4096,
	}
}

// newEchoServer registers a handler that echoes the received greeting back
// as a response, per spec.md §8 scenario 1 "Echo."
func newEchoServer(t *testing.T) *Service {
	t.Helper()
	svc := NewService(testConfig(t))
	svc.RegisterType(typeGreeting, jsonSerializer, jsonGreetingDeserializer,
		func(ctx Context, body interface{}) {
			g := body.(greeting)
			err := svc.SendResponse(ctx, typeGreeting, g)
			require.NoError(t, err)
		},
		nil, nil,
	)
	require.NoError(t, svc.Listen())
	return svc
}

func TestEchoRoundTrip(t *testing.T) {
	server := newEchoServer(t)
	defer server.StopListening()

	var mu sync.Mutex
	var gotBody interface{}
	var gotErr error
	done := make(chan struct{})

	client := NewService(testConfig(t))
	client.RegisterType(typeGreeting, jsonSerializer, jsonGreetingDeserializer,
		nil,
		func(ctx Context, sent, recv interface{}, err error) {
			mu.Lock()
			gotBody, gotErr = recv, err
			mu.Unlock()
			close(done)
		},
		nil,
	)

	_, err := client.SendRequest(server.Addr().String(), typeGreeting, greeting{Text: "hello"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo response")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, gotErr)
	require.Equal(t, greeting{Text: "hello"}, gotBody)
}

func TestMultiplexOutOfOrderResponses(t *testing.T) {
	const n = 10
	server := NewService(testConfig(t))
	server.RegisterType(typeGreeting, jsonSerializer, jsonGreetingDeserializer,
		func(ctx Context, body interface{}) {
			g := body.(greeting)
			// Stagger responses so arrival order need not match send order,
			// per spec.md §8 scenario 2 "Multiplex."
			go func() {
				time.Sleep(time.Duration(10-int(g.Text[0]-'a')) * time.Millisecond)
				_ = server.SendResponse(ctx, typeGreeting, g)
			}()
		},
		nil, nil,
	)
	require.NoError(t, server.Listen())
	defer server.StopListening()

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	wg.Add(n)

	client := NewService(testConfig(t))
	client.RegisterType(typeGreeting, jsonSerializer, jsonGreetingDeserializer,
		nil,
		func(ctx Context, sent, recv interface{}, err error) {
			require.NoError(t, err)
			g := recv.(greeting)
			mu.Lock()
			seen[g.Text] = true
			mu.Unlock()
			wg.Done()
		},
		nil,
	)

	for i := 0; i < n; i++ {
		text := string(rune('a' + i))
		_, err := client.SendRequest(server.Addr().String(), typeGreeting, greeting{Text: text})
		require.NoError(t, err)
	}

	waitOrTimeout(t, &wg, 3*time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, n)
}

func TestCancellationSkipsServerReceive(t *testing.T) {
	received := make(chan struct{}, 1)
	cfg := testConfig(t)
	cfg.MaxMessageSize = 1 << 27 // 128 MiB, room for the oversized payload below

	server := NewService(cfg)
	server.RegisterType(typeGreeting, jsonSerializer, jsonGreetingDeserializer,
		func(ctx Context, body interface{}) { received <- struct{}{} },
		nil, nil,
	)
	require.NoError(t, server.Listen())
	defer server.StopListening()

	client := NewService(cfg)
	completeErr := make(chan error, 1)
	client.RegisterType(typeGreeting, jsonSerializer, jsonGreetingDeserializer,
		nil,
		func(ctx Context, sent, recv interface{}, err error) { completeErr <- err },
		nil,
	)

	pool := client.CreateConnectionPool(server.Addr().String())
	// Large enough that the send loop cannot flush it to the socket before
	// the Cancel call below lands, so the race is not observable in
	// practice.
	big := greeting{Text: string(make([]byte, 1<<24))}
	reqID, err := pool.SendMessage(typeGreeting, big, message.AwaitingResponse)
	require.NoError(t, err)

	ok := pool.connections[0].Cancel(reqID)
	require.True(t, ok)

	select {
	case err := <-completeErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancel completion")
	case <-received:
		t.Fatal("server received canceled message")
	}
}

// TestRecipientIDRoundTrip exercises the RecipientId addressing mode from
// spec.md §4.6's "(RecipientUrl | RecipientId | ConnectionContext) target":
// a message sent by resolving a previously captured RecipientID must reach
// the same connection, and a stale one (wrong generation) must fail.
func TestRecipientIDRoundTrip(t *testing.T) {
	server := newEchoServer(t)
	defer server.StopListening()

	var mu sync.Mutex
	var gotBody interface{}
	done := make(chan struct{})

	client := NewService(testConfig(t))
	client.RegisterType(typeGreeting, jsonSerializer, jsonGreetingDeserializer,
		nil,
		func(ctx Context, sent, recv interface{}, err error) {
			require.NoError(t, err)
			mu.Lock()
			gotBody = recv
			mu.Unlock()
			close(done)
		},
		nil,
	)

	pool := client.CreateConnectionPool(server.Addr().String())
	_, err := pool.SendMessage(typeGreeting, greeting{Text: "warm up"}, 0)
	require.NoError(t, err)
	require.Len(t, pool.connections, 1)

	id := pool.connections[0].RecipientID()
	_, err = client.SendRequestToRecipient(id, typeGreeting, greeting{Text: "direct"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recipient-addressed echo response")
	}

	mu.Lock()
	require.Equal(t, greeting{Text: "direct"}, gotBody)
	mu.Unlock()

	stale := id
	stale.Generation++
	require.False(t, client.CancelMessageByRecipient(stale, 1))
}

// newIdleLoopConnection builds an Active connection whose actor loop runs
// but whose send/recv/timer goroutines do not, so anything pushed onto its
// writer stays put for deterministic admission-routing assertions instead
// of racing a real send loop.
func newIdleLoopConnection(t *testing.T, svc *Service, pool *Pool, cfg Config) *Connection {
	t.Helper()
	c := newConnection(svc, nil, true, cfg)
	c.pool = pool
	go c.loop.Run()
	t.Cleanup(c.loop.Stop)
	c.setState(StateActive)
	pool.connections = append(pool.connections, c)
	pool.occupySlot(c)
	return c
}

// TestPoolAdmissionPolicy exercises the ordered five-step policy from
// spec.md §4.5: synchronous lane, least-loaded active connection, dial
// under the active cap, enqueue, and pool_stopping/queue_full rejection.
func TestPoolAdmissionPolicy(t *testing.T) {
	t.Run("synchronous message goes to the sync connection, not least-loaded", func(t *testing.T) {
		cfg := testConfig(t)
		svc := NewService(cfg)
		svc.RegisterType(typeGreeting, jsonSerializer, jsonGreetingDeserializer, nil, nil, nil)
		pool := svc.CreateConnectionPool("sync-target")
		syncConn := newIdleLoopConnection(t, svc, pool, cfg)
		other := newIdleLoopConnection(t, svc, pool, cfg)
		pool.syncConn = syncConn

		reqID, err := pool.SendMessage(typeGreeting, greeting{Text: "s"}, message.Synchronous)
		require.NoError(t, err)
		require.True(t, syncConn.Cancel(reqID))
		require.False(t, other.Cancel(reqID))
	})

	t.Run("least-loaded active connection wins over a busier one", func(t *testing.T) {
		cfg := testConfig(t)
		svc := NewService(cfg)
		svc.RegisterType(typeGreeting, jsonSerializer, jsonGreetingDeserializer, nil, nil, nil)
		pool := svc.CreateConnectionPool("least-loaded-target")
		first := newIdleLoopConnection(t, svc, pool, cfg)
		second := newIdleLoopConnection(t, svc, pool, cfg)

		warmID, err := pool.SendMessage(typeGreeting, greeting{Text: "warm"}, 0)
		require.NoError(t, err)
		coldID, err := pool.SendMessage(typeGreeting, greeting{Text: "cold"}, 0)
		require.NoError(t, err)

		require.True(t, first.Cancel(warmID))
		require.False(t, second.Cancel(warmID))
		require.True(t, second.Cancel(coldID))
		require.False(t, first.Cancel(coldID))
	})

	t.Run("dials a new connection under the active cap when none qualify", func(t *testing.T) {
		server := NewService(testConfig(t))
		server.RegisterType(typeGreeting, jsonSerializer, jsonGreetingDeserializer,
			func(ctx Context, body interface{}) {}, nil, nil)
		require.NoError(t, server.Listen())
		defer server.StopListening()

		cfg := testConfig(t)
		cfg.PoolMaxActiveConnections = 2
		client := NewService(cfg)
		client.RegisterType(typeGreeting, jsonSerializer, jsonGreetingDeserializer, nil, nil, nil)
		pool := client.CreateConnectionPool(server.Addr().String())

		require.Empty(t, pool.connections)
		_, err := pool.SendMessage(typeGreeting, greeting{Text: "dial"}, 0)
		require.NoError(t, err)
		require.Len(t, pool.connections, 1)
	})

	t.Run("enqueues when at the active cap, then rejects with queue_full", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.PoolMaxActiveConnections = 1
		cfg.PoolMaxMessageQueueSize = 1
		svc := NewService(cfg)
		errs := make(chan error, 1)
		svc.RegisterType(typeGreeting, jsonSerializer, jsonGreetingDeserializer, nil,
			func(ctx Context, sent, recv interface{}, err error) { errs <- err }, nil)
		pool := svc.CreateConnectionPool("queue-full-target")
		// A connection still Connecting fills the active cap of 1 without
		// being admissible, so admission can neither pick nor dial one.
		newIdleLoopConnection(t, svc, pool, cfg).setState(StateConnecting)

		_, err := pool.SendMessage(typeGreeting, greeting{Text: "a"}, 0)
		require.NoError(t, err)
		require.Len(t, pool.pending, 1)

		_, err = pool.SendMessage(typeGreeting, greeting{Text: "b"}, 0)
		require.ErrorIs(t, err, ErrKind(KindQueueFull)) // returned from the call, not via onComplete

		select {
		case err := <-errs:
			t.Fatalf("queue_full must not also complete through onComplete, got %v", err)
		default:
		}
	})

	t.Run("pool_stopping rejects admission once force-closed", func(t *testing.T) {
		svc := NewService(testConfig(t))
		svc.RegisterType(typeGreeting, jsonSerializer, jsonGreetingDeserializer, nil, nil, nil)
		pool := svc.CreateConnectionPool("stopping-target")
		pool.ForceClose()

		_, err := pool.SendMessage(typeGreeting, greeting{Text: "x"}, 0)
		require.ErrorIs(t, err, ErrKind(KindPoolStopping))
	})
}

// TestKeepaliveLimitIsPerInactivityWindow exercises spec.md §8 scenario 4:
// a long-lived idle connection must stay healthy indefinitely as long as
// each inactivity window individually stays under the keepalive limit,
// rather than tripping once their lifetime sum exceeds it. The inactivity
// timer's window re-arm is exercised directly (resetting the counter the
// way timerLoop's ticker branch does) instead of through real timers, so
// the many simulated windows below run instantly and deterministically.
func TestKeepaliveLimitIsPerInactivityWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.InactivityKeepaliveLimit = 4
	svc := NewService(cfg)
	c := newConnection(svc, nil, false, cfg) // server side: isClient=false enforces the limit

	sendKeepAlives := func(n int) error {
		var err error
		for i := 0; i < n && err == nil; i++ {
			err = c.handlePacket(&wire.Packet{Type: wire.TypeKeepAlive})
		}
		return err
	}

	for window := 0; window < 20; window++ {
		require.NoError(t, sendKeepAlives(cfg.InactivityKeepaliveLimit))
		atomic.StoreInt64(&c.keepaliveRecvCount, 0) // timerLoop's inactivity-window re-arm
	}

	// Exceeding the limit inside a single window still fails.
	require.Error(t, sendKeepAlives(cfg.InactivityKeepaliveLimit+1))
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for completions")
	}
}
