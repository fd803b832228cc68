package mprpc

import (
	"crypto/tls"
	"time"

	"github.com/solidoss/solidframe-sub006/internal/metrics"
	"github.com/solidoss/solidframe-sub006/internal/xlog"
	"github.com/solidoss/solidframe-sub006/wire"
)

// ConnectionStartState is the state a newly accepted/connected connection
// begins in, per spec.md §6.
type ConnectionStartState int

const (
	StartRaw ConnectionStartState = iota
	StartPassive
	StartActive
)

// Resolver turns a recipient name into a set of dialable addresses.
// Embedders may supply one (e.g. a static map), matching spec.md §4.5's
// "pool accepts a name_resolve callback." No default Resolver is
// provided: with a nil Resolver the pool dials the recipient name itself
// as the address, and the resolve cache is not used.
type Resolver interface {
	Resolve(name string) ([]string, error)
}

// ConnectionHooks groups the five parallel "notify" callbacks spec.md §9
// calls out for flattening into one path: on_connection_start,
// on_connection_stop, on_pool_event, connection_on_event, plus prepare is
// handled per-type in the Registry instead.
type ConnectionHooks struct {
	OnConnectionStart func(ctx Context)
	OnConnectionStop  func(ctx Context, err error)
	OnPoolEvent       func(poolName string, event string)
	OnConnectionEvent func(ctx Context, event string)
}

// Config is the single configuration record per service instance, per
// spec.md §6, plus the expansion fields SPEC_FULL.md §6 adds.
type Config struct {
	ListenAddr string
	Resolver   Resolver

	// per-pool caps
	PoolMaxActiveConnections  int
	PoolMaxPendingConnections int
	PoolMaxMessageQueueSize   int
	PoolPersistentConnections int

	// timers
	ReconnectInitialDelay    time.Duration
	ReconnectMaxDelay        time.Duration
	InactivityTimeout        time.Duration
	KeepaliveInterval        time.Duration
	SecuredTimeout           time.Duration
	InactivityKeepaliveLimit int // server-side: too many KeepAlives inside one inactivity window

	// buffers / multiplex / reader limits
	BufferStartCapacity int
	BufferMaxCapacity   int
	PacketCapacity      int
	WriterMaxMultiplex  int
	MaxMessageSize      int

	Compression          wire.Compressor
	CompressionThreshold int

	TLSConfig          *tls.Config
	ConnectionStart    ConnectionStartState
	ConnectionStartTLS bool

	Hooks ConnectionHooks

	// RelayRouter resolves a local relay id to the Connection packets
	// addressed to it should be forwarded on, per spec.md §4.7. Nil
	// disables forwarding: relayed Data packets fail with forward_failed.
	RelayRouter RelayRouter

	Logger  *xlog.Logger
	Metrics *metrics.Registry

	// ResolveCacheTTL bounds how long a resolved address list is reused
	// before the pool asks the resolver again; zero disables caching.
	// SPEC_FULL.md §6 addendum, grounded in meshage's lazy route/topology
	// recomputation in route.go.
	ResolveCacheTTL time.Duration
}

// withDefaults returns a copy of c with zero-valued fields replaced by
// sane defaults, the way meshage.NewNode applies defaults inline rather
// than requiring every caller to populate every field.
func (c Config) withDefaults() Config {
	if c.PoolMaxActiveConnections <= 0 {
		c.PoolMaxActiveConnections = 4
	}
	if c.PoolMaxPendingConnections <= 0 {
		c.PoolMaxPendingConnections = 4
	}
	if c.PoolMaxMessageQueueSize <= 0 {
		c.PoolMaxMessageQueueSize = 1024
	}
	if c.ReconnectInitialDelay <= 0 {
		c.ReconnectInitialDelay = 200 * time.Millisecond
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.BufferStartCapacity <= 0 {
		c.BufferStartCapacity = 4096
	}
	if c.BufferMaxCapacity <= 0 {
		c.BufferMaxCapacity = 1 << 20
	}
	if c.PacketCapacity <= 0 {
		c.PacketCapacity = wire.DefaultCapacity
	}
	if c.WriterMaxMultiplex <= 0 {
		c.WriterMaxMultiplex = 16
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 << 20
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = 1024
	}
	if c.InactivityKeepaliveLimit <= 0 {
		c.InactivityKeepaliveLimit = 4
	}
	if c.Logger == nil {
		c.Logger = xlog.Nop()
	}
	return c
}
