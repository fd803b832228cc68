package mprpc

import (
	"fmt"
	"sync"

	"github.com/solidoss/solidframe-sub006/message"
)

// Context is passed to every registered handler, replacing minimega's
// mutable-singleton "the()" accessors (spec.md §9) with an explicit value
// threaded through each call.
type Context struct {
	Service    *Service
	Connection *Connection
	RequestID  uint64
}

// ReceiveHandler is invoked for a one-way message arrival.
type ReceiveHandler func(ctx Context, body interface{})

// CompleteHandler is invoked once per request/response lifecycle: sent is
// the message that was sent, recv is the reply (nil if err != nil), err is
// non-nil on failure. Exactly one of ReceiveHandler/CompleteHandler fires
// per message, per spec.md §8's invariant.
type CompleteHandler func(ctx Context, sent, recv interface{}, err error)

// PrepareHandler returns per-send flag adjustments before a message of
// this type is serialized.
type PrepareHandler func(ctx Context, body interface{}) message.Flags

// Serializer renders an application value to bytes.
type Serializer func(v interface{}) ([]byte, error)

// Deserializer parses bytes into an application value.
type Deserializer func(b []byte) (interface{}, error)

// typeEntry is one row of the type registry (spec.md §3 "Type registry").
type typeEntry struct {
	id          uint32
	serialize   Serializer
	deserialize Deserializer
	onReceive   ReceiveHandler
	onComplete  CompleteHandler
	onPrepare   PrepareHandler
}

// Registry is the bidirectional type-id <-> {serializer, deserializer,
// handlers} map from spec.md §3 and §4.6. Registration is expected at
// setup time; after that the registry is read-only and lookups take only
// the read lock, matching spec.md §5's "registration is done at setup
// time and then the registry is effectively read-only."
type Registry struct {
	mu      sync.RWMutex
	entries map[uint32]*typeEntry
	sealed  bool
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint32]*typeEntry)}
}

// Register adds or replaces the handlers for typeID. Per spec.md §4.6
// "registerType(id, factory, serialize, deserialize, on_receive,
// on_complete)"; the "factory" role is folded into Deserializer, which
// both decodes and constructs the value. It fails once the registry has
// been sealed by Seal.
func (r *Registry) Register(typeID uint32, ser Serializer, de Deserializer, onReceive ReceiveHandler, onComplete CompleteHandler, onPrepare PrepareHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return newErr(KindBadState, fmt.Sprintf("type %d registered after the registry was sealed", typeID), nil)
	}
	r.entries[typeID] = &typeEntry{
		id: typeID, serialize: ser, deserialize: de,
		onReceive: onReceive, onComplete: onComplete, onPrepare: onPrepare,
	}
	return nil
}

// Seal freezes the registry: subsequent Register calls fail. Called once
// setup is over, per spec.md §5's "registration is done at setup time and
// then the registry is effectively read-only."
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) lookup(typeID uint32) (*typeEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[typeID]
	return e, ok
}
