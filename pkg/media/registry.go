package media

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/voxbridge/voxbridge/pkg/frames"
	"github.com/voxbridge/voxbridge/pkg/logging"
)

// SwapPolicy selects how the per-port direction mapping is fixed when the
// control plane may hand out the two media ports in either order.
type SwapPolicy string

const (
	// SwapPolicyExplicit trusts the per-direction port assignment returned
	// by the external-media creation responses.
	SwapPolicyExplicit SwapPolicy = "explicit"

	// SwapPolicyFirstPacket registers both ports provisionally; the first
	// datagram observed for the call fixes the mapping. A first packet
	// arriving on the port provisionally labeled direction 1 swaps the pair.
	SwapPolicyFirstPacket SwapPolicy = "first_packet"
)

// Binding maps one UDP source port to a call direction and its frame queue.
type Binding struct {
	CallID    string
	Direction frames.Direction
	Queue     *FrameQueue

	seq uint64
}

// NextSeq hands out the per-direction arrival ordinal.
func (b *Binding) NextSeq() uint64 {
	return atomic.AddUint64(&b.seq, 1) - 1
}

type pendingPair struct {
	ports [2]int // indexed by provisional direction
}

// PortRegistry is the shared lookup table between the lifecycle manager
// (writer) and the ingest router (reader): source port -> channel binding.
// At most one active binding exists per port; a port is released only after
// the owning call's teardown, so a stale in-flight packet can never be
// attributed to a new call.
type PortRegistry struct {
	mu       sync.Mutex
	bindings map[int]*Binding
	pending  map[string]*pendingPair
	log      *slog.Logger
}

func NewPortRegistry(logger *slog.Logger) *PortRegistry {
	return &PortRegistry{
		bindings: make(map[int]*Binding),
		pending:  make(map[string]*pendingPair),
		log:      logging.NewComponentLogger(logger, "port_registry"),
	}
}

// RegisterPair binds both of a call's media ports in one step, before the
// external-media setup is acknowledged to the rest of the pipeline. Under
// SwapPolicyFirstPacket the direction labels stay provisional until the
// first datagram for the call is observed.
func (r *PortRegistry) RegisterPair(callID string, ports [2]int, queues [2]*FrameQueue, policy SwapPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, port := range ports {
		if existing, ok := r.bindings[port]; ok {
			r.log.Warn("port binding conflict",
				slog.Int("port", port),
				slog.String("call_id", callID),
				slog.String("owner", existing.CallID))
			return fmt.Errorf("port %d already bound to call %s", port, existing.CallID)
		}
	}
	for d, port := range ports {
		r.bindings[port] = &Binding{
			CallID:    callID,
			Direction: frames.Direction(d),
			Queue:     queues[d],
		}
	}
	if policy == SwapPolicyFirstPacket {
		r.pending[callID] = &pendingPair{ports: ports}
	}
	return nil
}

// Lookup resolves a sender port to its binding. Under the first-packet
// policy the first lookup for a call also locks in the direction mapping;
// once resolved it is never re-derived for the call's lifetime.
func (r *PortRegistry) Lookup(port int) (*Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[port]
	if !ok {
		return nil, false
	}
	if pair, unresolved := r.pending[b.CallID]; unresolved {
		if port == pair.ports[1] {
			r.swapLocked(pair.ports)
			r.log.Info("media ports arrived swapped, corrected direction mapping",
				slog.String("call_id", b.CallID),
				slog.Int("first_port", port))
		}
		delete(r.pending, b.CallID)
		b = r.bindings[port]
	}
	return b, true
}

func (r *PortRegistry) swapLocked(ports [2]int) {
	b0, b1 := r.bindings[ports[0]], r.bindings[ports[1]]
	b0.Direction, b1.Direction = b1.Direction, b0.Direction
	b0.Queue, b1.Queue = b1.Queue, b0.Queue
}

// Unregister releases a port binding. Releasing an unknown port is a no-op,
// so teardown does not have to track whether registration ever completed.
func (r *PortRegistry) Unregister(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[port]
	if !ok {
		return
	}
	delete(r.bindings, port)
	delete(r.pending, b.CallID)
}

// Resolved reports whether the call's direction mapping is fixed.
func (r *PortRegistry) Resolved(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, pending := r.pending[callID]
	return !pending
}

// Len reports the number of active bindings.
func (r *PortRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}
