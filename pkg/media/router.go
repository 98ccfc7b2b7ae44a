package media

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/voxbridge/voxbridge/pkg/errorsx"
	"github.com/voxbridge/voxbridge/pkg/frames"
	"github.com/voxbridge/voxbridge/pkg/logging"
	"github.com/voxbridge/voxbridge/pkg/metrics"
)

// RouterConfig carries the media transport settings: where to bind, how
// many leading header bytes to strip from each datagram, and whether 16-bit
// samples need their byte order reversed (static flag, never auto-detected).
type RouterConfig struct {
	Host       string
	Port       int
	HeaderSize int
	Swap16     bool
}

func (c RouterConfig) withDefaults() RouterConfig {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.HeaderSize <= 0 {
		c.HeaderSize = 12
	}
	return c
}

// RouterStats are the cumulative receive-loop counters.
type RouterStats struct {
	Received  uint64
	Unrouted  uint64
	Malformed uint64
}

// Router owns the UDP media socket. Every datagram is stripped of its
// transport header, optionally byte-swapped, and routed by sender source
// port through the registry onto the owning channel's queue. Datagrams with
// no binding are dropped and counted, never surfaced as errors.
type Router struct {
	cfg      RouterConfig
	registry *PortRegistry
	log      *slog.Logger
	obs      metrics.Observer

	conn *net.UDPConn
	done chan error

	received  atomic.Uint64
	unrouted  atomic.Uint64
	malformed atomic.Uint64
}

func NewRouter(cfg RouterConfig, registry *PortRegistry, logger *slog.Logger, obs metrics.Observer) *Router {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Router{
		cfg:      cfg.withDefaults(),
		registry: registry,
		log:      logging.NewComponentLogger(logger, "rtp_router"),
		obs:      obs,
		done:     make(chan error, 1),
	}
}

// Start binds the socket and launches the receive loop. The loop stops when
// ctx is cancelled; any other socket failure is reported on Done, since the
// socket is a process-wide singleton with no live replacement.
func (r *Router) Start(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.ParseIP(r.cfg.Host), Port: r.cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("bind %s:%d: %w", r.cfg.Host, r.cfg.Port, err), errorsx.ReasonMediaBind)
	}
	r.conn = conn
	r.log.Info("media socket listening",
		slog.String("host", r.cfg.Host),
		slog.Int("port", r.cfg.Port),
		slog.Int("header_size", r.cfg.HeaderSize),
		slog.Bool("swap16", r.cfg.Swap16))

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go r.readLoop(ctx)
	return nil
}

// Done reports the terminal error of the receive loop (nil on clean stop).
func (r *Router) Done() <-chan error { return r.done }

func (r *Router) readLoop(ctx context.Context) {
	buf := make([]byte, 4096)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				r.done <- nil
			} else {
				r.done <- errorsx.Wrap(err, errorsx.ReasonMediaBind)
			}
			return
		}
		r.handleDatagram(buf[:n], addr.Port)
	}
}

// handleDatagram routes one datagram. A malformed packet or a routing miss
// discards only the offending packet; the socket stays up.
func (r *Router) handleDatagram(data []byte, srcPort int) {
	r.received.Add(1)

	payload, ok := ExtractPayload(data, r.cfg.HeaderSize, r.cfg.Swap16)
	if !ok {
		r.malformed.Add(1)
		metrics.Count(r.obs, metrics.EventMalformedDatagram, "")
		return
	}

	binding, ok := r.registry.Lookup(srcPort)
	if !ok {
		r.unrouted.Add(1)
		metrics.Count(r.obs, metrics.EventRoutingMiss, "")
		return
	}

	before := binding.Queue.Dropped()
	binding.Queue.Push(frames.AudioFrame{
		CallID:    binding.CallID,
		Direction: binding.Direction,
		Seq:       binding.NextSeq(),
		PCM:       payload,
	})
	if binding.Queue.Dropped() > before {
		metrics.Count(r.obs, metrics.EventQueueDrop, binding.CallID)
	}
}

func (r *Router) Stats() RouterStats {
	return RouterStats{
		Received:  r.received.Load(),
		Unrouted:  r.unrouted.Load(),
		Malformed: r.malformed.Load(),
	}
}

// ExtractPayload strips the fixed-size transport header and optionally
// swaps each 16-bit sample's byte pair. It returns false when the datagram
// is too small to carry any payload. The swap is skipped for odd-length
// payloads, which cannot be 16-bit aligned.
func ExtractPayload(data []byte, headerSize int, swap16 bool) ([]byte, bool) {
	if len(data) <= headerSize {
		return nil, false
	}
	payload := make([]byte, len(data)-headerSize)
	copy(payload, data[headerSize:])
	if swap16 && len(payload)%2 == 0 {
		for i := 0; i < len(payload); i += 2 {
			payload[i], payload[i+1] = payload[i+1], payload[i]
		}
	}
	return payload, true
}
