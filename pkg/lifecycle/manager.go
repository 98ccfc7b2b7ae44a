package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/voxbridge/voxbridge/pkg/ari"
	"github.com/voxbridge/voxbridge/pkg/errorsx"
	"github.com/voxbridge/voxbridge/pkg/logging"
	"github.com/voxbridge/voxbridge/pkg/media"
	"github.com/voxbridge/voxbridge/pkg/metrics"
	"github.com/voxbridge/voxbridge/pkg/sink"
)

// ControlPlane is the command surface the manager drives. *ari.Client
// satisfies it; tests substitute a fake.
type ControlPlane interface {
	CreateSnoop(ctx context.Context, channelID, snoopID string) (ari.Channel, error)
	CreateExternalMedia(ctx context.Context, mediaID string) (ari.ExternalMediaChannel, error)
	CreateBridge(ctx context.Context, bridgeID string) (ari.Bridge, error)
	AddToBridge(ctx context.Context, bridgeID, channelID string) error
	ContinueChannel(ctx context.Context, channelID string) error
	HangupChannel(ctx context.Context, channelID string) error
	DeleteBridge(ctx context.Context, bridgeID string) error
}

// PipelineCall carries everything the media pipeline needs for one call.
type PipelineCall struct {
	CallID   string
	Queues   [2]*media.FrameQueue
	Speakers [2]sink.Speaker
	Language string
}

// PipelineRunner starts the capture pipeline for a call. The returned stop
// function signals end of media and blocks until the transcript drain
// finishes; it must be safe to call once.
type PipelineRunner interface {
	Start(call PipelineCall) (stop func(), err error)
}

// CallSession is the manager's bookkeeping for one captured call.
type CallSession struct {
	// ID is the PBX uniqueid of the caller's channel; it keys everything
	// externally visible (port bindings, transcripts, metrics). Owned
	// auxiliary resources embed it after a role prefix so control-plane
	// events correlate back to the call by inspection.
	ID              string
	State           State
	Caller          sink.Speaker
	Connected       sink.Speaker
	Language        string
	SnoopID         string
	MediaIDs        [2]string
	MediaAcks       [2]bool
	Ports           [2]int
	BridgeID        string
	queues          [2]*media.FrameQueue
	stop            func()
	portsRegistered bool
}

func (s *CallSession) ackedAll() bool { return s.MediaAcks[0] && s.MediaAcks[1] }

// ManagerConfig tunes per-call resources.
type ManagerConfig struct {
	QueueDepth int
	SwapPolicy media.SwapPolicy
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.QueueDepth <= 0 {
		c.QueueDepth = media.DefaultQueueDepth
	}
	if c.SwapPolicy == "" {
		c.SwapPolicy = media.SwapPolicyExplicit
	}
	return c
}

// Manager owns call state. It consumes control-plane events on a single
// goroutine, drives resource setup through the control plane, and starts
// and stops the per-call capture pipeline.
type Manager struct {
	cfg      ManagerConfig
	control  ControlPlane
	registry *media.PortRegistry
	pipeline PipelineRunner
	obs      metrics.Observer
	log      *slog.Logger

	calls     map[string]*CallSession
	byChannel map[string]*CallSession
}

func NewManager(cfg ManagerConfig, control ControlPlane, registry *media.PortRegistry, pipeline PipelineRunner, obs metrics.Observer, logger *slog.Logger) *Manager {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		control:   control,
		registry:  registry,
		pipeline:  pipeline,
		obs:       obs,
		log:       logging.NewComponentLogger(logger, "lifecycle"),
		calls:     make(map[string]*CallSession),
		byChannel: make(map[string]*CallSession),
	}
}

// Run dispatches events until the channel closes or ctx is cancelled, then
// tears down every remaining call.
func (m *Manager) Run(ctx context.Context, events <-chan ari.Event) error {
loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			m.dispatch(ctx, ev)
		case <-ctx.Done():
			break loop
		}
	}

	for _, sess := range m.calls {
		m.endCall(context.Background(), sess, "shutdown")
	}
	return ctx.Err()
}

// Active reports how many calls are currently tracked.
func (m *Manager) Active() int { return len(m.calls) }

func (m *Manager) dispatch(ctx context.Context, ev ari.Event) {
	switch e := ev.(type) {
	case ari.StasisStart:
		m.onStasisStart(ctx, e)
	case ari.StasisEnd:
		m.onChannelGone(ctx, e.Channel.ID, "stasis_end")
	case ari.ChannelDestroyed:
		m.onChannelGone(ctx, e.Channel.ID, e.CauseTxt)
	case ari.ChannelHangupRequest:
		m.onChannelGone(ctx, e.Channel.ID, "hangup_requested")
	case ari.ChannelLeftBridge:
		m.onChannelGone(ctx, e.Channel.ID, "left_bridge")
	default:
		m.log.Debug("ignoring event", "type", ev.EventType())
	}
}

func (m *Manager) onStasisStart(ctx context.Context, ev ari.StasisStart) {
	id := ev.Channel.ID
	switch {
	case strings.HasPrefix(id, "snoop-"):
		m.onSnoopReady(ctx, id)
	case strings.HasPrefix(id, "media-"):
		m.onMediaReady(ctx, id)
	default:
		m.onNewCall(ctx, ev.Channel)
	}
}

// onNewCall admits a fresh channel: allocate the session and request the
// audio tap.
func (m *Manager) onNewCall(ctx context.Context, ch ari.Channel) {
	if _, exists := m.byChannel[ch.ID]; exists {
		m.log.Warn("duplicate stasis start for tracked channel", "channel", ch.ID)
		return
	}

	sess := &CallSession{
		ID:        ch.ID,
		State:     StateIdle,
		Caller:    sink.Speaker{Name: ch.Caller.Name, Number: ch.Caller.Number},
		Connected: sink.Speaker{Name: ch.Connected.Name, Number: ch.Connected.Number},
		Language:  ch.Language,
	}
	sess.SnoopID = "snoop-" + sess.ID
	sess.MediaIDs = [2]string{"media-0-" + sess.ID, "media-1-" + sess.ID}
	sess.BridgeID = "bridge-" + sess.ID

	m.calls[sess.ID] = sess
	m.byChannel[ch.ID] = sess
	m.byChannel[sess.SnoopID] = sess
	m.byChannel[sess.MediaIDs[0]] = sess
	m.byChannel[sess.MediaIDs[1]] = sess

	m.log.Info("call entered application",
		"call_id", sess.ID,
		"channel", ch.ID,
		"caller", sess.Caller.Number,
		"connected", sess.Connected.Number)

	m.transition(sess, StateSnoopRequested)
	if _, err := m.control.CreateSnoop(ctx, ch.ID, sess.SnoopID); err != nil {
		m.fail(ctx, sess, fmt.Errorf("snoop %s: %w", sess.SnoopID, err))
	}
}

// onSnoopReady handles the snoop channel's own StasisStart, which acts as
// the acknowledgment that the tap is live. Both external media channels are
// requested here; their ports come back in the creation responses.
func (m *Manager) onSnoopReady(ctx context.Context, snoopID string) {
	sess, ok := m.byChannel[snoopID]
	if !ok {
		m.log.Warn("stasis start for unknown snoop channel", "channel", snoopID)
		return
	}
	if !m.transition(sess, StateSnoopReady) {
		return
	}
	m.transition(sess, StateMediaRequested)

	for dir := 0; dir < 2; dir++ {
		em, err := m.control.CreateExternalMedia(ctx, sess.MediaIDs[dir])
		if err != nil {
			m.fail(ctx, sess, fmt.Errorf("external media %s: %w", sess.MediaIDs[dir], err))
			return
		}
		sess.Ports[dir] = em.LocalPort
	}

	// Bind the ports before the media channels' own StasisStart events are
	// processed; audio can arrive the moment a media channel is up.
	sess.queues = [2]*media.FrameQueue{
		media.NewFrameQueue(m.cfg.QueueDepth),
		media.NewFrameQueue(m.cfg.QueueDepth),
	}
	if err := m.registry.RegisterPair(sess.ID, sess.Ports, sess.queues, m.cfg.SwapPolicy); err != nil {
		m.fail(ctx, sess, err)
		return
	}
	sess.portsRegistered = true

	m.log.Info("external media requested",
		"call_id", sess.ID,
		"port_in", sess.Ports[0],
		"port_out", sess.Ports[1])
}

// onMediaReady records one external media channel entering the application.
// Once both are in, the bridge is assembled and the pipeline starts.
func (m *Manager) onMediaReady(ctx context.Context, mediaID string) {
	sess, ok := m.byChannel[mediaID]
	if !ok {
		m.log.Warn("stasis start for unknown media channel", "channel", mediaID)
		return
	}
	for dir := 0; dir < 2; dir++ {
		if sess.MediaIDs[dir] == mediaID {
			sess.MediaAcks[dir] = true
		}
	}
	if !sess.ackedAll() {
		return
	}
	if !m.transition(sess, StateMediaReady) {
		return
	}

	if err := m.assembleBridge(ctx, sess); err != nil {
		m.fail(ctx, sess, err)
		return
	}
	m.transition(sess, StateBridged)

	stop, err := m.pipeline.Start(PipelineCall{
		CallID:   sess.ID,
		Queues:   sess.queues,
		Speakers: [2]sink.Speaker{sess.Caller, sess.Connected},
		Language: sess.Language,
	})
	if err != nil {
		m.fail(ctx, sess, errorsx.Wrap(err, errorsx.ReasonSetupFailure))
		return
	}
	sess.stop = stop
	m.transition(sess, StateActive)
	metrics.Count(m.obs, metrics.EventCallStarted, sess.ID)

	// Capture is live; let the caller proceed through the dialplan.
	if err := m.control.ContinueChannel(ctx, sess.ID); err != nil {
		m.log.Warn("continue failed", "call_id", sess.ID, "error", err)
	}
}

func (m *Manager) assembleBridge(ctx context.Context, sess *CallSession) error {
	if _, err := m.control.CreateBridge(ctx, sess.BridgeID); err != nil {
		return fmt.Errorf("bridge %s: %w", sess.BridgeID, err)
	}
	members := []string{sess.SnoopID, sess.MediaIDs[0], sess.MediaIDs[1]}
	for _, member := range members {
		if err := m.control.AddToBridge(ctx, sess.BridgeID, member); err != nil {
			return fmt.Errorf("bridge %s add %s: %w", sess.BridgeID, member, err)
		}
	}
	return nil
}

// onChannelGone ends the owning call when any of its channels disappears.
// Events for channels of an already-removed call are ignored.
func (m *Manager) onChannelGone(ctx context.Context, channelID, reason string) {
	sess, ok := m.byChannel[channelID]
	if !ok {
		return
	}
	m.endCall(ctx, sess, reason)
}

// endCall finishes a call: Active calls end normally, anything mid-setup
// fails. Safe to call more than once per session.
func (m *Manager) endCall(ctx context.Context, sess *CallSession, reason string) {
	if sess.State.Terminal() {
		return
	}
	if sess.State == StateActive {
		m.transition(sess, StateEnded)
		metrics.Count(m.obs, metrics.EventCallEnded, sess.ID)
		m.log.Info("call ended", "call_id", sess.ID, "reason", reason)
	} else {
		m.transition(sess, StateFailed)
		metrics.Count(m.obs, metrics.EventCallFailed, sess.ID)
		m.log.Warn("call ended before capture was live", "call_id", sess.ID, "state", sess.State, "reason", reason)
	}
	m.cleanup(ctx, sess)
}

// fail marks a call failed after a setup error and releases whatever was
// already allocated.
func (m *Manager) fail(ctx context.Context, sess *CallSession, err error) {
	if sess.State.Terminal() {
		return
	}
	m.log.Error("call setup failed", "call_id", sess.ID, "state", sess.State, "error", err)
	m.transition(sess, StateFailed)
	metrics.Count(m.obs, metrics.EventCallFailed, sess.ID)
	m.cleanup(ctx, sess)

	// The caller keeps their call even when capture could not be set up.
	if cerr := m.control.ContinueChannel(ctx, sess.ID); cerr != nil {
		m.log.Warn("continue after failure failed", "call_id", sess.ID, "error", cerr)
	}
}

// cleanup releases owned resources in reverse order of acquisition. Every
// step tolerates the resource already being gone.
func (m *Manager) cleanup(ctx context.Context, sess *CallSession) {
	if sess.portsRegistered {
		m.registry.Unregister(sess.Ports[0])
		m.registry.Unregister(sess.Ports[1])
	}
	for _, q := range sess.queues {
		if q != nil {
			q.Close()
		}
	}
	if sess.stop != nil {
		// Draining waits on the transcript window; keep the event loop free.
		go sess.stop()
		sess.stop = nil
	}

	if err := m.control.DeleteBridge(ctx, sess.BridgeID); err != nil {
		m.log.Debug("bridge delete", "call_id", sess.ID, "error", err)
	}
	for _, aux := range []string{sess.SnoopID, sess.MediaIDs[0], sess.MediaIDs[1]} {
		if err := m.control.HangupChannel(ctx, aux); err != nil {
			m.log.Debug("auxiliary hangup", "call_id", sess.ID, "channel", aux, "error", err)
		}
	}

	delete(m.byChannel, sess.ID)
	delete(m.byChannel, sess.SnoopID)
	delete(m.byChannel, sess.MediaIDs[0])
	delete(m.byChannel, sess.MediaIDs[1])
	delete(m.calls, sess.ID)
}

// transition applies a state change, rejecting moves the state machine does
// not allow.
func (m *Manager) transition(sess *CallSession, next State) bool {
	if !sess.State.CanTransition(next) {
		m.log.Warn("illegal state transition",
			"call_id", sess.ID,
			"from", sess.State,
			"to", next)
		return false
	}
	m.log.Debug("state transition", "call_id", sess.ID, "from", sess.State, "to", next)
	sess.State = next
	return true
}
