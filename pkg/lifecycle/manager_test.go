package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/pkg/ari"
	"github.com/voxbridge/voxbridge/pkg/media"
	"github.com/voxbridge/voxbridge/pkg/metrics"
)

type fakeControl struct {
	mu sync.Mutex

	snoops         []string
	mediaRequests  []string
	bridges        []string
	bridgeMembers  map[string][]string
	continued      []string
	hungup         []string
	deletedBridges []string

	failSnoop  error
	failMedia  error
	failBridge error
}

func newFakeControl() *fakeControl {
	return &fakeControl{bridgeMembers: make(map[string][]string)}
}

func (f *fakeControl) CreateSnoop(_ context.Context, channelID, snoopID string) (ari.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSnoop != nil {
		return ari.Channel{}, f.failSnoop
	}
	f.snoops = append(f.snoops, snoopID)
	return ari.Channel{ID: snoopID}, nil
}

func (f *fakeControl) CreateExternalMedia(_ context.Context, mediaID string) (ari.ExternalMediaChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMedia != nil {
		return ari.ExternalMediaChannel{}, f.failMedia
	}
	f.mediaRequests = append(f.mediaRequests, mediaID)
	port := 10001
	if strings.HasPrefix(mediaID, "media-1-") {
		port = 10002
	}
	return ari.ExternalMediaChannel{Channel: ari.Channel{ID: mediaID}, LocalPort: port}, nil
}

func (f *fakeControl) CreateBridge(_ context.Context, bridgeID string) (ari.Bridge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBridge != nil {
		return ari.Bridge{}, f.failBridge
	}
	f.bridges = append(f.bridges, bridgeID)
	return ari.Bridge{ID: bridgeID}, nil
}

func (f *fakeControl) AddToBridge(_ context.Context, bridgeID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridgeMembers[bridgeID] = append(f.bridgeMembers[bridgeID], channelID)
	return nil
}

func (f *fakeControl) ContinueChannel(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued = append(f.continued, channelID)
	return nil
}

func (f *fakeControl) HangupChannel(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hungup = append(f.hungup, channelID)
	return nil
}

func (f *fakeControl) DeleteBridge(_ context.Context, bridgeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedBridges = append(f.deletedBridges, bridgeID)
	return nil
}

type fakePipeline struct {
	mu       sync.Mutex
	starts   []PipelineCall
	stops    atomic.Int64
	startErr error
}

func (p *fakePipeline) Start(call PipelineCall) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return nil, p.startErr
	}
	p.starts = append(p.starts, call)
	return func() { p.stops.Add(1) }, nil
}

func mainStart(channelID string) ari.StasisStart {
	return ari.StasisStart{Channel: ari.Channel{
		ID:        channelID,
		Language:  "en",
		Caller:    ari.CallerID{Name: "Alice", Number: "100"},
		Connected: ari.CallerID{Name: "Bob", Number: "200"},
	}}
}

func auxStart(channelID string) ari.StasisStart {
	return ari.StasisStart{Channel: ari.Channel{ID: channelID}}
}

func newTestManager(control ControlPlane, pipeline PipelineRunner, obs metrics.Observer) (*Manager, *media.PortRegistry) {
	registry := media.NewPortRegistry(nil)
	m := NewManager(ManagerConfig{}, control, registry, pipeline, obs, nil)
	return m, registry
}

func TestCallProgressesToActive(t *testing.T) {
	control := newFakeControl()
	pipeline := &fakePipeline{}
	obs := metrics.NewMemoryObserver()
	m, registry := newTestManager(control, pipeline, obs)
	ctx := context.Background()

	m.dispatch(ctx, mainStart("chan-1"))
	sess := m.byChannel["chan-1"]
	if sess == nil {
		t.Fatal("expected a session for the new channel")
	}
	if sess.State != StateSnoopRequested {
		t.Fatalf("expected snoop_requested, got %s", sess.State)
	}
	if len(control.snoops) != 1 || control.snoops[0] != sess.SnoopID {
		t.Fatalf("expected snoop %s requested, got %v", sess.SnoopID, control.snoops)
	}

	m.dispatch(ctx, auxStart(sess.SnoopID))
	if sess.State != StateMediaRequested {
		t.Fatalf("expected media_requested, got %s", sess.State)
	}
	if len(control.mediaRequests) != 2 {
		t.Fatalf("expected 2 external media requests, got %v", control.mediaRequests)
	}
	if sess.Ports != [2]int{10001, 10002} {
		t.Fatalf("unexpected ports %v", sess.Ports)
	}
	if registry.Len() != 2 {
		t.Fatalf("expected ports bound before media acks, got %d", registry.Len())
	}

	m.dispatch(ctx, auxStart(sess.MediaIDs[0]))
	if sess.State != StateMediaRequested {
		t.Fatalf("one ack must not advance the state, got %s", sess.State)
	}

	m.dispatch(ctx, auxStart(sess.MediaIDs[1]))
	if sess.State != StateActive {
		t.Fatalf("expected active, got %s", sess.State)
	}
	if registry.Len() != 2 {
		t.Fatalf("expected both ports bound, got %d", registry.Len())
	}
	if len(control.bridges) != 1 || control.bridges[0] != sess.BridgeID {
		t.Fatalf("expected bridge %s, got %v", sess.BridgeID, control.bridges)
	}
	members := control.bridgeMembers[sess.BridgeID]
	if len(members) != 3 {
		t.Fatalf("expected 3 bridge members, got %v", members)
	}
	if len(control.continued) != 1 || control.continued[0] != "chan-1" {
		t.Fatalf("expected the caller channel continued, got %v", control.continued)
	}
	if len(pipeline.starts) != 1 {
		t.Fatalf("expected one pipeline start, got %d", len(pipeline.starts))
	}
	call := pipeline.starts[0]
	if call.CallID != sess.ID {
		t.Fatalf("pipeline call id %q does not match session %q", call.CallID, sess.ID)
	}
	if call.Speakers[0].Name != "Alice" || call.Speakers[1].Name != "Bob" {
		t.Fatalf("unexpected speakers %+v", call.Speakers)
	}
	if call.Language != "en" {
		t.Fatalf("expected channel language carried to the pipeline, got %q", call.Language)
	}
	if obs.Count(metrics.EventCallStarted) != 1 {
		t.Fatal("expected call_started event")
	}
}

func TestHangupEndsActiveCall(t *testing.T) {
	control := newFakeControl()
	pipeline := &fakePipeline{}
	obs := metrics.NewMemoryObserver()
	m, registry := newTestManager(control, pipeline, obs)
	ctx := context.Background()

	m.dispatch(ctx, mainStart("chan-1"))
	sess := m.byChannel["chan-1"]
	m.dispatch(ctx, auxStart(sess.SnoopID))
	m.dispatch(ctx, auxStart(sess.MediaIDs[0]))
	m.dispatch(ctx, auxStart(sess.MediaIDs[1]))

	m.dispatch(ctx, ari.ChannelDestroyed{Channel: ari.Channel{ID: "chan-1"}, CauseTxt: "Normal Clearing"})
	if sess.State != StateEnded {
		t.Fatalf("expected ended, got %s", sess.State)
	}
	if m.Active() != 0 {
		t.Fatalf("expected no tracked calls, got %d", m.Active())
	}
	if registry.Len() != 0 {
		t.Fatalf("expected ports released, got %d bindings", registry.Len())
	}
	if len(control.deletedBridges) != 1 {
		t.Fatalf("expected bridge deleted, got %v", control.deletedBridges)
	}
	if len(control.hungup) != 3 {
		t.Fatalf("expected snoop and media channels hung up, got %v", control.hungup)
	}
	waitFor(t, func() bool { return pipeline.stops.Load() == 1 })
	if obs.Count(metrics.EventCallEnded) != 1 {
		t.Fatal("expected call_ended event")
	}

	// Late events for the same call are ignored.
	m.dispatch(ctx, ari.ChannelDestroyed{Channel: ari.Channel{ID: sess.SnoopID}})
	waitFor(t, func() bool { return pipeline.stops.Load() == 1 })
	if obs.Count(metrics.EventCallEnded) != 1 {
		t.Fatal("teardown must be idempotent")
	}
}

func TestSnoopFailureFailsCall(t *testing.T) {
	control := newFakeControl()
	control.failSnoop = errors.New("snoop rejected")
	pipeline := &fakePipeline{}
	obs := metrics.NewMemoryObserver()
	m, _ := newTestManager(control, pipeline, obs)

	m.dispatch(context.Background(), mainStart("chan-1"))
	if m.Active() != 0 {
		t.Fatalf("expected failed call removed, got %d", m.Active())
	}
	if obs.Count(metrics.EventCallFailed) != 1 {
		t.Fatal("expected call_failed event")
	}
	// The caller is released back to the dialplan even on setup failure.
	if len(control.continued) != 1 || control.continued[0] != "chan-1" {
		t.Fatalf("expected caller channel continued, got %v", control.continued)
	}
}

func TestHangupDuringSetupFailsCall(t *testing.T) {
	control := newFakeControl()
	pipeline := &fakePipeline{}
	obs := metrics.NewMemoryObserver()
	m, registry := newTestManager(control, pipeline, obs)
	ctx := context.Background()

	m.dispatch(ctx, mainStart("chan-1"))
	sess := m.byChannel["chan-1"]
	m.dispatch(ctx, auxStart(sess.SnoopID))

	m.dispatch(ctx, ari.ChannelHangupRequest{Channel: ari.Channel{ID: "chan-1"}})
	if sess.State != StateFailed {
		t.Fatalf("expected failed, got %s", sess.State)
	}
	if m.Active() != 0 {
		t.Fatalf("expected no tracked calls, got %d", m.Active())
	}
	if registry.Len() != 0 {
		t.Fatalf("expected no bindings, got %d", registry.Len())
	}
	if len(pipeline.starts) != 0 {
		t.Fatal("pipeline must not start for a failed call")
	}
	if obs.Count(metrics.EventCallFailed) != 1 {
		t.Fatal("expected call_failed event")
	}
}

func TestPipelineStartFailureReleasesPorts(t *testing.T) {
	control := newFakeControl()
	pipeline := &fakePipeline{startErr: errors.New("no upstream")}
	obs := metrics.NewMemoryObserver()
	m, registry := newTestManager(control, pipeline, obs)
	ctx := context.Background()

	m.dispatch(ctx, mainStart("chan-1"))
	sess := m.byChannel["chan-1"]
	m.dispatch(ctx, auxStart(sess.SnoopID))
	m.dispatch(ctx, auxStart(sess.MediaIDs[0]))
	m.dispatch(ctx, auxStart(sess.MediaIDs[1]))

	if sess.State != StateFailed {
		t.Fatalf("expected failed, got %s", sess.State)
	}
	if registry.Len() != 0 {
		t.Fatalf("expected ports released, got %d bindings", registry.Len())
	}
	if obs.Count(metrics.EventCallFailed) != 1 {
		t.Fatal("expected call_failed event")
	}
}

func TestUnknownChannelEventsIgnored(t *testing.T) {
	control := newFakeControl()
	pipeline := &fakePipeline{}
	m, _ := newTestManager(control, pipeline, nil)
	ctx := context.Background()

	m.dispatch(ctx, ari.ChannelDestroyed{Channel: ari.Channel{ID: "stranger"}})
	m.dispatch(ctx, auxStart("snoop-unknown"))
	m.dispatch(ctx, auxStart("media-0-unknown"))
	if m.Active() != 0 {
		t.Fatalf("expected no sessions, got %d", m.Active())
	}
}

func TestRunTearsDownOnShutdown(t *testing.T) {
	control := newFakeControl()
	pipeline := &fakePipeline{}
	obs := metrics.NewMemoryObserver()
	m, _ := newTestManager(control, pipeline, obs)

	events := make(chan ari.Event, 8)
	events <- mainStart("chan-1")
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background(), events) }()

	waitFor(t, func() bool {
		control.mu.Lock()
		defer control.mu.Unlock()
		return len(control.snoops) == 1
	})
	sess := m.byChannel["chan-1"]
	events <- auxStart(sess.SnoopID)
	events <- auxStart(sess.MediaIDs[0])
	events <- auxStart(sess.MediaIDs[1])
	close(events)

	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Active() != 0 {
		t.Fatalf("expected all calls torn down, got %d", m.Active())
	}
	waitFor(t, func() bool { return pipeline.stops.Load() == 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
