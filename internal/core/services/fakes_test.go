package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testSDP(kind, owner string) domain.SessionDescription {
	return domain.SessionDescription{
		Type: kind,
		SDP:  fmt.Sprintf("v=0\r\no=%s 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", owner),
	}
}

func testCandidate(n int) domain.ICECandidate {
	mid := "0"
	idx := uint16(0)
	return domain.ICECandidate{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2122260223 192.168.1.%d 5000%d typ host", n, n, n),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

type fakeTrack struct {
	id      string
	kind    domain.TrackKind
	enabled atomic.Bool
}

func (t *fakeTrack) ID() string              { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind  { return t.kind }
func (t *fakeTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

type fakeStream struct {
	id      string
	tracks  []*fakeTrack
	stopped atomic.Bool
}

func (s *fakeStream) ID() string { return s.id }

func (s *fakeStream) Tracks() []ports.LocalTrack {
	out := make([]ports.LocalTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *fakeStream) Stop() { s.stopped.Store(true) }

type fakeCapturer struct {
	mu      sync.Mutex
	err     error
	gate    chan struct{}
	streams []*fakeStream
}

// hold makes the next captures block until the returned func is called.
func (c *fakeCapturer) hold() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.gate = nil
		c.mu.Unlock()
		close(gate)
	}
}

func (c *fakeCapturer) Capture(ctx context.Context, constraints domain.MediaConstraints) (ports.LocalStream, error) {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}
	s := &fakeStream{id: fmt.Sprintf("stream-%d", len(c.streams))}
	if constraints.Audio {
		s.tracks = append(s.tracks, &fakeTrack{id: s.id + "-audio", kind: domain.TrackKindAudio})
	}
	if constraints.Video {
		s.tracks = append(s.tracks, &fakeTrack{id: s.id + "-video", kind: domain.TrackKindVideo})
	}
	for _, t := range s.tracks {
		t.enabled.Store(true)
	}
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeCapturer) captured() []*fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeStream(nil), c.streams...)
}

// fakePeerConnection records the negotiation it is driven through. Local
// candidates are emitted once the local description is set.
type fakePeerConnection struct {
	owner  string
	gather []domain.ICECandidate

	mu          sync.Mutex
	local       *domain.SessionDescription
	remote      *domain.SessionDescription
	applied     []domain.ICECandidate
	early       int
	streams     []ports.LocalStream
	closed      bool
	onCandidate func(c *domain.ICECandidate)
	onTrack     func(stream domain.RemoteStream)
	onState     func(state domain.ConnectionState)
}

func (pc *fakePeerConnection) AddLocalStream(stream ports.LocalStream) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.streams = append(pc.streams, stream)
	return nil
}

func (pc *fakePeerConnection) OnTrack(fn func(stream domain.RemoteStream)) {
	pc.mu.Lock()
	pc.onTrack = fn
	pc.mu.Unlock()
}

func (pc *fakePeerConnection) OnICECandidate(fn func(c *domain.ICECandidate)) {
	pc.mu.Lock()
	pc.onCandidate = fn
	pc.mu.Unlock()
}

func (pc *fakePeerConnection) OnConnectionStateChange(fn func(state domain.ConnectionState)) {
	pc.mu.Lock()
	pc.onState = fn
	pc.mu.Unlock()
}

func (pc *fakePeerConnection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	return testSDP("offer", pc.owner), ctx.Err()
}

func (pc *fakePeerConnection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.remote == nil {
		return domain.SessionDescription{}, errors.New("no remote offer")
	}
	return testSDP("answer", pc.owner), ctx.Err()
}

func (pc *fakePeerConnection) SetLocalDescription(desc domain.SessionDescription) error {
	pc.mu.Lock()
	pc.local = &desc
	fn := pc.onCandidate
	gather := pc.gather
	pc.mu.Unlock()

	if fn != nil {
		go func() {
			for i := range gather {
				c := gather[i]
				fn(&c)
			}
			fn(nil)
		}()
	}
	return nil
}

func (pc *fakePeerConnection) SetRemoteDescription(desc domain.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.remote != nil {
		return errors.New("remote description already set")
	}
	pc.remote = &desc
	return nil
}

func (pc *fakePeerConnection) RemoteDescriptionSet() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.remote != nil
}

func (pc *fakePeerConnection) AddICECandidate(c domain.ICECandidate) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.remote == nil {
		pc.early++
		return errors.New("remote description not set")
	}
	pc.applied = append(pc.applied, c)
	return nil
}

func (pc *fakePeerConnection) Close() error {
	pc.mu.Lock()
	pc.closed = true
	pc.mu.Unlock()
	return nil
}

func (pc *fakePeerConnection) setState(state domain.ConnectionState) {
	pc.mu.Lock()
	fn := pc.onState
	pc.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (pc *fakePeerConnection) deliverTrack(stream domain.RemoteStream) {
	pc.mu.Lock()
	fn := pc.onTrack
	pc.mu.Unlock()
	if fn != nil {
		fn(stream)
	}
}

func (pc *fakePeerConnection) remoteDescription() *domain.SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.remote
}

func (pc *fakePeerConnection) localDescription() *domain.SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.local
}

func (pc *fakePeerConnection) appliedCandidates() []domain.ICECandidate {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]domain.ICECandidate(nil), pc.applied...)
}

func (pc *fakePeerConnection) earlyCandidates() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.early
}

func (pc *fakePeerConnection) isClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

type fakePeerConnectionFactory struct {
	owner  string
	gather []domain.ICECandidate

	mu  sync.Mutex
	pcs []*fakePeerConnection
}

func (f *fakePeerConnectionFactory) NewPeerConnection(domain.ICEConfig) (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePeerConnection{owner: f.owner, gather: f.gather}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakePeerConnectionFactory) last() *fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

// eventRecorder keeps every published event.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) Publish(ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) has(t domain.EventType) bool {
	return len(r.ofType(t)) > 0
}

type testPeer struct {
	user       domain.UserID
	events     *eventRecorder
	capturer   *fakeCapturer
	factory    *fakePeerConnectionFactory
	coord      *SignalingCoordinator
	manager    *MediaSessionManager
	controller ports.CallController
	watcher    ports.IncomingCallWatcher
}

type peerOptions struct {
	signaling  SignalingConfig
	controller ControllerConfig
	gather     []domain.ICECandidate
}

func defaultPeerOptions() peerOptions {
	cfg := DefaultSignalingConfig()
	cfg.HangupWriteTimeout = time.Second
	return peerOptions{
		signaling: cfg,
		gather:    []domain.ICECandidate{testCandidate(1), testCandidate(2)},
	}
}

func newTestPeer(t *testing.T, store ports.RendezvousStore, user domain.UserID, opts peerOptions) *testPeer {
	t.Helper()

	logger := zap.NewNop().Sugar()
	p := &testPeer{
		user:     user,
		events:   &eventRecorder{},
		capturer: &fakeCapturer{},
		factory:  &fakePeerConnectionFactory{owner: string(user), gather: opts.gather},
	}
	p.coord = NewSignalingCoordinator(store, user, opts.signaling, nil, p.events, logger)
	if locker, ok := store.(ports.AnswerLocker); ok {
		p.coord.UseAnswerLocker(locker)
	}
	p.manager = NewMediaSessionManager(p.coord, p.capturer, p.factory, p.events, SessionConfig{SetupTimeout: time.Second}, logger)
	p.controller = NewCallActivationController(p.manager, p.events, opts.controller, logger)
	p.watcher = NewIncomingCallWatcher(store, user, p.controller, p.events, nil, WatcherConfig{RejectWriteTimeout: time.Second}, logger)

	t.Cleanup(func() {
		p.watcher.Stop()
		p.controller.EndCall()
	})
	return p
}

func (p *testPeer) phase() domain.CallPhase {
	return p.controller.State().Phase
}

func newTestStore(t *testing.T) *memory.MemoryRendezvousStore {
	t.Helper()
	store := memory.NewMemoryRendezvousStore()
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func getCall(t *testing.T, store ports.RendezvousStore, callID domain.CallID) domain.CallRecord {
	t.Helper()
	r, err := store.GetRecord(context.Background(), domain.CallsCollection, string(callID))
	require.NoError(t, err)

	var call domain.CallRecord
	require.NoError(t, r.Fields.Decode(&call))
	call.ID = callID
	return call
}

func callStatus(store ports.RendezvousStore, callID domain.CallID) domain.CallStatus {
	r, err := store.GetRecord(context.Background(), domain.CallsCollection, string(callID))
	if err != nil {
		return ""
	}
	status, _ := r.Fields["status"].(string)
	return domain.CallStatus(status)
}

func writeAnswer(t *testing.T, store ports.RendezvousStore, callID domain.CallID, answer domain.SessionDescription) {
	t.Helper()
	fields, err := domain.ToFields(answerPatch{
		Answer:       &answer,
		Status:       domain.CallStatusActive,
		Participants: []domain.UserID{"alice", "bob"},
	})
	require.NoError(t, err)
	require.NoError(t, store.UpdateRecord(context.Background(), domain.CallsCollection, string(callID), fields))
}

func writeRemoteCandidate(t *testing.T, store ports.RendezvousStore, callID domain.CallID, from domain.Role, c domain.ICECandidate, at time.Time) {
	t.Helper()
	fields, err := domain.ToFields(domain.NewCandidateRecord(c, at))
	require.NoError(t, err)
	_, err = store.CreateRecord(context.Background(), domain.CandidatesPath(callID, from), fields)
	require.NoError(t, err)
}
