package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"chatcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCall(t *testing.T, p *testPeer, conversationID domain.ConversationID) domain.CallID {
	t.Helper()
	callID, err := p.controller.StartCall(context.Background(), conversationID, domain.CallTypeVideo)
	require.NoError(t, err)
	require.NotEmpty(t, callID)
	return callID
}

func connectPair(t *testing.T) (*testPeer, *testPeer, domain.CallID) {
	t.Helper()
	store := newTestStore(t)

	aliceOpts := defaultPeerOptions()
	bobOpts := defaultPeerOptions()
	bobOpts.gather = []domain.ICECandidate{testCandidate(3), testCandidate(4)}

	alice := newTestPeer(t, store, "alice", aliceOpts)
	bob := newTestPeer(t, store, "bob", bobOpts)

	callID := startCall(t, alice, "conv-1")
	require.NoError(t, bob.controller.AcceptCall(context.Background(), callID, domain.CallTypeVideo))

	require.Eventually(t, func() bool {
		return alice.phase() == domain.PhaseActive
	}, waitFor, tick)
	return alice, bob, callID
}

func TestStartCall_PublishesOfferRecord(t *testing.T) {
	store := newTestStore(t)
	alice := newTestPeer(t, store, "alice", defaultPeerOptions())

	callID := startCall(t, alice, "conv-1")

	call := getCall(t, store, callID)
	assert.Equal(t, domain.ConversationID("conv-1"), call.ConversationID)
	assert.Equal(t, []domain.UserID{"alice"}, call.Participants)
	assert.Equal(t, domain.CallStatusCalling, call.Status)
	assert.Equal(t, domain.CallTypeVideo, call.CallType)
	require.NotNil(t, call.Offer)
	assert.Equal(t, "offer", call.Offer.Type)
	assert.Equal(t, *alice.factory.last().localDescription(), *call.Offer)
	assert.Nil(t, call.Answer)

	state := alice.controller.State()
	assert.Equal(t, domain.PhaseStarting, state.Phase)
	assert.Equal(t, callID, state.CallID)
	assert.Equal(t, domain.RoleCaller, state.Role)
	assert.True(t, state.AudioEnabled)
	assert.True(t, state.VideoEnabled)
	assert.True(t, alice.events.has(domain.EventLocalStream))

	assert.Eventually(t, func() bool {
		return store.Count(domain.CandidatesPath(callID, domain.RoleCaller)) == 2
	}, waitFor, tick)
}

func TestStartCall_AudioOnlyCapturesNoVideo(t *testing.T) {
	store := newTestStore(t)
	alice := newTestPeer(t, store, "alice", defaultPeerOptions())

	_, err := alice.controller.StartCall(context.Background(), "conv-1", domain.CallTypeAudio)
	require.NoError(t, err)

	streams := alice.capturer.captured()
	require.Len(t, streams, 1)
	require.Len(t, streams[0].tracks, 1)
	assert.Equal(t, domain.TrackKindAudio, streams[0].tracks[0].kind)
	assert.False(t, alice.controller.State().VideoEnabled)
}

func TestAcceptCall_OfferAnswerRoundTrip(t *testing.T) {
	alice, bob, callID := connectPair(t)

	call := getCall(t, bob.coord.store, callID)
	assert.Equal(t, domain.CallStatusActive, call.Status)
	assert.Equal(t, []domain.UserID{"alice", "bob"}, call.Participants)
	require.NotNil(t, call.Answer)
	assert.Equal(t, "answer", call.Answer.Type)

	alicePC := alice.factory.last()
	bobPC := bob.factory.last()
	assert.Equal(t, *alicePC.localDescription(), *bobPC.remoteDescription())
	assert.Equal(t, *bobPC.localDescription(), *alicePC.remoteDescription())

	assert.Equal(t, domain.PhaseActive, bob.phase())
	assert.Equal(t, domain.RoleAnswerer, bob.controller.State().Role)
	assert.True(t, alice.events.has(domain.EventCallAnswered))
}

func TestAcceptCall_CandidatesAppliedOnceInOrder(t *testing.T) {
	alice, bob, _ := connectPair(t)

	alicePC := alice.factory.last()
	bobPC := bob.factory.last()

	assert.Eventually(t, func() bool {
		return len(alicePC.appliedCandidates()) == 2 && len(bobPC.appliedCandidates()) == 2
	}, waitFor, tick)

	assert.Equal(t, []domain.ICECandidate{testCandidate(3), testCandidate(4)}, alicePC.appliedCandidates())
	assert.Equal(t, []domain.ICECandidate{testCandidate(1), testCandidate(2)}, bobPC.appliedCandidates())
	assert.Zero(t, alicePC.earlyCandidates())
	assert.Zero(t, bobPC.earlyCandidates())
}

func TestCaller_BuffersCandidatesUntilAnswer(t *testing.T) {
	store := newTestStore(t)
	opts := defaultPeerOptions()
	opts.gather = nil
	alice := newTestPeer(t, store, "alice", opts)

	callID := startCall(t, alice, "conv-1")
	pc := alice.factory.last()

	now := time.Now()
	writeRemoteCandidate(t, store, callID, domain.RoleAnswerer, testCandidate(5), now)
	writeRemoteCandidate(t, store, callID, domain.RoleAnswerer, testCandidate(6), now.Add(time.Millisecond))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, pc.appliedCandidates())
	assert.Zero(t, pc.earlyCandidates())

	writeAnswer(t, store, callID, testSDP("answer", "bob"))

	require.Eventually(t, func() bool {
		return len(pc.appliedCandidates()) == 2
	}, waitFor, tick)
	assert.Equal(t, []domain.ICECandidate{testCandidate(5), testCandidate(6)}, pc.appliedCandidates())
	assert.Zero(t, pc.earlyCandidates())
	assert.Equal(t, domain.PhaseActive, alice.phase())
}

func TestAcceptCall_SecondAnswererIsRefused(t *testing.T) {
	_, bob, callID := connectPair(t)
	store := bob.coord.store
	first := getCall(t, store, callID).Answer

	carol := newTestPeer(t, store, "carol", defaultPeerOptions())
	err := carol.controller.AcceptCall(context.Background(), callID, domain.CallTypeVideo)
	require.ErrorIs(t, err, domain.ErrCallAlreadyAnswered)

	assert.Equal(t, first, getCall(t, store, callID).Answer)
	assert.Equal(t, domain.PhaseIdle, carol.phase())
	for _, s := range carol.capturer.captured() {
		assert.True(t, s.stopped.Load())
	}
}

func TestAcceptCall_ConcurrentAnswerersOneWins(t *testing.T) {
	store := newTestStore(t)
	alice := newTestPeer(t, store, "alice", defaultPeerOptions())
	bob := newTestPeer(t, store, "bob", defaultPeerOptions())
	carol := newTestPeer(t, store, "carol", defaultPeerOptions())

	callID := startCall(t, alice, "conv-1")

	errs := make(chan error, 2)
	for _, p := range []*testPeer{bob, carol} {
		go func(p *testPeer) {
			errs <- p.controller.AcceptCall(context.Background(), callID, domain.CallTypeVideo)
		}(p)
	}

	var failed []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failed = append(failed, err)
		}
	}
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0], domain.ErrCallAlreadyAnswered)
	assert.Len(t, getCall(t, store, callID).Participants, 2)
}

func TestAcceptCall_UnknownCall(t *testing.T) {
	store := newTestStore(t)
	bob := newTestPeer(t, store, "bob", defaultPeerOptions())

	err := bob.controller.AcceptCall(context.Background(), "missing", domain.CallTypeVideo)
	require.ErrorIs(t, err, domain.ErrCallNotFound)
	assert.Equal(t, domain.PhaseIdle, bob.phase())
	assert.False(t, bob.events.has(domain.EventCallEnded))

	streams := bob.capturer.captured()
	require.Len(t, streams, 1)
	assert.True(t, streams[0].stopped.Load())
	assert.True(t, bob.factory.last().isClosed())
}

func TestStartCall_MediaAccessFailure(t *testing.T) {
	store := newTestStore(t)
	alice := newTestPeer(t, store, "alice", defaultPeerOptions())
	alice.capturer.err = errors.New("permission denied")

	_, err := alice.controller.StartCall(context.Background(), "conv-1", domain.CallTypeVideo)
	require.ErrorIs(t, err, domain.ErrMediaAccess)
	assert.Equal(t, domain.PhaseIdle, alice.phase())
	assert.Zero(t, store.Count(domain.CallsCollection))
	assert.Nil(t, alice.factory.last())

	alice.capturer.err = nil
	startCall(t, alice, "conv-1")
}

func TestStartCall_AlreadyInProgress(t *testing.T) {
	store := newTestStore(t)
	alice := newTestPeer(t, store, "alice", defaultPeerOptions())
	callID := startCall(t, alice, "conv-1")

	_, err := alice.controller.StartCall(context.Background(), "conv-2", domain.CallTypeVideo)
	assert.ErrorIs(t, err, domain.ErrCallAlreadyInProgress)

	err = alice.controller.AcceptCall(context.Background(), "other", domain.CallTypeVideo)
	assert.ErrorIs(t, err, domain.ErrCallAlreadyInProgress)

	state := alice.controller.State()
	assert.Equal(t, domain.PhaseStarting, state.Phase)
	assert.Equal(t, callID, state.CallID)
	assert.Equal(t, 1, store.Count(domain.CallsCollection))
}

type startResult struct {
	callID domain.CallID
	err    error
}

func startCallAsync(p *testPeer, conversationID domain.ConversationID) <-chan startResult {
	done := make(chan startResult, 1)
	go func() {
		callID, err := p.controller.StartCall(context.Background(), conversationID, domain.CallTypeVideo)
		done <- startResult{callID: callID, err: err}
	}()
	return done
}

func TestStartCall_IgnoresEndOfPreviousCall(t *testing.T) {
	store := newTestStore(t)
	alice := newTestPeer(t, store, "alice", defaultPeerOptions())
	ctrl := alice.controller.(*callActivationController)

	release := alice.capturer.hold()
	done := startCallAsync(alice, "conv-1")
	require.Eventually(t, func() bool {
		return alice.phase() == domain.PhaseStarting
	}, waitFor, tick)

	ctrl.sessionEnded("previous-call", domain.EndReasonRemoteHangup)
	ctrl.connectionChanged("previous-call", domain.ConnectionStateFailed)
	assert.Equal(t, domain.PhaseStarting, alice.phase())

	release()
	res := <-done
	require.NoError(t, res.err)

	state := alice.controller.State()
	assert.Equal(t, domain.PhaseStarting, state.Phase)
	assert.Equal(t, res.callID, state.CallID)
	assert.Equal(t, domain.ConnectionStateNew, state.Connection)

	active, ok := alice.manager.ActiveCall()
	require.True(t, ok)
	assert.Equal(t, res.callID, active)
}

func TestStartCall_SupersededSetupEndsSession(t *testing.T) {
	store := newTestStore(t)
	alice := newTestPeer(t, store, "alice", defaultPeerOptions())
	ctrl := alice.controller.(*callActivationController)

	release := alice.capturer.hold()
	done := startCallAsync(alice, "conv-1")
	require.Eventually(t, func() bool {
		return alice.phase() == domain.PhaseStarting
	}, waitFor, tick)

	// the controller moves on before the manager learns about it
	ctrl.mu.Lock()
	ctrl.resetLocked()
	ctrl.mu.Unlock()

	release()
	res := <-done
	require.ErrorIs(t, res.err, domain.ErrSessionClosed)
	assert.Empty(t, res.callID)
	assert.Equal(t, domain.PhaseIdle, alice.phase())

	_, ok := alice.manager.ActiveCall()
	assert.False(t, ok)
	assert.True(t, alice.factory.last().isClosed())
	assert.True(t, alice.capturer.captured()[0].stopped.Load())

	next := startCall(t, alice, "conv-2")
	active, ok := alice.manager.ActiveCall()
	require.True(t, ok)
	assert.Equal(t, next, active)
}

func TestEndCall_IsIdempotent(t *testing.T) {
	store := newTestStore(t)
	alice := newTestPeer(t, store, "alice", defaultPeerOptions())

	alice.controller.EndCall()
	assert.Equal(t, domain.PhaseIdle, alice.phase())
	assert.False(t, alice.events.has(domain.EventCallEnded))

	callID := startCall(t, alice, "conv-1")
	pc := alice.factory.last()

	alice.controller.EndCall()
	alice.controller.EndCall()

	assert.Equal(t, domain.PhaseIdle, alice.phase())
	assert.True(t, pc.isClosed())
	assert.True(t, alice.capturer.captured()[0].stopped.Load())
	assert.Len(t, alice.events.ofType(domain.EventCallEnded), 1)
	assert.Eventually(t, func() bool {
		return callStatus(store, callID) == domain.CallStatusEnded
	}, waitFor, tick)

	_, ok := alice.manager.ActiveCall()
	assert.False(t, ok)
}

func TestHangup_EndsRemoteSide(t *testing.T) {
	alice, bob, callID := connectPair(t)

	alice.controller.EndCall()

	require.Eventually(t, func() bool {
		return bob.phase() == domain.PhaseIdle
	}, waitFor, tick)
	assert.Equal(t, domain.CallStatusEnded, callStatus(bob.coord.store, callID))

	ended := bob.events.ofType(domain.EventCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.EndReasonRemoteHangup, ended[0].Reason)
	assert.Empty(t, ended[0].Message)
	assert.True(t, bob.factory.last().isClosed())
}

func TestAliceCallsBob(t *testing.T) {
	store := newTestStore(t)
	alice := newTestPeer(t, store, "alice", defaultPeerOptions())
	bobOpts := defaultPeerOptions()
	bobOpts.gather = []domain.ICECandidate{testCandidate(3)}
	bob := newTestPeer(t, store, "bob", bobOpts)

	require.NoError(t, bob.watcher.Watch(context.Background(), "conv-1"))
	require.NoError(t, alice.watcher.Watch(context.Background(), "conv-1"))

	callID := startCall(t, alice, "conv-1")

	require.Eventually(t, func() bool {
		return bob.watcher.Pending() != nil
	}, waitFor, tick)
	pending := bob.watcher.Pending()
	assert.Equal(t, callID, pending.CallID)
	assert.Equal(t, domain.UserID("alice"), pending.From)
	assert.Equal(t, domain.CallTypeVideo, pending.CallType)
	assert.Nil(t, alice.watcher.Pending())

	accepted, err := bob.watcher.Accept(context.Background())
	require.NoError(t, err)
	assert.Equal(t, callID, accepted)
	assert.Nil(t, bob.watcher.Pending())

	require.Eventually(t, func() bool {
		return alice.phase() == domain.PhaseActive && bob.phase() == domain.PhaseActive
	}, waitFor, tick)

	alice.factory.last().setState(domain.ConnectionStateConnected)
	bob.factory.last().setState(domain.ConnectionStateConnected)
	bob.factory.last().deliverTrack(domain.RemoteStream{
		ID:     "stream-0",
		Tracks: []domain.TrackInfo{{ID: "stream-0-audio", StreamID: "stream-0", Kind: domain.TrackKindAudio}},
	})

	require.Eventually(t, func() bool {
		return alice.controller.State().Connection == domain.ConnectionStateConnected &&
			bob.controller.State().Connection == domain.ConnectionStateConnected &&
			bob.events.has(domain.EventRemoteStream)
	}, waitFor, tick)
	assert.Equal(t, "stream-0", bob.events.ofType(domain.EventRemoteStream)[0].Stream.ID)

	bob.controller.EndCall()

	require.Eventually(t, func() bool {
		return alice.phase() == domain.PhaseIdle
	}, waitFor, tick)
	assert.Equal(t, domain.CallStatusEnded, callStatus(store, callID))
	assert.Equal(t, domain.EndReasonLocalHangup, bob.events.ofType(domain.EventCallEnded)[0].Reason)
	assert.Equal(t, domain.EndReasonRemoteHangup, alice.events.ofType(domain.EventCallEnded)[0].Reason)
}

func TestRejectedCall(t *testing.T) {
	store := newTestStore(t)
	alice := newTestPeer(t, store, "alice", defaultPeerOptions())
	bob := newTestPeer(t, store, "bob", defaultPeerOptions())
	require.NoError(t, bob.watcher.Watch(context.Background(), "conv-1"))

	callID := startCall(t, alice, "conv-1")
	require.Eventually(t, func() bool {
		return bob.watcher.Pending() != nil
	}, waitFor, tick)

	require.NoError(t, bob.watcher.Reject(context.Background()))
	assert.Nil(t, bob.watcher.Pending())
	assert.Empty(t, bob.capturer.captured())
	assert.Nil(t, bob.factory.last())

	require.Eventually(t, func() bool {
		return alice.events.has(domain.EventCallRejected)
	}, waitFor, tick)
	assert.Equal(t, domain.CallStatusRejected, callStatus(store, callID))
	assert.Equal(t, domain.PhaseStarting, alice.phase())

	alice.controller.EndCall()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.CallStatusRejected, callStatus(store, callID))
	assert.Equal(t, domain.PhaseIdle, alice.phase())
}

func TestConnectionFailure(t *testing.T) {
	alice, bob, callID := connectPair(t)

	bob.factory.last().setState(domain.ConnectionStateConnected)
	bob.factory.last().setState(domain.ConnectionStateFailed)

	require.Eventually(t, func() bool {
		return bob.phase() == domain.PhaseIdle && alice.phase() == domain.PhaseIdle
	}, waitFor, tick)

	ended := bob.events.ofType(domain.EventCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.EndReasonConnectionFailed, ended[0].Reason)
	assert.NotEmpty(t, ended[0].Message)
	assert.Equal(t, domain.CallStatusEnded, callStatus(alice.coord.store, callID))
	assert.Equal(t, domain.EndReasonRemoteHangup, alice.events.ofType(domain.EventCallEnded)[0].Reason)
}

func TestDisconnectGrace(t *testing.T) {
	store := newTestStore(t)
	opts := defaultPeerOptions()
	opts.signaling.DisconnectGrace = 60 * time.Millisecond
	alice := newTestPeer(t, store, "alice", opts)
	bob := newTestPeer(t, store, "bob", opts)

	callID := startCall(t, alice, "conv-1")
	require.NoError(t, bob.controller.AcceptCall(context.Background(), callID, domain.CallTypeVideo))
	pc := bob.factory.last()

	pc.setState(domain.ConnectionStateConnected)
	pc.setState(domain.ConnectionStateDisconnected)
	pc.setState(domain.ConnectionStateConnected)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, domain.PhaseActive, bob.phase())

	pc.setState(domain.ConnectionStateDisconnected)
	require.Eventually(t, func() bool {
		return bob.phase() == domain.PhaseIdle
	}, waitFor, tick)
	assert.Equal(t, domain.EndReasonConnectionFailed, bob.events.ofType(domain.EventCallEnded)[0].Reason)
}

func TestRingTimeout(t *testing.T) {
	store := newTestStore(t)
	opts := defaultPeerOptions()
	opts.controller.MaxRingDuration = 80 * time.Millisecond
	alice := newTestPeer(t, store, "alice", opts)

	callID := startCall(t, alice, "conv-1")

	require.Eventually(t, func() bool {
		return alice.phase() == domain.PhaseIdle
	}, waitFor, tick)
	ended := alice.events.ofType(domain.EventCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.EndReasonRingTimeout, ended[0].Reason)
	assert.Eventually(t, func() bool {
		return callStatus(store, callID) == domain.CallStatusEnded
	}, waitFor, tick)
}

func TestRingTimeout_StoppedByAnswer(t *testing.T) {
	store := newTestStore(t)
	opts := defaultPeerOptions()
	opts.controller.MaxRingDuration = 100 * time.Millisecond
	alice := newTestPeer(t, store, "alice", opts)

	callID := startCall(t, alice, "conv-1")
	writeAnswer(t, store, callID, testSDP("answer", "bob"))

	require.Eventually(t, func() bool {
		return alice.phase() == domain.PhaseActive
	}, waitFor, tick)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, domain.PhaseActive, alice.phase())
}

func TestProtocolViolationBudget(t *testing.T) {
	store := newTestStore(t)
	opts := defaultPeerOptions()
	opts.signaling.ProtocolViolationBudget = 1
	alice := newTestPeer(t, store, "alice", opts)

	callID := startCall(t, alice, "conv-1")
	answer := testSDP("answer", "bob")
	writeAnswer(t, store, callID, answer)
	require.Eventually(t, func() bool {
		return alice.phase() == domain.PhaseActive
	}, waitFor, tick)

	// the same answer delivered again is harmless
	writeAnswer(t, store, callID, answer)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, alice.events.has(domain.EventWarning))

	writeAnswer(t, store, callID, testSDP("answer", "mallory"))
	require.Eventually(t, func() bool {
		return alice.events.has(domain.EventWarning)
	}, waitFor, tick)
	assert.Equal(t, domain.PhaseActive, alice.phase())

	writeAnswer(t, store, callID, testSDP("answer", "eve"))
	require.Eventually(t, func() bool {
		return alice.phase() == domain.PhaseIdle
	}, waitFor, tick)

	ended := alice.events.ofType(domain.EventCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.EndReasonProtocol, ended[0].Reason)
	assert.NotEmpty(t, ended[0].Message)
	assert.Equal(t, *alice.factory.last().remoteDescription(), answer)
}

func TestProtocolViolation_OverdueCandidates(t *testing.T) {
	store := newTestStore(t)
	opts := defaultPeerOptions()
	opts.signaling.CandidateBufferWindow = 40 * time.Millisecond
	opts.signaling.ProtocolViolationBudget = 0
	alice := newTestPeer(t, store, "alice", opts)

	callID := startCall(t, alice, "conv-1")
	writeRemoteCandidate(t, store, callID, domain.RoleAnswerer, testCandidate(7), time.Now())

	require.Eventually(t, func() bool {
		return alice.phase() == domain.PhaseIdle
	}, waitFor, tick)
	assert.Equal(t, domain.EndReasonProtocol, alice.events.ofType(domain.EventCallEnded)[0].Reason)
}

func TestProtocolViolation_InvalidAnswer(t *testing.T) {
	store := newTestStore(t)
	opts := defaultPeerOptions()
	opts.signaling.ProtocolViolationBudget = 0
	alice := newTestPeer(t, store, "alice", opts)

	callID := startCall(t, alice, "conv-1")
	writeAnswer(t, store, callID, domain.SessionDescription{Type: "answer", SDP: "garbage"})

	require.Eventually(t, func() bool {
		return alice.phase() == domain.PhaseIdle
	}, waitFor, tick)
	assert.Nil(t, alice.factory.last().remoteDescription())
}

func TestMediaToggles(t *testing.T) {
	store := newTestStore(t)
	alice := newTestPeer(t, store, "alice", defaultPeerOptions())

	assert.ErrorIs(t, alice.controller.SetAudioEnabled(false), domain.ErrNoActiveCall)

	startCall(t, alice, "conv-1")
	stream := alice.capturer.captured()[0]

	require.NoError(t, alice.controller.SetAudioEnabled(false))
	require.NoError(t, alice.controller.SetVideoEnabled(false))

	for _, track := range stream.tracks {
		assert.False(t, track.enabled.Load(), fmt.Sprintf("%s track", track.kind))
	}
	state := alice.controller.State()
	assert.False(t, state.AudioEnabled)
	assert.False(t, state.VideoEnabled)

	require.NoError(t, alice.controller.SetAudioEnabled(true))
	assert.True(t, alice.controller.State().AudioEnabled)
}

func TestSetMinimized(t *testing.T) {
	store := newTestStore(t)
	alice := newTestPeer(t, store, "alice", defaultPeerOptions())

	alice.controller.SetMinimized(true)
	assert.False(t, alice.controller.State().Minimized)

	startCall(t, alice, "conv-1")
	alice.controller.SetMinimized(true)
	assert.True(t, alice.controller.State().Minimized)

	alice.controller.EndCall()
	assert.False(t, alice.controller.State().Minimized)
}
