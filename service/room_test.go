package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gogabok/signaling/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roomFixture struct {
	room    *Room
	conns   *fakeSender
	media   *fakeMedia
	removed *int
}

func newRoomFixture(t *testing.T, members []string, ringTimeout time.Duration) roomFixture {
	t.Helper()
	nop := zerolog.Nop()
	conns := newFakeSender()
	med := &fakeMedia{}
	removed := 0
	room := NewRoom(RoomConfig{
		ID:          "R1",
		Members:     members,
		RingTimeout: ringTimeout,
		Connections: conns,
		Media:       med,
		OnClosed:    func(string) { removed++ },
		Logger:      &nop,
	})
	return roomFixture{room: room, conns: conns, media: med, removed: &removed}
}

func (fx roomFixture) status(t *testing.T, id string) model.ParticipantStatus {
	t.Helper()
	snap := fx.room.Snapshot()
	for _, p := range snap.Participants {
		if p.ID == id {
			return p.Status
		}
	}
	t.Fatalf("participant %s not found in %s", id, spew.Sdump(snap))
	return ""
}

func TestInitCallRingsRoster(t *testing.T) {
	fx := newRoomFixture(t, []string{"A", "B"}, time.Hour)

	require.NoError(t, fx.room.InitCall(context.Background(), "A", "A", model.CallTypeAudio))

	snap := fx.room.Snapshot()
	assert.True(t, snap.ReachingOut)
	assert.False(t, snap.Live)
	assert.Equal(t, model.StatusActive, fx.status(t, "A"))
	assert.Equal(t, model.StatusAwaiting, fx.status(t, "B"))

	incoming := fx.conns.byMethod("B", model.MethodIncomingCall)
	require.Len(t, incoming, 1)
	call := decode[model.IncomingCall](t, incoming[0])
	assert.Equal(t, "R1", call.From)
	assert.Equal(t, "R1", call.RoomID)
	assert.Equal(t, model.CallTypeAudio, call.Type)
	assert.Zero(t, fx.conns.countByMethod("A", model.MethodIncomingCall))

	created := fx.conns.byMethod("A", model.MethodRoomCreated)
	require.Len(t, created, 1)
	assert.Len(t, decode[model.RoomCreated](t, created[0]).Participants, 2)

	assert.Equal(t, []string{"R1"}, fx.media.createdRooms)
}

func TestInitCallMediaFailure(t *testing.T) {
	fx := newRoomFixture(t, []string{"A", "B"}, time.Hour)
	fx.media.createRoomErr = errors.New("sfu is down")

	err := fx.room.InitCall(context.Background(), "A", "A", model.CallTypeVideo)
	require.ErrorIs(t, err, ErrMediaProvision)

	require.Equal(t, 1, fx.conns.countByMethod("A", model.MethodError))
	assert.Zero(t, fx.conns.countByMethod("B", model.MethodIncomingCall))

	// Transient flag is cleared on the failure path too.
	assert.False(t, fx.room.Snapshot().BeingCreated)
}

func TestInitCallCallerUnreachable(t *testing.T) {
	fx := newRoomFixture(t, []string{"A", "B"}, time.Hour)
	fx.conns.setOffline("A")

	require.NoError(t, fx.room.InitCall(context.Background(), "A", "A", model.CallTypeAudio))

	assert.Equal(t, 1, *fx.removed)
	ended := fx.conns.byMethod("B", model.MethodCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, model.ReasonFailedToConnect, decode[model.CallEnded](t, ended[0]).Reason)
}

func TestAwaitTimeoutNobodyAnswered(t *testing.T) {
	fx := newRoomFixture(t, []string{"A", "B"}, 20*time.Millisecond)
	require.NoError(t, fx.room.InitCall(context.Background(), "A", "A", model.CallTypeAudio))

	require.Eventually(t, func() bool {
		return fx.conns.countByMethod("A", model.MethodCallEnded) > 0
	}, time.Second, 5*time.Millisecond)

	ended := fx.conns.byMethod("A", model.MethodCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, model.ReasonNoResponse, decode[model.CallEnded](t, ended[0]).Reason)
	assert.Equal(t, 1, *fx.removed)
	assert.Equal(t, []string{"R1"}, fx.media.deleted())
}

func TestAwaitTimeoutWithNonMemberCaller(t *testing.T) {
	// The caller has no participant entry, so the ring expires with zero
	// actives. The room must still tear down instead of lingering.
	fx := newRoomFixture(t, []string{"B", "C"}, 20*time.Millisecond)
	require.NoError(t, fx.room.InitCall(context.Background(), "A", "A", model.CallTypeAudio))

	require.Eventually(t, func() bool {
		return fx.conns.countByMethod("B", model.MethodCallEnded) > 0
	}, time.Second, 5*time.Millisecond)

	ended := fx.conns.byMethod("B", model.MethodCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, model.ReasonNoResponse, decode[model.CallEnded](t, ended[0]).Reason)
	assert.Equal(t, 1, *fx.removed)
	assert.Equal(t, []string{"R1"}, fx.media.deleted())
}

func TestCallerDeclineThenTimeoutEndsCall(t *testing.T) {
	fx := newRoomFixture(t, []string{"A", "B"}, 20*time.Millisecond)
	require.NoError(t, fx.room.InitCall(context.Background(), "A", "A", model.CallTypeAudio))

	fx.room.Decline(context.Background(), "A")

	require.Eventually(t, func() bool {
		return fx.conns.countByMethod("B", model.MethodCallEnded) > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, *fx.removed)
}

func TestAwaitTimeoutDropsSilentParticipants(t *testing.T) {
	fx := newRoomFixture(t, []string{"A", "B", "C"}, 30*time.Millisecond)
	require.NoError(t, fx.room.InitCall(context.Background(), "A", "A", model.CallTypeAudio))
	fx.room.Accept("B")

	require.Eventually(t, func() bool {
		return fx.conns.countByMethod("C", model.MethodIncomingCallTimeout) > 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, model.StatusDisconnected, fx.status(t, "C"))
	assert.Equal(t, 1, fx.conns.countByMethod("A", model.MethodLeaveCall))
	assert.Equal(t, 1, fx.conns.countByMethod("B", model.MethodLeaveCall))
	assert.Zero(t, *fx.removed)
	assert.False(t, fx.room.Snapshot().ReachingOut)
}

func TestAcceptStartsCallOnce(t *testing.T) {
	fx := newRoomFixture(t, []string{"A", "B", "C"}, time.Hour)
	require.NoError(t, fx.room.InitCall(context.Background(), "A", "A", model.CallTypeAudio))

	fx.room.Accept("B")

	snap := fx.room.Snapshot()
	assert.True(t, snap.Live)
	assert.NotZero(t, snap.StartTime)
	// First accept broadcasts CallStarted to the whole roster.
	assert.Equal(t, 1, fx.conns.countByMethod("A", model.MethodCallStarted))
	assert.Equal(t, 1, fx.conns.countByMethod("B", model.MethodCallStarted))
	assert.Equal(t, 1, fx.conns.countByMethod("C", model.MethodCallStarted))

	// A later accept only re-syncs the accepting participant.
	fx.room.Accept("C")
	assert.Equal(t, 1, fx.conns.countByMethod("A", model.MethodCallStarted))
	assert.Equal(t, 2, fx.conns.countByMethod("C", model.MethodCallStarted))
}

func TestDeclineByAllEndsCall(t *testing.T) {
	fx := newRoomFixture(t, []string{"A", "B", "C"}, time.Hour)
	require.NoError(t, fx.room.InitCall(context.Background(), "A", "A", model.CallTypeAudio))

	fx.room.Decline(context.Background(), "B")
	assert.Zero(t, *fx.removed)

	fx.room.Decline(context.Background(), "C")
	assert.Equal(t, 1, *fx.removed)

	ended := fx.conns.byMethod("A", model.MethodCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, model.ReasonDeclined, decode[model.CallEnded](t, ended[0]).Reason)
}

func TestLeaveOfLastPeerEndsCall(t *testing.T) {
	fx := newRoomFixture(t, []string{"A", "B"}, time.Hour)
	require.NoError(t, fx.room.InitCall(context.Background(), "A", "A", model.CallTypeAudio))
	fx.room.Accept("B")

	fx.room.Leave(context.Background(), "B")

	assert.Equal(t, 1, *fx.removed)
	ended := fx.conns.byMethod("A", model.MethodCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, model.ReasonEnded, decode[model.CallEnded](t, ended[0]).Reason)
}

func TestLeaveBroadcastsWhileOthersRemain(t *testing.T) {
	fx := newRoomFixture(t, []string{"A", "B", "C"}, time.Hour)
	require.NoError(t, fx.room.InitCall(context.Background(), "A", "A", model.CallTypeAudio))
	fx.room.Accept("B")
	fx.room.Accept("C")

	fx.room.Leave(context.Background(), "C")

	assert.Zero(t, *fx.removed)
	leaves := fx.conns.byMethod("A", model.MethodLeaveCall)
	require.Len(t, leaves, 1)
	assert.Equal(t, "C", decode[model.LeaveCall](t, leaves[0]).ID)
	assert.Equal(t, 1, fx.conns.countByMethod("B", model.MethodLeaveCall))
	assert.Zero(t, fx.conns.countByMethod("C", model.MethodLeaveCall))
}

func TestEndCallIsIdempotent(t *testing.T) {
	fx := newRoomFixture(t, []string{"A", "B"}, time.Hour)
	require.NoError(t, fx.room.InitCall(context.Background(), "A", "A", model.CallTypeAudio))

	fx.room.EndCall(context.Background(), model.ReasonEnded)
	fx.room.EndCall(context.Background(), model.ReasonEnded)

	assert.Equal(t, 1, *fx.removed)
	assert.Equal(t, 1, fx.conns.countByMethod("A", model.MethodCallEnded))
	assert.Len(t, fx.media.deleted(), 1)
}

func TestJoinCreatesParticipantOnce(t *testing.T) {
	fx := newRoomFixture(t, []string{"A", "B"}, time.Hour)
	require.NoError(t, fx.room.InitCall(context.Background(), "A", "A", model.CallTypeAudio))
	fx.room.Accept("B")

	fx.room.Join("D", "D")
	require.Len(t, fx.room.Snapshot().Participants, 3)
	assert.Equal(t, model.StatusActive, fx.status(t, "D"))
	assert.Equal(t, 1, fx.conns.countByMethod("D", model.MethodCallStarted))
	// No broadcast on late join.
	assert.Equal(t, 1, fx.conns.countByMethod("A", model.MethodCallStarted))

	// Second join is a status update, not an insert.
	fx.room.Join("D", "D")
	assert.Len(t, fx.room.Snapshot().Participants, 3)
}

func TestInviteRingsNewUser(t *testing.T) {
	fx := newRoomFixture(t, []string{"A", "B"}, time.Hour)
	require.NoError(t, fx.room.InitCall(context.Background(), "A", "A", model.CallTypeAudio))
	fx.room.Accept("B")

	require.NoError(t, fx.room.Invite(context.Background(), []string{"X"}))

	assert.Equal(t, model.StatusAwaiting, fx.status(t, "X"))
	assert.Equal(t, 1, fx.conns.countByMethod("X", model.MethodIncomingCall))
	added := fx.conns.byMethod("A", model.MethodUserAdded)
	require.Len(t, added, 1)
	payload := decode[model.UserAdded](t, added[0])
	assert.Equal(t, "X", payload.UserID)
	assert.Equal(t, model.StatusAwaiting, payload.Status)
	assert.Contains(t, fx.media.createdMembers, "R1/X")
}

func TestInviteOfflineUserFails(t *testing.T) {
	fx := newRoomFixture(t, []string{"A", "B"}, time.Hour)
	require.NoError(t, fx.room.InitCall(context.Background(), "A", "A", model.CallTypeAudio))
	fx.room.Accept("B")
	fx.conns.setOffline("X")

	err := fx.room.Invite(context.Background(), []string{"X"})
	require.ErrorIs(t, err, ErrParticipantOffline)

	assert.Equal(t, model.StatusDisconnected, fx.status(t, "X"))
	assert.Zero(t, fx.conns.countByMethod("A", model.MethodUserAdded))
}

func TestRingReplaysIncomingCall(t *testing.T) {
	fx := newRoomFixture(t, []string{"A", "B"}, time.Hour)
	require.NoError(t, fx.room.InitCall(context.Background(), "A", "A", model.CallTypeVideo))

	fx.room.Ring("B")
	assert.Equal(t, 2, fx.conns.countByMethod("B", model.MethodIncomingCall))

	// Active participants are not re-rung.
	fx.room.Ring("A")
	assert.Zero(t, fx.conns.countByMethod("A", model.MethodIncomingCall))
}

func TestDestroyBlocksAndUnblocksButtons(t *testing.T) {
	fx := newRoomFixture(t, []string{"A", "B"}, time.Hour)
	require.NoError(t, fx.room.InitCall(context.Background(), "A", "A", model.CallTypeAudio))

	fx.room.EndCall(context.Background(), model.ReasonEnded)

	blocks := fx.conns.byMethod("A", model.MethodButtonsBlockState)
	require.Len(t, blocks, 2)
	assert.True(t, decode[model.ButtonsBlockState](t, blocks[0]).AreBlocked)
	assert.False(t, decode[model.ButtonsBlockState](t, blocks[1]).AreBlocked)
}
