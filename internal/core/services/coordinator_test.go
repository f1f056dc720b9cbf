package services

import (
	"encoding/json"
	"testing"
	"time"

	"studyroom/internal/core/domain"
	apperrors "studyroom/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_JoinFlow(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", domain.TierFree, "")
	bob := f.addUser(t, "bob", domain.TierMonthly, "")
	room := f.systemRoom(t, domain.RoomDiscussion, 0)

	require.NoError(t, f.coordinator.HandleEvent(f.ctx, alice, domain.EventJoinRoom,
		json.RawMessage(`{"roomId":"`+string(room.ID)+`"}`)))

	assert.Equal(t, []string{domain.EventRoomInfo, domain.EventSessionInfo, domain.EventTimerUpdate, domain.EventChatMessage},
		f.bc.eventsFor("alice"))

	raw, _ := f.bc.lastFor("alice", domain.EventRoomInfo)
	info := raw.(RoomInfo)
	assert.Equal(t, room.ID, info.Room.ID)
	require.Len(t, info.ICEServers, 1)
	assert.False(t, info.MicPermission.Allowed)
	assert.Nil(t, info.Timer, "the timer starts after room-info on first join")

	f.clock.Advance(3 * time.Minute)
	require.NoError(t, f.coordinator.JoinRoom(f.ctx, bob, room.ID, ""))

	joined, ok := f.bc.lastFor("alice", domain.EventUserJoined)
	require.True(t, ok)
	assert.Equal(t, domain.UserID("bob"), joined.(map[string]interface{})["userId"])

	raw, _ = f.bc.lastFor("bob", domain.EventRoomInfo)
	info = raw.(RoomInfo)
	assert.Len(t, info.Participants, 2)
	assert.True(t, info.MicPermission.Allowed)
	require.NotNil(t, info.Timer)

	sync, ok := f.bc.lastFor("bob", domain.EventTimerSync)
	require.True(t, ok)
	assert.Equal(t, t0.UnixMilli(), sync.(TimerPayload).StartTime)
	assert.Equal(t, t0.Add(3*time.Minute).UnixMilli(), sync.(TimerPayload).ServerTime)
	assert.Zero(t, f.bc.countFor("bob", domain.EventSessionInfo), "paid tiers get no session info")

	// joining again does not announce the user twice
	require.NoError(t, f.coordinator.JoinRoom(f.ctx, bob, room.ID, ""))
	assert.Equal(t, 1, f.bc.countFor("alice", domain.EventUserJoined))
}

func TestCoordinator_PrivateRoomPassword(t *testing.T) {
	f := newFixture(t)
	owner := f.addUser(t, "owner", domain.TierMonthly, "")
	friend := f.addUser(t, "friend", domain.TierFree, "")
	stranger := f.addUser(t, "stranger", domain.TierFree, "")

	room, err := f.membership.Create(f.ctx, "owner", CreateRoomSpec{Name: "Private", Password: "letmein"})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.JoinRoom(f.ctx, owner, room.ID, ""))
	require.NoError(t, f.coordinator.JoinRoom(f.ctx, friend, room.ID, "letmein"))

	err = f.coordinator.JoinRoom(f.ctx, stranger, room.ID, "guess")
	assertPolicy(t, err, domain.ReasonWrongPassword)

	members, err := f.rooms.Participants(f.ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
	assert.Len(t, f.bc.RoomMembers(room.ID), 2)
	assert.False(t, f.quota.Tracking("stranger"))
}

func TestCoordinator_LeaveAndDisconnect(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", domain.TierFree, "")
	bob := f.addUser(t, "bob", domain.TierFree, "")
	room := f.systemRoom(t, domain.RoomSilent, 0)

	require.NoError(t, f.coordinator.JoinRoom(f.ctx, alice, room.ID, ""))
	require.NoError(t, f.coordinator.JoinRoom(f.ctx, bob, room.ID, ""))
	f.clock.Advance(15 * time.Minute)

	require.NoError(t, f.coordinator.HandleEvent(f.ctx, alice, domain.EventLeaveRoom, json.RawMessage(`{}`)))
	left, ok := f.bc.lastFor("bob", domain.EventUserLeft)
	require.True(t, ok)
	assert.Equal(t, domain.LeaveReasonVoluntary, left.(map[string]interface{})["reason"])
	assert.False(t, f.quota.Tracking("alice"))
	assert.Equal(t, 15, f.user(t, "alice").TodayRoomMinutes)
	assert.Equal(t, 1, f.timers.Count(), "bob is still there")

	f.coordinator.HandleDisconnect(f.ctx, bob)
	assert.False(t, f.quota.Tracking("bob"))
	assert.Empty(t, f.user(t, "bob").CurrentRoomID)
	assert.Equal(t, 1, f.timers.Count(), "the cycle outlives its members")

	members, err := f.rooms.Participants(f.ctx, room.ID)
	require.NoError(t, err)
	assert.Empty(t, members)

	// leaving twice is harmless
	require.NoError(t, f.coordinator.LeaveRoom(f.ctx, alice, ""))
}

func TestCoordinator_RejoinKeepsRunningCycle(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", domain.TierMonthly, "")
	room := f.systemRoom(t, domain.RoomSilent, 0)

	require.NoError(t, f.coordinator.JoinRoom(f.ctx, alice, room.ID, ""))
	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.coordinator.LeaveRoom(f.ctx, alice, room.ID))
	assert.Empty(t, f.bc.RoomMembers(room.ID))

	f.clock.Advance(7 * time.Minute)
	require.NoError(t, f.coordinator.JoinRoom(f.ctx, alice, room.ID, ""))

	state, ok := f.timers.State(room.ID)
	require.True(t, ok)
	assert.Equal(t, domain.PhaseFocus, state.Phase)
	assert.True(t, state.StartedAt.Equal(t0), "rejoin must not restart the cycle")
	assert.Len(t, f.bc.roomBroadcasts(room.ID, domain.EventTimerUpdate), 1)

	sync, ok := f.bc.lastFor("alice", domain.EventTimerSync)
	require.True(t, ok)
	assert.Equal(t, t0.UnixMilli(), sync.(TimerPayload).StartTime)

	// the phase still ends on the original schedule
	f.clock.Advance(13 * time.Minute)
	state, _ = f.timers.State(room.ID)
	assert.Equal(t, domain.PhaseBreak, state.Phase)
}

func TestCoordinator_JoinAfterStopRestartsTimer(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", domain.TierMonthly, "")
	bob := f.addUser(t, "bob", domain.TierMonthly, "")
	room := f.systemRoom(t, domain.RoomSilent, 0)

	require.NoError(t, f.coordinator.JoinRoom(f.ctx, alice, room.ID, ""))
	f.clock.Advance(4 * time.Minute)
	require.NoError(t, f.coordinator.StopTimer(f.ctx, alice, room.ID))

	f.clock.Advance(time.Minute)
	require.NoError(t, f.coordinator.JoinRoom(f.ctx, bob, room.ID, ""))

	state, ok := f.timers.State(room.ID)
	require.True(t, ok)
	assert.Equal(t, domain.PhaseFocus, state.Phase)
	assert.Equal(t, room.TimerMode, state.Mode)
	assert.True(t, state.StartedAt.Equal(t0.Add(5*time.Minute)))
	assert.Zero(t, f.bc.countFor("bob", domain.EventTimerSync), "a fresh cycle is announced, not synced")
}

func TestCoordinator_TimerEventsRequireMembership(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", domain.TierMonthly, "")
	outsider := f.addUser(t, "outsider", domain.TierMonthly, "")
	room := f.systemRoom(t, domain.RoomSilent, 0)
	require.NoError(t, f.coordinator.JoinRoom(f.ctx, alice, room.ID, ""))

	payload := json.RawMessage(`{"roomId":"` + string(room.ID) + `"}`)
	err := f.coordinator.HandleEvent(f.ctx, outsider, domain.EventTimerStop, payload)
	assertPolicy(t, err, domain.ReasonNotMember)

	require.NoError(t, f.coordinator.HandleEvent(f.ctx, alice, domain.EventTimerStop, payload))
	state, _ := f.timers.State(room.ID)
	assert.Equal(t, domain.PhaseIdle, state.Phase)

	require.NoError(t, f.coordinator.HandleEvent(f.ctx, alice, domain.EventTimerModeChange,
		json.RawMessage(`{"roomId":"`+string(room.ID)+`","mode":"POMODORO_50_10"}`)))
	state, _ = f.timers.State(room.ID)
	assert.Equal(t, domain.PhaseFocus, state.Phase)
	assert.Equal(t, 50*time.Minute, state.Duration)
}

func TestCoordinator_ForceLeaveUser(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", domain.TierFree, "")
	bob := f.addUser(t, "bob", domain.TierFree, "")
	room := f.systemRoom(t, domain.RoomSilent, 0)
	require.NoError(t, f.coordinator.JoinRoom(f.ctx, alice, room.ID, ""))
	require.NoError(t, f.coordinator.JoinRoom(f.ctx, bob, room.ID, ""))

	require.NoError(t, f.coordinator.ForceLeaveUser(f.ctx, "alice"))
	assert.Equal(t, 1, f.bc.countFor("alice", domain.EventUserLeft), "the kicked user is told too")
	left, _ := f.bc.lastFor("bob", domain.EventUserLeft)
	assert.Equal(t, domain.LeaveReasonKicked, left.(map[string]interface{})["reason"])

	err := f.coordinator.ForceLeaveUser(f.ctx, "alice")
	assertPolicy(t, err, domain.ReasonNotMember)

	err = f.coordinator.ForceLeaveUser(f.ctx, "ghost")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestCoordinator_CloseByOwner(t *testing.T) {
	f := newFixture(t)
	owner := f.addUser(t, "owner", domain.TierMonthly, "")
	other := f.addUser(t, "other", domain.TierMonthly, "")
	admin := f.addUser(t, "root", domain.TierFree, domain.RoleAdmin)

	room, err := f.membership.Create(f.ctx, "owner", CreateRoomSpec{Name: "Mine"})
	require.NoError(t, err)
	require.NoError(t, f.coordinator.JoinRoom(f.ctx, other, room.ID, ""))

	err = f.coordinator.CloseByOwner(f.ctx, other, room.ID)
	assertPolicy(t, err, domain.ReasonNotOwner)

	require.NoError(t, f.coordinator.CloseByOwner(f.ctx, owner, room.ID))
	closed, ok := f.bc.lastFor("other", domain.EventRoomClosed)
	require.True(t, ok)
	assert.Equal(t, domain.CloseReasonOwner, closed.(map[string]interface{})["reason"])
	assert.False(t, f.bc.IsAttached("other", room.ID))

	// closing again is a no-op, even for an admin
	require.NoError(t, f.coordinator.CloseByOwner(f.ctx, admin, room.ID))
	assert.Equal(t, 1, f.bc.countFor("other", domain.EventRoomClosed))
}

func TestCoordinator_AdminSpectate(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", domain.TierMonthly, "")
	admin := f.addUser(t, "root", domain.TierFree, domain.RoleAdmin)
	room := f.systemRoom(t, domain.RoomDiscussion, 1)
	require.NoError(t, f.coordinator.JoinRoom(f.ctx, alice, room.ID, ""))

	err := f.coordinator.AdminSpectate(f.ctx, alice, room.ID)
	assertPolicy(t, err, domain.ReasonAdminOnly)

	// a full room does not stop a spectator
	require.NoError(t, f.coordinator.HandleEvent(f.ctx, admin, domain.EventAdminJoinRoom,
		json.RawMessage(`{"roomId":"`+string(room.ID)+`"}`)))
	raw, ok := f.bc.lastFor("root", domain.EventRoomInfo)
	require.True(t, ok)
	info := raw.(RoomInfo)
	assert.True(t, info.Spectating)
	assert.Len(t, info.Participants, 1)
	assert.Equal(t, 1, f.bc.countFor("root", domain.EventTimerSync))

	// spectators are invisible and cannot drive the timer
	assert.Zero(t, f.bc.countFor("alice", domain.EventUserJoined))
	err = f.coordinator.StartTimer(f.ctx, admin, room.ID)
	assertPolicy(t, err, domain.ReasonNotMember)

	member, err := f.rooms.IsParticipant(f.ctx, room.ID, "root")
	require.NoError(t, err)
	assert.False(t, member)

	// nor signal, chat or publish media state
	roomRef := `"roomId":"` + string(room.ID) + `"`
	err = f.coordinator.HandleEvent(f.ctx, admin, domain.EventSignal,
		json.RawMessage(`{`+roomRef+`,"to":"alice","signal":{"type":"offer"}}`))
	assertPolicy(t, err, domain.ReasonNotMember)
	err = f.coordinator.HandleEvent(f.ctx, admin, domain.EventChatMessage,
		json.RawMessage(`{`+roomRef+`,"content":"hello","type":"text"}`))
	assertPolicy(t, err, domain.ReasonNotMember)
	err = f.coordinator.HandleEvent(f.ctx, admin, domain.EventMediaStateUpdate,
		json.RawMessage(`{`+roomRef+`,"isCameraOn":true}`))
	assertPolicy(t, err, domain.ReasonNotMember)
	assert.Zero(t, f.bc.countFor("alice", domain.EventSignal))
	assert.Zero(t, f.bc.countFor("alice", domain.EventMediaStateUpdate))

	// and members cannot address a spectator
	err = f.coordinator.HandleEvent(f.ctx, alice, domain.EventSignal,
		json.RawMessage(`{`+roomRef+`,"to":"root","signal":{"type":"offer"}}`))
	assertPolicy(t, err, domain.ReasonNotMember)
	assert.Zero(t, f.bc.countFor("root", domain.EventSignal))

	require.NoError(t, f.coordinator.LeaveRoom(f.ctx, admin, room.ID))
	assert.False(t, f.bc.IsAttached("root", room.ID))
	assert.Equal(t, 1, f.timers.Count())
}

func TestCoordinator_BadEvents(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", domain.TierFree, "")

	err := f.coordinator.HandleEvent(f.ctx, alice, "dance", json.RawMessage(`{}`))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	err = f.coordinator.HandleEvent(f.ctx, alice, domain.EventJoinRoom, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	err = f.coordinator.HandleEvent(f.ctx, alice, domain.EventJoinRoom, json.RawMessage(`{"roomId":`))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	err = f.coordinator.HandleEvent(f.ctx, alice, domain.EventJoinRoom, json.RawMessage(`{"roomId":""}`))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}
