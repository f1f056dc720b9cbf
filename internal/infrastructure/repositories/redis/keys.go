package redis

import "studyroom/internal/core/domain"

const keyPrefix = "studyroom:"

func roomKey(id domain.RoomID) string {
	return keyPrefix + "room:" + string(id)
}

func roomParticipantsKey(id domain.RoomID) string {
	return keyPrefix + "room:" + string(id) + ":participants"
}

func roomOpenSessionsKey(id domain.RoomID) string {
	return keyPrefix + "room:" + string(id) + ":open_sessions"
}

func roomMessagesKey(id domain.RoomID) string {
	return keyPrefix + "room:" + string(id) + ":messages"
}

func activeRoomsKey() string {
	return keyPrefix + "room:active"
}

// expiringRoomsKey is a sorted set of active rooms scored by AutoCloseAt in
// unix milliseconds.
func expiringRoomsKey() string {
	return keyPrefix + "room:expiring"
}

func userKey(id domain.UserID) string {
	return keyPrefix + "user:" + string(id)
}

func allUsersKey() string {
	return keyPrefix + "user:all"
}

func sessionKey(id domain.SessionID) string {
	return keyPrefix + "session:" + string(id)
}

func openSessionKey(userID domain.UserID, roomID domain.RoomID) string {
	return keyPrefix + "session:open:" + string(userID) + ":" + string(roomID)
}
