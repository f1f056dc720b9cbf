package domain

// Client to server events.
const (
	EventJoinRoom             = "join-room"
	EventLeaveRoom            = "leave-room"
	EventTimerStart           = "timer-start"
	EventTimerStop            = "timer-stop"
	EventTimerModeChange      = "timer-mode-change"
	EventSignal               = "signal"
	EventChatMessage          = "chat-message"
	EventMediaStateUpdate     = "media-state-update"
	EventRequestMicPermission = "request-mic-permission"
	EventAdminJoinRoom        = "admin-join-room"
)

// Server to client events.
const (
	EventConnected           = "connected"
	EventRoomInfo            = "room-info"
	EventTimerSync           = "timer-sync"
	EventTimerUpdate         = "timer-update"
	EventSessionInfo         = "session-info"
	EventTimeStatus          = "time-status"
	EventSessionWarning      = "session-warning"
	EventSessionExpired      = "session-expired"
	EventUserJoined          = "user-joined"
	EventUserLeft            = "user-left"
	EventChatError           = "chat-error"
	EventMicBlocked          = "mic-blocked"
	EventMicPermissionResult = "mic-permission-result"
	EventRoomWarning         = "room-warning"
	EventRoomClosed          = "room-closed"
	EventError               = "error"
)

// Leave and close reasons that reach clients.
const (
	LeaveReasonVoluntary  = "left"
	LeaveReasonDisconnect = "disconnected"
	LeaveReasonDailyLimit = "daily_limit"
	LeaveReasonKicked     = "removed_by_admin"
	LeaveReasonRoomClosed = "room_closed"

	CloseReasonExpired = "auto_expired"
	CloseReasonOwner   = "closed_by_owner"
	CloseReasonAdmin   = "closed_by_admin"
)
