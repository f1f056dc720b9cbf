package domain

import "errors"

var (
	ErrRoomNotFound         = errors.New("room not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrSessionNotFound      = errors.New("study session not found")
	ErrRoomInactive         = errors.New("room is not active")
	ErrWrongPassword        = errors.New("wrong room password")
	ErrRoomFull             = errors.New("room is full")
	ErrAlreadyInAnotherRoom = errors.New("user is already in another room")
	ErrDailyLimitReached    = errors.New("daily study limit reached")
	ErrRoomQuotaExceeded    = errors.New("daily room creation limit reached")
	ErrActiveRoomExists     = errors.New("user already has an active room")
	ErrNotOwner             = errors.New("only the room owner can do this")
	ErrNotMember            = errors.New("user is not in this room")
	ErrPaidFeature          = errors.New("feature requires a paid plan")
	ErrAccountLocked        = errors.New("account is blocked or locked")
	ErrAdminOnly            = errors.New("admin only")
)

// Policy violation reasons carried on AppError.Reason.
const (
	ReasonWrongPassword    = "WRONG_PASSWORD"
	ReasonRoomFull         = "ROOM_FULL"
	ReasonRoomInactive     = "ROOM_INACTIVE"
	ReasonAlreadyInRoom    = "ALREADY_IN_ANOTHER_ROOM"
	ReasonDailyLimit       = "DAILY_LIMIT_REACHED"
	ReasonRoomQuota        = "ROOM_QUOTA_EXCEEDED"
	ReasonActiveRoomExists = "ACTIVE_ROOM_EXISTS"
	ReasonNotOwner         = "NOT_OWNER"
	ReasonNotMember        = "NOT_IN_ROOM"
	ReasonPaidFeature      = "PAID_FEATURE"
	ReasonAdminOnly        = "ADMIN_ONLY"
)
