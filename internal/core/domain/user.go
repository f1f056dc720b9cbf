package domain

import "time"

type UserID string

type Tier string

const (
	TierFree     Tier = "FREE"
	TierMonthly  Tier = "MONTHLY"
	TierYearly   Tier = "YEARLY"
	TierLifetime Tier = "LIFETIME"
)

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierMonthly, TierYearly, TierLifetime:
		return true
	}
	return false
}

func (t Tier) IsPaid() bool {
	return t.Valid() && t != TierFree
}

type UserRole string

const (
	RoleMember UserRole = "MEMBER"
	RoleAdmin  UserRole = "ADMIN"
)

type AccountStatus string

const (
	AccountActive AccountStatus = "ACTIVE"
	AccountLocked AccountStatus = "LOCKED"
)

type User struct {
	ID                 UserID        `json:"id"`
	DisplayName        string        `json:"displayName"`
	Avatar             string        `json:"avatar,omitempty"`
	Role               UserRole      `json:"role"`
	Tier               Tier          `json:"tier"`
	SubscriptionExpiry *time.Time    `json:"subscriptionExpiry,omitempty"`
	Rank               string        `json:"rank,omitempty"`
	IsBlocked          bool          `json:"isBlocked"`
	AccountStatus      AccountStatus `json:"accountStatus"`

	CurrentRoomID        RoomID     `json:"currentRoomId,omitempty"`
	ActivePersonalRoomID RoomID     `json:"activePersonalRoomId,omitempty"`
	CurrentSessionStart  *time.Time `json:"currentSessionStart,omitempty"`

	TodayRoomMinutes    int        `json:"todayRoomMinutes"`
	LastRoomDate        *time.Time `json:"lastRoomDate,omitempty"`
	TodayRoomsCreated   int        `json:"todayRoomsCreated"`
	LastRoomCreatedDate *time.Time `json:"lastRoomCreatedDate,omitempty"`

	TotalStudyMinutes int        `json:"totalStudyMinutes"`
	CurrentStreak     int        `json:"currentStreak"`
	LongestStreak     int        `json:"longestStreak"`
	LastStudyDate     *time.Time `json:"lastStudyDate,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Locked reports whether the account may not open connections.
func (u *User) Locked() bool {
	return u.IsBlocked || u.AccountStatus == AccountLocked
}

// UserContext is the immutable identity attached to an authenticated
// connection. Tier is the effective tier at handshake time.
type UserContext struct {
	ID          UserID   `json:"id"`
	DisplayName string   `json:"displayName"`
	Avatar      string   `json:"avatar,omitempty"`
	Role        UserRole `json:"role"`
	Tier        Tier     `json:"tier"`
	Rank        string   `json:"rank,omitempty"`
}

func (c UserContext) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// PublicInfo is what other room members get to see.
type PublicInfo struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	Tier        Tier   `json:"tier"`
	Rank        string `json:"rank,omitempty"`
}

func (c UserContext) PublicInfo() PublicInfo {
	return PublicInfo{
		ID:          c.ID,
		DisplayName: c.DisplayName,
		Avatar:      c.Avatar,
		Tier:        c.Tier,
		Rank:        c.Rank,
	}
}
