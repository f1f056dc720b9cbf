package services

import (
	"time"

	"studyroom/internal/core/domain"
)

// Unlimited marks a limit that does not apply.
const Unlimited = -1

// SystemRoomCapacity is the capacity of ownerless rooms created by admins.
const SystemRoomCapacity = 50

// TierLimits is everything a subscription tier decides.
type TierLimits struct {
	DailyStudyMinutes      int
	RoomsPerDay            int
	RoomDuration           time.Duration // 0: rooms never auto-close
	RequireSequentialRooms bool
	WarningBeforeKick      time.Duration
	MaxCapacity            int
}

func (l TierLimits) UnlimitedStudy() bool {
	return l.DailyStudyMinutes == Unlimited
}

// TierTable maps tiers to limits. It is the only place quotas are defined.
type TierTable map[domain.Tier]TierLimits

func DefaultTierTable() TierTable {
	return TierTable{
		domain.TierFree: {
			DailyStudyMinutes:      180,
			RoomsPerDay:            2,
			RoomDuration:           60 * time.Minute,
			RequireSequentialRooms: true,
			WarningBeforeKick:      5 * time.Minute,
			MaxCapacity:            30,
		},
		domain.TierMonthly: {
			DailyStudyMinutes: Unlimited,
			RoomsPerDay:       10,
			MaxCapacity:       999,
		},
		domain.TierYearly: {
			DailyStudyMinutes: Unlimited,
			RoomsPerDay:       Unlimited,
			MaxCapacity:       999,
		},
		domain.TierLifetime: {
			DailyStudyMinutes: Unlimited,
			RoomsPerDay:       Unlimited,
			MaxCapacity:       999,
		},
	}
}

// Limits falls back to FREE for unknown tiers.
func (t TierTable) Limits(tier domain.Tier) TierLimits {
	if l, ok := t[tier]; ok {
		return l
	}
	return t[domain.TierFree]
}

// EffectiveTier downgrades an expired MONTHLY or YEARLY subscription to
// FREE. LIFETIME never expires.
func EffectiveTier(u *domain.User, now time.Time) domain.Tier {
	switch u.Tier {
	case domain.TierLifetime:
		return domain.TierLifetime
	case domain.TierMonthly, domain.TierYearly:
		if u.SubscriptionExpiry != nil && u.SubscriptionExpiry.Before(now) {
			return domain.TierFree
		}
		return u.Tier
	default:
		return domain.TierFree
	}
}

// DailyStatus is a point-in-time view of a user's daily study budget.
// Minute fields are -1 when the tier has no daily limit.
type DailyStatus struct {
	Tier             domain.Tier   `json:"tier"`
	Unlimited        bool          `json:"unlimited"`
	LimitMinutes     int           `json:"limitMinutes"`
	UsedMinutes      int           `json:"usedMinutes"`
	RemainingMinutes int           `json:"remainingMinutes"`
	Remaining        time.Duration `json:"-"`
	ShouldWarn       bool          `json:"shouldWarn"`
	ShouldKick       bool          `json:"shouldKick"`
}

// DailyStatus computes the remaining budget from minutes banked today plus
// the live session started at u.CurrentSessionStart. Admins are never
// limited.
func (t TierTable) DailyStatus(u *domain.User, now time.Time) DailyStatus {
	tier := EffectiveTier(u, now)
	limits := t.Limits(tier)

	if limits.UnlimitedStudy() || u.IsAdmin() {
		return DailyStatus{
			Tier:             tier,
			Unlimited:        true,
			LimitMinutes:     Unlimited,
			UsedMinutes:      Unlimited,
			RemainingMinutes: Unlimited,
		}
	}

	used := time.Duration(MinutesToday(u, now)) * time.Minute
	if u.CurrentSessionStart != nil && now.After(*u.CurrentSessionStart) {
		used += now.Sub(*u.CurrentSessionStart)
	}

	remaining := time.Duration(limits.DailyStudyMinutes)*time.Minute - used
	if remaining < 0 {
		remaining = 0
	}

	return DailyStatus{
		Tier:             tier,
		LimitMinutes:     limits.DailyStudyMinutes,
		UsedMinutes:      int(used / time.Minute),
		RemainingMinutes: ceilMinutes(remaining),
		Remaining:        remaining,
		ShouldWarn:       remaining > 0 && remaining <= limits.WarningBeforeKick,
		ShouldKick:       remaining <= 0,
	}
}

// MinutesToday returns the banked minutes, treating counters from a previous
// day as zero.
func MinutesToday(u *domain.User, now time.Time) int {
	if !SameDay(u.LastRoomDate, now) {
		return 0
	}
	return u.TodayRoomMinutes
}

// RoomsCreatedToday is the creation counter with the same day reset.
func RoomsCreatedToday(u *domain.User, now time.Time) int {
	if !SameDay(u.LastRoomCreatedDate, now) {
		return 0
	}
	return u.TodayRoomsCreated
}

// MicDecision is the outcome of a microphone permission check.
type MicDecision struct {
	Allowed     bool            `json:"allowed"`
	ShowUpgrade bool            `json:"showUpgrade"`
	Message     string          `json:"message,omitempty"`
	RoomType    domain.RoomType `json:"roomType"`
}

// MicPolicy: silent rooms never allow microphones, discussion rooms allow
// them for paid tiers and admins.
func MicPolicy(roomType domain.RoomType, tier domain.Tier, role domain.UserRole) MicDecision {
	isAdmin := role == domain.RoleAdmin
	switch roomType {
	case domain.RoomSilent:
		return MicDecision{
			Allowed:     false,
			ShowUpgrade: tier == domain.TierFree && !isAdmin,
			Message:     "Microphones are disabled in silent rooms",
			RoomType:    roomType,
		}
	default:
		if tier.IsPaid() || isAdmin {
			return MicDecision{Allowed: true, RoomType: roomType}
		}
		return MicDecision{
			Allowed:     false,
			ShowUpgrade: true,
			Message:     "Upgrade to a paid plan to use your microphone",
			RoomType:    roomType,
		}
	}
}

// ChatAllowed reports whether the user may post chat messages.
func ChatAllowed(tier domain.Tier, role domain.UserRole) bool {
	return tier.IsPaid() || role == domain.RoleAdmin
}

func SameDay(t *time.Time, now time.Time) bool {
	if t == nil {
		return false
	}
	local := t.In(now.Location())
	y1, m1, d1 := local.Date()
	y2, m2, d2 := now.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}
