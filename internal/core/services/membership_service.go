package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
	"studyroom/pkg/clock"
	apperrors "studyroom/pkg/errors"
	"studyroom/pkg/utils"
	"studyroom/pkg/validation"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const badgeEvaluationTimeout = 10 * time.Second

type JoinResult struct {
	Room          *domain.Room
	Session       *domain.StudySession
	Tier          domain.Tier
	Status        DailyStatus
	AlreadyMember bool
}

type LeaveResult struct {
	SessionMinutes int
	WasMember      bool
}

type CloseResult struct {
	Room          *domain.Room
	AlreadyClosed bool
	Evicted       []domain.UserID
}

type CreateRoomSpec struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Type        domain.RoomType  `json:"type"`
	IsPublic    bool             `json:"isPublic"`
	Password    string           `json:"password"`
	Capacity    int              `json:"capacity"`
	TimerMode   domain.TimerMode `json:"timerMode"`
}

// MembershipService owns who is in which room. Operations for one user are
// serialized; joins additionally serialize per room so capacity checks see a
// stable participant set.
type MembershipService struct {
	rooms    ports.RoomRepository
	users    ports.UserRepository
	sessions ports.StudySessionRepository
	badges   ports.BadgeEvaluator
	tiers    TierTable
	clock    clock.Clock
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger

	userLocks *keyedMutex
	roomLocks *keyedMutex
}

func NewMembershipService(
	rooms ports.RoomRepository,
	users ports.UserRepository,
	sessions ports.StudySessionRepository,
	badges ports.BadgeEvaluator, // can be nil
	tiers TierTable,
	clk clock.Clock,
	metrics ports.MetricsRecorder, // can be nil
	logger *zap.SugaredLogger,
) *MembershipService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &MembershipService{
		rooms:     rooms,
		users:     users,
		sessions:  sessions,
		badges:    badges,
		tiers:     tiers,
		clock:     clk,
		metrics:   metrics,
		logger:    logger,
		userLocks: newKeyedMutex(),
		roomLocks: newKeyedMutex(),
	}
}

func (s *MembershipService) Tiers() TierTable {
	return s.tiers
}

// Join admits userID into roomID. Checks run in order: room exists and is
// active, user is not in another room, password, capacity, daily quota.
// Joining a room the user is already in returns the existing session.
func (s *MembershipService) Join(ctx context.Context, roomID domain.RoomID, userID domain.UserID, password string) (*JoinResult, error) {
	unlockUser := s.userLocks.Lock(string(userID))
	defer unlockUser()

	now := s.clock.Now()

	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.Active {
		return nil, apperrors.NewPolicyViolation(domain.ReasonRoomInactive, "room is closed", domain.ErrRoomInactive)
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if user.CurrentRoomID != "" && user.CurrentRoomID != roomID {
		stale, err := s.isStaleRoomPointer(ctx, user)
		if err != nil {
			return nil, err
		}
		if !stale {
			return nil, apperrors.NewPolicyViolation(domain.ReasonAlreadyInRoom,
				"leave your current room before joining another one", domain.ErrAlreadyInAnotherRoom).
				WithContext("current_room_id", user.CurrentRoomID)
		}
		s.logger.Infow("clearing stale room pointer", "user_id", userID, "stale_room_id", user.CurrentRoomID)
		user.CurrentRoomID = ""
		user.CurrentSessionStart = nil
	}

	if room.HasPassword() && !room.IsOwner(userID) && !user.IsAdmin() {
		if bcrypt.CompareHashAndPassword([]byte(room.PasswordHash), []byte(password)) != nil {
			return nil, apperrors.NewPolicyViolation(domain.ReasonWrongPassword, "wrong room password", domain.ErrWrongPassword)
		}
	}

	unlockRoom := s.roomLocks.Lock(string(roomID))
	alreadyMember, status, err := s.admitLocked(ctx, roomID, user, now)
	unlockRoom()
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.FindOpen(ctx, userID, roomID)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		session = &domain.StudySession{
			ID:        domain.SessionID(utils.NewSessionID()),
			UserID:    userID,
			RoomID:    roomID,
			StartTime: now,
		}
		if err := s.sessions.Create(ctx, session); err != nil {
			s.rollbackAdmission(ctx, roomID, userID, alreadyMember)
			return nil, apperrors.NewInternalError("failed to start study session", err)
		}
	case err != nil:
		s.rollbackAdmission(ctx, roomID, userID, alreadyMember)
		return nil, apperrors.NewInternalError("failed to look up study session", err)
	}

	start := session.StartTime
	user.CurrentRoomID = roomID
	user.CurrentSessionStart = &start
	if err := s.users.Update(ctx, user); err != nil {
		s.rollbackAdmission(ctx, roomID, userID, alreadyMember)
		return nil, apperrors.NewInternalError("failed to update user", err)
	}

	if !alreadyMember {
		s.metrics.RoomJoined(room.Type)
	}

	s.logger.Infow("user joined room",
		"user_id", userID,
		"room_id", roomID,
		"tier", status.Tier,
		"remaining_minutes", status.RemainingMinutes,
		"rejoin", alreadyMember,
	)

	return &JoinResult{
		Room:          room,
		Session:       session,
		Tier:          status.Tier,
		Status:        s.tiers.DailyStatus(user, now),
		AlreadyMember: alreadyMember,
	}, nil
}

// admitLocked runs the capacity and quota checks and inserts the participant.
// Caller holds the room lock.
func (s *MembershipService) admitLocked(ctx context.Context, roomID domain.RoomID, user *domain.User, now time.Time) (bool, DailyStatus, error) {
	// the room may have been closed while we waited for the lock
	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return false, DailyStatus{}, err
	}
	if !room.Active {
		return false, DailyStatus{}, apperrors.NewPolicyViolation(domain.ReasonRoomInactive, "room is closed", domain.ErrRoomInactive)
	}

	alreadyMember, err := s.rooms.IsParticipant(ctx, roomID, user.ID)
	if err != nil {
		return false, DailyStatus{}, apperrors.NewInternalError("failed to check membership", err)
	}

	if !alreadyMember {
		members, err := s.rooms.Participants(ctx, roomID)
		if err != nil {
			return false, DailyStatus{}, apperrors.NewInternalError("failed to count participants", err)
		}
		if room.Capacity > 0 && len(members) >= room.Capacity {
			return false, DailyStatus{}, apperrors.NewPolicyViolation(domain.ReasonRoomFull, "room is full", domain.ErrRoomFull).
				WithContext("capacity", room.Capacity)
		}
	}

	status := s.tiers.DailyStatus(user, now)
	if !status.Unlimited && status.ShouldKick {
		return false, status, apperrors.NewPolicyViolation(domain.ReasonDailyLimit,
			"you have used all of today's study time", domain.ErrDailyLimitReached)
	}

	if _, err := s.rooms.AddParticipant(ctx, roomID, user.ID); err != nil {
		return false, status, apperrors.NewInternalError("failed to add participant", err)
	}
	return alreadyMember, status, nil
}

func (s *MembershipService) rollbackAdmission(ctx context.Context, roomID domain.RoomID, userID domain.UserID, alreadyMember bool) {
	if alreadyMember {
		return
	}
	if err := s.rooms.RemoveParticipant(ctx, roomID, userID); err != nil {
		s.logger.Errorw("failed to roll back participant", "room_id", roomID, "user_id", userID, "error", err)
	}
}

// isStaleRoomPointer reports whether user.CurrentRoomID points at a room the
// user is no longer really in.
func (s *MembershipService) isStaleRoomPointer(ctx context.Context, user *domain.User) (bool, error) {
	other, err := s.rooms.GetByID(ctx, user.CurrentRoomID)
	if errors.Is(err, domain.ErrRoomNotFound) {
		return true, nil
	}
	if err != nil {
		return false, apperrors.NewInternalError("failed to load current room", err)
	}
	if !other.Active {
		return true, nil
	}
	member, err := s.rooms.IsParticipant(ctx, other.ID, user.ID)
	if err != nil {
		return false, apperrors.NewInternalError("failed to check membership", err)
	}
	return !member, nil
}

// Leave removes userID from roomID and banks the study minutes of the open
// session. Leaving a room one is not in is a no-op.
func (s *MembershipService) Leave(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (*LeaveResult, error) {
	unlock := s.userLocks.Lock(string(userID))
	defer unlock()

	return s.leaveLocked(ctx, roomID, userID, s.clock.Now())
}

func (s *MembershipService) leaveLocked(ctx context.Context, roomID domain.RoomID, userID domain.UserID, now time.Time) (*LeaveResult, error) {
	wasMember, err := s.rooms.IsParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to check membership", err)
	}
	if err := s.rooms.RemoveParticipant(ctx, roomID, userID); err != nil {
		return nil, apperrors.NewInternalError("failed to remove participant", err)
	}

	minutes := 0
	session, err := s.sessions.FindOpen(ctx, userID, roomID)
	switch {
	case err == nil:
		session.Close(now)
		if err := s.sessions.Update(ctx, session); err != nil {
			return nil, apperrors.NewInternalError("failed to close study session", err)
		}
		minutes = session.DurationMinutes
	case !errors.Is(err, domain.ErrSessionNotFound):
		return nil, apperrors.NewInternalError("failed to look up study session", err)
	}

	user, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return &LeaveResult{SessionMinutes: minutes, WasMember: wasMember}, nil
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load user", err)
	}

	if minutes > 0 {
		user.TodayRoomMinutes = MinutesToday(user, now) + minutes
		user.LastRoomDate = &now
		user.TotalStudyMinutes += minutes
		RecordStudy(user, now)
	}
	if user.CurrentRoomID == roomID {
		user.CurrentRoomID = ""
		user.CurrentSessionStart = nil
	}
	if err := s.users.Update(ctx, user); err != nil {
		return nil, apperrors.NewInternalError("failed to update user", err)
	}

	if minutes > 0 {
		s.evaluateBadges(userID)
	}

	s.logger.Infow("user left room",
		"user_id", userID,
		"room_id", roomID,
		"session_minutes", minutes,
		"today_minutes", user.TodayRoomMinutes,
	)

	return &LeaveResult{SessionMinutes: minutes, WasMember: wasMember}, nil
}

func (s *MembershipService) evaluateBadges(userID domain.UserID) {
	if s.badges == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), badgeEvaluationTimeout)
		defer cancel()
		if err := s.badges.Evaluate(ctx, userID); err != nil {
			s.logger.Warnw("badge evaluation failed", "user_id", userID, "error", err)
		}
	}()
}

// Create opens a personal room owned by ownerID, applying the owner's tier
// limits on daily creations, concurrent rooms, capacity and lifetime.
func (s *MembershipService) Create(ctx context.Context, ownerID domain.UserID, spec CreateRoomSpec) (*domain.Room, error) {
	spec, err := normalizeRoomSpec(spec)
	if err != nil {
		return nil, err
	}

	unlock := s.userLocks.Lock(string(ownerID))
	defer unlock()

	now := s.clock.Now()
	owner, err := s.loadUser(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	tier := EffectiveTier(owner, now)
	limits := s.tiers.Limits(tier)

	if !owner.IsAdmin() {
		if limits.RoomsPerDay != Unlimited && RoomsCreatedToday(owner, now) >= limits.RoomsPerDay {
			return nil, apperrors.NewPolicyViolation(domain.ReasonRoomQuota,
				"daily room creation limit reached", domain.ErrRoomQuotaExceeded).
				WithContext("rooms_per_day", limits.RoomsPerDay)
		}
		if limits.RequireSequentialRooms && owner.ActivePersonalRoomID != "" {
			active, err := s.roomStillActive(ctx, owner.ActivePersonalRoomID)
			if err != nil {
				return nil, err
			}
			if active {
				return nil, apperrors.NewPolicyViolation(domain.ReasonActiveRoomExists,
					"close your current room before creating another one", domain.ErrActiveRoomExists).
					WithContext("active_room_id", owner.ActivePersonalRoomID)
			}
		}
	}

	capacity := spec.Capacity
	if capacity == 0 || capacity > limits.MaxCapacity {
		capacity = limits.MaxCapacity
	}

	room := &domain.Room{
		ID:          domain.RoomID(utils.NewRoomID()),
		Name:        spec.Name,
		Description: spec.Description,
		OwnerID:     ownerID,
		Type:        spec.Type,
		IsPublic:    spec.IsPublic,
		Capacity:    capacity,
		TimerMode:   spec.TimerMode,
		Active:      true,
		OwnerTier:   tier,
		CreatedAt:   now,
	}
	if limits.RoomDuration > 0 && !owner.IsAdmin() {
		closeAt := now.Add(limits.RoomDuration)
		room.AutoCloseAt = &closeAt
	}
	if err := setRoomPassword(room, spec.Password); err != nil {
		return nil, err
	}

	if err := s.rooms.Create(ctx, room); err != nil {
		return nil, apperrors.NewInternalError("failed to create room", err)
	}

	owner.TodayRoomsCreated = RoomsCreatedToday(owner, now) + 1
	owner.LastRoomCreatedDate = &now
	owner.ActivePersonalRoomID = room.ID
	if err := s.users.Update(ctx, owner); err != nil {
		return nil, apperrors.NewInternalError("failed to update room owner", err)
	}

	s.logger.Infow("room created",
		"room_id", room.ID,
		"owner_id", ownerID,
		"tier", tier,
		"capacity", room.Capacity,
		"type", room.Type,
		"auto_close_at", room.AutoCloseAt,
	)
	return room, nil
}

// CreateSystemRoom opens an ownerless room that never auto-closes.
func (s *MembershipService) CreateSystemRoom(ctx context.Context, spec CreateRoomSpec) (*domain.Room, error) {
	spec, err := normalizeRoomSpec(spec)
	if err != nil {
		return nil, err
	}

	capacity := spec.Capacity
	if capacity == 0 {
		capacity = SystemRoomCapacity
	}

	room := &domain.Room{
		ID:          domain.RoomID(utils.NewRoomID()),
		Name:        spec.Name,
		Description: spec.Description,
		Type:        spec.Type,
		IsPublic:    spec.IsPublic,
		Capacity:    capacity,
		TimerMode:   spec.TimerMode,
		Active:      true,
		IsSystem:    true,
		CreatedAt:   s.clock.Now(),
	}
	if err := setRoomPassword(room, spec.Password); err != nil {
		return nil, err
	}
	if err := s.rooms.Create(ctx, room); err != nil {
		return nil, apperrors.NewInternalError("failed to create room", err)
	}

	s.logger.Infow("system room created", "room_id", room.ID, "capacity", room.Capacity)
	return room, nil
}

// Close deactivates the room and evicts every member through the leave
// path. Closing a closed room returns AlreadyClosed and changes nothing.
func (s *MembershipService) Close(ctx context.Context, roomID domain.RoomID, reason string) (*CloseResult, error) {
	now := s.clock.Now()

	unlockRoom := s.roomLocks.Lock(string(roomID))
	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		unlockRoom()
		return nil, err
	}
	if !room.Active {
		unlockRoom()
		return &CloseResult{Room: room, AlreadyClosed: true}, nil
	}

	room.Active = false
	room.ClosedAt = &now
	room.CloseReason = reason
	if err := s.rooms.Update(ctx, room); err != nil {
		unlockRoom()
		return nil, apperrors.NewInternalError("failed to close room", err)
	}
	members, err := s.rooms.Participants(ctx, roomID)
	unlockRoom()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list participants", err)
	}

	// sessions whose participant entry went missing still need closing
	seen := make(map[domain.UserID]bool, len(members))
	for _, m := range members {
		seen[m] = true
	}
	open, err := s.sessions.ListOpenByRoom(ctx, roomID)
	if err != nil {
		s.logger.Errorw("failed to list open sessions", "room_id", roomID, "error", err)
	}
	for _, sess := range open {
		if !seen[sess.UserID] {
			seen[sess.UserID] = true
			members = append(members, sess.UserID)
		}
	}

	evicted := make([]domain.UserID, 0, len(members))
	for _, userID := range members {
		unlockUser := s.userLocks.Lock(string(userID))
		_, err := s.leaveLocked(ctx, roomID, userID, now)
		unlockUser()
		if err != nil {
			s.logger.Errorw("failed to evict member", "room_id", roomID, "user_id", userID, "error", err)
			continue
		}
		evicted = append(evicted, userID)
	}

	if room.OwnerID != "" {
		s.releaseOwnerRoom(ctx, room)
	}

	s.metrics.RoomClosed(reason)
	s.logger.Infow("room closed", "room_id", roomID, "reason", reason, "evicted", len(evicted))

	return &CloseResult{Room: room, Evicted: evicted}, nil
}

func (s *MembershipService) releaseOwnerRoom(ctx context.Context, room *domain.Room) {
	unlock := s.userLocks.Lock(string(room.OwnerID))
	defer unlock()

	owner, err := s.users.GetByID(ctx, room.OwnerID)
	if err != nil {
		s.logger.Warnw("failed to load room owner", "room_id", room.ID, "owner_id", room.OwnerID, "error", err)
		return
	}
	if owner.ActivePersonalRoomID != room.ID {
		return
	}
	owner.ActivePersonalRoomID = ""
	if err := s.users.Update(ctx, owner); err != nil {
		s.logger.Errorw("failed to release owner room", "room_id", room.ID, "owner_id", room.OwnerID, "error", err)
	}
}

func (s *MembershipService) Room(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	return s.loadRoom(ctx, roomID)
}

func (s *MembershipService) Participants(ctx context.Context, roomID domain.RoomID) ([]domain.UserID, error) {
	members, err := s.rooms.Participants(ctx, roomID)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list participants", err)
	}
	return members, nil
}

func (s *MembershipService) User(ctx context.Context, userID domain.UserID) (*domain.User, error) {
	return s.loadUser(ctx, userID)
}

func (s *MembershipService) roomStillActive(ctx context.Context, roomID domain.RoomID) (bool, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if errors.Is(err, domain.ErrRoomNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.NewInternalError("failed to load room", err)
	}
	return room.Active, nil
}

func (s *MembershipService) loadRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if errors.Is(err, domain.ErrRoomNotFound) {
		return nil, apperrors.NewNotFoundError("room", err).WithContext("room_id", roomID)
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load room", err)
	}
	return room, nil
}

func (s *MembershipService) loadUser(ctx context.Context, userID domain.UserID) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, apperrors.NewNotFoundError("user", err).WithContext("user_id", userID)
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load user", err)
	}
	return user, nil
}

func normalizeRoomSpec(spec CreateRoomSpec) (CreateRoomSpec, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	spec.Description = strings.TrimSpace(spec.Description)

	if err := validation.ValidateRoomName(spec.Name); err != nil {
		return spec, apperrors.NewValidationError(err.Error())
	}
	if err := validation.ValidateStringLength(spec.Description, 0, validation.MaxDescriptionLength, "description"); err != nil {
		return spec, apperrors.NewValidationError(err.Error())
	}
	if err := validation.ValidateCapacity(spec.Capacity); err != nil {
		return spec, apperrors.NewValidationError(err.Error())
	}
	if err := validation.ValidateRoomPassword(spec.Password); err != nil {
		return spec, apperrors.NewValidationError(err.Error())
	}

	if spec.Type == "" {
		spec.Type = domain.RoomDiscussion
	}
	if !spec.Type.Valid() {
		return spec, apperrors.NewValidationError("room type must be SILENT or DISCUSSION")
	}
	if spec.TimerMode == "" {
		spec.TimerMode = domain.DefaultTimerMode
	}
	if !spec.TimerMode.Valid() {
		return spec, apperrors.NewValidationError("unknown timer mode")
	}
	return spec, nil
}

// setRoomPassword hashes a non-empty password. Rooms with a password are
// never public.
func setRoomPassword(room *domain.Room, password string) error {
	if password == "" {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return apperrors.NewInternalError("failed to hash room password", err)
	}
	room.PasswordHash = string(hash)
	room.IsPublic = false
	return nil
}
