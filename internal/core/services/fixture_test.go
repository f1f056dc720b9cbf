package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
	"studyroom/internal/infrastructure/repositories/memory"
	"studyroom/pkg/clock"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// t0 is a Tuesday morning; every fixture starts there.
var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type sentEvent struct {
	To      domain.UserID
	RoomID  domain.RoomID
	Event   string
	Payload interface{}
}

// fakeBroadcaster is an in-memory connection layer. Users count as
// connected once registered with connect.
type fakeBroadcaster struct {
	mu         sync.Mutex
	connected  map[domain.UserID]domain.UserContext
	rooms      map[domain.RoomID]map[domain.UserID]bool
	direct     []sentEvent
	broadcasts []sentEvent
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{
		connected: make(map[domain.UserID]domain.UserContext),
		rooms:     make(map[domain.RoomID]map[domain.UserID]bool),
	}
}

func (b *fakeBroadcaster) connect(u domain.UserContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected[u.ID] = u
}

func (b *fakeBroadcaster) SendToUser(userID domain.UserID, event string, payload interface{}) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.direct = append(b.direct, sentEvent{To: userID, Event: event, Payload: payload})
	_, ok := b.connected[userID]
	return ok
}

func (b *fakeBroadcaster) BroadcastToRoom(roomID domain.RoomID, event string, payload interface{}, except ...domain.UserID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcasts = append(b.broadcasts, sentEvent{RoomID: roomID, Event: event, Payload: payload})

	skip := make(map[domain.UserID]bool, len(except))
	for _, id := range except {
		skip[id] = true
	}
	for id := range b.rooms[roomID] {
		if skip[id] {
			continue
		}
		b.direct = append(b.direct, sentEvent{To: id, RoomID: roomID, Event: event, Payload: payload})
	}
}

func (b *fakeBroadcaster) AttachToRoom(userID domain.UserID, roomID domain.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rooms[roomID] == nil {
		b.rooms[roomID] = make(map[domain.UserID]bool)
	}
	b.rooms[roomID][userID] = true
}

func (b *fakeBroadcaster) DetachFromRoom(userID domain.UserID, roomID domain.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rooms[roomID], userID)
}

func (b *fakeBroadcaster) DetachAll(roomID domain.RoomID) []domain.UserID {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]domain.UserID, 0, len(b.rooms[roomID]))
	for id := range b.rooms[roomID] {
		ids = append(ids, id)
	}
	delete(b.rooms, roomID)
	return ids
}

func (b *fakeBroadcaster) RoomMembers(roomID domain.RoomID) []domain.UserID {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]domain.UserID, 0, len(b.rooms[roomID]))
	for id := range b.rooms[roomID] {
		ids = append(ids, id)
	}
	return ids
}

func (b *fakeBroadcaster) IsAttached(userID domain.UserID, roomID domain.RoomID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rooms[roomID][userID]
}

func (b *fakeBroadcaster) UserInfo(userID domain.UserID) (domain.UserContext, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.connected[userID]
	return u, ok
}

// eventsFor lists the event names userID received, in order.
func (b *fakeBroadcaster) eventsFor(userID domain.UserID) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for _, e := range b.direct {
		if e.To == userID {
			names = append(names, e.Event)
		}
	}
	return names
}

// lastFor returns the payload of the latest event of that name sent to
// userID.
func (b *fakeBroadcaster) lastFor(userID domain.UserID, event string) (interface{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.direct) - 1; i >= 0; i-- {
		e := b.direct[i]
		if e.To == userID && e.Event == event {
			return e.Payload, true
		}
	}
	return nil, false
}

func (b *fakeBroadcaster) countFor(userID domain.UserID, event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.direct {
		if e.To == userID && e.Event == event {
			n++
		}
	}
	return n
}

// roomBroadcasts returns everything broadcast to roomID regardless of who
// was attached.
func (b *fakeBroadcaster) roomBroadcasts(roomID domain.RoomID, event string) []sentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sentEvent
	for _, e := range b.broadcasts {
		if e.RoomID == roomID && e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes map[domain.UserID][]ports.Notification
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{notes: make(map[domain.UserID][]ports.Notification)}
}

func (n *recordingNotifier) Notify(ctx context.Context, userID domain.UserID, note ports.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes[userID] = append(n.notes[userID], note)
	return nil
}

func (n *recordingNotifier) forUser(userID domain.UserID) []ports.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ports.Notification(nil), n.notes[userID]...)
}

// fakeLeaser grants or refuses every lease and records what was asked.
type fakeLeaser struct {
	mu    sync.Mutex
	grant bool
	err   error
	asked []string
}

func (l *fakeLeaser) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.asked = append(l.asked, name)
	return l.grant && l.err == nil, l.err
}

func (l *fakeLeaser) setGrant(grant bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.grant = grant
}

type fixture struct {
	ctx      context.Context
	clock    *clock.Virtual
	rooms    ports.RoomRepository
	users    ports.UserRepository
	sessions ports.StudySessionRepository
	messages ports.MessageRepository
	bc       *fakeBroadcaster
	notifier *recordingNotifier
	tiers    TierTable

	membership  *MembershipService
	timers      *TimerService
	quota       *QuotaService
	relay       *RelayService
	chat        *ChatService
	coordinator *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	f := &fixture{
		ctx:      context.Background(),
		clock:    clock.NewVirtual(t0),
		rooms:    memory.NewMemoryRoomRepository(),
		users:    memory.NewMemoryUserRepository(),
		sessions: memory.NewMemoryStudySessionRepository(),
		messages: memory.NewMemoryMessageRepository(),
		bc:       newFakeBroadcaster(),
		notifier: newRecordingNotifier(),
		tiers:    DefaultTierTable(),
	}

	f.membership = NewMembershipService(f.rooms, f.users, f.sessions, nil, f.tiers, f.clock, nil, logger)
	f.timers = NewTimerService(f.clock, f.bc, nil, logger)
	f.quota = NewQuotaService(f.users, f.membership, f.bc, f.notifier, f.tiers, f.clock, 30*time.Second, nil, logger)
	f.relay = NewRelayService(f.rooms, f.users, f.bc, f.clock, nil, logger)
	f.chat = NewChatService(f.messages, f.users, f.bc, f.clock, logger)
	f.coordinator = NewCoordinator(
		f.membership,
		f.timers,
		f.quota,
		f.relay,
		f.chat,
		f.bc,
		f.notifier,
		[]webrtc.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}},
		f.clock,
		nil,
		logger,
	)
	return f
}

// addUser stores a user and registers a live connection for it.
func (f *fixture) addUser(t *testing.T, id domain.UserID, tier domain.Tier, role domain.UserRole) domain.UserContext {
	t.Helper()
	if role == "" {
		role = domain.RoleMember
	}
	u := &domain.User{
		ID:            id,
		DisplayName:   string(id),
		Role:          role,
		Tier:          tier,
		AccountStatus: domain.AccountActive,
		CreatedAt:     t0.AddDate(0, -1, 0),
	}
	if tier == domain.TierMonthly || tier == domain.TierYearly {
		expiry := t0.AddDate(0, 1, 0)
		u.SubscriptionExpiry = &expiry
	}
	require.NoError(t, f.users.Create(f.ctx, u))

	uc := domain.UserContext{ID: id, DisplayName: string(id), Role: role, Tier: tier}
	f.bc.connect(uc)
	return uc
}

func (f *fixture) user(t *testing.T, id domain.UserID) *domain.User {
	t.Helper()
	u, err := f.users.GetByID(f.ctx, id)
	require.NoError(t, err)
	return u
}

func (f *fixture) room(t *testing.T, id domain.RoomID) *domain.Room {
	t.Helper()
	r, err := f.rooms.GetByID(f.ctx, id)
	require.NoError(t, err)
	return r
}

// systemRoom creates an ownerless room with the given type and capacity.
func (f *fixture) systemRoom(t *testing.T, roomType domain.RoomType, capacity int) *domain.Room {
	t.Helper()
	room, err := f.membership.CreateSystemRoom(f.ctx, CreateRoomSpec{
		Name:     "Library",
		Type:     roomType,
		Capacity: capacity,
		IsPublic: true,
	})
	require.NoError(t, err)
	return room
}
