package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/services"
	"studyroom/internal/infrastructure/middleware"
	apperrors "studyroom/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockRoomService struct {
	mock.Mock
}

func (m *MockRoomService) Create(ctx context.Context, ownerID domain.UserID, spec services.CreateRoomSpec) (*domain.Room, error) {
	args := m.Called(ctx, ownerID, spec)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Room), args.Error(1)
}

func (m *MockRoomService) CreateSystemRoom(ctx context.Context, spec services.CreateRoomSpec) (*domain.Room, error) {
	args := m.Called(ctx, spec)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Room), args.Error(1)
}

func (m *MockRoomService) Room(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Room), args.Error(1)
}

func (m *MockRoomService) Participants(ctx context.Context, roomID domain.RoomID) ([]domain.UserID, error) {
	args := m.Called(ctx, roomID)
	return args.Get(0).([]domain.UserID), args.Error(1)
}

type MockRoomController struct {
	mock.Mock
}

func (m *MockRoomController) CloseByOwner(ctx context.Context, user domain.UserContext, roomID domain.RoomID) error {
	return m.Called(ctx, user, roomID).Error(0)
}

func (m *MockRoomController) ForceCloseRoom(ctx context.Context, roomID domain.RoomID, reason string) error {
	return m.Called(ctx, roomID, reason).Error(0)
}

func (m *MockRoomController) ForceLeaveUser(ctx context.Context, userID domain.UserID) error {
	return m.Called(ctx, userID).Error(0)
}

type MockStreaks struct {
	mock.Mock
}

func (m *MockStreaks) ResetStale(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type fixedAuth struct{}

func (fixedAuth) Authenticate(ctx context.Context, token string) (domain.UserContext, error) {
	switch token {
	case "Bearer owner":
		return domain.UserContext{ID: "owner", Tier: domain.TierFree}, nil
	case "Bearer admin":
		return domain.UserContext{ID: "admin", Role: domain.RoleAdmin}, nil
	}
	return domain.UserContext{}, apperrors.NewAuthenticationError("invalid authentication token", nil)
}

func setupRouter(rooms *MockRoomService, ctrl *MockRoomController, streaks *MockStreaks) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))

	api := router.Group("/api/v1", middleware.AuthMiddleware(fixedAuth{}))
	NewRoomHandler(rooms, ctrl).SetupRoutes(api)
	NewAdminHandler(rooms, ctrl, streaks).SetupRoutes(api.Group("/admin", middleware.AdminOnly()))
	return router
}

func request(router *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateRoom(t *testing.T) {
	rooms := new(MockRoomService)
	router := setupRouter(rooms, new(MockRoomController), new(MockStreaks))

	spec := services.CreateRoomSpec{Name: "Deep work", Type: domain.RoomSilent, Password: "hunter22"}
	rooms.On("Create", mock.Anything, domain.UserID("owner"), spec).
		Return(&domain.Room{ID: "r1", Name: "Deep work", PasswordHash: "$2a$hash"}, nil)

	w := request(router, http.MethodPost, "/api/v1/rooms", "owner", map[string]interface{}{
		"name":     "Deep work",
		"type":     "SILENT",
		"password": "hunter22",
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.NotContains(t, w.Body.String(), "$2a$hash")
	rooms.AssertExpectations(t)
}

func TestCreateRoom_ValidationError(t *testing.T) {
	router := setupRouter(new(MockRoomService), new(MockRoomController), new(MockStreaks))

	w := request(router, http.MethodPost, "/api/v1/rooms", "owner", map[string]interface{}{"capacity": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateRoom_PolicyViolation(t *testing.T) {
	rooms := new(MockRoomService)
	router := setupRouter(rooms, new(MockRoomController), new(MockStreaks))

	rooms.On("Create", mock.Anything, domain.UserID("owner"), mock.Anything).
		Return(nil, apperrors.NewPolicyViolation(domain.ReasonRoomQuota, "daily room creation limit reached", domain.ErrRoomQuotaExceeded))

	w := request(router, http.MethodPost, "/api/v1/rooms", "owner", map[string]interface{}{"name": "Third"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	var resp apperrors.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.ReasonRoomQuota, resp.Reason)
}

func TestGetRoom_NotFound(t *testing.T) {
	rooms := new(MockRoomService)
	router := setupRouter(rooms, new(MockRoomController), new(MockStreaks))

	rooms.On("Room", mock.Anything, domain.RoomID("missing")).
		Return(nil, apperrors.NewNotFoundError("room", domain.ErrRoomNotFound))

	w := request(router, http.MethodGet, "/api/v1/rooms/missing", "owner", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetRoom(t *testing.T) {
	rooms := new(MockRoomService)
	router := setupRouter(rooms, new(MockRoomController), new(MockStreaks))

	rooms.On("Room", mock.Anything, domain.RoomID("r1")).Return(&domain.Room{ID: "r1", PasswordHash: "x"}, nil)
	rooms.On("Participants", mock.Anything, domain.RoomID("r1")).Return([]domain.UserID{"a", "b"}, nil)

	w := request(router, http.MethodGet, "/api/v1/rooms/r1", "owner", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		HasPassword  bool            `json:"hasPassword"`
		Participants []domain.UserID `json:"participants"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.HasPassword)
	assert.Len(t, body.Participants, 2)
}

func TestCloseRoom_ByOwner(t *testing.T) {
	ctrl := new(MockRoomController)
	router := setupRouter(new(MockRoomService), ctrl, new(MockStreaks))

	ctrl.On("CloseByOwner", mock.Anything, mock.MatchedBy(func(u domain.UserContext) bool { return u.ID == "owner" }), domain.RoomID("r1")).
		Return(nil)

	w := request(router, http.MethodPost, "/api/v1/rooms/r1/close", "owner", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	ctrl.AssertExpectations(t)
}

func TestAdminRoutes_RequireAdmin(t *testing.T) {
	router := setupRouter(new(MockRoomService), new(MockRoomController), new(MockStreaks))

	w := request(router, http.MethodPost, "/api/v1/admin/rooms/r1/close", "owner", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(router, http.MethodPost, "/api/v1/admin/rooms/r1/close", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminForceClose(t *testing.T) {
	ctrl := new(MockRoomController)
	router := setupRouter(new(MockRoomService), ctrl, new(MockStreaks))

	ctrl.On("ForceCloseRoom", mock.Anything, domain.RoomID("r1"), domain.CloseReasonAdmin).Return(nil)

	w := request(router, http.MethodPost, "/api/v1/admin/rooms/r1/close", "admin", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	ctrl.AssertExpectations(t)
}

func TestAdminForceLeave(t *testing.T) {
	ctrl := new(MockRoomController)
	router := setupRouter(new(MockRoomService), ctrl, new(MockStreaks))

	ctrl.On("ForceLeaveUser", mock.Anything, domain.UserID("u9")).
		Return(apperrors.NewPolicyViolation(domain.ReasonNotMember, "user is not in a room", domain.ErrNotMember))

	w := request(router, http.MethodPost, "/api/v1/admin/users/u9/leave", "admin", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminRoutes_RejectMalformedIDs(t *testing.T) {
	ctrl := new(MockRoomController)
	router := setupRouter(new(MockRoomService), ctrl, new(MockStreaks))

	w := request(router, http.MethodPost, "/api/v1/admin/users/u9;drop/leave", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(router, http.MethodPost, "/api/v1/admin/rooms/r1.bak/close", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ctrl.AssertNotCalled(t, "ForceLeaveUser", mock.Anything, mock.Anything)
	ctrl.AssertNotCalled(t, "ForceCloseRoom", mock.Anything, mock.Anything, mock.Anything)
}

func TestAdminSystemRoomAndStreaks(t *testing.T) {
	rooms := new(MockRoomService)
	streaks := new(MockStreaks)
	router := setupRouter(rooms, new(MockRoomController), streaks)

	rooms.On("CreateSystemRoom", mock.Anything, mock.MatchedBy(func(s services.CreateRoomSpec) bool { return s.Name == "Lobby" })).
		Return(&domain.Room{ID: "sys", Name: "Lobby", IsSystem: true}, nil)
	streaks.On("ResetStale", mock.Anything).Return(4, nil)

	w := request(router, http.MethodPost, "/api/v1/admin/rooms", "admin", map[string]interface{}{"name": "Lobby"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = request(router, http.MethodPost, "/api/v1/admin/maintenance/streaks", "admin", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"reset":4}`, w.Body.String())
}
