package http

import (
	"context"
	"net/http"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/services"
	"studyroom/internal/infrastructure/middleware"
	apperrors "studyroom/pkg/errors"

	"github.com/gin-gonic/gin"
)

type RoomService interface {
	Create(ctx context.Context, ownerID domain.UserID, spec services.CreateRoomSpec) (*domain.Room, error)
	CreateSystemRoom(ctx context.Context, spec services.CreateRoomSpec) (*domain.Room, error)
	Room(ctx context.Context, roomID domain.RoomID) (*domain.Room, error)
	Participants(ctx context.Context, roomID domain.RoomID) ([]domain.UserID, error)
}

type RoomController interface {
	CloseByOwner(ctx context.Context, user domain.UserContext, roomID domain.RoomID) error
	ForceCloseRoom(ctx context.Context, roomID domain.RoomID, reason string) error
	ForceLeaveUser(ctx context.Context, userID domain.UserID) error
}

type createRoomRequest struct {
	Name        string           `json:"name" binding:"required,max=100"`
	Description string           `json:"description" binding:"max=500"`
	Type        domain.RoomType  `json:"type"`
	IsPublic    bool             `json:"isPublic"`
	Password    string           `json:"password"`
	Capacity    int              `json:"capacity" binding:"min=0,max=999"`
	TimerMode   domain.TimerMode `json:"timerMode"`
}

func (r createRoomRequest) spec() services.CreateRoomSpec {
	return services.CreateRoomSpec{
		Name:        r.Name,
		Description: r.Description,
		Type:        r.Type,
		IsPublic:    r.IsPublic,
		Password:    r.Password,
		Capacity:    r.Capacity,
		TimerMode:   r.TimerMode,
	}
}

type RoomHandler struct {
	rooms      RoomService
	controller RoomController
}

func NewRoomHandler(rooms RoomService, controller RoomController) *RoomHandler {
	return &RoomHandler{
		rooms:      rooms,
		controller: controller,
	}
}

// SetupRoutes registers the room API on a group that already runs
// AuthMiddleware.
func (h *RoomHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/rooms", h.CreateRoom)
	api.GET("/rooms/:id", h.GetRoom)
	api.POST("/rooms/:id/close", h.CloseRoom)
}

func (h *RoomHandler) CreateRoom(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)

	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewValidationError(err.Error()))
		return
	}

	room, err := h.rooms.Create(c.Request.Context(), user.ID, req.spec())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"room": room,
	})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	room, err := h.rooms.Room(c.Request.Context(), roomID)
	if err != nil {
		c.Error(err)
		return
	}
	participants, err := h.rooms.Participants(c.Request.Context(), roomID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room":         room,
		"hasPassword":  room.HasPassword(),
		"participants": participants,
	})
}

func (h *RoomHandler) CloseRoom(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	roomID := domain.RoomID(c.Param("id"))

	if err := h.controller.CloseByOwner(c.Request.Context(), user, roomID); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "closed": true})
}
