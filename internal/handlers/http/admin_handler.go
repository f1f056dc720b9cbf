package http

import (
	"context"
	"net/http"

	"studyroom/internal/core/domain"
	apperrors "studyroom/pkg/errors"
	"studyroom/pkg/validation"

	"github.com/gin-gonic/gin"
)

type StreakMaintainer interface {
	ResetStale(ctx context.Context) (int, error)
}

type AdminHandler struct {
	rooms      RoomService
	controller RoomController
	streaks    StreakMaintainer
}

func NewAdminHandler(
	rooms RoomService,
	controller RoomController,
	streaks StreakMaintainer,
) *AdminHandler {
	return &AdminHandler{
		rooms:      rooms,
		controller: controller,
		streaks:    streaks,
	}
}

// SetupRoutes expects a group guarded by AuthMiddleware and AdminOnly.
func (h *AdminHandler) SetupRoutes(admin *gin.RouterGroup) {
	admin.POST("/rooms", h.CreateSystemRoom)
	admin.POST("/rooms/:id/close", h.CloseRoom)
	admin.POST("/users/:id/leave", h.ForceLeave)
	admin.POST("/maintenance/streaks", h.ResetStreaks)
}

func (h *AdminHandler) CreateSystemRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewValidationError(err.Error()))
		return
	}

	room, err := h.rooms.CreateSystemRoom(c.Request.Context(), req.spec())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"room": room})
}

func (h *AdminHandler) CloseRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	if err := validation.ValidateID(string(roomID), "room id"); err != nil {
		c.Error(apperrors.NewValidationError(err.Error()))
		return
	}
	if err := h.controller.ForceCloseRoom(c.Request.Context(), roomID, domain.CloseReasonAdmin); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "closed": true})
}

func (h *AdminHandler) ForceLeave(c *gin.Context) {
	userID := domain.UserID(c.Param("id"))
	if err := validation.ValidateID(string(userID), "user id"); err != nil {
		c.Error(apperrors.NewValidationError(err.Error()))
		return
	}
	if err := h.controller.ForceLeaveUser(c.Request.Context(), userID); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "removed": true})
}

func (h *AdminHandler) ResetStreaks(c *gin.Context) {
	n, err := h.streaks.ResetStale(c.Request.Context())
	if err != nil {
		c.Error(apperrors.NewInternalError("streak maintenance failed", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": n})
}
