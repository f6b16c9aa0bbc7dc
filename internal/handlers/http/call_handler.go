package http

import (
	"net/http"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/pkg/errors"
	"chatcall/pkg/validation"

	"github.com/gin-gonic/gin"
)

// CallHandler exposes the call controller and the incoming call watcher as
// a REST API for local clients that do not hold an event stream open.
type CallHandler struct {
	controller ports.CallController
	watcher    ports.IncomingCallWatcher
}

func NewCallHandler(controller ports.CallController, watcher ports.IncomingCallWatcher) *CallHandler {
	return &CallHandler{
		controller: controller,
		watcher:    watcher,
	}
}

func (h *CallHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/call", h.GetCall)
	api.POST("/calls", h.StartCall)
	api.POST("/calls/:id/accept", h.AcceptCall)
	api.POST("/calls/:id/reject", h.RejectCall)
	api.POST("/call/end", h.EndCall)
	api.POST("/call/minimize", h.SetMinimized)
	api.POST("/call/media", h.SetMedia)
	api.PUT("/conversation", h.WatchConversation)
	api.DELETE("/conversation", h.StopWatching)
	api.GET("/incoming", h.GetIncoming)
}

type StartCallRequest struct {
	ConversationID string          `json:"conversation_id" binding:"required,max=256"`
	CallType       domain.CallType `json:"call_type" binding:"omitempty,oneof=audio video"`
}

type MinimizeRequest struct {
	Minimized bool `json:"minimized"`
}

type MediaRequest struct {
	Audio *bool `json:"audio,omitempty"`
	Video *bool `json:"video,omitempty"`
}

type ConversationRequest struct {
	ConversationID string `json:"conversation_id" binding:"required,max=256"`
}

func (h *CallHandler) GetCall(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":    h.controller.State(),
		"incoming": h.watcher.Pending(),
	})
}

func (h *CallHandler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateConversationID(req.ConversationID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.CallType == "" {
		req.CallType = domain.CallTypeVideo
	}

	callID, err := h.controller.StartCall(c.Request.Context(), domain.ConversationID(req.ConversationID), req.CallType)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"call_id": callID,
		"state":   h.controller.State(),
	})
}

// AcceptCall joins the pending incoming call. The path id must name it.
func (h *CallHandler) AcceptCall(c *gin.Context) {
	if !h.matchesPending(c) {
		return
	}

	callID, err := h.watcher.Accept(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"call_id": callID,
		"state":   h.controller.State(),
	})
}

func (h *CallHandler) RejectCall(c *gin.Context) {
	if !h.matchesPending(c) {
		return
	}

	if err := h.watcher.Reject(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *CallHandler) matchesPending(c *gin.Context) bool {
	id := c.Param("id")
	if err := validation.ValidateCallID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return false
	}

	pending := h.watcher.Pending()
	if pending == nil {
		c.Error(domain.ErrNoIncomingCall)
		return false
	}
	if string(pending.CallID) != id {
		c.Error(errors.NewConflictError("call " + id + " is not the pending incoming call"))
		return false
	}
	return true
}

func (h *CallHandler) EndCall(c *gin.Context) {
	h.controller.EndCall()
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) SetMinimized(c *gin.Context) {
	var req MinimizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	h.controller.SetMinimized(req.Minimized)
	c.JSON(http.StatusOK, gin.H{"state": h.controller.State()})
}

func (h *CallHandler) SetMedia(c *gin.Context) {
	var req MediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if req.Audio == nil && req.Video == nil {
		c.Error(errors.NewInvalidInputError("audio or video must be set"))
		return
	}

	if req.Audio != nil {
		if err := h.controller.SetAudioEnabled(*req.Audio); err != nil {
			c.Error(err)
			return
		}
	}
	if req.Video != nil {
		if err := h.controller.SetVideoEnabled(*req.Video); err != nil {
			c.Error(err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"state": h.controller.State()})
}

// WatchConversation scopes incoming call notifications to the conversation
// the user has open.
func (h *CallHandler) WatchConversation(c *gin.Context) {
	var req ConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateConversationID(req.ConversationID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.watcher.Watch(c.Request.Context(), domain.ConversationID(req.ConversationID)); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": req.ConversationID,
		"incoming":        h.watcher.Pending(),
	})
}

func (h *CallHandler) StopWatching(c *gin.Context) {
	h.watcher.Stop()
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) GetIncoming(c *gin.Context) {
	pending := h.watcher.Pending()
	if pending == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incoming": pending})
}
