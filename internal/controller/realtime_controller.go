package controller

import (
	"github.com/gin-gonic/gin"

	"github.com/krishna9304/osce-central-serve-sub000/internal/service"
	"github.com/krishna9304/osce-central-serve-sub000/internal/util"
)

// RealtimeController 考生实时通道：WebSocket 或 SSE，二者注册到同一个连接表
type RealtimeController struct {
	Hub   *service.ConnectionHub
	Turns service.TurnHandler
}

func NewRealtimeController(hub *service.ConnectionHub, turns service.TurnHandler) *RealtimeController {
	return &RealtimeController{Hub: hub, Turns: turns}
}

// HandleWS godoc
// @Summary WebSocket 连接
// @Description 建立 WebSocket 连接，发送 TURN 消息并接收流式回复与评估进度
// @Tags 实时
// @Security ApiKeyAuth
// @Param token query string true "JWT Token"
// @Success 101 {string} string "Switching Protocols"
// @Router /api/ws [get]
func (ctrl *RealtimeController) HandleWS(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	service.ServeWs(ctrl.Hub, ctrl.Turns, c.Writer, c.Request, claims.UserID)
}

// HandleSSE godoc
// @Summary SSE 事件流
// @Tags 实时
// @Security ApiKeyAuth
// @Param token query string true "JWT Token"
// @Produce text/event-stream
// @Router /api/events [get]
func (ctrl *RealtimeController) HandleSSE(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	service.ServeSSE(ctrl.Hub, c.Writer, c.Request, claims.UserID)
}
