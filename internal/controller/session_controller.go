package controller

import (
	"github.com/gin-gonic/gin"

	"github.com/krishna9304/osce-central-serve-sub000/internal/service"
	"github.com/krishna9304/osce-central-serve-sub000/internal/util"
)

// SessionController 考站会话接口
type SessionController struct {
	Sessions *service.SessionService
	Relay    *service.RelayService
}

type StartSessionRequest struct {
	StationID uint `json:"stationId" binding:"required" example:"1"`
}

type SubmitTurnRequest struct {
	Text string `json:"text" binding:"required" example:"Where is the pain?"`
}

type RecordFindingRequest struct {
	Name string `json:"name" binding:"required" example:"Blood pressure"`
}

func NewSessionController(sessions *service.SessionService, relay *service.RelayService) *SessionController {
	return &SessionController{Sessions: sessions, Relay: relay}
}

func isAdmin(claims *util.Claims) bool {
	return claims.Role == util.Admin
}

// StartSession godoc
// @Summary 开始考站会话
// @Tags 会话
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body StartSessionRequest true "考站"
// @Success 201 {object} util.Response{data=model.Session}
// @Failure 409 {object} util.Response "已有进行中的会话"
// @Router /api/sessions [post]
func (ctrl *SessionController) StartSession(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	session, err := ctrl.Sessions.StartSession(c.Request.Context(), claims.UserID, claims.Name, req.StationID)
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.Created(c, session)
}

// EndSession godoc
// @Summary 结束会话并提交评估
// @Tags 会话
// @Produce json
// @Security ApiKeyAuth
// @Param token path string true "会话标识"
// @Success 200 {object} util.Response{data=model.Session}
// @Failure 404 {object} util.Response
// @Failure 409 {object} util.Response "会话已结束"
// @Router /api/sessions/{token}/end [post]
func (ctrl *SessionController) EndSession(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	session, err := ctrl.Sessions.EndSession(c.Request.Context(), c.Param("token"), claims.UserID)
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.Success(c, session)
}

// @Summary 当前进行中的会话
// @Tags 会话
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} util.Response{data=model.Session}
// @Router /api/sessions/active [get]
func (ctrl *SessionController) GetActive(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	session, err := ctrl.Sessions.GetActive(claims.UserID)
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.Success(c, session)
}

func (ctrl *SessionController) GetSession(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	session, err := ctrl.Sessions.GetSession(c.Param("token"), claims.UserID, isAdmin(claims))
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.Success(c, session)
}

func (ctrl *SessionController) GetTranscript(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	turns, err := ctrl.Sessions.Transcript(c.Param("token"), claims.UserID, isAdmin(claims))
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.Success(c, turns)
}

func (ctrl *SessionController) GetEvaluation(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	eval, err := ctrl.Sessions.Evaluation(c.Param("token"), claims.UserID, isAdmin(claims))
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.Success(c, eval)
}

// RecordFinding godoc
// @Summary 请求查体结果
// @Tags 会话
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param token path string true "会话标识"
// @Param request body RecordFindingRequest true "查体项目"
// @Success 200 {object} util.Response{data=model.SessionFinding}
// @Router /api/sessions/{token}/findings [post]
func (ctrl *SessionController) RecordFinding(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	var req RecordFindingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	finding, err := ctrl.Sessions.RecordFinding(c.Param("token"), claims.UserID, req.Name)
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.Success(c, finding)
}

// SubmitTurn godoc
// @Summary 提交一轮对话
// @Description 回复分片通过 WebSocket 或 SSE 推送，响应体为完整的助手回复
// @Tags 会话
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param token path string true "会话标识"
// @Param request body SubmitTurnRequest true "发言"
// @Success 200 {object} util.Response{data=model.Turn}
// @Failure 409 {object} util.Response "会话不可用"
// @Failure 502 {object} util.Response "模型调用失败"
// @Router /api/sessions/{token}/turns [post]
func (ctrl *SessionController) SubmitTurn(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	var req SubmitTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	turn, err := ctrl.Relay.SubmitTurn(c.Request.Context(), claims.UserID, c.Param("token"), req.Text)
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.Success(c, turn)
}
