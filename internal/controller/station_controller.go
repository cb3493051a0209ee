package controller

import (
	"encoding/json"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"github.com/krishna9304/osce-central-serve-sub000/internal/model"
	"github.com/krishna9304/osce-central-serve-sub000/internal/repository"
	"github.com/krishna9304/osce-central-serve-sub000/internal/util"
)

// StationController 考站管理，仅供管理员录入数据
type StationController struct {
	Stations *repository.StationRepository
}

type CreateStationRequest struct {
	Name              string                 `json:"name" binding:"required"`
	PatientPrompt     string                 `json:"patientPrompt" binding:"required"`
	Model             string                 `json:"model"`
	DurationMinutes   int                    `json:"durationMinutes"`
	ClinicalChecklist []model.ChecklistItem  `json:"clinicalChecklist" binding:"required,min=1"`
	Rubric            []model.RubricCategory `json:"rubric"`
	Findings          []model.StationFinding `json:"findings"`
}

func NewStationController(stations *repository.StationRepository) *StationController {
	return &StationController{Stations: stations}
}

func toJSON(v interface{}) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	return datatypes.JSON(b), err
}

// CreateStation godoc
// @Summary 创建考站
// @Tags 管理
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body CreateStationRequest true "考站"
// @Success 201 {object} util.Response{data=model.Station}
// @Router /api/admin/stations [post]
func (ctrl *StationController) CreateStation(c *gin.Context) {
	var req CreateStationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}
	for _, item := range req.ClinicalChecklist {
		if item.Marks <= 0 {
			util.BadRequest(c, "checklist marks must be positive")
			return
		}
	}

	checklist, err := toJSON(req.ClinicalChecklist)
	if err != nil {
		util.BadRequest(c, err.Error())
		return
	}
	rubric, err := toJSON(req.Rubric)
	if err != nil {
		util.BadRequest(c, err.Error())
		return
	}
	findings, err := toJSON(req.Findings)
	if err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	station := &model.Station{
		Name:              req.Name,
		PatientPrompt:     req.PatientPrompt,
		Model:             req.Model,
		DurationMinutes:   req.DurationMinutes,
		ClinicalChecklist: checklist,
		Rubric:            rubric,
		Findings:          findings,
	}
	if err := ctrl.Stations.Create(station); err != nil {
		util.LogInternalError(c, err)
		return
	}
	util.Created(c, station)
}

// @Summary 考站列表
// @Tags 管理
// @Produce json
// @Security ApiKeyAuth
// @Param page query int false "页码"
// @Param limit query int false "每页数量"
// @Router /api/admin/stations [get]
func (ctrl *StationController) ListStations(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	stations, total, err := ctrl.Stations.List(page, limit)
	if err != nil {
		util.LogInternalError(c, err)
		return
	}
	util.Success(c, gin.H{
		"items": stations,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}
