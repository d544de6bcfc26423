package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/davicafu/agentbox/internal/machine/application"
	"github.com/davicafu/agentbox/internal/machine/domain"
	sharedDomain "github.com/davicafu/agentbox/internal/shared/domain"
	sharedQuery "github.com/davicafu/agentbox/internal/shared/infra/platform/query"
	"github.com/davicafu/agentbox/pkg/utils"
)

// MachineHandler expone los puntos de entrada del ciclo de vida.
type MachineHandler struct {
	service *application.MachineService
}

func NewMachineHandler(service *application.MachineService) *MachineHandler {
	return &MachineHandler{service: service}
}

func sendDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrMachineNotFound):
		utils.SendNotFound(c, "machine not found")
	case errors.Is(err, domain.ErrInvalidMachine), errors.Is(err, domain.ErrUnsupportedCommand):
		utils.SendBadRequest(c, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrMachineNotReady):
		utils.SendConflict(c, err.Error())
	default:
		utils.SendInternalServerError(c, err.Error())
	}
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.SendBadRequest(c, "invalid machine id")
		return uuid.Nil, false
	}
	return id, true
}

// CreateMachine endpoint POST /machines
func (h *MachineHandler) CreateMachine(c *gin.Context) {
	var req struct {
		ProjectID string          `json:"projectId" binding:"required"`
		Type      string          `json:"type" binding:"required"`
		Metadata  json.RawMessage `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		utils.SendBadRequest(c, "invalid projectId")
		return
	}

	m, err := h.service.CreateMachine(c.Request.Context(), projectID, req.Type, req.Metadata)
	if err != nil {
		sendDomainError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusCreated, m)
}

// GetMachine endpoint GET /machines/:id
func (h *MachineHandler) GetMachine(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	m, err := h.service.GetMachine(c.Request.Context(), id)
	if err != nil {
		sendDomainError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, m)
}

// ListMachines endpoint GET /machines
func (h *MachineHandler) ListMachines(c *gin.Context) {
	var criterias []sharedDomain.Criteria

	if projectID := c.Query("projectId"); projectID != "" {
		id, err := uuid.Parse(projectID)
		if err != nil {
			utils.SendBadRequest(c, "invalid projectId")
			return
		}
		criterias = append(criterias, domain.ProjectIDCriteria{ID: id})
	}
	if state := c.Query("state"); state != "" {
		s := domain.MachineState(state)
		if !s.Valid() {
			utils.SendBadRequest(c, "invalid state")
			return
		}
		criterias = append(criterias, domain.StateCriteria{State: s})
	}

	sort := sharedQuery.Sort{Field: "created_at", Desc: true}
	if field := c.Query("sort_field"); field != "" {
		sort.Field = field
		sort.Desc = c.Query("sort_desc") == "true"
	}
	pagination := sharedQuery.OffsetPagination{
		Limit:  utils.QueryInt(c, "limit", 50),
		Offset: utils.QueryInt(c, "offset", 0),
	}

	machines, err := h.service.ListMachines(c.Request.Context(), sharedDomain.And(criterias...), pagination, sort)
	if err != nil {
		sendDomainError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, machines)
}

// ReportDaemonStatus endpoint POST /machines/:id/daemon-status
func (h *MachineHandler) ReportDaemonStatus(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}

	res, err := h.service.ReportDaemonStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		sendDomainError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusAccepted, gin.H{"event_id": res.EventID, "matched": res.Matched})
}

// Command devuelve el handler de POST /machines/:id/{start,stop,restart}
func (h *MachineHandler) Command(cmd domain.Command) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		if err := h.service.RunCommand(c.Request.Context(), id, cmd); err != nil {
			sendDomainError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// ArchiveMachine endpoint DELETE /machines/:id
func (h *MachineHandler) ArchiveMachine(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.service.RequestArchive(c.Request.Context(), id, c.Query("reason")); err != nil {
		sendDomainError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
