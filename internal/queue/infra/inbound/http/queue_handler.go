package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/davicafu/agentbox/internal/queue/application"
	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
	"github.com/davicafu/agentbox/pkg/utils"
)

// QueueHandler expone la superficie de operador de la cola.
type QueueHandler struct {
	service *application.QueueService
}

func NewQueueHandler(service *application.QueueService) *QueueHandler {
	return &QueueHandler{service: service}
}

func peekFilter(c *gin.Context) queueDomain.PeekFilter {
	return queueDomain.PeekFilter{
		Limit:        utils.QueryInt(c, "limit", application.DefaultPeekLimit),
		Offset:       utils.QueryInt(c, "offset", 0),
		MinReadCount: utils.QueryInt(c, "min_read_count", 0),
	}
}

// PeekQueue endpoint GET /queue
func (h *QueueHandler) PeekQueue(c *gin.Context) {
	msgs, err := h.service.PeekQueue(c.Request.Context(), peekFilter(c))
	if err != nil {
		utils.SendInternalServerError(c, err.Error())
		return
	}
	utils.SendSuccess(c, http.StatusOK, msgs)
}

// PeekArchive endpoint GET /queue/archive
func (h *QueueHandler) PeekArchive(c *gin.Context) {
	msgs, err := h.service.PeekArchive(c.Request.Context(), peekFilter(c))
	if err != nil {
		utils.SendInternalServerError(c, err.Error())
		return
	}
	utils.SendSuccess(c, http.StatusOK, msgs)
}

// ProcessQueue endpoint POST /queue/process
func (h *QueueHandler) ProcessQueue(c *gin.Context) {
	summary, err := h.service.ProcessQueue(c.Request.Context())
	if err != nil {
		utils.SendInternalServerError(c, err.Error())
		return
	}
	utils.SendSuccess(c, http.StatusOK, summary)
}

// PurgeOrphans endpoint POST /queue/purge-orphans
func (h *QueueHandler) PurgeOrphans(c *gin.Context) {
	purged, err := h.service.PurgeOrphans(c.Request.Context())
	if err != nil {
		utils.SendInternalServerError(c, err.Error())
		return
	}
	utils.SendSuccess(c, http.StatusOK, purged)
}

// Stats endpoint GET /queue/stats
func (h *QueueHandler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context(), utils.QueryInt(c, "days", 7))
	if err != nil {
		utils.SendInternalServerError(c, err.Error())
		return
	}
	utils.SendSuccess(c, http.StatusOK, stats)
}

// Poke endpoint POST /testing/poke
func (h *QueueHandler) Poke(c *gin.Context) {
	var req struct {
		Message   string `json:"message"`
		FailTimes int    `json:"fail_times" binding:"gte=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}

	res, err := h.service.Poke(c.Request.Context(), req.Message, req.FailTimes)
	if err != nil {
		utils.SendInternalServerError(c, err.Error())
		return
	}
	utils.SendSuccess(c, http.StatusAccepted, gin.H{"event_id": res.EventID, "matched": res.Matched})
}
