package http

import (
	"github.com/gin-gonic/gin"

	"github.com/davicafu/agentbox/internal/machine/domain"
)

func RegisterMachineRoutes(r *gin.Engine, handler *MachineHandler) {
	machines := r.Group("/machines")
	{
		machines.POST("", handler.CreateMachine)
		machines.GET("", handler.ListMachines)
		machines.GET("/:id", handler.GetMachine)
		machines.POST("/:id/daemon-status", handler.ReportDaemonStatus)
		machines.POST("/:id/start", handler.Command(domain.CommandStart))
		machines.POST("/:id/stop", handler.Command(domain.CommandStop))
		machines.POST("/:id/restart", handler.Command(domain.CommandRestart))
		machines.DELETE("/:id", handler.ArchiveMachine)
	}
}
