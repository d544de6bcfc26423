package http

import "github.com/gin-gonic/gin"

func RegisterQueueRoutes(r *gin.Engine, handler *QueueHandler) {
	queue := r.Group("/queue")
	{
		queue.GET("", handler.PeekQueue)
		queue.GET("/archive", handler.PeekArchive)
		queue.GET("/stats", handler.Stats)
		queue.POST("/process", handler.ProcessQueue)
		queue.POST("/purge-orphans", handler.PurgeOrphans)
	}
	r.POST("/testing/poke", handler.Poke)
}
