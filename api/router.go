package api

import (
	"avmerge/config"
	"avmerge/task"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func SetupRouter(m *task.Manager, store *task.Store, retention *task.Retention, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
	}))

	h := NewHandler(m, store, retention, cfg)

	r.GET("/", h.handleRoot)
	r.GET("/health", h.handleHealth)
	r.GET("/info", h.handleInfo)

	r.POST("/merge", h.handleMerge)
	r.POST("/merge-replace-audio", h.handleReplaceAudio)
	r.POST("/loop-video-to-audio", h.handleLoopVideo)

	r.GET("/task/:taskId/status", h.handleTaskStatus)
	r.GET("/task/:taskId/download", h.handleDownload)
	r.GET("/tasks", h.handleListTasks)

	r.POST("/cleanup", h.handleCleanup)
	r.POST("/config/max-files", h.handleMaxFiles)

	return r
}
