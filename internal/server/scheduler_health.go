package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/headliner/internal/scheduler"
)

func (s *Server) GetSchedulerHealth(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusOK, gin.H{"data": scheduler.Health{Enabled: false}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.scheduler.Status()})
}
