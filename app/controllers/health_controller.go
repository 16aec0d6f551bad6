package controllers

import (
	"net/http"
	"time"
)

// HealthController 服务健康检查
type HealthController struct {
	BaseController
}

// GET /health
func (c *HealthController) Health() {
	status := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}

	if deps != nil && deps.DB != nil {
		sqlDB, err := deps.DB.DB()
		if err != nil || sqlDB.Ping() != nil {
			status["status"] = "degraded"
			status["database"] = "unreachable"
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		status["database"] = "ok"
	}

	if deps != nil && deps.Redis != nil {
		if err := deps.Redis.Ping(c.Ctx.Request.Context()).Err(); err != nil {
			status["status"] = "degraded"
			status["redis"] = "unreachable"
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		status["redis"] = "ok"
	}

	c.JSON(http.StatusOK, status)
}

// RootController 根路径
type RootController struct {
	BaseController
}

// GET /
func (c *RootController) Index() {
	c.JSONSuccess(map[string]interface{}{
		"service": "chat-go",
		"status":  "running",
	})
}
