package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/aihub/chat-go/internal/auth"
	apperrors "github.com/aihub/chat-go/internal/errors"
	"github.com/aihub/chat-go/internal/logger"
	"github.com/aihub/chat-go/internal/services"
	"github.com/beego/beego/v2/server/web"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Deps 控制器共享依赖，由bootstrap注入
type Deps struct {
	Chat    *services.ChatService
	Catalog *services.CatalogService
	JWT     *auth.JWTService
	DB      *gorm.DB
	Redis   *redis.Client
	Env     string
}

var deps *Deps

var validate = validator.New()

// Init 注入控制器依赖，必须在路由注册前调用
func Init(d *Deps) {
	deps = d
}

// BaseController provides helpers for consistent JSON responses.
type BaseController struct {
	web.Controller
}

// JSON writes a JSON response with the supplied HTTP status code.
func (c *BaseController) JSON(status int, payload interface{}) {
	c.Ctx.Output.SetStatus(status)
	c.Data["json"] = payload
	c.ServeJSON()
}

// JSONSuccess writes a standard success envelope.
func (c *BaseController) JSONSuccess(data interface{}) {
	c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// JSONError writes an error envelope with message.
func (c *BaseController) JSONError(status int, message string) {
	c.JSON(status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// JSONAppError 按错误码映射HTTP状态写出错误响应
func (c *BaseController) JSONAppError(err error) {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		payload := map[string]interface{}{
			"success": false,
			"error":   appErr.Message,
			"code":    string(appErr.Code),
		}
		if appErr.UpstreamStatus != 0 {
			payload["upstream_status"] = appErr.UpstreamStatus
		}
		c.JSON(appErr.HTTPCode, payload)
		return
	}
	c.JSONError(http.StatusInternalServerError, err.Error())
}

// getAuthenticatedUserID 获取认证用户ID
// 验证Authorization header中的JWT；开发环境下允许X-User-Id header直通
func (c *BaseController) getAuthenticatedUserID() (string, bool) {
	authHeader := c.Ctx.Input.Header("Authorization")
	if authHeader != "" {
		token, err := auth.ExtractTokenFromHeader(authHeader)
		if err == nil {
			claims, err := deps.JWT.ValidateToken(token)
			if err == nil {
				return claims.UserID, true
			}
			logger.Warn("invalid token",
				zap.String("path", c.Ctx.Request.RequestURI),
				zap.Error(err))
		}
	}

	if deps.Env == "development" {
		if userID := c.Ctx.Input.Header("X-User-Id"); userID != "" {
			return userID, true
		}
	}

	c.JSONError(http.StatusUnauthorized, "authentication required")
	return "", false
}

// bindJSON 解析并校验请求体
func (c *BaseController) bindJSON(out interface{}) bool {
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, out); err != nil {
		c.JSONError(http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := validate.Struct(out); err != nil {
		c.JSONError(http.StatusBadRequest, err.Error())
		return false
	}
	return true
}
