package router

import (
	"github.com/aihub/chat-go/app/controllers"
	"github.com/aihub/chat-go/app/middleware"
	"github.com/beego/beego/v2/server/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Init registers all routes. Must be called after controllers.Init.
func Init() {
	web.Router("/", &controllers.RootController{}, "get:Index")
	web.Router("/health", &controllers.HealthController{}, "get:Health")
	web.Handler("/metrics", promhttp.Handler())

	web.InsertFilter("/*", web.BeforeRouter, middleware.CORSMiddleware)

	conversationController := &controllers.ConversationController{}
	web.Router("/api/conversations", conversationController, "get:List;post:Create")
	// 注意：具体路由必须在参数路由之前，否则/views会被:id匹配
	web.Router("/api/conversations/views", conversationController, "get:Views")
	web.Router("/api/conversations/watch", conversationController, "get:Watch")
	web.Router("/api/conversations/:id", conversationController, "get:Get;put:Update;delete:Delete")
	web.Router("/api/conversations/:id/purge", conversationController, "delete:Purge")
	web.Router("/api/conversations/:id/pin", conversationController, "post:Pin;delete:Unpin")
	web.Router("/api/conversations/:id/archive", conversationController, "post:Archive;delete:Unarchive")
	web.Router("/api/conversations/:id/recount", conversationController, "post:Recount")

	messageController := &controllers.MessageController{}
	web.Router("/api/conversations/:id/messages", messageController, "get:List;post:Send")
	web.Router("/api/conversations/:id/messages/watch", messageController, "get:Watch")
	web.Router("/api/conversations/:id/messages/:message_id/regenerate", messageController, "post:Regenerate")
	web.Router("/api/conversations/:id/sending", messageController, "get:Sending")
	web.Router("/api/messages/:message_id", messageController, "put:Edit;delete:Delete")

	modelController := &controllers.ModelController{}
	web.Router("/api/models", modelController, "get:List;post:Upsert")
	web.Router("/api/models/discover", modelController, "post:Discover")
}
