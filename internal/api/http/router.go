package http

import (
	nethttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/hermit-sh/hermit/internal/api/http/handler"
	"github.com/hermit-sh/hermit/internal/api/http/middleware"
	"github.com/hermit-sh/hermit/internal/auth"
	"github.com/hermit-sh/hermit/internal/machines"
	"github.com/hermit-sh/hermit/internal/relay/registry"
	"github.com/hermit-sh/hermit/internal/relay/ws"
	"github.com/hermit-sh/hermit/internal/users"
)

type Config struct {
	Port uint `mapstructure:"port"`
}

type Services struct {
	Users    *users.Service
	Machines *machines.Service
	Agents   *registry.AgentRegistry
	Clients  *registry.ClientRegistry
	Auth     auth.Config
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	authHandler := handler.NewAuthHandler(srvs.Users, srvs.Auth)
	machinesHandler := handler.NewMachinesHandler(srvs.Machines, srvs.Agents)

	api := engine.Group("/api")
	{
		api.POST("/auth/register", authHandler.Register)
		api.POST("/auth/login", authHandler.Login)
		api.POST("/auth/refresh", authHandler.Refresh)

		authed := api.Group("", middleware.JWTAuth(srvs.Auth))
		{
			authed.POST("/auth/logout", authHandler.Logout)
			authed.GET("/me", authHandler.Me)
			authed.GET("/machines", machinesHandler.List)
			authed.POST("/machines", machinesHandler.Create)
			authed.GET("/machines/:id", machinesHandler.Get)
		}
	}

	// Browsers cannot set WebSocket headers, so both sockets authenticate
	// in-band (register / auth frames) rather than via the JWT middleware.
	upgrader := websocket.Upgrader{CheckOrigin: func(r *nethttp.Request) bool { return true }}

	agentWS := &ws.AgentHandler{
		Agents:   srvs.Agents,
		Clients:  srvs.Clients,
		Machines: srvs.Machines,
		Upgrader: upgrader,
	}
	clientWS := &ws.ClientHandler{
		Agents:   srvs.Agents,
		Clients:  srvs.Clients,
		Machines: srvs.Machines,
		Users:    srvs.Users,
		Auth:     srvs.Auth,
		Upgrader: upgrader,
	}

	engine.GET("/ws/agent", gin.WrapH(agentWS))
	engine.GET("/ws/client", gin.WrapH(clientWS))
}
