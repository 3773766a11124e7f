package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/presence/internal/api/handlers"
	"github.com/your-org/presence/internal/api/ws"
	"github.com/your-org/presence/internal/attendance"
	"github.com/your-org/presence/internal/auth"
	"github.com/your-org/presence/internal/queue"
	"github.com/your-org/presence/internal/roster"
	"github.com/your-org/presence/internal/storage"
	"github.com/your-org/presence/internal/vision"
)

type RouterConfig struct {
	APIKey   string
	OrgID    string
	DB       *storage.PostgresStore
	Photos   *storage.PhotoStore
	Mirror   *storage.RedisMirror
	Bus      *queue.Bus
	Engine   *vision.Engine
	Store    *attendance.Store
	Groups   *attendance.ContextCache
	Roster   *roster.Service
	Hub      *ws.Hub
	Settings handlers.SettingsProvider
	// Notify fans an admin-change event out to clients and other
	// instances.
	Notify func(event string)
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.DB, cfg.Photos, cfg.Bus, cfg.Mirror, cfg.Engine, cfg.Store, cfg.OrgID)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	v1.GET("/status", systemH.Status)

	// WebSocket recognition sessions
	v1.GET("/ws", cfg.Hub.HandleWS)

	// Roster & enrollment
	rosterH := handlers.NewRosterHandler(cfg.Roster)
	v1.GET("/roster", rosterH.List)
	v1.POST("/roster", rosterH.Enroll)
	v1.POST("/roster/preview", rosterH.Preview)
	v1.POST("/roster/commit", rosterH.Commit)
	v1.DELETE("/roster/:label", rosterH.Delete)

	// Attendance events & reports
	attH := handlers.NewAttendanceHandler(cfg.Store, cfg.DB, cfg.Groups, cfg.Settings, cfg.Notify)
	v1.GET("/events", attH.ListEvents)
	v1.GET("/events/recent", attH.Recent)
	v1.POST("/events", attH.Insert)
	v1.PATCH("/events/:id", attH.Patch)
	v1.DELETE("/events/:id", attH.Delete)
	v1.POST("/events/bulk_delete", attH.BulkDelete)
	v1.POST("/events/clear", attH.Clear)
	v1.GET("/attendance/daily", attH.Daily)
	v1.GET("/attendance/summary", attH.Summary)

	// Settings document
	configH := handlers.NewConfigHandler(cfg.DB, cfg.Notify)
	v1.GET("/config", configH.Get)
	v1.PUT("/config", configH.Put)

	return r
}
