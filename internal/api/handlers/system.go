package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/presence/internal/attendance"
	"github.com/your-org/presence/internal/queue"
	"github.com/your-org/presence/internal/storage"
	"github.com/your-org/presence/internal/vision"
)

type SystemHandler struct {
	db     *storage.PostgresStore
	photos *storage.PhotoStore
	bus    *queue.Bus
	mirror *storage.RedisMirror
	engine *vision.Engine
	store  *attendance.Store
	org    string
}

func NewSystemHandler(db *storage.PostgresStore, photos *storage.PhotoStore, bus *queue.Bus, mirror *storage.RedisMirror, engine *vision.Engine, store *attendance.Store, org string) *SystemHandler {
	return &SystemHandler{db: db, photos: photos, bus: bus, mirror: mirror, engine: engine, store: store, org: org}
}

func (h *SystemHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *SystemHandler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	// Check Postgres
	if err := h.db.Ping(ctx); err != nil {
		checks["postgres"] = err.Error()
		healthy = false
	} else {
		checks["postgres"] = "ok"
	}

	// Check MinIO
	if err := h.photos.Ping(ctx); err != nil {
		checks["minio"] = err.Error()
		healthy = false
	} else {
		checks["minio"] = "ok"
	}

	// Check NATS
	if err := h.bus.Ping(); err != nil {
		checks["nats"] = err.Error()
		healthy = false
	} else {
		checks["nats"] = "ok"
	}

	// Redis mirror is optional; report but never gate readiness on it.
	if h.mirror != nil {
		if err := h.mirror.Ping(ctx); err != nil {
			checks["redis"] = err.Error()
		} else {
			checks["redis"] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status": map[bool]string{true: "ready", false: "not ready"}[healthy],
		"checks": checks,
	})
}

// Status reports live counters for dashboards.
func (h *SystemHandler) Status(c *gin.Context) {
	snap := h.store.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"org":        h.org,
		"index_size": h.engine.Size(),
		"events":     len(snap.Events),
		"seq":        snap.Seq,
	})
}
