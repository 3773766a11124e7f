package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/presence/internal/storage"
)

type ConfigHandler struct {
	db     *storage.PostgresStore
	notify func(event string)
}

func NewConfigHandler(db *storage.PostgresStore, notify func(event string)) *ConfigHandler {
	return &ConfigHandler{db: db, notify: notify}
}

// Get returns the org's settings document, defaults merged in.
func (h *ConfigHandler) Get(c *gin.Context) {
	settings, err := h.db.LoadSettings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

// Put applies a partial update: the request body is unmarshaled over
// the current document, so absent fields keep their values.
func (h *ConfigHandler) Put(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	settings, err := h.db.LoadSettings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := json.Unmarshal(body, &settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings document"})
		return
	}

	if err := h.db.SaveSettings(c.Request.Context(), settings); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	saved, err := h.db.LoadSettings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if h.notify != nil {
		h.notify("db_update")
	}
	c.JSON(http.StatusOK, saved)
}
