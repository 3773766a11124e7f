package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/presence/internal/attendance"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/storage"
	"github.com/your-org/presence/internal/timeutil"
	"github.com/your-org/presence/pkg/dto"
)

// SettingsProvider loads the current attendance settings document.
type SettingsProvider func(ctx context.Context) (models.Settings, error)

type AttendanceHandler struct {
	store    *attendance.Store
	db       *storage.PostgresStore
	groups   *attendance.ContextCache
	settings SettingsProvider
	// notify runs after an admin edit so other instances and connected
	// clients refresh their views.
	notify func(event string)
}

func NewAttendanceHandler(store *attendance.Store, db *storage.PostgresStore, groups *attendance.ContextCache, settings SettingsProvider, notify func(event string)) *AttendanceHandler {
	return &AttendanceHandler{store: store, db: db, groups: groups, settings: settings, notify: notify}
}

// ListEvents queries the persisted log with filters and paging.
func (h *AttendanceHandler) ListEvents(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))

	filter := storage.EventFilter{
		Label:     c.Query("label"),
		Ascending: c.Query("order") == "asc",
		Page:      page,
		PerPage:   perPage,
	}
	if s := c.Query("start"); s != "" {
		if t, err := timeutil.ParseDate(s); err == nil {
			filter.StartDate = t
		}
	}
	if s := c.Query("end"); s != "" {
		if t, err := timeutil.ParseDate(s); err == nil {
			filter.EndDate = t.Add(24*time.Hour - time.Nanosecond)
		}
	}

	events, total, err := h.db.ListEvents(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.EventResponse, 0, len(events))
	for _, ev := range events {
		resp = append(resp, eventResponse(ev))
	}
	c.JSON(http.StatusOK, dto.EventListResponse{
		Events:  resp,
		Total:   total,
		Page:    filter.Page,
		PerPage: filter.PerPage,
	})
}

// Recent returns the in-memory snapshot, newest first.
func (h *AttendanceHandler) Recent(c *gin.Context) {
	snap := h.store.Snapshot()

	limit := len(snap.Events)
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "100")); err == nil && v > 0 && v < limit {
		limit = v
	}

	resp := make([]dto.EventResponse, 0, limit)
	for _, ev := range snap.Events[:limit] {
		resp = append(resp, eventResponse(ev))
	}
	c.JSON(http.StatusOK, gin.H{"events": resp, "seq": snap.Seq, "total": len(snap.Events)})
}

// Insert backfills one event by hand.
func (h *AttendanceHandler) Insert(c *gin.Context) {
	var req dto.InsertEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ts, err := timeutil.ParseEventTS(req.TS)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ts"})
		return
	}

	ev, err := h.store.Insert(strings.TrimSpace(req.Label), ts, req.Score)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.changed()
	c.JSON(http.StatusOK, eventResponse(ev))
}

// Patch edits one event; absent fields keep their values.
func (h *AttendanceHandler) Patch(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	var req dto.PatchEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	patch := attendance.EventPatch{Label: req.Label, PersonID: req.PersonID, Score: req.Score}
	if req.TS != nil {
		ts, err := timeutil.ParseEventTS(*req.TS)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ts"})
			return
		}
		patch.TS = &ts
	}

	ev, err := h.store.Edit(id, patch)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.changed()
	c.JSON(http.StatusOK, eventResponse(ev))
}

func (h *AttendanceHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	removed := h.store.Delete([]int64{id})
	if removed == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	h.changed()
	c.JSON(http.StatusOK, dto.DeletedResponse{Deleted: removed})
}

func (h *AttendanceHandler) BulkDelete(c *gin.Context) {
	var req dto.BulkDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	removed := h.store.Delete(req.IDs)
	h.changed()
	c.JSON(http.StatusOK, dto.DeletedResponse{Deleted: removed})
}

// Clear wipes the log, or one label's slice of it.
func (h *AttendanceHandler) Clear(c *gin.Context) {
	removed := h.store.Clear(c.Query("label"))
	h.changed()
	c.JSON(http.StatusOK, dto.DeletedResponse{Deleted: removed})
}

// Daily grades each (identity, day) pair against the resolved schedule.
func (h *AttendanceHandler) Daily(c *gin.Context) {
	rows, err := h.dailyRows(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows, "total": len(rows)})
}

// Summary buckets daily rows by month and ISO week.
func (h *AttendanceHandler) Summary(c *gin.Context) {
	rows, err := h.dailyRows(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, attendance.BuildSummary(rows))
}

func (h *AttendanceHandler) dailyRows(c *gin.Context) ([]attendance.DailyRow, error) {
	ctx := c.Request.Context()

	settings, err := h.settings(ctx)
	if err != nil {
		return nil, err
	}
	groupCtx, err := h.groups.Get(ctx)
	if err != nil {
		// Rollups still work without group overrides.
		groupCtx = nil
	}

	events := filterEvents(h.store.Snapshot().Events, c.Query("label"), c.Query("start"), c.Query("end"))
	return attendance.BuildDailyRows(events, settings, groupCtx), nil
}

// filterEvents narrows the snapshot by label and WIB date range (both
// bounds inclusive, "YYYY-MM-DD").
func filterEvents(events []models.AttendanceEvent, label, start, end string) []models.AttendanceEvent {
	if label == "" && start == "" && end == "" {
		return events
	}
	out := make([]models.AttendanceEvent, 0, len(events))
	for _, ev := range events {
		if label != "" && !strings.EqualFold(ev.Label, label) {
			continue
		}
		key := timeutil.DateKey(ev.TS)
		if start != "" && key < start {
			continue
		}
		if end != "" && key > end {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (h *AttendanceHandler) changed() {
	if h.notify != nil {
		h.notify("att_log")
	}
}

func eventResponse(ev models.AttendanceEvent) dto.EventResponse {
	return dto.EventResponse{
		ID:       ev.ID,
		Label:    ev.Label,
		PersonID: ev.PersonID,
		TS:       timeutil.FormatISO(ev.TS),
		Score:    ev.Score,
	}
}
