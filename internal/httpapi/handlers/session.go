package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/debug-collab/internal/collab"
	"github.com/suPer8Hu/debug-collab/internal/common"
)

type createSessionResp struct {
	SessionID string `json:"session_id"`
	JoinURL   string `json:"join_url"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	sid := h.Registry.CreateSession()
	log.Printf("[CreateSession] session_id=%s", sid)
	common.OK(c, createSessionResp{
		SessionID: sid,
		JoinURL:   h.Cfg.PublicBasePath + "/ws/session/" + sid,
	})
}

func (h *Handler) GetSession(c *gin.Context) {
	info, err := h.Registry.Info(c.Param("session_id"))
	if err != nil {
		if errors.Is(err, collab.ErrSessionNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "session not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "server error")
		return
	}
	common.OK(c, info)
}

type historyItem struct {
	ID        uint64 `json:"id"`
	Code      string `json:"code"`
	Logs      string `json:"logs"`
	CreatedAt string `json:"created_at"`
}

// ListHistory pages through persisted snapshots, newest first. History
// outlives the live session, so the session does not have to be registered.
func (h *Handler) ListHistory(c *gin.Context) {
	sid := c.Param("session_id")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	var beforeID uint64
	if v := c.Query("before_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, 40001, "invalid before_id")
			return
		}
		beforeID = n
	}

	rows, err := h.History.List(c.Request.Context(), sid, limit, beforeID)
	if err != nil {
		log.Printf("[ListHistory] session_id=%s err=%v", sid, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to list history")
		return
	}

	items := make([]historyItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, historyItem{
			ID:        r.ID,
			Code:      r.Code,
			Logs:      r.Logs,
			CreatedAt: r.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}

	var nextBeforeID uint64
	if len(rows) > 0 {
		nextBeforeID = rows[len(rows)-1].ID
	}

	common.OK(c, gin.H{
		"items":          items,
		"next_before_id": nextBeforeID,
	})
}

// ListSessionErrors returns raw analysis occurrences recorded for a session.
func (h *Handler) ListSessionErrors(c *gin.Context) {
	sid := c.Param("session_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	rows, err := h.Ledger.ListOccurrences(c.Request.Context(), sid, limit)
	if err != nil {
		log.Printf("[ListSessionErrors] session_id=%s err=%v", sid, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to list errors")
		return
	}
	common.OK(c, gin.H{"items": rows})
}
