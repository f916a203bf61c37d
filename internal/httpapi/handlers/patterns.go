package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/debug-collab/internal/common"
	"gorm.io/gorm"
)

func (h *Handler) ListPatterns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	rows, err := h.Ledger.ListPatterns(c.Request.Context(), limit)
	if err != nil {
		log.Printf("[ListPatterns] err=%v", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to list patterns")
		return
	}
	common.OK(c, gin.H{"items": rows})
}

func (h *Handler) GetPattern(c *gin.Context) {
	p, err := h.Ledger.GetPattern(c.Request.Context(), c.Param("hash"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "pattern not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "server error")
		return
	}
	common.OK(c, p)
}
