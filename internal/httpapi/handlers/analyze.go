package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/suPer8Hu/debug-collab/internal/analysis"
	"github.com/suPer8Hu/debug-collab/internal/common"
	"github.com/suPer8Hu/debug-collab/internal/httpapi/middleware"
)

var errImageTooLarge = errors.New("image too large")

// Analyze runs a one-off analysis outside any live session. The outcome is
// recorded in the ledger only when session_id is a well-formed id.
func (h *Handler) Analyze(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)

	// room for the text fields on top of the image
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.Cfg.MaxImageBytes+(1<<20))

	if err := c.Request.ParseMultipartForm(32 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			common.Fail(c, http.StatusRequestEntityTooLarge, 41301, "request too large")
			return
		}
		common.Fail(c, http.StatusBadRequest, 40001, "invalid form")
		return
	}

	code := c.PostForm("code")
	logs := c.PostForm("logs")
	sessionID := c.PostForm("session_id")

	image, status, err := readImage(c, h.Cfg.MaxImageBytes)
	if err != nil {
		if status == http.StatusRequestEntityTooLarge {
			common.Fail(c, status, 41301, "image too large")
			return
		}
		common.Fail(c, status, 40002, "invalid image")
		return
	}

	if code == "" && logs == "" && len(image) == 0 {
		common.Fail(c, http.StatusBadRequest, 40001, "code, logs or image required")
		return
	}

	log.Printf("[Analyze] user_id=%s code_len=%d logs_len=%d image_bytes=%d session_id=%q",
		userID, len(code), len(logs), len(image), sessionID)

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.Cfg.AnalyzeTimeout)
	defer cancel()

	start := time.Now()
	res, err := h.Gateway.Analyze(ctx, analysis.Request{Code: code, Logs: logs, Image: image})
	if err == nil && res == nil {
		err = analysis.ErrEmptyResult
	}
	if err != nil {
		log.Printf("[Analyze] failed user_id=%s cost=%s err=%v", userID, time.Since(start), err)
		if errors.Is(err, context.DeadlineExceeded) {
			common.Fail(c, http.StatusGatewayTimeout, 50401, "analysis timed out")
			return
		}
		common.Fail(c, http.StatusBadGateway, 50201, "analysis failed")
		return
	}

	// braced and urn forms parse too; the ledger keys on the canonical form
	if parsed, perr := uuid.Parse(sessionID); perr == nil {
		h.Recorder.RecordError(parsed.String(), res.ErrorSummary.Message, res.ErrorSummary.RootCause)
	}

	common.OK(c, res)
}

// readImage returns the optional "image" upload. A missing file is not an error.
func readImage(c *gin.Context, max int64) ([]byte, int, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return nil, 0, nil
		}
		return nil, http.StatusBadRequest, err
	}
	if fh.Size > max {
		return nil, http.StatusRequestEntityTooLarge, errImageTooLarge
	}
	f, err := fh.Open()
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	defer f.Close()

	b, err := io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	if int64(len(b)) > max {
		return nil, http.StatusRequestEntityTooLarge, errImageTooLarge
	}
	return b, 0, nil
}
