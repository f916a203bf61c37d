package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/debug-collab/internal/analysis"
	"github.com/suPer8Hu/debug-collab/internal/collab"
	"github.com/suPer8Hu/debug-collab/internal/common"
	"github.com/suPer8Hu/debug-collab/internal/config"
	"github.com/suPer8Hu/debug-collab/internal/history"
	"github.com/suPer8Hu/debug-collab/internal/ledger"
)

type Deps struct {
	Engine   *collab.Engine
	Gateway  analysis.Gateway
	Recorder collab.Recorder
	History  *history.Repo
	Ledger   *ledger.Ledger
}

type Handler struct {
	Cfg      config.Config
	Engine   *collab.Engine
	Registry *collab.Registry
	Gateway  analysis.Gateway
	Recorder collab.Recorder
	History  *history.Repo
	Ledger   *ledger.Ledger

	upgrader websocket.Upgrader
}

func NewHandler(cfg config.Config, d Deps) *Handler {
	return &Handler{
		Cfg:      cfg,
		Engine:   d.Engine,
		Registry: d.Engine.Registry(),
		Gateway:  d.Gateway,
		Recorder: d.Recorder,
		History:  d.History,
		Ledger:   d.Ledger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// browsers connect cross-origin in dev; CORS is enforced on the HTTP routes
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func (h *Handler) Health(c *gin.Context) {
	common.OK(c, gin.H{
		"status":   "ok",
		"sessions": h.Registry.Len(),
	})
}
