package cmd

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/slipstream-rtc/server/internal/serverapp"
	"github.com/slipstream-rtc/server/internal/util"
)

var statsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const statsPushInterval = time.Second

// handleDebugStats upgrades to a WebSocket and pushes the pipeline's
// transport counters once a second, for a local devtools page. It sits
// outside the signaling boundary entirely: no offer/answer exchange,
// no credential, just a read-only stats feed for local debugging.
func handleDebugStats(srv *serverapp.Server) http.HandlerFunc {
	logger := util.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := statsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("debug-stats: upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(statsPushInterval)
		defer ticker.Stop()
		for range ticker.C {
			if err := conn.WriteJSON(srv.Stats()); err != nil {
				return
			}
		}
	}
}
