package websocket

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/portal/internal/auth"
)

// HandleFeed upgrades the request and streams hub events until the client
// goes away. Authorization happens in front of this handler. The optional
// "types" query parameter is a comma-separated list of event types to receive.
func HandleFeed(hub *Hub, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var types []string
		if q := r.URL.Query().Get("types"); q != "" {
			types = strings.Split(q, ",")
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			logger.Warn("feed accept failed", "error", err)
			return
		}
		defer conn.CloseNow()

		adminID := auth.UserID(r.Context())
		start := time.Now()
		logger.Info("feed connected", "admin_id", adminID, "types", types)
		NewClient(hub, conn, adminID, types).Run(r.Context())
		logger.Info("feed disconnected", "admin_id", adminID, "duration", time.Since(start).Round(time.Second))
		conn.Close(ws.StatusNormalClosure, "")
	}
}
