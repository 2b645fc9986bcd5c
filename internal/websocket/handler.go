package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/gflix/internal/auth"
)

// HandleWebSocket upgrades an authenticated request and streams the account's
// entitlement events until the connection closes.
func HandleWebSocket(hub *Hub, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := auth.AccountID(r.Context())
		if accountID == 0 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			logger.Warn("websocket accept", "account_id", accountID, "error", err)
			return
		}

		conn.SetReadLimit(512)

		if err := NewClient(hub, conn, accountID).Run(r.Context()); err != nil {
			logger.Debug("websocket closed", "account_id", accountID, "error", err)
		}
	}
}
