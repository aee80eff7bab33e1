package jobs

import (
	"log"
	"time"

	ws "github.com/unihive/unihive-server/websocket"
)

const pingDeadline = 5 * time.Second

// SweepPresence returns a cron job that pings every registered realtime
// connection and drops the ones whose transport is gone, keeping the
// presence map honest between disconnect signals.
func SweepPresence(hub *ws.Hub) func() {
	return func() {
		dropped := hub.SweepStale(pingDeadline)
		if dropped > 0 {
			log.Printf("Presence sweep dropped %d stale connection(s), %d online", dropped, hub.OnlineCount())
		}
	}
}
