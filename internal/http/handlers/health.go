package handlers

import (
	"net/http"
)

// Health reports service liveness and whether the work queue is reachable. A
// down queue never fails the check; the service keeps serving jobs in
// degraded mode.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	queueState := "ok"
	if a.Tasks == nil {
		queueState = "disabled"
	} else if err := a.Tasks.Ping(r.Context()); err != nil {
		a.Logger.Warn().Err(err).Msg("api: health: queue ping failed")
		queueState = "unavailable"
	}
	a.json(w, http.StatusOK, map[string]string{"status": "ok", "queue": queueState})
}
