package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/campusmart/server/internal/circuitbreaker"
	"github.com/campusmart/server/pkg/responders"
)

// health reports store connectivity and the gateway breaker state and counts.
// An unreachable store or an open breaker degrades the service.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := time.Now()
	storeHealthy := h.store != nil && h.store.Ping(ctx) == nil
	gateway := h.breaker.State(circuitbreaker.ServiceMpesa)

	status := "ok"
	statusCode := http.StatusOK
	if !storeHealthy || gateway == "open" {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]any{
		"status":       status,
		"uptime":       now.Sub(serverStartTime).String(),
		"timestamp":    now.UTC(),
		"storeHealthy": storeHealthy,
		"gateway":      gateway,
	}
	if gateway != "disabled" && gateway != "not_configured" {
		response["gatewayCounts"] = h.breaker.Counts(circuitbreaker.ServiceMpesa)
	}
	if h.cfg.Server.RoutePrefix != "" {
		response["routePrefix"] = h.cfg.Server.RoutePrefix
	}
	if h.cfg.Fees.FreeListing {
		response["features"] = []string{"free-listing"}
	}

	responders.JSON(w, statusCode, response)
}
