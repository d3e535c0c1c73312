package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/iNandix/denis-unified-v1-sub002/pkg/events"
)

// telemetryHandler handles GET /telemetry: aggregated counters for every
// subsystem. Always 200, even when everything below it is down.
func (s *Server) telemetryHandler(c *echo.Context) error {
	body := map[string]any{
		"uptime_s": int(time.Since(s.startTime).Seconds()),
		"requests": map[string]any{
			"served": s.requestsServed.Load(),
			"chat":   s.chatRequests.Load(),
		},
		"events":       s.eventsBlock(c),
		"graph":        s.graphBlock(),
		"materializer": s.materializerBlock(),
		"neuro":        s.neuroBlock(),
		"control_room": map[string]any{"status": "ok"},
		"vectorstore":  map[string]any{"status": "external"},
	}
	if s.frontdoor != nil {
		body["persona"] = s.frontdoor.Counters()
	}
	return c.JSON(http.StatusOK, body)
}

// healthHandler handles GET /health: per-subsystem status blocks mirroring
// the telemetry structure.
func (s *Server) healthHandler(c *echo.Context) error {
	status := "healthy"

	store := map[string]any{"status": "ok"}
	if s.store == nil {
		store["status"] = "disabled"
	} else if err := s.store.Ping(c.Request().Context()); err != nil {
		store["status"] = "degraded"
		store["error"] = err.Error()
		status = "degraded"
	}

	graphBlock := s.graphBlock()
	hub := map[string]any{"status": "ok"}
	if s.hub == nil {
		hub["status"] = "disabled"
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":       status,
		"event_store":  store,
		"event_hub":    hub,
		"graph":        graphBlock,
		"materializer": s.materializerBlock(),
		"neuro":        s.neuroBlock(),
	})
}

func (s *Server) eventsBlock(c *echo.Context) map[string]any {
	block := map[string]any{}
	if s.hub != nil {
		block["subscribers"] = s.hub.ActiveSubscribers()
		block["dropped"] = s.hub.DroppedEvents()
	}
	if s.connManager != nil {
		block["connections"] = s.connManager.ActiveConnections()
	}
	if s.store != nil {
		if count, err := s.store.CountEvents(c.Request().Context(), events.DefaultConversationID); err == nil {
			block["stored_default"] = count
		}
	}
	return block
}

func (s *Server) graphBlock() map[string]any {
	if s.graphStatus == nil {
		return map[string]any{"status": "disabled"}
	}
	st := s.graphStatus()
	block := map[string]any{
		"enabled":       st.Enabled,
		"errors_window": st.ErrorsWindow,
	}
	switch {
	case !st.Enabled:
		block["status"] = "disabled"
	case st.ErrorsWindow > 0:
		block["status"] = "degraded"
	default:
		block["status"] = "ok"
	}
	if st.LastOkTS != "" {
		block["last_ok_ts"] = st.LastOkTS
	}
	if st.LastErrTS != "" {
		block["last_err_ts"] = st.LastErrTS
	}
	return block
}

func (s *Server) materializerBlock() map[string]any {
	if s.mat == nil {
		return map[string]any{"status": "disabled"}
	}
	st := s.mat.Status()
	return map[string]any{
		"status":    "ok",
		"processed": st.Processed,
		"skipped":   st.Skipped,
		"failures":  st.Failures,
		"lag_ms":    st.LagMS,
	}
}

func (s *Server) neuroBlock() map[string]any {
	if s.mat == nil {
		return map[string]any{"status": "disabled"}
	}
	layers, state := s.mat.Neuro().State()
	if len(layers) == 0 {
		return map[string]any{"status": "asleep"}
	}
	return map[string]any{
		"status":       "awake",
		"mode":         state.Mode,
		"risk_level":   state.RiskLevel,
		"last_wake_ts": state.LastWakeTS,
	}
}
