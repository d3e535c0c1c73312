package api

import (
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/iNandix/denis-unified-v1-sub002/pkg/events"
)

// eventsHandler handles GET /v1/events?conversation_id&after. Fail-open:
// always 200, a query failure returns an empty list plus an error object.
func (s *Server) eventsHandler(c *echo.Context) error {
	conversationID := c.QueryParam("conversation_id")
	if conversationID == "" {
		conversationID = events.DefaultConversationID
	}
	after, _ := strconv.ParseInt(c.QueryParam("after"), 10, 64)

	if s.store == nil {
		return c.JSON(http.StatusOK, map[string]any{
			"conversation_id": conversationID,
			"events":          []*events.Event{},
			"error":           map[string]any{"code": "store_unavailable"},
		})
	}

	evts, err := s.store.QueryAfter(c.Request().Context(), conversationID, after)
	if err != nil {
		return c.JSON(http.StatusOK, map[string]any{
			"conversation_id": conversationID,
			"events":          []*events.Event{},
			"error":           map[string]any{"code": "query_failed", "message": err.Error()},
		})
	}
	if evts == nil {
		evts = []*events.Event{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"events":          evts,
	})
}

// wsHandler upgrades GET /v1/ws to a WebSocket and delegates to the
// ConnectionManager. HandleConnection blocks until the socket closes.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.connManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.connManager.HandleConnection(c.Request().Context(), conn, c.QueryParam("conversation_id"))
	return nil
}
