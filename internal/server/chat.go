package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/yuexia/opinio/internal/chat"
	"github.com/yuexia/opinio/internal/store"
)

// TurnStreamer is the orchestrator contract the handler depends on.
type TurnStreamer interface {
	StreamTurn(ctx context.Context, req chat.TurnRequest) <-chan chat.Event
}

// ChatHandler exposes the turn stream and the session/report/trait
// reads backed directly by session records.
type ChatHandler struct {
	Orch   TurnStreamer
	Store  *store.Store
	Logger *log.Logger
}

func (h *ChatHandler) Register(g *echo.Group) {
	g.POST("/chat/stream", h.stream)
	g.GET("/sessions", h.listSessions)
	g.DELETE("/sessions/:id", h.deleteSession)
	g.GET("/sessions/:id/report/status", h.reportStatus)
	g.GET("/sessions/:id/report", h.report)
	g.GET("/traits", h.traits)
	g.GET("/topics", h.listTopics)
}

// stream runs one conversation turn and relays its events as
// Server-Sent Events, one JSON object per event.
func (h *ChatHandler) stream(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)

	var req chat.TurnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.UserID = userID

	resp := c.Response()
	if req.SessionID == "" {
		// Callers may let the server mint the session id; it is echoed
		// back before the stream starts so the next turn can reuse it.
		req.SessionID = uuid.NewString()
	}
	resp.Header().Set("X-Session-ID", req.SessionID)
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	ctx := c.Request().Context()
	for ev := range h.Orch.StreamTurn(ctx, req) {
		data, err := json.Marshal(ev)
		if err != nil {
			h.Logger.Printf("marshal event session=%s: %v", req.SessionID, err)
			continue
		}
		if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			// Caller went away; the orchestrator notices via ctx on
			// its next yield point.
			return nil
		}
		flusher.Flush()
	}
	return nil
}

func (h *ChatHandler) listSessions(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	sessions, err := h.Store.ListSessions(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionSummary{
			ID:          s.ID,
			Mode:        string(s.Mode),
			TopicID:     s.TopicID,
			TopicTitle:  s.TopicTitle,
			Completed:   s.Completed,
			ReportReady: s.ReportReady,
			CreatedAt:   s.CreatedAt,
			UpdatedAt:   s.UpdatedAt,
			SnapshotAt:  s.TopicSnapshotAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *ChatHandler) deleteSession(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	err := h.Store.SoftDeleteSession(c.Request().Context(), c.Param("id"), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func (h *ChatHandler) ownedSession(c echo.Context) (chat.Session, error) {
	userID, _ := c.Get("user_id").(string)
	sess, ok, err := h.Store.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return chat.Session{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok || sess.UserID != userID {
		return chat.Session{}, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return sess, nil
}

func (h *ChatHandler) reportStatus(c echo.Context) error {
	sess, err := h.ownedSession(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ReportStatusResponse{Ready: sess.ReportReady})
}

func (h *ChatHandler) report(c echo.Context) error {
	sess, err := h.ownedSession(c)
	if err != nil {
		return err
	}
	if !sess.ReportReady {
		return echo.NewHTTPError(http.StatusNotFound, "report not ready")
	}
	return c.JSON(http.StatusOK, ReportResponse{Report: sess.Report})
}

func (h *ChatHandler) listTopics(c echo.Context) error {
	topics, err := h.Store.ListTopics(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if topics == nil {
		topics = []chat.Topic{}
	}
	return c.JSON(http.StatusOK, topics)
}

func (h *ChatHandler) traits(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	profile, ok, err := h.Store.GetTraitProfile(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no trait profile yet")
	}
	return c.JSON(http.StatusOK, profile)
}
