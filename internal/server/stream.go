package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/crossquery/internal/auth"
	"github.com/haasonsaas/crossquery/pkg/models"
)

const (
	// wsWriteWait bounds one websocket write.
	wsWriteWait = 10 * time.Second

	// wsRequestWait bounds how long we wait for the client's request frame
	// after the upgrade.
	wsRequestWait = 30 * time.Second
)

// handleStream is /api/query/stream: the pipeline over server-sent events.
// POST carries a JSON body; GET maps query parameters onto the same request
// shape, since EventSource clients cannot set bodies or headers.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req models.MultiSourceRequest
	switch r.Method {
	case http.MethodPost:
		if !s.decodeBody(w, r, &req) {
			return
		}
	case http.MethodGet:
		if err := requestFromQuery(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	default:
		s.methodNotAllowed(w)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, models.NewError(models.CodeInternal, "streaming unsupported"))
		return
	}

	// Validation failures surface as a plain JSON error before any stream
	// headers go out.
	events, err := s.orch.Stream(r.Context(), &req, auth.PrincipalID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn(r.Context(), "event encode failed", "error", err.Error())
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Client went away. Returning cancels the request context,
			// which unwinds the pipeline.
			return
		}
		flusher.Flush()
	}
}

// requestFromQuery maps EventSource-style query parameters onto a request.
// Field bounds are still checked by Validate; this only rejects values that
// do not parse at all.
func requestFromQuery(r *http.Request, req *models.MultiSourceRequest) error {
	q := r.URL.Query()
	req.Query = q.Get("query")
	req.SessionID = q.Get("session_id")
	if raw := q.Get("sources"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				req.Sources = append(req.Sources, models.ProviderID(part))
			}
		}
	}
	if raw := q.Get("confidence_threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return models.NewError(models.CodeValidation, "confidence_threshold must be a number").
				WithDetail("field", "confidence_threshold")
		}
		req.ConfidenceThreshold = &v
	}
	if raw := q.Get("max_sources"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return models.NewError(models.CodeValidation, "max_sources must be an integer").
				WithDetail("field", "max_sources")
		}
		req.MaxSources = v
	}
	if raw := q.Get("include_plan"); raw != "" {
		v := raw == "true" || raw == "1"
		req.IncludePlan = &v
	}
	return nil
}

// handleWS is /api/query/ws: one query per connection. The client sends a
// single request frame, the server streams events back and closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		s.logger.Warn(r.Context(), "websocket upgrade failed", "error", err.Error())
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxBodyBytes)

	var req models.MultiSourceRequest
	conn.SetReadDeadline(time.Now().Add(wsRequestWait))
	if err := conn.ReadJSON(&req); err != nil {
		s.writeWSEvent(conn, models.ErrorEvent(models.CodeValidation, "invalid request frame"))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := s.orch.Stream(ctx, &req, auth.PrincipalID(r.Context()))
	if err != nil {
		te := models.AsError(err)
		s.writeWSEvent(conn, models.ErrorEvent(te.Code, te.Message))
		return
	}

	// The read pump fails as soon as the peer goes away, cancelling the
	// pipeline. No further request frames are expected.
	go func() {
		conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range events {
		if err := s.writeWSEvent(conn, ev); err != nil {
			return
		}
	}

	deadline := time.Now().Add(wsWriteWait)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func (s *Server) writeWSEvent(conn *websocket.Conn, ev models.StreamEvent) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ev)
}
