package server

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/listopia/pkg/errors"
	"github.com/odvcencio/listopia/pkg/orchestrator"
	"github.com/odvcencio/listopia/pkg/storage"
)

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		respondError(w, http.StatusServiceUnavailable, orchestrator.ErrUpstreamUnconfigured)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChatBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		respondError(w, http.StatusBadRequest, errors.Wrap(err, errors.ErrCodeInvalidInput, "read request body"))
		return
	}

	turn, err := s.deps.Chat.Prepare(r.Context(), r.Header, body)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	if _, err := s.deps.Chat.Execute(r.Context(), w, turn); err != nil {
		s.log.WithContext(r.Context()).WithSession(turn.SessionID).Warn("chat turn failed", "error", err.Error())
		respondError(w, statusFor(err), err)
	}
}

// statusFor maps a turn error onto the HTTP status returned to the caller.
func statusFor(err error) int {
	switch errors.GetCode(err) {
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeUpstreamUnavailable:
		if stderrors.Is(err, orchestrator.ErrUpstreamUnconfigured) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type summaryView struct {
	Tier      storage.Tier `json:"tier"`
	Text      string       `json:"text"`
	FromTurn  int          `json:"from_turn"`
	ToTurn    int          `json:"to_turn"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (s *Server) handleGetSummaries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Summaries == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New(errors.ErrCodeStorageFailed, "storage not configured"))
		return
	}
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	recs, err := s.deps.Summaries.ListSummaries(r.Context(), sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, errors.Wrap(err, errors.ErrCodeStorageFailed, "list summaries"))
		return
	}

	out := map[string]any{"session_id": sessionID}
	for _, tier := range []storage.Tier{storage.TierShort, storage.TierLong} {
		out[string(tier)] = nil
	}
	for _, rec := range recs {
		out[string(rec.Tier)] = summaryView{
			Tier:      rec.Tier,
			Text:      rec.Text,
			FromTurn:  rec.FromTurn,
			ToTurn:    rec.ToTurn,
			UpdatedAt: rec.UpdatedAt,
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSummaries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Summaries == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New(errors.ErrCodeStorageFailed, "storage not configured"))
		return
	}
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if err := s.deps.Summaries.DeleteSummaries(r.Context(), sessionID); err != nil {
		respondError(w, http.StatusInternalServerError, errors.Wrap(err, errors.ErrCodeStorageFailed, "delete summaries"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type routeInfo struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

func (s *Server) handleDebugRoutes(w http.ResponseWriter, r *http.Request) {
	var routes []routeInfo
	_ = chi.Walk(s.router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, routeInfo{Method: method, Path: strings.TrimSuffix(route, "/*")})
		return nil
	})
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})
	respondJSON(w, http.StatusOK, map[string]any{"routes": routes})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError writes a structured error. Gateway errors contribute their
// code and retryability.
func respondError(w http.ResponseWriter, status int, err error) {
	response := struct {
		Error     string `json:"error"`
		Status    int    `json:"status"`
		Code      string `json:"code,omitempty"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable,omitempty"`
		Timestamp string `json:"timestamp"`
	}{
		Error:     http.StatusText(status),
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if gwErr, ok := errors.As(err); ok {
		response.Code = string(gwErr.Code)
		response.Message = gwErr.Message
		response.Retryable = gwErr.Retryable
	} else if err != nil {
		response.Message = err.Error()
	}
	respondJSON(w, status, response)
}
