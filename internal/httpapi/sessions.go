package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/goose-companion/internal/activity"
	"github.com/ent0n29/goose-companion/internal/session"
	"github.com/ent0n29/goose-companion/internal/transcript"
)

const maxTranscriptLimit = 200

type sessionView struct {
	ID           string          `json:"id"`
	UpdatedAt    string          `json:"updated_at"`
	MessageCount int             `json:"message_count"`
	Description  string          `json:"description,omitempty"`
	WorkingDir   string          `json:"working_dir,omitempty"`
	Status       activity.Status `json:"status"`
}

type sessionListResponse struct {
	Sessions    []sessionView `json:"sessions"`
	RefreshedAt time.Time     `json:"refreshed_at"`
}

type transcriptResponse struct {
	SessionID string                  `json:"session_id"`
	Turns     []transcript.TurnRecord `json:"turns"`
}

func newSessionView(s session.Session, status activity.Status) sessionView {
	return sessionView{
		ID:           s.ID,
		UpdatedAt:    s.UpdatedAt,
		MessageCount: s.MessageCount,
		Description:  s.Description,
		WorkingDir:   s.WorkingDir,
		Status:       status,
	}
}

// handleListSessions reports every cached session. Without probe=true the
// statuses come from the cache and timestamps only, with no stream opened.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	probe, err := boolQuery(r, "probe", false)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_probe", err.Error())
		return
	}
	list := s.deps.Sessions.List()
	var statuses []activity.Status
	if probe {
		statuses = s.deps.Classifier.ClassifyAll(r.Context(), list, true)
	} else {
		statuses = s.deps.Classifier.EstimateAll(list)
	}

	views := make([]sessionView, 0, len(list))
	for i, sess := range list {
		views = append(views, newSessionView(sess, statuses[i]))
	}
	respondJSON(w, http.StatusOK, sessionListResponse{
		Sessions:    views,
		RefreshedAt: s.deps.Sessions.RefreshedAt(),
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	probe, err := boolQuery(r, "probe", true)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_probe", err.Error())
		return
	}
	status := s.deps.Classifier.Classify(r.Context(), sess, probe)
	respondJSON(w, http.StatusOK, newSessionView(sess, status))
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	if s.deps.Transcripts == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript store not configured")
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxTranscriptLimit)
	}

	turns, err := s.deps.Transcripts.Recent(r.Context(), sess.ID, limit)
	if err != nil {
		s.deps.Metrics.ObserveTranscriptError("recent")
		s.log.Warnw("transcript query failed", "session_id", sess.ID, "error", err)
		respondError(w, http.StatusBadGateway, "transcript_unavailable", "transcript store query failed")
		return
	}
	if turns == nil {
		turns = []transcript.TurnRecord{}
	}
	respondJSON(w, http.StatusOK, transcriptResponse{SessionID: sess.ID, Turns: turns})
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return session.Session{}, false
	}
	sess, err := s.deps.Sessions.Get(id)
	if errors.Is(err, session.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return session.Session{}, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_lookup_failed", err.Error())
		return session.Session{}, false
	}
	return sess, true
}

func boolQuery(r *http.Request, key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New(key + " must be true or false")
	}
	return v, nil
}
