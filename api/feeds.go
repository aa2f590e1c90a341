package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chimerasec/chimera/feeds"
	"github.com/chimerasec/chimera/idgen"
	"github.com/chimerasec/chimera/obs"
	"github.com/chimerasec/chimera/store"
)

var feedID = idgen.Prefixed("feed_", idgen.Default)

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	list, err := s.st.ListFeeds(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]any{"feeds": list})
}

// handleAddFeed registers a feed from the operator-supplied definition.
// The update interval arrives in hours, fractional allowed.
func (s *Server) handleAddFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string  `json:"name"`
		URL           string  `json:"url"`
		Format        string  `json:"format"`
		IntervalHours float64 `json:"update_interval"`
		AuthToken     string  `json:"auth_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if req.Name == "" || req.URL == "" {
		writeJSON(w, 400, map[string]string{"error": "name and url are required"})
		return
	}
	if err := feeds.ValidateFeedURL(req.URL); err != nil {
		writeError(w, 400, err)
		return
	}
	format := store.FeedFormat(req.Format)
	switch format {
	case store.FormatJSON, store.FormatCSV, store.FormatXML, store.FormatSTIX:
	default:
		writeJSON(w, 400, map[string]string{"error": "format must be JSON, CSV, XML or STIX"})
		return
	}
	if req.IntervalHours <= 0 {
		req.IntervalHours = 1
	}

	f := &store.Feed{
		ID:        feedID(),
		Name:      req.Name,
		URL:       req.URL,
		Format:    format,
		Interval:  int64(req.IntervalHours * float64(time.Hour/time.Millisecond)),
		AuthToken: req.AuthToken,
		Status:    store.FeedActive,
	}
	if err := s.st.InsertFeed(r.Context(), f); err != nil {
		writeError(w, 500, err)
		return
	}
	s.events.Record(r.Context(), obs.Event{Type: "feed_added", Entity: "feed",
		EntityID: f.ID, Detail: f.Name, Success: true})
	writeJSON(w, 201, f)
}

// handleToggleFeed flips a feed between active and inactive. Toggling an
// errored feed re-enables scheduling immediately; its streak clears on
// the first success.
func (s *Server) handleToggleFeed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := s.st.GetFeed(r.Context(), id)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if f == nil {
		writeJSON(w, 404, map[string]string{"error": "no such feed"})
		return
	}

	next := store.FeedInactive
	if f.Status == store.FeedInactive {
		next = store.FeedActive
	}
	if err := s.st.SetFeedStatus(r.Context(), id, next); err != nil {
		writeError(w, 500, err)
		return
	}
	s.events.Record(r.Context(), obs.Event{Type: "feed_toggled", Entity: "feed",
		EntityID: id, Detail: string(next), Success: true})
	writeJSON(w, 200, map[string]string{"id": id, "status": string(next)})
}

func (s *Server) handleTriggerFeed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.scheduler.Trigger(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, 202, map[string]string{"id": id, "status": "triggered"})
	case errors.Is(err, feeds.ErrFeedInactive):
		writeError(w, 409, err)
	case errors.Is(err, feeds.ErrFeedBusy):
		writeError(w, 409, err)
	default:
		writeError(w, 500, err)
	}
}

func (s *Server) handleTriggerAll(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.Trigger(r.Context(), ""); err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 202, map[string]string{"status": "triggered"})
}

func (s *Server) handleResetFeedErrors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.st.ResetFeedErrors(r.Context(), id); err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]string{"id": id, "status": "reset"})
}

func (s *Server) handleFeedStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.st.GetFeedStats(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, stats)
}

func (s *Server) handleFeedSearch(w http.ResponseWriter, r *http.Request) {
	value := r.URL.Query().Get("value")
	if value == "" {
		writeJSON(w, 400, map[string]string{"error": "value is required"})
		return
	}
	matches, err := s.st.SearchFeedIndicators(r.Context(), value, r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]any{"matches": matches})
}
