package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"applyd/pkg/models"
)

// handleEvents serves a campaign's event log from ?since=seq. Plain requests
// long-poll: if nothing is newer than since, the handler waits (bounded) for
// the next event before answering. With Accept: text/event-stream the
// response becomes an SSE stream that follows the log live.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	campaignID := r.PathValue("id")
	since := int64(intQuery(r, "since", 0))

	if _, err := s.store.GetCampaign(campaignID); err != nil {
		s.respondError(w, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamEvents(w, r, campaignID, since)
		return
	}

	// Subscribe before reading the log so no event can slip between the
	// read and the wait
	live, cancel := s.orch.Subscribe(campaignID)
	defer cancel()

	events, err := s.store.EventsSince(campaignID, since, intQuery(r, "limit", 0))
	if err != nil {
		s.respondError(w, err)
		return
	}
	if len(events) > 0 {
		s.respondJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}

	wait := time.Duration(intQuery(r, "wait", 0)) * time.Second
	if wait > longPollCap {
		wait = longPollCap
	}
	if wait <= 0 {
		s.respondJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-r.Context().Done():
		return
	case <-timer.C:
	case <-live:
		// at least one new event landed; reread past since for a gapless view
		if events, err = s.store.EventsSince(campaignID, since, 0); err != nil {
			s.respondError(w, err)
			return
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

// streamEvents follows the campaign log as server-sent events
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, campaignID string, since int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondJSON(w, http.StatusNotAcceptable, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	live, cancel := s.orch.Subscribe(campaignID)
	defer cancel()

	writeEvent := func(ev *models.Event) bool {
		body, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("could not encode event", zap.Error(err))
			return true
		}
		if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, body); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// Replay the backlog first, then follow the live feed. The feed may
	// replay an event already sent; seq-based dedup keeps the stream clean.
	last := since
	backlog, err := s.store.EventsSince(campaignID, since, 0)
	if err != nil {
		s.logger.Error("could not read event backlog", zap.Error(err))
		return
	}
	for _, ev := range backlog {
		if !writeEvent(ev) {
			return
		}
		last = ev.Seq
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Seq <= last {
				continue
			}
			// The buffered feed can drop under pressure; fill any gap
			// from the log before emitting
			if ev.Seq > last+1 {
				missed, err := s.store.EventsSince(campaignID, last, 0)
				if err != nil {
					s.logger.Error("could not backfill events", zap.Error(err))
					return
				}
				for _, m := range missed {
					if m.Seq >= ev.Seq {
						break
					}
					if !writeEvent(m) {
						return
					}
					last = m.Seq
				}
			}
			if !writeEvent(ev) {
				return
			}
			last = ev.Seq
		}
	}
}
