package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"subzz/internal/tracking"
)

type trackRequest struct {
	Event      string          `json:"event"`
	TrackingID string          `json:"trackingId"`
	Data       json.RawMessage `json:"data"`
}

type trackResponse struct {
	TrackingID string          `json:"trackingId,omitempty"`
	Status     tracking.Status `json:"status,omitempty"`
	LastUpdate *time.Time      `json:"lastUpdate,omitempty"`
	LastEvent  *tracking.Event `json:"lastEvent,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// handleTrack handles POST /pay/track. It always answers 200 so the
// checkout's callback never retries; rejected bodies carry an error field.
func (s *SubzzServer) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		s.logger.Debug("Ignoring malformed tracking event", zap.Error(err))
		writeJSON(w, http.StatusOK, trackResponse{Error: "Invalid request body"})
		return
	}
	if req.TrackingID == "" || req.Event == "" {
		writeJSON(w, http.StatusOK, trackResponse{Error: "event and trackingId are required"})
		return
	}

	entry, ev := s.tracking.Record(req.TrackingID, req.Event, req.Data)
	trackingEvents.WithLabelValues(trackingEventLabel(req.Event)).Inc()
	trackingEntriesGauge.Set(float64(s.tracking.Len()))

	s.logger.Debug("Tracking event recorded",
		zap.String("tracking_id", req.TrackingID),
		zap.String("event", req.Event),
		zap.String("status", string(entry.Status)),
		zap.Int("events", len(entry.Events)),
	)

	writeJSON(w, http.StatusOK, trackResponse{
		TrackingID: entry.TrackingID,
		Status:     entry.Status,
		LastUpdate: &entry.LastUpdate,
		LastEvent:  &ev,
	})
}

// handleTrackStatus handles GET /pay/track?trackingId=ID.
func (s *SubzzServer) handleTrackStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("trackingId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing trackingId")
		return
	}
	entry, err := s.tracking.Get(id)
	if errors.Is(err, tracking.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Tracking not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
