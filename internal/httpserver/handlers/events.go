package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/apiregistry/internal/audit"
	"github.com/MrSnakeDoc/apiregistry/internal/httpserver/deps"
	"github.com/MrSnakeDoc/apiregistry/internal/logger"
)

const defaultHistoryLimit = 100

type eventsResponse struct {
	Count  int           `json:"count"`
	Source string        `json:"source"`
	Events []audit.Event `json:"events"`
}

// Events lists retained events, filtered by service_id or by the from/to
// RFC 3339 range. With source=durable it reads the redis history instead.
func Events(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var serviceID int64
		if raw := q.Get("service_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeError(w, d.Logger, http.StatusBadRequest, "service_id must be an integer")
				return
			}
			serviceID = id
		}

		if q.Get("source") == "durable" {
			durableEvents(w, r, d, serviceID)
			return
		}

		var events []audit.Event
		switch {
		case serviceID != 0:
			events = d.Events.QueryByServiceID(serviceID)
		case q.Get("from") != "" || q.Get("to") != "":
			from, to, err := parseRange(q.Get("from"), q.Get("to"), d.Now())
			if err != nil {
				writeError(w, d.Logger, http.StatusBadRequest, err.Error())
				return
			}
			events = d.Events.QueryByTimeRange(from, to)
		default:
			events = d.Events.ListAll()
		}
		writeJSON(w, d.Logger, http.StatusOK, eventsResponse{Count: len(events), Source: "memory", Events: events})
	}
}

func durableEvents(w http.ResponseWriter, r *http.Request, d deps.Deps, serviceID int64) {
	if d.History == nil {
		writeError(w, d.Logger, http.StatusNotImplemented, "durable event history is not configured")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	var (
		events []audit.Event
		err    error
	)
	if serviceID != 0 {
		events, err = d.History.ByService(r.Context(), serviceID, limit)
	} else {
		events, err = d.History.Recent(r.Context(), limit)
	}
	if err != nil {
		d.Logger.Warn("durable event history unavailable", logger.Error(err))
		writeError(w, d.Logger, http.StatusBadGateway, "durable event history unavailable")
		return
	}
	writeJSON(w, d.Logger, http.StatusOK, eventsResponse{Count: len(events), Source: "durable", Events: events})
}

func parseRange(fromRaw, toRaw string, now time.Time) (time.Time, time.Time, error) {
	from := time.Time{}
	to := now
	if fromRaw != "" {
		t, err := time.Parse(time.RFC3339, fromRaw)
		if err != nil {
			return from, to, errInvalidTime("from")
		}
		from = t
	}
	if toRaw != "" {
		t, err := time.Parse(time.RFC3339, toRaw)
		if err != nil {
			return from, to, errInvalidTime("to")
		}
		to = t
	}
	if to.Before(from) {
		return from, to, rangeError("to must not be before from")
	}
	return from, to, nil
}

type rangeError string

func (e rangeError) Error() string { return string(e) }

func errInvalidTime(param string) error {
	return rangeError(param + " must be an RFC 3339 timestamp")
}

// Event returns a single event by id. With source=durable it reads the
// redis history, which still holds events evicted from memory.
func Event(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, d.Logger, http.StatusBadRequest, "event id must be an integer")
			return
		}
		if r.URL.Query().Get("source") == "durable" {
			durableEvent(w, r, d, id)
			return
		}
		ev, ok := d.Events.Get(id)
		if !ok {
			writeError(w, d.Logger, http.StatusNotFound, "event not found")
			return
		}
		writeJSON(w, d.Logger, http.StatusOK, ev)
	}
}

func durableEvent(w http.ResponseWriter, r *http.Request, d deps.Deps, id int64) {
	if d.History == nil {
		writeError(w, d.Logger, http.StatusNotImplemented, "durable event history is not configured")
		return
	}
	ev, err := d.History.GetEvent(r.Context(), id)
	switch {
	case errors.Is(err, audit.ErrEventNotFound):
		writeError(w, d.Logger, http.StatusNotFound, "event not found")
	case err != nil:
		d.Logger.Warn("durable event history unavailable", logger.Error(err), logger.Int64("event_id", id))
		writeError(w, d.Logger, http.StatusBadGateway, "durable event history unavailable")
	default:
		writeJSON(w, d.Logger, http.StatusOK, ev)
	}
}

// EventStats aggregates the retained events.
func EventStats(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Logger, http.StatusOK, d.Events.Statistics())
	}
}

// ClearEvents drops every retained event.
func ClearEvents(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Events.Clear()
		d.Logger.Info("audit events cleared via endpoint",
			logger.String("remote_ip", r.RemoteAddr))
		w.WriteHeader(http.StatusNoContent)
	}
}
