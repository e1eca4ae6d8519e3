package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"remindd/internal/control"
	"remindd/internal/reminder"
	logx "remindd/pkg/logx"
)

const userHeader = "X-User-ID"

// Router builds the full route table. Exposed so tests can drive the API
// through httptest without binding a socket.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/reminders", s.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/reminders", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/reminders/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/reminders/{id}/snooze", s.handleSnooze).Methods(http.MethodPost)
	api.HandleFunc("/reminders/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/reminders/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return r
}

type createRequest struct {
	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
	DueLocal string `json:"due_at_local,omitempty"`
	// DueUTC is an RFC 3339 alternative to due_at_local; the wall-clock
	// form is derived from it in the request timezone.
	DueUTC     string `json:"due_at_utc,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	RepeatRule string `json:"repeat_rule,omitempty"`
}

type createResponse struct {
	reminder.Reminder
	Deduplicated bool `json:"deduplicated,omitempty"`
}

type snoozeRequest struct {
	For             string `json:"for,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.DueLocal == "" && req.DueUTC != "" {
		due, err := time.Parse(time.RFC3339, req.DueUTC)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, errors.New(`"due_at_utc" must be RFC 3339`))
			return
		}
		tz := req.Timezone
		if tz == "" {
			tz = "UTC"
		}
		loc, err := time.LoadLocation(tz)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, errors.New("unknown timezone "+strconv.Quote(tz)))
			return
		}
		req.Timezone = tz
		req.DueLocal = due.In(loc).Format(reminder.LocalLayout)
	}
	created, deduped, err := s.ctl.Create(r.Context(), control.CreateRequest{
		UserID:     user,
		Title:      req.Title,
		Body:       req.Body,
		DueLocal:   req.DueLocal,
		Timezone:   req.Timezone,
		RepeatRule: req.RepeatRule,
	})
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	status := http.StatusCreated
	if deduped {
		// The identical reminder already exists; hand it back instead of
		// erroring so client retries are harmless.
		status = http.StatusOK
	}
	s.writeJSON(w, r, status, createResponse{Reminder: created, Deduplicated: deduped})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	rem, err := s.ctl.Get(r.Context(), user, mux.Vars(r)["id"])
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, rem)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	status := reminder.Status(r.URL.Query().Get("status"))
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	list, err := s.ctl.List(r.Context(), user, status, limit)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	if list == nil {
		list = []reminder.Reminder{}
	}
	s.writeJSON(w, r, http.StatusOK, list)
}

func (s *Service) handleSnooze(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	var req snoozeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	var d time.Duration
	switch {
	case req.For != "":
		var err error
		if d, err = time.ParseDuration(req.For); err != nil {
			s.writeError(w, r, http.StatusBadRequest, errors.New(`"for" must be a duration like "10m"`))
			return
		}
	case req.DurationMinutes != 0:
		d = time.Duration(req.DurationMinutes) * time.Minute
	default:
		s.writeError(w, r, http.StatusBadRequest, errors.New(`either "for" or "duration_minutes" is required`))
		return
	}
	rem, err := s.ctl.Snooze(r.Context(), user, mux.Vars(r)["id"], d)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, rem)
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	rem, err := s.ctl.Cancel(r.Context(), user, mux.Vars(r)["id"])
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, rem)
}

func (s *Service) handleComplete(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	rem, err := s.ctl.Complete(r.Context(), user, mux.Vars(r)["id"])
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, rem)
}

func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		s.writeError(w, r, http.StatusNotFound, errors.New("metrics disabled"))
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.tracker.Snapshot())
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(userHeader)
	if user == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New(userHeader+" header required"))
		return "", false
	}
	return user, true
}

// writeMapped translates the domain error taxonomy to HTTP statuses.
func (s *Service) writeMapped(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, control.ErrInvalidArgument), errors.Is(err, reminder.ErrInvalidRecurrenceRule):
		s.writeError(w, r, http.StatusBadRequest, err)
	case errors.Is(err, reminder.ErrNotFound), errors.Is(err, reminder.ErrForbidden):
		// Foreign ids look like missing ids so the API never confirms
		// another user's reminder exists.
		s.writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, reminder.ErrStateConflict):
		s.writeError(w, r, http.StatusConflict, err)
	default:
		s.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
		s.writeError(w, r, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.log.Debug("request rejected",
		logx.String("method", r.Method),
		logx.String("path", r.URL.Path),
		logx.Int("status", status),
		logx.Err(err))
	s.writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

func (s *Service) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("response encode failed", logx.String("path", r.URL.Path), logx.Err(err))
	}
}
