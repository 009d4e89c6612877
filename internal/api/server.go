// Package api exposes the read-only query surface over HTTP. All endpoints
// are GET, return JSON, and report empty datasets as 200 with empty arrays
// rather than errors.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/velvetclaw/missionctl/internal/bus"
	"github.com/velvetclaw/missionctl/internal/directory"
	"github.com/velvetclaw/missionctl/internal/feed"
	"github.com/velvetclaw/missionctl/internal/schedule"
	"github.com/velvetclaw/missionctl/internal/search"
	"github.com/velvetclaw/missionctl/internal/store"
	"github.com/velvetclaw/missionctl/internal/usage"
)

// Server serves the dashboard query API.
type Server struct {
	st    *store.Store
	dir   *directory.Directory
	feed  *feed.Builder
	sched *schedule.Index
	idx   *search.Index
	agg   *usage.Aggregator
	bus   *bus.TelemetryBus

	httpSrv *http.Server
}

// New creates a Server over the aggregation core.
func New(st *store.Store, dir *directory.Directory, fb *feed.Builder, sched *schedule.Index, idx *search.Index, agg *usage.Aggregator, b *bus.TelemetryBus) *Server {
	return &Server{st: st, dir: dir, feed: fb, sched: sched, idx: idx, agg: agg, bus: b}
}

// Routes builds the request mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/feed", s.handleFeed)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/events/", s.handleEventByID)
	mux.HandleFunc("/api/v1/calendar/week", s.handleCalendarWeek)
	mux.HandleFunc("/api/v1/search", s.handleSearch)
	mux.HandleFunc("/api/v1/usage/rollup", s.handleUsageRollup)
	mux.HandleFunc("/api/v1/usage/agents", s.handleUsageAgents)
	mux.HandleFunc("/api/v1/org/agents", s.handleOrgAgents)
	mux.HandleFunc("/api/v1/org/departments", s.handleOrgDepartments)
	mux.HandleFunc("/api/v1/org/chart", s.handleOrgChart)
	return mux
}

// Start begins serving on addr. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("query API listening", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the core error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrCapacity):
		status = http.StatusTooManyRequests
	case errors.Is(err, store.ErrTransientUpstream):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	agents, err := s.dir.ListAgents(r.Context(), "")
	if err != nil {
		writeError(w, err)
		return
	}
	online, busy := 0, 0
	for _, a := range agents {
		switch a.Status {
		case directory.StatusOnline:
			online++
		case directory.StatusBusy:
			busy++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":      len(agents),
		"online":      online,
		"busy":        busy,
		"bus_pending": s.bus.Size(),
		"time":        time.Now().UTC(),
	})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	limit := queryInt(r, "limit", 0)
	page, err := s.feed.Feed(r.Context(), limit, r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, err)
		return
	}
	if page.Entries == nil {
		page.Entries = []feed.Entry{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	q := r.URL.Query()
	f := store.Filter{
		AgentID:      q.Get("agent"),
		DepartmentID: q.Get("department"),
		Limit:        queryInt(r, "limit", 0),
	}
	if statuses, ok := q["status"]; ok {
		f.Statuses = statuses
	}
	var err error
	if f.Since, err = queryTime(r, "since"); err != nil {
		writeError(w, err)
		return
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		writeError(w, err)
		return
	}
	events, err := s.st.Query(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleEventByID(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	id := r.URL.Path[len("/api/v1/events/"):]
	evt, err := s.st.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evt)
}

func (s *Server) handleCalendarWeek(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	start := r.URL.Query().Get("start")
	var weekStart time.Time
	if start == "" {
		weekStart = schedule.WeekStart(time.Now())
	} else {
		var err error
		weekStart, err = time.Parse("2006-01-02", start)
		if err != nil {
			writeError(w, fmt.Errorf("%w: bad start date %q", store.ErrValidation, start))
			return
		}
	}
	occ, err := s.sched.OccurrencesForWeek(r.Context(), weekStart)
	if err != nil {
		writeError(w, err)
		return
	}
	// Stable day keys so consumers always see all seven buckets.
	days := make(map[string][]schedule.Occurrence, 7)
	for d := 0; d < 7; d++ {
		wd := weekStart.AddDate(0, 0, d).Weekday()
		list := occ[wd]
		if list == nil {
			list = []schedule.Occurrence{}
		}
		days[wd.String()] = list
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"week_start": weekStart.Format("2006-01-02"),
		"days":       days,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	q := r.URL.Query()
	results, err := s.idx.Query(r.Context(), q.Get("q"), q.Get("type"), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []search.ScoredDocument{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleUsageRollup(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	q := r.URL.Query()
	g := usage.Granularity(q.Get("granularity"))
	if g == "" {
		g = usage.Day
	}
	endPtr, err := queryTime(r, "end")
	if err != nil {
		writeError(w, err)
		return
	}
	var end time.Time
	if endPtr != nil {
		end = *endPtr
	}
	scope := usage.Scope{AgentID: q.Get("agent"), DepartmentID: q.Get("department")}
	rollup, err := s.agg.Sum(r.Context(), scope, g, end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rollup)
}

func (s *Server) handleUsageAgents(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	g := usage.Granularity(r.URL.Query().Get("granularity"))
	if g == "" {
		g = usage.Day
	}
	endPtr, err := queryTime(r, "end")
	if err != nil {
		writeError(w, err)
		return
	}
	var end time.Time
	if endPtr != nil {
		end = *endPtr
	}
	rollups, failed, err := s.agg.SumAllAgents(r.Context(), g, end)
	if err != nil {
		writeError(w, err)
		return
	}
	if rollups == nil {
		rollups = []usage.AgentRollup{}
	}
	if failed == nil {
		failed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": rollups, "failed": failed})
}

func (s *Server) handleOrgAgents(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	agents, err := s.dir.ListAgents(r.Context(), r.URL.Query().Get("department"))
	if err != nil {
		writeError(w, err)
		return
	}
	if agents == nil {
		agents = []directory.AgentStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleOrgDepartments(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	depts, err := s.dir.ListDepartments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if depts == nil {
		depts = []directory.Department{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"departments": depts})
}

func (s *Server) handleOrgChart(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	chart, err := s.dir.Chart(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chart)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryTime parses an optional RFC3339 query parameter. Absent parameters
// return nil rather than the zero time so filters can tell "unset" apart
// from an explicit bound.
func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%w: bad %s timestamp %q", store.ErrValidation, key, v)
	}
	return &t, nil
}
