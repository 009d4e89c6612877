package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	_, err = st.DB().Exec(`INSERT INTO departments (id, name) VALUES ('research', 'Research'), ('content', 'Content')`)
	if err != nil {
		t.Fatalf("seed departments: %v", err)
	}
	_, err = st.DB().Exec(`
		INSERT INTO agents (id, display_name, role, department_id) VALUES
		('atlas', 'ATLAS', 'Senior Research Analyst', 'research'),
		('scribe', 'SCRIBE', 'Content Director', 'content')
	`)
	if err != nil {
		t.Fatalf("seed agents: %v", err)
	}
	return st
}

func TestAppendValidation(t *testing.T) {
	st := newTestStore(t, Config{})
	ctx := context.Background()

	cases := []struct {
		name string
		evt  *Event
	}{
		{"missing agent", &Event{Kind: "task_completed", Status: StatusSuccess}},
		{"missing kind", &Event{AgentID: "atlas", Status: StatusSuccess}},
		{"bad status", &Event{AgentID: "atlas", Kind: "task_completed", Status: "done"}},
		{"unknown agent", &Event{AgentID: "ghost", Kind: "task_completed", Status: StatusSuccess}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := st.Append(ctx, tc.evt); !errors.Is(err, ErrValidation) {
				t.Errorf("Append = %v, want ErrValidation", err)
			}
		})
	}
}

func TestAppendDefaultsAndDepartmentInheritance(t *testing.T) {
	st := newTestStore(t, Config{})
	ctx := context.Background()

	id, err := st.Append(ctx, &Event{AgentID: "atlas", Kind: "research_started", Status: StatusInProgress})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id == "" {
		t.Fatal("Append returned empty id")
	}

	got, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DepartmentID != "research" {
		t.Errorf("department = %q, want inherited %q", got.DepartmentID, "research")
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp was not defaulted")
	}
	if got.OutOfOrder {
		t.Error("first event flagged out of order")
	}
}

func TestAppendMonotonicTimestamps(t *testing.T) {
	st := newTestStore(t, Config{ClockSkewTolerance: 2 * time.Minute})
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if _, err := st.Append(ctx, &Event{AgentID: "atlas", Kind: "k", Status: StatusSuccess, Timestamp: base}); err != nil {
		t.Fatalf("Append base: %v", err)
	}

	// Within tolerance: accepted but flagged.
	evt := &Event{AgentID: "atlas", Kind: "k", Status: StatusSuccess, Timestamp: base.Add(-time.Minute)}
	if _, err := st.Append(ctx, evt); err != nil {
		t.Fatalf("Append within tolerance: %v", err)
	}
	if !evt.OutOfOrder {
		t.Error("regressing event within tolerance not flagged out of order")
	}

	// Beyond tolerance: rejected.
	_, err := st.Append(ctx, &Event{AgentID: "atlas", Kind: "k", Status: StatusSuccess, Timestamp: base.Add(-10 * time.Minute)})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Append beyond tolerance = %v, want ErrValidation", err)
	}

	// Other agents are unaffected by atlas's high-water mark.
	if _, err := st.Append(ctx, &Event{AgentID: "scribe", Kind: "k", Status: StatusSuccess, Timestamp: base.Add(-time.Hour)}); err != nil {
		t.Errorf("Append for other agent: %v", err)
	}
}

func TestAppendCapacity(t *testing.T) {
	st := newTestStore(t, Config{MaxEvents: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := st.Append(ctx, &Event{AgentID: "atlas", Kind: "k", Status: StatusSuccess}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if _, err := st.Append(ctx, &Event{AgentID: "atlas", Kind: "k", Status: StatusSuccess}); !errors.Is(err, ErrCapacity) {
		t.Errorf("Append over bound = %v, want ErrCapacity", err)
	}
}

// Appends from different agents hold different mutexes, so the capacity
// bound must hold under concurrency, not just sequentially.
func TestAppendCapacityIsStrictUnderConcurrency(t *testing.T) {
	const bound = 5
	st := newTestStore(t, Config{MaxEvents: bound})
	ctx := context.Background()

	done := make(chan error, 2)
	for _, agent := range []string{"atlas", "scribe"} {
		go func(agent string) {
			for i := 0; i < bound; i++ {
				if _, err := st.Append(ctx, &Event{AgentID: agent, Kind: "k", Status: StatusSuccess}); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(agent)
	}
	sawCapacity := false
	for i := 0; i < 2; i++ {
		err := <-done
		if errors.Is(err, ErrCapacity) {
			sawCapacity = true
		} else if err != nil {
			t.Fatalf("concurrent append: %v", err)
		}
	}
	if !sawCapacity {
		t.Error("ten appends against a bound of five never hit ErrCapacity")
	}

	events, err := st.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) > bound {
		t.Errorf("store holds %d events, bound is %d", len(events), bound)
	}
}

func TestQueryOrderAndCursor(t *testing.T) {
	st := newTestStore(t, Config{})
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Two events share a timestamp to exercise the id tie-break.
	ids := []string{"b-event", "a-event"}
	for _, id := range ids {
		if _, err := st.Append(ctx, &Event{ID: id, AgentID: "atlas", Kind: "k", Status: StatusSuccess, Timestamp: base}); err != nil {
			t.Fatalf("Append %s: %v", id, err)
		}
	}
	if _, err := st.Append(ctx, &Event{ID: "newest", AgentID: "atlas", Kind: "k", Status: StatusSuccess, Timestamp: base.Add(time.Minute)}); err != nil {
		t.Fatalf("Append newest: %v", err)
	}

	events, err := st.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	wantOrder := []string{"newest", "a-event", "b-event"}
	if len(events) != len(wantOrder) {
		t.Fatalf("got %d events, want %d", len(events), len(wantOrder))
	}
	for i, want := range wantOrder {
		if events[i].ID != want {
			t.Errorf("events[%d] = %s, want %s", i, events[i].ID, want)
		}
	}

	// Keyset cursor resumes exactly after the first page.
	page1, err := st.Query(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatalf("Query page1: %v", err)
	}
	last := page1[0]
	page2, err := st.Query(ctx, Filter{Limit: 2, Before: &EventKey{Timestamp: last.Timestamp, ID: last.ID}})
	if err != nil {
		t.Fatalf("Query page2: %v", err)
	}
	if len(page2) != 2 || page2[0].ID != "a-event" || page2[1].ID != "b-event" {
		t.Errorf("page2 = %v, want [a-event b-event]", page2)
	}
}

func TestQueryFilters(t *testing.T) {
	st := newTestStore(t, Config{})
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	seed := []Event{
		{AgentID: "atlas", Kind: "k", Status: StatusSuccess, Timestamp: base},
		{AgentID: "atlas", Kind: "k", Status: StatusFailed, Timestamp: base.Add(time.Minute)},
		{AgentID: "scribe", Kind: "k", Status: StatusInProgress, Timestamp: base.Add(2 * time.Minute)},
	}
	for i := range seed {
		if _, err := st.Append(ctx, &seed[i]); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	byAgent, err := st.Query(ctx, Filter{AgentID: "scribe"})
	if err != nil {
		t.Fatalf("Query agent: %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].AgentID != "scribe" {
		t.Errorf("agent filter returned %v", byAgent)
	}

	byStatus, err := st.Query(ctx, Filter{Statuses: []string{StatusFailed, StatusInProgress}})
	if err != nil {
		t.Fatalf("Query status: %v", err)
	}
	if len(byStatus) != 2 {
		t.Errorf("status filter returned %d events, want 2", len(byStatus))
	}

	since := base.Add(30 * time.Second)
	until := base.Add(90 * time.Second)
	byWindow, err := st.Query(ctx, Filter{Since: &since, Until: &until})
	if err != nil {
		t.Fatalf("Query window: %v", err)
	}
	if len(byWindow) != 1 || byWindow[0].Status != StatusFailed {
		t.Errorf("window filter returned %v", byWindow)
	}

	byDept, err := st.Query(ctx, Filter{DepartmentID: "content"})
	if err != nil {
		t.Fatalf("Query department: %v", err)
	}
	if len(byDept) != 1 || byDept[0].AgentID != "scribe" {
		t.Errorf("department filter returned %v", byDept)
	}
}

func TestGetNotFound(t *testing.T) {
	st := newTestStore(t, Config{})
	if _, err := st.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestCompactPreservesStatusDistribution(t *testing.T) {
	st := newTestStore(t, Config{})
	ctx := context.Background()
	old := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	seed := []Event{
		{AgentID: "atlas", Kind: "k", Status: StatusSuccess, Timestamp: old},
		{AgentID: "atlas", Kind: "k", Status: StatusSuccess, Timestamp: old.Add(time.Hour)},
		{AgentID: "atlas", Kind: "k", Status: StatusFailed, Timestamp: old.Add(2 * time.Hour)},
		{AgentID: "atlas", Kind: "k", Status: StatusSuccess, Timestamp: recent},
	}
	for i := range seed {
		if _, err := st.Append(ctx, &seed[i]); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	before, err := st.StatusDistribution(ctx, "atlas")
	if err != nil {
		t.Fatalf("StatusDistribution before: %v", err)
	}

	n, err := st.Compact(ctx, recent.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if n != 3 {
		t.Errorf("compacted %d events, want 3", n)
	}

	after, err := st.StatusDistribution(ctx, "atlas")
	if err != nil {
		t.Fatalf("StatusDistribution after: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("distribution changed: before %v, after %v", before, after)
	}
	for status, count := range before {
		if after[status] != count {
			t.Errorf("status %s: count %d after compaction, want %d", status, after[status], count)
		}
	}

	// Raw rows older than the cutoff are gone.
	events, err := st.Query(ctx, Filter{AgentID: "atlas"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 || !events[0].Timestamp.Equal(recent) {
		t.Errorf("live events after compaction = %v, want the recent one only", events)
	}

	// Compacting again is a no-op.
	n, err = st.Compact(ctx, recent.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Compact again: %v", err)
	}
	if n != 0 {
		t.Errorf("second compaction removed %d events, want 0", n)
	}
}

func TestConcurrentAppendsAcrossAgents(t *testing.T) {
	st := newTestStore(t, Config{})
	ctx := context.Background()

	done := make(chan error, 2)
	for _, agent := range []string{"atlas", "scribe"} {
		go func(agent string) {
			for i := 0; i < 20; i++ {
				if _, err := st.Append(ctx, &Event{AgentID: agent, Kind: "k", Status: StatusSuccess}); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(agent)
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent append: %v", err)
		}
	}

	events, err := st.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 40 {
		t.Errorf("got %d events, want 40", len(events))
	}
}
