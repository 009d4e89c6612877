package directory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/velvetclaw/missionctl/internal/store"
)

func newTestDirectory(t *testing.T) (*Directory, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	d := New(st, Config{OnlineThreshold: 5 * time.Minute})
	ctx := context.Background()
	if err := d.UpsertDepartment(ctx, Department{ID: "research", Name: "Research"}); err != nil {
		t.Fatalf("UpsertDepartment: %v", err)
	}
	if err := d.UpsertAgent(ctx, Agent{ID: "jarvis", DisplayName: "JARVIS", Role: "Chief Strategy Officer"}); err != nil {
		t.Fatalf("UpsertAgent root: %v", err)
	}
	if err := d.UpsertAgent(ctx, Agent{ID: "atlas", DisplayName: "ATLAS", Role: "Senior Research Analyst", DepartmentID: "research", Capabilities: []string{"Deep Research"}}); err != nil {
		t.Fatalf("UpsertAgent atlas: %v", err)
	}
	return d, st
}

func TestUpsertAgentValidation(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	if err := d.UpsertAgent(ctx, Agent{ID: "x"}); !errors.Is(err, store.ErrValidation) {
		t.Errorf("missing display name = %v, want ErrValidation", err)
	}
	if err := d.UpsertAgent(ctx, Agent{ID: "x", DisplayName: "X", DepartmentID: "nope"}); !errors.Is(err, store.ErrValidation) {
		t.Errorf("unknown department = %v, want ErrValidation", err)
	}
	// A second department-less agent violates the single-root rule.
	if err := d.UpsertAgent(ctx, Agent{ID: "hal", DisplayName: "HAL"}); !errors.Is(err, store.ErrValidation) {
		t.Errorf("second root agent = %v, want ErrValidation", err)
	}
	// Re-upserting the existing root is fine.
	if err := d.UpsertAgent(ctx, Agent{ID: "jarvis", DisplayName: "JARVIS", Role: "Chief of Staff"}); err != nil {
		t.Errorf("re-upsert root: %v", err)
	}
}

func TestHeartbeat(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	if err := d.Heartbeat(ctx, "ghost", time.Now()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown agent heartbeat = %v, want ErrNotFound", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := d.Heartbeat(ctx, "atlas", now); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	// A stale heartbeat never moves the clock backwards.
	if err := d.Heartbeat(ctx, "atlas", now.Add(-time.Hour)); err != nil {
		t.Fatalf("stale Heartbeat: %v", err)
	}
	a, err := d.GetAgent(ctx, "atlas")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if !a.LastHeartbeatAt.Equal(now) {
		t.Errorf("last heartbeat = %v, want %v", a.LastHeartbeatAt, now)
	}
}

func TestDeriveStatus(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	threshold := 5 * time.Minute

	cases := []struct {
		name           string
		lastHeartbeat  time.Time
		openInProgress bool
		want           string
	}{
		{"fresh heartbeat", now.Add(-time.Minute), false, StatusOnline},
		{"stale heartbeat", now.Add(-10 * time.Minute), false, StatusOffline},
		{"no heartbeat", time.Time{}, false, StatusOffline},
		{"busy overrides online", now.Add(-time.Minute), true, StatusBusy},
		{"busy overrides offline", time.Time{}, true, StatusBusy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveStatus(now, tc.lastHeartbeat, tc.openInProgress, threshold)
			if got != tc.want {
				t.Errorf("DeriveStatus = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestBusyUntilTerminalEvent(t *testing.T) {
	d, st := newTestDirectory(t)
	ctx := context.Background()

	if err := d.Heartbeat(ctx, "atlas", time.Now()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	taskID, err := st.Append(ctx, &store.Event{AgentID: "atlas", Kind: "research_started", Status: store.StatusInProgress})
	if err != nil {
		t.Fatalf("Append in_progress: %v", err)
	}

	a, err := d.GetAgent(ctx, "atlas")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if a.Status != StatusBusy {
		t.Fatalf("status with open task = %s, want busy", a.Status)
	}

	// A terminal event referencing the in-progress one closes it.
	_, err = st.Append(ctx, &store.Event{AgentID: "atlas", Kind: "research_completed", Status: store.StatusSuccess, RefEventID: taskID})
	if err != nil {
		t.Fatalf("Append terminal: %v", err)
	}
	a, err = d.GetAgent(ctx, "atlas")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if a.Status != StatusOnline {
		t.Errorf("status after terminal event = %s, want online", a.Status)
	}
}

// A terminal event without a ref_event_id back-reference does not close an
// open task; the link is what ties the finish to the start.
func TestBusySurvivesUnlinkedTerminalEvent(t *testing.T) {
	d, st := newTestDirectory(t)
	ctx := context.Background()

	if _, err := st.Append(ctx, &store.Event{AgentID: "atlas", Kind: "research_started", Status: store.StatusInProgress}); err != nil {
		t.Fatalf("Append in_progress: %v", err)
	}
	if _, err := st.Append(ctx, &store.Event{AgentID: "atlas", Kind: "unrelated_report", Status: store.StatusSuccess}); err != nil {
		t.Fatalf("Append unlinked terminal: %v", err)
	}

	a, err := d.GetAgent(ctx, "atlas")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if a.Status != StatusBusy {
		t.Errorf("status after unlinked terminal event = %s, want busy", a.Status)
	}
}

func TestChart(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	if err := d.UpsertDepartment(ctx, Department{ID: "content", Name: "Content"}); err != nil {
		t.Fatal(err)
	}
	if err := d.UpsertAgent(ctx, Agent{ID: "scribe", DisplayName: "SCRIBE", DepartmentID: "content"}); err != nil {
		t.Fatal(err)
	}

	chart, err := d.Chart(ctx)
	if err != nil {
		t.Fatalf("Chart: %v", err)
	}
	if chart.Root == nil || chart.Root.ID != "jarvis" {
		t.Fatalf("root = %v, want jarvis", chart.Root)
	}
	if len(chart.Departments) != 2 {
		t.Fatalf("got %d departments, want 2", len(chart.Departments))
	}
	// Sorted by name: Content, Research.
	if chart.Departments[0].Department.ID != "content" || len(chart.Departments[0].Agents) != 1 {
		t.Errorf("content node = %+v", chart.Departments[0])
	}
	if chart.Departments[1].Department.ID != "research" || len(chart.Departments[1].Agents) != 1 {
		t.Errorf("research node = %+v", chart.Departments[1])
	}
}

func TestDeleteAgentCascadesToSchedule(t *testing.T) {
	d, st := newTestDirectory(t)
	ctx := context.Background()

	_, err := st.DB().Exec(`
		INSERT INTO scheduled_tasks (id, title, agent_id, recurring, cron_expr) VALUES ('t1', 'Weekly digest', 'atlas', 1, '0 10 * * 2')
	`)
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}

	if err := d.DeleteAgent(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("delete unknown agent = %v, want ErrNotFound", err)
	}
	if err := d.DeleteAgent(ctx, "atlas"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}

	var n int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM scheduled_tasks WHERE agent_id = 'atlas'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("%d scheduled tasks left after agent deletion, want 0", n)
	}
	if _, err := d.GetAgent(ctx, "atlas"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetAgent after delete = %v, want ErrNotFound", err)
	}
}
