package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/velvetclaw/missionctl/internal/directory"
	"github.com/velvetclaw/missionctl/internal/schedule"
	"github.com/velvetclaw/missionctl/internal/store"
)

func TestSeedIsIdempotent(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := Seed(ctx, st, directory.Config{}); err != nil {
			t.Fatalf("Seed run %d: %v", i+1, err)
		}
	}

	dir := directory.New(st, directory.Config{})
	agents, err := dir.ListAgents(ctx, "")
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != len(seedAgents) {
		t.Errorf("got %d agents, want %d", len(agents), len(seedAgents))
	}

	chart, err := dir.Chart(ctx)
	if err != nil {
		t.Fatalf("Chart: %v", err)
	}
	if chart.Root == nil || chart.Root.ID != "jarvis" {
		t.Errorf("root = %v, want jarvis", chart.Root)
	}
	if len(chart.Departments) != len(seedDepartments) {
		t.Errorf("got %d departments, want %d", len(chart.Departments), len(seedDepartments))
	}

	tasks, err := schedule.New(st).Tasks(ctx)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(tasks) != len(seedTasks) {
		t.Errorf("got %d tasks after double seed, want %d", len(tasks), len(seedTasks))
	}
}
