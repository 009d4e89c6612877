package usage

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/velvetclaw/missionctl/internal/store"
)

func newTestAggregator(t *testing.T, cfg Config) *Aggregator {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	_, err = st.DB().Exec(`INSERT INTO departments (id, name) VALUES ('research', 'Research'), ('content', 'Content')`)
	if err != nil {
		t.Fatal(err)
	}
	_, err = st.DB().Exec(`
		INSERT INTO agents (id, display_name, department_id) VALUES
		('atlas', 'ATLAS', 'research'),
		('trendy', 'TRENDY', 'research'),
		('scribe', 'SCRIBE', 'content')
	`)
	if err != nil {
		t.Fatal(err)
	}
	return New(st, cfg)
}

var windowEnd = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func record(t *testing.T, a *Aggregator, s Sample) {
	t.Helper()
	if err := a.Record(context.Background(), s); err != nil {
		t.Fatalf("Record %+v: %v", s, err)
	}
}

func TestRecordValidation(t *testing.T) {
	a := newTestAggregator(t, Config{})
	ctx := context.Background()

	cases := []struct {
		name string
		s    Sample
	}{
		{"missing agent", Sample{Tokens: 10}},
		{"unknown agent", Sample{AgentID: "ghost", Tokens: 10}},
		{"negative tokens", Sample{AgentID: "atlas", Tokens: -1}},
		{"negative cost", Sample{AgentID: "atlas", CostUSD: -0.5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := a.Record(ctx, tc.s); !errors.Is(err, store.ErrValidation) {
				t.Errorf("Record = %v, want ErrValidation", err)
			}
		})
	}
}

func TestSumWindows(t *testing.T) {
	a := newTestAggregator(t, Config{})
	ctx := context.Background()

	// Inside the day window, inside the week only, inside the month only,
	// and outside everything.
	record(t, a, Sample{AgentID: "atlas", Bucket: windowEnd.Add(-time.Hour), Tokens: 100, CostUSD: 1})
	record(t, a, Sample{AgentID: "atlas", Bucket: windowEnd.AddDate(0, 0, -3), Tokens: 200, CostUSD: 2})
	record(t, a, Sample{AgentID: "atlas", Bucket: windowEnd.AddDate(0, 0, -20), Tokens: 400, CostUSD: 4})
	record(t, a, Sample{AgentID: "atlas", Bucket: windowEnd.AddDate(0, -2, 0), Tokens: 800, CostUSD: 8})
	// Window end is exclusive.
	record(t, a, Sample{AgentID: "atlas", Bucket: windowEnd, Tokens: 1600, CostUSD: 16})

	cases := []struct {
		g          Granularity
		wantTokens int64
	}{
		{Day, 100},
		{Week, 300},
		{Month, 700},
	}
	for _, tc := range cases {
		r, err := a.Sum(ctx, Scope{AgentID: "atlas"}, tc.g, windowEnd)
		if err != nil {
			t.Fatalf("Sum %s: %v", tc.g, err)
		}
		if r.Tokens != tc.wantTokens {
			t.Errorf("%s tokens = %d, want %d", tc.g, r.Tokens, tc.wantTokens)
		}
	}

	if _, err := a.Sum(ctx, Scope{}, Granularity("year"), windowEnd); !errors.Is(err, store.ErrValidation) {
		t.Errorf("unknown granularity = %v, want ErrValidation", err)
	}
}

func TestTaskCountIsDistinct(t *testing.T) {
	a := newTestAggregator(t, Config{})
	ctx := context.Background()
	bucket := windowEnd.Add(-time.Hour)

	record(t, a, Sample{AgentID: "atlas", Bucket: bucket, Tokens: 10, TaskRef: "task-1"})
	record(t, a, Sample{AgentID: "atlas", Bucket: bucket, Tokens: 10, TaskRef: "task-1"})
	record(t, a, Sample{AgentID: "atlas", Bucket: bucket, Tokens: 10, TaskRef: "task-2"})
	record(t, a, Sample{AgentID: "atlas", Bucket: bucket, Tokens: 10})

	r, err := a.Sum(ctx, Scope{AgentID: "atlas"}, Day, windowEnd)
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if r.TaskCount != 2 {
		t.Errorf("task count = %d, want 2 distinct refs (empty ref ignored)", r.TaskCount)
	}
}

func TestAgentSumsAddUpToOrgSum(t *testing.T) {
	a := newTestAggregator(t, Config{})
	ctx := context.Background()
	bucket := windowEnd.Add(-2 * time.Hour)

	record(t, a, Sample{AgentID: "atlas", Bucket: bucket, Tokens: 100, CostUSD: 1.5, TaskRef: "t1"})
	record(t, a, Sample{AgentID: "trendy", Bucket: bucket, Tokens: 50, CostUSD: 0.75, TaskRef: "t2"})
	record(t, a, Sample{AgentID: "scribe", Bucket: bucket, Tokens: 25, CostUSD: 0.25, TaskRef: "t3"})

	org, err := a.Sum(ctx, Scope{}, Day, windowEnd)
	if err != nil {
		t.Fatalf("org Sum: %v", err)
	}
	perAgent, failed, err := a.SumAllAgents(ctx, Day, windowEnd)
	if err != nil {
		t.Fatalf("SumAllAgents: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("failed agents: %v", failed)
	}

	var tokens, tasks int64
	var cost float64
	for _, r := range perAgent {
		tokens += r.Tokens
		cost += r.CostUSD
		tasks += r.TaskCount
	}
	if tokens != org.Tokens {
		t.Errorf("sum of agent tokens %d != org tokens %d", tokens, org.Tokens)
	}
	if math.Abs(cost-org.CostUSD) > 1e-9 {
		t.Errorf("sum of agent cost %f != org cost %f", cost, org.CostUSD)
	}
	if tasks != org.TaskCount {
		t.Errorf("sum of agent tasks %d != org tasks %d", tasks, org.TaskCount)
	}

	// Department scope covers exactly its members.
	research, err := a.Sum(ctx, Scope{DepartmentID: "research"}, Day, windowEnd)
	if err != nil {
		t.Fatalf("department Sum: %v", err)
	}
	if research.Tokens != 150 {
		t.Errorf("research tokens = %d, want 150", research.Tokens)
	}
}

func TestOverDailyBudget(t *testing.T) {
	a := newTestAggregator(t, Config{DailyBudgetUSD: 2})
	ctx := context.Background()

	spent, over, err := a.OverDailyBudget(ctx, windowEnd)
	if err != nil {
		t.Fatalf("OverDailyBudget: %v", err)
	}
	if over || spent != 0 {
		t.Errorf("empty store over budget: spent=%f over=%v", spent, over)
	}

	record(t, a, Sample{AgentID: "atlas", Bucket: windowEnd.Add(-time.Hour), CostUSD: 3})
	spent, over, err = a.OverDailyBudget(ctx, windowEnd)
	if err != nil {
		t.Fatalf("OverDailyBudget: %v", err)
	}
	if !over || spent != 3 {
		t.Errorf("spent=%f over=%v, want 3 over budget", spent, over)
	}

	// Zero budget disables the check.
	zero := newTestAggregator(t, Config{})
	_, over, err = zero.OverDailyBudget(ctx, windowEnd)
	if err != nil || over {
		t.Errorf("disabled budget: over=%v err=%v", over, err)
	}
}
