// Package usage time-buckets token and cost telemetry per agent and
// department and answers day/week/month rollups. Windows are
// [windowEnd-granularity, windowEnd), non-overlapping and contiguous, so
// summing every agent's rollup equals the organization-wide rollup for the
// same window.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/velvetclaw/missionctl/internal/store"
)

// Granularity of a rollup window.
type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// Sample is one usage telemetry record. TaskRef, when set, references the
// completed task that emitted the sample; distinct refs drive TaskCount.
type Sample struct {
	AgentID      string    `json:"agent_id"`
	DepartmentID string    `json:"department_id,omitempty"`
	Bucket       time.Time `json:"bucket"`
	Tokens       int64     `json:"tokens"`
	CostUSD      float64   `json:"cost_usd"`
	TaskRef      string    `json:"task_ref,omitempty"`
}

// Scope selects whose samples a rollup sums: one agent, one department, or
// (zero value) the whole organization.
type Scope struct {
	AgentID      string `json:"agent_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
}

// Rollup is the summed view of one scope over one window. TaskCount counts
// distinct completed-task references, not samples.
type Rollup struct {
	Tokens    int64   `json:"tokens"`
	CostUSD   float64 `json:"cost_usd"`
	TaskCount int64   `json:"task_count"`
}

// Config holds usage aggregator settings.
type Config struct {
	// DailyBudgetUSD, when positive, is the organization-wide daily spend
	// bound used for budget alerts. The aggregator only reports it; it
	// never rejects samples.
	DailyBudgetUSD float64 `json:"dailyBudgetUsd" envconfig:"DAILY_BUDGET_USD"`
}

// Aggregator records samples and computes rollups over the shared store.
type Aggregator struct {
	db  *sql.DB
	cfg Config
}

// New creates an Aggregator on the shared store.
func New(st *store.Store, cfg Config) *Aggregator {
	return &Aggregator{db: st.DB(), cfg: cfg}
}

// DailyBudgetUSD returns the configured org-wide daily budget (0 = none).
func (a *Aggregator) DailyBudgetUSD() float64 { return a.cfg.DailyBudgetUSD }

// Record appends one usage sample. The sample's agent must be known; an
// empty DepartmentID inherits the agent's department. A zero Bucket
// defaults to the current minute.
func (a *Aggregator) Record(ctx context.Context, s Sample) error {
	if strings.TrimSpace(s.AgentID) == "" {
		return fmt.Errorf("%w: sample requires agent_id", store.ErrValidation)
	}
	if s.Tokens < 0 || s.CostUSD < 0 {
		return fmt.Errorf("%w: sample tokens and cost must be non-negative", store.ErrValidation)
	}

	var agentDept sql.NullString
	err := a.db.QueryRowContext(ctx, `SELECT department_id FROM agents WHERE id = ?`, s.AgentID).Scan(&agentDept)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: unknown agent %q", store.ErrValidation, s.AgentID)
	}
	if err != nil {
		return fmt.Errorf("lookup agent: %w", err)
	}
	if s.DepartmentID == "" && agentDept.Valid {
		s.DepartmentID = agentDept.String
	}
	if s.Bucket.IsZero() {
		s.Bucket = time.Now()
	}
	s.Bucket = s.Bucket.UTC().Truncate(time.Minute)

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO usage_samples (agent_id, department_id, bucket, tokens, cost_usd, task_ref)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.AgentID, s.DepartmentID, s.Bucket, s.Tokens, s.CostUSD, s.TaskRef)
	if err != nil {
		return fmt.Errorf("record usage sample: %w", err)
	}
	return nil
}

// windowStart returns the start of the window ending at windowEnd.
func windowStart(g Granularity, windowEnd time.Time) (time.Time, error) {
	switch g {
	case Day:
		return windowEnd.AddDate(0, 0, -1), nil
	case Week:
		return windowEnd.AddDate(0, 0, -7), nil
	case Month:
		return windowEnd.AddDate(0, -1, 0), nil
	}
	return time.Time{}, fmt.Errorf("%w: unknown granularity %q", store.ErrValidation, g)
}

// Sum computes the rollup for one scope over [windowEnd-g, windowEnd).
func (a *Aggregator) Sum(ctx context.Context, scope Scope, g Granularity, windowEnd time.Time) (Rollup, error) {
	if windowEnd.IsZero() {
		windowEnd = time.Now()
	}
	windowEnd = windowEnd.UTC()
	start, err := windowStart(g, windowEnd)
	if err != nil {
		return Rollup{}, err
	}

	q := `
		SELECT COALESCE(SUM(tokens),0), COALESCE(SUM(cost_usd),0),
		       COUNT(DISTINCT CASE WHEN task_ref != '' THEN task_ref END)
		FROM usage_samples WHERE bucket >= ? AND bucket < ?`
	args := []interface{}{start, windowEnd}
	if scope.AgentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, scope.AgentID)
	}
	if scope.DepartmentID != "" {
		q += ` AND department_id = ?`
		args = append(args, scope.DepartmentID)
	}

	var r Rollup
	if err := a.db.QueryRowContext(ctx, q, args...).Scan(&r.Tokens, &r.CostUSD, &r.TaskCount); err != nil {
		return Rollup{}, fmt.Errorf("usage rollup: %w", err)
	}
	return r, nil
}

// AgentRollup is one agent's rollup within a multi-scope query.
type AgentRollup struct {
	AgentID      string `json:"agent_id"`
	DepartmentID string `json:"department_id,omitempty"`
	Rollup
}

// SumAllAgents computes per-agent rollups for every registered agent.
// Aggregation is partial-failure tolerant: one agent's failure never blocks
// the others; failed agent ids are returned alongside the best-effort
// results.
func (a *Aggregator) SumAllAgents(ctx context.Context, g Granularity, windowEnd time.Time) ([]AgentRollup, []string, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT id, COALESCE(department_id,'') FROM agents ORDER BY id ASC`)
	if err != nil {
		return nil, nil, fmt.Errorf("list agents: %w", err)
	}
	type agentRow struct{ id, dept string }
	var agents []agentRow
	for rows.Next() {
		var ar agentRow
		if err := rows.Scan(&ar.id, &ar.dept); err != nil {
			rows.Close()
			return nil, nil, err
		}
		agents = append(agents, ar)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var out []AgentRollup
	var failed []string
	for _, ar := range agents {
		if err := ctx.Err(); err != nil {
			return out, failed, err
		}
		r, err := a.Sum(ctx, Scope{AgentID: ar.id}, g, windowEnd)
		if err != nil {
			failed = append(failed, ar.id)
			continue
		}
		out = append(out, AgentRollup{AgentID: ar.id, DepartmentID: ar.dept, Rollup: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, failed, nil
}

// OverDailyBudget reports the organization-wide spend over the day ending
// at now and whether it exceeds the configured budget.
func (a *Aggregator) OverDailyBudget(ctx context.Context, now time.Time) (float64, bool, error) {
	if a.cfg.DailyBudgetUSD <= 0 {
		return 0, false, nil
	}
	r, err := a.Sum(ctx, Scope{}, Day, now)
	if err != nil {
		return 0, false, err
	}
	return r.CostUSD, r.CostUSD > a.cfg.DailyBudgetUSD, nil
}
