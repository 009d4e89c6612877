// Package schedule maintains the set of scheduled tasks and answers
// day-bucketed weekly queries. Expansion is a deterministic, pure function
// over stored state: recurring tasks materialize into every week, one-off
// tasks only into the week containing their date. Conflicting tasks (same
// agent, same slot) are all retained and reported, never deduplicated.
package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/velvetclaw/missionctl/internal/store"
)

// Task is one scheduled task. A recurring task carries either a cron
// expression or a weekly DayOfWeek+TimeOfDay slot; a one-off task carries
// the concrete OccursAt instant.
type Task struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	AgentID      string        `json:"agent_id"`
	DepartmentID string        `json:"department_id,omitempty"`
	Cron         string        `json:"cron,omitempty"`
	DayOfWeek    *time.Weekday `json:"day_of_week,omitempty"`
	TimeOfDay    string        `json:"time_of_day,omitempty"` // "15:04"
	OccursAt     time.Time     `json:"occurs_at,omitempty"`
	Recurring    bool          `json:"recurring"`
}

// Occurrence is one concrete instance of a task within a queried week.
type Occurrence struct {
	TaskID       string    `json:"task_id"`
	Title        string    `json:"title"`
	AgentID      string    `json:"agent_id"`
	DepartmentID string    `json:"department_id,omitempty"`
	At           time.Time `json:"at"`
	Recurring    bool      `json:"recurring"`
}

// WeekStart returns the UTC midnight of the Monday on or before t. Calendar
// weeks start on Monday.
func WeekStart(t time.Time) time.Time {
	t = t.UTC().Truncate(24 * time.Hour)
	for t.Weekday() != time.Monday {
		t = t.AddDate(0, 0, -1)
	}
	return t
}

// Index stores tasks in the shared database and expands them on demand.
type Index struct {
	db *sql.DB
}

// New creates a schedule Index on the shared store.
func New(st *store.Store) *Index {
	return &Index{db: st.DB()}
}

// Add validates and stores a task, returning its id. AgentID must resolve
// to a known agent.
func (x *Index) Add(ctx context.Context, t Task) (string, error) {
	if strings.TrimSpace(t.Title) == "" {
		return "", fmt.Errorf("%w: task requires title", store.ErrValidation)
	}
	if strings.TrimSpace(t.AgentID) == "" {
		return "", fmt.Errorf("%w: task requires agent_id", store.ErrValidation)
	}

	var agentDept sql.NullString
	err := x.db.QueryRowContext(ctx, `SELECT department_id FROM agents WHERE id = ?`, t.AgentID).Scan(&agentDept)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: unknown agent %q", store.ErrValidation, t.AgentID)
	}
	if err != nil {
		return "", fmt.Errorf("lookup agent: %w", err)
	}
	if t.DepartmentID == "" && agentDept.Valid {
		t.DepartmentID = agentDept.String
	}

	if t.Recurring {
		switch {
		case t.Cron != "":
			if _, err := ParseCron(t.Cron); err != nil {
				return "", fmt.Errorf("%w: %v", store.ErrValidation, err)
			}
		case t.DayOfWeek != nil && t.TimeOfDay != "":
			if _, err := parseTimeOfDay(t.TimeOfDay); err != nil {
				return "", fmt.Errorf("%w: %v", store.ErrValidation, err)
			}
		default:
			return "", fmt.Errorf("%w: recurring task requires cron or day_of_week+time_of_day", store.ErrValidation)
		}
	} else if t.OccursAt.IsZero() {
		return "", fmt.Errorf("%w: one-off task requires occurs_at", store.ErrValidation)
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	var dow interface{}
	if t.DayOfWeek != nil {
		dow = int(*t.DayOfWeek)
	}
	var occursAt interface{}
	if !t.OccursAt.IsZero() {
		occursAt = t.OccursAt.UTC()
	}

	_, err = x.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, title, agent_id, department_id, cron_expr, day_of_week, time_of_day, occurs_at, recurring)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Title, t.AgentID, t.DepartmentID, t.Cron, dow, t.TimeOfDay, occursAt, t.Recurring)
	if err != nil {
		return "", fmt.Errorf("insert scheduled task: %w", err)
	}
	return t.ID, nil
}

// Remove deletes a task by id.
func (x *Index) Remove(ctx context.Context, id string) error {
	res, err := x.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: scheduled task %q", store.ErrNotFound, id)
	}
	return nil
}

// Tasks returns all stored tasks ordered by title.
func (x *Index) Tasks(ctx context.Context) ([]Task, error) {
	rows, err := x.db.QueryContext(ctx, `
		SELECT id, title, agent_id, COALESCE(department_id,''), COALESCE(cron_expr,''), day_of_week, COALESCE(time_of_day,''), occurs_at, recurring
		FROM scheduled_tasks ORDER BY title ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		var dow sql.NullInt64
		var occursAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.Title, &t.AgentID, &t.DepartmentID, &t.Cron, &dow, &t.TimeOfDay, &occursAt, &t.Recurring); err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		if dow.Valid {
			wd := time.Weekday(dow.Int64)
			t.DayOfWeek = &wd
		}
		if occursAt.Valid {
			t.OccursAt = occursAt.Time.UTC()
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// OccurrencesForWeek expands every stored task into the week
// [weekStart, weekStart+7d), bucketed by day and ordered by time ascending
// within each day. The expansion is idempotent: same stored state, same
// output.
func (x *Index) OccurrencesForWeek(ctx context.Context, weekStart time.Time) (map[time.Weekday][]Occurrence, error) {
	tasks, err := x.Tasks(ctx)
	if err != nil {
		return nil, err
	}

	weekStart = weekStart.UTC().Truncate(24 * time.Hour)
	weekEnd := weekStart.AddDate(0, 0, 7)
	out := make(map[time.Weekday][]Occurrence)

	add := func(t Task, at time.Time) {
		out[at.Weekday()] = append(out[at.Weekday()], Occurrence{
			TaskID:       t.ID,
			Title:        t.Title,
			AgentID:      t.AgentID,
			DepartmentID: t.DepartmentID,
			At:           at,
			Recurring:    t.Recurring,
		})
	}

	for _, t := range tasks {
		switch {
		case !t.Recurring:
			if !t.OccursAt.Before(weekStart) && t.OccursAt.Before(weekEnd) {
				add(t, t.OccursAt)
			}
		case t.Cron != "":
			expr, err := ParseCron(t.Cron)
			if err != nil {
				// Validated on Add; a bad stored row is skipped, not fatal.
				continue
			}
			for at := expr.Next(weekStart.Add(-time.Minute)); !at.IsZero() && at.Before(weekEnd); at = expr.Next(at) {
				add(t, at)
			}
		case t.DayOfWeek != nil:
			hh, err := parseTimeOfDay(t.TimeOfDay)
			if err != nil {
				continue
			}
			day := weekStart
			for day.Weekday() != *t.DayOfWeek {
				day = day.AddDate(0, 0, 1)
			}
			add(t, day.Add(hh))
		}
	}

	for wd := range out {
		occ := out[wd]
		sort.SliceStable(occ, func(i, j int) bool { return occ[i].At.Before(occ[j].At) })
	}
	return out, nil
}

// parseTimeOfDay parses "15:04" into an offset from midnight.
func parseTimeOfDay(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
