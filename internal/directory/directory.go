// Package directory tracks agent identity, department membership, and
// heartbeat-derived liveness. Status is never stored: it is recomputed on
// every read from the latest heartbeat and the open in-progress events, so
// it cannot drift from missed background recomputation.
package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/velvetclaw/missionctl/internal/store"
)

// Agent liveness states. Busy takes precedence over online.
const (
	StatusOnline  = "online"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// Config holds directory settings.
type Config struct {
	// OnlineThreshold is the maximum heartbeat age for an agent to count
	// as online.
	OnlineThreshold time.Duration `json:"onlineThreshold" envconfig:"ONLINE_THRESHOLD"`
}

// Department is a named group of agents under the root agent.
type Department struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Agent is one registered agent. DepartmentID is empty only for the single
// root agent at the top of the org chart.
type Agent struct {
	ID              string    `json:"id"`
	DisplayName     string    `json:"display_name"`
	Role            string    `json:"role"`
	DepartmentID    string    `json:"department_id,omitempty"`
	Capabilities    []string  `json:"capabilities"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// AgentStatus is an Agent annotated with its derived liveness state.
type AgentStatus struct {
	Agent
	Status string `json:"status"`
}

// DeptNode is one department with its member agents, for the org chart.
type DeptNode struct {
	Department Department    `json:"department"`
	Agents     []AgentStatus `json:"agents"`
}

// OrgChart is the two-level agent hierarchy: root agent, then departments.
type OrgChart struct {
	Root        *AgentStatus `json:"root,omitempty"`
	Departments []DeptNode   `json:"departments"`
}

// Directory answers identity and liveness queries over the shared store.
type Directory struct {
	st  *store.Store
	db  *sql.DB
	cfg Config
}

// New creates a Directory on the shared store.
func New(st *store.Store, cfg Config) *Directory {
	if cfg.OnlineThreshold <= 0 {
		cfg.OnlineThreshold = 5 * time.Minute
	}
	return &Directory{st: st, db: st.DB(), cfg: cfg}
}

// OnlineThreshold returns the configured heartbeat freshness bound.
func (d *Directory) OnlineThreshold() time.Duration { return d.cfg.OnlineThreshold }

// UpsertDepartment registers or renames a department.
func (d *Directory) UpsertDepartment(ctx context.Context, dept Department) error {
	if strings.TrimSpace(dept.ID) == "" || strings.TrimSpace(dept.Name) == "" {
		return fmt.Errorf("%w: department requires id and name", store.ErrValidation)
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO departments (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, dept.ID, dept.Name)
	if err != nil {
		return fmt.Errorf("upsert department: %w", err)
	}
	return nil
}

// UpsertAgent registers or updates an agent. A non-empty DepartmentID must
// reference a known department; an empty one is valid only for the single
// root agent.
func (d *Directory) UpsertAgent(ctx context.Context, a Agent) error {
	if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.DisplayName) == "" {
		return fmt.Errorf("%w: agent requires id and display_name", store.ErrValidation)
	}

	if a.DepartmentID != "" {
		var one int
		err := d.db.QueryRowContext(ctx, `SELECT 1 FROM departments WHERE id = ?`, a.DepartmentID).Scan(&one)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: unknown department %q", store.ErrValidation, a.DepartmentID)
		}
		if err != nil {
			return fmt.Errorf("lookup department: %w", err)
		}
	} else {
		var rootID string
		err := d.db.QueryRowContext(ctx, `SELECT id FROM agents WHERE department_id IS NULL OR department_id = '' LIMIT 1`).Scan(&rootID)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("lookup root agent: %w", err)
		}
		if err == nil && rootID != a.ID {
			return fmt.Errorf("%w: root agent %q already exists; only one agent may have no department", store.ErrValidation, rootID)
		}
	}

	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	var hb interface{}
	if !a.LastHeartbeatAt.IsZero() {
		hb = a.LastHeartbeatAt.UTC()
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO agents (id, display_name, role, department_id, capabilities, last_heartbeat_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			role = excluded.role,
			department_id = excluded.department_id,
			capabilities = excluded.capabilities
	`, a.ID, a.DisplayName, a.Role, a.DepartmentID, string(caps), hb)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// Heartbeat records a liveness signal for a known agent.
func (d *Directory) Heartbeat(ctx context.Context, agentID string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE agents SET last_heartbeat_at = ?
		WHERE id = ? AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)
	`, at.UTC(), agentID, at.UTC())
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either the agent is unknown or the heartbeat is stale; only the
		// former is an error.
		var one int
		err := d.db.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE id = ?`, agentID).Scan(&one)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: agent %q", store.ErrNotFound, agentID)
		}
		if err != nil {
			return fmt.Errorf("lookup agent: %w", err)
		}
	}
	return nil
}

// GetAgent returns one agent with derived status.
func (d *Directory) GetAgent(ctx context.Context, agentID string) (*AgentStatus, error) {
	agents, err := d.listAgents(ctx, "", agentID)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("%w: agent %q", store.ErrNotFound, agentID)
	}
	return &agents[0], nil
}

// ListAgents returns all agents (optionally one department's) with derived
// status, ordered by display name.
func (d *Directory) ListAgents(ctx context.Context, departmentID string) ([]AgentStatus, error) {
	return d.listAgents(ctx, departmentID, "")
}

func (d *Directory) listAgents(ctx context.Context, departmentID, agentID string) ([]AgentStatus, error) {
	query := `SELECT id, display_name, COALESCE(role,''), COALESCE(department_id,''), COALESCE(capabilities,'[]'), last_heartbeat_at FROM agents WHERE 1=1`
	args := []interface{}{}
	if departmentID != "" {
		query += " AND department_id = ?"
		args = append(args, departmentID)
	}
	if agentID != "" {
		query += " AND id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY display_name ASC"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []AgentStatus
	for rows.Next() {
		var a Agent
		var caps string
		var hb sql.NullTime
		if err := rows.Scan(&a.ID, &a.DisplayName, &a.Role, &a.DepartmentID, &caps, &hb); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			a.Capabilities = nil
		}
		if hb.Valid {
			a.LastHeartbeatAt = hb.Time.UTC()
		}
		agents = append(agents, AgentStatus{Agent: a})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	busy, err := d.busyAgents(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for i := range agents {
		agents[i].Status = DeriveStatus(now, agents[i].LastHeartbeatAt, busy[agents[i].ID], d.cfg.OnlineThreshold)
	}
	return agents, nil
}

// busyAgents returns the set of agents with an open in-progress event: an
// in_progress event with no later terminal event referencing it.
//
// Closure requires the ref link. A terminal event whose ref_event_id does
// not name the in_progress event leaves it open, so emitters must carry
// the back-reference when they finish a task.
func (d *Directory) busyAgents(ctx context.Context) (map[string]bool, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT DISTINCT e.agent_id FROM events e
		WHERE e.status = ?
		AND NOT EXISTS (
			SELECT 1 FROM events t
			WHERE t.ref_event_id = e.event_id AND t.status IN (?, ?)
		)
	`, store.StatusInProgress, store.StatusSuccess, store.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("find busy agents: %w", err)
	}
	defer rows.Close()

	busy := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		busy[id] = true
	}
	return busy, rows.Err()
}

// DeriveStatus classifies one agent. Pure: same inputs, same answer.
func DeriveStatus(now, lastHeartbeat time.Time, openInProgress bool, onlineThreshold time.Duration) string {
	if openInProgress {
		return StatusBusy
	}
	if !lastHeartbeat.IsZero() && now.Sub(lastHeartbeat) < onlineThreshold {
		return StatusOnline
	}
	return StatusOffline
}

// ListDepartments returns all departments ordered by name.
func (d *Directory) ListDepartments(ctx context.Context) ([]Department, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, name FROM departments ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	defer rows.Close()

	var depts []Department
	for rows.Next() {
		var dept Department
		if err := rows.Scan(&dept.ID, &dept.Name); err != nil {
			return nil, err
		}
		depts = append(depts, dept)
	}
	return depts, rows.Err()
}

// DepartmentName resolves a department id to its name; empty in, empty out.
func (d *Directory) DepartmentName(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	var name string
	err := d.db.QueryRowContext(ctx, `SELECT name FROM departments WHERE id = ?`, id).Scan(&name)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: department %q", store.ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("lookup department: %w", err)
	}
	return name, nil
}

// Chart builds the two-level org tree: root agent on top, then every
// department with its members.
func (d *Directory) Chart(ctx context.Context) (*OrgChart, error) {
	agents, err := d.ListAgents(ctx, "")
	if err != nil {
		return nil, err
	}
	depts, err := d.ListDepartments(ctx)
	if err != nil {
		return nil, err
	}

	chart := &OrgChart{}
	byDept := make(map[string][]AgentStatus)
	for _, a := range agents {
		if a.DepartmentID == "" {
			root := a
			chart.Root = &root
			continue
		}
		byDept[a.DepartmentID] = append(byDept[a.DepartmentID], a)
	}
	for _, dept := range depts {
		members := byDept[dept.ID]
		sort.Slice(members, func(i, j int) bool { return members[i].DisplayName < members[j].DisplayName })
		chart.Departments = append(chart.Departments, DeptNode{Department: dept, Agents: members})
	}
	return chart, nil
}

// DeleteAgent removes an agent and cascades to its scheduled tasks so none
// are silently orphaned. Events are append-only and stay.
func (d *Directory) DeleteAgent(ctx context.Context, agentID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent %q", store.ErrNotFound, agentID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("cascade scheduled tasks: %w", err)
	}
	return tx.Commit()
}
