// Package store implements the append-only event log that is the source of
// truth for every derived view in mission control. All other services share
// its SQLite handle; none of them is a second source of truth.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Config holds event store bounds.
type Config struct {
	// MaxEvents rejects appends with ErrCapacity once the live event count
	// reaches this bound. Zero disables the check.
	MaxEvents int64 `json:"maxEvents" envconfig:"MAX_EVENTS"`

	// ClockSkewTolerance is how far behind an agent's own high-water mark a
	// timestamp may fall and still be accepted (flagged out-of-order).
	// Regressions beyond the tolerance fail with ErrValidation.
	ClockSkewTolerance time.Duration `json:"clockSkewTolerance" envconfig:"CLOCK_SKEW_TOLERANCE"`
}

// Store is the append-only event log. Appends are serialized per agent to
// preserve the monotonic-timestamp check; appends from different agents
// proceed in parallel. Reads run on WAL snapshots and never block writers.
type Store struct {
	db  *sql.DB
	cfg Config

	mu       sync.Mutex
	agentMus map[string]*sync.Mutex
	lastTS   map[string]time.Time // per-agent high-water mark
}

// Open opens (or creates) the mission control database at dbPath and applies
// the schema.
func Open(dbPath string, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("failed to open mission control db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if cfg.ClockSkewTolerance <= 0 {
		cfg.ClockSkewTolerance = 2 * time.Minute
	}
	return &Store{
		db:       db,
		cfg:      cfg,
		agentMus: make(map[string]*sync.Mutex),
		lastTS:   make(map[string]time.Time),
	}, nil
}

// DB returns the underlying *sql.DB for shared access by the derived-view
// services (directory, schedule, search, usage).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

// agentMu returns the append mutex for one agent, creating it on first use.
func (s *Store) agentMu(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.agentMus[agentID]
	if !ok {
		mu = &sync.Mutex{}
		s.agentMus[agentID] = mu
	}
	return mu
}

// Append validates and appends one event, returning its id. The event's
// AgentID must reference a known agent. A zero Timestamp defaults to now; a
// zero ID is assigned a fresh uuid. An empty DepartmentID inherits the
// agent's department.
func (s *Store) Append(ctx context.Context, evt *Event) (string, error) {
	if evt == nil || strings.TrimSpace(evt.AgentID) == "" {
		return "", fmt.Errorf("%w: event requires agent_id", ErrValidation)
	}
	if strings.TrimSpace(evt.Kind) == "" {
		return "", fmt.Errorf("%w: event requires kind", ErrValidation)
	}
	if !ValidStatus(evt.Status) {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, evt.Status)
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	evt.Timestamp = evt.Timestamp.UTC()

	var agentDept sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT department_id FROM agents WHERE id = ?`, evt.AgentID).Scan(&agentDept)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: unknown agent %q", ErrValidation, evt.AgentID)
	}
	if err != nil {
		return "", fmt.Errorf("lookup agent: %w", err)
	}
	if evt.DepartmentID == "" && agentDept.Valid {
		evt.DepartmentID = agentDept.String
	}

	mu := s.agentMu(evt.AgentID)
	mu.Lock()
	defer mu.Unlock()

	last, err := s.highWaterMark(ctx, evt.AgentID)
	if err != nil {
		return "", err
	}
	if !last.IsZero() && evt.Timestamp.Before(last) {
		if last.Sub(evt.Timestamp) > s.cfg.ClockSkewTolerance {
			return "", fmt.Errorf("%w: timestamp %s regresses %s behind agent %s high-water mark",
				ErrValidation, evt.Timestamp.Format(time.RFC3339), last.Sub(evt.Timestamp), evt.AgentID)
		}
		evt.OutOfOrder = true
	}

	if s.cfg.MaxEvents > 0 {
		// Check and insert in one statement so concurrent appenders for
		// different agents cannot both pass the bound.
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO events (event_id, agent_id, department_id, kind, detail, status, timestamp, ref_event_id, out_of_order)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
			WHERE (SELECT COUNT(*) FROM events) < ?
		`, evt.ID, evt.AgentID, evt.DepartmentID, evt.Kind, evt.Detail, evt.Status, evt.Timestamp, evt.RefEventID, evt.OutOfOrder, s.cfg.MaxEvents)
		if err != nil {
			return "", fmt.Errorf("append event: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return "", fmt.Errorf("append event: %w", err)
		} else if n == 0 {
			return "", fmt.Errorf("%w: event store at its bound of %d events", ErrCapacity, s.cfg.MaxEvents)
		}
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO events (event_id, agent_id, department_id, kind, detail, status, timestamp, ref_event_id, out_of_order)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, evt.ID, evt.AgentID, evt.DepartmentID, evt.Kind, evt.Detail, evt.Status, evt.Timestamp, evt.RefEventID, evt.OutOfOrder)
		if err != nil {
			return "", fmt.Errorf("append event: %w", err)
		}
	}

	if evt.Timestamp.After(last) {
		s.mu.Lock()
		s.lastTS[evt.AgentID] = evt.Timestamp
		s.mu.Unlock()
	}
	return evt.ID, nil
}

// highWaterMark returns the latest accepted timestamp for one agent,
// loading it from the database on first use.
func (s *Store) highWaterMark(ctx context.Context, agentID string) (time.Time, error) {
	s.mu.Lock()
	ts, ok := s.lastTS[agentID]
	s.mu.Unlock()
	if ok {
		return ts, nil
	}

	var raw sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM events WHERE agent_id = ?`, agentID).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("load high-water mark: %w", err)
	}
	if raw.Valid {
		ts = raw.Time.UTC()
	}
	s.mu.Lock()
	s.lastTS[agentID] = ts
	s.mu.Unlock()
	return ts, nil
}

// Query returns events in feed order: timestamp descending with a stable
// tie-break on event id ascending.
func (s *Store) Query(ctx context.Context, filter Filter) ([]Event, error) {
	query := `SELECT seq, event_id, agent_id, COALESCE(department_id,''), kind, COALESCE(detail,''), status, timestamp, COALESCE(ref_event_id,''), out_of_order FROM events WHERE 1=1`
	args := []interface{}{}

	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.DepartmentID != "" {
		query += " AND department_id = ?"
		args = append(args, filter.DepartmentID)
	}
	if len(filter.Statuses) > 0 {
		query += " AND status IN (?" + strings.Repeat(",?", len(filter.Statuses)-1) + ")"
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}
	if filter.Until != nil {
		query += " AND timestamp <= ?"
		args = append(args, filter.Until.UTC())
	}
	if filter.Before != nil {
		// Keyset cursor: everything strictly after (ts desc, id asc).
		query += " AND (timestamp < ? OR (timestamp = ? AND event_id > ?))"
		ts := filter.Before.Timestamp.UTC()
		args = append(args, ts, ts, filter.Before.ID)
	}

	query += " ORDER BY timestamp DESC, event_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Seq, &e.ID, &e.AgentID, &e.DepartmentID, &e.Kind, &e.Detail, &e.Status, &e.Timestamp, &e.RefEventID, &e.OutOfOrder); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Get returns one event by id.
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	var e Event
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, event_id, agent_id, COALESCE(department_id,''), kind, COALESCE(detail,''), status, timestamp, COALESCE(ref_event_id,''), out_of_order
		FROM events WHERE event_id = ?
	`, id).Scan(&e.Seq, &e.ID, &e.AgentID, &e.DepartmentID, &e.Kind, &e.Detail, &e.Status, &e.Timestamp, &e.RefEventID, &e.OutOfOrder)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: event %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

// Compact collapses events older than olderThan into per-agent daily status
// summaries and deletes the raw rows. Count and status distribution are
// preserved exactly. Returns the number of compacted events.
func (s *Store) Compact(ctx context.Context, olderThan time.Time) (int64, error) {
	olderThan = olderThan.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin compaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_daily_summaries (agent_id, day, status, count)
		SELECT agent_id, strftime('%Y-%m-%d', timestamp), status, COUNT(*)
		FROM events WHERE timestamp < ?
		GROUP BY agent_id, strftime('%Y-%m-%d', timestamp), status
		ON CONFLICT(agent_id, day, status) DO UPDATE SET count = event_daily_summaries.count + excluded.count
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("summarize events: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete compacted events: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit compaction: %w", err)
	}
	return n, nil
}

// StatusDistribution returns per-status event counts for one agent (or all
// agents when agentID is empty), merging live events and compacted
// summaries. Compaction must leave this unchanged.
func (s *Store) StatusDistribution(ctx context.Context, agentID string) (map[string]int64, error) {
	dist := make(map[string]int64)

	scan := func(query string, args ...interface{}) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var count int64
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			dist[status] += count
		}
		return rows.Err()
	}

	liveQ := `SELECT status, COUNT(*) FROM events`
	sumQ := `SELECT status, SUM(count) FROM event_daily_summaries`
	if agentID != "" {
		if err := scan(liveQ+` WHERE agent_id = ? GROUP BY status`, agentID); err != nil {
			return nil, fmt.Errorf("status distribution: %w", err)
		}
		if err := scan(sumQ+` WHERE agent_id = ? GROUP BY status`, agentID); err != nil {
			return nil, fmt.Errorf("status distribution: %w", err)
		}
		return dist, nil
	}
	if err := scan(liveQ + ` GROUP BY status`); err != nil {
		return nil, fmt.Errorf("status distribution: %w", err)
	}
	if err := scan(sumQ + ` GROUP BY status`); err != nil {
		return nil, fmt.Errorf("status distribution: %w", err)
	}
	return dist, nil
}
