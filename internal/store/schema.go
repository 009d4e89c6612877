package store

import (
	"time"
)

// Event is a single immutable record of an agent action. Events are
// append-only: corrections are new events carrying RefEventID.
type Event struct {
	Seq          int64     `json:"seq"`
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	DepartmentID string    `json:"department_id"`
	Kind         string    `json:"kind"`
	Detail       string    `json:"detail"`
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	RefEventID   string    `json:"ref_event_id,omitempty"` // original event this one corrects or closes
	OutOfOrder   bool      `json:"out_of_order"`           // accepted behind the per-agent high-water mark
}

const (
	StatusSuccess    = "success"
	StatusInProgress = "in_progress"
	StatusFailed     = "failed"
)

// ValidStatus reports whether s is one of the three event statuses.
func ValidStatus(s string) bool {
	return s == StatusSuccess || s == StatusInProgress || s == StatusFailed
}

// DailySummary is a compacted per-agent per-day status count. Compaction
// replaces raw events older than the retention horizon with these rows,
// preserving count and status distribution exactly.
type DailySummary struct {
	AgentID string `json:"agent_id"`
	Day     string `json:"day"` // YYYY-MM-DD (UTC)
	Status  string `json:"status"`
	Count   int64  `json:"count"`
}

// Filter holds query parameters for Store.Query.
type Filter struct {
	AgentID      string
	DepartmentID string
	Statuses     []string
	Since        *time.Time
	Until        *time.Time
	Before       *EventKey // keyset cursor: strictly after this key in feed order
	Limit        int
}

// EventKey identifies a position in the feed order (timestamp desc, id asc).
type EventKey struct {
	Timestamp time.Time
	ID        string
}

const Schema = `
CREATE TABLE IF NOT EXISTS departments (
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	role TEXT DEFAULT '',
	department_id TEXT,
	capabilities TEXT DEFAULT '[]',
	last_heartbeat_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_agents_department ON agents(department_id);

CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT UNIQUE NOT NULL,
	agent_id TEXT NOT NULL,
	department_id TEXT DEFAULT '',
	kind TEXT NOT NULL,
	detail TEXT DEFAULT '',
	status TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	ref_event_id TEXT DEFAULT '',
	out_of_order BOOLEAN NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_agent_time ON events(agent_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_time ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);
CREATE INDEX IF NOT EXISTS idx_events_ref ON events(ref_event_id);

CREATE TABLE IF NOT EXISTS event_daily_summaries (
	agent_id TEXT NOT NULL,
	day TEXT NOT NULL,
	status TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (agent_id, day, status)
);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	department_id TEXT DEFAULT '',
	cron_expr TEXT DEFAULT '',
	day_of_week INTEGER,
	time_of_day TEXT DEFAULT '',
	occurs_at DATETIME,
	recurring BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sched_agent ON scheduled_tasks(agent_id);

CREATE TABLE IF NOT EXISTS documents (
	doc_id TEXT NOT NULL,
	path TEXT PRIMARY KEY,
	doc_type TEXT NOT NULL,
	title TEXT DEFAULT '',
	body TEXT DEFAULT '',
	agent_id TEXT DEFAULT '',
	embedding BLOB,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(doc_type);
CREATE INDEX IF NOT EXISTS idx_documents_agent ON documents(agent_id);

CREATE TABLE IF NOT EXISTS usage_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	department_id TEXT DEFAULT '',
	bucket DATETIME NOT NULL,
	tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	task_ref TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_usage_agent_bucket ON usage_samples(agent_id, bucket);
CREATE INDEX IF NOT EXISTS idx_usage_bucket ON usage_samples(bucket);
`
