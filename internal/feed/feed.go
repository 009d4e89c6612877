// Package feed derives the reverse-chronological activity feed from the
// event store. Pagination is keyset-based on (timestamp, id) so pages stay
// stable while agents keep appending: no duplicates, no omissions.
package feed

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/velvetclaw/missionctl/internal/store"
)

// Entry is one feed row: the event plus display names resolved at read
// time. Nothing here is cached.
type Entry struct {
	Event            store.Event `json:"event"`
	AgentDisplayName string      `json:"agent_display_name"`
	DepartmentName   string      `json:"department_name"`
}

// Page is one slice of the feed with the cursor for the next slice. An
// empty NextCursor means the feed is exhausted.
type Page struct {
	Entries    []Entry `json:"entries"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// Builder answers feed queries over the shared store.
type Builder struct {
	st *store.Store
}

// New creates a feed Builder.
func New(st *store.Store) *Builder {
	return &Builder{st: st}
}

// Feed returns up to limit entries in feed order (timestamp desc, id asc),
// starting after the position encoded in cursor. An empty cursor starts at
// the newest event.
func (b *Builder) Feed(ctx context.Context, limit int, cursor string) (*Page, error) {
	if limit <= 0 {
		limit = 50
	}

	filter := store.Filter{Limit: limit}
	if cursor != "" {
		key, err := decodeCursor(cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: bad cursor: %v", store.ErrValidation, err)
		}
		filter.Before = key
	}

	events, err := b.st.Query(ctx, filter)
	if err != nil {
		return nil, err
	}

	page := &Page{Entries: make([]Entry, 0, len(events))}
	if len(events) == 0 {
		return page, nil
	}

	agentNames, deptNames, err := b.nameMaps(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		page.Entries = append(page.Entries, Entry{
			Event:            e,
			AgentDisplayName: agentNames[e.AgentID],
			DepartmentName:   deptNames[e.DepartmentID],
		})
	}
	if len(events) == limit {
		last := events[len(events)-1]
		page.NextCursor = encodeCursor(store.EventKey{Timestamp: last.Timestamp, ID: last.ID})
	}
	return page, nil
}

// nameMaps loads the agent and department display names fresh on every
// page. Deleted agents resolve to an empty name rather than failing the
// whole page.
func (b *Builder) nameMaps(ctx context.Context) (map[string]string, map[string]string, error) {
	db := b.st.DB()

	agents := make(map[string]string)
	rows, err := db.QueryContext(ctx, `SELECT id, display_name FROM agents`)
	if err != nil {
		return nil, nil, fmt.Errorf("load agent names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, nil, err
		}
		agents[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	depts := make(map[string]string)
	drows, err := db.QueryContext(ctx, `SELECT id, name FROM departments`)
	if err != nil {
		return nil, nil, fmt.Errorf("load department names: %w", err)
	}
	defer drows.Close()
	for drows.Next() {
		var id, name string
		if err := drows.Scan(&id, &name); err != nil {
			return nil, nil, err
		}
		depts[id] = name
	}
	return agents, depts, drows.Err()
}

func encodeCursor(key store.EventKey) string {
	raw := key.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + key.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (*store.EventKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("expected timestamp|id")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, err
	}
	return &store.EventKey{Timestamp: ts, ID: parts[1]}, nil
}
