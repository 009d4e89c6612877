// Package search maintains the ranked, typed index over agent memories,
// tasks, decisions, lessons, and documents. Relevance blends a lexical
// TF-style signal with optional semantic similarity from an embedding
// backend; when the backend is absent or slow the index falls back to
// lexical-only ranking without changing the result contract.
package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/velvetclaw/missionctl/internal/store"
)

// Document types.
const (
	TypeMemory   = "memory"
	TypeTask     = "task"
	TypeDecision = "decision"
	TypeLesson   = "lesson"
	TypeDocument = "document"
)

// ValidType reports whether t is a known document type.
func ValidType(t string) bool {
	switch t {
	case TypeMemory, TypeTask, TypeDecision, TypeLesson, TypeDocument:
		return true
	}
	return false
}

// Document is one indexed unit. Path is the stable external locator;
// re-indexing a path replaces the prior entry.
type Document struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	AgentID   string    `json:"agent_id,omitempty"`
	Path      string    `json:"path"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScoredDocument is a query hit with its relevance score in [0,1].
type ScoredDocument struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
}

// Config holds search index settings.
type Config struct {
	// LexicalWeight is the blend weight of the lexical signal when
	// semantic scoring is available; (1 - LexicalWeight) goes to cosine
	// similarity. With no embedder the score is lexical-only.
	LexicalWeight float64 `json:"lexicalWeight" envconfig:"LEXICAL_WEIGHT"`

	// SemanticTimeout bounds the embedding call per query; on expiry the
	// query degrades to lexical ranking.
	SemanticTimeout time.Duration `json:"semanticTimeout" envconfig:"SEMANTIC_TIMEOUT"`

	// MaxDocuments rejects upserts of new paths with ErrCapacity once
	// reached. Zero disables the check.
	MaxDocuments int64 `json:"maxDocuments" envconfig:"MAX_DOCUMENTS"`

	// Embedding backend. Empty EmbedAPIBase leaves the index lexical-only.
	EmbedAPIBase string `json:"embedApiBase" envconfig:"EMBED_API_BASE"`
	EmbedAPIKey  string `json:"embedApiKey" envconfig:"EMBED_API_KEY"`
	EmbedModel   string `json:"embedModel" envconfig:"EMBED_MODEL"`
}

// Index stores documents in the shared database.
type Index struct {
	db       *sql.DB
	cfg      Config
	embedder Embedder
}

// New creates a search Index on the shared store. embedder may be nil.
func New(st *store.Store, cfg Config, embedder Embedder) *Index {
	if cfg.LexicalWeight <= 0 || cfg.LexicalWeight > 1 {
		cfg.LexicalWeight = 0.5
	}
	if cfg.SemanticTimeout <= 0 {
		cfg.SemanticTimeout = 2 * time.Second
	}
	return &Index{db: st.DB(), cfg: cfg, embedder: embedder}
}

// Upsert inserts or replaces a document by path. The stale version of a
// re-indexed path is never left queryable.
func (x *Index) Upsert(ctx context.Context, doc Document) error {
	if strings.TrimSpace(doc.Path) == "" {
		return fmt.Errorf("%w: document requires path", store.ErrValidation)
	}
	if !ValidType(doc.Type) {
		return fmt.Errorf("%w: unknown document type %q", store.ErrValidation, doc.Type)
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now()
	}
	doc.UpdatedAt = doc.UpdatedAt.UTC()

	if x.cfg.MaxDocuments > 0 {
		var n int64
		err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE path != ?`, doc.Path).Scan(&n)
		if err != nil {
			return fmt.Errorf("count documents: %w", err)
		}
		if n >= x.cfg.MaxDocuments {
			return fmt.Errorf("%w: search index holds %d documents (bound %d)", store.ErrCapacity, n, x.cfg.MaxDocuments)
		}
	}

	var blob []byte
	if vec, err := x.embed(ctx, doc.Title+"\n"+doc.Body); err == nil {
		blob = encodeFloat32s(vec)
	} else if !errors.Is(err, errNoEmbedder) {
		// Indexed without a vector; lexical ranking still covers it.
		slog.Debug("document indexed without embedding", "path", doc.Path, "error", err)
	}

	_, err := x.db.ExecContext(ctx, `
		INSERT INTO documents (doc_id, path, doc_type, title, body, agent_id, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			doc_id = excluded.doc_id,
			doc_type = excluded.doc_type,
			title = excluded.title,
			body = excluded.body,
			agent_id = excluded.agent_id,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at
	`, doc.ID, doc.Path, doc.Type, doc.Title, doc.Body, doc.AgentID, blob, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// Delete removes a document by path.
func (x *Index) Delete(ctx context.Context, path string) error {
	res, err := x.db.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: document %q", store.ErrNotFound, path)
	}
	return nil
}

var errNoEmbedder = errors.New("no embedder configured")

// embed calls the embedding backend with the configured time bound.
func (x *Index) embed(ctx context.Context, text string) ([]float32, error) {
	if x.embedder == nil {
		return nil, errNoEmbedder
	}
	ctx, cancel := context.WithTimeout(ctx, x.cfg.SemanticTimeout)
	defer cancel()
	vec, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrTransientUpstream, err)
	}
	return vec, nil
}

// Query returns up to limit documents relevance-ranked for text, score
// descending with ties broken by updated_at descending. An empty query
// returns no results. typeFilter narrows to one document type when set.
func (x *Index) Query(ctx context.Context, text, typeFilter string, limit int) ([]ScoredDocument, error) {
	queryTerms := tokenize(text)
	if len(queryTerms) == 0 {
		return nil, nil
	}
	if typeFilter != "" && !ValidType(typeFilter) {
		return nil, fmt.Errorf("%w: unknown document type %q", store.ErrValidation, typeFilter)
	}
	if limit <= 0 {
		limit = 10
	}

	q := `SELECT doc_id, path, doc_type, title, body, COALESCE(agent_id,''), embedding, updated_at FROM documents`
	args := []interface{}{}
	if typeFilter != "" {
		q += ` WHERE doc_type = ?`
		args = append(args, typeFilter)
	}

	rows, err := x.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		doc       Document
		embedding []float32
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var blob []byte
		if err := rows.Scan(&c.doc.ID, &c.doc.Path, &c.doc.Type, &c.doc.Title, &c.doc.Body, &c.doc.AgentID, &blob, &c.doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		c.doc.UpdatedAt = c.doc.UpdatedAt.UTC()
		c.embedding = decodeFloat32s(blob)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Semantic degradation is local: embedding failure narrows the score
	// distribution to lexical-only, it never fails the query.
	var queryVec []float32
	if vec, err := x.embed(ctx, text); err == nil {
		queryVec = vec
	} else if !errors.Is(err, errNoEmbedder) {
		slog.Warn("semantic scoring unavailable, falling back to lexical", "error", err)
	}

	var results []ScoredDocument
	for _, c := range candidates {
		lex := lexicalScore(queryTerms, c.doc.Title, c.doc.Body)
		score := lex
		if queryVec != nil && c.embedding != nil {
			cos01 := (cosineSimilarity(queryVec, c.embedding) + 1) / 2
			score = x.cfg.LexicalWeight*lex + (1-x.cfg.LexicalWeight)*cos01
		}
		if score <= 0 {
			continue
		}
		if score > 1 {
			score = 1
		}
		results = append(results, ScoredDocument{Document: c.doc, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Document.UpdatedAt.After(results[j].Document.UpdatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
