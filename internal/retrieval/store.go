package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Compile-time check that SQLiteSearcher implements Searcher.
var _ Searcher = (*SQLiteSearcher)(nil)

// SQLiteSearcher runs keyword search over the knowledge_chunks table of the
// local store. Chunks are written by the indexing side; this type only reads.
type SQLiteSearcher struct {
	db *sql.DB
}

// NewSQLiteSearcher wraps an existing *sql.DB. The knowledge_chunks table
// must already exist (created via migrations).
func NewSQLiteSearcher(db *sql.DB) *SQLiteSearcher {
	return &SQLiteSearcher{db: db}
}

type scoredChunk struct {
	source  string
	text    string
	score   int
	ordinal int
}

// Search scores every chunk matching the subject/grade filter by the number
// of query terms it contains and returns the best Limit chunks joined into a
// single context block.
func (s *SQLiteSearcher) Search(ctx context.Context, query string, f Filters) (SearchResult, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return SearchResult{}, nil
	}

	var (
		where []string
		args  []any
	)
	if f.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, f.Subject)
	}
	if f.Grade != "" {
		where = append(where, "(grade = ? OR grade = '')")
		args = append(args, f.Grade)
	}
	q := `SELECT source, text_chunk FROM knowledge_chunks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return SearchResult{}, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var hits []scoredChunk
	n := 0
	for rows.Next() {
		var c scoredChunk
		if err := rows.Scan(&c.source, &c.text); err != nil {
			return SearchResult{}, fmt.Errorf("scanning chunk: %w", err)
		}
		c.score = matchScore(c.text, terms)
		c.ordinal = n
		n++
		if c.score > 0 {
			hits = append(hits, c)
		}
	}
	if err := rows.Err(); err != nil {
		return SearchResult{}, fmt.Errorf("iterating chunks: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].ordinal < hits[j].ordinal
	})

	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	total := len(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}

	var (
		sb      strings.Builder
		sources []string
	)
	for _, h := range hits {
		fmt.Fprintf(&sb, "[来源: %s]\n%s\n\n", h.source, strings.TrimSpace(h.text))
		sources = append(sources, h.source)
	}
	return SearchResult{Context: sb.String(), Sources: sources, Total: total}, nil
}

// queryTerms splits a query on whitespace and punctuation. Chinese text has
// no spaces, so each run is kept whole and matched as a substring.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	seen := make(map[string]bool, len(fields))
	terms := fields[:0]
	for _, f := range fields {
		f = strings.ToLower(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

func matchScore(text string, terms []string) int {
	lower := strings.ToLower(text)
	score := 0
	for _, t := range terms {
		score += strings.Count(lower, t)
	}
	return score
}
