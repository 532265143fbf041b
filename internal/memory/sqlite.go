package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store backed by a local SQLite file. Embeddings
// are stored as text and similarity search runs in-process with
// brute-force cosine, which is fine for the sizes a single daemon
// accumulates.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the archival memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// modernc sqlite serialises writes itself; one connection avoids
	// SQLITE_BUSY on concurrent access.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		category TEXT NOT NULL,
		embedding TEXT,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create memories table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create category index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Memorize stores content under category and returns the new id.
func (s *SQLiteStore) Memorize(ctx context.Context, content, category string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("refusing to memorize empty content")
	}
	if category == "" {
		category = "general"
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, content, category, embedding, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, content, category, serializeEmbedding(hashEmbedding(content)), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}
	return id, nil
}

// SearchMemory returns up to topK entries most similar to query, filtered
// to category when non-empty.
func (s *SQLiteStore) SearchMemory(ctx context.Context, query, category string, topK int) ([]Entry, error) {
	if topK <= 0 {
		topK = 3
	}

	q := `SELECT id, content, category, embedding, created_at FROM memories`
	var args []interface{}
	if category != "" {
		q += ` WHERE category = ?`
		args = append(args, category)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	queryVec := hashEmbedding(query)
	var scored []Entry
	for rows.Next() {
		var e Entry
		var embText string
		if err := rows.Scan(&e.ID, &e.Content, &e.Category, &embText, &e.CreatedAt); err != nil {
			continue
		}
		e.Score = cosineSimilarity(queryVec, deserializeEmbedding(embText))
		if e.Score > 0 {
			scored = append(scored, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan memories: %w", err)
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// ForgetMemory deletes entries whose content contains contentMatch,
// restricted to category when non-empty, and returns how many were
// removed. instr avoids LIKE wildcard interpretation of the match text.
func (s *SQLiteStore) ForgetMemory(ctx context.Context, category, contentMatch string) (int, error) {
	if strings.TrimSpace(contentMatch) == "" {
		return 0, fmt.Errorf("refusing to forget without a content match")
	}

	q := `DELETE FROM memories WHERE instr(content, ?) > 0`
	args := []interface{}{contentMatch}
	if category != "" {
		q += ` AND category = ?`
		args = append(args, category)
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("delete memories: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetCognitiveMap returns entry counts per category.
func (s *SQLiteStore) GetCognitiveMap(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM memories GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("query cognitive map: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			continue
		}
		counts[category] = n
	}
	return counts, rows.Err()
}

// --- helpers ---

func serializeEmbedding(emb []float32) string {
	if len(emb) == 0 {
		return ""
	}
	parts := make([]string, len(emb))
	for i, v := range emb {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func deserializeEmbedding(s string) []float32 {
	if s == "" {
		return nil
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	parts := strings.Split(s, ",")
	emb := make([]float32, 0, len(parts))
	for _, p := range parts {
		var v float32
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%g", &v); err == nil {
			emb = append(emb, v)
		}
	}
	return emb
}
