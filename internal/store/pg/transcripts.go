package pg

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/famulus-dev/famulus/internal/providers"
	"github.com/famulus-dev/famulus/internal/sessions"
	"github.com/famulus-dev/famulus/internal/store"
)

// PGTranscriptStore implements store.TranscriptStore backed by Postgres.
type PGTranscriptStore struct {
	db *sql.DB
	mu sync.RWMutex
	// In-memory cache for hot lanes (reduces DB reads during tool loops)
	cache map[string]*sessions.Session
}

func NewPGTranscriptStore(db *sql.DB) *PGTranscriptStore {
	return &PGTranscriptStore{
		db:    db,
		cache: make(map[string]*sessions.Session),
	}
}

func (s *PGTranscriptStore) AddMessage(key string, msg providers.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrInit(key)
	sess.Messages = append(sess.Messages, msg)
	sess.Updated = time.Now()
}

func (s *PGTranscriptStore) AppendExchange(key, prompt, response string) {
	s.AddMessage(key, providers.Message{Role: "user", Content: prompt})
	s.AddMessage(key, providers.Message{Role: "assistant", Content: response})
}

func (s *PGTranscriptStore) GetHistory(key string) []providers.Message {
	s.mu.RLock()
	if sess, ok := s.cache[key]; ok {
		msgs := make([]providers.Message, len(sess.Messages))
		copy(msgs, sess.Messages)
		s.mu.RUnlock()
		return msgs
	}
	s.mu.RUnlock()

	// Not in cache: load from DB and cache it
	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring the write lock
	if sess, ok := s.cache[key]; ok {
		msgs := make([]providers.Message, len(sess.Messages))
		copy(msgs, sess.Messages)
		return msgs
	}

	sess := s.loadFromDB(key)
	if sess == nil {
		return nil
	}
	s.cache[key] = sess
	msgs := make([]providers.Message, len(sess.Messages))
	copy(msgs, sess.Messages)
	return msgs
}

func (s *PGTranscriptStore) GetSummary(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.cache[key]; ok {
		return sess.Summary
	}
	return ""
}

func (s *PGTranscriptStore) SetSummary(key, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.cache[key]; ok {
		sess.Summary = summary
		sess.Updated = time.Now()
	}
}

func (s *PGTranscriptStore) UpdateMetadata(key, tier, model, provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.cache[key]; ok {
		if tier != "" {
			sess.Tier = tier
		}
		if model != "" {
			sess.Model = model
		}
		if provider != "" {
			sess.Provider = provider
		}
	}
}

func (s *PGTranscriptStore) AccumulateTokens(key string, input, output int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.cache[key]; ok {
		sess.InputTokens += input
		sess.OutputTokens += output
	}
}

func (s *PGTranscriptStore) SetLastPromptTokens(key string, tokens, msgCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.cache[key]; ok {
		sess.LastPromptTokens = tokens
		sess.LastMessageCount = msgCount
	}
}

func (s *PGTranscriptStore) GetLastPromptTokens(key string) (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.cache[key]; ok {
		return sess.LastPromptTokens, sess.LastMessageCount
	}
	return 0, 0
}

func (s *PGTranscriptStore) TruncateHistory(key string, keepLast int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.cache[key]; ok {
		if keepLast <= 0 {
			sess.Messages = []providers.Message{}
		} else if len(sess.Messages) > keepLast {
			sess.Messages = sess.Messages[len(sess.Messages)-keepLast:]
		}
		sess.Updated = time.Now()
	}
}

func (s *PGTranscriptStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.cache[key]; ok {
		sess.Messages = []providers.Message{}
		sess.Summary = ""
		sess.Updated = time.Now()
	}
}

func (s *PGTranscriptStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM transcripts WHERE session_key = $1", key)
	return err
}

func (s *PGTranscriptStore) List() []sessions.SessionInfo {
	// jsonb_array_length avoids loading full message bodies
	rows, err := s.db.Query(
		`SELECT session_key, jsonb_array_length(messages), tier, created_at, updated_at
		 FROM transcripts ORDER BY updated_at DESC`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var result []sessions.SessionInfo
	for rows.Next() {
		var key string
		var msgCount int
		var tier *string
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&key, &msgCount, &tier, &createdAt, &updatedAt); err != nil {
			continue
		}
		result = append(result, sessions.SessionInfo{
			Key:          key,
			MessageCount: msgCount,
			Tier:         derefStr(tier),
			Created:      createdAt,
			Updated:      updatedAt,
		})
	}
	return result
}

func (s *PGTranscriptStore) Save(key string) error {
	s.mu.RLock()
	sess, ok := s.cache[key]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	// Snapshot
	snapshot := *sess
	msgs := make([]providers.Message, len(sess.Messages))
	copy(msgs, sess.Messages)
	snapshot.Messages = msgs
	s.mu.RUnlock()

	msgsJSON, err := json.Marshal(snapshot.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	_, err = s.db.Exec(
		`UPDATE transcripts SET
			messages = $1, summary = $2, tier = $3, model = $4, provider = $5,
			input_tokens = $6, output_tokens = $7, updated_at = $8
		 WHERE session_key = $9`,
		msgsJSON, nilStr(snapshot.Summary), nilStr(snapshot.Tier),
		nilStr(snapshot.Model), nilStr(snapshot.Provider),
		snapshot.InputTokens, snapshot.OutputTokens, snapshot.Updated,
		key,
	)
	return err
}

func (s *PGTranscriptStore) SaveAll() error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.cache))
	for key := range s.cache {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	var firstErr error
	for _, key := range keys {
		if err := s.Save(key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("save transcript %s: %w", key, err)
		}
	}
	return firstErr
}

// --- helpers ---

func (s *PGTranscriptStore) getOrInit(key string) *sessions.Session {
	if sess, ok := s.cache[key]; ok {
		return sess
	}

	// Try the DB first to avoid overwriting an existing transcript
	sess := s.loadFromDB(key)
	if sess != nil {
		s.cache[key] = sess
		return sess
	}

	// Not in DB: create new
	now := time.Now()
	sess = &sessions.Session{
		Key:      key,
		Messages: []providers.Message{},
		Created:  now,
		Updated:  now,
	}
	s.cache[key] = sess

	msgsJSON, _ := json.Marshal([]providers.Message{})
	s.db.Exec(
		`INSERT INTO transcripts (id, session_key, messages, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (session_key) DO NOTHING`,
		uuid.Must(uuid.NewV7()), key, msgsJSON, now, now,
	)
	return sess
}

func (s *PGTranscriptStore) loadFromDB(key string) *sessions.Session {
	var sessionKey string
	var msgsJSON []byte
	var summary, tier, model, provider *string
	var inputTokens, outputTokens int64
	var createdAt, updatedAt time.Time

	err := s.db.QueryRow(
		`SELECT session_key, messages, summary, tier, model, provider,
		 input_tokens, output_tokens, created_at, updated_at
		 FROM transcripts WHERE session_key = $1`, key,
	).Scan(&sessionKey, &msgsJSON, &summary, &tier, &model, &provider,
		&inputTokens, &outputTokens, &createdAt, &updatedAt)
	if err != nil {
		return nil
	}

	var msgs []providers.Message
	json.Unmarshal(msgsJSON, &msgs)

	return &sessions.Session{
		Key:          sessionKey,
		Messages:     msgs,
		Summary:      derefStr(summary),
		Created:      createdAt,
		Updated:      updatedAt,
		Tier:         derefStr(tier),
		Model:        derefStr(model),
		Provider:     derefStr(provider),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}
}

var _ store.TranscriptStore = (*PGTranscriptStore)(nil)
