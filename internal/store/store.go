// Package store defines the persistence interfaces the daemon depends on
// and the container wiring them together. The default backends write JSON
// under the state dir; internal/store/pg supplies Postgres equivalents
// selected by database.postgres_dsn.
package store

import (
	"path/filepath"

	"github.com/famulus-dev/famulus/internal/cron"
	"github.com/famulus-dev/famulus/internal/providers"
	"github.com/famulus-dev/famulus/internal/sessions"
)

// TranscriptStore manages per-lane conversation transcripts.
type TranscriptStore interface {
	AddMessage(key string, msg providers.Message)
	AppendExchange(key, prompt, response string)
	GetHistory(key string) []providers.Message
	GetSummary(key string) string
	SetSummary(key, summary string)
	UpdateMetadata(key, tier, model, provider string)
	AccumulateTokens(key string, input, output int64)
	SetLastPromptTokens(key string, tokens, msgCount int)
	GetLastPromptTokens(key string) (tokens, msgCount int)
	TruncateHistory(key string, keepLast int)
	Reset(key string)
	Delete(key string) error
	List() []sessions.SessionInfo
	Save(key string) error
	SaveAll() error
}

// CronStore persists the scheduler's job set. The interface lives with its
// consumer; this alias exists so factories can name every backend in one
// place.
type CronStore = cron.JobStore

// Stores is the top-level container for all storage backends.
type Stores struct {
	Transcripts TranscriptStore
	CronJobs    CronStore
}

// NewFileStores builds the default file-backed stores under stateDir.
func NewFileStores(stateDir string) *Stores {
	return &Stores{
		Transcripts: sessions.NewManager(filepath.Join(stateDir, "transcripts")),
		CronJobs:    cron.NewFileStore(filepath.Join(stateDir, "cron_jobs.json")),
	}
}

var _ TranscriptStore = (*sessions.Manager)(nil)
var _ CronStore = (*cron.FileStore)(nil)
