package pg

import (
	"github.com/famulus-dev/famulus/internal/store"
)

// NewPGStores creates all stores backed by Postgres.
func NewPGStores(dsn string) (*store.Stores, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}

	return &store.Stores{
		Transcripts: NewPGTranscriptStore(db),
		CronJobs:    NewPGCronStore(db),
	}, nil
}
