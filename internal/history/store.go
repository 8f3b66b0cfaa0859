// Package history records when a page was last pushed to a target, so later
// runs can skip pages that have not changed since.
package history

import (
	"context"
	"fmt"
	"time"
)

// Record is the last push of one page to one target.
type Record struct {
	PageID    int       `json:"page_id"`
	Target    string    `json:"target"`
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

// Backend persists records. There is at most one record per (page, target);
// Upsert replaces it.
type Backend interface {
	// Get returns nil and no error when no record exists.
	Get(ctx context.Context, pageID int, target string) (*Record, error)
	Upsert(ctx context.Context, rec Record) error
	Close() error
}

// Store is the push history used by pushers and filters.
type Store struct {
	backend Backend
	now     func() time.Time
}

// NewStore wraps backend.
func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RecordPush stores that user pushed pageID to target now.
func (s *Store) RecordPush(ctx context.Context, pageID int, target, user string) error {
	if pageID <= 0 {
		return fmt.Errorf("cannot record push of page without id to %s", target)
	}
	return s.backend.Upsert(ctx, Record{
		PageID:    pageID,
		Target:    target,
		User:      user,
		Timestamp: s.now().Truncate(time.Second),
	})
}

// IsChangedSincePush reports whether the page has a revision newer than its
// last push to target. Pages never pushed count as changed.
func (s *Store) IsChangedSincePush(ctx context.Context, pageID int, target string, latestRevision time.Time) (bool, error) {
	rec, err := s.backend.Get(ctx, pageID, target)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return true, nil
	}
	return latestRevision.After(rec.Timestamp), nil
}

// LastPush returns the last push of pageID to target, or nil.
func (s *Store) LastPush(ctx context.Context, pageID int, target string) (*Record, error) {
	return s.backend.Get(ctx, pageID, target)
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func recordKey(pageID int, target string) string {
	return fmt.Sprintf("%d|%s", pageID, target)
}
