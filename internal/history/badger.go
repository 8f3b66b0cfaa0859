package history

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/timshannon/badgerhold/v4"
)

// Badger stores records in an embedded BadgerDB directory.
type Badger struct {
	store *badgerhold.Store
}

// OpenBadger opens (or creates) the database at dir.
func OpenBadger(dir string) (*Badger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	return &Badger{store: store}, nil
}

func (b *Badger) Get(_ context.Context, pageID int, target string) (*Record, error) {
	var rec Record
	if err := b.store.Get(recordKey(pageID, target), &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read push history: %w", err)
	}
	return &rec, nil
}

func (b *Badger) Upsert(_ context.Context, rec Record) error {
	if err := b.store.Upsert(recordKey(rec.PageID, rec.Target), rec); err != nil {
		return fmt.Errorf("failed to store push history: %w", err)
	}
	return nil
}

func (b *Badger) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}
