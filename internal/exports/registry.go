// -----------------------------------------------------------------------
// Export registry - Badger-backed records of generated export files
// -----------------------------------------------------------------------

package exports

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// ErrNotFound is returned when no record exists under an export id.
var ErrNotFound = errors.New("export not found")

// Record statuses. An export is queued when scheduled, running while the
// worker assembles and writes it, and complete or failed afterwards.
const (
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Record describes one export: who asked, which logical query it covers
// and where the generated file lives.
type Record struct {
	ID       string
	User     string
	Room     string
	FirstJob string
	Format   string

	Status string
	Error  string

	Path  string
	Bytes int64
	Lines int

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Registry persists export records in a local Badger store. Records outlive
// the Redis job records they derive from, so a finished export stays
// downloadable after its query's TTL expired.
type Registry struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// OpenRegistry opens (or creates) the Badger store at the given path.
func OpenRegistry(path string, logger arbor.ILogger) (*Registry, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export registry directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open export registry: %w", err)
	}

	logger.Debug().Str("path", path).Msg("Export registry opened")
	return &Registry{store: store, logger: logger}, nil
}

// Close releases the store.
func (r *Registry) Close() error {
	if r.store != nil {
		return r.store.Close()
	}
	return nil
}

// Save upserts a record, stamping its timestamps.
func (r *Registry) Save(rec *Record) error {
	if rec.ID == "" {
		return fmt.Errorf("export record ID is required")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	if err := r.store.Upsert(rec.ID, rec); err != nil {
		return fmt.Errorf("failed to save export %s: %w", rec.ID, err)
	}
	return nil
}

// Get fetches a record by id.
func (r *Registry) Get(id string) (*Record, error) {
	var rec Record
	if err := r.store.Get(id, &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get export %s: %w", id, err)
	}
	return &rec, nil
}

// ListByUser returns a user's exports, newest first.
func (r *Registry) ListByUser(user string, limit int) ([]*Record, error) {
	query := badgerhold.Where("User").Eq(user).SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var recs []Record
	if err := r.store.Find(&recs, query); err != nil {
		return nil, fmt.Errorf("failed to list exports for %s: %w", user, err)
	}

	out := make([]*Record, len(recs))
	for i := range recs {
		out[i] = &recs[i]
	}
	return out, nil
}

// Delete removes a record. Missing records are fine.
func (r *Registry) Delete(id string) error {
	if err := r.store.Delete(id, &Record{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete export %s: %w", id, err)
	}
	return nil
}

// SweepExpired deletes records older than the TTL along with their files,
// returning how many were removed. The scheduler runs this periodically.
func (r *Registry) SweepExpired(ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)

	var stale []Record
	if err := r.store.Find(&stale, badgerhold.Where("CreatedAt").Lt(cutoff)); err != nil {
		return 0, fmt.Errorf("failed to scan expired exports: %w", err)
	}

	removed := 0
	for i := range stale {
		rec := &stale[i]
		if rec.Path != "" {
			if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
				r.logger.Warn().Str("export", rec.ID).Str("path", rec.Path).Err(err).Msg("Failed to remove export file")
			}
		}
		if err := r.Delete(rec.ID); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		r.logger.Info().Int("removed", removed).Msg("Swept expired exports")
	}
	return removed, nil
}
