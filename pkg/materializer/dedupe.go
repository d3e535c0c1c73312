package materializer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
)

// DedupeStore records applied mutation ids so replayed events do not touch
// the graph twice. The graph writes are MERGE-idempotent anyway, so a lost
// or corrupt dedupe store degrades to extra (harmless) writes.
type DedupeStore struct {
	db *leveldb.DB
}

// OpenDedupe opens (or creates) the mutation dedupe database at dbPath.
func OpenDedupe(dbPath string) (*DedupeStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dedupe directory: %w", err)
	}
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		if errors.IsCorrupted(err) {
			db, err = leveldb.RecoverFile(dbPath, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open dedupe store: %w", err)
		}
	}
	return &DedupeStore{db: db}, nil
}

// Close releases the underlying database.
func (d *DedupeStore) Close() error {
	return d.db.Close()
}

// Seen reports whether mutationID was already recorded.
func (d *DedupeStore) Seen(mutationID string) (bool, error) {
	return d.db.Has([]byte(mutationID), nil)
}

// Record marks mutationID as applied, storing the apply timestamp.
func (d *DedupeStore) Record(mutationID string) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return d.db.Put([]byte(mutationID), []byte(ts), nil)
}

// MutationID derives the identity of one graph mutation from the event id,
// the mutation kind and a stable key for the touched entity.
func MutationID(eventID int64, kind, stableKey string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%s", eventID, kind, stableKey)))
	return hex.EncodeToString(sum[:])
}
