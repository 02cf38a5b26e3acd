package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MegaGrindStone/roadmap-chat/internal/models"
	bolt "go.etcd.io/bbolt"
)

var (
	layoutBucket = []byte("layout")
	usageBucket  = []byte("usage")
)

// BoltDB persists the panel layout of every browser and the local AI usage counters in a BoltDB file.
type BoltDB struct {
	db *bolt.DB
}

type layoutRecord struct {
	Open      bool      `json:"open"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewBoltDB opens the database at path, creating the file with 0600 permissions and the required
// buckets if they don't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{layoutBucket, usageBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// OpenFlag returns the persisted panel flag of a browser. found is false if nothing was stored yet.
func (b BoltDB) OpenFlag(_ context.Context, clientID string) (open bool, found bool, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(layoutBucket).Get([]byte(clientID))
		if v == nil {
			return nil
		}

		var rec layoutRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal layout: %w", err)
		}
		open, found = rec.Open, true
		return nil
	})
	return open, found, err
}

// SetOpenFlag stores the panel flag of a browser.
func (b BoltDB) SetOpenFlag(_ context.Context, clientID string, open bool) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		v, err := json.Marshal(layoutRecord{Open: open, UpdatedAt: time.Now()})
		if err != nil {
			return fmt.Errorf("failed to marshal layout: %w", err)
		}
		return tx.Bucket(layoutBucket).Put([]byte(clientID), v)
	})
}

func usageKey(user string, day time.Time) []byte {
	return []byte(fmt.Sprintf("%s/%s", user, day.UTC().Format(time.DateOnly)))
}

// Usage returns how many answers user received on the given day.
func (b BoltDB) Usage(_ context.Context, user string, day time.Time) (int, error) {
	var used int
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(usageBucket).Get(usageKey(user, day))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &used); err != nil {
			return fmt.Errorf("failed to unmarshal usage: %w", err)
		}
		return nil
	})
	return used, err
}

// AddUsage increments the answer count of user on the given day and returns the new count.
func (b BoltDB) AddUsage(_ context.Context, user string, day time.Time) (int, error) {
	var used int
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(usageBucket)
		key := usageKey(user, day)

		if v := bucket.Get(key); v != nil {
			if err := json.Unmarshal(v, &used); err != nil {
				return fmt.Errorf("failed to unmarshal usage: %w", err)
			}
		}
		used++

		v, err := json.Marshal(used)
		if err != nil {
			return fmt.Errorf("failed to marshal usage: %w", err)
		}
		return bucket.Put(key, v)
	})
	return used, err
}

// Layout is the LayoutStore of a single browser, backed by BoltDB.
type Layout struct {
	db       BoltDB
	clientID string
	viewport models.ViewportClass
}

// NewLayout binds the browser identified by clientID, rendering at the given viewport class, to the
// database.
func NewLayout(db BoltDB, clientID string, viewport models.ViewportClass) Layout {
	return Layout{db: db, clientID: clientID, viewport: viewport}
}

// ViewportClass returns the viewport class the panel was mounted with.
func (l Layout) ViewportClass() models.ViewportClass {
	return l.viewport
}

// PersistedOpenFlag returns the stored panel flag of the browser.
func (l Layout) PersistedOpenFlag(ctx context.Context) (bool, bool, error) {
	return l.db.OpenFlag(ctx, l.clientID)
}

// SetPersistedOpenFlag stores the panel flag of the browser.
func (l Layout) SetPersistedOpenFlag(ctx context.Context, open bool) error {
	return l.db.SetOpenFlag(ctx, l.clientID, open)
}
