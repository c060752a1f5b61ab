package admin

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	coreerrors "hustlexp/core/errors"
)

var bucketDenylist = []byte("denylist")

// DenyEntry records why a principal is blocked. Emergency entries carry no
// expiry and survive until an operator removes them.
type DenyEntry struct {
	UserID    string     `json:"userId"`
	Reason    string     `json:"reason"`
	AddedBy   string     `json:"addedBy"`
	AddedAt   time.Time  `json:"addedAt"`
	Emergency bool       `json:"emergency"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Denylist is the Bolt-backed block store checked on every authenticated
// admin request. It deliberately lives outside the primary database so a
// compromised principal can be locked out even during a database incident.
type Denylist struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenDenylist initialises (and migrates) the BoltDB-backed denylist.
func OpenDenylist(path string, options *bolt.Options) (*Denylist, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDenylist)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Denylist{db: db, now: time.Now}, nil
}

// Close releases the underlying Bolt database handle.
func (d *Denylist) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// SetNowFunc overrides the clock, for tests.
func (d *Denylist) SetNowFunc(fn func() time.Time) { d.now = fn }

// Add blocks a user. A non-zero ttl sets an expiry; emergency entries ignore
// ttl and never expire.
func (d *Denylist) Add(userID, reason, addedBy string, emergency bool, ttl time.Duration) error {
	if userID == "" {
		return coreerrors.Validation("USER_REQUIRED", "admin: denylist entry requires a user id")
	}
	entry := DenyEntry{
		UserID:    userID,
		Reason:    reason,
		AddedBy:   addedBy,
		AddedAt:   d.now().UTC(),
		Emergency: emergency,
	}
	if !emergency && ttl > 0 {
		expires := entry.AddedAt.Add(ttl)
		entry.ExpiresAt = &expires
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDenylist).Put([]byte(userID), payload)
	})
}

// Remove deletes the entry for a user. Removing an absent user is a no-op.
func (d *Denylist) Remove(userID string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDenylist).Delete([]byte(userID))
	})
}

// Blocked reports whether the user is currently denied. Expired entries are
// pruned on read.
func (d *Denylist) Blocked(userID string) (bool, DenyEntry, error) {
	var (
		entry   DenyEntry
		blocked bool
	)
	now := d.now()
	err := d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDenylist)
		raw := bucket.Get([]byte(userID))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		if entry.ExpiresAt != nil && now.After(*entry.ExpiresAt) {
			entry = DenyEntry{}
			return bucket.Delete([]byte(userID))
		}
		blocked = true
		return nil
	})
	if err != nil {
		return false, DenyEntry{}, err
	}
	return blocked, entry, nil
}

// Entries returns a snapshot of every live entry, for the admin surface.
func (d *Denylist) Entries() ([]DenyEntry, error) {
	var entries []DenyEntry
	now := d.now()
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDenylist).ForEach(func(_, raw []byte) error {
			var entry DenyEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return err
			}
			if entry.ExpiresAt != nil && now.After(*entry.ExpiresAt) {
				return nil
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
