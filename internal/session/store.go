// Package session persists each client's slideshow position across
// requests and restarts.
//
// Records live in a single bbolt file, keyed by the client's session ID.
// Every write refreshes an expiry timestamp; expired records read as absent
// and are removed by Sweep, so abandoned clients do not accumulate.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fpang/photomatic/internal/selection"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
)

// SessionTTL is how long an untouched session is kept.
const SessionTTL = 30 * 24 * time.Hour

// DefaultFilename is the database filename inside the instance directory.
const DefaultFilename = "sessions.db"

const sessionBucket = "sessions"

// Store persists selection sessions by ID. Implementations are safe for
// concurrent use. Load returns ok=false when no live record exists.
type Store interface {
	Load(id string) (sess selection.Session, ok bool, err error)
	Save(id string, sess selection.Session) error
	Delete(id string) error
}

// record is the stored form of a session.
type record struct {
	Session   selection.Session `json:"session"`
	UpdatedAt time.Time         `json:"updated_at"`
	ExpiresAt int64             `json:"expires_at"`
}

// BoltStore implements Store on a bbolt database file.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// Compile-time interface check.
var _ Store = (*BoltStore)(nil)

// Open opens or creates the session database at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create session bucket: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// expiresAt returns the Unix timestamp a record written now expires at.
func (s *BoltStore) expiresAt() int64 {
	return s.now().Add(SessionTTL).Unix()
}

func (s *BoltStore) Load(id string) (selection.Session, bool, error) {
	var rec record
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(sessionBucket)).Get([]byte(id))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshal session %s: %w", id, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return selection.Session{}, false, err
	}
	if !found || rec.ExpiresAt <= s.now().Unix() {
		log.Debug().Str("sessionId", id).Bool("found", found).Msg("Session not loaded")
		return selection.Session{}, false, nil
	}
	return rec.Session, true, nil
}

func (s *BoltStore) Save(id string, sess selection.Session) error {
	data, err := json.Marshal(record{Session: sess, UpdatedAt: s.now(), ExpiresAt: s.expiresAt()})
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", id, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Put([]byte(id), data)
	})
	if err != nil {
		return fmt.Errorf("put session %s: %w", id, err)
	}
	return nil
}

func (s *BoltStore) Delete(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Sweep deletes expired and unreadable records and returns how many were
// removed.
func (s *BoltStore) Sweep() (int, error) {
	now := s.now().Unix()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sessionBucket))
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err == nil && rec.ExpiresAt > now {
				return nil
			}
			expired = append(expired, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep sessions: %w", err)
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Swept expired sessions")
	}
	return removed, nil
}

// Count returns the number of stored records, expired or not.
func (s *BoltStore) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(sessionBucket)).Stats().KeyN
		return nil
	})
	return n, err
}
