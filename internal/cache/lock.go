package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotHeld is returned by Unlock when the lock is absent or held by a
// different token.
var ErrNotHeld = errors.New("lock not held")

// TryLock attempts to acquire the named lock for ttl and returns a holder
// token on success. It never blocks: if the lock is live under another
// token, acquired is false and the caller skips its cycle. An expired lock
// left by a crashed worker is reaped on the next attempt.
func (s *Store) TryLock(name string, ttl time.Duration) (token string, acquired bool, err error) {
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return "", false, fmt.Errorf("beginning lock transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM locks WHERE name = ? AND expires_at <= ?",
		name, now.Format(time.RFC3339)); err != nil {
		return "", false, fmt.Errorf("reaping expired lock %s: %w", name, err)
	}

	token = uuid.New().String()
	res, err := tx.Exec(`INSERT INTO locks (name, token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING`,
		name, token, now.Add(ttl).Format(time.RFC3339))
	if err != nil {
		return "", false, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("checking lock %s acquisition: %w", name, err)
	}
	if n == 0 {
		return "", false, nil
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("committing lock %s: %w", name, err)
	}
	return token, true, nil
}

// Unlock releases the named lock if it is still held under token. A lock
// that expired and was re-acquired elsewhere is not released.
func (s *Store) Unlock(name, token string) error {
	res, err := s.db.Exec("DELETE FROM locks WHERE name = ? AND token = ?", name, token)
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking lock %s release: %w", name, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// LockedUntil returns the expiry of a live lock, or the zero time when the
// lock is free. Used by status reporting only.
func (s *Store) LockedUntil(name string) (time.Time, error) {
	var expires string
	err := s.db.QueryRow("SELECT expires_at FROM locks WHERE name = ?", name).Scan(&expires)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading lock %s: %w", name, err)
	}
	t, err := time.Parse(time.RFC3339, expires)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing lock %s expiry: %w", name, err)
	}
	if t.Before(time.Now().UTC()) {
		return time.Time{}, nil
	}
	return t, nil
}
