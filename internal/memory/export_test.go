package memory

import (
	"database/sql"
	"time"
)

// DB exposes the index handle to memory_test.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}
