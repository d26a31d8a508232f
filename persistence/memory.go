package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AuralisLabs/CastKit/taskerr"
)

// MemoryStore keeps rows in process memory with the same semantics as
// PostgresStore, including live-audio and object-key uniqueness.
type MemoryStore struct {
	mu     sync.RWMutex
	texts  map[string]*Text
	audios []*Audio
	nextID int64
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{texts: make(map[string]*Text)}
}

// SaveText implements Store.
func (s *MemoryStore) SaveText(ctx context.Context, text *Text) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := *text
	if prev, ok := s.texts[text.TextID]; ok {
		row.CreatedAt = prev.CreatedAt
	} else if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	s.texts[text.TextID] = &row
	text.CreatedAt = row.CreatedAt
	return nil
}

// GetText implements Store.
func (s *MemoryStore) GetText(ctx context.Context, textID string) (*Text, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.texts[textID]
	if !ok {
		return nil, taskerr.ErrNotFound
	}
	snapshot := *t
	return &snapshot, nil
}

// InsertAudio implements Store.
func (s *MemoryStore) InsertAudio(ctx context.Context, audio *Audio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.audios {
		if a.ObjectKey == audio.ObjectKey {
			return fmt.Errorf("insert audio for %s: %w", audio.TextID, ErrDuplicateAudio)
		}
		if a.TextID == audio.TextID && !a.Deleted {
			return fmt.Errorf("insert audio for %s: %w", audio.TextID, ErrDuplicateAudio)
		}
	}

	s.nextID++
	row := *audio
	row.ID = s.nextID
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	s.audios = append(s.audios, &row)

	audio.ID = row.ID
	audio.CreatedAt = row.CreatedAt
	return nil
}

// LiveAudio implements Store.
func (s *MemoryStore) LiveAudio(ctx context.Context, textID string) (*Audio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.audios {
		if a.TextID == textID && !a.Deleted {
			snapshot := *a
			return &snapshot, nil
		}
	}
	return nil, taskerr.ErrNotFound
}

// CountAudioVersions implements Store.
func (s *MemoryStore) CountAudioVersions(ctx context.Context, textID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, a := range s.audios {
		if a.TextID == textID {
			n++
		}
	}
	return n, nil
}

// Totals implements Store.
func (s *MemoryStore) Totals(ctx context.Context) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var audios int64
	for _, a := range s.audios {
		if !a.Deleted {
			audios++
		}
	}
	return int64(len(s.texts)), audios, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
