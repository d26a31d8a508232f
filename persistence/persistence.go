// Package persistence stores submitted texts and their rendered audio
// versions durably. PostgresStore is the production implementation;
// MemoryStore serves single-process deployments and tests.
package persistence

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateAudio reports an insert that would create a second live
// audio row for one text.
var ErrDuplicateAudio = errors.New("live audio already exists for text")

// Text is a submitted source document.
type Text struct {
	TextID    string
	UserID    string
	Filename  string
	Title     string
	Content   string
	CharCount int
	ObjectKey string
	CreatedAt time.Time
}

// Audio is one rendered version of a text. Version numbers grow with
// every render, deleted rows included, so filenames never collide.
type Audio struct {
	ID          int64
	TextID      string
	UserID      string
	Filename    string
	ObjectKey   string
	URL         string
	SizeBytes   int64
	DurationSec int
	Version     int
	Deleted     bool
	CreatedAt   time.Time
}

// Store persists texts and audio rows. Implementations must be safe
// for concurrent use.
type Store interface {
	// SaveText inserts the text row, refreshing content, title and
	// char count when textID is already present.
	SaveText(ctx context.Context, text *Text) error

	// GetText returns the live text row, or an error satisfying
	// errors.Is(err, taskerr.ErrNotFound).
	GetText(ctx context.Context, textID string) (*Text, error)

	// InsertAudio appends a rendered version. Returns ErrDuplicateAudio
	// when a live row already exists for the text or the object key is
	// taken.
	InsertAudio(ctx context.Context, audio *Audio) error

	// LiveAudio returns the non-deleted audio row for textID, or an
	// error satisfying errors.Is(err, taskerr.ErrNotFound).
	LiveAudio(ctx context.Context, textID string) (*Audio, error)

	// CountAudioVersions counts every audio row ever written for
	// textID, deleted rows included. The next filename version is
	// count+1.
	CountAudioVersions(ctx context.Context, textID string) (int, error)

	// Totals reports durable text and live audio row counts.
	Totals(ctx context.Context) (texts, audios int64, err error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases held resources.
	Close() error
}
