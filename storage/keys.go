package storage

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/AuralisLabs/CastKit/taskerr"
)

// maxAudioVersions caps re-renders per text; the two-digit version slot
// in the filename cannot express more.
const maxAudioVersions = 99

// AudioFilename builds the versioned download name for a rendered text:
// {base}_{long|short}_v{NN}.mp3. The bucket tag records whether the text
// crossed the long-text threshold at synthesis time so re-renders sort
// next to their earlier versions.
func AudioFilename(base string, longText bool, version int) (string, error) {
	if version < 1 || version > maxAudioVersions {
		return "", taskerr.Newf(taskerr.KindStorage,
			"audio version %d outside 1..%d", version, maxAudioVersions)
	}
	bucket := "short"
	if longText {
		bucket = "long"
	}
	return fmt.Sprintf("%s_%s_v%02d.mp3", sanitizeSegment(base), bucket, version), nil
}

// AudioKey places an audio object under its upload month.
func AudioKey(now time.Time, filename string) string {
	return fmt.Sprintf("audio/%04d/%02d/%s", now.Year(), int(now.Month()), sanitizeSegment(filename))
}

// TextKey places the submitted source text under its upload month.
func TextKey(now time.Time, textID string) string {
	return fmt.Sprintf("text/%04d/%02d/%s.txt", now.Year(), int(now.Month()), sanitizeSegment(textID))
}

// sanitizeSegment keeps a name to a single path segment. Separators and
// whitespace collapse to underscores; control runes are dropped; leading
// dots are stripped so a key can never climb out of its prefix.
func sanitizeSegment(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case unicode.IsSpace(r):
			return '_'
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
	mapped = strings.TrimLeft(mapped, ".")
	if mapped == "" {
		return "untitled"
	}
	return mapped
}
