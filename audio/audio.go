// Package audio holds byte-level checks for rendered audio buffers.
// The engine concatenates provider segments without transcoding, so the
// only verification available is sniffing the assembled stream.
package audio

import (
	"bytes"
	"time"

	"github.com/AuralisLabs/CastKit/taskerr"
)

const (
	// minMP3Size rejects buffers too small to hold a single frame of
	// real speech.
	minMP3Size = 100

	// estimateBytesPerSecond assumes 128 kbps CBR, the provider's
	// default encode rate.
	estimateBytesPerSecond = 128 * 1024 / 8
)

var id3Tag = []byte("ID3")

// ValidateMP3 checks that data plausibly holds an MP3 stream: large
// enough to carry audio and opening with an ID3 tag or an MPEG frame
// sync.
func ValidateMP3(data []byte) error {
	if len(data) == 0 {
		return taskerr.New(taskerr.KindInternal, "audio buffer is empty")
	}
	if len(data) < minMP3Size {
		return taskerr.Newf(taskerr.KindInternal,
			"audio buffer is %d bytes, too small to be a rendering", len(data))
	}
	if bytes.HasPrefix(data, id3Tag) {
		return nil
	}
	// MPEG frame sync: eleven set bits across the first two bytes.
	if data[0] == 0xFF && data[1]&0xE0 == 0xE0 {
		return nil
	}
	return taskerr.New(taskerr.KindInternal,
		"audio buffer does not start with an MP3 frame sync or ID3 tag")
}

// EstimateDuration estimates playtime from the byte size alone. The
// estimate floors at one second so tiny renders never report zero.
func EstimateDuration(size int64) time.Duration {
	if size <= 0 {
		return 0
	}
	d := time.Duration(float64(size) / estimateBytesPerSecond * float64(time.Second))
	if d < time.Second {
		return time.Second
	}
	return d
}
