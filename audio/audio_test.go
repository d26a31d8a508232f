package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mp3Frame builds a buffer opening with the given header bytes, padded
// past the minimum size check.
func mp3Frame(header ...byte) []byte {
	buf := make([]byte, 200)
	copy(buf, header)
	return buf
}

func TestValidateMP3FrameSync(t *testing.T) {
	require.NoError(t, ValidateMP3(mp3Frame(0xFF, 0xFB, 0x90)))
	require.NoError(t, ValidateMP3(mp3Frame(0xFF, 0xF3, 0x18)))
}

func TestValidateMP3ID3Tag(t *testing.T) {
	require.NoError(t, ValidateMP3(mp3Frame('I', 'D', '3', 0x04, 0x00)))
}

func TestValidateMP3Rejects(t *testing.T) {
	require.Error(t, ValidateMP3(nil))
	require.Error(t, ValidateMP3([]byte{0xFF, 0xFB}))
	require.Error(t, ValidateMP3(mp3Frame('R', 'I', 'F', 'F')))
	require.Error(t, ValidateMP3(mp3Frame(0xFF, 0x1B)))
}

func TestEstimateDuration(t *testing.T) {
	assert.Equal(t, time.Duration(0), EstimateDuration(0))

	// 16 KiB at 128 kbps is exactly one second.
	assert.Equal(t, time.Second, EstimateDuration(16*1024))
	assert.Equal(t, 10*time.Second, EstimateDuration(160*1024))

	// Tiny buffers floor at one second.
	assert.Equal(t, time.Second, EstimateDuration(100))
}
