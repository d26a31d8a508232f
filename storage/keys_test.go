package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudioFilename(t *testing.T) {
	name, err := AudioFilename("broadcast", false, 1)
	require.NoError(t, err)
	assert.Equal(t, "broadcast_short_v01.mp3", name)

	name, err = AudioFilename("broadcast", true, 12)
	require.NoError(t, err)
	assert.Equal(t, "broadcast_long_v12.mp3", name)
}

func TestAudioFilenameVersionBounds(t *testing.T) {
	_, err := AudioFilename("x", false, 0)
	require.Error(t, err)

	_, err = AudioFilename("x", false, 100)
	require.Error(t, err)

	name, err := AudioFilename("x", false, 99)
	require.NoError(t, err)
	assert.Equal(t, "x_short_v99.mp3", name)
}

func TestAudioFilenameSanitizesBase(t *testing.T) {
	name, err := AudioFilename("../etc/passwd my show", false, 2)
	require.NoError(t, err)
	assert.Equal(t, "_etc_passwd_my_show_short_v02.mp3", name)

	name, err = AudioFilename("", true, 1)
	require.NoError(t, err)
	assert.Equal(t, "untitled_long_v01.mp3", name)
}

func TestAudioFilenameKeepsUnicode(t *testing.T) {
	name, err := AudioFilename("晚间新闻", false, 3)
	require.NoError(t, err)
	assert.Equal(t, "晚间新闻_short_v03.mp3", name)
}

func TestKeyMonthLayout(t *testing.T) {
	at := time.Date(2024, time.March, 7, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "audio/2024/03/show_long_v01.mp3", AudioKey(at, "show_long_v01.mp3"))
	assert.Equal(t, "text/2024/03/abc123.txt", TextKey(at, "abc123"))
}

func TestKeyMonthRollover(t *testing.T) {
	dec := time.Date(2023, time.December, 31, 23, 59, 0, 0, time.UTC)
	jan := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "audio/2023/12/a.mp3", AudioKey(dec, "a.mp3"))
	assert.Equal(t, "audio/2024/01/a.mp3", AudioKey(jan, "a.mp3"))
}

func TestKeySanitizesSegments(t *testing.T) {
	at := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "text/2024/06/_secret.txt", TextKey(at, "../secret"))
}
