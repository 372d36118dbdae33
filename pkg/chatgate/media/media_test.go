package media

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func TestValidate(t *testing.T) {
	t.Run("sniffs png", func(t *testing.T) {
		res, err := Validate(pngHeader, "photo", "", DefaultLimits())
		require.NoError(t, err)
		assert.Equal(t, "image/png", res.MimeType)
		assert.Equal(t, CategoryImage, res.Category)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Validate(nil, "x.png", "image/png", DefaultLimits())
		assert.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("not allowed", func(t *testing.T) {
		_, err := Validate([]byte("MZ\x90\x00"), "setup.exe", "application/x-msdownload", DefaultLimits())
		assert.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("too large", func(t *testing.T) {
		data := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{0}, 64)...)
		_, err := Validate(data, "", "image/png", Limits{Image: 10})
		assert.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("mime parameters are stripped", func(t *testing.T) {
		res, err := Validate([]byte("OggS"), "voice.ogg", "audio/ogg; codecs=opus", DefaultLimits())
		require.NoError(t, err)
		assert.Equal(t, "audio/ogg", res.MimeType)
		assert.Equal(t, CategoryAudio, res.Category)
	})
}

func TestDetectMimeTypeByExtension(t *testing.T) {
	assert.Equal(t, "application/pdf", DetectMimeType([]byte("%PDF-1.4"), "a.pdf"))
	assert.Equal(t, "text/csv", DetectMimeType([]byte("a,b\n1,2\n"), "report.csv"))
}

func TestCategorize(t *testing.T) {
	assert.Equal(t, CategoryVideo, Categorize("video/mp4"))
	assert.Equal(t, CategoryAudio, Categorize("video/ogg"))
	assert.Equal(t, CategoryDocument, Categorize("application/pdf"))
}
