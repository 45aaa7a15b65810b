package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "audio/7/42.mp3", AudioKey(7, 42, "mp3"))
	assert.Equal(t, "stems/42/2/vocals.wav", StemKey(42, 2, "vocals", "wav"))
}

func TestExtFromURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{in: "https://cdn.example.com/a/b/song.MP3", want: "mp3"},
		{in: "https://cdn.example.com/song.flac?sig=abc", want: "flac"},
		{in: "https://cdn.example.com/stream/123", want: "mp3"},
		{in: "https://cdn.example.com/image.png", want: "mp3"},
		{in: "::not a url", want: "mp3"},
		{in: "https://cdn.example.com/x.wav#fragment", want: "wav"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ExtFromURL(c.in, "mp3"), c.in)
	}
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "audio/mpeg", ContentType("audio/1/2.mp3"))
	assert.Equal(t, "audio/flac", ContentType("x.FLAC"))
	assert.Equal(t, "application/octet-stream", ContentType("x.bin"))
	assert.Equal(t, "audio", kindOf("stems/1/1/vocals.wav"))
	assert.Equal(t, "image", kindOf("covers/1.jpg"))
}

func TestMediaURL(t *testing.T) {
	assert.Equal(t, "/media/audio/1/2.mp3", MediaURL("audio/1/2.mp3"))
	assert.Equal(t, "/media/audio/1/2.mp3", MediaURL("/audio/1/2.mp3"))
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatSize(512))
	assert.Equal(t, "1.5 KB", FormatSize(1536))
	assert.Equal(t, "2.0 MB", FormatSize(2*1024*1024))
}
