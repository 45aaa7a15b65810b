package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"tuneforge/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name  string
	reply string
	err   error
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Complete(context.Context, string, string) (string, error) {
	s.calls++
	return s.reply, s.err
}

func TestParseSong(t *testing.T) {
	song, err := ParseSong("Sure!\n```json\n{\"title\": \"\\\"Night Drive\\\"\", \"tags\": \" synthwave, chill \", \"lyrics\": \"\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Night Drive", song.Title)
	assert.Equal(t, "synthwave, chill", song.Tags)

	_, err = ParseSong("no json here")
	assert.Error(t, err)
}

func TestEnrichKeepsKnownFields(t *testing.T) {
	p := &stubProvider{name: "stub", reply: `{"title":"Suggested","tags":"pop","lyrics":"[Verse] cleaned"}`}
	e := NewEnricher(p)

	song, err := e.Enrich(context.Background(), EnrichRequest{Prompt: "x", Song: Song{Title: "Mine"}})
	require.NoError(t, err)
	assert.Equal(t, "Mine", song.Title)
	assert.Equal(t, "pop", song.Tags)
	assert.Empty(t, song.Lyrics, "lyrics are never invented for an instrumental")

	song, err = e.Enrich(context.Background(), EnrichRequest{Prompt: "x", Song: Song{Lyrics: "raw"}})
	require.NoError(t, err)
	assert.Equal(t, "[Verse] cleaned", song.Lyrics)
}

func TestEnricherFallsBackToNextProvider(t *testing.T) {
	bad := &stubProvider{name: "bad", err: errors.New("down")}
	garbled := &stubProvider{name: "garbled", reply: "not json"}
	good := &stubProvider{name: "good", reply: `{"title":"T","tags":"rock","lyrics":"la"}`}

	song, err := NewEnricher(bad, garbled, good).DraftLyrics(context.Background(), "a song about rain", "")
	require.NoError(t, err)
	assert.Equal(t, "la", song.Lyrics)
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, 1, garbled.calls)
}

func TestEnricherAllFail(t *testing.T) {
	_, err := NewEnricher(&stubProvider{name: "a", err: errors.New("down")}).DraftLyrics(context.Background(), "x", "")
	assert.Error(t, err)

	_, err = NewEnricher().DraftLyrics(context.Background(), "x", "")
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestDraftLyricsRequiresLyrics(t *testing.T) {
	_, err := NewEnricher(&stubProvider{name: "a", reply: `{"title":"T"}`}).DraftLyrics(context.Background(), "x", "")
	assert.Error(t, err)
}

func TestChatCompletionsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk", r.Header.Get("Authorization"))
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}]}`))
	}))
	defer srv.Close()

	p := NewChatCompletions("openai", ProviderConfig{APIBaseURL: srv.URL + "/v1/", APIKey: "sk", Model: "m"})
	reply, err := p.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)
}

func TestAnthropicRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ak", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sys", req.System)
		w.Write([]byte(`{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`))
	}))
	defer srv.Close()

	reply, err := NewAnthropic(ProviderConfig{APIBaseURL: srv.URL, APIKey: "ak", Model: "m"}).Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "ab", reply)
}

func TestProviderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewChatCompletions("deepseek", ProviderConfig{APIBaseURL: srv.URL}).Complete(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestNewEnricherFromConfig(t *testing.T) {
	cfg := &config.Config{DeepSeekAPIKey: "d", AnthropicAPIKey: "a"}
	e := NewEnricherFromConfig(cfg)
	require.True(t, e.Enabled())
	require.Len(t, e.providers, 2)
	assert.Equal(t, "deepseek", e.providers[0].Name())
	assert.Equal(t, "anthropic", e.providers[1].Name())

	assert.False(t, NewEnricherFromConfig(&config.Config{}).Enabled())
}
