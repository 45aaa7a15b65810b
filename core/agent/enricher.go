// Package agent fills in song metadata and drafts lyrics with text generation
// providers.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tuneforge/config"
	"tuneforge/logger"
)

// ErrNoProvider is returned when no text provider has credentials.
var ErrNoProvider = errors.New("no text provider configured")

// Song is the metadata an enrichment returns.
type Song struct {
	Title  string `json:"title"`
	Tags   string `json:"tags"`
	Lyrics string `json:"lyrics"`
}

// EnrichRequest describes a generated song. Empty fields are the ones to fill.
type EnrichRequest struct {
	Prompt string
	Song
}

const enrichSystemPrompt = `You are a music librarian. Given the prompt a song was generated from and what is already known about it, fill in the missing fields.
Reply with a single JSON object {"title": string, "tags": string, "lyrics": string} and nothing else.
- title: short, no quotes, at most 60 characters
- tags: comma separated genres and moods, at most 6
- lyrics: leave empty unless lyrics were provided; then return them cleaned up with [Verse]/[Chorus] section markers`

const lyricsSystemPrompt = `You are a songwriter. Write original song lyrics for the user's idea.
Reply with a single JSON object {"title": string, "tags": string, "lyrics": string} and nothing else.
Mark sections with [Verse], [Chorus] and [Bridge]. Keep it under 300 words.`

// Enricher calls the configured text providers in order until one answers.
type Enricher struct {
	providers []TextProvider
}

// NewEnricher creates an enricher from explicit providers.
func NewEnricher(providers ...TextProvider) *Enricher {
	return &Enricher{providers: providers}
}

// NewEnricherFromConfig registers every provider that has an API key, in the
// order OpenAI, DeepSeek, Anthropic.
func NewEnricherFromConfig(cfg *config.Config) *Enricher {
	var providers []TextProvider
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, NewChatCompletions("openai", ProviderConfig{
			APIBaseURL: cfg.OpenAIAPIURL, APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel, Temperature: 0.7,
		}))
	}
	if cfg.DeepSeekAPIKey != "" {
		providers = append(providers, NewChatCompletions("deepseek", ProviderConfig{
			APIBaseURL: cfg.DeepSeekAPIURL, APIKey: cfg.DeepSeekAPIKey, Model: cfg.DeepSeekModel, Temperature: 0.7,
		}))
	}
	if cfg.AnthropicAPIKey != "" {
		providers = append(providers, NewAnthropic(ProviderConfig{
			APIBaseURL: cfg.AnthropicAPIURL, APIKey: cfg.AnthropicAPIKey, Model: cfg.AnthropicModel, Temperature: 0.7,
		}))
	}
	return NewEnricher(providers...)
}

// Enabled reports whether any provider is configured.
func (e *Enricher) Enabled() bool {
	return e != nil && len(e.providers) > 0
}

// Enrich returns the completed metadata. Known fields are kept as they are;
// only empty ones take the provider's suggestion.
func (e *Enricher) Enrich(ctx context.Context, req EnrichRequest) (*Song, error) {
	known, _ := json.Marshal(req.Song)
	user := fmt.Sprintf("Prompt: %s\nKnown: %s", req.Prompt, known)

	suggested, err := e.ask(ctx, enrichSystemPrompt, user)
	if err != nil {
		return nil, err
	}

	out := req.Song
	if strings.TrimSpace(out.Title) == "" {
		out.Title = suggested.Title
	}
	if strings.TrimSpace(out.Tags) == "" {
		out.Tags = suggested.Tags
	}
	if strings.TrimSpace(out.Lyrics) != "" && suggested.Lyrics != "" {
		out.Lyrics = suggested.Lyrics
	}
	return &out, nil
}

// DraftLyrics writes lyrics for a song idea.
func (e *Enricher) DraftLyrics(ctx context.Context, prompt, style string) (*Song, error) {
	user := "Idea: " + prompt
	if style != "" {
		user += "\nStyle: " + style
	}
	song, err := e.ask(ctx, lyricsSystemPrompt, user)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(song.Lyrics) == "" {
		return nil, fmt.Errorf("provider returned no lyrics")
	}
	return song, nil
}

func (e *Enricher) ask(ctx context.Context, system, user string) (*Song, error) {
	if !e.Enabled() {
		return nil, ErrNoProvider
	}

	var errs []error
	for _, p := range e.providers {
		reply, err := p.Complete(ctx, system, user)
		if err == nil {
			var song *Song
			song, err = ParseSong(reply)
			if err == nil {
				return song, nil
			}
		}
		logger.Warn("[Agent] text provider failed",
			logger.String("provider", p.Name()),
			logger.ErrorField(err))
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("all text providers failed: %w", errors.Join(errs...))
}

// ParseSong extracts the JSON object from a model reply, tolerating code
// fences and surrounding prose.
func ParseSong(reply string) (*Song, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("reply contains no JSON object")
	}

	var song Song
	if err := json.Unmarshal([]byte(reply[start:end+1]), &song); err != nil {
		return nil, fmt.Errorf("failed to parse reply: %w", err)
	}
	song.Title = strings.Trim(strings.TrimSpace(song.Title), `"`)
	song.Tags = strings.TrimSpace(song.Tags)
	song.Lyrics = strings.TrimSpace(song.Lyrics)
	return &song, nil
}
