package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"tuneforge/model"
)

// MurekaConfig configures the Mureka client.
type MurekaConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	QPS          float64
	Burst        int
}

// Mureka is the Mureka music API client.
type Mureka struct {
	c   *client
	cfg MurekaConfig
}

// NewMureka creates a Mureka client.
func NewMureka(cfg MurekaConfig) *Mureka {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "auto"
	}
	return &Mureka{c: newClient(model.ServiceMureka, cfg.BaseURL, cfg.APIKey, cfg.QPS, cfg.Burst), cfg: cfg}
}

func (m *Mureka) Name() model.Service { return model.ServiceMureka }

type murekaGenerateRequest struct {
	Lyrics string `json:"lyrics"`
	Model  string `json:"model"`
	Prompt string `json:"prompt,omitempty"`
}

type murekaTask struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	FailedReason string         `json:"failed_reason"`
	Model        string         `json:"model"`
	ResultURL    string         `json:"result_url"`
	Choices      []MurekaChoice `json:"choices"`
}

// Submit starts a song. Mureka always takes lyrics, so without custom lyrics
// the prompt is sent as the lyric brief and the style as the musical prompt.
func (m *Mureka) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body := murekaGenerateRequest{
		Lyrics: req.Lyrics,
		Model:  req.Model,
		Prompt: req.Style,
	}
	if body.Model == "" {
		body.Model = m.cfg.DefaultModel
	}
	switch {
	case body.Lyrics != "":
		if body.Prompt == "" {
			body.Prompt = req.Prompt
		}
	case req.Instrumental:
		body.Lyrics = "[Instrumental]"
		if body.Prompt == "" {
			body.Prompt = req.Prompt
		}
	default:
		body.Lyrics = req.Prompt
	}

	var task murekaTask
	if _, err := m.c.do(ctx, http.MethodPost, "/v1/song/generate", body, &task); err != nil {
		return "", err
	}
	if task.ID == "" {
		return "", fmt.Errorf("mureka returned no task id")
	}
	return task.ID, nil
}

func (m *Mureka) Status(ctx context.Context, externalID string) (*StatusResult, error) {
	var task murekaTask
	raw, err := m.c.do(ctx, http.MethodGet, "/v1/song/query/"+url.PathEscape(externalID), nil, &task)
	if err != nil {
		return nil, err
	}

	state, partial := MapMurekaStatus(task.Status)
	res := &StatusResult{
		State:     state,
		Partial:   partial,
		RawStatus: task.Status,
		Message:   task.FailedReason,
		Raw:       raw,
	}
	if state == model.StatusCompleted {
		id := task.ID
		if id == "" {
			id = externalID
		}
		res.Completion = MurekaCompletion{TaskID: id, Choices: task.Choices, ResultURL: task.ResultURL}
	}
	return res, nil
}

func (m *Mureka) SubmitStems(context.Context, StemRequest) (string, error) {
	return "", ErrStemsUnsupported
}

func (m *Mureka) StemStatus(context.Context, string) (*StatusResult, error) {
	return nil, ErrStemsUnsupported
}
