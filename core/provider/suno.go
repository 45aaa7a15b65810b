package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"tuneforge/model"
)

const sunoSuccessCode = 200

// SunoConfig configures the Suno client.
type SunoConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	QPS          float64
	Burst        int
	// CallbackURL is required by the API even though results are polled.
	CallbackURL string
}

// Suno is the Suno music API client.
type Suno struct {
	c   *client
	cfg SunoConfig
}

// NewSuno creates a Suno client.
func NewSuno(cfg SunoConfig) *Suno {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "V4_5"
	}
	if cfg.CallbackURL == "" {
		cfg.CallbackURL = "https://localhost/callback"
	}
	return &Suno{c: newClient(model.ServiceSuno, cfg.BaseURL, cfg.APIKey, cfg.QPS, cfg.Burst), cfg: cfg}
}

func (s *Suno) Name() model.Service { return model.ServiceSuno }

type sunoEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type sunoGenerateRequest struct {
	Prompt       string `json:"prompt"`
	Style        string `json:"style,omitempty"`
	Title        string `json:"title,omitempty"`
	CustomMode   bool   `json:"customMode"`
	Instrumental bool   `json:"instrumental"`
	Model        string `json:"model"`
	CallBackURL  string `json:"callBackUrl"`
}

type sunoTaskRef struct {
	TaskID string `json:"taskId"`
}

type sunoRecord struct {
	TaskID       string `json:"taskId"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
	ResultURL    string `json:"result_url"`
	Response     *struct {
		TaskID   string     `json:"taskId"`
		SunoData []SunoClip `json:"sunoData"`
	} `json:"response"`
}

type sunoStemRecord struct {
	TaskID       string            `json:"taskId"`
	SuccessFlag  string            `json:"successFlag"`
	ErrorMessage string            `json:"errorMessage"`
	Response     map[string]string `json:"response"`
}

// call performs a request and unwraps the {code, msg, data} envelope.
func (s *Suno) call(ctx context.Context, method, path string, body, data interface{}) (json.RawMessage, error) {
	var env sunoEnvelope
	raw, err := s.c.do(ctx, method, path, body, &env)
	if err != nil {
		return nil, err
	}
	if env.Code != sunoSuccessCode {
		return nil, &APIError{Service: model.ServiceSuno, StatusCode: http.StatusOK, Code: env.Code, Message: env.Msg}
	}
	if data != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, data); err != nil {
			return nil, fmt.Errorf("failed to decode suno data: %w", err)
		}
	}
	return raw, nil
}

// Submit starts a generation. In custom mode the lyrics are the prompt and the
// free text prompt becomes the style when no style is given.
func (s *Suno) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body := sunoGenerateRequest{
		Prompt:       req.Prompt,
		Style:        req.Style,
		Title:        req.Title,
		Instrumental: req.Instrumental,
		Model:        req.Model,
		CallBackURL:  s.cfg.CallbackURL,
	}
	if body.Model == "" {
		body.Model = s.cfg.DefaultModel
	}
	if req.Lyrics != "" {
		body.CustomMode = true
		body.Prompt = req.Lyrics
		if body.Style == "" {
			body.Style = req.Prompt
		}
		if body.Title == "" {
			body.Title = "Untitled"
		}
	}

	var ref sunoTaskRef
	if _, err := s.call(ctx, http.MethodPost, "/api/v1/generate", body, &ref); err != nil {
		return "", err
	}
	if ref.TaskID == "" {
		return "", fmt.Errorf("suno returned no task id")
	}
	return ref.TaskID, nil
}

func (s *Suno) Status(ctx context.Context, externalID string) (*StatusResult, error) {
	var rec sunoRecord
	raw, err := s.call(ctx, http.MethodGet, "/api/v1/generate/record-info?taskId="+url.QueryEscape(externalID), nil, &rec)
	if err != nil {
		return nil, err
	}

	state, partial := MapSunoStatus(rec.Status)
	res := &StatusResult{
		State:     state,
		Partial:   partial,
		RawStatus: rec.Status,
		Message:   rec.ErrorMessage,
		Raw:       raw,
	}
	if state == model.StatusCompleted {
		c := SunoCompletion{TaskID: externalID, ResultURL: rec.ResultURL}
		if rec.Response != nil {
			c.Clips = rec.Response.SunoData
			if rec.Response.TaskID != "" {
				c.TaskID = rec.Response.TaskID
			}
		}
		res.Completion = c
	}
	return res, nil
}

type sunoStemRequest struct {
	TaskID      string `json:"taskId"`
	AudioID     string `json:"audioId"`
	Type        string `json:"type"`
	CallBackURL string `json:"callBackUrl"`
}

func (s *Suno) SubmitStems(ctx context.Context, req StemRequest) (string, error) {
	if req.ProviderTaskID == "" || req.ClipID == "" {
		return "", fmt.Errorf("suno stem separation needs the source task and clip id")
	}
	body := sunoStemRequest{
		TaskID:      req.ProviderTaskID,
		AudioID:     req.ClipID,
		Type:        "split_stem",
		CallBackURL: s.cfg.CallbackURL,
	}
	var ref sunoTaskRef
	if _, err := s.call(ctx, http.MethodPost, "/api/v1/vocal-removal/generate", body, &ref); err != nil {
		return "", err
	}
	if ref.TaskID == "" {
		return "", fmt.Errorf("suno returned no task id")
	}
	return ref.TaskID, nil
}

func (s *Suno) StemStatus(ctx context.Context, externalID string) (*StatusResult, error) {
	var rec sunoStemRecord
	raw, err := s.call(ctx, http.MethodGet, "/api/v1/vocal-removal/record-info?taskId="+url.QueryEscape(externalID), nil, &rec)
	if err != nil {
		return nil, err
	}

	state, partial := MapSunoStatus(rec.SuccessFlag)
	res := &StatusResult{
		State:     state,
		Partial:   partial,
		RawStatus: rec.SuccessFlag,
		Message:   rec.ErrorMessage,
		Raw:       raw,
	}
	if state == model.StatusCompleted {
		res.Completion = StemsCompletion{
			Provider: model.ServiceSuno,
			TaskID:   externalID,
			Stems:    sunoStems(rec.Response),
		}
	}
	return res, nil
}

// sunoStems turns {"vocalUrl": ..., "drumsUrl": ...} into stem files sorted by type.
func sunoStems(response map[string]string) []StemFile {
	var stems []StemFile
	for key, u := range response {
		if u == "" || !strings.HasSuffix(key, "Url") || key == "originUrl" {
			continue
		}
		name := strings.TrimSuffix(key, "Url")
		var t model.StemType
		switch name {
		case "vocal":
			t = model.StemVocals
		case "instrumental":
			t = model.StemInstrumental
		case "drums":
			t = model.StemDrums
		case "bass":
			t = model.StemBass
		default:
			t = model.StemType(toSnake(name))
		}
		stems = append(stems, StemFile{Type: t, URL: u})
	}
	sort.Slice(stems, func(i, j int) bool { return stems[i].Type < stems[j].Type })
	return stems
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
