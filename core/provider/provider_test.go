package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"tuneforge/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapSunoStatus(t *testing.T) {
	cases := []struct {
		in      string
		state   model.GenerationStatus
		partial bool
	}{
		{"PENDING", model.StatusPending, false},
		{"TEXT_SUCCESS", model.StatusRunning, false},
		{"FIRST_SUCCESS", model.StatusRunning, true},
		{"SUCCESS", model.StatusCompleted, false},
		{"CREATE_TASK_FAILED", model.StatusFailed, false},
		{"GENERATE_AUDIO_FAILED", model.StatusFailed, false},
		{"CALLBACK_EXCEPTION", model.StatusFailed, false},
		{"SENSITIVE_WORD_ERROR", model.StatusFailed, false},
		{"SOMETHING_NEW", model.StatusRunning, false},
	}
	for _, c := range cases {
		state, partial := MapSunoStatus(c.in)
		assert.Equal(t, c.state, state, c.in)
		assert.Equal(t, c.partial, partial, c.in)
	}
}

func TestMapMurekaStatus(t *testing.T) {
	cases := map[string]model.GenerationStatus{
		"preparing": model.StatusPending,
		"queued":    model.StatusPending,
		"running":   model.StatusRunning,
		"streaming": model.StatusRunning,
		"succeeded": model.StatusCompleted,
		"failed":    model.StatusFailed,
		"timeouted": model.StatusFailed,
		"cancelled": model.StatusFailed,
	}
	for in, want := range cases {
		state, _ := MapMurekaStatus(in)
		assert.Equal(t, want, state, in)
	}
	_, partial := MapMurekaStatus("streaming")
	assert.True(t, partial)
}

func TestProgress(t *testing.T) {
	assert.Equal(t, 25, Progress(model.StatusPending, false))
	assert.Equal(t, 50, Progress(model.StatusRunning, false))
	assert.Equal(t, 75, Progress(model.StatusRunning, true))
	assert.Equal(t, 100, Progress(model.StatusCompleted, false))
}

func TestClipsSunoURLPriority(t *testing.T) {
	c := SunoCompletion{
		TaskID:    "ext-1",
		ResultURL: "https://cdn/result.mp3",
		Clips: []SunoClip{
			{ID: "a", AudioURL: "https://cdn/a.mp3", SourceAudioURL: "https://cdn/a-src.mp3", Title: "A", Duration: 120.5},
			{ID: "b", SourceAudioURL: "https://cdn/b-src.mp3", StreamAudioURL: "https://cdn/b-stream"},
			{ID: "c", StreamAudioURL: " https://cdn/c-stream "},
			{ID: "d"},
		},
	}
	clips := Clips(c)
	require.Len(t, clips, 4)
	assert.Equal(t, "https://cdn/a.mp3", clips[0].AudioURL)
	assert.Equal(t, "https://cdn/b-src.mp3", clips[1].AudioURL)
	assert.Equal(t, "https://cdn/c-stream", clips[2].AudioURL)
	assert.Equal(t, "https://cdn/result.mp3", clips[3].AudioURL)
	for i, clip := range clips {
		assert.Equal(t, i, clip.Index)
		assert.Equal(t, "ext-1", clip.ProviderTaskID)
	}
	assert.InDelta(t, 120.5, clips[0].Duration, 0.01)
	assert.Equal(t, "https://cdn/a.mp3", ResultURL(c))
}

func TestClipsMurekaOrderAndFallback(t *testing.T) {
	c := &MurekaCompletion{
		TaskID: "m-1",
		Choices: []MurekaChoice{
			{Index: 1, ID: "second", FlacURL: "https://cdn/2.flac", Duration: 90000},
			{Index: 0, ID: "first", URL: "https://cdn/1.mp3", FlacURL: "https://cdn/1.flac"},
		},
	}
	clips := Clips(c)
	require.Len(t, clips, 2)
	assert.Equal(t, "first", clips[0].ClipID)
	assert.Equal(t, "https://cdn/1.mp3", clips[0].AudioURL)
	assert.Equal(t, "https://cdn/2.flac", clips[1].AudioURL)
	assert.InDelta(t, 90, clips[1].Duration, 0.01)
}

func TestClipsResultURLOnly(t *testing.T) {
	clips := Clips(MurekaCompletion{TaskID: "m-2", ResultURL: "https://cdn/only.mp3"})
	require.Len(t, clips, 1)
	assert.Equal(t, "https://cdn/only.mp3", clips[0].AudioURL)

	assert.Empty(t, Clips(StemsCompletion{}))
}

func TestSunoSubmitAndStatus(t *testing.T) {
	var gotAuth string
	var gotBody sunoGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/api/v1/generate":
			data, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(data, &gotBody)
			w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"suno-1"}}`))
		case "/api/v1/generate/record-info":
			assert.Equal(t, "suno-1", r.URL.Query().Get("taskId"))
			w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"suno-1","status":"SUCCESS",
				"response":{"taskId":"suno-1","sunoData":[{"id":"c1","audioUrl":"https://cdn/1.mp3","title":"One"},{"id":"c2","streamAudioUrl":"https://cdn/2"}]}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := NewSuno(SunoConfig{BaseURL: srv.URL, APIKey: "k"})
	id, err := s.Submit(context.Background(), SubmitRequest{Prompt: "a calm piano song", Options: Options{Lyrics: "la la", Style: "piano"}})
	require.NoError(t, err)
	assert.Equal(t, "suno-1", id)
	assert.Equal(t, "Bearer k", gotAuth)
	assert.True(t, gotBody.CustomMode)
	assert.Equal(t, "la la", gotBody.Prompt)
	assert.Equal(t, "piano", gotBody.Style)
	assert.Equal(t, "V4_5", gotBody.Model)

	res, err := s.Status(context.Background(), "suno-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, res.State)
	assert.Equal(t, 100, res.Progress())
	clips := Clips(res.Completion)
	require.Len(t, clips, 2)
	assert.Equal(t, "https://cdn/2", clips[1].AudioURL)
}

func TestSunoEnvelopeErrorBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":429,"msg":"insufficient credits","data":null}`))
	}))
	defer srv.Close()

	_, err := NewSuno(SunoConfig{BaseURL: srv.URL}).Submit(context.Background(), SubmitRequest{Prompt: "x"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 429, apiErr.Code)
	assert.Contains(t, apiErr.Error(), "insufficient credits")
}

func TestSunoStemStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"st-1","successFlag":"SUCCESS",
			"response":{"originUrl":"https://cdn/o.mp3","vocalUrl":"https://cdn/v.mp3","instrumentalUrl":"https://cdn/i.mp3","backingVocalsUrl":"https://cdn/bv.mp3","drumsUrl":""}}}`))
	}))
	defer srv.Close()

	res, err := NewSuno(SunoConfig{BaseURL: srv.URL}).StemStatus(context.Background(), "st-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, res.State)
	stems := res.Completion.(StemsCompletion).Stems
	require.Len(t, stems, 3)
	assert.Equal(t, model.StemType("backing_vocals"), stems[0].Type)
	assert.Equal(t, model.StemInstrumental, stems[1].Type)
	assert.Equal(t, model.StemVocals, stems[2].Type)
}

func TestMurekaSubmitAndStatus(t *testing.T) {
	var gotBody murekaGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/song/generate":
			data, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(data, &gotBody)
			w.Write([]byte(`{"id":"m-1","status":"preparing"}`))
		case "/v1/song/query/m-1":
			w.Write([]byte(`{"id":"m-1","status":"failed","failed_reason":"content rejected"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	m := NewMureka(MurekaConfig{BaseURL: srv.URL, APIKey: "k"})
	id, err := m.Submit(context.Background(), SubmitRequest{Prompt: "a lullaby", Options: Options{Instrumental: true}})
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)
	assert.Equal(t, "[Instrumental]", gotBody.Lyrics)
	assert.Equal(t, "a lullaby", gotBody.Prompt)
	assert.Equal(t, "auto", gotBody.Model)

	res, err := m.Status(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, res.State)
	assert.Equal(t, "content rejected", res.Message)
	assert.Nil(t, res.Completion)

	_, err = m.SubmitStems(context.Background(), StemRequest{})
	assert.ErrorIs(t, err, ErrStemsUnsupported)
}

func TestHTTPErrorBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewMureka(MurekaConfig{BaseURL: srv.URL}).Status(context.Background(), "x")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "boom", apiErr.Message)
}

func TestSetGet(t *testing.T) {
	s := NewSet(NewSuno(SunoConfig{}), NewMureka(MurekaConfig{}))
	p, err := s.Get(model.ServiceMureka)
	require.NoError(t, err)
	assert.Equal(t, model.ServiceMureka, p.Name())

	_, err = s.Get("udio")
	assert.Error(t, err)
}

func TestUserMessageHidesResponseBody(t *testing.T) {
	body := `{"trace":"NullPointerException","internal_id":"node-7"}`
	tests := []struct {
		err  error
		want string
	}{
		{&APIError{Service: model.ServiceSuno, StatusCode: 400, Message: body}, "The music provider rejected the request"},
		{&APIError{Service: model.ServiceSuno, StatusCode: 401, Message: body}, "The music provider refused our credentials"},
		{&APIError{Service: model.ServiceSuno, StatusCode: 429, Message: body}, "The music provider is busy, please try again later"},
		{&APIError{Service: model.ServiceMureka, StatusCode: 503, Message: body}, "The music provider is unavailable, please try again later"},
		{&APIError{Service: model.ServiceSuno, StatusCode: 200, Code: 413, Message: body}, "The music provider rejected the request"},
		{errors.New("dial tcp: connection refused"), "The music provider could not be reached, please try again later"},
	}
	for _, tt := range tests {
		got := UserMessage(tt.err)
		assert.Equal(t, tt.want, got)
		assert.NotContains(t, got, "node-7")
	}
}
