package provider

import (
	"sort"
	"strings"

	"tuneforge/model"
)

// Completion is the provider specific payload of a finished task. It is one of
// SunoCompletion, MurekaCompletion or StemsCompletion.
type Completion interface {
	Service() model.Service
	isCompletion()
}

// Clip is one generated song in provider independent form.
type Clip struct {
	Index          int
	ClipID         string
	ProviderTaskID string
	Title          string
	AudioURL       string
	CoverURL       string
	Duration       float32
	Lyrics         string
	Tags           string
}

// SunoClip is one entry of Suno's sunoData list.
type SunoClip struct {
	ID             string  `json:"id"`
	AudioURL       string  `json:"audioUrl"`
	SourceAudioURL string  `json:"sourceAudioUrl"`
	StreamAudioURL string  `json:"streamAudioUrl"`
	ImageURL       string  `json:"imageUrl"`
	Prompt         string  `json:"prompt"`
	Title          string  `json:"title"`
	Tags           string  `json:"tags"`
	Duration       float64 `json:"duration"`
	ModelName      string  `json:"modelName"`
}

// SunoCompletion is a finished Suno generation.
type SunoCompletion struct {
	TaskID    string
	Clips     []SunoClip
	ResultURL string
}

func (SunoCompletion) Service() model.Service { return model.ServiceSuno }
func (SunoCompletion) isCompletion()          {}

// MurekaChoice is one entry of Mureka's choices list.
type MurekaChoice struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	URL      string `json:"url"`
	FlacURL  string `json:"flac_url"`
	Duration int64  `json:"duration"` // milliseconds
	Title    string `json:"title"`
	Lyrics   string `json:"lyrics"`
}

// MurekaCompletion is a finished Mureka generation.
type MurekaCompletion struct {
	TaskID    string
	Choices   []MurekaChoice
	ResultURL string
}

func (MurekaCompletion) Service() model.Service { return model.ServiceMureka }
func (MurekaCompletion) isCompletion()          {}

// StemFile is one separated stem.
type StemFile struct {
	Type model.StemType
	URL  string
}

// StemsCompletion is a finished stem separation.
type StemsCompletion struct {
	Provider model.Service
	TaskID   string
	Stems    []StemFile
}

func (c StemsCompletion) Service() model.Service { return c.Provider }
func (StemsCompletion) isCompletion()            {}

// Clips normalises a completion. StemsCompletion yields no clips.
func Clips(c Completion) []Clip {
	switch v := c.(type) {
	case SunoCompletion:
		return normalizeSuno(v)
	case *SunoCompletion:
		return normalizeSuno(*v)
	case MurekaCompletion:
		return normalizeMureka(v)
	case *MurekaCompletion:
		return normalizeMureka(*v)
	default:
		return nil
	}
}

func normalizeSuno(c SunoCompletion) []Clip {
	clips := make([]Clip, 0, len(c.Clips))
	for i, sc := range c.Clips {
		clips = append(clips, Clip{
			Index:          i,
			ClipID:         sc.ID,
			ProviderTaskID: c.TaskID,
			Title:          sc.Title,
			AudioURL:       firstNonEmpty(sc.AudioURL, sc.SourceAudioURL, sc.StreamAudioURL, c.ResultURL),
			CoverURL:       sc.ImageURL,
			Duration:       float32(sc.Duration),
			Lyrics:         sc.Prompt,
			Tags:           sc.Tags,
		})
	}
	if len(clips) == 0 && c.ResultURL != "" {
		clips = append(clips, Clip{ProviderTaskID: c.TaskID, AudioURL: c.ResultURL})
	}
	return clips
}

func normalizeMureka(c MurekaCompletion) []Clip {
	choices := append([]MurekaChoice(nil), c.Choices...)
	sort.SliceStable(choices, func(i, j int) bool { return choices[i].Index < choices[j].Index })

	clips := make([]Clip, 0, len(choices))
	for i, ch := range choices {
		clips = append(clips, Clip{
			Index:          i,
			ClipID:         ch.ID,
			ProviderTaskID: c.TaskID,
			Title:          ch.Title,
			AudioURL:       firstNonEmpty(ch.URL, ch.FlacURL, c.ResultURL),
			Duration:       float32(ch.Duration) / 1000,
			Lyrics:         ch.Lyrics,
		})
	}
	if len(clips) == 0 && c.ResultURL != "" {
		clips = append(clips, Clip{ProviderTaskID: c.TaskID, AudioURL: c.ResultURL})
	}
	return clips
}

// ResultURL is the first playable url of a completion.
func ResultURL(c Completion) string {
	for _, clip := range Clips(c) {
		if clip.AudioURL != "" {
			return clip.AudioURL
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
