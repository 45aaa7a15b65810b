// Package provider talks to the external AI music services and normalises
// their answers into one vocabulary.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"tuneforge/model"
)

// ErrStemsUnsupported is returned by providers without stem separation.
var ErrStemsUnsupported = errors.New("stem separation is not supported by this provider")

// Options are the user tunable generation parameters.
type Options struct {
	Model        string `json:"model,omitempty"`
	Style        string `json:"style,omitempty"`
	Title        string `json:"title,omitempty"`
	Instrumental bool   `json:"instrumental,omitempty"`
	// Lyrics switches the request to custom lyrics mode.
	Lyrics string `json:"lyrics,omitempty"`
}

// SubmitRequest is one song generation request.
type SubmitRequest struct {
	Prompt string
	Options
}

// StemRequest asks for stem separation of one generated clip.
type StemRequest struct {
	ProviderTaskID string
	ClipID         string
	AudioURL       string
}

// StatusResult is one answer of a status call in canonical form.
type StatusResult struct {
	State     model.GenerationStatus
	Partial   bool   // some clips are already playable
	RawStatus string // provider vocabulary, for logs
	Message   string // provider failure reason
	// Completion is set once State is completed.
	Completion Completion
	Raw        json.RawMessage
}

// Progress is the synthetic percentage shown to users.
func (r *StatusResult) Progress() int {
	return Progress(r.State, r.Partial)
}

// Provider is one music generation service.
type Provider interface {
	Name() model.Service
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Status(ctx context.Context, externalID string) (*StatusResult, error)
	SubmitStems(ctx context.Context, req StemRequest) (string, error)
	StemStatus(ctx context.Context, externalID string) (*StatusResult, error)
}

// Set resolves a provider by service.
type Set map[model.Service]Provider

// NewSet indexes providers by name.
func NewSet(providers ...Provider) Set {
	s := make(Set, len(providers))
	for _, p := range providers {
		s[p.Name()] = p
	}
	return s
}

// Get returns the provider for service or an error when none is configured.
func (s Set) Get(service model.Service) (Provider, error) {
	p, ok := s[service]
	if !ok {
		return nil, fmt.Errorf("no provider configured for service %q", service)
	}
	return p, nil
}

// APIError is a non-success answer from a provider.
type APIError struct {
	Service    model.Service
	StatusCode int
	Code       int
	Message    string
}

// UserMessage is the text shown to users for a failed provider call. The
// provider's response body stays in the logs.
func UserMessage(err error) string {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return "The music provider could not be reached, please try again later"
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return "The music provider is busy, please try again later"
	case apiErr.StatusCode == http.StatusUnauthorized, apiErr.StatusCode == http.StatusForbidden:
		return "The music provider refused our credentials"
	case apiErr.StatusCode >= 500:
		return "The music provider is unavailable, please try again later"
	default:
		return "The music provider rejected the request"
	}
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s api error: http %d, code %d: %s", e.Service, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api error: http %d: %s", e.Service, e.StatusCode, e.Message)
}
